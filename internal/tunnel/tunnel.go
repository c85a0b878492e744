// Package tunnel implements the per-subdomain session that binds a tunnel
// id to a socketpool.Pool and relays public traffic through it: ordinary
// HTTP/1.1 request/response pairs via HandleRequest, and raw byte streams
// (WebSocket and other Upgrade traffic) via HandleUpgrade.
package tunnel

import (
	"bufio"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/tunneld/tunneld/internal/domain"
	"github.com/tunneld/tunneld/internal/netutil"
	"github.com/tunneld/tunneld/internal/socketpool"
)

// Default grace windows per spec §5. Config overrides them for tests;
// production callers should leave them unset.
const (
	DefaultFirstConnectGrace = 5 * time.Second
	DefaultOfflineGrace      = 1 * time.Second
)

// Hooks lets the owning Registry (and metrics) observe lifecycle
// transitions without Tunnel importing either package.
type Hooks struct {
	// OnStateChange fires on every state transition except into/out of the
	// same state.
	OnStateChange func(id string, old, new domain.TunnelState)
	// OnClosed fires exactly once, when the tunnel reaches StateClosed for
	// any reason (grace timeout or explicit Close).
	OnClosed func(id string)
}

func (h Hooks) stateChange(id string, old, next domain.TunnelState) {
	if h.OnStateChange != nil {
		h.OnStateChange(id, old, next)
	}
}

func (h Hooks) closed(id string) {
	if h.OnClosed != nil {
		h.OnClosed(id)
	}
}

// Stats reports the externally observable state of a Tunnel.
type Stats struct {
	State            domain.TunnelState
	ConnectedSockets int
}

// Tunnel binds an id to a SocketPool and runs its grace-period watchdog.
// The zero value is not usable; construct with New.
type Tunnel struct {
	id           string
	pool         *socketpool.Pool
	log          *slog.Logger
	hooks        Hooks
	offlineGrace time.Duration

	mu       sync.Mutex
	state    domain.TunnelState
	timerGen int

	closeOnce sync.Once
}

// Config configures a new Tunnel. FirstConnectGrace and OfflineGrace
// default to the spec's 5 s / 1 s windows when zero.
type Config struct {
	ID                string
	Pool              *socketpool.Pool
	Hooks             Hooks
	Log               *slog.Logger
	FirstConnectGrace time.Duration
	OfflineGrace      time.Duration
}

// New constructs a Tunnel bound to cfg.Pool, starting in
// StatePendingFirstConnect with the first-connect grace timer armed. Pool
// must not have been started yet; the caller wires PoolHooks onto it and
// starts it only after New returns.
func New(cfg Config) *Tunnel {
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}
	firstConnectGrace := cfg.FirstConnectGrace
	if firstConnectGrace <= 0 {
		firstConnectGrace = DefaultFirstConnectGrace
	}
	offlineGrace := cfg.OfflineGrace
	if offlineGrace <= 0 {
		offlineGrace = DefaultOfflineGrace
	}
	t := &Tunnel{
		id:           cfg.ID,
		pool:         cfg.Pool,
		log:          log,
		hooks:        cfg.Hooks,
		offlineGrace: offlineGrace,
		state:        domain.StatePendingFirstConnect,
	}
	t.armGraceTimer(firstConnectGrace)
	return t
}

// PoolHooks returns the socketpool.Hooks this Tunnel needs wired onto its
// pool so that pool online/offline transitions drive the state machine.
// Callers that also want pool-level metrics should compose their own hooks
// and call these through.
func (t *Tunnel) PoolHooks() socketpool.Hooks {
	return socketpool.Hooks{
		OnOnline:  t.onPoolOnline,
		OnOffline: t.onPoolOffline,
	}
}

func (t *Tunnel) ID() string {
	return t.id
}

// armGraceTimer schedules a timeout after which the tunnel closes unless a
// newer timer has been armed (or the tunnel has already closed) in the
// meantime. Bumping timerGen is how a prior timer is "cleared": a stale
// firing recognizes its generation no longer matches and is a no-op, which
// is race-safe without needing to race time.Timer.Stop() against a timer
// that may already have fired.
func (t *Tunnel) armGraceTimer(d time.Duration) {
	t.mu.Lock()
	t.timerGen++
	gen := t.timerGen
	t.mu.Unlock()

	time.AfterFunc(d, func() { t.onGraceTimeout(gen) })
}

func (t *Tunnel) onGraceTimeout(gen int) {
	t.mu.Lock()
	if gen != t.timerGen || t.state == domain.StateClosed {
		t.mu.Unlock()
		return
	}
	old := t.state
	t.state = domain.StateClosed
	t.mu.Unlock()

	t.hooks.stateChange(t.id, old, domain.StateClosed)
	t.teardown()
}

func (t *Tunnel) onPoolOnline() {
	t.mu.Lock()
	if t.state == domain.StateClosed {
		t.mu.Unlock()
		return
	}
	old := t.state
	t.state = domain.StateOnline
	t.timerGen++ // invalidates any outstanding first-connect/offline timer
	t.mu.Unlock()

	if old != domain.StateOnline {
		t.hooks.stateChange(t.id, old, domain.StateOnline)
	}
}

func (t *Tunnel) onPoolOffline() {
	t.mu.Lock()
	if t.state == domain.StateClosed {
		t.mu.Unlock()
		return
	}
	old := t.state
	t.state = domain.StateOffline
	t.mu.Unlock()

	t.armGraceTimer(t.offlineGrace)

	if old != domain.StateOffline {
		t.hooks.stateChange(t.id, old, domain.StateOffline)
	}
}

// Stats reports the current state and connected-socket count.
func (t *Tunnel) Stats() Stats {
	t.mu.Lock()
	state := t.state
	t.mu.Unlock()
	return Stats{State: state, ConnectedSockets: t.pool.Stats().ConnectedSockets}
}

// Closed reports whether the tunnel has reached StateClosed.
func (t *Tunnel) Closed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state == domain.StateClosed
}

// Close transitions the tunnel to closed immediately: Registry.Remove and
// Registry.Create's same-id collision path call this. Idempotent.
func (t *Tunnel) Close() {
	t.mu.Lock()
	old := t.state
	if old == domain.StateClosed {
		t.mu.Unlock()
		return
	}
	t.state = domain.StateClosed
	t.timerGen++
	t.mu.Unlock()

	t.hooks.stateChange(t.id, old, domain.StateClosed)
	t.teardown()
}

func (t *Tunnel) teardown() {
	t.closeOnce.Do(func() {
		t.pool.Close()
		t.hooks.closed(t.id)
	})
}

// HandleRequest performs an HTTP/1.1 upstream request over a socket drawn
// from the pool. The request line, headers, and body are written exactly
// as net/http's own client-request wire encoder would write them; the
// upstream response status, headers, and body are copied back to w as
// they arrive. If Acquire fails, w receives a 502 with no body (see
// design notes: spec leaves "502 or silent drop" open, this repo picks
// 502 because every other response this server writes is either a
// correctly-terminated HTTP response or a raw proxied stream, never a
// connection that hangs with no status at all).
func (t *Tunnel) HandleRequest(w http.ResponseWriter, r *http.Request) {
	res := <-t.pool.Acquire(r.Context())
	if res.Err != nil {
		t.log.Debug("handle request: acquire failed", "tunnel_id", t.id,
			"err", &domain.PoolError{TunnelID: t.id, Op: "acquire", Err: res.Err})
		w.WriteHeader(http.StatusBadGateway)
		return
	}
	lease := res.Lease
	defer lease.Close()

	conn := lease.Conn
	_ = conn.SetDeadline(time.Time{})

	netutil.RemoveHopByHopHeadersPreserveUpgrade(r.Header)
	if err := r.Write(conn); err != nil {
		t.log.Debug("handle request: write upstream request failed", "tunnel_id", t.id,
			"err", &domain.PoolError{TunnelID: t.id, Op: "write upstream request", Err: err})
		return
	}

	resp, err := http.ReadResponse(bufio.NewReader(conn), r)
	if err != nil {
		t.log.Debug("handle request: read upstream response failed", "tunnel_id", t.id,
			"err", &domain.PoolError{TunnelID: t.id, Op: "read upstream response", Err: err})
		return
	}
	defer resp.Body.Close()

	netutil.RemoveHopByHopHeadersPreserveUpgrade(resp.Header)
	for k, vv := range resp.Header {
		for _, v := range vv {
			w.Header().Add(k, v)
		}
	}
	w.WriteHeader(resp.StatusCode)
	copyFlush(w, resp.Body)
}

// copyFlush copies src to dst, flushing dst after every chunk when it
// supports http.Flusher, so long-lived or streamed responses (SSE,
// chunked downloads) reach the public client incrementally instead of
// being buffered until upstream finishes.
func copyFlush(dst io.Writer, src io.Reader) {
	flusher, canFlush := dst.(http.Flusher)
	buf := make([]byte, 32*1024)
	for {
		n, rerr := src.Read(buf)
		if n > 0 {
			if _, werr := dst.Write(buf[:n]); werr != nil {
				return
			}
			if canFlush {
				flusher.Flush()
			}
		}
		if rerr != nil {
			return
		}
	}
}

// HandleUpgrade services an HTTP Upgrade (WebSocket) request: it hijacks
// the public connection, draws a pool socket, reconstructs the request
// wire form onto it, and then splices bytes in both directions until
// either side closes.
func (t *Tunnel) HandleUpgrade(w http.ResponseWriter, r *http.Request) {
	hijacker, ok := w.(http.Hijacker)
	if !ok {
		http.Error(w, "upgrade not supported", http.StatusInternalServerError)
		return
	}
	publicConn, publicBuf, err := hijacker.Hijack()
	if err != nil {
		t.log.Debug("handle upgrade: hijack failed", "tunnel_id", t.id, "err", err)
		return
	}
	defer publicConn.Close()

	res := <-t.pool.Acquire(r.Context())
	if res.Err != nil {
		t.log.Debug("handle upgrade: acquire failed", "tunnel_id", t.id,
			"err", &domain.PoolError{TunnelID: t.id, Op: "acquire", Err: res.Err})
		socketpool.GracefulEnd(publicConn)
		return
	}
	lease := res.Lease
	defer lease.Close()

	poolConn := lease.Conn
	_ = poolConn.SetDeadline(time.Time{})

	if err := writeUpgradeRequestLine(poolConn, r); err != nil {
		t.log.Debug("handle upgrade: write upstream request line failed", "tunnel_id", t.id,
			"err", &domain.PoolError{TunnelID: t.id, Op: "write upstream request line", Err: err})
		socketpool.GracefulEnd(publicConn)
		return
	}

	// The request line and headers were already consumed by the public
	// HTTP server before the handler ran; anything still sitting in
	// publicBuf's reader is payload bytes the client pipelined right
	// after the upgrade headers and must be forwarded before we start
	// splicing raw reads off the hijacked connection directly.
	if publicBuf != nil {
		if buffered := publicBuf.Reader.Buffered(); buffered > 0 {
			if _, err := io.CopyN(poolConn, publicBuf, int64(buffered)); err != nil {
				socketpool.GracefulEnd(publicConn)
				return
			}
		}
	}

	splice(publicConn, poolConn)
}

// writeUpgradeRequestLine reconstructs the raw HTTP/1.1 request-line and
// headers onto conn, terminated by a blank line, exactly as the public
// client originally sent it would be reconstructed from Go's parsed
// representation. Header order is not guaranteed to match the original
// wire order: net/http's server already discards it while parsing into
// http.Header (a map), and nothing in the retrieved dependency set
// restores it without a bespoke low-level request-line parser, which
// would be disproportionate to what this buys (upstreams keyed on header
// order rather than header content are not a case this core needs to
// support).
func writeUpgradeRequestLine(conn net.Conn, r *http.Request) error {
	bw := bufio.NewWriter(conn)
	if _, err := fmt.Fprintf(bw, "%s %s HTTP/1.1\r\n", r.Method, r.URL.RequestURI()); err != nil {
		return err
	}
	if r.Host != "" {
		if _, err := fmt.Fprintf(bw, "Host: %s\r\n", r.Host); err != nil {
			return err
		}
	}
	for k, vv := range r.Header {
		for _, v := range vv {
			if _, err := fmt.Fprintf(bw, "%s: %s\r\n", k, v); err != nil {
				return err
			}
		}
	}
	if _, err := bw.WriteString("\r\n"); err != nil {
		return err
	}
	return bw.Flush()
}

// splice copies bytes in both directions between a and b until either
// side errors or closes; returning closes both ends, which unblocks the
// other direction's pending Read/Write.
func splice(a, b net.Conn) {
	done := make(chan struct{}, 2)
	go func() {
		_, _ = io.Copy(a, b)
		done <- struct{}{}
	}()
	go func() {
		_, _ = io.Copy(b, a)
		done <- struct{}{}
	}()
	<-done
	_ = a.Close()
	_ = b.Close()
	<-done
}
