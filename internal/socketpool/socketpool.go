// Package socketpool implements the per-tunnel pool of inbound TCP sockets
// originated by a remote tunnel client. A Pool tracks available versus
// checked-out sockets, accepts new inbound connections on a dynamically
// allocated port, enforces a hard cap on concurrently accepted sockets,
// queues pending consumers when no socket is available, and evicts the
// oldest idle socket when the client overshoots its declared soft cap.
//
// All pool state (the two FIFOs and the connected-socket count) is owned
// exclusively by a single goroutine (the "pool loop"); every other
// goroutine communicates with it over channels, so externally observable
// behavior matches a single-threaded event loop even though accepts,
// acquires, and releases happen concurrently.
package socketpool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/tunneld/tunneld/internal/domain"
)

// gracefulEndTimeout is the window a half-closed socket gets to finish
// closing on its own before being force-destroyed.
const gracefulEndTimeout = 1 * time.Second

// GracefulEnd sends a FIN (via CloseWrite, when supported) and schedules a
// forced Close after gracefulEndTimeout if the peer hasn't finished closing
// by then. It is the single primitive every pool-owned close path uses.
func GracefulEnd(conn net.Conn) {
	if cw, ok := conn.(interface{ CloseWrite() error }); ok {
		if err := cw.CloseWrite(); err == nil {
			time.AfterFunc(gracefulEndTimeout, func() { _ = conn.Close() })
			return
		}
	}
	_ = conn.Close()
}

// Hooks lets callers (the owning Tunnel, metrics) observe pool transitions
// without the pool importing their packages. Every field is optional.
type Hooks struct {
	// OnOnline fires exactly on the connectedSockets 0->1 transition.
	OnOnline func()
	// OnOffline fires exactly on the connectedSockets N->0 transition.
	OnOffline func()
	// OnAccepted fires once per socket that is actually admitted (not
	// rejected for being over the hard cap).
	OnAccepted func()
	// OnEvicted fires once per idle socket force-closed for exceeding the
	// soft cap.
	OnEvicted func()
}

func (h Hooks) online() {
	if h.OnOnline != nil {
		h.OnOnline()
	}
}

func (h Hooks) offline() {
	if h.OnOffline != nil {
		h.OnOffline()
	}
}

func (h Hooks) accepted() {
	if h.OnAccepted != nil {
		h.OnAccepted()
	}
}

func (h Hooks) evicted() {
	if h.OnEvicted != nil {
		h.OnEvicted()
	}
}

// Stats reports pool-level counters, per spec Stats().
type Stats struct {
	ConnectedSockets int
}

// AcquireResult is delivered on the channel returned by Acquire.
type AcquireResult struct {
	Lease *Lease
	Err   error
}

// Lease hands a pool socket to a single consumer. The consumer must call
// Close exactly once when it is done with the socket (normally or on
// error); Close is what tells the pool the socket is no longer connected.
type Lease struct {
	Conn net.Conn

	pool   *Pool
	ps     *pooledSocket
	closed atomic.Bool
}

// Close ends the underlying connection and notifies the pool so it can
// update connectedSockets and, if this was the last socket, emit offline.
// Safe to call more than once; only the first call has effect.
func (l *Lease) Close() error {
	if !l.closed.CompareAndSwap(false, true) {
		return nil
	}
	err := l.Conn.Close()
	l.pool.release(l.ps)
	return err
}

// pooledSocket wraps an accepted connection together with the idle-close
// watcher that detects the remote end hanging up while the socket sits in
// the available FIFO.
type pooledSocket struct {
	conn      net.Conn
	watchDone chan struct{}
}

// watch spawns a goroutine that blocks on a 1-byte Read to detect the
// remote end closing (or erroring) while this socket is idle. Reclaim
// interrupts it via SetReadDeadline; a deadline-triggered error is treated
// as our own cancellation signal, not a real close, so nothing is reported
// in that case. Any other outcome (EOF, a real error, or unexpected data
// arriving on an idle socket) is treated as the socket ending: the
// connection is closed and ps is sent on endedCh.
func (ps *pooledSocket) watch(endedCh chan *pooledSocket) {
	go func() {
		defer close(ps.watchDone)
		buf := make([]byte, 1)
		_, err := ps.conn.Read(buf)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				return
			}
		}
		_ = ps.conn.Close()
		endedCh <- ps
	}()
}

// reclaim stops the idle watcher so the caller can safely read/write the
// connection itself. It blocks only as long as it takes the watcher's Read
// to observe the forced deadline, which is immediate.
func (ps *pooledSocket) reclaim() {
	_ = ps.conn.SetReadDeadline(time.Unix(0, 1))
	<-ps.watchDone
	_ = ps.conn.SetReadDeadline(time.Time{})
}

// Pool is a per-tunnel SocketPool, per spec §3/§4.1.
type Pool struct {
	tunnelID         string
	maxClientSockets int
	maxTcpSockets    int
	log              *slog.Logger
	hooks            Hooks
	bindAddr         string

	started       atomic.Bool
	closeNotStart sync.Once

	listener net.Listener
	port     int

	connCh    chan net.Conn
	endedCh   chan *pooledSocket
	acquireCh chan chan AcquireResult
	cancelCh  chan chan AcquireResult
	statsCh   chan chan Stats
	closeCh   chan struct{}
	doneCh    chan struct{}
}

// Config configures a new Pool.
type Config struct {
	TunnelID         string
	MaxClientSockets int
	MaxTcpSockets    int
	// BindAddr is the address Start listens on; only the port is dynamic.
	// Defaults to "0.0.0.0" so remote clients on the network can dial in.
	BindAddr string
	Log      *slog.Logger
	Hooks    Hooks
}

// New constructs a Pool in the not-yet-started state.
func New(cfg Config) *Pool {
	bindAddr := cfg.BindAddr
	if bindAddr == "" {
		bindAddr = "0.0.0.0"
	}
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}
	chanBuf := cfg.MaxTcpSockets*2 + 16
	return &Pool{
		tunnelID:         cfg.TunnelID,
		maxClientSockets: cfg.MaxClientSockets,
		maxTcpSockets:    cfg.MaxTcpSockets,
		bindAddr:         bindAddr,
		log:              log,
		hooks:            cfg.Hooks,
		connCh:           make(chan net.Conn, chanBuf),
		endedCh:          make(chan *pooledSocket, chanBuf),
		acquireCh:        make(chan chan AcquireResult, chanBuf),
		cancelCh:         make(chan chan AcquireResult, chanBuf),
		statsCh:          make(chan chan Stats),
		closeCh:          make(chan struct{}),
		doneCh:           make(chan struct{}),
	}
}

// SetHooks replaces the pool's observer hooks. It must be called before
// Start: the pool loop reads p.hooks without synchronization, which is
// safe only because nothing else touches the pool until it is started.
// This exists so a Tunnel (which needs a *Pool to construct, and whose
// hooks in turn need to close over the Tunnel) can be wired up after
// New returns instead of requiring a two-phase pool constructor.
func (p *Pool) SetHooks(h Hooks) {
	p.hooks = h
}

// Start begins listening on an OS-assigned TCP port and returns it. It is
// idempotent-guarded: a second call returns ErrAlreadyStarted.
func (p *Pool) Start() (int, error) {
	if !p.started.CompareAndSwap(false, true) {
		return 0, domain.ErrAlreadyStarted
	}

	ln, err := net.Listen("tcp", net.JoinHostPort(p.bindAddr, "0"))
	if err != nil {
		return 0, fmt.Errorf("%w: %v", domain.ErrListenFailed, err)
	}
	p.listener = ln
	p.port = ln.Addr().(*net.TCPAddr).Port

	go p.acceptLoop()
	go p.loop()

	return p.port, nil
}

func (p *Pool) acceptLoop() {
	for {
		conn, err := p.listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			if isIgnorableAcceptErr(err) {
				continue
			}
			p.log.Error("socket pool accept error", "tunnel_id", p.tunnelID,
				"err", &domain.PoolError{TunnelID: p.tunnelID, Op: "accept", Err: err})
			continue
		}
		p.connCh <- conn
	}
}

func isIgnorableAcceptErr(err error) bool {
	return errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ETIMEDOUT)
}

// loop is the single goroutine that owns the available and pending FIFOs
// and the connected-socket count; every other goroutine only ever talks to
// it through the channels above. It never returns, even after Close: a
// buffered channel send from a racing caller can still be in flight the
// moment the pool transitions to closed, and the only way to guarantee that
// send is never stranded forever is to keep a receiver alive on it for the
// life of the process.
func (p *Pool) loop() {
	var available []*pooledSocket
	var pending []chan AcquireResult
	connected := 0
	closed := false

	for {
		select {
		case conn := <-p.connCh:
			if closed {
				GracefulEnd(conn)
				continue
			}
			p.handleAccepted(conn, &available, &pending, &connected)

		case ps := <-p.endedCh:
			for i, a := range available {
				if a == ps {
					available = append(available[:i], available[i+1:]...)
					break
				}
			}
			connected--
			if connected == 0 {
				p.hooks.offline()
			}

		case req := <-p.acquireCh:
			if closed {
				req <- AcquireResult{Err: domain.ErrPoolClosed}
				continue
			}
			if len(available) > 0 {
				ps := available[0]
				available = available[1:]
				ps.reclaim()
				req <- AcquireResult{Lease: p.newLease(ps)}
				continue
			}
			pending = append(pending, req)

		case req := <-p.cancelCh:
			for i, r := range pending {
				if r == req {
					pending = append(pending[:i], pending[i+1:]...)
					break
				}
			}

		case req := <-p.statsCh:
			req <- Stats{ConnectedSockets: connected}

		case <-p.closeCh:
			if closed {
				continue
			}
			closed = true
			_ = p.listener.Close()
			for _, ps := range available {
				GracefulEnd(ps.conn)
			}
			available = nil
			for _, req := range pending {
				req <- AcquireResult{Err: domain.ErrPoolClosed}
			}
			pending = nil
			close(p.doneCh)
		}
	}
}

// handleAccepted runs the accept-handler algorithm from spec §4.1 steps 1-6.
func (p *Pool) handleAccepted(conn net.Conn, available *[]*pooledSocket, pending *[]chan AcquireResult, connected *int) {
	if *connected >= p.maxTcpSockets {
		p.log.Debug("socket pool full, closing surplus socket", "tunnel_id", p.tunnelID,
			"err", &domain.PoolError{TunnelID: p.tunnelID, Op: "accept", Err: domain.ErrPoolFull})
		GracefulEnd(conn)
		return
	}

	ps := &pooledSocket{conn: conn, watchDone: make(chan struct{})}
	ps.watch(p.endedCh)

	wasZero := *connected == 0
	*connected++
	if wasZero {
		p.hooks.online()
	}
	p.hooks.accepted()

	if len(*pending) > 0 {
		req := (*pending)[0]
		*pending = (*pending)[1:]
		ps.reclaim()
		req <- AcquireResult{Lease: p.newLease(ps)}
		return
	}

	*available = append(*available, ps)
	if len(*available) > p.maxClientSockets {
		oldest := (*available)[0]
		*available = (*available)[1:]
		// Stop the idle watcher first so the eviction below is the only
		// decrement for this socket.
		oldest.reclaim()
		GracefulEnd(oldest.conn)
		*connected--
		p.hooks.evicted()
		if *connected == 0 {
			p.hooks.offline()
		}
	}
}

func (p *Pool) newLease(ps *pooledSocket) *Lease {
	return &Lease{Conn: ps.conn, pool: p, ps: ps}
}

func (p *Pool) release(ps *pooledSocket) {
	select {
	case p.endedCh <- ps:
	case <-p.doneCh:
	}
}

// Acquire hands the caller an available socket. If none is idle, the
// request is queued FIFO until one arrives or the pool closes. Callers
// must not assume delivery happens before Acquire returns: the result
// always arrives on the returned channel. If ctx is canceled before a
// socket is delivered, the queued request is withdrawn and the channel
// receives ctx.Err(); a socket that was already in flight at that moment
// is simply handed to a caller who has stopped listening, which the caller
// must tolerate by treating a post-cancellation result as discardable.
func (p *Pool) Acquire(ctx context.Context) <-chan AcquireResult {
	out := make(chan AcquireResult, 1)
	req := make(chan AcquireResult, 1)

	select {
	case p.acquireCh <- req:
	case <-p.doneCh:
		out <- AcquireResult{Err: domain.ErrPoolClosed}
		return out
	}

	go func() {
		select {
		case res := <-req:
			out <- res
		case <-ctx.Done():
			out <- AcquireResult{Err: ctx.Err()}
			select {
			case p.cancelCh <- req:
			case <-p.doneCh:
			case res := <-req:
				// The pool delivered before the cancel was processed; the
				// lease is now orphaned, so close it immediately.
				if res.Lease != nil {
					_ = res.Lease.Close()
				}
			}
		}
	}()

	return out
}

// Stats reports the current connected-socket count.
func (p *Pool) Stats() Stats {
	req := make(chan Stats, 1)
	select {
	case p.statsCh <- req:
		return <-req
	case <-p.doneCh:
		return Stats{}
	}
}

// Port returns the port Start bound to (valid only after Start succeeds).
func (p *Pool) Port() int {
	return p.port
}

// Close stops the listener, closes every available socket (graceful end,
// then forced destroy after gracefulEndTimeout), fails every pending
// consumer with ErrPoolClosed, and transitions the pool to closed. It is
// idempotent.
func (p *Pool) Close() {
	select {
	case <-p.doneCh:
		return
	default:
	}
	if !p.started.Load() {
		p.closeNotStart.Do(func() { close(p.doneCh) })
		return
	}
	select {
	case p.closeCh <- struct{}{}:
	case <-p.doneCh:
	}
	<-p.doneCh
}

// Closed reports whether Close has completed.
func (p *Pool) Closed() bool {
	select {
	case <-p.doneCh:
		return true
	default:
		return false
	}
}
