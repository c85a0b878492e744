package tunnel

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/tunneld/tunneld/internal/domain"
	"github.com/tunneld/tunneld/internal/socketpool"
)

func newTestTunnel(t *testing.T, firstConnectGrace, offlineGrace time.Duration) (*Tunnel, *socketpool.Pool) {
	t.Helper()

	var closed atomic.Bool
	pool := socketpool.New(socketpool.Config{
		TunnelID:         "abcd",
		MaxClientSockets: 5,
		MaxTcpSockets:    10,
		BindAddr:         "127.0.0.1",
	})

	tun := New(Config{
		ID:                "abcd",
		Pool:              pool,
		FirstConnectGrace: firstConnectGrace,
		OfflineGrace:      offlineGrace,
		Hooks: Hooks{
			OnClosed: func(string) { closed.Store(true) },
		},
	})
	pool.SetHooks(tun.PoolHooks())

	if _, err := pool.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() {
		if !closed.Load() {
			tun.Close()
		}
	})
	return tun, pool
}

func dialPool(t *testing.T, p *socketpool.Pool) net.Conn {
	t.Helper()
	conn, err := net.Dial("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(p.Port())))
	if err != nil {
		t.Fatalf("dial pool: %v", err)
	}
	return conn
}

func TestTunnelStartsPendingFirstConnect(t *testing.T) {
	t.Parallel()

	tun, _ := newTestTunnel(t, time.Hour, time.Hour)
	if got := tun.Stats().State; got != domain.StatePendingFirstConnect {
		t.Fatalf("state = %v, want pending-first-connect", got)
	}
}

func TestTunnelFirstConnectGraceClosesWithNoConnection(t *testing.T) {
	t.Parallel()

	var closed atomic.Bool
	pool := socketpool.New(socketpool.Config{TunnelID: "t1", MaxClientSockets: 5, MaxTcpSockets: 10, BindAddr: "127.0.0.1"})
	tun := New(Config{
		ID:                "t1",
		Pool:              pool,
		FirstConnectGrace: 30 * time.Millisecond,
		OfflineGrace:      time.Hour,
		Hooks:             Hooks{OnClosed: func(string) { closed.Store(true) }},
	})
	pool.SetHooks(tun.PoolHooks())
	if _, err := pool.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if tun.Closed() {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if !tun.Closed() {
		t.Fatal("expected tunnel to close after first-connect grace elapsed")
	}
	if !closed.Load() {
		t.Fatal("expected OnClosed to fire")
	}
}

func TestTunnelGoesOnlineAndCancelsFirstConnectGrace(t *testing.T) {
	t.Parallel()

	tun, pool := newTestTunnel(t, 60*time.Millisecond, time.Hour)

	conn := dialPool(t, pool)
	t.Cleanup(func() { _ = conn.Close() })

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if tun.Stats().State == domain.StateOnline {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if got := tun.Stats().State; got != domain.StateOnline {
		t.Fatalf("state = %v, want online", got)
	}

	// The first-connect grace timer must have been invalidated: waiting
	// past its original deadline must not close the tunnel.
	time.Sleep(100 * time.Millisecond)
	if tun.Closed() {
		t.Fatal("tunnel closed despite being online")
	}
}

func TestTunnelOfflineGraceClosesAfterLastSocketGone(t *testing.T) {
	t.Parallel()

	tun, pool := newTestTunnel(t, time.Hour, 40*time.Millisecond)

	conn := dialPool(t, pool)
	waitForState(t, tun, domain.StateOnline)

	_ = conn.Close()
	waitForState(t, tun, domain.StateOffline)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if tun.Closed() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("expected tunnel to close after offline grace elapsed")
}

func TestTunnelReconnectDuringOfflineGraceCancelsClose(t *testing.T) {
	t.Parallel()

	tun, pool := newTestTunnel(t, time.Hour, 150*time.Millisecond)

	conn := dialPool(t, pool)
	waitForState(t, tun, domain.StateOnline)
	_ = conn.Close()
	waitForState(t, tun, domain.StateOffline)

	// Reconnect well before the offline grace would expire.
	time.Sleep(30 * time.Millisecond)
	conn2 := dialPool(t, pool)
	t.Cleanup(func() { _ = conn2.Close() })
	waitForState(t, tun, domain.StateOnline)

	time.Sleep(200 * time.Millisecond)
	if tun.Closed() {
		t.Fatal("tunnel closed despite reconnecting during offline grace")
	}
}

func waitForState(t *testing.T, tun *Tunnel, want domain.TunnelState) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if tun.Stats().State == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("state never reached %v, stuck at %v", want, tun.Stats().State)
}

func TestHandleRequestProxiesUpstreamResponse(t *testing.T) {
	t.Parallel()

	tun, pool := newTestTunnel(t, time.Hour, time.Hour)
	conn := dialPool(t, pool)
	t.Cleanup(func() { _ = conn.Close() })
	waitForState(t, tun, domain.StateOnline)

	serveUpstream := make(chan struct{})
	go func() {
		defer close(serveUpstream)
		br := bufio.NewReader(conn)
		req, err := http.ReadRequest(br)
		if err != nil {
			return
		}
		defer req.Body.Close()
		if req.Method != http.MethodGet || req.URL.Path != "/hello" {
			return
		}
		_, _ = io.WriteString(conn, "HTTP/1.1 200 OK\r\nContent-Length: 5\r\nContent-Type: text/plain\r\n\r\nhowdy")
	}()

	req := httptest.NewRequest(http.MethodGet, "/hello", nil)
	req.Host = "abcd.example.com"
	rr := httptest.NewRecorder()

	tun.HandleRequest(rr, req)

	select {
	case <-serveUpstream:
	case <-time.After(2 * time.Second):
		t.Fatal("upstream handler never completed")
	}

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rr.Code)
	}
	if got := rr.Body.String(); got != "howdy" {
		t.Fatalf("body = %q, want %q", got, "howdy")
	}
}

func TestHandleRequestAcquireFailureReturns502(t *testing.T) {
	t.Parallel()

	pool := socketpool.New(socketpool.Config{TunnelID: "closed", MaxClientSockets: 5, MaxTcpSockets: 10, BindAddr: "127.0.0.1"})
	tun := New(Config{ID: "closed", Pool: pool})
	pool.SetHooks(tun.PoolHooks())
	if _, err := pool.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	tun.Close()

	req := httptest.NewRequest(http.MethodGet, "/x", nil)
	rr := httptest.NewRecorder()
	tun.HandleRequest(rr, req)

	if rr.Code != http.StatusBadGateway {
		t.Fatalf("status = %d, want 502", rr.Code)
	}
}

func TestHandleUpgradeSplicesBytesBothDirections(t *testing.T) {
	t.Parallel()

	tun, pool := newTestTunnel(t, time.Hour, time.Hour)
	conn := dialPool(t, pool)
	t.Cleanup(func() { _ = conn.Close() })
	waitForState(t, tun, domain.StateOnline)

	upstreamGotRequestLine := make(chan string, 1)
	go func() {
		br := bufio.NewReader(conn)
		line, err := br.ReadString('\n')
		if err != nil {
			return
		}
		upstreamGotRequestLine <- line
		// drain the rest of the header block.
		for {
			l, err := br.ReadString('\n')
			if err != nil || l == "\r\n" {
				break
			}
		}
		buf := make([]byte, 5)
		if _, err := io.ReadFull(br, buf); err == nil {
			_, _ = conn.Write([]byte("world"))
		}
	}()

	serverDone := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer close(serverDone)
		tun.HandleUpgrade(w, r)
	}))
	t.Cleanup(srv.Close)

	publicConn, err := net.Dial("tcp", srv.Listener.Addr().String())
	if err != nil {
		t.Fatalf("dial test server: %v", err)
	}
	t.Cleanup(func() { _ = publicConn.Close() })

	_, _ = io.WriteString(publicConn, "GET /ws HTTP/1.1\r\nHost: abcd.example.com\r\nUpgrade: websocket\r\nConnection: Upgrade\r\n\r\nhello")

	select {
	case line := <-upstreamGotRequestLine:
		if line != "GET /ws HTTP/1.1\r\n" {
			t.Fatalf("request line = %q", line)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("upstream never received the request line")
	}

	_ = publicConn.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 5)
	if _, err := io.ReadFull(publicConn, buf); err != nil {
		t.Fatalf("read spliced response: %v", err)
	}
	if string(buf) != "world" {
		t.Fatalf("spliced payload = %q, want %q", buf, "world")
	}

	_ = publicConn.Close()
	select {
	case <-serverDone:
	case <-time.After(2 * time.Second):
		t.Fatal("HandleUpgrade never returned after public side closed")
	}
}

func TestTunnelCloseIsIdempotent(t *testing.T) {
	t.Parallel()

	var closedCount atomic.Int32
	pool := socketpool.New(socketpool.Config{TunnelID: "idem", MaxClientSockets: 5, MaxTcpSockets: 10, BindAddr: "127.0.0.1"})
	tun := New(Config{ID: "idem", Pool: pool, Hooks: Hooks{OnClosed: func(string) { closedCount.Add(1) }}})
	pool.SetHooks(tun.PoolHooks())
	if _, err := pool.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	tun.Close()
	tun.Close()
	tun.Close()

	if got := closedCount.Load(); got != 1 {
		t.Fatalf("OnClosed fired %d times, want 1", got)
	}
	if !pool.Closed() {
		t.Fatal("expected pool to be closed")
	}
}

func TestHandleRequestAcquireContextCanceled(t *testing.T) {
	t.Parallel()

	pool := socketpool.New(socketpool.Config{TunnelID: "ctx", MaxClientSockets: 5, MaxTcpSockets: 10, BindAddr: "127.0.0.1"})
	tun := New(Config{ID: "ctx", Pool: pool})
	pool.SetHooks(tun.PoolHooks())
	if _, err := pool.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(tun.Close)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	req := httptest.NewRequest(http.MethodGet, "/x", nil).WithContext(ctx)
	rr := httptest.NewRecorder()
	tun.HandleRequest(rr, req)

	if rr.Code != http.StatusBadGateway {
		t.Fatalf("status = %d, want 502", rr.Code)
	}
	if !errors.Is(context.Canceled, context.Canceled) {
		t.Fatal("sanity check failed")
	}
}
