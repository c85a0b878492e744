package dispatcher

import (
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/tunneld/tunneld/internal/hostutil"
	"github.com/tunneld/tunneld/internal/registry"
)

func TestMissingHostReturns400(t *testing.T) {
	t.Parallel()

	d := New(Config{
		Registry:     registry.New(registry.Config{}),
		Extractor:    hostutil.NewExtractor("example.com"),
		ControlPlane: http.NotFoundHandler(),
	})

	req := httptest.NewRequest(http.MethodGet, "/x", nil)
	req.Host = ""
	rr := httptest.NewRecorder()
	d.ServeHTTP(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rr.Code)
	}
}

func TestNonTunnelHostDelegatesToControlPlane(t *testing.T) {
	t.Parallel()

	var hit bool
	d := New(Config{
		Registry:  registry.New(registry.Config{}),
		Extractor: hostutil.NewExtractor("example.com"),
		ControlPlane: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			hit = true
			w.WriteHeader(http.StatusOK)
		}),
	})

	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	req.Host = "example.com"
	rr := httptest.NewRecorder()
	d.ServeHTTP(rr, req)

	if !hit {
		t.Fatal("expected control plane to be invoked for a non-tunnel host")
	}
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rr.Code)
	}
}

func TestUnknownTunnelReturns405(t *testing.T) {
	t.Parallel()

	d := New(Config{
		Registry:     registry.New(registry.Config{}),
		Extractor:    hostutil.NewExtractor("example.com"),
		ControlPlane: http.NotFoundHandler(),
	})

	req := httptest.NewRequest(http.MethodGet, "/x", nil)
	req.Host = "abcd.example.com"
	rr := httptest.NewRecorder()
	d.ServeHTTP(rr, req)

	if rr.Code != http.StatusMethodNotAllowed {
		t.Fatalf("status = %d, want 405", rr.Code)
	}
}

func TestKnownTunnelProxiesRequest(t *testing.T) {
	t.Parallel()

	reg := registry.New(registry.Config{MaxClientSockets: 2, BindAddr: "127.0.0.1"})
	res, err := reg.Create("abcd")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	t.Cleanup(func() { reg.Remove("abcd") })

	conn, err := net.Dial("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(res.Port)))
	if err != nil {
		t.Fatalf("dial pool: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })

	go func() {
		buf := make([]byte, 1024)
		_, _ = conn.Read(buf)
		_, _ = io.WriteString(conn, "HTTP/1.1 200 OK\r\nContent-Length: 2\r\n\r\nok")
	}()

	d := New(Config{
		Registry:     reg,
		Extractor:    hostutil.NewExtractor("example.com"),
		ControlPlane: http.NotFoundHandler(),
	})

	deadline := time.Now().Add(2 * time.Second)
	var rr *httptest.ResponseRecorder
	for time.Now().Before(deadline) {
		req := httptest.NewRequest(http.MethodGet, "/x", nil)
		req.Host = "abcd.example.com"
		rr = httptest.NewRecorder()
		d.ServeHTTP(rr, req)
		if rr.Code == http.StatusOK {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rr.Code)
	}
	if rr.Body.String() != "ok" {
		t.Fatalf("body = %q, want %q", rr.Body.String(), "ok")
	}
}

func TestUpgradeToUnknownTunnelDestroysSocket(t *testing.T) {
	t.Parallel()

	d := New(Config{
		Registry:     registry.New(registry.Config{}),
		Extractor:    hostutil.NewExtractor("example.com"),
		ControlPlane: http.NotFoundHandler(),
	})

	srv := httptest.NewServer(d)
	t.Cleanup(srv.Close)

	conn, err := net.Dial("tcp", srv.Listener.Addr().String())
	if err != nil {
		t.Fatalf("dial test server: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })

	_, _ = io.WriteString(conn, "GET /ws HTTP/1.1\r\nHost: abcd.example.com\r\nUpgrade: websocket\r\nConnection: Upgrade\r\n\r\n")

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 1)
	_, err = conn.Read(buf)
	if err != io.EOF {
		t.Fatalf("expected EOF after socket destroy, got %v", err)
	}
}

