// Package server assembles the tunnel multiplexing core (registry,
// dispatcher) with the control plane and ambient concerns (metrics,
// logging, pprof) into one runnable process, and owns the top-level
// listen/shutdown loop.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tunneld/tunneld/internal/config"
	"github.com/tunneld/tunneld/internal/controlplane"
	"github.com/tunneld/tunneld/internal/debughttp"
	"github.com/tunneld/tunneld/internal/dispatcher"
	"github.com/tunneld/tunneld/internal/domain"
	"github.com/tunneld/tunneld/internal/hostutil"
	"github.com/tunneld/tunneld/internal/metrics"
	"github.com/tunneld/tunneld/internal/registry"
)

const shutdownTimeout = 5 * time.Second

// Server owns the registry, public dispatcher, and control plane for one
// tunneld process.
type Server struct {
	cfg      config.ServerConfig
	log      *slog.Logger
	registry *registry.Registry
	metrics  *metrics.Metrics
	events   *controlplane.EventHub

	// Ready, if non-nil, receives the bound listen address once Run has
	// successfully acquired the listener. Tests use this to learn an
	// ephemeral port; production callers leave it nil.
	Ready chan string
}

// New wires the registry, metrics, and event feed together and returns an
// unstarted Server. Registry hooks are composed here, at the assembly
// point, so neither the registry nor metrics/controlplane packages depend
// on each other.
func New(cfg config.ServerConfig, log *slog.Logger) *Server {
	m := metrics.New()
	events := controlplane.NewEventHub(log)

	var reg *registry.Registry
	reg = registry.New(registry.Config{
		MaxClientSockets: cfg.MaxSockets,
		BindAddr:         cfg.Address,
		Log:              log,
		Hooks: registry.Hooks{
			OnTunnelCreated: func(id string) {
				m.OnTunnelCreated(id)
				events.OnTunnelCreated(id)
			},
			OnTunnelRemoved: func(id string) {
				m.OnTunnelRemoved(id)
				events.OnTunnelRemoved(id)
			},
			OnStateChange: func(id string, old, next domain.TunnelState) {
				events.OnStateChange(id, old, next)
			},
			// Pool hooks run on the pool loop, and Stats() is answered by
			// that same loop, so the gauge update runs on its own goroutine.
			OnPoolAccepted: func(id string) {
				go func() {
					if tun, ok := reg.Get(id); ok {
						m.SetConnectedSockets(id, tun.Stats().ConnectedSockets)
					}
				}()
			},
			OnPoolEvicted: func(id string) {
				m.OnPoolEvicted(id)
				go func() {
					if tun, ok := reg.Get(id); ok {
						m.SetConnectedSockets(id, tun.Stats().ConnectedSockets)
					}
				}()
			},
		},
	})

	return &Server{
		cfg:      cfg,
		log:      log,
		registry: reg,
		metrics:  m,
		events:   events,
	}
}

// Run starts the public listener (and, if enabled, the debug pprof
// listener) and blocks until ctx is canceled, then shuts both down
// gracefully. It mirrors the signal-context + error-channel shutdown
// pattern used throughout the example pack's servers.
func (s *Server) Run(ctx context.Context) error {
	extractor := hostutil.NewExtractor(s.cfg.Domain)

	cpMux := controlplane.NewMux(controlplane.Config{
		Registry:       s.registry,
		Landing:        s.cfg.Landing,
		Secure:         s.cfg.Secure,
		Log:            s.log,
		MetricsHandler: promhttp.HandlerFor(s.metrics.Registry, promhttp.HandlerOpts{}),
		Events:         s.events,
	})

	handler := dispatcher.New(dispatcher.Config{
		Registry:     s.registry,
		Extractor:    extractor,
		ControlPlane: cpMux,
		Log:          s.log,
		Hooks: dispatcher.Hooks{
			OnRequest: s.metrics.OnRequest,
			OnUpgrade: s.metrics.OnUpgrade,
		},
	})

	addr := fmt.Sprintf("%s:%d", s.cfg.Address, s.cfg.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}

	httpServer := &http.Server{
		Handler:           withRequestID(handler),
		ReadHeaderTimeout: 10 * time.Second,
	}

	if s.cfg.DebugPprof {
		if err := debughttp.StartPprofServer(ctx, s.cfg.DebugPprofAddr, s.log, "tunneld"); err != nil {
			return fmt.Errorf("start pprof server: %w", err)
		}
	}

	if s.Ready != nil {
		s.Ready <- ln.Addr().String()
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("tunneld listening", "addr", ln.Addr().String(), "domain", s.cfg.Domain, "secure", s.cfg.Secure)
		if err := httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case <-ctx.Done():
		s.log.Info("shutting down")
		return shutdownServer(httpServer, shutdownTimeout)
	case err := <-errCh:
		return err
	}
}

func shutdownServer(srv *http.Server, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
