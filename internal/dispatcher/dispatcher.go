// Package dispatcher implements the public-facing HTTP entry point: it
// resolves the tunnel a request addresses and either hands it to that
// tunnel's core or falls through to the control plane.
package dispatcher

import (
	"log/slog"
	"net/http"

	"github.com/tunneld/tunneld/internal/hostutil"
	"github.com/tunneld/tunneld/internal/netutil"
	"github.com/tunneld/tunneld/internal/registry"
)

// Hooks lets an observer (metrics) see dispatch outcomes without this
// package importing a metrics dependency.
type Hooks struct {
	OnRequest func(outcome string)
	OnUpgrade func(outcome string)
}

func (h Hooks) request(outcome string) {
	if h.OnRequest != nil {
		h.OnRequest(outcome)
	}
}

func (h Hooks) upgrade(outcome string) {
	if h.OnUpgrade != nil {
		h.OnUpgrade(outcome)
	}
}

// Config configures a Dispatcher.
type Config struct {
	Registry  *registry.Registry
	Extractor hostutil.Extractor
	// ControlPlane handles every request whose host does not address a
	// tunnel (clientId == "").
	ControlPlane http.Handler
	Log          *slog.Logger
	Hooks        Hooks
}

// Dispatcher is the root http.Handler for the public listener.
type Dispatcher struct {
	registry     *registry.Registry
	extract      hostutil.Extractor
	controlPlane http.Handler
	log          *slog.Logger
	hooks        Hooks
}

// New constructs a Dispatcher.
func New(cfg Config) *Dispatcher {
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}
	return &Dispatcher{
		registry:     cfg.Registry,
		extract:      cfg.Extractor,
		controlPlane: cfg.ControlPlane,
		log:          log,
		hooks:        cfg.Hooks,
	}
}

// ServeHTTP implements the five-step algorithm from spec.md §6.
func (d *Dispatcher) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	upgrade := netutil.ShouldPreserveUpgradeHeaders(r.Header)

	host := netutil.NormalizeHost(r.Host)
	if host == "" {
		if upgrade {
			d.hooks.upgrade("bad_host")
			destroySocket(w)
			return
		}
		d.hooks.request("bad_host")
		http.Error(w, "Host header is required", http.StatusBadRequest)
		return
	}

	clientID := d.extract(host)
	if clientID == "" {
		d.controlPlane.ServeHTTP(w, r)
		return
	}

	tun, ok := d.registry.Get(clientID)
	if !ok {
		if upgrade {
			d.hooks.upgrade("no_tunnel")
			destroySocket(w)
			return
		}
		d.hooks.request("no_tunnel")
		http.Error(w, "405", http.StatusMethodNotAllowed)
		return
	}

	if upgrade {
		d.hooks.upgrade("ok")
		tun.HandleUpgrade(w, r)
		return
	}
	d.hooks.request("ok")
	tun.HandleRequest(w, r)
}

// destroySocket hijacks the underlying connection (if possible) and closes
// it immediately, mirroring the core's "destroy" primitive for public
// sockets that can never be proxied anywhere.
func destroySocket(w http.ResponseWriter) {
	hj, ok := w.(http.Hijacker)
	if !ok {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	conn, _, err := hj.Hijack()
	if err != nil {
		return
	}
	_ = conn.Close()
}
