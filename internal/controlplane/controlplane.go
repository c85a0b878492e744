// Package controlplane implements the non-tunnel HTTP surface: status,
// tunnel creation/removal, the landing page redirect, and operator glue
// (health checks, a live lifecycle event feed).
package controlplane

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"runtime"

	"github.com/tunneld/tunneld/internal/domain"
	"github.com/tunneld/tunneld/internal/registry"
)

// Config configures a control-plane Mux.
type Config struct {
	Registry *registry.Registry
	// Landing is where a bare GET / (no ?new) redirects to.
	Landing string
	// Secure governs the scheme used in a create response's url field.
	Secure bool
	Log    *slog.Logger
	// MetricsHandler, if set, is mounted at GET /metrics.
	MetricsHandler http.Handler
	// Events, if set, is mounted at GET /api/events.
	Events http.Handler
}

// NewMux builds the control-plane http.Handler.
func NewMux(cfg Config) http.Handler {
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}
	cp := &controlPlane{
		registry: cfg.Registry,
		landing:  cfg.Landing,
		secure:   cfg.Secure,
		log:      log,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", cp.handleIndex)
	mux.HandleFunc("GET /{id}", cp.handleCreateByID)
	mux.HandleFunc("GET /api/status", cp.handleStatus)
	mux.HandleFunc("GET /api/tunnels/{id}/status", cp.handleTunnelStatus)
	mux.HandleFunc("DELETE /api/tunnels/{id}", cp.handleDeleteTunnel)
	mux.HandleFunc("GET /healthz", cp.handleHealthz)
	if cfg.MetricsHandler != nil {
		mux.Handle("GET /metrics", cfg.MetricsHandler)
	}
	if cfg.Events != nil {
		mux.Handle("GET /api/events", cfg.Events)
	}
	return mux
}

type controlPlane struct {
	registry *registry.Registry
	landing  string
	secure   bool
	log      *slog.Logger
}

type statusResponse struct {
	Tunnels int    `json:"tunnels"`
	Mem     uint64 `json:"mem"`
}

type tunnelStatusResponse struct {
	ConnectedSockets int `json:"connected_sockets"`
}

type createResponse struct {
	ID           string `json:"id"`
	Port         int    `json:"port"`
	MaxConnCount int    `json:"max_conn_count"`
	URL          string `json:"url"`
}

type errorResponse struct {
	Message string `json:"message"`
}

type deleteResponse struct {
	DeletedClientID string `json:"deletedClientId"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (cp *controlPlane) handleStatus(w http.ResponseWriter, r *http.Request) {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	writeJSON(w, http.StatusOK, statusResponse{
		Tunnels: cp.registry.Stats().Tunnels,
		Mem:     mem.Alloc,
	})
}

func (cp *controlPlane) handleTunnelStatus(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	tun, ok := cp.registry.Get(id)
	if !ok {
		http.Error(w, "405", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, tunnelStatusResponse{ConnectedSockets: tun.Stats().ConnectedSockets})
}

func (cp *controlPlane) handleDeleteTunnel(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if !cp.registry.Has(id) {
		// spec.md §9's corrected variant: 405, not 404, for a missing id.
		http.Error(w, "405", http.StatusMethodNotAllowed)
		return
	}
	cp.registry.Remove(id)
	writeJSON(w, http.StatusOK, deleteResponse{DeletedClientID: id})
}

func (cp *controlPlane) handleIndex(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Has("new") {
		id, err := domain.NewRandomTunnelID()
		if err != nil {
			cp.log.Error("control plane: generate random tunnel id", "err", err)
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
		cp.create(w, r, id)
		return
	}
	http.Redirect(w, r, cp.landing, http.StatusFound)
}

func (cp *controlPlane) handleCreateByID(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if !domain.ValidTunnelID(id) {
		writeJSON(w, http.StatusForbidden, errorResponse{
			Message: "Invalid subdomain. Subdomains must be lowercase and between 4 and 63 alphanumeric characters.",
		})
		return
	}
	cp.create(w, r, id)
}

func (cp *controlPlane) create(w http.ResponseWriter, r *http.Request, id string) {
	res, err := cp.registry.Create(id)
	if err != nil {
		if errors.Is(err, domain.ErrInvalidTunnelID) {
			writeJSON(w, http.StatusForbidden, errorResponse{
				Message: "Invalid subdomain. Subdomains must be lowercase and between 4 and 63 alphanumeric characters.",
			})
			return
		}
		cp.log.Error("control plane: create tunnel", "id", id, "err", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	scheme := "http"
	if cp.secure {
		scheme = "https"
	}
	writeJSON(w, http.StatusOK, createResponse{
		ID:           res.ID,
		Port:         res.Port,
		MaxConnCount: res.MaxConnCount,
		URL:          fmt.Sprintf("%s://%s.%s", scheme, res.ID, r.Host),
	})
}

func (cp *controlPlane) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}
