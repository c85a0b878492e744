// Package registry implements the process-wide map from tunnel id to
// Tunnel: creation, removal, collision handling, and aggregate counters.
package registry

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/tunneld/tunneld/internal/domain"
	"github.com/tunneld/tunneld/internal/socketpool"
	"github.com/tunneld/tunneld/internal/tunnel"
)

// Hooks lets observers (metrics, the /api/events feed) watch registry and
// tunnel lifecycle without those packages depending on each other.
type Hooks struct {
	OnTunnelCreated func(id string)
	OnTunnelRemoved func(id string)
	OnStateChange   func(id string, old, next domain.TunnelState)
	OnPoolAccepted  func(id string)
	OnPoolEvicted   func(id string)
}

func (h Hooks) created(id string) {
	if h.OnTunnelCreated != nil {
		h.OnTunnelCreated(id)
	}
}

func (h Hooks) removed(id string) {
	if h.OnTunnelRemoved != nil {
		h.OnTunnelRemoved(id)
	}
}

func (h Hooks) stateChange(id string, old, next domain.TunnelState) {
	if h.OnStateChange != nil {
		h.OnStateChange(id, old, next)
	}
}

func (h Hooks) accepted(id string) {
	if h.OnPoolAccepted != nil {
		h.OnPoolAccepted(id)
	}
}

func (h Hooks) evicted(id string) {
	if h.OnPoolEvicted != nil {
		h.OnPoolEvicted(id)
	}
}

// CreateResult is returned by Create on success.
type CreateResult struct {
	ID           string
	Port         int
	MaxConnCount int
}

// Stats reports registry-wide counters.
type Stats struct {
	Tunnels int
}

// Config configures a new Registry.
type Config struct {
	// MaxClientSockets is the soft cap passed to every SocketPool this
	// registry creates; the hard cap is always 2x this value. Defaults to
	// 10, per spec.
	MaxClientSockets int
	// BindAddr is the address every pool listens on. Defaults to "0.0.0.0".
	BindAddr string
	// FirstConnectGrace/OfflineGrace override the Tunnel defaults; chiefly
	// useful for tests.
	FirstConnectGrace time.Duration
	OfflineGrace      time.Duration
	Log               *slog.Logger
	Hooks             Hooks
}

// Registry is the process-wide id -> Tunnel map.
type Registry struct {
	maxClientSockets  int
	bindAddr          string
	firstConnectGrace time.Duration
	offlineGrace      time.Duration
	log               *slog.Logger
	hooks             Hooks

	mu      sync.RWMutex
	tunnels map[string]*tunnel.Tunnel

	// createLocks serializes Create/Remove per id. Entries are never
	// pruned: the set of distinct ids used over a server's life is
	// bounded by how many tunnels ever existed, which for this workload
	// (tens to low thousands of concurrent subdomains) is cheap to keep
	// around forever, and pruning would reopen the exact race it exists
	// to close (a late caller still holding a reference to a removed,
	// and therefore no-longer-exclusive, lock).
	createLocks sync.Map
}

// New constructs an empty Registry.
func New(cfg Config) *Registry {
	maxClientSockets := cfg.MaxClientSockets
	if maxClientSockets <= 0 {
		maxClientSockets = 10
	}
	bindAddr := cfg.BindAddr
	if bindAddr == "" {
		bindAddr = "0.0.0.0"
	}
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}
	return &Registry{
		maxClientSockets:  maxClientSockets,
		bindAddr:          bindAddr,
		firstConnectGrace: cfg.FirstConnectGrace,
		offlineGrace:      cfg.OfflineGrace,
		log:               log,
		hooks:             cfg.Hooks,
		tunnels:           make(map[string]*tunnel.Tunnel),
	}
}

func (r *Registry) lockFor(id string) *sync.Mutex {
	l, _ := r.createLocks.LoadOrStore(id, &sync.Mutex{})
	return l.(*sync.Mutex)
}

// Create constructs a SocketPool and Tunnel for id, starts the pool, and
// registers it. If id already exists, the existing tunnel is closed first
// (collision policy: new wins). Create and Remove on the same id
// serialize against each other.
func (r *Registry) Create(id string) (CreateResult, error) {
	if !domain.ValidTunnelID(id) {
		return CreateResult{}, domain.ErrInvalidTunnelID
	}

	lk := r.lockFor(id)
	lk.Lock()
	defer lk.Unlock()

	r.mu.RLock()
	existing, hadExisting := r.tunnels[id]
	r.mu.RUnlock()
	if hadExisting {
		existing.Close()
	}

	pool := socketpool.New(socketpool.Config{
		TunnelID:         id,
		MaxClientSockets: r.maxClientSockets,
		MaxTcpSockets:    2 * r.maxClientSockets,
		BindAddr:         r.bindAddr,
		Log:              r.log,
	})

	var tun *tunnel.Tunnel
	tun = tunnel.New(tunnel.Config{
		ID:                id,
		Pool:              pool,
		FirstConnectGrace: r.firstConnectGrace,
		OfflineGrace:      r.offlineGrace,
		Log:               r.log,
		Hooks: tunnel.Hooks{
			OnStateChange: r.hooks.stateChange,
			OnClosed:      func(closedID string) { r.onTunnelClosed(closedID, tun) },
		},
	})

	poolHooks := tun.PoolHooks()
	pool.SetHooks(socketpool.Hooks{
		OnOnline:   poolHooks.OnOnline,
		OnOffline:  poolHooks.OnOffline,
		OnAccepted: func() { r.hooks.accepted(id) },
		OnEvicted:  func() { r.hooks.evicted(id) },
	})

	// Inserted before Start so a concurrent Create(id) for the same id
	// (were it not already excluded by lk) or a concurrent Get(id) can
	// observe the reservation as soon as it exists.
	r.mu.Lock()
	r.tunnels[id] = tun
	r.mu.Unlock()

	port, err := pool.Start()
	if err != nil {
		r.mu.Lock()
		delete(r.tunnels, id)
		r.mu.Unlock()
		return CreateResult{}, fmt.Errorf("registry: create %s: %w", id, err)
	}

	r.hooks.created(id)
	return CreateResult{ID: id, Port: port, MaxConnCount: r.maxClientSockets}, nil
}

// Remove closes and deletes the tunnel for id, if present. Idempotent.
func (r *Registry) Remove(id string) {
	lk := r.lockFor(id)
	lk.Lock()
	defer lk.Unlock()

	r.mu.RLock()
	tun, ok := r.tunnels[id]
	r.mu.RUnlock()
	if !ok {
		return
	}
	tun.Close()
}

// onTunnelClosed is the Tunnel.Hooks.OnClosed callback: it removes id from
// the map, but only if the entry still points at the tunnel instance that
// just closed — a collision in Create may already have replaced it with a
// newer tunnel under the same id, whose own close must not be mistaken for
// this one's.
func (r *Registry) onTunnelClosed(id string, closed *tunnel.Tunnel) {
	r.mu.Lock()
	cur, ok := r.tunnels[id]
	stillCurrent := ok && cur == closed
	if stillCurrent {
		delete(r.tunnels, id)
	}
	r.mu.Unlock()

	if stillCurrent {
		r.hooks.removed(id)
	}
}

// Get returns the tunnel registered for id, if any.
func (r *Registry) Get(id string) (*tunnel.Tunnel, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tunnels[id]
	return t, ok
}

// Has reports whether id is currently registered.
func (r *Registry) Has(id string) bool {
	_, ok := r.Get(id)
	return ok
}

// Stats reports the live tunnel count.
func (r *Registry) Stats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return Stats{Tunnels: len(r.tunnels)}
}
