package controlplane

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/tunneld/tunneld/internal/domain"
)

// Event is one lifecycle notification broadcast on /api/events.
type Event struct {
	Type     string `json:"type"`
	TunnelID string `json:"tunnel_id"`
}

const (
	EventTunnelCreated = "tunnel_created"
	EventTunnelRemoved = "tunnel_removed"
	EventTunnelOnline  = "tunnel_online"
	EventTunnelOffline = "tunnel_offline"
)

var eventUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// EventHub fans registry/tunnel lifecycle events out to every connected
// /api/events websocket client, the same mutex+map broadcast shape the
// teacher uses for its tunnel RPC hub, repointed at observability traffic
// instead of tunnel control messages.
type EventHub struct {
	log *slog.Logger

	mu      sync.Mutex
	clients map[*websocket.Conn]chan Event
}

// NewEventHub constructs an empty EventHub.
func NewEventHub(log *slog.Logger) *EventHub {
	if log == nil {
		log = slog.Default()
	}
	return &EventHub{log: log, clients: make(map[*websocket.Conn]chan Event)}
}

// Publish fans out ev to every connected client. Slow/stuck clients never
// block the publisher: each client has its own small buffered channel, and
// ev is skipped for a client whose channel is full (the client itself stays
// connected).
func (h *EventHub) Publish(ev Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for conn, ch := range h.clients {
		select {
		case ch <- ev:
		default:
			h.log.Debug("event hub: dropping event for slow client", "conn", conn.RemoteAddr())
		}
	}
}

// OnTunnelCreated, OnTunnelRemoved, and OnStateChange are registry.Hooks-
// shaped methods: callers compose them into a registry.Hooks literal
// alongside any other observer (metrics) that wants the same events.
func (h *EventHub) OnTunnelCreated(id string) {
	h.Publish(Event{Type: EventTunnelCreated, TunnelID: id})
}

func (h *EventHub) OnTunnelRemoved(id string) {
	h.Publish(Event{Type: EventTunnelRemoved, TunnelID: id})
}

func (h *EventHub) OnStateChange(id string, _, next domain.TunnelState) {
	switch next {
	case domain.StateOnline:
		h.Publish(Event{Type: EventTunnelOnline, TunnelID: id})
	case domain.StateOffline:
		h.Publish(Event{Type: EventTunnelOffline, TunnelID: id})
	}
}

// ServeHTTP upgrades the request to a websocket and streams events to it,
// one JSON object per text message, until the client disconnects.
func (h *EventHub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := eventUpgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Debug("event hub: upgrade failed", "err", err)
		return
	}

	ch := make(chan Event, 32)
	h.mu.Lock()
	h.clients[conn] = ch
	h.mu.Unlock()

	defer func() {
		h.mu.Lock()
		delete(h.clients, conn)
		h.mu.Unlock()
		_ = conn.Close()
	}()

	// A reader goroutine is required so gorilla/websocket processes
	// control frames (ping/pong/close) while we block writing events.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case ev := <-ch:
			b, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
				return
			}
		case <-closed:
			return
		}
	}
}
