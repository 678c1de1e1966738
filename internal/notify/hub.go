// Package notify pushes oracle events to people: connected websocket
// clients through the Hub and configured chats through Telegram.
package notify

import (
	"context"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/piefi/oracle/internal/apperr"
	"github.com/piefi/oracle/internal/bus"
	"github.com/piefi/oracle/internal/shared"
)

// Message types pushed to hub clients.
const (
	TypeHello        = "hello"
	TypeAlert        = "alert"
	TypeStageChanged = "stage_changed"
)

const defaultWriteTimeout = 5 * time.Second

// Message is the JSON frame written to hub clients.
type Message struct {
	Type    string    `json:"type"`
	Payload any       `json:"payload,omitempty"`
	At      time.Time `json:"at"`
}

// StageChange is the payload of a stage_changed message.
type StageChange struct {
	TeamID   string `json:"team_id"`
	OldStage string `json:"old_stage"`
	NewStage string `json:"new_stage"`
}

type client struct {
	conn *websocket.Conn
	role string
	mu   sync.Mutex
}

func (c *client) write(ctx context.Context, timeout time.Duration, msg Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return wsjson.Write(ctx, c.conn, msg)
}

// Hub holds the connected realtime clients, each tagged with the role it
// authenticated as. It serves the websocket upgrade itself.
type Hub struct {
	origins      []string
	writeTimeout time.Duration
	logger       *slog.Logger

	mu      sync.RWMutex
	clients map[*client]struct{}
}

// NewHub builds a hub accepting cross-origin upgrades from allowedOrigins
// (full origins such as https://app.example.com). Same-origin upgrades are
// always accepted.
func NewHub(allowedOrigins []string, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		origins:      originPatterns(allowedOrigins),
		writeTimeout: defaultWriteTimeout,
		logger:       logger.With("component", "hub"),
		clients:      make(map[*client]struct{}),
	}
}

func originPatterns(origins []string) []string {
	var out []string
	for _, o := range origins {
		if u, err := url.Parse(o); err == nil && u.Host != "" {
			out = append(out, u.Host)
			continue
		}
		out = append(out, o)
	}
	return out
}

// ServeHTTP upgrades the request and keeps the client registered until it
// disconnects. An authenticated caller's role is used; anonymous callers
// may name one with ?role= and default to guest.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	role := clientRole(r)
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: h.origins})
	if err != nil {
		h.logger.WarnContext(r.Context(), "websocket accept failed", "error", err)
		return
	}
	c := &client{conn: conn, role: role}
	h.add(c)
	defer func() {
		h.remove(c)
		_ = conn.Close(websocket.StatusNormalClosure, "bye")
	}()
	h.logger.InfoContext(r.Context(), "client connected", "role", role)

	if err := c.write(r.Context(), h.writeTimeout, Message{
		Type:    TypeHello,
		Payload: map[string]string{"role": role},
		At:      time.Now().UTC(),
	}); err != nil {
		return
	}

	// Clients only listen; CloseRead discards inbound frames and cancels
	// ctx when the peer goes away.
	ctx := conn.CloseRead(r.Context())
	<-ctx.Done()
	h.logger.DebugContext(r.Context(), "client disconnected", "role", role)
}

func clientRole(r *http.Request) string {
	if c, ok := shared.CallerFrom(r.Context()); ok && c.Role != "" {
		return c.Role
	}
	role := strings.ToLower(strings.TrimSpace(r.URL.Query().Get("role")))
	if !shared.ValidRole(role) {
		return shared.RoleGuest
	}
	return role
}

func (h *Hub) add(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[c] = struct{}{}
}

func (h *Hub) remove(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.clients, c)
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// BroadcastToRole writes msg to every client connected as role and returns
// how many received it. A client whose write fails is disconnected.
func (h *Hub) BroadcastToRole(ctx context.Context, role string, msg Message) int {
	if msg.At.IsZero() {
		msg.At = time.Now().UTC()
	}
	h.mu.RLock()
	targets := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		if c.role == role {
			targets = append(targets, c)
		}
	}
	h.mu.RUnlock()

	sent := 0
	for _, c := range targets {
		if err := c.write(ctx, h.writeTimeout, msg); err != nil {
			h.logger.WarnContext(ctx, "broadcast write failed; dropping client", "role", role, "error", err)
			h.remove(c)
			_ = c.conn.Close(websocket.StatusPolicyViolation, "write failed")
			continue
		}
		sent++
	}
	h.logger.DebugContext(ctx, "broadcast", "type", msg.Type, "role", role, "clients", sent)
	return sent
}

// Attach forwards critical alerts and stage changes from b to lead
// clients until ctx is cancelled. The returned channel closes when both
// forwarders have stopped.
func (h *Hub) Attach(ctx context.Context, b *bus.Bus) <-chan struct{} {
	alerts := b.Handle(ctx, bus.TopicAlertCritical, func(ev bus.Event) {
		h.BroadcastToRole(ctx, shared.RoleLead, Message{Type: TypeAlert, Payload: ev.Payload})
	})
	stages := b.Handle(ctx, bus.TopicTeamStageChanged, func(ev bus.Event) {
		sc, ok := ev.Payload.(bus.TeamStageChanged)
		if !ok {
			return
		}
		h.BroadcastToRole(ctx, shared.RoleLead, Message{
			Type:    TypeStageChanged,
			Payload: StageChange{TeamID: sc.TeamID, OldStage: sc.OldStage, NewStage: sc.NewStage},
		})
	})
	done := make(chan struct{})
	go func() {
		<-alerts
		<-stages
		close(done)
	}()
	return done
}

// alertOf extracts the alert from a bus payload.
func alertOf(payload any) (apperr.Alert, bool) {
	switch a := payload.(type) {
	case apperr.Alert:
		return a, true
	case *apperr.Alert:
		if a != nil {
			return *a, true
		}
	}
	return apperr.Alert{}, false
}
