package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/drprepper/drprepper/internal/assistant"
	"github.com/drprepper/drprepper/internal/domain"
	"github.com/drprepper/drprepper/internal/identity"
)

// writeTimeout bounds a single websocket write; a stalled client must not
// block the poller's status callback.
const writeTimeout = 5 * time.Second

// Event is one live update pushed to connected clients.
type Event struct {
	Type    string          `json:"type"` // run_status | message
	Stage   int             `json:"stage,omitempty"`
	Status  string          `json:"status,omitempty"`
	Message *domain.Message `json:"message,omitempty"`
}

// EventHub fans live run-status and transcript events out to each user's
// websocket connections. It implements flow.Notifier.
type EventHub struct {
	mu    sync.RWMutex
	conns map[string]map[*websocket.Conn]struct{}
}

// NewEventHub creates an empty hub.
func NewEventHub() *EventHub {
	return &EventHub{conns: make(map[string]map[*websocket.Conn]struct{})}
}

// RunStatus publishes a run status transition for one user's in-flight run.
func (h *EventHub) RunStatus(userID string, stage domain.Stage, status assistant.RunStatus) {
	h.publish(userID, Event{Type: "run_status", Stage: int(stage), Status: string(status)})
}

// MessageAppended publishes a newly appended transcript message.
func (h *EventHub) MessageAppended(userID string, msg domain.Message) {
	h.publish(userID, Event{Type: "message", Stage: int(msg.Stage), Message: &msg})
}

func (h *EventHub) publish(userID string, ev Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		slog.Warn("failed to marshal event", "error", err)
		return
	}

	h.mu.RLock()
	conns := make([]*websocket.Conn, 0, len(h.conns[userID]))
	for conn := range h.conns[userID] {
		conns = append(conns, conn)
	}
	h.mu.RUnlock()

	for _, conn := range conns {
		ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
		err := conn.Write(ctx, websocket.MessageText, data)
		cancel()
		if err != nil {
			slog.Debug("dropping stalled event connection", "user_id", userID, "error", err)
			h.unregister(userID, conn)
			_ = conn.CloseNow()
		}
	}
}

func (h *EventHub) register(userID string, conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.conns[userID] == nil {
		h.conns[userID] = make(map[*websocket.Conn]struct{})
	}
	h.conns[userID][conn] = struct{}{}
}

func (h *EventHub) unregister(userID string, conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.conns[userID], conn)
	if len(h.conns[userID]) == 0 {
		delete(h.conns, userID)
	}
}

// ServeHTTP upgrades the connection and streams events until the client
// disconnects.
func (h *EventHub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	if userID == "" {
		Error(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		slog.Error("failed to accept websocket", "error", err, "user_id", userID)
		return
	}
	defer func() {
		if closeErr := conn.Close(websocket.StatusNormalClosure, "session ended"); closeErr != nil {
			slog.Debug("failed to close websocket", "error", closeErr, "user_id", userID)
		}
	}()

	h.register(userID, conn)
	defer h.unregister(userID, conn)

	slog.Info("event stream connected", "user_id", userID, "ip", identity.IPFromRequest(r))

	// The stream is write-only; reads only detect disconnects.
	for {
		if _, _, err := conn.Read(r.Context()); err != nil {
			return
		}
	}
}
