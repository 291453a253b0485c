// Package push implements the WebSocket push delivery sink: a small hub
// of connected clients keyed by user ID, each fed task-result
// notifications as they complete, following the same shape as an
// internal/gateway WebSocket server (client registry behind a mutex,
// github.com/coder/websocket accept/read/write loop), narrowed from a
// full JSON-RPC gateway down to one-way delivery.
package push

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

// Notification is one result pushed to a connected client.
type Notification struct {
	TaskID  int64  `json:"task_id"`
	Result  string `json:"result"`
	SentAt  string `json:"sent_at"`
}

type client struct {
	conn   *websocket.Conn
	userID string
}

// Hub tracks connected push clients and fans out notifications to every
// client registered for a given user.
type Hub struct {
	logger *slog.Logger

	mu      sync.RWMutex
	clients map[*client]struct{}
}

func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{logger: logger, clients: map[*client]struct{}{}}
}

// Handler serves the push WebSocket endpoint. userID is resolved from
// the request (a bearer token or query parameter, depending on
// deployment) by the caller before the connection is accepted.
func (h *Hub) Handler(resolveUser func(r *http.Request) (string, bool)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, ok := resolveUser(r)
		if !ok {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		c := &client{conn: conn, userID: userID}
		h.add(c)
		defer func() {
			h.remove(c)
			_ = conn.Close(websocket.StatusNormalClosure, "bye")
		}()

		ctx := r.Context()
		for {
			if _, _, err := conn.Read(ctx); err != nil {
				return
			}
		}
	}
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

// Send delivers n to every client currently connected for userID. It
// returns an error only if no client was connected, since a push sink
// with nobody listening is the normal idle state, not a failure worth
// retrying.
func (h *Hub) Send(ctx context.Context, userID string, n Notification) error {
	h.mu.RLock()
	var targets []*client
	for c := range h.clients {
		if c.userID == userID {
			targets = append(targets, c)
		}
	}
	h.mu.RUnlock()

	if len(targets) == 0 {
		return errNoClient
	}

	writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var lastErr error
	for _, c := range targets {
		if err := wsjson.Write(writeCtx, c.conn, n); err != nil {
			h.logger.Warn("push write failed", "user_id", userID, "error", err)
			lastErr = err
		}
	}
	return lastErr
}

var errNoClient = pushError("no push client connected")

type pushError string

func (e pushError) Error() string { return string(e) }

// IsNoClient reports whether err indicates nobody was connected to
// receive the notification, as opposed to a write failure.
func IsNoClient(err error) bool {
	return err == errNoClient
}
