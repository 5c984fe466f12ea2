package hub

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/ashureev/livedeck/internal/identity"
)

const (
	writeTimeout = 10 * time.Second
	readLimit    = 64 << 10
)

// WebSocketHandler serves the real-time channel for presenter and audience views.
type WebSocketHandler struct {
	hub           *Hub
	allowedOrigin string
	logger        *slog.Logger
}

// NewWebSocketHandler creates a new WebSocket handler. An empty
// allowedOrigin accepts any origin.
func NewWebSocketHandler(h *Hub, allowedOrigin string, logger *slog.Logger) *WebSocketHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &WebSocketHandler{hub: h, allowedOrigin: allowedOrigin, logger: logger}
}

// ServeHTTP implements http.Handler for WebSocket upgrade.
func (h *WebSocketHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	clientID := identity.ClientIDFromContext(r.Context())
	if clientID == "" {
		http.Error(w, "missing client id", http.StatusBadRequest)
		return
	}
	role, err := identity.RoleFromRequest(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	h.logger.Info("WebSocket connection request", "client_id", clientID, "role", role, "ip", identity.IPFromRequest(r))

	if !h.checkOrigin(r) {
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		h.logger.Error("Failed to accept WebSocket", "error", err, "client_id", clientID)
		return
	}
	ws.SetReadLimit(readLimit)

	c := h.hub.Register(clientID, role)
	defer h.hub.Unregister(c)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(2)

	// Input loop: view -> hub.
	go func() {
		defer wg.Done()
		defer cancel()
		h.inputLoop(ctx, ws, c)
	}()

	// Output loop: hub -> view.
	status, reason := websocket.StatusNormalClosure, "session ended"
	go func() {
		defer wg.Done()
		defer cancel()
		status, reason = h.outputLoop(ctx, ws, c)
	}()

	wg.Wait()
	if closeErr := ws.Close(status, reason); closeErr != nil {
		h.logger.Debug("Failed to close websocket", "error", closeErr, "client_id", clientID)
	}
	h.logger.Info("View session ended", "client_id", clientID, "reason", reason)
}

func (h *WebSocketHandler) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || h.allowedOrigin == "" || h.allowedOrigin == "*" {
		return true
	}
	for _, allowed := range strings.Split(h.allowedOrigin, ",") {
		if strings.TrimSpace(allowed) == origin {
			return true
		}
	}
	h.logger.Warn("WebSocket origin rejected", "origin", origin, "allowed", h.allowedOrigin)
	return false
}

func (h *WebSocketHandler) inputLoop(ctx context.Context, ws *websocket.Conn, c *Client) {
	for {
		_, message, err := ws.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) != -1 || ctx.Err() != nil {
				h.logger.Debug("WebSocket closed", "client_id", c.ID)
			} else {
				h.logger.Warn("WebSocket read error", "error", err, "client_id", c.ID)
			}
			return
		}

		var cmd Command
		if err := json.Unmarshal(message, &cmd); err != nil {
			h.logger.Debug("Malformed command", "client_id", c.ID, "error", err)
			continue
		}
		if err := h.hub.HandleCommand(ctx, c, cmd); err != nil && IsClosedError(err) {
			return
		}
	}
}

// outputLoop writes queued messages until the hub drops the view or the
// connection ends, and returns the close status to send.
func (h *WebSocketHandler) outputLoop(ctx context.Context, ws *websocket.Conn, c *Client) (websocket.StatusCode, string) {
	for {
		select {
		case <-ctx.Done():
			return websocket.StatusNormalClosure, "session ended"
		case <-c.Done():
			reason := c.CloseReason()
			if reason == "slow consumer" {
				return websocket.StatusTryAgainLater, reason
			}
			return websocket.StatusGoingAway, reason
		case msg := <-c.Messages():
			if err := h.writeJSON(ctx, ws, msg); err != nil {
				if ctx.Err() == nil {
					h.logger.Debug("WebSocket write error", "error", err, "client_id", c.ID)
				}
				return websocket.StatusInternalError, "write failed"
			}
		}
	}
}

func (h *WebSocketHandler) writeJSON(ctx context.Context, ws *websocket.Conn, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return ws.Write(ctx, websocket.MessageText, data)
}
