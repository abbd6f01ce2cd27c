package stream

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/coder/websocket"
)

const (
	writeTimeout      = 5 * time.Second
	keepaliveInterval = 30 * time.Second
)

// Handler upgrades GET /rooms/{id}/events to a websocket that pushes the
// room's events as JSON text frames.
type Handler struct {
	hub           *Hub
	allowedOrigin string
	isDev         bool
}

// NewHandler creates a websocket push handler for hub.
func NewHandler(hub *Hub, allowedOrigin string, isDev bool) *Handler {
	return &Handler{hub: hub, allowedOrigin: allowedOrigin, isDev: isDev}
}

// ParseLastEventID reads the replay cursor from the Last-Event-ID header or
// the lastEventId query parameter.
func ParseLastEventID(r *http.Request) int64 {
	raw := r.Header.Get("Last-Event-ID")
	if raw == "" {
		raw = r.URL.Query().Get("lastEventId")
	}
	if raw == "" {
		return 0
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id < 0 {
		return 0
	}
	return id
}

// Serve streams roomID's events until the client disconnects or the room closes.
func (h *Handler) Serve(w http.ResponseWriter, r *http.Request, roomID string) {
	lastEventID := ParseLastEventID(r)

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: h.originPatterns(),
	})
	if err != nil {
		slog.Error("Failed to accept WebSocket", "error", err, "room_id", roomID)
		return
	}
	defer func() {
		if closeErr := ws.Close(websocket.StatusNormalClosure, "stream closed"); closeErr != nil {
			slog.Debug("Failed to close websocket", "error", closeErr, "room_id", roomID)
		}
	}()

	sub, missed := h.hub.Subscribe(roomID, lastEventID)
	defer h.hub.Unsubscribe(sub)

	slog.Info("Event stream connected", "room_id", roomID, "sub_id", sub.ID,
		"reconnect", lastEventID > 0, "replayed", len(missed))

	// CloseRead handles control frames; the client never sends data.
	ctx := ws.CloseRead(r.Context())

	for _, event := range missed {
		if err := writeEvent(ctx, ws, event); err != nil {
			slog.Debug("Failed to replay event", "error", err, "room_id", roomID)
			return
		}
	}

	keepalive := time.NewTicker(keepaliveInterval)
	defer keepalive.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("Event stream disconnected", "room_id", roomID, "sub_id", sub.ID)
			return
		case event, ok := <-sub.C:
			if !ok {
				slog.Info("Event stream closed by hub", "room_id", roomID, "sub_id", sub.ID)
				return
			}
			if err := writeEvent(ctx, ws, event); err != nil {
				slog.Debug("WebSocket write error", "error", err, "room_id", roomID)
				return
			}
		case <-keepalive.C:
			pingCtx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := ws.Ping(pingCtx)
			cancel()
			if err != nil {
				slog.Debug("WebSocket keepalive failed", "error", err, "room_id", roomID)
				return
			}
		}
	}
}

// originPatterns maps the configured frontend origin to the host pattern
// websocket.Accept matches against.
func (h *Handler) originPatterns() []string {
	if h.isDev || h.allowedOrigin == "" || h.allowedOrigin == "*" {
		return []string{"*"}
	}
	if u, err := url.Parse(h.allowedOrigin); err == nil && u.Host != "" {
		return []string{u.Host}
	}
	return []string{h.allowedOrigin}
}

func writeEvent(ctx context.Context, ws *websocket.Conn, event Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return ws.Write(ctx, websocket.MessageText, data)
}
