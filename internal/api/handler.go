// Package api provides HTTP handlers for the agentroom API.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/ashureev/agentroom/internal/domain"
	"github.com/ashureev/agentroom/internal/identity"
	"github.com/ashureev/agentroom/internal/livekit"
	"github.com/ashureev/agentroom/internal/middleware"
	"github.com/ashureev/agentroom/internal/presence"
	"github.com/ashureev/agentroom/internal/rooms"
	"github.com/ashureev/agentroom/internal/stream"
	"github.com/ashureev/agentroom/internal/timeline"
	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
)

// defaultMaxRequestBodySize is the default maximum allowed JSON body size (1MB).
const defaultMaxRequestBodySize = 1 << 20

// DefaultMaxImageBytes bounds an uploaded image.
const DefaultMaxImageBytes = 10 << 20

// Deps are the services the handlers call.
type Deps struct {
	Rooms    *rooms.Manager
	Issuer   *livekit.Issuer
	Timeline *timeline.Service
	Presence *presence.Manager
	Hub      *stream.Hub
	Stream   *stream.Handler
	Webhooks *livekit.WebhookVerifier
	Limiter  *middleware.RateLimiter

	MaxImageBytes       int64
	AgentIdentityMarker string
}

// Handler serves the room, message, presence and webhook endpoints.
type Handler struct {
	Deps
}

// NewHandler creates a new Handler.
func NewHandler(deps Deps) *Handler {
	if deps.MaxImageBytes <= 0 {
		deps.MaxImageBytes = DefaultMaxImageBytes
	}
	if deps.AgentIdentityMarker == "" {
		deps.AgentIdentityMarker = "agent"
	}
	return &Handler{Deps: deps}
}

// RegisterRoutes registers identity-scoped routes. The caller installs the
// identity middleware.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/rooms", func(r chi.Router) {
		r.Post("/", h.CreateRoom)
		r.Get("/", h.ListRooms)
		r.Route("/{roomID}", func(r chi.Router) {
			r.Get("/", h.GetRoom)
			r.Post("/end", h.EndRoom)
			r.Post("/token", h.RoomToken)
			r.Post("/events", h.PostEvent)
			r.Get("/events", h.StreamEvents)
		})
	})
	r.Post("/token", h.Token)

	r.Route("/messages", func(r chi.Router) {
		r.Get("/", h.ListMessages)
		r.Group(func(r chi.Router) {
			if h.Limiter != nil {
				r.Use(h.Limiter.Limit(limitKey))
			}
			r.Post("/", h.PostMessage)
			r.Post("/image", h.PostImage)
		})
	})

	r.Get("/agent/status/{roomID}", h.AgentStatus)
	r.Post("/agent/session", h.StartAgentSession)
}

// RegisterWebhooks registers the backend webhook receiver. It must not sit
// behind the identity middleware.
func (h *Handler) RegisterWebhooks(r chi.Router) {
	r.Post("/webhooks/livekit", h.Webhook)
}

func limitKey(r *http.Request) string {
	if id := identity.UserIDFromContext(r.Context()); id != "" {
		return id
	}
	return identity.IPFromRequest(r)
}

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error": "failed to encode response"}`, http.StatusInternalServerError)
	}
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]string{"error": message})
}

// writeError maps the domain error taxonomy onto HTTP statuses.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		verr *domain.ValidationError
		nf   *domain.NotFoundError
		cerr *domain.ConfigurationError
		uerr *domain.UpstreamError
	)
	switch {
	case errors.As(err, &verr):
		JSON(w, http.StatusBadRequest, map[string]interface{}{"error": verr.Error(), "fields": verr.Fields})
	case errors.As(err, &nf):
		Error(w, http.StatusNotFound, nf.Error())
	case errors.As(err, &cerr):
		Error(w, http.StatusServiceUnavailable, cerr.Error())
	case errors.As(err, &uerr):
		slog.Error("Upstream media backend failed", "error", err, "op", uerr.Op,
			"request_id", chiMiddleware.GetReqID(r.Context()), "path", r.URL.Path)
		Error(w, http.StatusInternalServerError, "media backend request failed")
	default:
		slog.Error("Request failed", "error", err,
			"request_id", chiMiddleware.GetReqID(r.Context()), "path", r.URL.Path)
		Error(w, http.StatusInternalServerError, "internal error")
	}
}

// decodeJSON reads a bounded JSON body into v. An empty body leaves v zero.
func decodeJSON(w http.ResponseWriter, r *http.Request, v interface{}) error {
	r.Body = http.MaxBytesReader(w, r.Body, defaultMaxRequestBodySize)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil && !errors.Is(err, io.EOF) {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return domain.NewValidationError("body", fmt.Sprintf("must be at most %d bytes", maxErr.Limit))
		}
		return domain.NewValidationError("body", "must be valid JSON")
	}
	return nil
}
