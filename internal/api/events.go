package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/ashureev/agentroom/internal/domain"
	"github.com/ashureev/agentroom/internal/livekit"
	"github.com/ashureev/agentroom/internal/presence"
	"github.com/ashureev/agentroom/internal/stream"
	"github.com/go-chi/chi/v5"
)

// clientTriggers are the presence triggers a client may report.
var clientTriggers = map[presence.Trigger]bool{
	presence.TriggerConnected:     true,
	presence.TriggerDisconnected:  true,
	presence.TriggerMicEnabled:    true,
	presence.TriggerMicDisabled:   true,
	presence.TriggerAudioPlayback: true,
	presence.TriggerAgentJoined:   true,
}

type postEventRequest struct {
	Type string `json:"type"`
}

type agentSessionRequest struct {
	RoomID string `json:"roomId"`
}

// AgentStatus returns the room's persisted agent session, or idle.
func (h *Handler) AgentStatus(w http.ResponseWriter, r *http.Request) {
	sess, err := h.Presence.Status(r.Context(), chi.URLParam(r, "roomID"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	if sess.ID == "" {
		JSON(w, http.StatusOK, map[string]domain.AgentStatus{"status": sess.Status})
		return
	}
	JSON(w, http.StatusOK, sess)
}

// StartAgentSession resets the room's agent session to initializing.
func (h *Handler) StartAgentSession(w http.ResponseWriter, r *http.Request) {
	var req agentSessionRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if strings.TrimSpace(req.RoomID) == "" {
		writeError(w, r, domain.NewValidationError("roomId", "is required"))
		return
	}

	room, err := h.activeRoom(r.Context(), req.RoomID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	sess, err := h.Presence.Reset(r.Context(), room.ID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	JSON(w, http.StatusOK, sess)
}

// PostEvent applies a client-reported trigger to the room's presence machine.
func (h *Handler) PostEvent(w http.ResponseWriter, r *http.Request) {
	var req postEventRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	trigger, err := presence.ParseTrigger(req.Type)
	if err != nil || !clientTriggers[trigger] {
		writeError(w, r, domain.NewValidationError("type",
			"must be one of connected, disconnected, mic_enabled, mic_disabled, audio_playback, agent_joined"))
		return
	}

	room, err := h.activeRoom(r.Context(), chi.URLParam(r, "roomID"))
	if err != nil {
		writeError(w, r, err)
		return
	}

	if trigger == presence.TriggerConnected || trigger == presence.TriggerDisconnected {
		h.Hub.Publish(room.ID, stream.EventConnection, map[string]string{"state": string(trigger)})
	}
	status, err := h.Presence.Fire(r.Context(), room.ID, trigger)
	if err != nil {
		writeError(w, r, err)
		return
	}
	JSON(w, http.StatusOK, map[string]domain.AgentStatus{"status": status})
}

// StreamEvents upgrades to a websocket carrying the room's push events.
func (h *Handler) StreamEvents(w http.ResponseWriter, r *http.Request) {
	room, err := h.Rooms.Get(r.Context(), chi.URLParam(r, "roomID"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	if !room.IsActive() {
		// Covers rooms that ended before this process started.
		h.Hub.CloseRoom(room.ID)
	}
	h.Stream.Serve(w, r, room.ID)
}

// Webhook receives signed backend lifecycle events.
func (h *Handler) Webhook(w http.ResponseWriter, r *http.Request) {
	event, err := h.Webhooks.Receive(r)
	if err != nil {
		if errors.Is(err, livekit.ErrInvalidWebhook) {
			slog.Warn("Rejected webhook", "error", err)
			Error(w, http.StatusUnauthorized, "invalid webhook signature")
			return
		}
		var cerr *domain.ConfigurationError
		if errors.As(err, &cerr) {
			writeError(w, r, err)
			return
		}
		writeError(w, r, domain.NewValidationError("body", err.Error()))
		return
	}

	if err := h.dispatchWebhook(r.Context(), event); err != nil {
		writeError(w, r, err)
		return
	}
	JSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (h *Handler) dispatchWebhook(ctx context.Context, event *livekit.WebhookEvent) error {
	ref := event.RoomName()
	slog.Debug("Webhook received", "event", event.Event, "external_ref", ref)
	if ref == "" {
		return nil
	}

	if event.Event == livekit.EventRoomFinished {
		return h.Rooms.FinishByRef(ctx, ref)
	}

	if !h.isAgent(event.Participant) {
		return nil
	}
	var trigger presence.Trigger
	switch {
	case event.Event == livekit.EventParticipantJoined:
		trigger = presence.TriggerAgentJoined
	case event.Event == livekit.EventParticipantLeft:
		trigger = presence.TriggerDisconnected
	case event.Event == livekit.EventTrackPublished && event.IsAudioTrack():
		trigger = presence.TriggerAudioPlayback
	default:
		return nil
	}

	room, err := h.Rooms.GetByRef(ctx, ref)
	if err != nil {
		var nf *domain.NotFoundError
		if errors.As(err, &nf) {
			slog.Debug("Ignoring webhook for unknown room", "external_ref", ref)
			return nil
		}
		return err
	}
	if !room.IsActive() {
		return nil
	}
	_, err = h.Presence.Fire(ctx, room.ID, trigger)
	return err
}

func (h *Handler) isAgent(p *livekit.WebhookIdentity) bool {
	if p == nil {
		return false
	}
	marker := strings.ToLower(h.AgentIdentityMarker)
	return strings.Contains(strings.ToLower(p.Identity), marker) ||
		strings.Contains(strings.ToLower(p.Name), marker)
}

func (h *Handler) activeRoom(ctx context.Context, roomID string) (*domain.Room, error) {
	room, err := h.Rooms.Get(ctx, roomID)
	if err != nil {
		return nil, err
	}
	if !room.IsActive() {
		return nil, domain.NewValidationError("roomId", "room has ended")
	}
	return room, nil
}
