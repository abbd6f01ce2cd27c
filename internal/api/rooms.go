package api

import (
	"net/http"
	"strings"

	"github.com/ashureev/agentroom/internal/domain"
	"github.com/ashureev/agentroom/internal/identity"
	"github.com/ashureev/agentroom/internal/livekit"
	"github.com/go-chi/chi/v5"
)

type createRoomRequest struct {
	Name string `json:"name"`
}

type tokenRequest struct {
	RoomRef         string `json:"roomRef"`
	ParticipantName string `json:"participantName"`
}

type tokenResponse struct {
	Token    string `json:"token"`
	URL      string `json:"url"`
	RoomName string `json:"roomName,omitempty"`
}

// CreateRoom provisions a room owned by the caller.
func (h *Handler) CreateRoom(w http.ResponseWriter, r *http.Request) {
	var req createRoomRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}

	room, err := h.Rooms.Create(r.Context(), req.Name, identity.UserIDFromContext(r.Context()))
	if err != nil {
		writeError(w, r, err)
		return
	}
	JSON(w, http.StatusOK, room)
}

// ListRooms returns the caller's rooms, newest first.
func (h *Handler) ListRooms(w http.ResponseWriter, r *http.Request) {
	list, err := h.Rooms.ListByOwner(r.Context(), identity.UserIDFromContext(r.Context()))
	if err != nil {
		writeError(w, r, err)
		return
	}
	JSON(w, http.StatusOK, list)
}

// GetRoom returns one room.
func (h *Handler) GetRoom(w http.ResponseWriter, r *http.Request) {
	room, err := h.Rooms.Get(r.Context(), chi.URLParam(r, "roomID"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	JSON(w, http.StatusOK, room)
}

// EndRoom ends a room. Ending an ended room succeeds.
func (h *Handler) EndRoom(w http.ResponseWriter, r *http.Request) {
	if err := h.Rooms.End(r.Context(), chi.URLParam(r, "roomID")); err != nil {
		writeError(w, r, err)
		return
	}
	JSON(w, http.StatusOK, map[string]bool{"success": true})
}

// RoomToken mints a credential for a room addressed by its ID.
func (h *Handler) RoomToken(w http.ResponseWriter, r *http.Request) {
	var req tokenRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if err := h.Issuer.Ready(); err != nil {
		writeError(w, r, err)
		return
	}

	room, err := h.Rooms.Get(r.Context(), chi.URLParam(r, "roomID"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	h.mint(w, r, room, req.ParticipantName, true)
}

// Token mints a credential for a room addressed by its backend reference.
func (h *Handler) Token(w http.ResponseWriter, r *http.Request) {
	var req tokenRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if err := h.Issuer.Ready(); err != nil {
		writeError(w, r, err)
		return
	}
	if strings.TrimSpace(req.RoomRef) == "" {
		writeError(w, r, domain.NewValidationError("roomRef", "is required"))
		return
	}

	room, err := h.Rooms.GetByRef(r.Context(), req.RoomRef)
	if err != nil {
		writeError(w, r, err)
		return
	}
	h.mint(w, r, room, req.ParticipantName, false)
}

func (h *Handler) mint(w http.ResponseWriter, r *http.Request, room *domain.Room, participant string, withRoomName bool) {
	if !room.IsActive() {
		writeError(w, r, domain.NewValidationError("roomId", "room has ended"))
		return
	}
	cred, err := h.Issuer.Mint(room.ExternalRoomRef, participant, livekit.DefaultCapabilities)
	if err != nil {
		writeError(w, r, err)
		return
	}
	resp := tokenResponse{Token: cred.Token, URL: cred.ServerURL}
	if withRoomName {
		resp.RoomName = room.ExternalRoomRef
	}
	JSON(w, http.StatusOK, resp)
}
