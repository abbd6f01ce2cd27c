package api

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"

	"github.com/ashureev/agentroom/internal/domain"
	"github.com/ashureev/agentroom/internal/timeline"
)

// multipartOverhead allows for boundaries and the roomId field on top of the image.
const multipartOverhead = 64 << 10

type postMessageRequest struct {
	RoomID   string             `json:"roomId"`
	Content  string             `json:"content"`
	Sender   domain.Sender      `json:"sender"`
	Type     domain.MessageType `json:"type"`
	Metadata json.RawMessage    `json:"metadata,omitempty"`
}

// ListMessages returns the room's timeline.
func (h *Handler) ListMessages(w http.ResponseWriter, r *http.Request) {
	msgs, err := h.Timeline.List(r.Context(), r.URL.Query().Get("roomId"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	JSON(w, http.StatusOK, msgs)
}

// PostMessage appends a message and schedules the agent reply.
func (h *Handler) PostMessage(w http.ResponseWriter, r *http.Request) {
	var req postMessageRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}

	msg, err := h.Timeline.Append(r.Context(), timeline.AppendRequest{
		RoomID:   req.RoomID,
		Sender:   req.Sender,
		Type:     req.Type,
		Content:  req.Content,
		Metadata: req.Metadata,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	JSON(w, http.StatusOK, msg)
}

// PostImage accepts a multipart "image" file and appends it as an image message.
func (h *Handler) PostImage(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, h.MaxImageBytes+multipartOverhead)
	if err := r.ParseMultipartForm(h.MaxImageBytes); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			Error(w, http.StatusRequestEntityTooLarge, fmt.Sprintf("image must be at most %d bytes", h.MaxImageBytes))
			return
		}
		writeError(w, r, domain.NewValidationError("image", "multipart form with an image file is required"))
		return
	}
	defer func() {
		if r.MultipartForm != nil {
			_ = r.MultipartForm.RemoveAll()
		}
	}()

	file, header, err := r.FormFile("image")
	if err != nil {
		writeError(w, r, domain.NewValidationError("image", "no image file provided"))
		return
	}
	defer func() { _ = file.Close() }()

	if header.Size > h.MaxImageBytes {
		Error(w, http.StatusRequestEntityTooLarge, fmt.Sprintf("image must be at most %d bytes", h.MaxImageBytes))
		return
	}
	data, err := io.ReadAll(io.LimitReader(file, h.MaxImageBytes+1))
	if err != nil {
		writeError(w, r, fmt.Errorf("read upload: %w", err))
		return
	}
	if int64(len(data)) > h.MaxImageBytes {
		Error(w, http.StatusRequestEntityTooLarge, fmt.Sprintf("image must be at most %d bytes", h.MaxImageBytes))
		return
	}

	mimeType := imageMimeType(header.Header.Get("Content-Type"), data)
	if !strings.HasPrefix(mimeType, "image/") {
		writeError(w, r, domain.NewValidationError("image", "must be an image file"))
		return
	}

	meta, err := json.Marshal(domain.ImageMetadata{
		URL:      "data:" + mimeType + ";base64," + base64.StdEncoding.EncodeToString(data),
		MimeType: mimeType,
		Size:     int64(len(data)),
	})
	if err != nil {
		writeError(w, r, fmt.Errorf("encode image metadata: %w", err))
		return
	}

	msg, err := h.Timeline.Append(r.Context(), timeline.AppendRequest{
		RoomID:   r.FormValue("roomId"),
		Sender:   domain.SenderUser,
		Type:     domain.MessageImage,
		Content:  "Shared an image",
		Metadata: meta,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	JSON(w, http.StatusOK, msg)
}

// imageMimeType prefers the declared part type and sniffs when it is absent
// or generic.
func imageMimeType(declared string, data []byte) string {
	if declared != "" {
		if mt, _, err := mime.ParseMediaType(declared); err == nil && mt != "application/octet-stream" {
			return mt
		}
	}
	mt, _, _ := mime.ParseMediaType(http.DetectContentType(data))
	return mt
}
