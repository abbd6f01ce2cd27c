package livekit

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// Webhook event names emitted by the backend.
const (
	EventRoomStarted       = "room_started"
	EventRoomFinished      = "room_finished"
	EventParticipantJoined = "participant_joined"
	EventParticipantLeft   = "participant_left"
	EventTrackPublished    = "track_published"
	EventTrackUnpublished  = "track_unpublished"
)

// ErrInvalidWebhook is returned when a webhook fails signature verification.
var ErrInvalidWebhook = errors.New("invalid webhook signature")

// maxWebhookBytes caps the webhook body read.
const maxWebhookBytes = 1 << 20

// WebhookEvent is the subset of the backend webhook payload this service consumes.
type WebhookEvent struct {
	ID          string           `json:"id"`
	Event       string           `json:"event"`
	CreatedAt   json.Number      `json:"createdAt"`
	Room        *WebhookRoom     `json:"room,omitempty"`
	Participant *WebhookIdentity `json:"participant,omitempty"`
	Track       *WebhookTrack    `json:"track,omitempty"`
}

// WebhookRoom identifies the backend room.
type WebhookRoom struct {
	SID  string `json:"sid"`
	Name string `json:"name"`
}

// WebhookIdentity identifies a participant.
type WebhookIdentity struct {
	SID      string `json:"sid"`
	Identity string `json:"identity"`
	Name     string `json:"name"`
}

// WebhookTrack describes a published track.
type WebhookTrack struct {
	SID    string `json:"sid"`
	Type   string `json:"type"` // AUDIO, VIDEO, DATA
	Source string `json:"source"`
}

// RoomName returns the backend room reference, or "".
func (e *WebhookEvent) RoomName() string {
	if e.Room == nil {
		return ""
	}
	return e.Room.Name
}

// IsAudioTrack reports whether the event carries an audio track.
func (e *WebhookEvent) IsAudioTrack() bool {
	return e.Track != nil && strings.EqualFold(e.Track.Type, "AUDIO")
}

// WebhookVerifier authenticates and decodes backend webhooks. The
// Authorization header is a JWT signed with the API secret whose sha256 claim
// is the base64 digest of the body.
type WebhookVerifier struct {
	creds Credentials
}

// NewWebhookVerifier creates a verifier for creds.
func NewWebhookVerifier(creds Credentials) *WebhookVerifier {
	return &WebhookVerifier{creds: creds}
}

// Receive reads, verifies, and decodes a webhook request.
func (v *WebhookVerifier) Receive(r *http.Request) (*WebhookEvent, error) {
	if err := v.creds.configError(); err != nil {
		return nil, err
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBytes))
	if err != nil {
		return nil, fmt.Errorf("read webhook body: %w", err)
	}
	authHeader := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	if authHeader == "" {
		return nil, fmt.Errorf("%w: missing authorization", ErrInvalidWebhook)
	}
	if err := v.verify(authHeader, body); err != nil {
		return nil, err
	}

	var event WebhookEvent
	if err := json.Unmarshal(body, &event); err != nil {
		return nil, fmt.Errorf("decode webhook: %w", err)
	}
	return &event, nil
}

func (v *WebhookVerifier) verify(token string, body []byte) error {
	var claims Claims
	_, err := jwt.ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) {
		return []byte(v.creds.APISecret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithIssuer(v.creds.APIKey))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidWebhook, err)
	}

	sum := sha256.Sum256(body)
	want := base64.StdEncoding.EncodeToString(sum[:])
	if subtle.ConstantTimeCompare([]byte(want), []byte(claims.SHA256)) != 1 {
		return fmt.Errorf("%w: body digest mismatch", ErrInvalidWebhook)
	}
	return nil
}
