package livekit

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// ErrRoomExists is returned by CreateRoom when the backend already has a
// room with that name.
var ErrRoomExists = errors.New("room already exists")

// ErrRoomNotFound is returned by DeleteRoom when the backend has no such room.
var ErrRoomNotFound = errors.New("room not found")

// RoomOptions bound a provisioned room.
type RoomOptions struct {
	IdleTimeout     time.Duration
	MaxParticipants int
}

// RoomService provisions and tears down rooms on the media backend.
type RoomService interface {
	// CreateRoom provisions a room. Returns ErrRoomExists if it already exists.
	CreateRoom(ctx context.Context, ref string, opts RoomOptions) error

	// DeleteRoom tears a room down.
	DeleteRoom(ctx context.Context, ref string) error
}

// DefaultTimeout bounds a single backend call.
const DefaultTimeout = 10 * time.Second

// TwirpClient implements RoomService over LiveKit's Twirp JSON API.
type TwirpClient struct {
	creds      Credentials
	issuer     *Issuer
	httpClient *http.Client
	timeout    time.Duration
}

// NewTwirpClient creates a RoomService for the given credentials. If any
// credential is missing, every call fails with *domain.ConfigurationError.
func NewTwirpClient(creds Credentials, timeout time.Duration, httpClient *http.Client) *TwirpClient {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &TwirpClient{
		creds:      creds,
		issuer:     NewIssuer(creds, 0),
		httpClient: httpClient,
		timeout:    timeout,
	}
}

// CreateRoom provisions a room with an idle timeout and participant cap.
func (c *TwirpClient) CreateRoom(ctx context.Context, ref string, opts RoomOptions) error {
	req := map[string]any{
		"name":             ref,
		"empty_timeout":    uint32(opts.IdleTimeout / time.Second),
		"max_participants": uint32(opts.MaxParticipants),
	}
	err := c.call(ctx, "CreateRoom", VideoGrant{RoomCreate: true}, req)
	var terr *twirpError
	if errors.As(err, &terr) && isAlreadyExists(terr) {
		return ErrRoomExists
	}
	return err
}

// DeleteRoom tears a room down.
func (c *TwirpClient) DeleteRoom(ctx context.Context, ref string) error {
	err := c.call(ctx, "DeleteRoom", VideoGrant{RoomCreate: true, Room: ref}, map[string]string{"room": ref})
	var terr *twirpError
	if errors.As(err, &terr) && terr.Code == "not_found" {
		return ErrRoomNotFound
	}
	return err
}

// twirpError is the error body returned by Twirp services.
type twirpError struct {
	Status int    `json:"-"`
	Code   string `json:"code"`
	Msg    string `json:"msg"`
}

func (e *twirpError) Error() string {
	return fmt.Sprintf("twirp %d %s: %s", e.Status, e.Code, e.Msg)
}

func isAlreadyExists(e *twirpError) bool {
	return e.Code == "already_exists" || strings.Contains(e.Msg, "already exists")
}

func (c *TwirpClient) call(ctx context.Context, method string, grant VideoGrant, body any) error {
	token, err := c.issuer.serviceToken(grant)
	if err != nil {
		return err
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encode %s request: %w", method, err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	url := c.creds.apiBaseURL() + "/twirp/livekit.RoomService/" + method
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build %s request: %w", method, err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s request: %w", method, err)
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			slog.Debug("failed to close backend response body", "error", closeErr)
		}
	}()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return fmt.Errorf("read %s response: %w", method, err)
	}
	slog.Debug("Media backend call", "method", method, "status", resp.StatusCode, "duration", time.Since(start))

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	terr := &twirpError{Status: resp.StatusCode}
	if jsonErr := json.Unmarshal(respBody, terr); jsonErr != nil || terr.Code == "" {
		terr.Code = "unknown"
		terr.Msg = strings.TrimSpace(string(respBody))
	}
	return terr
}
