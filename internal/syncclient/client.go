package syncclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ashureev/agentroom/internal/stream"
	"github.com/coder/websocket"
)

// DefaultPollInterval is how often the timeline is refetched.
const DefaultPollInterval = 2 * time.Second

const (
	requestTimeout    = 10 * time.Second
	minReconnectDelay = 500 * time.Millisecond
	maxReconnectDelay = 30 * time.Second
)

// DefaultMaxSnapshotBytes bounds one GET /messages response. Image messages
// carry their data URL inline, so a timeline grows by ~1.4x every upload.
const DefaultMaxSnapshotBytes = 512 << 20

var (
	// ErrRoomEnded is returned by Run once the server reports the room ended.
	ErrRoomEnded = errors.New("room ended")
	// ErrSnapshotTooLarge is returned by Poll when the timeline exceeds
	// Options.MaxSnapshotBytes.
	ErrSnapshotTooLarge = errors.New("timeline snapshot too large")
)

// Options configure a Client.
type Options struct {
	PollInterval time.Duration
	// HTTPClient must not set Timeout; the websocket dialer rejects it.
	HTTPClient *http.Client
	// OnChange is called with the new state after every change.
	OnChange func(State)
	// MaxSnapshotBytes defaults to DefaultMaxSnapshotBytes.
	MaxSnapshotBytes int64
}

// Client syncs one room's view.
type Client struct {
	base     *url.URL
	roomID   string
	http     *http.Client
	interval time.Duration
	maxBytes int64
	onChange func(State)
	view     *View

	refresh chan struct{}
	mu      sync.Mutex // serializes OnChange
}

// New creates a client for roomID on the server at baseURL.
func New(baseURL, roomID string, opts Options) (*Client, error) {
	base, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil || (base.Scheme != "http" && base.Scheme != "https") || base.Host == "" {
		return nil, fmt.Errorf("invalid server URL %q", baseURL)
	}
	if strings.TrimSpace(roomID) == "" {
		return nil, errors.New("room ID is required")
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.MaxSnapshotBytes <= 0 {
		opts.MaxSnapshotBytes = DefaultMaxSnapshotBytes
	}
	if opts.HTTPClient == nil {
		// The jar keeps the anonymous identity cookie across requests.
		jar, err := cookiejar.New(nil)
		if err != nil {
			return nil, fmt.Errorf("create cookie jar: %w", err)
		}
		opts.HTTPClient = &http.Client{Jar: jar}
	}
	return &Client{
		base:     base,
		roomID:   roomID,
		http:     opts.HTTPClient,
		interval: opts.PollInterval,
		maxBytes: opts.MaxSnapshotBytes,
		onChange: opts.OnChange,
		view:     NewView(),
		refresh:  make(chan struct{}, 1),
	}, nil
}

// View returns the client's view.
func (c *Client) View() *View {
	return c.view
}

// Run polls the timeline and follows the event stream until ctx is canceled
// or the room ends. It returns ctx.Err() or ErrRoomEnded.
func (c *Client) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		c.pollLoop(ctx)
	}()
	go func() {
		defer wg.Done()
		if err := c.streamLoop(ctx); err != nil {
			cancel(err)
		}
	}()
	wg.Wait()

	// pollLoop only exits once ctx is done.
	return context.Cause(ctx)
}

// Poll fetches the timeline once and applies it.
func (c *Client) Poll(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	u := c.endpoint("/messages")
	u.RawQuery = url.Values{"roomId": {c.roomID}}.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("fetch messages: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, c.maxBytes+1))
	if err != nil {
		return fmt.Errorf("read messages: %w", err)
	}
	if int64(len(body)) > c.maxBytes {
		return fmt.Errorf("%w: more than %d bytes", ErrSnapshotTooLarge, c.maxBytes)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("fetch messages: status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	changed, err := c.view.ApplySnapshot(body)
	if err != nil {
		return err
	}
	if changed {
		c.notify()
	}
	return nil
}

func (c *Client) pollLoop(ctx context.Context) {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		if err := c.Poll(ctx); err != nil && ctx.Err() == nil {
			slog.Warn("Timeline poll failed", "error", err, "room_id", c.roomID)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-c.refresh:
		}
	}
}

// streamLoop follows the event stream, reconnecting from the last applied
// event ID. It returns ErrRoomEnded when the room ends.
func (c *Client) streamLoop(ctx context.Context) error {
	delay := minReconnectDelay
	for {
		connected, err := c.follow(ctx)
		if errors.Is(err, ErrRoomEnded) {
			return err
		}
		if ctx.Err() != nil {
			return nil
		}
		if connected {
			delay = minReconnectDelay
		}
		slog.Info("Event stream lost, reconnecting", "error", err, "room_id", c.roomID,
			"last_event_id", c.view.LastEventID(), "delay", delay)

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(delay):
		}
		delay *= 2
		if delay > maxReconnectDelay {
			delay = maxReconnectDelay
		}
	}
}

func (c *Client) follow(ctx context.Context) (connected bool, err error) {
	u := c.endpoint("/rooms/" + url.PathEscape(c.roomID) + "/events")
	if u.Scheme == "https" {
		u.Scheme = "wss"
	} else {
		u.Scheme = "ws"
	}
	if last := c.view.LastEventID(); last > 0 {
		u.RawQuery = url.Values{"lastEventId": {strconv.FormatInt(last, 10)}}.Encode()
	}

	dialCtx, cancel := context.WithTimeout(ctx, requestTimeout)
	ws, _, err := websocket.Dial(dialCtx, u.String(), &websocket.DialOptions{HTTPClient: c.http})
	cancel()
	if err != nil {
		return false, fmt.Errorf("dial event stream: %w", err)
	}
	defer func() { _ = ws.CloseNow() }()

	for {
		_, data, err := ws.Read(ctx)
		if err != nil {
			return true, err
		}
		var event stream.Event
		if err := json.Unmarshal(data, &event); err != nil {
			slog.Warn("Skipping malformed stream event", "error", err, "room_id", c.roomID)
			continue
		}
		if event.Type == stream.EventMessage {
			c.requestRefresh()
		}
		changed, err := c.view.ApplyEvent(event)
		if err != nil {
			slog.Warn("Skipping stream event", "error", err, "room_id", c.roomID)
			continue
		}
		if changed {
			c.notify()
		}
		if event.Type == stream.EventRoomEnded {
			_ = ws.Close(websocket.StatusNormalClosure, "room ended")
			return true, ErrRoomEnded
		}
	}
}

func (c *Client) requestRefresh() {
	select {
	case c.refresh <- struct{}{}:
	default:
	}
}

func (c *Client) notify() {
	if c.onChange == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onChange(c.view.State())
}

func (c *Client) endpoint(path string) *url.URL {
	u := *c.base
	u.Path = strings.TrimRight(u.Path, "/") + path
	u.RawQuery = ""
	return &u
}
