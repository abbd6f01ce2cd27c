//nolint:revive // "api" package name is intentionally concise for this layer.
package api

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"net/textproto"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ashureev/agentroom/internal/domain"
	"github.com/ashureev/agentroom/internal/identity"
	"github.com/ashureev/agentroom/internal/livekit"
	"github.com/ashureev/agentroom/internal/middleware"
	"github.com/ashureev/agentroom/internal/presence"
	"github.com/ashureev/agentroom/internal/rooms"
	"github.com/ashureev/agentroom/internal/store"
	"github.com/ashureev/agentroom/internal/stream"
	"github.com/ashureev/agentroom/internal/timeline"
	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"
	"github.com/golang-jwt/jwt/v5"
)

var testCreds = livekit.Credentials{URL: "wss://media.example.test", APIKey: "key", APISecret: "secret-secret-secret"}

type fakeBackend struct {
	mu      sync.Mutex
	deleted []string
}

func (f *fakeBackend) CreateRoom(context.Context, string, livekit.RoomOptions) error { return nil }

func (f *fakeBackend) DeleteRoom(_ context.Context, ref string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, ref)
	return nil
}

type testServer struct {
	*httptest.Server
	repo   *store.MemoryStore
	client *http.Client
}

type serverOptions struct {
	creds    livekit.Credentials
	backend  livekit.RoomService
	maxImage int64
	rate     int
}

func newTestServer(t *testing.T, opts serverOptions) *testServer {
	t.Helper()
	if opts.backend == nil {
		opts.backend = &fakeBackend{}
	}
	if opts.rate == 0 {
		opts.rate = 1000
	}
	repo := store.NewMemory()
	hub := stream.NewHub(0)
	sched := timeline.NewScheduler(time.Second)
	t.Cleanup(sched.Close)

	roomMgr := rooms.NewManager(repo, opts.backend, rooms.Options{})
	tl := timeline.NewService(repo, sched, hub, timeline.Options{ReplyDelay: time.Hour, ImageReplyDelay: time.Hour})
	pres := presence.NewManager(repo, hub, presence.Options{ThinkingDelay: time.Hour})
	t.Cleanup(pres.Close)
	tl.AddObserver(pres)
	roomMgr.OnEnd(func(_ context.Context, room *domain.Room) {
		tl.CancelReplies(room.ID)
		pres.Stop(room.ID)
		hub.CloseRoom(room.ID)
	})
	limiter := middleware.NewRateLimiter(opts.rate)
	t.Cleanup(limiter.Stop)

	h := NewHandler(Deps{
		Rooms:         roomMgr,
		Issuer:        livekit.NewIssuer(opts.creds, 0),
		Timeline:      tl,
		Presence:      pres,
		Hub:           hub,
		Stream:        stream.NewHandler(hub, "*", true),
		Webhooks:      livekit.NewWebhookVerifier(opts.creds),
		Limiter:       limiter,
		MaxImageBytes: opts.maxImage,
	})

	r := chi.NewRouter()
	h.RegisterWebhooks(r)
	r.Group(func(r chi.Router) {
		r.Use(identity.Middleware(repo, true))
		h.RegisterRoutes(r)
	})
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)

	jar, err := cookiejar.New(nil)
	if err != nil {
		t.Fatal(err)
	}
	return &testServer{Server: srv, repo: repo, client: &http.Client{Jar: jar}}
}

func (ts *testServer) send(t *testing.T, req *http.Request) (int, []byte) {
	t.Helper()
	resp, err := ts.client.Do(req)
	if err != nil {
		t.Fatalf("%s %s failed: %v", req.Method, req.URL.Path, err)
	}
	defer func() { _ = resp.Body.Close() }()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	return resp.StatusCode, raw
}

func (ts *testServer) do(t *testing.T, method, path string, body interface{}) (int, []byte) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatal(err)
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, ts.URL+path, reader)
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Content-Type", "application/json")
	return ts.send(t, req)
}

func (ts *testServer) createRoom(t *testing.T) *domain.Room {
	t.Helper()
	code, raw := ts.do(t, http.MethodPost, "/rooms", map[string]string{"name": "Demo"})
	if code != http.StatusOK {
		t.Fatalf("Create room: expected 200, got %d: %s", code, raw)
	}
	var room domain.Room
	if err := json.Unmarshal(raw, &room); err != nil {
		t.Fatal(err)
	}
	return &room
}

func decode[T any](t *testing.T, raw []byte) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		t.Fatalf("Failed to decode %s: %v", raw, err)
	}
	return v
}

func TestJSON(t *testing.T) {
	w := httptest.NewRecorder()
	data := map[string]string{"foo": "bar"}

	JSON(w, http.StatusOK, data)

	resp := w.Result()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected status 200, got %d", resp.StatusCode)
	}

	var got map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}

	if got["foo"] != "bar" {
		t.Errorf("Expected foo=bar, got %v", got["foo"])
	}
}

func TestWriteErrorMapping(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{domain.NewValidationError("name", "is required"), http.StatusBadRequest},
		{&domain.NotFoundError{Resource: "room", ID: "x"}, http.StatusNotFound},
		{&domain.ConfigurationError{Missing: []string{"LIVEKIT_URL"}}, http.StatusServiceUnavailable},
		{&domain.UpstreamError{Op: "create room", Err: io.ErrUnexpectedEOF}, http.StatusInternalServerError},
		{io.ErrClosedPipe, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		w := httptest.NewRecorder()
		writeError(w, httptest.NewRequest(http.MethodGet, "/", nil), tt.err)
		if w.Code != tt.want {
			t.Errorf("writeError(%v) = %d, want %d", tt.err, w.Code, tt.want)
		}
		body := decode[map[string]interface{}](t, w.Body.Bytes())
		if body["error"] == "" {
			t.Errorf("Expected error message for %v", tt.err)
		}
	}

	w := httptest.NewRecorder()
	writeError(w, httptest.NewRequest(http.MethodGet, "/", nil), &domain.UpstreamError{Op: "x", Err: io.ErrUnexpectedEOF})
	if strings.Contains(w.Body.String(), "unexpected EOF") {
		t.Error("Upstream cause must not leak to clients")
	}
}

func TestRoomLifecycle(t *testing.T) {
	ts := newTestServer(t, serverOptions{creds: testCreds})

	room := ts.createRoom(t)
	if room.Status != domain.RoomActive || room.OwnerID == "" {
		t.Fatalf("Unexpected room %+v", room)
	}

	code, raw := ts.do(t, http.MethodGet, "/rooms", nil)
	if list := decode[[]domain.Room](t, raw); code != http.StatusOK || len(list) != 1 {
		t.Errorf("Expected own room listed, got %d %s", code, raw)
	}

	code, raw = ts.do(t, http.MethodGet, "/rooms/"+room.ID, nil)
	if code != http.StatusOK || decode[domain.Room](t, raw).ID != room.ID {
		t.Errorf("GET room: %d %s", code, raw)
	}

	for i := 0; i < 2; i++ {
		code, raw = ts.do(t, http.MethodPost, "/rooms/"+room.ID+"/end", nil)
		if code != http.StatusOK || !decode[map[string]bool](t, raw)["success"] {
			t.Errorf("End #%d: %d %s", i+1, code, raw)
		}
	}

	code, raw = ts.do(t, http.MethodGet, "/rooms/"+room.ID, nil)
	if ended := decode[domain.Room](t, raw); ended.Status != domain.RoomEnded || ended.EndedAt == nil {
		t.Errorf("Expected ended room, got %s", raw)
	}
}

func TestRoomErrors(t *testing.T) {
	ts := newTestServer(t, serverOptions{creds: testCreds})

	if code, _ := ts.do(t, http.MethodPost, "/rooms", map[string]string{"name": "  "}); code != http.StatusBadRequest {
		t.Errorf("Blank name: expected 400, got %d", code)
	}
	if code, _ := ts.do(t, http.MethodGet, "/rooms/missing", nil); code != http.StatusNotFound {
		t.Errorf("Unknown room: expected 404, got %d", code)
	}
	if code, _ := ts.do(t, http.MethodPost, "/rooms/missing/end", nil); code != http.StatusNotFound {
		t.Errorf("End unknown room: expected 404, got %d", code)
	}
}

func TestUnconfiguredBackend(t *testing.T) {
	creds := livekit.Credentials{}
	ts := newTestServer(t, serverOptions{creds: creds, backend: livekit.NewTwirpClient(creds, time.Second, nil)})

	code, raw := ts.do(t, http.MethodPost, "/rooms", map[string]string{"name": "Demo"})
	if code != http.StatusServiceUnavailable {
		t.Errorf("Create room: expected 503, got %d %s", code, raw)
	}
	if !strings.Contains(string(raw), "LIVEKIT_API_KEY") {
		t.Errorf("Expected remediation message, got %s", raw)
	}
	code, _ = ts.do(t, http.MethodPost, "/token", map[string]string{"roomRef": "room-x", "participantName": "alice"})
	if code != http.StatusServiceUnavailable {
		t.Errorf("Token: expected 503, got %d", code)
	}
}

func TestTokens(t *testing.T) {
	ts := newTestServer(t, serverOptions{creds: testCreds})
	room := ts.createRoom(t)

	code, raw := ts.do(t, http.MethodPost, "/token", map[string]string{"roomRef": room.ExternalRoomRef, "participantName": "alice"})
	if code != http.StatusOK {
		t.Fatalf("Token: %d %s", code, raw)
	}
	resp := decode[tokenResponse](t, raw)
	if resp.URL != testCreds.URL || resp.Token == "" {
		t.Errorf("Unexpected token response %+v", resp)
	}
	var claims livekit.Claims
	if _, err := jwt.ParseWithClaims(resp.Token, &claims, func(*jwt.Token) (any, error) {
		return []byte(testCreds.APISecret), nil
	}); err != nil {
		t.Fatalf("Token does not verify: %v", err)
	}
	if claims.Video == nil || claims.Video.Room != room.ExternalRoomRef || claims.Subject != "alice" {
		t.Errorf("Unexpected claims %+v", claims)
	}

	code, raw = ts.do(t, http.MethodPost, "/rooms/"+room.ID+"/token", map[string]string{"participantName": "bob"})
	if code != http.StatusOK || decode[tokenResponse](t, raw).RoomName != room.ExternalRoomRef {
		t.Errorf("Room token: %d %s", code, raw)
	}

	if code, _ := ts.do(t, http.MethodPost, "/token", map[string]string{"roomRef": "room-unknown", "participantName": "alice"}); code != http.StatusNotFound {
		t.Errorf("Unknown ref: expected 404, got %d", code)
	}
	if code, _ := ts.do(t, http.MethodPost, "/rooms/"+room.ID+"/token", map[string]string{}); code != http.StatusBadRequest {
		t.Errorf("Missing participant: expected 400, got %d", code)
	}
}

func TestMessages(t *testing.T) {
	ts := newTestServer(t, serverOptions{creds: testCreds})

	code, raw := ts.do(t, http.MethodGet, "/messages", nil)
	greeting := decode[[]domain.Message](t, raw)
	if code != http.StatusOK || len(greeting) != 1 || greeting[0].Sender != domain.SenderAgent {
		t.Errorf("Expected bootstrap greeting, got %d %s", code, raw)
	}

	room := ts.createRoom(t)
	code, raw = ts.do(t, http.MethodPost, "/messages", map[string]string{
		"roomId": room.ID, "content": "hello", "sender": "user", "type": "text",
	})
	if code != http.StatusOK {
		t.Fatalf("Post message: %d %s", code, raw)
	}

	code, raw = ts.do(t, http.MethodGet, "/messages?roomId="+room.ID, nil)
	msgs := decode[[]domain.Message](t, raw)
	if code != http.StatusOK || len(msgs) != 1 || msgs[0].Content != "hello" {
		t.Errorf("Unexpected timeline %s", raw)
	}

	code, _ = ts.do(t, http.MethodPost, "/messages", map[string]string{
		"roomId": room.ID, "content": "pic", "sender": "user", "type": "image",
	})
	if code != http.StatusBadRequest {
		t.Errorf("Image without metadata: expected 400, got %d", code)
	}
	code, _ = ts.do(t, http.MethodPost, "/messages", map[string]string{
		"roomId": "missing", "content": "hi", "sender": "user", "type": "text",
	})
	if code != http.StatusNotFound {
		t.Errorf("Unknown room: expected 404, got %d", code)
	}
}

func TestMessageRateLimit(t *testing.T) {
	ts := newTestServer(t, serverOptions{creds: testCreds, rate: 2})
	room := ts.createRoom(t)

	body := map[string]string{"roomId": room.ID, "content": "hi", "sender": "user", "type": "text"}
	for i := 0; i < 2; i++ {
		if code, raw := ts.do(t, http.MethodPost, "/messages", body); code != http.StatusOK {
			t.Fatalf("Message %d: %d %s", i, code, raw)
		}
	}
	if code, _ := ts.do(t, http.MethodPost, "/messages", body); code != http.StatusTooManyRequests {
		t.Errorf("Expected 429, got %d", code)
	}
}

func imageRequest(t *testing.T, url, roomID, contentType string, data []byte) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	if err := mw.WriteField("roomId", roomID); err != nil {
		t.Fatal(err)
	}
	hdr := textproto.MIMEHeader{}
	hdr.Set("Content-Disposition", `form-data; name="image"; filename="pic.png"`)
	hdr.Set("Content-Type", contentType)
	part, err := mw.CreatePart(hdr)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := part.Write(data); err != nil {
		t.Fatal(err)
	}
	if err := mw.Close(); err != nil {
		t.Fatal(err)
	}
	req, err := http.NewRequest(http.MethodPost, url+"/messages/image", &buf)
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func TestImageUpload(t *testing.T) {
	ts := newTestServer(t, serverOptions{creds: testCreds, maxImage: 1024})
	room := ts.createRoom(t)
	png := []byte("\x89PNG\r\n\x1a\n0000")

	code, raw := ts.send(t, imageRequest(t, ts.URL, room.ID, "image/png", png))
	if code != http.StatusOK {
		t.Fatalf("Upload: %d %s", code, raw)
	}
	msg := decode[domain.Message](t, raw)
	meta := decode[domain.ImageMetadata](t, msg.Metadata)
	if msg.Type != domain.MessageImage || meta.MimeType != "image/png" || meta.Size != int64(len(png)) {
		t.Errorf("Unexpected image message %s", raw)
	}
	if meta.URL != "data:image/png;base64,"+base64.StdEncoding.EncodeToString(png) {
		t.Errorf("Unexpected data URL %q", meta.URL)
	}

	code, _ = ts.send(t, imageRequest(t, ts.URL, room.ID, "text/plain", []byte("hello")))
	if code != http.StatusBadRequest {
		t.Errorf("Non-image: expected 400, got %d", code)
	}

	code, _ = ts.send(t, imageRequest(t, ts.URL, room.ID, "image/png", bytes.Repeat([]byte{0}, 4096)))
	if code != http.StatusRequestEntityTooLarge {
		t.Errorf("Oversized: expected 413, got %d", code)
	}
}

func TestPresenceEndpoints(t *testing.T) {
	ts := newTestServer(t, serverOptions{creds: testCreds})
	room := ts.createRoom(t)

	code, raw := ts.do(t, http.MethodGet, "/agent/status/"+room.ID, nil)
	if code != http.StatusOK || string(bytes.TrimSpace(raw)) != `{"status":"idle"}` {
		t.Errorf("Expected idle status, got %d %s", code, raw)
	}

	code, raw = ts.do(t, http.MethodPost, "/rooms/"+room.ID+"/events", map[string]string{"type": "connected"})
	if code != http.StatusOK || decode[map[string]string](t, raw)["status"] != "listening" {
		t.Errorf("Connected: %d %s", code, raw)
	}

	code, raw = ts.do(t, http.MethodGet, "/agent/status/"+room.ID, nil)
	sess := decode[domain.AgentSession](t, raw)
	if code != http.StatusOK || sess.Status != domain.AgentListening || sess.RoomID != room.ID {
		t.Errorf("Expected persisted listening session, got %s", raw)
	}

	if code, _ := ts.do(t, http.MethodPost, "/rooms/"+room.ID+"/events", map[string]string{"type": "thinking_elapsed"}); code != http.StatusBadRequest {
		t.Errorf("Internal trigger: expected 400, got %d", code)
	}
}

func signedWebhook(t *testing.T, url string, body []byte) *http.Request {
	t.Helper()
	sum := sha256.Sum256(body)
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, livekit.Claims{
		RegisteredClaims: jwt.RegisteredClaims{Issuer: testCreds.APIKey},
		SHA256:           base64.StdEncoding.EncodeToString(sum[:]),
	}).SignedString([]byte(testCreds.APISecret))
	if err != nil {
		t.Fatal(err)
	}
	req, err := http.NewRequest(http.MethodPost, url+"/webhooks/livekit", bytes.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Authorization", token)
	req.Header.Set("Content-Type", "application/webhook+json")
	return req
}

func TestWebhook(t *testing.T) {
	ts := newTestServer(t, serverOptions{creds: testCreds})
	room := ts.createRoom(t)

	joined := []byte(`{"event":"participant_joined","room":{"name":"` + room.ExternalRoomRef + `"},"participant":{"identity":"agent-1"}}`)
	if code, raw := ts.send(t, signedWebhook(t, ts.URL, joined)); code != http.StatusOK {
		t.Fatalf("Webhook: %d %s", code, raw)
	}
	sess, _ := ts.repo.GetAgentSession(context.Background(), room.ID)
	if sess == nil || sess.Status != domain.AgentListening {
		t.Errorf("Expected agent_joined to set listening, got %+v", sess)
	}

	audio := []byte(`{"event":"track_published","room":{"name":"` + room.ExternalRoomRef + `"},"participant":{"identity":"agent-1"},"track":{"type":"AUDIO"}}`)
	ts.send(t, signedWebhook(t, ts.URL, audio))
	sess, _ = ts.repo.GetAgentSession(context.Background(), room.ID)
	if sess == nil || sess.Status != domain.AgentSpeaking {
		t.Errorf("Expected audio track to set speaking, got %+v", sess)
	}

	finished := []byte(`{"event":"room_finished","room":{"name":"` + room.ExternalRoomRef + `"}}`)
	ts.send(t, signedWebhook(t, ts.URL, finished))
	stored, _ := ts.repo.GetRoom(context.Background(), room.ID)
	if stored.Status != domain.RoomEnded {
		t.Errorf("Expected room_finished to end the room, got %q", stored.Status)
	}

	bad := signedWebhook(t, ts.URL, finished)
	bad.Header.Set("Authorization", "not-a-jwt")
	if code, _ := ts.send(t, bad); code != http.StatusUnauthorized {
		t.Errorf("Unsigned webhook: expected 401, got %d", code)
	}
}

type failingPing struct{ *store.MemoryStore }

func (failingPing) Ping(context.Context) error { return io.ErrUnexpectedEOF }

func TestHealth(t *testing.T) {
	tests := []struct {
		name     string
		repo     store.Repository
		want     int
		database string
	}{
		{"ok", store.NewMemory(), http.StatusOK, "ok"},
		{"store down", failingPing{store.NewMemory()}, http.StatusServiceUnavailable, "unreachable"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := chi.NewRouter()
			NewHealthHandler(tt.repo, false).RegisterHealth(r)
			w := httptest.NewRecorder()
			r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))

			if w.Code != tt.want {
				t.Errorf("Expected %d, got %d", tt.want, w.Code)
			}
			var body struct {
				Checks map[string]string `json:"checks"`
			}
			if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
				t.Fatal(err)
			}
			if body.Checks["database"] != tt.database || body.Checks["livekit"] != "unconfigured" {
				t.Errorf("Unexpected checks %v", body.Checks)
			}
		})
	}
}

func (ts *testServer) readFirstEvent(t *testing.T, roomID, query string) stream.Event {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	u := "ws" + strings.TrimPrefix(ts.URL, "http") + "/rooms/" + roomID + "/events" + query
	ws, _, err := websocket.Dial(ctx, u, &websocket.DialOptions{HTTPClient: ts.client})
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer func() { _ = ws.CloseNow() }()

	_, data, err := ws.Read(ctx)
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	return decode[stream.Event](t, data)
}

func TestEventStreamForEndedRoom(t *testing.T) {
	ts := newTestServer(t, serverOptions{creds: testCreds})

	ended := ts.createRoom(t)
	if code, raw := ts.do(t, http.MethodPost, "/rooms/"+ended.ID+"/end", nil); code != http.StatusOK {
		t.Fatalf("End: %d %s", code, raw)
	}
	for _, query := range []string{"", "?lastEventId=1"} {
		if e := ts.readFirstEvent(t, ended.ID, query); e.Type != stream.EventRoomEnded {
			t.Errorf("Reconnect%s: expected room_ended, got %+v", query, e)
		}
	}

	// Ended while no hub held the room, as after a restart.
	stale := ts.createRoom(t)
	if _, _, err := ts.repo.EndRoom(context.Background(), stale.ID, time.Now()); err != nil {
		t.Fatal(err)
	}
	if e := ts.readFirstEvent(t, stale.ID, ""); e.Type != stream.EventRoomEnded {
		t.Errorf("Expected room_ended for a room ended in the store, got %+v", e)
	}
}

func TestStartAgentSession(t *testing.T) {
	ts := newTestServer(t, serverOptions{creds: testCreds})
	room := ts.createRoom(t)

	if code, _ := ts.do(t, http.MethodPost, "/agent/session", map[string]string{}); code != http.StatusBadRequest {
		t.Errorf("Missing roomId: expected 400, got %d", code)
	}
	if code, _ := ts.do(t, http.MethodPost, "/agent/session", map[string]string{"roomId": "missing"}); code != http.StatusNotFound {
		t.Errorf("Unknown room: expected 404, got %d", code)
	}

	ts.do(t, http.MethodPost, "/rooms/"+room.ID+"/events", map[string]string{"type": "connected"})
	code, raw := ts.do(t, http.MethodPost, "/agent/session", map[string]string{"roomId": room.ID})
	sess := decode[domain.AgentSession](t, raw)
	if code != http.StatusOK || sess.Status != domain.AgentInitializing || sess.RoomID != room.ID || sess.ID == "" {
		t.Fatalf("Start session: %d %s", code, raw)
	}

	code, raw = ts.do(t, http.MethodGet, "/agent/status/"+room.ID, nil)
	if decode[domain.AgentSession](t, raw).Status != domain.AgentInitializing {
		t.Errorf("Expected initializing after reset, got %d %s", code, raw)
	}
}
