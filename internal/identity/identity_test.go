package identity

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ashureev/agentroom/internal/store"
)

func TestMiddlewareIssuesCookieAndUser(t *testing.T) {
	repo := store.NewMemory()
	var seen string
	h := Middleware(repo, true)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = UserIDFromContext(r.Context())
	}))

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))

	if !anonIDPattern.MatchString(seen) {
		t.Fatalf("Expected anonymous id in context, got %q", seen)
	}
	cookies := w.Result().Cookies()
	if len(cookies) != 1 || cookies[0].Value != seen {
		t.Fatalf("Expected cookie with %q, got %v", seen, cookies)
	}
	user, err := repo.GetUser(context.Background(), seen)
	if err != nil || user == nil {
		t.Fatalf("Expected user to be created, got %v, %v", user, err)
	}
	if user.Username != usernameFor(seen) {
		t.Errorf("Unexpected username %q", user.Username)
	}

	// The same cookie maps to the same identity.
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(cookies[0])
	var again string
	Middleware(repo, true)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		again = UserIDFromContext(r.Context())
	})).ServeHTTP(httptest.NewRecorder(), req)
	if again != seen {
		t.Errorf("Expected %q on second request, got %q", seen, again)
	}
}

func TestInvalidCookieReplaced(t *testing.T) {
	repo := store.NewMemory()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(&http.Cookie{Name: AnonCookieName, Value: "forged"})

	var seen string
	Middleware(repo, false)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = UserIDFromContext(r.Context())
	})).ServeHTTP(httptest.NewRecorder(), req)

	if seen == "forged" || !anonIDPattern.MatchString(seen) {
		t.Errorf("Expected a fresh id, got %q", seen)
	}
}

func TestLastSeenRefreshIsThrottled(t *testing.T) {
	repo := store.NewMemory()
	res := NewResolver(repo, true)
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	res.now = func() time.Time { return now }

	id := "anon_" + "0123456789abcdef0123456789abcdef"
	serve := func() {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.AddCookie(&http.Cookie{Name: AnonCookieName, Value: id})
		res.Middleware(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {})).
			ServeHTTP(httptest.NewRecorder(), req)
	}
	lastSeen := func() time.Time {
		user, err := repo.GetUser(context.Background(), id)
		if err != nil || user == nil {
			t.Fatalf("Expected user %q, got %v, %v", id, user, err)
		}
		return user.LastSeenAt
	}

	serve()
	first := lastSeen()

	now = now.Add(time.Minute)
	serve()
	if got := lastSeen(); !got.Equal(first) {
		t.Errorf("Expected no refresh within the touch interval, got %v", got)
	}

	now = now.Add(DefaultTouchInterval)
	serve()
	if got := lastSeen(); !got.Equal(now) {
		t.Errorf("Expected last_seen_at %v, got %v", now, got)
	}
}
