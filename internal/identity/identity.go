// Package identity gives every browser an anonymous, cookie-backed user so
// rooms have an owner without a sign-in flow.
package identity

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"regexp"
	"sync"
	"time"

	"github.com/ashureev/agentroom/internal/domain"
	"github.com/ashureev/agentroom/internal/store"
)

const (
	AnonCookieName = "agentroom_anon_id"
	// DefaultTouchInterval bounds how often a returning user's last_seen_at
	// is written.
	DefaultTouchInterval = 5 * time.Minute

	cookieMaxAge = 30 * 24 * time.Hour
)

type contextKey int

const (
	userIDKey contextKey = iota
	usernameKey
)

var anonIDPattern = regexp.MustCompile(`^anon_[a-f0-9]{32}$`)

// UserIDFromContext extracts the user ID from the request context.
func UserIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(userIDKey).(string); ok {
		return v
	}
	return ""
}

// UsernameFromContext extracts the username from the request context.
func UsernameFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(usernameKey).(string); ok {
		return v
	}
	return ""
}

// WithUser returns a context carrying userID, as the middleware would.
func WithUser(ctx context.Context, userID string) context.Context {
	ctx = context.WithValue(ctx, userIDKey, userID)
	return context.WithValue(ctx, usernameKey, usernameFor(userID))
}

// Resolver maps requests to anonymous users and keeps them persisted.
type Resolver struct {
	repo       store.Repository
	secure     bool
	touchEvery time.Duration
	now        func() time.Time

	touched sync.Map // userID -> time.Time of the last write
}

// NewResolver creates a resolver. Cookies are marked Secure unless isDev.
func NewResolver(repo store.Repository, isDev bool) *Resolver {
	return &Resolver{
		repo:       repo,
		secure:     !isDev,
		touchEvery: DefaultTouchInterval,
		now:        func() time.Time { return time.Now().UTC().Truncate(time.Microsecond) },
	}
}

// Middleware is shorthand for NewResolver(repo, isDev).Middleware.
func Middleware(repo store.Repository, isDev bool) func(http.Handler) http.Handler {
	return NewResolver(repo, isDev).Middleware
}

// Middleware injects the caller's anonymous identity, issuing a new one when
// the cookie is absent or malformed.
func (res *Resolver) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID, fresh, err := res.resolve(r)
		if err != nil {
			slog.Error("Failed to generate anonymous id", "error", err)
			http.Error(w, `{"error":"failed to establish anonymous identity"}`, http.StatusInternalServerError)
			return
		}

		if err := res.touch(r.Context(), userID, fresh); err != nil {
			slog.Error("Failed to persist anonymous user", "error", err, "user_id", userID)
			http.Error(w, `{"error":"failed to initialize anonymous user"}`, http.StatusInternalServerError)
			return
		}
		res.setCookie(w, userID)

		next.ServeHTTP(w, r.WithContext(WithUser(r.Context(), userID)))
	})
}

func (res *Resolver) resolve(r *http.Request) (id string, fresh bool, err error) {
	if c, err := r.Cookie(AnonCookieName); err == nil && anonIDPattern.MatchString(c.Value) {
		return c.Value, false, nil
	}
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", false, fmt.Errorf("generate anonymous id: %w", err)
	}
	return "anon_" + hex.EncodeToString(buf), true, nil
}

// touch upserts the user, skipping the write when this process refreshed it
// within touchEvery. A cookie presented to a fresh process is always written
// once, so a room owner row exists before any room is created.
func (res *Resolver) touch(ctx context.Context, userID string, fresh bool) error {
	now := res.now()
	if !fresh {
		if last, ok := res.touched.Load(userID); ok && now.Sub(last.(time.Time)) < res.touchEvery {
			return nil
		}
	}
	err := res.repo.UpsertUser(ctx, &domain.User{
		ID:         userID,
		Username:   usernameFor(userID),
		LastSeenAt: now,
		CreatedAt:  now,
	})
	if err != nil {
		return err
	}
	res.touched.Store(userID, now)
	return nil
}

func (res *Resolver) setCookie(w http.ResponseWriter, id string) {
	http.SetCookie(w, &http.Cookie{
		Name:     AnonCookieName,
		Value:    id,
		Path:     "/",
		MaxAge:   int(cookieMaxAge.Seconds()),
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		Secure:   res.secure,
	})
}

func usernameFor(userID string) string {
	if len(userID) > 13 {
		return "anon-" + userID[len(userID)-8:]
	}
	return "anon-user"
}

// IPFromRequest returns a normalized remote IP for request tracing.
func IPFromRequest(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
