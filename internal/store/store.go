// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ashureev/agentroom/internal/domain"
)

// ErrDuplicateRef is returned by CreateRoom when the external room reference
// is already taken by another room record.
var ErrDuplicateRef = errors.New("external room reference already exists")

// Repository defines the storage contract for users, rooms, messages, and
// agent sessions. Lookups of unknown records return (nil, nil).
type Repository interface {
	// Ping verifies connectivity and returns an error if the backend is unreachable.
	Ping(ctx context.Context) error

	// Close releases the underlying resources.
	Close() error

	// UpsertUser creates a user or refreshes its last_seen_at.
	UpsertUser(ctx context.Context, user *domain.User) error

	// GetUser retrieves a user by ID.
	GetUser(ctx context.Context, userID string) (*domain.User, error)

	// CreateRoom persists a new room. Returns ErrDuplicateRef if the external
	// reference is already used.
	CreateRoom(ctx context.Context, room *domain.Room) error

	// GetRoom retrieves a room by ID.
	GetRoom(ctx context.Context, roomID string) (*domain.Room, error)

	// GetRoomByExternalRef retrieves a room by its media backend reference.
	GetRoomByExternalRef(ctx context.Context, ref string) (*domain.Room, error)

	// ListRoomsByOwner returns the owner's rooms, newest first.
	ListRoomsByOwner(ctx context.Context, ownerID string) ([]*domain.Room, error)

	// ListActiveRoomsBefore returns active rooms created before the cutoff.
	ListActiveRoomsBefore(ctx context.Context, cutoff time.Time) ([]*domain.Room, error)

	// EndRoom marks a room ended at the given time if it is still active and
	// returns the stored record. changed is true only for the call that moved
	// the room to ended; an already ended room keeps its endedAt.
	// Returns (nil, false, nil) for an unknown room.
	EndRoom(ctx context.Context, roomID string, at time.Time) (room *domain.Room, changed bool, err error)

	// AppendMessage persists an immutable message.
	AppendMessage(ctx context.Context, msg *domain.Message) error

	// ListMessages returns a room's messages ordered by created_at, then insertion order.
	ListMessages(ctx context.Context, roomID string) ([]*domain.Message, error)

	// GetAgentSession retrieves the current agent session for a room.
	GetAgentSession(ctx context.Context, roomID string) (*domain.AgentSession, error)

	// UpsertAgentSession creates or replaces the current agent session for a room.
	UpsertAgentSession(ctx context.Context, session *domain.AgentSession) error
}

// Open selects and constructs a backend from a connection string. It is
// called once at process start.
//
//	memory://                      volatile, in-process
//	sqlite:///path/to.db, file:x   SQLite
//	postgres://..., postgresql://  Postgres
func Open(ctx context.Context, dsn string) (Repository, error) {
	switch {
	case dsn == "":
		return nil, errors.New("empty connection string")
	case strings.HasPrefix(dsn, "memory:"):
		return NewMemory(), nil
	case strings.HasPrefix(dsn, "sqlite://"):
		return NewSQLite(ctx, strings.TrimPrefix(dsn, "sqlite://"))
	case strings.HasPrefix(dsn, "file:"):
		return NewSQLite(ctx, strings.TrimPrefix(dsn, "file:"))
	case strings.HasPrefix(dsn, "postgres://"), strings.HasPrefix(dsn, "postgresql://"):
		return NewPostgres(ctx, dsn)
	default:
		return nil, fmt.Errorf("unsupported connection string scheme: %q", schemeOf(dsn))
	}
}

func schemeOf(dsn string) string {
	if i := strings.Index(dsn, ":"); i > 0 {
		return dsn[:i]
	}
	return dsn
}
