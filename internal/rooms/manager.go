// Package rooms owns the room lifecycle: provisioning on the media backend,
// the persisted record, and teardown.
package rooms

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/ashureev/agentroom/internal/domain"
	"github.com/ashureev/agentroom/internal/livekit"
	"github.com/ashureev/agentroom/internal/store"
	"github.com/google/uuid"
)

const (
	// MaxNameLength bounds a room name in characters.
	MaxNameLength = 100

	DefaultIdleTimeout     = 300 * time.Second
	DefaultMaxParticipants = 10

	refPrefix = "room-"
)

// Options bound provisioned rooms.
type Options struct {
	IdleTimeout     time.Duration
	MaxParticipants int
}

// EndHook runs after a room is marked ended.
type EndHook func(ctx context.Context, room *domain.Room)

// Manager creates and ends rooms.
type Manager struct {
	repo    store.Repository
	backend livekit.RoomService
	opts    Options
	now     func() time.Time

	mu    sync.RWMutex
	hooks []EndHook
}

// NewManager creates a room lifecycle manager.
func NewManager(repo store.Repository, backend livekit.RoomService, opts Options) *Manager {
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = DefaultIdleTimeout
	}
	if opts.MaxParticipants <= 0 {
		opts.MaxParticipants = DefaultMaxParticipants
	}
	return &Manager{
		repo:    repo,
		backend: backend,
		opts:    opts,
		now:     func() time.Time { return time.Now().UTC().Truncate(time.Microsecond) },
	}
}

// OnEnd registers a hook that runs whenever a room ends.
func (m *Manager) OnEnd(hook EndHook) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hooks = append(m.hooks, hook)
}

// Create provisions a backend room and persists an active record. Nothing is
// persisted unless provisioning succeeds.
func (m *Manager) Create(ctx context.Context, name, ownerID string) (*domain.Room, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, domain.NewValidationError("name", "is required")
	}
	if utf8.RuneCountInString(name) > MaxNameLength {
		return nil, domain.NewValidationError("name", fmt.Sprintf("must be at most %d characters", MaxNameLength))
	}

	ref := refPrefix + uuid.NewString()
	err := m.backend.CreateRoom(ctx, ref, livekit.RoomOptions{
		IdleTimeout:     m.opts.IdleTimeout,
		MaxParticipants: m.opts.MaxParticipants,
	})
	var cerr *domain.ConfigurationError
	switch {
	case err == nil:
	case errors.Is(err, livekit.ErrRoomExists):
		slog.Warn("Backend reported room already exists, continuing", "external_ref", ref)
	case errors.As(err, &cerr):
		return nil, cerr
	default:
		return nil, &domain.UpstreamError{Op: "create room", Err: err}
	}

	room := &domain.Room{
		ID:              uuid.NewString(),
		Name:            name,
		ExternalRoomRef: ref,
		Status:          domain.RoomActive,
		OwnerID:         ownerID,
		CreatedAt:       m.now(),
	}
	if err := m.repo.CreateRoom(ctx, room); err != nil {
		m.teardown(ctx, ref)
		return nil, fmt.Errorf("persist room: %w", err)
	}

	slog.Info("Room created", "room_id", room.ID, "external_ref", ref, "owner_id", ownerID)
	return room, nil
}

// Get returns a room or *domain.NotFoundError.
func (m *Manager) Get(ctx context.Context, roomID string) (*domain.Room, error) {
	room, err := m.repo.GetRoom(ctx, roomID)
	if err != nil {
		return nil, fmt.Errorf("get room: %w", err)
	}
	if room == nil {
		return nil, &domain.NotFoundError{Resource: "room", ID: roomID}
	}
	return room, nil
}

// GetByRef returns the room paired with a backend reference or *domain.NotFoundError.
func (m *Manager) GetByRef(ctx context.Context, ref string) (*domain.Room, error) {
	room, err := m.repo.GetRoomByExternalRef(ctx, ref)
	if err != nil {
		return nil, fmt.Errorf("get room by ref: %w", err)
	}
	if room == nil {
		return nil, &domain.NotFoundError{Resource: "room", ID: ref}
	}
	return room, nil
}

// ListByOwner returns the owner's rooms, newest first.
func (m *Manager) ListByOwner(ctx context.Context, ownerID string) ([]*domain.Room, error) {
	list, err := m.repo.ListRoomsByOwner(ctx, ownerID)
	if err != nil {
		return nil, fmt.Errorf("list rooms: %w", err)
	}
	if list == nil {
		list = []*domain.Room{}
	}
	return list, nil
}

// End marks the room ended, then tears down the backend room. Ending an
// ended room is a no-op. Teardown failures are logged, never returned.
func (m *Manager) End(ctx context.Context, roomID string) error {
	room, changed, err := m.markEnded(ctx, roomID)
	if err != nil {
		return err
	}
	if !changed {
		return nil
	}
	m.runHooks(ctx, room)
	m.teardown(ctx, room.ExternalRoomRef)
	slog.Info("Room ended", "room_id", room.ID, "external_ref", room.ExternalRoomRef)
	return nil
}

// FinishByRef handles the backend reporting that a room closed on its own.
// Unknown refs are ignored and no teardown is attempted.
func (m *Manager) FinishByRef(ctx context.Context, ref string) error {
	existing, err := m.repo.GetRoomByExternalRef(ctx, ref)
	if err != nil {
		return fmt.Errorf("get room by ref: %w", err)
	}
	if existing == nil {
		slog.Debug("Ignoring finish for unknown room", "external_ref", ref)
		return nil
	}
	room, changed, err := m.markEnded(ctx, existing.ID)
	if err != nil {
		return err
	}
	if changed {
		m.runHooks(ctx, room)
		slog.Info("Room finished by backend", "room_id", room.ID, "external_ref", ref)
	}
	return nil
}

func (m *Manager) markEnded(ctx context.Context, roomID string) (*domain.Room, bool, error) {
	current, err := m.Get(ctx, roomID)
	if err != nil {
		return nil, false, err
	}
	if !current.IsActive() {
		return current, false, nil
	}

	at := m.now()
	room, changed, err := m.repo.EndRoom(ctx, roomID, at)
	if err != nil {
		return nil, false, fmt.Errorf("end room: %w", err)
	}
	if room == nil {
		return nil, false, &domain.NotFoundError{Resource: "room", ID: roomID}
	}
	// A concurrent end may have won; only the caller that moved the row runs hooks.
	return room, changed, nil
}

func (m *Manager) runHooks(ctx context.Context, room *domain.Room) {
	m.mu.RLock()
	hooks := append([]EndHook(nil), m.hooks...)
	m.mu.RUnlock()
	for _, hook := range hooks {
		hook(ctx, room)
	}
}

func (m *Manager) teardown(ctx context.Context, ref string) {
	err := m.backend.DeleteRoom(ctx, ref)
	var cerr *domain.ConfigurationError
	switch {
	case err == nil:
	case errors.Is(err, livekit.ErrRoomNotFound):
		slog.Debug("Backend room already gone", "external_ref", ref)
	case errors.As(err, &cerr):
		slog.Warn("Skipping backend teardown, media backend not configured", "external_ref", ref)
	default:
		slog.Error("Failed to tear down backend room", "error", err, "external_ref", ref)
	}
}
