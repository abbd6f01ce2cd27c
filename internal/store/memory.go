package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/ashureev/agentroom/internal/domain"
)

// MemoryStore implements Repository with in-process maps. Data does not
// survive a restart.
type MemoryStore struct {
	mu       sync.RWMutex
	users    map[string]*domain.User
	rooms    map[string]*domain.Room
	refs     map[string]string // external ref -> room ID; never released
	messages map[string][]*domain.Message
	sessions map[string]*domain.AgentSession
}

// NewMemory creates an empty volatile repository.
func NewMemory() *MemoryStore {
	return &MemoryStore{
		users:    make(map[string]*domain.User),
		rooms:    make(map[string]*domain.Room),
		refs:     make(map[string]string),
		messages: make(map[string][]*domain.Message),
		sessions: make(map[string]*domain.AgentSession),
	}
}

// Ping always succeeds.
func (s *MemoryStore) Ping(context.Context) error { return nil }

// Close is a no-op.
func (s *MemoryStore) Close() error { return nil }

// UpsertUser creates a user or refreshes its last_seen_at.
func (s *MemoryStore) UpsertUser(_ context.Context, user *domain.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.users[user.ID]; ok {
		existing.Username = user.Username
		existing.LastSeenAt = user.LastSeenAt
		return nil
	}
	u := *user
	s.users[user.ID] = &u
	return nil
}

// GetUser retrieves a user by ID.
func (s *MemoryStore) GetUser(_ context.Context, userID string) (*domain.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	u, ok := s.users[userID]
	if !ok {
		return nil, nil
	}
	c := *u
	return &c, nil
}

// CreateRoom persists a new room.
func (s *MemoryStore) CreateRoom(_ context.Context, room *domain.Room) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, taken := s.refs[room.ExternalRoomRef]; taken {
		return ErrDuplicateRef
	}
	if room.OwnerID != "" {
		if _, ok := s.users[room.OwnerID]; !ok {
			return errUnknownOwner(room.OwnerID)
		}
	}
	s.rooms[room.ID] = copyRoom(room)
	s.refs[room.ExternalRoomRef] = room.ID
	return nil
}

// GetRoom retrieves a room by ID.
func (s *MemoryStore) GetRoom(_ context.Context, roomID string) (*domain.Room, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.rooms[roomID]
	if !ok {
		return nil, nil
	}
	return copyRoom(r), nil
}

// GetRoomByExternalRef retrieves a room by its media backend reference.
func (s *MemoryStore) GetRoomByExternalRef(_ context.Context, ref string) (*domain.Room, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.refs[ref]
	if !ok {
		return nil, nil
	}
	return copyRoom(s.rooms[id]), nil
}

// ListRoomsByOwner returns the owner's rooms, newest first.
func (s *MemoryStore) ListRoomsByOwner(_ context.Context, ownerID string) ([]*domain.Room, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*domain.Room
	for _, r := range s.rooms {
		if r.OwnerID == ownerID {
			result = append(result, copyRoom(r))
		}
	}
	sort.SliceStable(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	return result, nil
}

// ListActiveRoomsBefore returns active rooms created before the cutoff.
func (s *MemoryStore) ListActiveRoomsBefore(_ context.Context, cutoff time.Time) ([]*domain.Room, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*domain.Room
	for _, r := range s.rooms {
		if r.IsActive() && r.CreatedAt.Before(cutoff) {
			result = append(result, copyRoom(r))
		}
	}
	sort.SliceStable(result, func(i, j int) bool {
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result, nil
}

// EndRoom marks a room ended if it is still active.
func (s *MemoryStore) EndRoom(_ context.Context, roomID string, at time.Time) (*domain.Room, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.rooms[roomID]
	if !ok {
		return nil, false, nil
	}
	changed := r.IsActive()
	r.MarkEnded(at)
	return copyRoom(r), changed, nil
}

// AppendMessage persists an immutable message. Slice order is insertion order.
func (s *MemoryStore) AppendMessage(_ context.Context, msg *domain.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.rooms[msg.RoomID]; !ok {
		return errUnknownRoom(msg.RoomID)
	}
	s.messages[msg.RoomID] = append(s.messages[msg.RoomID], msg.Clone())
	return nil
}

// ListMessages returns a room's messages ordered by created_at, ties in insertion order.
func (s *MemoryStore) ListMessages(_ context.Context, roomID string) ([]*domain.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stored := s.messages[roomID]
	result := make([]*domain.Message, len(stored))
	for i, m := range stored {
		result[i] = m.Clone()
	}
	sort.SliceStable(result, func(i, j int) bool {
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result, nil
}

// GetAgentSession retrieves the current agent session for a room.
func (s *MemoryStore) GetAgentSession(_ context.Context, roomID string) (*domain.AgentSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sess, ok := s.sessions[roomID]
	if !ok {
		return nil, nil
	}
	return copySession(sess), nil
}

// UpsertAgentSession creates or replaces the current agent session for a room.
// The session ID of the first record for a room is kept.
func (s *MemoryStore) UpsertAgentSession(_ context.Context, session *domain.AgentSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.rooms[session.RoomID]; !ok {
		return errUnknownRoom(session.RoomID)
	}
	c := copySession(session)
	if existing, ok := s.sessions[session.RoomID]; ok {
		c.ID = existing.ID
	}
	s.sessions[session.RoomID] = c
	return nil
}

func copyRoom(r *domain.Room) *domain.Room {
	c := *r
	if r.EndedAt != nil {
		t := *r.EndedAt
		c.EndedAt = &t
	}
	return &c
}

func copySession(s *domain.AgentSession) *domain.AgentSession {
	c := *s
	if s.Metadata != nil {
		c.Metadata = append([]byte(nil), s.Metadata...)
	}
	return &c
}
