// Package syncclient keeps a client-side view of a room in sync with the
// server by merging timeline polls with the push event stream.
package syncclient

import (
	"bytes"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/ashureev/agentroom/internal/domain"
	"github.com/ashureev/agentroom/internal/stream"
)

// State is a point-in-time copy of a View.
type State struct {
	Messages     []*domain.Message
	Status       domain.AgentStatus
	StatusAt     time.Time
	Connection   string
	Ended        bool
	LastEventID  int64
	SnapshotSeen bool
}

// View merges two independent inputs. Timeline snapshots replace the message
// list wholesale. Presence and connection events overwrite the previous value
// in arrival order.
type View struct {
	mu       sync.Mutex
	state    State
	snapshot [sha256.Size]byte // digest of the last compacted snapshot
}

// NewView creates a view with the agent idle.
func NewView() *View {
	return &View{state: State{Status: domain.AgentIdle}}
}

// ApplySnapshot replaces the message list with a GET /messages response. It
// reports false when the snapshot is identical to the last one applied.
func (v *View) ApplySnapshot(raw []byte) (bool, error) {
	var compact bytes.Buffer
	if err := json.Compact(&compact, raw); err != nil {
		return false, fmt.Errorf("invalid snapshot: %w", err)
	}
	var msgs []*domain.Message
	if err := json.Unmarshal(compact.Bytes(), &msgs); err != nil {
		return false, fmt.Errorf("decode snapshot: %w", err)
	}

	digest := sha256.Sum256(compact.Bytes())

	v.mu.Lock()
	defer v.mu.Unlock()
	if v.state.SnapshotSeen && v.snapshot == digest {
		return false, nil
	}
	v.snapshot = digest
	v.state.Messages = msgs
	v.state.SnapshotSeen = true
	return true, nil
}

type presencePayload struct {
	Status       domain.AgentStatus `json:"status"`
	LastActivity time.Time          `json:"lastActivity"`
}

type connectionPayload struct {
	State string `json:"state"`
}

// ApplyEvent merges one pushed event. It reports whether the view changed.
// Message events carry only a hint and never change the view; the caller
// refreshes the timeline instead.
func (v *View) ApplyEvent(event stream.Event) (bool, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if event.ID > v.state.LastEventID {
		v.state.LastEventID = event.ID
	}

	switch event.Type {
	case stream.EventPresence:
		var p presencePayload
		if err := json.Unmarshal(event.Data, &p); err != nil {
			return false, fmt.Errorf("decode presence event %d: %w", event.ID, err)
		}
		if !p.Status.Valid() {
			return false, fmt.Errorf("presence event %d: unknown status %q", event.ID, p.Status)
		}
		changed := v.state.Status != p.Status
		v.state.Status = p.Status
		v.state.StatusAt = p.LastActivity
		return changed, nil
	case stream.EventConnection:
		var c connectionPayload
		if err := json.Unmarshal(event.Data, &c); err != nil {
			return false, fmt.Errorf("decode connection event %d: %w", event.ID, err)
		}
		changed := v.state.Connection != c.State
		v.state.Connection = c.State
		return changed, nil
	case stream.EventRoomEnded:
		changed := !v.state.Ended
		v.state.Ended = true
		return changed, nil
	default:
		return false, nil
	}
}

// LastEventID returns the highest event ID applied, for stream resumption.
func (v *View) LastEventID() int64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.state.LastEventID
}

// State returns a copy of the view.
func (v *View) State() State {
	v.mu.Lock()
	defer v.mu.Unlock()
	s := v.state
	s.Messages = make([]*domain.Message, len(v.state.Messages))
	for i, m := range v.state.Messages {
		s.Messages[i] = m.Clone()
	}
	return s
}
