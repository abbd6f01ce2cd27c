// Package stream fans out per-room events to push subscribers, with event
// IDs and a bounded per-room backlog for replay after reconnect.
package stream

import (
	"container/list"
	"encoding/json"
	"log/slog"
	"sync"
	"time"
)

// EventType identifies the payload carried by an Event.
type EventType string

const (
	// EventMessage hints that the room's timeline changed.
	EventMessage EventType = "message"
	// EventPresence carries an agent status change.
	EventPresence EventType = "presence"
	// EventConnection carries a client-reported connection state change.
	EventConnection EventType = "connection"
	// EventRoomEnded is the last event a room publishes.
	EventRoomEnded EventType = "room_ended"
)

const (
	defaultBacklog   = 100
	subscriberBuffer = 64
)

// Event is one push notification for a room. IDs increase across the hub.
type Event struct {
	ID     int64           `json:"id"`
	RoomID string          `json:"roomId"`
	Type   EventType       `json:"type"`
	Data   json.RawMessage `json:"data,omitempty"`
	At     time.Time       `json:"at"`
}

// Subscription receives a room's events until it is closed. C is closed
// when the hub drops the subscriber.
type Subscription struct {
	ID     int64
	RoomID string
	C      <-chan Event

	ch   chan Event
	once sync.Once
}

func (s *Subscription) close() {
	s.once.Do(func() { close(s.ch) })
}

// Hub is a per-room publish/subscribe registry.
type Hub struct {
	mu         sync.RWMutex
	nextEvent  int64
	nextSub    int64
	backlogs   map[string]*list.List // roomID -> Event
	subs       map[string]map[int64]*Subscription
	closed     map[string]Event // roomID -> final room_ended event
	maxBacklog int
}

// NewHub creates a hub keeping the last maxBacklog events per room.
func NewHub(maxBacklog int) *Hub {
	if maxBacklog <= 0 {
		maxBacklog = defaultBacklog
	}
	return &Hub{
		backlogs:   make(map[string]*list.List),
		subs:       make(map[string]map[int64]*Subscription),
		closed:     make(map[string]Event),
		maxBacklog: maxBacklog,
	}
}

// Publish assigns the next event ID, records the event for replay and
// delivers it to the room's subscribers. A subscriber whose buffer is full is
// dropped; it recovers by resubscribing with its last event ID. Publishing to
// a closed room is a no-op and returns the zero Event.
func (h *Hub) Publish(roomID string, typ EventType, data any) Event {
	var raw json.RawMessage
	if data != nil {
		encoded, err := json.Marshal(data)
		if err != nil {
			slog.Error("Failed to marshal stream event", "error", err, "room_id", roomID, "type", typ)
		} else {
			raw = encoded
		}
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.closed[roomID]; ok {
		slog.Debug("Dropping event for closed room", "room_id", roomID, "type", typ)
		return Event{}
	}
	return h.publishLocked(roomID, typ, raw)
}

func (h *Hub) publishLocked(roomID string, typ EventType, raw json.RawMessage) Event {
	h.nextEvent++
	event := Event{ID: h.nextEvent, RoomID: roomID, Type: typ, Data: raw, At: time.Now().UTC()}

	l, ok := h.backlogs[roomID]
	if !ok {
		l = list.New()
		h.backlogs[roomID] = l
	}
	l.PushBack(event)
	for l.Len() > h.maxBacklog {
		l.Remove(l.Front())
	}

	for id, sub := range h.subs[roomID] {
		select {
		case sub.ch <- event:
		default:
			slog.Warn("Dropping slow stream subscriber", "room_id", roomID, "sub_id", id)
			delete(h.subs[roomID], id)
			sub.close()
		}
	}
	return event
}

// Subscribe registers a subscriber and returns the backlog after afterID.
// Registration and the backlog snapshot are atomic, so no event is both
// missed and undelivered. On a closed room the subscription is already
// closed and the backlog is the final room_ended event, whatever afterID is.
func (h *Hub) Subscribe(roomID string, afterID int64) (*Subscription, []Event) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.nextSub++
	if final, ok := h.closed[roomID]; ok {
		ch := make(chan Event)
		sub := &Subscription{ID: h.nextSub, RoomID: roomID, C: ch, ch: ch}
		sub.close()
		return sub, []Event{final}
	}

	var missed []Event
	if l, ok := h.backlogs[roomID]; ok && afterID > 0 {
		for e := l.Front(); e != nil; e = e.Next() {
			event := e.Value.(Event)
			if event.ID > afterID {
				missed = append(missed, event)
			}
		}
	}

	ch := make(chan Event, subscriberBuffer)
	sub := &Subscription{ID: h.nextSub, RoomID: roomID, C: ch, ch: ch}
	if _, ok := h.subs[roomID]; !ok {
		h.subs[roomID] = make(map[int64]*Subscription)
	}
	h.subs[roomID][sub.ID] = sub
	return sub, missed
}

// Unsubscribe removes a subscriber and closes its channel.
func (h *Hub) Unsubscribe(sub *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if subs, ok := h.subs[sub.RoomID]; ok {
		delete(subs, sub.ID)
		if len(subs) == 0 {
			delete(h.subs, sub.RoomID)
		}
	}
	sub.close()
}

// CloseRoom publishes a final room_ended event, disconnects the room's
// subscribers and frees its backlog. Only the final event is kept, so later
// subscribers learn the room ended. Closing a closed room is a no-op.
func (h *Hub) CloseRoom(roomID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.closed[roomID]; ok {
		return
	}
	h.closed[roomID] = h.publishLocked(roomID, EventRoomEnded, nil)
	for _, sub := range h.subs[roomID] {
		sub.close()
	}
	delete(h.subs, roomID)
	delete(h.backlogs, roomID)
}

// Subscribers returns the number of live subscribers for a room.
func (h *Hub) Subscribers(roomID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[roomID])
}
