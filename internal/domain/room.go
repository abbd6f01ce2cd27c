package domain

import (
	"time"
)

// RoomStatus is the lifecycle state of a room. Transitions are active -> ended only.
type RoomStatus string

const (
	RoomActive RoomStatus = "active"
	RoomEnded  RoomStatus = "ended"
)

// Room is one conversation, paired 1:1 with a room on the media backend.
type Room struct {
	ID              string     `json:"id"`
	Name            string     `json:"name"`
	ExternalRoomRef string     `json:"externalRoomRef"`
	Status          RoomStatus `json:"status"`
	OwnerID         string     `json:"ownerId,omitempty"`
	CreatedAt       time.Time  `json:"createdAt"`
	EndedAt         *time.Time `json:"endedAt"`
}

// IsActive reports whether the room has not been ended.
func (r *Room) IsActive() bool {
	return r.Status == RoomActive
}

// MarkEnded moves the room to ended. It reports false, leaving EndedAt
// untouched, if the room had already ended.
func (r *Room) MarkEnded(at time.Time) bool {
	if r.Status == RoomEnded {
		return false
	}
	r.Status = RoomEnded
	r.EndedAt = &at
	return true
}
