// Package domain contains core domain types for the agentroom service.
package domain

import (
	"time"
)

// User is the anonymous per-device identity that owns rooms.
type User struct {
	ID         string    `json:"id"`
	Username   string    `json:"username"`
	LastSeenAt time.Time `json:"lastSeenAt"`
	CreatedAt  time.Time `json:"createdAt"`
}
