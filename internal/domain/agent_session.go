package domain

import (
	"encoding/json"
	"time"
)

// AgentStatus is the presence state of the automated participant.
type AgentStatus string

const (
	AgentInitializing AgentStatus = "initializing"
	AgentListening    AgentStatus = "listening"
	AgentThinking     AgentStatus = "thinking"
	AgentSpeaking     AgentStatus = "speaking"
	AgentIdle         AgentStatus = "idle"
)

// Valid reports whether s is one of the five presence states.
func (s AgentStatus) Valid() bool {
	switch s {
	case AgentInitializing, AgentListening, AgentThinking, AgentSpeaking, AgentIdle:
		return true
	}
	return false
}

// AgentSession stores the current presence state for a room.
type AgentSession struct {
	ID           string          `json:"id"`
	RoomID       string          `json:"roomId"`
	Status       AgentStatus     `json:"status"`
	LastActivity time.Time       `json:"lastActivity"`
	Metadata     json.RawMessage `json:"metadata"`
}
