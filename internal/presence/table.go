// Package presence derives the agent status shown to clients from backend
// lifecycle events and local user actions.
package presence

import (
	"fmt"

	"github.com/ashureev/agentroom/internal/domain"
)

// Trigger is an input to the presence state machine.
type Trigger string

const (
	TriggerConnected       Trigger = "connected"
	TriggerDisconnected    Trigger = "disconnected"
	TriggerAgentJoined     Trigger = "agent_joined"
	TriggerMicEnabled      Trigger = "mic_enabled"
	TriggerMicDisabled     Trigger = "mic_disabled"
	TriggerMessageSent     Trigger = "message_sent"
	TriggerThinkingElapsed Trigger = "thinking_elapsed"
	TriggerSpeakingElapsed Trigger = "speaking_elapsed"
	TriggerAudioPlayback   Trigger = "audio_playback"

	// TriggerSessionReset restarts a room's agent session at initializing.
	// It bypasses the table and is not accepted by ParseTrigger.
	TriggerSessionReset Trigger = "session_reset"
)

// ParseTrigger validates a trigger name.
func ParseTrigger(s string) (Trigger, error) {
	t := Trigger(s)
	if _, ok := targets[t]; !ok {
		return "", fmt.Errorf("unknown trigger %q", s)
	}
	return t, nil
}

// Internal reports whether the trigger is produced by the machine's own timers.
func (t Trigger) Internal() bool {
	return t == TriggerThinkingElapsed || t == TriggerSpeakingElapsed
}

// Table maps a state and trigger to the next state. ok is false when the
// trigger is not accepted from the current state.
type Table interface {
	Next(from domain.AgentStatus, trigger Trigger) (to domain.AgentStatus, ok bool)
}

var targets = map[Trigger]domain.AgentStatus{
	TriggerConnected:       domain.AgentListening,
	TriggerDisconnected:    domain.AgentIdle,
	TriggerAgentJoined:     domain.AgentListening,
	TriggerMicEnabled:      domain.AgentListening,
	TriggerMicDisabled:     domain.AgentIdle,
	TriggerMessageSent:     domain.AgentThinking,
	TriggerThinkingElapsed: domain.AgentSpeaking,
	TriggerSpeakingElapsed: domain.AgentListening,
	TriggerAudioPlayback:   domain.AgentSpeaking,
}

// UngatedTable maps every trigger to its target regardless of the source
// state. Last event wins.
type UngatedTable struct{}

// Next implements Table.
func (UngatedTable) Next(_ domain.AgentStatus, trigger Trigger) (domain.AgentStatus, bool) {
	to, ok := targets[trigger]
	return to, ok
}

// GuardedTable only accepts triggers from the source states where they make
// sense. Backend-reported disconnect, agent join and audio playback are
// accepted from any state.
type GuardedTable struct{}

var sources = map[Trigger][]domain.AgentStatus{
	// Idle is allowed so a client can recover after a disconnect.
	TriggerConnected:       {domain.AgentInitializing, domain.AgentIdle},
	TriggerMicEnabled:      {domain.AgentListening, domain.AgentIdle},
	TriggerMicDisabled:     {domain.AgentListening, domain.AgentIdle},
	TriggerMessageSent:     {domain.AgentListening},
	TriggerThinkingElapsed: {domain.AgentThinking},
	TriggerSpeakingElapsed: {domain.AgentSpeaking},
}

// Next implements Table.
func (GuardedTable) Next(from domain.AgentStatus, trigger Trigger) (domain.AgentStatus, bool) {
	to, ok := targets[trigger]
	if !ok {
		return "", false
	}
	allowed, guarded := sources[trigger]
	if !guarded {
		return to, true
	}
	for _, s := range allowed {
		if s == from {
			return to, true
		}
	}
	return "", false
}
