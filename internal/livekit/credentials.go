// Package livekit adapts the LiveKit media backend: room provisioning over
// its Twirp JSON API, scoped access tokens, and signed webhooks.
package livekit

import (
	"strings"

	"github.com/ashureev/agentroom/internal/domain"
)

// Credentials identify the media backend and sign tokens for it.
type Credentials struct {
	URL       string // client-facing websocket URL, e.g. wss://example.livekit.cloud
	APIKey    string
	APISecret string
}

// Missing lists the configuration variables that are not set.
func (c Credentials) Missing() []string {
	var missing []string
	if c.URL == "" {
		missing = append(missing, "LIVEKIT_URL")
	}
	if c.APIKey == "" {
		missing = append(missing, "LIVEKIT_API_KEY")
	}
	if c.APISecret == "" {
		missing = append(missing, "LIVEKIT_API_SECRET")
	}
	return missing
}

// Configured reports whether every credential is present.
func (c Credentials) Configured() bool {
	return len(c.Missing()) == 0
}

func (c Credentials) configError() error {
	if missing := c.Missing(); len(missing) > 0 {
		return &domain.ConfigurationError{Missing: missing}
	}
	return nil
}

// apiBaseURL converts the websocket URL into the HTTP base used for server APIs.
func (c Credentials) apiBaseURL() string {
	u := strings.TrimRight(c.URL, "/")
	switch {
	case strings.HasPrefix(u, "wss://"):
		return "https://" + strings.TrimPrefix(u, "wss://")
	case strings.HasPrefix(u, "ws://"):
		return "http://" + strings.TrimPrefix(u, "ws://")
	default:
		return u
	}
}
