// Package config provides application configuration.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration.
type Config struct {
	Port        string
	FrontendURL string
	DatabaseURL string
	LogLevel    slog.Level

	LiveKit   LiveKitConfig
	Rooms     RoomsConfig
	Responder ResponderConfig
	Presence  PresenceConfig
	Messages  MessagesConfig
}

// LiveKitConfig identifies the media backend. Any empty credential leaves
// room and token endpoints unavailable.
type LiveKitConfig struct {
	URL       string
	APIKey    string
	APISecret string
	Timeout   time.Duration
	TokenTTL  time.Duration
	// AgentIdentityMarker identifies the automated participant in webhooks.
	AgentIdentityMarker string
}

// RoomsConfig bounds provisioned rooms and the stale room sweeper.
type RoomsConfig struct {
	IdleTimeout     time.Duration
	MaxParticipants int
	MaxAge          time.Duration
	SweepInterval   time.Duration
}

// ResponderConfig sets the simulated reply latency.
type ResponderConfig struct {
	ReplyDelay      time.Duration
	ImageReplyDelay time.Duration
}

// PresenceConfig sets the simulated thinking/speaking cycle.
type PresenceConfig struct {
	ThinkingDelay time.Duration
	SpeakingDelay time.Duration
}

// MessagesConfig limits message intake.
type MessagesConfig struct {
	MaxImageBytes int64
	RatePerMinute int
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	frontend := getEnv("FRONTEND_URL", "")
	if frontend == "" {
		frontend = getEnv("FRONTENDURL", "")
	}

	cfg := &Config{
		Port:        getEnv("PORT", "5000"),
		FrontendURL: frontend,
		DatabaseURL: strings.TrimSpace(getEnv("DATABASE_URL", "")),
		LogLevel:    getEnvLevel("LOG_LEVEL", slog.LevelInfo),
		LiveKit: LiveKitConfig{
			URL:                 strings.TrimSpace(getEnv("LIVEKIT_URL", "")),
			APIKey:              strings.TrimSpace(getEnv("LIVEKIT_API_KEY", "")),
			APISecret:           strings.TrimSpace(getEnv("LIVEKIT_API_SECRET", "")),
			Timeout:             getEnvDuration("LIVEKIT_TIMEOUT", 10*time.Second),
			TokenTTL:            getEnvDuration("TOKEN_TTL", time.Hour),
			AgentIdentityMarker: getEnv("AGENT_IDENTITY_MARKER", "agent"),
		},
		Rooms: RoomsConfig{
			IdleTimeout:     getEnvDuration("ROOM_IDLE_TIMEOUT", 300*time.Second),
			MaxParticipants: getEnvInt("ROOM_MAX_PARTICIPANTS", 10),
			MaxAge:          getEnvDuration("ROOM_MAX_AGE", 24*time.Hour),
			SweepInterval:   getEnvDuration("ROOM_SWEEP_INTERVAL", 5*time.Minute),
		},
		Responder: ResponderConfig{
			ReplyDelay:      getEnvDuration("REPLY_DELAY", 1500*time.Millisecond),
			ImageReplyDelay: getEnvDuration("IMAGE_REPLY_DELAY", 2*time.Second),
		},
		Presence: PresenceConfig{
			ThinkingDelay: getEnvDuration("THINKING_DELAY", time.Second),
			SpeakingDelay: getEnvDuration("SPEAKING_DELAY", 2*time.Second),
		},
		Messages: MessagesConfig{
			MaxImageBytes: int64(getEnvInt("MAX_IMAGE_BYTES", 10<<20)),
			RatePerMinute: getEnvInt("MESSAGE_RATE_PER_MINUTE", 60),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT cannot be empty")
	}
	if c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}
	if c.LiveKit.Timeout <= 0 {
		return fmt.Errorf("LIVEKIT_TIMEOUT must be > 0")
	}
	if c.LiveKit.TokenTTL <= 0 {
		return fmt.Errorf("TOKEN_TTL must be > 0")
	}
	if c.Rooms.IdleTimeout < time.Second {
		return fmt.Errorf("ROOM_IDLE_TIMEOUT must be at least 1s")
	}
	if c.Rooms.MaxParticipants <= 0 {
		return fmt.Errorf("ROOM_MAX_PARTICIPANTS must be > 0")
	}
	if c.Rooms.SweepInterval <= 0 {
		return fmt.Errorf("ROOM_SWEEP_INTERVAL must be > 0")
	}
	if c.Messages.MaxImageBytes <= 0 {
		return fmt.Errorf("MAX_IMAGE_BYTES must be > 0")
	}
	if c.Messages.RatePerMinute <= 0 {
		return fmt.Errorf("MESSAGE_RATE_PER_MINUTE must be > 0")
	}
	return nil
}

// LiveKitMissing lists the unset media backend variables.
func (c *Config) LiveKitMissing() []string {
	var missing []string
	if c.LiveKit.URL == "" {
		missing = append(missing, "LIVEKIT_URL")
	}
	if c.LiveKit.APIKey == "" {
		missing = append(missing, "LIVEKIT_API_KEY")
	}
	if c.LiveKit.APISecret == "" {
		missing = append(missing, "LIVEKIT_API_SECRET")
	}
	return missing
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.FrontendURL == "" ||
		strings.Contains(c.FrontendURL, "localhost") ||
		strings.Contains(c.FrontendURL, "127.0.0.1")
}

// AllowedOrigins returns the CORS origins for the configured frontend.
func (c *Config) AllowedOrigins() []string {
	if c.FrontendURL == "" {
		return []string{"*"}
	}
	return []string{strings.TrimRight(c.FrontendURL, "/")}
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

// getEnvDuration accepts Go durations ("1.5s") or plain seconds ("300").
func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	value = strings.TrimSpace(value)
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if secs, err := strconv.ParseFloat(value, 64); err == nil {
		return time.Duration(secs * float64(time.Second))
	}
	return fallback
}

func getEnvLevel(key string, fallback slog.Level) slog.Level {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.TrimSpace(value))); err != nil {
		return fallback
	}
	return level
}
