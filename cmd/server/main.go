// AgentRoom - real-time conversational room server
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ashureev/agentroom/internal/api"
	"github.com/ashureev/agentroom/internal/config"
	"github.com/ashureev/agentroom/internal/domain"
	"github.com/ashureev/agentroom/internal/identity"
	"github.com/ashureev/agentroom/internal/livekit"
	"github.com/ashureev/agentroom/internal/middleware"
	"github.com/ashureev/agentroom/internal/presence"
	"github.com/ashureev/agentroom/internal/rooms"
	"github.com/ashureev/agentroom/internal/store"
	"github.com/ashureev/agentroom/internal/stream"
	"github.com/ashureev/agentroom/internal/timeline"
	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
)

func main() {
	slog.SetDefault(newLogger(slog.LevelInfo))

	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}
	slog.SetDefault(newLogger(cfg.LogLevel))

	slog.Info("Starting server", "port", cfg.Port, "dev", cfg.IsDevelopment())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Initialize dependencies.
	repo, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		slog.Error("Failed to initialize database", "error", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := repo.Close(); closeErr != nil {
			slog.Error("Failed to close repository", "error", closeErr)
		}
	}()

	if err := repo.Ping(ctx); err != nil {
		slog.Error("Database health check failed", "error", err)
		os.Exit(1)
	}
	slog.Info("Database connected")

	creds := livekit.Credentials{
		URL:       cfg.LiveKit.URL,
		APIKey:    cfg.LiveKit.APIKey,
		APISecret: cfg.LiveKit.APISecret,
	}
	if missing := cfg.LiveKitMissing(); len(missing) > 0 {
		slog.Warn("Media backend not configured, room and token endpoints will return 503", "missing", missing)
	} else {
		slog.Info("Media backend configured", "url", cfg.LiveKit.URL)
	}

	// Initialize services.
	hub := stream.NewHub(0)
	scheduler := timeline.NewScheduler(timeline.DefaultTaskTimeout)
	defer scheduler.Close()

	messages := timeline.NewService(repo, scheduler, hub, timeline.Options{
		ReplyDelay:      cfg.Responder.ReplyDelay,
		ImageReplyDelay: cfg.Responder.ImageReplyDelay,
	})
	agentPresence := presence.NewManager(repo, hub, presence.Options{
		ThinkingDelay: cfg.Presence.ThinkingDelay,
		SpeakingDelay: cfg.Presence.SpeakingDelay,
	})
	defer agentPresence.Close()
	messages.AddObserver(agentPresence)

	roomMgr := rooms.NewManager(repo, livekit.NewTwirpClient(creds, cfg.LiveKit.Timeout, nil), rooms.Options{
		IdleTimeout:     cfg.Rooms.IdleTimeout,
		MaxParticipants: cfg.Rooms.MaxParticipants,
	})
	roomMgr.OnEnd(func(_ context.Context, room *domain.Room) {
		canceled := messages.CancelReplies(room.ID)
		agentPresence.Stop(room.ID)
		hub.CloseRoom(room.ID)
		slog.Debug("Room resources released", "room_id", room.ID, "replies_canceled", canceled)
	})

	limiter := middleware.NewRateLimiter(cfg.Messages.RatePerMinute)
	defer limiter.Stop()

	// Initialize handlers.
	handler := api.NewHandler(api.Deps{
		Rooms:               roomMgr,
		Issuer:              livekit.NewIssuer(creds, cfg.LiveKit.TokenTTL),
		Timeline:            messages,
		Presence:            agentPresence,
		Hub:                 hub,
		Stream:              stream.NewHandler(hub, cfg.FrontendURL, cfg.IsDevelopment()),
		Webhooks:            livekit.NewWebhookVerifier(creds),
		Limiter:             limiter,
		MaxImageBytes:       cfg.Messages.MaxImageBytes,
		AgentIdentityMarker: cfg.LiveKit.AgentIdentityMarker,
	})
	healthHandler := api.NewHealthHandler(repo, creds.Configured())

	// Setup router.
	r := chi.NewRouter()

	// Global middleware.
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/ping"))
	r.Use(middleware.CORS(cfg.AllowedOrigins()))

	// Public routes.
	healthHandler.RegisterHealth(r)
	handler.RegisterWebhooks(r)

	// Everything else carries an anonymous identity.
	r.Group(func(r chi.Router) {
		r.Use(identity.Middleware(repo, cfg.IsDevelopment()))
		handler.RegisterRoutes(r)
	})

	// Create server.
	// Note: event streams are long-lived websockets (no WriteTimeout).
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}

	roomMgr.StartSweeper(ctx, cfg.Rooms.SweepInterval, cfg.Rooms.MaxAge)

	// Start server.
	go func() {
		slog.Info("Server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Server failed", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for shutdown signal.
	<-ctx.Done()
	stop()

	slog.Info("Shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
		return
	}

	slog.Info("Server stopped successfully")
}

func newLogger(level slog.Level) *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
}
