package rooms

import (
	"context"
	"log/slog"
	"time"
)

// DefaultSweepInterval is how often the sweeper looks for stale rooms.
const DefaultSweepInterval = 5 * time.Minute

// StartSweeper runs a background goroutine that periodically ends active
// rooms older than maxAge. A non-positive maxAge disables it.
func (m *Manager) StartSweeper(ctx context.Context, interval, maxAge time.Duration) {
	if maxAge <= 0 {
		slog.Info("Room sweeper disabled")
		return
	}
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		slog.Info("Room sweeper started", "interval", interval, "max_age", maxAge)

		for {
			select {
			case <-ticker.C:
				m.Sweep(ctx, maxAge)
			case <-ctx.Done():
				slog.Info("Room sweeper shutting down", "reason", ctx.Err())
				return
			}
		}
	}()
}

// Sweep ends every active room created more than maxAge ago and returns how
// many it ended.
func (m *Manager) Sweep(ctx context.Context, maxAge time.Duration) int {
	stale, err := m.repo.ListActiveRoomsBefore(ctx, m.now().Add(-maxAge))
	if err != nil {
		slog.Error("Room sweeper failed to list stale rooms", "error", err)
		return 0
	}
	if len(stale) == 0 {
		return 0
	}

	slog.Info("Room sweeper found stale rooms", "count", len(stale))
	ended := 0
	for _, room := range stale {
		if ctx.Err() != nil {
			break
		}
		if err := m.End(ctx, room.ID); err != nil {
			slog.Error("Room sweeper failed to end room", "error", err, "room_id", room.ID)
			continue
		}
		ended++
	}
	slog.Info("Room sweeper cleanup completed", "ended", ended)
	return ended
}
