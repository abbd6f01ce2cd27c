package timeline

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// DefaultTaskTimeout bounds a fired task.
const DefaultTaskTimeout = 10 * time.Second

// Scheduler runs delayed tasks keyed by room. Pending and running tasks of a
// room can be canceled together.
type Scheduler struct {
	timeout time.Duration

	mu     sync.Mutex
	next   uint64
	tasks  map[string]map[uint64]*task
	closed bool
	wg     sync.WaitGroup
}

type task struct {
	timer    *time.Timer
	cancel   context.CancelFunc
	canceled bool
}

// NewScheduler creates a scheduler whose tasks each get taskTimeout to run.
func NewScheduler(taskTimeout time.Duration) *Scheduler {
	if taskTimeout <= 0 {
		taskTimeout = DefaultTaskTimeout
	}
	return &Scheduler{
		timeout: taskTimeout,
		tasks:   make(map[string]map[uint64]*task),
	}
}

// Schedule runs fn after delay, detached from the caller. It reports false if
// the scheduler is closed.
func (s *Scheduler) Schedule(roomID string, delay time.Duration, fn func(ctx context.Context)) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}

	s.next++
	id := s.next
	t := &task{}
	if _, ok := s.tasks[roomID]; !ok {
		s.tasks[roomID] = make(map[uint64]*task)
	}
	s.tasks[roomID][id] = t
	s.wg.Add(1)
	t.timer = time.AfterFunc(delay, func() { s.fire(roomID, id, t, fn) })
	return true
}

func (s *Scheduler) fire(roomID string, id uint64, t *task, fn func(ctx context.Context)) {
	defer s.wg.Done()

	s.mu.Lock()
	if t.canceled {
		s.mu.Unlock()
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	t.cancel = cancel
	s.mu.Unlock()

	defer func() {
		cancel()
		s.mu.Lock()
		s.remove(roomID, id)
		s.mu.Unlock()
	}()
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Scheduled task panicked", "room_id", roomID, "panic", r)
		}
	}()
	fn(ctx)
}

// remove must be called with s.mu held.
func (s *Scheduler) remove(roomID string, id uint64) {
	if room, ok := s.tasks[roomID]; ok {
		delete(room, id)
		if len(room) == 0 {
			delete(s.tasks, roomID)
		}
	}
}

// CancelRoom cancels every pending or running task for the room and returns
// how many were canceled.
func (s *Scheduler) CancelRoom(roomID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := s.cancelLocked(roomID)
	if n > 0 {
		slog.Debug("Canceled scheduled tasks", "room_id", roomID, "count", n)
	}
	return n
}

func (s *Scheduler) cancelLocked(roomID string) int {
	room := s.tasks[roomID]
	for _, t := range room {
		t.canceled = true
		if t.timer.Stop() {
			s.wg.Done()
		}
		if t.cancel != nil {
			t.cancel()
		}
	}
	delete(s.tasks, roomID)
	return len(room)
}

// Pending returns the number of tasks not yet finished for the room.
func (s *Scheduler) Pending(roomID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tasks[roomID])
}

// Close cancels all tasks and waits for running ones to return.
func (s *Scheduler) Close() {
	s.mu.Lock()
	s.closed = true
	total := 0
	for roomID := range s.tasks {
		total += s.cancelLocked(roomID)
	}
	s.mu.Unlock()

	s.wg.Wait()
	slog.Info("Scheduler stopped", "canceled", total)
}
