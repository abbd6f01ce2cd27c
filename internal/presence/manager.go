package presence

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/ashureev/agentroom/internal/domain"
	"github.com/ashureev/agentroom/internal/store"
	"github.com/ashureev/agentroom/internal/stream"
	"github.com/google/uuid"
)

const (
	DefaultThinkingDelay = time.Second
	DefaultSpeakingDelay = 2 * time.Second

	inboxSize    = 16
	storeTimeout = 5 * time.Second
)

// ErrStopped is returned when an event is sent to a manager that has been closed.
var ErrStopped = errors.New("presence manager stopped")

// Publisher receives every applied transition.
type Publisher interface {
	Publish(roomID string, typ stream.EventType, data any) stream.Event
}

// Options configure a Manager. Zero values select the defaults.
type Options struct {
	Table         Table
	ThinkingDelay time.Duration
	SpeakingDelay time.Duration
}

// Change is the payload published for a transition.
type Change struct {
	RoomID       string             `json:"roomId"`
	Status       domain.AgentStatus `json:"status"`
	Previous     domain.AgentStatus `json:"previous"`
	Trigger      Trigger            `json:"trigger"`
	LastActivity time.Time          `json:"lastActivity"`
}

type timer interface {
	Stop() bool
}

// Manager runs one serialized state machine per room.
type Manager struct {
	repo     store.Repository
	pub      Publisher
	table    Table
	thinking time.Duration
	speaking time.Duration

	afterFunc func(time.Duration, func()) timer
	now       func() time.Time

	mu       sync.Mutex
	machines map[string]*machine
	closed   bool
}

// NewManager creates a presence manager.
func NewManager(repo store.Repository, pub Publisher, opts Options) *Manager {
	if opts.Table == nil {
		opts.Table = UngatedTable{}
	}
	if opts.ThinkingDelay <= 0 {
		opts.ThinkingDelay = DefaultThinkingDelay
	}
	if opts.SpeakingDelay <= 0 {
		opts.SpeakingDelay = DefaultSpeakingDelay
	}
	return &Manager{
		repo:      repo,
		pub:       pub,
		table:     opts.Table,
		thinking:  opts.ThinkingDelay,
		speaking:  opts.SpeakingDelay,
		afterFunc: func(d time.Duration, f func()) timer { return time.AfterFunc(d, f) },
		now:       func() time.Time { return time.Now().UTC().Truncate(time.Microsecond) },
		machines:  make(map[string]*machine),
	}
}

// Fire delivers an external trigger to the room's machine and waits for it to
// be applied. It returns the resulting status. A trigger the table rejects
// leaves the status unchanged.
func (m *Manager) Fire(ctx context.Context, roomID string, trigger Trigger) (domain.AgentStatus, error) {
	return m.send(ctx, roomID, trigger)
}

// Reset starts a fresh agent session for the room: any pending cycle is
// dropped and the status returns to initializing. It returns the stored
// session.
func (m *Manager) Reset(ctx context.Context, roomID string) (*domain.AgentSession, error) {
	if _, err := m.send(ctx, roomID, TriggerSessionReset); err != nil {
		return nil, err
	}
	sess, err := m.repo.GetAgentSession(ctx, roomID)
	if err != nil {
		return nil, err
	}
	if sess == nil {
		return nil, errors.New("agent session was not persisted")
	}
	return sess, nil
}

func (m *Manager) send(ctx context.Context, roomID string, trigger Trigger) (domain.AgentStatus, error) {
	mc, err := m.machine(roomID)
	if err != nil {
		return "", err
	}
	reply := make(chan domain.AgentStatus, 1)
	select {
	case mc.inbox <- event{trigger: trigger, reply: reply}:
	case <-mc.done:
		return "", ErrStopped
	case <-ctx.Done():
		return "", ctx.Err()
	}
	select {
	case status := <-reply:
		return status, nil
	case <-mc.done:
		return "", ErrStopped
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// MessageAppended starts the simulated thinking cycle for user messages.
func (m *Manager) MessageAppended(ctx context.Context, msg *domain.Message) {
	if msg.Sender != domain.SenderUser {
		return
	}
	if msg.Type != domain.MessageText && msg.Type != domain.MessageImage {
		return
	}
	if _, err := m.Fire(ctx, msg.RoomID, TriggerMessageSent); err != nil {
		slog.Warn("Failed to apply message presence trigger", "error", err, "room_id", msg.RoomID)
	}
}

// Status returns the persisted agent session, or an idle session when the
// room has none.
func (m *Manager) Status(ctx context.Context, roomID string) (*domain.AgentSession, error) {
	sess, err := m.repo.GetAgentSession(ctx, roomID)
	if err != nil {
		return nil, err
	}
	if sess == nil {
		return &domain.AgentSession{RoomID: roomID, Status: domain.AgentIdle}, nil
	}
	return sess, nil
}

// Stop discards the room's machine and its pending timers.
func (m *Manager) Stop(roomID string) {
	m.mu.Lock()
	mc, ok := m.machines[roomID]
	delete(m.machines, roomID)
	m.mu.Unlock()
	if ok {
		mc.stop()
	}
}

// Close stops every machine. Later calls to Fire return ErrStopped.
func (m *Manager) Close() {
	m.mu.Lock()
	m.closed = true
	machines := m.machines
	m.machines = make(map[string]*machine)
	m.mu.Unlock()
	for _, mc := range machines {
		mc.stop()
	}
}

func (m *Manager) machine(roomID string) (*machine, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrStopped
	}
	if mc, ok := m.machines[roomID]; ok {
		return mc, nil
	}
	mc := &machine{
		mgr:    m,
		roomID: roomID,
		inbox:  make(chan event, inboxSize),
		quit:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	m.machines[roomID] = mc
	go mc.run()
	return mc, nil
}

type event struct {
	trigger Trigger
	cycle   uint64 // timer events only
	reply   chan domain.AgentStatus
}

// machine owns one room's status. Only its run goroutine touches status,
// cycle and pending.
type machine struct {
	mgr    *Manager
	roomID string
	inbox  chan event
	quit   chan struct{}
	done   chan struct{}
	once   sync.Once

	status  domain.AgentStatus
	cycle   uint64
	pending timer
}

func (mc *machine) stop() {
	mc.once.Do(func() { close(mc.quit) })
}

func (mc *machine) stopped() bool {
	select {
	case <-mc.quit:
		return true
	default:
		return false
	}
}

func (mc *machine) run() {
	defer close(mc.done)
	mc.status = mc.load()

	for {
		select {
		case <-mc.quit:
			mc.cancelPending()
			return
		case ev := <-mc.inbox:
			status := mc.apply(ev)
			if ev.reply != nil {
				ev.reply <- status
			}
		}
	}
}

func (mc *machine) load() domain.AgentStatus {
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	sess, err := mc.mgr.repo.GetAgentSession(ctx, mc.roomID)
	if err != nil {
		slog.Warn("Failed to load agent session", "error", err, "room_id", mc.roomID)
	}
	if sess == nil || !sess.Status.Valid() {
		return domain.AgentInitializing
	}
	switch sess.Status {
	case domain.AgentThinking, domain.AgentSpeaking:
		// The cycle timer died with the previous process.
		slog.Debug("Resuming interrupted presence cycle as listening", "room_id", mc.roomID, "stored", sess.Status)
		return domain.AgentListening
	}
	return sess.Status
}

func (mc *machine) apply(ev event) domain.AgentStatus {
	if ev.trigger.Internal() && ev.cycle != mc.cycle {
		return mc.status // superseded timer
	}
	if ev.trigger == TriggerSessionReset {
		mc.cancelPending()
		from := mc.status
		mc.status = domain.AgentInitializing
		mc.record(from, ev.trigger)
		return mc.status
	}

	to, ok := mc.mgr.table.Next(mc.status, ev.trigger)
	if !ok {
		slog.Debug("Presence trigger rejected", "room_id", mc.roomID, "from", mc.status, "trigger", ev.trigger)
		return mc.status
	}
	if !ev.trigger.Internal() {
		mc.cancelPending()
	}

	from := mc.status
	mc.status = to
	mc.record(from, ev.trigger)

	switch ev.trigger {
	case TriggerMessageSent:
		mc.schedule(mc.mgr.thinking, TriggerThinkingElapsed)
	case TriggerThinkingElapsed:
		mc.schedule(mc.mgr.speaking, TriggerSpeakingElapsed)
	}
	return to
}

func (mc *machine) schedule(delay time.Duration, trigger Trigger) {
	cycle := mc.cycle
	mc.pending = mc.mgr.afterFunc(delay, func() {
		select {
		case mc.inbox <- event{trigger: trigger, cycle: cycle}:
		case <-mc.quit:
		}
	})
}

func (mc *machine) cancelPending() {
	mc.cycle++
	if mc.pending != nil {
		mc.pending.Stop()
		mc.pending = nil
	}
}

func (mc *machine) record(from domain.AgentStatus, trigger Trigger) {
	now := mc.mgr.now()
	meta, _ := json.Marshal(map[string]string{"trigger": string(trigger)})

	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	sess := &domain.AgentSession{
		ID:           uuid.NewString(),
		RoomID:       mc.roomID,
		Status:       mc.status,
		LastActivity: now,
		Metadata:     meta,
	}
	if err := mc.mgr.repo.UpsertAgentSession(ctx, sess); err != nil {
		slog.Error("Failed to persist agent session", "error", err, "room_id", mc.roomID, "status", mc.status)
	}

	slog.Debug("Presence transition", "room_id", mc.roomID, "from", from, "to", mc.status, "trigger", trigger)
	if mc.stopped() {
		// The room's stream may already be closed.
		return
	}
	if mc.mgr.pub != nil {
		mc.mgr.pub.Publish(mc.roomID, stream.EventPresence, Change{
			RoomID:       mc.roomID,
			Status:       mc.status,
			Previous:     from,
			Trigger:      trigger,
			LastActivity: now,
		})
	}
}
