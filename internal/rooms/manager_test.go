package rooms

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ashureev/agentroom/internal/domain"
	"github.com/ashureev/agentroom/internal/livekit"
	"github.com/ashureev/agentroom/internal/store"
)

type fakeBackend struct {
	mu        sync.Mutex
	createErr error
	deleteErr error
	created   []string
	deleted   []string
	opts      livekit.RoomOptions
}

func (f *fakeBackend) CreateRoom(_ context.Context, ref string, opts livekit.RoomOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.created = append(f.created, ref)
	f.opts = opts
	return f.createErr
}

func (f *fakeBackend) DeleteRoom(_ context.Context, ref string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, ref)
	return f.deleteErr
}

func newManager(t *testing.T, backend *fakeBackend) (*Manager, *store.MemoryStore) {
	t.Helper()
	repo := store.NewMemory()
	return NewManager(repo, backend, Options{}), repo
}

func TestCreate(t *testing.T) {
	backend := &fakeBackend{}
	mgr, repo := newManager(t, backend)

	room, err := mgr.Create(context.Background(), "  Demo  ", "")
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if room.Name != "Demo" || room.Status != domain.RoomActive || room.EndedAt != nil {
		t.Errorf("Unexpected room %+v", room)
	}
	if !strings.HasPrefix(room.ExternalRoomRef, "room-") {
		t.Errorf("Unexpected ref %q", room.ExternalRoomRef)
	}
	if backend.opts.IdleTimeout != DefaultIdleTimeout || backend.opts.MaxParticipants != DefaultMaxParticipants {
		t.Errorf("Unexpected room options %+v", backend.opts)
	}
	stored, _ := repo.GetRoom(context.Background(), room.ID)
	if stored == nil {
		t.Fatal("Expected room to be persisted")
	}
}

func TestCreateValidation(t *testing.T) {
	mgr, _ := newManager(t, &fakeBackend{})

	for _, name := range []string{"", "   ", strings.Repeat("x", MaxNameLength+1)} {
		_, err := mgr.Create(context.Background(), name, "")
		var verr *domain.ValidationError
		if !errors.As(err, &verr) {
			t.Errorf("Create(%q): expected ValidationError, got %v", name, err)
		}
	}
	if _, err := mgr.Create(context.Background(), strings.Repeat("é", MaxNameLength), ""); err != nil {
		t.Errorf("Expected %d multibyte characters to be accepted, got %v", MaxNameLength, err)
	}
}

func TestCreateAlreadyExistsTolerated(t *testing.T) {
	mgr, _ := newManager(t, &fakeBackend{createErr: livekit.ErrRoomExists})

	room, err := mgr.Create(context.Background(), "Demo", "")
	if err != nil {
		t.Fatalf("Expected already-exists to succeed, got %v", err)
	}
	if room.Status != domain.RoomActive {
		t.Errorf("Unexpected status %q", room.Status)
	}
}

func TestCreateUpstreamFailurePersistsNothing(t *testing.T) {
	mgr, repo := newManager(t, &fakeBackend{createErr: errors.New("connection refused")})
	user := &domain.User{ID: "u1", Username: "u1", CreatedAt: time.Now(), LastSeenAt: time.Now()}
	if err := repo.UpsertUser(context.Background(), user); err != nil {
		t.Fatal(err)
	}

	_, err := mgr.Create(context.Background(), "Demo", "u1")
	var uerr *domain.UpstreamError
	if !errors.As(err, &uerr) {
		t.Fatalf("Expected UpstreamError, got %v", err)
	}
	list, _ := repo.ListRoomsByOwner(context.Background(), "u1")
	if len(list) != 0 {
		t.Errorf("Expected no rooms, got %d", len(list))
	}
}

func TestCreateUnconfigured(t *testing.T) {
	repo := store.NewMemory()
	mgr := NewManager(repo, livekit.NewTwirpClient(livekit.Credentials{}, time.Second, nil), Options{})

	_, err := mgr.Create(context.Background(), "Demo", "")
	var cerr *domain.ConfigurationError
	if !errors.As(err, &cerr) {
		t.Fatalf("Expected ConfigurationError, got %v", err)
	}
}

func TestEndIdempotent(t *testing.T) {
	backend := &fakeBackend{}
	mgr, repo := newManager(t, backend)
	var hookCalls int
	mgr.OnEnd(func(context.Context, *domain.Room) { hookCalls++ })

	room, err := mgr.Create(context.Background(), "Demo", "")
	if err != nil {
		t.Fatal(err)
	}
	if err := mgr.End(context.Background(), room.ID); err != nil {
		t.Fatalf("End failed: %v", err)
	}
	first, _ := repo.GetRoom(context.Background(), room.ID)
	if first.Status != domain.RoomEnded || first.EndedAt == nil {
		t.Fatalf("Expected ended room, got %+v", first)
	}

	if err := mgr.End(context.Background(), room.ID); err != nil {
		t.Fatalf("Second End failed: %v", err)
	}
	second, _ := repo.GetRoom(context.Background(), room.ID)
	if !second.EndedAt.Equal(*first.EndedAt) {
		t.Errorf("endedAt changed from %v to %v", first.EndedAt, second.EndedAt)
	}
	if hookCalls != 1 {
		t.Errorf("Expected hooks to run once, ran %d times", hookCalls)
	}
	if len(backend.deleted) != 1 {
		t.Errorf("Expected one teardown, got %d", len(backend.deleted))
	}
}

func TestConcurrentEndsWithSameTimestampRunHooksOnce(t *testing.T) {
	backend := &fakeBackend{}
	mgr, _ := newManager(t, backend)
	frozen := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	mgr.now = func() time.Time { return frozen }
	var hookCalls atomic.Int32
	mgr.OnEnd(func(context.Context, *domain.Room) { hookCalls.Add(1) })

	room, err := mgr.Create(context.Background(), "Demo", "")
	if err != nil {
		t.Fatal(err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := mgr.End(context.Background(), room.ID); err != nil {
				t.Errorf("End failed: %v", err)
			}
		}()
	}
	wg.Wait()

	if got := hookCalls.Load(); got != 1 {
		t.Errorf("Expected hooks to run once, ran %d times", got)
	}
	if len(backend.deleted) != 1 {
		t.Errorf("Expected one teardown, got %d", len(backend.deleted))
	}
}

func TestEndCommitsDespiteTeardownFailure(t *testing.T) {
	backend := &fakeBackend{deleteErr: errors.New("timeout")}
	mgr, repo := newManager(t, backend)

	room, err := mgr.Create(context.Background(), "Demo", "")
	if err != nil {
		t.Fatal(err)
	}
	if err := mgr.End(context.Background(), room.ID); err != nil {
		t.Fatalf("Expected teardown failure to be swallowed, got %v", err)
	}
	stored, _ := repo.GetRoom(context.Background(), room.ID)
	if stored.Status != domain.RoomEnded {
		t.Errorf("Expected ended, got %q", stored.Status)
	}
}

func TestEndUnknown(t *testing.T) {
	mgr, _ := newManager(t, &fakeBackend{})

	err := mgr.End(context.Background(), "missing")
	var nf *domain.NotFoundError
	if !errors.As(err, &nf) {
		t.Errorf("Expected NotFoundError, got %v", err)
	}
}

func TestFinishByRef(t *testing.T) {
	backend := &fakeBackend{}
	mgr, repo := newManager(t, backend)
	var ended []string
	mgr.OnEnd(func(_ context.Context, r *domain.Room) { ended = append(ended, r.ID) })

	room, err := mgr.Create(context.Background(), "Demo", "")
	if err != nil {
		t.Fatal(err)
	}
	if err := mgr.FinishByRef(context.Background(), room.ExternalRoomRef); err != nil {
		t.Fatalf("FinishByRef failed: %v", err)
	}
	if err := mgr.FinishByRef(context.Background(), "room-unknown"); err != nil {
		t.Errorf("Expected unknown ref to be ignored, got %v", err)
	}

	stored, _ := repo.GetRoom(context.Background(), room.ID)
	if stored.Status != domain.RoomEnded {
		t.Errorf("Expected ended, got %q", stored.Status)
	}
	if len(ended) != 1 || ended[0] != room.ID {
		t.Errorf("Unexpected hook calls %v", ended)
	}
	if len(backend.deleted) != 0 {
		t.Errorf("Expected no teardown, got %v", backend.deleted)
	}
}

func TestSweep(t *testing.T) {
	backend := &fakeBackend{}
	mgr, repo := newManager(t, backend)
	base := time.Now().UTC().Truncate(time.Microsecond)

	mgr.now = func() time.Time { return base.Add(-2 * time.Hour) }
	old, err := mgr.Create(context.Background(), "Old", "")
	if err != nil {
		t.Fatal(err)
	}
	mgr.now = func() time.Time { return base }
	fresh, err := mgr.Create(context.Background(), "Fresh", "")
	if err != nil {
		t.Fatal(err)
	}

	if n := mgr.Sweep(context.Background(), time.Hour); n != 1 {
		t.Fatalf("Expected 1 room swept, got %d", n)
	}
	if r, _ := repo.GetRoom(context.Background(), old.ID); r.Status != domain.RoomEnded {
		t.Errorf("Expected old room ended")
	}
	if r, _ := repo.GetRoom(context.Background(), fresh.ID); r.Status != domain.RoomActive {
		t.Errorf("Expected fresh room active")
	}
}
