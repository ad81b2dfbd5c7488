package session

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/dbarasti/PowerMeter/internal/measurement"
	"github.com/dbarasti/PowerMeter/internal/meter"
)

// memStore is an in-memory Store good enough for lifecycle tests.
type memStore struct {
	mu       sync.Mutex
	nextID   int64
	sessions map[int64]*measurement.Session
	samples  []measurement.Sample

	statusChanges map[measurement.Status]int
}

func newMemStore() *memStore {
	return &memStore{
		sessions:      make(map[int64]*measurement.Session),
		statusChanges: make(map[measurement.Status]int),
	}
}

func (s *memStore) CreateSession(_ context.Context, session *measurement.Session) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextID++
	copied := *session
	copied.ID = s.nextID
	s.sessions[copied.ID] = &copied
	return copied.ID, nil
}

func (s *memStore) Session(_ context.Context, id int64) (*measurement.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.sessions[id]
	if !ok {
		return nil, fmt.Errorf("scanning session %d: %w", id, sql.ErrNoRows)
	}
	copied := *session
	return &copied, nil
}

func (s *memStore) Sessions(_ context.Context) ([]*measurement.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*measurement.Session, 0, len(s.sessions))
	for id := int64(1); id <= s.nextID; id++ {
		if session, ok := s.sessions[id]; ok {
			copied := *session
			out = append(out, &copied)
		}
	}
	return out, nil
}

func (s *memStore) SetSessionStatus(_ context.Context, id int64, status measurement.Status, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.sessions[id]
	if !ok {
		return fmt.Errorf("updating session %d: %w", id, sql.ErrNoRows)
	}

	session.Status = status
	switch status {
	case measurement.StatusRunning:
		if session.StartedAt == nil {
			t := at
			session.StartedAt = &t
		}
	case measurement.StatusCompleted:
		if session.CompletedAt == nil {
			t := at
			session.CompletedAt = &t
		}
	}
	s.statusChanges[status]++
	return nil
}

func (s *memStore) AppendSample(_ context.Context, sample measurement.Sample) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.samples = append(s.samples, sample)
	return nil
}

func (s *memStore) Close() error { return nil }

func (s *memStore) completions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.statusChanges[measurement.StatusCompleted]
}

// stubReader answers every read with a fixed power value.
type stubReader struct{}

func (stubReader) Read(_ context.Context, d meter.Device) (meter.Reading, error) {
	return meter.Reading{Role: d.Role, Timestamp: time.Now().UTC(), Power: 1500}, nil
}

func testDevices() []meter.Device {
	return []meter.Device{
		{Role: meter.RoleHeater, Address: 1, Layout: meter.DefaultLayout()},
		{Role: meter.RoleFan, Address: 2, Layout: meter.DefaultLayout()},
	}
}

func newTestManager(store *memStore, options ...func(*Manager)) *Manager {
	return NewManager(store, stubReader{}, testDevices(), options...)
}

func createSession(t *testing.T, m *Manager, duration *time.Duration) int64 {
	t.Helper()

	session, err := m.Create(context.Background(), &measurement.Session{
		TruckID:        "TRK-042",
		SampleInterval: time.Second,
		Duration:       duration,
	})
	if err != nil {
		t.Fatalf("Create() error: %v", err)
	}
	return session.ID
}

func TestCreate_Validation(t *testing.T) {
	m := newTestManager(newMemStore())

	_, err := m.Create(context.Background(), &measurement.Session{
		SampleInterval: 5 * time.Second,
	})
	if err == nil {
		t.Error("Create() without truck ID succeeded, want error")
	}

	_, err = m.Create(context.Background(), &measurement.Session{
		TruckID:        "TRK-042",
		SampleInterval: 100 * time.Millisecond,
	})
	if err == nil {
		t.Error("Create() with sub-second interval succeeded, want error")
	}

	// Durations persist with second precision, so anything finer is rejected
	// up front instead of being silently truncated.
	duration := 1500 * time.Millisecond
	_, err = m.Create(context.Background(), &measurement.Session{
		TruckID:        "TRK-042",
		SampleInterval: time.Second,
		Duration:       &duration,
	})
	if err == nil {
		t.Error("Create() with fractional-second duration succeeded, want error")
	}
}

func TestCreate_StartsIdle(t *testing.T) {
	store := newMemStore()
	m := newTestManager(store)
	id := createSession(t, m, nil)

	session, err := m.Session(context.Background(), id)
	if err != nil {
		t.Fatalf("Session() error: %v", err)
	}
	if session.Status != measurement.StatusIdle {
		t.Errorf("Status = %s, want IDLE", session.Status)
	}
}

func TestStartStop(t *testing.T) {
	store := newMemStore()
	m := newTestManager(store)
	id := createSession(t, m, nil)
	ctx := context.Background()

	if err := m.Start(ctx, id); err != nil {
		t.Fatalf("Start() error: %v", err)
	}

	running, ok := m.Running()
	if !ok || running != id {
		t.Fatalf("Running() = %d, %t; want %d, true", running, ok, id)
	}

	session, err := m.Session(ctx, id)
	if err != nil {
		t.Fatalf("Session() error: %v", err)
	}
	if session.Status != measurement.StatusRunning {
		t.Errorf("Status = %s, want RUNNING", session.Status)
	}
	if session.StartedAt == nil {
		t.Error("StartedAt not set on start")
	}

	if err = m.Stop(ctx, id); err != nil {
		t.Fatalf("Stop() error: %v", err)
	}

	session, err = m.Session(ctx, id)
	if err != nil {
		t.Fatalf("Session() error: %v", err)
	}
	if session.Status != measurement.StatusCompleted {
		t.Errorf("Status = %s, want COMPLETED", session.Status)
	}
	if session.CompletedAt == nil {
		t.Error("CompletedAt not set on stop")
	}
	if _, ok = m.Running(); ok {
		t.Error("Running() reports a session after stop")
	}
}

func TestStart_SecondSessionRejected(t *testing.T) {
	store := newMemStore()
	m := newTestManager(store)
	ctx := context.Background()

	first := createSession(t, m, nil)
	second := createSession(t, m, nil)

	if err := m.Start(ctx, first); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	defer m.Stop(ctx, first)

	if err := m.Start(ctx, second); !errors.Is(err, ErrBusBusy) {
		t.Errorf("Start(second) error = %v, want ErrBusBusy", err)
	}
	if err := m.Start(ctx, first); !errors.Is(err, ErrAlreadyRunning) {
		t.Errorf("Start(first) again error = %v, want ErrAlreadyRunning", err)
	}
}

func TestStart_CompletedSessionRejected(t *testing.T) {
	store := newMemStore()
	m := newTestManager(store)
	ctx := context.Background()

	id := createSession(t, m, nil)
	if err := m.Start(ctx, id); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	if err := m.Stop(ctx, id); err != nil {
		t.Fatalf("Stop() error: %v", err)
	}

	if err := m.Start(ctx, id); !errors.Is(err, ErrNotIdle) {
		t.Errorf("Start() on completed session error = %v, want ErrNotIdle", err)
	}
}

func TestStart_UnknownSession(t *testing.T) {
	m := newTestManager(newMemStore())

	if err := m.Start(context.Background(), 999); !errors.Is(err, sql.ErrNoRows) {
		t.Errorf("Start() error = %v, want sql.ErrNoRows", err)
	}
}

func TestStop_NotRunning(t *testing.T) {
	m := newTestManager(newMemStore())
	id := createSession(t, m, nil)

	if err := m.Stop(context.Background(), id); !errors.Is(err, ErrNotRunning) {
		t.Errorf("Stop() error = %v, want ErrNotRunning", err)
	}
}

func TestDurationSelfStop_CompletesOnce(t *testing.T) {
	store := newMemStore()
	m := newTestManager(store)
	ctx := context.Background()

	duration := time.Second
	id := createSession(t, m, &duration)

	if err := m.Start(ctx, id); err != nil {
		t.Fatalf("Start() error: %v", err)
	}

	waitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := m.Wait(waitCtx); err != nil {
		t.Fatalf("Wait() error: %v", err)
	}

	session, err := m.Session(ctx, id)
	if err != nil {
		t.Fatalf("Session() error: %v", err)
	}
	if session.Status != measurement.StatusCompleted {
		t.Errorf("Status = %s, want COMPLETED", session.Status)
	}

	// A Stop racing the self-stop must not complete the session twice.
	if err = m.Stop(ctx, id); !errors.Is(err, ErrNotRunning) {
		t.Errorf("Stop() after self-stop error = %v, want ErrNotRunning", err)
	}
	if n := store.completions(); n != 1 {
		t.Errorf("COMPLETED written %d times, want 1", n)
	}
}

func TestSnapshotsEmittedOnTransitions(t *testing.T) {
	store := newMemStore()

	var mu sync.Mutex
	var statuses []measurement.Status
	m := newTestManager(store, WithSnapshotFunc(func(snapshot measurement.Snapshot) {
		mu.Lock()
		defer mu.Unlock()
		statuses = append(statuses, snapshot.Status)
	}))
	ctx := context.Background()

	id := createSession(t, m, nil)
	if err := m.Start(ctx, id); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	if err := m.Stop(ctx, id); err != nil {
		t.Fatalf("Stop() error: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	want := []measurement.Status{
		measurement.StatusIdle,
		measurement.StatusRunning,
		measurement.StatusCompleted,
	}
	if len(statuses) != len(want) {
		t.Fatalf("got %d snapshots %v, want %d", len(statuses), statuses, len(want))
	}
	for i, status := range want {
		if statuses[i] != status {
			t.Errorf("snapshot %d status = %s, want %s", i, statuses[i], status)
		}
	}
}

func TestWorkerStoresSamplesWhileRunning(t *testing.T) {
	store := newMemStore()
	m := newTestManager(store)
	ctx := context.Background()

	id := createSession(t, m, nil)
	if err := m.Start(ctx, id); err != nil {
		t.Fatalf("Start() error: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		store.mu.Lock()
		n := len(store.samples)
		store.mu.Unlock()
		if n >= 2 {
			break
		}
		time.Sleep(time.Millisecond)
	}

	if err := m.Stop(ctx, id); err != nil {
		t.Fatalf("Stop() error: %v", err)
	}

	store.mu.Lock()
	defer store.mu.Unlock()
	if len(store.samples) < 2 {
		t.Fatalf("stored %d samples, want at least 2", len(store.samples))
	}
	for i, sample := range store.samples {
		if sample.SessionID != id {
			t.Errorf("sample %d session = %d, want %d", i, sample.SessionID, id)
		}
	}
}
