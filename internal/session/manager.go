// Package session owns the test session lifecycle. The Manager is the only
// component that starts or stops an acquisition worker, and the bus being
// exclusive means it admits at most one running session at a time.
package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/dbarasti/PowerMeter/internal/acquisition"
	"github.com/dbarasti/PowerMeter/internal/measurement"
	"github.com/dbarasti/PowerMeter/internal/meter"
	"github.com/dbarasti/PowerMeter/internal/storage"
)

var (
	// ErrNotIdle is returned by Start when the target session has already
	// run or completed.
	ErrNotIdle = errors.New("session: not idle")

	// ErrAlreadyRunning is returned by Start when the target session is
	// the one currently running.
	ErrAlreadyRunning = errors.New("session: already running")

	// ErrBusBusy is returned by Start while a different session holds the
	// bus.
	ErrBusBusy = errors.New("session: bus busy, another session is running")

	// ErrNotRunning is returned by Stop when the target session is not
	// running.
	ErrNotRunning = errors.New("session: not running")
)

// SnapshotFunc receives the session snapshot emitted on every transition.
type SnapshotFunc func(measurement.Snapshot)

// WithLogger sets the manager's logger.
func WithLogger(logger *slog.Logger) func(*Manager) {
	return func(m *Manager) {
		m.logger = logger
	}
}

// WithSnapshotFunc registers the transition hook consumed by the API layer.
func WithSnapshotFunc(fn SnapshotFunc) func(*Manager) {
	return func(m *Manager) {
		m.snapshot = fn
	}
}

// WithReadAttempts overrides the per-read attempt budget of started workers.
func WithReadAttempts(attempts int) func(*Manager) {
	return func(m *Manager) {
		m.readAttempts = attempts
	}
}

// WithInterRequestDelay sets the settling pause between device reads within
// a worker tick.
func WithInterRequestDelay(delay time.Duration) func(*Manager) {
	return func(m *Manager) {
		m.interRequestDelay = delay
	}
}

type runningSession struct {
	id     int64
	worker *acquisition.Worker
	cancel context.CancelFunc
}

// Manager serializes session transitions and binds workers to sessions.
type Manager struct {
	store   storage.Store
	reader  acquisition.DeviceReader
	devices []meter.Device

	readAttempts      int
	interRequestDelay time.Duration

	logger   *slog.Logger
	snapshot SnapshotFunc

	mu      sync.Mutex
	running *runningSession
}

// NewManager creates a manager over the configured devices.
func NewManager(store storage.Store, reader acquisition.DeviceReader, devices []meter.Device, options ...func(*Manager)) *Manager {
	m := Manager{
		store:   store,
		reader:  reader,
		devices: devices,
		logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
	}

	for _, option := range options {
		option(&m)
	}

	return &m
}

// Create validates and persists a new session in IDLE state.
func (m *Manager) Create(ctx context.Context, session *measurement.Session) (*measurement.Session, error) {
	if err := session.Validate(); err != nil {
		return nil, fmt.Errorf("creating session: %w", err)
	}

	session.Status = measurement.StatusIdle
	session.CreatedAt = time.Now().UTC()

	id, err := m.store.CreateSession(ctx, session)
	if err != nil {
		return nil, fmt.Errorf("creating session: %w", err)
	}
	session.ID = id

	m.logger.Info("session created",
		slog.Int64("sessionID", id),
		slog.String("truck", session.TruckID))
	m.emit(session.Snapshot())

	return session, nil
}

// Session returns one session by ID.
func (m *Manager) Session(ctx context.Context, id int64) (*measurement.Session, error) {
	return m.store.Session(ctx, id)
}

// Sessions returns all sessions ordered by creation time.
func (m *Manager) Sessions(ctx context.Context) ([]*measurement.Session, error) {
	return m.store.Sessions(ctx)
}

// Start transitions an IDLE session to RUNNING and binds a new worker to
// it. It fails with ErrBusBusy while another session runs, and with
// ErrAlreadyRunning or ErrNotIdle when the target is in the wrong state.
func (m *Manager) Start(ctx context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running != nil {
		if m.running.id == id {
			return ErrAlreadyRunning
		}
		return ErrBusBusy
	}

	session, err := m.store.Session(ctx, id)
	if err != nil {
		return fmt.Errorf("starting session %d: %w", id, err)
	}
	switch session.Status {
	case measurement.StatusIdle:
	case measurement.StatusRunning:
		return ErrAlreadyRunning
	default:
		return ErrNotIdle
	}

	startedAt := time.Now().UTC()
	if err = m.store.SetSessionStatus(ctx, id, measurement.StatusRunning, startedAt); err != nil {
		return fmt.Errorf("starting session %d: %w", id, err)
	}

	worker := acquisition.NewWorker(m.reader, m.store, acquisition.Config{
		SessionID:         id,
		Devices:           m.devices,
		Interval:          session.SampleInterval,
		Duration:          session.Duration,
		ReadAttempts:      m.readAttempts,
		InterRequestDelay: m.interRequestDelay,
	}, acquisition.WithLogger(m.logger))

	// The worker outlives the Start call; its lifetime is bound to the
	// session, not to the caller's request context.
	workerCtx, cancel := context.WithCancel(context.Background())
	m.running = &runningSession{id: id, worker: worker, cancel: cancel}

	go func() {
		worker.Run(workerCtx)
		m.complete(id)
	}()

	session.Status = measurement.StatusRunning
	session.StartedAt = &startedAt
	m.logger.Info("session started", slog.Int64("sessionID", id))
	m.emit(session.Snapshot())

	return nil
}

// Stop requests worker shutdown for a running session, waits for the
// in-flight tick to finish and acknowledges once the session is COMPLETED.
func (m *Manager) Stop(ctx context.Context, id int64) error {
	m.mu.Lock()
	if m.running == nil || m.running.id != id {
		m.mu.Unlock()
		return ErrNotRunning
	}
	running := m.running
	m.mu.Unlock()

	running.cancel()

	select {
	case <-running.worker.Done():
	case <-ctx.Done():
		return fmt.Errorf("stopping session %d: %w", id, ctx.Err())
	}

	m.complete(id)
	return nil
}

// complete moves the session to COMPLETED exactly once. It is called both
// by Stop and by the worker goroutine on self-stop; the manager mutex and
// the status check make the transition idempotent.
func (m *Manager) complete(id int64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running != nil && m.running.id == id {
		m.running.cancel()
		m.running = nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	session, err := m.store.Session(ctx, id)
	if err != nil {
		m.logger.Error("loading session on completion",
			slog.Int64("sessionID", id),
			slog.String("error", err.Error()))
		return
	}
	if session.Status == measurement.StatusCompleted {
		return
	}

	completedAt := time.Now().UTC()
	if err = m.store.SetSessionStatus(ctx, id, measurement.StatusCompleted, completedAt); err != nil {
		m.logger.Error("completing session",
			slog.Int64("sessionID", id),
			slog.String("error", err.Error()))
		return
	}

	session.Status = measurement.StatusCompleted
	session.CompletedAt = &completedAt
	m.logger.Info("session completed", slog.Int64("sessionID", id))
	m.emit(session.Snapshot())
}

// Running returns the ID of the running session, if any.
func (m *Manager) Running() (int64, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running == nil {
		return 0, false
	}
	return m.running.id, true
}

// Wait blocks until the running session's worker stops and the session is
// COMPLETED, or returns immediately when nothing runs.
func (m *Manager) Wait(ctx context.Context) error {
	m.mu.Lock()
	running := m.running
	m.mu.Unlock()

	if running == nil {
		return nil
	}

	select {
	case <-running.worker.Done():
		m.complete(running.id)
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager) emit(snapshot measurement.Snapshot) {
	if m.snapshot != nil {
		m.snapshot(snapshot)
	}
}
