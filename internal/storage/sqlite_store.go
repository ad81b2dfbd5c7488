// Package storage persists sessions, samples and derived thermal
// coefficients in a single sqlite database, with split read and write
// connections and a bounded-retry append path.
package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/dbarasti/PowerMeter/internal/measurement"
)

// SqliteStore implements Store on top of a sqlite database file. Write and
// read connections are opened lazily and independently; the write connection
// can be re-established after repeated failures without disturbing readers.
type SqliteStore struct {
	dbPath string

	mu      sync.Mutex
	writeDB *sql.DB
	readDB  *sql.DB
	closed  bool

	// beforeInsert, when set, runs ahead of every sample insert attempt.
	// Tests use it to inject transient write failures.
	beforeInsert func() error
}

// NewSqliteStore creates a store around the database at dbPath. Connections
// open on first use.
func NewSqliteStore(dbPath string) *SqliteStore {
	return &SqliteStore{dbPath: dbPath}
}

func (s *SqliteStore) getWriteDB() (*sql.DB, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, errors.New("store is closed")
	}
	if s.writeDB != nil {
		return s.writeDB, nil
	}

	db, err := sql.Open("sqlite3", fmt.Sprintf("file:%s?%s", s.dbPath, "_journal_mode=WAL&_synchronous=NORMAL"))
	if err != nil {
		return nil, fmt.Errorf("opening write connection: %w", err)
	}
	if _, err = db.Exec(schemaSQL); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initializing schema: %w", err)
	}

	s.writeDB = db
	return db, nil
}

// resetWriteDB drops the write connection so the next write reopens it.
func (s *SqliteStore) resetWriteDB() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.writeDB != nil {
		_ = s.writeDB.Close()
		s.writeDB = nil
	}
}

func (s *SqliteStore) getReadDB() (*sql.DB, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, errors.New("store is closed")
	}
	if s.readDB != nil {
		return s.readDB, nil
	}

	db, err := sql.Open("sqlite3", fmt.Sprintf("file:%s?%s", s.dbPath, "mode=ro"))
	if err != nil {
		return nil, fmt.Errorf("opening read connection: %w", err)
	}

	s.readDB = db
	return db, nil
}

func (s *SqliteStore) CreateSession(ctx context.Context, session *measurement.Session) (sessionID int64, err error) {
	db, err := s.getWriteDB()
	if err != nil {
		err = fmt.Errorf("getting write connection: %w", err)
		return
	}

	stmt, err := db.PrepareContext(ctx, insertSessionSQL)
	if err != nil {
		err = fmt.Errorf("preparing statement: %w", err)
		return
	}
	defer closeWithError(stmt, &err)

	result, err := stmt.ExecContext(ctx,
		session.TruckID,
		session.Notes,
		nullFloat(session.InternalSurfaceM2),
		nullFloat(session.ExternalSurfaceM2),
		nullSeconds(session.Duration),
		int64(session.SampleInterval.Seconds()),
		string(measurement.StatusIdle),
		session.CreatedAt.UTC(),
	)
	if err != nil {
		err = fmt.Errorf("inserting session: %w", err)
		return
	}

	sessionID, err = result.LastInsertId()
	if err != nil {
		err = fmt.Errorf("getting session ID: %w", err)
	}
	return
}

func (s *SqliteStore) Session(ctx context.Context, id int64) (session *measurement.Session, err error) {
	db, err := s.getReadDB()
	if err != nil {
		err = fmt.Errorf("getting read connection: %w", err)
		return
	}

	stmt, err := db.PrepareContext(ctx, selectSessionSQL)
	if err != nil {
		err = fmt.Errorf("preparing statement: %w", err)
		return
	}
	defer closeWithError(stmt, &err)

	var row sessionRow
	if err = stmt.QueryRowContext(ctx, id).Scan(
		&row.ID,
		&row.TruckID,
		&row.Notes,
		&row.InternalSurfaceM2,
		&row.ExternalSurfaceM2,
		&row.DurationSeconds,
		&row.SampleIntervalSeconds,
		&row.Status,
		&row.CreatedAt,
		&row.StartedAt,
		&row.CompletedAt,
	); err != nil {
		err = fmt.Errorf("scanning session %d: %w", id, err)
		return
	}

	return row.toSession(), nil
}

func (s *SqliteStore) Sessions(ctx context.Context) (sessions []*measurement.Session, err error) {
	db, err := s.getReadDB()
	if err != nil {
		err = fmt.Errorf("getting read connection: %w", err)
		return
	}

	rows, err := db.QueryContext(ctx, selectSessionsSQL)
	if err != nil {
		err = fmt.Errorf("querying sessions: %w", err)
		return
	}
	defer closeWithError(rows, &err)

	for rows.Next() {
		var row sessionRow
		if err = rows.Scan(
			&row.ID,
			&row.TruckID,
			&row.Notes,
			&row.InternalSurfaceM2,
			&row.ExternalSurfaceM2,
			&row.DurationSeconds,
			&row.SampleIntervalSeconds,
			&row.Status,
			&row.CreatedAt,
			&row.StartedAt,
			&row.CompletedAt,
		); err != nil {
			err = fmt.Errorf("scanning session: %w", err)
			return
		}
		sessions = append(sessions, row.toSession())
	}
	err = rows.Err()
	return
}

func (s *SqliteStore) SetSessionStatus(ctx context.Context, id int64, status measurement.Status, at time.Time) (err error) {
	db, err := s.getWriteDB()
	if err != nil {
		return fmt.Errorf("getting write connection: %w", err)
	}

	var startedAt, completedAt sql.NullTime
	switch status {
	case measurement.StatusRunning:
		startedAt = sql.NullTime{Time: at.UTC(), Valid: true}
	case measurement.StatusCompleted:
		completedAt = sql.NullTime{Time: at.UTC(), Valid: true}
	}

	stmt, err := db.PrepareContext(ctx, updateSessionStatusSQL)
	if err != nil {
		return fmt.Errorf("preparing statement: %w", err)
	}
	defer closeWithError(stmt, &err)

	result, err := stmt.ExecContext(ctx, string(status), startedAt, completedAt, id)
	if err != nil {
		return fmt.Errorf("updating session %d: %w", id, err)
	}
	if n, rErr := result.RowsAffected(); rErr == nil && n == 0 {
		return fmt.Errorf("updating session %d: %w", id, sql.ErrNoRows)
	}
	return
}

// AppendSample stores one sample, retrying transient failures on the
// schedule from backoffDelay. After the final failure the write connection
// is re-established so the next append starts from a clean handle.
func (s *SqliteStore) AppendSample(ctx context.Context, sample measurement.Sample) error {
	var lastErr error
	for attempt := 1; attempt <= appendAttempts; attempt++ {
		if lastErr = s.insertSample(ctx, sample); lastErr == nil {
			return nil
		}
		if attempt == appendAttempts {
			break
		}
		if !sleepCtx(ctx, backoffDelay(attempt)) {
			return ctx.Err()
		}
	}

	s.resetWriteDB()
	return fmt.Errorf("appending sample after %d attempts: %w", appendAttempts, lastErr)
}

func (s *SqliteStore) insertSample(ctx context.Context, sample measurement.Sample) (err error) {
	if s.beforeInsert != nil {
		if err = s.beforeInsert(); err != nil {
			return err
		}
	}

	db, err := s.getWriteDB()
	if err != nil {
		return fmt.Errorf("getting write connection: %w", err)
	}

	stmt, err := db.PrepareContext(ctx, insertSampleSQL)
	if err != nil {
		return fmt.Errorf("preparing statement: %w", err)
	}
	defer closeWithError(stmt, &err)

	if _, err = stmt.ExecContext(ctx,
		sample.SessionID,
		string(sample.Role),
		sample.Timestamp.UTC(),
		sample.PowerW,
		sample.EnergyKWH,
		nullFloat(sample.VoltageV),
		nullFloat(sample.FrequencyHz),
	); err != nil {
		return fmt.Errorf("inserting sample: %w", err)
	}
	return
}

// Samples returns an iterator over a session's samples ordered by timestamp
// ascending, optionally narrowed by device role or time range. The iterator
// must be closed after use.
func (s *SqliteStore) Samples(ctx context.Context, sessionID int64, opts ...SampleOption) (*SampleIterator, error) {
	db, err := s.getReadDB()
	if err != nil {
		return nil, fmt.Errorf("getting read connection: %w", err)
	}
	return newSampleIterator(ctx, db, sessionID, opts...)
}

// SaveThermalCoefficient upserts the derived coefficient for its session.
func (s *SqliteStore) SaveThermalCoefficient(ctx context.Context, tc *measurement.ThermalCoefficient) (err error) {
	db, err := s.getWriteDB()
	if err != nil {
		return fmt.Errorf("getting write connection: %w", err)
	}

	stmt, err := db.PrepareContext(ctx, upsertThermalSQL)
	if err != nil {
		return fmt.Errorf("preparing statement: %w", err)
	}
	defer closeWithError(stmt, &err)

	if _, err = stmt.ExecContext(ctx,
		tc.SessionID,
		tc.TempInternalC,
		tc.TempExternalC,
		tc.EquivalentSurfaceM2,
		tc.AvgPowerW,
		tc.DeltaT,
		tc.UValue,
		tc.CalculatedAt.UTC(),
	); err != nil {
		return fmt.Errorf("upserting thermal coefficient: %w", err)
	}
	return
}

// ThermalCoefficient returns the stored coefficient for a session, or an
// error wrapping sql.ErrNoRows when none has been computed.
func (s *SqliteStore) ThermalCoefficient(ctx context.Context, sessionID int64) (tc *measurement.ThermalCoefficient, err error) {
	db, err := s.getReadDB()
	if err != nil {
		err = fmt.Errorf("getting read connection: %w", err)
		return
	}

	stmt, err := db.PrepareContext(ctx, selectThermalSQL)
	if err != nil {
		err = fmt.Errorf("preparing statement: %w", err)
		return
	}
	defer closeWithError(stmt, &err)

	var out measurement.ThermalCoefficient
	if err = stmt.QueryRowContext(ctx, sessionID).Scan(
		&out.SessionID,
		&out.TempInternalC,
		&out.TempExternalC,
		&out.EquivalentSurfaceM2,
		&out.AvgPowerW,
		&out.DeltaT,
		&out.UValue,
		&out.CalculatedAt,
	); err != nil {
		err = fmt.Errorf("scanning thermal coefficient for session %d: %w", sessionID, err)
		return
	}
	return &out, nil
}

// Close closes both database connections. Safe to call multiple times.
func (s *SqliteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true

	var writeErr, readErr error
	if s.writeDB != nil {
		writeErr = s.writeDB.Close()
		s.writeDB = nil
	}
	if s.readDB != nil {
		readErr = s.readDB.Close()
		s.readDB = nil
	}
	return errors.Join(writeErr, readErr)
}

var _ Store = (*SqliteStore)(nil)
