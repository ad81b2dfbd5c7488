package storage

import (
	"context"
	"time"

	"github.com/dbarasti/PowerMeter/internal/measurement"
)

// Store is the durable contract the session state machine and acquisition
// worker write through. All write operations are atomic; AppendSample
// additionally retries transient failures before reporting an error.
type Store interface {
	// CreateSession persists a new session in IDLE state and returns its ID.
	CreateSession(ctx context.Context, session *measurement.Session) (int64, error)

	// Session returns a session by ID, or an error wrapping sql.ErrNoRows
	// when it does not exist.
	Session(ctx context.Context, id int64) (*measurement.Session, error)

	// Sessions returns all sessions ordered by creation time.
	Sessions(ctx context.Context) ([]*measurement.Session, error)

	// SetSessionStatus moves a session to status. The timestamp lands in
	// started_at for RUNNING and completed_at for COMPLETED; timestamps
	// already set are never overwritten.
	SetSessionStatus(ctx context.Context, id int64, status measurement.Status, at time.Time) error

	// AppendSample durably stores one sample. The write is retried up to
	// three times with increasing backoff; after the final failure the
	// write connection is re-established and the error returned. A failed
	// append is the caller's to drop, the store never queues.
	AppendSample(ctx context.Context, sample measurement.Sample) error

	// Close releases the database connections. Safe to call multiple times.
	Close() error
}
