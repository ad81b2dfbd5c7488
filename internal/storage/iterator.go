package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/dbarasti/PowerMeter/internal/measurement"
	"github.com/dbarasti/PowerMeter/internal/meter"
)

// SampleOption narrows a Samples query.
type SampleOption func(*SampleIterator)

// WithDevice restricts the iteration to one device role.
func WithDevice(role meter.Role) SampleOption {
	return func(i *SampleIterator) {
		i.role = &role
	}
}

// WithStartTime drops samples before startTime.
func WithStartTime(startTime time.Time) SampleOption {
	return func(i *SampleIterator) {
		i.startTime = &startTime
	}
}

// WithEndTime drops samples after endTime.
func WithEndTime(endTime time.Time) SampleOption {
	return func(i *SampleIterator) {
		i.endTime = &endTime
	}
}

// WithTimeRange restricts the iteration to [startTime, endTime].
func WithTimeRange(startTime, endTime time.Time) SampleOption {
	return func(i *SampleIterator) {
		i.startTime = &startTime
		i.endTime = &endTime
	}
}

// SampleIterator walks a session's samples in ascending timestamp order.
// Iteration order reflects every previously successful append. Each iterator
// is single-goroutine; Close releases its rows.
type SampleIterator struct {
	sessionID int64
	role      *meter.Role
	startTime *time.Time
	endTime   *time.Time

	rows    *sql.Rows
	current measurement.Sample
	err     error
}

func newSampleIterator(ctx context.Context, db *sql.DB, sessionID int64, opts ...SampleOption) (*SampleIterator, error) {
	it := SampleIterator{sessionID: sessionID}
	for _, opt := range opts {
		opt(&it)
	}

	var sb strings.Builder
	sb.WriteString(selectSamplesSQL)
	args := []any{sessionID}

	if it.role != nil {
		sb.WriteString(" AND device_role = ?")
		args = append(args, string(*it.role))
	}
	if it.startTime != nil {
		sb.WriteString(" AND timestamp >= ?")
		args = append(args, it.startTime.UTC())
	}
	if it.endTime != nil {
		sb.WriteString(" AND timestamp <= ?")
		args = append(args, it.endTime.UTC())
	}
	sb.WriteString(" ORDER BY timestamp, device_role")

	rows, err := db.QueryContext(ctx, sb.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("querying samples: %w", err)
	}

	it.rows = rows
	return &it, nil
}

// Next advances to the next sample, reporting whether one is available.
func (it *SampleIterator) Next() bool {
	if it.err != nil || !it.rows.Next() {
		return false
	}

	var row sampleRow
	if err := it.rows.Scan(
		&row.SessionID,
		&row.DeviceRole,
		&row.Timestamp,
		&row.PowerW,
		&row.EnergyKWH,
		&row.VoltageV,
		&row.FrequencyHz,
	); err != nil {
		it.err = fmt.Errorf("scanning sample: %w", err)
		return false
	}

	it.current = row.toSample()
	return true
}

// Current returns the sample at the iterator's position.
func (it *SampleIterator) Current() measurement.Sample {
	return it.current
}

// Error returns the first error hit during iteration.
func (it *SampleIterator) Error() error {
	if it.err != nil {
		return it.err
	}
	return it.rows.Err()
}

// Close releases the underlying rows.
func (it *SampleIterator) Close() error {
	return it.rows.Close()
}

// CollectSamples drains an iterator into a slice and closes it.
func CollectSamples(it *SampleIterator) (samples []measurement.Sample, err error) {
	defer closeWithError(it, &err)

	for it.Next() {
		samples = append(samples, it.Current())
	}
	err = it.Error()
	return
}
