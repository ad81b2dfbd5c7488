package storage

import (
	"database/sql"
	"time"

	"github.com/dbarasti/PowerMeter/internal/measurement"
	"github.com/dbarasti/PowerMeter/internal/meter"
)

type sessionRow struct {
	ID                    int64
	TruckID               string
	Notes                 string
	InternalSurfaceM2     sql.NullFloat64
	ExternalSurfaceM2     sql.NullFloat64
	DurationSeconds       sql.NullInt64
	SampleIntervalSeconds int64
	Status                string
	CreatedAt             time.Time
	StartedAt             sql.NullTime
	CompletedAt           sql.NullTime
}

func (r *sessionRow) toSession() *measurement.Session {
	s := measurement.Session{
		ID:             r.ID,
		TruckID:        r.TruckID,
		Notes:          r.Notes,
		SampleInterval: time.Duration(r.SampleIntervalSeconds) * time.Second,
		Status:         measurement.Status(r.Status),
		CreatedAt:      r.CreatedAt,
	}
	if r.InternalSurfaceM2.Valid {
		s.InternalSurfaceM2 = &r.InternalSurfaceM2.Float64
	}
	if r.ExternalSurfaceM2.Valid {
		s.ExternalSurfaceM2 = &r.ExternalSurfaceM2.Float64
	}
	if r.DurationSeconds.Valid {
		d := time.Duration(r.DurationSeconds.Int64) * time.Second
		s.Duration = &d
	}
	if r.StartedAt.Valid {
		s.StartedAt = &r.StartedAt.Time
	}
	if r.CompletedAt.Valid {
		s.CompletedAt = &r.CompletedAt.Time
	}
	return &s
}

type sampleRow struct {
	SessionID   int64
	DeviceRole  string
	Timestamp   time.Time
	PowerW      float64
	EnergyKWH   float64
	VoltageV    sql.NullFloat64
	FrequencyHz sql.NullFloat64
}

func (r *sampleRow) toSample() measurement.Sample {
	s := measurement.Sample{
		SessionID: r.SessionID,
		Role:      meter.Role(r.DeviceRole),
		Timestamp: r.Timestamp,
		PowerW:    r.PowerW,
		EnergyKWH: r.EnergyKWH,
	}
	if r.VoltageV.Valid {
		s.VoltageV = &r.VoltageV.Float64
	}
	if r.FrequencyHz.Valid {
		s.FrequencyHz = &r.FrequencyHz.Float64
	}
	return s
}

func nullFloat(f *float64) sql.NullFloat64 {
	if f == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *f, Valid: true}
}

func nullSeconds(d *time.Duration) sql.NullInt64 {
	if d == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(d.Seconds()), Valid: true}
}
