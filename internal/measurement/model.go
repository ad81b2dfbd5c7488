// Package measurement holds the domain model shared by the acquisition
// write path and the read-side consumers: test sessions, stored samples and
// derived thermal coefficients.
package measurement

import (
	"fmt"
	"time"

	"github.com/dbarasti/PowerMeter/internal/meter"
)

// Status is the lifecycle state of a test session. Transitions only move
// forward: IDLE to RUNNING to COMPLETED.
type Status string

const (
	StatusIdle      Status = "IDLE"
	StatusRunning   Status = "RUNNING"
	StatusCompleted Status = "COMPLETED"
)

// Session is one bounded or unbounded test run against a truck.
type Session struct {
	ID      int64
	TruckID string
	Notes   string

	// Internal and external surface areas of the insulated cell, when the
	// operator supplied them. Required only for the thermal coefficient.
	InternalSurfaceM2 *float64
	ExternalSurfaceM2 *float64

	// Duration is the configured test length. Nil means unbounded: the
	// session runs until explicitly stopped.
	Duration *time.Duration

	SampleInterval time.Duration
	Status         Status

	CreatedAt   time.Time
	StartedAt   *time.Time
	CompletedAt *time.Time
}

// Validate checks the operator-supplied fields of a session before creation.
func (s *Session) Validate() error {
	if s.TruckID == "" {
		return fmt.Errorf("truck identifier is required")
	}
	if s.SampleInterval < time.Second {
		return fmt.Errorf("sample interval %s must be at least one second", s.SampleInterval)
	}
	if s.Duration != nil && (*s.Duration < time.Second || *s.Duration%time.Second != 0) {
		return fmt.Errorf("duration %s must be a whole number of seconds", *s.Duration)
	}
	for name, surface := range map[string]*float64{
		"internal": s.InternalSurfaceM2,
		"external": s.ExternalSurfaceM2,
	} {
		if surface != nil && *surface <= 0 {
			return fmt.Errorf("%s surface %.2fm² must be positive", name, *surface)
		}
	}
	return nil
}

// Snapshot is the session view emitted on every status transition, consumed
// by the external API layer.
type Snapshot struct {
	ID          int64
	TruckID     string
	Status      Status
	CreatedAt   time.Time
	StartedAt   *time.Time
	CompletedAt *time.Time
}

// Snapshot returns the current transition view of the session.
func (s *Session) Snapshot() Snapshot {
	return Snapshot{
		ID:          s.ID,
		TruckID:     s.TruckID,
		Status:      s.Status,
		CreatedAt:   s.CreatedAt,
		StartedAt:   s.StartedAt,
		CompletedAt: s.CompletedAt,
	}
}

// Sample is one stored reading from one device. Immutable once stored.
type Sample struct {
	SessionID int64
	Role      meter.Role
	Timestamp time.Time

	PowerW    float64
	EnergyKWH float64 // cumulative within the session, non-decreasing per device

	VoltageV    *float64
	FrequencyHz *float64
}

// ThermalCoefficient is the global transmittance (U value) derived once per
// completed session. Recomputable on request, never auto-invalidated.
type ThermalCoefficient struct {
	SessionID int64

	TempInternalC float64
	TempExternalC float64

	EquivalentSurfaceM2 float64
	AvgPowerW           float64
	DeltaT              float64
	UValue              float64 // W/m²K

	CalculatedAt time.Time
}
