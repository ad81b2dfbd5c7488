package stats

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/dbarasti/PowerMeter/internal/measurement"
)

var (
	// ErrMissingSurfaces is returned when the session lacks the surface
	// areas the coefficient needs.
	ErrMissingSurfaces = errors.New("stats: internal and external surfaces are required")

	// ErrSessionNotCompleted is returned when the session has no start or
	// completion timestamp to derive the test duration from.
	ErrSessionNotCompleted = errors.New("stats: session must be completed")

	// ErrNoTemperatureDelta is returned when the internal temperature does
	// not exceed the external one.
	ErrNoTemperatureDelta = errors.New("stats: internal temperature must exceed external")
)

// ThermalCoefficient derives the global transmittance U of the insulated
// cell from a completed session:
//
//	A_eq = √(A_int · A_ext)
//	P̄   = E_total / duration
//	U    = P̄ / (A_eq · ΔT)      [W/m²K]
//
// totalEnergyKWH is the summed session energy of both devices; the supplied
// temperatures are the operator-measured means. The result carries its
// inputs so a stored coefficient can be audited and recomputed on request.
func ThermalCoefficient(session *measurement.Session, totalEnergyKWH, tempInternalC, tempExternalC float64) (*measurement.ThermalCoefficient, error) {
	if session.InternalSurfaceM2 == nil || session.ExternalSurfaceM2 == nil {
		return nil, ErrMissingSurfaces
	}
	if session.StartedAt == nil || session.CompletedAt == nil {
		return nil, ErrSessionNotCompleted
	}

	duration := session.CompletedAt.Sub(*session.StartedAt)
	if duration <= 0 {
		return nil, fmt.Errorf("stats: non-positive session duration %s", duration)
	}
	if totalEnergyKWH <= 0 {
		return nil, fmt.Errorf("stats: non-positive session energy %.4fkWh", totalEnergyKWH)
	}

	deltaT := tempInternalC - tempExternalC
	if deltaT <= 0 {
		return nil, ErrNoTemperatureDelta
	}

	equivalentSurface := math.Sqrt(*session.InternalSurfaceM2 * *session.ExternalSurfaceM2)
	avgPowerW := totalEnergyKWH * 1000 / duration.Hours()

	return &measurement.ThermalCoefficient{
		SessionID:           session.ID,
		TempInternalC:       tempInternalC,
		TempExternalC:       tempExternalC,
		EquivalentSurfaceM2: equivalentSurface,
		AvgPowerW:           avgPowerW,
		DeltaT:              deltaT,
		UValue:              avgPowerW / (equivalentSurface * deltaT),
		CalculatedAt:        time.Now().UTC(),
	}, nil
}
