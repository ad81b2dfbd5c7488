package storage

import (
	_ "embed"
)

//go:embed schema.sql
var schemaSQL string

const (
	insertSessionSQL = `
INSERT INTO sessions (truck_id,
                      notes,
                      internal_surface_m2,
                      external_surface_m2,
                      duration_seconds,
                      sample_interval_seconds,
                      status,
                      created_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)`

	selectSessionSQL = `
SELECT
    id,
    truck_id,
    notes,
    internal_surface_m2,
    external_surface_m2,
    duration_seconds,
    sample_interval_seconds,
    status,
    created_at,
    started_at,
    completed_at
FROM sessions
WHERE
    id = ?`

	selectSessionsSQL = `
SELECT
    id,
    truck_id,
    notes,
    internal_surface_m2,
    external_surface_m2,
    duration_seconds,
    sample_interval_seconds,
    status,
    created_at,
    started_at,
    completed_at
FROM sessions
ORDER BY created_at`

	updateSessionStatusSQL = `
UPDATE sessions
SET status       = ?,
    started_at   = COALESCE(started_at, ?),
    completed_at = COALESCE(completed_at, ?)
WHERE id = ?`

	insertSampleSQL = `
INSERT INTO samples (session_id,
                     device_role,
                     timestamp,
                     power_w,
                     energy_kwh,
                     voltage_v,
                     frequency_hz)
VALUES (?, ?, ?, ?, ?, ?, ?)`

	selectSamplesSQL = `
SELECT
    session_id,
    device_role,
    timestamp,
    power_w,
    energy_kwh,
    voltage_v,
    frequency_hz
FROM samples
WHERE
    session_id = ?`

	upsertThermalSQL = `
INSERT INTO thermal_coefficients (session_id,
                                  temp_internal_c,
                                  temp_external_c,
                                  equivalent_surface_m2,
                                  avg_power_w,
                                  delta_t,
                                  u_value,
                                  calculated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (session_id) DO UPDATE SET temp_internal_c       = excluded.temp_internal_c,
                                       temp_external_c       = excluded.temp_external_c,
                                       equivalent_surface_m2 = excluded.equivalent_surface_m2,
                                       avg_power_w           = excluded.avg_power_w,
                                       delta_t               = excluded.delta_t,
                                       u_value               = excluded.u_value,
                                       calculated_at         = excluded.calculated_at`

	selectThermalSQL = `
SELECT
    session_id,
    temp_internal_c,
    temp_external_c,
    equivalent_surface_m2,
    avg_power_w,
    delta_t,
    u_value,
    calculated_at
FROM thermal_coefficients
WHERE
    session_id = ?`
)
