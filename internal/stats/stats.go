// Package stats computes read-side aggregates over a session's stored
// samples: per-device summaries for charts and export, chart-friendly
// energy series and downsampling. It never writes.
package stats

import (
	"github.com/dbarasti/PowerMeter/internal/measurement"
)

// DeviceSummary aggregates one device's samples within a session.
type DeviceSummary struct {
	Count int

	MinPowerW float64
	MaxPowerW float64
	AvgPowerW float64

	// TotalEnergyKWH is the session energy: the last cumulative value of
	// the energy series recomputed from power.
	TotalEnergyKWH float64

	AvgVoltageV    *float64
	AvgFrequencyHz *float64
}

// Summarize aggregates samples of a single device, assumed ordered by
// timestamp ascending as the store's query contract guarantees.
func Summarize(samples []measurement.Sample) DeviceSummary {
	var s DeviceSummary
	if len(samples) == 0 {
		return s
	}

	s.Count = len(samples)
	s.MinPowerW = samples[0].PowerW
	s.MaxPowerW = samples[0].PowerW

	var powerSum, voltageSum, frequencySum float64
	var voltageCount, frequencyCount int

	for _, sample := range samples {
		powerSum += sample.PowerW
		if sample.PowerW < s.MinPowerW {
			s.MinPowerW = sample.PowerW
		}
		if sample.PowerW > s.MaxPowerW {
			s.MaxPowerW = sample.PowerW
		}
		if sample.VoltageV != nil {
			voltageSum += *sample.VoltageV
			voltageCount++
		}
		if sample.FrequencyHz != nil {
			frequencySum += *sample.FrequencyHz
			frequencyCount++
		}
	}

	s.AvgPowerW = powerSum / float64(len(samples))

	energies := EnergySeries(samples)
	s.TotalEnergyKWH = energies[len(energies)-1]

	if voltageCount > 0 {
		avg := voltageSum / float64(voltageCount)
		s.AvgVoltageV = &avg
	}
	if frequencyCount > 0 {
		avg := frequencySum / float64(frequencyCount)
		s.AvgFrequencyHz = &avg
	}

	return s
}

// EnergySeries recomputes the cumulative session energy (kWh) for each
// sample by trapezoidal integration of power over time, starting from zero
// at the first sample. The same rule the acquisition worker applies on the
// write side, so a downsampled chart stays consistent with stored values.
func EnergySeries(samples []measurement.Sample) []float64 {
	energies := make([]float64, len(samples))
	for i := 1; i < len(samples); i++ {
		deltaHours := samples[i].Timestamp.Sub(samples[i-1].Timestamp).Hours()
		if deltaHours <= 0 {
			energies[i] = energies[i-1]
			continue
		}
		avgPower := (samples[i-1].PowerW + samples[i].PowerW) / 2
		energies[i] = energies[i-1] + avgPower*deltaHours/1000
	}
	return energies
}

// Downsample reduces samples to at most target points while always keeping
// the first and last samples and the power minimum and maximum, then
// sampling the rest uniformly. Order is preserved.
func Downsample(samples []measurement.Sample, target int) []measurement.Sample {
	if target <= 0 || len(samples) <= target {
		return samples
	}

	minIdx, maxIdx := 0, 0
	for i, sample := range samples {
		if sample.PowerW < samples[minIdx].PowerW {
			minIdx = i
		}
		if sample.PowerW > samples[maxIdx].PowerW {
			maxIdx = i
		}
	}

	keep := map[int]struct{}{
		0:                {},
		len(samples) - 1: {},
		minIdx:           {},
		maxIdx:           {},
	}

	remaining := target - len(keep)
	if remaining > 0 {
		step := float64(len(samples)) / float64(remaining)
		for i := 0; i < remaining; i++ {
			keep[int(float64(i)*step)] = struct{}{}
		}
	}

	out := make([]measurement.Sample, 0, len(keep))
	for i, sample := range samples {
		if _, ok := keep[i]; ok {
			out = append(out, sample)
		}
	}
	if len(out) > target {
		out = out[: target-1 : target]
		out = append(out, samples[len(samples)-1])
	}
	return out
}
