package stats

import (
	"math"
	"testing"
	"time"

	"github.com/dbarasti/PowerMeter/internal/measurement"
	"github.com/dbarasti/PowerMeter/internal/meter"
)

var statsBase = time.Date(2026, time.February, 10, 9, 0, 0, 0, time.UTC)

func secondlySamples(powers ...float64) []measurement.Sample {
	samples := make([]measurement.Sample, len(powers))
	for i, power := range powers {
		samples[i] = measurement.Sample{
			Role:      meter.RoleHeater,
			Timestamp: statsBase.Add(time.Duration(i) * time.Second),
			PowerW:    power,
		}
	}
	return samples
}

func TestSummarize(t *testing.T) {
	voltage := func(v float64) *float64 { return &v }

	samples := secondlySamples(1000, 2000, 3000)
	samples[0].VoltageV = voltage(229)
	samples[1].VoltageV = voltage(231)

	s := Summarize(samples)
	if s.Count != 3 {
		t.Errorf("Count = %d, want 3", s.Count)
	}
	if s.MinPowerW != 1000 || s.MaxPowerW != 3000 {
		t.Errorf("power range = [%g, %g], want [1000, 3000]", s.MinPowerW, s.MaxPowerW)
	}
	if s.AvgPowerW != 2000 {
		t.Errorf("AvgPowerW = %g, want 2000", s.AvgPowerW)
	}
	if s.AvgVoltageV == nil || *s.AvgVoltageV != 230 {
		t.Errorf("AvgVoltageV = %v, want 230", s.AvgVoltageV)
	}
	if s.AvgFrequencyHz != nil {
		t.Errorf("AvgFrequencyHz = %v, want nil", *s.AvgFrequencyHz)
	}

	// Trapezoids: (1000+2000)/2 and (2000+3000)/2 watts over one second each.
	wantEnergy := (1500.0 + 2500.0) / 3600 / 1000
	if math.Abs(s.TotalEnergyKWH-wantEnergy) > 1e-12 {
		t.Errorf("TotalEnergyKWH = %g, want %g", s.TotalEnergyKWH, wantEnergy)
	}
}

func TestSummarize_Empty(t *testing.T) {
	s := Summarize(nil)
	if s.Count != 0 || s.TotalEnergyKWH != 0 {
		t.Errorf("Summarize(nil) = %+v, want zero value", s)
	}
}

func TestEnergySeries(t *testing.T) {
	// Constant 3600W over one-second gaps adds 0.001 kWh per sample.
	samples := secondlySamples(3600, 3600, 3600, 3600)

	energies := EnergySeries(samples)
	for i, energy := range energies {
		want := 0.001 * float64(i)
		if math.Abs(energy-want) > 1e-12 {
			t.Errorf("energy[%d] = %g, want %g", i, energy, want)
		}
	}
}

func TestEnergySeries_NonDecreasing(t *testing.T) {
	samples := secondlySamples(500, 3000, 0, 0, 1200)

	energies := EnergySeries(samples)
	for i := 1; i < len(energies); i++ {
		if energies[i] < energies[i-1] {
			t.Errorf("energy decreased at index %d: %g < %g", i, energies[i], energies[i-1])
		}
	}
}

func TestEnergySeries_DuplicateTimestamp(t *testing.T) {
	samples := secondlySamples(1000, 1000)
	samples[1].Timestamp = samples[0].Timestamp

	energies := EnergySeries(samples)
	if energies[1] != energies[0] {
		t.Errorf("zero-gap sample changed energy: %g -> %g", energies[0], energies[1])
	}
}

func TestDownsample(t *testing.T) {
	powers := make([]float64, 100)
	for i := range powers {
		powers[i] = 1000
	}
	powers[37] = 9000 // max
	powers[61] = 10   // min
	samples := secondlySamples(powers...)

	out := Downsample(samples, 20)
	if len(out) > 20 {
		t.Fatalf("got %d samples, want at most 20", len(out))
	}

	var hasFirst, hasLast, hasMin, hasMax bool
	for i, sample := range out {
		if i > 0 && sample.Timestamp.Before(out[i-1].Timestamp) {
			t.Errorf("downsampled output out of order at index %d", i)
		}
		switch {
		case sample.Timestamp.Equal(samples[0].Timestamp):
			hasFirst = true
		case sample.Timestamp.Equal(samples[len(samples)-1].Timestamp):
			hasLast = true
		case sample.PowerW == 9000:
			hasMax = true
		case sample.PowerW == 10:
			hasMin = true
		}
	}
	if !hasFirst || !hasLast {
		t.Error("downsampling dropped an endpoint")
	}
	if !hasMin || !hasMax {
		t.Error("downsampling dropped the power extremes")
	}
}

func TestDownsample_SmallInput(t *testing.T) {
	samples := secondlySamples(1, 2, 3)

	if out := Downsample(samples, 10); len(out) != 3 {
		t.Errorf("got %d samples, want all 3 back", len(out))
	}
	if out := Downsample(samples, 0); len(out) != 3 {
		t.Errorf("target 0: got %d samples, want all 3 back", len(out))
	}
}
