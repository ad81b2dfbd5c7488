// Package app renders a completed session's samples as a power chart or
// exports them as CSV.
package app

import (
	"context"
	"fmt"
	"image/jpeg"
	"image/png"
	"log/slog"
	"os"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/dbarasti/PowerMeter/internal/measurement"
	"github.com/dbarasti/PowerMeter/internal/meter"
	"github.com/dbarasti/PowerMeter/internal/stats"
	"github.com/dbarasti/PowerMeter/internal/storage"
)

func Run(ctx context.Context, config *Config, logger *slog.Logger) error {
	if _, err := os.Stat(config.DBPath); err != nil && os.IsNotExist(err) {
		return fmt.Errorf("database file '%s' does not exist: %w", config.DBPath, err)
	}

	store := storage.NewSqliteStore(config.DBPath)
	defer store.Close()

	session, err := store.Session(ctx, config.SessionID)
	if err != nil {
		return err
	}

	data, err := readSamples(ctx, store, session, config)
	if err != nil {
		return err
	}
	if len(data.Series) == 0 {
		return fmt.Errorf("session %d has no samples", config.SessionID)
	}

	for _, series := range data.Series {
		summary := series.Summary
		logger.Info("device summary",
			slog.String("device", string(series.Role)),
			slog.Group("stats",
				slog.Int("samples", summary.Count),
				slog.String("minPower", humanWatts(summary.MinPowerW)),
				slog.String("maxPower", humanWatts(summary.MaxPowerW)),
				slog.String("avgPower", humanWatts(summary.AvgPowerW)),
				slog.String("energy", fmt.Sprintf("%skWh", humanize.CommafWithDigits(summary.TotalEnergyKWH, 3))),
			))
	}

	if config.TempInternalC != nil && config.TempExternalC != nil {
		if err = computeThermal(ctx, store, data, config, logger); err != nil {
			return err
		}
	}

	if config.Format == FormatCSV {
		return writeCSV(config.OutputFile, data)
	}
	return renderChart(config, data, logger)
}

// computeThermal derives the session's U value from the summed device
// energies and upserts it, so a rerun with corrected temperatures replaces
// the stored coefficient.
func computeThermal(ctx context.Context, store *storage.SqliteStore, data *ChartData, config *Config, logger *slog.Logger) error {
	var totalEnergyKWH float64
	for _, series := range data.Series {
		totalEnergyKWH += series.Summary.TotalEnergyKWH
	}

	tc, err := stats.ThermalCoefficient(data.Session, totalEnergyKWH, *config.TempInternalC, *config.TempExternalC)
	if err != nil {
		return fmt.Errorf("computing thermal coefficient: %w", err)
	}
	if err = store.SaveThermalCoefficient(ctx, tc); err != nil {
		return fmt.Errorf("storing thermal coefficient: %w", err)
	}

	logger.Info("thermal coefficient",
		slog.Group("u",
			slog.String("value", fmt.Sprintf("%.3f W/m2K", tc.UValue)),
			slog.String("avgPower", humanWatts(tc.AvgPowerW)),
			slog.Float64("deltaT", tc.DeltaT),
			slog.Float64("equivalentSurface", tc.EquivalentSurfaceM2),
		))
	return nil
}

// Series holds one device's samples with read-side aggregates.
type Series struct {
	Role    meter.Role
	Samples []measurement.Sample
	Energy  []float64
	Summary stats.DeviceSummary
}

// ChartData is everything the renderer needs for one session.
type ChartData struct {
	Session *measurement.Session
	Series  []Series

	TimeStart time.Time
	TimeEnd   time.Time
	MaxPowerW float64
}

func readSamples(ctx context.Context, store *storage.SqliteStore, session *measurement.Session, config *Config) (*ChartData, error) {
	roles := []meter.Role{meter.RoleHeater, meter.RoleFan}
	if config.Device != "" {
		role := meter.Role(config.Device)
		if !role.Valid() {
			return nil, fmt.Errorf("unknown device role '%s'", config.Device)
		}
		roles = []meter.Role{role}
	}

	data := ChartData{Session: session}
	for _, role := range roles {
		iter, err := store.Samples(ctx, session.ID, storage.WithDevice(role))
		if err != nil {
			return nil, err
		}
		samples, err := storage.CollectSamples(iter)
		if err != nil {
			return nil, err
		}
		if len(samples) == 0 {
			continue
		}

		summary := stats.Summarize(samples)
		if config.MaxPoints > 0 {
			samples = stats.Downsample(samples, config.MaxPoints)
		}

		data.Series = append(data.Series, Series{
			Role:    role,
			Samples: samples,
			Energy:  stats.EnergySeries(samples),
			Summary: summary,
		})

		first, last := samples[0].Timestamp, samples[len(samples)-1].Timestamp
		if data.TimeStart.IsZero() || first.Before(data.TimeStart) {
			data.TimeStart = first
		}
		if last.After(data.TimeEnd) {
			data.TimeEnd = last
		}
		if summary.MaxPowerW > data.MaxPowerW {
			data.MaxPowerW = summary.MaxPowerW
		}
	}

	return &data, nil
}

func renderChart(config *Config, data *ChartData, logger *slog.Logger) error {
	renderer, err := NewChartRenderer(RenderConfig{
		FontPath:      config.FontPath,
		NoAnnotations: config.NoAnnotations,
	})
	if err != nil {
		return fmt.Errorf("creating chart renderer: %w", err)
	}

	logger.Info("rendering chart",
		slog.Group("image",
			slog.String("destination", config.OutputFile),
			slog.String("format", string(config.Format)),
		))

	img, err := renderer.Render(data)
	if err != nil {
		return fmt.Errorf("rendering chart: %w", err)
	}

	out, err := os.Create(config.OutputFile)
	if err != nil {
		return err
	}
	defer out.Close()

	switch config.Format {
	case FormatPNG:
		err = png.Encode(out, img)
	case FormatJPEG:
		err = jpeg.Encode(out, img, &jpeg.Options{
			Quality: 98,
		})
	}
	return err
}

func humanWatts(watts float64) string {
	fract, suffix := humanize.ComputeSI(watts)
	return fmt.Sprintf("%0.1f %sW", fract, suffix)
}
