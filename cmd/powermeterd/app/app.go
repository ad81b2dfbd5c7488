// Package app wires the acquisition daemon: configuration, serial bus,
// storage and the session lifecycle around a single test run.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/dbarasti/PowerMeter/internal/measurement"
	"github.com/dbarasti/PowerMeter/internal/meter"
	"github.com/dbarasti/PowerMeter/internal/modbus"
	"github.com/dbarasti/PowerMeter/internal/session"
	"github.com/dbarasti/PowerMeter/internal/storage"
)

const (
	storageDir  = "data"
	storageFile = "powermeter.sqlite"
)

// RunOptions describes the single test session the daemon executes.
type RunOptions struct {
	TruckID string
	Notes   string

	// Duration bounds the session; zero runs until interrupted.
	Duration time.Duration

	// SampleInterval overrides the configured acquisition interval when
	// positive.
	SampleInterval time.Duration

	// InternalSurfaceM2 and ExternalSurfaceM2 are optional cell surfaces,
	// recorded for the thermal coefficient.
	InternalSurfaceM2 float64
	ExternalSurfaceM2 float64
}

// Run executes one acquisition session to completion. It returns when the
// session self-stops at its configured duration or, on ctx cancellation,
// after the session has been stopped and marked COMPLETED.
func Run(ctx context.Context, config *Config, options RunOptions, logger *slog.Logger) error {
	if options.TruckID == "" {
		return errors.New("truck identifier is required")
	}

	store, err := createStorage(&config.Storage)
	if err != nil {
		return fmt.Errorf("failed to create storage: %w", err)
	}
	defer store.Close()

	busConfig, err := config.Bus.modbusConfig()
	if err != nil {
		return err
	}
	bus, err := modbus.Open(busConfig)
	if err != nil {
		return fmt.Errorf("failed to open bus: %w", err)
	}
	defer bus.Close()

	devices, err := config.MeterDevices()
	if err != nil {
		return fmt.Errorf("failed to create devices: %w", err)
	}

	manager := session.NewManager(store, meter.NewReader(bus), devices,
		session.WithLogger(logger),
		session.WithReadAttempts(config.Acquisition.ReadAttempts),
		session.WithInterRequestDelay(config.Bus.InterRequestDelay.Std()))

	created, err := manager.Create(ctx, newSession(config, options))
	if err != nil {
		return err
	}
	if err = manager.Start(ctx, created.ID); err != nil {
		return fmt.Errorf("starting session %d: %w", created.ID, err)
	}

	if err = manager.Wait(ctx); err != nil {
		// Interrupted; stop the session cleanly before shutting down.
		logger.Info("shutdown requested, stopping session", slog.Int64("sessionID", created.ID))

		stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err = manager.Stop(stopCtx, created.ID); err != nil && !errors.Is(err, session.ErrNotRunning) {
			return fmt.Errorf("stopping session %d: %w", created.ID, err)
		}
	}

	return nil
}

func newSession(config *Config, options RunOptions) *measurement.Session {
	s := measurement.Session{
		TruckID:        options.TruckID,
		Notes:          options.Notes,
		SampleInterval: config.Acquisition.SampleInterval.Std(),
	}
	if options.SampleInterval > 0 {
		s.SampleInterval = options.SampleInterval
	}
	if options.Duration > 0 {
		duration := options.Duration
		s.Duration = &duration
	}
	if options.InternalSurfaceM2 > 0 {
		internal := options.InternalSurfaceM2
		s.InternalSurfaceM2 = &internal
	}
	if options.ExternalSurfaceM2 > 0 {
		external := options.ExternalSurfaceM2
		s.ExternalSurfaceM2 = &external
	}
	return &s
}

func createStorage(config *StorageConfig) (*storage.SqliteStore, error) {
	wd, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("failed to get current working directory: %w", err)
	}

	dbPath := filepath.Join(wd, storageDir)
	if config.DataDirectory != "" {
		if filepath.IsAbs(config.DataDirectory) {
			dbPath = config.DataDirectory
		} else {
			dbPath = filepath.Join(wd, config.DataDirectory)
		}
	}

	stat, err := os.Stat(dbPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("storage directory '%s' does not exist: %w", dbPath, err)
		}
		return nil, fmt.Errorf("checking storage directory '%s': %w", dbPath, err)
	}
	if !stat.IsDir() {
		return nil, fmt.Errorf("invalid storage directory '%s'", dbPath)
	}

	return storage.NewSqliteStore(filepath.Join(dbPath, storageFile)), nil
}
