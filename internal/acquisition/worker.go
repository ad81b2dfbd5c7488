// Package acquisition drives the per-session polling loop: one goroutine
// reads both meters at the configured cadence, derives cumulative energy and
// submits samples to the store. Read and store failures stay inside the
// loop; only the session lifecycle decides when it stops.
package acquisition

import (
	"context"
	"io"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/dbarasti/PowerMeter/internal/measurement"
	"github.com/dbarasti/PowerMeter/internal/meter"
)

// State is the worker's lifecycle position.
type State int32

const (
	StateStarting State = iota
	StatePolling
	StateStopping
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateStarting:
		return "STARTING"
	case StatePolling:
		return "POLLING"
	case StateStopping:
		return "STOPPING"
	case StateStopped:
		return "STOPPED"
	}
	return "UNKNOWN"
}

// DefaultReadAttempts is the per-device attempt budget for one logical read.
const DefaultReadAttempts = 3

// DeviceReader reads one addressed device. Implemented by meter.Reader.
type DeviceReader interface {
	Read(ctx context.Context, d meter.Device) (meter.Reading, error)
}

// SampleStore is the durable sink the worker submits to.
type SampleStore interface {
	AppendSample(ctx context.Context, sample measurement.Sample) error
}

// Config fixes a worker to one session.
type Config struct {
	SessionID int64
	Devices   []meter.Device // read order within a tick
	Interval  time.Duration

	// Duration bounds the session; nil runs until stopped.
	Duration *time.Duration

	// ReadAttempts per logical read; zero means DefaultReadAttempts.
	ReadAttempts int

	// InterRequestDelay is the settling pause between the two device reads
	// of a tick. The daisy-chained bus needs it.
	InterRequestDelay time.Duration
}

// WithLogger sets the worker's logger.
func WithLogger(logger *slog.Logger) func(*Worker) {
	return func(w *Worker) {
		w.logger = logger.With(slog.Int64("sessionID", w.cfg.SessionID))
	}
}

// Worker polls both devices for one running session.
type Worker struct {
	cfg    Config
	reader DeviceReader
	store  SampleStore
	logger *slog.Logger

	state atomic.Int32
	done  chan struct{}

	// last successfully stored sample per device, the integration base for
	// cumulative energy.
	last map[meter.Role]measurement.Sample
}

// NewWorker creates a worker in STARTING state with a discard logger.
func NewWorker(reader DeviceReader, store SampleStore, cfg Config, options ...func(*Worker)) *Worker {
	if cfg.ReadAttempts <= 0 {
		cfg.ReadAttempts = DefaultReadAttempts
	}

	w := Worker{
		cfg:    cfg,
		reader: reader,
		store:  store,
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
		done:   make(chan struct{}),
		last:   make(map[meter.Role]measurement.Sample),
	}

	for _, option := range options {
		option(&w)
	}

	return &w
}

// State returns the worker's current lifecycle state.
func (w *Worker) State() State {
	return State(w.state.Load())
}

// Done is closed once the worker has fully stopped.
func (w *Worker) Done() <-chan struct{} {
	return w.done
}

// Run executes the polling loop until ctx is cancelled or the configured
// duration elapses. It always returns with the worker in STOPPED state and
// the Done channel closed; an in-flight tick is finished, never interrupted.
func (w *Worker) Run(ctx context.Context) {
	defer func() {
		w.state.Store(int32(StateStopped))
		close(w.done)
		w.logger.Info("acquisition stopped")
	}()

	w.probe(ctx)

	startedAt := time.Now()
	w.state.Store(int32(StatePolling))
	w.logger.Info("acquisition started",
		slog.Duration("interval", w.cfg.Interval),
		slog.Int("devices", len(w.cfg.Devices)))

	ticker := time.NewTicker(w.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.state.Store(int32(StateStopping))
			return

		case <-ticker.C:
			if w.cfg.Duration != nil && time.Since(startedAt) >= *w.cfg.Duration {
				w.logger.Info("configured duration reached",
					slog.Duration("duration", *w.cfg.Duration))
				w.state.Store(int32(StateStopping))
				return
			}
			w.tick(ctx)
		}
	}
}

// probe checks that both devices answer before polling begins. Failures are
// logged and ignored; an unreachable device is retried tick by tick.
func (w *Worker) probe(ctx context.Context) {
	for _, device := range w.cfg.Devices {
		if _, err := w.reader.Read(ctx, device); err != nil {
			w.logger.Warn("device probe failed",
				slog.String("device", string(device.Role)),
				slog.String("error", err.Error()))
		}
	}
}

// tick reads every device in order. One device failing never blocks the
// other; nothing raised here crosses the tick boundary.
func (w *Worker) tick(ctx context.Context) {
	for i, device := range w.cfg.Devices {
		if i > 0 && w.cfg.InterRequestDelay > 0 {
			select {
			case <-time.After(w.cfg.InterRequestDelay):
			case <-ctx.Done():
				return
			}
		}

		reading, ok := w.read(ctx, device)
		if !ok {
			continue
		}
		w.submit(ctx, reading)
	}
}

// read performs one logical read: up to ReadAttempts bus transactions, on
// both transport and decode failures. The transport timeout is the only
// inter-attempt delay.
func (w *Worker) read(ctx context.Context, device meter.Device) (meter.Reading, bool) {
	for attempt := 1; attempt <= w.cfg.ReadAttempts; attempt++ {
		reading, err := w.reader.Read(ctx, device)
		if err == nil {
			return reading, true
		}
		if ctx.Err() != nil {
			return meter.Reading{}, false
		}

		kind := "transport"
		if meter.IsDecodeError(err) {
			kind = "decode"
		}
		w.logger.Warn("device read failed",
			slog.String("device", string(device.Role)),
			slog.Int("attempt", attempt),
			slog.String("kind", kind),
			slog.String("error", err.Error()))
	}

	w.logger.Warn("device skipped for this tick",
		slog.String("device", string(device.Role)),
		slog.Int("attempts", w.cfg.ReadAttempts))
	return meter.Reading{}, false
}

// submit derives the cumulative energy for the reading and appends it. A
// failed append is dropped: the sample is not queued and does not become the
// next integration base.
func (w *Worker) submit(ctx context.Context, reading meter.Reading) {
	sample := measurement.Sample{
		SessionID:   w.cfg.SessionID,
		Role:        reading.Role,
		Timestamp:   reading.Timestamp,
		PowerW:      reading.Power,
		EnergyKWH:   w.accumulate(reading),
		VoltageV:    reading.Voltage,
		FrequencyHz: reading.Frequency,
	}

	if err := w.store.AppendSample(ctx, sample); err != nil {
		w.logger.Warn("sample dropped",
			slog.String("device", string(sample.Role)),
			slog.Time("timestamp", sample.Timestamp),
			slog.String("error", err.Error()))
		return
	}

	w.last[sample.Role] = sample
}

// accumulate integrates power over the gap since the device's previous
// stored sample, by the trapezoidal rule. The first stored sample of a
// device starts the session's energy at zero.
func (w *Worker) accumulate(reading meter.Reading) float64 {
	previous, ok := w.last[reading.Role]
	if !ok {
		return 0
	}

	deltaHours := reading.Timestamp.Sub(previous.Timestamp).Hours()
	if deltaHours <= 0 {
		return previous.EnergyKWH
	}

	avgPower := (previous.PowerW + reading.Power) / 2
	return previous.EnergyKWH + avgPower*deltaHours/1000
}
