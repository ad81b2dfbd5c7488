package meter

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/dbarasti/PowerMeter/internal/modbus"
)

// Plausibility limits from the bench devices. Values outside these ranges
// are register garbage, not measurements.
const (
	maxPowerW      = 100_000
	maxVoltageV    = 500
	minFrequencyHz = 40
	maxFrequencyHz = 70
)

// ErrImplausible is returned when a decoded value falls outside the
// physically plausible range for its quantity.
var ErrImplausible = errors.New("meter: implausible value decoded")

// IsDecodeError reports whether err is a reply-decoding failure (checksum,
// framing, device exception or implausible value) as opposed to a transport
// failure. Both are retried the same way; the split exists for logging.
func IsDecodeError(err error) bool {
	var exc *modbus.ExceptionError
	return errors.Is(err, modbus.ErrCRC) ||
		errors.Is(err, modbus.ErrBadFrame) ||
		errors.Is(err, ErrImplausible) ||
		errors.As(err, &exc)
}

// Reader issues read-measurement requests over the shared bus. It performs
// exactly one bus transaction per Read call and never retries; the
// acquisition worker owns the retry policy.
type Reader struct {
	bus *modbus.Bus
}

// NewReader creates a Reader over bus.
func NewReader(bus *modbus.Bus) *Reader {
	return &Reader{bus: bus}
}

// Read fetches the device's register block and decodes it into a Reading.
func (r *Reader) Read(ctx context.Context, d Device) (Reading, error) {
	request := modbus.ReadRequest(d.Address, d.Layout.Start, d.Layout.Count)

	conn, err := r.bus.Acquire(ctx)
	if err != nil {
		return Reading{}, fmt.Errorf("acquiring bus: %w", err)
	}
	response, err := conn.Transact(request, modbus.ResponseLength(d.Layout.Count))
	conn.Release() // decode happens off the bus
	if err != nil {
		return Reading{}, fmt.Errorf("reading device %s (address %d): %w", d.Role, d.Address, err)
	}

	registers, err := modbus.ParseReadResponse(response, d.Address, d.Layout.Count)
	if err != nil {
		return Reading{}, fmt.Errorf("decoding device %s reply: %w", d.Role, err)
	}

	return decodeReading(d, registers, time.Now().UTC())
}

func decodeReading(d Device, registers []uint16, now time.Time) (Reading, error) {
	reading := Reading{
		Role:      d.Role,
		Timestamp: now.Truncate(time.Millisecond),
	}

	power := registerFloat(registers, d.Layout.PowerOffset, d.Layout.WordSwap) * d.Layout.PowerScale
	if power < 0 || power > maxPowerW || math.IsNaN(power) {
		return Reading{}, fmt.Errorf("%w: power %.1fW", ErrImplausible, power)
	}
	reading.Power = power

	if d.Layout.VoltageOffset >= 0 {
		voltage := registerFloat(registers, d.Layout.VoltageOffset, d.Layout.WordSwap)
		if voltage < 0 || voltage > maxVoltageV || math.IsNaN(voltage) {
			return Reading{}, fmt.Errorf("%w: voltage %.1fV", ErrImplausible, voltage)
		}
		reading.Voltage = &voltage
	}

	if d.Layout.FrequencyOffset >= 0 {
		frequency := registerFloat(registers, d.Layout.FrequencyOffset, d.Layout.WordSwap)
		if frequency < minFrequencyHz || frequency > maxFrequencyHz || math.IsNaN(frequency) {
			return Reading{}, fmt.Errorf("%w: frequency %.1fHz", ErrImplausible, frequency)
		}
		reading.Frequency = &frequency
	}

	return reading, nil
}

// registerFloat reassembles the float32 stored in the register pair at
// offset. With wordSwap the low float word arrives first.
func registerFloat(registers []uint16, offset int, wordSwap bool) float64 {
	hi, lo := registers[offset], registers[offset+1]
	if wordSwap {
		hi, lo = lo, hi
	}
	return float64(math.Float32frombits(uint32(hi)<<16 | uint32(lo)))
}
