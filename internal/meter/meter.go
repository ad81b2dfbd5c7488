// Package meter implements the protocol-level client for the bench power
// meters: one addressed block read per device per sample, decoded into
// engineering units.
package meter

import (
	"fmt"
	"time"
)

// Role identifies which load a meter is wired to.
type Role string

const (
	RoleHeater Role = "heater"
	RoleFan    Role = "fan"
)

// Valid reports whether r is one of the two deployed roles.
func (r Role) Valid() bool {
	return r == RoleHeater || r == RoleFan
}

// Layout describes where a device's measurements live within the register
// block fetched by a single read, and how to interpret them.
//
// Offsets are word offsets into the block; a negative offset means the
// quantity is not read from this device. Each quantity spans two consecutive
// registers holding an IEEE 754 float32.
type Layout struct {
	Start uint16 // first input register of the block
	Count uint16 // registers fetched per read

	PowerOffset     int
	VoltageOffset   int
	FrequencyOffset int

	// WordSwap is set for devices that transmit the low float word first.
	// The bench RS-PRO units do, contrary to their documentation.
	WordSwap bool

	// PowerScale converts the decoded power value to watts. Devices
	// reporting kilowatts use 1000.
	PowerScale float64
}

// DefaultLayout returns the register layout of the bench RS-PRO meters:
// line voltage at word 0, active power (kW) at words 16..17, low word first.
func DefaultLayout() Layout {
	return Layout{
		Start:           0x0000,
		Count:           18,
		PowerOffset:     16,
		VoltageOffset:   0,
		FrequencyOffset: -1,
		WordSwap:        true,
		PowerScale:      1000,
	}
}

func (l Layout) validate() error {
	if l.Count == 0 || l.Count > 125 {
		return fmt.Errorf("register count %d out of range", l.Count)
	}
	if l.PowerScale <= 0 {
		return fmt.Errorf("power scale %g must be positive", l.PowerScale)
	}
	for name, off := range map[string]int{
		"power":     l.PowerOffset,
		"voltage":   l.VoltageOffset,
		"frequency": l.FrequencyOffset,
	} {
		if off < 0 {
			continue
		}
		if off+1 >= int(l.Count) {
			return fmt.Errorf("%s offset %d outside %d-register block", name, off, l.Count)
		}
	}
	if l.PowerOffset < 0 {
		return fmt.Errorf("power offset is required")
	}
	return nil
}

// Device is the immutable identity of one meter on the bus.
type Device struct {
	Role    Role
	Address byte
	Layout  Layout
}

// Validate checks the device identity against deployment constraints.
func (d Device) Validate() error {
	if !d.Role.Valid() {
		return fmt.Errorf("invalid device role %q", d.Role)
	}
	if d.Address == 0 || d.Address > 247 {
		return fmt.Errorf("device address %d out of range 1..247", d.Address)
	}
	if err := d.Layout.validate(); err != nil {
		return fmt.Errorf("device %s layout: %w", d.Role, err)
	}
	return nil
}

// Reading is one decoded measurement from one device.
type Reading struct {
	Role      Role
	Timestamp time.Time
	Power     float64  // watts
	Voltage   *float64 // volts, nil when not read
	Frequency *float64 // hertz, nil when not read
}
