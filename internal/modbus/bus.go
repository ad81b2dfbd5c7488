// Package modbus implements the shared half-duplex RS-485 bus transport and
// the small slice of Modbus RTU needed to read metering registers: building
// Read Input Registers requests, validating replies and their CRC.
//
// The bus is an exclusive resource. Callers acquire it, run exactly one
// transaction, and release it; only one transaction can be in flight
// system-wide.
package modbus

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/jacobsa/go-serial/serial"
)

var (
	// ErrTimeout is returned when a transaction does not complete within
	// the configured bus timeout.
	ErrTimeout = errors.New("modbus: transaction timed out")

	// ErrClosed is returned when the bus has been closed.
	ErrClosed = errors.New("modbus: bus is closed")
)

// Config holds the serial line parameters for the bus.
type Config struct {
	Port     string
	BaudRate uint
	DataBits uint
	StopBits uint
	Parity   string // "none", "even" or "odd"

	// Timeout bounds a single transaction (write plus reply).
	Timeout time.Duration
}

func parityMode(p string) (serial.ParityMode, error) {
	switch p {
	case "", "none":
		return serial.PARITY_NONE, nil
	case "even":
		return serial.PARITY_EVEN, nil
	case "odd":
		return serial.PARITY_ODD, nil
	}
	return 0, fmt.Errorf("invalid parity %q", p)
}

// Bus owns the physical serial connection and serializes access to it.
type Bus struct {
	port    io.ReadWriteCloser
	timeout time.Duration

	sem    chan struct{}
	closed chan struct{}
}

// Open opens the serial port described by cfg and returns a Bus around it.
func Open(cfg Config) (*Bus, error) {
	parity, err := parityMode(cfg.Parity)
	if err != nil {
		return nil, fmt.Errorf("opening bus: %w", err)
	}

	port, err := serial.Open(serial.OpenOptions{
		PortName:              cfg.Port,
		BaudRate:              cfg.BaudRate,
		DataBits:              cfg.DataBits,
		StopBits:              cfg.StopBits,
		ParityMode:            parity,
		MinimumReadSize:       0,
		InterCharacterTimeout: 100, // ms; Read returns once the reply gap is seen
	})
	if err != nil {
		return nil, fmt.Errorf("opening serial port %s: %w", cfg.Port, err)
	}

	return NewBus(port, cfg.Timeout), nil
}

// NewBus wraps an already open port. It is used by Open and by tests that
// substitute an in-memory port.
func NewBus(port io.ReadWriteCloser, timeout time.Duration) *Bus {
	if timeout <= 0 {
		timeout = time.Second
	}

	b := Bus{
		port:    port,
		timeout: timeout,
		sem:     make(chan struct{}, 1),
		closed:  make(chan struct{}),
	}
	b.sem <- struct{}{}

	return &b
}

// Acquire blocks until the bus is free, the context is done, or the bus is
// closed. The returned Conn must be released on all paths.
func (b *Bus) Acquire(ctx context.Context) (*Conn, error) {
	select {
	case <-b.sem:
		return &Conn{bus: b}, nil
	case <-b.closed:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close closes the underlying port. In-flight transactions fail with the
// port's read/write error; subsequent Acquire calls fail with ErrClosed.
func (b *Bus) Close() error {
	select {
	case <-b.closed:
		return nil
	default:
	}

	close(b.closed)
	return b.port.Close()
}

// Conn is a scoped acquisition of the bus.
type Conn struct {
	bus      *Bus
	released bool
}

// Release returns the bus to the pool. It is safe to call more than once.
func (c *Conn) Release() {
	if c.released {
		return
	}
	c.released = true
	c.bus.sem <- struct{}{}
}

// Transact writes request and reads a reply of up to responseLen bytes,
// bounded by the bus timeout. A Modbus exception reply (shorter than a
// normal one) is returned as-is for the caller to classify. Transact never
// retries; retry policy belongs to the caller.
func (c *Conn) Transact(request []byte, responseLen int) ([]byte, error) {
	if c.released {
		return nil, errors.New("modbus: transact on released connection")
	}

	if _, err := c.bus.port.Write(request); err != nil {
		return nil, fmt.Errorf("writing request: %w", err)
	}

	deadline := time.Now().Add(c.bus.timeout)
	response := make([]byte, 0, responseLen)
	chunk := make([]byte, responseLen)

	for {
		n, err := c.bus.port.Read(chunk)
		if n > 0 {
			response = append(response, chunk[:n]...)
		}
		if err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("reading response: %w", err)
		}

		if len(response) >= responseLen {
			return response[:responseLen], nil
		}
		if exceptionFrameComplete(response) {
			return response, nil
		}

		if time.Now().After(deadline) {
			if len(response) == 0 {
				return nil, ErrTimeout
			}
			// Partial reply: hand it back, the frame parser rejects it.
			return response, nil
		}
	}
}

// exceptionFrameComplete reports whether response holds a full Modbus
// exception reply (address, function|0x80, code, CRC).
func exceptionFrameComplete(response []byte) bool {
	return len(response) >= 5 && response[1]&0x80 != 0
}
