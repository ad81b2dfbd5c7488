package meter

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/sigurn/crc16"

	"github.com/dbarasti/PowerMeter/internal/modbus"
)

func testTime(t *testing.T) time.Time {
	t.Helper()
	return time.Date(2026, time.February, 10, 9, 30, 0, 0, time.UTC)
}

var rtuTable = crc16.MakeTable(crc16.CRC16_MODBUS)

// replyFrame builds a complete Read Input Registers reply for registers.
func replyFrame(address byte, registers []uint16) []byte {
	frame := []byte{address, 0x04, byte(2 * len(registers))}
	for _, reg := range registers {
		frame = append(frame, byte(reg>>8), byte(reg))
	}
	sum := crc16.Checksum(frame, rtuTable)
	return append(frame, byte(sum&0xFF), byte(sum>>8))
}

// scriptedPort replays one queued reply per write.
type scriptedPort struct {
	mu      sync.Mutex
	replies [][]byte
	pending []byte
}

func (p *scriptedPort) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.replies) > 0 {
		p.pending = p.replies[0]
		p.replies = p.replies[1:]
	}
	return len(b), nil
}

func (p *scriptedPort) Read(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.pending) == 0 {
		time.Sleep(time.Millisecond)
		return 0, nil
	}
	n := copy(b, p.pending)
	p.pending = p.pending[n:]
	return n, nil
}

func (p *scriptedPort) Close() error { return nil }

func TestReaderRead(t *testing.T) {
	layout := Layout{Start: 0, Count: 4, PowerOffset: 0, VoltageOffset: 2, FrequencyOffset: -1, WordSwap: true, PowerScale: 1000}
	device := Device{Role: RoleHeater, Address: 3, Layout: layout}

	registers := make([]uint16, layout.Count)
	putFloat(registers, 0, 2.25, true) // 2.25 kW
	putFloat(registers, 2, 229.0, true)

	port := &scriptedPort{replies: [][]byte{replyFrame(3, registers)}}
	bus := modbus.NewBus(port, time.Second)
	defer bus.Close()

	reading, err := NewReader(bus).Read(context.Background(), device)
	if err != nil {
		t.Fatalf("Read() error: %v", err)
	}
	if math.Abs(reading.Power-2250) > 1e-3 {
		t.Errorf("power = %.3fW, want 2250W", reading.Power)
	}
	if reading.Voltage == nil || math.Abs(*reading.Voltage-229) > 1e-3 {
		t.Errorf("voltage = %v, want 229V", reading.Voltage)
	}
	if reading.Timestamp.IsZero() {
		t.Error("timestamp not set")
	}
}

func TestReaderRead_ReleasesBusOnError(t *testing.T) {
	device := Device{Role: RoleHeater, Address: 3, Layout: DefaultLayout()}

	port := &scriptedPort{} // no reply queued, every read times out
	bus := modbus.NewBus(port, 10*time.Millisecond)
	defer bus.Close()

	reader := NewReader(bus)
	if _, err := reader.Read(context.Background(), device); !errors.Is(err, modbus.ErrTimeout) {
		t.Fatalf("Read() error = %v, want ErrTimeout", err)
	}

	// A failed read must not leave the bus held.
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	conn, err := bus.Acquire(ctx)
	if err != nil {
		t.Fatalf("Acquire() after failed read: %v", err)
	}
	conn.Release()
}

func TestReaderRead_ExceptionReply(t *testing.T) {
	device := Device{Role: RoleFan, Address: 7, Layout: DefaultLayout()}

	frame := []byte{7, 0x84, 0x02}
	sum := crc16.Checksum(frame, rtuTable)
	frame = append(frame, byte(sum&0xFF), byte(sum>>8))

	port := &scriptedPort{replies: [][]byte{frame}}
	bus := modbus.NewBus(port, time.Second)
	defer bus.Close()

	_, err := NewReader(bus).Read(context.Background(), device)
	var exc *modbus.ExceptionError
	if !errors.As(err, &exc) {
		t.Fatalf("Read() error = %v, want *ExceptionError", err)
	}
	if !IsDecodeError(err) {
		t.Errorf("IsDecodeError(%v) = false, want true", err)
	}
}
