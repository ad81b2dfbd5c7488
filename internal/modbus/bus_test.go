package modbus

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

// fakePort is an in-memory serial port. Reads drain queued reply chunks;
// an empty queue reads as (0, nil) like a port between character gaps.
type fakePort struct {
	mu      sync.Mutex
	written bytes.Buffer
	chunks  [][]byte
	closed  bool
}

func (p *fakePort) queue(chunks ...[]byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.chunks = append(p.chunks, chunks...)
}

func (p *fakePort) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.written.Write(b)
}

func (p *fakePort) Read(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.chunks) == 0 {
		// Mimic the inter-character timeout pause of the real port.
		time.Sleep(time.Millisecond)
		return 0, nil
	}

	n := copy(b, p.chunks[0])
	if n == len(p.chunks[0]) {
		p.chunks = p.chunks[1:]
	} else {
		p.chunks[0] = p.chunks[0][n:]
	}
	return n, nil
}

func (p *fakePort) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

func TestTransact_FullReply(t *testing.T) {
	port := &fakePort{}
	reply := validResponse(0x01, []uint16{0x447A, 0x0000})
	port.queue(reply[:3], reply[3:]) // reply arrives in two chunks

	bus := NewBus(port, time.Second)
	defer bus.Close()

	conn, err := bus.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire() error: %v", err)
	}
	defer conn.Release()

	request := ReadRequest(0x01, 0x0000, 2)
	response, err := conn.Transact(request, ResponseLength(2))
	if err != nil {
		t.Fatalf("Transact() error: %v", err)
	}
	if !bytes.Equal(response, reply) {
		t.Errorf("Transact() = % X, want % X", response, reply)
	}
	if !bytes.Equal(port.written.Bytes(), request) {
		t.Errorf("written % X, want % X", port.written.Bytes(), request)
	}
}

func TestTransact_Timeout(t *testing.T) {
	port := &fakePort{}
	bus := NewBus(port, 20*time.Millisecond)
	defer bus.Close()

	conn, err := bus.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire() error: %v", err)
	}
	defer conn.Release()

	_, err = conn.Transact(ReadRequest(0x01, 0x0000, 2), ResponseLength(2))
	if !errors.Is(err, ErrTimeout) {
		t.Errorf("Transact() error = %v, want ErrTimeout", err)
	}
}

func TestTransact_PartialReply(t *testing.T) {
	port := &fakePort{}
	reply := validResponse(0x01, []uint16{0x447A, 0x0000})
	port.queue(reply[:4]) // device dies mid-frame

	bus := NewBus(port, 20*time.Millisecond)
	defer bus.Close()

	conn, err := bus.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire() error: %v", err)
	}
	defer conn.Release()

	response, err := conn.Transact(ReadRequest(0x01, 0x0000, 2), ResponseLength(2))
	if err != nil {
		t.Fatalf("Transact() error: %v", err)
	}

	// Partial frames come back for the parser to reject.
	if _, err = ParseReadResponse(response, 0x01, 2); !errors.Is(err, ErrBadFrame) {
		t.Errorf("ParseReadResponse() error = %v, want ErrBadFrame", err)
	}
}

func TestTransact_ExceptionReplyShortCircuits(t *testing.T) {
	port := &fakePort{}
	exception := appendCRC([]byte{0x01, FnReadInputRegisters | 0x80, 0x02})
	port.queue(exception)

	bus := NewBus(port, time.Second)
	defer bus.Close()

	conn, err := bus.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire() error: %v", err)
	}
	defer conn.Release()

	// Ask for a full 18-register reply; the 5-byte exception must return
	// without waiting out the timeout.
	start := time.Now()
	response, err := conn.Transact(ReadRequest(0x01, 0x0000, 18), ResponseLength(18))
	if err != nil {
		t.Fatalf("Transact() error: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Errorf("exception reply took %s, expected early return", elapsed)
	}

	var exc *ExceptionError
	if _, err = ParseReadResponse(response, 0x01, 18); !errors.As(err, &exc) {
		t.Errorf("ParseReadResponse() error = %v, want *ExceptionError", err)
	}
}

func TestAcquire_Exclusive(t *testing.T) {
	bus := NewBus(&fakePort{}, time.Second)
	defer bus.Close()

	conn, err := bus.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire() error: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err = bus.Acquire(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("second Acquire() error = %v, want DeadlineExceeded", err)
	}

	conn.Release()

	second, err := bus.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire() after release error: %v", err)
	}
	second.Release()
}

func TestRelease_Idempotent(t *testing.T) {
	bus := NewBus(&fakePort{}, time.Second)
	defer bus.Close()

	conn, err := bus.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire() error: %v", err)
	}
	conn.Release()
	conn.Release() // must not fill the semaphore twice

	second, err := bus.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire() error: %v", err)
	}
	second.Release()

	if _, err = conn.Transact(ReadRequest(0x01, 0, 1), ResponseLength(1)); err == nil {
		t.Error("Transact() on released connection succeeded, want error")
	}
}

func TestAcquire_AfterClose(t *testing.T) {
	port := &fakePort{}
	bus := NewBus(port, time.Second)

	if err := bus.Close(); err != nil {
		t.Fatalf("Close() error: %v", err)
	}
	if err := bus.Close(); err != nil {
		t.Fatalf("second Close() error: %v", err)
	}

	if _, err := bus.Acquire(context.Background()); !errors.Is(err, ErrClosed) {
		t.Errorf("Acquire() error = %v, want ErrClosed", err)
	}
	if !port.closed {
		t.Error("underlying port left open")
	}
}
