package feetech

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"go.bug.st/serial"
)

// Port is the byte transport under a Bus
type Port interface {
	io.ReadWriteCloser
	SetReadTimeout(t time.Duration) error
	ResetInputBuffer() error
}

// OpenSerial opens a serial port with the 8N1 framing the servos use
func OpenSerial(name string, baud int) (Port, error) {
	if name == "" {
		return nil, errors.New("serial port path is required")
	}
	if baud == 0 {
		baud = DefaultBaudRate
	}

	p, err := serial.Open(name, &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	})
	if err != nil {
		return nil, fmt.Errorf("error opening serial port %s: %w", name, err)
	}
	return p, nil
}

const DefaultBaudRate = 1000000

// BusConfig configures a Bus
type BusConfig struct {
	// Timeout bounds how long a response is waited for. Default is 50ms.
	Timeout time.Duration
	// MinCommandGap is the minimum time between packets. Default is 1ms.
	MinCommandGap time.Duration
}

// Bus serializes request/response exchanges with servos on one Port
type Bus struct {
	port    Port
	timeout time.Duration
	gap     time.Duration

	mu      sync.Mutex
	lastCmd time.Time
	closed  bool
}

func NewBus(port Port, cfg BusConfig) *Bus {
	if cfg.Timeout == 0 {
		cfg.Timeout = 50 * time.Millisecond
	}
	if cfg.MinCommandGap == 0 {
		cfg.MinCommandGap = time.Millisecond
	}
	return &Bus{
		port:    port,
		timeout: cfg.Timeout,
		gap:     cfg.MinCommandGap,
	}
}

func (b *Bus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}
	b.closed = true
	return b.port.Close()
}

// Ping checks that a servo answers at id
func (b *Bus) Ping(ctx context.Context, id int) error {
	if err := validateID(id); err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return ErrBusClosed
	}

	if err := b.sendLocked(PingPacket(byte(id))); err != nil {
		return &CommError{Op: "ping", Err: err}
	}

	resp, err := b.receiveLocked(ctx, ResponseLength(0))
	if err != nil {
		return &ServoError{ID: id, Op: "ping", Err: err}
	}
	if resp.ID != byte(id) {
		return &ServoError{ID: id, Op: "ping", Err: fmt.Errorf("%w: response from %d", ErrInvalidPacket, resp.ID)}
	}
	if resp.Status != 0 {
		return &ServoError{ID: id, Op: "ping", Status: resp.Status}
	}
	return nil
}

// ReadRegister reads length bytes starting at address
func (b *Bus) ReadRegister(ctx context.Context, id int, address byte, length int) ([]byte, error) {
	if err := validateID(id); err != nil {
		return nil, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, ErrBusClosed
	}

	if err := b.sendLocked(ReadPacket(byte(id), address, byte(length))); err != nil {
		return nil, &CommError{Op: "read", Err: err}
	}

	resp, err := b.receiveLocked(ctx, ResponseLength(length))
	if err != nil {
		return nil, &ServoError{ID: id, Op: "read", Err: err}
	}
	if resp.ID != byte(id) {
		return nil, &ServoError{ID: id, Op: "read", Err: fmt.Errorf("%w: response from %d", ErrInvalidPacket, resp.ID)}
	}
	if resp.Status != 0 {
		return nil, &ServoError{ID: id, Op: "read", Status: resp.Status}
	}
	if len(resp.Parameters) != length {
		return nil, &ServoError{ID: id, Op: "read", Err: fmt.Errorf("%w: expected %d bytes, got %d", ErrInvalidPacket, length, len(resp.Parameters))}
	}
	return resp.Parameters, nil
}

// WriteRegister writes data starting at address and waits for the acknowledgement
func (b *Bus) WriteRegister(ctx context.Context, id int, address byte, data []byte) error {
	if err := validateID(id); err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return ErrBusClosed
	}

	if err := b.sendLocked(WritePacket(byte(id), address, data)); err != nil {
		return &CommError{Op: "write", Err: err}
	}

	resp, err := b.receiveLocked(ctx, ResponseLength(0))
	if err != nil {
		return &ServoError{ID: id, Op: "write", Err: err}
	}
	if resp.Status != 0 {
		return &ServoError{ID: id, Op: "write", Status: resp.Status}
	}
	return nil
}

func validateID(id int) error {
	if id < 0 || id > MaxServoID {
		return fmt.Errorf("%w: %d (valid range: 0-%d)", ErrInvalidID, id, MaxServoID)
	}
	return nil
}

func (b *Bus) sendLocked(packet []byte) error {
	if wait := b.gap - time.Since(b.lastCmd); wait > 0 {
		time.Sleep(wait)
	}

	// drop anything left over from an earlier exchange that timed out
	if err := b.port.ResetInputBuffer(); err != nil {
		return fmt.Errorf("reset input failed: %w", err)
	}

	n, err := b.port.Write(packet)
	if err != nil {
		return fmt.Errorf("write failed: %w", err)
	}
	if n != len(packet) {
		return fmt.Errorf("incomplete write: %d of %d bytes", n, len(packet))
	}

	b.lastCmd = time.Now()
	return nil
}

func (b *Bus) receiveLocked(ctx context.Context, want int) (Packet, error) {
	buf := make([]byte, want)
	read := 0
	deadline := time.Now().Add(b.timeout)

	for read < want {
		if err := ctx.Err(); err != nil {
			return Packet{}, err
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			if read == 0 {
				return Packet{}, ErrNoResponse
			}
			return Packet{}, fmt.Errorf("%w: read %d of %d bytes", ErrTimeout, read, want)
		}

		err := b.port.SetReadTimeout(remaining)
		if err != nil {
			return Packet{}, &CommError{Op: "set timeout", Err: err}
		}

		n, err := b.port.Read(buf[read:])
		if err != nil && !errors.Is(err, io.EOF) {
			return Packet{}, &CommError{Op: "read", Err: err}
		}
		if n == 0 {
			// go.bug.st/serial returns 0, nil on timeout
			continue
		}
		read += n
	}

	pkt, _, err := Decode(buf[:read])
	return pkt, err
}

// ReadFeedback reads the whole present-state block of one servo in a single exchange
func (b *Bus) ReadFeedback(ctx context.Context, id int) (Feedback, error) {
	block, err := b.ReadRegister(ctx, id, FeedbackStart, FeedbackLength)
	if err != nil {
		return Feedback{}, err
	}
	fb, ok := DecodeFeedback(block)
	if !ok {
		return Feedback{}, &ServoError{ID: id, Op: "read feedback", Err: ErrInvalidPacket}
	}
	return fb, nil
}

// Write encodes v for reg and writes it
func (b *Bus) Write(ctx context.Context, id int, reg Register, v int) error {
	return b.WriteRegister(ctx, id, reg.Address, reg.Encode(v))
}

// ListPorts returns the serial ports present on this machine
func ListPorts() ([]string, error) {
	ports, err := serial.GetPortsList()
	if err != nil {
		return nil, fmt.Errorf("error listing serial ports: %w", err)
	}
	return ports, nil
}
