package feetech

import (
	"bytes"
	"errors"
	"sync"
	"time"
)

// mockPort answers each written packet with the next queued response
type mockPort struct {
	mu        sync.Mutex
	responses [][]byte
	pending   bytes.Buffer
	written   [][]byte
	writeErr  error
	closed    bool
}

var _ Port = (*mockPort)(nil)

func (m *mockPort) queue(resp ...[]byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.responses = append(m.responses, resp...)
}

func (m *mockPort) Write(p []byte) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return 0, errors.New("port closed")
	}
	if m.writeErr != nil {
		return 0, m.writeErr
	}
	m.written = append(m.written, append([]byte(nil), p...))
	if len(m.responses) > 0 {
		m.pending.Write(m.responses[0])
		m.responses = m.responses[1:]
	}
	return len(p), nil
}

func (m *mockPort) Read(p []byte) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.pending.Len() == 0 {
		// behave like a serial read that timed out
		time.Sleep(time.Millisecond)
		return 0, nil
	}
	return m.pending.Read(p)
}

func (m *mockPort) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func (m *mockPort) SetReadTimeout(time.Duration) error { return nil }

func (m *mockPort) ResetInputBuffer() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pending.Reset()
	return nil
}

func (m *mockPort) lastWrite() []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.written) == 0 {
		return nil
	}
	return m.written[len(m.written)-1]
}

// response frames a status packet the way a servo would
func response(id byte, status byte, params ...byte) []byte {
	return Encode(id, status, params)
}
