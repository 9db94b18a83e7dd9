// Package csvsink writes time-aligned telemetry rows for groups of actuators into
// comma-separated files, one file per group.
package csvsink

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/sync/singleflight"
)

var (
	ErrNoPath   = errors.New("destination path is required")
	ErrRowShape = errors.New("row does not match header")
	ErrClosed   = errors.New("sink is closed")
)

// Sink owns one destination file. The file is created lazily on the first row, truncating
// anything left by a previous run, and the header is written once right after it opens.
// A failed write is returned to the caller but leaves the sink usable for the next row.
type Sink struct {
	path   string
	header []string

	init singleflight.Group

	mu     sync.Mutex
	file   io.WriteCloser
	closed bool

	// create opens the destination. Replaced in tests.
	create func(path string) (io.WriteCloser, error)
}

// NewSink returns a sink for path whose rows follow header
func NewSink(path string, header []string) *Sink {
	return &Sink{
		path:   path,
		header: header,
		create: createFile,
	}
}

func createFile(path string) (io.WriteCloser, error) {
	if dir := filepath.Dir(path); dir != "" {
		err := os.MkdirAll(dir, 0o755)
		if err != nil {
			return nil, fmt.Errorf("error creating log directory: %w", err)
		}
	}
	return os.Create(path)
}

// Path returns the destination path
func (s *Sink) Path() string {
	return s.path
}

// Header returns a copy of the header row
func (s *Sink) Header() []string {
	return append([]string(nil), s.header...)
}

// AppendRow writes one row. values must have exactly one entry per header column.
func (s *Sink) AppendRow(ctx context.Context, values []any) error {
	if s.path == "" {
		return ErrNoPath
	}
	if len(values) != len(s.header) {
		return fmt.Errorf("%w: expected %d fields, got %d", ErrRowShape, len(s.header), len(values))
	}

	err := s.ensureOpen(ctx)
	if err != nil {
		return err
	}

	line := formatRow(values)

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}

	_, err = io.WriteString(s.file, line)
	if err != nil {
		return fmt.Errorf("error writing row to %s: %w", s.path, err)
	}
	return nil
}

// ensureOpen opens the file once. Callers that arrive while the open is in flight wait for
// that same attempt; a failed attempt is retried by the next row.
func (s *Sink) ensureOpen(ctx context.Context) error {
	s.mu.Lock()
	switch {
	case s.closed:
		s.mu.Unlock()
		return ErrClosed
	case s.file != nil:
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	ch := s.init.DoChan(s.path, func() (any, error) {
		return nil, s.open()
	})

	select {
	case res := <-ch:
		return res.Err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Sink) open() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	// a previous flight may have finished between the caller's check and this one starting
	if s.file != nil || s.closed {
		return nil
	}

	f, err := s.create(s.path)
	if err != nil {
		return fmt.Errorf("error opening %s: %w", s.path, err)
	}

	if len(s.header) > 1 {
		values := make([]any, len(s.header))
		for i, h := range s.header {
			values[i] = h
		}
		_, err = io.WriteString(f, formatRow(values))
		if err != nil {
			f.Close()
			return fmt.Errorf("error writing header to %s: %w", s.path, err)
		}
	}

	s.file = f
	return nil
}

// Close closes the file. Later rows fail with ErrClosed.
func (s *Sink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true

	if s.file == nil {
		return nil
	}

	if syncer, ok := s.file.(interface{ Sync() error }); ok {
		err := syncer.Sync()
		if err != nil {
			s.file.Close()
			return fmt.Errorf("error syncing %s: %w", s.path, err)
		}
	}
	return s.file.Close()
}
