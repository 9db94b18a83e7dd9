// Package sweep drives one actuator through its configured positions forever, holding
// each position for its dwell time before commanding the next one.
package sweep

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/calvinmclean/servorig"
	"github.com/calvinmclean/servorig/clock"
)

var ErrNoPositions = errors.New("sweep has no positions")

// Writer sends register writes to actuators
type Writer interface {
	Write(ctx context.Context, payload servorig.Payload, ids []servorig.ActuatorID) error
}

// Observer is notified after every command attempt
type Observer interface {
	Commanded(id servorig.ActuatorID, target int, initial bool, err error)
}

// State is what an Engine has done so far. Only the Engine writes it.
type State struct {
	// Cursor is the index of the next position to command
	Cursor int
	// Target is the last successfully commanded position, nil until the first success
	Target *int
	// CommandedAt is the time of the last successful command
	CommandedAt time.Time
	// Initialized is set once torque, speed and acceleration have been written
	Initialized bool

	Commands int
	Failures int
}

// Result is the outcome of one command attempt
type Result struct {
	Target  int
	Initial bool
	Err     error
}

func (r Result) OK() bool {
	return r.Err == nil
}

// Engine schedules and issues the commands for one actuator. At most one trigger is
// pending at any time; arming a new one cancels the old one.
type Engine struct {
	cfg    Config
	bus    Writer
	clock  clock.Clock
	logger *slog.Logger
	obs    Observer

	ctx       context.Context
	startTime time.Time

	mu      sync.Mutex
	state   State
	pending *clock.Timer
	started bool
	stopped bool

	inflight sync.WaitGroup
}

type Option func(*Engine)

func WithClock(c clock.Clock) Option {
	return func(e *Engine) { e.clock = c }
}

func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

func WithObserver(o Observer) Option {
	return func(e *Engine) { e.obs = o }
}

// New creates an Engine for cfg. A config with no positions cannot be swept.
func New(cfg Config, bus Writer, opts ...Option) (*Engine, error) {
	if len(cfg.Positions) == 0 {
		return nil, fmt.Errorf("actuator %d: %w", cfg.ID, ErrNoPositions)
	}
	if bus == nil {
		return nil, errors.New("bus is required")
	}

	e := &Engine{
		cfg:    cfg,
		bus:    bus,
		clock:  clock.Real(),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.With("actuator", int(cfg.ID))

	return e, nil
}

// ID returns the actuator this engine drives
func (e *Engine) ID() servorig.ActuatorID {
	return e.cfg.ID
}

// Config returns the engine's configuration
func (e *Engine) Config() Config {
	return e.cfg
}

// Start arms the first step after the configured start delay. Writes are not canceled
// when ctx ends; use Stop to end the sweep. Calling Start again does nothing.
func (e *Engine) Start(ctx context.Context) {
	e.mu.Lock()
	if e.started || e.stopped {
		e.mu.Unlock()
		return
	}
	e.started = true
	e.ctx = context.WithoutCancel(ctx)
	e.startTime = e.clock.Now()
	e.mu.Unlock()

	delay := e.cfg.StartDelay()
	e.logger.Info("starting sweep", "positions", len(e.cfg.Positions), "start_delay", delay)
	e.schedule(delay)
}

// Stop cancels the pending trigger. A step that is already running finishes but does not
// schedule another one.
func (e *Engine) Stop() {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.stopped = true
	if e.pending != nil {
		e.pending.Stop()
		e.pending = nil
	}
}

// Wait blocks until no step is running or ctx ends
func (e *Engine) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		e.inflight.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Pending reports whether a trigger is armed
func (e *Engine) Pending() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.pending != nil
}

// State returns a copy of the current state
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()

	s := e.state
	if s.Target != nil {
		target := *s.Target
		s.Target = &target
	}
	return s
}

func (e *Engine) schedule(d time.Duration) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.stopped {
		return
	}
	if e.pending != nil {
		e.pending.Stop()
	}
	e.pending = e.clock.AfterFunc(d, e.step)
}

// step runs one iteration: pick the target, command it, record the outcome and arm the
// next step. The next step is armed whether or not the command succeeded.
func (e *Engine) step() {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return
	}
	e.pending = nil
	e.inflight.Add(1)

	idx := e.state.Cursor
	target := e.cfg.Positions[idx%len(e.cfg.Positions)]
	e.state.Cursor = (idx + 1) % len(e.cfg.Positions)
	initial := !e.state.Initialized
	e.mu.Unlock()
	defer e.inflight.Done()

	dwell := e.cfg.Dwell(idx)

	res := e.command(target, initial)

	e.mu.Lock()
	if res.OK() {
		e.state.Initialized = true
		e.state.Target = &target
		e.state.CommandedAt = e.clock.Now()
		e.state.Commands++
	} else {
		e.state.Failures++
	}
	e.mu.Unlock()

	if res.OK() {
		e.logger.Debug("commanded", "target", target, "initial", initial, "dwell", dwell, "elapsed", e.elapsed())
	} else {
		e.logger.Error("error commanding actuator", "target", target, "dwell", dwell, "elapsed", e.elapsed(), "error", res.Err)
	}
	if e.obs != nil {
		e.obs.Commanded(e.cfg.ID, target, initial, res.Err)
	}

	e.schedule(dwell)
}

func (e *Engine) command(target int, initial bool) Result {
	payload := PositionPayload(target)
	if initial {
		payload = e.cfg.InitialPayload(target)
	}

	err := e.bus.Write(e.ctx, payload, []servorig.ActuatorID{e.cfg.ID})
	if err != nil {
		err = fmt.Errorf("error writing goal position %d: %w", target, err)
	}
	return Result{Target: target, Initial: initial, Err: err}
}

// elapsed is the time since Start, used to stamp diagnostics
func (e *Engine) elapsed() time.Duration {
	return e.clock.Now().Sub(e.startTime)
}
