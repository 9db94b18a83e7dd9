package servobus

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/calvinmclean/servorig"
	"github.com/calvinmclean/servorig/clock"
)

// ErrSimWrite is returned by Sim.Write while failures are enabled
var ErrSimWrite = errors.New("simulated write failure")

// simSpeed is used for actuators that have not been given a goal speed, in steps per second
const simSpeed = 1000

// SimWrite records one call to Sim.Write
type SimWrite struct {
	Payload servorig.Payload
	IDs     []servorig.ActuatorID
	At      time.Time
}

// Sim is an in-memory bus. Run announces the configured actuators once, then reports their
// telemetry every poll interval while moving each one toward its goal position.
type Sim struct {
	ids      []servorig.ActuatorID
	interval time.Duration
	clock    clock.Clock

	failWrites atomic.Bool

	mu        sync.Mutex
	actuators map[servorig.ActuatorID]*simActuator
	writes    []SimWrite
}

type simActuator struct {
	position int
	goal     int
	speed    int
	accel    int
	torque   bool
}

type SimOption func(*Sim)

func WithSimClock(c clock.Clock) SimOption {
	return func(s *Sim) { s.clock = c }
}

// WithSimInterval sets how often telemetry is reported
func WithSimInterval(d time.Duration) SimOption {
	return func(s *Sim) { s.interval = d }
}

func NewSim(ids []servorig.ActuatorID, opts ...SimOption) *Sim {
	s := &Sim{
		ids:       slices.Clone(ids),
		interval:  50 * time.Millisecond,
		clock:     clock.Real(),
		actuators: map[servorig.ActuatorID]*simActuator{},
	}
	for _, opt := range opts {
		opt(s)
	}
	for _, id := range s.ids {
		s.actuators[id] = &simActuator{position: 2048, goal: 2048}
	}
	return s
}

// FailWrites makes every Write fail until it is called with false
func (s *Sim) FailWrites(fail bool) {
	s.failWrites.Store(fail)
}

// Writes returns every accepted Write so far
func (s *Sim) Writes() []SimWrite {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.writes)
}

// Position returns the simulated position of id
func (s *Sim) Position(id servorig.ActuatorID) (int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.actuators[id]
	if !ok {
		return 0, false
	}
	return a.position, true
}

func (s *Sim) Run(ctx context.Context, events servorig.Events) error {
	if len(s.ids) > 0 {
		events.Discovered(slices.Clone(s.ids))
	}

	ticker := s.clock.NewTicker(s.interval)
	defer ticker.Stop()

	last := s.clock.Now()
	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			s.advance(now.Sub(last))
			last = now
			for _, id := range s.ids {
				events.Telemetry(id, s.snapshot(id, now))
			}
		}
	}
}

// advance moves every powered actuator toward its goal
func (s *Sim) advance(elapsed time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, a := range s.actuators {
		if !a.torque {
			continue
		}
		speed := a.speed
		if speed <= 0 {
			speed = simSpeed
		}
		step := int(float64(speed) * elapsed.Seconds())
		if step < 1 {
			step = 1
		}

		switch {
		case a.goal > a.position:
			a.position = min(a.position+step, a.goal)
		case a.goal < a.position:
			a.position = max(a.position-step, a.goal)
		}
	}
}

func (s *Sim) snapshot(id servorig.ActuatorID, now time.Time) servorig.Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	a := s.actuators[id]
	moving := a.position != a.goal

	snap := servorig.Snapshot{
		Position:    a.position,
		Temperature: 30,
		Moving:      moving,
		UpdatedAt:   now,
	}
	if moving {
		snap.Speed = a.speed
		snap.Load = 100
		snap.Current = 20
	}
	return snap
}

// Write applies payload to each id. Unknown ids fail without affecting the others.
func (s *Sim) Write(_ context.Context, payload servorig.Payload, ids []servorig.ActuatorID) error {
	if s.failWrites.Load() {
		return ErrSimWrite
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var errs []error
	for _, id := range ids {
		a, ok := s.actuators[id]
		if !ok {
			errs = append(errs, fmt.Errorf("actuator %d not found", id))
			continue
		}
		for _, reg := range payload.Registers() {
			v := payload[reg]
			switch reg {
			case servorig.RegTorqueEnable:
				a.torque = v != 0
			case servorig.RegAcceleration:
				a.accel = v
			case servorig.RegGoalSpeed:
				a.speed = v
			case servorig.RegGoalPosition:
				a.goal = v
			}
		}
	}

	s.writes = append(s.writes, SimWrite{Payload: maps.Clone(payload), IDs: slices.Clone(ids), At: s.clock.Now()})

	return errors.Join(errs...)
}
