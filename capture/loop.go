// Package capture samples the last commanded targets and the latest telemetry on a fixed
// cadence and appends one row per logging group.
package capture

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/calvinmclean/servorig"
	"github.com/calvinmclean/servorig/clock"
	"github.com/calvinmclean/servorig/csvsink"
)

const (
	// DefaultInterval is the cadence used when none is configured
	DefaultInterval = 100 * time.Millisecond
	// FallbackInterval replaces an interval configured as zero or less
	FallbackInterval = 500 * time.Millisecond
)

// Targets reports the last successfully commanded position for an actuator
type Targets interface {
	Target(id servorig.ActuatorID) (int, bool)
}

// Snapshots reports the latest telemetry for an actuator
type Snapshots interface {
	Get(id servorig.ActuatorID) (servorig.Snapshot, bool)
}

// Observer is told what happened to each group on every tick
type Observer interface {
	RowWritten(path string, err error)
	RowSuppressed(path string)
}

// Loop writes one row per group per tick
type Loop struct {
	sinks     *csvsink.Manager
	targets   Targets
	snapshots Snapshots

	clock    clock.Clock
	interval time.Duration
	logger   *slog.Logger
	obs      Observer

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

type Option func(*Loop)

func WithClock(c clock.Clock) Option {
	return func(l *Loop) { l.clock = c }
}

// WithInterval sets the cadence. Zero or negative intervals use FallbackInterval.
func WithInterval(d time.Duration) Option {
	return func(l *Loop) {
		if d <= 0 {
			d = FallbackInterval
		}
		l.interval = d
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(l *Loop) { l.logger = logger }
}

func WithObserver(o Observer) Option {
	return func(l *Loop) { l.obs = o }
}

func New(sinks *csvsink.Manager, targets Targets, snapshots Snapshots, opts ...Option) *Loop {
	l := &Loop{
		sinks:     sinks,
		targets:   targets,
		snapshots: snapshots,
		clock:     clock.Real(),
		interval:  DefaultInterval,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Interval returns the capture cadence
func (l *Loop) Interval() time.Duration {
	return l.interval
}

// Start launches the capture goroutine. It returns false without doing anything if the
// loop is already running or there is no group with at least one actuator.
func (l *Loop) Start(ctx context.Context) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.running || len(l.activeGroups()) == 0 {
		return false
	}

	ctx, cancel := context.WithCancel(ctx)
	l.running = true
	l.cancel = cancel
	l.done = make(chan struct{})

	ticker := l.clock.NewTicker(l.interval)
	go l.run(ctx, ticker, l.done)

	l.logger.Info("telemetry capture started", "interval", l.interval, "groups", len(l.activeGroups()))
	return true
}

func (l *Loop) run(ctx context.Context, ticker *clock.Ticker, done chan struct{}) {
	defer close(done)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			l.Tick(ctx, now)
		}
	}
}

// Stop ends the capture goroutine and waits for the current tick to finish
func (l *Loop) Stop() {
	l.mu.Lock()
	if !l.running {
		l.mu.Unlock()
		return
	}
	cancel, done := l.cancel, l.done
	l.running = false
	l.mu.Unlock()

	cancel()
	<-done
}

// Running reports whether the capture goroutine is active
func (l *Loop) Running() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.running
}

// Tick builds and appends one row for every group. A failed append is logged and the
// remaining groups are still written.
func (l *Loop) Tick(ctx context.Context, now time.Time) {
	for _, g := range l.activeGroups() {
		row, ok := BuildRow(g, now, l.targets, l.snapshots)
		if !ok {
			if l.obs != nil {
				l.obs.RowSuppressed(g.Path)
			}
			continue
		}

		err := l.append(ctx, g.Path, row)
		if err != nil {
			l.logger.Error("error writing telemetry row", "path", g.Path, "error", err)
		}
		if l.obs != nil {
			l.obs.RowWritten(g.Path, err)
		}
	}
}

func (l *Loop) append(ctx context.Context, path string, row []any) error {
	sink, err := l.sinks.Sink(path)
	if err != nil {
		return err
	}
	return sink.AppendRow(ctx, row)
}

func (l *Loop) activeGroups() []csvsink.Group {
	var groups []csvsink.Group
	for _, g := range l.sinks.Groups() {
		if len(g.IDs) > 0 {
			groups = append(groups, g)
		}
	}
	return groups
}

// BuildRow assembles the row for g at now. The second result is false when no actuator
// in the group has a commanded target or telemetry yet, in which case the row should not
// be written.
func BuildRow(g csvsink.Group, now time.Time, targets Targets, snapshots Snapshots) ([]any, bool) {
	row := make([]any, 0, 1+len(g.IDs)*servorig.ColumnsPerActuator)
	row = append(row, now)

	meaningful := false
	for _, id := range g.IDs {
		var target any
		if t, ok := targets.Target(id); ok {
			target = t
			meaningful = true
		}
		row = append(row, target)

		snap, ok := snapshots.Get(id)
		if !ok {
			row = append(row, nil, nil, nil, nil, nil, nil, nil)
			continue
		}
		meaningful = true
		row = append(row,
			snap.Position,
			snap.Speed,
			snap.Load,
			snap.Current,
			snap.Temperature,
			snap.Status,
			movingFlag(snap.Moving),
		)
	}

	return row, meaningful
}

// movingFlag writes the moving flag the way the register reports it
func movingFlag(moving bool) int {
	if moving {
		return 1
	}
	return 0
}
