// Package controller connects the servo bus to the sweep engines and the telemetry capture
// loop. It starts every configured sweep once all of their actuators have been discovered.
package controller

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/calvinmclean/servorig"
	"github.com/calvinmclean/servorig/capture"
	"github.com/calvinmclean/servorig/clock"
	"github.com/calvinmclean/servorig/csvsink"
	"github.com/calvinmclean/servorig/snapshot"
	"github.com/calvinmclean/servorig/sweep"
	"github.com/calvinmclean/servorig/twchart"
)

// DefaultShutdownTimeout bounds how long Close waits for commands that are already running
const DefaultShutdownTimeout = 2 * time.Second

// Bus writes registers and reports discovery, telemetry and errors while it runs
type Bus interface {
	sweep.Writer
	Run(ctx context.Context, events servorig.Events) error
}

// Controller owns the actuator registry, the sweep engines, the latest telemetry and the
// log files for one run
type Controller struct {
	cfg    Config
	sweeps []sweep.Config
	bus    Bus

	clock           clock.Clock
	logger          *slog.Logger
	metrics         *Metrics
	twchart         twchartClient
	shutdownTimeout time.Duration

	snapshots *snapshot.Store
	sinks     *csvsink.Manager
	capture   *capture.Loop

	mu          sync.Mutex
	ctx         context.Context
	registry    []servorig.ActuatorID
	engines     map[servorig.ActuatorID]*sweep.Engine
	started     bool
	closed      bool
	sessionID   string
	reporting   sync.WaitGroup
	reportsDone bool
}

var (
	_ servorig.Events = (*Controller)(nil)
	_ sweep.Observer  = (*Controller)(nil)
	_ capture.Targets = (*Controller)(nil)
)

type Option func(*Controller)

func WithClock(c clock.Clock) Option {
	return func(ctrl *Controller) { ctrl.clock = c }
}

func WithLogger(l *slog.Logger) Option {
	return func(ctrl *Controller) { ctrl.logger = l }
}

func WithMetrics(m *Metrics) Option {
	return func(ctrl *Controller) { ctrl.metrics = m }
}

// WithTWChartClient reports the run to a TWChart server
func WithTWChartClient(client twchartClient) Option {
	return func(ctrl *Controller) { ctrl.twchart = client }
}

func WithShutdownTimeout(d time.Duration) Option {
	return func(ctrl *Controller) { ctrl.shutdownTimeout = d }
}

// New creates a Controller for cfg. Sweeps with a non-positive or repeated id are dropped
// with a warning. Each remaining sweep with positions gets columns in its log file, which
// falls back to cfg.LogFile and then DefaultLogFile.
func New(cfg Config, bus Bus, opts ...Option) (*Controller, error) {
	if bus == nil {
		return nil, errors.New("bus is required")
	}

	c := &Controller{
		cfg:             cfg,
		bus:             bus,
		clock:           clock.Real(),
		logger:          slog.Default(),
		twchart:         noopTWChartClient{},
		shutdownTimeout: DefaultShutdownTimeout,
		snapshots:       snapshot.New(),
		sinks:           csvsink.NewManager(),
		engines:         map[servorig.ActuatorID]*sweep.Engine{},
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.metrics == nil {
		c.metrics = NewMetrics(nil)
	}

	c.sweeps = c.validSweeps(cfg.Sweeps)
	for i, s := range c.sweeps {
		if s.LogFile == "" {
			c.sweeps[i].LogFile = cmp.Or(cfg.LogFile, DefaultLogFile)
		}
	}
	for _, s := range c.sweeps {
		if len(s.Positions) == 0 {
			continue
		}
		err := c.sinks.Register(s.LogFile, s.ID)
		if err != nil {
			c.logger.Warn("ignoring sweep log group", "actuator", int(s.ID), "log_file", s.LogFile, "error", err)
		}
	}

	c.capture = capture.New(c.sinks, c, c.snapshots,
		capture.WithClock(c.clock),
		capture.WithInterval(cfg.CaptureInterval()),
		capture.WithLogger(c.logger),
		capture.WithObserver(c.metrics),
	)

	return c, nil
}

func (c *Controller) validSweeps(sweeps []sweep.Config) []sweep.Config {
	var valid []sweep.Config
	seen := map[servorig.ActuatorID]bool{}
	for i, s := range sweeps {
		switch {
		case !s.ID.Valid():
			c.logger.Warn("ignoring sweep with invalid actuator id", "index", i, "actuator", int(s.ID))
		case seen[s.ID]:
			c.logger.Warn("ignoring duplicate sweep", "index", i, "actuator", int(s.ID))
		default:
			seen[s.ID] = true
			valid = append(valid, s)
		}
	}
	return valid
}

// Run creates the TWChart session and runs the bus until ctx ends, then shuts down
func (c *Controller) Run(ctx context.Context) error {
	c.mu.Lock()
	c.ctx = ctx
	c.mu.Unlock()

	c.createSession(ctx)

	runErr := c.bus.Run(ctx, c)
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		runErr = fmt.Errorf("error running bus: %w", runErr)
	} else {
		runErr = nil
	}

	return errors.Join(runErr, c.Close(context.WithoutCancel(ctx)))
}

// createSession starts the TWChart session. Without a session id nothing else is reported.
func (c *Controller) createSession(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, twchartTimeout)
	defer cancel()

	name := sessionName(c.cfg.SessionName)
	now := c.clock.Now()
	id, err := c.twchart.CreateSession(ctx, name, now, probesFor(c.sweeps))
	if err != nil {
		c.logger.Warn("error creating TWChart session, continuing without it", "error", err)
		return
	}
	if id == "" {
		return
	}

	c.mu.Lock()
	c.sessionID = id
	c.mu.Unlock()
	c.logger.Info("created TWChart session", "id", id, "name", name)

	// sent before the bus runs so it is always the first stage
	err = c.twchart.AddStage(ctx, id, twchart.StageDiscovery, now)
	if err != nil {
		c.logger.Warn("error reporting to TWChart", "report", "stage", "error", err)
	}
}

// Discovered registers new actuators and starts the sweeps the first time every configured
// actuator is present. Until then each call logs what is still missing.
func (c *Controller) Discovered(ids []servorig.ActuatorID) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var added []servorig.ActuatorID
	for _, id := range ids {
		if !slices.Contains(c.registry, id) {
			c.registry = append(c.registry, id)
			added = append(added, id)
		}
	}
	c.metrics.setDiscovered(len(c.registry))

	now := c.clock.Now()
	for _, id := range added {
		event := twchart.Event{Actuator: id, Note: "discovered", Time: now}
		c.reportLocked("event", func(ctx context.Context, sessionID string) error {
			return c.twchart.AddEvent(ctx, sessionID, event)
		})
	}

	if c.closed {
		return
	}
	if c.started {
		if len(added) > 0 {
			c.logger.Info("actuators discovered after sweeps started", "ids", added)
		}
		return
	}

	missing := c.missingLocked()
	if len(c.registry) < len(c.sweeps) || len(missing) > 0 {
		c.logger.Warn("not starting sweeps: waiting for actuators",
			"discovered", len(c.registry),
			"configured", len(c.sweeps),
			"missing", missing,
		)
		return
	}

	c.startLocked()
}

func (c *Controller) missingLocked() []servorig.ActuatorID {
	var missing []servorig.ActuatorID
	for _, s := range c.sweeps {
		if !slices.Contains(c.registry, s.ID) {
			missing = append(missing, s.ID)
		}
	}
	return missing
}

func (c *Controller) startLocked() {
	c.started = true

	ctx := c.ctx
	if ctx == nil {
		ctx = context.Background()
	}

	var engines []*sweep.Engine
	for _, s := range c.sweeps {
		e, err := sweep.New(s, c.bus,
			sweep.WithClock(c.clock),
			sweep.WithLogger(c.logger),
			sweep.WithObserver(c),
		)
		if err != nil {
			c.logger.Warn("sweep disabled", "actuator", int(s.ID), "error", err)
			continue
		}
		c.engines[s.ID] = e
		engines = append(engines, e)
	}

	for _, e := range engines {
		e.Start(ctx)
	}
	c.logger.Info("sweeps started", "count", len(engines), "actuators", c.registry)

	if !c.capture.Start(ctx) {
		c.logger.Warn("telemetry capture not started: no log group has actuators")
	}

	now := c.clock.Now()
	c.reportLocked("stage", func(ctx context.Context, sessionID string) error {
		err := c.twchart.SetStartTime(ctx, sessionID, now)
		if err != nil {
			return err
		}
		return c.twchart.AddStage(ctx, sessionID, twchart.StageSweeping, now)
	})
}

// Telemetry stores the latest snapshot for id
func (c *Controller) Telemetry(id servorig.ActuatorID, snap servorig.Snapshot) {
	c.snapshots.Put(id, snap)
}

// Error logs a transport failure
func (c *Controller) Error(err error) {
	c.metrics.transportError()
	c.logger.Error("transport error", "error", err)
}

// Commanded counts every command and reports failures to TWChart
func (c *Controller) Commanded(id servorig.ActuatorID, target int, initial bool, err error) {
	c.metrics.Commanded(id, target, initial, err)
	if err == nil {
		return
	}

	event := twchart.Event{
		Actuator: id,
		Note:     fmt.Sprintf("command to %d failed: %v", target, err),
		Time:     c.clock.Now(),
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.reportLocked("event", func(ctx context.Context, sessionID string) error {
		return c.twchart.AddEvent(ctx, sessionID, event)
	})
}

// reportLocked sends a report for the current session in the background. Reports stop once
// Close has started waiting for them.
func (c *Controller) reportLocked(kind string, report func(ctx context.Context, sessionID string) error) {
	if c.reportsDone || c.sessionID == "" {
		return
	}
	sessionID := c.sessionID

	c.reporting.Add(1)
	go func() {
		defer c.reporting.Done()

		ctx, cancel := context.WithTimeout(context.Background(), twchartTimeout)
		defer cancel()

		err := report(ctx, sessionID)
		if err != nil {
			c.logger.Warn("error reporting to TWChart", "report", kind, "error", err)
		}
	}()
}

// Target implements capture.Targets with the last successful command of each sweep
func (c *Controller) Target(id servorig.ActuatorID) (int, bool) {
	c.mu.Lock()
	e, ok := c.engines[id]
	c.mu.Unlock()
	if !ok {
		return 0, false
	}

	state := e.State()
	if state.Target == nil {
		return 0, false
	}
	return *state.Target, true
}

// Close stops every sweep and waits up to the shutdown timeout for commands already in
// flight. Then it stops the capture loop, closes the log files and ends the TWChart session.
func (c *Controller) Close(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	engines := make([]*sweep.Engine, 0, len(c.engines))
	for _, e := range c.engines {
		engines = append(engines, e)
	}
	c.mu.Unlock()

	for _, e := range engines {
		e.Stop()
	}

	waitCtx, cancel := context.WithTimeout(ctx, c.shutdownTimeout)
	defer cancel()
	for _, e := range engines {
		err := e.Wait(waitCtx)
		if err != nil {
			c.logger.Warn("gave up waiting for sweep command", "actuator", int(e.ID()), "error", err)
		}
	}

	c.capture.Stop()
	err := c.sinks.Close()
	if err != nil {
		err = fmt.Errorf("error closing log files: %w", err)
	}

	c.mu.Lock()
	c.reportsDone = true
	sessionID := c.sessionID
	c.mu.Unlock()
	c.reporting.Wait()

	if sessionID != "" {
		doneCtx, cancel := context.WithTimeout(ctx, twchartTimeout)
		defer cancel()
		doneErr := c.twchart.Done(doneCtx, sessionID, c.clock.Now())
		if doneErr != nil {
			c.logger.Warn("error ending TWChart session", "error", doneErr)
		}
	}

	c.logger.Info("controller closed")
	return err
}

// Started reports whether the sweeps have been started
func (c *Controller) Started() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.started
}

// Registry returns every discovered actuator in discovery order
func (c *Controller) Registry() []servorig.ActuatorID {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.registry)
}

// Sweeps returns the sweeps that passed validation
func (c *Controller) Sweeps() []sweep.Config {
	return slices.Clone(c.sweeps)
}

// Groups returns the log groups in the order they were first configured
func (c *Controller) Groups() []csvsink.Group {
	return c.sinks.Groups()
}

// State returns the sweep state for id. It is false when the sweep has not been started.
func (c *Controller) State(id servorig.ActuatorID) (sweep.State, bool) {
	c.mu.Lock()
	e, ok := c.engines[id]
	c.mu.Unlock()
	if !ok {
		return sweep.State{}, false
	}
	return e.State(), true
}

// Snapshot returns the latest telemetry for id
func (c *Controller) Snapshot(id servorig.ActuatorID) (servorig.Snapshot, bool) {
	return c.snapshots.Get(id)
}
