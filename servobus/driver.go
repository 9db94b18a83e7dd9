// Package servobus connects the sweep controller to real or simulated servos. A Driver
// talks to Feetech STS servos over a serial port, and a Sim keeps everything in memory.
package servobus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/calvinmclean/servorig"
	"github.com/calvinmclean/servorig/clock"
	"github.com/calvinmclean/servorig/feetech"
)

// ErrNotConnected is returned by Write while the port is closed
var ErrNotConnected = errors.New("serial port is not connected")

// Config configures a Driver
type Config struct {
	Port     string
	BaudRate int

	// ScanFrom and ScanTo bound the ids that are pinged during discovery
	ScanFrom int
	ScanTo   int

	ScanInterval     time.Duration
	PollInterval     time.Duration
	ReconnectBackoff time.Duration

	// Timeout bounds each request/response exchange
	Timeout time.Duration
}

func (c *Config) applyDefaults() {
	if c.BaudRate == 0 {
		c.BaudRate = feetech.DefaultBaudRate
	}
	if c.ScanFrom == 0 {
		c.ScanFrom = 1
	}
	if c.ScanTo == 0 {
		c.ScanTo = 20
	}
	if c.ScanInterval == 0 {
		c.ScanInterval = 5 * time.Second
	}
	if c.PollInterval == 0 {
		c.PollInterval = 50 * time.Millisecond
	}
	if c.ReconnectBackoff == 0 {
		c.ReconnectBackoff = 2 * time.Second
	}
}

// OpenFunc opens the port a Driver talks over
type OpenFunc func(name string, baud int) (feetech.Port, error)

// Driver discovers servos, polls their feedback and writes their registers. It reconnects
// whenever the link fails.
type Driver struct {
	cfg    Config
	open   OpenFunc
	clock  clock.Clock
	logger *slog.Logger

	mu    sync.Mutex
	bus   *feetech.Bus
	known []servorig.ActuatorID
}

type Option func(*Driver)

// WithOpenFunc replaces the serial port opener
func WithOpenFunc(open OpenFunc) Option {
	return func(d *Driver) { d.open = open }
}

func WithClock(c clock.Clock) Option {
	return func(d *Driver) { d.clock = c }
}

func WithLogger(l *slog.Logger) Option {
	return func(d *Driver) { d.logger = l }
}

func NewDriver(cfg Config, opts ...Option) *Driver {
	cfg.applyDefaults()

	d := &Driver{
		cfg:    cfg,
		open:   feetech.OpenSerial,
		clock:  clock.Real(),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Known returns the ids discovered so far
func (d *Driver) Known() []servorig.ActuatorID {
	d.mu.Lock()
	defer d.mu.Unlock()
	return slices.Clone(d.known)
}

// Connected reports whether the port is open
func (d *Driver) Connected() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.bus != nil
}

// Run keeps the link up until ctx ends. Failures to open the port and lost links are
// reported to events and retried after the reconnect backoff.
func (d *Driver) Run(ctx context.Context, events servorig.Events) error {
	for {
		bus, err := d.connect()
		if err == nil {
			d.logger.Info("connected", "port", d.cfg.Port, "baud", d.cfg.BaudRate)
			err = d.session(ctx, bus, events)
			d.disconnect(bus)
		}

		if ctx.Err() != nil {
			return nil
		}
		events.Error(err)
		d.logger.Warn("serial link down, reconnecting", "backoff", d.cfg.ReconnectBackoff, "error", err)

		if !d.sleep(ctx, d.cfg.ReconnectBackoff) {
			return nil
		}
	}
}

func (d *Driver) connect() (*feetech.Bus, error) {
	port, err := d.open(d.cfg.Port, d.cfg.BaudRate)
	if err != nil {
		return nil, err
	}

	bus := feetech.NewBus(port, feetech.BusConfig{Timeout: d.cfg.Timeout})
	d.mu.Lock()
	d.bus = bus
	d.mu.Unlock()
	return bus, nil
}

// disconnect closes bus if it is still the current one
func (d *Driver) disconnect(bus *feetech.Bus) {
	d.mu.Lock()
	if d.bus != bus || bus == nil {
		d.mu.Unlock()
		return
	}
	d.bus = nil
	d.mu.Unlock()

	err := bus.Close()
	if err != nil {
		d.logger.Warn("error closing serial port", "error", err)
	}
}

func (d *Driver) currentBus() (*feetech.Bus, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.bus == nil {
		return nil, ErrNotConnected
	}
	return d.bus, nil
}

// session scans and polls until ctx ends or the link fails
func (d *Driver) session(ctx context.Context, bus *feetech.Bus, events servorig.Events) error {
	err := d.scan(ctx, bus, events)
	if err != nil {
		return err
	}

	scan := d.clock.NewTicker(d.cfg.ScanInterval)
	defer scan.Stop()
	poll := d.clock.NewTicker(d.cfg.PollInterval)
	defer poll.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-scan.C:
			err = d.scan(ctx, bus, events)
		case <-poll.C:
			err = d.poll(ctx, bus, events)
		}
		if err != nil {
			return err
		}
	}
}

// scan pings every id in range and reports the ones that were not known before. Only a
// link error ends the scan.
func (d *Driver) scan(ctx context.Context, bus *feetech.Bus, events servorig.Events) error {
	var found []servorig.ActuatorID
	for id := d.cfg.ScanFrom; id <= d.cfg.ScanTo; id++ {
		err := bus.Ping(ctx, id)
		switch {
		case err == nil:
		case ctx.Err() != nil:
			return ctx.Err()
		case feetech.IsLinkError(err):
			return fmt.Errorf("error scanning for servos: %w", err)
		default:
			continue
		}

		if d.remember(servorig.ActuatorID(id)) {
			found = append(found, servorig.ActuatorID(id))
		}
	}

	if len(found) > 0 {
		d.logger.Info("discovered servos", "ids", found)
		events.Discovered(found)
	}
	return nil
}

func (d *Driver) remember(id servorig.ActuatorID) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if slices.Contains(d.known, id) {
		return false
	}
	d.known = append(d.known, id)
	return true
}

// poll reads the feedback block of every known servo
func (d *Driver) poll(ctx context.Context, bus *feetech.Bus, events servorig.Events) error {
	for _, id := range d.Known() {
		fb, err := bus.ReadFeedback(ctx, int(id))
		switch {
		case err == nil:
			events.Telemetry(id, snapshotFromFeedback(fb, d.clock.Now()))
		case ctx.Err() != nil:
			return ctx.Err()
		case feetech.IsLinkError(err):
			return fmt.Errorf("error reading feedback: %w", err)
		default:
			events.Error(err)
		}
	}
	return nil
}

func snapshotFromFeedback(fb feetech.Feedback, now time.Time) servorig.Snapshot {
	return servorig.Snapshot{
		Position:    fb.Position,
		Speed:       fb.Speed,
		Load:        fb.Load,
		Current:     fb.Current,
		Temperature: fb.Temperature,
		Status:      fb.Status,
		Moving:      fb.Moving,
		UpdatedAt:   now,
	}
}

// registers maps payload names to the control table
var registers = map[servorig.Register]feetech.Register{
	servorig.RegTorqueEnable: feetech.RegTorqueEnable,
	servorig.RegAcceleration: feetech.RegAcceleration,
	servorig.RegGoalSpeed:    feetech.RegGoalSpeed,
	servorig.RegGoalPosition: feetech.RegGoalPosition,
}

// Write writes every register in payload to each id, in payload order. Writing to one id
// stops at its first failure; the remaining ids are still written. A link failure closes
// the port so Run reconnects.
func (d *Driver) Write(ctx context.Context, payload servorig.Payload, ids []servorig.ActuatorID) error {
	bus, err := d.currentBus()
	if err != nil {
		return err
	}

	var errs []error
	for _, id := range ids {
		err := d.writeOne(ctx, bus, payload, id)
		if err == nil {
			continue
		}
		errs = append(errs, err)
		if feetech.IsLinkError(err) {
			d.disconnect(bus)
			break
		}
	}
	return errors.Join(errs...)
}

func (d *Driver) writeOne(ctx context.Context, bus *feetech.Bus, payload servorig.Payload, id servorig.ActuatorID) error {
	for _, name := range payload.Registers() {
		reg, ok := registers[name]
		if !ok {
			return fmt.Errorf("unknown register %q", name)
		}
		err := bus.Write(ctx, int(id), reg, payload[name])
		if err != nil {
			return fmt.Errorf("error writing %s: %w", name, err)
		}
	}
	return nil
}

func (d *Driver) sleep(ctx context.Context, delay time.Duration) bool {
	done := make(chan struct{})
	t := d.clock.AfterFunc(delay, func() { close(done) })
	defer t.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-done:
		return true
	}
}
