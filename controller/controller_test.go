package controller

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"reflect"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/calvinmclean/servorig"
	"github.com/calvinmclean/servorig/clock"
	"github.com/calvinmclean/servorig/servobus"
	"github.com/calvinmclean/servorig/sweep"
	"github.com/calvinmclean/servorig/twchart"
)

var epoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

// logBuffer is a bytes.Buffer that can be written from several goroutines
type logBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *logBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *logBuffer) count(s string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return strings.Count(b.buf.String(), s)
}

type testRig struct {
	ctrl    *Controller
	sim     *servobus.Sim
	clock   *clock.FakeClock
	metrics *Metrics
	logs    *logBuffer
}

func newTestRig(t *testing.T, cfg Config, simIDs []servorig.ActuatorID, opts ...Option) testRig {
	t.Helper()

	c := clock.Fake(epoch)
	sim := servobus.NewSim(simIDs, servobus.WithSimClock(c))
	metrics := NewMetrics(prometheus.NewRegistry())
	logs := &logBuffer{}

	opts = append([]Option{
		WithClock(c),
		WithMetrics(metrics),
		WithLogger(slog.New(slog.NewTextHandler(logs, nil))),
	}, opts...)

	ctrl, err := New(cfg, sim, opts...)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	t.Cleanup(func() { _ = ctrl.Close(context.Background()) })

	return testRig{ctrl, sim, c, metrics, logs}
}

func ms(v float64) *float64 { return &v }

func testSweep(dir string, id servorig.ActuatorID) sweep.Config {
	return sweep.Config{
		ID:           id,
		Positions:    []int{100, 200},
		DurationsMS:  []float64{1000, 2000},
		Speed:        500,
		Acceleration: 20,
		LogFile:      filepath.Join(dir, "run.csv"),
	}
}

func TestSweepStartsWhenAllActuatorsDiscovered(t *testing.T) {
	dir := t.TempDir()
	cfg := Config{Sweeps: []sweep.Config{testSweep(dir, 1), testSweep(dir, 2)}}
	rig := newTestRig(t, cfg, []servorig.ActuatorID{1, 2, 3})

	rig.ctrl.Discovered([]servorig.ActuatorID{1})
	if rig.ctrl.Started() {
		t.Fatal("sweeps started before actuator 2 was discovered")
	}
	if _, ok := rig.ctrl.State(1); ok {
		t.Error("unexpected sweep state before start")
	}

	rig.ctrl.Discovered([]servorig.ActuatorID{2})
	if !rig.ctrl.Started() {
		t.Fatal("expected sweeps to start")
	}

	rig.ctrl.Discovered([]servorig.ActuatorID{3, 2})
	expected := []servorig.ActuatorID{1, 2, 3}
	if got := rig.ctrl.Registry(); !reflect.DeepEqual(got, expected) {
		t.Errorf("expected=%v, got=%v", expected, got)
	}
	if got := testutil.ToFloat64(rig.metrics.discovered); got != 3 {
		t.Errorf("expected=%v, got=%v", 3, got)
	}

	rig.clock.Advance(0)
	if got := len(rig.sim.Writes()); got != 2 {
		t.Errorf("expected one command per sweep, got %d", got)
	}
	if _, ok := rig.ctrl.State(3); ok {
		t.Error("actuator 3 has no sweep and should have no state")
	}
	if got := rig.logs.count("waiting for actuators"); got != 1 {
		t.Errorf("expected 1 diagnostic, got %d", got)
	}
}

func TestSweepNeverStartsWithoutConfiguredActuator(t *testing.T) {
	cfg := Config{Sweeps: []sweep.Config{testSweep(t.TempDir(), 5)}}
	rig := newTestRig(t, cfg, []servorig.ActuatorID{1, 2})

	rig.ctrl.Discovered([]servorig.ActuatorID{1})
	rig.ctrl.Discovered([]servorig.ActuatorID{2})
	rig.clock.Advance(10 * time.Second)

	if rig.ctrl.Started() {
		t.Fatal("sweeps should not start")
	}
	if _, ok := rig.ctrl.State(5); ok {
		t.Error("unexpected sweep state for actuator 5")
	}
	if len(rig.sim.Writes()) != 0 {
		t.Errorf("unexpected writes: %v", rig.sim.Writes())
	}
	if got := rig.logs.count("waiting for actuators"); got != 2 {
		t.Errorf("expected one diagnostic per discovery event, got %d", got)
	}
	if got := testutil.ToFloat64(rig.metrics.sweepCommands.WithLabelValues(resultError)); got != 0 {
		t.Errorf("expected no failed commands, got %v", got)
	}
}

func TestSweepCommands(t *testing.T) {
	cfg := Config{Sweeps: []sweep.Config{testSweep(t.TempDir(), 1)}}
	rig := newTestRig(t, cfg, []servorig.ActuatorID{1})

	rig.ctrl.Discovered([]servorig.ActuatorID{1})
	rig.clock.Advance(0)
	rig.clock.Advance(3 * time.Second)

	writes := rig.sim.Writes()
	expected := []struct {
		at      time.Duration
		payload servorig.Payload
	}{
		{0, servorig.Payload{
			servorig.RegTorqueEnable: 1,
			servorig.RegAcceleration: 20,
			servorig.RegGoalSpeed:    500,
			servorig.RegGoalPosition: 100,
		}},
		{time.Second, servorig.Payload{servorig.RegGoalPosition: 200}},
		{3 * time.Second, servorig.Payload{servorig.RegGoalPosition: 100}},
	}
	if len(writes) != len(expected) {
		t.Fatalf("expected %d writes, got %d", len(expected), len(writes))
	}
	for i, e := range expected {
		if got := writes[i].At.Sub(epoch); got != e.at {
			t.Errorf("write %d: expected=%v, got=%v", i, e.at, got)
		}
		if !reflect.DeepEqual(writes[i].Payload, e.payload) {
			t.Errorf("write %d: expected=%v, got=%v", i, e.payload, writes[i].Payload)
		}
	}

	target, ok := rig.ctrl.Target(1)
	if !ok || target != 100 {
		t.Errorf("expected target 100, got %d (%v)", target, ok)
	}
	if got := testutil.ToFloat64(rig.metrics.sweepCommands.WithLabelValues(resultOK)); got != 3 {
		t.Errorf("expected=%v, got=%v", 3, got)
	}
}

func TestSweepCommandFailure(t *testing.T) {
	cfg := Config{Sweeps: []sweep.Config{testSweep(t.TempDir(), 1)}}
	rig := newTestRig(t, cfg, []servorig.ActuatorID{1})
	rig.sim.FailWrites(true)

	rig.ctrl.Discovered([]servorig.ActuatorID{1})
	rig.clock.Advance(0)

	state, ok := rig.ctrl.State(1)
	if !ok {
		t.Fatal("expected sweep state")
	}
	if state.Failures != 1 || state.Target != nil {
		t.Errorf("unexpected state after failure: %+v", state)
	}
	if _, ok := rig.ctrl.Target(1); ok {
		t.Error("a failed command should not set a target")
	}
	if got := testutil.ToFloat64(rig.metrics.sweepCommands.WithLabelValues(resultError)); got != 1 {
		t.Errorf("expected=%v, got=%v", 1, got)
	}

	// the next step still runs after the same dwell and retries the full payload
	rig.sim.FailWrites(false)
	rig.clock.Advance(time.Second)

	writes := rig.sim.Writes()
	if len(writes) != 1 {
		t.Fatalf("expected 1 write, got %d", len(writes))
	}
	if _, ok := writes[0].Payload[servorig.RegTorqueEnable]; !ok {
		t.Errorf("expected the first successful write to enable torque: %v", writes[0].Payload)
	}
	if writes[0].Payload[servorig.RegGoalPosition] != 200 {
		t.Errorf("expected=%d, got=%d", 200, writes[0].Payload[servorig.RegGoalPosition])
	}
}

func TestCaptureRows(t *testing.T) {
	dir := t.TempDir()
	cfg := Config{Sweeps: []sweep.Config{testSweep(dir, 1), testSweep(dir, 2)}}
	rig := newTestRig(t, cfg, []servorig.ActuatorID{1, 2})

	rig.ctrl.Discovered([]servorig.ActuatorID{1, 2})
	rig.sim.FailWrites(true)
	rig.clock.Advance(0)
	rig.sim.FailWrites(false)

	// actuator 1 has telemetry, actuator 2 has nothing
	rig.ctrl.Telemetry(1, servorig.Snapshot{Position: 101, Speed: 5, Load: 6, Current: 7, Temperature: 30, Moving: true})
	rig.clock.Advance(100 * time.Millisecond)

	ok := rig.metrics.captureRows.WithLabelValues(resultOK)
	deadline := time.Now().Add(2 * time.Second)
	for testutil.ToFloat64(ok) < 1 {
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for a telemetry row")
		}
		time.Sleep(time.Millisecond)
	}

	err := rig.ctrl.Close(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(dir, "run.csv"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	lines := strings.Split(strings.TrimSuffix(string(data), "\n"), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected header and one row, got %q", lines)
	}

	header := "timestamp," +
		"target pos (1),pos (1),speed (1),load (1),current (1),temp (1),status (1),moving (1)," +
		"target pos (2),pos (2),speed (2),load (2),current (2),temp (2),status (2),moving (2)"
	if lines[0] != header {
		t.Errorf("expected=%q, got=%q", header, lines[0])
	}

	row := "2026-01-01T00:00:00.100Z,,101,5,6,7,30,0,1,,,,,,,,"
	if lines[1] != row {
		t.Errorf("expected=%q, got=%q", row, lines[1])
	}
}

func TestNewDropsInvalidSweeps(t *testing.T) {
	dir := t.TempDir()
	empty := testSweep(dir, 3)
	empty.Positions = nil

	cfg := Config{Sweeps: []sweep.Config{
		testSweep(dir, 1),
		testSweep(dir, 0),
		testSweep(dir, 1),
		empty,
	}}
	rig := newTestRig(t, cfg, []servorig.ActuatorID{1, 3})

	var ids []servorig.ActuatorID
	for _, s := range rig.ctrl.Sweeps() {
		ids = append(ids, s.ID)
	}
	if !reflect.DeepEqual(ids, []servorig.ActuatorID{1, 3}) {
		t.Errorf("expected=%v, got=%v", []servorig.ActuatorID{1, 3}, ids)
	}

	groups := rig.ctrl.Groups()
	if len(groups) != 1 || !reflect.DeepEqual(groups[0].IDs, []servorig.ActuatorID{1}) {
		t.Errorf("unexpected groups: %+v", groups)
	}

	rig.ctrl.Discovered([]servorig.ActuatorID{1, 3})
	if !rig.ctrl.Started() {
		t.Fatal("expected sweeps to start")
	}
	if _, ok := rig.ctrl.State(3); ok {
		t.Error("a sweep without positions should not get an engine")
	}
	if got := rig.logs.count("sweep disabled"); got != 1 {
		t.Errorf("expected 1 warning, got %d", got)
	}
}

func TestNewDefaultsSweepLogFile(t *testing.T) {
	dir := t.TempDir()
	own := filepath.Join(dir, "a.csv")
	run := filepath.Join(dir, "run.csv")

	tests := []struct {
		name     string
		logFile  string
		expected string
	}{
		{"RunLogFile", run, run},
		{"DefaultLogFile", "", DefaultLogFile},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			first := testSweep(dir, 1)
			first.LogFile = own
			second := testSweep(dir, 2)
			second.LogFile = ""

			rig := newTestRig(t, Config{LogFile: tt.logFile, Sweeps: []sweep.Config{first, second}}, nil)

			sweeps := rig.ctrl.Sweeps()
			if len(sweeps) != 2 {
				t.Fatalf("expected 2 sweeps, got %d", len(sweeps))
			}
			if sweeps[0].LogFile != own {
				t.Errorf("expected=%q, got=%q", own, sweeps[0].LogFile)
			}
			if sweeps[1].LogFile != tt.expected {
				t.Errorf("expected=%q, got=%q", tt.expected, sweeps[1].LogFile)
			}

			groups := rig.ctrl.Groups()
			if len(groups) != 2 || groups[1].Path != tt.expected {
				t.Errorf("unexpected groups: %+v", groups)
			}
		})
	}
}

func TestCloseStopsSweeps(t *testing.T) {
	cfg := Config{Sweeps: []sweep.Config{testSweep(t.TempDir(), 1)}}
	rig := newTestRig(t, cfg, []servorig.ActuatorID{1})

	rig.ctrl.Discovered([]servorig.ActuatorID{1})
	rig.clock.Advance(0)

	err := rig.ctrl.Close(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	rig.clock.Advance(10 * time.Second)
	if got := len(rig.sim.Writes()); got != 1 {
		t.Errorf("expected no writes after Close, got %d", got)
	}
	if rig.clock.PendingCount() != 0 {
		t.Errorf("expected no pending timers, got %d", rig.clock.PendingCount())
	}

	// discovery after Close does nothing
	rig.ctrl.Discovered([]servorig.ActuatorID{2})
	if err := rig.ctrl.Close(context.Background()); err != nil {
		t.Errorf("second Close should be a no-op, got %v", err)
	}
}

type fakeTWChart struct {
	mu        sync.Mutex
	name      string
	start     time.Time
	probes    twchart.Probes
	sessionID []string
	stages    []string
	events    []string
	done      bool
	failNew   bool
}

func (f *fakeTWChart) CreateSession(_ context.Context, name string, start time.Time, probes twchart.Probes) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failNew {
		return "", errors.New("connection refused")
	}
	f.name, f.start, f.probes = name, start, probes
	return "session1", nil
}

func (f *fakeTWChart) record(sessionID string) {
	f.sessionID = append(f.sessionID, sessionID)
}

func (f *fakeTWChart) SetStartTime(_ context.Context, sessionID string, _ time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record(sessionID)
	return nil
}

func (f *fakeTWChart) AddEvent(_ context.Context, sessionID string, e twchart.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record(sessionID)
	f.events = append(f.events, e.String())
	return nil
}

func (f *fakeTWChart) AddStage(_ context.Context, sessionID, name string, _ time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record(sessionID)
	f.stages = append(f.stages, name)
	return nil
}

func (f *fakeTWChart) Done(_ context.Context, sessionID string, _ time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record(sessionID)
	f.done = true
	return nil
}

func TestRunReportsToTWChart(t *testing.T) {
	sw := testSweep(t.TempDir(), 1)
	sw.Label = "elbow"
	cfg := Config{SessionName: "backlash run", Sweeps: []sweep.Config{sw}}

	chart := &fakeTWChart{}
	rig := newTestRig(t, cfg, []servorig.ActuatorID{1}, WithTWChartClient(chart))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error)
	go func() { done <- rig.ctrl.Run(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for !rig.ctrl.Started() {
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for sweeps to start")
		}
		time.Sleep(time.Millisecond)
	}

	rig.sim.FailWrites(true)
	rig.clock.Advance(0)

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	chart.mu.Lock()
	defer chart.mu.Unlock()

	if chart.name != "backlash run" {
		t.Errorf("expected=%q, got=%q", "backlash run", chart.name)
	}
	if !chart.start.Equal(epoch) {
		t.Errorf("expected=%v, got=%v", epoch, chart.start)
	}
	if len(chart.probes) != 1 || chart.probes[0].Name != "elbow" {
		t.Errorf("unexpected probes: %+v", chart.probes)
	}
	for _, id := range chart.sessionID {
		if id != "session1" {
			t.Errorf("expected=%q, got=%q", "session1", id)
		}
	}

	expectedStages := []string{twchart.StageDiscovery, twchart.StageSweeping}
	if !reflect.DeepEqual(chart.stages, expectedStages) {
		t.Errorf("expected=%v, got=%v", expectedStages, chart.stages)
	}

	// events are sent in the background, so only membership is checked
	if len(chart.events) != 2 || !slices.Contains(chart.events, "actuator 1: discovered") {
		t.Fatalf("unexpected events: %v", chart.events)
	}
	for _, e := range chart.events {
		if e != "actuator 1: discovered" && !strings.HasPrefix(e, "actuator 1: command to 100 failed: ") {
			t.Errorf("unexpected event: %q", e)
		}
	}
	if !chart.done {
		t.Error("expected the session to be done")
	}
}

func TestRunWithoutTWChartSession(t *testing.T) {
	cfg := Config{Sweeps: []sweep.Config{testSweep(t.TempDir(), 1)}}
	chart := &fakeTWChart{failNew: true}
	rig := newTestRig(t, cfg, nil, WithTWChartClient(chart))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := rig.ctrl.Run(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if chart.done {
		t.Error("Done should not be called without a session")
	}
	if got := rig.logs.count("continuing without it"); got != 1 {
		t.Errorf("expected 1 warning, got %d", got)
	}
}

func TestSessionName(t *testing.T) {
	if got := sessionName("run 1"); got != "run 1" {
		t.Errorf("expected=%q, got=%q", "run 1", got)
	}
	generated := sessionName("")
	if !strings.HasPrefix(generated, "sweep-") || generated == sessionName("") {
		t.Errorf("expected a unique generated name, got %q", generated)
	}
}

func TestMetricsRegistered(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	m.Commanded(1, 100, true, nil)
	m.Commanded(1, 200, false, errors.New("timeout"))
	m.RowWritten("run.csv", nil)
	m.RowSuppressed("run.csv")
	m.transportError()

	count, err := testutil.GatherAndCount(reg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// two command results, two row results, one transport counter and the gauge
	if count != 6 {
		t.Errorf("expected=%d, got=%d", 6, count)
	}
	if got := testutil.ToFloat64(m.captureRows.WithLabelValues(resultSuppressed)); got != 1 {
		t.Errorf("expected=%v, got=%v", 1, got)
	}
}
