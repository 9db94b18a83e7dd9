package controller

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/calvinmclean/servorig"
	"github.com/calvinmclean/servorig/capture"
	"github.com/calvinmclean/servorig/sweep"
)

const (
	resultOK         = "ok"
	resultError      = "error"
	resultSuppressed = "suppressed"
)

// Metrics counts sweep commands, capture rows and transport failures
type Metrics struct {
	sweepCommands   *prometheus.CounterVec
	captureRows     *prometheus.CounterVec
	transportErrors prometheus.Counter
	discovered      prometheus.Gauge
}

var (
	_ sweep.Observer   = (*Metrics)(nil)
	_ capture.Observer = (*Metrics)(nil)
)

// NewMetrics creates the collectors and registers them with reg. A nil reg leaves them
// unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		sweepCommands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "servorig_sweep_commands_total",
			Help: "Sweep commands sent to actuators, by result.",
		}, []string{"result"}),
		captureRows: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "servorig_capture_rows_total",
			Help: "Telemetry rows handled by the capture loop, by result.",
		}, []string{"result"}),
		transportErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "servorig_transport_errors_total",
			Help: "Errors reported by the servo transport.",
		}),
		discovered: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "servorig_actuators_discovered",
			Help: "Actuators discovered on the bus.",
		}),
	}

	if reg != nil {
		reg.MustRegister(m.sweepCommands, m.captureRows, m.transportErrors, m.discovered)
	}
	return m
}

// Commanded implements sweep.Observer
func (m *Metrics) Commanded(_ servorig.ActuatorID, _ int, _ bool, err error) {
	m.sweepCommands.WithLabelValues(result(err)).Inc()
}

// RowWritten implements capture.Observer
func (m *Metrics) RowWritten(_ string, err error) {
	m.captureRows.WithLabelValues(result(err)).Inc()
}

// RowSuppressed implements capture.Observer
func (m *Metrics) RowSuppressed(string) {
	m.captureRows.WithLabelValues(resultSuppressed).Inc()
}

func (m *Metrics) transportError() {
	m.transportErrors.Inc()
}

func (m *Metrics) setDiscovered(n int) {
	m.discovered.Set(float64(n))
}

func result(err error) string {
	if err != nil {
		return resultError
	}
	return resultOK
}
