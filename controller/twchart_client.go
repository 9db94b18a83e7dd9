package controller

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/calvinmclean/servorig/sweep"
	"github.com/calvinmclean/servorig/twchart"
)

type twchartClient interface {
	CreateSession(ctx context.Context, name string, start time.Time, probes twchart.Probes) (string, error)
	SetStartTime(ctx context.Context, sessionID string, start time.Time) error
	AddStage(ctx context.Context, sessionID, name string, start time.Time) error
	AddEvent(ctx context.Context, sessionID string, e twchart.Event) error
	Done(ctx context.Context, sessionID string, end time.Time) error
}

type noopTWChartClient struct{}

var (
	_ twchartClient = noopTWChartClient{}
	_ twchartClient = (*twchart.Client)(nil)
)

// CreateSession implements twchartClient. The empty id turns off reporting for the run.
func (n noopTWChartClient) CreateSession(context.Context, string, time.Time, twchart.Probes) (string, error) {
	return "", nil
}

// SetStartTime implements twchartClient.
func (n noopTWChartClient) SetStartTime(context.Context, string, time.Time) error {
	return nil
}

// AddStage implements twchartClient.
func (n noopTWChartClient) AddStage(context.Context, string, string, time.Time) error {
	return nil
}

// AddEvent implements twchartClient.
func (n noopTWChartClient) AddEvent(context.Context, string, twchart.Event) error {
	return nil
}

// Done implements twchartClient.
func (n noopTWChartClient) Done(context.Context, string, time.Time) error {
	return nil
}

// twchartTimeout bounds each call so an unreachable server cannot hold up the sweeps
const twchartTimeout = 5 * time.Second

// sessionName returns name, or a generated run name when it is empty
func sessionName(name string) string {
	if name != "" {
		return name
	}
	return "sweep-" + uuid.NewString()
}

// probesFor creates one chart probe per swept actuator
func probesFor(sweeps []sweep.Config) twchart.Probes {
	names := make([]string, 0, len(sweeps))
	for _, s := range sweeps {
		name := s.Label
		if name == "" {
			name = fmt.Sprintf("Actuator %d", s.ID)
		}
		names = append(names, name)
	}
	return twchart.NewProbes(names...)
}
