// Package twchart reports sweep runs to a TWChart server. A run is one session: its stages
// follow the controller from discovery to sweeping, and events carry per-actuator notes such
// as discoveries and failed commands.
package twchart

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/calvinmclean/babyapi"
	"github.com/calvinmclean/twchart"

	"github.com/calvinmclean/servorig"
)

// Stage names used for a sweep run
const (
	StageDiscovery = "discovery"
	StageSweeping  = "sweeping"
)

var errNoSessionID = errors.New("server did not return a session id")

// Probes are the series shown on a session's chart
type Probes []twchart.Probe

// Event is a note about one actuator at a point in the run
type Event struct {
	Actuator servorig.ActuatorID
	Note     string
	Time     time.Time
}

func (e Event) String() string {
	return fmt.Sprintf("actuator %d: %s", e.Actuator, e.Note)
}

// Client talks to the /sessions API. It keeps no session state: every call after
// CreateSession takes the id that the server assigned.
type Client struct {
	client *babyapi.Client[*session]
}

// session has the same shape as the resource the server stores
type session struct {
	babyapi.DefaultResource
	Session    twchart.Session
	UploadedAt time.Time
}

func NewClient(addr string) *Client {
	return &Client{client: babyapi.NewClient[*session](addr, "/sessions")}
}

// CreateSession creates a session for a run that begins at start and returns its id
func (c *Client) CreateSession(ctx context.Context, name string, start time.Time, probes Probes) (string, error) {
	resp, err := c.client.Post(ctx, &session{
		Session: twchart.Session{
			Name:   name,
			Date:   start,
			Probes: []twchart.Probe(probes),
		},
	})
	if err != nil {
		return "", fmt.Errorf("error creating session: %w", err)
	}
	if resp.Data == nil || resp.Data.ID.IsNil() {
		return "", fmt.Errorf("error creating session: %w", errNoSessionID)
	}

	return resp.Data.GetID(), nil
}

// SetStartTime records when the sweeps started moving. The server only sets it once.
func (c *Client) SetStartTime(ctx context.Context, sessionID string, start time.Time) error {
	_, err := c.client.Patch(ctx, sessionID, &session{Session: twchart.Session{
		StartTime: start,
	}})
	if err != nil {
		return fmt.Errorf("error setting start time: %w", err)
	}
	return nil
}

// AddStage starts a new stage, which ends the previous one
func (c *Client) AddStage(ctx context.Context, sessionID, name string, start time.Time) error {
	return c.post(ctx, sessionID, "/add-stage", twchart.Stage{Name: name, Start: start})
}

func (c *Client) AddEvent(ctx context.Context, sessionID string, e Event) error {
	return c.post(ctx, sessionID, "/add-event", twchart.Event{Note: e.String(), Time: e.Time})
}

// Done ends the last stage at end
func (c *Client) Done(ctx context.Context, sessionID string, end time.Time) error {
	return c.post(ctx, sessionID, "/done", map[string]any{"time": end})
}

func (c *Client) post(ctx context.Context, sessionID, path string, body any) error {
	if sessionID == "" {
		return errNoSessionID
	}

	url, err := c.client.URL(sessionID)
	if err != nil {
		return fmt.Errorf("error creating url: %w", err)
	}

	bodyBytes, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("error encoding body: %w", err)
	}
	var bodyReader io.Reader = bytes.NewReader(bodyBytes)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url+path, bodyReader)
	if err != nil {
		return fmt.Errorf("error creating request: %w", err)
	}
	req.Header.Add("Content-Type", "application/json")

	resp, err := c.client.MakeGenericRequest(req, nil)
	if err != nil {
		return fmt.Errorf("error making request: %w", err)
	}
	if resp.Response.StatusCode != http.StatusNoContent && resp.Response.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status code for %s: %d, response: %v", path, resp.Response.StatusCode, resp.Body)
	}

	return nil
}

// NewProbes creates one probe per name, numbered from 1 in the order given
func NewProbes(names ...string) Probes {
	probes := make(Probes, 0, len(names))
	for i, name := range names {
		probes = append(probes, twchart.Probe{
			Name:     name,
			Position: twchart.ProbePosition(i + 1),
		})
	}
	return probes
}
