package servobus

import (
	"sync"
	"testing"
	"time"

	"github.com/calvinmclean/servorig"
)

// recorder collects events and signals each one on a channel
type recorder struct {
	mu         sync.Mutex
	discovered [][]servorig.ActuatorID
	telemetry  map[servorig.ActuatorID][]servorig.Snapshot
	errs       []error

	events chan string
}

func newRecorder() *recorder {
	return &recorder{
		telemetry: map[servorig.ActuatorID][]servorig.Snapshot{},
		events:    make(chan string, 1024),
	}
}

var _ servorig.Events = (*recorder)(nil)

func (r *recorder) Discovered(ids []servorig.ActuatorID) {
	r.mu.Lock()
	r.discovered = append(r.discovered, ids)
	r.mu.Unlock()
	r.signal("discovered")
}

func (r *recorder) Telemetry(id servorig.ActuatorID, snap servorig.Snapshot) {
	r.mu.Lock()
	r.telemetry[id] = append(r.telemetry[id], snap)
	r.mu.Unlock()
	r.signal("telemetry")
}

func (r *recorder) Error(err error) {
	r.mu.Lock()
	r.errs = append(r.errs, err)
	r.mu.Unlock()
	r.signal("error")
}

func (r *recorder) signal(kind string) {
	select {
	case r.events <- kind:
	default:
	}
}

// waitFor blocks until an event of kind arrives
func (r *recorder) waitFor(t *testing.T, kind string) {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case got := <-r.events:
			if got == kind {
				return
			}
		case <-timeout:
			t.Fatalf("timed out waiting for %s event", kind)
		}
	}
}

func (r *recorder) latest(id servorig.ActuatorID) (servorig.Snapshot, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	snaps := r.telemetry[id]
	if len(snaps) == 0 {
		return servorig.Snapshot{}, false
	}
	return snaps[len(snaps)-1], true
}

func (r *recorder) discoveredIDs() []servorig.ActuatorID {
	r.mu.Lock()
	defer r.mu.Unlock()
	var ids []servorig.ActuatorID
	for _, batch := range r.discovered {
		ids = append(ids, batch...)
	}
	return ids
}

func (r *recorder) errorCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.errs)
}
