// Package snapshot holds the latest telemetry reported by each actuator.
package snapshot

import (
	"slices"
	"sync"

	"github.com/calvinmclean/servorig"
)

// Store maps actuators to their most recent Snapshot. Each Put replaces the previous
// value wholesale; nothing is merged.
type Store struct {
	mu      sync.RWMutex
	entries map[servorig.ActuatorID]servorig.Snapshot
}

func New() *Store {
	return &Store{entries: map[servorig.ActuatorID]servorig.Snapshot{}}
}

// Put overwrites the snapshot for id
func (s *Store) Put(id servorig.ActuatorID, snap servorig.Snapshot) {
	s.mu.Lock()
	s.entries[id] = snap
	s.mu.Unlock()
}

// Get returns the snapshot for id, if one has been reported
func (s *Store) Get(id servorig.ActuatorID) (servorig.Snapshot, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap, ok := s.entries[id]
	return snap, ok
}

// IDs returns every actuator with a snapshot, in ascending order
func (s *Store) IDs() []servorig.ActuatorID {
	s.mu.RLock()
	ids := make([]servorig.ActuatorID, 0, len(s.entries))
	for id := range s.entries {
		ids = append(ids, id)
	}
	s.mu.RUnlock()

	slices.Sort(ids)
	return ids
}
