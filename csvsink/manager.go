package csvsink

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/calvinmclean/servorig"
)

// ErrGroupSealed is returned when an actuator is added to a group whose file has already
// been created. A group's columns are fixed for the life of its file.
var ErrGroupSealed = errors.New("group is already in use")

// Group is one destination and the actuators whose columns it holds, in registration order
type Group struct {
	Path string
	IDs  []servorig.ActuatorID
}

// Header returns the header row for the group
func (g Group) Header() []string {
	return Header(g.IDs)
}

// Manager builds groups from per-actuator destinations and owns the sink for each one
type Manager struct {
	mu     sync.Mutex
	paths  []string
	groups map[string]*Group
	sinks  map[string]*Sink

	newSink func(path string, header []string) *Sink
}

func NewManager() *Manager {
	return &Manager{
		groups:  map[string]*Group{},
		sinks:   map[string]*Sink{},
		newSink: NewSink,
	}
}

// Register adds id to the group for path. Registering the same id twice is a no-op.
func (m *Manager) Register(path string, id servorig.ActuatorID) error {
	if path == "" {
		return ErrNoPath
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	g, ok := m.groups[path]
	if !ok {
		g = &Group{Path: path}
		m.groups[path] = g
		m.paths = append(m.paths, path)
	}

	if slices.Contains(g.IDs, id) {
		return nil
	}
	if _, ok := m.sinks[path]; ok {
		return fmt.Errorf("%w: %s", ErrGroupSealed, path)
	}

	g.IDs = append(g.IDs, id)
	return nil
}

// Groups returns copies of all groups in the order their paths were first registered
func (m *Manager) Groups() []Group {
	m.mu.Lock()
	defer m.mu.Unlock()

	groups := make([]Group, 0, len(m.paths))
	for _, p := range m.paths {
		g := m.groups[p]
		groups = append(groups, Group{Path: g.Path, IDs: slices.Clone(g.IDs)})
	}
	return groups
}

// Sink returns the sink for a registered path, creating it on first use
func (m *Manager) Sink(path string) (*Sink, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if s, ok := m.sinks[path]; ok {
		return s, nil
	}

	g, ok := m.groups[path]
	if !ok {
		return nil, fmt.Errorf("no group registered for %q", path)
	}

	s := m.newSink(path, g.Header())
	m.sinks[path] = s
	return s, nil
}

// Close closes every sink that was created
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var errs []error
	for _, p := range m.paths {
		s, ok := m.sinks[p]
		if !ok {
			continue
		}
		errs = append(errs, s.Close())
	}
	return errors.Join(errs...)
}
