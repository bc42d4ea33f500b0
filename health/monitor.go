package health

import (
	"encoding/json"
	"net/http"
	"slices"
	"sync"

	"github.com/c360/activecore/component"
)

// Monitor polls registered components for their health. Registration is
// safe for concurrent use with Check.
type Monitor struct {
	mu      sync.RWMutex
	sources map[string]component.Discoverable
}

// NewMonitor creates an empty monitor
func NewMonitor() *Monitor {
	return &Monitor{
		sources: make(map[string]component.Discoverable),
	}
}

// Register adds or replaces the component reported under name
func (m *Monitor) Register(name string, d component.Discoverable) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sources[name] = d
}

// Remove stops reporting name
func (m *Monitor) Remove(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sources, name)
}

// Get polls a single component
func (m *Monitor) Get(name string) (Status, bool) {
	m.mu.RLock()
	d, ok := m.sources[name]
	m.mu.RUnlock()
	if !ok {
		return Status{}, false
	}
	return FromDiscoverable(name, d), true
}

// Names returns the registered names in sorted order
func (m *Monitor) Names() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	names := make([]string, 0, len(m.sources))
	for name := range m.sources {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Check polls every component and aggregates the result under system.
// Sub-statuses are ordered by name.
func (m *Monitor) Check(system string) Status {
	names := m.Names()
	subs := make([]Status, 0, len(names))
	for _, name := range names {
		if s, ok := m.Get(name); ok {
			subs = append(subs, s)
		}
	}
	return Aggregate(system, subs)
}

// Handler serves the aggregated status as JSON. It answers 503 when the
// system is unhealthy and 200 otherwise.
func (m *Monitor) Handler(system string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		status := m.Check(system)

		code := http.StatusOK
		if status.IsUnhealthy() {
			code = http.StatusServiceUnavailable
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		_ = json.NewEncoder(w).Encode(status)
	})
}
