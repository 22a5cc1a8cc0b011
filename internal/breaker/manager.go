package breaker

import (
	"log/slog"
	"sync"
)

// Manager owns a named set of Breakers so callers can share one registry
// across every external dependency the chat bridge protects.
type Manager struct {
	mu       sync.Mutex
	breakers map[string]*Breaker
	logger   *slog.Logger
}

// NewManager builds an empty Manager.
func NewManager(logger *slog.Logger) *Manager {
	return &Manager{breakers: make(map[string]*Breaker), logger: logger}
}

// GetOrCreate returns the named breaker, creating it with cfg if it does
// not exist yet. A pre-existing breaker keeps its original configuration.
func (m *Manager) GetOrCreate(name string, cfg Config) *Breaker {
	m.mu.Lock()
	defer m.mu.Unlock()

	if b, ok := m.breakers[name]; ok {
		return b
	}
	b := New(name, cfg, m.logger)
	m.breakers[name] = b
	return b
}

// Get returns the named breaker, or false if it has not been created.
func (m *Manager) Get(name string) (*Breaker, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.breakers[name]
	return b, ok
}

// AllHealthStatus returns a health snapshot for every registered breaker.
func (m *Manager) AllHealthStatus() map[string]HealthStatus {
	m.mu.Lock()
	breakers := make([]*Breaker, 0, len(m.breakers))
	names := make([]string, 0, len(m.breakers))
	for name, b := range m.breakers {
		names = append(names, name)
		breakers = append(breakers, b)
	}
	m.mu.Unlock()

	result := make(map[string]HealthStatus, len(breakers))
	for i, b := range breakers {
		result[names[i]] = b.HealthStatus()
	}
	return result
}

// ResetAll resets every registered breaker.
func (m *Manager) ResetAll() {
	m.mu.Lock()
	breakers := make([]*Breaker, 0, len(m.breakers))
	for _, b := range m.breakers {
		breakers = append(breakers, b)
	}
	m.mu.Unlock()

	for _, b := range breakers {
		b.Reset()
	}
	m.logger.Info("reset all circuit breakers", "count", len(breakers))
}

// Summary aggregates state counts and failure rate across every breaker.
type Summary struct {
	Total              int
	Closed             int
	Open               int
	HalfOpen           int
	TotalCalls         int64
	TotalFailures      int64
	OverallFailureRate float64
	HealthyPercentage  float64
}

// Summary computes a cross-breaker rollup.
func (m *Manager) Summary() Summary {
	m.mu.Lock()
	breakers := make([]*Breaker, 0, len(m.breakers))
	for _, b := range m.breakers {
		breakers = append(breakers, b)
	}
	m.mu.Unlock()

	var s Summary
	s.Total = len(breakers)
	for _, b := range breakers {
		switch b.State() {
		case "closed":
			s.Closed++
		case "open":
			s.Open++
		case "half_open":
			s.HalfOpen++
		}
		stats := b.Stats()
		s.TotalCalls += stats.TotalCalls
		s.TotalFailures += stats.FailedCalls
	}
	if s.TotalCalls > 0 {
		s.OverallFailureRate = float64(s.TotalFailures) / float64(s.TotalCalls)
	}
	if s.Total > 0 {
		s.HealthyPercentage = float64(s.Closed) / float64(s.Total) * 100
	}
	return s
}
