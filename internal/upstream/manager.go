package upstream

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/wudi/porta/internal/circuitbreaker"
	"github.com/wudi/porta/internal/config"
	"github.com/wudi/porta/internal/health"
	"github.com/wudi/porta/internal/loadbalancer"
	"github.com/wudi/porta/internal/logging"
	"github.com/wudi/porta/internal/metrics"
)

// ErrUpstreamNotFound is returned when an upstream name does not resolve.
var ErrUpstreamNotFound = fmt.Errorf("upstream not found")

// ErrNoHealthyTarget mirrors the balancer's empty-candidate error.
var ErrNoHealthyTarget = loadbalancer.ErrNoHealthyTarget

// RetryPlan is the pure retry accessor handed to the forwarder.
type RetryPlan struct {
	Enabled        bool
	MaxRetries     int
	RetryOnStatus  map[int]bool
	BackoffFactor  float64
	ConnectTimeout time.Duration
	ReadTimeout    time.Duration
}

// ShouldRetryStatus reports whether a response status is a retryable failure.
func (p RetryPlan) ShouldRetryStatus(status int) bool {
	return p.RetryOnStatus[status]
}

// Manager owns the upstream map and serves selection, outcome
// reporting and runtime CRUD.
type Manager struct {
	mu        sync.RWMutex
	upstreams map[string]*Upstream
	metrics   *metrics.Metrics
}

// NewManager creates an empty manager. metrics may be nil in tests.
func NewManager(m *metrics.Metrics) *Manager {
	return &Manager{
		upstreams: make(map[string]*Upstream),
		metrics:   m,
	}
}

// LoadConfig replaces all upstreams with the given set. Checkers of
// removed upstreams are stopped; existing upstream names are rebuilt.
func (m *Manager) LoadConfig(cfgs []config.UpstreamConfig) error {
	m.mu.Lock()
	old := m.upstreams
	m.upstreams = make(map[string]*Upstream, len(cfgs))
	m.mu.Unlock()

	for name, u := range old {
		if u.checker != nil {
			u.checker.Stop()
		}
		for _, t := range u.targets {
			if m.metrics != nil {
				m.metrics.DeleteTarget(name, t.Address())
			}
		}
	}

	for _, cfg := range cfgs {
		if err := m.AddUpstream(cfg); err != nil {
			return err
		}
	}
	return nil
}

// AddUpstream creates an upstream from config and starts its health
// checker when enabled.
func (m *Manager) AddUpstream(cfg config.UpstreamConfig) error {
	balancer, err := loadbalancer.New(cfg.Algorithm)
	if err != nil {
		return fmt.Errorf("upstream %s: %w", cfg.Name, err)
	}

	u := &Upstream{
		name:     cfg.Name,
		cfg:      cfg,
		balancer: balancer,
		breakers: make(map[string]*circuitbreaker.Breaker),
	}
	u.newBreaker = func(target string) *circuitbreaker.Breaker {
		return circuitbreaker.NewBreaker(cfg.CircuitBreaker, m.circuitGauge(cfg.Name, target))
	}

	for _, tc := range cfg.Targets {
		weight := 100
		if tc.Weight != nil {
			weight = *tc.Weight
		}
		t := loadbalancer.NewTarget(tc.Host, tc.Port, weight)
		u.targets = append(u.targets, t)
		u.breakers[t.Address()] = u.newBreaker(t.Address())
		if m.metrics != nil {
			m.metrics.SetTargetHealthy(cfg.Name, t.Address(), true)
		}
	}

	if cfg.HealthCheck.Enabled != nil && *cfg.HealthCheck.Enabled {
		u.checker = health.NewChecker(cfg.Name, cfg.HealthCheck, u.Targets, func(t *loadbalancer.Target, healthy bool) {
			if m.metrics != nil {
				m.metrics.SetTargetHealthy(cfg.Name, t.Address(), healthy)
			}
		})
		u.checker.Start()
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.upstreams[cfg.Name]; exists {
		if u.checker != nil {
			u.checker.Stop()
		}
		return fmt.Errorf("upstream already exists: %s", cfg.Name)
	}
	m.upstreams[cfg.Name] = u

	logging.Info("upstream added",
		zap.String("upstream", cfg.Name),
		zap.String("algorithm", cfg.Algorithm),
		zap.Int("targets", len(cfg.Targets)))
	return nil
}

// RemoveUpstream deletes an upstream and stops its checker.
func (m *Manager) RemoveUpstream(name string) error {
	m.mu.Lock()
	u, ok := m.upstreams[name]
	if !ok {
		m.mu.Unlock()
		return ErrUpstreamNotFound
	}
	delete(m.upstreams, name)
	m.mu.Unlock()

	if u.checker != nil {
		u.checker.Stop()
	}
	for _, t := range u.Targets() {
		if m.metrics != nil {
			m.metrics.DeleteTarget(name, t.Address())
		}
	}

	logging.Info("upstream removed", zap.String("upstream", name))
	return nil
}

// Get returns an upstream by name.
func (m *Manager) Get(name string) (*Upstream, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.upstreams[name]
	return u, ok
}

// Names returns all upstream names.
func (m *Manager) Names() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.upstreams))
	for name := range m.upstreams {
		names = append(names, name)
	}
	return names
}

// AddTarget appends a target to an upstream at runtime.
func (m *Manager) AddTarget(upstreamName string, tc config.TargetConfig) error {
	u, ok := m.Get(upstreamName)
	if !ok {
		return ErrUpstreamNotFound
	}
	weight := 100
	if tc.Weight != nil {
		weight = *tc.Weight
	}
	t := loadbalancer.NewTarget(tc.Host, tc.Port, weight)
	u.addTarget(t)
	if m.metrics != nil {
		m.metrics.SetTargetHealthy(upstreamName, t.Address(), true)
	}
	logging.Info("target added",
		zap.String("upstream", upstreamName),
		zap.String("target", t.Address()))
	return nil
}

// RemoveTarget drops a target from an upstream at runtime.
func (m *Manager) RemoveTarget(upstreamName, address string) error {
	u, ok := m.Get(upstreamName)
	if !ok {
		return ErrUpstreamNotFound
	}
	if !u.removeTarget(address) {
		return fmt.Errorf("target not found: %s", address)
	}
	if m.metrics != nil {
		m.metrics.DeleteTarget(upstreamName, address)
	}
	logging.Info("target removed",
		zap.String("upstream", upstreamName),
		zap.String("target", address))
	return nil
}

// Select picks a target for a request: health and breaker filtering,
// then the configured balancing algorithm, then active-conn acquire.
// The caller must Release the returned target on every exit path.
func (m *Manager) Select(upstreamName, clientIP string) (*loadbalancer.Target, error) {
	u, ok := m.Get(upstreamName)
	if !ok {
		return nil, ErrUpstreamNotFound
	}

	candidates := u.candidates()
	target, err := u.balancer.Select(candidates, clientIP)
	if err != nil {
		return nil, err
	}

	target.Acquire()
	if m.metrics != nil {
		m.metrics.SetActiveConnections(upstreamName, target.Address(), int(target.ActiveConns()))
	}
	return target, nil
}

// Release returns the active-conn slot acquired by Select.
func (m *Manager) Release(upstreamName string, target *loadbalancer.Target) {
	target.Release()
	if m.metrics != nil {
		m.metrics.SetActiveConnections(upstreamName, target.Address(), int(target.ActiveConns()))
	}
}

// Report records a forwarding outcome in the target's breaker.
func (m *Manager) Report(upstreamName string, target *loadbalancer.Target, success bool) {
	u, ok := m.Get(upstreamName)
	if !ok {
		return
	}
	b := u.Breaker(target.Address())
	if b == nil {
		return
	}
	if success {
		b.RecordSuccess()
	} else {
		b.RecordFailure()
	}
}

// RetryPlan returns the forwarding retry policy for an upstream.
func (m *Manager) RetryPlan(upstreamName string) (RetryPlan, error) {
	u, ok := m.Get(upstreamName)
	if !ok {
		return RetryPlan{}, ErrUpstreamNotFound
	}

	cfg := u.cfg.Retry
	enabled := cfg.Enabled == nil || *cfg.Enabled

	statuses := make(map[int]bool, len(cfg.RetryOnStatus))
	for _, s := range cfg.RetryOnStatus {
		statuses[s] = true
	}

	return RetryPlan{
		Enabled:        enabled,
		MaxRetries:     cfg.MaxRetries,
		RetryOnStatus:  statuses,
		BackoffFactor:  cfg.BackoffFactor,
		ConnectTimeout: time.Duration(u.cfg.ConnectTimeout) * time.Millisecond,
		ReadTimeout:    time.Duration(u.cfg.ReadTimeout) * time.Millisecond,
	}, nil
}

// Stop terminates all health checkers.
func (m *Manager) Stop() {
	m.mu.RLock()
	ups := make([]*Upstream, 0, len(m.upstreams))
	for _, u := range m.upstreams {
		ups = append(ups, u)
	}
	m.mu.RUnlock()

	for _, u := range ups {
		if u.checker != nil {
			u.checker.Stop()
		}
	}
}

func (m *Manager) circuitGauge(upstreamName, target string) func(circuitbreaker.State) {
	if m.metrics == nil {
		return nil
	}
	return func(s circuitbreaker.State) {
		m.metrics.SetCircuitState(upstreamName, target, int(s))
		if s != circuitbreaker.StateClosed {
			logging.Warn("circuit state change",
				zap.String("upstream", upstreamName),
				zap.String("target", target),
				zap.String("state", s.String()))
		} else {
			logging.Info("circuit closed",
				zap.String("upstream", upstreamName),
				zap.String("target", target))
		}
	}
}
