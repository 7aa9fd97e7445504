package upstream

import (
	"sync"

	"github.com/wudi/porta/internal/circuitbreaker"
	"github.com/wudi/porta/internal/config"
	"github.com/wudi/porta/internal/health"
	"github.com/wudi/porta/internal/loadbalancer"
)

// Upstream is a named pool of targets sharing one balancing algorithm
// and resilience policy. Targets and breakers are guarded by mu;
// per-target counters are atomic and read lock-free.
type Upstream struct {
	mu       sync.RWMutex
	name     string
	cfg      config.UpstreamConfig
	targets  []*loadbalancer.Target
	balancer loadbalancer.Balancer
	breakers map[string]*circuitbreaker.Breaker
	checker  *health.Checker

	newBreaker func(target string) *circuitbreaker.Breaker
}

// Name returns the upstream name.
func (u *Upstream) Name() string { return u.name }

// Algorithm returns the configured balancing algorithm.
func (u *Upstream) Algorithm() string { return u.cfg.Algorithm }

// Config returns the upstream's configuration.
func (u *Upstream) Config() config.UpstreamConfig { return u.cfg }

// Targets returns a snapshot of the target list.
func (u *Upstream) Targets() []*loadbalancer.Target {
	u.mu.RLock()
	defer u.mu.RUnlock()
	out := make([]*loadbalancer.Target, len(u.targets))
	copy(out, u.targets)
	return out
}

// Breaker returns the breaker guarding the given target address.
func (u *Upstream) Breaker(address string) *circuitbreaker.Breaker {
	u.mu.RLock()
	defer u.mu.RUnlock()
	return u.breakers[address]
}

// addTarget appends a target and creates its breaker.
func (u *Upstream) addTarget(t *loadbalancer.Target) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.targets = append(u.targets, t)
	u.breakers[t.Address()] = u.newBreaker(t.Address())
}

// removeTarget drops the target with the given address. Returns false
// when no such target exists.
func (u *Upstream) removeTarget(address string) bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	for i, t := range u.targets {
		if t.Address() == address {
			u.targets = append(u.targets[:i], u.targets[i+1:]...)
			delete(u.breakers, address)
			return true
		}
	}
	return false
}

// candidates returns the targets that are healthy and admitted by
// their breakers, in declaration order.
func (u *Upstream) candidates() []*loadbalancer.Target {
	u.mu.RLock()
	defer u.mu.RUnlock()

	out := make([]*loadbalancer.Target, 0, len(u.targets))
	for _, t := range u.targets {
		if !t.Healthy() {
			continue
		}
		if b := u.breakers[t.Address()]; b != nil && !b.Allow() {
			continue
		}
		out = append(out, t)
	}
	return out
}

// TargetStatus is the admin view of one target.
type TargetStatus struct {
	Host        string                  `json:"host"`
	Port        int                     `json:"port"`
	Weight      int                     `json:"weight"`
	Healthy     bool                    `json:"healthy"`
	ActiveConns int64                   `json:"active_connections"`
	Circuit     circuitbreaker.Snapshot `json:"circuit_breaker"`
}

// Status returns the per-target health and breaker view.
func (u *Upstream) Status() []TargetStatus {
	u.mu.RLock()
	defer u.mu.RUnlock()

	out := make([]TargetStatus, 0, len(u.targets))
	for _, t := range u.targets {
		st := TargetStatus{
			Host:        t.Host,
			Port:        t.Port,
			Weight:      t.Weight,
			Healthy:     t.Healthy(),
			ActiveConns: t.ActiveConns(),
		}
		if b := u.breakers[t.Address()]; b != nil {
			st.Circuit = b.Snapshot()
		}
		out = append(out, st)
	}
	return out
}
