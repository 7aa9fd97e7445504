package loadbalancer

import (
	"fmt"
	"sync/atomic"
)

// Target represents a single backend endpoint in an upstream pool.
type Target struct {
	Host   string
	Port   int
	Weight int

	healthy        atomic.Bool
	activeConns    atomic.Int64
	consecSuccess  atomic.Int32
	consecFailures atomic.Int32
}

// NewTarget creates a target, initially healthy.
func NewTarget(host string, port, weight int) *Target {
	t := &Target{Host: host, Port: port, Weight: weight}
	t.healthy.Store(true)
	return t
}

// Address returns the host:port form used as the target's identity.
func (t *Target) Address() string {
	return fmt.Sprintf("%s:%d", t.Host, t.Port)
}

// Healthy reports the current health flag.
func (t *Target) Healthy() bool { return t.healthy.Load() }

// MarkHealthy flips the target healthy and resets probe counters.
func (t *Target) MarkHealthy() {
	t.healthy.Store(true)
	t.consecSuccess.Store(0)
	t.consecFailures.Store(0)
}

// MarkUnhealthy flips the target unhealthy and resets probe counters.
func (t *Target) MarkUnhealthy() {
	t.healthy.Store(false)
	t.consecSuccess.Store(0)
	t.consecFailures.Store(0)
}

// RecordProbeSuccess counts a successful probe and returns the new streak.
func (t *Target) RecordProbeSuccess() int {
	t.consecFailures.Store(0)
	return int(t.consecSuccess.Add(1))
}

// RecordProbeFailure counts a failed probe and returns the new streak.
func (t *Target) RecordProbeFailure() int {
	t.consecSuccess.Store(0)
	return int(t.consecFailures.Add(1))
}

// Acquire increments the active-connection gauge.
func (t *Target) Acquire() { t.activeConns.Add(1) }

// Release decrements the active-connection gauge.
func (t *Target) Release() { t.activeConns.Add(-1) }

// ActiveConns reads the active-connection gauge.
func (t *Target) ActiveConns() int64 { return t.activeConns.Load() }
