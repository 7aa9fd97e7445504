package circuitbreaker

import (
	"sync"
	"time"

	"github.com/wudi/porta/internal/config"
)

// State represents the circuit breaker state
type State int

const (
	StateClosed   State = iota // Normal operation
	StateOpen                  // Failing, reject requests
	StateHalfOpen              // Testing recovery
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Breaker guards a single backend target. When disabled it behaves as a
// permanently closed no-op.
type Breaker struct {
	mu               sync.Mutex
	enabled          bool
	state            State
	failureCount     int
	successCount     int
	halfOpenAllowed  int
	failureThreshold int
	successThreshold int
	halfOpenRequests int
	timeout          time.Duration
	openedAt         time.Time

	onStateChange func(State)
}

// NewBreaker creates a new circuit breaker. onStateChange, when non-nil,
// is invoked outside request ordering guarantees but under the breaker
// mutex, so it must be cheap.
func NewBreaker(cfg config.CircuitBreakerConfig, onStateChange func(State)) *Breaker {
	failureThreshold := cfg.FailureThreshold
	if failureThreshold <= 0 {
		failureThreshold = 5
	}

	successThreshold := cfg.SuccessThreshold
	if successThreshold <= 0 {
		successThreshold = 2
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30
	}

	halfOpenRequests := cfg.HalfOpenRequests
	if halfOpenRequests <= 0 {
		halfOpenRequests = 3
	}

	enabled := true
	if cfg.Enabled != nil {
		enabled = *cfg.Enabled
	}

	return &Breaker{
		enabled:          enabled,
		state:            StateClosed,
		failureThreshold: failureThreshold,
		successThreshold: successThreshold,
		halfOpenRequests: halfOpenRequests,
		timeout:          time.Duration(timeout) * time.Second,
		onStateChange:    onStateChange,
	}
}

func (b *Breaker) transition(s State) {
	b.state = s
	if b.onStateChange != nil {
		b.onStateChange(s)
	}
}

// Allow reports whether a request may go to the guarded target. In Open
// state it transitions to HalfOpen once the timeout has elapsed and
// admits a bounded number of probes.
func (b *Breaker) Allow() bool {
	if !b.enabled {
		return true
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return true

	case StateOpen:
		if time.Since(b.openedAt) >= b.timeout {
			b.transition(StateHalfOpen)
			b.successCount = 0
			b.failureCount = 0
			b.halfOpenAllowed = b.halfOpenRequests - 1 // this request takes a slot
			return true
		}
		return false

	case StateHalfOpen:
		if b.halfOpenAllowed > 0 {
			b.halfOpenAllowed--
			return true
		}
		return false
	}

	return false
}

// RecordSuccess records a successful request
func (b *Breaker) RecordSuccess() {
	if !b.enabled {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		b.failureCount = 0

	case StateHalfOpen:
		b.successCount++
		if b.successCount >= b.successThreshold {
			b.transition(StateClosed)
			b.failureCount = 0
			b.successCount = 0
			b.halfOpenAllowed = 0
		}
	}
}

// RecordFailure records a failed request
func (b *Breaker) RecordFailure() {
	if !b.enabled {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		b.failureCount++
		if b.failureCount >= b.failureThreshold {
			b.transition(StateOpen)
			b.openedAt = time.Now()
		}

	case StateHalfOpen:
		b.transition(StateOpen)
		b.openedAt = time.Now()
		b.successCount = 0
		b.halfOpenAllowed = 0
	}
}

// State returns the current state without triggering transitions.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Reset forces the breaker back to Closed with counters cleared.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.transition(StateClosed)
	b.failureCount = 0
	b.successCount = 0
	b.halfOpenAllowed = 0
	b.openedAt = time.Time{}
}

// Snapshot returns a point-in-time view of the breaker state
func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()

	return Snapshot{
		State:            b.state.String(),
		FailureCount:     b.failureCount,
		SuccessCount:     b.successCount,
		FailureThreshold: b.failureThreshold,
		SuccessThreshold: b.successThreshold,
		TimeoutSeconds:   int(b.timeout / time.Second),
	}
}

// Snapshot is a point-in-time view of a circuit breaker
type Snapshot struct {
	State            string `json:"state"`
	FailureCount     int    `json:"failure_count"`
	SuccessCount     int    `json:"success_count"`
	FailureThreshold int    `json:"failure_threshold"`
	SuccessThreshold int    `json:"success_threshold"`
	TimeoutSeconds   int    `json:"timeout"`
}
