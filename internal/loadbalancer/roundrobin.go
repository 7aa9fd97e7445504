package loadbalancer

import "sync/atomic"

// RoundRobin cycles through candidates with an atomic cursor.
type RoundRobin struct {
	cursor atomic.Uint64
}

// NewRoundRobin creates a round-robin balancer.
func NewRoundRobin() *RoundRobin {
	return &RoundRobin{}
}

// Select returns the candidate at the cursor and advances it.
func (rr *RoundRobin) Select(candidates []*Target, _ string) (*Target, error) {
	if len(candidates) == 0 {
		return nil, ErrNoHealthyTarget
	}
	n := rr.cursor.Add(1) - 1
	return candidates[n%uint64(len(candidates))], nil
}
