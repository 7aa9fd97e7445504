package loadbalancer

import (
	"fmt"
)

// ErrNoHealthyTarget is returned when the candidate set is empty.
var ErrNoHealthyTarget = fmt.Errorf("no healthy target available")

// Balancer selects one target from a pre-filtered candidate set. The
// caller passes only targets that are both healthy and admitted by
// their circuit breakers; an empty set yields ErrNoHealthyTarget.
type Balancer interface {
	Select(candidates []*Target, clientIP string) (*Target, error)
}

// New creates a balancer for the given algorithm name.
func New(algorithm string) (Balancer, error) {
	switch algorithm {
	case "round-robin", "":
		return NewRoundRobin(), nil
	case "least-connections":
		return NewLeastConnections(), nil
	case "ip-hash":
		return NewIPHash(), nil
	case "weighted":
		return NewWeighted(), nil
	case "random":
		return NewRandom(), nil
	default:
		return nil, fmt.Errorf("unknown load balancing algorithm: %s", algorithm)
	}
}
