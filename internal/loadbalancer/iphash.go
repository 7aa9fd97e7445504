package loadbalancer

import "github.com/cespare/xxhash/v2"

// IPHash pins a client IP to a candidate. The hash is stable across
// process restarts for the same IP and same ordered candidate set.
type IPHash struct{}

// NewIPHash creates an ip-hash balancer.
func NewIPHash() *IPHash {
	return &IPHash{}
}

// Select hashes the client IP over the candidate list.
func (ih *IPHash) Select(candidates []*Target, clientIP string) (*Target, error) {
	if len(candidates) == 0 {
		return nil, ErrNoHealthyTarget
	}
	h := xxhash.Sum64String(clientIP)
	return candidates[h%uint64(len(candidates))], nil
}
