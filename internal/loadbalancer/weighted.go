package loadbalancer

import "sync"

// Weighted implements smooth weighted round-robin: each pick raises
// every candidate's current weight by its configured weight, selects
// the highest, then lowers the winner by the total. The long-run
// distribution matches the weight ratios.
type Weighted struct {
	mu             sync.Mutex
	currentWeights map[string]int
}

// NewWeighted creates a weighted balancer.
func NewWeighted() *Weighted {
	return &Weighted{
		currentWeights: make(map[string]int),
	}
}

// Select picks the next candidate by smooth weighted round-robin.
// Zero-weight candidates are never chosen unless all weights are zero.
func (w *Weighted) Select(candidates []*Target, _ string) (*Target, error) {
	if len(candidates) == 0 {
		return nil, ErrNoHealthyTarget
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	total := 0
	for _, t := range candidates {
		total += t.Weight
	}
	if total == 0 {
		return candidates[0], nil
	}

	for _, t := range candidates {
		w.currentWeights[t.Address()] += t.Weight
	}

	var best *Target
	bestWeight := -1 << 62
	for _, t := range candidates {
		if cw := w.currentWeights[t.Address()]; cw > bestWeight {
			bestWeight = cw
			best = t
		}
	}

	w.currentWeights[best.Address()] -= total
	return best, nil
}
