package health

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/wudi/porta/internal/config"
	"github.com/wudi/porta/internal/loadbalancer"
	"github.com/wudi/porta/internal/logging"
)

// Checker actively probes the targets of one upstream and flips their
// health flags after enough consecutive probe results.
type Checker struct {
	upstream           string
	targets            func() []*loadbalancer.Target
	path               string
	interval           time.Duration
	healthyThreshold   int
	unhealthyThreshold int
	expectedStatuses   []int
	client             *http.Client

	onTransition func(target *loadbalancer.Target, healthy bool)

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// NewChecker creates a checker for an upstream. The targets func is
// called before every round so runtime target CRUD is picked up.
func NewChecker(upstream string, cfg config.HealthCheckConfig, targets func() []*loadbalancer.Target, onTransition func(*loadbalancer.Target, bool)) *Checker {
	return &Checker{
		upstream:           upstream,
		targets:            targets,
		path:               cfg.Path,
		interval:           time.Duration(cfg.Interval) * time.Second,
		healthyThreshold:   cfg.HealthyThreshold,
		unhealthyThreshold: cfg.UnhealthyThreshold,
		expectedStatuses:   cfg.ExpectedStatuses,
		client: &http.Client{
			Timeout: time.Duration(cfg.Timeout) * time.Second,
		},
		onTransition: onTransition,
		stop:         make(chan struct{}),
		done:         make(chan struct{}),
	}
}

// Start launches the probe loop.
func (c *Checker) Start() {
	go c.run()
}

// Stop terminates the probe loop and waits for it to exit.
func (c *Checker) Stop() {
	c.stopOnce.Do(func() { close(c.stop) })
	<-c.done
}

func (c *Checker) run() {
	defer close(c.done)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			c.probeAll()
		}
	}
}

func (c *Checker) probeAll() {
	var wg sync.WaitGroup
	for _, target := range c.targets() {
		wg.Add(1)
		go func(t *loadbalancer.Target) {
			defer wg.Done()
			c.probe(t)
		}(target)
	}
	wg.Wait()
}

// probe issues one health check and applies threshold transitions.
func (c *Checker) probe(t *loadbalancer.Target) {
	up := c.probeOnce(t)

	if up {
		streak := t.RecordProbeSuccess()
		if !t.Healthy() && streak >= c.healthyThreshold {
			t.MarkHealthy()
			logging.Info("target recovered",
				zap.String("upstream", c.upstream),
				zap.String("target", t.Address()))
			if c.onTransition != nil {
				c.onTransition(t, true)
			}
		}
	} else {
		streak := t.RecordProbeFailure()
		if t.Healthy() && streak >= c.unhealthyThreshold {
			t.MarkUnhealthy()
			logging.Warn("target unhealthy",
				zap.String("upstream", c.upstream),
				zap.String("target", t.Address()))
			if c.onTransition != nil {
				c.onTransition(t, false)
			}
		}
	}
}

func (c *Checker) probeOnce(t *loadbalancer.Target) bool {
	url := fmt.Sprintf("http://%s%s", t.Address(), c.path)

	ctx, cancel := context.WithTimeout(context.Background(), c.client.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()

	return c.statusUp(resp.StatusCode)
}

func (c *Checker) statusUp(status int) bool {
	if len(c.expectedStatuses) > 0 {
		for _, s := range c.expectedStatuses {
			if status == s {
				return true
			}
		}
		return false
	}
	return status >= 200 && status <= 399
}
