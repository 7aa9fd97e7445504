package gateway

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/wudi/porta/internal/config"
	"github.com/wudi/porta/internal/logging"
	"github.com/wudi/porta/internal/plugin"
	"github.com/wudi/porta/internal/router"
)

// Apply loads a configuration into the running gateway: upstream
// pools, consumer credentials, the routing table and per-route plugin
// chains. Plugin construction is dry-run against a scratch routing
// table first, so a bad plugin config rejects the whole document
// before any live state is touched.
func (g *Gateway) Apply(cfg *config.Config) error {
	if err := g.dryRunChains(cfg); err != nil {
		return fmt.Errorf("build plugin chains: %w", err)
	}

	if err := g.upstreams.LoadConfig(cfg.Upstreams); err != nil {
		return fmt.Errorf("load upstreams: %w", err)
	}
	if g.env != nil && g.env.Consumers != nil {
		g.env.Consumers.Load(cfg.Consumers)
	}
	if err := g.router.LoadConfig(cfg); err != nil {
		return fmt.Errorf("load routes: %w", err)
	}

	chains, err := g.buildChains(g.router.Routes())
	if err != nil {
		return fmt.Errorf("build plugin chains: %w", err)
	}

	g.mu.Lock()
	g.chains = chains
	g.mu.Unlock()

	logging.Info("configuration applied",
		zap.Int("upstreams", len(cfg.Upstreams)),
		zap.Int("services", len(cfg.Services)),
		zap.Int("routes", len(g.router.Routes())),
		zap.Int("global_plugins", len(cfg.Plugins)))
	return nil
}

func (g *Gateway) dryRunChains(cfg *config.Config) error {
	scratch := router.New()
	if err := scratch.LoadConfig(cfg); err != nil {
		return err
	}
	for _, rt := range scratch.Routes() {
		if _, err := plugin.NewChain(scratch.PluginsFor(rt), g.registry, g.env); err != nil {
			return err
		}
	}
	return nil
}

// Reload applies a new configuration from the watcher callback.
// Failures are logged and the gateway keeps serving with the previous
// tables.
func (g *Gateway) Reload(cfg *config.Config) {
	if err := g.Apply(cfg); err != nil {
		logging.Error("config reload rejected", zap.Error(err))
	}
}
