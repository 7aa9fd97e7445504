package plugin

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/wudi/porta/internal/config"
	"github.com/wudi/porta/internal/logging"
)

// Chain is an ordered list of plugin instances executed per request.
// A chain is built once per route from the merged plugin configs and
// shared by all requests hitting that route, so plugin state such as
// rate-limit counters persists across requests.
type Chain struct {
	plugins []Plugin
}

// NewChain instantiates the enabled plugins from the merged config
// list, preserving order.
func NewChain(cfgs []config.PluginConfig, reg *Registry, env *Env) (*Chain, error) {
	c := &Chain{}
	for _, pc := range cfgs {
		if pc.Enabled != nil && !*pc.Enabled {
			continue
		}
		p, err := reg.Create(pc.Name, Options(pc.Config), env)
		if err != nil {
			return nil, fmt.Errorf("plugin %s: %w", pc.Name, err)
		}
		c.plugins = append(c.plugins, p)
	}
	return c, nil
}

// Plugins returns the chain's instances in order.
func (c *Chain) Plugins() []Plugin {
	return c.plugins
}

// RunAccess executes the access phase in list order. The first plugin
// that sets ctx.ShortCircuit ends the phase. The return value is the
// number of plugins that ran, for mirroring in RunResponse.
func (c *Chain) RunAccess(ctx *Context) int {
	for i, p := range c.plugins {
		if h, ok := p.(AccessHandler); ok {
			h.Access(ctx)
			if ctx.ShortCircuit != nil {
				return i + 1
			}
		}
	}
	return len(c.plugins)
}

// RunResponse executes the response phase in reverse order over the
// first executed plugins, so the outermost plugin sees the final
// response.
func (c *Chain) RunResponse(ctx *Context, resp *Response, executed int) {
	if executed > len(c.plugins) {
		executed = len(c.plugins)
	}
	for i := executed - 1; i >= 0; i-- {
		if h, ok := c.plugins[i].(ResponseHandler); ok {
			h.Response(ctx, resp)
		}
	}
}

// RunLog executes the log phase in forward order. Panics are contained
// so a logging failure never affects the finished request.
func (c *Chain) RunLog(ctx *Context, resp *Response) {
	for _, p := range c.plugins {
		if h, ok := p.(LogHandler); ok {
			func() {
				defer func() {
					if r := recover(); r != nil {
						logging.Error("log phase panic",
							zap.String("plugin", p.PluginName()),
							zap.Any("panic", r))
					}
				}()
				h.Log(ctx, resp)
			}()
		}
	}
}
