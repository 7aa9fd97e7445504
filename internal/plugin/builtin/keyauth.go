package builtin

import (
	"github.com/wudi/porta/internal/plugin"
)

// KeyAuth authenticates requests by API key, resolving keys against
// the inline key table and the configured consumers.
type KeyAuth struct {
	keyNames        []string
	keyInHeader     bool
	keyInQuery      bool
	hideCredentials bool
	anonymous       string
	runOnPreflight  bool
	keys            map[string]plugin.Consumer
	consumers       *plugin.ConsumerStore
}

// NewKeyAuth builds the key-auth plugin from its config.
func NewKeyAuth(opts plugin.Options, env *plugin.Env) (plugin.Plugin, error) {
	p := &KeyAuth{
		keyNames:        opts.StringSlice("key_names"),
		keyInHeader:     opts.Bool("key_in_header", true),
		keyInQuery:      opts.Bool("key_in_query", true),
		hideCredentials: opts.Bool("hide_credentials", true),
		anonymous:       opts.String("anonymous", ""),
		runOnPreflight:  opts.Bool("run_on_preflight", true),
		keys:            make(map[string]plugin.Consumer),
	}
	if len(p.keyNames) == 0 {
		p.keyNames = []string{"X-API-Key", "apikey"}
	}
	if env != nil {
		p.consumers = env.Consumers
	}

	for key, v := range opts.Map("keys") {
		switch owner := v.(type) {
		case string:
			p.keys[key] = plugin.Consumer{Username: owner}
		case map[string]interface{}:
			c := plugin.Consumer{}
			c.Username, _ = owner["username"].(string)
			c.CustomID, _ = owner["custom_id"].(string)
			p.keys[key] = c
		}
	}
	return p, nil
}

func (p *KeyAuth) PluginName() string { return "key-auth" }

// Access implements the access phase.
func (p *KeyAuth) Access(ctx *plugin.Context) {
	if ctx.Request.Method == "OPTIONS" && !p.runOnPreflight {
		return
	}

	key, fromHeader, name := p.extractKey(ctx)
	if key == "" {
		if p.anonymous != "" {
			ctx.Consumer = &plugin.Consumer{Username: p.anonymous}
			ctx.Authenticated = false
			return
		}
		reject(ctx, 401, "missing api key")
		return
	}

	consumer, ok := p.resolve(key)
	if !ok {
		reject(ctx, 401, "invalid api key")
		return
	}

	ctx.Consumer = &consumer
	ctx.Authenticated = true
	ctx.Set("api_key", key)

	if p.hideCredentials {
		if fromHeader {
			ctx.Request.Header.Del(name)
		} else {
			q := ctx.Request.URL.Query()
			q.Del(name)
			ctx.Request.URL.RawQuery = q.Encode()
		}
	}
}

func (p *KeyAuth) resolve(key string) (plugin.Consumer, bool) {
	if c, ok := p.keys[key]; ok {
		return c, true
	}
	if p.consumers != nil {
		if cc, ok := p.consumers.ByAPIKey(key); ok {
			return plugin.Consumer{Username: cc.Username, CustomID: cc.CustomID}, true
		}
	}
	return plugin.Consumer{}, false
}

// extractKey returns the key, whether it came from a header, and the
// header or query parameter name that carried it.
func (p *KeyAuth) extractKey(ctx *plugin.Context) (string, bool, string) {
	if p.keyInHeader {
		for _, name := range p.keyNames {
			if v := ctx.Request.Header.Get(name); v != "" {
				return v, true, name
			}
		}
	}
	if p.keyInQuery {
		query := ctx.Request.URL.Query()
		for _, name := range p.keyNames {
			if v := query.Get(name); v != "" {
				return v, false, name
			}
		}
	}
	return "", false, ""
}
