package builtin

import (
	"strconv"
	"strings"

	"github.com/wudi/porta/internal/plugin"
)

// CORS answers preflight requests and decorates responses with
// cross-origin headers.
type CORS struct {
	origins           []string
	methods           []string
	headers           []string
	exposedHeaders    []string
	credentials       bool
	maxAge            int
	preflightContinue bool
}

// NewCORS builds the cors plugin from its config.
func NewCORS(opts plugin.Options, env *plugin.Env) (plugin.Plugin, error) {
	p := &CORS{
		origins:           opts.StringSlice("origins"),
		methods:           opts.StringSlice("methods"),
		headers:           opts.StringSlice("headers"),
		exposedHeaders:    opts.StringSlice("exposed_headers"),
		credentials:       opts.Bool("credentials", false),
		maxAge:            opts.Int("max_age", 86400),
		preflightContinue: opts.Bool("preflight_continue", false),
	}
	if len(p.origins) == 0 {
		p.origins = []string{"*"}
	}
	if len(p.methods) == 0 {
		p.methods = []string{"GET", "POST", "PUT", "DELETE", "PATCH", "OPTIONS", "HEAD"}
	}
	if len(p.headers) == 0 {
		p.headers = []string{"*"}
	}
	return p, nil
}

func (p *CORS) PluginName() string { return "cors" }

// Access short-circuits preflight requests.
func (p *CORS) Access(ctx *plugin.Context) {
	if ctx.Request.Method != "OPTIONS" {
		return
	}
	origin := ctx.Request.Header.Get("Origin")
	if origin == "" {
		return
	}
	if !p.originAllowed(origin) {
		reject(ctx, 403, "origin not allowed")
		return
	}
	if p.preflightContinue {
		return
	}

	resp := plugin.NewResponse(204)
	p.setHeaders(resp.Header.Set, origin, true)
	ctx.ShortCircuit = resp
}

// Response adds cross-origin headers to the outgoing response.
func (p *CORS) Response(ctx *plugin.Context, resp *plugin.Response) {
	origin := ctx.Request.Header.Get("Origin")
	if origin == "" || !p.originAllowed(origin) {
		return
	}
	p.setHeaders(resp.Header.Set, origin, false)
}

func (p *CORS) originAllowed(origin string) bool {
	for _, o := range p.origins {
		if o == "*" || o == origin {
			return true
		}
	}
	return false
}

func (p *CORS) setHeaders(set func(key, value string), origin string, preflight bool) {
	if p.wildcardOrigin() && !p.credentials {
		set("Access-Control-Allow-Origin", "*")
	} else {
		set("Access-Control-Allow-Origin", origin)
	}
	if p.credentials {
		set("Access-Control-Allow-Credentials", "true")
	}
	if preflight {
		set("Access-Control-Allow-Methods", strings.Join(p.methods, ", "))
		set("Access-Control-Allow-Headers", strings.Join(p.headers, ", "))
		set("Access-Control-Max-Age", strconv.Itoa(p.maxAge))
	}
	if len(p.exposedHeaders) > 0 {
		set("Access-Control-Expose-Headers", strings.Join(p.exposedHeaders, ", "))
	}
}

func (p *CORS) wildcardOrigin() bool {
	for _, o := range p.origins {
		if o == "*" {
			return true
		}
	}
	return false
}
