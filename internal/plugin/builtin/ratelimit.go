package builtin

import (
	"fmt"
	"math"
	"strconv"
	"sync"

	"golang.org/x/time/rate"

	"github.com/wudi/porta/internal/plugin"
)

type rateWindow struct {
	name    string
	limit   int
	seconds int
}

// RateLimiting enforces in-process token-bucket limits per time
// window, keyed by client identity.
type RateLimiting struct {
	windows           []rateWindow
	limitBy           string
	headerName        string
	hideClientHeaders bool
	errorCode         int
	errorMessage      string

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewRateLimiting builds the rate-limiting plugin from its config.
func NewRateLimiting(opts plugin.Options, env *plugin.Env) (plugin.Plugin, error) {
	p := &RateLimiting{
		limitBy:           opts.String("limit_by", "ip"),
		headerName:        opts.String("header_name", "X-Consumer-ID"),
		hideClientHeaders: opts.Bool("hide_client_headers", false),
		errorCode:         opts.Int("error_code", 429),
		errorMessage:      opts.String("error_message", "rate limit exceeded"),
		limiters:          make(map[string]*rate.Limiter),
	}

	specs := []struct {
		name    string
		seconds int
		def     int
	}{
		{"second", 1, 0},
		{"minute", 60, 60},
		{"hour", 3600, 0},
		{"day", 86400, 0},
	}
	for _, s := range specs {
		if !opts.Has(s.name) {
			if s.def > 0 {
				p.windows = append(p.windows, rateWindow{s.name, s.def, s.seconds})
			}
			continue
		}
		limit := opts.Int(s.name, 0)
		if limit <= 0 {
			return nil, fmt.Errorf("rate-limiting %s must be positive", s.name)
		}
		p.windows = append(p.windows, rateWindow{s.name, limit, s.seconds})
	}
	return p, nil
}

func (p *RateLimiting) PluginName() string { return "rate-limiting" }

// Access implements the access phase.
func (p *RateLimiting) Access(ctx *plugin.Context) {
	id := p.identifier(ctx)
	headers := make(map[string]string)

	for _, w := range p.windows {
		lim := p.limiter(id, w)

		allowed := lim.Allow()
		remaining := int(lim.Tokens())
		if remaining < 0 {
			remaining = 0
		}

		if !p.hideClientHeaders {
			headers["X-RateLimit-Limit-"+w.name] = strconv.Itoa(w.limit)
			headers["X-RateLimit-Remaining-"+w.name] = strconv.Itoa(remaining)
		}

		if !allowed {
			resp := reject(ctx, p.errorCode, p.errorMessage)
			for k, v := range headers {
				resp.Header.Set(k, v)
			}
			resp.Header.Set("Retry-After", strconv.Itoa(p.retryAfter(lim, w)))
			return
		}
	}

	ctx.Set("rate_limit_headers", headers)
}

// Response copies the per-window headers onto the outgoing response.
func (p *RateLimiting) Response(ctx *plugin.Context, resp *plugin.Response) {
	if p.hideClientHeaders {
		return
	}
	v, ok := ctx.Get("rate_limit_headers")
	if !ok {
		return
	}
	for k, val := range v.(map[string]string) {
		resp.Header.Set(k, val)
	}
}

func (p *RateLimiting) limiter(id string, w rateWindow) *rate.Limiter {
	key := id + ":" + w.name
	p.mu.Lock()
	defer p.mu.Unlock()
	lim, ok := p.limiters[key]
	if !ok {
		lim = rate.NewLimiter(rate.Limit(float64(w.limit)/float64(w.seconds)), w.limit)
		p.limiters[key] = lim
	}
	return lim
}

// retryAfter estimates seconds until one token refills.
func (p *RateLimiting) retryAfter(lim *rate.Limiter, w rateWindow) int {
	needed := 1 - lim.Tokens()
	if needed <= 0 {
		return 1
	}
	refill := float64(w.limit) / float64(w.seconds)
	secs := int(math.Ceil(needed / refill))
	if secs < 1 {
		secs = 1
	}
	return secs
}

func (p *RateLimiting) identifier(ctx *plugin.Context) string {
	switch p.limitBy {
	case "consumer":
		if ctx.Consumer != nil && ctx.Consumer.Username != "" {
			return "consumer:" + ctx.Consumer.Username
		}
		return "consumer:anonymous"
	case "credential":
		if v, ok := ctx.Get("api_key"); ok {
			return "credential:" + v.(string)
		}
		if ctx.Consumer != nil && ctx.Consumer.UserID != "" {
			return "credential:" + ctx.Consumer.UserID
		}
	case "header":
		if v := ctx.Request.Header.Get(p.headerName); v != "" {
			return "header:" + v
		}
	}
	if ctx.ClientIP != "" {
		return "ip:" + ctx.ClientIP
	}
	return "ip:unknown"
}
