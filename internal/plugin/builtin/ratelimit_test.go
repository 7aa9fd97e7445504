package builtin

import (
	"testing"

	"github.com/wudi/porta/internal/plugin"
)

func TestRateLimitWithinLimit(t *testing.T) {
	p, err := NewRateLimiting(plugin.Options{"minute": 2}, nil)
	if err != nil {
		t.Fatal(err)
	}
	rl := p.(*RateLimiting)

	for i := 0; i < 2; i++ {
		ctx := newCtx("GET", "/x")
		rl.Access(ctx)
		if ctx.ShortCircuit != nil {
			t.Fatalf("request %d short-circuited: %d", i+1, ctx.ShortCircuit.StatusCode)
		}
	}
}

func TestRateLimitExceeded(t *testing.T) {
	p, _ := NewRateLimiting(plugin.Options{"minute": 2}, nil)
	rl := p.(*RateLimiting)

	for i := 0; i < 2; i++ {
		rl.Access(newCtx("GET", "/x"))
	}
	ctx := newCtx("GET", "/x")
	rl.Access(ctx)

	if ctx.ShortCircuit == nil || ctx.ShortCircuit.StatusCode != 429 {
		t.Fatalf("short circuit = %+v", ctx.ShortCircuit)
	}
	if ctx.ShortCircuit.Header.Get("Retry-After") == "" {
		t.Error("Retry-After missing")
	}
	if got := ctx.ShortCircuit.Header.Get("X-RateLimit-Limit-minute"); got != "2" {
		t.Errorf("X-RateLimit-Limit-minute = %q", got)
	}
}

func TestRateLimitHeadersOnResponse(t *testing.T) {
	p, _ := NewRateLimiting(plugin.Options{"minute": 5}, nil)
	rl := p.(*RateLimiting)

	ctx := newCtx("GET", "/x")
	rl.Access(ctx)
	resp := plugin.NewResponse(200)
	rl.Response(ctx, resp)

	if got := resp.Header.Get("X-RateLimit-Limit-minute"); got != "5" {
		t.Errorf("X-RateLimit-Limit-minute = %q", got)
	}
	if got := resp.Header.Get("X-RateLimit-Remaining-minute"); got != "4" {
		t.Errorf("X-RateLimit-Remaining-minute = %q", got)
	}
}

func TestRateLimitHideClientHeaders(t *testing.T) {
	p, _ := NewRateLimiting(plugin.Options{"minute": 5, "hide_client_headers": true}, nil)
	rl := p.(*RateLimiting)

	ctx := newCtx("GET", "/x")
	rl.Access(ctx)
	resp := plugin.NewResponse(200)
	rl.Response(ctx, resp)

	if got := resp.Header.Get("X-RateLimit-Limit-minute"); got != "" {
		t.Errorf("X-RateLimit-Limit-minute = %q, want empty", got)
	}
}

func TestRateLimitByConsumer(t *testing.T) {
	p, _ := NewRateLimiting(plugin.Options{"minute": 1, "limit_by": "consumer"}, nil)
	rl := p.(*RateLimiting)

	alice := newCtx("GET", "/x")
	alice.Consumer = &plugin.Consumer{Username: "alice"}
	rl.Access(alice)
	if alice.ShortCircuit != nil {
		t.Fatal("alice first request limited")
	}

	// A different consumer has its own bucket.
	bob := newCtx("GET", "/x")
	bob.Consumer = &plugin.Consumer{Username: "bob"}
	rl.Access(bob)
	if bob.ShortCircuit != nil {
		t.Fatal("bob limited by alice's bucket")
	}

	again := newCtx("GET", "/x")
	again.Consumer = &plugin.Consumer{Username: "alice"}
	rl.Access(again)
	if again.ShortCircuit == nil {
		t.Fatal("alice second request not limited")
	}
}

func TestRateLimitSeparateWindows(t *testing.T) {
	p, _ := NewRateLimiting(plugin.Options{"second": 1, "minute": 100}, nil)
	rl := p.(*RateLimiting)

	first := newCtx("GET", "/x")
	rl.Access(first)
	if first.ShortCircuit != nil {
		t.Fatal("first request limited")
	}

	second := newCtx("GET", "/x")
	rl.Access(second)
	if second.ShortCircuit == nil || second.ShortCircuit.StatusCode != 429 {
		t.Fatal("second-window limit not enforced")
	}
}

func TestRateLimitInvalidConfig(t *testing.T) {
	if _, err := NewRateLimiting(plugin.Options{"minute": -1}, nil); err == nil {
		t.Fatal("expected error for negative limit")
	}
}
