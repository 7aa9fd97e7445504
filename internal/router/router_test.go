package router

import (
	"errors"
	"testing"

	"github.com/wudi/porta/internal/config"
	gwerrors "github.com/wudi/porta/internal/errors"
)

func boolPtr(b bool) *bool { return &b }

func testConfig() *config.Config {
	cfg := &config.Config{
		Plugins: []config.PluginConfig{
			{Name: "cors", Config: map[string]interface{}{"origins": []interface{}{"*"}}},
		},
		Services: []config.ServiceConfig{
			{
				Name:     "users",
				Upstream: "users-pool",
				Routes: []config.RouteConfig{
					{
						Name:    "users-list",
						Paths:   []string{"/api/users"},
						Methods: []string{"GET", "POST"},
					},
					{
						Name:    "users-sub",
						Paths:   []string{"/api/users/*"},
						Methods: []string{"GET", "POST", "PUT", "DELETE", "PATCH"},
						Plugins: []config.PluginConfig{
							{Name: "rate-limiting", Config: map[string]interface{}{"minute": 10}},
						},
					},
				},
			},
			{
				Name:     "catchall",
				Upstream: "fallback-pool",
				Path:     "/internal",
				Routes: []config.RouteConfig{
					{
						Name:      "everything",
						Paths:     []string{"/api/*"},
						Methods:   []string{"GET"},
						StripPath: boolPtr(false),
					},
				},
			},
		},
	}
	cfg.ApplyDefaults()
	return cfg
}

func mustMatch(t *testing.T, rt *Router, method, path string) *Match {
	t.Helper()
	m, err := rt.MatchMethodPath(method, path)
	if err != nil {
		t.Fatalf("MatchMethodPath(%s %s): %v", method, path, err)
	}
	return m
}

func TestMatchExactBeatsWildcard(t *testing.T) {
	rt := New()
	if err := rt.LoadConfig(testConfig()); err != nil {
		t.Fatal(err)
	}

	m := mustMatch(t, rt, "GET", "/api/users")
	if m.Route.Name != "users-list" {
		t.Errorf("route = %s, want users-list", m.Route.Name)
	}

	m = mustMatch(t, rt, "GET", "/api/users/42")
	if m.Route.Name != "users-sub" {
		t.Errorf("route = %s, want users-sub", m.Route.Name)
	}
}

func TestLongestPatternWins(t *testing.T) {
	rt := New()
	if err := rt.LoadConfig(testConfig()); err != nil {
		t.Fatal(err)
	}

	// Both /api/* and /api/users/* match; the longer pattern wins.
	m := mustMatch(t, rt, "GET", "/api/users/42/orders")
	if m.Route.Name != "users-sub" {
		t.Errorf("route = %s, want users-sub", m.Route.Name)
	}

	m = mustMatch(t, rt, "GET", "/api/reports")
	if m.Route.Name != "everything" {
		t.Errorf("route = %s, want everything", m.Route.Name)
	}
}

func TestMethodFiltering(t *testing.T) {
	rt := New()
	if err := rt.LoadConfig(testConfig()); err != nil {
		t.Fatal(err)
	}

	// DELETE is not allowed on users-list, so the wildcard route
	// (which also matches the bare prefix) takes the request.
	m := mustMatch(t, rt, "DELETE", "/api/users")
	if m.Route.Name != "users-sub" {
		t.Errorf("route = %s, want users-sub", m.Route.Name)
	}

	if _, err := rt.MatchMethodPath("DELETE", "/api/reports"); !errors.Is(err, gwerrors.ErrRouteNotFound) {
		t.Errorf("err = %v, want ErrRouteNotFound", err)
	}
}

func TestRouteNotFound(t *testing.T) {
	rt := New()
	if err := rt.LoadConfig(testConfig()); err != nil {
		t.Fatal(err)
	}

	if _, err := rt.MatchMethodPath("GET", "/nope"); !errors.Is(err, gwerrors.ErrRouteNotFound) {
		t.Errorf("err = %v, want ErrRouteNotFound", err)
	}
}

func TestStripPath(t *testing.T) {
	rt := New()
	if err := rt.LoadConfig(testConfig()); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		method, path, want string
	}{
		{"GET", "/api/users/42", "/42"},
		{"GET", "/api/users", "/"},
		{"POST", "/api/users", "/"},
		// strip_path=false keeps the full path; service path is prepended.
		{"GET", "/api/reports", "/internal/api/reports"},
	}
	for _, tt := range tests {
		m := mustMatch(t, rt, tt.method, tt.path)
		if m.ForwardPath != tt.want {
			t.Errorf("%s %s: forward path = %s, want %s", tt.method, tt.path, m.ForwardPath, tt.want)
		}
	}
}

func TestDeclarationOrderBreaksTies(t *testing.T) {
	cfg := &config.Config{
		Services: []config.ServiceConfig{
			{
				Name:     "a",
				Upstream: "pool",
				Routes: []config.RouteConfig{
					{Name: "first", Paths: []string{"/same/*"}, Methods: []string{"GET"}},
					{Name: "second", Paths: []string{"/same/*"}, Methods: []string{"GET"}},
				},
			},
		},
	}
	cfg.ApplyDefaults()

	rt := New()
	if err := rt.LoadConfig(cfg); err != nil {
		t.Fatal(err)
	}
	m := mustMatch(t, rt, "GET", "/same/x")
	if m.Route.Name != "first" {
		t.Errorf("route = %s, want first", m.Route.Name)
	}
}

func TestPluginMerge(t *testing.T) {
	cfg := &config.Config{
		Plugins: []config.PluginConfig{
			{Name: "cors", Config: map[string]interface{}{"origins": []interface{}{"*"}}},
			{Name: "rate-limiting", Config: map[string]interface{}{"minute": 100}},
		},
		Services: []config.ServiceConfig{
			{
				Name:     "svc",
				Upstream: "pool",
				Routes: []config.RouteConfig{
					{
						Name:    "r",
						Paths:   []string{"/x"},
						Methods: []string{"GET"},
						Plugins: []config.PluginConfig{
							{Name: "rate-limiting", Config: map[string]interface{}{"minute": 5}},
							{Name: "key-auth", Config: map[string]interface{}{}},
						},
					},
				},
			},
		},
	}
	cfg.ApplyDefaults()

	rt := New()
	if err := rt.LoadConfig(cfg); err != nil {
		t.Fatal(err)
	}
	m := mustMatch(t, rt, "GET", "/x")

	names := make([]string, len(m.Plugins))
	for i, p := range m.Plugins {
		names[i] = p.Name
	}
	want := []string{"cors", "rate-limiting", "key-auth"}
	if len(names) != len(want) {
		t.Fatalf("plugins = %v, want %v", names, want)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Fatalf("plugins = %v, want %v", names, want)
		}
	}

	// Route-level config wins at the global position.
	if got := m.Plugins[1].Config["minute"]; got != 5 {
		t.Errorf("rate-limiting minute = %v, want 5", got)
	}
}

func TestDisabledServiceSkipped(t *testing.T) {
	cfg := &config.Config{
		Services: []config.ServiceConfig{
			{
				Name:     "off",
				Upstream: "pool",
				Enabled:  boolPtr(false),
				Routes: []config.RouteConfig{
					{Name: "r", Paths: []string{"/x"}, Methods: []string{"GET"}},
				},
			},
		},
	}
	cfg.ApplyDefaults()

	rt := New()
	if err := rt.LoadConfig(cfg); err != nil {
		t.Fatal(err)
	}
	if _, err := rt.MatchMethodPath("GET", "/x"); !errors.Is(err, gwerrors.ErrRouteNotFound) {
		t.Errorf("err = %v, want ErrRouteNotFound", err)
	}
}

func TestDefaultMethods(t *testing.T) {
	cfg := &config.Config{
		Services: []config.ServiceConfig{
			{
				Name:     "svc",
				Upstream: "pool",
				Routes: []config.RouteConfig{
					{Name: "r", Paths: []string{"/x"}},
				},
			},
		},
	}
	cfg.ApplyDefaults()

	rt := New()
	if err := rt.LoadConfig(cfg); err != nil {
		t.Fatal(err)
	}
	for _, method := range []string{"GET", "POST", "PUT", "DELETE", "PATCH"} {
		if _, err := rt.MatchMethodPath(method, "/x"); err != nil {
			t.Errorf("%s /x: %v", method, err)
		}
	}
}

func TestRemoveService(t *testing.T) {
	rt := New()
	if err := rt.LoadConfig(testConfig()); err != nil {
		t.Fatal(err)
	}

	if !rt.RemoveService("users") {
		t.Fatal("RemoveService(users) = false")
	}
	if rt.RemoveService("users") {
		t.Error("second RemoveService(users) = true")
	}

	// users routes are gone; the catchall still matches.
	m := mustMatch(t, rt, "GET", "/api/users/42")
	if m.Route.Name != "everything" {
		t.Errorf("route = %s, want everything", m.Route.Name)
	}
}

func TestPatternMatching(t *testing.T) {
	tests := []struct {
		pattern, path string
		want          bool
	}{
		{"/api/users", "/api/users", true},
		{"/api/users", "/api/users/", false},
		{"/api/users", "/api/users/1", false},
		{"/api/users/*", "/api/users", true},
		{"/api/users/*", "/api/users/1", true},
		{"/api/users/*", "/api/usersx", false},
		{"*", "/anything", true},
	}
	for _, tt := range tests {
		p := CompilePattern(tt.pattern)
		if got := p.Matches(tt.path); got != tt.want {
			t.Errorf("Matches(%q, %q) = %v, want %v", tt.pattern, tt.path, got, tt.want)
		}
	}
}
