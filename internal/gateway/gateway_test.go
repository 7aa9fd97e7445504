package gateway

import (
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/wudi/porta/internal/config"
	"github.com/wudi/porta/internal/plugin"
	"github.com/wudi/porta/internal/plugin/builtin"
	"github.com/wudi/porta/internal/router"
	"github.com/wudi/porta/internal/upstream"
)

func boolPtr(b bool) *bool { return &b }

func targetFor(t *testing.T, srv *httptest.Server) config.TargetConfig {
	t.Helper()
	host, portStr, err := net.SplitHostPort(srv.Listener.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	port, _ := strconv.Atoi(portStr)
	return config.TargetConfig{Host: host, Port: port}
}

func upstreamCfg(t *testing.T, name string, srvs ...*httptest.Server) config.UpstreamConfig {
	t.Helper()
	targets := make([]config.TargetConfig, 0, len(srvs))
	for _, srv := range srvs {
		targets = append(targets, targetFor(t, srv))
	}
	return config.UpstreamConfig{
		Name:        name,
		Targets:     targets,
		HealthCheck: config.HealthCheckConfig{Enabled: boolPtr(false)},
		Retry:       config.RetryConfig{BackoffFactor: 0.001},
	}
}

func newGateway(t *testing.T, cfg *config.Config) (*Gateway, *httptest.Server) {
	t.Helper()
	reg := plugin.NewRegistry()
	builtin.RegisterAll(reg)
	return newGatewayWithRegistry(t, cfg, reg)
}

func newGatewayWithRegistry(t *testing.T, cfg *config.Config, reg *plugin.Registry) (*Gateway, *httptest.Server) {
	t.Helper()
	cfg.ApplyDefaults()

	env := &plugin.Env{Consumers: plugin.NewConsumerStore(cfg.Consumers)}
	gw := New(router.New(), upstream.NewManager(nil), reg, env, nil)
	if err := gw.Apply(cfg); err != nil {
		t.Fatal(err)
	}

	srv := httptest.NewServer(gw)
	t.Cleanup(func() {
		srv.Close()
		gw.Upstreams().Stop()
		gw.Close()
	})
	return gw, srv
}

func echoBackend(t *testing.T) (*httptest.Server, *http.Request, *[]byte) {
	t.Helper()
	var lastReq http.Request
	var lastBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		lastBody = body
		lastReq = *r
		lastReq.Header = r.Header.Clone()
		w.Header().Set("X-Backend", "echo")
		w.Write([]byte("echo:" + r.URL.Path))
	}))
	t.Cleanup(srv.Close)
	return srv, &lastReq, &lastBody
}

func TestGatewayProxiesRequest(t *testing.T) {
	backend, lastReq, _ := echoBackend(t)

	cfg := &config.Config{
		Upstreams: []config.UpstreamConfig{upstreamCfg(t, "pool", backend)},
		Services: []config.ServiceConfig{{
			Name:     "users",
			Upstream: "pool",
			Routes: []config.RouteConfig{{
				Name:  "users-api",
				Paths: []string{"/api/users", "/api/users/*"},
			}},
		}},
	}
	_, srv := newGateway(t, cfg)

	resp, err := http.Post(srv.URL+"/api/users/42?verbose=1", "text/plain", nil)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != 200 || string(body) != "echo:/42" {
		t.Fatalf("resp = %d %q", resp.StatusCode, body)
	}
	if resp.Header.Get("X-Request-ID") == "" {
		t.Error("X-Request-ID missing on response")
	}
	if resp.Header.Get("X-Backend") != "echo" {
		t.Error("backend response header lost")
	}
	if lastReq.URL.RawQuery != "verbose=1" {
		t.Errorf("query = %q", lastReq.URL.RawQuery)
	}
	if xff := lastReq.Header.Get("X-Forwarded-For"); xff == "" {
		t.Error("X-Forwarded-For missing upstream")
	}
}

func TestGatewayForwardsRequestBody(t *testing.T) {
	backend, _, lastBody := echoBackend(t)

	cfg := &config.Config{
		Upstreams: []config.UpstreamConfig{upstreamCfg(t, "pool", backend)},
		Services: []config.ServiceConfig{{
			Name:     "users",
			Upstream: "pool",
			Routes:   []config.RouteConfig{{Name: "users-api", Paths: []string{"/api/users"}}},
		}},
	}
	_, srv := newGateway(t, cfg)

	resp, err := http.Post(srv.URL+"/api/users", "application/json", strings.NewReader(`{"name":"bob"}`))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()

	if string(*lastBody) != `{"name":"bob"}` {
		t.Errorf("body = %q", *lastBody)
	}
}

func TestGatewayRouteNotFound(t *testing.T) {
	backend, _, _ := echoBackend(t)
	cfg := &config.Config{
		Upstreams: []config.UpstreamConfig{upstreamCfg(t, "pool", backend)},
		Services: []config.ServiceConfig{{
			Name:     "users",
			Upstream: "pool",
			Routes:   []config.RouteConfig{{Name: "users-api", Paths: []string{"/api/users"}}},
		}},
	}
	_, srv := newGateway(t, cfg)

	resp, err := http.Get(srv.URL + "/nope")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != 404 {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var body map[string]interface{}
	json.NewDecoder(resp.Body).Decode(&body)
	if body["error"] != "route not found" {
		t.Errorf("body = %v", body)
	}
	if body["request_id"] == "" || body["request_id"] == nil {
		t.Errorf("request_id missing: %v", body)
	}
}

func TestGatewayEchoesProvidedRequestID(t *testing.T) {
	backend, lastReq, _ := echoBackend(t)
	cfg := &config.Config{
		Upstreams: []config.UpstreamConfig{upstreamCfg(t, "pool", backend)},
		Services: []config.ServiceConfig{{
			Name:     "users",
			Upstream: "pool",
			Routes:   []config.RouteConfig{{Name: "users-api", Paths: []string{"/api/users"}}},
		}},
	}
	_, srv := newGateway(t, cfg)

	req, _ := http.NewRequest("GET", srv.URL+"/api/users", nil)
	req.Header.Set("X-Request-ID", "req-abc")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()

	if got := resp.Header.Get("X-Request-ID"); got != "req-abc" {
		t.Errorf("X-Request-ID = %q", got)
	}
	if got := lastReq.Header.Get("X-Request-ID"); got != "req-abc" {
		t.Errorf("upstream X-Request-ID = %q", got)
	}
}

func TestGatewayConsumerHeadersForwarded(t *testing.T) {
	backend, lastReq, _ := echoBackend(t)
	cfg := &config.Config{
		Upstreams: []config.UpstreamConfig{upstreamCfg(t, "pool", backend)},
		Services: []config.ServiceConfig{{
			Name:     "users",
			Upstream: "pool",
			Routes: []config.RouteConfig{{
				Name:  "users-api",
				Paths: []string{"/api/users"},
				Plugins: []config.PluginConfig{{
					Name: "key-auth",
					Config: map[string]interface{}{
						"keys": map[string]interface{}{
							"sekrit": map[string]interface{}{"username": "alice", "custom_id": "a-1"},
						},
					},
				}},
			}},
		}},
	}
	_, srv := newGateway(t, cfg)

	req, _ := http.NewRequest("GET", srv.URL+"/api/users", nil)
	req.Header.Set("X-API-Key", "sekrit")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()

	if resp.StatusCode != 200 {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if got := lastReq.Header.Get("X-Consumer-Username"); got != "alice" {
		t.Errorf("X-Consumer-Username = %q", got)
	}
	if got := lastReq.Header.Get("X-Consumer-Custom-ID"); got != "a-1" {
		t.Errorf("X-Consumer-Custom-ID = %q", got)
	}
	if got := lastReq.Header.Get("X-Authenticated-Consumer"); got != "true" {
		t.Errorf("X-Authenticated-Consumer = %q", got)
	}
}

func TestGatewayShortCircuitStillRunsResponsePhase(t *testing.T) {
	backend, _, _ := echoBackend(t)
	cfg := &config.Config{
		Upstreams: []config.UpstreamConfig{upstreamCfg(t, "pool", backend)},
		Plugins: []config.PluginConfig{
			{
				Name: "response-transformer",
				Config: map[string]interface{}{
					"add": map[string]interface{}{
						"headers": map[string]interface{}{"X-Gateway": "porta"},
					},
				},
			},
			{Name: "key-auth"},
		},
		Services: []config.ServiceConfig{{
			Name:     "users",
			Upstream: "pool",
			Routes:   []config.RouteConfig{{Name: "users-api", Paths: []string{"/api/users"}}},
		}},
	}
	_, srv := newGateway(t, cfg)

	resp, err := http.Get(srv.URL + "/api/users")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != 401 {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if got := resp.Header.Get("X-Gateway"); got != "porta" {
		t.Errorf("response phase skipped on short circuit: X-Gateway = %q", got)
	}
}

func TestGatewayRateLimitExceeded(t *testing.T) {
	backend, _, _ := echoBackend(t)
	cfg := &config.Config{
		Upstreams: []config.UpstreamConfig{upstreamCfg(t, "pool", backend)},
		Services: []config.ServiceConfig{{
			Name:     "users",
			Upstream: "pool",
			Routes: []config.RouteConfig{{
				Name:  "users-api",
				Paths: []string{"/api/users"},
				Plugins: []config.PluginConfig{{
					Name:   "rate-limiting",
					Config: map[string]interface{}{"minute": 2},
				}},
			}},
		}},
	}
	_, srv := newGateway(t, cfg)

	statuses := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		resp, err := http.Get(srv.URL + "/api/users")
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
		statuses = append(statuses, resp.StatusCode)
		if i == 2 && resp.StatusCode == 429 {
			if resp.Header.Get("Retry-After") == "" {
				t.Error("Retry-After missing on 429")
			}
		}
	}
	if statuses[0] != 200 || statuses[1] != 200 || statuses[2] != 429 {
		t.Fatalf("statuses = %v", statuses)
	}
}

func TestGatewayRoundRobinSpreadsLoad(t *testing.T) {
	var hits1, hits2 atomic.Int32
	b1 := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits1.Add(1)
	}))
	defer b1.Close()
	b2 := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits2.Add(1)
	}))
	defer b2.Close()

	cfg := &config.Config{
		Upstreams: []config.UpstreamConfig{upstreamCfg(t, "pool", b1, b2)},
		Services: []config.ServiceConfig{{
			Name:     "users",
			Upstream: "pool",
			Routes:   []config.RouteConfig{{Name: "users-api", Paths: []string{"/api/users"}}},
		}},
	}
	_, srv := newGateway(t, cfg)

	for i := 0; i < 4; i++ {
		resp, err := http.Get(srv.URL + "/api/users")
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
	}

	if hits1.Load() != 2 || hits2.Load() != 2 {
		t.Errorf("distribution = %d/%d", hits1.Load(), hits2.Load())
	}
}

func TestGatewayUpstreamFailureMapsToBadGateway(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	host, portStr, _ := net.SplitHostPort(ln.Addr().String())
	port, _ := strconv.Atoi(portStr)
	ln.Close()

	cfg := &config.Config{
		Upstreams: []config.UpstreamConfig{{
			Name:        "pool",
			Targets:     []config.TargetConfig{{Host: host, Port: port}},
			HealthCheck: config.HealthCheckConfig{Enabled: boolPtr(false)},
			Retry:       config.RetryConfig{Enabled: boolPtr(false)},
		}},
		Services: []config.ServiceConfig{{
			Name:     "users",
			Upstream: "pool",
			Routes:   []config.RouteConfig{{Name: "users-api", Paths: []string{"/api/users"}}},
		}},
	}
	_, srv := newGateway(t, cfg)

	resp, err := http.Get(srv.URL + "/api/users")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != 502 {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var body map[string]interface{}
	json.NewDecoder(resp.Body).Decode(&body)
	if body["error"] != "bad gateway" {
		t.Errorf("body = %v", body)
	}
}

type boomPlugin struct{}

func (boomPlugin) PluginName() string         { return "boom" }
func (boomPlugin) Access(ctx *plugin.Context) { panic("boom") }

func TestGatewayRecoversFromPluginPanic(t *testing.T) {
	backend, _, _ := echoBackend(t)

	reg := plugin.NewRegistry()
	builtin.RegisterAll(reg)
	reg.Register("boom", func(plugin.Options, *plugin.Env) (plugin.Plugin, error) {
		return boomPlugin{}, nil
	})

	cfg := &config.Config{
		Upstreams: []config.UpstreamConfig{upstreamCfg(t, "pool", backend)},
		Services: []config.ServiceConfig{{
			Name:     "users",
			Upstream: "pool",
			Routes: []config.RouteConfig{{
				Name:    "users-api",
				Paths:   []string{"/api/users"},
				Plugins: []config.PluginConfig{{Name: "boom"}},
			}},
		}},
	}
	_, srv := newGatewayWithRegistry(t, cfg, reg)

	resp, err := http.Get(srv.URL + "/api/users")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != 500 {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var body map[string]interface{}
	json.NewDecoder(resp.Body).Decode(&body)
	if body["error"] != "internal server error" {
		t.Errorf("body = %v", body)
	}
}

func TestGatewayReloadSwapsRoutes(t *testing.T) {
	backend, _, _ := echoBackend(t)
	cfg := &config.Config{
		Upstreams: []config.UpstreamConfig{upstreamCfg(t, "pool", backend)},
		Services: []config.ServiceConfig{{
			Name:     "users",
			Upstream: "pool",
			Routes:   []config.RouteConfig{{Name: "users-api", Paths: []string{"/api/users"}}},
		}},
	}
	gw, srv := newGateway(t, cfg)

	resp, _ := http.Get(srv.URL + "/api/users")
	resp.Body.Close()
	if resp.StatusCode != 200 {
		t.Fatalf("before reload: %d", resp.StatusCode)
	}

	next := &config.Config{
		Upstreams: []config.UpstreamConfig{upstreamCfg(t, "pool", backend)},
		Services: []config.ServiceConfig{{
			Name:     "orders",
			Upstream: "pool",
			Routes:   []config.RouteConfig{{Name: "orders-api", Paths: []string{"/api/orders"}}},
		}},
	}
	next.ApplyDefaults()
	if err := gw.Apply(next); err != nil {
		t.Fatal(err)
	}

	resp, _ = http.Get(srv.URL + "/api/users")
	resp.Body.Close()
	if resp.StatusCode != 404 {
		t.Errorf("old route survived reload: %d", resp.StatusCode)
	}

	resp, _ = http.Get(srv.URL + "/api/orders")
	resp.Body.Close()
	if resp.StatusCode != 200 {
		t.Errorf("new route not served: %d", resp.StatusCode)
	}
}

func TestGatewayRejectsBadPluginConfigOnApply(t *testing.T) {
	backend, _, _ := echoBackend(t)
	cfg := &config.Config{
		Upstreams: []config.UpstreamConfig{upstreamCfg(t, "pool", backend)},
		Services: []config.ServiceConfig{{
			Name:     "users",
			Upstream: "pool",
			Routes: []config.RouteConfig{{
				Name:  "users-api",
				Paths: []string{"/api/users"},
				Plugins: []config.PluginConfig{{
					// jwt-auth requires a secret.
					Name: "jwt-auth",
				}},
			}},
		}},
	}
	cfg.ApplyDefaults()

	reg := plugin.NewRegistry()
	builtin.RegisterAll(reg)
	env := &plugin.Env{Consumers: plugin.NewConsumerStore(nil)}
	gw := New(router.New(), upstream.NewManager(nil), reg, env, nil)
	t.Cleanup(func() { gw.Upstreams().Stop(); gw.Close() })

	if err := gw.Apply(cfg); err == nil {
		t.Fatal("expected apply to fail on invalid plugin config")
	}
}
