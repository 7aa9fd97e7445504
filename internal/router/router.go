package router

import (
	"net/http"
	"sort"
	"strings"
	"sync"

	"github.com/wudi/porta/internal/config"
	"github.com/wudi/porta/internal/errors"
)

// Route is a compiled route belonging to a service.
type Route struct {
	Name      string
	Service   *Service
	Patterns  []*Pattern
	Methods   map[string]bool
	StripPath bool
	Plugins   []config.PluginConfig

	configIdx int
}

// Service groups routes that forward to one upstream.
type Service struct {
	Name     string
	Upstream string
	Path     string
	Plugins  []config.PluginConfig
}

// Match is the result of routing a request: the winning route, the
// pattern that matched and the rewritten path to forward upstream.
type Match struct {
	Service     *Service
	Route       *Route
	ForwardPath string
	Plugins     []config.PluginConfig
}

// candidate pairs a route with one of its patterns for sorting.
type candidate struct {
	route   *Route
	pattern *Pattern
}

// Router matches (method, path) pairs against all enabled services'
// routes. Rebuilt wholesale on config load; individual services can be
// registered at runtime.
type Router struct {
	mu            sync.RWMutex
	candidates    []candidate
	services      map[string]*Service
	routes        []*Route
	globalPlugins []config.PluginConfig
	nextIdx       int
}

// New creates an empty router.
func New() *Router {
	return &Router{
		services: make(map[string]*Service),
	}
}

// LoadConfig replaces all services, routes and global plugins.
func (rt *Router) LoadConfig(cfg *config.Config) error {
	fresh := New()
	fresh.globalPlugins = cfg.Plugins
	for _, svc := range cfg.Services {
		if err := fresh.addService(svc); err != nil {
			return err
		}
	}

	rt.mu.Lock()
	rt.candidates = fresh.candidates
	rt.services = fresh.services
	rt.routes = fresh.routes
	rt.globalPlugins = fresh.globalPlugins
	rt.nextIdx = fresh.nextIdx
	rt.mu.Unlock()
	return nil
}

// AddService registers a service and its routes.
func (rt *Router) AddService(cfg config.ServiceConfig) error {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.addService(cfg)
}

func (rt *Router) addService(cfg config.ServiceConfig) error {
	if cfg.Enabled != nil && !*cfg.Enabled {
		return nil
	}

	svc := &Service{
		Name:     cfg.Name,
		Upstream: cfg.Upstream,
		Path:     strings.TrimSuffix(cfg.Path, "/"),
		Plugins:  cfg.Plugins,
	}
	rt.services[cfg.Name] = svc

	for _, rc := range cfg.Routes {
		route := &Route{
			Name:      rc.Name,
			Service:   svc,
			Methods:   make(map[string]bool, len(rc.Methods)),
			StripPath: rc.StripPath == nil || *rc.StripPath,
			Plugins:   rc.Plugins,
			configIdx: rt.nextIdx,
		}
		rt.nextIdx++

		for _, m := range rc.Methods {
			route.Methods[strings.ToUpper(m)] = true
		}
		for _, p := range rc.Paths {
			pat := CompilePattern(p)
			route.Patterns = append(route.Patterns, pat)
			rt.candidates = append(rt.candidates, candidate{route: route, pattern: pat})
		}
		rt.routes = append(rt.routes, route)
	}

	// Longest literal prefix wins; an exact pattern beats a wildcard
	// on the same prefix; declaration order breaks remaining ties.
	sort.SliceStable(rt.candidates, func(i, j int) bool {
		pi, pj := rt.candidates[i].pattern, rt.candidates[j].pattern
		if pi.Len() != pj.Len() {
			return pi.Len() > pj.Len()
		}
		if pi.Wildcard() != pj.Wildcard() {
			return !pi.Wildcard()
		}
		return rt.candidates[i].route.configIdx < rt.candidates[j].route.configIdx
	})
	return nil
}

// RemoveService drops a service and all its routes.
func (rt *Router) RemoveService(name string) bool {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	if _, ok := rt.services[name]; !ok {
		return false
	}
	delete(rt.services, name)

	kept := rt.candidates[:0]
	for _, c := range rt.candidates {
		if c.route.Service.Name != name {
			kept = append(kept, c)
		}
	}
	rt.candidates = kept

	routes := rt.routes[:0]
	for _, r := range rt.routes {
		if r.Service.Name != name {
			routes = append(routes, r)
		}
	}
	rt.routes = routes
	return true
}

// Match resolves a request to a route. Returns ErrRouteNotFound when
// nothing matches.
func (rt *Router) Match(r *http.Request) (*Match, error) {
	return rt.MatchMethodPath(r.Method, r.URL.Path)
}

// MatchMethodPath resolves a (method, path) pair to a route.
func (rt *Router) MatchMethodPath(method, path string) (*Match, error) {
	rt.mu.RLock()
	defer rt.mu.RUnlock()

	method = strings.ToUpper(method)
	for _, c := range rt.candidates {
		if !c.route.Methods[method] {
			continue
		}
		if !c.pattern.Matches(path) {
			continue
		}
		return &Match{
			Service:     c.route.Service,
			Route:       c.route,
			ForwardPath: forwardPath(c.route, c.pattern, path),
			Plugins:     mergePlugins(rt.globalPlugins, servicePlugins(c.route)),
		}, nil
	}
	return nil, errors.ErrRouteNotFound
}

// Services returns all registered services.
func (rt *Router) Services() []*Service {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	out := make([]*Service, 0, len(rt.services))
	for _, s := range rt.services {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Service returns a service by name.
func (rt *Router) Service(name string) (*Service, bool) {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	s, ok := rt.services[name]
	return s, ok
}

// Routes returns all routes in declaration order.
func (rt *Router) Routes() []*Route {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	out := make([]*Route, len(rt.routes))
	copy(out, rt.routes)
	return out
}

// GlobalPlugins returns the gateway-wide plugin list.
func (rt *Router) GlobalPlugins() []config.PluginConfig {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	return rt.globalPlugins
}

// PluginsFor returns the effective plugin list for a route: the global
// list with service and route entries layered on top.
func (rt *Router) PluginsFor(route *Route) []config.PluginConfig {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	return mergePlugins(rt.globalPlugins, servicePlugins(route))
}

// forwardPath computes the upstream path: the matched prefix is removed
// when strip_path is set, then the service path prefix is prepended.
func forwardPath(route *Route, pattern *Pattern, reqPath string) string {
	path := reqPath
	if route.StripPath {
		path = pattern.Strip(reqPath)
	}
	if route.Service.Path != "" {
		path = singleJoinSlash(route.Service.Path, path)
	}
	if path == "" {
		path = "/"
	}
	return path
}

// servicePlugins merges the service-level plugin list with the route's,
// route entries overriding by name.
func servicePlugins(route *Route) []config.PluginConfig {
	return mergePlugins(route.Service.Plugins, route.Plugins)
}

// mergePlugins appends overlay onto base. When a name appears in both,
// the overlay entry replaces the base entry at the base position.
func mergePlugins(base, overlay []config.PluginConfig) []config.PluginConfig {
	merged := make([]config.PluginConfig, len(base))
	copy(merged, base)

	pos := make(map[string]int, len(base))
	for i, p := range base {
		pos[p.Name] = i
	}
	for _, p := range overlay {
		if i, ok := pos[p.Name]; ok {
			merged[i] = p
			continue
		}
		pos[p.Name] = len(merged)
		merged = append(merged, p)
	}
	return merged
}

// singleJoinSlash joins two URL path segments with exactly one slash.
func singleJoinSlash(a, b string) string {
	aslash := strings.HasSuffix(a, "/")
	bslash := strings.HasPrefix(b, "/")
	switch {
	case aslash && bslash:
		return a + b[1:]
	case !aslash && !bslash:
		return a + "/" + b
	}
	return a + b
}
