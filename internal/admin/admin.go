package admin

import (
	"encoding/json"
	"net/http"
	"sort"

	"github.com/julienschmidt/httprouter"
	"go.uber.org/zap"

	"github.com/wudi/porta/internal/config"
	"github.com/wudi/porta/internal/gateway"
	"github.com/wudi/porta/internal/logging"
	"github.com/wudi/porta/internal/metrics"
	"github.com/wudi/porta/internal/router"
	"github.com/wudi/porta/internal/upstream"
)

// API is the control-plane HTTP surface: status, upstream and target
// CRUD, health views and configuration listings.
type API struct {
	gateway *gateway.Gateway
	metrics *metrics.Metrics
	mux     *httprouter.Router
}

// New builds the admin API over a running gateway. metrics may be nil
// in tests, in which case /metrics is not registered.
func New(g *gateway.Gateway, mx *metrics.Metrics) *API {
	a := &API{gateway: g, metrics: mx, mux: httprouter.New()}

	// Routes are reachable bare (dedicated admin port) and under the
	// /admin prefix (shared listener setups behind a path router).
	for _, prefix := range []string{"", "/admin"} {
		a.mux.GET(prefix+"/", a.root)
		a.mux.GET(prefix+"/status", a.status)

		a.mux.GET(prefix+"/upstreams", a.listUpstreams)
		a.mux.POST(prefix+"/upstreams", a.createUpstream)
		a.mux.GET(prefix+"/upstreams/:name", a.getUpstream)
		a.mux.DELETE(prefix+"/upstreams/:name", a.deleteUpstream)
		a.mux.GET(prefix+"/upstreams/:name/targets", a.listTargets)
		a.mux.POST(prefix+"/upstreams/:name/targets", a.createTarget)
		a.mux.DELETE(prefix+"/upstreams/:name/targets/:address", a.deleteTarget)
		a.mux.GET(prefix+"/upstreams/:name/health", a.upstreamHealth)

		a.mux.GET(prefix+"/services", a.listServices)
		a.mux.GET(prefix+"/services/:name", a.getService)
		a.mux.GET(prefix+"/routes", a.listRoutes)
		a.mux.GET(prefix+"/plugins", a.listPlugins)

		if mx != nil {
			a.mux.Handler(http.MethodGet, prefix+"/metrics", mx.Handler())
		}
	}
	return a
}

// Handler returns the admin HTTP handler.
func (a *API) Handler() http.Handler { return a.mux }

func (a *API) root(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":  "running",
		"version": gateway.Version,
	})
}

func (a *API) status(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
	rt := a.gateway.Router()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "running",
		"version":   gateway.Version,
		"upstreams": len(a.gateway.Upstreams().Names()),
		"services":  len(rt.Services()),
		"routes":    len(rt.Routes()),
		"plugins":   len(a.gateway.Registry().Known()),
	})
}

func (a *API) listUpstreams(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
	m := a.gateway.Upstreams()
	names := m.Names()
	sort.Strings(names)

	out := make([]map[string]interface{}, 0, len(names))
	for _, name := range names {
		u, ok := m.Get(name)
		if !ok {
			continue
		}
		out = append(out, upstreamView(u))
	}
	writeData(w, http.StatusOK, out)
}

func (a *API) createUpstream(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var uc config.UpstreamConfig
	if err := json.NewDecoder(r.Body).Decode(&uc); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if uc.Name == "" {
		writeError(w, http.StatusBadRequest, "upstream name is required")
		return
	}

	m := a.gateway.Upstreams()
	if _, exists := m.Get(uc.Name); exists {
		writeError(w, http.StatusConflict, "upstream already exists: "+uc.Name)
		return
	}

	applyUpstreamDefaults(&uc)
	if err := m.AddUpstream(uc); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	logging.Info("upstream created via admin api", zap.String("upstream", uc.Name))
	u, _ := m.Get(uc.Name)
	writeData(w, http.StatusCreated, upstreamView(u))
}

func (a *API) getUpstream(w http.ResponseWriter, _ *http.Request, ps httprouter.Params) {
	u, ok := a.gateway.Upstreams().Get(ps.ByName("name"))
	if !ok {
		writeError(w, http.StatusNotFound, "upstream not found")
		return
	}
	writeData(w, http.StatusOK, upstreamView(u))
}

func (a *API) deleteUpstream(w http.ResponseWriter, _ *http.Request, ps httprouter.Params) {
	name := ps.ByName("name")
	if err := a.gateway.Upstreams().RemoveUpstream(name); err != nil {
		writeError(w, http.StatusNotFound, "upstream not found")
		return
	}
	logging.Info("upstream deleted via admin api", zap.String("upstream", name))
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) listTargets(w http.ResponseWriter, _ *http.Request, ps httprouter.Params) {
	u, ok := a.gateway.Upstreams().Get(ps.ByName("name"))
	if !ok {
		writeError(w, http.StatusNotFound, "upstream not found")
		return
	}
	writeData(w, http.StatusOK, u.Status())
}

func (a *API) createTarget(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	name := ps.ByName("name")

	var tc config.TargetConfig
	if err := json.NewDecoder(r.Body).Decode(&tc); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if tc.Host == "" {
		writeError(w, http.StatusBadRequest, "target host is required")
		return
	}
	if tc.Port == 0 {
		tc.Port = 80
	}

	if err := a.gateway.Upstreams().AddTarget(name, tc); err != nil {
		writeError(w, http.StatusNotFound, "upstream not found")
		return
	}
	logging.Info("target added via admin api",
		zap.String("upstream", name),
		zap.String("host", tc.Host),
		zap.Int("port", tc.Port))
	writeData(w, http.StatusCreated, tc)
}

func (a *API) deleteTarget(w http.ResponseWriter, _ *http.Request, ps httprouter.Params) {
	name := ps.ByName("name")
	address := ps.ByName("address")

	m := a.gateway.Upstreams()
	if _, ok := m.Get(name); !ok {
		writeError(w, http.StatusNotFound, "upstream not found")
		return
	}
	if err := m.RemoveTarget(name, address); err != nil {
		writeError(w, http.StatusNotFound, "target not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) upstreamHealth(w http.ResponseWriter, _ *http.Request, ps httprouter.Params) {
	name := ps.ByName("name")
	u, ok := a.gateway.Upstreams().Get(name)
	if !ok {
		writeError(w, http.StatusNotFound, "upstream not found")
		return
	}
	writeData(w, http.StatusOK, map[string]interface{}{
		"upstream": name,
		"targets":  u.Status(),
	})
}

func (a *API) listServices(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
	rt := a.gateway.Router()
	out := make([]map[string]interface{}, 0)
	for _, s := range rt.Services() {
		out = append(out, map[string]interface{}{
			"name":     s.Name,
			"upstream": s.Upstream,
			"path":     s.Path,
			"plugins":  pluginNames(s.Plugins),
		})
	}
	writeData(w, http.StatusOK, out)
}

func (a *API) getService(w http.ResponseWriter, _ *http.Request, ps httprouter.Params) {
	rt := a.gateway.Router()
	s, ok := rt.Service(ps.ByName("name"))
	if !ok {
		writeError(w, http.StatusNotFound, "service not found")
		return
	}
	routes := make([]map[string]interface{}, 0)
	for _, route := range rt.Routes() {
		if route.Service == s {
			routes = append(routes, routeView(route))
		}
	}
	writeData(w, http.StatusOK, map[string]interface{}{
		"name":     s.Name,
		"upstream": s.Upstream,
		"path":     s.Path,
		"plugins":  pluginNames(s.Plugins),
		"routes":   routes,
	})
}

func (a *API) listRoutes(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
	rt := a.gateway.Router()
	out := make([]map[string]interface{}, 0)
	for _, route := range rt.Routes() {
		out = append(out, routeView(route))
	}
	writeData(w, http.StatusOK, out)
}

func (a *API) listPlugins(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
	rt := a.gateway.Router()
	writeData(w, http.StatusOK, map[string]interface{}{
		"available": a.gateway.Registry().Known(),
		"global":    pluginNames(rt.GlobalPlugins()),
	})
}

func upstreamView(u *upstream.Upstream) map[string]interface{} {
	cfg := u.Config()
	return map[string]interface{}{
		"name":      u.Name(),
		"algorithm": u.Algorithm(),
		"targets":   u.Status(),
		"health_check": map[string]interface{}{
			"enabled":  cfg.HealthCheck.Enabled != nil && *cfg.HealthCheck.Enabled,
			"path":     cfg.HealthCheck.Path,
			"interval": cfg.HealthCheck.Interval,
		},
		"retry": map[string]interface{}{
			"enabled":     cfg.Retry.Enabled == nil || *cfg.Retry.Enabled,
			"max_retries": cfg.Retry.MaxRetries,
		},
	}
}

func routeView(route *router.Route) map[string]interface{} {
	paths := make([]string, 0, len(route.Patterns))
	for _, p := range route.Patterns {
		paths = append(paths, p.String())
	}
	methods := make([]string, 0, len(route.Methods))
	for m := range route.Methods {
		methods = append(methods, m)
	}
	sort.Strings(methods)
	return map[string]interface{}{
		"name":       route.Name,
		"service":    route.Service.Name,
		"paths":      paths,
		"methods":    methods,
		"strip_path": route.StripPath,
		"plugins":    pluginNames(route.Plugins),
	}
}

func pluginNames(cfgs []config.PluginConfig) []string {
	names := make([]string, 0, len(cfgs))
	for _, c := range cfgs {
		names = append(names, c.Name)
	}
	return names
}

// applyUpstreamDefaults fills the same defaults the config loader
// applies to file-declared upstreams.
func applyUpstreamDefaults(uc *config.UpstreamConfig) {
	tmp := config.Config{Upstreams: []config.UpstreamConfig{*uc}}
	tmp.ApplyDefaults()
	*uc = tmp.Upstreams[0]
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		logging.Warn("admin response encode failed", zap.Error(err))
	}
}

func writeData(w http.ResponseWriter, status int, data interface{}) {
	writeJSON(w, status, map[string]interface{}{"data": data})
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]interface{}{"error": message})
}
