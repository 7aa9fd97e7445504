package gateway

import (
	"io"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	gwerrors "github.com/wudi/porta/internal/errors"
	"github.com/wudi/porta/internal/logging"
	"github.com/wudi/porta/internal/metrics"
	"github.com/wudi/porta/internal/plugin"
	"github.com/wudi/porta/internal/proxy"
	"github.com/wudi/porta/internal/router"
	"github.com/wudi/porta/internal/upstream"
)

// Version is reported by the admin API.
const Version = "1.0.0"

// Gateway is the data-plane HTTP handler: it routes a request, runs
// the route's plugin chain around upstream forwarding and writes the
// final response.
type Gateway struct {
	router    *router.Router
	upstreams *upstream.Manager
	registry  *plugin.Registry
	env       *plugin.Env
	forwarder *proxy.Forwarder
	metrics   *metrics.Metrics

	mu     sync.RWMutex
	chains map[*router.Route]*plugin.Chain
}

// New wires a gateway over its collaborators. metrics may be nil in
// tests.
func New(rt *router.Router, um *upstream.Manager, reg *plugin.Registry, env *plugin.Env, mx *metrics.Metrics) *Gateway {
	return &Gateway{
		router:    rt,
		upstreams: um,
		registry:  reg,
		env:       env,
		forwarder: proxy.NewForwarder(um, mx),
		metrics:   mx,
		chains:    make(map[*router.Route]*plugin.Chain),
	}
}

// Router exposes the routing table, primarily for the admin API.
func (g *Gateway) Router() *router.Router { return g.router }

// Upstreams exposes the upstream manager.
func (g *Gateway) Upstreams() *upstream.Manager { return g.upstreams }

// Registry exposes the plugin registry.
func (g *Gateway) Registry() *plugin.Registry { return g.registry }

// Close releases forwarder resources.
func (g *Gateway) Close() {
	g.forwarder.Close()
}

func (g *Gateway) chainFor(route *router.Route) *plugin.Chain {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.chains[route]
}

// ServeHTTP implements the proxy request lifecycle: route match,
// access phase, forwarding, response phase in reverse over the
// executed plugins, then the log phase off the write path.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	requestID := r.Header.Get("X-Request-ID")
	if requestID == "" {
		requestID = uuid.NewString()
	}
	w.Header().Set("X-Request-ID", requestID)

	defer func() {
		if rec := recover(); rec != nil {
			if g.metrics != nil {
				g.metrics.IncPanic()
			}
			logging.Error("panic while handling request",
				zap.Any("panic", rec),
				zap.String("request_id", requestID),
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Stack("stack"))
			gwerrors.ErrInternalServer.WithRequestID(requestID).WriteJSON(w)
		}
	}()

	match, err := g.router.Match(r)
	if err != nil {
		gwerrors.ErrRouteNotFound.WithRequestID(requestID).WriteJSON(w)
		if g.metrics != nil {
			g.metrics.ObserveRequest("", "", r.Method, http.StatusNotFound, time.Since(start))
		}
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		gwerrors.ErrBadRequest.WithRequestID(requestID).WriteJSON(w)
		return
	}
	r.Body.Close()

	pctx := &plugin.Context{
		Request:    r,
		Body:       body,
		ClientIP:   clientIP(r),
		RequestID:  requestID,
		Service:    match.Service.Name,
		Route:      match.Route.Name,
		Upstream:   match.Service.Upstream,
		ReceivedAt: start,
	}

	chain := g.chainFor(match.Route)

	executed := 0
	if chain != nil {
		executed = chain.RunAccess(pctx)
	}

	var resp *plugin.Response
	if pctx.ShortCircuit != nil {
		resp = pctx.ShortCircuit
	} else {
		setConsumerHeaders(pctx)
		upstreamResp, ferr := g.forwarder.Forward(pctx, match.Service.Upstream, match.ForwardPath)
		if ferr != nil {
			resp = errorResponse(ferr, requestID)
		} else {
			resp = upstreamResp
		}
	}

	if chain != nil {
		chain.RunResponse(pctx, resp, executed)
	}

	pctx.FinishedAt = time.Now()
	writeResponse(w, resp)

	if g.metrics != nil {
		g.metrics.ObserveRequest(pctx.Service, pctx.Route, r.Method, resp.StatusCode, pctx.FinishedAt.Sub(start))
	}
	if chain != nil {
		go chain.RunLog(pctx, resp)
	}
}

// setConsumerHeaders attaches the authenticated identity to the
// request forwarded upstream.
func setConsumerHeaders(pctx *plugin.Context) {
	c := pctx.Consumer
	if c == nil {
		return
	}
	h := pctx.Request.Header
	if c.Username != "" {
		h.Set("X-Consumer-Username", c.Username)
	}
	if c.CustomID != "" {
		h.Set("X-Consumer-Custom-ID", c.CustomID)
	}
	if c.UserID != "" {
		h.Set("X-User-ID", c.UserID)
	}
	if pctx.Authenticated {
		h.Set("X-Authenticated-Consumer", "true")
	}
}

func errorResponse(err error, requestID string) *plugin.Response {
	ge := gwerrors.FromError(err).WithRequestID(requestID)
	resp := plugin.NewResponse(ge.Code)
	resp.Header.Set("Content-Type", "application/json")
	resp.Body = ge.Body()
	return resp
}

func writeResponse(w http.ResponseWriter, resp *plugin.Response) {
	header := w.Header()
	for name, values := range resp.Header {
		for _, v := range values {
			header.Add(name, v)
		}
	}
	header.Set("Content-Length", strconv.Itoa(len(resp.Body)))
	w.WriteHeader(resp.StatusCode)
	w.Write(resp.Body)
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// buildChains instantiates one plugin chain per route. Chains are
// shared across requests so stateful plugins keep their counters.
func (g *Gateway) buildChains(routes []*router.Route) (map[*router.Route]*plugin.Chain, error) {
	chains := make(map[*router.Route]*plugin.Chain, len(routes))
	for _, rt := range routes {
		chain, err := plugin.NewChain(g.router.PluginsFor(rt), g.registry, g.env)
		if err != nil {
			return nil, err
		}
		chains[rt] = chain
	}
	return chains, nil
}
