package proxy

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	gwerrors "github.com/wudi/porta/internal/errors"
	"github.com/wudi/porta/internal/loadbalancer"
	"github.com/wudi/porta/internal/logging"
	"github.com/wudi/porta/internal/metrics"
	"github.com/wudi/porta/internal/plugin"
	"github.com/wudi/porta/internal/upstream"
)

// maxResponseBody caps how much of an upstream response is buffered.
const maxResponseBody = 256 << 20

// Forwarder sends a routed request to an upstream target, retrying
// failed attempts against freshly selected targets.
type Forwarder struct {
	upstreams *upstream.Manager
	metrics   *metrics.Metrics
	transport *http.Transport
}

// NewForwarder creates a forwarder over the given upstream manager.
// metrics may be nil in tests.
func NewForwarder(m *upstream.Manager, mx *metrics.Metrics) *Forwarder {
	return &Forwarder{
		upstreams: m,
		metrics:   mx,
		transport: &http.Transport{
			DialContext: (&net.Dialer{
				Timeout:   30 * time.Second,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			MaxIdleConns:          256,
			MaxIdleConnsPerHost:   32,
			IdleConnTimeout:       90 * time.Second,
			ExpectContinueTimeout: time.Second,
		},
	}
}

// Close releases pooled upstream connections.
func (f *Forwarder) Close() {
	f.transport.CloseIdleConnections()
}

// Forward proxies the request in pctx to the named upstream and
// returns the backend response. Attempt outcomes are reported to the
// target's circuit breaker; a retryable outcome moves to a freshly
// selected target until the retry budget runs out. Errors are always
// *gwerrors.GatewayError with the client-facing status.
func (f *Forwarder) Forward(pctx *plugin.Context, upstreamName, forwardPath string) (*plugin.Response, error) {
	plan, err := f.upstreams.RetryPlan(upstreamName)
	if err != nil {
		return nil, gwerrors.ErrServiceUnavailable.WithDetails("unknown upstream " + upstreamName)
	}

	attempts := 1
	if plan.Enabled {
		attempts = plan.MaxRetries + 1
	}

	wait := newBackoff(plan.BackoffFactor)
	var lastErr *gwerrors.GatewayError

	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			if f.metrics != nil {
				f.metrics.IncRetry(upstreamName)
			}
			time.Sleep(wait.NextBackOff())
		}

		target, err := f.upstreams.Select(upstreamName, pctx.ClientIP)
		if err != nil {
			lastErr = gwerrors.ErrServiceUnavailable.WithDetails(err.Error())
			continue
		}

		resp, attemptErr := f.attempt(pctx, plan, target, forwardPath)
		if attemptErr != nil {
			f.upstreams.Report(upstreamName, target, false)
			f.upstreams.Release(upstreamName, target)
			lastErr = attemptErr
			logging.Warn("upstream attempt failed",
				zap.String("upstream", upstreamName),
				zap.String("target", target.Address()),
				zap.Int("attempt", attempt+1),
				zap.Error(attemptErr))
			continue
		}

		if plan.Enabled && plan.ShouldRetryStatus(resp.StatusCode) {
			f.upstreams.Report(upstreamName, target, false)
			f.upstreams.Release(upstreamName, target)
			if attempt < attempts-1 {
				continue
			}
			// Retry budget spent; the backend's answer is still the
			// best response available.
			return resp, nil
		}

		f.upstreams.Report(upstreamName, target, true)
		f.upstreams.Release(upstreamName, target)
		return resp, nil
	}

	if lastErr == nil {
		lastErr = gwerrors.ErrBadGateway
	}
	return nil, lastErr
}

// attempt performs a single proxied exchange against one target.
func (f *Forwarder) attempt(pctx *plugin.Context, plan upstream.RetryPlan, target *loadbalancer.Target, forwardPath string) (*plugin.Response, *gwerrors.GatewayError) {
	deadline := plan.ConnectTimeout + plan.ReadTimeout
	ctx, cancel := context.WithTimeout(pctx.Request.Context(), deadline)
	defer cancel()

	out, err := f.buildRequest(ctx, pctx, target, forwardPath)
	if err != nil {
		return nil, gwerrors.ErrInternalServer.WithDetails(err.Error())
	}

	pctx.UpstreamSentAt = time.Now()
	res, err := f.transport.RoundTrip(out)
	pctx.UpstreamReceivedAt = time.Now()
	if err != nil {
		if isTimeout(err) {
			return nil, gwerrors.ErrGatewayTimeout.WithDetails(target.Address())
		}
		return nil, gwerrors.ErrBadGateway.WithDetails(err.Error())
	}
	defer res.Body.Close()

	body, err := io.ReadAll(io.LimitReader(res.Body, maxResponseBody))
	if err != nil {
		if isTimeout(err) {
			return nil, gwerrors.ErrGatewayTimeout.WithDetails(target.Address())
		}
		return nil, gwerrors.ErrBadGateway.WithDetails(err.Error())
	}

	resp := plugin.NewResponse(res.StatusCode)
	resp.Body = body
	for name, values := range res.Header {
		if isHopByHop(http.CanonicalHeaderKey(name)) {
			continue
		}
		for _, v := range values {
			resp.Header.Add(name, v)
		}
	}
	return resp, nil
}

// buildRequest clones the inbound request for one upstream attempt.
func (f *Forwarder) buildRequest(ctx context.Context, pctx *plugin.Context, target *loadbalancer.Target, forwardPath string) (*http.Request, error) {
	in := pctx.Request

	u := *in.URL
	u.Scheme = "http"
	u.Host = target.Address()
	u.Path = forwardPath
	u.RawPath = ""

	out, err := http.NewRequestWithContext(ctx, in.Method, u.String(), bytes.NewReader(pctx.Body))
	if err != nil {
		return nil, err
	}
	out.ContentLength = int64(len(pctx.Body))

	copyProxyHeaders(out.Header, in.Header)
	appendForwardedFor(out.Header, pctx.ClientIP)
	if proto := forwardedProto(in); proto != "" {
		out.Header.Set("X-Forwarded-Proto", proto)
	}
	if in.Host != "" {
		out.Header.Set("X-Forwarded-Host", in.Host)
	}
	return out, nil
}

// hopByHop headers are connection-scoped and never forwarded.
var hopByHop = map[string]bool{
	"Connection":        true,
	"Keep-Alive":        true,
	"Te":                true,
	"Trailers":          true,
	"Transfer-Encoding": true,
	"Upgrade":           true,
	"Host":              true,
}

// isHopByHop reports whether a canonical header name is per-hop. The
// whole Proxy- family is per-hop, not just the two RFC-named entries.
func isHopByHop(canonical string) bool {
	return hopByHop[canonical] || strings.HasPrefix(canonical, "Proxy-")
}

func copyProxyHeaders(dst, src http.Header) {
	// Connection can name additional per-hop headers.
	dropped := map[string]bool{}
	for _, v := range src.Values("Connection") {
		for _, name := range strings.Split(v, ",") {
			if name = strings.TrimSpace(name); name != "" {
				dropped[http.CanonicalHeaderKey(name)] = true
			}
		}
	}
	for name, values := range src {
		canonical := http.CanonicalHeaderKey(name)
		if isHopByHop(canonical) || dropped[canonical] {
			continue
		}
		for _, v := range values {
			dst.Add(name, v)
		}
	}
}

func appendForwardedFor(h http.Header, clientIP string) {
	if clientIP == "" {
		return
	}
	if prior := h.Get("X-Forwarded-For"); prior != "" {
		h.Set("X-Forwarded-For", prior+", "+clientIP)
	} else {
		h.Set("X-Forwarded-For", clientIP)
	}
}

func forwardedProto(r *http.Request) string {
	if r.TLS != nil {
		return "https"
	}
	return "http"
}

// newBackoff yields factor, factor*2, factor*4, ... seconds between
// retry attempts.
func newBackoff(factor float64) backoff.BackOff {
	if factor <= 0 {
		factor = 0.5
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Duration(factor * float64(time.Second))
	b.RandomizationFactor = 0
	b.Multiplier = 2
	b.MaxInterval = 30 * time.Second
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var nerr net.Error
	return errors.As(err, &nerr) && nerr.Timeout()
}
