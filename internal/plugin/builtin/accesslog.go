package builtin

import (
	"bytes"
	"encoding/json"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/wudi/porta/internal/logging"
	"github.com/wudi/porta/internal/plugin"
)

// Logging emits a structured record per request after the response has
// been sent. An optional HTTP endpoint receives the record as JSON,
// best effort.
type Logging struct {
	httpEndpoint     string
	contentType      string
	customFields     map[string]string
	includeRequest   bool
	includeResponse  bool
	includeLatencies bool
	includeConsumer  bool

	client *http.Client
}

// NewLogging builds the logging plugin from its config.
func NewLogging(opts plugin.Options, env *plugin.Env) (plugin.Plugin, error) {
	return &Logging{
		httpEndpoint:     opts.String("http_endpoint", ""),
		contentType:      opts.String("content_type", "application/json"),
		customFields:     opts.StringMap("custom_fields"),
		includeRequest:   opts.Bool("include_request", true),
		includeResponse:  opts.Bool("include_response", true),
		includeLatencies: opts.Bool("include_latencies", true),
		includeConsumer:  opts.Bool("include_consumer", true),
		client:           &http.Client{Timeout: 5 * time.Second},
	}, nil
}

func (p *Logging) PluginName() string { return "logging" }

// Log implements the log phase.
func (p *Logging) Log(ctx *plugin.Context, resp *plugin.Response) {
	entry := p.buildEntry(ctx, resp)

	fields := make([]zap.Field, 0, len(entry))
	for key, value := range entry {
		fields = append(fields, zap.Any(key, value))
	}
	logging.Info("request completed", fields...)

	if p.httpEndpoint != "" {
		go p.ship(entry)
	}
}

func (p *Logging) buildEntry(ctx *plugin.Context, resp *plugin.Response) map[string]interface{} {
	entry := map[string]interface{}{
		"timestamp": time.Now().UTC().Format(time.RFC3339Nano),
	}

	if p.includeRequest {
		entry["request"] = map[string]interface{}{
			"method":      ctx.Request.Method,
			"uri":         ctx.Request.URL.String(),
			"path":        ctx.Request.URL.Path,
			"querystring": ctx.Request.URL.RawQuery,
			"size":        len(ctx.Body),
		}
		entry["client_ip"] = ctx.ClientIP
	}

	if p.includeResponse && resp != nil {
		entry["response"] = map[string]interface{}{
			"status": resp.StatusCode,
			"size":   len(resp.Body),
		}
	}

	if p.includeLatencies {
		latencies := map[string]interface{}{}
		if !ctx.ReceivedAt.IsZero() {
			end := ctx.FinishedAt
			if end.IsZero() {
				end = time.Now()
			}
			latencies["gateway"] = end.Sub(ctx.ReceivedAt).Milliseconds()
		}
		if !ctx.UpstreamSentAt.IsZero() && !ctx.UpstreamReceivedAt.IsZero() {
			latencies["proxy"] = ctx.UpstreamReceivedAt.Sub(ctx.UpstreamSentAt).Milliseconds()
		}
		entry["latencies"] = latencies
	}

	if p.includeConsumer && ctx.Consumer != nil {
		entry["consumer"] = map[string]interface{}{
			"username":  ctx.Consumer.Username,
			"custom_id": ctx.Consumer.CustomID,
		}
	}
	if ctx.Authenticated {
		entry["authenticated"] = true
	}
	if ctx.RequestID != "" {
		entry["request_id"] = ctx.RequestID
	}
	if ctx.Service != "" {
		entry["service"] = ctx.Service
	}
	if ctx.Route != "" {
		entry["route"] = ctx.Route
	}
	if ctx.Upstream != "" {
		entry["upstream"] = ctx.Upstream
	}
	for key, value := range p.customFields {
		entry[key] = value
	}
	return entry
}

// ship posts the record to the configured endpoint. Failures are
// logged and dropped; they never affect the request.
func (p *Logging) ship(entry map[string]interface{}) {
	payload, err := json.Marshal(entry)
	if err != nil {
		return
	}
	resp, err := p.client.Post(p.httpEndpoint, p.contentType, bytes.NewReader(payload))
	if err != nil {
		logging.Warn("log endpoint unreachable",
			zap.String("endpoint", p.httpEndpoint),
			zap.Error(err))
		return
	}
	resp.Body.Close()
}
