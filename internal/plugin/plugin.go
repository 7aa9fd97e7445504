// Package plugin implements the request plugin chain: access, response
// and log phases composed per route from global and route-level config.
package plugin

import (
	"net/http"
	"time"
)

// Consumer is the identity attached to a request by an auth plugin.
type Consumer struct {
	Username string
	CustomID string
	UserID   string
}

// Response is a mutable HTTP response flowing through the chain,
// either synthesized by a short-circuiting plugin or received from an
// upstream.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// NewResponse creates an empty response with the given status.
func NewResponse(status int) *Response {
	return &Response{StatusCode: status, Header: make(http.Header)}
}

// Context carries per-request state through the chain. It is owned by
// the in-flight request and never shared across requests.
type Context struct {
	Request   *http.Request
	Body      []byte
	ClientIP  string
	RequestID string

	Service  string
	Route    string
	Upstream string

	Consumer      *Consumer
	Authenticated bool

	ShortCircuit *Response

	ReceivedAt         time.Time
	UpstreamSentAt     time.Time
	UpstreamReceivedAt time.Time
	FinishedAt         time.Time

	shared map[string]interface{}
}

// Set stores a chain-scoped value.
func (c *Context) Set(key string, value interface{}) {
	if c.shared == nil {
		c.shared = make(map[string]interface{})
	}
	c.shared[key] = value
}

// Get retrieves a chain-scoped value.
func (c *Context) Get(key string) (interface{}, bool) {
	v, ok := c.shared[key]
	return v, ok
}

// Plugin is the base identity every plugin implements. Phase behavior
// is declared by additionally implementing AccessHandler,
// ResponseHandler or LogHandler.
type Plugin interface {
	PluginName() string
}

// AccessHandler runs before the upstream call. It may mutate the
// request, attach a consumer, or set ctx.ShortCircuit to end the
// access phase and skip forwarding.
type AccessHandler interface {
	Access(ctx *Context)
}

// ResponseHandler runs after the upstream call (or over a
// short-circuit response). It may mutate the response but never
// short-circuits.
type ResponseHandler interface {
	Response(ctx *Context, resp *Response)
}

// LogHandler runs after the response has been written to the client,
// off the critical path. Side effects only.
type LogHandler interface {
	Log(ctx *Context, resp *Response)
}
