// Package builtin provides the bundled gateway plugins and their
// registration.
package builtin

import (
	"github.com/wudi/porta/internal/errors"
	"github.com/wudi/porta/internal/plugin"
)

// RegisterAll binds every bundled plugin into the registry.
func RegisterAll(reg *plugin.Registry) {
	reg.Register("jwt-auth", NewJWTAuth)
	reg.Register("key-auth", NewKeyAuth)
	reg.Register("rate-limiting", NewRateLimiting)
	reg.Register("cors", NewCORS)
	reg.Register("request-transformer", NewRequestTransformer)
	reg.Register("response-transformer", NewResponseTransformer)
	reg.Register("ip-restriction", NewIPRestriction)
	reg.Register("request-size-limiting", NewRequestSizeLimiting)
	reg.Register("logging", NewLogging)
}

// reject short-circuits the request with a JSON error body.
func reject(ctx *plugin.Context, status int, message string) *plugin.Response {
	e := errors.New(status, message)
	if ctx.RequestID != "" {
		e = e.WithRequestID(ctx.RequestID)
	}
	resp := plugin.NewResponse(status)
	resp.Header.Set("Content-Type", "application/json")
	resp.Body = e.Body()
	ctx.ShortCircuit = resp
	return resp
}
