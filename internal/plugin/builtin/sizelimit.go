package builtin

import (
	"fmt"
	"strconv"

	"github.com/wudi/porta/internal/plugin"
)

var sizeUnits = map[string]int64{
	"bytes":     1,
	"kilobytes": 1 << 10,
	"megabytes": 1 << 20,
	"gigabytes": 1 << 30,
}

// RequestSizeLimiting rejects requests whose payload exceeds the
// configured limit.
type RequestSizeLimiting struct {
	allowedSize          int64
	sizeUnit             string
	maxBytes             int64
	requireContentLength bool
}

// NewRequestSizeLimiting builds the request-size-limiting plugin.
func NewRequestSizeLimiting(opts plugin.Options, env *plugin.Env) (plugin.Plugin, error) {
	p := &RequestSizeLimiting{
		allowedSize:          int64(opts.Int("allowed_payload_size", 128)),
		sizeUnit:             opts.String("size_unit", "megabytes"),
		requireContentLength: opts.Bool("require_content_length", false),
	}
	unit, ok := sizeUnits[p.sizeUnit]
	if !ok {
		return nil, fmt.Errorf("unknown size_unit: %s", p.sizeUnit)
	}
	p.maxBytes = p.allowedSize * unit
	return p, nil
}

func (p *RequestSizeLimiting) PluginName() string { return "request-size-limiting" }

// Access implements the access phase.
func (p *RequestSizeLimiting) Access(ctx *plugin.Context) {
	header := ctx.Request.Header.Get("Content-Length")

	if header == "" && p.requireContentLength {
		switch ctx.Request.Method {
		case "POST", "PUT", "PATCH":
			reject(ctx, 411, "content length required")
			return
		}
	}

	size := int64(len(ctx.Body))
	if header != "" {
		if declared, err := strconv.ParseInt(header, 10, 64); err == nil {
			size = declared
		}
	}

	if size > p.maxBytes {
		resp := reject(ctx, 413,
			fmt.Sprintf("request body too large, maximum is %d %s", p.allowedSize, p.sizeUnit))
		resp.Header.Set("Retry-After", "0")
	}
}
