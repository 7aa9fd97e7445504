package builtin

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/wudi/porta/internal/plugin"
)

var interpPattern = regexp.MustCompile(`\$\(([^)]+)\)`)

type transformOps struct {
	removeHeaders []string
	removeQuery   []string
	removeBody    []string

	renameHeaders map[string]string
	renameQuery   map[string]string
	renameBody    map[string]string

	replaceHeaders map[string]string
	replaceQuery   map[string]string
	replaceBody    map[string]string

	addHeaders map[string]string
	addQuery   map[string]string
	addBody    map[string]string

	appendHeaders map[string]string
	appendQuery   map[string]string
	appendBody    map[string]string
}

func parseTransformOps(opts plugin.Options) transformOps {
	remove := opts.Section("remove")
	rename := opts.Section("rename")
	replace := opts.Section("replace")
	add := opts.Section("add")
	appendSec := opts.Section("append")

	return transformOps{
		removeHeaders: remove.StringSlice("headers"),
		removeQuery:   remove.StringSlice("querystring"),
		removeBody:    remove.StringSlice("body"),

		renameHeaders: rename.StringMap("headers"),
		renameQuery:   rename.StringMap("querystring"),
		renameBody:    rename.StringMap("body"),

		replaceHeaders: replace.StringMap("headers"),
		replaceQuery:   replace.StringMap("querystring"),
		replaceBody:    replace.StringMap("body"),

		addHeaders: add.StringMap("headers"),
		addQuery:   add.StringMap("querystring"),
		addBody:    add.StringMap("body"),

		appendHeaders: appendSec.StringMap("headers"),
		appendQuery:   appendSec.StringMap("querystring"),
		appendBody:    appendSec.StringMap("body"),
	}
}

// RequestTransformer edits request headers, query parameters and JSON
// bodies before forwarding. Operations apply in the order remove,
// rename, replace, add, append.
type RequestTransformer struct {
	ops transformOps
}

// NewRequestTransformer builds the request-transformer plugin.
func NewRequestTransformer(opts plugin.Options, env *plugin.Env) (plugin.Plugin, error) {
	return &RequestTransformer{ops: parseTransformOps(opts)}, nil
}

func (p *RequestTransformer) PluginName() string { return "request-transformer" }

// Access implements the access phase.
func (p *RequestTransformer) Access(ctx *plugin.Context) {
	p.transformHeaders(ctx)
	p.transformQuery(ctx)
	p.transformBody(ctx)
}

func (p *RequestTransformer) transformHeaders(ctx *plugin.Context) {
	h := ctx.Request.Header

	for _, name := range p.ops.removeHeaders {
		h.Del(name)
	}
	for old, newName := range p.ops.renameHeaders {
		if values := h.Values(old); len(values) > 0 {
			v := values[0]
			h.Del(old)
			h.Set(newName, v)
		}
	}
	for name, value := range p.ops.replaceHeaders {
		if h.Get(name) != "" {
			h.Set(name, interpolate(value, ctx))
		}
	}
	for name, value := range p.ops.addHeaders {
		if h.Get(name) == "" {
			h.Set(name, interpolate(value, ctx))
		}
	}
	for name, value := range p.ops.appendHeaders {
		resolved := interpolate(value, ctx)
		if existing := h.Get(name); existing != "" {
			h.Set(name, existing+", "+resolved)
		} else {
			h.Set(name, resolved)
		}
	}
}

func (p *RequestTransformer) transformQuery(ctx *plugin.Context) {
	q := ctx.Request.URL.Query()

	for _, name := range p.ops.removeQuery {
		q.Del(name)
	}
	for old, newName := range p.ops.renameQuery {
		if q.Has(old) {
			v := q.Get(old)
			q.Del(old)
			q.Set(newName, v)
		}
	}
	for name, value := range p.ops.replaceQuery {
		if q.Has(name) {
			q.Set(name, interpolate(value, ctx))
		}
	}
	for name, value := range p.ops.addQuery {
		if !q.Has(name) {
			q.Set(name, interpolate(value, ctx))
		}
	}
	for name, value := range p.ops.appendQuery {
		resolved := interpolate(value, ctx)
		if existing := q.Get(name); existing != "" {
			q.Set(name, existing+","+resolved)
		} else {
			q.Set(name, resolved)
		}
	}

	ctx.Request.URL.RawQuery = q.Encode()
}

func (p *RequestTransformer) transformBody(ctx *plugin.Context) {
	if !strings.Contains(ctx.Request.Header.Get("Content-Type"), "application/json") {
		return
	}
	if len(ctx.Body) == 0 || !gjson.ValidBytes(ctx.Body) {
		return
	}

	body := ctx.Body
	changed := false

	for _, key := range p.ops.removeBody {
		if gjson.GetBytes(body, key).Exists() {
			body, _ = sjson.DeleteBytes(body, key)
			changed = true
		}
	}
	for old, newName := range p.ops.renameBody {
		if v := gjson.GetBytes(body, old); v.Exists() {
			body, _ = sjson.DeleteBytes(body, old)
			body, _ = sjson.SetBytes(body, newName, v.Value())
			changed = true
		}
	}
	for key, value := range p.ops.replaceBody {
		if gjson.GetBytes(body, key).Exists() {
			body, _ = sjson.SetBytes(body, key, interpolate(value, ctx))
			changed = true
		}
	}
	for key, value := range p.ops.addBody {
		if !gjson.GetBytes(body, key).Exists() {
			body, _ = sjson.SetBytes(body, key, interpolate(value, ctx))
			changed = true
		}
	}
	for key, value := range p.ops.appendBody {
		resolved := interpolate(value, ctx)
		if existing := gjson.GetBytes(body, key); existing.Exists() {
			body, _ = sjson.SetBytes(body, key, existing.String()+resolved)
		} else {
			body, _ = sjson.SetBytes(body, key, resolved)
		}
		changed = true
	}

	if changed {
		ctx.Body = body
		ctx.Request.ContentLength = int64(len(body))
		ctx.Request.Header.Set("Content-Length", strconv.Itoa(len(body)))
	}
}

// interpolate resolves $(headers.X), $(query.x) and $(consumer.field)
// references in configured values.
func interpolate(value string, ctx *plugin.Context) string {
	return interpPattern.ReplaceAllStringFunc(value, func(m string) string {
		ref := m[2 : len(m)-1]
		dot := strings.IndexByte(ref, '.')
		if dot < 0 {
			return ""
		}
		scope, field := ref[:dot], ref[dot+1:]
		switch scope {
		case "headers":
			return ctx.Request.Header.Get(field)
		case "query":
			return ctx.Request.URL.Query().Get(field)
		case "consumer":
			if ctx.Consumer == nil {
				return ""
			}
			switch field {
			case "username":
				return ctx.Consumer.Username
			case "custom_id":
				return ctx.Consumer.CustomID
			case "user_id":
				return ctx.Consumer.UserID
			}
		}
		return ""
	})
}
