package builtin

import (
	"fmt"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/wudi/porta/internal/plugin"
)

// ResponseTransformer edits response headers and JSON bodies on the
// way back to the client.
type ResponseTransformer struct {
	removeHeaders  []string
	renameHeaders  map[string]string
	replaceHeaders map[string]string
	addHeaders     map[string]string
	appendHeaders  map[string]string

	removeJSON  []string
	replaceJSON map[string]interface{}
	addJSON     map[string]interface{}
	appendJSON  map[string]interface{}
}

// NewResponseTransformer builds the response-transformer plugin.
func NewResponseTransformer(opts plugin.Options, env *plugin.Env) (plugin.Plugin, error) {
	remove := opts.Section("remove")
	rename := opts.Section("rename")
	replace := opts.Section("replace")
	add := opts.Section("add")
	appendSec := opts.Section("append")

	return &ResponseTransformer{
		removeHeaders:  remove.StringSlice("headers"),
		renameHeaders:  rename.StringMap("headers"),
		replaceHeaders: replace.StringMap("headers"),
		addHeaders:     add.StringMap("headers"),
		appendHeaders:  appendSec.StringMap("headers"),

		removeJSON:  remove.StringSlice("json"),
		replaceJSON: replace.Map("json"),
		addJSON:     add.Map("json"),
		appendJSON:  appendSec.Map("json"),
	}, nil
}

func (p *ResponseTransformer) PluginName() string { return "response-transformer" }

// Response implements the response phase.
func (p *ResponseTransformer) Response(ctx *plugin.Context, resp *plugin.Response) {
	p.transformHeaders(resp)
	p.transformJSON(resp)
}

func (p *ResponseTransformer) transformHeaders(resp *plugin.Response) {
	h := resp.Header

	for _, name := range p.removeHeaders {
		h.Del(name)
	}
	for old, newName := range p.renameHeaders {
		if values := h.Values(old); len(values) > 0 {
			v := values[0]
			h.Del(old)
			h.Set(newName, v)
		}
	}
	for name, value := range p.replaceHeaders {
		if h.Get(name) != "" {
			h.Set(name, value)
		}
	}
	for name, value := range p.addHeaders {
		if h.Get(name) == "" {
			h.Set(name, value)
		}
	}
	for name, value := range p.appendHeaders {
		if existing := h.Get(name); existing != "" {
			h.Set(name, existing+", "+value)
		} else {
			h.Set(name, value)
		}
	}
}

func (p *ResponseTransformer) transformJSON(resp *plugin.Response) {
	if len(p.removeJSON) == 0 && len(p.replaceJSON) == 0 &&
		len(p.addJSON) == 0 && len(p.appendJSON) == 0 {
		return
	}
	if !strings.Contains(resp.Header.Get("Content-Type"), "application/json") {
		return
	}
	if len(resp.Body) == 0 || !gjson.ValidBytes(resp.Body) {
		return
	}

	body := resp.Body
	changed := false

	for _, key := range p.removeJSON {
		if gjson.GetBytes(body, key).Exists() {
			body, _ = sjson.DeleteBytes(body, key)
			changed = true
		}
	}
	for key, value := range p.replaceJSON {
		if gjson.GetBytes(body, key).Exists() {
			body, _ = sjson.SetBytes(body, key, value)
			changed = true
		}
	}
	for key, value := range p.addJSON {
		if !gjson.GetBytes(body, key).Exists() {
			body, _ = sjson.SetBytes(body, key, value)
			changed = true
		}
	}
	for key, value := range p.appendJSON {
		existing := gjson.GetBytes(body, key)
		switch {
		case existing.Exists() && existing.Type == gjson.String:
			body, _ = sjson.SetBytes(body, key, existing.String()+toString(value))
		case existing.Exists() && existing.IsArray():
			body, _ = sjson.SetBytes(body, key+".-1", value)
		default:
			body, _ = sjson.SetBytes(body, key, value)
		}
		changed = true
	}

	if changed {
		resp.Body = body
		resp.Header.Del("Content-Length")
	}
}

func toString(v interface{}) string {
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprintf("%v", v)
}
