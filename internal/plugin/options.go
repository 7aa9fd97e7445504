package plugin

import "fmt"

// Options is the loosely typed config mapping handed to a plugin
// factory, as parsed from YAML.
type Options map[string]interface{}

// Has reports whether a key is present.
func (o Options) Has(key string) bool {
	_, ok := o[key]
	return ok
}

// String returns a string option or the default.
func (o Options) String(key, def string) string {
	if v, ok := o[key].(string); ok {
		return v
	}
	return def
}

// Bool returns a boolean option or the default.
func (o Options) Bool(key string, def bool) bool {
	if v, ok := o[key].(bool); ok {
		return v
	}
	return def
}

// Int returns an integer option or the default. YAML decoders produce
// a mix of numeric types, so all of them are accepted.
func (o Options) Int(key string, def int) int {
	switch v := o[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case uint64:
		return int(v)
	case float64:
		return int(v)
	}
	return def
}

// Float returns a float option or the default.
func (o Options) Float(key string, def float64) float64 {
	switch v := o[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	case int64:
		return float64(v)
	case uint64:
		return float64(v)
	}
	return def
}

// StringSlice returns a list option as strings. Scalars are wrapped
// into a single-element slice.
func (o Options) StringSlice(key string) []string {
	switch v := o[key].(type) {
	case []string:
		return v
	case []interface{}:
		out := make([]string, 0, len(v))
		for _, item := range v {
			out = append(out, fmt.Sprintf("%v", item))
		}
		return out
	case string:
		return []string{v}
	}
	return nil
}

// StringMap returns a mapping option with stringified values.
func (o Options) StringMap(key string) map[string]string {
	m, ok := o[key].(map[string]interface{})
	if !ok {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = fmt.Sprintf("%v", v)
	}
	return out
}

// Map returns a raw mapping option.
func (o Options) Map(key string) map[string]interface{} {
	m, _ := o[key].(map[string]interface{})
	return m
}

// Section returns a nested mapping option as Options.
func (o Options) Section(key string) Options {
	m, ok := o[key].(map[string]interface{})
	if !ok {
		return Options{}
	}
	return Options(m)
}
