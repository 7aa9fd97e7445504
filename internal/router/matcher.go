package router

import "strings"

// Pattern is a compiled route path pattern. Two forms exist: an exact
// literal, and a wildcard suffix ("/api/users/*") that matches the
// prefix itself or any subpath under it.
type Pattern struct {
	raw      string
	prefix   string
	wildcard bool
}

// CompilePattern parses a pattern string.
func CompilePattern(p string) *Pattern {
	if strings.HasSuffix(p, "/*") {
		return &Pattern{raw: p, prefix: strings.TrimSuffix(p, "/*"), wildcard: true}
	}
	if p == "*" {
		return &Pattern{raw: p, prefix: "", wildcard: true}
	}
	return &Pattern{raw: p, prefix: p}
}

// String returns the original pattern text.
func (p *Pattern) String() string { return p.raw }

// Len is the length of the literal prefix the pattern matches on, used
// for longest-pattern-wins ordering. The "/*" suffix carries no
// specificity of its own.
func (p *Pattern) Len() int { return len(p.prefix) }

// Wildcard reports whether the pattern accepts subpaths.
func (p *Pattern) Wildcard() bool { return p.wildcard }

// Matches reports whether a request path satisfies the pattern.
func (p *Pattern) Matches(path string) bool {
	if !p.wildcard {
		return path == p.prefix
	}
	if path == p.prefix {
		return true
	}
	return strings.HasPrefix(path, p.prefix+"/")
}

// Strip removes the matched prefix from the path, keeping the tail
// covered by the wildcard. The result is always rooted.
func (p *Pattern) Strip(path string) string {
	rest := strings.TrimPrefix(path, p.prefix)
	if rest == "" {
		return "/"
	}
	if !strings.HasPrefix(rest, "/") {
		rest = "/" + rest
	}
	return rest
}
