package builtin

import (
	"fmt"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/wudi/porta/internal/plugin"
)

// JWTAuth verifies bearer tokens and attaches the authenticated
// identity to the request.
type JWTAuth struct {
	secret         string
	algorithm      string
	headerNames    []string
	claimsToVerify []string
	anonymous      string
	runOnPreflight bool
}

// NewJWTAuth builds the jwt-auth plugin from its config.
func NewJWTAuth(opts plugin.Options, env *plugin.Env) (plugin.Plugin, error) {
	p := &JWTAuth{
		secret:         opts.String("secret", ""),
		algorithm:      opts.String("algorithm", "HS256"),
		headerNames:    opts.StringSlice("header_names"),
		claimsToVerify: opts.StringSlice("claims_to_verify"),
		anonymous:      opts.String("anonymous", ""),
		runOnPreflight: opts.Bool("run_on_preflight", true),
	}
	if p.secret == "" {
		return nil, fmt.Errorf("jwt-auth requires a secret")
	}
	if len(p.headerNames) == 0 {
		p.headerNames = []string{"Authorization"}
	}
	if !opts.Has("claims_to_verify") {
		p.claimsToVerify = []string{"exp"}
	}
	return p, nil
}

func (p *JWTAuth) PluginName() string { return "jwt-auth" }

// Access implements the access phase.
func (p *JWTAuth) Access(ctx *plugin.Context) {
	if ctx.Request.Method == "OPTIONS" && !p.runOnPreflight {
		return
	}

	token := p.extractToken(ctx)
	if token == "" {
		if p.anonymous != "" {
			ctx.Consumer = &plugin.Consumer{Username: p.anonymous}
			ctx.Authenticated = false
			return
		}
		resp := reject(ctx, 401, "missing authentication token")
		resp.Header.Set("WWW-Authenticate", "Bearer")
		return
	}

	claims := jwt.MapClaims{}
	parser := jwt.NewParser(jwt.WithValidMethods([]string{p.algorithm}))
	_, err := parser.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		return []byte(p.secret), nil
	})
	if err == nil {
		err = p.verifyClaims(claims)
	}
	if err != nil {
		resp := reject(ctx, 401, "invalid token")
		resp.Header.Set("WWW-Authenticate", `Bearer error="invalid_token"`)
		return
	}

	sub, _ := claims["sub"].(string)
	username, _ := claims["username"].(string)
	if username == "" {
		username = sub
	}
	ctx.Consumer = &plugin.Consumer{Username: username, UserID: sub}
	ctx.Authenticated = true
	if sub != "" {
		ctx.Request.Header.Set("X-User-ID", sub)
	}
}

// verifyClaims checks that every required claim is present. Temporal
// claims are validated by the parser; this enforces presence.
func (p *JWTAuth) verifyClaims(claims jwt.MapClaims) error {
	for _, name := range p.claimsToVerify {
		if _, ok := claims[name]; !ok {
			return fmt.Errorf("missing claim: %s", name)
		}
	}
	return nil
}

func (p *JWTAuth) extractToken(ctx *plugin.Context) string {
	for _, name := range p.headerNames {
		value := ctx.Request.Header.Get(name)
		if value == "" {
			continue
		}
		if strings.HasPrefix(value, "Bearer ") {
			return value[len("Bearer "):]
		}
		return value
	}
	return ctx.Request.URL.Query().Get("jwt")
}
