package builtin

import (
	"net"
	"strings"

	"github.com/wudi/porta/internal/plugin"
)

// IPRestriction allows or denies requests by client address. Deny
// rules win over allow rules.
type IPRestriction struct {
	allow   []*net.IPNet
	deny    []*net.IPNet
	status  int
	message string
}

// NewIPRestriction builds the ip-restriction plugin from its config.
func NewIPRestriction(opts plugin.Options, env *plugin.Env) (plugin.Plugin, error) {
	return &IPRestriction{
		allow:   parseNetworks(opts.StringSlice("allow")),
		deny:    parseNetworks(opts.StringSlice("deny")),
		status:  opts.Int("status", 403),
		message: opts.String("message", "your ip address is not allowed"),
	}, nil
}

func (p *IPRestriction) PluginName() string { return "ip-restriction" }

// Access implements the access phase.
func (p *IPRestriction) Access(ctx *plugin.Context) {
	ip := net.ParseIP(clientAddress(ctx))
	if ip == nil {
		reject(ctx, p.status, p.message)
		return
	}

	for _, network := range p.deny {
		if network.Contains(ip) {
			reject(ctx, p.status, p.message)
			return
		}
	}

	if len(p.allow) > 0 {
		for _, network := range p.allow {
			if network.Contains(ip) {
				return
			}
		}
		reject(ctx, p.status, p.message)
	}
}

// clientAddress resolves the effective client IP: leftmost
// X-Forwarded-For entry when present, X-Real-IP override, else the
// socket address.
func clientAddress(ctx *plugin.Context) string {
	addr := ctx.ClientIP
	if xff := ctx.Request.Header.Get("X-Forwarded-For"); xff != "" {
		addr = strings.TrimSpace(strings.SplitN(xff, ",", 2)[0])
	}
	if real := ctx.Request.Header.Get("X-Real-IP"); real != "" {
		addr = strings.TrimSpace(real)
	}
	return addr
}

// parseNetworks compiles addresses and CIDR ranges. Entries that do
// not parse are skipped.
func parseNetworks(entries []string) []*net.IPNet {
	var networks []*net.IPNet
	for _, entry := range entries {
		if strings.Contains(entry, "/") {
			if _, network, err := net.ParseCIDR(entry); err == nil {
				networks = append(networks, network)
			}
			continue
		}
		ip := net.ParseIP(entry)
		if ip == nil {
			continue
		}
		bits := 32
		if ip.To4() == nil {
			bits = 128
		}
		networks = append(networks, &net.IPNet{IP: ip, Mask: net.CIDRMask(bits, bits)})
	}
	return networks
}
