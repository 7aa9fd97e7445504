package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"

	"github.com/goccy/go-yaml"
)

// Loader handles configuration loading and parsing
type Loader struct {
	envPattern *regexp.Regexp
	// knownPlugins is the set of plugin names registered with the gateway;
	// when non-nil, plugin references are validated against it.
	knownPlugins map[string]bool
}

// NewLoader creates a new configuration loader
func NewLoader() *Loader {
	return &Loader{
		envPattern: regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`),
	}
}

// SetKnownPlugins sets the plugin names that configs may reference.
func (l *Loader) SetKnownPlugins(names []string) {
	l.knownPlugins = make(map[string]bool, len(names))
	for _, n := range names {
		l.knownPlugins[n] = true
	}
}

// Load reads and parses a configuration file
func (l *Loader) Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	return l.Parse(data)
}

// Parse parses configuration from YAML bytes
func (l *Loader) Parse(data []byte) (*Config, error) {
	// Expand environment variables
	expanded := l.expandEnvVars(string(data))

	cfg := &Config{}
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	cfg.ApplyDefaults()

	if err := l.validate(cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} with environment variable values
func (l *Loader) expandEnvVars(input string) string {
	return l.envPattern.ReplaceAllStringFunc(input, func(match string) string {
		varName := strings.TrimPrefix(strings.TrimSuffix(match, "}"), "${")
		if value, exists := os.LookupEnv(varName); exists {
			return value
		}
		return match // Keep original if env var not set
	})
}

// validHTTPMethods contains all valid HTTP method names.
var validHTTPMethods = map[string]bool{
	"GET": true, "HEAD": true, "POST": true, "PUT": true,
	"DELETE": true, "PATCH": true, "OPTIONS": true,
}

// validate checks configuration for errors
func (l *Loader) validate(cfg *Config) error {
	if cfg.Gateway.Port < 1 || cfg.Gateway.Port > 65535 {
		return fmt.Errorf("gateway port must be in 1..65535, got %d", cfg.Gateway.Port)
	}
	if cfg.Gateway.AdminPort < 1 || cfg.Gateway.AdminPort > 65535 {
		return fmt.Errorf("admin port must be in 1..65535, got %d", cfg.Gateway.AdminPort)
	}

	upstreamNames := make(map[string]bool)
	for i, u := range cfg.Upstreams {
		if u.Name == "" {
			return fmt.Errorf("upstream %d: name is required", i)
		}
		if upstreamNames[u.Name] {
			return fmt.Errorf("duplicate upstream name: %s", u.Name)
		}
		upstreamNames[u.Name] = true

		if !validAlgorithms[u.Algorithm] {
			return fmt.Errorf("upstream %s: invalid algorithm: %s", u.Name, u.Algorithm)
		}

		for j, t := range u.Targets {
			if t.Host == "" {
				return fmt.Errorf("upstream %s: target %d: host is required", u.Name, j)
			}
			if t.Port < 1 || t.Port > 65535 {
				return fmt.Errorf("upstream %s: target %d: port must be in 1..65535, got %d", u.Name, j, t.Port)
			}
			if t.Weight != nil && *t.Weight < 0 {
				return fmt.Errorf("upstream %s: target %d: weight must be >= 0", u.Name, j)
			}
		}

		if u.HealthCheck.Interval <= 0 {
			return fmt.Errorf("upstream %s: health_check interval must be > 0", u.Name)
		}
		if u.HealthCheck.Timeout <= 0 {
			return fmt.Errorf("upstream %s: health_check timeout must be > 0", u.Name)
		}
		for _, s := range u.HealthCheck.ExpectedStatuses {
			if s < 100 || s > 599 {
				return fmt.Errorf("upstream %s: health_check expected_statuses contains invalid status: %d", u.Name, s)
			}
		}
		if u.CircuitBreaker.FailureThreshold < 1 {
			return fmt.Errorf("upstream %s: circuit_breaker failure_threshold must be > 0", u.Name)
		}
		if u.CircuitBreaker.SuccessThreshold < 1 {
			return fmt.Errorf("upstream %s: circuit_breaker success_threshold must be > 0", u.Name)
		}
		if u.Retry.MaxRetries < 0 {
			return fmt.Errorf("upstream %s: retry max_retries must be >= 0", u.Name)
		}
		for _, s := range u.Retry.RetryOnStatus {
			if s < 100 || s > 599 {
				return fmt.Errorf("upstream %s: retry_on_status contains invalid status: %d", u.Name, s)
			}
		}
	}

	serviceNames := make(map[string]bool)
	for i, s := range cfg.Services {
		if s.Name == "" {
			return fmt.Errorf("service %d: name is required", i)
		}
		if serviceNames[s.Name] {
			return fmt.Errorf("duplicate service name: %s", s.Name)
		}
		serviceNames[s.Name] = true

		if s.Upstream == "" {
			return fmt.Errorf("service %s: upstream is required", s.Name)
		}
		if !upstreamNames[s.Upstream] {
			return fmt.Errorf("service %s: references unknown upstream: %s", s.Name, s.Upstream)
		}

		for j, r := range s.Routes {
			if len(r.Paths) == 0 {
				return fmt.Errorf("service %s: route %d: at least one path is required", s.Name, j)
			}
			for _, p := range r.Paths {
				if !strings.HasPrefix(p, "/") {
					return fmt.Errorf("service %s: route %d: path must start with '/': %s", s.Name, j, p)
				}
			}
			for _, m := range r.Methods {
				if !validHTTPMethods[m] {
					return fmt.Errorf("service %s: route %d: invalid HTTP method: %s", s.Name, j, m)
				}
			}
			if err := l.validatePlugins(r.Plugins, fmt.Sprintf("service %s route %d", s.Name, j)); err != nil {
				return err
			}
		}
		if err := l.validatePlugins(s.Plugins, fmt.Sprintf("service %s", s.Name)); err != nil {
			return err
		}
	}

	if err := l.validatePlugins(cfg.Plugins, "global"); err != nil {
		return err
	}

	consumerNames := make(map[string]bool)
	for i, c := range cfg.Consumers {
		if c.Username == "" {
			return fmt.Errorf("consumer %d: username is required", i)
		}
		if consumerNames[c.Username] {
			return fmt.Errorf("duplicate consumer username: %s", c.Username)
		}
		consumerNames[c.Username] = true
	}

	return nil
}

// validatePlugins checks plugin references within a given scope.
func (l *Loader) validatePlugins(plugins []PluginConfig, scope string) error {
	for i, p := range plugins {
		if p.Name == "" {
			return fmt.Errorf("%s: plugin %d: name is required", scope, i)
		}
		if l.knownPlugins != nil && !l.knownPlugins[p.Name] {
			return fmt.Errorf("%s: unknown plugin: %s", scope, p.Name)
		}
		if p.Name == "rate-limiting" {
			if policy, ok := p.Config["policy"].(string); ok && policy != "local" {
				return fmt.Errorf("%s: rate-limiting policy must be \"local\", got %q", scope, policy)
			}
		}
	}
	return nil
}
