package config

// Config is the root configuration document.
type Config struct {
	Gateway   GatewayConfig    `yaml:"gateway" json:"gateway"`
	Upstreams []UpstreamConfig `yaml:"upstreams" json:"upstreams"`
	Services  []ServiceConfig  `yaml:"services" json:"services"`
	Plugins   []PluginConfig   `yaml:"plugins" json:"plugins"`
	Consumers []ConsumerConfig `yaml:"consumers" json:"consumers"`
}

// GatewayConfig holds listener and process-level settings.
type GatewayConfig struct {
	Host         string        `yaml:"host" json:"host"`
	Port         int           `yaml:"port" json:"port"`
	AdminPort    int           `yaml:"admin_port" json:"admin_port"`
	AdminEnabled *bool         `yaml:"admin_enabled" json:"admin_enabled"`
	Logging      LoggingConfig `yaml:"logging" json:"logging"`
}

// LoggingConfig configures the global logger.
type LoggingConfig struct {
	Level      string `yaml:"level" json:"level"`
	File       string `yaml:"file" json:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb" json:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups" json:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days" json:"max_age_days"`
}

// UpstreamConfig describes a named pool of backend targets.
type UpstreamConfig struct {
	Name           string               `yaml:"name" json:"name"`
	Algorithm      string               `yaml:"algorithm" json:"algorithm"`
	Targets        []TargetConfig       `yaml:"targets" json:"targets"`
	HealthCheck    HealthCheckConfig    `yaml:"health_check" json:"health_check"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker" json:"circuit_breaker"`
	Retry          RetryConfig          `yaml:"retry" json:"retry"`
	ConnectTimeout int                  `yaml:"connect_timeout" json:"connect_timeout"`
	ReadTimeout    int                  `yaml:"read_timeout" json:"read_timeout"`
}

// TargetConfig describes one backend endpoint.
type TargetConfig struct {
	Host   string `yaml:"host" json:"host"`
	Port   int    `yaml:"port" json:"port"`
	Weight *int   `yaml:"weight" json:"weight"`
}

// HealthCheckConfig configures active probing for an upstream.
type HealthCheckConfig struct {
	Enabled            *bool  `yaml:"enabled" json:"enabled"`
	Path               string `yaml:"path" json:"path"`
	Interval           int    `yaml:"interval" json:"interval"`
	Timeout            int    `yaml:"timeout" json:"timeout"`
	HealthyThreshold   int    `yaml:"healthy_threshold" json:"healthy_threshold"`
	UnhealthyThreshold int    `yaml:"unhealthy_threshold" json:"unhealthy_threshold"`
	ExpectedStatuses   []int  `yaml:"expected_statuses" json:"expected_statuses"`
}

// CircuitBreakerConfig configures the per-target breaker.
type CircuitBreakerConfig struct {
	Enabled          *bool `yaml:"enabled" json:"enabled"`
	FailureThreshold int   `yaml:"failure_threshold" json:"failure_threshold"`
	SuccessThreshold int   `yaml:"success_threshold" json:"success_threshold"`
	Timeout          int   `yaml:"timeout" json:"timeout"`
	HalfOpenRequests int   `yaml:"half_open_requests" json:"half_open_requests"`
}

// RetryConfig configures forwarding retries for an upstream.
type RetryConfig struct {
	Enabled       *bool   `yaml:"enabled" json:"enabled"`
	MaxRetries    int     `yaml:"max_retries" json:"max_retries"`
	RetryOnStatus []int   `yaml:"retry_on_status" json:"retry_on_status"`
	BackoffFactor float64 `yaml:"backoff_factor" json:"backoff_factor"`
}

// ServiceConfig binds routes to an upstream.
type ServiceConfig struct {
	Name     string         `yaml:"name" json:"name"`
	Upstream string         `yaml:"upstream" json:"upstream"`
	Path     string         `yaml:"path" json:"path"`
	Enabled  *bool          `yaml:"enabled" json:"enabled"`
	Routes   []RouteConfig  `yaml:"routes" json:"routes"`
	Plugins  []PluginConfig `yaml:"plugins" json:"plugins"`
}

// RouteConfig is a path/method selector within a service.
type RouteConfig struct {
	Name      string         `yaml:"name" json:"name"`
	Paths     []string       `yaml:"paths" json:"paths"`
	Methods   []string       `yaml:"methods" json:"methods"`
	StripPath *bool          `yaml:"strip_path" json:"strip_path"`
	Plugins   []PluginConfig `yaml:"plugins" json:"plugins"`
}

// PluginConfig names a plugin and carries its options.
type PluginConfig struct {
	Name    string                 `yaml:"name" json:"name"`
	Enabled *bool                  `yaml:"enabled" json:"enabled"`
	Config  map[string]interface{} `yaml:"config" json:"config"`
}

// ConsumerConfig describes an identity that auth plugins can attach.
type ConsumerConfig struct {
	Username    string                 `yaml:"username" json:"username"`
	CustomID    string                 `yaml:"custom_id" json:"custom_id"`
	Tags        []string               `yaml:"tags" json:"tags"`
	Credentials map[string]interface{} `yaml:"credentials" json:"credentials"`
}

// Algorithms supported by the load balancer.
const (
	AlgorithmRoundRobin       = "round-robin"
	AlgorithmLeastConnections = "least-connections"
	AlgorithmIPHash           = "ip-hash"
	AlgorithmWeighted         = "weighted"
	AlgorithmRandom           = "random"
)

var validAlgorithms = map[string]bool{
	AlgorithmRoundRobin:       true,
	AlgorithmLeastConnections: true,
	AlgorithmIPHash:           true,
	AlgorithmWeighted:         true,
	AlgorithmRandom:           true,
}

func boolPtr(b bool) *bool { return &b }

func intPtr(i int) *int { return &i }

// DefaultConfig returns a config populated with defaults.
func DefaultConfig() *Config {
	return &Config{
		Gateway: GatewayConfig{
			Host:         "0.0.0.0",
			Port:         8000,
			AdminPort:    8001,
			AdminEnabled: boolPtr(true),
			Logging: LoggingConfig{
				Level: "info",
			},
		},
	}
}

// ApplyDefaults fills zero-valued fields with their defaults.
func (c *Config) ApplyDefaults() {
	if c.Gateway.Host == "" {
		c.Gateway.Host = "0.0.0.0"
	}
	if c.Gateway.Port == 0 {
		c.Gateway.Port = 8000
	}
	if c.Gateway.AdminPort == 0 {
		c.Gateway.AdminPort = 8001
	}
	if c.Gateway.AdminEnabled == nil {
		c.Gateway.AdminEnabled = boolPtr(true)
	}
	if c.Gateway.Logging.Level == "" {
		c.Gateway.Logging.Level = "info"
	}

	for i := range c.Upstreams {
		u := &c.Upstreams[i]
		if u.Algorithm == "" {
			u.Algorithm = AlgorithmRoundRobin
		}
		if u.ConnectTimeout == 0 {
			u.ConnectTimeout = 5000
		}
		if u.ReadTimeout == 0 {
			u.ReadTimeout = 30000
		}
		for j := range u.Targets {
			t := &u.Targets[j]
			if t.Port == 0 {
				t.Port = 80
			}
			if t.Weight == nil {
				t.Weight = intPtr(100)
			}
		}
		hc := &u.HealthCheck
		if hc.Enabled == nil {
			hc.Enabled = boolPtr(true)
		}
		if hc.Path == "" {
			hc.Path = "/health"
		}
		if hc.Interval == 0 {
			hc.Interval = 10
		}
		if hc.Timeout == 0 {
			hc.Timeout = 5
		}
		if hc.HealthyThreshold == 0 {
			hc.HealthyThreshold = 2
		}
		if hc.UnhealthyThreshold == 0 {
			hc.UnhealthyThreshold = 3
		}
		cb := &u.CircuitBreaker
		if cb.Enabled == nil {
			cb.Enabled = boolPtr(true)
		}
		if cb.FailureThreshold == 0 {
			cb.FailureThreshold = 5
		}
		if cb.SuccessThreshold == 0 {
			cb.SuccessThreshold = 2
		}
		if cb.Timeout == 0 {
			cb.Timeout = 30
		}
		if cb.HalfOpenRequests == 0 {
			cb.HalfOpenRequests = 3
		}
		re := &u.Retry
		if re.Enabled == nil {
			re.Enabled = boolPtr(true)
		}
		if re.MaxRetries == 0 {
			re.MaxRetries = 3
		}
		if len(re.RetryOnStatus) == 0 {
			re.RetryOnStatus = []int{502, 503, 504}
		}
		if re.BackoffFactor == 0 {
			re.BackoffFactor = 0.5
		}
	}

	for i := range c.Services {
		s := &c.Services[i]
		if s.Enabled == nil {
			s.Enabled = boolPtr(true)
		}
		for j := range s.Routes {
			r := &s.Routes[j]
			if len(r.Methods) == 0 {
				r.Methods = []string{"GET", "POST", "PUT", "DELETE", "PATCH"}
			}
			if r.StripPath == nil {
				r.StripPath = boolPtr(true)
			}
		}
	}

	for i := range c.Plugins {
		if c.Plugins[i].Enabled == nil {
			c.Plugins[i].Enabled = boolPtr(true)
		}
	}
	for i := range c.Services {
		for j := range c.Services[i].Plugins {
			if c.Services[i].Plugins[j].Enabled == nil {
				c.Services[i].Plugins[j].Enabled = boolPtr(true)
			}
		}
		for j := range c.Services[i].Routes {
			for k := range c.Services[i].Routes[j].Plugins {
				if c.Services[i].Routes[j].Plugins[k].Enabled == nil {
					c.Services[i].Routes[j].Plugins[k].Enabled = boolPtr(true)
				}
			}
		}
	}
}
