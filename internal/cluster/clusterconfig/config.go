// Package clusterconfig holds configuration for the cluster subsystem,
// parsed from the environment with caarlos0/env the same way the teacher's
// internal/config parses its application configuration.
package clusterconfig

import (
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v10"
	"gopkg.in/yaml.v3"

	"github.com/fairyhunter13/cluster-proxy/internal/cluster/clustererrors"
)

// DiscoveryMode selects how the fleet is enumerated.
type DiscoveryMode string

// Supported discovery modes.
const (
	DiscoveryStatic       DiscoveryMode = "static"
	DiscoveryDNS          DiscoveryMode = "dns"
	DiscoveryOrchestrator DiscoveryMode = "orchestrator"
)

// StrategyName selects the router's selection strategy.
type StrategyName string

// Supported routing strategies.
const (
	StrategyRoundRobin  StrategyName = "roundRobin"
	StrategyLeastLoaded StrategyName = "leastLoaded"
	StrategyCacheAware  StrategyName = "cacheAware"
	StrategyLatency     StrategyName = "latencyBased"
)

// DiscoveryConfig configures node enumeration (spec section 6).
type DiscoveryConfig struct {
	Mode                DiscoveryMode `env:"MODE" envDefault:"static"`
	StaticNodes         []string      `env:"STATIC_NODES" envSeparator:","`
	DNSName             string        `env:"DNS_NAME"`
	// StaticNodesFile optionally names a YAML file of the form
	// `nodes: [url, url, ...]`, read in addition to StaticNodes (env-var
	// form), mirroring the teacher's preference for structured config
	// files alongside flat env vars.
	StaticNodesFile     string        `env:"STATIC_NODES_FILE"`
	DNSPort             int           `env:"DNS_PORT" envDefault:"8000"`
	Namespace           string        `env:"NAMESPACE"`
	ServiceLabel        string        `env:"SERVICE_LABEL"`
	RefreshInterval     time.Duration `env:"REFRESH_INTERVAL_MS" envDefault:"30s"`
	ValidationTimeout   time.Duration `env:"VALIDATION_TIMEOUT_MS" envDefault:"3s"`
}

// HealthConfig configures liveness probing and thresholds (spec section 6).
type HealthConfig struct {
	CheckInterval          time.Duration `env:"CHECK_INTERVAL_MS" envDefault:"10s"`
	Timeout                time.Duration `env:"TIMEOUT_MS" envDefault:"2s"`
	MaxConsecutiveFailures int           `env:"MAX_CONSECUTIVE_FAILURES" envDefault:"3"`
	UnhealthyThreshold     float64       `env:"UNHEALTHY_THRESHOLD" envDefault:"0.5"`
	DegradedThreshold      float64       `env:"DEGRADED_THRESHOLD" envDefault:"0.8"`
	// MinSamplesForDemotion gates success-rate-driven status demotions,
	// resolving the flapping open question in spec.md section 9: below this
	// many qualifying samples in the window, only consecutiveFailures can
	// drive a transition.
	MinSamplesForDemotion int `env:"MIN_SAMPLES_FOR_DEMOTION" envDefault:"5"`
	// MetricsWindow is the rolling window duration used for successRate.
	MetricsWindow time.Duration `env:"METRICS_WINDOW_MS" envDefault:"60s"`
}

// BackoffConfig configures the circuit breaker's recovery backoff schedule.
type BackoffConfig struct {
	InitialDelay time.Duration `env:"INITIAL_DELAY_MS" envDefault:"1s"`
	MaxDelay     time.Duration `env:"MAX_DELAY_MS" envDefault:"60s"`
	Multiplier   float64       `env:"MULTIPLIER" envDefault:"2.0"`
}

// RoutingConfig configures the Router (spec section 6).
type RoutingConfig struct {
	Strategy   StrategyName  `env:"STRATEGY" envDefault:"cacheAware"`
	MaxRetries int           `env:"MAX_RETRIES" envDefault:"2"`
	RetryDelay time.Duration `env:"RETRY_DELAY_MS" envDefault:"200ms"`
	SessionTTL time.Duration `env:"SESSION_TTL_MS" envDefault:"10m"`
	// PreferHealthyOverCacheWarm resolves the open question in spec.md
	// section 9 about whether a Degraded-but-cache-warm node should lose to
	// a Healthy-but-cold one. Default false preserves the reference scoring.
	PreferHealthyOverCacheWarm bool `env:"PREFER_HEALTHY_OVER_CACHE_WARM" envDefault:"false"`
}

// CacheConfig holds the cache section's settings (spec section 6, advisory).
// They are parsed but not read by the router: the cache-aware strategy's
// freshness bonus uses a fixed 60s window, and no hit-rate or size limit
// is applied.
type CacheConfig struct {
	MaxCacheAgeSec    int `env:"MAX_CACHE_AGE_SEC" envDefault:"60"`
	MinCacheHitRate   int `env:"MIN_CACHE_HIT_RATE" envDefault:"0"`
	MaxCacheSizeTokens int `env:"MAX_CACHE_SIZE_TOKENS" envDefault:"0"`
}

// Config is the complete cluster subsystem configuration.
type Config struct {
	Discovery DiscoveryConfig `envPrefix:"CLUSTER_DISCOVERY_"`
	Health    HealthConfig    `envPrefix:"CLUSTER_HEALTH_"`
	Backoff   BackoffConfig   `envPrefix:"CLUSTER_BACKOFF_"`
	Routing   RoutingConfig   `envPrefix:"CLUSTER_ROUTING_"`
	Cache     CacheConfig     `envPrefix:"CLUSTER_CACHE_"`
}

// Load parses the cluster configuration from the environment and validates
// it, the way the teacher's internal/config.Load parses its application
// configuration.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("op=clusterconfig.Load: %w", err)
	}
	if cfg.Discovery.StaticNodesFile != "" {
		fileNodes, err := loadStaticNodesYAML(cfg.Discovery.StaticNodesFile)
		if err != nil {
			return Config{}, fmt.Errorf("op=clusterconfig.Load: %w", err)
		}
		cfg.Discovery.StaticNodes = append(cfg.Discovery.StaticNodes, fileNodes...)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// staticNodesFile is the YAML shape accepted by StaticNodesFile:
//
//	nodes:
//	  - http://10.0.0.1:8000
//	  - http://10.0.0.2:8000
type staticNodesFile struct {
	Nodes []string `yaml:"nodes"`
}

// loadStaticNodesYAML reads and parses a YAML static-node list, the
// structured-config-file alternative to the comma-separated env var.
func loadStaticNodesYAML(path string) ([]string, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read static nodes file %q: %w", path, err)
	}
	var parsed staticNodesFile
	if err := yaml.Unmarshal(raw, &parsed); err != nil {
		return nil, fmt.Errorf("parse static nodes file %q: %w", path, err)
	}
	return parsed.Nodes, nil
}

// Validate rejects negative intervals, zero TTLs, and empty static node
// lists at construction time (spec.md section 6's closing paragraph). These
// are the only errors allowed to escape synchronously, matching the
// "configuration errors are fatal to startup" policy in spec.md section 7.
func (c Config) Validate() error {
	switch c.Discovery.Mode {
	case DiscoveryStatic, DiscoveryDNS, DiscoveryOrchestrator:
	default:
		return fmt.Errorf("%w: discovery mode %q", clustererrors.ErrInvalidConfig, c.Discovery.Mode)
	}
	if c.Discovery.Mode == DiscoveryStatic && len(c.Discovery.StaticNodes) == 0 {
		return fmt.Errorf("%w: static discovery requires at least one node", clustererrors.ErrInvalidConfig)
	}
	if c.Discovery.Mode == DiscoveryDNS && c.Discovery.DNSName == "" {
		return fmt.Errorf("%w: dns discovery requires a dnsName", clustererrors.ErrInvalidConfig)
	}
	if c.Discovery.Mode == DiscoveryOrchestrator && (c.Discovery.Namespace == "" || c.Discovery.ServiceLabel == "") {
		return fmt.Errorf("%w: orchestrator discovery requires namespace and serviceLabel", clustererrors.ErrInvalidConfig)
	}
	if c.Discovery.RefreshInterval <= 0 {
		return fmt.Errorf("%w: discovery.refreshInterval must be positive", clustererrors.ErrInvalidConfig)
	}
	if c.Discovery.ValidationTimeout <= 0 {
		return fmt.Errorf("%w: discovery.validationTimeout must be positive", clustererrors.ErrInvalidConfig)
	}
	if c.Health.CheckInterval <= 0 {
		return fmt.Errorf("%w: health.checkInterval must be positive", clustererrors.ErrInvalidConfig)
	}
	if c.Health.Timeout <= 0 {
		return fmt.Errorf("%w: health.timeout must be positive", clustererrors.ErrInvalidConfig)
	}
	if c.Health.MaxConsecutiveFailures <= 0 {
		return fmt.Errorf("%w: health.maxConsecutiveFailures must be positive", clustererrors.ErrInvalidConfig)
	}
	if c.Health.UnhealthyThreshold < 0 || c.Health.UnhealthyThreshold > 1 {
		return fmt.Errorf("%w: health.unhealthyThreshold must be in [0,1]", clustererrors.ErrInvalidConfig)
	}
	if c.Health.DegradedThreshold < 0 || c.Health.DegradedThreshold > 1 {
		return fmt.Errorf("%w: health.degradedThreshold must be in [0,1]", clustererrors.ErrInvalidConfig)
	}
	if c.Backoff.InitialDelay <= 0 {
		return fmt.Errorf("%w: backoff.initialDelay must be positive", clustererrors.ErrInvalidConfig)
	}
	if c.Backoff.MaxDelay <= 0 {
		return fmt.Errorf("%w: backoff.maxDelay must be positive", clustererrors.ErrInvalidConfig)
	}
	if c.Backoff.Multiplier <= 1 {
		return fmt.Errorf("%w: backoff.multiplier must be > 1", clustererrors.ErrInvalidConfig)
	}
	switch c.Routing.Strategy {
	case StrategyRoundRobin, StrategyLeastLoaded, StrategyCacheAware, StrategyLatency:
	default:
		return fmt.Errorf("%w: routing strategy %q", clustererrors.ErrInvalidConfig, c.Routing.Strategy)
	}
	if c.Routing.SessionTTL <= 0 {
		return fmt.Errorf("%w: routing.sessionTtl must be positive", clustererrors.ErrInvalidConfig)
	}
	if c.Routing.MaxRetries < 0 {
		return fmt.Errorf("%w: routing.maxRetries must be non-negative", clustererrors.ErrInvalidConfig)
	}
	return nil
}
