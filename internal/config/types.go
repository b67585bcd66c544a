package config

import (
	"net"
	"time"
)

// Config holds all configuration for the application.
type Config struct {
	Logging     LoggingConfig     `yaml:"logging"`
	Discovery   DiscoveryConfig   `yaml:"discovery"`
	Server      ServerConfig      `yaml:"server"`
	Proxy       ProxyConfig       `yaml:"proxy"`
	Breaker     BreakerConfig     `yaml:"breaker"`
	Recovery    RecoveryConfig    `yaml:"recovery"`
	Retry       RetryConfig       `yaml:"retry"`
	Metrics     MetricsConfig     `yaml:"metrics"`
	Queue       QueueConfig       `yaml:"queue"`
	Balancer    BalancerConfig    `yaml:"balancer"`
	Persistence PersistenceConfig `yaml:"persistence"`
	Engineering EngineeringConfig `yaml:"engineering"`
}

// RetryConfig tunes the Orchestrator's phase-3 same-server retry:
// exponential backoff bounded by MaxRetryDelay, only applied to errors
// classified retryable/transient whose HTTP status (if any) is in
// RetryableStatusCodes.
type RetryConfig struct {
	MaxRetriesPerServer  int           `yaml:"max_retries_per_server"`
	RetryDelay           time.Duration `yaml:"retry_delay"`
	BackoffMultiplier    float64       `yaml:"backoff_multiplier"`
	MaxRetryDelay        time.Duration `yaml:"max_retry_delay"`
	RetryableStatusCodes []int         `yaml:"retryable_status_codes"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host            string              `yaml:"host"`
	Port            int                 `yaml:"port"`
	ReadTimeout     time.Duration       `yaml:"read_timeout"`
	WriteTimeout    time.Duration       `yaml:"write_timeout"`
	ShutdownTimeout time.Duration       `yaml:"shutdown_timeout"`
	RequestLimits   ServerRequestLimits `yaml:"request_limits"`
	RateLimits      ServerRateLimits    `yaml:"rate_limits"`
}

// ServerRequestLimits defines request size and validation limits.
type ServerRequestLimits struct {
	MaxBodySize   int64 `yaml:"max_body_size"`
	MaxHeaderSize int64 `yaml:"max_header_size"`
}

// ServerRateLimits defines rate limiting configuration.
type ServerRateLimits struct {
	GlobalRequestsPerMinute int           `yaml:"global_requests_per_minute"`
	PerIPRequestsPerMinute  int           `yaml:"per_ip_requests_per_minute"`
	BurstSize               int           `yaml:"burst_size"`
	HealthRequestsPerMinute int           `yaml:"health_requests_per_minute"`
	CleanupInterval         time.Duration `yaml:"cleanup_interval"`
	IPExtractionTrustProxy  bool          `yaml:"ip_extraction_trust_proxy"`
	TrustProxyHeaders       bool          `yaml:"trust_proxy_headers"`
	TrustedProxyCIDRs       []string      `yaml:"trusted_proxy_cidrs"`
	TrustedProxyCIDRsParsed []*net.IPNet  `yaml:"-"`
}

// ProxyConfig holds proxy-specific configuration.
type ProxyConfig struct {
	LoadBalancer      string        `yaml:"load_balancer"`
	ConnectionTimeout time.Duration `yaml:"connection_timeout"`
	ResponseTimeout   time.Duration `yaml:"response_timeout"`
	ReadTimeout       time.Duration `yaml:"read_timeout"`
	MaxRetries        int           `yaml:"max_retries"`
	RetryBackoff      time.Duration `yaml:"retry_backoff"`
	StreamBufferSize  int           `yaml:"stream_buffer_size"`
	CredentialHeader  string        `yaml:"credential_header"`
}

// BreakerConfig tunes the two-level circuit breaker.
type BreakerConfig struct {
	FailureThreshold       int           `yaml:"failure_threshold"`
	SuccessThreshold       int           `yaml:"success_threshold"`
	OpenDuration           time.Duration `yaml:"open_duration"`
	MaxOpenDuration        time.Duration `yaml:"max_open_duration"`
	HalfOpenMaxRequests    int           `yaml:"half_open_max_requests"`
	ErrorRateSmoothing     float64       `yaml:"error_rate_smoothing"`
	MinRequestsForAdaptive int           `yaml:"min_requests_for_adaptive"`
}

// RecoveryConfig tunes the active-recovery coordinator.
type RecoveryConfig struct {
	BaseProbeTimeout      time.Duration `yaml:"base_probe_timeout"`
	MinProbeTimeout       time.Duration `yaml:"min_probe_timeout"`
	MaxProbeTimeout       time.Duration `yaml:"max_probe_timeout"`
	ProbeInterval         time.Duration `yaml:"probe_interval"`
	MaxConcurrentProbes   int           `yaml:"max_concurrent_probes"`
	ProgressiveBackoffCap int           `yaml:"progressive_backoff_cap"`
}

// MetricsConfig tunes the rolling-window aggregator.
type MetricsConfig struct {
	ReservoirSize       int           `yaml:"reservoir_size"`
	HalfLife            time.Duration `yaml:"half_life"`
	MinDecayFactor      float64       `yaml:"min_decay_factor"`
	RollupInterval      time.Duration `yaml:"rollup_interval"`
	DecisionHistorySize int           `yaml:"decision_history_size"`
	RequestHistorySize  int           `yaml:"request_history_size"`

	// Extraction configures the JSONPath-driven backend metrics extractor
	// (internal/adapter/metrics). Disabled by default: most backends don't
	// report token/timing metadata in a stable shape worth parsing. Mirrors
	// domain.MetricsExtractionConfig's shape without importing domain, to
	// avoid a config<->domain import cycle (domain.EndpointRepository
	// already takes a config.EndpointConfig).
	Extraction MetricsExtractionConfig `yaml:"extraction"`
}

// MetricsExtractionConfig configures the JSONPath/header-based metrics
// extractor. Converted to domain.MetricsExtractionConfig at wiring time.
type MetricsExtractionConfig struct {
	Paths        map[string]string `yaml:"paths"`
	Calculations map[string]string `yaml:"calculations"`
	Headers      map[string]string `yaml:"headers,omitempty"`
	Source       string            `yaml:"source"`
	Format       string            `yaml:"format"`
	Enabled      bool              `yaml:"enabled"`
}

// QueueConfig tunes the bounded priority request queue.
type QueueConfig struct {
	Capacity      int           `yaml:"capacity"`
	DefaultWait   time.Duration `yaml:"default_wait"`
	AgingInterval time.Duration `yaml:"aging_interval"`
	AgingBoost    float64       `yaml:"aging_boost"`
	MaxPriority   float64       `yaml:"max_priority"`
}

// BalancerConfig tunes the default weighted-composite selector.
type BalancerConfig struct {
	Algorithm           string  `yaml:"algorithm"`
	LatencyWeight       float64 `yaml:"latency_weight"`
	SuccessRateWeight   float64 `yaml:"success_rate_weight"`
	LoadWeight          float64 `yaml:"load_weight"`
	CapacityWeight      float64 `yaml:"capacity_weight"`
	StreamingTTFTWeight float64 `yaml:"streaming_ttft_weight"`
}

// PersistenceConfig tunes the debounced snapshot writer.
type PersistenceConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Directory    string        `yaml:"directory"`
	DebounceWait time.Duration `yaml:"debounce_wait"`
}

// DiscoveryConfig holds service discovery configuration.
type DiscoveryConfig struct {
	Type            string                `yaml:"type"` // only "static" is implemented
	Static          StaticDiscoveryConfig `yaml:"static"`
	RefreshInterval time.Duration         `yaml:"refresh_interval"`
}

// StaticDiscoveryConfig holds static endpoint configuration.
type StaticDiscoveryConfig struct {
	Endpoints []EndpointConfig `yaml:"endpoints"`
}

// EndpointConfig holds configuration for one backend.
type EndpointConfig struct {
	Name             string        `yaml:"name"`
	URL              string        `yaml:"url"`
	HealthCheckURL   string        `yaml:"health_check_url"`
	ModelURL         string        `yaml:"model_url"`
	LoadedModelsURL  string        `yaml:"loaded_models_url"`
	VersionURL       string        `yaml:"version_url"`
	CredentialHeader string        `yaml:"credential_header"`
	CredentialValue  string        `yaml:"credential_value"`
	Priority         int           `yaml:"priority"`
	MaxConcurrency   int           `yaml:"max_concurrency"`
	CheckInterval    time.Duration `yaml:"check_interval"`
	CheckTimeout     time.Duration `yaml:"check_timeout"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// EngineeringConfig holds development/debugging configuration.
type EngineeringConfig struct {
	ShowNerdStats bool `yaml:"show_nerdstats"`
}
