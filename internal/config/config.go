package config

import (
	"fmt"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

const (
	DefaultPort = 19841
	DefaultHost = "localhost"

	DefaultFileWriteDelay = 150 * time.Millisecond // small delay to ensure the file write is complete
	DefaultReloadDebounce = 500 * time.Millisecond
)

// DefaultConfig returns a configuration with sensible defaults, grounded in
// the values a single local backend needs to work out of the box.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            DefaultHost,
			Port:            DefaultPort,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 10 * time.Second,
			RequestLimits: ServerRequestLimits{
				MaxBodySize:   100 << 20,
				MaxHeaderSize: 1 << 20,
			},
			RateLimits: ServerRateLimits{
				GlobalRequestsPerMinute: 0,
				PerIPRequestsPerMinute:  0,
				BurstSize:               50,
				HealthRequestsPerMinute: 0,
				CleanupInterval:         5 * time.Minute,
				TrustedProxyCIDRs:       []string{"127.0.0.0/8", "10.0.0.0/8", "172.16.0.0/12", "192.168.0.0/16"},
			},
		},
		Proxy: ProxyConfig{
			ConnectionTimeout: 30 * time.Second,  // quick connection/request timeout
			ResponseTimeout:   10 * time.Minute,  // long response timeout for LLMs
			ReadTimeout:       120 * time.Second, // between response chunks
			MaxRetries:        3,
			RetryBackoff:      500 * time.Millisecond,
			LoadBalancer:      "weighted",
			StreamBufferSize:  32 * 1024,
			CredentialHeader:  "X-Api-Key",
		},
		Breaker: BreakerConfig{
			FailureThreshold:       5,
			SuccessThreshold:       2,
			OpenDuration:           30 * time.Second,
			MaxOpenDuration:        5 * time.Minute,
			HalfOpenMaxRequests:    1,
			ErrorRateSmoothing:     0.2,
			MinRequestsForAdaptive: 10,
		},
		Recovery: RecoveryConfig{
			BaseProbeTimeout:      5 * time.Second,
			MinProbeTimeout:       2 * time.Second,
			MaxProbeTimeout:       60 * time.Second,
			ProbeInterval:         10 * time.Second,
			MaxConcurrentProbes:   4,
			ProgressiveBackoffCap: 8,
		},
		Retry: RetryConfig{
			MaxRetriesPerServer:  3,
			RetryDelay:           200 * time.Millisecond,
			BackoffMultiplier:    2.0,
			MaxRetryDelay:        5 * time.Second,
			RetryableStatusCodes: []int{408, 429, 502, 503, 504},
		},
		Metrics: MetricsConfig{
			ReservoirSize:       1000,
			HalfLife:            5 * time.Minute,
			MinDecayFactor:      0.01,
			RollupInterval:      10 * time.Second,
			DecisionHistorySize: 1000,
			RequestHistorySize:  500,
		},
		Queue: QueueConfig{
			Capacity:      1000,
			DefaultWait:   60 * time.Second,
			AgingInterval: 1 * time.Second,
			AgingBoost:    0.01,
			MaxPriority:   13, // domain.QueuePriorityCritical (3) plus aging headroom
		},
		Balancer: BalancerConfig{
			Algorithm:           "weighted",
			LatencyWeight:       0.3,
			SuccessRateWeight:   0.3,
			LoadWeight:          0.2,
			CapacityWeight:      0.1,
			StreamingTTFTWeight: 0.1,
		},
		Persistence: PersistenceConfig{
			Enabled:      true,
			Directory:    "./data",
			DebounceWait: 2 * time.Second,
		},
		Discovery: DiscoveryConfig{
			Type:            "static",
			RefreshInterval: 30 * time.Second,
			Static: StaticDiscoveryConfig{
				Endpoints: []EndpointConfig{
					{
						Name:           "local",
						URL:            "http://localhost:11434",
						Priority:       100,
						MaxConcurrency: 4,
						HealthCheckURL: "http://localhost:11434/",
						CheckInterval:  5 * time.Second,
						CheckTimeout:   2 * time.Second,
					},
				},
			},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
	}
}

// Load reads configuration from file and environment variables, then
// begins watching the backing file for changes. onConfigChange, if
// non-nil, fires after a debounce window once a new file has settled.
func Load(onConfigChange func()) (*Config, error) {
	cfg := DefaultConfig()

	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")

	viper.SetEnvPrefix("OLLA")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		if configFile := os.Getenv("OLLA_CONFIG_FILE"); configFile != "" {
			viper.SetConfigFile(configFile)
			if err := viper.ReadInConfig(); err != nil {
				return nil, fmt.Errorf("error reading config file %s: %w", configFile, err)
			}
		}
	}

	if err := viper.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}

	viper.WatchConfig()

	if onConfigChange != nil {
		var (
			reloadMutex sync.Mutex
			lastReload  time.Time
		)
		viper.OnConfigChange(func(_ fsnotify.Event) {
			reloadMutex.Lock()
			defer reloadMutex.Unlock()

			now := time.Now()
			if now.Sub(lastReload) < DefaultReloadDebounce {
				return // ignore rapid-fire duplicate events
			}
			lastReload = now

			// editors and some filesystems deliver the write event before
			// the file is fully flushed
			time.Sleep(DefaultFileWriteDelay)
			onConfigChange()
		})
	}
	return cfg, nil
}

// Loader owns the live *Config behind an atomic pointer: reload swaps the
// pointer to a freshly decoded Config, it never mutates the struct a
// request path already holds a reference to.
type Loader struct {
	current atomic.Pointer[Config]
	onReload []func(*Config)
	mu       sync.Mutex
}

// NewLoader loads the initial configuration and wires the Viper watch to
// swap the atomic pointer and fan out to any registered reload callbacks.
func NewLoader() (*Loader, error) {
	l := &Loader{}
	cfg, err := Load(l.reload)
	if err != nil {
		return nil, err
	}
	l.current.Store(cfg)
	return l, nil
}

// Current returns the presently active configuration. Safe for concurrent
// use; the returned pointer is never mutated in place.
func (l *Loader) Current() *Config {
	return l.current.Load()
}

// OnReload registers a callback invoked, in registration order, after each
// successful reload with the newly active Config.
func (l *Loader) OnReload(fn func(*Config)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.onReload = append(l.onReload, fn)
}

func (l *Loader) reload() {
	cfg := DefaultConfig()
	if err := viper.Unmarshal(cfg); err != nil {
		// a bad edit leaves the previous config live, never falls back to zero values
		return
	}
	l.current.Store(cfg)

	l.mu.Lock()
	callbacks := make([]func(*Config), len(l.onReload))
	copy(callbacks, l.onReload)
	l.mu.Unlock()

	for _, cb := range callbacks {
		cb(cfg)
	}
}
