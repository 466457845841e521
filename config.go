package mcpclient

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// ServerConfig names one remote server the client should connect to.
type ServerConfig struct {
	// Name is the logical server name used for namespacing and health tracking.
	Name string `mapstructure:"name"`
	// Endpoint is the server's URL.
	Endpoint string `mapstructure:"endpoint"`
	// Headers are opaque headers attached to every request, typically for
	// authentication.
	Headers map[string]string `mapstructure:"headers"`
}

// Config holds every recognized runtime option. Values load from a YAML file,
// MCP_CLIENT_* environment overrides, and defaults, in that priority order.
type Config struct {
	// ClientName and ClientVersion identify this client during the handshake.
	ClientName    string `mapstructure:"client_name"`
	ClientVersion string `mapstructure:"client_version"`

	// HeartbeatInterval is the cadence of the per-server heartbeat loop;
	// HeartbeatTimeout bounds each probe.
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	HeartbeatTimeout  time.Duration `mapstructure:"heartbeat_timeout"`

	// Circuit breaker thresholds and open-state timeout.
	BreakerFailureThreshold int           `mapstructure:"breaker_failure_threshold"`
	BreakerSuccessThreshold int           `mapstructure:"breaker_success_threshold"`
	BreakerOpenTimeout      time.Duration `mapstructure:"breaker_open_timeout"`

	// Retry policy for the transport decorator.
	RetryMaxAttempts  int           `mapstructure:"retry_max_attempts"`
	RetryBaseDelay    time.Duration `mapstructure:"retry_base_delay"`
	RetryMaxDelay     time.Duration `mapstructure:"retry_max_delay"`
	RetryJitterFactor float64       `mapstructure:"retry_jitter_factor"`

	// Message queue bound and minimum spacing between dequeues.
	QueueMaxSize   int           `mapstructure:"queue_max_size"`
	QueueRateLimit time.Duration `mapstructure:"queue_rate_limit"`

	// ResourceCacheTTL is the default TTL for cached resource reads.
	ResourceCacheTTL time.Duration `mapstructure:"resource_cache_ttl"`

	// DispatcherWorkers sizes the dispatcher's worker pool.
	DispatcherWorkers int `mapstructure:"dispatcher_workers"`

	// RequestTimeout is the default deadline for requests without one.
	RequestTimeout time.Duration `mapstructure:"request_timeout"`

	// Servers to connect to at startup.
	Servers []ServerConfig `mapstructure:"servers"`
}

// DefaultConfig returns the configuration used when no file or environment
// override is present.
func DefaultConfig() Config {
	return Config{
		ClientName:              "mcpclient",
		ClientVersion:           "0.1.0",
		HeartbeatInterval:       30 * time.Second,
		HeartbeatTimeout:        10 * time.Second,
		BreakerFailureThreshold: 5,
		BreakerSuccessThreshold: 2,
		BreakerOpenTimeout:      30 * time.Second,
		RetryMaxAttempts:        3,
		RetryBaseDelay:          500 * time.Millisecond,
		RetryMaxDelay:           30 * time.Second,
		RetryJitterFactor:       0.1,
		QueueMaxSize:            256,
		ResourceCacheTTL:        5 * time.Minute,
		DispatcherWorkers:       4,
		RequestTimeout:          30 * time.Second,
	}
}

// LoadConfig reads configuration from the given YAML file path, overlaid with
// MCP_CLIENT_* environment variables, on top of defaults. An empty path skips
// the file; a missing file at a non-empty path is tolerated the same way so a
// fresh install runs on defaults.
func LoadConfig(path string) (Config, error) {
	v := viper.New()
	setConfigDefaults(v)

	v.SetEnvPrefix("MCP_CLIENT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return Config{}, fmt.Errorf("read config %s: %w", path, err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func setConfigDefaults(v *viper.Viper) {
	def := DefaultConfig()
	v.SetDefault("client_name", def.ClientName)
	v.SetDefault("client_version", def.ClientVersion)
	v.SetDefault("heartbeat_interval", def.HeartbeatInterval)
	v.SetDefault("heartbeat_timeout", def.HeartbeatTimeout)
	v.SetDefault("breaker_failure_threshold", def.BreakerFailureThreshold)
	v.SetDefault("breaker_success_threshold", def.BreakerSuccessThreshold)
	v.SetDefault("breaker_open_timeout", def.BreakerOpenTimeout)
	v.SetDefault("retry_max_attempts", def.RetryMaxAttempts)
	v.SetDefault("retry_base_delay", def.RetryBaseDelay)
	v.SetDefault("retry_max_delay", def.RetryMaxDelay)
	v.SetDefault("retry_jitter_factor", def.RetryJitterFactor)
	v.SetDefault("queue_max_size", def.QueueMaxSize)
	v.SetDefault("queue_rate_limit", def.QueueRateLimit)
	v.SetDefault("resource_cache_ttl", def.ResourceCacheTTL)
	v.SetDefault("dispatcher_workers", def.DispatcherWorkers)
	v.SetDefault("request_timeout", def.RequestTimeout)
}

// Validate fails fast on values no component can run with.
func (c Config) Validate() error {
	var errs []error
	if c.HeartbeatInterval <= 0 {
		errs = append(errs, fmt.Errorf("heartbeat_interval must be positive, got %s", c.HeartbeatInterval))
	}
	if c.HeartbeatTimeout <= 0 {
		errs = append(errs, fmt.Errorf("heartbeat_timeout must be positive, got %s", c.HeartbeatTimeout))
	}
	if c.BreakerFailureThreshold < 1 {
		errs = append(errs, fmt.Errorf("breaker_failure_threshold must be at least 1, got %d", c.BreakerFailureThreshold))
	}
	if c.BreakerSuccessThreshold < 1 {
		errs = append(errs, fmt.Errorf("breaker_success_threshold must be at least 1, got %d", c.BreakerSuccessThreshold))
	}
	if c.BreakerOpenTimeout <= 0 {
		errs = append(errs, fmt.Errorf("breaker_open_timeout must be positive, got %s", c.BreakerOpenTimeout))
	}
	if c.RetryMaxAttempts < 1 {
		errs = append(errs, fmt.Errorf("retry_max_attempts must be at least 1, got %d", c.RetryMaxAttempts))
	}
	if c.RetryBaseDelay < 0 || c.RetryMaxDelay < 0 {
		errs = append(errs, fmt.Errorf("retry delays must not be negative"))
	}
	if c.RetryJitterFactor < 0 || c.RetryJitterFactor > 1 {
		errs = append(errs, fmt.Errorf("retry_jitter_factor must be in [0, 1], got %g", c.RetryJitterFactor))
	}
	if c.QueueMaxSize < 1 {
		errs = append(errs, fmt.Errorf("queue_max_size must be at least 1, got %d", c.QueueMaxSize))
	}
	if c.DispatcherWorkers < 1 {
		errs = append(errs, fmt.Errorf("dispatcher_workers must be at least 1, got %d", c.DispatcherWorkers))
	}
	for i, srv := range c.Servers {
		if srv.Name == "" || srv.Endpoint == "" {
			errs = append(errs, fmt.Errorf("servers[%d] requires a name and an endpoint", i))
		}
	}
	return errors.Join(errs...)
}

// RetryPolicy returns the retry policy section as the transport type.
func (c Config) RetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:  c.RetryMaxAttempts,
		BaseDelay:    c.RetryBaseDelay,
		MaxDelay:     c.RetryMaxDelay,
		JitterFactor: c.RetryJitterFactor,
	}
}

// BreakerConfig returns the circuit breaker section as the breaker type.
func (c Config) BreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: c.BreakerFailureThreshold,
		SuccessThreshold: c.BreakerSuccessThreshold,
		OpenTimeout:      c.BreakerOpenTimeout,
	}
}

// ClientOptions bridges the config into the client's functional options.
func (c Config) ClientOptions() []ClientOption {
	return []ClientOption{
		WithClientInfo(Info{Name: c.ClientName, Version: c.ClientVersion}),
		WithClientHeartbeat(c.HeartbeatInterval, c.HeartbeatTimeout),
		WithClientBreakerConfig(c.BreakerConfig()),
		WithClientRetryPolicy(c.RetryPolicy()),
		WithClientQueue(c.QueueMaxSize, c.QueueRateLimit),
		WithClientResourceCacheTTL(c.ResourceCacheTTL),
		WithClientDispatcherWorkers(c.DispatcherWorkers),
		WithClientRequestTimeout(c.RequestTimeout),
	}
}
