package config

import (
	"fmt"
	"time"

	"go.uber.org/zap"
)

// Config is the full agentmesh configuration.
type Config struct {
	// Log controls the zap logger.
	Log LogConfig `yaml:"log" env:"LOG"`

	// Dispatch configures the message dispatchers.
	Dispatch DispatchConfig `yaml:"dispatch" env:"DISPATCH"`

	// Resilience configures circuit breakers and retry defaults.
	Resilience ResilienceConfig `yaml:"resilience" env:"RESILIENCE"`

	// Workflow configures the graph executors.
	Workflow WorkflowConfig `yaml:"workflow" env:"WORKFLOW"`

	// Store configures optional persistence.
	Store StoreConfig `yaml:"store" env:"STORE"`

	// Metrics configures the Prometheus collector.
	Metrics MetricsConfig `yaml:"metrics" env:"METRICS"`

	// External lists bridged external agents. Only settable via YAML.
	External []ExternalAgentConfig `yaml:"external" env:"-"`
}

// LogConfig controls logging output.
type LogConfig struct {
	// Level: debug, info, warn, error.
	Level string `yaml:"level" env:"LEVEL"`
	// Format: json or console.
	Format string `yaml:"format" env:"FORMAT"`
}

// DispatchConfig configures the dispatch layer.
type DispatchConfig struct {
	// Mode: local, distributed, or auto.
	Mode string `yaml:"mode" env:"MODE"`
	// RedisURL is the redis:// connection string for distributed mode.
	RedisURL string `yaml:"redis_url" env:"REDIS_URL"`
	// StreamPrefix namespaces every stream key.
	StreamPrefix string `yaml:"stream_prefix" env:"STREAM_PREFIX"`
	// Group is the consumer group name.
	Group string `yaml:"group" env:"GROUP"`
	// ConsumerName identifies this process in the group. Empty means a
	// generated name.
	ConsumerName string `yaml:"consumer_name" env:"CONSUMER_NAME"`
	// BlockTimeout bounds each blocking stream read.
	BlockTimeout time.Duration `yaml:"block_timeout" env:"BLOCK_TIMEOUT"`
	// ClaimMinIdle is how long an entry sits pending before another
	// consumer may claim it.
	ClaimMinIdle time.Duration `yaml:"claim_min_idle" env:"CLAIM_MIN_IDLE"`
	// MaxRetries bounds deliveries before an entry moves to the DLQ.
	MaxRetries int `yaml:"max_retries" env:"MAX_RETRIES"`
	// ResponseTimeout bounds request/response waits.
	ResponseTimeout time.Duration `yaml:"response_timeout" env:"RESPONSE_TIMEOUT"`
}

// ResilienceConfig configures breaker and retry defaults.
type ResilienceConfig struct {
	// FailureThreshold opens a breaker after this many consecutive failures.
	FailureThreshold int `yaml:"failure_threshold" env:"FAILURE_THRESHOLD"`
	// RecoveryTimeout is how long an open breaker waits before probing.
	RecoveryTimeout time.Duration `yaml:"recovery_timeout" env:"RECOVERY_TIMEOUT"`
	// SuccessThreshold closes a half-open breaker after this many successes.
	SuccessThreshold int `yaml:"success_threshold" env:"SUCCESS_THRESHOLD"`
	// Retry is the default retry policy.
	Retry RetryConfig `yaml:"retry" env:"RETRY"`
}

// RetryConfig configures the default retry policy.
type RetryConfig struct {
	MaxAttempts     int           `yaml:"max_attempts" env:"MAX_ATTEMPTS"`
	BaseDelay       time.Duration `yaml:"base_delay" env:"BASE_DELAY"`
	MaxDelay        time.Duration `yaml:"max_delay" env:"MAX_DELAY"`
	ExponentialBase float64       `yaml:"exponential_base" env:"EXPONENTIAL_BASE"`
}

// WorkflowConfig configures graph execution.
type WorkflowConfig struct {
	// MaxCycles is the agent-step ceiling per run.
	MaxCycles int `yaml:"max_cycles" env:"MAX_CYCLES"`
}

// StoreConfig configures optional persistence.
type StoreConfig struct {
	// Driver: "", "memory", or "sqlite". Empty disables persistence.
	Driver string `yaml:"driver" env:"DRIVER"`
	// DSN is the sqlite path, ":memory:" for ephemeral.
	DSN string `yaml:"dsn" env:"DSN"`
}

// MetricsConfig configures the Prometheus collector.
type MetricsConfig struct {
	Enabled   bool   `yaml:"enabled" env:"ENABLED"`
	Namespace string `yaml:"namespace" env:"NAMESPACE"`
	// Addr is the listen address of the /metrics endpoint.
	Addr string `yaml:"addr" env:"ADDR"`
}

// ExternalAgentConfig describes one bridged external agent.
type ExternalAgentConfig struct {
	AgentID           string        `yaml:"agent_id"`
	Endpoint          string        `yaml:"endpoint"`
	Timeout           time.Duration `yaml:"timeout"`
	AuthType          string        `yaml:"auth_type"`
	BearerToken       string        `yaml:"bearer_token"`
	TokenURL          string        `yaml:"token_url"`
	ClientID          string        `yaml:"client_id"`
	ClientSecret      string        `yaml:"client_secret"`
	Scope             string        `yaml:"scope"`
	RequestsPerSecond float64       `yaml:"requests_per_second"`
}

// DefaultConfig returns the baseline configuration every load starts from.
func DefaultConfig() *Config {
	return &Config{
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Dispatch: DispatchConfig{
			Mode:            "auto",
			RedisURL:        "redis://localhost:6379/0",
			StreamPrefix:    "agentmesh",
			Group:           "agentmesh-workers",
			BlockTimeout:    2 * time.Second,
			ClaimMinIdle:    30 * time.Second,
			MaxRetries:      3,
			ResponseTimeout: 5 * time.Second,
		},
		Resilience: ResilienceConfig{
			FailureThreshold: 5,
			RecoveryTimeout:  30 * time.Second,
			SuccessThreshold: 2,
			Retry: RetryConfig{
				MaxAttempts:     3,
				BaseDelay:       time.Second,
				MaxDelay:        30 * time.Second,
				ExponentialBase: 2,
			},
		},
		Workflow: WorkflowConfig{
			MaxCycles: 50,
		},
		Metrics: MetricsConfig{
			Enabled:   true,
			Namespace: "agentmesh",
			Addr:      ":9090",
		},
	}
}

// BuildLogger constructs a zap logger from the log settings.
func (c *Config) BuildLogger() (*zap.Logger, error) {
	var zc zap.Config
	if c.Log.Format == "console" {
		zc = zap.NewDevelopmentConfig()
	} else {
		zc = zap.NewProductionConfig()
	}

	level, err := zap.ParseAtomicLevel(c.Log.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", c.Log.Level, err)
	}
	zc.Level = level

	return zc.Build()
}
