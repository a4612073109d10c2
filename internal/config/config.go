// Package config defines configuration parsing and helpers.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v10"
)

// Config holds all application configuration parsed from environment variables.
type Config struct {
	AppEnv string `env:"APP_ENV" envDefault:"dev"`
	Port   int    `env:"PORT" envDefault:"8080"`
	// MetricsPort is the worker's dedicated Prometheus endpoint.
	MetricsPort int `env:"METRICS_PORT" envDefault:"9090"`

	DatabaseURL string `env:"DATABASE_URL,required"`

	// EventBusProjectID namespaces topic and consumer-group names so
	// several deployments can share one cluster.
	EventBusProjectID string   `env:"EVENT_BUS_PROJECT_ID,required"`
	EventBusBrokers   []string `env:"EVENT_BUS_BROKERS" envSeparator:"," envDefault:"localhost:19092"`
	// EventBusEmulatorHost overrides the broker list with a single local
	// endpoint for development.
	EventBusEmulatorHost string `env:"EVENT_BUS_EMULATOR_HOST"`

	// Pool sizing
	PoolMinConns       int           `env:"DB_POOL_MIN" envDefault:"2"`
	PoolMaxConns       int           `env:"DB_POOL_MAX" envDefault:"10"`
	AcquireTimeout     time.Duration `env:"DB_ACQUIRE_TIMEOUT" envDefault:"5s"`
	SlowQueryThreshold time.Duration `env:"DB_SLOW_QUERY_THRESHOLD" envDefault:"500ms"`
	LeakThreshold      time.Duration `env:"DB_LEAK_THRESHOLD" envDefault:"30s"`

	// Circuit breaker
	BreakerErrorThreshold int           `env:"DB_BREAKER_ERROR_THRESHOLD" envDefault:"5"`
	BreakerResetTimeout   time.Duration `env:"DB_BREAKER_RESET_TIMEOUT" envDefault:"30s"`

	// Lifecycle monitor
	StallTimeout    time.Duration `env:"JOB_STALL_TIMEOUT" envDefault:"2m"`
	ReclaimInterval time.Duration `env:"JOB_RECLAIM_INTERVAL" envDefault:"30s"`

	// Retry policy (defaults; per-type overrides via RetryPolicyFile)
	RetryMaxRetries   int           `env:"RETRY_MAX_RETRIES" envDefault:"3"`
	RetryInitialDelay time.Duration `env:"RETRY_INITIAL_DELAY" envDefault:"2s"`
	RetryMaxDelay     time.Duration `env:"RETRY_MAX_DELAY" envDefault:"30s"`
	RetryMultiplier   float64       `env:"RETRY_MULTIPLIER" envDefault:"2.0"`
	RetryJitter       bool          `env:"RETRY_JITTER" envDefault:"true"`
	RetryPolicyFile   string        `env:"RETRY_POLICY_FILE"`

	// Worker
	SafetyRetries           int           `env:"WORKER_SAFETY_RETRIES" envDefault:"2"`
	AgentTimeout            time.Duration `env:"AGENT_TIMEOUT" envDefault:"5m"`
	VideoGenerationTimeout  time.Duration `env:"VIDEO_GENERATION_TIMEOUT" envDefault:"15m"`
	ProjectClaimConcurrency int           `env:"PROJECT_CLAIM_CONCURRENCY" envDefault:"4"`

	// Lock leases
	ProjectLockLease time.Duration `env:"PROJECT_LOCK_LEASE" envDefault:"30s"`
	EntityLockLease  time.Duration `env:"ENTITY_LOCK_LEASE" envDefault:"10s"`

	// Retention
	JobRetentionDays int           `env:"JOB_RETENTION_DAYS" envDefault:"30"`
	CleanupInterval  time.Duration `env:"CLEANUP_INTERVAL" envDefault:"24h"`

	// Ops HTTP
	RateLimitPerMin       int           `env:"RATE_LIMIT_PER_MIN" envDefault:"60"`
	CORSAllowOrigins      string        `env:"CORS_ALLOW_ORIGINS" envDefault:"*"`
	ServerShutdownTimeout time.Duration `env:"SERVER_SHUTDOWN_TIMEOUT" envDefault:"30s"`

	OTLPEndpoint    string `env:"OTEL_EXPORTER_OTLP_ENDPOINT" envDefault:""`
	OTELServiceName string `env:"OTEL_SERVICE_NAME" envDefault:"ai-video-orchestrator"`
}

// Load parses environment variables into a Config.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("op=config.Load: %w", err)
	}
	return cfg, nil
}

// Brokers resolves the effective bus endpoints; the emulator host wins.
func (c Config) Brokers() []string {
	if c.EventBusEmulatorHost != "" {
		return []string{c.EventBusEmulatorHost}
	}
	return c.EventBusBrokers
}

// IsDev reports whether the app is running in development mode.
func (c Config) IsDev() bool { return strings.ToLower(c.AppEnv) == "dev" }

// IsProd reports whether the app is running in production mode.
func (c Config) IsProd() bool { return strings.ToLower(c.AppEnv) == "prod" }

// IsTest reports whether the app is running in test mode.
func (c Config) IsTest() bool { return strings.ToLower(c.AppEnv) == "test" }
