package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

const minAdminTokenLen = 24

// Config holds all configuration for the coursegen server and CLI.
type Config struct {
	Server     ServerConfig
	Database   DatabaseConfig
	Redis      RedisConfig
	Generation GenerationConfig
	Jobs       JobsConfig
	Quota      QuotaConfig
	Tracing    TracingConfig
}

type ServerConfig struct {
	Port               int
	Env                string
	AdminToken         string
	RateLimitPerMinute int
}

type DatabaseConfig struct {
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	MigrationsDir   string
}

type RedisConfig struct {
	URL string
}

type GenerationConfig struct {
	Provider string
	// Timeout is the hard wall-clock deadline of one generation call.
	Timeout time.Duration
	OpenAI  OpenAIConfig
}

type OpenAIConfig struct {
	APIKey  string
	Model   string
	BaseURL string
}

// JobsConfig tunes the job lifecycle: processing, recovery and estimation.
type JobsConfig struct {
	PersistTimeout      time.Duration
	SweepStaleness      time.Duration
	SweepInterval       time.Duration
	HeartbeatInterval   time.Duration
	MaxAttempts         int
	DispatchInterval    time.Duration
	DispatchConcurrency int
	ReprocessDelay      time.Duration
	EstimatePending     time.Duration
	EstimateProcessing  time.Duration
}

type QuotaConfig struct {
	FreeTierGenerations int
}

type TracingConfig struct {
	Endpoint    string
	ServiceName string
}

var validProviders = map[string]bool{
	"openai": true,
	"mock":   true,
}

// Load reads configuration from environment variables and returns a validated Config.
// Returns an error with a descriptive message if any required value is missing or invalid.
func Load() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Port:               envInt("COURSEGEN_PORT", 8080),
			Env:                envString("COURSEGEN_ENV", "development"),
			AdminToken:         os.Getenv("ADMIN_API_TOKEN"),
			RateLimitPerMinute: envInt("RATE_LIMIT_PER_MINUTE", 60),
		},
		Database: loadDatabase(),
		Redis: RedisConfig{
			URL: os.Getenv("REDIS_URL"),
		},
		Generation: GenerationConfig{
			Provider: os.Getenv("GENERATION_PROVIDER"),
			Timeout:  envDurationSecs("GENERATION_TIMEOUT_SECS", 300*time.Second),
			OpenAI: OpenAIConfig{
				APIKey:  os.Getenv("OPENAI_API_KEY"),
				Model:   envString("OPENAI_MODEL", "gpt-4o-mini"),
				BaseURL: envString("OPENAI_BASE_URL", "https://api.openai.com/v1"),
			},
		},
		Jobs: JobsConfig{
			PersistTimeout:      envDuration("PERSIST_TIMEOUT", 15*time.Second),
			SweepStaleness:      envDuration("SWEEP_STALENESS", 4*time.Minute),
			SweepInterval:       envDuration("SWEEP_INTERVAL", time.Minute),
			HeartbeatInterval:   envDuration("JOB_HEARTBEAT_INTERVAL", time.Minute),
			MaxAttempts:         envInt("JOB_MAX_ATTEMPTS", 3),
			DispatchInterval:    envDuration("DISPATCH_INTERVAL", 2*time.Second),
			DispatchConcurrency: envInt("DISPATCH_CONCURRENCY", 2),
			ReprocessDelay:      envDuration("REPROCESS_DELAY", 2*time.Second),
			EstimatePending:     envDuration("ESTIMATE_PENDING", 2*time.Minute),
			EstimateProcessing:  envDuration("ESTIMATE_PROCESSING", 90*time.Second),
		},
		Quota: QuotaConfig{
			FreeTierGenerations: envInt("FREE_TIER_GENERATIONS", 3),
		},
		Tracing: TracingConfig{
			Endpoint:    os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
			ServiceName: envString("OTEL_SERVICE_NAME", "coursegen"),
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// LoadDatabase reads only the database settings. Used by CLI commands that never
// touch Redis or the generation engine.
func LoadDatabase() (DatabaseConfig, error) {
	db := loadDatabase()
	if db.URL == "" {
		return db, fmt.Errorf("DATABASE_URL is required")
	}
	return db, nil
}

func loadDatabase() DatabaseConfig {
	return DatabaseConfig{
		URL:             os.Getenv("DATABASE_URL"),
		MaxOpenConns:    envInt("DATABASE_MAX_OPEN_CONNS", 25),
		MaxIdleConns:    envInt("DATABASE_MAX_IDLE_CONNS", 5),
		ConnMaxLifetime: envDuration("DATABASE_CONN_MAX_LIFETIME", 5*time.Minute),
		MigrationsDir:   envString("DATABASE_MIGRATIONS_DIR", "migrations"),
	}
}

func (c *Config) validate() error {
	if c.Database.URL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}

	if c.Redis.URL == "" {
		return fmt.Errorf("REDIS_URL is required")
	}

	if len(c.Server.AdminToken) < minAdminTokenLen {
		return fmt.Errorf("ADMIN_API_TOKEN is required and must be at least %d characters", minAdminTokenLen)
	}

	if c.Generation.Provider == "" {
		return fmt.Errorf("GENERATION_PROVIDER is required")
	}
	if !validProviders[c.Generation.Provider] {
		return fmt.Errorf("GENERATION_PROVIDER must be one of openai, mock; got %q", c.Generation.Provider)
	}
	if c.Generation.Provider == "openai" {
		if c.Generation.OpenAI.APIKey == "" {
			return fmt.Errorf("OPENAI_API_KEY is required when GENERATION_PROVIDER is openai")
		}
		if !strings.HasPrefix(c.Generation.OpenAI.BaseURL, "http://") && !strings.HasPrefix(c.Generation.OpenAI.BaseURL, "https://") {
			return fmt.Errorf("OPENAI_BASE_URL must start with http:// or https://, got %q", c.Generation.OpenAI.BaseURL)
		}
	}
	if c.Generation.Timeout <= 0 {
		return fmt.Errorf("GENERATION_TIMEOUT_SECS must be positive")
	}

	if c.Jobs.SweepStaleness <= 0 {
		return fmt.Errorf("SWEEP_STALENESS must be positive")
	}
	if c.Jobs.HeartbeatInterval < 0 || c.Jobs.HeartbeatInterval >= c.Jobs.SweepStaleness {
		return fmt.Errorf("JOB_HEARTBEAT_INTERVAL must be between 0 and SWEEP_STALENESS (%s), got %s",
			c.Jobs.SweepStaleness, c.Jobs.HeartbeatInterval)
	}
	if c.Jobs.MaxAttempts < 1 {
		return fmt.Errorf("JOB_MAX_ATTEMPTS must be at least 1, got %d", c.Jobs.MaxAttempts)
	}
	if c.Jobs.DispatchConcurrency < 1 {
		return fmt.Errorf("DISPATCH_CONCURRENCY must be at least 1, got %d", c.Jobs.DispatchConcurrency)
	}

	if c.Quota.FreeTierGenerations < 0 {
		return fmt.Errorf("FREE_TIER_GENERATIONS must not be negative")
	}

	return nil
}

func envString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func envDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}

func envDurationSecs(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	secs, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return time.Duration(secs) * time.Second
}
