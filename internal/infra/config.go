package infra

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

// Store drivers.
const (
	StoreDriverPostgres = "postgres"
	StoreDriverMemory   = "memory"
)

// Config holds all application configuration parsed from environment variables.
type Config struct {
	// Database
	DatabaseURL   string `env:"DATABASE_URL"`
	PGHost        string `env:"PGHOST" envDefault:"localhost"`
	PGPort        int    `env:"PGPORT" envDefault:"5432"`
	PGUser        string `env:"PGUSER" envDefault:"rustmap"`
	PGPassword    string `env:"PGPASSWORD" envDefault:"rustmap"`
	PGDatabase    string `env:"PGDATABASE" envDefault:"rustmap"`
	StoreDriver   string `env:"STORE_DRIVER" envDefault:"postgres"`
	RunMigrations bool   `env:"RUN_MIGRATIONS" envDefault:"true"`
	MigrationsDir string `env:"MIGRATIONS_DIR"` // empty: search upward for db/migrations

	// Pool
	PGMaxConns        int32         `env:"PG_MAX_CONNS" envDefault:"10"`
	PGMinConns        int32         `env:"PG_MIN_CONNS" envDefault:"1"`
	PGMaxConnLifetime time.Duration `env:"PG_MAX_CONN_LIFETIME" envDefault:"30m"`
	PGMaxConnIdleTime time.Duration `env:"PG_MAX_CONN_IDLE_TIME" envDefault:"5m"`

	// HTTP
	APIPort            int    `env:"API_PORT" envDefault:"3100"`
	APIRateLimit       int    `env:"API_RATE_LIMIT" envDefault:"120"` // requests per minute per IP, 0 disables
	CORSAllowedOrigins string `env:"CORS_ALLOWED_ORIGINS" envDefault:"*"`
	LogLevel           string `env:"LOG_LEVEL" envDefault:"info"`

	// BattleMetrics feed
	FeedEnabled          bool          `env:"FEED_ENABLED" envDefault:"true"`
	BattleMetricsWSURL   string        `env:"BATTLEMETRICS_WS_URL" envDefault:"wss://ws.battlemetrics.com"`
	BattleMetricsToken   string        `env:"BATTLEMETRICS_TOKEN"`
	BattleMetricsServers []string      `env:"BATTLEMETRICS_SERVERS" envSeparator:","`
	FeedMaxAttempts      int           `env:"FEED_MAX_ATTEMPTS" envDefault:"5"`
	FeedRetryDelay       time.Duration `env:"FEED_RETRY_DELAY" envDefault:"5s"`
	FeedRecoveryInterval time.Duration `env:"FEED_RECOVERY_INTERVAL" envDefault:"5m"`

	// Retention
	RetentionDays             int           `env:"RETENTION_DAYS" envDefault:"0"`
	RetentionScheduleInterval time.Duration `env:"RETENTION_SCHEDULE_INTERVAL" envDefault:"24h"`

	// Kafka / outbox relay
	KafkaBrokers       string        `env:"KAFKA_BROKERS" envDefault:"localhost:9092"`
	KafkaEnabled       bool          `env:"KAFKA_ENABLED" envDefault:"false"`
	KafkaTopicPrefix   string        `env:"KAFKA_TOPIC_PREFIX" envDefault:"rustmap"`
	OutboxPollInterval time.Duration `env:"OUTBOX_POLL_INTERVAL" envDefault:"500ms"`
	OutboxBatchSize    int           `env:"OUTBOX_BATCH_SIZE" envDefault:"100"`
	KafkaBreakerFails  int           `env:"KAFKA_BREAKER_FAILURES" envDefault:"5"`
	KafkaBreakerReset  time.Duration `env:"KAFKA_BREAKER_RESET" envDefault:"30s"`
}

// LoadConfig parses environment variables into a Config struct.
func LoadConfig() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}

// Validate rejects values the services cannot run with.
func (c *Config) Validate() error {
	switch c.StoreDriver {
	case StoreDriverPostgres, StoreDriverMemory:
	default:
		return fmt.Errorf("STORE_DRIVER must be %q or %q, got %q", StoreDriverPostgres, StoreDriverMemory, c.StoreDriver)
	}
	if c.StoreDriver == StoreDriverPostgres {
		if c.PGMaxConns < 1 || c.PGMinConns < 0 || c.PGMinConns > c.PGMaxConns {
			return fmt.Errorf("PG_MIN_CONNS (%d) and PG_MAX_CONNS (%d) need 0 <= min <= max, max >= 1", c.PGMinConns, c.PGMaxConns)
		}
	}
	if c.APIPort <= 0 || c.APIPort > 65535 {
		return fmt.Errorf("API_PORT out of range: %d", c.APIPort)
	}
	if c.APIRateLimit < 0 {
		return fmt.Errorf("API_RATE_LIMIT must not be negative")
	}
	if _, err := parseLevel(c.LogLevel); err != nil {
		return err
	}
	if c.FeedEnabled {
		if c.BattleMetricsWSURL == "" {
			return fmt.Errorf("BATTLEMETRICS_WS_URL is required when FEED_ENABLED=true")
		}
		if c.FeedMaxAttempts < 1 {
			return fmt.Errorf("FEED_MAX_ATTEMPTS must be at least 1")
		}
		if c.FeedRetryDelay <= 0 || c.FeedRecoveryInterval <= 0 {
			return fmt.Errorf("FEED_RETRY_DELAY and FEED_RECOVERY_INTERVAL must be positive")
		}
	}
	if c.RetentionDays < 0 {
		return fmt.Errorf("RETENTION_DAYS must not be negative")
	}
	if c.RetentionDays > 0 && c.RetentionScheduleInterval <= 0 {
		return fmt.Errorf("RETENTION_SCHEDULE_INTERVAL must be positive")
	}
	if c.OutboxBatchSize <= 0 || c.OutboxPollInterval <= 0 {
		return fmt.Errorf("OUTBOX_BATCH_SIZE and OUTBOX_POLL_INTERVAL must be positive")
	}
	if c.KafkaBreakerFails < 1 || c.KafkaBreakerReset <= 0 {
		return fmt.Errorf("KAFKA_BREAKER_FAILURES and KAFKA_BREAKER_RESET must be positive")
	}
	return nil
}

// DSN returns the PostgreSQL connection string, preferring DATABASE_URL if set.
func (c *Config) DSN() string {
	if c.DatabaseURL != "" {
		return c.DatabaseURL
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=disable",
		c.PGUser, c.PGPassword, c.PGHost, c.PGPort, c.PGDatabase)
}

// Servers returns the configured BattleMetrics server ids, trimmed and
// without blanks.
func (c *Config) Servers() []string {
	out := make([]string, 0, len(c.BattleMetricsServers))
	for _, s := range c.BattleMetricsServers {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// SlogLevel maps LOG_LEVEL to a slog level. Call Validate first.
func (c *Config) SlogLevel() slog.Level {
	lvl, _ := parseLevel(c.LogLevel)
	return lvl
}

func parseLevel(s string) (slog.Level, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.TrimSpace(s))); err != nil {
		return slog.LevelInfo, fmt.Errorf("LOG_LEVEL: %w", err)
	}
	return lvl, nil
}
