// Package config loads service configuration from the environment and an
// optional .env file.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Port        string `mapstructure:"PORT"`
	Env         string `mapstructure:"ENV"`
	LogLevel    string `mapstructure:"LOG_LEVEL"`
	ServiceName string `mapstructure:"SERVICE_NAME"`

	DatabaseURL string `mapstructure:"DATABASE_URL"`
	DBMaxConns  int32  `mapstructure:"DB_MAX_CONNS"`
	DBMinConns  int32  `mapstructure:"DB_MIN_CONNS"`

	RedisURL     string        `mapstructure:"REDIS_URL"`
	CodeCacheTTL time.Duration `mapstructure:"CODE_CACHE_TTL"`

	KafkaBrokers     []string `mapstructure:"KAFKA_BROKERS"`
	ClaimEventsTopic string   `mapstructure:"CLAIM_EVENTS_TOPIC"`
	ConsumerGroup    string   `mapstructure:"CONSUMER_GROUP"`

	OutboxBatchSize    int           `mapstructure:"OUTBOX_BATCH_SIZE"`
	OutboxPollInterval time.Duration `mapstructure:"OUTBOX_POLL_INTERVAL"`
	OutboxMaxRetries   int           `mapstructure:"OUTBOX_MAX_RETRIES"`

	AMQPURL           string `mapstructure:"AMQP_URL"`
	NotificationQueue string `mapstructure:"NOTIFICATION_QUEUE"`
	NotifierWorkers   int    `mapstructure:"NOTIFIER_WORKERS"`

	ClaimNumberAttempts int `mapstructure:"CLAIM_NUMBER_ATTEMPTS"`
	TransitionAttempts  int `mapstructure:"TRANSITION_ATTEMPTS"`

	APIKeys         []string `mapstructure:"API_KEYS"`
	CORSOrigins     []string `mapstructure:"CORS_ORIGINS"`
	RateLimitRPS    int      `mapstructure:"RATE_LIMIT_RPS"`
	OTLPEndpoint    string   `mapstructure:"OTLP_ENDPOINT"`
	TraceSampleRate float64  `mapstructure:"TRACE_SAMPLE_RATE"`
}

var keys = []string{
	"PORT", "ENV", "LOG_LEVEL", "SERVICE_NAME",
	"DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS",
	"REDIS_URL", "CODE_CACHE_TTL",
	"KAFKA_BROKERS", "CLAIM_EVENTS_TOPIC", "CONSUMER_GROUP",
	"OUTBOX_BATCH_SIZE", "OUTBOX_POLL_INTERVAL", "OUTBOX_MAX_RETRIES",
	"AMQP_URL", "NOTIFICATION_QUEUE", "NOTIFIER_WORKERS",
	"CLAIM_NUMBER_ATTEMPTS", "TRANSITION_ATTEMPTS",
	"API_KEYS", "CORS_ORIGINS", "RATE_LIMIT_RPS", "OTLP_ENDPOINT", "TRACE_SAMPLE_RATE",
}

// Load reads configuration for the named service. serviceName is the default
// for SERVICE_NAME.
func Load(serviceName string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	v.SetDefault("PORT", "8080")
	v.SetDefault("ENV", "development")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("SERVICE_NAME", serviceName)
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 2)
	v.SetDefault("CODE_CACHE_TTL", "10m")
	v.SetDefault("KAFKA_BROKERS", "localhost:9092")
	v.SetDefault("CLAIM_EVENTS_TOPIC", "claims.events")
	v.SetDefault("CONSUMER_GROUP", "claims-notifier")
	v.SetDefault("OUTBOX_BATCH_SIZE", 100)
	v.SetDefault("OUTBOX_POLL_INTERVAL", "100ms")
	v.SetDefault("OUTBOX_MAX_RETRIES", 5)
	v.SetDefault("NOTIFICATION_QUEUE", "claim.notifications")
	v.SetDefault("NOTIFIER_WORKERS", 8)
	v.SetDefault("CLAIM_NUMBER_ATTEMPTS", 5)
	v.SetDefault("TRANSITION_ATTEMPTS", 3)
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("RATE_LIMIT_RPS", 100)
	v.SetDefault("TRACE_SAMPLE_RATE", 0.1)

	for _, k := range keys {
		_ = v.BindEnv(k)
	}

	// Missing .env is fine.
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	cfg.KafkaBrokers = splitList(cfg.KafkaBrokers, v.GetString("KAFKA_BROKERS"))
	cfg.APIKeys = splitList(cfg.APIKeys, v.GetString("API_KEYS"))
	cfg.CORSOrigins = splitList(cfg.CORSOrigins, v.GetString("CORS_ORIGINS"))

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	return cfg, nil
}

func splitList(parsed []string, raw string) []string {
	if len(parsed) == 0 && raw != "" {
		parsed = strings.Split(raw, ",")
	}
	out := parsed[:0]
	for _, s := range parsed {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the service is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// APIKeySet maps each configured API key to a client label.
// Entries are "key" or "key:client".
func (c *Config) APIKeySet() map[string]string {
	out := make(map[string]string, len(c.APIKeys))
	for i, entry := range c.APIKeys {
		key, client, ok := strings.Cut(entry, ":")
		if !ok || client == "" {
			client = fmt.Sprintf("client-%d", i+1)
		}
		out[key] = client
	}
	return out
}

// ValidateAPI is Validate plus the checks that only apply to the HTTP API.
func (c *Config) ValidateAPI() error {
	if c.IsProduction() && len(c.APIKeys) == 0 {
		return fmt.Errorf("API_KEYS is required in production")
	}
	return c.Validate()
}

// Validate checks that the configuration is safe to run.
func (c *Config) Validate() error {
	if c.DBMinConns > c.DBMaxConns {
		return fmt.Errorf("DB_MIN_CONNS (%d) exceeds DB_MAX_CONNS (%d)", c.DBMinConns, c.DBMaxConns)
	}
	if c.TraceSampleRate < 0 || c.TraceSampleRate > 1 {
		return fmt.Errorf("TRACE_SAMPLE_RATE must be within [0,1], got %v", c.TraceSampleRate)
	}
	if c.ClaimNumberAttempts < 1 || c.TransitionAttempts < 1 {
		return fmt.Errorf("CLAIM_NUMBER_ATTEMPTS and TRANSITION_ATTEMPTS must be at least 1")
	}
	if len(c.KafkaBrokers) == 0 {
		return fmt.Errorf("KAFKA_BROKERS is required")
	}
	return nil
}
