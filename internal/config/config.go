// Package config loads daemon configuration from the environment.
package config

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/sethvargo/go-envconfig"
)

// Config is the full daemon configuration. DBDSN empty means the
// in-memory store, which is only suitable for development.
type Config struct {
	Addr string `env:"ADDR, default=:8080"`

	DBDSN string `env:"DB_DSN"`

	NATSURL string `env:"NATS_URL"`

	ArchiveBucket string `env:"ARCHIVE_BUCKET"`
	ArchiveDir    string `env:"ARCHIVE_DIR"`

	OTLPEndpoint string `env:"OTLP_ENDPOINT"`

	CORSOrigins []string `env:"CORS_ORIGINS, default=*"`

	RulesFile string `env:"SUSPICION_RULES_FILE"`

	// APIKeys maps bearer keys to organization IDs, as
	// "key1=org1,key2=org2".
	APIKeys map[string]string `env:"API_KEYS"`

	RetentionDays int `env:"RETENTION_DAYS, default=2555"`

	DeadLetterCapacity int           `env:"DEAD_LETTER_CAPACITY, default=1024"`
	DeadLetterRetry    time.Duration `env:"DEAD_LETTER_RETRY_INTERVAL, default=30s"`

	RatePerMinute int `env:"RATE_LIMIT_PER_MINUTE, default=300"`

	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT, default=15s"`
}

// Load reads configuration from the process environment.
func Load(ctx context.Context) (*Config, error) {
	var cfg Config
	if err := envconfig.Process(ctx, &cfg); err != nil {
		return nil, fmt.Errorf("process environment: %w", err)
	}
	if cfg.RetentionDays <= 0 {
		return nil, fmt.Errorf("RETENTION_DAYS must be positive, got %d", cfg.RetentionDays)
	}
	return &cfg, nil
}

// OrgForKey resolves a bearer key to an organization ID.
func (c *Config) OrgForKey(key string) (string, bool) {
	key = strings.TrimSpace(key)
	if key == "" {
		return "", false
	}
	org, ok := c.APIKeys[key]
	return org, ok
}
