package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/Netflix/go-env"
)

type Config struct {
	DatabaseDSN string `env:"DATABASE_DSN,required=true"`
	RedisURL    string `env:"REDIS_URL"`

	BotToken  string `env:"ADMIN_BOT_TOKEN"`
	ChatID    int64  `env:"ADMIN_CHAT_ID"`
	Enabled   bool   `env:"ADMIN_NOTIFY_ENABLED,default=true"`
	APIURL    string `env:"TELEGRAM_API_URL,default=https://api.telegram.org"`
	ParseMode string `env:"TELEGRAM_PARSE_MODE,default=Markdown"`

	RateLimitPerMin     int `env:"ADMIN_NOTIFY_RATE_LIMIT_PER_MIN,default=20"`
	MinErrorIntervalSec int `env:"ADMIN_NOTIFY_MIN_ERROR_INTERVAL_SEC,default=180"`
	MaxRetry            int `env:"ADMIN_MAX_RETRY,default=10"`
	BackoffBaseSec      int `env:"ADMIN_BACKOFF_BASE,default=10"`
	BackoffCeilingSec   int `env:"ADMIN_BACKOFF_CEILING,default=600"`

	WorkerBatchSize       int `env:"WORKER_BATCH_SIZE,default=20"`
	WorkerPollIntervalSec int `env:"WORKER_POLL_INTERVAL_SEC,default=5"`
	WorkerBatchPauseMS    int `env:"WORKER_BATCH_PAUSE_MS,default=1000"`

	TransportMaxRetries   int     `env:"TRANSPORT_MAX_RETRIES,default=3"`
	TransportRetryBaseMS  int     `env:"TRANSPORT_RETRY_BASE_MS,default=1000"`
	TransportTimeoutSec   int     `env:"TRANSPORT_TIMEOUT_SEC,default=30"`
	TransportMaxPerSecond float64 `env:"TRANSPORT_MAX_PER_SEC,default=1"`

	SuppressedStatus   string `env:"SUPPRESSED_STATUS,default=sent"`
	PermanentFailsFast bool   `env:"PERMANENT_FAILS_FAST,default=true"`

	APIPort  int    `env:"API_PORT,default=8080"`
	LogLevel string `env:"LOG_LEVEL,default=info"`
}

func Load() (*Config, error) {
	var cfg Config
	_, err := env.UnmarshalFromEnviron(&cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the knobs. Bot credentials are only required while the
// relay is enabled.
func (c *Config) Validate() error {
	if c.Enabled {
		if strings.TrimSpace(c.BotToken) == "" {
			return fmt.Errorf("invalid config: ADMIN_BOT_TOKEN is required when ADMIN_NOTIFY_ENABLED is true")
		}
		if c.ChatID == 0 {
			return fmt.Errorf("invalid config: ADMIN_CHAT_ID is required when ADMIN_NOTIFY_ENABLED is true")
		}
	}

	positive := []struct {
		name  string
		value int
	}{
		{"ADMIN_NOTIFY_RATE_LIMIT_PER_MIN", c.RateLimitPerMin},
		{"ADMIN_MAX_RETRY", c.MaxRetry},
		{"ADMIN_BACKOFF_BASE", c.BackoffBaseSec},
		{"ADMIN_BACKOFF_CEILING", c.BackoffCeilingSec},
		{"WORKER_BATCH_SIZE", c.WorkerBatchSize},
		{"WORKER_POLL_INTERVAL_SEC", c.WorkerPollIntervalSec},
		{"WORKER_BATCH_PAUSE_MS", c.WorkerBatchPauseMS},
		{"TRANSPORT_RETRY_BASE_MS", c.TransportRetryBaseMS},
		{"TRANSPORT_TIMEOUT_SEC", c.TransportTimeoutSec},
		{"API_PORT", c.APIPort},
	}
	for _, p := range positive {
		if p.value <= 0 {
			return fmt.Errorf("invalid config: %s must be positive, got %d", p.name, p.value)
		}
	}

	if c.MinErrorIntervalSec < 0 {
		return fmt.Errorf("invalid config: ADMIN_NOTIFY_MIN_ERROR_INTERVAL_SEC must not be negative")
	}
	if c.TransportMaxRetries < 0 {
		return fmt.Errorf("invalid config: TRANSPORT_MAX_RETRIES must not be negative")
	}
	if c.TransportMaxPerSecond < 0 {
		return fmt.Errorf("invalid config: TRANSPORT_MAX_PER_SEC must not be negative")
	}
	if c.BackoffCeilingSec < c.BackoffBaseSec {
		return fmt.Errorf("invalid config: ADMIN_BACKOFF_CEILING must be at least ADMIN_BACKOFF_BASE")
	}

	switch strings.ToLower(strings.TrimSpace(c.SuppressedStatus)) {
	case "sent", "suppressed":
	default:
		return fmt.Errorf("invalid config: SUPPRESSED_STATUS must be sent or suppressed, got %q", c.SuppressedStatus)
	}

	switch strings.ToLower(strings.TrimSpace(c.ParseMode)) {
	case "markdown", "markdownv2", "html":
	default:
		return fmt.Errorf("invalid config: TELEGRAM_PARSE_MODE must be Markdown, MarkdownV2 or HTML, got %q", c.ParseMode)
	}

	return nil
}

func (c *Config) MinErrorInterval() time.Duration {
	return time.Duration(c.MinErrorIntervalSec) * time.Second
}

func (c *Config) BackoffBase() time.Duration {
	return time.Duration(c.BackoffBaseSec) * time.Second
}

func (c *Config) BackoffCeiling() time.Duration {
	return time.Duration(c.BackoffCeilingSec) * time.Second
}

func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.WorkerPollIntervalSec) * time.Second
}

func (c *Config) BatchPause() time.Duration {
	return time.Duration(c.WorkerBatchPauseMS) * time.Millisecond
}

func (c *Config) TransportRetryBase() time.Duration {
	return time.Duration(c.TransportRetryBaseMS) * time.Millisecond
}

func (c *Config) TransportTimeout() time.Duration {
	return time.Duration(c.TransportTimeoutSec) * time.Second
}
