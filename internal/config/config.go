package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	// HTTP Server
	Port      string
	RateLimit int

	// Logging
	LogLevel  string
	LogFormat string

	// Remote ledger
	LedgerBaseURL      string
	LedgerTimeout      time.Duration
	LedgerHeavyTimeout time.Duration

	// Response cache
	CacheBackend    string
	CacheTTL        time.Duration
	CacheLiveTTL    time.Duration
	CacheMaxEntries int
	RedisAddr       string

	// Decision journal
	JournalDBPath string

	// AMQP
	AMQPURL      string
	AMQPExchange string
	AMQPQueue    string

	// Bulk operations
	BulkConcurrency int
}

func Load() *Config {
	cfg := &Config{
		Port:      getEnv("PORT", "8081"),
		RateLimit: getEnvInt("RATE_LIMIT_PER_MINUTE", 120),

		LogLevel:  getEnv("LOG_LEVEL", "info"),
		LogFormat: getEnv("LOG_FORMAT", "text"),

		LedgerBaseURL:      getEnv("LEDGER_BASE_URL", "http://localhost:8000/api"),
		LedgerTimeout:      getEnvDuration("LEDGER_TIMEOUT", 15*time.Second),
		LedgerHeavyTimeout: getEnvDuration("LEDGER_HEAVY_TIMEOUT", 30*time.Second),

		CacheBackend:    getEnv("CACHE_BACKEND", "memory"),
		CacheTTL:        getEnvDuration("CACHE_TTL", 30*time.Second),
		CacheLiveTTL:    getEnvDuration("CACHE_LIVE_TTL", 10*time.Second),
		CacheMaxEntries: getEnvInt("CACHE_MAX_ENTRIES", 256),
		RedisAddr:       getEnv("REDIS_ADDR", "127.0.0.1:6379"),

		JournalDBPath: getEnv("JOURNAL_DB_PATH", "./data/journal.db"),

		AMQPURL:      getEnv("AMQP_URL", ""),
		AMQPExchange: getEnv("AMQP_EXCHANGE", "economat"),
		AMQPQueue:    getEnv("AMQP_QUEUE", "ledger_events"),

		BulkConcurrency: getEnvInt("BULK_CONCURRENCY", 4),
	}

	return cfg
}

// Validate validates the configuration and returns an error if invalid
func (c *Config) Validate() error {
	var errors []string

	if port, err := strconv.Atoi(c.Port); err != nil {
		errors = append(errors, fmt.Sprintf("invalid port '%s': must be a number", c.Port))
	} else if port < 1 || port > 65535 {
		errors = append(errors, fmt.Sprintf("invalid port %d: must be between 1 and 65535", port))
	}

	if c.RateLimit < 1 {
		errors = append(errors, fmt.Sprintf("invalid rate limit %d: must be at least 1 request per minute", c.RateLimit))
	}

	switch strings.ToLower(c.LogFormat) {
	case "text", "json":
	default:
		errors = append(errors, fmt.Sprintf("invalid log format '%s': must be 'text' or 'json'", c.LogFormat))
	}

	if c.LedgerBaseURL == "" {
		errors = append(errors, "ledger base URL cannot be empty")
	} else if parsedURL, err := url.Parse(c.LedgerBaseURL); err != nil {
		errors = append(errors, fmt.Sprintf("invalid ledger base URL '%s': %v", c.LedgerBaseURL, err))
	} else if parsedURL.Scheme != "http" && parsedURL.Scheme != "https" {
		errors = append(errors, fmt.Sprintf("invalid ledger base URL scheme '%s': must be 'http' or 'https'", parsedURL.Scheme))
	}

	if c.LedgerTimeout < time.Second || c.LedgerTimeout > 2*time.Minute {
		errors = append(errors, fmt.Sprintf("invalid ledger timeout %v: must be between 1s and 2m", c.LedgerTimeout))
	}
	if c.LedgerHeavyTimeout < c.LedgerTimeout {
		errors = append(errors, fmt.Sprintf("invalid ledger heavy timeout %v: must be at least the standard timeout %v", c.LedgerHeavyTimeout, c.LedgerTimeout))
	}

	validBackends := []string{"memory", "redis"}
	isValidBackend := false
	for _, backend := range validBackends {
		if c.CacheBackend == backend {
			isValidBackend = true
			break
		}
	}
	if !isValidBackend {
		errors = append(errors, fmt.Sprintf("invalid cache backend '%s': must be one of %v", c.CacheBackend, validBackends))
	}
	if c.CacheBackend == "redis" && c.RedisAddr == "" {
		errors = append(errors, "Redis address is required when using redis cache backend")
	}
	if c.CacheTTL <= 0 || c.CacheLiveTTL <= 0 {
		errors = append(errors, "cache TTLs must be positive")
	} else if c.CacheLiveTTL > c.CacheTTL {
		errors = append(errors, fmt.Sprintf("invalid live cache TTL %v: must not exceed default TTL %v", c.CacheLiveTTL, c.CacheTTL))
	}
	if c.CacheMaxEntries < 1 {
		errors = append(errors, fmt.Sprintf("invalid cache size %d: must be at least 1", c.CacheMaxEntries))
	}

	if c.JournalDBPath != "" {
		dir := filepath.Dir(c.JournalDBPath)
		if dir != "." && dir != "" {
			if _, err := os.Stat(dir); os.IsNotExist(err) {
				if err := os.MkdirAll(dir, 0755); err != nil {
					errors = append(errors, fmt.Sprintf("cannot create journal database directory '%s': %v", dir, err))
				}
			}
		}
	}

	if c.AMQPURL != "" {
		if parsedURL, err := url.Parse(c.AMQPURL); err != nil {
			errors = append(errors, fmt.Sprintf("invalid AMQP URL '%s': %v", c.AMQPURL, err))
		} else if parsedURL.Scheme != "amqp" && parsedURL.Scheme != "amqps" {
			errors = append(errors, fmt.Sprintf("invalid AMQP URL scheme '%s': must be 'amqp' or 'amqps'", parsedURL.Scheme))
		}
		if c.AMQPExchange == "" {
			errors = append(errors, "AMQP exchange name cannot be empty when AMQP URL is provided")
		}
		if c.AMQPQueue == "" {
			errors = append(errors, "AMQP queue name cannot be empty when AMQP URL is provided")
		}
	}

	if c.BulkConcurrency < 1 || c.BulkConcurrency > 64 {
		errors = append(errors, fmt.Sprintf("invalid bulk concurrency %d: must be between 1 and 64", c.BulkConcurrency))
	}

	if len(errors) > 0 {
		return fmt.Errorf("configuration validation failed:\n- %s", strings.Join(errors, "\n- "))
	}

	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
