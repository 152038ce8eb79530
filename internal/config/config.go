// Package config loads the backend's runtime configuration from the
// environment. All knobs have defaults except the storage endpoints;
// a missing required value is a fatal startup error (exit 1 in main).
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config is the backend configuration.
type Config struct {
	// Storage and queue.
	DatabaseURL   string
	RedisHost     string
	RedisPort     int
	RedisPassword string

	// HTTP.
	Port        int
	AppBaseURL  string
	CORSOrigins []string

	// Rate limiting: requests per window per tier.
	RateLimits      map[string]int
	RateLimitWindow time.Duration
	DefaultTier     string

	// Pipeline and AI.
	WorkerInterval    time.Duration
	IngestConcurrency int
	AIConcurrency     int
	OrchestratorURL   string
	AICacheTTLDays    int
	RawRetention      time.Duration

	// Email.
	SMTPHost       string
	SMTPPort       int
	SMTPSecure     bool
	SMTPUser       string
	SMTPPass       string
	SMTPFrom       string
	AlertRecipient string

	LogLevel string
}

// FromEnv loads and validates configuration.
func FromEnv() (Config, error) {
	get := func(key string) string { return strings.TrimSpace(os.Getenv(key)) }

	cfg := Config{
		DatabaseURL:   get("DATABASE_URL"),
		RedisHost:     "localhost",
		RedisPort:     6379,
		RedisPassword: get("REDIS_PASSWORD"),

		Port:       8080,
		AppBaseURL: get("APP_BASE_URL"),

		RateLimits: map[string]int{
			"free":       100,
			"basic":      1000,
			"pro":        5000,
			"enterprise": 20000,
		},
		RateLimitWindow: time.Minute,
		DefaultTier:     "free",

		WorkerInterval:    60 * time.Second,
		IngestConcurrency: 10,
		AIConcurrency:     5,
		OrchestratorURL:   get("ATA_ORCHESTRATOR_URL"),
		AICacheTTLDays:    30,
		RawRetention:      7 * 24 * time.Hour,

		SMTPHost:       get("SMTP_HOST"),
		SMTPPort:       587,
		SMTPUser:       get("SMTP_USER"),
		SMTPPass:       get("SMTP_PASS"),
		SMTPFrom:       get("SMTP_FROM"),
		AlertRecipient: get("ALERT_RECIPIENT_EMAIL"),

		LogLevel: get("LOG_LEVEL"),
	}

	if v := get("REDIS_HOST"); v != "" {
		cfg.RedisHost = v
	}
	if v := get("CORS_ORIGINS"); v != "" {
		for _, origin := range strings.Split(v, ",") {
			if origin = strings.TrimSpace(origin); origin != "" {
				cfg.CORSOrigins = append(cfg.CORSOrigins, origin)
			}
		}
	}
	if v := get("RATE_LIMIT_DEFAULT_TIER"); v != "" {
		cfg.DefaultTier = v
	}

	var err error
	if cfg.RedisPort, err = envInt("REDIS_PORT", cfg.RedisPort, 1); err != nil {
		return Config{}, err
	}
	if cfg.Port, err = envInt("PORT", cfg.Port, 1); err != nil {
		return Config{}, err
	}
	if cfg.SMTPPort, err = envInt("SMTP_PORT", cfg.SMTPPort, 1); err != nil {
		return Config{}, err
	}
	if cfg.SMTPSecure, err = envBool("SMTP_SECURE", false); err != nil {
		return Config{}, err
	}
	if cfg.AICacheTTLDays, err = envInt("AI_CACHE_TTL_DAYS", cfg.AICacheTTLDays, 1); err != nil {
		return Config{}, err
	}
	for tier := range cfg.RateLimits {
		key := "RATE_LIMIT_" + strings.ToUpper(tier)
		if cfg.RateLimits[tier], err = envInt(key, cfg.RateLimits[tier], 1); err != nil {
			return Config{}, err
		}
	}
	if v := get("WORKER_INTERVAL_MS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return Config{}, errors.New("WORKER_INTERVAL_MS must be a positive integer")
		}
		cfg.WorkerInterval = time.Duration(n) * time.Millisecond
	}

	if cfg.DatabaseURL == "" {
		return Config{}, errors.New("DATABASE_URL is required")
	}
	if _, ok := cfg.RateLimits[cfg.DefaultTier]; !ok {
		return Config{}, fmt.Errorf("RATE_LIMIT_DEFAULT_TIER %q is not a known tier", cfg.DefaultTier)
	}

	return cfg, nil
}

// RedisAddr returns the host:port address for the shared Redis connection.
func (c Config) RedisAddr() string {
	return fmt.Sprintf("%s:%d", c.RedisHost, c.RedisPort)
}

func envInt(key string, def, min int) (int, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < min {
		return 0, fmt.Errorf("%s must be an integer >= %d", key, min)
	}
	return n, nil
}

func envBool(key string, def bool) (bool, error) {
	v := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	if v == "" {
		return def, nil
	}
	switch v {
	case "1", "true", "yes", "on":
		return true, nil
	case "0", "false", "no", "off":
		return false, nil
	}
	return false, fmt.Errorf("%s must be a boolean", key)
}
