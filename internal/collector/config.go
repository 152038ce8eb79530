package collector

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds the collector's runtime configuration, loaded from the
// environment. Required fields are validated by FromEnv; a bad value is a
// fatal startup error.
type Config struct {
	APIURL string
	APIKey string

	UDPEnabled bool
	UDPBind    string
	UDPPort    int
	TCPEnabled bool
	TCPBind    string
	TCPPort    int

	HealthPort int

	BatchSize     int
	FlushInterval time.Duration
	MaxBufferSize int

	MaxRetries         int
	RetryBaseDelay     time.Duration
	RetryMaxDelay      time.Duration
	RetryCheckInterval time.Duration

	CollectorName string
	SiteID        string
	LogLevel      string
}

// FromEnv loads configuration from the environment, applying defaults and
// validating required fields.
func FromEnv() (Config, error) {
	get := func(key string) string { return strings.TrimSpace(os.Getenv(key)) }

	cfg := Config{
		APIURL: get("CENTINELA_API_URL"),
		APIKey: get("CENTINELA_API_KEY"),

		UDPEnabled: true,
		UDPBind:    "0.0.0.0",
		UDPPort:    5514,
		TCPEnabled: true,
		TCPBind:    "0.0.0.0",
		TCPPort:    5514,

		HealthPort: 8081,

		BatchSize:     100,
		FlushInterval: 5 * time.Second,
		MaxBufferSize: 10000,

		MaxRetries:         3,
		RetryBaseDelay:     time.Second,
		RetryMaxDelay:      60 * time.Second,
		RetryCheckInterval: 5 * time.Second,

		CollectorName: get("COLLECTOR_NAME"),
		SiteID:        get("SITE_ID"),
		LogLevel:      get("LOG_LEVEL"),
	}

	var err error
	if cfg.UDPEnabled, err = envBool("UDP_ENABLED", cfg.UDPEnabled); err != nil {
		return Config{}, err
	}
	if cfg.TCPEnabled, err = envBool("TCP_ENABLED", cfg.TCPEnabled); err != nil {
		return Config{}, err
	}
	if v := get("UDP_BIND"); v != "" {
		cfg.UDPBind = v
	}
	if v := get("TCP_BIND"); v != "" {
		cfg.TCPBind = v
	}
	if cfg.UDPPort, err = envInt("UDP_PORT", cfg.UDPPort, 1); err != nil {
		return Config{}, err
	}
	if cfg.TCPPort, err = envInt("TCP_PORT", cfg.TCPPort, 1); err != nil {
		return Config{}, err
	}
	if cfg.HealthPort, err = envInt("HEALTH_PORT", cfg.HealthPort, 1); err != nil {
		return Config{}, err
	}
	if cfg.BatchSize, err = envInt("BATCH_SIZE", cfg.BatchSize, 1); err != nil {
		return Config{}, err
	}
	if cfg.MaxBufferSize, err = envInt("MAX_BUFFER_SIZE", cfg.MaxBufferSize, 1); err != nil {
		return Config{}, err
	}
	if cfg.MaxRetries, err = envInt("MAX_RETRIES", cfg.MaxRetries, 0); err != nil {
		return Config{}, err
	}
	if cfg.FlushInterval, err = envMS("FLUSH_INTERVAL_MS", cfg.FlushInterval); err != nil {
		return Config{}, err
	}
	if cfg.RetryBaseDelay, err = envMS("RETRY_BASE_DELAY_MS", cfg.RetryBaseDelay); err != nil {
		return Config{}, err
	}
	if cfg.RetryMaxDelay, err = envMS("RETRY_MAX_DELAY_MS", cfg.RetryMaxDelay); err != nil {
		return Config{}, err
	}
	if cfg.RetryCheckInterval, err = envMS("RETRY_CHECK_INTERVAL_MS", cfg.RetryCheckInterval); err != nil {
		return Config{}, err
	}

	if cfg.APIURL == "" {
		return Config{}, errors.New("CENTINELA_API_URL is required")
	}
	if cfg.APIKey == "" {
		return Config{}, errors.New("CENTINELA_API_KEY is required")
	}
	if !cfg.UDPEnabled && !cfg.TCPEnabled {
		return Config{}, errors.New("at least one of UDP_ENABLED or TCP_ENABLED must be true")
	}

	if cfg.CollectorName == "" {
		hostname, _ := os.Hostname()
		if hostname == "" {
			hostname = "collector"
		}
		cfg.CollectorName = hostname
	}

	cfg.APIURL = strings.TrimRight(cfg.APIURL, "/")
	return cfg, nil
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

func envMS(key string, def time.Duration) (time.Duration, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("%s must be a positive integer (milliseconds)", key)
	}
	return time.Duration(n) * time.Millisecond, nil
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
