package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config contains all runtime settings for the memory service.
type Config struct {
	BindAddr         string
	ShutdownTimeout  time.Duration
	MetricsNamespace string

	AllowAnyOrigin bool

	DatabaseURL string

	ThrottleInterval time.Duration
	FlushInterval    time.Duration

	MergeStrategy string

	BreakerFailureThreshold    float64
	BreakerFailureWindow       time.Duration
	BreakerRecoveryTimeout     time.Duration
	BreakerMaxRecoveryAttempts int
	BreakerDisabledCooldown    time.Duration

	TotalTokenBudget       int
	MemoryWarnThreshold    float64
	MemoryDisableThreshold float64

	AlertCooldown time.Duration
}

// Load reads environment variables and applies safe defaults.
func Load() (Config, error) {
	cfg := Config{
		BindAddr:                   envOrDefault("APP_BIND_ADDR", ":8080"),
		MetricsNamespace:           envOrDefault("APP_METRICS_NAMESPACE", "greenroom"),
		AllowAnyOrigin:             false,
		DatabaseURL:                stringsTrimSpace("DATABASE_URL"),
		MergeStrategy:              envOrDefault("MEMORY_MERGE_STRATEGY", "server_wins"),
		ShutdownTimeout:            15 * time.Second,
		ThrottleInterval:           300 * time.Millisecond,
		FlushInterval:              200 * time.Millisecond,
		BreakerFailureThreshold:    3,
		BreakerFailureWindow:       5 * time.Minute,
		BreakerRecoveryTimeout:     30 * time.Second,
		BreakerMaxRecoveryAttempts: 3,
		BreakerDisabledCooldown:    24 * time.Hour,
		TotalTokenBudget:           8000,
		MemoryWarnThreshold:        0.25,
		MemoryDisableThreshold:     0.35,
		AlertCooldown:              15 * time.Minute,
	}
	var err error
	cfg.ShutdownTimeout, err = durationFromEnv("APP_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.ThrottleInterval, err = durationFromEnv("MEMORY_THROTTLE_INTERVAL", cfg.ThrottleInterval)
	if err != nil {
		return Config{}, err
	}
	cfg.FlushInterval, err = durationFromEnv("MEMORY_FLUSH_INTERVAL", cfg.FlushInterval)
	if err != nil {
		return Config{}, err
	}
	cfg.AllowAnyOrigin, err = boolFromEnv("APP_ALLOW_ANY_ORIGIN", cfg.AllowAnyOrigin)
	if err != nil {
		return Config{}, err
	}

	cfg.BreakerFailureThreshold, err = floatFromEnv("BREAKER_FAILURE_THRESHOLD", cfg.BreakerFailureThreshold)
	if err != nil {
		return Config{}, err
	}
	cfg.BreakerFailureWindow, err = durationFromEnv("BREAKER_FAILURE_WINDOW", cfg.BreakerFailureWindow)
	if err != nil {
		return Config{}, err
	}
	cfg.BreakerRecoveryTimeout, err = durationFromEnv("BREAKER_RECOVERY_TIMEOUT", cfg.BreakerRecoveryTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.BreakerMaxRecoveryAttempts, err = intFromEnv("BREAKER_MAX_RECOVERY_ATTEMPTS", cfg.BreakerMaxRecoveryAttempts)
	if err != nil {
		return Config{}, err
	}
	cfg.BreakerDisabledCooldown, err = durationFromEnv("BREAKER_DISABLED_COOLDOWN", cfg.BreakerDisabledCooldown)
	if err != nil {
		return Config{}, err
	}

	cfg.TotalTokenBudget, err = intFromEnv("PROMPT_TOTAL_TOKEN_BUDGET", cfg.TotalTokenBudget)
	if err != nil {
		return Config{}, err
	}
	cfg.MemoryWarnThreshold, err = floatFromEnv("MEMORY_WARN_THRESHOLD", cfg.MemoryWarnThreshold)
	if err != nil {
		return Config{}, err
	}
	cfg.MemoryDisableThreshold, err = floatFromEnv("MEMORY_DISABLE_THRESHOLD", cfg.MemoryDisableThreshold)
	if err != nil {
		return Config{}, err
	}
	cfg.AlertCooldown, err = durationFromEnv("ALERT_COOLDOWN", cfg.AlertCooldown)
	if err != nil {
		return Config{}, err
	}

	if cfg.ThrottleInterval <= 0 {
		return Config{}, fmt.Errorf("MEMORY_THROTTLE_INTERVAL must be positive")
	}
	if cfg.FlushInterval <= 0 {
		return Config{}, fmt.Errorf("MEMORY_FLUSH_INTERVAL must be positive")
	}
	if cfg.BreakerFailureThreshold <= 0 {
		return Config{}, fmt.Errorf("BREAKER_FAILURE_THRESHOLD must be positive")
	}
	if cfg.BreakerMaxRecoveryAttempts <= 0 {
		return Config{}, fmt.Errorf("BREAKER_MAX_RECOVERY_ATTEMPTS must be positive")
	}
	if cfg.TotalTokenBudget <= 0 {
		return Config{}, fmt.Errorf("PROMPT_TOTAL_TOKEN_BUDGET must be positive")
	}
	if cfg.MemoryWarnThreshold <= 0 || cfg.MemoryWarnThreshold >= 1 {
		return Config{}, fmt.Errorf("MEMORY_WARN_THRESHOLD must be in (0, 1)")
	}
	if cfg.MemoryDisableThreshold <= cfg.MemoryWarnThreshold || cfg.MemoryDisableThreshold >= 1 {
		return Config{}, fmt.Errorf("MEMORY_DISABLE_THRESHOLD must be above the warning threshold and below 1")
	}

	return cfg, nil
}

func envOrDefault(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func stringsTrimSpace(key string) string {
	return trimSpace(os.Getenv(key))
}

func trimSpace(v string) string {
	for len(v) > 0 && (v[0] == ' ' || v[0] == '\n' || v[0] == '\t' || v[0] == '\r') {
		v = v[1:]
	}
	for len(v) > 0 {
		c := v[len(v)-1]
		if c == ' ' || c == '\n' || c == '\t' || c == '\r' {
			v = v[:len(v)-1]
			continue
		}
		break
	}
	return v
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func intFromEnv(key string, fallback int) (int, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}

func floatFromEnv(key string, fallback float64) (float64, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return f, nil
}

func boolFromEnv(key string, fallback bool) (bool, error) {
	v := strings.ToLower(stringsTrimSpace(key))
	if v == "" {
		return fallback, nil
	}
	switch v {
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	case "0", "false", "f", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("%s parse error: expected bool", key)
	}
}
