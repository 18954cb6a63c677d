// Package config handles daemon configuration from environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all daemon configuration.
type Config struct {
	// Server
	ListenAddr string // HTTP API listen address
	APIToken   string // bearer token callers must provide

	// Storage
	DatabasePath string

	// Push gateway
	PushGatewayURL string
	PushGatewayKey string

	// Identity
	OwnerID string // owner recorded on job history rows

	// Behavior
	MilestoneThresholds []int         // progress milestones, ascending
	StaleJobAfter       time.Duration // 0 disables the stale-job watchdog
	LiveDismissAfter    time.Duration // grace period on terminal live updates
	LogLevel            string        // debug, info, warn, error

	// Hub connection tuning
	ReconnectBase       time.Duration
	ReconnectCap        time.Duration
	ReconnectMaxRetries int
	RequestTimeout      time.Duration
}

// DefaultConfig returns a config with default values.
func DefaultConfig() *Config {
	return &Config{
		ListenAddr:          ":8080",
		DatabasePath:        "printwatch.db",
		OwnerID:             "default",
		MilestoneThresholds: []int{25, 50, 75},
		LiveDismissAfter:    30 * time.Second,
		LogLevel:            "info",
		ReconnectBase:       time.Second,
		ReconnectCap:        60 * time.Second,
		ReconnectMaxRetries: 10,
		RequestTimeout:      10 * time.Second,
	}
}

// LoadFromEnv loads configuration from environment variables.
func LoadFromEnv() (*Config, error) {
	cfg := DefaultConfig()

	// Required
	cfg.APIToken = os.Getenv("PRINTWATCH_API_TOKEN")
	if cfg.APIToken == "" {
		return nil, errors.New("PRINTWATCH_API_TOKEN is required")
	}

	cfg.PushGatewayURL = os.Getenv("PRINTWATCH_PUSH_URL")
	if cfg.PushGatewayURL == "" {
		return nil, errors.New("PRINTWATCH_PUSH_URL is required")
	}

	// Optional
	if addr := os.Getenv("PRINTWATCH_LISTEN"); addr != "" {
		cfg.ListenAddr = addr
	}
	if path := os.Getenv("PRINTWATCH_DB"); path != "" {
		cfg.DatabasePath = path
	}
	cfg.PushGatewayKey = os.Getenv("PRINTWATCH_PUSH_KEY")
	if owner := os.Getenv("PRINTWATCH_OWNER_ID"); owner != "" {
		cfg.OwnerID = owner
	}
	if level := os.Getenv("PRINTWATCH_LOG_LEVEL"); level != "" {
		cfg.LogLevel = level
	}

	if raw := os.Getenv("PRINTWATCH_MILESTONES"); raw != "" {
		thresholds, err := parseMilestones(raw)
		if err != nil {
			return nil, err
		}
		cfg.MilestoneThresholds = thresholds
	}

	var err error
	if cfg.StaleJobAfter, err = envSeconds("PRINTWATCH_STALE_JOB_AFTER", cfg.StaleJobAfter); err != nil {
		return nil, err
	}
	if cfg.LiveDismissAfter, err = envSeconds("PRINTWATCH_LIVE_DISMISS_AFTER", cfg.LiveDismissAfter); err != nil {
		return nil, err
	}
	if cfg.ReconnectBase, err = envSeconds("PRINTWATCH_RECONNECT_BASE", cfg.ReconnectBase); err != nil {
		return nil, err
	}
	if cfg.ReconnectCap, err = envSeconds("PRINTWATCH_RECONNECT_CAP", cfg.ReconnectCap); err != nil {
		return nil, err
	}
	if cfg.RequestTimeout, err = envSeconds("PRINTWATCH_REQUEST_TIMEOUT", cfg.RequestTimeout); err != nil {
		return nil, err
	}

	if raw := os.Getenv("PRINTWATCH_RECONNECT_MAX_RETRIES"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			return nil, errors.New("PRINTWATCH_RECONNECT_MAX_RETRIES must be a number")
		}
		cfg.ReconnectMaxRetries = n
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that the configuration is valid.
func (c *Config) Validate() error {
	if c.APIToken == "" {
		return errors.New("API token is required")
	}
	if c.PushGatewayURL == "" {
		return errors.New("push gateway URL is required")
	}
	if len(c.MilestoneThresholds) == 0 {
		return errors.New("at least one milestone threshold is required")
	}
	for _, t := range c.MilestoneThresholds {
		if t <= 0 || t >= 100 {
			return fmt.Errorf("milestone threshold %d out of range (1-99)", t)
		}
	}
	if c.ReconnectBase <= 0 || c.ReconnectCap < c.ReconnectBase {
		return errors.New("reconnect delays must be positive with cap >= base")
	}
	if c.ReconnectMaxRetries < 1 {
		return errors.New("reconnect max retries must be at least 1")
	}
	return nil
}

func parseMilestones(raw string) ([]int, error) {
	parts := strings.Split(raw, ",")
	thresholds := make([]int, 0, len(parts))
	for _, p := range parts {
		n, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil {
			return nil, fmt.Errorf("PRINTWATCH_MILESTONES: %q is not a number", p)
		}
		thresholds = append(thresholds, n)
	}
	return thresholds, nil
}

func envSeconds(name string, fallback time.Duration) (time.Duration, error) {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback, nil
	}
	seconds, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%s must be a number (seconds)", name)
	}
	return time.Duration(seconds) * time.Second, nil
}
