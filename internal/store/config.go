package store

import (
	"encoding/json"
	"errors"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds every dispatcher tunable. Values load from defaults, then
// config.json, then environment variables, and are clamped to sane ranges so
// a hand-edited file cannot wedge the dispatcher.
type Config struct {
	Host          string `json:"host"`
	Port          int    `json:"port"`
	APIKey        string `json:"api_key,omitempty"`
	WebUIPassword string `json:"webui_password,omitempty"`

	Strategy string `json:"strategy"`

	MaxRetries              int   `json:"max_retries"`
	MaxAccounts             int   `json:"max_accounts"`
	DefaultCooldownMs       int64 `json:"default_cooldown_ms"`
	ExtendedCooldownMs      int64 `json:"extended_cooldown_ms"`
	ConsecutiveFailureFloor int   `json:"consecutive_failure_floor"`
	MaxWaitBeforeErrorMs    int64 `json:"max_wait_before_error_ms"`
	SwitchAccountDelayMs    int64 `json:"switch_account_delay_ms"`
	MaxCapacityRetries      int   `json:"max_capacity_retries"`
	EmptyStreamRetries      int   `json:"empty_stream_retries"`
	FallbackEnabled         bool  `json:"fallback_enabled"`

	QuotaThreshold      float64 `json:"quota_threshold"`
	HybridHealthFloor   float64 `json:"hybrid_health_floor"`
	HybridQuotaCritical float64 `json:"hybrid_quota_critical"`
	HybridQuotaLow      float64 `json:"hybrid_quota_low"`

	RequestTimeoutMs  int64 `json:"request_timeout_ms"`
	OAuthCallbackPort int   `json:"oauth_callback_port"`
}

// DefaultConfig returns the shipped defaults.
func DefaultConfig() Config {
	return Config{
		Host:                    "127.0.0.1",
		Port:                    8080,
		Strategy:                "sticky",
		MaxRetries:              3,
		MaxAccounts:             10,
		DefaultCooldownMs:       10_000,
		ExtendedCooldownMs:      60_000,
		ConsecutiveFailureFloor: 3,
		MaxWaitBeforeErrorMs:    120_000,
		SwitchAccountDelayMs:    5_000,
		MaxCapacityRetries:      5,
		EmptyStreamRetries:      3,
		FallbackEnabled:         false,
		QuotaThreshold:          0,
		HybridHealthFloor:       50,
		HybridQuotaCritical:     0.05,
		HybridQuotaLow:          0.10,
		RequestTimeoutMs:        300_000,
		OAuthCallbackPort:       51121,
	}
}

// LoadConfig builds the effective configuration: defaults, overlaid by
// config.json if present, overlaid by environment variables, then clamped.
func LoadConfig() (Config, error) {
	cfg := DefaultConfig()
	path, err := ConfigPath()
	if err != nil {
		return cfg, err
	}
	data, err := os.ReadFile(path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return cfg, err
	}
	if err == nil {
		if err := json.Unmarshal(data, &cfg); err != nil {
			return cfg, err
		}
	}
	cfg.applyEnv()
	cfg.clamp()
	return cfg, nil
}

// Save persists the configuration to config.json.
func (c Config) Save() error {
	path, err := ConfigPath()
	if err != nil {
		return err
	}
	data, err := json.MarshalIndent(&c, "", "  ")
	if err != nil {
		return err
	}
	return WriteFileAtomic(path, data)
}

func (c *Config) applyEnv() {
	if v := os.Getenv("HOST"); v != "" {
		c.Host = v
	}
	if v := os.Getenv("PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.Port = port
		}
	}
	if v := os.Getenv("API_KEY"); v != "" {
		c.APIKey = v
	}
	if v := os.Getenv("WEBUI_PASSWORD"); v != "" {
		c.WebUIPassword = v
	}
	if v := os.Getenv("FALLBACK"); v != "" {
		c.FallbackEnabled = isTruthy(v)
	}
	if v := os.Getenv("OAUTH_CALLBACK_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.OAuthCallbackPort = port
		}
	}
}

func isTruthy(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}

func (c *Config) clamp() {
	def := DefaultConfig()
	c.MaxRetries = clampInt(c.MaxRetries, 1, 20)
	c.MaxAccounts = clampInt(c.MaxAccounts, 1, 100)
	c.DefaultCooldownMs = clampInt64(c.DefaultCooldownMs, 1_000, 600_000)
	c.ExtendedCooldownMs = clampInt64(c.ExtendedCooldownMs, 1_000, 3_600_000)
	c.ConsecutiveFailureFloor = clampInt(c.ConsecutiveFailureFloor, 1, 20)
	c.MaxWaitBeforeErrorMs = clampInt64(c.MaxWaitBeforeErrorMs, 1_000, 1_800_000)
	c.SwitchAccountDelayMs = clampInt64(c.SwitchAccountDelayMs, 0, 60_000)
	c.MaxCapacityRetries = clampInt(c.MaxCapacityRetries, 0, 10)
	c.EmptyStreamRetries = clampInt(c.EmptyStreamRetries, 0, 10)
	c.RequestTimeoutMs = clampInt64(c.RequestTimeoutMs, 10_000, 3_600_000)
	if c.Port < 1 || c.Port > 65535 {
		c.Port = def.Port
	}
	if c.OAuthCallbackPort < 1 || c.OAuthCallbackPort > 65535 {
		c.OAuthCallbackPort = def.OAuthCallbackPort
	}
	if c.QuotaThreshold < 0 || c.QuotaThreshold >= 1 {
		c.QuotaThreshold = def.QuotaThreshold
	}
	if c.HybridHealthFloor < 0 || c.HybridHealthFloor > 100 {
		c.HybridHealthFloor = def.HybridHealthFloor
	}
	if c.HybridQuotaCritical < 0 || c.HybridQuotaCritical > 0.5 {
		c.HybridQuotaCritical = def.HybridQuotaCritical
	}
	if c.HybridQuotaLow < c.HybridQuotaCritical || c.HybridQuotaLow > 0.9 {
		c.HybridQuotaLow = def.HybridQuotaLow
		if c.HybridQuotaLow < c.HybridQuotaCritical {
			c.HybridQuotaLow = c.HybridQuotaCritical
		}
	}
	switch c.Strategy {
	case "sticky", "round-robin", "hybrid":
	default:
		c.Strategy = def.Strategy
	}
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func clampInt64(v, lo, hi int64) int64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func (c Config) DefaultCooldown() time.Duration {
	return time.Duration(c.DefaultCooldownMs) * time.Millisecond
}

func (c Config) ExtendedCooldown() time.Duration {
	return time.Duration(c.ExtendedCooldownMs) * time.Millisecond
}

func (c Config) MaxWaitBeforeError() time.Duration {
	return time.Duration(c.MaxWaitBeforeErrorMs) * time.Millisecond
}

func (c Config) SwitchAccountDelay() time.Duration {
	return time.Duration(c.SwitchAccountDelayMs) * time.Millisecond
}

func (c Config) RequestTimeout() time.Duration {
	return time.Duration(c.RequestTimeoutMs) * time.Millisecond
}
