package store

import (
	"os"
	"path/filepath"
)

// ConfigDir resolves the directory holding accounts.json and friends.
// AGNEXUS_CONFIG_DIR overrides the platform default, which keeps tests and
// containers away from the real user config.
func ConfigDir() (string, error) {
	if dir := os.Getenv("AGNEXUS_CONFIG_DIR"); dir != "" {
		return dir, nil
	}
	base, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(base, "agnexus"), nil
}

func configFile(name string) (string, error) {
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, name), nil
}

// AccountsPath is the canonical location of the account pool document.
func AccountsPath() (string, error) { return configFile("accounts.json") }

// UsageHistoryPath is the canonical location of the usage history document.
func UsageHistoryPath() (string, error) { return configFile("usage-history.json") }

// LegacyUsagePath is the pre-rename usage file migrated on startup.
func LegacyUsagePath() (string, error) { return configFile("usage.json") }

// ConfigPath is the location of the tunables document.
func ConfigPath() (string, error) { return configFile("config.json") }

// ServerPresetsPath holds named server-endpoint bundles.
func ServerPresetsPath() (string, error) { return configFile("server-presets.json") }

// ClaudePresetsPath holds named Claude client environment bundles.
func ClaudePresetsPath() (string, error) { return configFile("claude-presets.json") }
