package token

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// localAuthKey is the ItemTable row the Antigravity IDE stores its OAuth
// state under.
const localAuthKey = "antigravityAuthStatus"

// LocalAuthState is the token material read from the IDE state database.
type LocalAuthState struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
}

type itemTableRow struct {
	Key   string `gorm:"column:key"`
	Value []byte `gorm:"column:value"`
}

func (itemTableRow) TableName() string { return "ItemTable" }

// DefaultLocalDBPath returns the platform location of the IDE state
// database.
func DefaultLocalDBPath() (string, error) {
	switch runtime.GOOS {
	case "windows":
		appData := os.Getenv("APPDATA")
		if appData == "" {
			return "", fmt.Errorf("APPDATA is not set")
		}
		return filepath.Join(appData, "Antigravity", "User", "globalStorage", "state.vscdb"), nil
	case "darwin":
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		return filepath.Join(home, "Library", "Application Support", "Antigravity", "User", "globalStorage", "state.vscdb"), nil
	default:
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		return filepath.Join(home, ".config", "Antigravity", "User", "globalStorage", "state.vscdb"), nil
	}
}

// ReadLocalAuthState opens the IDE state database read-only and extracts the
// auth status row. An empty path means the platform default location.
func ReadLocalAuthState(path string) (*LocalAuthState, error) {
	if path == "" {
		var err error
		path, err = DefaultLocalDBPath()
		if err != nil {
			return nil, err
		}
	}
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("state database not found: %w", err)
	}

	db, err := gorm.Open(sqlite.Open(path+"?mode=ro"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open state database: %w", err)
	}
	sqlDB, err := db.DB()
	if err == nil {
		defer sqlDB.Close()
	}

	var row itemTableRow
	if err := db.Where("key = ?", localAuthKey).First(&row).Error; err != nil {
		return nil, fmt.Errorf("read %s: %w", localAuthKey, err)
	}
	return parseLocalAuthValue(row.Value)
}

func parseLocalAuthValue(value []byte) (*LocalAuthState, error) {
	var raw struct {
		AccessToken  string          `json:"accessToken"`
		RefreshToken string          `json:"refreshToken"`
		ExpiresAt    json.RawMessage `json:"expiresAt"`
	}
	if err := json.Unmarshal(value, &raw); err != nil {
		return nil, fmt.Errorf("decode auth status: %w", err)
	}
	state := &LocalAuthState{
		AccessToken:  raw.AccessToken,
		RefreshToken: raw.RefreshToken,
	}
	if len(raw.ExpiresAt) > 0 {
		// The IDE has written this either as unix milliseconds or as an ISO
		// timestamp, depending on version.
		var ms int64
		if err := json.Unmarshal(raw.ExpiresAt, &ms); err == nil {
			state.ExpiresAt = time.UnixMilli(ms)
		} else {
			var iso string
			if err := json.Unmarshal(raw.ExpiresAt, &iso); err == nil {
				if t, perr := time.Parse(time.RFC3339, iso); perr == nil {
					state.ExpiresAt = t
				}
			}
		}
	}
	if state.AccessToken == "" && state.RefreshToken == "" {
		return nil, fmt.Errorf("auth status row has no tokens")
	}
	return state, nil
}
