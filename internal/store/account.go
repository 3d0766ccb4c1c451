// Package store persists the account pool, tunable configuration and usage
// history as JSON documents under the user config directory. All writes go
// through an atomic temp-file rename so a crash can never leave a torn file.
package store

import "time"

// CredentialKind discriminates how an account authenticates.
type CredentialKind string

const (
	// CredentialOAuth accounts hold a composite refresh token
	// "<refresh>|<project>|<managedProject>".
	CredentialOAuth CredentialKind = "oauth-refresh"
	// CredentialAPIKey accounts hold a plain API key.
	CredentialAPIKey CredentialKind = "api-key"
	// CredentialLocalDB accounts read a live token out of the Antigravity
	// IDE's state database.
	CredentialLocalDB CredentialKind = "local-db"
)

// Tier is the subscription level reported by the Cloud Code backend.
type Tier string

const (
	TierFree    Tier = "free"
	TierPro     Tier = "pro"
	TierUltra   Tier = "ultra"
	TierUnknown Tier = "unknown"
)

// QuotaSnapshot is the last observed remaining-quota fraction for one model.
type QuotaSnapshot struct {
	Remaining  float64   `json:"remaining"`
	ResetAt    time.Time `json:"reset_at"`
	CapturedAt time.Time `json:"captured_at"`
}

// RateLimitState marks an (account, model) pair as cooling down.
// ResetAt is an absolute instant, never a relative delay.
type RateLimitState struct {
	Limited bool      `json:"limited"`
	ResetAt time.Time `json:"reset_at"`
}

// Account is one upstream identity in the pool, keyed by email.
type Account struct {
	Email            string         `json:"email"`
	Kind             CredentialKind `json:"kind"`
	Credential       string         `json:"credential"`
	ManagedProjectID string         `json:"managed_project_id,omitempty"`
	Tier             Tier           `json:"tier,omitempty"`

	Quota      map[string]QuotaSnapshot  `json:"quota,omitempty"`
	RateLimits map[string]RateLimitState `json:"rate_limits,omitempty"`

	Enabled             bool      `json:"enabled"`
	Invalid             bool      `json:"invalid,omitempty"`
	InvalidReason       string    `json:"invalid_reason,omitempty"`
	LastUsed            time.Time `json:"last_used"`
	ConsecutiveFailures int       `json:"consecutive_failures,omitempty"`

	QuotaThreshold  *float64           `json:"quota_threshold,omitempty"`
	ModelThresholds map[string]float64 `json:"model_thresholds,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// Eligible reports whether the account may be offered to a strategy at all.
func (a *Account) Eligible() bool {
	return a.Enabled && !a.Invalid
}

// IsRateLimited reports whether the account is cooling down for the model.
func (a *Account) IsRateLimited(model string, now time.Time) bool {
	rl, ok := a.RateLimits[model]
	return ok && rl.Limited && rl.ResetAt.After(now)
}

// RateLimitResetAt returns the cooldown end for the model, if any.
func (a *Account) RateLimitResetAt(model string) (time.Time, bool) {
	rl, ok := a.RateLimits[model]
	if !ok || !rl.Limited {
		return time.Time{}, false
	}
	return rl.ResetAt, true
}

// Clone returns a deep copy so callers can hold account state without racing
// the pool.
func (a *Account) Clone() Account {
	out := *a
	if a.Quota != nil {
		out.Quota = make(map[string]QuotaSnapshot, len(a.Quota))
		for k, v := range a.Quota {
			out.Quota[k] = v
		}
	}
	if a.RateLimits != nil {
		out.RateLimits = make(map[string]RateLimitState, len(a.RateLimits))
		for k, v := range a.RateLimits {
			out.RateLimits[k] = v
		}
	}
	if a.ModelThresholds != nil {
		out.ModelThresholds = make(map[string]float64, len(a.ModelThresholds))
		for k, v := range a.ModelThresholds {
			out.ModelThresholds[k] = v
		}
	}
	if a.QuotaThreshold != nil {
		v := *a.QuotaThreshold
		out.QuotaThreshold = &v
	}
	return out
}
