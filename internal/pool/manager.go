package pool

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/pysugar/antigravity-nexus/internal/auth/token"
	"github.com/pysugar/antigravity-nexus/internal/store"
)

// Manager is the pool's single mutation point. It owns cooldown marks,
// consecutive-failure counters and quota snapshots, and routes selection to
// the configured strategy. The dispatcher never touches account fields
// directly.
type Manager struct {
	mu       sync.Mutex
	store    *store.Store
	resolver *token.Resolver
	strategy Strategy
	now      func() time.Time
}

// NewManager wires the pool over the persisted store.
func NewManager(st *store.Store, resolver *token.Resolver, cfg store.Config) *Manager {
	return &Manager{
		store:    st,
		resolver: resolver,
		strategy: NewStrategy(cfg),
		now:      time.Now,
	}
}

// StrategyName reports the active selection strategy.
func (m *Manager) StrategyName() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.strategy.Name()
}

// eligible returns enabled, non-invalid account snapshots. Rate-limited
// accounts stay in the slice so strategies can read reset times.
func (m *Manager) eligible() []store.Account {
	all := m.store.List()
	out := all[:0]
	for _, a := range all {
		if a.Eligible() {
			out = append(out, a)
		}
	}
	return out
}

// sweepExpired clears rate-limit marks whose reset instant has passed.
func (m *Manager) sweepExpired() {
	now := m.now()
	for _, a := range m.store.List() {
		for model, rl := range a.RateLimits {
			if rl.Limited && !rl.ResetAt.After(now) {
				email, name := a.Email, model
				m.store.Update(email, func(acct *store.Account) {
					delete(acct.RateLimits, name)
				})
			}
		}
	}
}

// SelectAccount asks the active strategy for an account to serve the model.
// Expired cooldown marks are swept first so a freed account is immediately
// selectable.
func (m *Manager) SelectAccount(model string) Selection {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sweepExpired()

	sel := m.strategy.Select(m.eligible(), model, m.now())
	if sel.Account != nil {
		for i, a := range m.store.List() {
			if a.Email == sel.Account.Email {
				m.store.SetActiveIndex(i)
				break
			}
		}
	}
	return sel
}

// GetAvailableAccounts lists accounts that could serve the model right now.
func (m *Manager) GetAvailableAccounts(model string) []store.Account {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sweepExpired()
	now := m.now()
	var out []store.Account
	for _, a := range m.eligible() {
		if !a.IsRateLimited(model, now) {
			out = append(out, a)
		}
	}
	return out
}

// HasEligible reports whether the pool holds any enabled, non-invalid
// account.
func (m *Manager) HasEligible() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.eligible()) > 0
}

// IsAllRateLimited reports whether every eligible account is cooling down
// for the model. False when the pool has no eligible accounts at all.
func (m *Manager) IsAllRateLimited(model string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	accounts := m.eligible()
	if len(accounts) == 0 {
		return false
	}
	now := m.now()
	for i := range accounts {
		if !accounts[i].IsRateLimited(model, now) {
			return false
		}
	}
	return true
}

// GetMinWaitTime returns the shortest cooldown remaining across eligible
// accounts for the model, or zero.
func (m *Manager) GetMinWaitTime(model string) time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return minResetWait(m.eligible(), model, m.now())
}

// MarkRateLimited puts the (account, model) pair on cooldown and bumps the
// consecutive-failure counter.
func (m *Manager) MarkRateLimited(email string, delay time.Duration, model string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	resetAt := m.now().Add(delay)
	err := m.store.Update(email, func(a *store.Account) {
		if a.RateLimits == nil {
			a.RateLimits = make(map[string]store.RateLimitState)
		}
		a.RateLimits[model] = store.RateLimitState{Limited: true, ResetAt: resetAt}
		a.ConsecutiveFailures++
	})
	if err != nil {
		logrus.WithField("account", email).WithError(err).Warn("mark rate limited failed")
		return
	}
	logrus.WithFields(logrus.Fields{
		"account": email,
		"model":   model,
		"until":   resetAt.Format(time.RFC3339),
	}).Debug("account rate limited")
}

// ApplyCooldown puts the (account, model) pair on cooldown without touching
// the failure counter. Used when the failure was already counted through
// RecordFailure.
func (m *Manager) ApplyCooldown(email string, delay time.Duration, model string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	resetAt := m.now().Add(delay)
	m.store.Update(email, func(a *store.Account) {
		if a.RateLimits == nil {
			a.RateLimits = make(map[string]store.RateLimitState)
		}
		a.RateLimits[model] = store.RateLimitState{Limited: true, ResetAt: resetAt}
	})
	logrus.WithFields(logrus.Fields{
		"account": email,
		"model":   model,
		"until":   resetAt.Format(time.RFC3339),
	}).Debug("account cooldown applied")
}

// RecordFailure bumps the account's consecutive-failure counter and returns
// the new streak length.
func (m *Manager) RecordFailure(email string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	streak := 0
	m.store.Update(email, func(a *store.Account) {
		a.ConsecutiveFailures++
		streak = a.ConsecutiveFailures
	})
	return streak
}

// NotifySuccess clears the model's cooldown mark, resets the failure
// counter, bumps last-used and informs the strategy.
func (m *Manager) NotifySuccess(email, model string) {
	m.mu.Lock()
	now := m.now()
	m.store.Update(email, func(a *store.Account) {
		delete(a.RateLimits, model)
		a.ConsecutiveFailures = 0
		a.LastUsed = now
	})
	strategy := m.strategy
	m.mu.Unlock()
	strategy.NotifySuccess(email, model)
}

// NotifyRateLimit forwards the outcome to the strategy. Cooldown state is
// recorded separately through MarkRateLimited.
func (m *Manager) NotifyRateLimit(email, model string) {
	m.mu.Lock()
	strategy := m.strategy
	m.mu.Unlock()
	strategy.NotifyRateLimit(email, model)
}

// NotifyFailure forwards a non-rate-limit failure to the strategy.
func (m *Manager) NotifyFailure(email, model string) {
	m.mu.Lock()
	strategy := m.strategy
	m.mu.Unlock()
	strategy.NotifyFailure(email, model)
}

// MarkInvalid takes the account out of rotation until re-enrolment.
func (m *Manager) MarkInvalid(email, reason string) {
	if err := m.store.SetInvalid(email, reason); err != nil {
		logrus.WithField("account", email).WithError(err).Warn("mark invalid failed")
	}
}

// MarkQuota records a remaining-quota snapshot reported by upstream.
func (m *Manager) MarkQuota(email, model string, remaining float64, resetAt time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	m.store.Update(email, func(a *store.Account) {
		if a.Quota == nil {
			a.Quota = make(map[string]store.QuotaSnapshot)
		}
		a.Quota[model] = store.QuotaSnapshot{
			Remaining:  remaining,
			ResetAt:    resetAt,
			CapturedAt: now,
		}
	})
}

// ConsecutiveFailures returns the account's current failure streak.
func (m *Manager) ConsecutiveFailures(email string) int {
	a, ok := m.store.Get(email)
	if !ok {
		return 0
	}
	return a.ConsecutiveFailures
}

// ResetAllRateLimits drops every cooldown mark. Used as an optimistic lever
// when the whole pool appears exhausted at dispatch entry.
func (m *Manager) ResetAllRateLimits() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range m.store.List() {
		if len(a.RateLimits) == 0 {
			continue
		}
		m.store.Update(a.Email, func(acct *store.Account) {
			acct.RateLimits = make(map[string]store.RateLimitState)
		})
	}
	logrus.Debug("cleared all rate limit marks")
}

// ClearTokenCache drops cached access tokens, all when email is empty.
func (m *Manager) ClearTokenCache(email string) {
	if m.resolver != nil {
		m.resolver.ClearTokenCache(email)
	}
}

// ClearProjectCache drops cached project IDs, all when email is empty.
func (m *Manager) ClearProjectCache(email string) {
	if m.resolver != nil {
		m.resolver.ClearProjectCache(email)
	}
}

// SaveToDisk persists the pool state.
func (m *Manager) SaveToDisk() error { return m.store.Save() }

// Reload re-reads accounts from disk, keeping transient cooldown state for
// accounts that survive, and swaps the strategy if the config changed it.
func (m *Manager) Reload(cfg store.Config) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.store.Reload(); err != nil {
		return err
	}
	if m.strategy.Name() != cfg.Strategy {
		m.strategy = NewStrategy(cfg)
		logrus.WithField("strategy", m.strategy.Name()).Info("selection strategy switched")
	}
	return nil
}

// Snapshot returns a copy of every account, including disabled and invalid
// ones, for status views.
func (m *Manager) Snapshot() []store.Account {
	return m.store.List()
}

// Len reports the pool size.
func (m *Manager) Len() int { return m.store.Len() }
