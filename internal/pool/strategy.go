// Package pool owns the account pool: selection strategies, cooldown
// bookkeeping, quota snapshots, and the availability queries the dispatcher
// drives its retry loop with.
package pool

import (
	"sync"
	"time"

	"github.com/pysugar/antigravity-nexus/internal/store"
)

// stickyMaxWait is the longest cooldown the sticky strategy will sit out on
// its preferred account before switching to another one.
const stickyMaxWait = 2 * time.Minute

// Selection is a strategy's answer: an account to use, or a wait suggestion
// when every candidate is cooling down. Throttle is an extra delay the
// dispatcher applies before using the account when the strategy had to relax
// its filters to produce one.
type Selection struct {
	Account  *store.Account
	Wait     time.Duration
	Throttle time.Duration
}

// Strategy picks an account for a model. Implementations see account
// snapshots read-only; all state mutation stays in the Manager.
type Strategy interface {
	Name() string
	Select(accounts []store.Account, model string, now time.Time) Selection
	NotifySuccess(email, model string)
	NotifyRateLimit(email, model string)
	NotifyFailure(email, model string)
}

// NewStrategy builds the strategy named in the config; unknown names fall
// back to sticky.
func NewStrategy(cfg store.Config) Strategy {
	switch cfg.Strategy {
	case "round-robin":
		return newRoundRobin()
	case "hybrid":
		return newHybrid(cfg)
	default:
		return &sticky{}
	}
}

// minResetWait returns the smallest positive cooldown remaining across the
// accounts for the model, or zero when none carries a future reset.
func minResetWait(accounts []store.Account, model string, now time.Time) time.Duration {
	var min time.Duration
	for i := range accounts {
		resetAt, ok := accounts[i].RateLimitResetAt(model)
		if !ok {
			continue
		}
		wait := resetAt.Sub(now)
		if wait <= 0 {
			continue
		}
		if min == 0 || wait < min {
			min = wait
		}
	}
	return min
}

// sticky keeps routing to the last account that worked, riding its prompt
// cache, and only moves when the cooldown is too long to sit out.
type sticky struct {
	mu        sync.Mutex
	lastEmail string
}

func (s *sticky) Name() string { return "sticky" }

func (s *sticky) Select(accounts []store.Account, model string, now time.Time) Selection {
	if len(accounts) == 0 {
		return Selection{}
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var last *store.Account
	for i := range accounts {
		if accounts[i].Email == s.lastEmail {
			last = &accounts[i]
			break
		}
	}

	if last != nil {
		if !last.IsRateLimited(model, now) {
			picked := last.Clone()
			return Selection{Account: &picked}
		}
		if resetAt, ok := last.RateLimitResetAt(model); ok {
			if wait := resetAt.Sub(now); wait > 0 && wait <= stickyMaxWait {
				return Selection{Wait: wait}
			}
		}
	}

	for i := range accounts {
		if accounts[i].Email == s.lastEmail {
			continue
		}
		if accounts[i].IsRateLimited(model, now) {
			continue
		}
		s.lastEmail = accounts[i].Email
		picked := accounts[i].Clone()
		return Selection{Account: &picked}
	}
	return Selection{Wait: minResetWait(accounts, model, now)}
}

func (s *sticky) NotifySuccess(email, model string) {
	s.mu.Lock()
	s.lastEmail = email
	s.mu.Unlock()
}

func (s *sticky) NotifyRateLimit(email, model string) {}
func (s *sticky) NotifyFailure(email, model string)   {}

// roundRobin spreads load evenly, advancing a cursor past ineligible
// entries. It never suggests waiting unless the pool is exhausted.
type roundRobin struct {
	mu sync.Mutex
	// cursor is the index of the last account handed out; -1 before the
	// first selection so the rotation starts at index 0.
	cursor int
}

func newRoundRobin() *roundRobin { return &roundRobin{cursor: -1} }

func (r *roundRobin) Name() string { return "round-robin" }

func (r *roundRobin) Select(accounts []store.Account, model string, now time.Time) Selection {
	if len(accounts) == 0 {
		return Selection{}
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	n := len(accounts)
	for step := 1; step <= n; step++ {
		idx := (r.cursor + step) % n
		if accounts[idx].IsRateLimited(model, now) {
			continue
		}
		r.cursor = idx
		picked := accounts[idx].Clone()
		return Selection{Account: &picked}
	}
	return Selection{Wait: minResetWait(accounts, model, now)}
}

func (r *roundRobin) NotifySuccess(email, model string)   {}
func (r *roundRobin) NotifyRateLimit(email, model string) {}
func (r *roundRobin) NotifyFailure(email, model string)   {}
