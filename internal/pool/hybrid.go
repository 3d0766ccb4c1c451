package pool

import (
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/pysugar/antigravity-nexus/internal/store"
)

const (
	healthStart = 70.0
	healthMax   = 100.0

	// Health recovers while an account sits idle.
	healthRecoveryPerHour = 10.0

	// Per-account token bucket: burst 50, one token back every 10 seconds.
	bucketBurst  = 50
	bucketRefill = 10 * time.Second

	// Quota snapshots older than this are treated as unknown.
	quotaSnapshotTTL = 5 * time.Minute

	// Score weights for health, throughput, quota and recency.
	weightHealth = 2.0
	weightTokens = 5.0
	weightQuota  = 3.0
	weightLRU    = 0.1

	// lruClamp caps the recency component so one stale account cannot
	// dominate the score.
	lruClamp = 60.0

	// Dispatcher throttles applied when the filters had to be relaxed.
	emergencyThrottle  = 250 * time.Millisecond
	lastResortThrottle = 500 * time.Millisecond
)

type hybridAccountState struct {
	health  float64
	updated time.Time
	bucket  *rate.Limiter
}

// hybrid scores candidates on health, token-bucket throughput, remaining
// quota and recency, and relaxes its filters in two stages before giving up.
type hybrid struct {
	mu    sync.Mutex
	state map[string]*hybridAccountState
	now   func() time.Time

	healthFloor   float64
	quotaCritical float64
	quotaLow      float64
}

func newHybrid(cfg store.Config) *hybrid {
	return &hybrid{
		state:         make(map[string]*hybridAccountState),
		now:           time.Now,
		healthFloor:   cfg.HybridHealthFloor,
		quotaCritical: cfg.HybridQuotaCritical,
		quotaLow:      cfg.HybridQuotaLow,
	}
}

func (h *hybrid) Name() string { return "hybrid" }

func (h *hybrid) stateFor(email string) *hybridAccountState {
	st, ok := h.state[email]
	if !ok {
		st = &hybridAccountState{
			health:  healthStart,
			updated: h.now(),
			bucket:  rate.NewLimiter(rate.Every(bucketRefill), bucketBurst),
		}
		h.state[email] = st
	}
	return st
}

// healthAt applies idle recovery without mutating the stored value.
func (st *hybridAccountState) healthAt(now time.Time) float64 {
	h := st.health + now.Sub(st.updated).Hours()*healthRecoveryPerHour
	if h > healthMax {
		return healthMax
	}
	if h < 0 {
		return 0
	}
	return h
}

func (st *hybridAccountState) adjust(delta float64, now time.Time) {
	st.health = st.healthAt(now) + delta
	if st.health > healthMax {
		st.health = healthMax
	}
	if st.health < 0 {
		st.health = 0
	}
	st.updated = now
}

// quotaFraction returns the fresh remaining fraction for the model, or -1
// when unknown.
func quotaFraction(a *store.Account, model string, now time.Time) float64 {
	snap, ok := a.Quota[model]
	if !ok || now.Sub(snap.CapturedAt) > quotaSnapshotTTL {
		return -1
	}
	return snap.Remaining
}

// minQuotaFraction is the lowest fresh fraction across all models, or -1.
func minQuotaFraction(a *store.Account, now time.Time) float64 {
	min := -1.0
	for _, snap := range a.Quota {
		if now.Sub(snap.CapturedAt) > quotaSnapshotTTL {
			continue
		}
		if min < 0 || snap.Remaining < min {
			min = snap.Remaining
		}
	}
	return min
}

func (h *hybrid) quotaComponent(a *store.Account, model string, now time.Time) float64 {
	f := quotaFraction(a, model, now)
	m := minQuotaFraction(a, now)
	q := f
	if q < 0 || (m >= 0 && m < q) {
		q = m
	}
	if q < 0 {
		// Unknown quota is treated as full.
		return 100
	}
	component := q * 100
	if f >= 0 && f < h.quotaLow {
		component *= 0.5
	}
	return component
}

func (h *hybrid) score(a *store.Account, st *hybridAccountState, model string, now time.Time) float64 {
	tokens := st.bucket.Tokens()
	if tokens < 0 {
		tokens = 0
	}
	lru := now.Sub(a.LastUsed).Minutes()
	if lru > lruClamp {
		lru = lruClamp
	}
	if lru < 0 {
		lru = 0
	}
	return weightHealth*st.healthAt(now) +
		weightTokens*(tokens/bucketBurst*100) +
		weightQuota*h.quotaComponent(a, model, now) +
		weightLRU*lru
}

// selection filter stages, relaxed in order when no candidate passes.
const (
	filterPrimary = iota
	filterNoTokens
	filterNoHealth
)

func (h *hybrid) passes(a *store.Account, st *hybridAccountState, model string, now time.Time, stage int) bool {
	if f := quotaFraction(a, model, now); f >= 0 && f < h.quotaCritical {
		return false
	}
	if stage < filterNoHealth && st.healthAt(now) < h.healthFloor {
		return false
	}
	if stage < filterNoTokens && st.bucket.Tokens() < 1 {
		return false
	}
	return true
}

func (h *hybrid) Select(accounts []store.Account, model string, now time.Time) Selection {
	if len(accounts) == 0 {
		return Selection{}
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	for stage := filterPrimary; stage <= filterNoHealth; stage++ {
		var best *store.Account
		bestScore := 0.0
		for i := range accounts {
			a := &accounts[i]
			if a.IsRateLimited(model, now) {
				continue
			}
			st := h.stateFor(a.Email)
			if !h.passes(a, st, model, now, stage) {
				continue
			}
			score := h.score(a, st, model, now)
			if best == nil || score > bestScore {
				best, bestScore = a, score
			}
		}
		if best == nil {
			continue
		}
		if stage == filterPrimary {
			h.stateFor(best.Email).bucket.Allow()
		}
		picked := best.Clone()
		sel := Selection{Account: &picked}
		switch stage {
		case filterNoTokens:
			sel.Throttle = emergencyThrottle
		case filterNoHealth:
			sel.Throttle = lastResortThrottle
		}
		return sel
	}
	return Selection{Wait: minResetWait(accounts, model, now)}
}

func (h *hybrid) NotifySuccess(email, model string) {
	h.mu.Lock()
	h.stateFor(email).adjust(+1, h.now())
	h.mu.Unlock()
}

func (h *hybrid) NotifyRateLimit(email, model string) {
	h.mu.Lock()
	h.stateFor(email).adjust(-10, h.now())
	h.mu.Unlock()
}

func (h *hybrid) NotifyFailure(email, model string) {
	h.mu.Lock()
	h.stateFor(email).adjust(-20, h.now())
	h.mu.Unlock()
}
