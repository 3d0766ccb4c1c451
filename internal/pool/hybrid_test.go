package pool

import (
	"testing"
	"time"

	"github.com/pysugar/antigravity-nexus/internal/store"
)

func newTestHybrid() *hybrid {
	return newHybrid(store.DefaultConfig())
}

func TestHybridPrefersHealthierAccount(t *testing.T) {
	now := time.Now()
	h := newTestHybrid()
	h.now = func() time.Time { return now }
	accounts := []store.Account{acct("weak@x.com"), acct("strong@x.com")}

	// Drive weak@x.com's health down without crossing the floor.
	h.NotifyRateLimit("weak@x.com", "m")

	sel := h.Select(accounts, "m", now)
	if sel.Account == nil || sel.Account.Email != "strong@x.com" {
		t.Fatalf("got %+v, want strong@x.com", sel.Account)
	}
	if sel.Throttle != 0 {
		t.Errorf("primary selection must not throttle, got %v", sel.Throttle)
	}
}

func TestHybridHealthFloorExcludes(t *testing.T) {
	now := time.Now()
	h := newTestHybrid()
	h.now = func() time.Time { return now }
	accounts := []store.Account{acct("bad@x.com"), acct("good@x.com")}

	// Two failures take bad@x.com to 30, under the default floor of 50.
	h.NotifyFailure("bad@x.com", "m")
	h.NotifyFailure("bad@x.com", "m")

	for i := 0; i < 5; i++ {
		sel := h.Select(accounts, "m", now)
		if sel.Account == nil || sel.Account.Email != "good@x.com" {
			t.Fatalf("select %d picked %+v, want good@x.com only", i, sel.Account)
		}
	}
}

func TestHybridLastResortRelaxesHealth(t *testing.T) {
	now := time.Now()
	h := newTestHybrid()
	h.now = func() time.Time { return now }
	accounts := []store.Account{acct("only@x.com")}

	h.NotifyFailure("only@x.com", "m")
	h.NotifyFailure("only@x.com", "m")

	sel := h.Select(accounts, "m", now)
	if sel.Account == nil || sel.Account.Email != "only@x.com" {
		t.Fatalf("sole unhealthy account must still be offered, got %+v", sel.Account)
	}
	if sel.Throttle != lastResortThrottle {
		t.Errorf("throttle = %v, want %v", sel.Throttle, lastResortThrottle)
	}
}

func TestHybridEmergencyWhenBucketDrained(t *testing.T) {
	now := time.Now()
	h := newTestHybrid()
	h.now = func() time.Time { return now }
	accounts := []store.Account{acct("busy@x.com")}

	for i := 0; i < bucketBurst; i++ {
		sel := h.Select(accounts, "m", now)
		if sel.Account == nil {
			t.Fatalf("selection %d returned no account", i)
		}
	}

	sel := h.Select(accounts, "m", now)
	if sel.Account == nil {
		t.Fatal("drained bucket must still yield the account in emergency mode")
	}
	if sel.Throttle != emergencyThrottle {
		t.Errorf("throttle = %v, want %v", sel.Throttle, emergencyThrottle)
	}
}

func TestHybridQuotaCriticalExcludes(t *testing.T) {
	now := time.Now()
	h := newTestHybrid()
	h.now = func() time.Time { return now }

	starved := acct("starved@x.com")
	starved.Quota = map[string]store.QuotaSnapshot{
		"m": {Remaining: 0.02, CapturedAt: now},
	}
	accounts := []store.Account{starved}

	sel := h.Select(accounts, "m", now)
	if sel.Account != nil {
		t.Fatalf("critically starved account must never be offered, got %s", sel.Account.Email)
	}
}

func TestHybridStaleQuotaTreatedAsUnknown(t *testing.T) {
	now := time.Now()
	h := newTestHybrid()
	h.now = func() time.Time { return now }

	stale := acct("stale@x.com")
	stale.Quota = map[string]store.QuotaSnapshot{
		"m": {Remaining: 0.02, CapturedAt: now.Add(-10 * time.Minute)},
	}
	accounts := []store.Account{stale}

	sel := h.Select(accounts, "m", now)
	if sel.Account == nil {
		t.Fatal("stale snapshot must not exclude the account")
	}
}

func TestHybridQuotaComponentFavoursHeadroom(t *testing.T) {
	now := time.Now()
	h := newTestHybrid()
	h.now = func() time.Time { return now }

	low := acct("low@x.com")
	low.Quota = map[string]store.QuotaSnapshot{
		"m": {Remaining: 0.30, CapturedAt: now},
	}
	full := acct("full@x.com")
	full.Quota = map[string]store.QuotaSnapshot{
		"m": {Remaining: 0.95, CapturedAt: now},
	}
	accounts := []store.Account{low, full}

	sel := h.Select(accounts, "m", now)
	if sel.Account == nil || sel.Account.Email != "full@x.com" {
		t.Fatalf("got %+v, want full@x.com", sel.Account)
	}
}

func TestHybridHealthRecoversWithIdleness(t *testing.T) {
	now := time.Now()
	h := newTestHybrid()
	h.now = func() time.Time { return now }
	accounts := []store.Account{acct("bad@x.com"), acct("good@x.com")}

	h.NotifyFailure("bad@x.com", "m")
	h.NotifyFailure("bad@x.com", "m")

	sel := h.Select(accounts, "m", now)
	if sel.Account == nil || sel.Account.Email != "good@x.com" {
		t.Fatalf("got %+v, want good@x.com while bad is under the floor", sel.Account)
	}

	// Three idle hours bring health from 30 back to 60, over the floor, and
	// the long-idle account out-scores the recently used one on recency.
	later := now.Add(3 * time.Hour)
	good := acct("good@x.com")
	good.LastUsed = later.Add(-time.Minute)
	bad := acct("bad@x.com")
	bad.LastUsed = later.Add(-3 * time.Hour)

	sel = h.Select([]store.Account{bad, good}, "m", later)
	if sel.Account == nil {
		t.Fatal("expected a selection")
	}
	if st := h.state["bad@x.com"]; st.healthAt(later) < h.healthFloor {
		t.Errorf("health after idle recovery = %v, want >= %v", st.healthAt(later), h.healthFloor)
	}
}
