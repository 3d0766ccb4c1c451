package pool

import (
	"testing"
	"time"

	"github.com/pysugar/antigravity-nexus/internal/store"
)

func acct(email string) store.Account {
	return store.Account{Email: email, Kind: store.CredentialOAuth, Enabled: true}
}

func limited(a store.Account, model string, resetAt time.Time) store.Account {
	if a.RateLimits == nil {
		a.RateLimits = make(map[string]store.RateLimitState)
	}
	a.RateLimits[model] = store.RateLimitState{Limited: true, ResetAt: resetAt}
	return a
}

func TestStickyPrefersLastUsed(t *testing.T) {
	now := time.Now()
	s := &sticky{}
	accounts := []store.Account{acct("a@x.com"), acct("b@x.com"), acct("c@x.com")}

	s.NotifySuccess("b@x.com", "gemini-3-pro-high")
	sel := s.Select(accounts, "gemini-3-pro-high", now)
	if sel.Account == nil || sel.Account.Email != "b@x.com" {
		t.Fatalf("sticky picked %+v, want b@x.com", sel.Account)
	}

	// Repeat selections stay put.
	sel = s.Select(accounts, "gemini-3-pro-high", now)
	if sel.Account == nil || sel.Account.Email != "b@x.com" {
		t.Fatalf("sticky moved off b@x.com: %+v", sel.Account)
	}
}

func TestStickyWaitsOutShortCooldown(t *testing.T) {
	now := time.Now()
	s := &sticky{lastEmail: "a@x.com"}
	accounts := []store.Account{
		limited(acct("a@x.com"), "m", now.Add(30*time.Second)),
		acct("b@x.com"),
	}

	sel := s.Select(accounts, "m", now)
	if sel.Account != nil {
		t.Fatalf("expected wait, got account %s", sel.Account.Email)
	}
	if sel.Wait <= 0 || sel.Wait > 30*time.Second {
		t.Errorf("wait = %v, want ~30s", sel.Wait)
	}
}

func TestStickySwitchesOnLongCooldown(t *testing.T) {
	now := time.Now()
	s := &sticky{lastEmail: "a@x.com"}
	accounts := []store.Account{
		limited(acct("a@x.com"), "m", now.Add(10*time.Minute)),
		acct("b@x.com"),
	}

	sel := s.Select(accounts, "m", now)
	if sel.Account == nil || sel.Account.Email != "b@x.com" {
		t.Fatalf("expected switch to b@x.com, got %+v (wait %v)", sel.Account, sel.Wait)
	}

	// The switch sticks.
	sel = s.Select(accounts, "m", now)
	if sel.Account == nil || sel.Account.Email != "b@x.com" {
		t.Fatalf("sticky did not stay on b@x.com: %+v", sel.Account)
	}
}

func TestStickyAllLimitedReturnsMinReset(t *testing.T) {
	now := time.Now()
	s := &sticky{lastEmail: "a@x.com"}
	accounts := []store.Account{
		limited(acct("a@x.com"), "m", now.Add(10*time.Minute)),
		limited(acct("b@x.com"), "m", now.Add(3*time.Minute)),
	}

	sel := s.Select(accounts, "m", now)
	if sel.Account != nil {
		t.Fatalf("expected no account, got %s", sel.Account.Email)
	}
	if sel.Wait != 3*time.Minute {
		t.Errorf("wait = %v, want 3m (minimum reset)", sel.Wait)
	}
}

func TestRoundRobinRotates(t *testing.T) {
	now := time.Now()
	r := newRoundRobin()
	accounts := []store.Account{acct("a@x.com"), acct("b@x.com"), acct("c@x.com")}

	// A fresh pool starts the rotation at the first account.
	var got []string
	for i := 0; i < 6; i++ {
		sel := r.Select(accounts, "m", now)
		if sel.Account == nil {
			t.Fatalf("selection %d returned no account", i)
		}
		got = append(got, sel.Account.Email)
	}
	want := []string{"a@x.com", "b@x.com", "c@x.com", "a@x.com", "b@x.com", "c@x.com"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("rotation = %v, want %v", got, want)
		}
	}
}

func TestRoundRobinSkipsLimited(t *testing.T) {
	now := time.Now()
	r := newRoundRobin()
	accounts := []store.Account{
		acct("a@x.com"),
		limited(acct("b@x.com"), "m", now.Add(time.Minute)),
		acct("c@x.com"),
	}

	sel := r.Select(accounts, "m", now)
	if sel.Account == nil || sel.Account.Email != "a@x.com" {
		t.Fatalf("got %+v, want a@x.com", sel.Account)
	}
	sel = r.Select(accounts, "m", now)
	if sel.Account == nil || sel.Account.Email != "c@x.com" {
		t.Fatalf("got %+v, want c@x.com (b is cooling down)", sel.Account)
	}
	sel = r.Select(accounts, "m", now)
	if sel.Account == nil || sel.Account.Email != "a@x.com" {
		t.Fatalf("got %+v, want a@x.com after wrapping", sel.Account)
	}
}

func TestRoundRobinExhaustedSuggestsWait(t *testing.T) {
	now := time.Now()
	r := newRoundRobin()
	accounts := []store.Account{
		limited(acct("a@x.com"), "m", now.Add(45*time.Second)),
		limited(acct("b@x.com"), "m", now.Add(90*time.Second)),
	}

	sel := r.Select(accounts, "m", now)
	if sel.Account != nil {
		t.Fatalf("expected wait, got %s", sel.Account.Email)
	}
	if sel.Wait != 45*time.Second {
		t.Errorf("wait = %v, want 45s", sel.Wait)
	}
}

func TestRateLimitIsPerModel(t *testing.T) {
	now := time.Now()
	r := newRoundRobin()
	accounts := []store.Account{
		limited(acct("a@x.com"), "model-x", now.Add(time.Minute)),
	}

	sel := r.Select(accounts, "model-y", now)
	if sel.Account == nil || sel.Account.Email != "a@x.com" {
		t.Fatalf("cooldown for model-x must not block model-y: %+v", sel.Account)
	}
}

func TestNewStrategyNames(t *testing.T) {
	tests := []struct {
		configured string
		want       string
	}{
		{"sticky", "sticky"},
		{"round-robin", "round-robin"},
		{"hybrid", "hybrid"},
		{"bogus", "sticky"},
		{"", "sticky"},
	}
	for _, tt := range tests {
		cfg := store.DefaultConfig()
		cfg.Strategy = tt.configured
		if got := NewStrategy(cfg).Name(); got != tt.want {
			t.Errorf("NewStrategy(%q).Name() = %q, want %q", tt.configured, got, tt.want)
		}
	}
}
