package ratelimit

import (
	"testing"
	"time"
)

type fakeClock struct {
	t time.Time
}

func (c *fakeClock) now() time.Time { return c.t }

func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestTracker() (*Tracker, *fakeClock) {
	clock := &fakeClock{t: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	return newTracker(clock.now), clock
}

func TestTracker_FirstObservation(t *testing.T) {
	tr, _ := newTestTracker()

	got := tr.Observe("a@example.com", "claude-sonnet-4-5", 10*time.Second)
	if got.Attempt != 1 {
		t.Errorf("Attempt = %d, want 1", got.Attempt)
	}
	if got.Duplicate {
		t.Error("Duplicate = true for first observation")
	}
	if got.Delay != 10*time.Second {
		t.Errorf("Delay = %v, want base 10s", got.Delay)
	}
}

func TestTracker_DuplicateWithinWindow(t *testing.T) {
	tr, clock := newTestTracker()

	tr.Observe("a@example.com", "m", 10*time.Second)
	clock.advance(time.Second)

	got := tr.Observe("a@example.com", "m", 10*time.Second)
	if !got.Duplicate {
		t.Fatal("Duplicate = false inside 2s window")
	}
	if got.Attempt != 1 {
		t.Errorf("Attempt = %d, duplicates must not increment the counter", got.Attempt)
	}
}

func TestTracker_EscalationOutsideWindow(t *testing.T) {
	tr, clock := newTestTracker()

	tr.Observe("a@example.com", "m", 10*time.Second)
	clock.advance(5 * time.Second)

	got := tr.Observe("a@example.com", "m", 10*time.Second)
	if got.Duplicate {
		t.Fatal("Duplicate = true outside dedup window")
	}
	if got.Attempt != 2 {
		t.Errorf("Attempt = %d, want 2", got.Attempt)
	}
	if got.Delay != 20*time.Second {
		t.Errorf("Delay = %v, want 10s doubled to 20s", got.Delay)
	}
}

func TestTracker_EscalationClamp(t *testing.T) {
	tr, clock := newTestTracker()

	for i := 0; i < 5; i++ {
		tr.Observe("a@example.com", "m", 10*time.Second)
		clock.advance(5 * time.Second)
	}

	got := tr.Observe("a@example.com", "m", 10*time.Second)
	if got.Delay != 60*time.Second {
		t.Errorf("Delay = %v, want clamp at 60s", got.Delay)
	}
}

func TestTracker_ResetAfterIdle(t *testing.T) {
	tr, clock := newTestTracker()

	tr.Observe("a@example.com", "m", 10*time.Second)
	clock.advance(5 * time.Second)
	tr.Observe("a@example.com", "m", 10*time.Second)

	clock.advance(2 * time.Minute)
	got := tr.Observe("a@example.com", "m", 10*time.Second)
	if got.Attempt != 1 {
		t.Errorf("Attempt = %d after idle reset, want 1", got.Attempt)
	}
	if got.Delay != 10*time.Second {
		t.Errorf("Delay = %v after idle reset, want base", got.Delay)
	}
}

func TestTracker_KeysAreIndependent(t *testing.T) {
	tr, clock := newTestTracker()

	tr.Observe("a@example.com", "m", 10*time.Second)
	clock.advance(time.Second)

	got := tr.Observe("b@example.com", "m", 10*time.Second)
	if got.Duplicate {
		t.Error("Duplicate = true across different accounts")
	}
	got = tr.Observe("a@example.com", "other-model", 10*time.Second)
	if got.Duplicate {
		t.Error("Duplicate = true across different models")
	}
}

func TestTracker_SweepEvictsIdleEntries(t *testing.T) {
	tr, clock := newTestTracker()

	tr.Observe("a@example.com", "m", 10*time.Second)
	clock.advance(3 * time.Minute)
	tr.sweep()

	tr.mu.Lock()
	n := len(tr.entries)
	tr.mu.Unlock()
	if n != 0 {
		t.Errorf("entries after sweep = %d, want 0", n)
	}
}
