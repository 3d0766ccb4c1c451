package ratelimit

import (
	"sync"
	"time"
)

const (
	// dedupWindow marks back-to-back 429s for the same (account, model) as
	// duplicates; the dispatcher switches accounts instead of retrying.
	dedupWindow = 2 * time.Second

	// stateResetInterval resets the consecutive-429 counter after the pair
	// has been quiet for this long.
	stateResetInterval = 2 * time.Minute

	escalationCap = 60 * time.Second
	sweepInterval = 60 * time.Second
)

// Attempt describes one observed 429 for an (account, model) pair.
type Attempt struct {
	// Attempt is the consecutive-429 count including this observation.
	Attempt int
	// Delay is the base delay escalated exponentially by the attempt count.
	Delay time.Duration
	// Duplicate is set when this 429 arrived inside the dedup window of the
	// previous one.
	Duplicate bool
}

type trackerEntry struct {
	count    int
	lastSeen time.Time
}

// Tracker deduplicates and escalates rate-limit hits per (account, model).
// It is shared across all in-flight requests; a background sweeper evicts
// idle entries.
type Tracker struct {
	mu      sync.Mutex
	entries map[string]*trackerEntry
	now     func() time.Time

	stop     chan struct{}
	stopOnce sync.Once
}

// NewTracker creates a Tracker and starts its sweeper goroutine. Call Close
// to stop the sweeper.
func NewTracker() *Tracker {
	t := newTracker(time.Now)
	go t.sweepLoop()
	return t
}

func newTracker(now func() time.Time) *Tracker {
	return &Tracker{
		entries: make(map[string]*trackerEntry),
		now:     now,
		stop:    make(chan struct{}),
	}
}

// Observe records a 429 for (email, model) with the given base delay and
// returns the effective attempt number, escalated delay and duplicate flag.
func (t *Tracker) Observe(email, model string, base time.Duration) Attempt {
	key := email + "|" + model

	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	e := t.entries[key]
	if e == nil || now.Sub(e.lastSeen) >= stateResetInterval {
		e = &trackerEntry{}
		t.entries[key] = e
	}

	if e.count > 0 && now.Sub(e.lastSeen) < dedupWindow {
		e.lastSeen = now
		return Attempt{Attempt: e.count, Delay: base, Duplicate: true}
	}

	e.count++
	e.lastSeen = now
	return Attempt{Attempt: e.count, Delay: escalate(base, e.count)}
}

func escalate(base time.Duration, attempt int) time.Duration {
	delay := base
	if attempt > 1 {
		shift := attempt - 1
		if shift > 6 {
			shift = 6
		}
		if escalated := base << shift; escalated > delay {
			delay = escalated
		}
	}
	if delay > escalationCap {
		delay = escalationCap
	}
	return delay
}

// Close stops the background sweeper.
func (t *Tracker) Close() {
	t.stopOnce.Do(func() { close(t.stop) })
}

func (t *Tracker) sweepLoop() {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			t.sweep()
		case <-t.stop:
			return
		}
	}
}

func (t *Tracker) sweep() {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.now()
	for key, e := range t.entries {
		if now.Sub(e.lastSeen) >= stateResetInterval {
			delete(t.entries, key)
		}
	}
}
