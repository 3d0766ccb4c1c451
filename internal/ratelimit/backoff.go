package ratelimit

import (
	"math/rand"
	"time"
)

const serverDelayFloor = 2 * time.Second

// quotaBackoffTiers is indexed by consecutive failures for the account,
// clamped to the last entry.
var quotaBackoffTiers = []time.Duration{
	60 * time.Second,
	5 * time.Minute,
	30 * time.Minute,
	2 * time.Hour,
}

// SmartBackoff picks the cooldown for a classified failure. A server-provided
// reset delay always wins, floored at two seconds so an aggressive client
// cannot hammer an endpoint that just said no.
func SmartBackoff(c Classification, consecutiveFailures int) time.Duration {
	if c.HasReset {
		if c.ResetDelay < serverDelayFloor {
			return serverDelayFloor
		}
		return c.ResetDelay
	}
	switch c.Kind {
	case KindQuotaExhausted:
		idx := consecutiveFailures - 1
		if idx < 0 {
			idx = 0
		}
		if idx >= len(quotaBackoffTiers) {
			idx = len(quotaBackoffTiers) - 1
		}
		return quotaBackoffTiers[idx]
	case KindModelCapacity:
		// 15s +/- 5s of jitter so concurrent requests do not re-probe in
		// lockstep.
		jitter := time.Duration(rand.Int63n(int64(10*time.Second))) - 5*time.Second
		return 15*time.Second + jitter
	case KindRateLimit:
		return 30 * time.Second
	case KindServerError:
		return 20 * time.Second
	default:
		return 60 * time.Second
	}
}
