package ratelimit

import (
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// networkLatencyBuffer pads sub-500ms reset delays so a retry does not land
// just before the server-side window actually opens.
const networkLatencyBuffer = 200 * time.Millisecond

var (
	quotaResetDelayRe = regexp.MustCompile(`(?i)"quotaResetDelay"\s*:\s*"([^"]+)"`)
	quotaResetStampRe = regexp.MustCompile(`(?i)"quotaResetTimeStamp"\s*:\s*"([^"]+)"`)
	retryDelaySecsRe  = regexp.MustCompile(`(?i)"retryDelay"\s*:\s*"([0-9.]+)s"`)
	retryAfterMsRe    = regexp.MustCompile(`(?i)retry[-_]after[-_]ms["']?\s*[:=]\s*["']?([0-9]+)`)
	retryAfterTextRe  = regexp.MustCompile(`(?i)retry(?:\s+after)?\s+([0-9]+)\s*(?:seconds|second|secs|sec|s)\b`)
	durationExprRe    = regexp.MustCompile(`\b(?:[0-9]+h(?:[0-9]+m)?(?:[0-9]+(?:\.[0-9]+)?s)?|[0-9]+m[0-9]+(?:\.[0-9]+)?s|[0-9]+(?:\.[0-9]+)?s)\b`)
	resetStampRe      = regexp.MustCompile(`(?i)reset:?\s*([0-9]{4}-[0-9]{2}-[0-9]{2}T[0-9:.]+(?:Z|[+-][0-9]{2}:[0-9]{2}))`)
)

// ParseResetDelay extracts a server-provided reset delay from response
// headers or the raw error body. Headers win over the body; within the body
// the first matching rule wins. The returned delay is normalised: values at
// or below zero become 500ms and values under 500ms gain a small network
// latency buffer.
func ParseResetDelay(header http.Header, body []byte) (time.Duration, bool) {
	if header != nil {
		if raw := strings.TrimSpace(header.Get("Retry-After")); raw != "" {
			if secs, err := strconv.Atoi(raw); err == nil {
				return normalizeDelay(time.Duration(secs) * time.Second), true
			}
			if t, err := http.ParseTime(raw); err == nil {
				return normalizeDelay(time.Until(t)), true
			}
		}
		if raw := strings.TrimSpace(header.Get("x-ratelimit-reset")); raw != "" {
			if unix, err := strconv.ParseFloat(raw, 64); err == nil {
				resetAt := time.Unix(int64(unix), 0)
				return normalizeDelay(time.Until(resetAt)), true
			}
		}
		if raw := strings.TrimSpace(header.Get("x-ratelimit-reset-after")); raw != "" {
			if secs, err := strconv.ParseFloat(raw, 64); err == nil {
				return normalizeDelay(time.Duration(secs * float64(time.Second))), true
			}
		}
	}

	if len(body) == 0 {
		return 0, false
	}
	text := string(body)

	if m := quotaResetDelayRe.FindStringSubmatch(text); m != nil {
		if d, err := time.ParseDuration(strings.TrimSpace(m[1])); err == nil {
			return normalizeDelay(d), true
		}
	}
	if m := quotaResetStampRe.FindStringSubmatch(text); m != nil {
		if t, err := time.Parse(time.RFC3339, strings.TrimSpace(m[1])); err == nil {
			return normalizeDelay(time.Until(t)), true
		}
	}
	if m := retryDelaySecsRe.FindStringSubmatch(text); m != nil {
		if secs, err := strconv.ParseFloat(m[1], 64); err == nil {
			return normalizeDelay(time.Duration(secs * float64(time.Second))), true
		}
	}
	if m := retryAfterMsRe.FindStringSubmatch(text); m != nil {
		if ms, err := strconv.ParseInt(m[1], 10, 64); err == nil {
			return normalizeDelay(time.Duration(ms) * time.Millisecond), true
		}
	}
	if m := retryAfterTextRe.FindStringSubmatch(text); m != nil {
		if secs, err := strconv.ParseInt(m[1], 10, 64); err == nil {
			return normalizeDelay(time.Duration(secs) * time.Second), true
		}
	}
	if m := durationExprRe.FindString(text); m != "" {
		if d, err := time.ParseDuration(m); err == nil {
			return normalizeDelay(d), true
		}
	}
	if m := resetStampRe.FindStringSubmatch(text); m != nil {
		if t, err := time.Parse(time.RFC3339, strings.TrimSpace(m[1])); err == nil {
			return normalizeDelay(time.Until(t)), true
		}
	}
	return 0, false
}

func normalizeDelay(d time.Duration) time.Duration {
	if d <= 0 {
		return 500 * time.Millisecond
	}
	if d < 500*time.Millisecond {
		return d + networkLatencyBuffer
	}
	return d
}
