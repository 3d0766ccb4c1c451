// Package ratelimit classifies upstream failures and computes retry backoff.
//
// The Cloud Code backend reports throttling in several shapes: structured
// RetryInfo details, ad-hoc JSON fields, free-form prose, and plain HTTP
// headers. This package folds all of them into one classification plus an
// optional server-provided reset delay, and tracks consecutive 429s per
// (account, model) so the dispatcher can tell a duplicate burst from a real
// quota outage.
package ratelimit

import (
	"net/http"
	"strings"
	"time"
)

// Kind is the error taxonomy used by the dispatch pipeline.
type Kind int

const (
	KindUnknown Kind = iota
	KindRateLimit
	KindQuotaExhausted
	KindModelCapacity
	KindServerError
	KindPermanentAuth
	KindInvalidRequest
)

func (k Kind) String() string {
	switch k {
	case KindRateLimit:
		return "RATE_LIMIT"
	case KindQuotaExhausted:
		return "QUOTA_EXHAUSTED"
	case KindModelCapacity:
		return "MODEL_CAPACITY_EXHAUSTED"
	case KindServerError:
		return "SERVER_ERROR"
	case KindPermanentAuth:
		return "PERMANENT_AUTH"
	case KindInvalidRequest:
		return "INVALID_REQUEST"
	default:
		return "UNKNOWN"
	}
}

// Classification is the result of inspecting one failed upstream response.
type Classification struct {
	Kind       Kind
	ResetDelay time.Duration
	HasReset   bool
}

var (
	quotaMarkers = []string{
		"quota",
		"daily limit",
		"resource exhausted",
		"resource_exhausted",
	}
	capacityMarkers = []string{
		"capacity",
		"overloaded",
		"no available",
	}
	rateMarkers = []string{
		"rate limit",
		"rate_limit",
		"ratelimit",
		"too many requests",
		"throttl",
	}
	serverMarkers = []string{
		"internal error",
		"internal server error",
		"service unavailable",
		"bad gateway",
		"server error",
	}
	permanentAuthMarkers = []string{
		"invalid_grant",
		"invalid_client",
		"unauthorized_client",
		"token has been expired or revoked",
		"revoked",
		"credentials are invalid",
	}
)

// Classify inspects the status, headers and raw body of a failed upstream
// response and returns its error kind plus any server-provided reset delay.
func Classify(status int, header http.Header, body []byte) Classification {
	delay, hasReset := ParseResetDelay(header, body)
	return Classification{
		Kind:       classifyKind(status, string(body)),
		ResetDelay: delay,
		HasReset:   hasReset,
	}
}

func classifyKind(status int, body string) Kind {
	lower := strings.ToLower(body)

	// Status overrides come first. 529 is the backend's dedicated
	// model-capacity status; 500 is a server error no matter what the body
	// claims.
	switch {
	case status == 529:
		return KindModelCapacity
	case status == 503 && containsAny(lower, capacityMarkers):
		return KindModelCapacity
	case status == 500:
		return KindServerError
	}

	switch {
	case containsAny(lower, quotaMarkers):
		return KindQuotaExhausted
	case containsAny(lower, capacityMarkers):
		return KindModelCapacity
	case containsAny(lower, rateMarkers):
		return KindRateLimit
	case containsAny(lower, serverMarkers):
		return KindServerError
	case containsAny(lower, permanentAuthMarkers):
		return KindPermanentAuth
	}

	switch {
	case status == 429:
		return KindRateLimit
	case status == 400:
		return KindInvalidRequest
	case status >= 500 && status < 600:
		return KindServerError
	}
	return KindUnknown
}

// IsPermanentAuthMessage reports whether an error message indicates a
// credential that cannot be recovered by retrying the refresh.
func IsPermanentAuthMessage(msg string) bool {
	return containsAny(strings.ToLower(msg), permanentAuthMarkers)
}

func containsAny(s string, markers []string) bool {
	for _, marker := range markers {
		if strings.Contains(s, marker) {
			return true
		}
	}
	return false
}
