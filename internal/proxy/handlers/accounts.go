package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/pysugar/antigravity-nexus/internal/store"
	"github.com/pysugar/antigravity-nexus/internal/usage"
)

type modelLimit struct {
	Limited bool      `json:"limited"`
	ResetAt time.Time `json:"reset_at"`
	ResetIn string    `json:"reset_in"`
}

type quotaInfo struct {
	Remaining  float64   `json:"remaining"`
	ResetAt    time.Time `json:"reset_at,omitempty"`
	CapturedAt time.Time `json:"captured_at"`
}

type accountStatus struct {
	Email               string                `json:"email"`
	Tier                string                `json:"tier,omitempty"`
	Enabled             bool                  `json:"enabled"`
	Invalid             bool                  `json:"invalid,omitempty"`
	Reason              string                `json:"reason,omitempty"`
	ConsecutiveFailures int                   `json:"consecutive_failures,omitempty"`
	LastUsed            time.Time             `json:"last_used,omitempty"`
	Limits              map[string]modelLimit `json:"limits,omitempty"`
	Quota               map[string]quotaInfo  `json:"quota,omitempty"`
}

type accountLimitsResponse struct {
	Strategy string          `json:"strategy"`
	Accounts []accountStatus `json:"accounts"`
	History  usage.History   `json:"history,omitempty"`
}

// handleAccountLimits reports per-account cooldowns and quota. ?format=table
// renders a fixed-width text table; ?includeHistory=true embeds the usage
// snapshot.
func (s *Server) handleAccountLimits(w http.ResponseWriter, r *http.Request) {
	now := time.Now()
	resp := accountLimitsResponse{
		Strategy: s.pool.StrategyName(),
		Accounts: make([]accountStatus, 0, s.pool.Len()),
	}
	for _, a := range s.pool.Snapshot() {
		resp.Accounts = append(resp.Accounts, statusFor(a, now))
	}
	if r.URL.Query().Get("includeHistory") == "true" && s.usage != nil {
		resp.History = s.usage.Snapshot(30)
	}

	if r.URL.Query().Get("format") == "table" {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		io.WriteString(w, renderTable(resp.Accounts))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

func statusFor(a store.Account, now time.Time) accountStatus {
	st := accountStatus{
		Email:               a.Email,
		Tier:                string(a.Tier),
		Enabled:             a.Enabled,
		Invalid:             a.Invalid,
		Reason:              a.InvalidReason,
		ConsecutiveFailures: a.ConsecutiveFailures,
		LastUsed:            a.LastUsed,
	}
	for model, rl := range a.RateLimits {
		if !rl.Limited || !rl.ResetAt.After(now) {
			continue
		}
		if st.Limits == nil {
			st.Limits = make(map[string]modelLimit)
		}
		st.Limits[model] = modelLimit{
			Limited: true,
			ResetAt: rl.ResetAt,
			ResetIn: rl.ResetAt.Sub(now).Round(time.Second).String(),
		}
	}
	for model, q := range a.Quota {
		if st.Quota == nil {
			st.Quota = make(map[string]quotaInfo)
		}
		st.Quota[model] = quotaInfo{
			Remaining:  q.Remaining,
			ResetAt:    q.ResetAt,
			CapturedAt: q.CapturedAt,
		}
	}
	return st
}

func renderTable(accounts []accountStatus) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%-32s %-8s %-8s %-9s %s\n", "ACCOUNT", "TIER", "STATE", "FAILURES", "LIMITED MODELS")
	for _, a := range accounts {
		state := "ok"
		switch {
		case a.Invalid:
			state = "invalid"
		case !a.Enabled:
			state = "disabled"
		case len(a.Limits) > 0:
			state = "limited"
		}
		models := make([]string, 0, len(a.Limits))
		for model, lim := range a.Limits {
			models = append(models, fmt.Sprintf("%s (reset %s)", model, lim.ResetIn))
		}
		sort.Strings(models)
		summary := strings.Join(models, ", ")
		if summary == "" {
			summary = "-"
		}
		fmt.Fprintf(&sb, "%-32s %-8s %-8s %-9d %s\n", a.Email, orDash(a.Tier), state, a.ConsecutiveFailures, summary)
	}
	return sb.String()
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

// handleRefreshToken forces a token refresh for one account or, with an
// empty body, for all of them.
func (s *Server) handleRefreshToken(w http.ResponseWriter, r *http.Request) {
	if s.refresher == nil {
		writeError(w, http.StatusServiceUnavailable, "api_error", "token refresh is not available")
		return
	}
	var body struct {
		Email string `json:"email"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid_request_error", "invalid JSON body: "+err.Error())
		return
	}

	var targets []string
	if body.Email != "" {
		targets = []string{body.Email}
	} else {
		for _, a := range s.pool.Snapshot() {
			targets = append(targets, a.Email)
		}
	}

	results := make(map[string]string, len(targets))
	for _, email := range targets {
		if _, err := s.refresher.ForceRefresh(r.Context(), email); err != nil {
			results[email] = err.Error()
		} else {
			results[email] = "ok"
		}
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{"results": results})
}
