package token

import (
	"strings"

	"github.com/pysugar/antigravity-nexus/internal/store"
	"github.com/pysugar/antigravity-nexus/internal/upstream"
)

// ExtractTier derives the subscription tier from a loadCodeAssist response.
// Source priority: paidTier.id, then currentTier.id, then the allowedTiers
// entry marked default.
func ExtractTier(resp *upstream.LoadCodeAssistResponse) store.Tier {
	if resp == nil {
		return store.TierUnknown
	}
	if resp.PaidTier != nil && resp.PaidTier.ID != "" {
		return ParseTierLabel(resp.PaidTier.ID)
	}
	if resp.CurrentTier != nil && resp.CurrentTier.ID != "" {
		return ParseTierLabel(resp.CurrentTier.ID)
	}
	for _, t := range resp.AllowedTiers {
		if t.IsDefault && t.ID != "" {
			return ParseTierLabel(t.ID)
		}
	}
	return store.TierUnknown
}

// ParseTierLabel maps a tier id onto the coarse subscription level.
func ParseTierLabel(label string) store.Tier {
	lower := strings.ToLower(strings.TrimSpace(label))
	switch {
	case lower == "":
		return store.TierUnknown
	case strings.Contains(lower, "ultra"):
		return store.TierUltra
	case lower == "standard-tier":
		return store.TierPro
	case strings.Contains(lower, "pro") || strings.Contains(lower, "premium"):
		return store.TierPro
	case lower == "free-tier" || strings.Contains(lower, "free"):
		return store.TierFree
	default:
		return store.TierUnknown
	}
}

// OnboardTierID picks the tier to onboard with: the allowedTiers entry marked
// default, else the first entry.
func OnboardTierID(resp *upstream.LoadCodeAssistResponse) string {
	if resp == nil {
		return ""
	}
	for _, t := range resp.AllowedTiers {
		if t.IsDefault {
			return t.ID
		}
	}
	if len(resp.AllowedTiers) > 0 {
		return resp.AllowedTiers[0].ID
	}
	return ""
}
