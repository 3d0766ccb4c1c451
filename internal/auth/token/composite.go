// Package token resolves credentials for pool accounts: OAuth access-token
// refresh with caching and single-flight, managed-project discovery and
// onboarding, subscription-tier extraction, and the local-database reader for
// accounts enrolled straight from an Antigravity IDE install.
package token

import "strings"

// CompositeRefresh is the credential material of an OAuth account:
// "<refresh-token>|<project-id>|<managed-project-id>", trailing segments
// optional.
type CompositeRefresh struct {
	RefreshToken     string
	ProjectID        string
	ManagedProjectID string
}

// ParseRefresh splits a composite refresh credential.
func ParseRefresh(raw string) CompositeRefresh {
	parts := strings.SplitN(raw, "|", 3)
	c := CompositeRefresh{RefreshToken: parts[0]}
	if len(parts) > 1 {
		c.ProjectID = parts[1]
	}
	if len(parts) > 2 {
		c.ManagedProjectID = parts[2]
	}
	return c
}

// FormatRefresh rebuilds the composite form, omitting trailing separators for
// empty segments.
func FormatRefresh(c CompositeRefresh) string {
	if c.ManagedProjectID != "" {
		return c.RefreshToken + "|" + c.ProjectID + "|" + c.ManagedProjectID
	}
	if c.ProjectID != "" {
		return c.RefreshToken + "|" + c.ProjectID
	}
	return c.RefreshToken
}
