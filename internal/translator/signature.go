package translator

import (
	"sync"
	"time"

	"github.com/pysugar/antigravity-nexus/internal/catalog"
)

const (
	signatureTTL        = 2 * time.Hour
	signatureCacheLimit = 4096

	// skipValidatorSignature is the upstream escape hatch accepted in place
	// of a real Gemini thought signature.
	skipValidatorSignature = "skip_thought_signature_validator"
)

type signatureEntry struct {
	family  catalog.Family
	expires time.Time
}

// signatureCache remembers which model family produced each thought
// signature. Claude and Gemini signatures are mutually unintelligible, so a
// signature replayed at the wrong family must be dropped before it reaches
// upstream validation.
type signatureCache struct {
	mu      sync.Mutex
	entries map[string]signatureEntry
	limit   int
	now     func() time.Time
}

var signatures = newSignatureCache(signatureCacheLimit)

func newSignatureCache(limit int) *signatureCache {
	return &signatureCache{
		entries: make(map[string]signatureEntry),
		limit:   limit,
		now:     time.Now,
	}
}

func (c *signatureCache) remember(sig string, family catalog.Family) {
	if sig == "" || sig == skipValidatorSignature {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	if len(c.entries) >= c.limit {
		c.evictLocked(now)
	}
	c.entries[sig] = signatureEntry{family: family, expires: now.Add(signatureTTL)}
}

func (c *signatureCache) lookup(sig string) (catalog.Family, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[sig]
	if !ok || c.now().After(entry.expires) {
		delete(c.entries, sig)
		return catalog.FamilyUnknown, false
	}
	return entry.family, true
}

// evictLocked removes expired entries, then arbitrary ones while over limit.
func (c *signatureCache) evictLocked(now time.Time) {
	for sig, entry := range c.entries {
		if now.After(entry.expires) {
			delete(c.entries, sig)
		}
	}
	for sig := range c.entries {
		if len(c.entries) < c.limit {
			break
		}
		delete(c.entries, sig)
	}
}

// RememberSignature records that a thought signature came from the given
// model's family. Called while converting upstream responses.
func RememberSignature(sig, model string) {
	signatures.remember(sig, catalog.FamilyOf(model))
}

// SignatureFamily reports the cached family for a signature seen before.
func SignatureFamily(sig string) (catalog.Family, bool) {
	return signatures.lookup(sig)
}

// validateSignature decides what to send upstream for a historical signature
// when the target model is in family target. Unknown or foreign signatures
// are dropped for Gemini targets (which validate strictly) and passed
// through for Claude targets (which validate themselves).
func validateSignature(sig string, target catalog.Family, hasGeminiHistory bool) string {
	if sig == "" {
		return ""
	}
	family, known := SignatureFamily(sig)
	if known && family == target {
		return sig
	}
	switch target {
	case catalog.FamilyGemini:
		if hasGeminiHistory {
			return skipValidatorSignature
		}
		return ""
	default:
		if known && family != target {
			return ""
		}
		return sig
	}
}
