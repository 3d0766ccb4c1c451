package usage

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func newTestTracker(t *testing.T) *Tracker {
	t.Helper()
	tr, err := NewTracker(filepath.Join(t.TempDir(), "usage-history.json"), "")
	if err != nil {
		t.Fatal(err)
	}
	return tr
}

func TestRecordBucketsByFamilyAndModel(t *testing.T) {
	tr := newTestTracker(t)
	at := time.Date(2026, 8, 26, 14, 30, 0, 0, time.UTC)
	tr.now = func() time.Time { return at }

	tr.Record("claude-opus-4-5-thinking")
	tr.Record("claude-opus-4-5-thinking")
	tr.Record("claude-sonnet-4-5")
	tr.Record("gemini-3-pro-high")

	bucket := "2026-08-26T14:00:00Z"
	h := tr.Snapshot(1)
	hour, ok := h[bucket]
	if !ok {
		t.Fatalf("bucket %s missing, have %v", bucket, SortedHours(h))
	}
	if got := hour["claude"]["opus-4-5-thinking"]; got != 2 {
		t.Errorf("opus count = %d, want 2", got)
	}
	if got := hour["claude"]["_subtotal"]; got != 3 {
		t.Errorf("claude subtotal = %d, want 3", got)
	}
	if got := hour["gemini"]["_subtotal"]; got != 1 {
		t.Errorf("gemini subtotal = %d, want 1", got)
	}
	if got := hour["_total"]["_total"]; got != 4 {
		t.Errorf("total = %d, want 4", got)
	}
}

func TestSnapshotWindowAndSort(t *testing.T) {
	tr := newTestTracker(t)
	at := time.Date(2026, 8, 26, 10, 0, 0, 0, time.UTC)

	tr.now = func() time.Time { return at.Add(-40 * 24 * time.Hour) }
	tr.Record("gemini-3-flash")
	tr.now = func() time.Time { return at.Add(-2 * time.Hour) }
	tr.Record("gemini-3-flash")
	tr.now = func() time.Time { return at }
	tr.Record("gemini-3-flash")

	h := tr.Snapshot(7)
	if len(h) != 2 {
		t.Fatalf("snapshot buckets = %d, want 2 (old bucket out of window)", len(h))
	}
	hours := SortedHours(h)
	if hours[0] >= hours[1] {
		t.Errorf("hours not ascending: %v", hours)
	}
}

func TestPruneDropsOldBuckets(t *testing.T) {
	tr := newTestTracker(t)
	at := time.Now().UTC()

	tr.now = func() time.Time { return at.Add(-retention - time.Hour) }
	tr.Record("gemini-3-flash")
	tr.now = func() time.Time { return at }
	tr.Record("gemini-3-flash")

	tr.prune()
	if got := len(tr.Snapshot(365)); got != 1 {
		t.Errorf("buckets after prune = %d, want 1", got)
	}
}

func TestFlushAndReload(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "usage-history.json")

	tr, err := NewTracker(path, "")
	if err != nil {
		t.Fatal(err)
	}
	tr.Record("claude-sonnet-4-5")
	if err := tr.Flush(); err != nil {
		t.Fatal(err)
	}

	// An unchanged tracker flushes nothing; the file must already be final.
	if err := tr.Flush(); err != nil {
		t.Fatal(err)
	}

	reloaded, err := NewTracker(path, "")
	if err != nil {
		t.Fatal(err)
	}
	h := reloaded.Snapshot(1)
	if len(h) != 1 {
		t.Fatalf("reloaded buckets = %d, want 1", len(h))
	}
	for _, hour := range h {
		if hour["claude"]["sonnet-4-5"] != 1 {
			t.Errorf("reloaded count = %v", hour)
		}
	}
}

func TestLegacyMigration(t *testing.T) {
	dir := t.TempDir()
	legacy := filepath.Join(dir, "usage.json")
	canonical := filepath.Join(dir, "usage-history.json")

	h := History{
		"2026-08-01T00:00:00Z": {
			"gemini": {"3-flash": 5, "_subtotal": 5},
			"_total": {"_total": 5},
		},
	}
	data, _ := json.Marshal(h)
	if err := os.WriteFile(legacy, data, 0o600); err != nil {
		t.Fatal(err)
	}

	tr, err := NewTracker(canonical, legacy)
	if err != nil {
		t.Fatal(err)
	}
	snap := tr.Snapshot(365)
	if snap["2026-08-01T00:00:00Z"]["gemini"]["3-flash"] != 5 {
		t.Errorf("migrated history = %v", snap)
	}
	if _, err := os.Stat(legacy); !os.IsNotExist(err) {
		t.Error("legacy file not removed after migration")
	}
	if _, err := os.Stat(canonical); err != nil {
		t.Error("canonical file not created by migration")
	}
}

func TestLegacyMigrationSkippedWhenCanonicalExists(t *testing.T) {
	dir := t.TempDir()
	legacy := filepath.Join(dir, "usage.json")
	canonical := filepath.Join(dir, "usage-history.json")

	if err := os.WriteFile(canonical, []byte(`{}`), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(legacy, []byte(`{"x":{}}`), 0o600); err != nil {
		t.Fatal(err)
	}

	if _, err := NewTracker(canonical, legacy); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(legacy); err != nil {
		t.Error("legacy file must survive when canonical already exists")
	}
}
