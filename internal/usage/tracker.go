// Package usage records per-hour request counts bucketed by model family,
// with a rolling 30-day retention window.
package usage

import (
	"encoding/json"
	"errors"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/pysugar/antigravity-nexus/internal/catalog"
	"github.com/pysugar/antigravity-nexus/internal/store"
)

const (
	flushInterval = time.Minute
	retention     = 30 * 24 * time.Hour

	subtotalKey = "_subtotal"
	totalKey    = "_total"

	hourFormat = "2006-01-02T15:00:00Z"
)

// History is hour bucket -> family -> model short name -> count, with
// _subtotal per family and _total per bucket.
type History map[string]map[string]map[string]int

// Tracker accumulates counts in memory and flushes them to
// usage-history.json once a minute while dirty.
type Tracker struct {
	mu      sync.Mutex
	history History
	dirty   bool
	path    string

	stop     chan struct{}
	stopOnce sync.Once
	now      func() time.Time
}

// NewTracker loads existing history from path, migrating the legacy file
// first if present.
func NewTracker(path, legacyPath string) (*Tracker, error) {
	t := &Tracker{
		history: make(History),
		path:    path,
		stop:    make(chan struct{}),
		now:     time.Now,
	}
	if legacyPath != "" {
		migrateLegacy(legacyPath, path)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return t, nil
		}
		return nil, err
	}
	if err := json.Unmarshal(data, &t.history); err != nil {
		logrus.WithError(err).Warn("usage history unreadable, starting fresh")
		t.history = make(History)
	}
	return t, nil
}

// migrateLegacy moves usage.json content to the canonical file once. The
// legacy file is removed after a successful copy.
func migrateLegacy(legacyPath, path string) {
	if _, err := os.Stat(path); err == nil {
		return
	}
	data, err := os.ReadFile(legacyPath)
	if err != nil {
		return
	}
	var h History
	if err := json.Unmarshal(data, &h); err != nil {
		logrus.WithError(err).Warn("legacy usage file unreadable, skipping migration")
		return
	}
	out, err := json.MarshalIndent(h, "", "  ")
	if err != nil {
		return
	}
	if err := os.WriteFile(path, out, 0o600); err != nil {
		logrus.WithError(err).Warn("usage history migration failed")
		return
	}
	if err := os.Remove(legacyPath); err != nil {
		logrus.WithError(err).Warn("could not remove legacy usage file")
	}
	logrus.Info("migrated legacy usage.json to usage-history.json")
}

// Record counts one completed request for the model.
func (t *Tracker) Record(model string) {
	bucket := t.now().UTC().Truncate(time.Hour).Format(hourFormat)
	family := string(catalog.FamilyOf(model))
	short := catalog.ShortName(model)

	t.mu.Lock()
	defer t.mu.Unlock()
	hour, ok := t.history[bucket]
	if !ok {
		hour = make(map[string]map[string]int)
		t.history[bucket] = hour
	}
	fam, ok := hour[family]
	if !ok {
		fam = make(map[string]int)
		hour[family] = fam
	}
	fam[short]++
	fam[subtotalKey]++
	tot, ok := hour[totalKey]
	if !ok {
		tot = make(map[string]int)
		hour[totalKey] = tot
	}
	tot[totalKey]++
	t.dirty = true
}

// Snapshot returns the buckets of the last n days, hour keys sorted
// ascending, as a deep copy.
func (t *Tracker) Snapshot(days int) History {
	cutoff := t.now().UTC().Add(-time.Duration(days) * 24 * time.Hour)
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make(History)
	for bucket, families := range t.history {
		at, err := time.Parse(hourFormat, bucket)
		if err != nil || at.Before(cutoff) {
			continue
		}
		famCopy := make(map[string]map[string]int, len(families))
		for family, models := range families {
			modelCopy := make(map[string]int, len(models))
			for model, count := range models {
				modelCopy[model] = count
			}
			famCopy[family] = modelCopy
		}
		out[bucket] = famCopy
	}
	return out
}

// SortedHours lists a history's bucket keys in ascending order.
func SortedHours(h History) []string {
	keys := make([]string, 0, len(h))
	for k := range h {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// prune drops buckets older than the retention window.
func (t *Tracker) prune() {
	cutoff := t.now().UTC().Add(-retention)
	t.mu.Lock()
	defer t.mu.Unlock()
	for bucket := range t.history {
		at, err := time.Parse(hourFormat, bucket)
		if err != nil || at.Before(cutoff) {
			delete(t.history, bucket)
			t.dirty = true
		}
	}
}

// Flush writes the history to disk if anything changed since the last write.
func (t *Tracker) Flush() error {
	t.mu.Lock()
	if !t.dirty {
		t.mu.Unlock()
		return nil
	}
	data, err := json.MarshalIndent(t.history, "", "  ")
	if err != nil {
		t.mu.Unlock()
		return err
	}
	t.dirty = false
	t.mu.Unlock()
	return store.WriteFileAtomic(t.path, data)
}

// Start runs the flush-and-prune loop until Stop.
func (t *Tracker) Start() {
	go func() {
		ticker := time.NewTicker(flushInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				t.prune()
				if err := t.Flush(); err != nil {
					logrus.WithError(err).Warn("usage flush failed")
				}
			case <-t.stop:
				return
			}
		}
	}()
}

// Stop halts the flush loop and writes any pending counts.
func (t *Tracker) Stop() {
	t.stopOnce.Do(func() { close(t.stop) })
	if err := t.Flush(); err != nil {
		logrus.WithError(err).Warn("final usage flush failed")
	}
}
