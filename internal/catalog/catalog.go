// Package catalog holds the model catalog: canonical model IDs, their client
// aliases, family and thinking classification, output limits and the
// cross-model fallback mapping. Built-in entries cover the models the Cloud
// Code backend serves today; a models.yaml file in the config directory
// merges over them by ID.
package catalog

import (
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/pysugar/antigravity-nexus/internal/store"
)

// Family groups models by the validator that checks their thinking
// signatures.
type Family string

const (
	FamilyClaude  Family = "claude"
	FamilyGemini  Family = "gemini"
	FamilyUnknown Family = "unknown"
)

// Model describes one catalog entry.
type Model struct {
	ID              string   `yaml:"id" json:"id"`
	Aliases         []string `yaml:"aliases,omitempty" json:"aliases,omitempty"`
	UpstreamID      string   `yaml:"upstream_id,omitempty" json:"upstream_id,omitempty"`
	Thinking        bool     `yaml:"thinking,omitempty" json:"thinking,omitempty"`
	MaxOutputTokens int      `yaml:"max_output_tokens,omitempty" json:"max_output_tokens,omitempty"`
	Fallback        string   `yaml:"fallback,omitempty" json:"fallback,omitempty"`
}

type fileConfig struct {
	Models []Model `yaml:"models"`
}

var (
	stateMu     sync.RWMutex
	initialized bool
	modelByID   map[string]Model
	aliasToID   map[string]string
	modelOrder  []string
)

// defaultModels are the models the backend serves as of this writing. The
// Claude entries are the Antigravity-hosted variants; the upstream ID differs
// from the client-facing one.
func defaultModels() []Model {
	return []Model{
		{
			ID:              "gemini-3-pro-high",
			Aliases:         []string{"gemini-3-pro-preview", "gemini-3-pro"},
			Thinking:        true,
			MaxOutputTokens: 65536,
			Fallback:        "claude-sonnet-4-5-thinking",
		},
		{
			ID:              "gemini-3-pro-low",
			Aliases:         []string{"gemini-3-pro-low-preview"},
			Thinking:        true,
			MaxOutputTokens: 65536,
			Fallback:        "claude-sonnet-4-5",
		},
		{
			ID:              "gemini-3-flash",
			Aliases:         []string{"gemini-3-flash-preview", "gemini-3-flash-high"},
			Thinking:        true,
			MaxOutputTokens: 65536,
		},
		{
			ID:              "gemini-3-pro-image",
			Aliases:         []string{"gemini-3-pro-image-preview"},
			MaxOutputTokens: 32768,
		},
		{
			ID:              "gemini-2.5-flash",
			Aliases:         []string{"rev19-f1-1p"},
			UpstreamID:      "rev19-f1-1p",
			MaxOutputTokens: 65536,
		},
		{
			ID:              "claude-sonnet-4-5",
			Aliases:         []string{"antigravity-claude-sonnet-4-5"},
			UpstreamID:      "antigravity-claude-sonnet-4-5",
			MaxOutputTokens: 64000,
			Fallback:        "gemini-3-pro-low",
		},
		{
			ID:              "claude-sonnet-4-5-thinking",
			Aliases:         []string{"antigravity-claude-sonnet-4-5-thinking"},
			UpstreamID:      "antigravity-claude-sonnet-4-5-thinking",
			Thinking:        true,
			MaxOutputTokens: 64000,
			Fallback:        "gemini-3-pro-high",
		},
		{
			ID:              "claude-opus-4-5-thinking",
			Aliases:         []string{"antigravity-claude-opus-4-5-thinking"},
			UpstreamID:      "antigravity-claude-opus-4-5-thinking",
			Thinking:        true,
			MaxOutputTokens: 64000,
			Fallback:        "gemini-3-pro-high",
		},
	}
}

// Init loads the catalog: built-in defaults merged with models.yaml from the
// config directory when present.
func Init() error {
	models := defaultModels()

	var loadErr error
	if path, err := catalogPath(); err == nil {
		if data, err := os.ReadFile(path); err == nil {
			var fc fileConfig
			if err := yaml.Unmarshal(data, &fc); err != nil {
				loadErr = err
			} else {
				models = mergeModels(models, fc.Models)
			}
		}
	}

	stateMu.Lock()
	defer stateMu.Unlock()
	modelByID = make(map[string]Model, len(models))
	aliasToID = make(map[string]string)
	modelOrder = modelOrder[:0]
	for _, m := range models {
		if m.ID == "" {
			continue
		}
		modelByID[m.ID] = m
		modelOrder = append(modelOrder, m.ID)
		for _, alias := range m.Aliases {
			aliasToID[alias] = m.ID
		}
	}
	initialized = true
	return loadErr
}

func catalogPath() (string, error) {
	dir, err := store.ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "models.yaml"), nil
}

func mergeModels(base, overlay []Model) []Model {
	byID := make(map[string]int, len(base))
	for i, m := range base {
		byID[m.ID] = i
	}
	for _, m := range overlay {
		if m.ID == "" {
			continue
		}
		if i, ok := byID[m.ID]; ok {
			base[i] = m
		} else {
			byID[m.ID] = len(base)
			base = append(base, m)
		}
	}
	return base
}

func ensureInitialized() {
	stateMu.RLock()
	ok := initialized
	stateMu.RUnlock()
	if !ok {
		_ = Init()
	}
}

// ResetForTest clears in-memory state so tests can force a reload.
func ResetForTest() {
	stateMu.Lock()
	defer stateMu.Unlock()
	initialized = false
	modelByID = nil
	aliasToID = nil
	modelOrder = nil
}

// Resolve maps a client-supplied model name onto its catalog entry,
// recognising aliases. Unknown names return ok=false.
func Resolve(name string) (Model, bool) {
	ensureInitialized()
	stateMu.RLock()
	defer stateMu.RUnlock()
	if m, ok := modelByID[name]; ok {
		return m, true
	}
	if id, ok := aliasToID[name]; ok {
		return modelByID[id], true
	}
	return Model{}, false
}

// List returns catalog entries in stable order.
func List() []Model {
	ensureInitialized()
	stateMu.RLock()
	defer stateMu.RUnlock()
	out := make([]Model, 0, len(modelOrder))
	for _, id := range modelOrder {
		out = append(out, modelByID[id])
	}
	return out
}

// UpstreamID returns the wire-level model name to send upstream.
func UpstreamID(name string) string {
	if m, ok := Resolve(name); ok && m.UpstreamID != "" {
		return m.UpstreamID
	}
	return name
}

// FallbackFor returns the cross-family fallback model for name, if any.
func FallbackFor(name string) (string, bool) {
	m, ok := Resolve(name)
	if !ok || m.Fallback == "" {
		return "", false
	}
	return m.Fallback, true
}

// MaxOutputTokens returns the per-model output ceiling, or 0 when unknown.
func MaxOutputTokens(name string) int {
	if m, ok := Resolve(name); ok {
		return m.MaxOutputTokens
	}
	return 0
}

// FamilyOf classifies a model name by substring, catalog or not.
func FamilyOf(name string) Family {
	lower := strings.ToLower(name)
	switch {
	case strings.Contains(lower, "claude"):
		return FamilyClaude
	case strings.Contains(lower, "gemini"):
		return FamilyGemini
	default:
		return FamilyUnknown
	}
}

var geminiVersionRe = regexp.MustCompile(`gemini-(\d+)`)

// IsThinkingModel reports whether the model emits thinking blocks. Catalog
// entries are authoritative; for unknown names the family heuristics apply:
// Claude models containing "thinking", Gemini models containing "thinking" or
// with a major version of 3 or above.
func IsThinkingModel(name string) bool {
	if m, ok := Resolve(name); ok {
		return m.Thinking
	}
	lower := strings.ToLower(name)
	switch FamilyOf(name) {
	case FamilyClaude:
		return strings.Contains(lower, "thinking")
	case FamilyGemini:
		if strings.Contains(lower, "thinking") {
			return true
		}
		if m := geminiVersionRe.FindStringSubmatch(lower); m != nil {
			if v, err := strconv.Atoi(m[1]); err == nil {
				return v >= 3
			}
		}
	}
	return false
}

// ShortName strips the family prefix for usage bucketing
// ("claude-opus-4-5-thinking" -> "opus-4-5-thinking").
func ShortName(name string) string {
	for _, prefix := range []string{"claude-", "gemini-", "antigravity-claude-"} {
		if strings.HasPrefix(name, prefix) {
			return strings.TrimPrefix(name, prefix)
		}
	}
	return name
}

// SortedIDs returns all catalog IDs sorted, for table rendering.
func SortedIDs() []string {
	ensureInitialized()
	stateMu.RLock()
	defer stateMu.RUnlock()
	ids := make([]string, 0, len(modelByID))
	for id := range modelByID {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
