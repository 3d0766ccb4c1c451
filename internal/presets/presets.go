// Package presets manages named settings bundles: server presets tune the
// dispatcher, claude presets are environment bundles that point an Anthropic
// client at this proxy. Built-in presets are merged on read and cannot be
// changed or deleted.
package presets

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"

	"github.com/pysugar/antigravity-nexus/internal/store"
)

// Preset is one named bundle of string settings.
type Preset struct {
	Name        string            `json:"name"`
	Description string            `json:"description,omitempty"`
	Settings    map[string]string `json:"settings"`
	BuiltIn     bool              `json:"built_in,omitempty"`
}

// ErrBuiltIn is returned on attempts to modify or delete a built-in preset.
var ErrBuiltIn = errors.New("built-in presets cannot be modified")

var serverBuiltins = []Preset{
	{
		Name:        "balanced",
		Description: "Default dispatch behaviour",
		Settings: map[string]string{
			"strategy":             "sticky",
			"max_retries":          "3",
			"default_cooldown_ms":  "10000",
			"extended_cooldown_ms": "60000",
		},
		BuiltIn: true,
	},
	{
		Name:        "throughput",
		Description: "Spread load across the whole pool",
		Settings: map[string]string{
			"strategy":                "round-robin",
			"max_retries":             "5",
			"switch_account_delay_ms": "1000",
		},
		BuiltIn: true,
	},
	{
		Name:        "resilient",
		Description: "Score accounts on health and quota, back off hard",
		Settings: map[string]string{
			"strategy":             "hybrid",
			"extended_cooldown_ms": "120000",
			"fallback_enabled":     "true",
		},
		BuiltIn: true,
	},
}

var claudeBuiltins = []Preset{
	{
		Name:        "gemini-3-pro",
		Description: "Route an Anthropic client onto Gemini 3 Pro",
		Settings: map[string]string{
			"ANTHROPIC_MODEL":            "gemini-3-pro-high",
			"ANTHROPIC_SMALL_FAST_MODEL": "gemini-3-flash",
		},
		BuiltIn: true,
	},
	{
		Name:        "claude-sonnet",
		Description: "Claude Sonnet with extended thinking",
		Settings: map[string]string{
			"ANTHROPIC_MODEL":            "claude-sonnet-4-5-thinking",
			"ANTHROPIC_SMALL_FAST_MODEL": "claude-sonnet-4-5",
		},
		BuiltIn: true,
	},
	{
		Name:        "claude-opus",
		Description: "Claude Opus with extended thinking",
		Settings: map[string]string{
			"ANTHROPIC_MODEL":            "claude-opus-4-5-thinking",
			"ANTHROPIC_SMALL_FAST_MODEL": "claude-sonnet-4-5",
		},
		BuiltIn: true,
	},
}

// File is one preset collection backed by a JSON file.
type File struct {
	mu       sync.Mutex
	path     string
	builtins []Preset
}

// ServerPresets opens the dispatcher preset collection.
func ServerPresets() (*File, error) {
	path, err := store.ServerPresetsPath()
	if err != nil {
		return nil, err
	}
	return &File{path: path, builtins: serverBuiltins}, nil
}

// ClaudePresets opens the client environment preset collection.
func ClaudePresets() (*File, error) {
	path, err := store.ClaudePresetsPath()
	if err != nil {
		return nil, err
	}
	return &File{path: path, builtins: claudeBuiltins}, nil
}

// NewFile builds a collection over an explicit path, for tests.
func NewFile(path string, builtins []Preset) *File {
	return &File{path: path, builtins: builtins}
}

func (f *File) readUser() ([]Preset, error) {
	data, err := os.ReadFile(f.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var user []Preset
	if err := json.Unmarshal(data, &user); err != nil {
		return nil, fmt.Errorf("presets file %s: %w", f.path, err)
	}
	return user, nil
}

func (f *File) isBuiltIn(name string) bool {
	for _, p := range f.builtins {
		if p.Name == name {
			return true
		}
	}
	return false
}

// List merges built-ins with the user file, sorted by name. A user preset
// cannot shadow a built-in name.
func (f *File) List() ([]Preset, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	user, err := f.readUser()
	if err != nil {
		return nil, err
	}
	out := make([]Preset, 0, len(f.builtins)+len(user))
	out = append(out, f.builtins...)
	for _, p := range user {
		if f.isBuiltIn(p.Name) {
			continue
		}
		p.BuiltIn = false
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// Get returns the preset with the given name.
func (f *File) Get(name string) (Preset, bool, error) {
	list, err := f.List()
	if err != nil {
		return Preset{}, false, err
	}
	for _, p := range list {
		if p.Name == name {
			return p, true, nil
		}
	}
	return Preset{}, false, nil
}

// Upsert adds or replaces a user preset.
func (f *File) Upsert(p Preset) error {
	if p.Name == "" {
		return errors.New("preset name is required")
	}
	if f.isBuiltIn(p.Name) {
		return ErrBuiltIn
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	user, err := f.readUser()
	if err != nil {
		return err
	}
	p.BuiltIn = false
	replaced := false
	for i := range user {
		if user[i].Name == p.Name {
			user[i] = p
			replaced = true
			break
		}
	}
	if !replaced {
		user = append(user, p)
	}
	return f.writeUser(user)
}

// Delete removes a user preset. Built-ins are refused.
func (f *File) Delete(name string) error {
	if f.isBuiltIn(name) {
		return ErrBuiltIn
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	user, err := f.readUser()
	if err != nil {
		return err
	}
	kept := user[:0]
	found := false
	for _, p := range user {
		if p.Name == name {
			found = true
			continue
		}
		kept = append(kept, p)
	}
	if !found {
		return fmt.Errorf("preset %q not found", name)
	}
	return f.writeUser(kept)
}

func (f *File) writeUser(user []Preset) error {
	data, err := json.MarshalIndent(user, "", "  ")
	if err != nil {
		return err
	}
	return store.WriteFileAtomic(f.path, data)
}
