package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"
)

var (
	ErrAccountNotFound = errors.New("account not found")
	ErrPoolFull        = errors.New("account pool is full")
)

// Settings are pool-level knobs persisted alongside the accounts.
type Settings struct {
	Strategy       string  `json:"strategy,omitempty"`
	QuotaThreshold float64 `json:"quota_threshold,omitempty"`
}

type storeDoc struct {
	Accounts    []*Account `json:"accounts"`
	Settings    Settings   `json:"settings"`
	ActiveIndex int        `json:"activeIndex"`
}

// Store owns the accounts.json document. All operations are serialised; the
// on-disk file may be edited externally and re-read via Reload.
type Store struct {
	mu          sync.Mutex
	path        string
	maxAccounts int

	accounts    []*Account
	settings    Settings
	activeIndex int
}

// Open loads the account document at path. A missing file yields an empty
// store; a corrupt one is an error so we never clobber data we cannot parse.
func Open(path string, maxAccounts int) (*Store, error) {
	s := &Store{path: path, maxAccounts: maxAccounts}
	doc, err := readDoc(path)
	if err != nil {
		return nil, err
	}
	s.adopt(doc)
	return s, nil
}

func readDoc(path string) (*storeDoc, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return &storeDoc{}, nil
	}
	if err != nil {
		return nil, err
	}
	var doc storeDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return &doc, nil
}

func (s *Store) adopt(doc *storeDoc) {
	accounts := make([]*Account, 0, len(doc.Accounts))
	seen := make(map[string]bool, len(doc.Accounts))
	for _, a := range doc.Accounts {
		if a == nil || a.Email == "" || seen[a.Email] {
			continue
		}
		seen[a.Email] = true
		normalizeAccount(a)
		accounts = append(accounts, a)
	}
	s.accounts = accounts
	s.settings = doc.Settings
	s.activeIndex = doc.ActiveIndex
	if s.activeIndex < 0 || s.activeIndex >= len(s.accounts) {
		s.activeIndex = 0
	}
}

func normalizeAccount(a *Account) {
	if a.Kind == "" {
		a.Kind = CredentialOAuth
	}
	if a.Tier == "" {
		a.Tier = TierUnknown
	}
	if a.Quota == nil {
		a.Quota = make(map[string]QuotaSnapshot)
	}
	if a.RateLimits == nil {
		a.RateLimits = make(map[string]RateLimitState)
	}
}

// Len returns the number of accounts, valid or not.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.accounts)
}

// List returns deep copies of all accounts in stable (file) order.
func (s *Store) List() []Account {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Account, 0, len(s.accounts))
	for _, a := range s.accounts {
		out = append(out, a.Clone())
	}
	return out
}

// Get returns a copy of the account with the given email.
func (s *Store) Get(email string) (Account, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a := s.find(email); a != nil {
		return a.Clone(), true
	}
	return Account{}, false
}

func (s *Store) find(email string) *Account {
	for _, a := range s.accounts {
		if a.Email == email {
			return a
		}
	}
	return nil
}

// Upsert inserts a new account or merges fields into an existing one, then
// persists. Merging never erases fields the caller left empty, so a partial
// update cannot wipe a credential. Fresh credentials clear the invalid flag;
// this is the re-enrolment path.
func (s *Store) Upsert(in Account) error {
	if in.Email == "" {
		return errors.New("account email is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing := s.find(in.Email); existing != nil {
		mergeAccount(existing, in)
		return s.saveLocked()
	}

	if s.maxAccounts > 0 && len(s.accounts) >= s.maxAccounts {
		return fmt.Errorf("%w: max %d accounts", ErrPoolFull, s.maxAccounts)
	}
	a := in.Clone()
	a.Enabled = true
	a.Invalid = false
	a.InvalidReason = ""
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now()
	}
	normalizeAccount(&a)
	s.accounts = append(s.accounts, &a)
	return s.saveLocked()
}

func mergeAccount(dst *Account, src Account) {
	if src.Kind != "" {
		dst.Kind = src.Kind
	}
	if src.Credential != "" {
		dst.Credential = src.Credential
	}
	if src.ManagedProjectID != "" {
		dst.ManagedProjectID = src.ManagedProjectID
	}
	if src.Tier != "" && src.Tier != TierUnknown {
		dst.Tier = src.Tier
	}
	if src.QuotaThreshold != nil {
		v := *src.QuotaThreshold
		dst.QuotaThreshold = &v
	}
	for model, th := range src.ModelThresholds {
		if dst.ModelThresholds == nil {
			dst.ModelThresholds = make(map[string]float64)
		}
		dst.ModelThresholds[model] = th
	}
	for model, q := range src.Quota {
		dst.Quota[model] = q
	}
	if src.Credential != "" {
		dst.Enabled = true
		dst.Invalid = false
		dst.InvalidReason = ""
		dst.ConsecutiveFailures = 0
	}
}

// Remove deletes the account and persists.
func (s *Store) Remove(email string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, a := range s.accounts {
		if a.Email == email {
			s.accounts = append(s.accounts[:i], s.accounts[i+1:]...)
			if s.activeIndex >= len(s.accounts) {
				s.activeIndex = 0
			}
			return s.saveLocked()
		}
	}
	return ErrAccountNotFound
}

// SetEnabled toggles the enabled flag and persists.
func (s *Store) SetEnabled(email string, enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a := s.find(email)
	if a == nil {
		return ErrAccountNotFound
	}
	a.Enabled = enabled
	return s.saveLocked()
}

// SetInvalid marks the account unusable until re-enrolment and persists.
func (s *Store) SetInvalid(email, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a := s.find(email)
	if a == nil {
		return ErrAccountNotFound
	}
	a.Invalid = true
	a.InvalidReason = reason
	return s.saveLocked()
}

// SetThresholds updates the account-level and per-model quota thresholds and
// persists. Thresholds are fractions in [0, 1); nil leaves the account-level
// threshold untouched.
func (s *Store) SetThresholds(email string, accountThreshold *float64, perModel map[string]float64) error {
	if accountThreshold != nil && (*accountThreshold < 0 || *accountThreshold >= 1) {
		return fmt.Errorf("account threshold %v out of range [0,1)", *accountThreshold)
	}
	for model, th := range perModel {
		if th < 0 || th >= 1 {
			return fmt.Errorf("threshold %v for model %s out of range [0,1)", th, model)
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	a := s.find(email)
	if a == nil {
		return ErrAccountNotFound
	}
	if accountThreshold != nil {
		v := *accountThreshold
		a.QuotaThreshold = &v
	}
	if perModel != nil {
		if a.ModelThresholds == nil {
			a.ModelThresholds = make(map[string]float64)
		}
		for model, th := range perModel {
			a.ModelThresholds[model] = th
		}
	}
	return s.saveLocked()
}

// Update applies fn to the live account in memory without persisting. The
// pool uses it for high-frequency transient state (rate-limit marks, failure
// counters, last-used bumps); call Save when durability matters.
func (s *Store) Update(email string, fn func(*Account)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a := s.find(email)
	if a == nil {
		return ErrAccountNotFound
	}
	fn(a)
	normalizeAccount(a)
	return nil
}

// Save persists the current in-memory state.
func (s *Store) Save() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saveLocked()
}

func (s *Store) saveLocked() error {
	doc := storeDoc{
		Accounts:    s.accounts,
		Settings:    s.settings,
		ActiveIndex: s.activeIndex,
	}
	data, err := json.MarshalIndent(&doc, "", "  ")
	if err != nil {
		return err
	}
	return WriteFileAtomic(s.path, data)
}

// Reload re-reads the file, preserving transient fields (rate-limit state,
// consecutive-failure counters) of accounts that survive, matched by email.
func (s *Store) Reload() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, err := readDoc(s.path)
	if err != nil {
		return err
	}
	prev := make(map[string]*Account, len(s.accounts))
	for _, a := range s.accounts {
		prev[a.Email] = a
	}
	s.adopt(doc)
	for _, a := range s.accounts {
		if old, ok := prev[a.Email]; ok {
			a.RateLimits = old.RateLimits
			a.ConsecutiveFailures = old.ConsecutiveFailures
		}
	}
	return nil
}

// Settings returns the persisted pool settings.
func (s *Store) Settings() Settings {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.settings
}

// UpdateSettings applies fn to the settings and persists.
func (s *Store) UpdateSettings(fn func(*Settings)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(&s.settings)
	return s.saveLocked()
}

// ActiveIndex is the position of the sticky strategy's last-selected account.
func (s *Store) ActiveIndex() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.activeIndex
}

// SetActiveIndex records the sticky selection in memory; it rides along with
// the next Save.
func (s *Store) SetActiveIndex(i int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if i >= 0 && i < len(s.accounts) {
		s.activeIndex = i
	}
}
