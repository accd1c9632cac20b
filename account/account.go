// Package account owns the persisted account records.
//
// Accounts are stored as a single JSON document on disk, loaded fully at
// startup and rewritten atomically on every mutation. In-memory state stays
// authoritative when a write fails; the failure is logged and the next
// successful save catches up.
package account

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/hazyhaar/telereply/idgen"
)

// Status is the host-visible account state. The session manager is the only
// writer of Running/Error transitions.
type Status string

const (
	StatusIdle    Status = "idle"
	StatusRunning Status = "running"
	StatusPaused  Status = "paused"
	StatusError   Status = "error"
)

// Account is one managed messaging account.
type Account struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Enabled   bool      `json:"enabled"`
	Status    Status    `json:"status"`
	Notes     string    `json:"notes,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Store is the persisted account collection.
type Store struct {
	mu       sync.RWMutex
	accounts map[string]*Account
	path     string
	newID    idgen.Generator
	logger   *slog.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithIDGenerator overrides the account ID generator.
func WithIDGenerator(gen idgen.Generator) Option {
	return func(s *Store) { s.newID = gen }
}

// Open loads (or initialises) the account store at path.
func Open(path string, logger *slog.Logger, opts ...Option) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Store{
		accounts: make(map[string]*Account),
		path:     path,
		newID:    idgen.Prefixed("acct_", idgen.Default),
		logger:   logger,
	}
	for _, o := range opts {
		o(s)
	}

	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) load() error {
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return nil // fresh store
	}
	if err != nil {
		return fmt.Errorf("account: read %s: %w", s.path, err)
	}

	var doc struct {
		Accounts []*Account `json:"accounts"`
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("account: parse %s: %w", s.path, err)
	}
	for _, a := range doc.Accounts {
		// Sessions do not survive a restart; a stale "running" status is a lie.
		if a.Status == StatusRunning {
			a.Status = StatusIdle
		}
		s.accounts[a.ID] = a
	}
	return nil
}

// save rewrites the whole document atomically (temp file + rename).
// Caller must hold s.mu.
func (s *Store) save() error {
	list := s.listLocked()
	data, err := json.MarshalIndent(struct {
		Accounts []*Account `json:"accounts"`
	}{Accounts: list}, "", "  ")
	if err != nil {
		return fmt.Errorf("account: marshal: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("account: mkdir: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("account: write: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("account: rename: %w", err)
	}
	return nil
}

// persist saves and logs instead of failing; in-memory state stays
// authoritative until the next successful save.
func (s *Store) persist() {
	if err := s.save(); err != nil {
		s.logger.Error("account: persist failed", "error", err)
	}
}

// Create adds a new account and persists.
func (s *Store) Create(name string, enabled bool) *Account {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	a := &Account{
		ID:        s.newID(),
		Name:      name,
		Enabled:   enabled,
		Status:    StatusIdle,
		CreatedAt: now,
		UpdatedAt: now,
	}
	s.accounts[a.ID] = a
	s.persist()
	return a
}

// Get returns an account by ID, or nil.
func (s *Store) Get(id string) *Account {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if a, ok := s.accounts[id]; ok {
		cp := *a
		return &cp
	}
	return nil
}

// List returns all accounts ordered by creation time.
func (s *Store) List() []*Account {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.listLocked()
}

func (s *Store) listLocked() []*Account {
	list := make([]*Account, 0, len(s.accounts))
	for _, a := range s.accounts {
		cp := *a
		list = append(list, &cp)
	}
	sort.Slice(list, func(i, j int) bool {
		if list[i].CreatedAt.Equal(list[j].CreatedAt) {
			return list[i].ID < list[j].ID
		}
		return list[i].CreatedAt.Before(list[j].CreatedAt)
	})
	return list
}

// Update mutates name/enabled/notes of an account. Returns the updated copy
// or nil if the account does not exist.
func (s *Store) Update(id string, name *string, enabled *bool, notes *string) *Account {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.accounts[id]
	if !ok {
		return nil
	}
	if name != nil {
		a.Name = *name
	}
	if enabled != nil {
		a.Enabled = *enabled
	}
	if notes != nil {
		a.Notes = *notes
	}
	a.UpdatedAt = time.Now()
	s.persist()
	cp := *a
	return &cp
}

// Delete removes an account. Returns false if it does not exist.
func (s *Store) Delete(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.accounts[id]; !ok {
		return false
	}
	delete(s.accounts, id)
	s.persist()
	return true
}

// SetStatus updates the lifecycle status (written by the session manager).
func (s *Store) SetStatus(id string, status Status) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.accounts[id]
	if !ok {
		return
	}
	a.Status = status
	a.UpdatedAt = time.Now()
	s.persist()
}
