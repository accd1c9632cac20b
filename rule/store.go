package rule

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/hazyhaar/telereply/idgen"
	"github.com/hazyhaar/telereply/sink"
)

// ErrNotFound is returned for operations on a rule ID the store does not hold.
var ErrNotFound = errors.New("rule: not found")

// Store owns the persisted, per-account ordered rule collections.
//
// Each account's rules live in one JSON document (<dir>/<accountID>.json),
// read fully at startup and rewritten atomically on every mutation. When a
// write fails the in-memory state stays authoritative; the failure is
// logged and the next successful save catches up.
type Store struct {
	mu     sync.Mutex
	rules  map[string][]*Rule // accountID → insertion-ordered rules
	dir    string
	newID  idgen.Generator
	now    func() time.Time
	events *sink.Router
	logger *slog.Logger

	// hourly holds one token bucket per rule with a MaxPerHour limit.
	// Runtime-only state: hourly budgets do not survive a restart.
	hourly map[string]*rate.Limiter
}

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithIDGenerator overrides the rule ID generator.
func WithIDGenerator(gen idgen.Generator) StoreOption {
	return func(s *Store) { s.newID = gen }
}

// WithClock overrides the store clock (tests).
func WithClock(now func() time.Time) StoreOption {
	return func(s *Store) { s.now = now }
}

// WithEvents attaches an event router for ruleTriggered notifications.
func WithEvents(r *sink.Router) StoreOption {
	return func(s *Store) { s.events = r }
}

// OpenStore loads all per-account rule documents under dir.
func OpenStore(dir string, logger *slog.Logger, opts ...StoreOption) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Store{
		rules:  make(map[string][]*Rule),
		dir:    dir,
		newID:  idgen.Prefixed("rule_", idgen.Default),
		now:    time.Now,
		logger: logger,
		hourly: make(map[string]*rate.Limiter),
	}
	for _, o := range opts {
		o(s)
	}

	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

type ruleDoc struct {
	AccountID string  `json:"account_id"`
	Rules     []*Rule `json:"rules"`
}

func (s *Store) load() error {
	entries, err := os.ReadDir(s.dir)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("rule: read dir %s: %w", s.dir, err)
	}

	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		path := filepath.Join(s.dir, e.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("rule: read %s: %w", path, err)
		}
		var doc ruleDoc
		if err := json.Unmarshal(data, &doc); err != nil {
			return fmt.Errorf("rule: parse %s: %w", path, err)
		}
		if doc.AccountID == "" {
			continue
		}
		s.rules[doc.AccountID] = append(s.rules[doc.AccountID], doc.Rules...)
	}
	return nil
}

// save rewrites one account's document atomically. Caller must hold s.mu.
func (s *Store) save(accountID string) error {
	doc := ruleDoc{AccountID: accountID, Rules: s.rules[accountID]}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("rule: marshal: %w", err)
	}

	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("rule: mkdir: %w", err)
	}
	path := filepath.Join(s.dir, accountID+".json")
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("rule: write: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("rule: rename: %w", err)
	}
	return nil
}

func (s *Store) persist(accountID string) {
	if err := s.save(accountID); err != nil {
		s.logger.Error("rule: persist failed", "account_id", accountID, "error", err)
	}
}

// List returns the account's rules sorted by priority ascending with
// stable insertion-order tiebreak.
func (s *Store) List(accountID string) []*Rule {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sortedLocked(accountID)
}

func (s *Store) sortedLocked(accountID string) []*Rule {
	src := s.rules[accountID]
	out := make([]*Rule, len(src))
	for i, r := range src {
		cp := *r
		out[i] = &cp
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Priority < out[j].Priority
	})
	return out
}

// Create validates and adds a rule, persists, and returns it.
func (s *Store) Create(accountID string, r Rule) (*Rule, error) {
	if err := r.Validate(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	r.ID = s.newID()
	r.AccountID = accountID
	r.Stats = Stats{}
	r.CreatedAt = now
	r.UpdatedAt = now

	s.rules[accountID] = append(s.rules[accountID], &r)
	s.persist(accountID)
	cp := r
	return &cp, nil
}

// Get returns a rule by ID, or nil.
func (s *Store) Get(ruleID string) *Rule {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r := s.findLocked(ruleID); r != nil {
		cp := *r
		return &cp
	}
	return nil
}

func (s *Store) findLocked(ruleID string) *Rule {
	for _, rules := range s.rules {
		for _, r := range rules {
			if r.ID == ruleID {
				return r
			}
		}
	}
	return nil
}

// Update applies upd to an existing rule (ID, AccountID, Stats and
// CreatedAt are preserved), validates, persists.
func (s *Store) Update(ruleID string, upd Rule) (*Rule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r := s.findLocked(ruleID)
	if r == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, ruleID)
	}

	candidate := upd
	candidate.ID = r.ID
	candidate.AccountID = r.AccountID
	candidate.Stats = r.Stats
	candidate.CreatedAt = r.CreatedAt
	candidate.UpdatedAt = s.now()
	if err := candidate.Validate(); err != nil {
		return nil, err
	}

	*r = candidate
	// Limits may have changed; rebuild the hourly bucket lazily.
	delete(s.hourly, r.ID)
	s.persist(r.AccountID)
	cp := *r
	return &cp, nil
}

// Toggle flips the enabled flag.
func (s *Store) Toggle(ruleID string, enabled bool) (*Rule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r := s.findLocked(ruleID)
	if r == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, ruleID)
	}
	r.Enabled = enabled
	r.UpdatedAt = s.now()
	s.persist(r.AccountID)
	cp := *r
	return &cp, nil
}

// Delete removes a rule. Returns false if it does not exist.
func (s *Store) Delete(ruleID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	for accountID, rules := range s.rules {
		for i, r := range rules {
			if r.ID == ruleID {
				s.rules[accountID] = append(rules[:i], rules[i+1:]...)
				delete(s.hourly, ruleID)
				s.persist(accountID)
				return true
			}
		}
	}
	return false
}

// MatchMessage runs the matcher against the account's current rules and,
// on a match, commits it: bumps stats, consumes hourly budget, persists,
// and emits a ruleTriggered event. This is the single entry point the
// session detection loop uses per message.
func (s *Store) MatchMessage(ctx context.Context, accountID string, msg Message, mctx Context) Result {
	s.mu.Lock()

	now := s.now()
	res := Match(s.rules[accountID], msg, mctx, now, s.hourGateLocked)
	if !res.Matched {
		s.mu.Unlock()
		return res
	}

	r := s.findLocked(res.Rule.ID)
	if r != nil {
		if todayTriggers(r, now) == 0 {
			r.Stats.TodayTriggers = 0 // day boundary crossed
		}
		r.Stats.TotalTriggers++
		r.Stats.TodayTriggers++
		t := now
		r.Stats.LastTriggeredAt = &t
		if lim := s.hourLimiterLocked(r); lim != nil {
			lim.Allow() // consume one token
		}
		s.persist(accountID)
		cp := *r
		res.Rule = &cp
	}
	s.mu.Unlock()

	if s.events != nil {
		s.events.Send(ctx, sink.Event{
			Type:      sink.EventRuleTriggered,
			AccountID: accountID,
			Data: map[string]any{
				"rule_id":  res.Rule.ID,
				"rule":     res.Rule.Name,
				"response": res.Response,
				"action":   string(res.Rule.Response.Kind),
			},
		})
	}
	return res
}

// hourGateLocked reports remaining hourly budget without consuming it.
func (s *Store) hourGateLocked(ruleID string, maxPerHour int) bool {
	r := s.findLocked(ruleID)
	if r == nil {
		return false
	}
	lim := s.hourLimiterLocked(r)
	if lim == nil {
		return true
	}
	return lim.Tokens() >= 1
}

func (s *Store) hourLimiterLocked(r *Rule) *rate.Limiter {
	max := r.Limits.MaxPerHour
	if max <= 0 {
		return nil
	}
	lim, ok := s.hourly[r.ID]
	if !ok {
		lim = rate.NewLimiter(rate.Every(time.Hour/time.Duration(max)), max)
		s.hourly[r.ID] = lim
	}
	return lim
}

// Test evaluates one rule against a message without committing stats or
// consuming limits. Used by the host's rule-test dialog.
func (s *Store) Test(ruleID string, msg Message, mctx Context) Result {
	s.mu.Lock()
	defer s.mu.Unlock()

	r := s.findLocked(ruleID)
	if r == nil {
		return Result{}
	}
	if !evalTrigger(r.Trigger, msg, mctx) {
		return Result{}
	}
	cp := *r
	return Result{
		Matched:  true,
		Rule:     &cp,
		Response: renderResponse(r, msg, mctx, s.now()),
	}
}

// ResetDailyStats zeroes every rule's daily counter. Intended to be driven
// at the local day boundary by the host scheduler; the matcher also resets
// lazily per rule, so this is a tidy-up, not a correctness requirement.
func (s *Store) ResetDailyStats() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for accountID, rules := range s.rules {
		changed := false
		for _, r := range rules {
			if r.Stats.TodayTriggers != 0 {
				r.Stats.TodayTriggers = 0
				changed = true
			}
		}
		if changed {
			s.persist(accountID)
		}
	}
}
