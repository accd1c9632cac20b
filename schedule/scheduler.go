// Package schedule owns the pending delayed replies.
//
// At most one reply may be pending per (account, conversation) key; a newer
// schedule call for the same key cancels the older one before its timer is
// created, so the superseded reply can never fire. Pending replies are
// in-memory only and do not survive a restart.
package schedule

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Key identifies one conversation of one account.
type Key struct {
	AccountID      string `json:"account_id"`
	ConversationID string `json:"conversation_id"`
}

// DispatchFunc delivers a reply. Returning false means the dispatch failed;
// the scheduler treats that as terminal for the entry (no retry).
type DispatchFunc func(ctx context.Context, key Key, content string) bool

// Pending is a host-visible snapshot of one scheduled reply.
type Pending struct {
	Key         Key           `json:"key"`
	Content     string        `json:"content"`
	ScheduledAt time.Time     `json:"scheduled_at"`
	Delay       time.Duration `json:"delay"`
	Remaining   time.Duration `json:"remaining"`
}

type entry struct {
	content     string
	scheduledAt time.Time
	delay       time.Duration
	timer       *time.Timer
}

// Scheduler is the keyed pending-reply store. Safe for concurrent use:
// cancel + create in Schedule is atomic under the scheduler mutex, so a
// cancellation is fully visible before the replacement timer starts.
type Scheduler struct {
	mu       sync.Mutex
	pending  map[Key]*entry
	dispatch DispatchFunc
	now      func() time.Time
	logger   *slog.Logger
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithClock overrides the scheduler clock (tests).
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

// New creates a Scheduler that delivers through dispatch.
func New(dispatch DispatchFunc, logger *slog.Logger, opts ...Option) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Scheduler{
		pending:  make(map[Key]*entry),
		dispatch: dispatch,
		now:      time.Now,
		logger:   logger,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Schedule queues content for delivery after delay. An existing pending
// reply for the same key is superseded: its timer is cancelled first and it
// never fires. delay == 0 dispatches immediately without creating an entry.
func (s *Scheduler) Schedule(ctx context.Context, key Key, delay time.Duration, content string) {
	// Supersede before anything else: an immediate dispatch must also
	// cancel a pending reply for the same key.
	s.mu.Lock()
	if old, ok := s.pending[key]; ok {
		old.timer.Stop()
		delete(s.pending, key)
		s.logger.Debug("schedule: superseded pending reply",
			"account_id", key.AccountID, "conversation", key.ConversationID)
	}

	if delay <= 0 {
		s.mu.Unlock()
		s.logger.Debug("schedule: immediate dispatch", "account_id", key.AccountID)
		s.deliver(ctx, key, content)
		return
	}

	e := &entry{
		content:     content,
		scheduledAt: s.now(),
		delay:       delay,
	}
	e.timer = time.AfterFunc(delay, func() { s.fire(key, e) })
	s.pending[key] = e
	s.mu.Unlock()

	s.logger.Debug("schedule: reply queued",
		"account_id", key.AccountID, "conversation", key.ConversationID, "delay", delay)
}

// fire runs on timer expiry. The entry is removed only if it is still the
// current one for its key; a superseded entry's late fire is a no-op.
func (s *Scheduler) fire(key Key, e *entry) {
	s.mu.Lock()
	cur, ok := s.pending[key]
	if !ok || cur != e {
		s.mu.Unlock()
		return
	}
	delete(s.pending, key)
	s.mu.Unlock()

	s.deliver(context.Background(), key, e.content)
}

func (s *Scheduler) deliver(ctx context.Context, key Key, content string) {
	if s.dispatch == nil {
		return
	}
	if !s.dispatch(ctx, key, content) {
		// Terminal: the entry is already gone and is not re-scheduled.
		s.logger.Warn("schedule: dispatch failed",
			"account_id", key.AccountID, "conversation", key.ConversationID)
	}
}

// Cancel stops and removes the pending reply for key, if any.
func (s *Scheduler) Cancel(key Key) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.pending[key]; ok {
		e.timer.Stop()
		delete(s.pending, key)
	}
}

// ListPending returns the account's pending replies with remaining time
// clamped to >= 0.
func (s *Scheduler) ListPending(accountID string) []Pending {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	var out []Pending
	for key, e := range s.pending {
		if key.AccountID != accountID {
			continue
		}
		remaining := e.delay - now.Sub(e.scheduledAt)
		if remaining < 0 {
			remaining = 0
		}
		out = append(out, Pending{
			Key:         key,
			Content:     e.content,
			ScheduledAt: e.scheduledAt,
			Delay:       e.delay,
			Remaining:   remaining,
		})
	}
	return out
}

// ClearForAccount cancels all of one account's pending replies without
// dispatching. Called on session stop, strictly before browser teardown.
func (s *Scheduler) ClearForAccount(accountID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for key, e := range s.pending {
		if key.AccountID == accountID {
			e.timer.Stop()
			delete(s.pending, key)
		}
	}
}

// ClearAll cancels every pending reply without dispatching. Called on
// process shutdown before sessions are released.
func (s *Scheduler) ClearAll() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for key, e := range s.pending {
		e.timer.Stop()
		delete(s.pending, key)
	}
}
