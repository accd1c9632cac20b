// Package session drives one isolated browser session per managed account
// against the Telegram Web client: launch, login detection, inbound message
// scanning, rule matching, and reply scheduling.
package session

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/stealth"
	gocache "github.com/patrickmn/go-cache"

	"github.com/hazyhaar/telereply/account"
	"github.com/hazyhaar/telereply/rule"
	"github.com/hazyhaar/telereply/schedule"
	"github.com/hazyhaar/telereply/sink"
)

// State is the lifecycle phase of one account session.
type State string

const (
	StateStopped  State = "stopped"
	StateStarting State = "starting"
	StateRunning  State = "running"
	StateStopping State = "stopping"
	StateError    State = "error"
)

// Config configures the session manager.
type Config struct {
	// ClientURL is the web client to drive. Default: Telegram Web K.
	ClientURL string

	// Headless launches Chrome without a visible window. Headful is the
	// default so users can scan the QR code directly when they prefer.
	Headless bool

	// Proxy is an optional proxy server URL passed to Chrome.
	Proxy string

	// NavTimeout bounds initial navigation. Default: 30s.
	NavTimeout time.Duration

	// PollInterval is the detection loop cadence. Default: 5s.
	PollInterval time.Duration

	// MaxReloadAttempts bounds page reloads on an unresponsive page
	// before the session goes to Error. Default: 3.
	MaxReloadAttempts int

	// DedupeTTL is how long processed message IDs are remembered. Default: 24h.
	DedupeTTL time.Duration

	// DataDir holds per-account browser profiles and screenshots.
	DataDir string

	Logger *slog.Logger
}

func (c *Config) defaults() {
	if c.ClientURL == "" {
		c.ClientURL = "https://web.telegram.org/k/"
	}
	if c.NavTimeout <= 0 {
		c.NavTimeout = 30 * time.Second
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 5 * time.Second
	}
	if c.MaxReloadAttempts <= 0 {
		c.MaxReloadAttempts = 3
	}
	if c.DedupeTTL <= 0 {
		c.DedupeTTL = 24 * time.Hour
	}
	if c.DataDir == "" {
		c.DataDir = "."
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Status is a point-in-time snapshot of one session.
type Status struct {
	AccountID    string    `json:"accountId"`
	AccountName  string    `json:"accountName"`
	State        State     `json:"state"`
	StartedAt    time.Time `json:"startedAt,omitempty"`
	LastActivity time.Time `json:"lastActivity,omitempty"`
}

// Session is the live state for one account. Fields after cancel are
// owned by the detection loop goroutine; the rest are guarded by the
// manager mutex.
type Session struct {
	accountID   string
	accountName string
	state       State
	lnch        *launcher.Launcher
	browser     *rod.Browser
	page        *rod.Page
	source      MessageSource
	cancel      context.CancelFunc
	startedAt   time.Time
	lastActive  time.Time

	seen     *gocache.Cache
	failures int
	reloads  int
}

// Manager owns all account sessions.
type Manager struct {
	cfg        Config
	rules      *rule.Store
	accounts   *account.Store
	events     *sink.Router
	dispatcher *Dispatcher
	log        *slog.Logger

	mu       sync.Mutex
	sched    *schedule.Scheduler
	sessions map[string]*Session
}

// NewManager creates a session Manager. Attach the reply scheduler with
// SetScheduler before calling Start; the scheduler itself is constructed
// from the manager's Dispatch method.
func NewManager(cfg Config, rules *rule.Store, accounts *account.Store, events *sink.Router) *Manager {
	cfg.defaults()
	return &Manager{
		cfg:        cfg,
		rules:      rules,
		accounts:   accounts,
		events:     events,
		dispatcher: NewDispatcher(cfg.Logger),
		log:        cfg.Logger,
		sessions:   make(map[string]*Session),
	}
}

// SetScheduler attaches the reply scheduler. Must be called before Start.
func (m *Manager) SetScheduler(s *schedule.Scheduler) {
	m.mu.Lock()
	m.sched = s
	m.mu.Unlock()
}

// Dispatch implements schedule.DispatchFunc: deliver content through the
// live session for key's account. Returns false when the session is gone
// or the composer interaction fails.
func (m *Manager) Dispatch(ctx context.Context, key schedule.Key, content string) bool {
	m.mu.Lock()
	s := m.sessions[key.AccountID]
	var page *rod.Page
	if s != nil && s.state == StateRunning {
		page = s.page
	}
	m.mu.Unlock()

	if page == nil {
		m.log.Warn("session: dispatch to inactive session dropped",
			"account", key.AccountID, "conversation", key.ConversationID)
		return false
	}

	ok := m.dispatcher.Send(ctx, page, content)
	if ok {
		m.mu.Lock()
		if s := m.sessions[key.AccountID]; s != nil {
			s.lastActive = time.Now()
		}
		m.mu.Unlock()
	}
	return ok
}

// Start launches a browser session for the account and begins the
// detection loop. Idempotent: an account already Starting or Running
// returns nil without side effects; one mid-Stop returns ErrStopping. A
// stale Error session has its browser released before the relaunch. On
// launch or navigation failure the session is not registered and the
// account status is left untouched.
func (m *Manager) Start(ctx context.Context, accountID, accountName string) error {
	m.mu.Lock()
	if old := m.sessions[accountID]; old != nil {
		switch old.state {
		case StateStarting, StateRunning:
			m.mu.Unlock()
			return nil
		case StateStopping:
			m.mu.Unlock()
			return fmt.Errorf("%w: %s", ErrStopping, accountID)
		default:
			// An Error session keeps its browser open; release it before
			// relaunching, the old process still holds the profile lock.
			delete(m.sessions, accountID)
			m.mu.Unlock()
			m.closeBrowser(old)
			m.mu.Lock()
			if m.sessions[accountID] != nil {
				// A concurrent Start claimed the slot meanwhile.
				m.mu.Unlock()
				return nil
			}
		}
	}
	s := &Session{
		accountID:   accountID,
		accountName: accountName,
		state:       StateStarting,
		seen:        gocache.New(m.cfg.DedupeTTL, m.cfg.DedupeTTL),
	}
	m.sessions[accountID] = s
	m.mu.Unlock()

	browser, lnch, err := m.launch(accountID)
	if err != nil {
		m.unregister(accountID, s)
		return err
	}

	page, err := m.openClient(ctx, browser)
	if err != nil {
		browser.Close()
		lnch.Kill()
		m.unregister(accountID, s)
		return err
	}

	m.reportLogin(ctx, accountID, accountName, probeLogin(ctx, page))

	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	now := time.Now()
	m.mu.Lock()
	if m.sessions[accountID] != s {
		// Stopped while the launch was in flight; release what we opened.
		m.mu.Unlock()
		cancel()
		if err := page.Close(); err != nil {
			m.log.Debug("session: page close", "account", accountID, "error", err)
		}
		if err := browser.Close(); err != nil {
			m.log.Debug("session: browser close", "account", accountID, "error", err)
		}
		lnch.Kill()
		return fmt.Errorf("session: %s: stopped during start", accountID)
	}
	s.browser = browser
	s.lnch = lnch
	s.page = page
	s.source = &pageSource{page: page}
	s.cancel = cancel
	s.state = StateRunning
	s.startedAt = now
	s.lastActive = now
	m.mu.Unlock()

	m.accounts.SetStatus(accountID, account.StatusRunning)
	m.emitState(ctx, accountID, StateRunning)
	m.log.Info("session: started", "account", accountID, "name", accountName)

	go m.detectLoop(loopCtx, s)
	return nil
}

// Stop cancels the detection loop, clears the account's pending replies
// (strictly before browser teardown so nothing fires into a dying page),
// closes browser resources best-effort, and deregisters. Idempotent.
func (m *Manager) Stop(ctx context.Context, accountID string) error {
	m.mu.Lock()
	s := m.sessions[accountID]
	if s == nil {
		m.mu.Unlock()
		return nil
	}
	s.state = StateStopping
	sched := m.sched
	m.mu.Unlock()

	if s.cancel != nil {
		s.cancel()
	}
	if sched != nil {
		sched.ClearForAccount(accountID)
	}
	m.closeBrowser(s)

	m.unregister(accountID, s)
	m.accounts.SetStatus(accountID, account.StatusIdle)
	m.emitState(ctx, accountID, StateStopped)
	m.log.Info("session: stopped", "account", accountID)
	return nil
}

// StopAll stops every active session.
func (m *Manager) StopAll(ctx context.Context) {
	m.mu.Lock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	m.mu.Unlock()
	for _, id := range ids {
		m.Stop(ctx, id)
	}
}

// Statuses returns snapshots of all registered sessions.
func (m *Manager) Statuses() []Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Status, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, m.statusLocked(s))
	}
	return out
}

// Status returns the snapshot for one account, or ErrNotRunning.
func (m *Manager) Status(accountID string) (Status, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.sessions[accountID]
	if s == nil {
		return Status{}, fmt.Errorf("%w: %s", ErrNotRunning, accountID)
	}
	return m.statusLocked(s), nil
}

func (m *Manager) statusLocked(s *Session) Status {
	return Status{
		AccountID:    s.accountID,
		AccountName:  s.accountName,
		State:        s.state,
		StartedAt:    s.startedAt,
		LastActivity: s.lastActive,
	}
}

// CaptureScreenshot saves a PNG of the account's current page under the
// data dir and returns its path.
func (m *Manager) CaptureScreenshot(ctx context.Context, accountID string) (string, error) {
	m.mu.Lock()
	s := m.sessions[accountID]
	var page *rod.Page
	if s != nil && (s.state == StateRunning || s.state == StateStarting) {
		page = s.page
	}
	m.mu.Unlock()

	if page == nil {
		return "", fmt.Errorf("%w: %s", ErrNotRunning, accountID)
	}

	png, err := page.Context(ctx).Screenshot(false, nil)
	if err != nil {
		return "", fmt.Errorf("session: screenshot: %w", err)
	}

	dir := filepath.Join(m.cfg.DataDir, "screenshots")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("session: screenshot dir: %w", err)
	}
	path := filepath.Join(dir, fmt.Sprintf("%s_%s.png", accountID, time.Now().Format("20060102T150405")))
	if err := os.WriteFile(path, png, 0o644); err != nil {
		return "", fmt.Errorf("session: screenshot write: %w", err)
	}
	m.log.Info("session: screenshot saved", "account", accountID, "path", path)
	return path, nil
}

func (m *Manager) launch(accountID string) (*rod.Browser, *launcher.Launcher, error) {
	l := launcher.New().
		Headless(m.cfg.Headless).
		Set("disable-blink-features", "AutomationControlled").
		UserDataDir(filepath.Join(m.cfg.DataDir, "profiles", accountID))
	if m.cfg.Proxy != "" {
		l = l.Proxy(m.cfg.Proxy)
	}

	u, err := l.Launch()
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrLaunch, err)
	}

	b := rod.New().ControlURL(u)
	if err := b.Connect(); err != nil {
		l.Kill()
		return nil, nil, fmt.Errorf("%w: connect: %v", ErrLaunch, err)
	}
	return b, l, nil
}

func (m *Manager) openClient(ctx context.Context, b *rod.Browser) (*rod.Page, error) {
	page, err := stealth.Page(b)
	if err != nil {
		return nil, fmt.Errorf("%w: stealth page: %v", ErrLaunch, err)
	}

	navCtx, cancel := context.WithTimeout(ctx, m.cfg.NavTimeout)
	defer cancel()

	if err := page.Context(navCtx).Navigate(m.cfg.ClientURL); err != nil {
		page.Close()
		return nil, fmt.Errorf("%w: %s: %v", ErrNavigation, m.cfg.ClientURL, err)
	}
	if err := page.Context(navCtx).WaitLoad(); err != nil {
		m.log.Warn("session: wait load timeout", "url", m.cfg.ClientURL, "error", err)
	}
	return page, nil
}

func (m *Manager) reportLogin(ctx context.Context, accountID, accountName string, st loginState) {
	switch {
	case st.LoggedIn:
		m.events.Send(ctx, sink.Event{
			Type:      sink.EventLoginSuccess,
			AccountID: accountID,
			Message:   accountName + " already authenticated",
		})
	case st.NeedsLogin:
		data := map[string]any{"accountName": accountName}
		if len(st.QR) > 0 {
			data["qrCode"] = "data:image/png;base64," + base64.StdEncoding.EncodeToString(st.QR)
		}
		m.events.Send(ctx, sink.Event{
			Type:      sink.EventNeedsLogin,
			AccountID: accountID,
			Message:   accountName + " needs QR login",
			Data:      data,
		})
	default:
		m.log.Warn("session: login state inconclusive", "account", accountID)
	}
}

func (m *Manager) detectLoop(ctx context.Context, s *Session) {
	t := time.NewTicker(m.cfg.PollInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if !m.tick(ctx, s) {
				return
			}
		}
	}
}

// tick runs one detection pass. Returns false when the session went
// terminal and the loop must exit.
func (m *Manager) tick(ctx context.Context, s *Session) bool {
	msgs, err := s.source.Scan(ctx)
	if err != nil {
		// Selector misses are expected on the login page or mid-transition.
		m.log.Debug("session: scan failed", "account", s.accountID, "error", err)
		return m.handleScanFailure(ctx, s)
	}
	s.failures = 0
	s.reloads = 0

	for _, in := range msgs {
		if _, dup := s.seen.Get(in.MessageID); dup {
			continue
		}
		s.seen.Set(in.MessageID, struct{}{}, gocache.DefaultExpiration)
		m.handleMessage(ctx, s, in)
	}

	if len(msgs) > 0 {
		m.mu.Lock()
		s.lastActive = time.Now()
		m.mu.Unlock()
	}
	return true
}

// handleScanFailure tolerates one transient miss, then reloads the page,
// bounded by MaxReloadAttempts before the session goes to Error.
func (m *Manager) handleScanFailure(ctx context.Context, s *Session) bool {
	s.failures++
	if s.failures < 2 {
		return true
	}
	if s.reloads >= m.cfg.MaxReloadAttempts {
		m.markError(ctx, s, "page unresponsive after reload attempts")
		return false
	}
	s.reloads++
	s.failures = 0
	m.log.Warn("session: reloading unresponsive page",
		"account", s.accountID, "attempt", s.reloads, "max", m.cfg.MaxReloadAttempts)
	if s.page != nil {
		if err := s.page.Context(ctx).Reload(); err != nil {
			m.log.Warn("session: reload failed", "account", s.accountID, "error", err)
		}
	}
	return true
}

func (m *Manager) markError(ctx context.Context, s *Session, reason string) {
	m.mu.Lock()
	s.state = StateError
	sched := m.sched
	m.mu.Unlock()

	if s.cancel != nil {
		s.cancel()
	}
	if sched != nil {
		sched.ClearForAccount(s.accountID)
	}
	m.accounts.SetStatus(s.accountID, account.StatusError)
	m.emitState(ctx, s.accountID, StateError)
	m.log.Error("session: entering error state", "account", s.accountID, "reason", reason)
}

func (m *Manager) handleMessage(ctx context.Context, s *Session, in Incoming) {
	if in.Sender == "" {
		// Private chats omit the per-message peer title; the chat title
		// is the peer.
		in.Sender = in.ChatName
	}

	msg := rule.Message{
		Text:         in.Text,
		Sender:       in.Sender,
		Conversation: in.ChatName,
		MessageID:    in.MessageID,
		DetectedAt:   time.Now(),
	}
	isPrivate := in.ChatName != "" && in.Sender == in.ChatName
	mctx := rule.Context{
		IsMention: isMention(in.Text, s.accountName),
		IsPrivate: isPrivate,
		IsGroup:   !isPrivate,
	}

	m.log.Debug("session: inbound message",
		"account", s.accountID, "id", in.MessageID, "sender", in.Sender)

	res := m.rules.MatchMessage(ctx, s.accountID, msg, mctx)
	if !res.Matched {
		return
	}

	switch res.Rule.Response.Kind {
	case rule.ResponseIgnore:
		m.log.Debug("session: rule matched with ignore response",
			"account", s.accountID, "rule", res.Rule.Name)
	case rule.ResponseText:
		m.mu.Lock()
		sched := m.sched
		m.mu.Unlock()
		if sched == nil {
			m.log.Error("session: no scheduler attached, reply dropped", "account", s.accountID)
			return
		}
		key := schedule.Key{AccountID: s.accountID, ConversationID: in.ChatName}
		sched.Schedule(ctx, key, res.Rule.Response.Delay, res.Response)
	default:
		// image/file/forward need a media pipeline the composer path
		// does not provide.
		m.log.Warn("session: response kind not dispatchable",
			"account", s.accountID, "rule", res.Rule.Name, "kind", string(res.Rule.Response.Kind))
	}
}

// isMention reports whether text addresses the account. With no account
// name to match, any "@" counts.
func isMention(text, accountName string) bool {
	if accountName != "" {
		return strings.Contains(text, "@"+accountName)
	}
	return strings.Contains(text, "@")
}

// closeBrowser best-effort closes page, browser, and launcher in order.
// Kill, not Cleanup: the per-account profile dir must survive so
// authentication persists across restarts.
func (m *Manager) closeBrowser(s *Session) {
	if s.page != nil {
		if err := s.page.Close(); err != nil {
			m.log.Debug("session: page close", "account", s.accountID, "error", err)
		}
	}
	if s.browser != nil {
		if err := s.browser.Close(); err != nil {
			m.log.Debug("session: browser close", "account", s.accountID, "error", err)
		}
	}
	if s.lnch != nil {
		s.lnch.Kill()
	}
}

// unregister removes the account's registry entry only while it still
// holds s; a replacement session registered meanwhile is left alone.
func (m *Manager) unregister(accountID string, s *Session) {
	m.mu.Lock()
	if m.sessions[accountID] == s {
		delete(m.sessions, accountID)
	}
	m.mu.Unlock()
}

func (m *Manager) emitState(ctx context.Context, accountID string, state State) {
	m.events.Send(ctx, sink.Event{
		Type:      sink.EventSessionStatus,
		AccountID: accountID,
		Message:   "session " + string(state),
		Data:      map[string]any{"state": string(state)},
	})
}
