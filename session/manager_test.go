package session

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/hazyhaar/telereply/account"
	"github.com/hazyhaar/telereply/rule"
	"github.com/hazyhaar/telereply/schedule"
	"github.com/hazyhaar/telereply/sink"
)

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeSource feeds canned scan results to the detection tick.
type fakeSource struct {
	mu      sync.Mutex
	batches [][]Incoming
	err     error
}

func (f *fakeSource) Scan(context.Context) ([]Incoming, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	if len(f.batches) == 0 {
		return nil, nil
	}
	b := f.batches[0]
	f.batches = f.batches[1:]
	return b, nil
}

type dispatchRec struct {
	mu    sync.Mutex
	calls []string
}

func (r *dispatchRec) fn(ctx context.Context, key schedule.Key, content string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, key.ConversationID+"|"+content)
	return true
}

func (r *dispatchRec) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

type testRig struct {
	m    *Manager
	rec  *dispatchRec
	acct *account.Store
}

func newRig(t *testing.T, events *sink.Router) *testRig {
	t.Helper()
	log := discard()

	rules, err := rule.OpenStore(t.TempDir(), log)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := rules.Create("acct_1", rule.Rule{
		Name:     "greeting",
		Enabled:  true,
		Trigger:  rule.Trigger{Kind: rule.TriggerKeyword, Pattern: "hello", MatchMode: rule.MatchContains},
		Response: rule.Response{Kind: rule.ResponseText, Content: "Hi {sender}!"},
	}); err != nil {
		t.Fatal(err)
	}

	acct, err := account.Open(filepath.Join(t.TempDir(), "accounts.json"), log)
	if err != nil {
		t.Fatal(err)
	}

	if events == nil {
		events = sink.NewRouter(log)
	}

	m := NewManager(Config{DataDir: t.TempDir(), Logger: log}, rules, acct, events)
	rec := &dispatchRec{}
	m.SetScheduler(schedule.New(rec.fn, log))
	return &testRig{m: m, rec: rec, acct: acct}
}

func newTestSession(src MessageSource) *Session {
	return &Session{
		accountID:   "acct_1",
		accountName: "Test",
		state:       StateRunning,
		source:      src,
		seen:        gocache.New(time.Hour, time.Hour),
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}

func TestTick_MatchSchedulesReply(t *testing.T) {
	src := &fakeSource{batches: [][]Incoming{{
		{Text: "hello there", Sender: "Alice", ChatName: "Alice", MessageID: "m1"},
	}}}
	rig := newRig(t, nil)
	s := newTestSession(src)

	if !rig.m.tick(context.Background(), s) {
		t.Fatal("tick reported terminal")
	}

	waitFor(t, func() bool { return len(rig.rec.snapshot()) == 1 })
	got := rig.rec.snapshot()[0]
	if got != "Alice|Hi Alice!" {
		t.Fatalf("dispatched %q", got)
	}
}

func TestTick_DedupesByMessageID(t *testing.T) {
	msg := Incoming{Text: "hello again", Sender: "Alice", ChatName: "Alice", MessageID: "m1"}
	src := &fakeSource{batches: [][]Incoming{{msg}, {msg}}}
	rig := newRig(t, nil)
	s := newTestSession(src)

	rig.m.tick(context.Background(), s)
	rig.m.tick(context.Background(), s)

	waitFor(t, func() bool { return len(rig.rec.snapshot()) >= 1 })
	time.Sleep(50 * time.Millisecond)
	if n := len(rig.rec.snapshot()); n != 1 {
		t.Fatalf("dispatched %d times, want 1", n)
	}
}

func TestTick_NoMatchNoDispatch(t *testing.T) {
	src := &fakeSource{batches: [][]Incoming{{
		{Text: "unrelated", Sender: "Bob", ChatName: "Bob", MessageID: "m2"},
	}}}
	rig := newRig(t, nil)
	s := newTestSession(src)

	rig.m.tick(context.Background(), s)
	time.Sleep(50 * time.Millisecond)
	if n := len(rig.rec.snapshot()); n != 0 {
		t.Fatalf("dispatched %d times, want 0", n)
	}
}

func TestScanFailure_BoundedThenError(t *testing.T) {
	src := &fakeSource{err: errors.New("page gone")}

	var (
		evMu sync.Mutex
		evs  []sink.Event
	)
	events := sink.NewRouter(discard(), sink.NewCallback(func(_ context.Context, ev sink.Event) error {
		evMu.Lock()
		evs = append(evs, ev)
		evMu.Unlock()
		return nil
	}))

	rig := newRig(t, events)
	rig.acct.Create("one", true)
	s := newTestSession(src)
	s.cancel = func() {}
	rig.m.sessions["acct_1"] = s

	ctx := context.Background()
	terminal := false
	// Each reload consumes two consecutive failures; the attempt after
	// the bound is terminal.
	for range 20 {
		if !rig.m.tick(ctx, s) {
			terminal = true
			break
		}
	}
	if !terminal {
		t.Fatal("session never went terminal")
	}
	if s.state != StateError {
		t.Fatalf("state = %s, want %s", s.state, StateError)
	}

	evMu.Lock()
	defer evMu.Unlock()
	found := false
	for _, ev := range evs {
		if ev.Type == sink.EventSessionStatus && ev.Data["state"] == string(StateError) {
			found = true
		}
	}
	if !found {
		t.Fatalf("no error status event, got %+v", evs)
	}
}

func TestTransientScanFailureTolerated(t *testing.T) {
	src := &fakeSource{}
	rig := newRig(t, nil)
	s := newTestSession(src)

	src.err = errors.New("mid-transition")
	if !rig.m.tick(context.Background(), s) {
		t.Fatal("single miss was terminal")
	}
	src.mu.Lock()
	src.err = nil
	src.mu.Unlock()
	if !rig.m.tick(context.Background(), s) {
		t.Fatal("recovered tick was terminal")
	}
	if s.failures != 0 || s.reloads != 0 {
		t.Fatalf("counters not reset: failures=%d reloads=%d", s.failures, s.reloads)
	}
}

func TestStart_IdempotentWhileRunning(t *testing.T) {
	rig := newRig(t, nil)
	s := newTestSession(&fakeSource{})
	rig.m.mu.Lock()
	rig.m.sessions[s.accountID] = s
	rig.m.mu.Unlock()

	if err := rig.m.Start(context.Background(), s.accountID, "Test"); err != nil {
		t.Fatalf("second start: %v", err)
	}

	rig.m.mu.Lock()
	cur := rig.m.sessions[s.accountID]
	rig.m.mu.Unlock()
	if cur != s {
		t.Fatal("running session was replaced by the second start")
	}
}

func TestStart_RejectedWhileStopping(t *testing.T) {
	rig := newRig(t, nil)
	s := newTestSession(&fakeSource{})
	s.state = StateStopping
	rig.m.mu.Lock()
	rig.m.sessions[s.accountID] = s
	rig.m.mu.Unlock()

	err := rig.m.Start(context.Background(), s.accountID, "Test")
	if !errors.Is(err, ErrStopping) {
		t.Fatalf("err = %v, want ErrStopping", err)
	}

	rig.m.mu.Lock()
	cur := rig.m.sessions[s.accountID]
	rig.m.mu.Unlock()
	if cur != s {
		t.Fatal("stopping session must keep its registry entry")
	}
}

func TestUnregister_IgnoresReplacedSession(t *testing.T) {
	rig := newRig(t, nil)
	stale := newTestSession(&fakeSource{})
	fresh := newTestSession(&fakeSource{})
	rig.m.mu.Lock()
	rig.m.sessions[stale.accountID] = fresh
	rig.m.mu.Unlock()

	rig.m.unregister(stale.accountID, stale)

	rig.m.mu.Lock()
	cur := rig.m.sessions[stale.accountID]
	rig.m.mu.Unlock()
	if cur != fresh {
		t.Fatal("unregister with a stale session removed its replacement")
	}
}

func TestIsMention(t *testing.T) {
	cases := []struct {
		text, name string
		want       bool
	}{
		{"ping @alice please", "alice", true},
		{"ping @bob please", "alice", false},
		{"no at sign", "alice", false},
		{"anyone @here", "", true},
		{"plain text", "", false},
	}
	for _, c := range cases {
		if got := isMention(c.text, c.name); got != c.want {
			t.Errorf("isMention(%q, %q) = %v, want %v", c.text, c.name, got, c.want)
		}
	}
}

func TestStop_UnknownAccountIsNoop(t *testing.T) {
	rig := newRig(t, nil)
	if err := rig.m.Stop(context.Background(), "nope"); err != nil {
		t.Fatalf("Stop: %v", err)
	}
}

func TestStatus_UnknownAccount(t *testing.T) {
	rig := newRig(t, nil)
	if _, err := rig.m.Status("nope"); !errors.Is(err, ErrNotRunning) {
		t.Fatalf("err = %v, want ErrNotRunning", err)
	}
}

func TestStop_ClearsPendingBeforeTeardown(t *testing.T) {
	rig := newRig(t, nil)
	s := newTestSession(&fakeSource{})
	s.cancel = func() {}
	rig.m.sessions["acct_1"] = s

	// Queue a delayed reply, then stop: it must never fire.
	rig.m.sched.Schedule(context.Background(), schedule.Key{AccountID: "acct_1", ConversationID: "c"}, time.Hour, "late")
	if err := rig.m.Stop(context.Background(), "acct_1"); err != nil {
		t.Fatal(err)
	}

	if got := rig.m.sched.ListPending("acct_1"); len(got) != 0 {
		t.Fatalf("pending after stop: %+v", got)
	}
	if _, err := rig.m.Status("acct_1"); !errors.Is(err, ErrNotRunning) {
		t.Fatal("session still registered after stop")
	}
}

func TestIgnoreResponseSuppressesDispatch(t *testing.T) {
	log := discard()
	rules, err := rule.OpenStore(t.TempDir(), log)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := rules.Create("acct_1", rule.Rule{
		Name:     "mute spam",
		Enabled:  true,
		Trigger:  rule.Trigger{Kind: rule.TriggerKeyword, Pattern: "spam", MatchMode: rule.MatchContains},
		Response: rule.Response{Kind: rule.ResponseIgnore},
	}); err != nil {
		t.Fatal(err)
	}
	acct, err := account.Open(filepath.Join(t.TempDir(), "accounts.json"), log)
	if err != nil {
		t.Fatal(err)
	}

	m := NewManager(Config{DataDir: t.TempDir(), Logger: log}, rules, acct, sink.NewRouter(log))
	rec := &dispatchRec{}
	m.SetScheduler(schedule.New(rec.fn, log))

	s := newTestSession(&fakeSource{batches: [][]Incoming{{
		{Text: "buy spam now", Sender: "Eve", ChatName: "Eve", MessageID: "m9"},
	}}})
	m.tick(context.Background(), s)

	time.Sleep(50 * time.Millisecond)
	if n := len(rec.snapshot()); n != 0 {
		t.Fatalf("ignore response dispatched %d times", n)
	}
	r := rules.List("acct_1")[0]
	if r.Stats.TotalTriggers != 1 {
		t.Fatalf("stats not bumped on ignore match: %+v", r.Stats)
	}
}
