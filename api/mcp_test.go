package api

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	_ "modernc.org/sqlite"

	"github.com/hazyhaar/telereply/account"
	"github.com/hazyhaar/telereply/dbopen"
	"github.com/hazyhaar/telereply/logstore"
	"github.com/hazyhaar/telereply/rule"
	"github.com/hazyhaar/telereply/schedule"
	"github.com/hazyhaar/telereply/session"
	"github.com/hazyhaar/telereply/sink"
)

var testImpl = &mcp.Implementation{Name: "telereply-test", Version: "0.1.0"}

// mcpSession builds a Server over fresh stores, registers MCP tools, and
// returns a connected client session.
func mcpSession(t *testing.T) (*Server, *mcp.ClientSession) {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	acct, err := account.Open(filepath.Join(t.TempDir(), "accounts.json"), log)
	if err != nil {
		t.Fatal(err)
	}
	rules, err := rule.OpenStore(t.TempDir(), log)
	if err != nil {
		t.Fatal(err)
	}
	logs, err := logstore.NewWithDB(dbopen.OpenMemory(t))
	if err != nil {
		t.Fatal(err)
	}
	mgr := session.NewManager(session.Config{DataDir: t.TempDir(), Logger: log},
		rules, acct, sink.NewRouter(log))
	sched := schedule.New(mgr.Dispatch, log)
	mgr.SetScheduler(sched)
	s := New(log, mgr, sched, acct, rules, logs, "")

	srv := mcp.NewServer(testImpl, nil)
	s.RegisterMCP(srv)

	serverT, clientT := mcp.NewInMemoryTransports()
	ctx := context.Background()
	go func() {
		_ = srv.Run(ctx, serverT)
	}()

	client := mcp.NewClient(testImpl, nil)
	cs, err := client.Connect(ctx, clientT, nil)
	if err != nil {
		t.Fatalf("client connect: %v", err)
	}
	t.Cleanup(func() { cs.Close() })

	return s, cs
}

// callTool invokes a tool and returns the JSON text from the first TextContent.
func callTool(t *testing.T, cs *mcp.ClientSession, name string, args any) string {
	t.Helper()
	result, err := cs.CallTool(context.Background(), &mcp.CallToolParams{
		Name:      name,
		Arguments: args,
	})
	if err != nil {
		t.Fatalf("CallTool(%s): %v", name, err)
	}
	if err := result.GetError(); err != nil {
		t.Fatalf("CallTool(%s) tool error: %v", name, err)
	}
	if len(result.Content) == 0 {
		t.Fatalf("CallTool(%s): empty content", name)
	}
	tc, ok := result.Content[0].(*mcp.TextContent)
	if !ok {
		t.Fatalf("CallTool(%s): expected TextContent, got %T", name, result.Content[0])
	}
	return tc.Text
}

func TestMCP_MatchMessage(t *testing.T) {
	s, cs := mcpSession(t)

	if _, err := s.rules.Create("acct_1", rule.Rule{
		Name:     "greeting",
		Enabled:  true,
		Trigger:  rule.Trigger{Kind: rule.TriggerKeyword, Pattern: "hello", MatchMode: rule.MatchContains},
		Response: rule.Response{Kind: rule.ResponseText, Content: "Hi {sender}!"},
	}); err != nil {
		t.Fatal(err)
	}

	text := callTool(t, cs, "telereply_match_message", map[string]any{
		"account_id": "acct_1",
		"message":    "well hello there",
		"sender":     "Alice",
	})

	var res matchResponse
	if err := json.Unmarshal([]byte(text), &res); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !res.Matched || res.Response != "Hi Alice!" {
		t.Fatalf("result: %+v", res)
	}

	// MCP match is a dry run.
	if got := s.rules.List("acct_1")[0]; got.Stats.TotalTriggers != 0 {
		t.Fatalf("stats bumped by dry run: %+v", got.Stats)
	}
}

func TestMCP_TestRule(t *testing.T) {
	s, cs := mcpSession(t)

	// Disabled on purpose: test_rule ignores the enabled flag and limits.
	created, err := s.rules.Create("acct_1", rule.Rule{
		Name:     "away",
		Enabled:  false,
		Trigger:  rule.Trigger{Kind: rule.TriggerKeyword, Pattern: "brb", MatchMode: rule.MatchExact},
		Response: rule.Response{Kind: rule.ResponseText, Content: "Back soon, {sender}."},
	})
	if err != nil {
		t.Fatal(err)
	}

	text := callTool(t, cs, "telereply_test_rule", map[string]any{
		"rule_id": created.ID,
		"message": "brb",
		"sender":  "Bob",
	})
	var res matchResponse
	if err := json.Unmarshal([]byte(text), &res); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !res.Matched || res.Response != "Back soon, Bob." {
		t.Fatalf("result: %+v", res)
	}

	text = callTool(t, cs, "telereply_test_rule", map[string]any{
		"rule_id": created.ID,
		"message": "be right back",
	})
	if err := json.Unmarshal([]byte(text), &res); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if res.Matched {
		t.Fatalf("exact-mode trigger matched substring input: %+v", res)
	}
}

func TestMCP_ListRules(t *testing.T) {
	s, cs := mcpSession(t)

	for _, name := range []string{"one", "two"} {
		if _, err := s.rules.Create("acct_1", rule.Rule{
			Name:     name,
			Enabled:  true,
			Trigger:  rule.Trigger{Kind: rule.TriggerAll},
			Response: rule.Response{Kind: rule.ResponseText, Content: "ok"},
		}); err != nil {
			t.Fatal(err)
		}
	}

	text := callTool(t, cs, "telereply_list_rules", map[string]any{"account_id": "acct_1"})
	var rules []rule.Rule
	if err := json.Unmarshal([]byte(text), &rules); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(rules) != 2 {
		t.Fatalf("got %d rules", len(rules))
	}
}

func TestMCP_SessionStatusEmpty(t *testing.T) {
	_, cs := mcpSession(t)

	text := callTool(t, cs, "telereply_session_status", map[string]any{})
	var statuses []session.Status
	if err := json.Unmarshal([]byte(text), &statuses); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(statuses) != 0 {
		t.Fatalf("statuses: %+v", statuses)
	}
}

func TestMCP_PendingEmpty(t *testing.T) {
	_, cs := mcpSession(t)

	text := callTool(t, cs, "telereply_pending_replies", map[string]any{"account_id": "acct_1"})
	var pending []schedule.Pending
	if err := json.Unmarshal([]byte(text), &pending); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(pending) != 0 {
		t.Fatalf("pending: %+v", pending)
	}
}
