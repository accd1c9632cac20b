package logstore_test

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/hazyhaar/telereply/dbopen"
	"github.com/hazyhaar/telereply/logstore"
	"github.com/hazyhaar/telereply/sink"
)

func openStore(t *testing.T) *logstore.Store {
	t.Helper()
	db := dbopen.OpenMemory(t)
	s, err := logstore.NewWithDB(db)
	if err != nil {
		t.Fatalf("NewWithDB: %v", err)
	}
	return s
}

func TestInsertQuery(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	for i, msg := range []string{"first", "second", "third"} {
		err := s.Insert(ctx, logstore.Record{
			Timestamp: base.Add(time.Duration(i) * time.Minute),
			AccountID: "acct_1",
			Message:   msg,
		})
		if err != nil {
			t.Fatalf("Insert: %v", err)
		}
	}

	recs, err := s.Query(ctx, logstore.Filter{AccountID: "acct_1"})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(recs) != 3 {
		t.Fatalf("got %d records, want 3", len(recs))
	}
	if recs[0].Message != "third" {
		t.Fatalf("newest first: got %q", recs[0].Message)
	}
	if recs[0].ID == "" {
		t.Fatal("ID not assigned")
	}
	if recs[0].Level != "info" {
		t.Fatalf("default level: got %q", recs[0].Level)
	}
}

func TestQueryFilters(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	ins := func(acct, level string, at time.Time) {
		t.Helper()
		if err := s.Insert(ctx, logstore.Record{Timestamp: at, AccountID: acct, Level: level, Message: "m"}); err != nil {
			t.Fatal(err)
		}
	}
	ins("a", "info", base)
	ins("a", "error", base.Add(time.Hour))
	ins("b", "info", base.Add(2*time.Hour))

	recs, err := s.Query(ctx, logstore.Filter{Level: "error"})
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 1 || recs[0].AccountID != "a" {
		t.Fatalf("level filter: %+v", recs)
	}

	recs, err = s.Query(ctx, logstore.Filter{Since: base.Add(90 * time.Minute)})
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 1 || recs[0].AccountID != "b" {
		t.Fatalf("since filter: %+v", recs)
	}

	recs, err = s.Query(ctx, logstore.Filter{Limit: 2})
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 2 {
		t.Fatalf("limit: got %d", len(recs))
	}
}

func TestCleanup(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	old := time.Now().Add(-48 * time.Hour)
	if err := s.Insert(ctx, logstore.Record{Timestamp: old, Message: "stale"}); err != nil {
		t.Fatal(err)
	}
	if err := s.Insert(ctx, logstore.Record{Message: "fresh"}); err != nil {
		t.Fatal(err)
	}

	n, err := s.Cleanup(ctx, 24*time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("removed %d, want 1", n)
	}

	recs, err := s.Query(ctx, logstore.Filter{})
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 1 || recs[0].Message != "fresh" {
		t.Fatalf("after cleanup: %+v", recs)
	}
}

func TestEventSink(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	es := logstore.NewEventSink(s)
	ev := sink.Event{
		Type:      sink.EventRuleTriggered,
		AccountID: "acct_9",
		Timestamp: time.Now(),
		Level:     "info",
		Message:   "rule fired",
		Data:      map[string]any{"rule": "Greeting"},
	}
	if err := es.Send(ctx, ev); err != nil {
		t.Fatalf("Send: %v", err)
	}

	recs, err := s.Query(ctx, logstore.Filter{AccountID: "acct_9"})
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 1 {
		t.Fatalf("got %d records", len(recs))
	}
	if recs[0].Component != string(sink.EventRuleTriggered) {
		t.Fatalf("component = %q", recs[0].Component)
	}
	if !strings.Contains(recs[0].Details, "Greeting") {
		t.Fatalf("details = %q", recs[0].Details)
	}
}

func TestExportFormats(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	for i, msg := range []string{"alpha", "beta"} {
		err := s.Insert(ctx, logstore.Record{
			Timestamp: base.Add(time.Duration(i) * time.Minute),
			AccountID: "acct_1",
			Component: "session",
			Message:   msg,
		})
		if err != nil {
			t.Fatal(err)
		}
	}

	t.Run("text", func(t *testing.T) {
		var buf strings.Builder
		if err := s.Export(ctx, &buf, logstore.FormatText, logstore.Filter{}); err != nil {
			t.Fatal(err)
		}
		out := buf.String()
		// Oldest first in exports.
		if !strings.Contains(out, "alpha") || strings.Index(out, "alpha") > strings.Index(out, "beta") {
			t.Fatalf("text export order:\n%s", out)
		}
		if !strings.Contains(out, "[acct_1] session: alpha") {
			t.Fatalf("text export format:\n%s", out)
		}
	})

	t.Run("csv", func(t *testing.T) {
		var buf strings.Builder
		if err := s.Export(ctx, &buf, logstore.FormatCSV, logstore.Filter{}); err != nil {
			t.Fatal(err)
		}
		lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
		if len(lines) != 3 {
			t.Fatalf("csv lines = %d, want header + 2 rows", len(lines))
		}
		if !strings.HasPrefix(lines[0], "timestamp,level,") {
			t.Fatalf("csv header: %q", lines[0])
		}
	})

	t.Run("json", func(t *testing.T) {
		var buf strings.Builder
		if err := s.Export(ctx, &buf, logstore.FormatJSON, logstore.Filter{}); err != nil {
			t.Fatal(err)
		}
		var recs []logstore.Record
		if err := json.Unmarshal([]byte(buf.String()), &recs); err != nil {
			t.Fatalf("json export: %v", err)
		}
		if len(recs) != 2 || recs[0].Message != "alpha" {
			t.Fatalf("json export: %+v", recs)
		}
	})
}

func TestParseFormat(t *testing.T) {
	for in, want := range map[string]logstore.Format{
		"":     logstore.FormatText,
		"txt":  logstore.FormatText,
		"CSV":  logstore.FormatCSV,
		"json": logstore.FormatJSON,
	} {
		got, err := logstore.ParseFormat(in)
		if err != nil {
			t.Fatalf("ParseFormat(%q): %v", in, err)
		}
		if got != want {
			t.Fatalf("ParseFormat(%q) = %q, want %q", in, got, want)
		}
	}
	if _, err := logstore.ParseFormat("xml"); err == nil {
		t.Fatal("expected error for unknown format")
	}
}
