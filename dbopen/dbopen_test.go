package dbopen_test

import (
	"context"
	"database/sql"
	"testing"

	_ "modernc.org/sqlite"

	"github.com/hazyhaar/telereply/dbopen"
)

func TestOpen_Pragmas(t *testing.T) {
	db := dbopen.OpenMemory(t)

	var fk int
	if err := db.QueryRow("PRAGMA foreign_keys").Scan(&fk); err != nil {
		t.Fatal(err)
	}
	if fk != 1 {
		t.Fatalf("foreign_keys = %d, want 1", fk)
	}

	var busyTimeout int
	if err := db.QueryRow("PRAGMA busy_timeout").Scan(&busyTimeout); err != nil {
		t.Fatal(err)
	}
	if busyTimeout != 10_000 {
		t.Fatalf("busy_timeout = %d, want 10000", busyTimeout)
	}
}

func TestOpen_Schema(t *testing.T) {
	db := dbopen.OpenMemory(t, dbopen.WithSchema("CREATE TABLE entries (id TEXT PRIMARY KEY)"))

	if _, err := db.Exec("INSERT INTO entries (id) VALUES ('a')"); err != nil {
		t.Fatal(err)
	}
}

func TestExec_Retry(t *testing.T) {
	db := dbopen.OpenMemory(t, dbopen.WithSchema("CREATE TABLE entries (id TEXT)"))

	if _, err := dbopen.Exec(context.Background(), db, "INSERT INTO entries (id) VALUES (?)", "x"); err != nil {
		t.Fatal(err)
	}
	var n int
	if err := db.QueryRow("SELECT COUNT(*) FROM entries").Scan(&n); err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("count = %d", n)
	}
}

func TestRunTx_CommitsWrites(t *testing.T) {
	db := dbopen.OpenMemory(t, dbopen.WithSchema("CREATE TABLE entries (id TEXT)"))

	err := dbopen.RunTx(context.Background(), db, func(tx *sql.Tx) error {
		_, err := tx.Exec("INSERT INTO entries (id) VALUES ('tx')")
		return err
	})
	if err != nil {
		t.Fatal(err)
	}
	var n int
	if err := db.QueryRow("SELECT COUNT(*) FROM entries WHERE id = 'tx'").Scan(&n); err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("count = %d, want 1", n)
	}
}
