// Package testutil provides fixtures shared by package tests: a seeded
// SQLite target database, a scratch state store, and polling helpers.
package testutil

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/charmbracelet/log"

	"github.com/Dicklesworthstone/sqlgate/internal/db"
	"github.com/Dicklesworthstone/sqlgate/internal/target"
)

// SeedSQL creates the fixture tables. orders holds exactly one row.
const SeedSQL = `
CREATE TABLE student (
	id INTEGER PRIMARY KEY,
	name TEXT NOT NULL,
	email TEXT UNIQUE
);
CREATE TABLE marks (
	id INTEGER PRIMARY KEY,
	student_id INTEGER NOT NULL REFERENCES student(id) ON DELETE CASCADE,
	subject TEXT NOT NULL,
	score INTEGER DEFAULT 0
);
CREATE INDEX idx_marks_student ON marks(student_id);
CREATE TABLE admin (
	id INTEGER PRIMARY KEY,
	username TEXT NOT NULL,
	role TEXT NOT NULL DEFAULT 'viewer'
);
CREATE TABLE orders (
	id INTEGER PRIMARY KEY,
	customer TEXT NOT NULL,
	total REAL NOT NULL
);
CREATE VIEW top_marks AS SELECT student_id, MAX(score) AS best FROM marks GROUP BY student_id;

INSERT INTO student (id, name, email) VALUES (1, 'Ada', 'ada@example.com'), (2, 'Linus', 'linus@example.com');
INSERT INTO marks (student_id, subject, score) VALUES (1, 'math', 91), (1, 'physics', 84), (2, 'math', 77);
INSERT INTO admin (id, username, role) VALUES (1, 'root', 'owner'), (2, 'ops', 'viewer');
INSERT INTO orders (id, customer, total) VALUES (1, 'acme', 42.5);
`

// NewTargetDB opens a fresh SQLite file under t.TempDir() seeded with SeedSQL.
func NewTargetDB(t testing.TB) *target.DB {
	t.Helper()
	return NewTargetDBWith(t, SeedSQL)
}

// NewTargetDBWith opens a fresh SQLite target and runs each ;-terminated statement of ddl.
func NewTargetDBWith(t testing.TB, ddl string) *target.DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "target.db")
	tdb, err := target.Open(context.Background(), target.Options{URL: "sqlite:///" + path})
	if err != nil {
		t.Fatalf("open target: %v", err)
	}
	t.Cleanup(func() { tdb.Close() })

	for _, stmt := range strings.Split(ddl, ";") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := tdb.Exec(stmt); err != nil {
			t.Fatalf("seed target: %v\n%s", err, stmt)
		}
	}
	return tdb
}

// NewStateDB opens a migrated state store under t.TempDir().
func NewStateDB(t testing.TB) *db.DB {
	t.Helper()
	store, err := db.Open(filepath.Join(t.TempDir(), "state.db"))
	if err != nil {
		t.Fatalf("open state db: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

// Logger returns a logger that writes through t.Log at debug level.
func Logger(t testing.TB) *log.Logger {
	return log.NewWithOptions(tbWriter{t}, log.Options{Level: log.DebugLevel, Prefix: t.Name()})
}

// DiscardLogger returns a logger that drops everything.
func DiscardLogger() *log.Logger {
	return log.New(io.Discard)
}

type tbWriter struct{ t testing.TB }

func (w tbWriter) Write(p []byte) (int, error) {
	w.t.Log(strings.TrimRight(string(p), "\n"))
	return len(p), nil
}

// WaitForCondition polls cond every interval until it returns true or timeout elapses.
func WaitForCondition(cond func() bool, interval, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for {
		if cond() {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		time.Sleep(interval)
	}
}

// Eventually fails the test if cond does not become true within timeout.
func Eventually(t testing.TB, cond func() bool, timeout time.Duration, format string, args ...any) {
	t.Helper()
	if !WaitForCondition(cond, 10*time.Millisecond, timeout) {
		t.Fatalf("condition not met within %s: %s", timeout, fmt.Sprintf(format, args...))
	}
}
