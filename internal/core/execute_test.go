package core

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/Dicklesworthstone/sqlgate/internal/db"
	"github.com/Dicklesworthstone/sqlgate/internal/target"
	"github.com/Dicklesworthstone/sqlgate/internal/testutil"
)

type execFixture struct {
	target     *target.DB
	gate       *Gate
	classifier *Classifier
}

func newExecFixture(t *testing.T) *execFixture {
	t.Helper()
	return &execFixture{
		target:     testutil.NewTargetDB(t),
		gate:       NewGate(testutil.NewStateDB(t), GateOptions{}),
		classifier: NewClassifier(ClassifierOptions{}),
	}
}

func (f *execFixture) classify(t *testing.T, sql string) *ClassifiedStatement {
	t.Helper()
	c := f.classifier.Classify(sql, nil)
	if c.Rejected() {
		t.Fatalf("Classify(%q) rejected: %s", sql, c.RejectionReason)
	}
	return c
}

func (f *execFixture) approve(t *testing.T, c *ClassifiedStatement) *db.Approval {
	t.Helper()
	a, err := f.gate.Submit(context.Background(), c, &ToolCall{ID: "call"})
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	a, err = f.gate.Resolve(context.Background(), a.ID, db.DecisionApprove, "alice", "")
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	return a
}

func (f *execFixture) count(t *testing.T, table string) int {
	t.Helper()
	var n int
	if err := f.target.QueryRow("SELECT COUNT(*) FROM " + table).Scan(&n); err != nil {
		t.Fatalf("count %s: %v", table, err)
	}
	return n
}

func TestExecuteRead(t *testing.T) {
	f := newExecFixture(t)
	e := NewExecutor(f.target, f.gate, ExecutorOptions{})

	res, err := e.Execute(context.Background(), f.classify(t, "SELECT * FROM orders"), nil)
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if res.Status != db.ExecSuccess {
		t.Fatalf("Status = %s (%s), want success", res.Status, res.Error)
	}
	if len(res.Rows) != 1 || res.Truncated {
		t.Fatalf("rows = %d truncated = %v, want 1 row untruncated", len(res.Rows), res.Truncated)
	}
	if strings.Join(res.Columns, ",") != "id,customer,total" {
		t.Errorf("Columns = %v", res.Columns)
	}
	if res.Rows[0][1] != "acme" {
		t.Errorf("customer = %#v, want acme", res.Rows[0][1])
	}

	data, err := json.Marshal(res)
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	if !strings.Contains(string(data), `"elapsed_ms"`) {
		t.Errorf("json %s missing elapsed_ms", data)
	}
}

func TestExecuteTruncatesRows(t *testing.T) {
	f := newExecFixture(t)
	e := NewExecutor(f.target, f.gate, ExecutorOptions{MaxRows: 2})

	res, err := e.Execute(context.Background(), f.classify(t, "SELECT * FROM marks ORDER BY id"), nil)
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if len(res.Rows) != 2 || !res.Truncated {
		t.Fatalf("rows = %d truncated = %v, want 2 rows truncated", len(res.Rows), res.Truncated)
	}
}

func TestExecuteTruncatesBytes(t *testing.T) {
	f := newExecFixture(t)
	e := NewExecutor(f.target, f.gate, ExecutorOptions{MaxBytes: 24})

	res, err := e.Execute(context.Background(), f.classify(t, "SELECT name, email FROM student ORDER BY id"), nil)
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if !res.Truncated || len(res.Rows) >= 2 {
		t.Fatalf("rows = %d truncated = %v, want byte cap to cut the result", len(res.Rows), res.Truncated)
	}
}

func TestExecuteMutationRequiresApproval(t *testing.T) {
	f := newExecFixture(t)
	e := NewExecutor(f.target, f.gate, ExecutorOptions{})
	c := f.classify(t, "DELETE FROM admin WHERE id=1")

	res, err := e.Execute(context.Background(), c, nil)
	if !errors.Is(err, ErrNotAuthorized) {
		t.Fatalf("Execute() error = %v, want not authorized", err)
	}
	if res == nil || res.Status != db.ExecRejected {
		t.Fatalf("result = %+v, want rejected", res)
	}
	if n := f.count(t, "admin"); n != 2 {
		t.Fatalf("admin rows = %d, statement must not have run", n)
	}

	// An approval for different SQL does not authorize this statement.
	other := f.approve(t, f.classify(t, "DELETE FROM admin WHERE id=2"))
	if _, err := e.Execute(context.Background(), c, other); !errors.Is(err, ErrNotAuthorized) {
		t.Fatalf("mismatched approval error = %v", err)
	}
	if n := f.count(t, "admin"); n != 2 {
		t.Fatalf("admin rows = %d after mismatched approval", n)
	}
}

func TestExecuteApprovedMutation(t *testing.T) {
	f := newExecFixture(t)
	e := NewExecutor(f.target, f.gate, ExecutorOptions{})
	c := f.classify(t, "DELETE FROM admin WHERE id=1")
	a := f.approve(t, c)

	res, err := e.Execute(context.Background(), c, a)
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if res.Status != db.ExecSuccess || res.AffectedRows != 1 || res.ApprovalID != a.ID {
		t.Fatalf("result = %+v", res)
	}
	if n := f.count(t, "admin"); n != 1 {
		t.Fatalf("admin rows = %d, want 1", n)
	}

	// Approvals are single use.
	if _, err := e.Execute(context.Background(), c, a); !errors.Is(err, ErrNotAuthorized) {
		t.Fatalf("replay error = %v, want not authorized", err)
	}
}

func TestExecuteReturning(t *testing.T) {
	f := newExecFixture(t)
	e := NewExecutor(f.target, f.gate, ExecutorOptions{})
	c := f.classify(t, "DELETE FROM admin WHERE id=2 RETURNING id, username")
	a := f.approve(t, c)

	res, err := e.ExecuteReturning(context.Background(), c, a)
	if err != nil {
		t.Fatalf("ExecuteReturning() error = %v", err)
	}
	if res.Status != db.ExecSuccess || len(res.Rows) != 1 || res.AffectedRows != 1 {
		t.Fatalf("result = %+v", res)
	}
	if res.Rows[0][1] != "ops" {
		t.Errorf("returned username = %#v, want ops", res.Rows[0][1])
	}
	if n := f.count(t, "admin"); n != 1 {
		t.Fatalf("admin rows = %d, delete was not committed", n)
	}
}

func TestExecuteReturningCountsRowsPastCap(t *testing.T) {
	f := newExecFixture(t)
	e := NewExecutor(f.target, f.gate, ExecutorOptions{MaxRows: 1})
	c := f.classify(t, "UPDATE marks SET score = score + 1 RETURNING id")
	a := f.approve(t, c)

	res, err := e.ExecuteReturning(context.Background(), c, a)
	if err != nil {
		t.Fatalf("ExecuteReturning() error = %v", err)
	}
	if res.Status != db.ExecSuccess || !res.Truncated || len(res.Rows) != 1 {
		t.Fatalf("result = %+v, want one truncated row", res)
	}
	if res.AffectedRows != 3 {
		t.Errorf("AffectedRows = %d, want 3", res.AffectedRows)
	}
}

func TestExecuteReturningWithoutReturningClause(t *testing.T) {
	f := newExecFixture(t)
	e := NewExecutor(f.target, f.gate, ExecutorOptions{})
	c := f.classify(t, "UPDATE marks SET score = 0")
	a := f.approve(t, c)

	res, err := e.ExecuteReturning(context.Background(), c, a)
	if err != nil {
		t.Fatalf("ExecuteReturning() error = %v", err)
	}
	if res.Status != db.ExecSuccess || res.AffectedRows != 3 || len(res.Rows) != 0 {
		t.Fatalf("result = %+v, want 3 affected and no rows", res)
	}
	var zeroed int
	if err := f.target.QueryRow("SELECT COUNT(*) FROM marks WHERE score = 0").Scan(&zeroed); err != nil || zeroed != 3 {
		t.Fatalf("zeroed marks = %d, %v", zeroed, err)
	}
}

func TestProducesRows(t *testing.T) {
	tests := []struct {
		sql  string
		want bool
	}{
		{"UPDATE marks SET score = 0", false},
		{"UPDATE marks SET score = 0 RETURNING id", true},
		{"DELETE FROM admin WHERE id = 2 returning *", true},
		{"INSERT INTO t (a) SELECT a FROM u", false},
		{"INSERT INTO t (a) VALUES ('RETURNING')", false},
		{"WITH d AS (DELETE FROM marks RETURNING *) SELECT * FROM d", true},
		{"WITH x AS (SELECT 1) UPDATE marks SET score = 1", false},
		{"SELECT * FROM orders FOR UPDATE", true},
	}
	for _, tt := range tests {
		t.Run(tt.sql, func(t *testing.T) {
			if got := producesRows(tt.sql, target.SQLite); got != tt.want {
				t.Errorf("producesRows(%q) = %v, want %v", tt.sql, got, tt.want)
			}
		})
	}
}

func TestExecuteFailureRollsBack(t *testing.T) {
	f := newExecFixture(t)
	e := NewExecutor(f.target, f.gate, ExecutorOptions{})
	c := f.classify(t, "INSERT INTO student (id, name, email) VALUES (3, 'Grace', 'ada@example.com')")
	a := f.approve(t, c)

	res, err := e.Execute(context.Background(), c, a)
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if res.Status != db.ExecFailed || res.Error == "" {
		t.Fatalf("result = %+v, want failed with detail", res)
	}
	if n := f.count(t, "student"); n != 2 {
		t.Errorf("student rows = %d, want 2", n)
	}
}

func TestExecuteReadFailure(t *testing.T) {
	f := newExecFixture(t)
	e := NewExecutor(f.target, f.gate, ExecutorOptions{})

	res, err := e.Execute(context.Background(), f.classify(t, "SELECT * FROM nope"), nil)
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if res.Status != db.ExecFailed || !strings.Contains(res.Error, "nope") {
		t.Fatalf("result = %+v, want failed naming the table", res)
	}
}

func TestExecuteTimeout(t *testing.T) {
	f := newExecFixture(t)
	e := NewExecutor(f.target, f.gate, ExecutorOptions{StatementTimeout: 50 * time.Millisecond})
	c := f.classify(t, "WITH RECURSIVE c(x) AS (SELECT 1 UNION ALL SELECT x + 1 FROM c) SELECT COUNT(*) FROM c")

	res, err := e.Execute(context.Background(), c, nil)
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if res.Status != db.ExecTimedOut {
		t.Fatalf("Status = %s (%s), want timed_out", res.Status, res.Error)
	}
}

func TestExecuteRejectsUnclassified(t *testing.T) {
	f := newExecFixture(t)
	e := NewExecutor(f.target, f.gate, ExecutorOptions{})

	c := f.classifier.Classify("DROP TABLE student; DROP TABLE marks;", nil)
	res, err := e.Execute(context.Background(), c, nil)
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if res.Status != db.ExecRejected || res.Error != ReasonMultipleStatements {
		t.Fatalf("result = %+v", res)
	}

	// A hand-built statement smuggling a second command is still refused.
	forged := &ClassifiedStatement{SQL: "SELECT 1; DROP TABLE student", Kind: db.KindSelect}
	res, err = e.Execute(context.Background(), forged, nil)
	if err != nil || res.Status != db.ExecRejected {
		t.Fatalf("forged result = %+v, %v", res, err)
	}
	if n := f.count(t, "student"); n != 2 {
		t.Errorf("student rows = %d", n)
	}
}

func TestExecuteCallerCancel(t *testing.T) {
	f := newExecFixture(t)
	e := NewExecutor(f.target, f.gate, ExecutorOptions{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := e.Execute(ctx, f.classify(t, "SELECT * FROM orders"), nil); !errors.Is(err, context.Canceled) {
		t.Fatalf("Execute() error = %v, want context.Canceled", err)
	}
}
