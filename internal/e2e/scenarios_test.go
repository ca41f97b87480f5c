package e2e

import (
	"context"
	"testing"
	"time"

	"github.com/Dicklesworthstone/sqlgate/internal/core"
	"github.com/Dicklesworthstone/sqlgate/internal/daemon"
	"github.com/Dicklesworthstone/sqlgate/internal/db"
)

// TestReadQueryRunsImmediately: a read is classified as not needing
// approval and returns the single seeded order.
func TestReadQueryRunsImmediately(t *testing.T) {
	e := newEnv(t)
	agent := e.Client()

	e.Step("agent reads orders")
	out := e.Outcome(e.Call(agent, &core.ToolCall{
		ID:     "call-a",
		Intent: core.IntentReadQuery,
		Args:   core.ToolArgs{SQL: "SELECT * FROM orders"},
	}))
	if out.Phase != core.PhaseCompleted {
		t.Fatalf("phase = %s, want %s (rejection %+v)", out.Phase, core.PhaseCompleted, out.Rejection)
	}
	if out.Classified == nil || out.Classified.RequiresApproval {
		t.Fatalf("classified = %+v, want read without approval", out.Classified)
	}
	if got := len(out.Result.Rows); got != 1 {
		t.Fatalf("rows = %d, want 1", got)
	}
	if out.Result.Truncated {
		t.Error("truncated = true, want false")
	}
	e.Result("completed with %d row, columns %v", len(out.Result.Rows), out.Result.Columns)

	e.Step("no approval was created")
	if n := len(e.Approvals()); n != 0 {
		t.Fatalf("approvals = %d, want 0", n)
	}
	e.Result("approval table empty")
}

// TestDeniedMutationLeavesDatabaseUnchanged: DELETE waits for a reviewer,
// who denies it over a separate connection.
func TestDeniedMutationLeavesDatabaseUnchanged(t *testing.T) {
	e := newEnv(t)
	events := e.Subscribe()
	agent, reviewer := e.Client(), e.Client()
	before := e.Count("admin")

	e.Step("agent proposes DELETE FROM admin WHERE id=1")
	pendingCall := e.Call(agent, mutating("call-b", "DELETE FROM admin WHERE id=1"))

	ev := e.AwaitEvent(events, core.EventApprovalPending)
	a := ev.Approval
	if a.ToolCallID != "call-b" || a.Kind != db.KindDelete || a.State != db.StatePending {
		t.Fatalf("pending approval = %+v", a)
	}
	e.Result("approval %s pending for tables %v", a.ID, a.Tables)

	e.Step("reviewer lists and denies")
	ctx, cancel := context.WithTimeout(context.Background(), stepTimeout)
	defer cancel()
	list, err := reviewer.ListApprovals(ctx, db.StatePending, 0)
	if err != nil || len(list) != 1 || list[0].ID != a.ID {
		t.Fatalf("ListApprovals = %v, %v", list, err)
	}
	resolved, err := reviewer.Decide(ctx, daemon.DecideParams{ID: a.ID, Decision: db.DecisionDeny, Decider: "alice", Reason: "not today"})
	if err != nil {
		t.Fatalf("Decide: %v", err)
	}
	if resolved.State != db.StateDenied {
		t.Fatalf("state = %s, want denied", resolved.State)
	}
	e.Result("denied by %s", resolved.Decider)

	e.Step("agent receives the rejection")
	out := e.Outcome(pendingCall)
	if out.Phase != core.PhaseRejected || out.Rejection == nil {
		t.Fatalf("outcome = %+v", out)
	}
	if out.Rejection.Kind != core.RejectDenied || out.Rejection.Reason != core.ReasonDenied {
		t.Fatalf("rejection = %+v", out.Rejection)
	}
	if out.Result != nil {
		t.Fatal("a denied statement must not produce a result")
	}
	e.Result("rejected: %s", out.Rejection.Reason)

	e.Step("database and audit trail")
	if got := e.Count("admin"); got != before {
		t.Fatalf("admin rows = %d, want %d", got, before)
	}
	if _, err := reviewer.Decide(ctx, daemon.DecideParams{ID: a.ID, Decision: db.DecisionApprove, Decider: "bob"}); !daemon.IsConflict(err) {
		t.Fatalf("late approve error = %v, want conflict", err)
	}
	attempts, err := e.Store.ListDecisionAttempts(ctx, a.ID)
	if err != nil || len(attempts) != 2 {
		t.Fatalf("decision attempts = %v, %v", attempts, err)
	}
	e.Result("admin still has %d rows; late approval refused", before)
}

// TestUnansweredMutationExpires: nobody responds before the deadline.
func TestUnansweredMutationExpires(t *testing.T) {
	e := newEnv(t, withApprovalTimeout(300*time.Millisecond))
	events := e.Subscribe()
	agent := e.Client()
	before := e.Count("admin")

	e.Step("agent proposes DELETE and nobody answers")
	started := time.Now()
	out := e.Outcome(e.Call(agent, mutating("call-c", "DELETE FROM admin WHERE id=1")))
	if out.Phase != core.PhaseRejected || out.Rejection == nil || out.Rejection.Kind != core.RejectExpired {
		t.Fatalf("outcome = %+v rejection %+v", out, out.Rejection)
	}
	if out.Rejection.Reason != core.ReasonExpired {
		t.Fatalf("reason = %q", out.Rejection.Reason)
	}
	e.Result("rejected after %s: %s", time.Since(started).Round(time.Millisecond), out.Rejection.Reason)

	e.Step("approval moved pending -> expired")
	resolved := e.AwaitEvent(events, core.EventApprovalResolved)
	if resolved.Approval.State != db.StateExpired {
		t.Fatalf("resolved state = %s", resolved.Approval.State)
	}
	a, err := e.Store.GetApproval(context.Background(), out.Rejection.ApprovalID)
	if err != nil || a.State != db.StateExpired || a.DecidedAt == nil {
		t.Fatalf("stored approval = %+v, %v", a, err)
	}
	if got := e.Count("admin"); got != before {
		t.Fatalf("admin rows = %d, want %d", got, before)
	}
	e.Result("expired at %s; admin unchanged", a.DecidedAt.Format(time.RFC3339Nano))
}

// TestMultipleStatementsRejectedUpFront: no approval is ever created.
func TestMultipleStatementsRejectedUpFront(t *testing.T) {
	e := newEnv(t)
	agent := e.Client()

	e.Step("agent sends two DROP statements")
	out := e.Outcome(e.Call(agent, mutating("call-d", "DROP TABLE student; DROP TABLE marks;")))
	if out.Phase != core.PhaseRejected || out.Rejection == nil {
		t.Fatalf("outcome = %+v", out)
	}
	if out.Rejection.Kind != core.RejectClassification || out.Rejection.Reason != core.ReasonMultipleStatements {
		t.Fatalf("rejection = %+v", out.Rejection)
	}
	e.Result("rejected: %s", out.Rejection.Reason)

	e.Step("nothing reached the gate or the target")
	if n := len(e.Approvals()); n != 0 {
		t.Fatalf("approvals = %d, want 0", n)
	}
	if e.Count("student") == 0 || e.Count("marks") == 0 {
		t.Fatal("tables should be intact")
	}
	e.Result("no approvals; student and marks intact")
}

// TestApprovalFromAnotherProcess: the decision is written by a separate
// store handle, the way the CLI does when it bypasses the daemon. The
// waiting call only learns of it by polling the store.
func TestApprovalFromAnotherProcess(t *testing.T) {
	e := newEnv(t)
	events := e.Subscribe()
	agent := e.Client()

	e.Step("agent proposes UPDATE")
	pendingCall := e.Call(agent, mutating("call-e", "UPDATE orders SET total = 99 WHERE id = 1"))
	a := e.AwaitEvent(events, core.EventApprovalPending).Approval
	e.Result("approval %s pending", a.ID)

	e.Step("second process approves through its own gate")
	other, err := db.Open(e.Store.Path())
	if err != nil {
		t.Fatalf("db.Open: %v", err)
	}
	defer other.Close()
	gate := core.NewGate(other, core.GateOptions{Timeout: e.Config.Approval.Timeout})
	if _, err := gate.Resolve(context.Background(), a.ID, db.DecisionApprove, "carol", "looks fine"); err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	e.Result("approved by carol")

	e.Step("agent completes")
	out := e.Outcome(pendingCall)
	if out.Phase != core.PhaseCompleted || out.Result == nil || out.Result.AffectedRows != 1 {
		t.Fatalf("outcome = %+v result %+v", out, out.Result)
	}
	var total float64
	if err := e.Target.QueryRow("SELECT total FROM orders WHERE id = 1").Scan(&total); err != nil || total != 99 {
		t.Fatalf("total = %v, %v", total, err)
	}
	execs, err := e.Store.ListExecutionsForApproval(context.Background(), a.ID)
	if err != nil || len(execs) != 1 || execs[0].Status != db.ExecSuccess {
		t.Fatalf("executions = %v, %v", execs, err)
	}
	e.Result("1 row updated; audit records success")
}

// TestConcurrentAgents: reads keep flowing while a mutation waits.
func TestConcurrentAgents(t *testing.T) {
	e := newEnv(t)
	events := e.Subscribe()
	writer, reader, reviewer := e.Client(), e.Client(), e.Client()

	e.Step("writer blocks on approval")
	pendingCall := e.Call(writer, mutating("call-w", "INSERT INTO orders (id, customer, total) VALUES (2, 'globex', 10)"))
	a := e.AwaitEvent(events, core.EventApprovalPending).Approval

	e.Step("reader is not blocked")
	for i := 0; i < 3; i++ {
		out := e.Outcome(e.Call(reader, &core.ToolCall{ID: "call-r", Intent: core.IntentReadQuery, Args: core.ToolArgs{SQL: "SELECT COUNT(*) FROM orders"}}))
		if out.Phase != core.PhaseCompleted {
			t.Fatalf("read %d phase = %s", i, out.Phase)
		}
	}
	e.Result("3 reads completed while %s pending", a.ID)

	e.Step("reviewer approves; writer completes")
	ctx, cancel := context.WithTimeout(context.Background(), stepTimeout)
	defer cancel()
	if _, err := reviewer.Decide(ctx, daemon.DecideParams{ID: a.ID, Decision: db.DecisionApprove, Decider: "alice"}); err != nil {
		t.Fatalf("Decide: %v", err)
	}
	if out := e.Outcome(pendingCall); out.Phase != core.PhaseCompleted {
		t.Fatalf("writer phase = %s rejection %+v", out.Phase, out.Rejection)
	}
	if got := e.Count("orders"); got != 2 {
		t.Fatalf("orders = %d, want 2", got)
	}
	e.Result("orders now has 2 rows")
}
