package e2e

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Dicklesworthstone/sqlgate/internal/config"
	"github.com/Dicklesworthstone/sqlgate/internal/core"
	"github.com/Dicklesworthstone/sqlgate/internal/daemon"
	"github.com/Dicklesworthstone/sqlgate/internal/db"
	"github.com/Dicklesworthstone/sqlgate/internal/target"
	"github.com/Dicklesworthstone/sqlgate/internal/testutil"
)

// stepTimeout bounds any single blocking step.
const stepTimeout = 5 * time.Second

// env is one isolated gateway: state store, seeded target and a served socket.
type env struct {
	T       *testing.T
	Config  *config.Config
	Runtime *daemon.Runtime
	Store   *db.DB
	Target  *target.DB
	Socket  string

	steps atomic.Int32
	start time.Time
}

type envOption func(t *testing.T)

// withApprovalTimeout shortens the decision deadline.
func withApprovalTimeout(d time.Duration) envOption {
	return func(t *testing.T) { t.Setenv("SQLGATE_APPROVAL_TIMEOUT", d.String()) }
}

func newEnv(t *testing.T, opts ...envOption) *env {
	t.Helper()
	t.Setenv("SQLGATE_HOME", t.TempDir())
	t.Setenv("SQLGATE_APPROVAL_POLL_INTERVAL", "20ms")
	for _, o := range opts {
		o(t)
	}
	cfg, _, err := config.Load("")
	if err != nil {
		t.Fatalf("E2E: config.Load: %v", err)
	}

	store := testutil.NewStateDB(t)
	tdb := testutil.NewTargetDB(t)
	rt, err := daemon.Assemble(cfg, store, tdb, testutil.Logger(t))
	if err != nil {
		t.Fatalf("E2E: Assemble: %v", err)
	}

	dir, err := os.MkdirTemp("", "sge")
	if err != nil {
		t.Fatal(err)
	}
	socket := filepath.Join(dir, "gw.sock")
	srv, err := daemon.NewIPCServer(socket, rt.Orchestrator, store, testutil.Logger(t))
	if err != nil {
		t.Fatalf("E2E: NewIPCServer: %v", err)
	}
	rt.Subscribe(srv)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = srv.Start(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		_ = srv.Stop()
		<-done
		os.RemoveAll(dir)
	})

	e := &env{T: t, Config: cfg, Runtime: rt, Store: store, Target: tdb, Socket: socket, start: time.Now()}
	e.Log("environment ready: state=%s socket=%s timeout=%s", store.Path(), socket, cfg.Approval.Timeout)
	return e
}

// Log writes a timestamped line relative to environment start.
func (e *env) Log(format string, args ...any) {
	e.T.Helper()
	e.T.Logf("[%6.3fs] %s", time.Since(e.start).Seconds(), fmt.Sprintf(format, args...))
}

// Step logs an automatically numbered step.
func (e *env) Step(format string, args ...any) {
	e.T.Helper()
	e.Log("STEP %d: %s", e.steps.Add(1), fmt.Sprintf(format, args...))
}

// Result logs the outcome of the current step.
func (e *env) Result(format string, args ...any) {
	e.T.Helper()
	e.Log("  ✓ %s", fmt.Sprintf(format, args...))
}

// Client connects a new socket client; each agent or reviewer gets its own.
func (e *env) Client() *daemon.IPCClient {
	e.T.Helper()
	c := daemon.NewIPCClient(e.Socket)
	ctx, cancel := context.WithTimeout(context.Background(), stepTimeout)
	defer cancel()
	if err := c.Connect(ctx); err != nil {
		e.T.Fatalf("E2E: Connect: %v", err)
	}
	e.T.Cleanup(func() { c.Close() })
	return c
}

// Subscribe opens an event stream on its own connection.
func (e *env) Subscribe() <-chan core.Event {
	e.T.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	e.T.Cleanup(cancel)
	events, err := e.Client().Subscribe(ctx)
	if err != nil {
		e.T.Fatalf("E2E: Subscribe: %v", err)
	}
	return events
}

// AwaitEvent returns the first event of typ, failing after stepTimeout.
func (e *env) AwaitEvent(events <-chan core.Event, typ core.EventType) core.Event {
	e.T.Helper()
	deadline := time.After(stepTimeout)
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				e.T.Fatalf("E2E: event stream closed waiting for %s", typ)
			}
			if ev.Type == typ {
				return ev
			}
		case <-deadline:
			e.T.Fatalf("E2E: no %s event within %s", typ, stepTimeout)
		}
	}
}

// Call submits a tool call asynchronously; the outcome arrives on the channel.
func (e *env) Call(c *daemon.IPCClient, call *core.ToolCall) <-chan callResult {
	ch := make(chan callResult, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*stepTimeout)
		defer cancel()
		out, err := c.ToolCall(ctx, call)
		ch <- callResult{out, err}
	}()
	return ch
}

type callResult struct {
	Outcome *core.Outcome
	Err     error
}

// Outcome waits for an asynchronous call to finish.
func (e *env) Outcome(ch <-chan callResult) *core.Outcome {
	e.T.Helper()
	select {
	case r := <-ch:
		if r.Err != nil {
			e.T.Fatalf("E2E: tool call: %v", r.Err)
		}
		return r.Outcome
	case <-time.After(2 * stepTimeout):
		e.T.Fatal("E2E: tool call did not return")
		return nil
	}
}

// Count returns the row count of a target table.
func (e *env) Count(table string) int {
	e.T.Helper()
	var n int
	if err := e.Target.QueryRow("SELECT COUNT(*) FROM " + table).Scan(&n); err != nil {
		e.T.Fatalf("E2E: count %s: %v", table, err)
	}
	return n
}

// Approvals returns every approval in the state store.
func (e *env) Approvals() []*db.Approval {
	e.T.Helper()
	list, err := e.Store.ListApprovals(context.Background(), "", 100)
	if err != nil {
		e.T.Fatalf("E2E: ListApprovals: %v", err)
	}
	return list
}

func mutating(id, sql string) *core.ToolCall {
	return &core.ToolCall{
		ID:        id,
		SessionID: "agent-1",
		Intent:    core.IntentMutatingQuery,
		Args:      core.ToolArgs{SQL: sql, Justification: "e2e"},
	}
}
