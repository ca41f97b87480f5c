package metrics

import (
	"context"
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/Dicklesworthstone/sqlgate/internal/core"
	"github.com/Dicklesworthstone/sqlgate/internal/db"
)

func TestCollectorCounts(t *testing.T) {
	c := New()

	c.ToolCall(core.IntentReadQuery, "success")
	c.ToolCall(core.IntentReadQuery, "success")
	c.ToolCall(core.IntentMutatingQuery, "denied")
	if got := testutil.ToFloat64(c.ToolCallsTotal.WithLabelValues("read_query", "success")); got != 2 {
		t.Errorf("read_query/success = %v, want 2", got)
	}

	c.Execution(db.KindSelect, db.ExecSuccess, 20*time.Millisecond)
	if got := testutil.CollectAndCount(c.ExecutionDuration); got != 1 {
		t.Errorf("execution series = %d, want 1", got)
	}

	c.SchemaRefreshed(nil)
	c.SchemaRefreshed(errors.New("boom"))
	if got := testutil.ToFloat64(c.SchemaRefresh.WithLabelValues("error")); got != 1 {
		t.Errorf("schema refresh errors = %v, want 1", got)
	}
}

func TestCollectorNotify(t *testing.T) {
	c := New()
	ctx := context.Background()

	c.Notify(ctx, core.Event{Type: core.EventApprovalPending, Approval: &db.Approval{State: db.StatePending}})
	c.Notify(ctx, core.Event{Type: core.EventApprovalPending, Approval: &db.Approval{State: db.StatePending}})
	c.Notify(ctx, core.Event{Type: core.EventApprovalResolved, Approval: &db.Approval{State: db.StateDenied}})
	c.Notify(ctx, core.Event{Type: core.EventExecutionCompleted})

	if got := testutil.ToFloat64(c.PendingApprovals); got != 1 {
		t.Errorf("pending = %v, want 1", got)
	}
	if got := testutil.ToFloat64(c.ApprovalsTotal.WithLabelValues("denied")); got != 1 {
		t.Errorf("denied = %v, want 1", got)
	}
}

func TestHandlerExposesMetrics(t *testing.T) {
	c := New()
	c.ToolCall(core.IntentSchemaIntrospection, "schema")

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body := rec.Body.String()
	if !strings.Contains(body, `sqlgate_tool_calls_total{intent="schema_introspection",outcome="schema"} 1`) {
		t.Errorf("metrics output missing tool call counter:\n%s", body)
	}
}
