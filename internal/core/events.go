package core

import (
	"context"
	"time"

	"github.com/Dicklesworthstone/sqlgate/internal/db"
)

// EventType names a lifecycle event published to reviewers and subscribers.
type EventType string

const (
	EventApprovalPending    EventType = "approval_pending"
	EventApprovalResolved   EventType = "approval_resolved"
	EventExecutionCompleted EventType = "execution_completed"
)

// Event is one published lifecycle change.
type Event struct {
	Type      EventType           `json:"type"`
	Approval  *db.Approval        `json:"approval,omitempty"`
	Execution *db.ExecutionRecord `json:"execution,omitempty"`
	At        time.Time           `json:"at"`
}

// Notifier receives lifecycle events. Implementations must not block.
type Notifier interface {
	Notify(ctx context.Context, ev Event)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context, ev Event)

func (f NotifierFunc) Notify(ctx context.Context, ev Event) { f(ctx, ev) }

// Notifiers fans one event out to several notifiers in order.
type Notifiers []Notifier

func (ns Notifiers) Notify(ctx context.Context, ev Event) {
	for _, n := range ns {
		if n != nil {
			n.Notify(ctx, ev)
		}
	}
}

// Recorder receives per-call measurements. metrics.Collector implements it.
type Recorder interface {
	ToolCall(intent Intent, outcome string)
	Execution(kind db.StatementKind, status db.ExecutionStatus, elapsed time.Duration)
}

type nopRecorder struct{}

func (nopRecorder) ToolCall(Intent, string)                                        {}
func (nopRecorder) Execution(db.StatementKind, db.ExecutionStatus, time.Duration) {}
