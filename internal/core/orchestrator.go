package core

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"golang.org/x/time/rate"

	"github.com/Dicklesworthstone/sqlgate/internal/db"
	"github.com/Dicklesworthstone/sqlgate/internal/schema"
)

// Intent is the closed set of tool calls the orchestrator accepts.
type Intent string

const (
	IntentReadQuery           Intent = "read_query"
	IntentMutatingQuery       Intent = "mutating_query"
	IntentSchemaIntrospection Intent = "schema_introspection"
)

// Valid returns true if the intent is known.
func (i Intent) Valid() bool {
	switch i {
	case IntentReadQuery, IntentMutatingQuery, IntentSchemaIntrospection:
		return true
	default:
		return false
	}
}

// ToolArgs are the arguments of a tool call. Which fields apply depends on the intent.
type ToolArgs struct {
	SQL string `json:"sql,omitempty"`
	// Table narrows schema_introspection to one table.
	Table        string `json:"table,omitempty"`
	ForceRefresh bool   `json:"force_refresh,omitempty"`
	// ReturnRows asks a mutating statement for its returned rows (e.g. RETURNING).
	ReturnRows    bool   `json:"return_rows,omitempty"`
	Justification string `json:"justification,omitempty"`
}

// ToolCall is one agent request.
type ToolCall struct {
	// ID is the caller's correlation id.
	ID        string   `json:"id"`
	SessionID string   `json:"session_id,omitempty"`
	Intent    Intent   `json:"intent"`
	Args      ToolArgs `json:"args"`
}

// RejectionKind says why a call did not reach the database.
type RejectionKind string

const (
	RejectClassification RejectionKind = "classification"
	RejectDenied         RejectionKind = "denied"
	RejectExpired        RejectionKind = "expired"
	RejectNotAuthorized  RejectionKind = "not_authorized"
	RejectRateLimited    RejectionKind = "rate_limited"
	RejectInvalidIntent  RejectionKind = "invalid_intent"
)

// Rejection is returned instead of a result. Reason is safe to show users;
// Detail is for operators.
type Rejection struct {
	Kind       RejectionKind `json:"kind"`
	Reason     string        `json:"reason"`
	Detail     string        `json:"detail,omitempty"`
	ApprovalID string        `json:"approval_id,omitempty"`
}

// Phase is a step of the per-call state machine.
type Phase string

const (
	PhaseReceived   Phase = "received"
	PhaseClassified Phase = "classified"
	PhaseApproving  Phase = "approving"
	PhaseResolved   Phase = "resolved"
	PhaseExecuting  Phase = "executing"
	PhaseCompleted  Phase = "completed"
	PhaseRejected   Phase = "rejected"
)

// Outcome is the answer to a tool call. Exactly one of Result, Rejection and
// Schema is set.
type Outcome struct {
	ToolCallID string               `json:"tool_call_id"`
	Phase      Phase                `json:"phase"`
	Classified *ClassifiedStatement `json:"classified,omitempty"`
	Result     *ExecutionResult     `json:"result,omitempty"`
	Rejection  *Rejection           `json:"rejection,omitempty"`
	Schema     *schema.Snapshot     `json:"schema,omitempty"`
	Warnings   []string             `json:"warnings,omitempty"`
}

// Label is the metrics outcome label.
func (o *Outcome) Label() string {
	switch {
	case o.Rejection != nil:
		return string(o.Rejection.Kind)
	case o.Result != nil:
		return string(o.Result.Status)
	case o.Schema != nil:
		return "schema"
	default:
		return string(o.Phase)
	}
}

// OrchestratorOptions configures an Orchestrator.
type OrchestratorOptions struct {
	// CallsPerSecond limits each session; zero or less disables limiting.
	CallsPerSecond float64
	Burst          int
	Recorder       Recorder
	Notifier       Notifier
	Logger         *log.Logger
}

// Orchestrator runs tool calls through classification, approval and execution.
type Orchestrator struct {
	cache      *schema.Cache
	classifier *Classifier
	gate       *Gate
	executor   *Executor
	audit      *db.DB

	recorder Recorder
	notifier Notifier
	logger   *log.Logger

	mu       sync.Mutex
	limit    rate.Limit
	burst    int
	limiters map[string]*rate.Limiter
}

// NewOrchestrator wires the components. audit receives one record per execution attempt.
func NewOrchestrator(cache *schema.Cache, classifier *Classifier, gate *Gate, executor *Executor, audit *db.DB, opts OrchestratorOptions) *Orchestrator {
	o := &Orchestrator{
		cache:      cache,
		classifier: classifier,
		gate:       gate,
		executor:   executor,
		audit:      audit,
		recorder:   opts.Recorder,
		notifier:   opts.Notifier,
		logger:     opts.Logger,
		limiters:   make(map[string]*rate.Limiter),
	}
	if o.recorder == nil {
		o.recorder = nopRecorder{}
	}
	if o.notifier == nil {
		o.notifier = Notifiers(nil)
	}
	if o.logger == nil {
		o.logger = log.New(io.Discard)
	}
	o.SetRateLimit(opts.CallsPerSecond, opts.Burst)
	return o
}

// SetRateLimit replaces the per-session limit. Existing sessions start over.
func (o *Orchestrator) SetRateLimit(perSecond float64, burst int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.limit = rate.Inf
	if perSecond > 0 {
		o.limit = rate.Limit(perSecond)
	}
	if burst <= 0 {
		burst = 1
	}
	o.burst = burst
	o.limiters = make(map[string]*rate.Limiter)
}

func (o *Orchestrator) allow(session string) bool {
	o.mu.Lock()
	if o.limit == rate.Inf {
		o.mu.Unlock()
		return true
	}
	l, ok := o.limiters[session]
	if !ok {
		l = rate.NewLimiter(o.limit, o.burst)
		o.limiters[session] = l
	}
	o.mu.Unlock()
	return l.Allow()
}

// PruneLimiters drops session limiters whose bucket has refilled to burst.
// A fresh limiter starts full, so no session gains budget by being dropped.
func (o *Orchestrator) PruneLimiters() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	n := 0
	for session, l := range o.limiters {
		if l.Tokens() >= float64(o.burst) {
			delete(o.limiters, session)
			n++
		}
	}
	return n
}

// Gate exposes the approval gate for reviewer surfaces.
func (o *Orchestrator) Gate() *Gate { return o.gate }

// Cache exposes the schema cache.
func (o *Orchestrator) Cache() *schema.Cache { return o.cache }

// Handle runs one tool call to completion. Rejections, denials, expiries and
// database failures are reported in the Outcome; an error means the store or
// connection failed, or ctx was cancelled.
func (o *Orchestrator) Handle(ctx context.Context, call *ToolCall) (*Outcome, error) {
	if call == nil {
		return nil, errors.New("nil tool call")
	}
	out := &Outcome{ToolCallID: call.ID, Phase: PhaseReceived}
	logger := o.logger.With("tool_call", call.ID, "session", call.SessionID, "intent", call.Intent)
	logger.Debug("tool call received")

	out, err := o.handle(ctx, call, out, logger)
	if err != nil {
		o.recorder.ToolCall(call.Intent, "error")
		logger.Error("tool call failed", "error", err, "phase", out.Phase)
		return nil, err
	}
	o.recorder.ToolCall(call.Intent, out.Label())
	return out, nil
}

func (o *Orchestrator) handle(ctx context.Context, call *ToolCall, out *Outcome, logger *log.Logger) (*Outcome, error) {
	if !call.Intent.Valid() {
		return o.reject(out, logger, &Rejection{Kind: RejectInvalidIntent, Reason: fmt.Sprintf("unknown intent %q", call.Intent)}), nil
	}
	if !o.allow(call.SessionID) {
		return o.reject(out, logger, &Rejection{Kind: RejectRateLimited, Reason: ReasonRateLimited}), nil
	}

	force := call.Intent == IntentSchemaIntrospection && call.Args.ForceRefresh
	snap, err := o.cache.Get(ctx, force)
	if err != nil {
		if ctx.Err() != nil {
			return out, ctx.Err()
		}
		out.Warnings = append(out.Warnings, "schema unavailable: "+err.Error())
	} else if lastErr := o.cache.LastError(); lastErr != nil {
		out.Warnings = append(out.Warnings, fmt.Sprintf("schema refresh failed, using snapshot from %s: %v",
			snap.CapturedAt.Format(time.RFC3339), lastErr))
	}

	if call.Intent == IntentSchemaIntrospection {
		return o.describeSchema(out, logger, call, snap, err)
	}

	cls := o.classifier.Classify(call.Args.SQL, snap)
	out.Classified = cls
	out.Phase = PhaseClassified
	logger.Info("statement classified",
		"kind", cls.Kind, "requires_approval", cls.RequiresApproval,
		"tables", strings.Join(cls.Tables, ","), "parser", cls.Parser)
	if len(cls.UnknownTables) > 0 {
		out.Warnings = append(out.Warnings, "tables not in schema snapshot: "+strings.Join(cls.UnknownTables, ", "))
	}

	if cls.Rejected() {
		return o.reject(out, logger, &Rejection{
			Kind:   RejectClassification,
			Reason: cls.RejectionReason,
			Detail: (&ClassificationError{Reason: cls.RejectionReason}).Error(),
		}), nil
	}
	if call.Intent == IntentReadQuery && !cls.Kind.IsRead() {
		return o.reject(out, logger, &Rejection{
			Kind:   RejectClassification,
			Reason: ReasonReadOnlyIntent,
			Detail: fmt.Sprintf("statement kind %s", cls.Kind),
		}), nil
	}

	var approval *db.Approval
	if !cls.Kind.IsRead() {
		a, rej, err := o.approve(ctx, call, cls, out, logger)
		if err != nil || rej != nil {
			if rej != nil {
				return o.reject(out, logger, rej), nil
			}
			return out, err
		}
		approval = a
	}

	out.Phase = PhaseExecuting
	var res *ExecutionResult
	if call.Args.ReturnRows {
		res, err = o.executor.ExecuteReturning(ctx, cls, approval)
	} else {
		res, err = o.executor.Execute(ctx, cls, approval)
	}
	if res != nil {
		o.record(ctx, logger, call, cls, res)
	}
	if err != nil {
		var na *NotAuthorizedError
		if errors.As(err, &na) {
			return o.reject(out, logger, &Rejection{
				Kind:       RejectNotAuthorized,
				Reason:     "not authorized",
				Detail:     na.Reason,
				ApprovalID: na.ApprovalID,
			}), nil
		}
		return out, err
	}

	if cls.Kind.IsSchemaAltering() && res.Status == db.ExecSuccess {
		o.cache.Invalidate()
	}
	out.Result = res
	out.Phase = PhaseCompleted
	logger.Info("tool call completed", "status", res.Status, "rows", len(res.Rows), "affected", res.AffectedRows)
	return out, nil
}

// approve submits cls for review and waits. A nil rejection and nil error means approved.
// Auto-approved DDL still gets an approval record so the executor's check holds.
func (o *Orchestrator) approve(ctx context.Context, call *ToolCall, cls *ClassifiedStatement, out *Outcome, logger *log.Logger) (*db.Approval, *Rejection, error) {
	a, err := o.gate.Submit(ctx, cls, call)
	if errors.Is(err, ErrTooManyPending) {
		return nil, &Rejection{Kind: RejectRateLimited, Reason: ReasonTooManyPending, Detail: err.Error()}, nil
	}
	if err != nil {
		return nil, nil, err
	}

	if !cls.RequiresApproval {
		a, err = o.gate.Resolve(ctx, a.ID, db.DecisionApprove, "auto-approve", "matched approval.auto_approve_ddl")
		if err != nil && !errors.Is(err, ErrAlreadyResolved) {
			return nil, nil, err
		}
	} else {
		out.Phase = PhaseApproving
		logger.Info("awaiting approval", "approval", a.ID, "expires_at", a.ExpiresAt.Format(time.RFC3339))
		a, err = o.gate.AwaitDecision(ctx, a.ID, o.gate.Timeout())
		if err != nil {
			return nil, nil, err
		}
	}
	out.Phase = PhaseResolved

	switch a.State {
	case db.StateApproved:
		return a, nil, nil
	case db.StateDenied:
		return nil, &Rejection{Kind: RejectDenied, Reason: ReasonDenied, Detail: a.Reason, ApprovalID: a.ID}, nil
	case db.StateExpired:
		return nil, &Rejection{Kind: RejectExpired, Reason: ReasonExpired, ApprovalID: a.ID}, nil
	default:
		return nil, nil, fmt.Errorf("approval %s returned in state %s", a.ID, a.State)
	}
}

func (o *Orchestrator) describeSchema(out *Outcome, logger *log.Logger, call *ToolCall, snap *schema.Snapshot, getErr error) (*Outcome, error) {
	if getErr != nil {
		var ie *schema.IntrospectionError
		if errors.As(getErr, &ie) || errors.Is(getErr, schema.ErrNoSnapshot) {
			return o.reject(out, logger, &Rejection{Kind: RejectClassification, Reason: "schema unavailable", Detail: getErr.Error()}), nil
		}
		return out, getErr
	}
	if t := strings.TrimSpace(call.Args.Table); t != "" {
		one, ok := snap.Only(t)
		if !ok {
			return o.reject(out, logger, &Rejection{Kind: RejectClassification, Reason: fmt.Sprintf("unknown table %q", t)}), nil
		}
		snap = one
	}
	out.Schema = snap
	out.Phase = PhaseCompleted
	logger.Info("schema returned", "tables", len(snap.Tables))
	return out, nil
}

func (o *Orchestrator) reject(out *Outcome, logger *log.Logger, r *Rejection) *Outcome {
	out.Rejection = r
	out.Result = nil
	out.Schema = nil
	out.Phase = PhaseRejected
	logger.Info("tool call rejected", "kind", r.Kind, "reason", r.Reason, "approval", r.ApprovalID)
	return out
}

func (o *Orchestrator) record(ctx context.Context, logger *log.Logger, call *ToolCall, cls *ClassifiedStatement, res *ExecutionResult) {
	o.recorder.Execution(cls.Kind, res.Status, res.Elapsed)
	if o.audit == nil {
		return
	}
	rec := &db.ExecutionRecord{
		ToolCallID:   call.ID,
		SessionID:    call.SessionID,
		ApprovalID:   res.ApprovalID,
		SQL:          cls.SQL,
		Kind:         cls.Kind,
		Status:       res.Status,
		AffectedRows: res.AffectedRows,
		ReturnedRows: len(res.Rows),
		Truncated:    res.Truncated,
		Error:        res.Error,
		DurationMs:   res.Elapsed.Milliseconds(),
	}
	// The audit row is written even if the caller has gone away.
	if err := o.audit.CreateExecution(context.WithoutCancel(ctx), rec); err != nil {
		logger.Warn("recording execution failed", "error", err)
		return
	}
	o.notifier.Notify(ctx, Event{Type: EventExecutionCompleted, Execution: rec, At: rec.CreatedAt})
}
