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

	"github.com/Dicklesworthstone/sqlgate/internal/db"
)

// ErrDeciderRequired is returned when a decision names no reviewer.
var ErrDeciderRequired = errors.New("decider is required")

// DefaultPollInterval is how often AwaitDecision re-reads the store.
const DefaultPollInterval = 500 * time.Millisecond

// GateOptions configures a Gate.
type GateOptions struct {
	// Timeout is the decision deadline given to new approvals.
	Timeout time.Duration
	// PollInterval bounds how stale a waiter's view of the store can get
	// when the decision is made by another process.
	PollInterval time.Duration
	// MaxPendingPerSession caps the approvals one session may have pending.
	// Zero means no cap. The count is read before insert, so it is a soft cap.
	MaxPendingPerSession int
	Notifier             Notifier
	Logger               *log.Logger
	Now                  func() time.Time
}

// Gate owns the approval lifecycle. Every transition is a conditional UPDATE
// in the store, so the first writer wins across goroutines and processes.
type Gate struct {
	db     *db.DB
	opts   GateOptions
	logger *log.Logger

	mu      sync.Mutex
	changed chan struct{}
}

// NewGate creates a gate over the approval store.
func NewGate(database *db.DB, opts GateOptions) *Gate {
	if opts.Timeout <= 0 {
		opts.Timeout = db.DefaultApprovalTimeout
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.Notifier == nil {
		opts.Notifier = Notifiers(nil)
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.New(io.Discard)
	}
	return &Gate{db: database, opts: opts, logger: logger, changed: make(chan struct{})}
}

// Timeout returns the deadline length given to new approvals.
func (g *Gate) Timeout() time.Duration { return g.opts.Timeout }

func (g *Gate) now() time.Time { return g.opts.Now().UTC() }

// Poke wakes every waiter so it re-reads the store.
func (g *Gate) Poke() {
	g.mu.Lock()
	close(g.changed)
	g.changed = make(chan struct{})
	g.mu.Unlock()
}

func (g *Gate) waitChan() <-chan struct{} {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.changed
}

func (g *Gate) publish(ctx context.Context, typ EventType, a *db.Approval) {
	g.opts.Notifier.Notify(ctx, Event{Type: typ, Approval: a, At: g.now()})
	g.Poke()
}

// Submit creates a pending approval for a classified statement and announces it.
func (g *Gate) Submit(ctx context.Context, c *ClassifiedStatement, call *ToolCall) (*db.Approval, error) {
	if c.Rejected() {
		return nil, &ClassificationError{Reason: c.RejectionReason}
	}
	if call == nil {
		call = &ToolCall{}
	}
	if err := ValidateTransition("", db.StatePending); err != nil {
		return nil, err
	}
	if g.opts.MaxPendingPerSession > 0 {
		n, err := g.db.CountPendingBySession(ctx, call.SessionID)
		if err != nil {
			return nil, err
		}
		if n >= g.opts.MaxPendingPerSession {
			return nil, fmt.Errorf("%w: session %q has %d", ErrTooManyPending, call.SessionID, n)
		}
	}

	now := g.now()
	a := &db.Approval{
		ToolCallID:    call.ID,
		SessionID:     call.SessionID,
		SQL:           c.SQL,
		SQLHash:       c.Hash,
		Kind:          c.Kind,
		Tables:        c.Tables,
		Justification: call.Args.Justification,
		State:         db.StatePending,
		CreatedAt:     now,
		ExpiresAt:     now.Add(g.opts.Timeout),
	}
	if err := g.db.CreateApproval(ctx, a); err != nil {
		return nil, fmt.Errorf("submitting approval: %w", err)
	}

	g.logger.Info("approval pending",
		"id", a.ID, "tool_call", a.ToolCallID, "kind", a.Kind, "tables", strings.Join(a.Tables, ","),
		"expires_at", a.ExpiresAt.Format(time.RFC3339))
	g.publish(ctx, EventApprovalPending, a)
	return a, nil
}

// Resolve applies a reviewer's decision. It succeeds exactly once per approval.
//
// A decision on an approval that already left pending, or whose deadline has
// passed, returns the current approval together with *AlreadyResolvedError.
func (g *Gate) Resolve(ctx context.Context, id string, decision db.Decision, decider, reason string) (*db.Approval, error) {
	if !decision.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidDecision, decision)
	}
	decider = strings.TrimSpace(decider)
	if decider == "" {
		return nil, ErrDeciderRequired
	}

	now := g.now()
	to := decision.State()
	if err := ValidateTransition(db.StatePending, to); err != nil {
		return nil, err
	}
	ok, err := g.db.DecideApproval(ctx, id, to, decider, reason, now)
	if err != nil {
		return nil, err
	}

	if ok {
		a, err := g.db.GetApproval(ctx, id)
		if err != nil {
			return nil, err
		}
		g.recordAttempt(ctx, id, decision, decider, true, "")
		g.logger.Info("approval resolved", "id", id, "state", a.State, "decider", decider)
		g.publish(ctx, EventApprovalResolved, a)
		return a, nil
	}

	a, err := g.db.GetApproval(ctx, id)
	if err != nil {
		return nil, err
	}
	if a.State == db.StatePending {
		// The conditional update only fails on a pending row once its deadline passed.
		if a, err = g.expire(ctx, id, now); err != nil {
			return nil, err
		}
	}
	g.recordAttempt(ctx, id, decision, decider, false, a.State)
	g.logger.Warn("late decision ignored", "id", id, "decision", decision, "decider", decider, "state", a.State)
	return a, &AlreadyResolvedError{ID: id, State: a.State, Err: ValidateTransition(a.State, to)}
}

func (g *Gate) recordAttempt(ctx context.Context, id string, d db.Decision, decider string, accepted bool, observed db.ApprovalState) {
	err := g.db.RecordDecisionAttempt(ctx, &db.DecisionAttempt{
		ApprovalID: id,
		Decision:   d,
		Decider:    decider,
		Accepted:   accepted,
		Observed:   observed,
		CreatedAt:  g.now(),
	})
	if err != nil {
		g.logger.Warn("recording decision attempt failed", "id", id, "error", err)
	}
}

// expire moves a pending approval to expired and returns whatever state won.
func (g *Gate) expire(ctx context.Context, id string, now time.Time) (*db.Approval, error) {
	if err := ValidateTransition(db.StatePending, db.StateExpired); err != nil {
		return nil, err
	}
	ok, err := g.db.ExpireApproval(ctx, id, now)
	if err != nil {
		return nil, err
	}
	a, err := g.db.GetApproval(ctx, id)
	if err != nil {
		return nil, err
	}
	if ok {
		g.logger.Info("approval expired", "id", id, "tool_call", a.ToolCallID)
		g.publish(ctx, EventApprovalResolved, a)
	}
	return a, nil
}

// AwaitDecision blocks until the approval is terminal. When timeout (if > 0)
// or the approval's own deadline passes first, the gate expires it; a decision
// that won that race is returned instead.
//
// Cancelling ctx returns ctx.Err() and leaves the approval pending.
func (g *Gate) AwaitDecision(ctx context.Context, id string, timeout time.Duration) (*db.Approval, error) {
	var deadline time.Time
	if timeout > 0 {
		deadline = g.now().Add(timeout)
	}

	for {
		// Taken before the read so a change between read and wait is not missed.
		wake := g.waitChan()

		a, err := g.db.GetApproval(ctx, id)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			return nil, err
		}
		if a.State.IsTerminal() {
			return a, nil
		}

		effective := a.ExpiresAt
		if !deadline.IsZero() && deadline.Before(effective) {
			effective = deadline
		}
		now := g.now()
		if !now.Before(effective) {
			return g.expire(ctx, id, now)
		}

		wait := effective.Sub(now)
		if wait > g.opts.PollInterval {
			wait = g.opts.PollInterval
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-wake:
		case <-timer.C:
		}
		timer.Stop()
	}
}

// Get returns one approval.
func (g *Gate) Get(ctx context.Context, id string) (*db.Approval, error) {
	return g.db.GetApproval(ctx, id)
}

// ListPending returns approvals awaiting a decision, oldest first.
func (g *Gate) ListPending(ctx context.Context) ([]*db.Approval, error) {
	return g.db.ListPendingApprovals(ctx)
}

// ExpireOverdue expires every pending approval past its deadline and returns how many it moved.
func (g *Gate) ExpireOverdue(ctx context.Context) (int, error) {
	now := g.now()
	overdue, err := g.db.FindOverdueApprovals(ctx, now)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, a := range overdue {
		got, err := g.expire(ctx, a.ID, now)
		if err != nil {
			return n, err
		}
		if got.State == db.StateExpired {
			n++
		}
	}
	return n, nil
}

// Claim marks an approved approval as used for the statement with hash.
// A second claim, or a claim for different SQL, fails with *NotAuthorizedError.
func (g *Gate) Claim(ctx context.Context, id, hash string) (*db.Approval, error) {
	ok, err := g.db.ClaimApproval(ctx, id, hash, g.now())
	if err != nil {
		return nil, err
	}
	a, err := g.db.GetApproval(ctx, id)
	if err != nil {
		return nil, err
	}
	if !ok {
		if err := CanExecute(a, hash); err != nil {
			return a, err
		}
		return a, &NotAuthorizedError{ApprovalID: id, Reason: "approval could not be claimed"}
	}
	return a, nil
}
