package db

import (
	"encoding/json"
	"time"
)

// timeLayout is fixed-width so stored timestamps sort lexicographically.
const timeLayout = "2006-01-02T15:04:05.000000Z07:00"

// Approval is a request for human sign-off on one classified statement.
type Approval struct {
	// ID is the unique approval identifier (UUID).
	ID string `json:"id"`
	// ToolCallID is the caller-supplied correlation id of the originating tool call.
	ToolCallID string `json:"tool_call_id"`
	// SessionID identifies the agent session that proposed the statement.
	SessionID string `json:"session_id,omitempty"`
	// SQL is the normalized statement text awaiting review.
	SQL string `json:"sql"`
	// SQLHash binds the approval to the exact statement text.
	SQLHash string `json:"sql_hash"`
	// Kind is the classified statement kind.
	Kind StatementKind `json:"kind"`
	// Tables are the tables the statement references.
	Tables []string `json:"tables"`
	// Justification is the agent's stated reason, if any.
	Justification string `json:"justification,omitempty"`
	// State is the current lifecycle state.
	State ApprovalState `json:"state"`
	// Decider is the reviewer identity that resolved the request.
	Decider string `json:"decider,omitempty"`
	// Reason is the reviewer's comment.
	Reason string `json:"reason,omitempty"`
	// CreatedAt is when the request was submitted.
	CreatedAt time.Time `json:"created_at"`
	// DecidedAt is when the request reached a terminal state.
	DecidedAt *time.Time `json:"decided_at,omitempty"`
	// ExpiresAt is the decision deadline.
	ExpiresAt time.Time `json:"expires_at"`
	// ConsumedAt is set once the approved statement has been handed to the executor.
	ConsumedAt *time.Time `json:"consumed_at,omitempty"`
}

// Overdue reports whether a pending approval has passed its deadline.
func (a *Approval) Overdue(now time.Time) bool {
	return a.State == StatePending && !now.Before(a.ExpiresAt)
}

// MarshalJSON renders timestamps as RFC3339.
func (a *Approval) MarshalJSON() ([]byte, error) {
	type alias Approval
	return json.Marshal(&struct {
		*alias
		CreatedAt  string  `json:"created_at"`
		DecidedAt  *string `json:"decided_at,omitempty"`
		ExpiresAt  string  `json:"expires_at"`
		ConsumedAt *string `json:"consumed_at,omitempty"`
	}{
		alias:      (*alias)(a),
		CreatedAt:  a.CreatedAt.Format(time.RFC3339),
		DecidedAt:  rfc3339Ptr(a.DecidedAt),
		ExpiresAt:  a.ExpiresAt.Format(time.RFC3339),
		ConsumedAt: rfc3339Ptr(a.ConsumedAt),
	})
}

// DecisionAttempt records one call to resolve an approval, successful or not.
type DecisionAttempt struct {
	ID         int64    `json:"id"`
	ApprovalID string   `json:"approval_id"`
	Decision   Decision `json:"decision"`
	Decider    string   `json:"decider"`
	Accepted   bool     `json:"accepted"`
	// Observed is the state the approval was in when the attempt lost.
	Observed  ApprovalState `json:"observed,omitempty"`
	CreatedAt time.Time     `json:"created_at"`
}

// ExecutionRecord is the audit entry for one execution attempt.
type ExecutionRecord struct {
	// ID is the auto-generated row id.
	ID int64 `json:"id"`
	// ToolCallID is the correlation id of the tool call.
	ToolCallID string `json:"tool_call_id"`
	// SessionID is the agent session.
	SessionID string `json:"session_id,omitempty"`
	// ApprovalID links the approval that authorized the statement, if any.
	ApprovalID string `json:"approval_id,omitempty"`
	// SQL is the statement that was executed or refused.
	SQL string `json:"sql"`
	// Kind is the classified statement kind.
	Kind StatementKind `json:"kind"`
	// Status is the execution outcome.
	Status ExecutionStatus `json:"status"`
	// AffectedRows is the row count reported by the database.
	AffectedRows int64 `json:"affected_rows"`
	// ReturnedRows is the number of rows returned to the caller.
	ReturnedRows int `json:"returned_rows"`
	// Truncated is true when a row or byte cap was hit.
	Truncated bool `json:"truncated"`
	// Error holds the database error detail for failures.
	Error string `json:"error,omitempty"`
	// DurationMs is the elapsed execution time.
	DurationMs int64 `json:"duration_ms"`
	// CreatedAt is when the record was written.
	CreatedAt time.Time `json:"created_at"`
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func formatTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func rfc3339Ptr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := t.Format(time.RFC3339)
	return &s
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}
