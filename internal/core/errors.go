package core

import (
	"errors"
	"fmt"

	"github.com/Dicklesworthstone/sqlgate/internal/db"
)

var (
	// ErrNotAuthorized matches any *NotAuthorizedError.
	ErrNotAuthorized = errors.New("not authorized")
	// ErrAlreadyResolved matches any *AlreadyResolvedError.
	ErrAlreadyResolved = errors.New("approval already resolved")
	// ErrInvalidDecision is returned for a decision other than approve or deny.
	ErrInvalidDecision = errors.New("invalid decision")
	// ErrTooManyPending is returned by Submit when a session has reached its pending cap.
	ErrTooManyPending = errors.New("too many pending approvals")
)

// Reasons shared by the classifier, executor and orchestrator.
const (
	ReasonMultipleStatements = "multiple statements not allowed"
	ReasonEmptyStatement     = "empty statement"
	ReasonDenied             = "denied by reviewer"
	ReasonExpired            = "approval expired"
	ReasonReadOnlyIntent     = "read_query only accepts read-only statements"
	ReasonRateLimited        = "rate limit exceeded"
	ReasonTooManyPending     = "too many statements awaiting approval for this session"
)

// ClassificationError is a statement the classifier refused.
type ClassificationError struct {
	Reason string
}

func (e *ClassificationError) Error() string {
	return "classification rejected: " + e.Reason
}

// NotAuthorizedError is a mutating statement presented without a usable approval.
type NotAuthorizedError struct {
	ApprovalID string
	Reason     string
}

func (e *NotAuthorizedError) Error() string {
	if e.ApprovalID != "" {
		return fmt.Sprintf("not authorized (approval %s): %s", e.ApprovalID, e.Reason)
	}
	return "not authorized: " + e.Reason
}

func (e *NotAuthorizedError) Is(target error) bool { return target == ErrNotAuthorized }

// AlreadyResolvedError is a decision that arrived after the approval left pending.
type AlreadyResolvedError struct {
	ID    string
	State db.ApprovalState
	// Err is the rejected transition, if one was attempted.
	Err error
}

func (e *AlreadyResolvedError) Error() string {
	return fmt.Sprintf("approval %s already resolved: %s", e.ID, e.State)
}

func (e *AlreadyResolvedError) Is(target error) bool { return target == ErrAlreadyResolved }

func (e *AlreadyResolvedError) Unwrap() error { return e.Err }
