package core

import (
	"fmt"

	"github.com/Dicklesworthstone/sqlgate/internal/db"
)

// validTransitions lists the states reachable from each state.
// Every reachable state is terminal, so an approval moves at most once.
var validTransitions = map[db.ApprovalState][]db.ApprovalState{
	db.StatePending: {
		db.StateApproved,
		db.StateDenied,
		db.StateExpired,
	},
}

// TransitionError represents an invalid state transition.
type TransitionError struct {
	From    db.ApprovalState
	To      db.ApprovalState
	Message string
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("invalid transition from %s to %s: %s", e.From, e.To, e.Message)
}

// CanTransition returns true if the transition from one state to another is valid.
func CanTransition(from, to db.ApprovalState) bool {
	// Creation.
	if from == "" && to == db.StatePending {
		return true
	}
	for _, target := range validTransitions[from] {
		if target == to {
			return true
		}
	}
	return false
}

// ValidateTransition validates a state transition and returns an error if invalid.
func ValidateTransition(from, to db.ApprovalState) error {
	if from.IsTerminal() {
		return &TransitionError{From: from, To: to, Message: fmt.Sprintf("%s is a terminal state", from)}
	}
	if !CanTransition(from, to) {
		return &TransitionError{From: from, To: to, Message: "transition not allowed"}
	}
	return nil
}

// CanExecute reports whether an approval authorizes execution of the statement with the given hash.
func CanExecute(a *db.Approval, hash string) error {
	switch {
	case a == nil:
		return &NotAuthorizedError{Reason: "approval required"}
	case a.State != db.StateApproved:
		return &NotAuthorizedError{ApprovalID: a.ID, Reason: fmt.Sprintf("approval is %s", a.State)}
	case a.SQLHash != hash:
		return &NotAuthorizedError{ApprovalID: a.ID, Reason: "approval was granted for different SQL"}
	case a.ConsumedAt != nil:
		return &NotAuthorizedError{ApprovalID: a.ID, Reason: "approval already used"}
	}
	return nil
}
