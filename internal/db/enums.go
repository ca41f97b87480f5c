// Package db provides the durable approval and audit store for sqlgate.
package db

// StatementKind is the effect category a SQL statement was classified into.
type StatementKind string

const (
	// KindSelect is a read-only statement.
	KindSelect StatementKind = "SELECT"
	// KindInsert adds rows.
	KindInsert StatementKind = "INSERT"
	// KindUpdate modifies rows (also used for MERGE and locking reads).
	KindUpdate StatementKind = "UPDATE"
	// KindDelete removes rows.
	KindDelete StatementKind = "DELETE"
	// KindDDL alters the schema (CREATE, ALTER, DROP, TRUNCATE, ...).
	KindDDL StatementKind = "DDL"
	// KindUnknown could not be classified and is never executable.
	KindUnknown StatementKind = "UNKNOWN"
)

// Valid returns true if k is a known kind.
func (k StatementKind) Valid() bool {
	switch k {
	case KindSelect, KindInsert, KindUpdate, KindDelete, KindDDL, KindUnknown:
		return true
	default:
		return false
	}
}

// IsRead reports whether the kind is read-only.
func (k StatementKind) IsRead() bool {
	return k == KindSelect
}

// IsMutating reports whether the kind changes rows.
func (k StatementKind) IsMutating() bool {
	return k == KindInsert || k == KindUpdate || k == KindDelete
}

// IsSchemaAltering reports whether the kind changes the schema.
func (k StatementKind) IsSchemaAltering() bool {
	return k == KindDDL
}

// restrictiveness orders kinds so the stricter of two readings can be chosen.
func (k StatementKind) restrictiveness() int {
	switch k {
	case KindSelect:
		return 0
	case KindInsert, KindUpdate, KindDelete:
		return 1
	case KindDDL:
		return 2
	default:
		return 3
	}
}

// Stricter returns whichever of k and other is more restrictive.
func (k StatementKind) Stricter(other StatementKind) StatementKind {
	if other.restrictiveness() > k.restrictiveness() {
		return other
	}
	return k
}

// ApprovalState is the lifecycle state of an approval request.
type ApprovalState string

const (
	// StatePending means a reviewer has not yet decided.
	StatePending ApprovalState = "pending"
	// StateApproved means a reviewer allowed the statement.
	StateApproved ApprovalState = "approved"
	// StateDenied means a reviewer refused the statement.
	StateDenied ApprovalState = "denied"
	// StateExpired means no decision arrived before the deadline.
	StateExpired ApprovalState = "expired"
)

// Valid returns true if the state is a known approval state.
func (s ApprovalState) Valid() bool {
	switch s {
	case StatePending, StateApproved, StateDenied, StateExpired:
		return true
	default:
		return false
	}
}

// IsTerminal returns true once no further transition is possible.
func (s ApprovalState) IsTerminal() bool {
	return s == StateApproved || s == StateDenied || s == StateExpired
}

// Decision is a reviewer's verdict.
type Decision string

const (
	// DecisionApprove lets the statement run.
	DecisionApprove Decision = "approve"
	// DecisionDeny refuses the statement.
	DecisionDeny Decision = "deny"
)

// Valid returns true if the decision is valid.
func (d Decision) Valid() bool {
	return d == DecisionApprove || d == DecisionDeny
}

// State maps the decision onto the terminal state it produces.
func (d Decision) State() ApprovalState {
	if d == DecisionApprove {
		return StateApproved
	}
	return StateDenied
}

// ExecutionStatus is the outcome of one execution attempt.
type ExecutionStatus string

const (
	ExecSuccess  ExecutionStatus = "success"
	ExecRejected ExecutionStatus = "rejected"
	ExecFailed   ExecutionStatus = "failed"
	ExecTimedOut ExecutionStatus = "timed_out"
)

// Valid returns true if the status is known.
func (s ExecutionStatus) Valid() bool {
	switch s {
	case ExecSuccess, ExecRejected, ExecFailed, ExecTimedOut:
		return true
	default:
		return false
	}
}
