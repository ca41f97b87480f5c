package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ErrApprovalNotFound is returned when an approval is not found.
var ErrApprovalNotFound = errors.New("approval not found")

// DefaultApprovalTimeout is the default decision deadline for new approvals.
const DefaultApprovalTimeout = 5 * time.Minute

const approvalColumns = `id, tool_call_id, session_id, sql_text, sql_hash, kind, tables_json,
	justification, state, decider, reason, created_at, decided_at, expires_at, consumed_at`

// CreateApproval inserts a new pending approval.
// Generates a UUID and fills timestamps when missing.
func (db *DB) CreateApproval(ctx context.Context, a *Approval) error {
	if a.ID == "" {
		a.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	if a.CreatedAt.IsZero() {
		a.CreatedAt = now
	}
	if a.ExpiresAt.IsZero() {
		a.ExpiresAt = a.CreatedAt.Add(DefaultApprovalTimeout)
	}
	if a.State == "" {
		a.State = StatePending
	}
	if a.Tables == nil {
		a.Tables = []string{}
	}

	tablesJSON, err := json.Marshal(a.Tables)
	if err != nil {
		return fmt.Errorf("encoding tables: %w", err)
	}

	_, err = db.exec(ctx, `
		INSERT INTO approvals (
			id, tool_call_id, session_id, sql_text, sql_hash, kind, tables_json,
			justification, state, created_at, expires_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		a.ID, a.ToolCallID, nullString(a.SessionID), a.SQL, a.SQLHash, string(a.Kind), string(tablesJSON),
		nullString(a.Justification), string(a.State), formatTime(a.CreatedAt), formatTime(a.ExpiresAt),
	)
	if err != nil {
		return fmt.Errorf("creating approval: %w", err)
	}
	return nil
}

// GetApproval retrieves an approval by ID.
func (db *DB) GetApproval(ctx context.Context, id string) (*Approval, error) {
	row := db.queryRow(ctx, `SELECT `+approvalColumns+` FROM approvals WHERE id = ?`, id)
	return scanApproval(row)
}

// ListPendingApprovals returns all pending approvals, oldest first.
func (db *DB) ListPendingApprovals(ctx context.Context) ([]*Approval, error) {
	rows, err := db.query(ctx, `
		SELECT `+approvalColumns+` FROM approvals
		WHERE state = 'pending'
		ORDER BY created_at ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("listing pending approvals: %w", err)
	}
	defer rows.Close()
	return scanApprovals(rows)
}

// ListApprovals returns approvals most recent first, optionally filtered by state.
func (db *DB) ListApprovals(ctx context.Context, state ApprovalState, limit int) ([]*Approval, error) {
	if limit <= 0 {
		limit = 100
	}
	var (
		rows *sql.Rows
		err  error
	)
	if state == "" {
		rows, err = db.query(ctx, `SELECT `+approvalColumns+` FROM approvals ORDER BY created_at DESC LIMIT ?`, limit)
	} else {
		rows, err = db.query(ctx, `SELECT `+approvalColumns+` FROM approvals WHERE state = ? ORDER BY created_at DESC LIMIT ?`, string(state), limit)
	}
	if err != nil {
		return nil, fmt.Errorf("listing approvals: %w", err)
	}
	defer rows.Close()
	return scanApprovals(rows)
}

// DecideApproval moves a live pending approval to the given terminal state.
// It is a compare-and-swap: it reports false when the row was no longer
// pending or its deadline had already passed at now.
func (db *DB) DecideApproval(ctx context.Context, id string, to ApprovalState, decider, reason string, now time.Time) (bool, error) {
	res, err := db.exec(ctx, `
		UPDATE approvals SET state = ?, decider = ?, reason = ?, decided_at = ?
		WHERE id = ? AND state = 'pending' AND expires_at > ?
	`, string(to), nullString(decider), nullString(reason), formatTime(now), id, formatTime(now))
	if err != nil {
		return false, fmt.Errorf("updating approval state: %w", err)
	}
	return affectedOne(res)
}

// ExpireApproval moves a pending approval to expired regardless of deadline.
// Reports false when another writer resolved it first.
func (db *DB) ExpireApproval(ctx context.Context, id string, now time.Time) (bool, error) {
	res, err := db.exec(ctx, `
		UPDATE approvals SET state = 'expired', decided_at = ?
		WHERE id = ? AND state = 'pending'
	`, formatTime(now), id)
	if err != nil {
		return false, fmt.Errorf("expiring approval: %w", err)
	}
	return affectedOne(res)
}

// FindOverdueApprovals returns pending approvals whose deadline is at or before now.
func (db *DB) FindOverdueApprovals(ctx context.Context, now time.Time) ([]*Approval, error) {
	rows, err := db.query(ctx, `
		SELECT `+approvalColumns+` FROM approvals
		WHERE state = 'pending' AND expires_at <= ?
		ORDER BY expires_at ASC
	`, formatTime(now))
	if err != nil {
		return nil, fmt.Errorf("finding overdue approvals: %w", err)
	}
	defer rows.Close()
	return scanApprovals(rows)
}

// ClaimApproval marks an approved statement as consumed so it runs at most once.
// The hash must match the statement the reviewer saw.
func (db *DB) ClaimApproval(ctx context.Context, id, sqlHash string, now time.Time) (bool, error) {
	res, err := db.exec(ctx, `
		UPDATE approvals SET consumed_at = ?
		WHERE id = ? AND state = 'approved' AND sql_hash = ? AND consumed_at IS NULL
	`, formatTime(now), id, sqlHash)
	if err != nil {
		return false, fmt.Errorf("claiming approval: %w", err)
	}
	return affectedOne(res)
}

// CountPendingBySession returns the number of pending approvals for a session.
func (db *DB) CountPendingBySession(ctx context.Context, sessionID string) (int, error) {
	var n int
	err := db.queryRow(ctx, `SELECT COUNT(*) FROM approvals WHERE state = 'pending' AND session_id = ?`, sessionID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("counting pending approvals: %w", err)
	}
	return n, nil
}

// RecordDecisionAttempt logs a resolve attempt.
func (db *DB) RecordDecisionAttempt(ctx context.Context, d *DecisionAttempt) error {
	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now().UTC()
	}
	res, err := db.exec(ctx, `
		INSERT INTO decision_attempts (approval_id, decision, decider, accepted, observed_state, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, d.ApprovalID, string(d.Decision), d.Decider, boolToInt(d.Accepted), nullString(string(d.Observed)), formatTime(d.CreatedAt))
	if err != nil {
		return fmt.Errorf("recording decision attempt: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("getting decision attempt id: %w", err)
	}
	d.ID = id
	return nil
}

// ListDecisionAttempts returns the attempts made on an approval in order.
func (db *DB) ListDecisionAttempts(ctx context.Context, approvalID string) ([]*DecisionAttempt, error) {
	rows, err := db.query(ctx, `
		SELECT id, approval_id, decision, decider, accepted, observed_state, created_at
		FROM decision_attempts WHERE approval_id = ? ORDER BY id ASC
	`, approvalID)
	if err != nil {
		return nil, fmt.Errorf("listing decision attempts: %w", err)
	}
	defer rows.Close()

	var out []*DecisionAttempt
	for rows.Next() {
		var (
			d        DecisionAttempt
			decision string
			accepted int
			observed sql.NullString
			created  string
		)
		if err := rows.Scan(&d.ID, &d.ApprovalID, &decision, &d.Decider, &accepted, &observed, &created); err != nil {
			return nil, fmt.Errorf("scanning decision attempt: %w", err)
		}
		d.Decision = Decision(decision)
		d.Accepted = accepted != 0
		d.Observed = ApprovalState(observed.String)
		if d.CreatedAt, err = parseTime(created); err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		out = append(out, &d)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanApproval(row *sql.Row) (*Approval, error) {
	a, err := scanApprovalFrom(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrApprovalNotFound
	}
	return a, err
}

func scanApprovals(rows *sql.Rows) ([]*Approval, error) {
	var out []*Approval
	for rows.Next() {
		a, err := scanApprovalFrom(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating approvals: %w", err)
	}
	return out, nil
}

func scanApprovalFrom(s rowScanner) (*Approval, error) {
	var (
		a             Approval
		sessionID     sql.NullString
		kind          string
		tablesJSON    string
		justification sql.NullString
		state         string
		decider       sql.NullString
		reason        sql.NullString
		createdAt     string
		decidedAt     sql.NullString
		expiresAt     string
		consumedAt    sql.NullString
	)
	if err := s.Scan(&a.ID, &a.ToolCallID, &sessionID, &a.SQL, &a.SQLHash, &kind, &tablesJSON,
		&justification, &state, &decider, &reason, &createdAt, &decidedAt, &expiresAt, &consumedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scanning approval: %w", err)
	}

	a.SessionID = sessionID.String
	a.Kind = StatementKind(kind)
	a.Justification = justification.String
	a.State = ApprovalState(state)
	a.Decider = decider.String
	a.Reason = reason.String
	if err := json.Unmarshal([]byte(tablesJSON), &a.Tables); err != nil {
		return nil, fmt.Errorf("decoding tables: %w", err)
	}

	var err error
	if a.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	if a.ExpiresAt, err = parseTime(expiresAt); err != nil {
		return nil, fmt.Errorf("parsing expires_at: %w", err)
	}
	if a.DecidedAt, err = parseNullTime(decidedAt); err != nil {
		return nil, fmt.Errorf("parsing decided_at: %w", err)
	}
	if a.ConsumedAt, err = parseNullTime(consumedAt); err != nil {
		return nil, fmt.Errorf("parsing consumed_at: %w", err)
	}
	return &a, nil
}

func parseNullTime(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid || ns.String == "" {
		return nil, nil
	}
	t, err := parseTime(ns.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func affectedOne(res sql.Result) (bool, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("getting rows affected: %w", err)
	}
	return n == 1, nil
}
