package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

const executionColumns = `id, tool_call_id, session_id, approval_id, sql_text, kind, status,
	affected_rows, returned_rows, truncated, error, duration_ms, created_at`

// CreateExecution inserts an execution audit record.
func (db *DB) CreateExecution(ctx context.Context, e *ExecutionRecord) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}

	res, err := db.exec(ctx, `
		INSERT INTO executions (
			tool_call_id, session_id, approval_id, sql_text, kind, status,
			affected_rows, returned_rows, truncated, error, duration_ms, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		e.ToolCallID, nullString(e.SessionID), nullString(e.ApprovalID), e.SQL, string(e.Kind), string(e.Status),
		e.AffectedRows, e.ReturnedRows, boolToInt(e.Truncated), nullString(e.Error), e.DurationMs,
		formatTime(e.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("creating execution record: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("getting execution id: %w", err)
	}
	e.ID = id
	return nil
}

// ListExecutions returns execution records, most recent first.
func (db *DB) ListExecutions(ctx context.Context, limit int) ([]*ExecutionRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := db.query(ctx, `SELECT `+executionColumns+` FROM executions ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("listing executions: %w", err)
	}
	defer rows.Close()
	return scanExecutions(rows)
}

// ListExecutionsForApproval returns every execution attempt linked to an approval.
func (db *DB) ListExecutionsForApproval(ctx context.Context, approvalID string) ([]*ExecutionRecord, error) {
	rows, err := db.query(ctx, `SELECT `+executionColumns+` FROM executions WHERE approval_id = ? ORDER BY id ASC`, approvalID)
	if err != nil {
		return nil, fmt.Errorf("listing executions for approval: %w", err)
	}
	defer rows.Close()
	return scanExecutions(rows)
}

func scanExecutions(rows *sql.Rows) ([]*ExecutionRecord, error) {
	var out []*ExecutionRecord
	for rows.Next() {
		var (
			e          ExecutionRecord
			sessionID  sql.NullString
			approvalID sql.NullString
			kind       string
			status     string
			truncated  int
			errText    sql.NullString
			createdAt  string
		)
		if err := rows.Scan(&e.ID, &e.ToolCallID, &sessionID, &approvalID, &e.SQL, &kind, &status,
			&e.AffectedRows, &e.ReturnedRows, &truncated, &errText, &e.DurationMs, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning execution: %w", err)
		}
		e.SessionID = sessionID.String
		e.ApprovalID = approvalID.String
		e.Kind = StatementKind(kind)
		e.Status = ExecutionStatus(status)
		e.Truncated = truncated != 0
		e.Error = errText.String
		t, err := parseTime(createdAt)
		if err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		e.CreatedAt = t
		out = append(out, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating executions: %w", err)
	}
	return out, nil
}
