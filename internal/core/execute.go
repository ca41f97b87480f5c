package core

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/charmbracelet/log"

	"github.com/Dicklesworthstone/sqlgate/internal/db"
	"github.com/Dicklesworthstone/sqlgate/internal/target"
)

// Executor defaults.
const (
	DefaultStatementTimeout = 30 * time.Second
	DefaultMaxRows          = 1000
	DefaultMaxBytes         = 1 << 20
)

// ExecutorOptions bounds every statement the executor runs.
type ExecutorOptions struct {
	StatementTimeout time.Duration
	MaxRows          int
	MaxBytes         int
	Logger           *log.Logger
}

// ExecutionResult is the outcome of one execution attempt.
type ExecutionResult struct {
	Status       db.ExecutionStatus `json:"status"`
	AffectedRows int64              `json:"affected_rows"`
	Columns      []string           `json:"columns,omitempty"`
	Rows         [][]any            `json:"rows,omitempty"`
	Truncated    bool               `json:"truncated"`
	// Error is the human-readable failure detail.
	Error      string        `json:"error,omitempty"`
	Elapsed    time.Duration `json:"-"`
	ApprovalID string        `json:"approval_id,omitempty"`
}

// MarshalJSON adds elapsed_ms.
func (r *ExecutionResult) MarshalJSON() ([]byte, error) {
	type alias ExecutionResult
	return json.Marshal(&struct {
		*alias
		ElapsedMs float64 `json:"elapsed_ms"`
	}{
		alias:     (*alias)(r),
		ElapsedMs: float64(r.Elapsed.Microseconds()) / 1000,
	})
}

// Executor runs classified statements in bounded transactions. Each call owns
// its own transaction, which is always rolled back unless the statement commits.
type Executor struct {
	target *target.DB
	gate   *Gate
	opts   ExecutorOptions
	logger *log.Logger
}

// NewExecutor creates an executor. gate claims approvals for mutating statements.
func NewExecutor(tdb *target.DB, gate *Gate, opts ExecutorOptions) *Executor {
	if opts.StatementTimeout <= 0 {
		opts.StatementTimeout = DefaultStatementTimeout
	}
	if opts.MaxRows <= 0 {
		opts.MaxRows = DefaultMaxRows
	}
	if opts.MaxBytes <= 0 {
		opts.MaxBytes = DefaultMaxBytes
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.New(io.Discard)
	}
	return &Executor{target: tdb, gate: gate, opts: opts, logger: logger}
}

// Execute runs c. Mutating results carry only the affected row count.
func (e *Executor) Execute(ctx context.Context, c *ClassifiedStatement, approval *db.Approval) (*ExecutionResult, error) {
	return e.execute(ctx, c, approval, false)
}

// ExecuteReturning runs c and also collects the rows a mutating statement returns.
func (e *Executor) ExecuteReturning(ctx context.Context, c *ClassifiedStatement, approval *db.Approval) (*ExecutionResult, error) {
	return e.execute(ctx, c, approval, true)
}

func (e *Executor) execute(ctx context.Context, c *ClassifiedStatement, approval *db.Approval, returnRows bool) (*ExecutionResult, error) {
	start := time.Now()
	res := &ExecutionResult{Status: db.ExecRejected}
	if approval != nil {
		res.ApprovalID = approval.ID
	}
	done := func() *ExecutionResult {
		res.Elapsed = time.Since(start)
		return res
	}

	switch {
	case c == nil:
		res.Error = ReasonEmptyStatement
		return done(), nil
	case c.Rejected():
		res.Error = c.RejectionReason
		if res.Error == "" {
			res.Error = "statement kind is not executable"
		}
		return done(), nil
	case countStatements(c.SQL) > 1:
		res.Error = ReasonMultipleStatements
		return done(), nil
	}

	if !c.Kind.IsRead() {
		if err := CanExecute(approval, c.Hash); err != nil {
			res.Error = err.Error()
			return done(), err
		}
		if e.gate == nil {
			err := &NotAuthorizedError{ApprovalID: approval.ID, Reason: "no approval store configured"}
			res.Error = err.Error()
			return done(), err
		}
		if _, err := e.gate.Claim(ctx, approval.ID, c.Hash); err != nil {
			var na *NotAuthorizedError
			if errors.As(err, &na) {
				res.Error = err.Error()
				return done(), err
			}
			return nil, fmt.Errorf("claiming approval: %w", err)
		}
	}

	execCtx, cancel := context.WithTimeout(ctx, e.opts.StatementTimeout)
	defer cancel()

	tx, err := e.target.BeginTx(execCtx, &sql.TxOptions{
		ReadOnly: c.Kind.IsRead() && e.target.Dialect.SupportsReadOnlyTx(),
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if stmt := e.target.Dialect.StatementTimeoutSQL(e.opts.StatementTimeout); stmt != "" {
		if _, err := tx.ExecContext(execCtx, stmt); err != nil {
			return e.failure(ctx, execCtx, c, res, done, err)
		}
	}

	switch {
	case c.Kind.IsRead():
		if _, err := e.collect(execCtx, tx, c.SQL, res, false); err != nil {
			return e.failure(ctx, execCtx, c, res, done, err)
		}
	case returnRows && producesRows(c.SQL, e.target.Dialect):
		n, err := e.collect(execCtx, tx, c.SQL, res, true)
		if err != nil {
			return e.failure(ctx, execCtx, c, res, done, err)
		}
		res.AffectedRows = n
		if err := tx.Commit(); err != nil {
			return e.failure(ctx, execCtx, c, res, done, err)
		}
	default:
		r, err := tx.ExecContext(execCtx, c.SQL)
		if err != nil {
			return e.failure(ctx, execCtx, c, res, done, err)
		}
		if n, err := r.RowsAffected(); err == nil {
			res.AffectedRows = n
		}
		if err := tx.Commit(); err != nil {
			return e.failure(ctx, execCtx, c, res, done, err)
		}
	}

	res.Status = db.ExecSuccess
	done()
	e.logger.Info("statement executed",
		"kind", c.Kind, "rows", len(res.Rows), "affected", res.AffectedRows,
		"truncated", res.Truncated, "elapsed", res.Elapsed)
	return res, nil
}

// collect reads rows until the row or byte cap. One row past the cap sets
// Truncated. With countAll the cursor is drained past the cap and every row
// is counted; otherwise the count stops at the cap.
func (e *Executor) collect(ctx context.Context, tx *sql.Tx, query string, res *ExecutionResult, countAll bool) (int64, error) {
	rows, err := tx.QueryContext(ctx, query)
	if err != nil {
		return 0, err
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return 0, err
	}
	res.Columns = cols
	res.Rows = [][]any{}

	var total int64
	size := 0
	for rows.Next() {
		if res.Truncated {
			total++
			continue
		}
		if len(res.Rows) >= e.opts.MaxRows {
			res.Truncated = true
			if !countAll {
				break
			}
			total++
			continue
		}
		vals, err := target.ScanRow(rows, len(cols))
		if err != nil {
			return total, err
		}
		total++
		rowSize := 0
		for _, v := range vals {
			rowSize += target.ValueSize(v)
		}
		if size+rowSize > e.opts.MaxBytes {
			res.Truncated = true
			if !countAll {
				break
			}
			continue
		}
		size += rowSize
		res.Rows = append(res.Rows, vals)
	}
	return total, rows.Err()
}

// producesRows reports whether a mutating statement yields a result set: a
// top-level RETURNING clause, or a main verb of SELECT (locking reads and
// data-modifying CTEs).
func producesRows(text string, d target.Dialect) bool {
	pieces, err := splitStatements(text, modeFor(d))
	if err != nil || len(pieces) != 1 {
		return false
	}
	toks := pieces[0].tokens
	i := 0
	for i < len(toks) && toks[i].kind == tokPunct && toks[i].text == "(" {
		i++
	}
	if i >= len(toks) {
		return false
	}
	depth := toks[i].depth
	main := toks[i]
	if main.is("WITH") {
		j := bodyVerbIndex(toks[i+1:], depth)
		if j < 0 {
			return false
		}
		main = toks[i+1+j]
	}
	if main.is("SELECT") {
		return true
	}
	for _, t := range toks[i:] {
		if t.depth == depth && t.is("RETURNING") {
			return true
		}
	}
	return false
}

// failure maps a statement error onto a result. Only a lost connection or
// caller cancellation surfaces as an error.
func (e *Executor) failure(ctx, execCtx context.Context, c *ClassifiedStatement, res *ExecutionResult, done func() *ExecutionResult, err error) (*ExecutionResult, error) {
	res.Rows = nil
	res.Columns = nil
	res.AffectedRows = 0
	res.Truncated = false

	switch {
	case ctx.Err() != nil:
		return nil, ctx.Err()
	case errors.Is(execCtx.Err(), context.DeadlineExceeded) || target.IsTimeout(err):
		res.Status = db.ExecTimedOut
		res.Error = fmt.Sprintf("statement timed out after %s", e.opts.StatementTimeout)
	case target.IsConnectionError(err):
		return nil, fmt.Errorf("executing statement: %w", err)
	default:
		res.Status = db.ExecFailed
		res.Error = target.Describe(err)
	}
	done()
	e.logger.Warn("statement failed", "kind", c.Kind, "status", res.Status, "error", err, "elapsed", res.Elapsed)
	return res, nil
}
