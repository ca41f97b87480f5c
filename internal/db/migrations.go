package db

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"time"
)

// SchemaVersion is the version the store is expected to be at after migrating.
const SchemaVersion = 3

// Migration represents a single schema migration.
type Migration struct {
	Version int
	Name    string
	Up      string
}

// migrations is the ordered list of schema migrations.
var migrations = []Migration{
	{
		Version: 1,
		Name:    "initial_schema",
		Up: `
-- Approvals: one row per statement awaiting or past human review
CREATE TABLE IF NOT EXISTS approvals (
  id TEXT PRIMARY KEY,
  tool_call_id TEXT NOT NULL,
  session_id TEXT,
  sql_text TEXT NOT NULL,
  sql_hash TEXT NOT NULL,
  kind TEXT NOT NULL,
  tables_json TEXT NOT NULL DEFAULT '[]',
  justification TEXT,
  state TEXT NOT NULL DEFAULT 'pending'
    CHECK (state IN ('pending', 'approved', 'denied', 'expired')),
  decider TEXT,
  reason TEXT,
  created_at TEXT NOT NULL,
  decided_at TEXT,
  expires_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_approvals_state ON approvals(state);
CREATE INDEX IF NOT EXISTS idx_approvals_pending_expiry ON approvals(expires_at) WHERE state = 'pending';
CREATE INDEX IF NOT EXISTS idx_approvals_tool_call ON approvals(tool_call_id);

-- Execution audit trail
CREATE TABLE IF NOT EXISTS executions (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  tool_call_id TEXT NOT NULL,
  session_id TEXT,
  approval_id TEXT REFERENCES approvals(id) ON DELETE SET NULL,
  sql_text TEXT NOT NULL,
  kind TEXT NOT NULL,
  status TEXT NOT NULL,
  affected_rows INTEGER NOT NULL DEFAULT 0,
  returned_rows INTEGER NOT NULL DEFAULT 0,
  truncated INTEGER NOT NULL DEFAULT 0,
  error TEXT,
  duration_ms INTEGER NOT NULL DEFAULT 0,
  created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_executions_created ON executions(created_at);
CREATE INDEX IF NOT EXISTS idx_executions_approval ON executions(approval_id);
`,
	},
	{
		Version: 2,
		Name:    "approvals_consumed_at",
		Up: `
-- Single-use approvals: set when the executor claims an approved statement.
ALTER TABLE approvals ADD COLUMN consumed_at TEXT;
`,
	},
	{
		Version: 3,
		Name:    "decision_attempts",
		Up: `
-- Every resolve attempt, including late and duplicate ones.
CREATE TABLE IF NOT EXISTS decision_attempts (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  approval_id TEXT NOT NULL,
  decision TEXT NOT NULL,
  decider TEXT NOT NULL,
  accepted INTEGER NOT NULL,
  observed_state TEXT,
  created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_decision_attempts_approval ON decision_attempts(approval_id);
`,
	},
}

// ApplyMigrations applies any pending migrations in order.
func (db *DB) ApplyMigrations(ctx context.Context) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	if err := ensureMigrationsTable(db.conn); err != nil {
		return err
	}

	current, err := currentVersion(db.conn)
	if err != nil {
		return err
	}

	sort.Slice(migrations, func(i, j int) bool { return migrations[i].Version < migrations[j].Version })

	for _, m := range migrations {
		if m.Version <= current {
			continue
		}

		tx, err := db.conn.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin migration %d: %w", m.Version, err)
		}

		// ALTER TABLE ADD COLUMN has no IF NOT EXISTS in SQLite.
		switch m.Version {
		case 2:
			err = addColumnIfMissing(ctx, tx, "approvals", "consumed_at", "TEXT")
		default:
			_, err = tx.ExecContext(ctx, m.Up)
		}
		if err != nil {
			tx.Rollback()
			return fmt.Errorf("migration %d (%s) failed: %w", m.Version, m.Name, err)
		}

		if _, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO schema_migrations(version, applied_at) VALUES(?, ?)`, m.Version, time.Now().UTC().Format(time.RFC3339)); err != nil {
			tx.Rollback()
			return fmt.Errorf("record migration %d: %w", m.Version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", m.Version, err)
		}
	}

	return nil
}

func ensureMigrationsTable(conn *sql.DB) error {
	_, err := conn.Exec(`
CREATE TABLE IF NOT EXISTS schema_migrations (
  version INTEGER PRIMARY KEY,
  applied_at TEXT NOT NULL
);`)
	return err
}

func currentVersion(conn *sql.DB) (int, error) {
	var v sql.NullInt64
	err := conn.QueryRow(`SELECT MAX(version) FROM schema_migrations`).Scan(&v)
	if err != nil {
		return 0, fmt.Errorf("read schema version: %w", err)
	}
	if !v.Valid {
		return 0, nil
	}
	return int(v.Int64), nil
}

func addColumnIfMissing(ctx context.Context, tx *sql.Tx, table, column, colType string) error {
	rows, err := tx.QueryContext(ctx, fmt.Sprintf(`PRAGMA table_info(%s)`, table))
	if err != nil {
		return fmt.Errorf("pragma table_info: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			cid       int
			colName   string
			ctype     string
			notnull   int
			dfltValue sql.NullString
			pk        int
		)
		if err := rows.Scan(&cid, &colName, &ctype, &notnull, &dfltValue, &pk); err != nil {
			return fmt.Errorf("scan pragma table_info: %w", err)
		}
		if colName == column {
			return nil
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterating table_info: %w", err)
	}
	rows.Close()

	if _, err := tx.ExecContext(ctx, fmt.Sprintf(`ALTER TABLE %s ADD COLUMN %s %s`, table, column, colType)); err != nil {
		return fmt.Errorf("add column %s.%s: %w", table, column, err)
	}
	return nil
}
