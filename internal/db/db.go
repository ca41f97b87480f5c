// Package db implements the SQLite state store for sqlgate.
// Uses modernc.org/sqlite (pure Go, no cgo) with WAL mode so the daemon and
// CLI reviewers can share one file across processes.
package db

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	_ "modernc.org/sqlite" // Pure Go SQLite driver
)

// DB wraps the SQLite database connection.
type DB struct {
	conn *sql.DB
	path string
	mu   sync.RWMutex
}

// OpenOptions configures database opening behavior.
type OpenOptions struct {
	// CreateIfNotExists creates the parent directory if it doesn't exist.
	CreateIfNotExists bool
	// Migrate applies pending migrations after opening.
	Migrate bool
	// BusyTimeoutMs is how long a writer waits on a locked database.
	BusyTimeoutMs int
}

// DefaultOpenOptions returns sensible defaults for opening a database.
func DefaultOpenOptions() OpenOptions {
	return OpenOptions{
		CreateIfNotExists: true,
		Migrate:           true,
		BusyTimeoutMs:     5000,
	}
}

// Open opens the state store with WAL mode enabled and migrations applied.
func Open(path string) (*DB, error) {
	return OpenWithOptions(path, DefaultOpenOptions())
}

// OpenWithOptions opens the state store with the given options.
func OpenWithOptions(path string, opts OpenOptions) (*DB, error) {
	if opts.CreateIfNotExists {
		if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}
	if opts.BusyTimeoutMs <= 0 {
		opts.BusyTimeoutMs = 5000
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(%d)&_pragma=synchronous(NORMAL)&_pragma=foreign_keys(ON)",
		path, opts.BusyTimeoutMs)

	conn, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	db := &DB{
		conn: conn,
		path: path,
	}

	if opts.Migrate {
		if err := db.ApplyMigrations(context.Background()); err != nil {
			conn.Close()
			return nil, fmt.Errorf("initializing schema: %w", err)
		}
	}

	return db, nil
}

// Close closes the database connection.
func (db *DB) Close() error {
	return db.conn.Close()
}

// Path returns the database file path.
func (db *DB) Path() string {
	return db.path
}

// GetSchemaVersion returns the current schema version.
func (db *DB) GetSchemaVersion() (int, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()

	if err := ensureMigrationsTable(db.conn); err != nil {
		return 0, err
	}
	return currentVersion(db.conn)
}

// ValidateSchema ensures the database is at the expected schema version.
func (db *DB) ValidateSchema() error {
	version, err := db.GetSchemaVersion()
	if err != nil {
		return err
	}
	if version != SchemaVersion {
		return fmt.Errorf("schema version mismatch: have %d want %d", version, SchemaVersion)
	}
	return nil
}

func (db *DB) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.conn.ExecContext(ctx, query, args...)
}

func (db *DB) query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return db.conn.QueryContext(ctx, query, args...)
}

func (db *DB) queryRow(ctx context.Context, query string, args ...any) *sql.Row {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return db.conn.QueryRowContext(ctx, query, args...)
}

// Transaction executes fn within a transaction.
// If fn returns an error or panics, the transaction is rolled back.
func (db *DB) Transaction(ctx context.Context, fn func(*sql.Tx) error) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return err
	}

	defer func() {
		if p := recover(); p != nil {
			tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}

	return tx.Commit()
}

// Stats returns database statistics.
type Stats struct {
	Path             string `json:"path"`
	SchemaVersion    int    `json:"schema_version"`
	PendingCount     int    `json:"pending_count"`
	ApprovalCount    int    `json:"approval_count"`
	ExecutionCount   int    `json:"execution_count"`
	DecisionAttempts int    `json:"decision_attempts"`
}

// GetStats returns database statistics.
func (db *DB) GetStats(ctx context.Context) (*Stats, error) {
	stats := &Stats{Path: db.path}

	version, err := db.GetSchemaVersion()
	if err != nil {
		return nil, err
	}
	stats.SchemaVersion = version

	counts := []struct {
		dst   *int
		query string
	}{
		{&stats.PendingCount, `SELECT COUNT(*) FROM approvals WHERE state = 'pending'`},
		{&stats.ApprovalCount, `SELECT COUNT(*) FROM approvals`},
		{&stats.ExecutionCount, `SELECT COUNT(*) FROM executions`},
		{&stats.DecisionAttempts, `SELECT COUNT(*) FROM decision_attempts`},
	}
	for _, c := range counts {
		if err := db.queryRow(ctx, c.query).Scan(c.dst); err != nil {
			return nil, err
		}
	}

	return stats, nil
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
