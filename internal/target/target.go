// Package target opens and describes the relational database that tool calls run against.
package target

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	_ "github.com/jackc/pgx/v5/stdlib" // registers "pgx"
	"github.com/lib/pq"
	_ "modernc.org/sqlite" // registers "sqlite"
)

// Dialect identifies the SQL flavor of the target database.
type Dialect string

const (
	SQLite   Dialect = "sqlite"
	Postgres Dialect = "postgres"
	MySQL    Dialect = "mysql"
)

// ErrUnsupportedURL is returned when no dialect can be derived from a database URL.
var ErrUnsupportedURL = errors.New("unsupported database url")

// Valid returns true if d is a supported dialect.
func (d Dialect) Valid() bool {
	return d == SQLite || d == Postgres || d == MySQL
}

// SupportsReadOnlyTx reports whether database/sql ReadOnly transactions are honored.
func (d Dialect) SupportsReadOnlyTx() bool {
	return d == Postgres || d == MySQL
}

// QuoteIdent quotes a table or column name for this dialect.
func (d Dialect) QuoteIdent(name string) string {
	switch d {
	case Postgres:
		return pq.QuoteIdentifier(name)
	case MySQL:
		return "`" + strings.ReplaceAll(name, "`", "``") + "`"
	default:
		return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
	}
}

// StatementTimeoutSQL returns a transaction-scoped statement that bounds
// server-side execution time, or "" when the dialect has none.
func (d Dialect) StatementTimeoutSQL(timeout time.Duration) string {
	if d != Postgres || timeout <= 0 {
		return ""
	}
	return fmt.Sprintf("SET LOCAL statement_timeout = %d", timeout.Milliseconds())
}

// Options configures Open.
type Options struct {
	// URL is the database URL, e.g. postgres://..., mysql://..., sqlite:///path.db.
	URL string
	// Driver overrides the database/sql driver for the dialect ("pgx" or "postgres" for Postgres).
	Driver string
	// MaxOpenConns bounds the connection pool; zero leaves the default.
	MaxOpenConns int
}

// DB is an open target database.
type DB struct {
	*sql.DB
	Dialect Dialect
	Driver  string
}

// Open parses the URL, opens the pool and pings the database.
func Open(ctx context.Context, opts Options) (*DB, error) {
	dialect, driver, dsn, err := ParseURL(opts.URL, opts.Driver)
	if err != nil {
		return nil, err
	}

	conn, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("opening %s database: %w", dialect, err)
	}
	if opts.MaxOpenConns > 0 {
		conn.SetMaxOpenConns(opts.MaxOpenConns)
	}
	if err := conn.PingContext(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("pinging %s database: %w", dialect, err)
	}

	return &DB{DB: conn, Dialect: dialect, Driver: driver}, nil
}

// Wrap adopts an already-open pool.
func Wrap(conn *sql.DB, dialect Dialect) *DB {
	return &DB{DB: conn, Dialect: dialect, Driver: string(dialect)}
}

// ParseURL derives the dialect, driver name and driver DSN from a database URL.
// SQLAlchemy-style scheme suffixes such as postgresql+psycopg2 are accepted.
func ParseURL(raw, driverOverride string) (Dialect, string, string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", "", "", fmt.Errorf("%w: empty", ErrUnsupportedURL)
	}

	scheme, rest, hasScheme := strings.Cut(raw, ":")
	if !hasScheme {
		if looksLikeSQLitePath(raw) {
			return SQLite, "sqlite", sqliteDSN(raw), nil
		}
		return "", "", "", fmt.Errorf("%w: %q", ErrUnsupportedURL, raw)
	}
	base, _, _ := strings.Cut(strings.ToLower(scheme), "+")

	switch base {
	case "postgres", "postgresql":
		driver := "pgx"
		if driverOverride == "postgres" || driverOverride == "pq" {
			driver = "postgres"
		}
		return Postgres, driver, "postgres:" + rest, nil
	case "mysql":
		dsn, err := mysqlDSN(strings.TrimPrefix(rest, "//"))
		if err != nil {
			return "", "", "", err
		}
		return MySQL, "mysql", dsn, nil
	case "sqlite", "sqlite3":
		return SQLite, "sqlite", sqliteDSN(sqlitePath(rest)), nil
	case "file":
		return SQLite, "sqlite", raw, nil
	default:
		return "", "", "", fmt.Errorf("%w: scheme %q", ErrUnsupportedURL, scheme)
	}
}

// sqlitePath follows SQLAlchemy: sqlite:///rel.db is relative, sqlite:////abs.db is absolute.
func sqlitePath(rest string) string {
	if strings.HasPrefix(rest, "///") {
		return rest[3:]
	}
	return strings.TrimPrefix(rest, "//")
}

func sqliteDSN(path string) string {
	if path == "" || path == ":memory:" {
		return "file::memory:?cache=shared"
	}
	return fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=foreign_keys(ON)", path)
}

func looksLikeSQLitePath(s string) bool {
	for _, ext := range []string{".db", ".sqlite", ".sqlite3"} {
		if strings.HasSuffix(strings.ToLower(s), ext) {
			return true
		}
	}
	return false
}

// mysqlDSN accepts both the native go-sql-driver form (user@tcp(host)/db)
// and URL form (user:pass@host:3306/db).
func mysqlDSN(rest string) (string, error) {
	if strings.Contains(rest, "(") {
		cfg, err := mysql.ParseDSN(rest)
		if err != nil {
			return "", fmt.Errorf("parsing mysql dsn: %w", err)
		}
		return cfg.FormatDSN(), nil
	}

	u, err := url.Parse("mysql://" + rest)
	if err != nil {
		return "", fmt.Errorf("parsing mysql url: %w", err)
	}
	cfg := mysql.NewConfig()
	cfg.Net = "tcp"
	cfg.Addr = u.Host
	if u.Port() == "" {
		cfg.Addr = u.Host + ":3306"
	}
	cfg.DBName = strings.TrimPrefix(u.Path, "/")
	if u.User != nil {
		cfg.User = u.User.Username()
		cfg.Passwd, _ = u.User.Password()
	}
	cfg.ParseTime = true
	if q := u.Query(); len(q) > 0 {
		cfg.Params = make(map[string]string, len(q))
		for k := range q {
			cfg.Params[k] = q.Get(k)
		}
	}
	return cfg.FormatDSN(), nil
}
