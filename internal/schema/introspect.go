package schema

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/Dicklesworthstone/sqlgate/internal/target"
)

// Introspector builds a fresh Snapshot from the live catalog.
type Introspector interface {
	Introspect(ctx context.Context) (*Snapshot, error)
}

type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// tableEntry is one row of a dialect's table listing.
type tableEntry struct {
	name    string
	view    bool
	comment string
	// approxRows is negative when the catalog has no estimate.
	approxRows int64
}

// catalog is the per-dialect set of read-only metadata queries.
type catalog interface {
	databaseName(ctx context.Context, q querier) (string, error)
	tables(ctx context.Context, q querier) ([]tableEntry, error)
	columns(ctx context.Context, q querier, table string) ([]ColumnInfo, error)
	primaryKeys(ctx context.Context, q querier, table string) ([]string, error)
	foreignKeys(ctx context.Context, q querier, table string) ([]ForeignKeyInfo, error)
	indexes(ctx context.Context, q querier, table string) ([]IndexInfo, error)
}

// NewIntrospector returns the introspector for the database's dialect.
// sampleRows is clamped to [0, MaxSampleRows].
func NewIntrospector(db *target.DB, sampleRows int) (Introspector, error) {
	var cat catalog
	switch db.Dialect {
	case target.SQLite:
		cat = sqliteCatalog{}
	case target.Postgres:
		cat = postgresCatalog{}
	case target.MySQL:
		cat = mysqlCatalog{}
	default:
		return nil, fmt.Errorf("no introspector for dialect %q", db.Dialect)
	}
	if sampleRows < 0 {
		sampleRows = 0
	}
	if sampleRows > MaxSampleRows {
		sampleRows = MaxSampleRows
	}
	return &introspector{db: db, cat: cat, sampleRows: sampleRows}, nil
}

type introspector struct {
	db         *target.DB
	cat        catalog
	sampleRows int
}

// Introspect runs all catalog and sampling queries inside one read-only
// transaction that is always rolled back.
func (in *introspector) Introspect(ctx context.Context) (*Snapshot, error) {
	tx, err := in.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: in.db.Dialect.SupportsReadOnlyTx()})
	if err != nil {
		return nil, stageErr("begin", "", err)
	}
	defer tx.Rollback()

	name, err := in.cat.databaseName(ctx, tx)
	if err != nil {
		return nil, stageErr("database", "", err)
	}

	entries, err := in.cat.tables(ctx, tx)
	if err != nil {
		return nil, stageErr("tables", "", err)
	}

	snap := &Snapshot{Database: name, Dialect: in.db.Dialect}
	for _, e := range entries {
		if e.view {
			snap.Views = append(snap.Views, e.name)
			continue
		}
		info, err := in.describe(ctx, tx, e)
		if err != nil {
			return nil, err
		}
		snap.Tables = append(snap.Tables, *info)
	}
	snap.CapturedAt = time.Now().UTC()
	return snap, nil
}

func (in *introspector) describe(ctx context.Context, q querier, e tableEntry) (*TableInfo, error) {
	info := &TableInfo{Name: e.name, Comment: e.comment}

	cols, err := in.cat.columns(ctx, q, e.name)
	if err != nil {
		return nil, stageErr("columns", e.name, err)
	}
	pks, err := in.cat.primaryKeys(ctx, q, e.name)
	if err != nil {
		return nil, stageErr("primary_keys", e.name, err)
	}
	isPK := make(map[string]bool, len(pks))
	for _, pk := range pks {
		isPK[pk] = true
	}
	for i := range cols {
		cols[i].PrimaryKey = isPK[cols[i].Name]
	}
	info.Columns = cols
	info.PrimaryKeys = nonNil(pks)

	if info.ForeignKeys, err = in.cat.foreignKeys(ctx, q, e.name); err != nil {
		return nil, stageErr("foreign_keys", e.name, err)
	}
	if info.Indexes, err = in.cat.indexes(ctx, q, e.name); err != nil {
		return nil, stageErr("indexes", e.name, err)
	}
	if info.ForeignKeys == nil {
		info.ForeignKeys = []ForeignKeyInfo{}
	}
	if info.Indexes == nil {
		info.Indexes = []IndexInfo{}
	}

	quoted := in.db.Dialect.QuoteIdent(e.name)
	info.RowCount = e.approxRows
	if info.RowCount <= 0 {
		if err := q.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+quoted).Scan(&info.RowCount); err != nil {
			return nil, stageErr("row_count", e.name, err)
		}
	}

	info.SampleRows = []map[string]any{}
	if in.sampleRows > 0 {
		samples, err := sampleTable(ctx, q, quoted, in.sampleRows)
		if err != nil {
			return nil, stageErr("sample", e.name, err)
		}
		info.SampleRows = samples
	}
	return info, nil
}

func sampleTable(ctx context.Context, q querier, quoted string, limit int) ([]map[string]any, error) {
	rows, err := q.QueryContext(ctx, fmt.Sprintf("SELECT * FROM %s LIMIT %d", quoted, limit))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}
	out := []map[string]any{}
	for rows.Next() {
		vals, err := target.ScanRow(rows, len(cols))
		if err != nil {
			return nil, err
		}
		m := make(map[string]any, len(cols))
		for i, c := range cols {
			m[c] = vals[i]
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// groupIndexes folds (index, unique, column) rows into IndexInfo values, keeping order.
func groupIndexes(rows *sql.Rows) ([]IndexInfo, error) {
	var out []IndexInfo
	pos := map[string]int{}
	for rows.Next() {
		var (
			name   string
			unique bool
			column sql.NullString
		)
		if err := rows.Scan(&name, &unique, &column); err != nil {
			return nil, err
		}
		i, ok := pos[name]
		if !ok {
			i = len(out)
			pos[name] = i
			out = append(out, IndexInfo{Name: name, Unique: unique, Columns: []string{}})
		}
		if column.Valid {
			out[i].Columns = append(out[i].Columns, column.String)
		}
	}
	return out, rows.Err()
}

func scanStrings(rows *sql.Rows) ([]string, error) {
	var out []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
