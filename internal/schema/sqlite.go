package schema

import (
	"context"
	"database/sql"
	"path/filepath"
	"strings"
)

// sqliteCatalog reads metadata through sqlite_master and the table-valued pragma functions.
type sqliteCatalog struct{}

func (sqliteCatalog) databaseName(ctx context.Context, q querier) (string, error) {
	var file sql.NullString
	err := q.QueryRowContext(ctx, `SELECT file FROM pragma_database_list WHERE name = 'main'`).Scan(&file)
	if err != nil {
		return "", err
	}
	if !file.Valid || file.String == "" {
		return "main", nil
	}
	base := filepath.Base(file.String)
	return strings.TrimSuffix(base, filepath.Ext(base)), nil
}

func (sqliteCatalog) tables(ctx context.Context, q querier) ([]tableEntry, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT name, type FROM sqlite_master
		WHERE type IN ('table', 'view') AND name NOT LIKE 'sqlite_%'
		ORDER BY name
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []tableEntry
	for rows.Next() {
		var name, typ string
		if err := rows.Scan(&name, &typ); err != nil {
			return nil, err
		}
		out = append(out, tableEntry{name: name, view: typ == "view", approxRows: -1})
	}
	return out, rows.Err()
}

func (sqliteCatalog) columns(ctx context.Context, q querier, table string) ([]ColumnInfo, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT name, type, "notnull" = 0, dflt_value
		FROM pragma_table_info(?) ORDER BY cid
	`, table)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ColumnInfo
	for rows.Next() {
		var (
			c    ColumnInfo
			dflt sql.NullString
		)
		if err := rows.Scan(&c.Name, &c.Type, &c.Nullable, &dflt); err != nil {
			return nil, err
		}
		if dflt.Valid {
			d := dflt.String
			c.Default = &d
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (sqliteCatalog) primaryKeys(ctx context.Context, q querier, table string) ([]string, error) {
	rows, err := q.QueryContext(ctx, `SELECT name FROM pragma_table_info(?) WHERE pk > 0 ORDER BY pk`, table)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanStrings(rows)
}

func (sqliteCatalog) foreignKeys(ctx context.Context, q querier, table string) ([]ForeignKeyInfo, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT "from", "table", "to", on_delete, on_update
		FROM pragma_foreign_key_list(?) ORDER BY id, seq
	`, table)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ForeignKeyInfo
	for rows.Next() {
		var (
			fk       ForeignKeyInfo
			to       sql.NullString
			onDelete sql.NullString
			onUpdate sql.NullString
		)
		if err := rows.Scan(&fk.Column, &fk.RefTable, &to, &onDelete, &onUpdate); err != nil {
			return nil, err
		}
		fk.RefColumn = to.String
		fk.OnDelete = normalizeRule(onDelete.String)
		fk.OnUpdate = normalizeRule(onUpdate.String)
		out = append(out, fk)
	}
	return out, rows.Err()
}

func (sqliteCatalog) indexes(ctx context.Context, q querier, table string) ([]IndexInfo, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT il.name, il."unique", ii.name
		FROM pragma_index_list(?) AS il, pragma_index_info(il.name) AS ii
		ORDER BY il.name, ii.seqno
	`, table)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return groupIndexes(rows)
}
