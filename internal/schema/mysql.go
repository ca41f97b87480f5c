package schema

import (
	"context"
	"database/sql"
)

// mysqlCatalog reads metadata from information_schema for DATABASE().
type mysqlCatalog struct{}

func (mysqlCatalog) databaseName(ctx context.Context, q querier) (string, error) {
	var name sql.NullString
	err := q.QueryRowContext(ctx, `SELECT DATABASE()`).Scan(&name)
	return name.String, err
}

func (mysqlCatalog) tables(ctx context.Context, q querier) ([]tableEntry, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT table_name, table_type = 'VIEW', COALESCE(table_comment, ''), COALESCE(table_rows, -1)
		FROM information_schema.tables
		WHERE table_schema = DATABASE()
		ORDER BY table_name
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []tableEntry
	for rows.Next() {
		var e tableEntry
		if err := rows.Scan(&e.name, &e.view, &e.comment, &e.approxRows); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (mysqlCatalog) columns(ctx context.Context, q querier, table string) ([]ColumnInfo, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT column_name, column_type, is_nullable = 'YES', column_default, COALESCE(column_comment, '')
		FROM information_schema.columns
		WHERE table_schema = DATABASE() AND table_name = ?
		ORDER BY ordinal_position
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
		if err := rows.Scan(&c.Name, &c.Type, &c.Nullable, &dflt, &c.Comment); err != nil {
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

func (mysqlCatalog) primaryKeys(ctx context.Context, q querier, table string) ([]string, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT column_name FROM information_schema.statistics
		WHERE table_schema = DATABASE() AND table_name = ? AND index_name = 'PRIMARY'
		ORDER BY seq_in_index
	`, table)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanStrings(rows)
}

func (mysqlCatalog) foreignKeys(ctx context.Context, q querier, table string) ([]ForeignKeyInfo, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT kcu.column_name, kcu.referenced_table_name, kcu.referenced_column_name,
		       rc.delete_rule, rc.update_rule
		FROM information_schema.key_column_usage kcu
		JOIN information_schema.referential_constraints rc
		  ON rc.constraint_schema = kcu.constraint_schema
		 AND rc.constraint_name = kcu.constraint_name
		 AND rc.table_name = kcu.table_name
		WHERE kcu.table_schema = DATABASE() AND kcu.table_name = ?
		  AND kcu.referenced_table_name IS NOT NULL
		ORDER BY kcu.constraint_name, kcu.ordinal_position
	`, table)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ForeignKeyInfo
	for rows.Next() {
		var fk ForeignKeyInfo
		if err := rows.Scan(&fk.Column, &fk.RefTable, &fk.RefColumn, &fk.OnDelete, &fk.OnUpdate); err != nil {
			return nil, err
		}
		fk.OnDelete = normalizeRule(fk.OnDelete)
		fk.OnUpdate = normalizeRule(fk.OnUpdate)
		out = append(out, fk)
	}
	return out, rows.Err()
}

func (mysqlCatalog) indexes(ctx context.Context, q querier, table string) ([]IndexInfo, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT index_name, non_unique = 0, column_name
		FROM information_schema.statistics
		WHERE table_schema = DATABASE() AND table_name = ?
		ORDER BY index_name, seq_in_index
	`, table)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return groupIndexes(rows)
}
