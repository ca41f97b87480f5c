package schema

import (
	"context"
	"database/sql"
)

// postgresCatalog reads metadata from pg_catalog and information_schema for current_schema().
type postgresCatalog struct{}

func (postgresCatalog) databaseName(ctx context.Context, q querier) (string, error) {
	var name string
	err := q.QueryRowContext(ctx, `SELECT current_database()`).Scan(&name)
	return name, err
}

func (postgresCatalog) tables(ctx context.Context, q querier) ([]tableEntry, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT c.relname, c.relkind::text IN ('v', 'm'),
		       COALESCE(obj_description(c.oid, 'pg_class'), ''),
		       c.reltuples::bigint
		FROM pg_class c
		JOIN pg_namespace n ON n.oid = c.relnamespace
		WHERE n.nspname = current_schema() AND c.relkind IN ('r', 'p', 'v', 'm')
		ORDER BY c.relname
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

func (postgresCatalog) columns(ctx context.Context, q querier, table string) ([]ColumnInfo, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT a.attname, format_type(a.atttypid, a.atttypmod), NOT a.attnotnull,
		       pg_get_expr(d.adbin, d.adrelid),
		       COALESCE(col_description(a.attrelid, a.attnum), '')
		FROM pg_attribute a
		JOIN pg_class c ON c.oid = a.attrelid
		JOIN pg_namespace n ON n.oid = c.relnamespace
		LEFT JOIN pg_attrdef d ON d.adrelid = a.attrelid AND d.adnum = a.attnum
		WHERE n.nspname = current_schema() AND c.relname = $1
		  AND a.attnum > 0 AND NOT a.attisdropped
		ORDER BY a.attnum
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

func (postgresCatalog) primaryKeys(ctx context.Context, q querier, table string) ([]string, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT a.attname
		FROM pg_index i
		JOIN pg_class c ON c.oid = i.indrelid
		JOIN pg_namespace n ON n.oid = c.relnamespace
		JOIN LATERAL unnest(i.indkey) WITH ORDINALITY AS k(attnum, ord) ON true
		JOIN pg_attribute a ON a.attrelid = c.oid AND a.attnum = k.attnum
		WHERE n.nspname = current_schema() AND c.relname = $1 AND i.indisprimary
		ORDER BY k.ord
	`, table)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanStrings(rows)
}

func (postgresCatalog) foreignKeys(ctx context.Context, q querier, table string) ([]ForeignKeyInfo, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT kcu.column_name, ccu.table_name, ccu.column_name, rc.delete_rule, rc.update_rule
		FROM information_schema.table_constraints tc
		JOIN information_schema.key_column_usage kcu
		  ON kcu.constraint_name = tc.constraint_name AND kcu.constraint_schema = tc.constraint_schema
		JOIN information_schema.referential_constraints rc
		  ON rc.constraint_name = tc.constraint_name AND rc.constraint_schema = tc.constraint_schema
		JOIN information_schema.constraint_column_usage ccu
		  ON ccu.constraint_name = rc.unique_constraint_name AND ccu.constraint_schema = rc.unique_constraint_schema
		WHERE tc.constraint_type = 'FOREIGN KEY'
		  AND tc.table_schema = current_schema() AND tc.table_name = $1
		ORDER BY tc.constraint_name, kcu.ordinal_position
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

func (postgresCatalog) indexes(ctx context.Context, q querier, table string) ([]IndexInfo, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT ic.relname, i.indisunique, a.attname
		FROM pg_index i
		JOIN pg_class c ON c.oid = i.indrelid
		JOIN pg_class ic ON ic.oid = i.indexrelid
		JOIN pg_namespace n ON n.oid = c.relnamespace
		JOIN LATERAL unnest(i.indkey) WITH ORDINALITY AS k(attnum, ord) ON true
		LEFT JOIN pg_attribute a ON a.attrelid = c.oid AND a.attnum = k.attnum
		WHERE n.nspname = current_schema() AND c.relname = $1
		ORDER BY ic.relname, k.ord
	`, table)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return groupIndexes(rows)
}
