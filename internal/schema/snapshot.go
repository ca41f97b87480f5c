// Package schema introspects the target database and caches immutable snapshots of its structure.
package schema

import (
	"strings"
	"time"

	"github.com/Dicklesworthstone/sqlgate/internal/target"
)

// MaxSampleRows is the hard upper bound on sampled rows per table.
const MaxSampleRows = 5

// Snapshot is an immutable point-in-time capture of schema metadata.
// Callers must not modify a Snapshot obtained from the cache.
type Snapshot struct {
	Database   string         `json:"database"`
	Dialect    target.Dialect `json:"dialect"`
	Tables     []TableInfo    `json:"tables"`
	Views      []string       `json:"views,omitempty"`
	CapturedAt time.Time      `json:"captured_at"`
}

// TableInfo describes one table.
type TableInfo struct {
	Name        string           `json:"name"`
	Columns     []ColumnInfo     `json:"columns"`
	PrimaryKeys []string         `json:"primary_keys"`
	ForeignKeys []ForeignKeyInfo `json:"foreign_keys"`
	Indexes     []IndexInfo      `json:"indexes"`
	// RowCount is approximate on postgres and mysql.
	RowCount   int64            `json:"row_count"`
	SampleRows []map[string]any `json:"sample_rows"`
	Comment    string           `json:"comment,omitempty"`
}

// ColumnInfo describes one column.
type ColumnInfo struct {
	Name       string  `json:"name"`
	Type       string  `json:"type"`
	Nullable   bool    `json:"nullable"`
	PrimaryKey bool    `json:"primary_key"`
	Default    *string `json:"default,omitempty"`
	Comment    string  `json:"comment,omitempty"`
}

// ForeignKeyInfo describes a single-column reference.
type ForeignKeyInfo struct {
	Column    string `json:"column"`
	RefTable  string `json:"ref_table"`
	RefColumn string `json:"ref_column"`
	OnDelete  string `json:"on_delete"`
	OnUpdate  string `json:"on_update"`
}

// IndexInfo describes an index.
type IndexInfo struct {
	Name    string   `json:"name"`
	Columns []string `json:"columns"`
	Unique  bool     `json:"unique"`
}

// Table returns the table with the given name, matched case-insensitively.
func (s *Snapshot) Table(name string) (*TableInfo, bool) {
	if s == nil {
		return nil, false
	}
	name = unqualify(name)
	for i := range s.Tables {
		if strings.EqualFold(s.Tables[i].Name, name) {
			return &s.Tables[i], true
		}
	}
	for _, v := range s.Views {
		if strings.EqualFold(v, name) {
			return &TableInfo{Name: v}, true
		}
	}
	return nil, false
}

// HasTable reports whether the snapshot knows a table or view by that name.
func (s *Snapshot) HasTable(name string) bool {
	_, ok := s.Table(name)
	return ok
}

// TableNames returns the table names in snapshot order.
func (s *Snapshot) TableNames() []string {
	if s == nil {
		return nil
	}
	names := make([]string, len(s.Tables))
	for i, t := range s.Tables {
		names[i] = t.Name
	}
	return names
}

// Age returns how long ago the snapshot was captured.
func (s *Snapshot) Age(now time.Time) time.Duration {
	return now.Sub(s.CapturedAt)
}

// Only returns a new snapshot containing just the named table.
func (s *Snapshot) Only(name string) (*Snapshot, bool) {
	t, ok := s.Table(name)
	if !ok {
		return nil, false
	}
	return &Snapshot{
		Database:   s.Database,
		Dialect:    s.Dialect,
		Tables:     []TableInfo{*t},
		CapturedAt: s.CapturedAt,
	}, true
}

// unqualify strips a schema qualifier such as "public.orders".
func unqualify(name string) string {
	if i := strings.LastIndexByte(name, '.'); i >= 0 {
		return name[i+1:]
	}
	return name
}

func normalizeRule(rule string) string {
	rule = strings.ToUpper(strings.TrimSpace(rule))
	if rule == "" {
		return "NO ACTION"
	}
	return rule
}
