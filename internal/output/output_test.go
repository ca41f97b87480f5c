package output

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/Dicklesworthstone/sqlgate/internal/core"
	"github.com/Dicklesworthstone/sqlgate/internal/db"
	"github.com/Dicklesworthstone/sqlgate/internal/schema"
)

func TestParseFormat(t *testing.T) {
	tests := []struct {
		in      string
		want    Format
		wantErr bool
	}{
		{"", FormatText, false},
		{"text", FormatText, false},
		{"JSON", FormatJSON, false},
		{"yaml", "", true},
	}
	for _, tt := range tests {
		got, err := ParseFormat(tt.in)
		if (err != nil) != tt.wantErr || got != tt.want {
			t.Errorf("ParseFormat(%q) = %q, %v", tt.in, got, err)
		}
	}
}

func TestWriteOutcomeResult(t *testing.T) {
	var buf bytes.Buffer
	out := &core.Outcome{
		Phase: core.PhaseCompleted,
		Result: &core.ExecutionResult{
			Status:  db.ExecSuccess,
			Columns: []string{"id", "customer", "total"},
			Rows:    [][]any{{int64(1), "acme", 42.5}},
		},
	}
	if err := New(&buf, FormatText).Write(out); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	got := buf.String()
	for _, want := range []string{"CUSTOMER", "acme", "42.5", "1 rows"} {
		if !strings.Contains(got, want) {
			t.Errorf("output missing %q:\n%s", want, got)
		}
	}
	if strings.Contains(got, "truncated") {
		t.Errorf("output claims truncation:\n%s", got)
	}
}

func TestWriteOutcomeRejection(t *testing.T) {
	var buf bytes.Buffer
	out := &core.Outcome{
		Phase:     core.PhaseRejected,
		Rejection: &core.Rejection{Kind: core.RejectDenied, Reason: core.ReasonDenied, Detail: "no", ApprovalID: "abc"},
	}
	if err := New(&buf, FormatText).Write(out); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	if !strings.Contains(buf.String(), "rejected (denied): denied by reviewer") {
		t.Errorf("output:\n%s", buf.String())
	}
}

func TestWriteJSON(t *testing.T) {
	var buf bytes.Buffer
	a := &db.Approval{ID: "id-1", State: db.StatePending, CreatedAt: time.Now(), ExpiresAt: time.Now().Add(time.Minute)}
	if err := New(&buf, FormatJSON).Write([]*db.Approval{a}); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	var decoded []map[string]any
	if err := json.Unmarshal(buf.Bytes(), &decoded); err != nil {
		t.Fatalf("invalid json: %v\n%s", err, buf.String())
	}
	if decoded[0]["state"] != "pending" {
		t.Errorf("decoded = %v", decoded)
	}
}

func TestWriteApprovals(t *testing.T) {
	var buf bytes.Buffer
	now := time.Now()
	list := []*db.Approval{{
		ID: "id-1", State: db.StatePending, Kind: db.KindDelete, Tables: []string{"admin"},
		SQL: "DELETE FROM admin WHERE id=1", CreatedAt: now.Add(-time.Minute), ExpiresAt: now.Add(4 * time.Minute),
	}}
	if err := New(&buf, FormatText).Write(list); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	for _, want := range []string{"id-1", "DELETE FROM admin", "ago", "from now"} {
		if !strings.Contains(buf.String(), want) {
			t.Errorf("output missing %q:\n%s", want, buf.String())
		}
	}

	buf.Reset()
	_ = New(&buf, FormatText).Write([]*db.Approval{})
	if !strings.Contains(buf.String(), "No approvals.") {
		t.Errorf("empty list output = %q", buf.String())
	}
}

func TestWriteSnapshot(t *testing.T) {
	var buf bytes.Buffer
	def := "0"
	snap := &schema.Snapshot{
		Database: "target", Dialect: "sqlite", CapturedAt: time.Now(),
		Tables: []schema.TableInfo{{
			Name:     "marks",
			RowCount: 3,
			Columns: []schema.ColumnInfo{
				{Name: "id", Type: "INTEGER", PrimaryKey: true},
				{Name: "score", Type: "INTEGER", Nullable: false, Default: &def},
			},
			ForeignKeys: []schema.ForeignKeyInfo{{Column: "student_id", RefTable: "student", RefColumn: "id", OnDelete: "CASCADE"}},
		}},
	}
	if err := New(&buf, FormatText).Write(snap); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	for _, want := range []string{"marks (3 rows)", "fk student_id -> student.id (on delete cascade)", "SCORE"} {
		if !strings.Contains(buf.String(), want) && !strings.Contains(buf.String(), strings.ToLower(want)) {
			t.Errorf("output missing %q:\n%s", want, buf.String())
		}
	}
}

func TestTruncate(t *testing.T) {
	if got := Truncate("SELECT  *\n FROM orders", 100); got != "SELECT * FROM orders" {
		t.Errorf("Truncate() = %q", got)
	}
	if got := Truncate("abcdefghij", 6); got != "abc..." {
		t.Errorf("Truncate() = %q", got)
	}
}
