// Package output renders command results as JSON or human-readable text.
package output

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"
	"github.com/olekukonko/tablewriter"
	"golang.org/x/term"

	"github.com/Dicklesworthstone/sqlgate/internal/core"
	"github.com/Dicklesworthstone/sqlgate/internal/db"
	"github.com/Dicklesworthstone/sqlgate/internal/schema"
)

// Format selects the renderer.
type Format string

const (
	FormatText Format = "text"
	FormatJSON Format = "json"
)

// ParseFormat validates a --output value.
func ParseFormat(s string) (Format, error) {
	switch Format(strings.ToLower(strings.TrimSpace(s))) {
	case "", FormatText:
		return FormatText, nil
	case FormatJSON:
		return FormatJSON, nil
	default:
		return "", fmt.Errorf("unsupported output format %q (want text or json)", s)
	}
}

// Writer renders values to an underlying stream.
type Writer struct {
	w      io.Writer
	format Format
	color  bool
	now    func() time.Time
}

// New creates a Writer. Colors are used only when w is a terminal.
func New(w io.Writer, format Format) *Writer {
	color := false
	if f, ok := w.(*os.File); ok {
		color = term.IsTerminal(int(f.Fd()))
	}
	return &Writer{w: w, format: format, color: color, now: time.Now}
}

// Format returns the writer's format.
func (o *Writer) Format() Format { return o.format }

var (
	errStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("9"))
	okStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	warnStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("11"))
	headStyle = lipgloss.NewStyle().Bold(true)
)

func (o *Writer) style(s lipgloss.Style, text string) string {
	if !o.color {
		return text
	}
	return s.Render(text)
}

// JSON writes v as indented JSON regardless of format.
func (o *Writer) JSON(v any) error {
	enc := json.NewEncoder(o.w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// Write renders v in the writer's format.
func (o *Writer) Write(v any) error {
	if o.format == FormatJSON {
		return o.JSON(v)
	}
	switch x := v.(type) {
	case *core.Outcome:
		return o.outcome(x)
	case *db.Approval:
		return o.approval(x)
	case []*db.Approval:
		return o.approvals(x)
	case []*db.ExecutionRecord:
		return o.executions(x)
	case *schema.Snapshot:
		return o.snapshot(x)
	case map[string]any:
		return o.kv(x)
	default:
		_, err := fmt.Fprintln(o.w, v)
		return err
	}
}

// Printf writes text output only; JSON mode stays machine-readable.
func (o *Writer) Printf(format string, args ...any) {
	if o.format == FormatText {
		fmt.Fprintf(o.w, format, args...)
	}
}

func (o *Writer) outcome(out *core.Outcome) error {
	for _, w := range out.Warnings {
		fmt.Fprintln(o.w, o.style(warnStyle, "warning: ")+w)
	}
	switch {
	case out.Rejection != nil:
		r := out.Rejection
		fmt.Fprintf(o.w, "%s %s\n", o.style(errStyle, "rejected ("+string(r.Kind)+"):"), r.Reason)
		if r.Detail != "" {
			fmt.Fprintf(o.w, "  detail:   %s\n", r.Detail)
		}
		if r.ApprovalID != "" {
			fmt.Fprintf(o.w, "  approval: %s\n", r.ApprovalID)
		}
		return nil
	case out.Schema != nil:
		return o.snapshot(out.Schema)
	case out.Result != nil:
		return o.result(out.Result)
	default:
		fmt.Fprintf(o.w, "phase: %s\n", out.Phase)
		return nil
	}
}

func (o *Writer) result(res *core.ExecutionResult) error {
	if res.Status != db.ExecSuccess {
		fmt.Fprintf(o.w, "%s %s\n", o.style(errStyle, string(res.Status)+":"), res.Error)
		return nil
	}
	if res.Columns != nil {
		RenderRows(o.w, res.Columns, res.Rows)
	}
	summary := fmt.Sprintf("%s rows", humanize.Comma(int64(len(res.Rows))))
	if res.Columns == nil {
		summary = fmt.Sprintf("%s rows affected", humanize.Comma(res.AffectedRows))
	}
	if res.Truncated {
		summary += ", truncated"
	}
	fmt.Fprintf(o.w, "%s (%s)\n", o.style(okStyle, summary), res.Elapsed.Round(time.Microsecond))
	return nil
}

// RenderRows prints rows in the psql style.
func RenderRows(w io.Writer, columns []string, rows [][]any) {
	if len(rows) == 0 {
		fmt.Fprintln(w, "No results.")
		return
	}
	table := tablewriter.NewWriter(w)
	table.SetBorder(false)
	table.SetAutoWrapText(false)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetHeader(columns)
	for _, row := range rows {
		cells := make([]string, len(row))
		for i, v := range row {
			cells[i] = cell(v)
		}
		table.Append(cells)
	}
	table.Render()
}

func cell(v any) string {
	switch x := v.(type) {
	case nil:
		return "NULL"
	case string:
		return x
	case float64:
		return humanize.Ftoa(x)
	default:
		return fmt.Sprint(x)
	}
}

func (o *Writer) approval(a *db.Approval) error {
	fmt.Fprintf(o.w, "%s %s\n", o.style(headStyle, "approval"), a.ID)
	rows := [][2]string{
		{"state", string(a.State)},
		{"kind", string(a.Kind)},
		{"tables", strings.Join(a.Tables, ", ")},
		{"tool call", a.ToolCallID},
		{"session", a.SessionID},
		{"created", fmt.Sprintf("%s (%s)", a.CreatedAt.Local().Format(time.DateTime), humanize.RelTime(a.CreatedAt, o.now(), "ago", "from now"))},
		{"expires", fmt.Sprintf("%s (%s)", a.ExpiresAt.Local().Format(time.DateTime), humanize.RelTime(a.ExpiresAt, o.now(), "ago", "from now"))},
		{"justification", a.Justification},
		{"decider", a.Decider},
		{"reason", a.Reason},
	}
	if a.ConsumedAt != nil {
		rows = append(rows, [2]string{"consumed", a.ConsumedAt.Local().Format(time.DateTime)})
	}
	for _, r := range rows {
		if r[1] != "" {
			fmt.Fprintf(o.w, "  %-14s %s\n", r[0]+":", r[1])
		}
	}
	fmt.Fprintf(o.w, "\n%s\n", a.SQL)
	return nil
}

func (o *Writer) approvals(list []*db.Approval) error {
	if len(list) == 0 {
		fmt.Fprintln(o.w, "No approvals.")
		return nil
	}
	table := tablewriter.NewWriter(o.w)
	table.SetBorder(false)
	table.SetAutoWrapText(false)
	table.SetHeader([]string{"ID", "State", "Kind", "Tables", "Age", "Expires", "SQL"})
	now := o.now()
	for _, a := range list {
		expires := humanize.RelTime(a.ExpiresAt, now, "ago", "from now")
		if a.State.IsTerminal() {
			expires = "-"
		}
		table.Append([]string{
			a.ID,
			string(a.State),
			string(a.Kind),
			strings.Join(a.Tables, ","),
			humanize.RelTime(a.CreatedAt, now, "ago", "from now"),
			expires,
			Truncate(a.SQL, 60),
		})
	}
	table.Render()
	return nil
}

func (o *Writer) executions(list []*db.ExecutionRecord) error {
	if len(list) == 0 {
		fmt.Fprintln(o.w, "No executions.")
		return nil
	}
	table := tablewriter.NewWriter(o.w)
	table.SetBorder(false)
	table.SetAutoWrapText(false)
	table.SetHeader([]string{"When", "Tool call", "Kind", "Status", "Rows", "Duration", "SQL"})
	for _, e := range list {
		rows := humanize.Comma(int64(e.ReturnedRows))
		if !e.Kind.IsRead() {
			rows = humanize.Comma(e.AffectedRows)
		}
		if e.Truncated {
			rows += "+"
		}
		table.Append([]string{
			humanize.RelTime(e.CreatedAt, o.now(), "ago", "from now"),
			e.ToolCallID,
			string(e.Kind),
			string(e.Status),
			rows,
			(time.Duration(e.DurationMs) * time.Millisecond).String(),
			Truncate(e.SQL, 60),
		})
	}
	table.Render()
	return nil
}

func (o *Writer) snapshot(s *schema.Snapshot) error {
	fmt.Fprintf(o.w, "%s %s (%s), captured %s\n", o.style(headStyle, "database"), s.Database, s.Dialect,
		humanize.RelTime(s.CapturedAt, o.now(), "ago", "from now"))
	for _, t := range s.Tables {
		rows := "unknown rows"
		if t.RowCount >= 0 {
			rows = humanize.Comma(t.RowCount) + " rows"
		}
		fmt.Fprintf(o.w, "\n%s (%s)\n", o.style(headStyle, t.Name), rows)

		cols := make([][]any, len(t.Columns))
		for i, c := range t.Columns {
			def := any(nil)
			if c.Default != nil {
				def = *c.Default
			}
			flags := ""
			if c.PrimaryKey {
				flags = "pk"
			}
			if !c.Nullable {
				flags = strings.TrimSpace(flags + " not null")
			}
			cols[i] = []any{c.Name, c.Type, flags, def}
		}
		RenderRows(o.w, []string{"column", "type", "flags", "default"}, cols)

		for _, fk := range t.ForeignKeys {
			fmt.Fprintf(o.w, "  fk %s -> %s.%s (on delete %s)\n", fk.Column, fk.RefTable, fk.RefColumn, strings.ToLower(fk.OnDelete))
		}
		for _, idx := range t.Indexes {
			unique := ""
			if idx.Unique {
				unique = "unique "
			}
			fmt.Fprintf(o.w, "  %sindex %s (%s)\n", unique, idx.Name, strings.Join(idx.Columns, ", "))
		}
	}
	if len(s.Views) > 0 {
		fmt.Fprintf(o.w, "\nviews: %s\n", strings.Join(s.Views, ", "))
	}
	return nil
}

func (o *Writer) kv(m map[string]any) error {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(o.w, "%-16s %v\n", k+":", m[k])
	}
	return nil
}

// Truncate shortens s to n runes on one line.
func Truncate(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	if n <= 3 {
		return string(r[:n])
	}
	return string(r[:n-3]) + "..."
}
