package components

import (
	"strings"

	"github.com/charmbracelet/lipgloss"
)

// Column defines a table column.
type Column struct {
	Header   string
	Width    int // fixed width, 0 sizes to content
	MinWidth int
	MaxWidth int
	Align    lipgloss.Position
}

// Table renders rows of cells with a header and an optional selected row.
type Table struct {
	Columns     []Column
	Rows        [][]string
	SelectedRow int
	ShowHeader  bool
	Striped     bool
	// Accent colors the first cell of a row; nil leaves it plain.
	Accent func(row int) lipgloss.Color
}

// NewTable creates a table with a header and striping.
func NewTable(columns []Column) *Table {
	return &Table{
		Columns:     columns,
		ShowHeader:  true,
		Striped:     true,
		SelectedRow: -1,
	}
}

// AddRow appends one row.
func (t *Table) AddRow(cells ...string) *Table {
	t.Rows = append(t.Rows, cells)
	return t
}

// WithRows replaces all rows.
func (t *Table) WithRows(rows [][]string) *Table {
	t.Rows = rows
	return t
}

// WithSelection highlights row idx. -1 selects nothing.
func (t *Table) WithSelection(idx int) *Table {
	t.SelectedRow = idx
	return t
}

// WithAccent colors the first cell of each row.
func (t *Table) WithAccent(fn func(row int) lipgloss.Color) *Table {
	t.Accent = fn
	return t
}

// WithoutStripes disables striping.
func (t *Table) WithoutStripes() *Table {
	t.Striped = false
	return t
}

// Render draws the table.
func (t *Table) Render() string {
	p := Current
	if len(t.Columns) == 0 {
		return ""
	}
	widths := t.calculateWidths()

	var lines []string
	if t.ShowHeader {
		headerStyle := lipgloss.NewStyle().Bold(true).Foreground(p.Blue)
		cells := make([]string, len(t.Columns))
		for i, col := range t.Columns {
			cells[i] = headerStyle.Render(padCell(col.Header, widths[i], col.Align))
		}
		lines = append(lines, strings.Join(cells, " "))
		lines = append(lines, lipgloss.NewStyle().Foreground(p.Overlay0).Render(strings.Repeat("─", totalWidth(widths))))
	}

	for rowIdx, row := range t.Rows {
		base := lipgloss.NewStyle().Foreground(p.Text)
		switch {
		case rowIdx == t.SelectedRow:
			base = base.Background(p.Surface1).Bold(true)
		case t.Striped && rowIdx%2 == 1:
			base = base.Background(p.Surface0)
		}

		cells := make([]string, len(t.Columns))
		for i, col := range t.Columns {
			content := ""
			if i < len(row) {
				content = row[i]
			}
			style := base
			if i == 0 && t.Accent != nil {
				style = style.Foreground(t.Accent(rowIdx))
			}
			cells[i] = style.Render(padCell(content, widths[i], col.Align))
		}
		lines = append(lines, strings.Join(cells, " "))
	}
	return strings.Join(lines, "\n")
}

func (t *Table) calculateWidths() []int {
	widths := make([]int, len(t.Columns))
	for i, col := range t.Columns {
		if col.Width > 0 {
			widths[i] = col.Width
		} else {
			widths[i] = runeLen(col.Header)
		}
		if col.MinWidth > 0 && widths[i] < col.MinWidth {
			widths[i] = col.MinWidth
		}
	}

	for _, row := range t.Rows {
		for i, cell := range row {
			if i >= len(widths) || t.Columns[i].Width > 0 {
				continue
			}
			if n := runeLen(cell); n > widths[i] {
				widths[i] = n
			}
		}
	}

	for i, col := range t.Columns {
		if col.MaxWidth > 0 && widths[i] > col.MaxWidth {
			widths[i] = col.MaxWidth
		}
	}
	return widths
}

func totalWidth(widths []int) int {
	total := 0
	for _, w := range widths {
		total += w
	}
	if len(widths) > 1 {
		total += len(widths) - 1
	}
	return total
}

// padCell pads or truncates content to width runes.
func padCell(content string, width int, align lipgloss.Position) string {
	content = strings.ReplaceAll(content, "\n", " ")
	content = Truncate(content, width)

	padding := width - runeLen(content)
	switch align {
	case lipgloss.Right:
		return strings.Repeat(" ", padding) + content
	case lipgloss.Center:
		left := padding / 2
		return strings.Repeat(" ", left) + content + strings.Repeat(" ", padding-left)
	default:
		return content + strings.Repeat(" ", padding)
	}
}

// Truncate shortens s to max runes, ending in "..." when there is room.
func Truncate(s string, max int) string {
	if max <= 0 {
		return ""
	}
	rs := []rune(s)
	if len(rs) <= max {
		return s
	}
	if max <= 3 {
		return string(rs[:max])
	}
	return string(rs[:max-3]) + "..."
}

func runeLen(s string) int { return len([]rune(s)) }

// RenderTable is a convenience for a one-off table.
func RenderTable(columns []Column, rows [][]string) string {
	return NewTable(columns).WithRows(rows).Render()
}
