// Package dashboard is the reviewer's view of pending approvals.
package dashboard

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/help"
	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"

	"github.com/Dicklesworthstone/sqlgate/internal/core"
	"github.com/Dicklesworthstone/sqlgate/internal/db"
	"github.com/Dicklesworthstone/sqlgate/internal/tui/components"
)

const (
	defaultRefreshInterval = 2 * time.Second
	callTimeout            = 10 * time.Second
	recentLimit            = 8
)

// Source is where the dashboard reads approvals and records decisions.
type Source interface {
	ListPending(ctx context.Context) ([]*db.Approval, error)
	RecentExecutions(ctx context.Context, limit int) ([]*db.ExecutionRecord, error)
	Decide(ctx context.Context, id string, decision db.Decision, decider, reason string) (*db.Approval, error)
}

// Options configures a dashboard.
type Options struct {
	Source Source
	// Reviewer is recorded as the decider.
	Reviewer string
	// RefreshInterval is how often the source is polled. Live events, when
	// available, trigger an immediate reload as well.
	RefreshInterval time.Duration
	// Events is an optional live event stream.
	Events <-chan core.Event
	// Now is the clock, for tests.
	Now func() time.Time
}

type mode int

const (
	modeList mode = iota
	modeReason
)

type tickMsg struct{}

type dataMsg struct {
	pending     []*db.Approval
	recent      []*db.ExecutionRecord
	err         error
	refreshedAt time.Time
}

type eventMsg struct{ event core.Event }

type eventsClosedMsg struct{}

type decidedMsg struct {
	approval *db.Approval
	decision db.Decision
	err      error
}

type keyMap struct {
	Up      key.Binding
	Down    key.Binding
	Approve key.Binding
	Deny    key.Binding
	Refresh key.Binding
	Help    key.Binding
	Quit    key.Binding
	Submit  key.Binding
	Cancel  key.Binding
}

func defaultKeys() keyMap {
	return keyMap{
		Up:      key.NewBinding(key.WithKeys("up", "k"), key.WithHelp("↑/k", "up")),
		Down:    key.NewBinding(key.WithKeys("down", "j"), key.WithHelp("↓/j", "down")),
		Approve: key.NewBinding(key.WithKeys("a"), key.WithHelp("a", "approve")),
		Deny:    key.NewBinding(key.WithKeys("d", "x"), key.WithHelp("d", "deny")),
		Refresh: key.NewBinding(key.WithKeys("r"), key.WithHelp("r", "refresh")),
		Help:    key.NewBinding(key.WithKeys("?"), key.WithHelp("?", "help")),
		Quit:    key.NewBinding(key.WithKeys("q", "ctrl+c"), key.WithHelp("q", "quit")),
		Submit:  key.NewBinding(key.WithKeys("enter"), key.WithHelp("enter", "deny")),
		Cancel:  key.NewBinding(key.WithKeys("esc"), key.WithHelp("esc", "cancel")),
	}
}

func (k keyMap) ShortHelp() []key.Binding {
	return []key.Binding{k.Approve, k.Deny, k.Refresh, k.Help, k.Quit}
}

func (k keyMap) FullHelp() [][]key.Binding {
	return [][]key.Binding{
		{k.Up, k.Down},
		{k.Approve, k.Deny, k.Submit, k.Cancel},
		{k.Refresh, k.Help, k.Quit},
	}
}

// Model is the dashboard Bubble Tea model.
type Model struct {
	opts Options
	ctx  context.Context
	keys keyMap
	help help.Model

	ready  bool
	width  int
	height int

	mode    mode
	reason  textinput.Model
	spinner spinner.Model

	pending []*db.Approval
	recent  []*db.ExecutionRecord
	sel     int
	off     int

	deciding    string
	status      string
	lastErr     error
	lastRefresh time.Time
	live        bool
}

// New creates a dashboard bound to ctx; source calls stop when it ends.
func New(ctx context.Context, opts Options) Model {
	if opts.RefreshInterval <= 0 {
		opts.RefreshInterval = defaultRefreshInterval
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	ti := textinput.New()
	ti.Placeholder = "reason (optional)"
	ti.CharLimit = 200
	ti.Prompt = "deny reason> "

	return Model{
		opts:    opts,
		ctx:     ctx,
		keys:    defaultKeys(),
		help:    help.New(),
		reason:  ti,
		spinner: components.DecidingSpinner(),
		live:    opts.Events != nil,
	}
}

func (m Model) Init() tea.Cmd {
	cmds := []tea.Cmd{m.loadCmd(), m.tickCmd()}
	if m.opts.Events != nil {
		cmds = append(cmds, waitEvent(m.opts.Events))
	}
	return tea.Batch(cmds...)
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width, m.height = msg.Width, msg.Height
		m.help.Width = msg.Width
		m.ready = true
		return m, nil

	case tickMsg:
		return m, tea.Batch(m.loadCmd(), m.tickCmd())

	case dataMsg:
		m.lastErr = msg.err
		if msg.err == nil {
			m.pending = msg.pending
			m.recent = msg.recent
			m.lastRefresh = msg.refreshedAt
		}
		m.sel, m.off = clampSelection(m.sel, m.off, len(m.pending), m.visibleRows())
		return m, nil

	case eventMsg:
		if msg.event.Type == core.EventApprovalPending && msg.event.Approval != nil {
			m.status = "new request " + shortID(msg.event.Approval.ID)
		}
		return m, tea.Batch(m.loadCmd(), waitEvent(m.opts.Events))

	case eventsClosedMsg:
		m.live = false
		m.status = "live updates stopped; polling"
		return m, nil

	case decidedMsg:
		m.deciding = ""
		if msg.err != nil {
			m.lastErr = msg.err
			m.status = ""
		} else {
			m.lastErr = nil
			m.status = fmt.Sprintf("%s %s", shortID(msg.approval.ID), msg.approval.State)
		}
		return m, m.loadCmd()

	case spinner.TickMsg:
		if m.deciding == "" {
			return m, nil
		}
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd

	case tea.KeyMsg:
		if m.mode == modeReason {
			return m.updateReason(msg)
		}
		return m.updateList(msg)
	}
	return m, nil
}

func (m Model) updateList(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch {
	case key.Matches(msg, m.keys.Quit):
		return m, tea.Quit
	case key.Matches(msg, m.keys.Up):
		m.moveSelection(-1)
	case key.Matches(msg, m.keys.Down):
		m.moveSelection(1)
	case key.Matches(msg, m.keys.Refresh):
		return m, m.loadCmd()
	case key.Matches(msg, m.keys.Help):
		m.help.ShowAll = !m.help.ShowAll
	case key.Matches(msg, m.keys.Approve):
		a := m.Selected()
		if a == nil || m.deciding != "" {
			return m, nil
		}
		m.deciding = a.ID
		return m, tea.Batch(m.spinner.Tick, m.decideCmd(a.ID, db.DecisionApprove, ""))
	case key.Matches(msg, m.keys.Deny):
		if m.Selected() == nil || m.deciding != "" {
			return m, nil
		}
		m.mode = modeReason
		m.reason.SetValue("")
		return m, m.reason.Focus()
	}
	return m, nil
}

func (m Model) updateReason(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch {
	case key.Matches(msg, m.keys.Cancel):
		m.mode = modeList
		m.reason.Blur()
		return m, nil
	case key.Matches(msg, m.keys.Submit):
		m.mode = modeList
		m.reason.Blur()
		a := m.Selected()
		if a == nil {
			return m, nil
		}
		m.deciding = a.ID
		return m, tea.Batch(m.spinner.Tick, m.decideCmd(a.ID, db.DecisionDeny, strings.TrimSpace(m.reason.Value())))
	}
	var cmd tea.Cmd
	m.reason, cmd = m.reason.Update(msg)
	return m, cmd
}

// Selected returns the highlighted approval, or nil.
func (m Model) Selected() *db.Approval {
	if m.sel < 0 || m.sel >= len(m.pending) {
		return nil
	}
	return m.pending[m.sel]
}

func (m *Model) moveSelection(delta int) {
	m.sel += delta
	m.sel, m.off = clampSelection(m.sel, m.off, len(m.pending), m.visibleRows())
}

func (m Model) visibleRows() int {
	if m.height <= 0 {
		return 6
	}
	return maxInt(3, m.height/3)
}

func (m Model) View() string {
	if !m.ready {
		return "Loading..."
	}
	p := components.Current

	sections := []string{
		m.renderHeader(),
		m.renderPending(),
		m.renderDetail(),
		m.renderRecent(),
	}
	if m.mode == modeReason {
		sections = append(sections, m.reason.View())
	}
	sections = append(sections, m.renderFooter())
	return lipgloss.NewStyle().Foreground(p.Text).Render(lipgloss.JoinVertical(lipgloss.Left, sections...))
}

func (m Model) renderHeader() string {
	p := components.Current
	title := lipgloss.NewStyle().Foreground(p.Mauve).Bold(true).Render("sqlgate approvals")

	dot, label := p.Yellow, "polling"
	if m.live {
		dot, label = p.Green, "live"
	}
	status := lipgloss.NewStyle().Foreground(dot).Render("●") +
		lipgloss.NewStyle().Foreground(p.Subtext).Render(fmt.Sprintf(" %s  reviewer: %s", label, m.opts.Reviewer))

	gap := maxInt(1, m.width-lipgloss.Width(title)-lipgloss.Width(status)-2)
	return lipgloss.NewStyle().Background(p.Mantle).Padding(0, 1).Width(maxInt(0, m.width)).
		Render(title + strings.Repeat(" ", gap) + status)
}

func (m Model) renderPending() string {
	p := components.Current
	title := lipgloss.NewStyle().Foreground(p.Blue).Bold(true).
		Render(fmt.Sprintf("Pending (%d)", len(m.pending)))
	if len(m.pending) == 0 {
		return panel(title+"\n"+lipgloss.NewStyle().Foreground(p.Subtext).Render("Nothing awaiting review"), m.width, true)
	}

	now := m.opts.Now()
	start, end := window(m.off, len(m.pending), m.visibleRows())
	rows := make([][]string, 0, end-start)
	for _, a := range m.pending[start:end] {
		marker := " "
		if a.ID == m.deciding {
			marker = m.spinner.View()
		}
		rows = append(rows, []string{
			string(a.Kind),
			shortID(a.ID),
			strings.Join(a.Tables, ","),
			a.SessionID,
			humanize.RelTime(a.CreatedAt, now, "ago", "from now"),
			Countdown(now, a.ExpiresAt),
			marker,
		})
	}
	table := components.NewTable([]components.Column{
		{Header: "KIND", MinWidth: 6},
		{Header: "ID", Width: 8},
		{Header: "TABLES", MaxWidth: 28},
		{Header: "SESSION", MaxWidth: 16},
		{Header: "AGE", MaxWidth: 16},
		{Header: "EXPIRES", Width: 8, Align: lipgloss.Right},
		{Header: "", Width: 2},
	}).WithRows(rows).WithSelection(m.sel - start).WithAccent(func(i int) lipgloss.Color {
		return components.KindColor(rows[i][0])
	})
	return panel(title+"\n"+table.Render(), m.width, true)
}

func (m Model) renderDetail() string {
	p := components.Current
	a := m.Selected()
	if a == nil {
		return ""
	}
	label := lipgloss.NewStyle().Foreground(p.Subtext)
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s\n", label.Render("approval "), a.ID)
	fmt.Fprintf(&b, "%s %s (session %s)\n", label.Render("tool call"), a.ToolCallID, orDash(a.SessionID))
	fmt.Fprintf(&b, "%s %s\n", label.Render("tables   "), orDash(strings.Join(a.Tables, ", ")))
	fmt.Fprintf(&b, "%s %s\n", label.Render("reason   "), orDash(a.Justification))
	fmt.Fprintf(&b, "%s %s (%s)\n", label.Render("expires  "), a.ExpiresAt.Local().Format("15:04:05"), Countdown(m.opts.Now(), a.ExpiresAt))

	sqlStyle := lipgloss.NewStyle().Foreground(components.KindColor(string(a.Kind)))
	width := maxInt(20, m.width-6)
	b.WriteString(sqlStyle.Width(width).Render(a.SQL))
	return panel(b.String(), m.width, false)
}

func (m Model) renderRecent() string {
	p := components.Current
	title := lipgloss.NewStyle().Foreground(p.Blue).Bold(true).Render("Recent executions")
	if len(m.recent) == 0 {
		return panel(title+"\n"+lipgloss.NewStyle().Foreground(p.Subtext).Render("No executions yet"), m.width, false)
	}
	rows := make([][]string, 0, len(m.recent))
	for _, e := range m.recent {
		rows = append(rows, []string{
			string(e.Status),
			e.CreatedAt.Local().Format("15:04:05"),
			string(e.Kind),
			executionRows(e),
			e.SQL,
		})
	}
	table := components.NewTable([]components.Column{
		{Header: "STATUS", MinWidth: 9},
		{Header: "AT", Width: 8},
		{Header: "KIND", MinWidth: 6},
		{Header: "ROWS", MaxWidth: 10, Align: lipgloss.Right},
		{Header: "SQL", MaxWidth: maxInt(20, m.width-45)},
	}).WithRows(rows).WithoutStripes().WithAccent(func(i int) lipgloss.Color {
		return statusColor(m.recent[i].Status)
	})
	return panel(title+"\n"+table.Render(), m.width, false)
}

func (m Model) renderFooter() string {
	p := components.Current
	right := ""
	switch {
	case m.lastErr != nil:
		right = lipgloss.NewStyle().Foreground(p.Red).Render("error: " + m.lastErr.Error())
	case m.status != "":
		right = lipgloss.NewStyle().Foreground(p.Green).Render(m.status)
	case !m.lastRefresh.IsZero():
		right = lipgloss.NewStyle().Foreground(p.Subtext).
			Render("refreshed " + humanize.RelTime(m.lastRefresh, m.opts.Now(), "ago", "from now"))
	}
	return m.help.View(m.keys) + "  " + right
}

func panel(body string, width int, focused bool) string {
	p := components.Current
	border := p.Overlay0
	if focused {
		border = p.Mauve
	}
	return lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(border).
		Padding(0, 1).
		Width(maxInt(20, width-2)).
		Render(body)
}

func (m Model) tickCmd() tea.Cmd {
	return tea.Tick(m.opts.RefreshInterval, func(time.Time) tea.Msg { return tickMsg{} })
}

func (m Model) loadCmd() tea.Cmd {
	src, parent, now := m.opts.Source, m.ctx, m.opts.Now
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(parent, callTimeout)
		defer cancel()
		pending, err := src.ListPending(ctx)
		if err != nil {
			return dataMsg{err: err}
		}
		recent, err := src.RecentExecutions(ctx, recentLimit)
		if err != nil {
			return dataMsg{err: err}
		}
		return dataMsg{pending: pending, recent: recent, refreshedAt: now()}
	}
}

func (m Model) decideCmd(id string, decision db.Decision, reason string) tea.Cmd {
	src, parent, reviewer := m.opts.Source, m.ctx, m.opts.Reviewer
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(parent, callTimeout)
		defer cancel()
		a, err := src.Decide(ctx, id, decision, reviewer, reason)
		return decidedMsg{approval: a, decision: decision, err: err}
	}
}

func waitEvent(events <-chan core.Event) tea.Cmd {
	return func() tea.Msg {
		ev, ok := <-events
		if !ok {
			return eventsClosedMsg{}
		}
		return eventMsg{event: ev}
	}
}

// Countdown renders the time left until deadline, "expired" once it passes.
func Countdown(now, deadline time.Time) string {
	d := deadline.Sub(now)
	if d <= 0 {
		return "expired"
	}
	d = d.Round(time.Second)
	if d >= time.Hour {
		return fmt.Sprintf("%dh%02dm", int(d.Hours()), int(d.Minutes())%60)
	}
	return fmt.Sprintf("%d:%02d", int(d.Minutes()), int(d.Seconds())%60)
}

func executionRows(e *db.ExecutionRecord) string {
	n := e.AffectedRows
	if e.Kind == db.KindSelect {
		n = int64(e.ReturnedRows)
	}
	s := humanize.Comma(n)
	if e.Truncated {
		s += "+"
	}
	return s
}

func statusColor(s db.ExecutionStatus) lipgloss.Color {
	p := components.Current
	switch s {
	case db.ExecSuccess:
		return p.Green
	case db.ExecRejected:
		return p.Yellow
	default:
		return p.Red
	}
}

func orDash(s string) string {
	if strings.TrimSpace(s) == "" {
		return "-"
	}
	return s
}

func shortID(id string) string {
	if len(id) <= 8 {
		return id
	}
	return id[:8]
}

func window(offset, total, visible int) (start, end int) {
	if visible <= 0 {
		visible = 1
	}
	if offset < 0 {
		offset = 0
	}
	if offset > total {
		offset = total
	}
	start = offset
	end = start + visible
	if end > total {
		end = total
	}
	return start, end
}

func clampSelection(sel, off, total, visible int) (newSel, newOff int) {
	if total <= 0 {
		return 0, 0
	}
	if sel < 0 {
		sel = 0
	}
	if sel >= total {
		sel = total - 1
	}
	if visible <= 0 {
		visible = 1
	}
	if sel < off {
		off = sel
	}
	if sel >= off+visible {
		off = sel - visible + 1
	}
	if off < 0 {
		off = 0
	}
	return sel, off
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
