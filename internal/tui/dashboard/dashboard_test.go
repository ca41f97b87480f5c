package dashboard

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/Dicklesworthstone/sqlgate/internal/core"
	"github.com/Dicklesworthstone/sqlgate/internal/db"
)

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type fakeSource struct {
	mu        sync.Mutex
	pending   []*db.Approval
	recent    []*db.ExecutionRecord
	listErr   error
	decisions []string
	decideErr error
}

func (f *fakeSource) ListPending(context.Context) ([]*db.Approval, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listErr != nil {
		return nil, f.listErr
	}
	return append([]*db.Approval(nil), f.pending...), nil
}

func (f *fakeSource) RecentExecutions(context.Context, int) ([]*db.ExecutionRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.recent, nil
}

func (f *fakeSource) Decide(_ context.Context, id string, d db.Decision, decider, reason string) (*db.Approval, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.decisions = append(f.decisions, strings.Join([]string{id, string(d), decider, reason}, "|"))
	if f.decideErr != nil {
		return nil, f.decideErr
	}
	state := db.StateApproved
	if d == db.DecisionDeny {
		state = db.StateDenied
	}
	for i, a := range f.pending {
		if a.ID == id {
			f.pending = append(f.pending[:i], f.pending[i+1:]...)
			cp := *a
			cp.State = state
			cp.Decider = decider
			return &cp, nil
		}
	}
	return nil, db.ErrApprovalNotFound
}

func approval(id string, kind db.StatementKind, sql string) *db.Approval {
	return &db.Approval{
		ID:         id,
		ToolCallID: "call-" + id,
		SessionID:  "agent-1",
		SQL:        sql,
		Kind:       kind,
		Tables:     []string{"orders"},
		State:      db.StatePending,
		CreatedAt:  testNow.Add(-time.Minute),
		ExpiresAt:  testNow.Add(4 * time.Minute),
	}
}

func newModel(t *testing.T, src *fakeSource, events <-chan core.Event) Model {
	t.Helper()
	m := New(context.Background(), Options{
		Source:   src,
		Reviewer: "alice",
		Events:   events,
		Now:      func() time.Time { return testNow },
	})
	return step(t, m, tea.WindowSizeMsg{Width: 120, Height: 40})
}

// step applies msg and returns the resulting model.
func step(t *testing.T, m Model, msg tea.Msg) Model {
	t.Helper()
	next, _ := m.Update(msg)
	return next.(Model)
}

// run executes cmd and feeds its message back, returning the new model.
func run(t *testing.T, m Model, cmd tea.Cmd) Model {
	t.Helper()
	if cmd == nil {
		t.Fatal("expected a command")
	}
	return step(t, m, cmd())
}

func keyRune(r rune) tea.KeyMsg { return tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune{r}} }

func loaded(t *testing.T, src *fakeSource) Model {
	t.Helper()
	m := newModel(t, src, nil)
	return run(t, m, m.loadCmd())
}

func TestViewBeforeResize(t *testing.T) {
	m := New(context.Background(), Options{Source: &fakeSource{}})
	if got := m.View(); got != "Loading..." {
		t.Fatalf("View() = %q", got)
	}
	if m.Init() == nil {
		t.Fatal("Init should return a command")
	}
}

func TestLoadShowsPending(t *testing.T) {
	src := &fakeSource{
		pending: []*db.Approval{
			approval("aaaaaaaa-1", db.KindDelete, "DELETE FROM orders WHERE id = 7"),
			approval("bbbbbbbb-2", db.KindUpdate, "UPDATE orders SET total = 0"),
		},
		recent: []*db.ExecutionRecord{
			{ToolCallID: "c1", SQL: "SELECT 1", Kind: db.KindSelect, Status: db.ExecSuccess, ReturnedRows: 1, CreatedAt: testNow},
		},
	}
	m := loaded(t, src)

	if len(m.pending) != 2 {
		t.Fatalf("pending = %d, want 2", len(m.pending))
	}
	view := m.View()
	for _, want := range []string{"Pending (2)", "aaaaaaaa", "DELETE FROM orders WHERE id = 7", "4:00", "reviewer: alice", "polling", "SELECT 1"} {
		if !strings.Contains(view, want) {
			t.Errorf("view missing %q", want)
		}
	}
}

func TestEmptyState(t *testing.T) {
	m := loaded(t, &fakeSource{})
	view := m.View()
	if !strings.Contains(view, "Nothing awaiting review") {
		t.Error("expected empty pending message")
	}
	if !strings.Contains(view, "No executions yet") {
		t.Error("expected empty executions message")
	}
	if m.Selected() != nil {
		t.Error("nothing should be selected")
	}
}

func TestLoadErrorKeepsPreviousData(t *testing.T) {
	src := &fakeSource{pending: []*db.Approval{approval("aaaaaaaa-1", db.KindInsert, "INSERT INTO orders VALUES (1)")}}
	m := loaded(t, src)

	src.listErr = errors.New("state store locked")
	m = run(t, m, m.loadCmd())
	if len(m.pending) != 1 {
		t.Fatalf("pending = %d, want previous 1", len(m.pending))
	}
	if !strings.Contains(m.View(), "state store locked") {
		t.Error("expected error in footer")
	}
}

func TestSelectionClamps(t *testing.T) {
	src := &fakeSource{pending: []*db.Approval{
		approval("aaaaaaaa-1", db.KindDelete, "DELETE FROM orders"),
		approval("bbbbbbbb-2", db.KindDelete, "DELETE FROM orders WHERE id = 2"),
	}}
	m := loaded(t, src)

	m = step(t, m, keyRune('k'))
	if m.Selected().ID != "aaaaaaaa-1" {
		t.Fatalf("selected %s after up at top", m.Selected().ID)
	}
	m = step(t, m, keyRune('j'))
	m = step(t, m, keyRune('j'))
	if m.Selected().ID != "bbbbbbbb-2" {
		t.Fatalf("selected %s after down past end", m.Selected().ID)
	}

	// The selected row disappears; selection falls back inside the list.
	src.pending = src.pending[:1]
	m = run(t, m, m.loadCmd())
	if m.Selected() == nil || m.Selected().ID != "aaaaaaaa-1" {
		t.Fatalf("selection not clamped: %+v", m.Selected())
	}
}

func TestApprove(t *testing.T) {
	src := &fakeSource{pending: []*db.Approval{approval("aaaaaaaa-1", db.KindUpdate, "UPDATE orders SET total = 1")}}
	m := loaded(t, src)

	next, cmd := m.Update(keyRune('a'))
	m = next.(Model)
	if cmd == nil {
		t.Fatal("approve should start the decision")
	}
	if m.deciding != "aaaaaaaa-1" {
		t.Fatalf("deciding = %q", m.deciding)
	}

	// A second press while deciding is ignored.
	if _, again := m.Update(keyRune('a')); again != nil {
		t.Error("approve while deciding should be a no-op")
	}

	m = step(t, m, m.decideCmd("aaaaaaaa-1", db.DecisionApprove, "")())
	if m.deciding != "" {
		t.Error("deciding should clear after the decision")
	}
	if !strings.Contains(m.status, "approved") {
		t.Errorf("status = %q", m.status)
	}
	if len(src.decisions) != 1 || src.decisions[0] != "aaaaaaaa-1|approve|alice|" {
		t.Fatalf("decisions = %v", src.decisions)
	}
}

func TestDenyWithReason(t *testing.T) {
	src := &fakeSource{pending: []*db.Approval{approval("aaaaaaaa-1", db.KindDDL, "DROP TABLE orders")}}
	m := loaded(t, src)

	m = step(t, m, keyRune('d'))
	if m.mode != modeReason {
		t.Fatal("deny should open the reason prompt")
	}
	for _, r := range "too risky" {
		m = step(t, m, keyRune(r))
	}
	if !strings.Contains(m.View(), "deny reason>") {
		t.Error("prompt not rendered")
	}

	next, cmd := m.Update(tea.KeyMsg{Type: tea.KeyEnter})
	m = next.(Model)
	if m.mode != modeList || cmd == nil {
		t.Fatal("enter should submit the denial")
	}
	m = step(t, m, m.decideCmd(m.deciding, db.DecisionDeny, "too risky")())

	if len(src.decisions) != 1 || src.decisions[0] != "aaaaaaaa-1|deny|alice|too risky" {
		t.Fatalf("decisions = %v", src.decisions)
	}
	if !strings.Contains(m.status, "denied") {
		t.Errorf("status = %q", m.status)
	}
}

func TestDenyCancel(t *testing.T) {
	src := &fakeSource{pending: []*db.Approval{approval("aaaaaaaa-1", db.KindDelete, "DELETE FROM orders")}}
	m := loaded(t, src)

	m = step(t, m, keyRune('d'))
	m = step(t, m, tea.KeyMsg{Type: tea.KeyEsc})
	if m.mode != modeList {
		t.Fatal("esc should close the prompt")
	}
	// q in the prompt is text, not quit.
	m = step(t, m, keyRune('d'))
	m = step(t, m, keyRune('q'))
	if m.mode != modeReason || m.reason.Value() != "q" {
		t.Fatalf("q inside the prompt should be typed, mode=%v value=%q", m.mode, m.reason.Value())
	}
	if len(src.decisions) != 0 {
		t.Fatalf("no decision expected, got %v", src.decisions)
	}
}

func TestDecideConflictShowsError(t *testing.T) {
	src := &fakeSource{
		pending:   []*db.Approval{approval("aaaaaaaa-1", db.KindDelete, "DELETE FROM orders")},
		decideErr: errors.New("approval aaaaaaaa-1 already denied"),
	}
	m := loaded(t, src)
	m = step(t, m, keyRune('a'))
	m = step(t, m, m.decideCmd("aaaaaaaa-1", db.DecisionApprove, "")())
	if m.lastErr == nil || !strings.Contains(m.View(), "already denied") {
		t.Fatal("expected the conflict in the footer")
	}
}

func TestQuit(t *testing.T) {
	m := loaded(t, &fakeSource{})
	_, cmd := m.Update(keyRune('q'))
	if cmd == nil {
		t.Fatal("expected quit command")
	}
	if _, ok := cmd().(tea.QuitMsg); !ok {
		t.Fatal("q should quit")
	}
}

func TestLiveEvents(t *testing.T) {
	events := make(chan core.Event, 1)
	src := &fakeSource{}
	m := newModel(t, src, events)
	if !m.live || !strings.Contains(m.View(), "live") {
		t.Fatal("expected live mode")
	}

	a := approval("cccccccc-3", db.KindInsert, "INSERT INTO orders VALUES (3)")
	src.pending = []*db.Approval{a}
	events <- core.Event{Type: core.EventApprovalPending, Approval: a, At: testNow}

	m = run(t, m, waitEvent(events))
	if !strings.Contains(m.status, "cccccccc") {
		t.Errorf("status = %q", m.status)
	}

	close(events)
	m = run(t, m, waitEvent(events))
	if m.live {
		t.Fatal("closed stream should fall back to polling")
	}
}

func TestHelpToggle(t *testing.T) {
	m := loaded(t, &fakeSource{})
	short := m.View()
	m = step(t, m, keyRune('?'))
	if !m.help.ShowAll {
		t.Fatal("? should expand help")
	}
	if !strings.Contains(m.View(), "cancel") || strings.Contains(short, "cancel") {
		t.Error("full help should list the prompt keys")
	}
}

func TestCountdown(t *testing.T) {
	tests := []struct {
		d    time.Duration
		want string
	}{
		{-time.Second, "expired"},
		{0, "expired"},
		{42 * time.Second, "0:42"},
		{4*time.Minute + 5*time.Second, "4:05"},
		{90 * time.Minute, "1h30m"},
	}
	for _, tt := range tests {
		if got := Countdown(testNow, testNow.Add(tt.d)); got != tt.want {
			t.Errorf("Countdown(%v) = %q, want %q", tt.d, got, tt.want)
		}
	}
}

func TestClampSelection(t *testing.T) {
	tests := []struct {
		sel, off, total, visible int
		wantSel, wantOff         int
	}{
		{0, 0, 0, 5, 0, 0},
		{-1, 0, 3, 5, 0, 0},
		{5, 0, 3, 5, 2, 0},
		{7, 0, 10, 3, 7, 5},
		{1, 4, 10, 3, 1, 1},
	}
	for _, tt := range tests {
		sel, off := clampSelection(tt.sel, tt.off, tt.total, tt.visible)
		if sel != tt.wantSel || off != tt.wantOff {
			t.Errorf("clampSelection(%d,%d,%d,%d) = %d,%d want %d,%d",
				tt.sel, tt.off, tt.total, tt.visible, sel, off, tt.wantSel, tt.wantOff)
		}
	}
}
