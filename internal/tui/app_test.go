package tui

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/require"

	"github.com/fluxkompensator/postfixer/internal/model"
	"github.com/fluxkompensator/postfixer/internal/session"
)

type fakeSession struct {
	mu        sync.Mutex
	snap      model.Snapshot
	updates   chan struct{}
	done      chan struct{}
	refreshes []string
	keys      []string
	view      session.RateLimiterView
	err       error
}

func newFakeSession(snap model.Snapshot) *fakeSession {
	return &fakeSession{snap: snap, updates: make(chan struct{}, 1), done: make(chan struct{})}
}

func (f *fakeSession) Snapshot() model.Snapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.snap
}
func (f *fakeSession) Updates() <-chan struct{} { return f.updates }
func (f *fakeSession) Done() <-chan struct{}    { return f.done }

func (f *fakeSession) RefreshAll(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refreshes = append(f.refreshes, "all")
	return f.err
}

func (f *fakeSession) RefreshRules(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refreshes = append(f.refreshes, "rules")
	return f.err
}

func (f *fakeSession) RateLimiters(_ context.Context, limit int) (session.RateLimiterView, error) {
	return f.view, f.err
}

func (f *fakeSession) KeyOptions(context.Context) ([]string, error) {
	return f.keys, f.err
}

type call struct {
	op       string
	id       string
	rule     int
	position int
}

type fakeCommands struct {
	calls []call
	err   error
}

func (f *fakeCommands) DeleteRule(_ context.Context, ruleID int) error {
	f.calls = append(f.calls, call{op: "delete_rule", rule: ruleID})
	return f.err
}

func (f *fakeCommands) MoveRule(_ context.Context, ruleID, newPosition int) ([]model.Rule, error) {
	f.calls = append(f.calls, call{op: "move_rule", rule: ruleID, position: newPosition})
	return nil, f.err
}

func (f *fakeCommands) DeleteRateLimiter(_ context.Context, id string) error {
	f.calls = append(f.calls, call{op: "delete_limiter", id: id})
	return f.err
}

func loadedSnapshot() model.Snapshot {
	ts := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)
	return model.Snapshot{
		Readiness:  model.ReadinessReady,
		Connection: model.Connected,
		Loaded:     true,
		UpdatedAt:  ts,
		Records: []model.Record{
			{ID: "2", Timestamp: ts, FinalAction: "DUNNO", Attributes: map[string]any{"sender": "a@example.org", "queue_id": "Q2"}},
			{ID: "1", Timestamp: ts, FinalAction: "REJECT", Attributes: map[string]any{"sender": "a@example.org", "queue_id": "Q1"}},
		},
		Rules: []model.Rule{
			{RuleID: 2, Name: "second"},
			{RuleID: 1, Name: "first"},
			{RuleID: 3, Name: "third"},
		},
	}
}

func newTestModel(t *testing.T, snap model.Snapshot) (*AppModel, *fakeSession, *fakeCommands) {
	t.Helper()
	s := newFakeSession(snap)
	c := &fakeCommands{}
	m := NewAppModel(Config{Session: s, Commands: c, CounterLimit: 10})
	m.Update(tea.WindowSizeMsg{Width: 160, Height: 40})
	return m, s, c
}

func keyMsg(k string) tea.KeyMsg {
	switch k {
	case "tab":
		return tea.KeyMsg{Type: tea.KeyTab}
	case "enter":
		return tea.KeyMsg{Type: tea.KeyEnter}
	case "esc":
		return tea.KeyMsg{Type: tea.KeyEsc}
	}
	return tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune(k)}
}

func press(t *testing.T, m *AppModel, k string) tea.Cmd {
	t.Helper()
	_, cmd := m.Update(keyMsg(k))
	return cmd
}

// run executes cmd, expanding batches, and returns every message.
func run(cmd tea.Cmd) []tea.Msg {
	if cmd == nil {
		return nil
	}
	switch msg := cmd().(type) {
	case tea.BatchMsg:
		var out []tea.Msg
		for _, c := range msg {
			out = append(out, run(c)...)
		}
		return out
	case nil:
		return nil
	default:
		return []tea.Msg{msg}
	}
}

func TestLoadingUntilFirstFetch(t *testing.T) {
	m, _, _ := newTestModel(t, model.Snapshot{Readiness: model.ReadinessProbing})
	view := m.View()
	require.Contains(t, view, "Loading...")
	require.Contains(t, view, "offline")
	require.Contains(t, view, "backend probing")

	// Cached records are shown, marked stale.
	m.Update(snapshotMsg{snap: model.Snapshot{Records: []model.Record{{ID: "c1"}}}})
	view = m.View()
	require.NotContains(t, view, "Loading...")
	require.Contains(t, view, "cached data")
}

func TestSnapshotUpdatesTableAndRearms(t *testing.T) {
	m, s, _ := newTestModel(t, model.Snapshot{})
	require.Empty(t, m.requests.Rows())

	snap := loadedSnapshot()
	_, cmd := m.Update(snapshotMsg{snap: snap})
	require.NotNil(t, cmd)
	require.Len(t, m.requests.Rows(), 2)
	require.Equal(t, "Q2", m.requests.Rows()[0][0])
	require.Len(t, m.rulesList.Items(), 3)
	require.Equal(t, "first", m.rulesList.Items()[0].(ruleItem).Name)
	require.Len(t, m.senderList.Items(), 2)

	s.mu.Lock()
	s.snap.Err = "Failed to fetch data. Please try again."
	s.mu.Unlock()
	s.updates <- struct{}{}
	msg := cmd()
	require.IsType(t, snapshotMsg{}, msg)
	m.Update(msg)
	require.Contains(t, m.View(), "Failed to fetch data")

	close(s.done)
	require.IsType(t, sessionDoneMsg{}, m.waitForUpdate()())
}

func TestRefreshKey(t *testing.T) {
	m, s, _ := newTestModel(t, loadedSnapshot())
	msgs := run(press(t, m, "r"))
	require.Equal(t, []tea.Msg{actionResultMsg{action: "Refresh"}}, msgs)
	require.Equal(t, []string{"all"}, s.refreshes)

	s.err = session.ErrStopped
	msgs = run(press(t, m, "r"))
	require.Equal(t, []tea.Msg{sessionDoneMsg{}}, msgs)
}

func TestMoveRuleCommitsThenRefreshes(t *testing.T) {
	m, s, c := newTestModel(t, loadedSnapshot())
	press(t, m, "2")
	require.Equal(t, tabRules, m.tab)

	// First rule cannot move up.
	require.Nil(t, press(t, m, "K"))

	msgs := run(press(t, m, "J"))
	require.Equal(t, []call{{op: "move_rule", rule: 1, position: 2}}, c.calls)
	require.Equal(t, []string{"rules"}, s.refreshes)
	require.Equal(t, []tea.Msg{actionResultMsg{action: "Move rule"}}, msgs)
	require.Equal(t, 1, m.rulesList.Index())

	// Last rule cannot move down.
	m.rulesList.Select(2)
	require.Nil(t, press(t, m, "J"))
}

func TestDeleteRuleFailureSkipsRefresh(t *testing.T) {
	m, s, c := newTestModel(t, loadedSnapshot())
	press(t, m, "2")
	c.err = errors.New("rule not found")

	msgs := run(press(t, m, "d"))
	require.Equal(t, []call{{op: "delete_rule", rule: 1}}, c.calls)
	require.Empty(t, s.refreshes)
	require.Len(t, msgs, 1)
	res := msgs[0].(actionResultMsg)
	require.EqualError(t, res.err, "rule not found")

	m.Update(res)
	require.Contains(t, m.View(), "Delete rule failed: rule not found")
}

func TestColumnPicker(t *testing.T) {
	m, s, _ := newTestModel(t, loadedSnapshot())
	s.keys = []string{"client_name", "queue_id"}

	msgs := run(press(t, m, "c"))
	require.True(t, m.pickColumns)
	require.Len(t, msgs, 1)
	m.Update(msgs[0])
	require.Len(t, m.columnList.Items(), 5)

	// client_name is the first item and inactive.
	press(t, m, "enter")
	require.Equal(t, []string{"queue_id", "sasl_username", "sender", "recipient", "size", "client_name", "final_action", "timestamp"}, m.Columns())
	require.Equal(t, "Client Name", m.requests.Columns()[5].Title)
	require.Equal(t, "N/A", m.requests.Rows()[0][5])

	press(t, m, "enter")
	require.NotContains(t, m.Columns(), "client_name")

	press(t, m, "esc")
	require.False(t, m.pickColumns)
}

func TestLimitersTab(t *testing.T) {
	m, s, c := newTestModel(t, loadedSnapshot())
	s.view = session.RateLimiterView{
		Limiters: []model.RateLimiter{{ID: "rl1", Key: "sender", Condition: "exact", Value: "a@example.org", Limit: 5, Duration: 10}},
		Counters: []model.RateLimitCounter{{Key: "sender", Value: "a@example.org", Count: 3, LimiterLimit: 5}},
	}

	msgs := run(press(t, m, "3"))
	require.Len(t, msgs, 1)
	m.Update(msgs[0])
	require.Len(t, m.limiterList.Items(), 1)
	require.Contains(t, m.View(), "Top counters")

	s.view = session.RateLimiterView{}
	msgs = run(press(t, m, "d"))
	require.Equal(t, []call{{op: "delete_limiter", id: "rl1"}}, c.calls)
	require.Len(t, msgs, 1)
	m.Update(msgs[0])
	require.Empty(t, m.limiterList.Items())
	require.Contains(t, m.View(), "Delete rate limiter complete")
}

func TestMoveRuleTargetsNeighbourAcrossIDGap(t *testing.T) {
	snap := loadedSnapshot()
	snap.Rules = []model.Rule{
		{RuleID: 4, Name: "fourth"},
		{RuleID: 1, Name: "first"},
		{RuleID: 3, Name: "third"},
	}
	m, _, c := newTestModel(t, snap)
	press(t, m, "2")

	m.rulesList.Select(1)
	run(press(t, m, "K"))
	require.Equal(t, []call{{op: "move_rule", rule: 3, position: 1}}, c.calls)

	c.calls = nil
	m.rulesList.Select(0)
	run(press(t, m, "J"))
	require.Equal(t, []call{{op: "move_rule", rule: 1, position: 3}}, c.calls)

	// #4 is the last row even though it is not rule number len(rules).
	c.calls = nil
	m.rulesList.Select(2)
	require.Nil(t, press(t, m, "J"))
	require.Empty(t, c.calls)
}
