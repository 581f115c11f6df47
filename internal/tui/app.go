package tui

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/list"
	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/fluxkompensator/postfixer/internal/model"
	"github.com/fluxkompensator/postfixer/internal/session"
	"github.com/fluxkompensator/postfixer/internal/summary"
	"github.com/fluxkompensator/postfixer/internal/util"
)

type tab int

const (
	tabRequests tab = iota
	tabRules
	tabLimiters
	tabSenders
)

var tabNames = []string{"Recent Requests", "Rules", "Rate Limiters", "Senders"}

// actionTimeout bounds a user action including the refresh that follows it.
const actionTimeout = 2 * time.Minute

// Session is the read side the dashboard renders.
type Session interface {
	Snapshot() model.Snapshot
	Updates() <-chan struct{}
	Done() <-chan struct{}
	RefreshAll(ctx context.Context) error
	RefreshRules(ctx context.Context) error
	RateLimiters(ctx context.Context, counterLimit int) (session.RateLimiterView, error)
	KeyOptions(ctx context.Context) ([]string, error)
}

// Commands are the backend mutations the dashboard can trigger.
type Commands interface {
	DeleteRule(ctx context.Context, ruleID int) error
	MoveRule(ctx context.Context, ruleID, newPosition int) ([]model.Rule, error)
	DeleteRateLimiter(ctx context.Context, id string) error
}

type Config struct {
	Session      Session
	Commands     Commands
	CounterLimit int

	// Context is the parent of every command the model starts.
	Context context.Context
}

type AppModel struct {
	session  Session
	commands Commands
	ctx      context.Context
	counters int

	snap   model.Snapshot
	status string

	// View state
	tab         tab
	pickColumns bool
	columns     []string          // active request columns, ordered
	labels      map[string]string // column id -> header
	allColumns  []util.Column

	// Sub-models
	requests    table.Model
	columnList  list.Model
	rulesList   list.Model
	limiterList list.Model
	senderList  list.Model

	limiters session.RateLimiterView

	// Layout
	width, height int
}

func newList(title string) list.Model {
	l := list.New([]list.Item{}, list.NewDefaultDelegate(), 0, 0)
	l.Title = title
	// Remove esc from the list's built-in Quit binding so it doesn't exit sub-views
	l.KeyMap.Quit.SetKeys("q")
	l.SetShowHelp(false)
	return l
}

func NewAppModel(cfg Config) *AppModel {
	ctx := cfg.Context
	if ctx == nil {
		ctx = context.Background()
	}
	m := &AppModel{
		session:     cfg.Session,
		commands:    cfg.Commands,
		ctx:         ctx,
		counters:    cfg.CounterLimit,
		columns:     util.OrderColumns(util.DefaultColumns),
		labels:      map[string]string{},
		requests:    table.New(table.WithFocused(true)),
		columnList:  newList("Columns"),
		rulesList:   newList("Rules"),
		limiterList: newList("Rate Limiters"),
		senderList:  newList("Senders"),
	}
	for _, c := range util.Columns(nil) {
		m.labels[c.ID] = c.Label
	}
	m.applySnapshot(cfg.Session.Snapshot())
	return m
}

func (m *AppModel) Init() tea.Cmd {
	return m.waitForUpdate()
}

// waitForUpdate turns the session's coalesced notifications into messages.
// It is re-armed after each one.
func (m *AppModel) waitForUpdate() tea.Cmd {
	s := m.session
	return func() tea.Msg {
		select {
		case <-s.Updates():
			return snapshotMsg{snap: s.Snapshot()}
		case <-s.Done():
			return sessionDoneMsg{}
		}
	}
}

func (m *AppModel) applySnapshot(s model.Snapshot) {
	m.snap = s
	m.refreshTable()
	m.rulesList.SetItems(ruleItems(s.Rules))
	m.rulesList.Title = fmt.Sprintf("Rules (%d)", len(s.Rules))
	groups := summary.Sort(summary.BySender(s.Records))
	m.senderList.SetItems(sendersToItems(groups))
	m.senderList.Title = fmt.Sprintf("Senders (%d groups)", len(groups))
}

func (m *AppModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		listH := msg.Height - 6 // tabs, status, footer
		for _, l := range []*list.Model{&m.columnList, &m.rulesList, &m.senderList} {
			l.SetSize(msg.Width, listH)
		}
		m.limiterList.SetSize(msg.Width, listH/2)
		m.requests.SetWidth(msg.Width)
		m.requests.SetHeight(listH)
		return m, nil

	case tea.KeyMsg:
		return m.handleKey(msg)

	case snapshotMsg:
		m.applySnapshot(msg.snap)
		return m, m.waitForUpdate()

	case sessionDoneMsg:
		return m, tea.Quit

	case limitersLoadedMsg:
		if msg.err != nil {
			m.status = fmt.Sprintf("Loading rate limiters failed: %v", msg.err)
			return m, nil
		}
		m.limiters = msg.view
		m.limiterList.SetItems(limiterItems(msg.view.Limiters))
		m.limiterList.Title = fmt.Sprintf("Rate Limiters (%d)", len(msg.view.Limiters))
		if msg.action != "" {
			m.status = msg.action + " complete"
			return m, clearStatusAfter(2 * time.Second)
		}
		return m, nil

	case keyOptionsMsg:
		if msg.err != nil {
			m.status = fmt.Sprintf("Loading columns failed: %v", msg.err)
			m.pickColumns = false
			return m, clearStatusAfter(3 * time.Second)
		}
		m.allColumns = util.Columns(msg.keys)
		for _, c := range m.allColumns {
			m.labels[c.ID] = c.Label
		}
		m.columnList.SetItems(columnItems(m.allColumns, m.columns))
		return m, nil

	case actionResultMsg:
		if msg.err != nil {
			m.status = fmt.Sprintf("%s failed: %v", msg.action, msg.err)
		} else {
			m.status = fmt.Sprintf("%s complete", msg.action)
		}
		return m, clearStatusAfter(2 * time.Second)

	case statusMsg:
		if string(msg) == "" {
			m.status = ""
		}
		return m, nil
	}

	return m.delegate(msg)
}

// delegate forwards msg to the active sub-model.
func (m *AppModel) delegate(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmd tea.Cmd
	switch {
	case m.tab == tabRequests && m.pickColumns:
		m.columnList, cmd = m.columnList.Update(msg)
	case m.tab == tabRequests:
		m.requests, cmd = m.requests.Update(msg)
	case m.tab == tabRules:
		m.rulesList, cmd = m.rulesList.Update(msg)
	case m.tab == tabLimiters:
		m.limiterList, cmd = m.limiterList.Update(msg)
	case m.tab == tabSenders:
		m.senderList, cmd = m.senderList.Update(msg)
	}
	return m, cmd
}

func (m *AppModel) filtering() bool {
	switch {
	case m.tab == tabRequests && m.pickColumns:
		return m.columnList.FilterState() == list.Filtering
	case m.tab == tabRules:
		return m.rulesList.FilterState() == list.Filtering
	case m.tab == tabLimiters:
		return m.limiterList.FilterState() == list.Filtering
	case m.tab == tabSenders:
		return m.senderList.FilterState() == list.Filtering
	}
	return false
}

func (m *AppModel) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	key := msg.String()

	// Global keys
	if key == "ctrl+c" {
		return m, tea.Quit
	}
	// When a list is filtering, let it handle all keys except ctrl+c
	if m.filtering() {
		return m.delegate(msg)
	}

	switch key {
	case "q":
		return m, tea.Quit
	case "tab":
		return m.switchTab((m.tab + 1) % tab(len(tabNames)))
	case "shift+tab":
		return m.switchTab((m.tab + tab(len(tabNames)) - 1) % tab(len(tabNames)))
	case "1", "2", "3", "4":
		return m.switchTab(tab(key[0] - '1'))
	case "r":
		m.status = "Refreshing..."
		cmds := []tea.Cmd{m.refreshCmd()}
		if m.tab == tabLimiters {
			cmds = append(cmds, m.loadLimitersCmd())
		}
		return m, tea.Batch(cmds...)
	}

	switch m.tab {
	case tabRequests:
		if m.pickColumns {
			switch key {
			case "esc", "c":
				m.pickColumns = false
				return m, nil
			case "enter", " ":
				return m.toggleSelectedColumn()
			}
			break
		}
		if key == "c" {
			m.pickColumns = true
			return m, m.keyOptionsCmd()
		}
	case tabRules:
		switch key {
		case "d":
			return m.deleteSelectedRule()
		case "K":
			return m.moveSelectedRule(-1)
		case "J":
			return m.moveSelectedRule(1)
		}
	case tabLimiters:
		if key == "d" {
			return m.deleteSelectedLimiter()
		}
	}
	return m.delegate(msg)
}

func (m *AppModel) switchTab(t tab) (tea.Model, tea.Cmd) {
	m.tab = t
	m.pickColumns = false
	if t == tabLimiters {
		return m, m.loadLimitersCmd()
	}
	return m, nil
}

func (m *AppModel) toggleSelectedColumn() (tea.Model, tea.Cmd) {
	selected, ok := m.columnList.SelectedItem().(columnItem)
	if !ok {
		return m, nil
	}
	m.columns = util.ToggleColumn(m.columns, selected.ID)
	idx := m.columnList.Index()
	m.columnList.SetItems(columnItems(m.allColumns, m.columns))
	m.columnList.Select(idx)
	m.refreshTable()
	return m, nil
}

func (m *AppModel) selectedRule() (model.Rule, bool) {
	ri, ok := m.rulesList.SelectedItem().(ruleItem)
	return ri.Rule, ok
}

func (m *AppModel) deleteSelectedRule() (tea.Model, tea.Cmd) {
	rule, ok := m.selectedRule()
	if !ok {
		return m, nil
	}
	m.status = fmt.Sprintf("Deleting rule %q...", rule.Name)
	return m, m.ruleCmd("Delete rule", func(ctx context.Context) error {
		return m.commands.DeleteRule(ctx, rule.RuleID)
	})
}

// moveSelectedRule swaps the rule with its neighbour delta rows away. The
// backend addresses positions by rule id and leaves gaps after a delete, so
// the target is the neighbour's id rather than an offset.
func (m *AppModel) moveSelectedRule(delta int) (tea.Model, tea.Cmd) {
	rule, ok := m.selectedRule()
	if !ok {
		return m, nil
	}
	items := m.rulesList.VisibleItems()
	i := m.rulesList.Index() + delta
	if i < 0 || i >= len(items) {
		return m, nil
	}
	neighbour, ok := items[i].(ruleItem)
	if !ok {
		return m, nil
	}
	target := neighbour.RuleID
	m.status = fmt.Sprintf("Moving rule %q to position %d...", rule.Name, target)
	m.rulesList.Select(m.rulesList.Index() + delta)
	return m, m.ruleCmd("Move rule", func(ctx context.Context) error {
		_, err := m.commands.MoveRule(ctx, rule.RuleID, target)
		return err
	})
}

func (m *AppModel) deleteSelectedLimiter() (tea.Model, tea.Cmd) {
	li, ok := m.limiterList.SelectedItem().(limiterItem)
	if !ok {
		return m, nil
	}
	id := li.Handle()
	if id == "" {
		m.status = "Rate limiter has no id"
		return m, clearStatusAfter(2 * time.Second)
	}
	m.status = "Deleting rate limiter..."
	return m, func() tea.Msg {
		ctx, cancel := context.WithTimeout(m.ctx, actionTimeout)
		defer cancel()
		if err := m.commands.DeleteRateLimiter(ctx, id); err != nil {
			return actionResultMsg{action: "Delete rate limiter", err: err}
		}
		view, err := m.session.RateLimiters(ctx, m.counters)
		return limitersLoadedMsg{action: "Delete rate limiter", view: view, err: err}
	}
}

// ruleCmd commits a rule change and then waits for the refreshed rule set.
func (m *AppModel) ruleCmd(action string, commit func(ctx context.Context) error) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(m.ctx, actionTimeout)
		defer cancel()
		if err := commit(ctx); err != nil {
			return actionResultMsg{action: action, err: err}
		}
		return actionResultMsg{action: action, err: m.session.RefreshRules(ctx)}
	}
}

func (m *AppModel) refreshCmd() tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(m.ctx, actionTimeout)
		defer cancel()
		err := m.session.RefreshAll(ctx)
		if errors.Is(err, session.ErrStopped) {
			return sessionDoneMsg{}
		}
		return actionResultMsg{action: "Refresh", err: err}
	}
}

func (m *AppModel) loadLimitersCmd() tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(m.ctx, actionTimeout)
		defer cancel()
		view, err := m.session.RateLimiters(ctx, m.counters)
		return limitersLoadedMsg{view: view, err: err}
	}
}

func (m *AppModel) keyOptionsCmd() tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(m.ctx, actionTimeout)
		defer cancel()
		keys, err := m.session.KeyOptions(ctx)
		return keyOptionsMsg{keys: keys, err: err}
	}
}

func clearStatusAfter(d time.Duration) tea.Cmd {
	return tea.Tick(d, func(time.Time) tea.Msg {
		return statusMsg("")
	})
}

// View renders the active tab below the tab bar and the status line.
func (m *AppModel) View() string {
	var b strings.Builder
	b.WriteString(renderTabs(m.tab))
	b.WriteString("\n")
	b.WriteString(statusLine(m.snap))
	b.WriteString("\n")
	if m.snap.Err != "" {
		b.WriteString(errorStyle.Render(m.snap.Err))
		b.WriteString("\n")
	}

	// Loading until the first full fetch, unless the cache had something.
	if !m.snap.Loaded && len(m.snap.Records) == 0 && m.tab != tabLimiters {
		b.WriteString("\nLoading...\n")
		b.WriteString(footer(m.tab))
		return b.String()
	}

	switch m.tab {
	case tabRequests:
		if m.pickColumns {
			if len(m.allColumns) == 0 {
				b.WriteString("Loading columns...")
			} else {
				b.WriteString(m.columnList.View())
			}
			b.WriteString("\n")
			b.WriteString(footerStyle.Render("enter: toggle column  esc: back"))
			break
		}
		b.WriteString(m.requests.View())
		b.WriteString("\n")
		b.WriteString(footer(m.tab))
	case tabRules:
		b.WriteString(m.rulesList.View())
		b.WriteString("\n")
		b.WriteString(footer(m.tab))
	case tabLimiters:
		b.WriteString(m.limiterList.View())
		b.WriteString("\n\n")
		b.WriteString(renderCounters(m.limiters.Counters))
		b.WriteString("\n")
		b.WriteString(footer(m.tab))
	case tabSenders:
		b.WriteString(m.senderList.View())
		b.WriteString("\n")
		b.WriteString(footer(m.tab))
	}

	if m.status != "" {
		b.WriteString("\n")
		b.WriteString(m.status)
	}
	return b.String()
}

// Columns returns the active request columns.
func (m *AppModel) Columns() []string {
	return slices.Clone(m.columns)
}
