package tui

import (
	"slices"

	"github.com/charmbracelet/bubbles/list"
	"github.com/charmbracelet/bubbles/table"

	"github.com/fluxkompensator/postfixer/internal/model"
	"github.com/fluxkompensator/postfixer/internal/util"
)

func columnWidth(id string) int {
	switch id {
	case "timestamp":
		return 19
	case "final_action":
		return 36
	case "sender", "recipient":
		return 28
	case "size":
		return 8
	}
	return 16
}

func tableColumns(active []string, labels map[string]string) []table.Column {
	cols := make([]table.Column, len(active))
	for i, id := range active {
		title, ok := labels[id]
		if !ok {
			title = util.ColumnLabel(id)
		}
		cols[i] = table.Column{Title: title, Width: columnWidth(id)}
	}
	return cols
}

func tableRows(records []model.Record, active []string, rules []model.Rule) []table.Row {
	names := make(map[int]string, len(rules))
	for _, r := range rules {
		names[r.RuleID] = r.Name
	}
	rows := make([]table.Row, len(records))
	for i, r := range records {
		row := make(table.Row, len(active))
		for j, id := range active {
			row[j] = util.CellValue(r, id, names)
		}
		rows[i] = row
	}
	return rows
}

// refreshTable rebuilds the requests table from the current snapshot and
// column selection. Rows are cleared first so they never have fewer cells
// than there are columns.
func (m *AppModel) refreshTable() {
	m.requests.SetRows(nil)
	m.requests.SetColumns(tableColumns(m.columns, m.labels))
	rows := tableRows(m.snap.Records, m.columns, m.snap.Rules)
	m.requests.SetRows(rows)
	if n := len(rows); n > 0 && (m.requests.Cursor() < 0 || m.requests.Cursor() >= n) {
		m.requests.SetCursor(min(m.requests.Cursor(), n-1))
	}
}

// columnItem is one entry of the column picker.
type columnItem struct {
	util.Column
	active bool
}

func (c columnItem) FilterValue() string { return c.Label }
func (c columnItem) Title() string {
	if c.active {
		return "[x] " + c.Label
	}
	return "[ ] " + c.Label
}
func (c columnItem) Description() string { return c.ID }

func columnItems(all []util.Column, active []string) []list.Item {
	items := make([]list.Item, len(all))
	for i, c := range all {
		items[i] = columnItem{Column: c, active: slices.Contains(active, c.ID)}
	}
	return items
}
