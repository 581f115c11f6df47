package tui

import (
	"fmt"

	"github.com/charmbracelet/bubbles/list"

	"github.com/fluxkompensator/postfixer/internal/summary"
)

// senderItem wraps SenderGroup to customize list display.
type senderItem struct {
	summary.SenderGroup
}

func (g senderItem) FilterValue() string { return g.Sender + " " + g.FinalAction }
func (g senderItem) Title() string {
	return fmt.Sprintf("%s (%d)", g.Sender, g.Count)
}
func (g senderItem) Description() string {
	desc := g.FinalAction
	if desc == "" {
		desc = "no action"
	}
	if !g.First.IsZero() {
		desc += fmt.Sprintf("  %s .. %s", g.First.Local().Format("Jan 2 15:04"), g.Last.Local().Format("Jan 2 15:04"))
	}
	if n := len(g.Recipients); n > 0 {
		desc += fmt.Sprintf("  %d recipient(s)", n)
	}
	return desc
}

func sendersToItems(groups []summary.SenderGroup) []list.Item {
	items := make([]list.Item, len(groups))
	for i, g := range groups {
		items[i] = senderItem{g}
	}
	return items
}
