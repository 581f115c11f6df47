package tui

import (
	"fmt"
	"sort"
	"strings"

	"github.com/charmbracelet/bubbles/list"

	"github.com/fluxkompensator/postfixer/internal/model"
)

// ruleItem wraps Rule for the list display.
type ruleItem struct {
	model.Rule
}

func (r ruleItem) FilterValue() string { return r.Name }
func (r ruleItem) Title() string       { return fmt.Sprintf("#%d %s", r.RuleID, r.Name) }
func (r ruleItem) Description() string {
	var b strings.Builder
	for i, c := range r.Conditions {
		if i > 0 && i-1 < len(r.Operators) {
			b.WriteString(" " + r.Operators[i-1] + " ")
		}
		fmt.Fprintf(&b, "%s %s %q", c.Key, c.Condition, c.Value)
	}
	fmt.Fprintf(&b, " => %s %s", r.ActionType, r.Action)
	return b.String()
}

// ruleItems returns rules in evaluation order as list items.
func ruleItems(rules []model.Rule) []list.Item {
	sorted := make([]model.Rule, len(rules))
	copy(sorted, rules)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].RuleID < sorted[j].RuleID
	})
	items := make([]list.Item, len(sorted))
	for i, r := range sorted {
		items[i] = ruleItem{r}
	}
	return items
}

// limiterItem wraps RateLimiter for the list display.
type limiterItem struct {
	model.RateLimiter
}

func (l limiterItem) FilterValue() string { return l.Key + " " + l.Value }
func (l limiterItem) Title() string {
	return fmt.Sprintf("%s %s %q", l.Key, l.Condition, l.Value)
}
func (l limiterItem) Description() string {
	d := fmt.Sprintf("%d per %d min", l.Limit, l.Duration)
	if l.CustomText != "" {
		d += "  " + l.CustomText
	}
	return d
}

func limiterItems(limiters []model.RateLimiter) []list.Item {
	items := make([]list.Item, len(limiters))
	for i, l := range limiters {
		items[i] = limiterItem{l}
	}
	return items
}

func renderCounters(counters []model.RateLimitCounter) string {
	if len(counters) == 0 {
		return "No active rate limit counters."
	}
	var b strings.Builder
	b.WriteString(headerStyle.Render("Top counters"))
	for _, c := range counters {
		fmt.Fprintf(&b, "\n%5d/%-5d %s=%s  (%s %s %s, %d min)",
			c.Count, c.LimiterLimit, c.Key, c.Value,
			c.LimiterKey, c.LimiterCondition, c.LimiterValue, c.LimiterDuration)
	}
	return b.String()
}
