package util

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/fluxkompensator/postfixer/internal/model"
)

// Column is one selectable column of the requests table.
type Column struct {
	ID    string
	Label string
}

// DefaultColumns is the initial column selection.
var DefaultColumns = []string{"queue_id", "sasl_username", "sender", "recipient", "size", "final_action", "timestamp"}

// ColumnLabel turns an attribute key into a header: queue_id -> Queue Id.
func ColumnLabel(key string) string {
	words := strings.Split(key, "_")
	for i, w := range words {
		if w == "" {
			continue
		}
		words[i] = strings.ToUpper(w[:1]) + w[1:]
	}
	return strings.Join(words, " ")
}

// Columns builds the selectable columns from the backend key options plus
// the fields every record carries.
func Columns(keyOptions []string) []Column {
	out := make([]Column, 0, len(keyOptions)+3)
	seen := map[string]bool{}
	for _, k := range keyOptions {
		if k == "" || seen[k] {
			continue
		}
		seen[k] = true
		out = append(out, Column{ID: k, Label: ColumnLabel(k)})
	}
	for _, c := range []Column{{"_id", "ID"}, {"final_action", "Final Action"}, {"timestamp", "Timestamp"}} {
		if seen[c.ID] {
			continue
		}
		out = append(out, c)
	}
	return out
}

// OrderColumns moves final_action and then timestamp to the end, keeping
// the relative order of everything else.
func OrderColumns(cols []string) []string {
	out := make([]string, 0, len(cols))
	for _, c := range cols {
		if c != "final_action" && c != "timestamp" {
			out = append(out, c)
		}
	}
	if slices.Contains(cols, "final_action") {
		out = append(out, "final_action")
	}
	if slices.Contains(cols, "timestamp") {
		out = append(out, "timestamp")
	}
	return out
}

// ToggleColumn removes id if active, otherwise inserts it just before
// final_action (or before the last column when final_action is hidden).
// The result is always ordered.
func ToggleColumn(active []string, id string) []string {
	if i := slices.Index(active, id); i >= 0 {
		return slices.Delete(slices.Clone(active), i, i+1)
	}
	out := slices.Clone(active)
	switch i := slices.Index(out, "final_action"); {
	case i >= 0:
		out = slices.Insert(out, i, id)
	case len(out) > 0:
		out = slices.Insert(out, len(out)-1, id)
	default:
		out = append(out, id)
	}
	return OrderColumns(out)
}

const rateLimitAction = "REJECT Rate limit exceeded"

// CellValue renders one cell of the requests table. ruleNames maps rule ids
// to names for the final_action annotation.
func CellValue(r model.Record, id string, ruleNames map[int]string) string {
	switch id {
	case "client_ip":
		return orNA(r.Attr("client_address"))
	case "timestamp":
		if r.Timestamp.IsZero() {
			return "N/A"
		}
		return r.Timestamp.Local().Format(time.DateTime)
	case "final_action":
		fa := orNA(r.FinalAction)
		if strings.HasPrefix(r.FinalAction, rateLimitAction) {
			return fa + " [rate limit]"
		}
		if len(r.RuleResults) > 0 {
			m := r.RuleResults[0]
			name, ok := ruleNames[m.RuleID]
			if !ok {
				name = "Unknown"
			}
			return fmt.Sprintf("%s [%s #%d]", fa, name, m.RuleID)
		}
		return fa
	}
	return orNA(r.Attr(id))
}

func orNA(s string) string {
	if s == "" {
		return "N/A"
	}
	return s
}
