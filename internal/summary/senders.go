// Package summary condenses the request history into per-sender digests.
package summary

import (
	"slices"
	"sort"
	"strings"
	"time"

	"github.com/fluxkompensator/postfixer/internal/model"
	"github.com/fluxkompensator/postfixer/internal/util"
)

// NullSender labels bounces and other mail with an empty envelope sender.
const NullSender = util.NullSender

// SenderGroup counts the requests of one sender that ended in the same
// final action.
type SenderGroup struct {
	Sender      string
	FinalAction string
	Count       int
	First       time.Time
	Last        time.Time
	RecordIDs   []string
	// Recipients holds the distinct recipients in first-seen order.
	Recipients []string
}

// Key identifies the group in the map returned by BySender.
func (g SenderGroup) Key() string {
	return g.Sender + "||" + g.FinalAction
}

// BySender groups records by NormalizeSender(sender) and the exact final
// action. Records whose sender attribute is empty are grouped under
// NullSender; unparsable senders are kept verbatim in lower case.
func BySender(records []model.Record) map[string]*SenderGroup {
	groups := make(map[string]*SenderGroup)
	for _, r := range records {
		sender := senderOf(r)
		key := sender + "||" + r.FinalAction
		g, ok := groups[key]
		if !ok {
			g = &SenderGroup{Sender: sender, FinalAction: r.FinalAction}
			groups[key] = g
		}
		g.Count++
		if ts := r.Timestamp; !ts.IsZero() {
			if g.First.IsZero() || ts.Before(g.First) {
				g.First = ts
			}
			if g.Last.IsZero() || ts.After(g.Last) {
				g.Last = ts
			}
		}
		if r.ID != "" {
			g.RecordIDs = append(g.RecordIDs, r.ID)
		}
		if rcpt := strings.ToLower(r.Attr("recipient")); rcpt != "" && !slices.Contains(g.Recipients, rcpt) {
			g.Recipients = append(g.Recipients, rcpt)
		}
	}
	return groups
}

func senderOf(r model.Record) string {
	raw := r.Attr("sender")
	if s := util.NormalizeSender(raw); s != "" {
		return s
	}
	return strings.ToLower(strings.TrimSpace(raw))
}

// Sort returns a stable slice sorted by Count desc, then Sender asc, then
// FinalAction asc.
func Sort(m map[string]*SenderGroup) []SenderGroup {
	out := make([]SenderGroup, 0, len(m))
	for _, g := range m {
		out = append(out, *g)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Count == out[j].Count {
			if out[i].Sender == out[j].Sender {
				return out[i].FinalAction < out[j].FinalAction
			}
			return out[i].Sender < out[j].Sender
		}
		return out[i].Count > out[j].Count
	})
	return out
}
