// Package reconcile holds the canonical in-memory snapshot and merges
// full fetches and pushed records into it.
package reconcile

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/fluxkompensator/postfixer/internal/model"
)

// Reconciler owns the snapshot. Mutators build a new snapshot and publish
// it with a single atomic store, so readers see either the old or the new
// value and never a partial one. Mutators are serialized; callers are
// expected to drive them from one goroutine anyway.
type Reconciler struct {
	mu  sync.Mutex
	cur atomic.Pointer[model.Snapshot]
	now func() time.Time
}

// New creates a reconciler with an empty, not yet loaded snapshot.
func New(now func() time.Time) *Reconciler {
	if now == nil {
		now = time.Now
	}
	r := &Reconciler{now: now}
	r.cur.Store(&model.Snapshot{
		Readiness:  model.ReadinessUnknown,
		Connection: model.Disconnected,
		Recent:     model.RecentAggregate{},
	})
	return r
}

// Snapshot returns the current snapshot. It must be treated as read-only.
func (r *Reconciler) Snapshot() model.Snapshot {
	return *r.cur.Load()
}

func (r *Reconciler) update(fn func(s *model.Snapshot)) model.Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	next := *r.cur.Load()
	fn(&next)
	next.UpdatedAt = r.now()
	r.cur.Store(&next)
	return next
}

// ApplyFullFetch replaces the records and the recent aggregate, marks the
// snapshot loaded and clears any error. Duplicate ids in the input keep
// their first occurrence.
func (r *Reconciler) ApplyFullFetch(records []model.Record, recent model.RecentAggregate) model.Snapshot {
	fresh := dedupe(records)
	if recent == nil {
		recent = model.RecentAggregate{}
	}
	return r.update(func(s *model.Snapshot) {
		s.Records = fresh
		s.Recent = recent
		s.Loaded = true
		s.Err = ""
	})
}

// ApplyPush puts rec at the front of the sequence. An existing record with
// the same id is removed first, so a redelivered record moves to the newest
// position. The relative order of every other record is kept.
func (r *Reconciler) ApplyPush(rec model.Record) model.Snapshot {
	return r.update(func(s *model.Snapshot) {
		next := make([]model.Record, 0, len(s.Records)+1)
		next = append(next, rec)
		for _, existing := range s.Records {
			if existing.ID != rec.ID {
				next = append(next, existing)
			}
		}
		s.Records = next
	})
}

// ApplyRules replaces the rule list.
func (r *Reconciler) ApplyRules(rules []model.Rule) model.Snapshot {
	cp := append([]model.Rule(nil), rules...)
	return r.update(func(s *model.Snapshot) {
		s.Rules = cp
	})
}

// Restore seeds the snapshot from the local cache. It leaves Loaded
// untouched and does nothing once a full fetch has landed.
func (r *Reconciler) Restore(records []model.Record, recent model.RecentAggregate) model.Snapshot {
	fresh := dedupe(records)
	if recent == nil {
		recent = model.RecentAggregate{}
	}
	return r.update(func(s *model.Snapshot) {
		if s.Loaded {
			return
		}
		s.Records = fresh
		s.Recent = recent
	})
}

// SetReadiness records the prober's latest state.
func (r *Reconciler) SetReadiness(state model.ReadinessState) model.Snapshot {
	return r.update(func(s *model.Snapshot) {
		s.Readiness = state
	})
}

// SetConnection records the channel's latest state.
func (r *Reconciler) SetConnection(state model.ConnectionState) model.Snapshot {
	return r.update(func(s *model.Snapshot) {
		s.Connection = state
	})
}

// SetError sets or, with "", clears the user-visible error.
func (r *Reconciler) SetError(msg string) model.Snapshot {
	return r.update(func(s *model.Snapshot) {
		s.Err = msg
	})
}

func dedupe(records []model.Record) []model.Record {
	seen := make(map[string]struct{}, len(records))
	out := make([]model.Record, 0, len(records))
	for _, rec := range records {
		if _, ok := seen[rec.ID]; ok {
			continue
		}
		seen[rec.ID] = struct{}{}
		out = append(out, rec)
	}
	return out
}
