package model

import (
	"encoding/json"
	"fmt"
	"time"
)

// ReadinessState is the client's view of whether the backend can serve data.
type ReadinessState int

const (
	ReadinessUnknown ReadinessState = iota
	ReadinessProbing
	ReadinessReady
	ReadinessUnreachable
)

func (s ReadinessState) String() string {
	switch s {
	case ReadinessUnknown:
		return "unknown"
	case ReadinessProbing:
		return "probing"
	case ReadinessReady:
		return "ready"
	case ReadinessUnreachable:
		return "unreachable"
	default:
		return fmt.Sprintf("readiness(%d)", int(s))
	}
}

// ConnectionState is the lifecycle of the realtime subscription.
type ConnectionState int

const (
	Disconnected ConnectionState = iota
	Connecting
	Connected
)

func (s ConnectionState) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	default:
		return fmt.Sprintf("connection(%d)", int(s))
	}
}

// RuleMatch annotates a record with the rule that decided it.
type RuleMatch struct {
	RuleID     int    `json:"rule_id"`
	RuleName   string `json:"rule_name,omitempty"`
	ActionType string `json:"action_type,omitempty"`
	Action     string `json:"action,omitempty"`
	CustomText string `json:"custom_text,omitempty"`
}

// Record is one processed mail transaction. Everything the policy server
// sent besides the well-known fields is kept in Attributes.
type Record struct {
	ID          string
	Timestamp   time.Time
	FinalAction string
	RuleResults []RuleMatch
	Attributes  map[string]any
}

// Attr returns the named attribute formatted for display, or "" if absent.
func (r Record) Attr(key string) string {
	switch key {
	case "_id":
		return r.ID
	case "final_action":
		return r.FinalAction
	case "timestamp":
		if r.Timestamp.IsZero() {
			return ""
		}
		return r.Timestamp.Format(time.RFC3339)
	}
	v, ok := r.Attributes[key]
	if !ok || v == nil {
		return ""
	}
	switch t := v.(type) {
	case string:
		return t
	case float64:
		if t == float64(int64(t)) {
			return fmt.Sprintf("%d", int64(t))
		}
		return fmt.Sprintf("%g", t)
	default:
		return fmt.Sprintf("%v", t)
	}
}

// EnsureTimestamp stamps records that arrived without a timestamp.
func (r *Record) EnsureTimestamp(now time.Time) {
	if r.Timestamp.IsZero() {
		r.Timestamp = now.UTC()
	}
}

// zone-less ISO layout produced by datetime.isoformat() on naive values.
const isoNoZone = "2006-01-02T15:04:05.999999999"

// ParseTimestamp accepts RFC3339 and the backend's zone-less ISO form.
// Unparsable input yields the zero time.
func ParseTimestamp(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t
	}
	if t, err := time.Parse(isoNoZone, s); err == nil {
		return t.UTC()
	}
	return time.Time{}
}

func (r *Record) UnmarshalJSON(b []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	*r = Record{Attributes: make(map[string]any, len(raw))}
	for k, v := range raw {
		switch k {
		case "_id":
			var id any
			if err := json.Unmarshal(v, &id); err != nil {
				return fmt.Errorf("decode _id: %w", err)
			}
			if id != nil {
				r.ID = fmt.Sprintf("%v", id)
			}
		case "timestamp":
			var ts string
			if err := json.Unmarshal(v, &ts); err == nil {
				r.Timestamp = ParseTimestamp(ts)
			}
		case "final_action":
			var fa *string
			if err := json.Unmarshal(v, &fa); err != nil {
				return fmt.Errorf("decode final_action: %w", err)
			}
			if fa != nil {
				r.FinalAction = *fa
			}
		case "rule_results":
			if err := json.Unmarshal(v, &r.RuleResults); err != nil {
				return fmt.Errorf("decode rule_results: %w", err)
			}
		default:
			var val any
			if err := json.Unmarshal(v, &val); err != nil {
				return fmt.Errorf("decode %s: %w", k, err)
			}
			r.Attributes[k] = val
		}
	}
	return nil
}

func (r Record) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(r.Attributes)+4)
	for k, v := range r.Attributes {
		out[k] = v
	}
	out["_id"] = r.ID
	if !r.Timestamp.IsZero() {
		out["timestamp"] = r.Timestamp.Format(time.RFC3339Nano)
	}
	if r.FinalAction != "" {
		out["final_action"] = r.FinalAction
	}
	if len(r.RuleResults) > 0 {
		out["rule_results"] = r.RuleResults
	}
	return json.Marshal(out)
}

// RecentAggregate is the coarse summary returned next to the history. It is
// replaced wholesale on every fetch.
type RecentAggregate map[string]any

// Condition is a single predicate of a rule.
type Condition struct {
	Key       string `json:"key"`
	Condition string `json:"condition"` // regex, exact, wildcard
	Value     string `json:"value"`
}

// Rule is a filtering rule. RuleID doubles as its evaluation position.
type Rule struct {
	ID         string      `json:"_id,omitempty"`
	RuleID     int         `json:"rule_id"`
	Name       string      `json:"name"`
	Conditions []Condition `json:"conditions"`
	Operators  []string    `json:"operators"` // AND, OR, NAND, NOR
	ActionType string      `json:"action_type"`
	Action     string      `json:"action"`
	CustomText string      `json:"custom_text,omitempty"`
}

// RateLimiter limits requests whose Key attribute matches Value to Limit
// per Duration minutes.
type RateLimiter struct {
	ID         string `json:"_id,omitempty"`
	LocalID    string `json:"id,omitempty"` // set on limiters not yet persisted
	Key        string `json:"key"`
	Value      string `json:"value"`
	Condition  string `json:"condition"`
	Limit      int    `json:"limit"`
	Duration   int    `json:"duration"`
	CustomText string `json:"customText"`
}

// Handle is the identifier the update and delete endpoints expect.
func (rl RateLimiter) Handle() string {
	if rl.ID != "" {
		return rl.ID
	}
	return rl.LocalID
}

// RateLimitCounter is one entry of the backend's hottest counters.
type RateLimitCounter struct {
	ID               string `json:"_id"`
	Key              string `json:"key"`
	Value            string `json:"value"`
	Count            int    `json:"count"`
	LimiterKey       string `json:"limiter_key"`
	LimiterValue     string `json:"limiter_value"`
	LimiterCondition string `json:"limiter_condition"`
	LimiterLimit     int    `json:"limiter_limit"`
	LimiterDuration  int    `json:"limiter_duration"`
}

// Snapshot is the read model exposed to presentation code. Values handed
// out are never mutated afterwards.
type Snapshot struct {
	Readiness  ReadinessState
	Connection ConnectionState
	Records    []Record
	Recent     RecentAggregate
	Rules      []Rule

	// Loaded is set by the first successful full fetch. Cached records
	// restored at startup do not set it.
	Loaded    bool
	Err       string
	UpdatedAt time.Time
}
