package model

import (
	"fmt"
	"regexp"
	"slices"
	"strings"
	"unicode"
)

// ValidActions maps an action type to the Postfix actions allowed for it.
var ValidActions = map[string][]string{
	"ACCEPT": {"OK"},
	"REJECT": {"4NN", "5NN", "REJECT", "DEFER", "DEFER_IF_REJECT", "DEFER_IF_PERMIT"},
	"OTHER":  {"BCC", "DISCARD", "DUNNO", "FILTER", "HOLD", "WARN"},
}

var (
	conditionTypes = []string{"regex", "exact", "wildcard"}
	operatorTypes  = []string{"AND", "OR", "NAND", "NOR"}
	nnCode         = regexp.MustCompile(`^[45][0-9]{2}$`)
)

// ValidationError reports why a rule would be refused by the backend.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error for field '%s': %s", e.Field, e.Message)
}

// ValidateRule applies the backend's acceptance rules locally so obviously
// bad edits never reach the commit endpoint.
func ValidateRule(r Rule) error {
	if strings.TrimSpace(r.Name) == "" {
		return &ValidationError{Field: "name", Message: "is required"}
	}
	if len(r.Conditions) == 0 {
		return &ValidationError{Field: "conditions", Message: "at least one condition is required"}
	}
	if len(r.Operators) != len(r.Conditions)-1 {
		return &ValidationError{
			Field:   "operators",
			Message: fmt.Sprintf("need %d operators for %d conditions, got %d", len(r.Conditions)-1, len(r.Conditions), len(r.Operators)),
		}
	}
	for i, c := range r.Conditions {
		if c.Key == "" || c.Value == "" {
			return &ValidationError{Field: fmt.Sprintf("conditions[%d]", i), Message: "key and value are required"}
		}
		if !slices.Contains(conditionTypes, c.Condition) {
			return &ValidationError{Field: fmt.Sprintf("conditions[%d].condition", i), Message: fmt.Sprintf("unknown condition %q", c.Condition)}
		}
	}
	for i, op := range r.Operators {
		if !slices.Contains(operatorTypes, op) {
			return &ValidationError{Field: fmt.Sprintf("operators[%d]", i), Message: fmt.Sprintf("unknown operator %q", op)}
		}
	}
	actions, ok := ValidActions[r.ActionType]
	if !ok {
		return &ValidationError{Field: "action_type", Message: fmt.Sprintf("unknown action type %q", r.ActionType)}
	}
	if !slices.Contains(actions, r.Action) && !(r.ActionType == "REJECT" && nnCode.MatchString(r.Action)) {
		return &ValidationError{Field: "action", Message: fmt.Sprintf("%q is not valid for %s", r.Action, r.ActionType)}
	}
	if r.CustomText != "" && strings.TrimSpace(r.CustomText) != "" && unicode.IsSpace(rune(r.CustomText[0])) {
		return &ValidationError{Field: "custom_text", Message: "must not start with whitespace"}
	}
	return nil
}
