package api

import (
	"context"
	"fmt"
	"net/http"

	"github.com/fluxkompensator/postfixer/internal/model"
)

// Rules returns the rule set in evaluation order.
func (c *Client) Rules(ctx context.Context) ([]model.Rule, error) {
	var out []model.Rule
	if err := c.do(ctx, http.MethodGet, "/api/rules", requestOpts{result: &out}); err != nil {
		return nil, err
	}
	return out, nil
}

// CreateRule commits a new rule and returns its document id.
func (c *Client) CreateRule(ctx context.Context, r model.Rule) (string, error) {
	if err := model.ValidateRule(r); err != nil {
		return "", err
	}
	r.ID = ""
	var out struct {
		ID string `json:"id"`
	}
	if err := c.do(ctx, http.MethodPost, "/api/rules", requestOpts{body: r, result: &out}); err != nil {
		return "", fmt.Errorf("create rule %q: %w", r.Name, err)
	}
	return out.ID, nil
}

// UpdateRule replaces the rule stored under the given document id.
func (c *Client) UpdateRule(ctx context.Context, id string, r model.Rule) error {
	if err := model.ValidateRule(r); err != nil {
		return err
	}
	r.ID = ""
	if err := c.do(ctx, http.MethodPut, "/api/rules/"+id, requestOpts{body: r}); err != nil {
		return fmt.Errorf("update rule %s: %w", id, err)
	}
	return nil
}

// DeleteRule removes the rule at the given position.
func (c *Client) DeleteRule(ctx context.Context, ruleID int) error {
	if err := c.do(ctx, http.MethodDelete, "/api/rules/"+itoa(ruleID), requestOpts{}); err != nil {
		return fmt.Errorf("delete rule %d: %w", ruleID, err)
	}
	return nil
}

// MoveRule moves a rule to a new 1-based position and returns the
// reordered rule set.
func (c *Client) MoveRule(ctx context.Context, ruleID, newPosition int) ([]model.Rule, error) {
	if newPosition < 1 {
		return nil, &model.ValidationError{Field: "new_position", Message: "must be at least 1"}
	}
	body := map[string]int{"new_position": newPosition}
	var out struct {
		Message string       `json:"message"`
		Rules   []model.Rule `json:"rules"`
	}
	if err := c.do(ctx, http.MethodPut, fmt.Sprintf("/api/rules/%d/move", ruleID), requestOpts{body: body, result: &out}); err != nil {
		return nil, fmt.Errorf("move rule %d to %d: %w", ruleID, newPosition, err)
	}
	return out.Rules, nil
}
