package api

import (
	"context"
	"fmt"
	"net/http"

	"github.com/fluxkompensator/postfixer/internal/model"
)

const (
	defaultCounterLimit = 10
	maxCounterLimit     = 50
)

// RateLimiters returns all configured rate limiters.
func (c *Client) RateLimiters(ctx context.Context) ([]model.RateLimiter, error) {
	var out []model.RateLimiter
	if err := c.do(ctx, http.MethodGet, "/api/rate_limiters", requestOpts{result: &out}); err != nil {
		return nil, err
	}
	return out, nil
}

func validateLimiter(rl model.RateLimiter) error {
	switch {
	case rl.Key == "":
		return &model.ValidationError{Field: "key", Message: "is required"}
	case rl.Limit <= 0:
		return &model.ValidationError{Field: "limit", Message: "must be positive"}
	case rl.Duration <= 0:
		return &model.ValidationError{Field: "duration", Message: "must be positive"}
	}
	return nil
}

// CreateRateLimiter commits a new limiter and returns its id.
func (c *Client) CreateRateLimiter(ctx context.Context, rl model.RateLimiter) (string, error) {
	if err := validateLimiter(rl); err != nil {
		return "", err
	}
	rl.ID, rl.LocalID = "", ""
	var out struct {
		ID string `json:"id"`
	}
	if err := c.do(ctx, http.MethodPost, "/api/rate_limiters", requestOpts{body: rl, result: &out}); err != nil {
		return "", fmt.Errorf("create rate limiter %s=%s: %w", rl.Key, rl.Value, err)
	}
	return out.ID, nil
}

// UpdateRateLimiter replaces the limiter stored under id.
func (c *Client) UpdateRateLimiter(ctx context.Context, id string, rl model.RateLimiter) error {
	if err := validateLimiter(rl); err != nil {
		return err
	}
	rl.ID, rl.LocalID = "", ""
	if err := c.do(ctx, http.MethodPut, "/api/rate_limiters/"+id, requestOpts{body: rl}); err != nil {
		return fmt.Errorf("update rate limiter %s: %w", id, err)
	}
	return nil
}

// DeleteRateLimiter removes the limiter stored under id.
func (c *Client) DeleteRateLimiter(ctx context.Context, id string) error {
	if err := c.do(ctx, http.MethodDelete, "/api/rate_limiters/"+id, requestOpts{}); err != nil {
		return fmt.Errorf("delete rate limiter %s: %w", id, err)
	}
	return nil
}

// TopRateLimitCounters returns the busiest counters. limit is clamped to
// 1..50; zero means the backend default of 10.
func (c *Client) TopRateLimitCounters(ctx context.Context, limit int) ([]model.RateLimitCounter, error) {
	if limit <= 0 {
		limit = defaultCounterLimit
	}
	if limit > maxCounterLimit {
		limit = maxCounterLimit
	}
	var out []model.RateLimitCounter
	err := c.do(ctx, http.MethodGet, "/api/top_rate_limit_counters", requestOpts{
		query:  map[string]string{"limit": itoa(limit)},
		result: &out,
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
