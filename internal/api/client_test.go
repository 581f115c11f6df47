package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/fluxkompensator/postfixer/internal/model"
)

type recorded struct {
	method string
	path   string
	query  string
	body   string
	auth   string
}

type recorder struct {
	mu    sync.Mutex
	calls []recorded
}

func (r *recorder) all() []recorded {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]recorded(nil), r.calls...)
}

func testServer(t *testing.T, handler func(w http.ResponseWriter, r *http.Request)) (*httptest.Server, *recorder) {
	t.Helper()
	rec := &recorder{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		rec.mu.Lock()
		rec.calls = append(rec.calls, recorded{
			method: r.Method,
			path:   r.URL.Path,
			query:  r.URL.RawQuery,
			body:   string(b),
			auth:   r.Header.Get("Authorization"),
		})
		rec.mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		handler(w, r)
	}))
	t.Cleanup(srv.Close)
	return srv, rec
}

func TestServerStatus(t *testing.T) {
	srv, _ := testServer(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"status":"initializing"}`)
	})
	c := NewClient(Config{BaseURL: srv.URL})

	status, err := c.ServerStatus(context.Background())
	require.NoError(t, err)
	require.Equal(t, "initializing", status)
}

func TestDataStampsMissingTimestamps(t *testing.T) {
	now := time.Date(2025, 6, 1, 8, 0, 0, 0, time.UTC)
	srv, calls := testServer(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{
			"historical_data": [
				{"_id": "b", "timestamp": "2025-05-31T23:00:00+00:00", "sender": "x@y"},
				{"_id": "a", "sender": "z@y"}
			],
			"recent_data": {"k": "v"},
			"version": "3.7 or later"
		}`)
	})
	c := NewClient(Config{BaseURL: srv.URL, Now: func() time.Time { return now }})

	resp, err := c.Data(context.Background(), DataQuery{})
	require.NoError(t, err)
	require.Len(t, resp.Historical, 2)
	require.Equal(t, "b", resp.Historical[0].ID)
	require.Equal(t, time.Date(2025, 5, 31, 23, 0, 0, 0, time.UTC), resp.Historical[0].Timestamp.UTC())
	require.Equal(t, now, resp.Historical[1].Timestamp)
	require.Equal(t, "v", resp.Recent["k"])
	require.Empty(t, calls.all()[0].query)
}

func TestDataWindow(t *testing.T) {
	srv, calls := testServer(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"historical_data": [], "recent_data": null}`)
	})
	c := NewClient(Config{BaseURL: srv.URL})

	start := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	resp, err := c.Data(context.Background(), DataQuery{Start: start, End: start.Add(time.Hour)})
	require.NoError(t, err)
	require.NotNil(t, resp.Recent)
	first := calls.all()[0]
	require.Contains(t, first.query, "start_time=2025-01-01T00%3A00%3A00Z")
	require.Contains(t, first.query, "end_time=2025-01-01T01%3A00%3A00Z")

	_, err = c.Data(context.Background(), DataQuery{Start: start, End: start})
	var verr *model.ValidationError
	require.ErrorAs(t, err, &verr)
	require.Len(t, calls.all(), 1)
}

func TestErrorClassification(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		body      string
		retriable bool
		message   string
	}{
		{"initializing", http.StatusServiceUnavailable, `{"error": "Server is still initializing"}`, true, "Server is still initializing"},
		{"bad request", http.StatusBadRequest, `{"error": "Invalid rule format"}`, false, "Invalid rule format"},
		{"not found", http.StatusNotFound, `{"error": "Rule not found"}`, false, "Rule not found"},
		{"server error", http.StatusInternalServerError, `oops`, true, "Internal Server Error"},
		{"rate limited", http.StatusTooManyRequests, `{}`, true, "Too Many Requests"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			srv, _ := testServer(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
				_, _ = io.WriteString(w, tc.body)
			})
			c := NewClient(Config{BaseURL: srv.URL})

			_, err := c.Rules(context.Background())
			var apiErr *APIError
			require.ErrorAs(t, err, &apiErr)
			require.Equal(t, tc.status, apiErr.StatusCode)
			require.Equal(t, tc.retriable, apiErr.Retriable())
			require.Equal(t, tc.message, apiErr.Message)
		})
	}
}

func TestNetworkErrors(t *testing.T) {
	t.Run("refused", func(t *testing.T) {
		srv := httptest.NewServer(http.NotFoundHandler())
		url := srv.URL
		srv.Close()

		c := NewClient(Config{BaseURL: url})
		_, err := c.ServerStatus(context.Background())
		var netErr *NetworkError
		require.ErrorAs(t, err, &netErr)
		require.True(t, netErr.Retriable())
	})

	t.Run("timeout", func(t *testing.T) {
		release := make(chan struct{})
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			<-release
		}))
		defer srv.Close()
		defer close(release)

		c := NewClient(Config{BaseURL: srv.URL, Timeout: 50 * time.Millisecond})
		_, err := c.ServerStatus(context.Background())
		var netErr *NetworkError
		require.ErrorAs(t, err, &netErr)
		require.True(t, netErr.Timeout())
		require.True(t, netErr.Retriable())
	})

	t.Run("cancelled", func(t *testing.T) {
		srv, _ := testServer(t, func(w http.ResponseWriter, r *http.Request) {})
		c := NewClient(Config{BaseURL: srv.URL})

		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		_, err := c.ServerStatus(ctx)
		var netErr *NetworkError
		require.ErrorAs(t, err, &netErr)
		require.False(t, netErr.Retriable())
	})
}

func TestMalformedBodyIsNotRetriable(t *testing.T) {
	srv, calls := testServer(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"historical_data":[{"_id":"a","rule_results":"oops"}]}`)
	})
	c := NewClient(Config{BaseURL: srv.URL})

	_, err := c.Data(context.Background(), DataQuery{})
	var decErr *DecodeError
	require.ErrorAs(t, err, &decErr)
	require.Equal(t, http.StatusOK, decErr.StatusCode)
	require.False(t, decErr.Retriable())
	require.ErrorContains(t, err, "decode rule_results")

	var netErr *NetworkError
	require.False(t, errors.As(err, &netErr))
	require.Len(t, calls.all(), 1)

	// Empty success bodies still count as success.
	srv, _ = testServer(t, func(w http.ResponseWriter, r *http.Request) {})
	c = NewClient(Config{BaseURL: srv.URL})
	require.NoError(t, c.Ping(context.Background()))
	status, err := c.ServerStatus(context.Background())
	require.NoError(t, err)
	require.Empty(t, status)
}

func TestRuleCommands(t *testing.T) {
	srv, calls := testServer(t, func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost:
			w.WriteHeader(http.StatusCreated)
			_, _ = io.WriteString(w, `{"message": "Rule created", "id": "665f"}`)
		case r.URL.Path == "/api/rules/2/move":
			_, _ = io.WriteString(w, `{"message": "Rule moved successfully", "rules": [{"rule_id": 1, "name": "moved"}]}`)
		default:
			_, _ = io.WriteString(w, `{"message": "ok"}`)
		}
	})
	c := NewClient(Config{BaseURL: srv.URL})
	ctx := context.Background()

	rule := model.Rule{
		ID:         "ignored",
		Name:       "hold big mail",
		Conditions: []model.Condition{{Key: "size", Condition: "regex", Value: `^\d{8,}$`}},
		Operators:  []string{},
		ActionType: "OTHER",
		Action:     "HOLD",
	}
	id, err := c.CreateRule(ctx, rule)
	require.NoError(t, err)
	require.Equal(t, "665f", id)

	require.NoError(t, c.UpdateRule(ctx, "665f", rule))
	require.NoError(t, c.DeleteRule(ctx, 3))

	rules, err := c.MoveRule(ctx, 2, 1)
	require.NoError(t, err)
	require.Len(t, rules, 1)
	require.Equal(t, "moved", rules[0].Name)

	_, err = c.MoveRule(ctx, 2, 0)
	require.Error(t, err)

	_, err = c.CreateRule(ctx, model.Rule{Name: "broken"})
	require.Error(t, err)

	all := calls.all()
	require.Len(t, all, 4)
	got := []string{}
	for _, call := range all {
		got = append(got, call.method+" "+call.path)
	}
	require.Equal(t, []string{
		"POST /api/rules",
		"PUT /api/rules/665f",
		"DELETE /api/rules/3",
		"PUT /api/rules/2/move",
	}, got)

	var created map[string]any
	require.NoError(t, json.Unmarshal([]byte(all[0].body), &created))
	require.NotContains(t, created, "_id")
	require.JSONEq(t, `{"new_position": 1}`, all[3].body)
}

func TestRateLimiterCommands(t *testing.T) {
	srv, calls := testServer(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/rate_limiters":
			if r.Method == http.MethodPost {
				w.WriteHeader(http.StatusCreated)
				_, _ = io.WriteString(w, `{"id": "7c1e"}`)
				return
			}
			_, _ = io.WriteString(w, `[{"_id": "aa", "key": "sender", "value": "*@spam", "condition": "wildcard", "limit": 5, "duration": 10, "customText": "slow down"}, {"id": "bb", "key": "sasl_username", "value": "x", "condition": "exact", "limit": 1, "duration": 1}]`)
		case "/api/top_rate_limit_counters":
			_, _ = io.WriteString(w, `[{"_id": "c1", "key": "sender", "value": "a@spam", "count": 9, "limiter_limit": 5}]`)
		default:
			_, _ = io.WriteString(w, `{"message": "ok"}`)
		}
	})
	c := NewClient(Config{BaseURL: srv.URL})
	ctx := context.Background()

	limiters, err := c.RateLimiters(ctx)
	require.NoError(t, err)
	require.Len(t, limiters, 2)
	require.Equal(t, "aa", limiters[0].Handle())
	require.Equal(t, "bb", limiters[1].Handle())
	require.Equal(t, "slow down", limiters[0].CustomText)

	id, err := c.CreateRateLimiter(ctx, model.RateLimiter{Key: "sender", Value: "*", Condition: "wildcard", Limit: 10, Duration: 5})
	require.NoError(t, err)
	require.Equal(t, "7c1e", id)

	_, err = c.CreateRateLimiter(ctx, model.RateLimiter{Key: "sender"})
	require.Error(t, err)

	require.NoError(t, c.UpdateRateLimiter(ctx, "aa", limiters[0]))
	require.NoError(t, c.DeleteRateLimiter(ctx, "aa"))

	counters, err := c.TopRateLimitCounters(ctx, 500)
	require.NoError(t, err)
	require.Len(t, counters, 1)
	require.Equal(t, 9, counters[0].Count)

	_, err = c.TopRateLimitCounters(ctx, 0)
	require.NoError(t, err)

	all := calls.all()
	n := len(all)
	require.Equal(t, "limit=50", all[n-2].query)
	require.Equal(t, "limit=10", all[n-1].query)
}

func TestBearerToken(t *testing.T) {
	srv, calls := testServer(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `["sender", "recipient"]`)
	})
	c := NewClient(Config{BaseURL: srv.URL, Token: "s3cret"})

	keys, err := c.KeyOptions(context.Background())
	require.NoError(t, err)
	require.Equal(t, []string{"sender", "recipient"}, keys)
	require.Equal(t, "Bearer s3cret", calls.all()[0].auth)
}
