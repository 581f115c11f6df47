package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"golang.org/x/oauth2"

	"github.com/fluxkompensator/postfixer/internal/model"
)

// DefaultTimeout bounds every request, including readiness probes.
const DefaultTimeout = 10 * time.Second

// Client talks to the Postfixer backend REST API.
type Client struct {
	http    *resty.Client
	baseURL string
	now     func() time.Time
}

// Config represents client configuration.
type Config struct {
	BaseURL   string
	Token     string // optional bearer token
	Timeout   time.Duration
	UserAgent string
	Debug     bool

	// HTTPClient replaces the default transport (tests, proxies).
	HTTPClient *http.Client

	// Now stamps records that arrive without a timestamp.
	Now func() time.Time
}

// NewClient creates a new Postfixer API client.
//
// Transport level retries are disabled: the retry package owns the whole
// attempt budget.
func NewClient(cfg Config) *Client {
	if cfg.UserAgent == "" {
		cfg.UserAgent = "postfixerterm/1.0"
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{}
	}
	if cfg.Token != "" {
		ctx := context.WithValue(context.Background(), oauth2.HTTPClient, hc)
		hc = oauth2.NewClient(ctx, oauth2.StaticTokenSource(&oauth2.Token{
			AccessToken: cfg.Token,
			TokenType:   "Bearer",
		}))
	}

	httpClient := resty.NewWithClient(hc).
		SetBaseURL(strings.TrimRight(cfg.BaseURL, "/")).
		SetTimeout(cfg.Timeout).
		SetRetryCount(0).
		SetHeader("User-Agent", cfg.UserAgent).
		SetHeader("Accept", "application/json").
		SetHeader("Content-Type", "application/json")
	if cfg.Debug {
		httpClient.SetDebug(true)
	}

	return &Client{
		http:    httpClient,
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		now:     cfg.Now,
	}
}

// BaseURL returns the configured API root.
func (c *Client) BaseURL() string {
	return c.baseURL
}

type requestOpts struct {
	query  map[string]string
	body   any
	result any
}

func (c *Client) do(ctx context.Context, method, path string, opts requestOpts) error {
	req := c.http.R().SetContext(ctx)
	if opts.body != nil {
		req.SetBody(opts.body)
	}
	for k, v := range opts.query {
		req.SetQueryParam(k, v)
	}

	resp, err := req.Execute(method, path)
	if err != nil {
		return &NetworkError{
			Operation: method,
			URL:       c.baseURL + path,
			Err:       err,
		}
	}
	if resp.IsError() {
		return c.errorFrom(method, path, resp)
	}
	// Decoded here rather than through resty so a bad body is not mistaken
	// for a transport failure.
	if opts.result != nil && len(resp.Body()) > 0 {
		if err := json.Unmarshal(resp.Body(), opts.result); err != nil {
			return &DecodeError{Method: method, Path: path, StatusCode: resp.StatusCode(), Err: err}
		}
	}
	return nil
}

// errorFrom maps an error response onto an APIError, using the backend's
// {"error": "..."} body when present.
func (c *Client) errorFrom(method, path string, resp *resty.Response) error {
	apiErr := &APIError{
		StatusCode: resp.StatusCode(),
		Method:     method,
		Path:       path,
	}
	var body struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(resp.Body(), &body); err == nil {
		apiErr.Message = body.Error
		if apiErr.Message == "" {
			apiErr.Message = body.Message
		}
	}
	if apiErr.Message == "" {
		apiErr.Message = http.StatusText(resp.StatusCode())
	}
	return apiErr
}

// ServerStatus returns the backend's readiness word ("ready" once it can
// serve data).
func (c *Client) ServerStatus(ctx context.Context) (string, error) {
	var out struct {
		Status string `json:"status"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/server_status", requestOpts{result: &out}); err != nil {
		return "", err
	}
	return out.Status, nil
}

// DataQuery selects the history window. Zero values let the backend pick
// its default of the last hour.
type DataQuery struct {
	Start time.Time
	End   time.Time
}

// DataResponse is the payload of GET /api/data.
type DataResponse struct {
	Historical []model.Record       `json:"historical_data"`
	Recent     model.RecentAggregate `json:"recent_data"`
	Version    string                `json:"version,omitempty"`
	StartTime  string                `json:"start_time,omitempty"`
	EndTime    string                `json:"end_time,omitempty"`
}

// Data fetches the request history and the recent aggregate. Records
// without a timestamp are stamped with the client's clock.
func (c *Client) Data(ctx context.Context, q DataQuery) (*DataResponse, error) {
	query := map[string]string{}
	if !q.Start.IsZero() {
		query["start_time"] = q.Start.UTC().Format(time.RFC3339)
	}
	if !q.End.IsZero() {
		query["end_time"] = q.End.UTC().Format(time.RFC3339)
	}
	if !q.Start.IsZero() && !q.End.IsZero() && !q.Start.Before(q.End) {
		return nil, &model.ValidationError{Field: "start_time", Message: "must be before end_time"}
	}

	var out DataResponse
	if err := c.do(ctx, http.MethodGet, "/api/data", requestOpts{query: query, result: &out}); err != nil {
		return nil, err
	}
	now := c.now()
	for i := range out.Historical {
		out.Historical[i].EnsureTimestamp(now)
	}
	if out.Recent == nil {
		out.Recent = model.RecentAggregate{}
	}
	return &out, nil
}

// KeyOptions lists the policy attributes the backend understands.
func (c *Client) KeyOptions(ctx context.Context) ([]string, error) {
	var out []string
	if err := c.do(ctx, http.MethodGet, "/api/key_options", requestOpts{result: &out}); err != nil {
		return nil, err
	}
	return out, nil
}

// Ping checks the unauthenticated health endpoint.
func (c *Client) Ping(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/health", requestOpts{})
}

func itoa(i int) string {
	return strconv.Itoa(i)
}
