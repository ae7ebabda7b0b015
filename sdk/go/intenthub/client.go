package intenthub

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"time"
)

// DefaultHTTPTimeout is used by clients created without a custom http.Client.
// Submissions block until the adapter finishes, so it is longer than a plain
// REST call would need.
const DefaultHTTPTimeout = 3 * time.Minute

// HeaderIntentID carries a caller assigned intent id on submissions.
const HeaderIntentID = "X-Intent-ID"

// Client wraps the HTTP interactions with the IntentHub REST API.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client
}

// SubmitResult is the hub's answer to an envelope submission. It is returned
// for rejected and failed intents as well, alongside an *APIError.
type SubmitResult struct {
	IntentID  string   `json:"intent_id"`
	State     string   `json:"state"`
	Outcome   *Outcome `json:"outcome,omitempty"`
	Code      string   `json:"code,omitempty"`
	Message   string   `json:"message,omitempty"`
	Retryable bool     `json:"retryable,omitempty"`

	// RetryWithNewID is set when the failure is transient but the intent id
	// is already consumed; resubmit under a fresh id.
	RetryWithNewID bool `json:"retry_with_new_id,omitempty"`
}

// Outcome is the adapter result of a succeeded intent.
type Outcome struct {
	Action  string            `json:"action"`
	Summary string            `json:"summary"`
	TxHash  string            `json:"tx_hash,omitempty"`
	Data    map[string]string `json:"data,omitempty"`
}

// Record is the replay record stored for an intent id.
type Record struct {
	ID        string `json:"id"`
	Action    string `json:"action"`
	Status    string `json:"status"`
	Summary   string `json:"summary,omitempty"`
	ErrorCode string `json:"error_code,omitempty"`
	CreatedAt int64  `json:"created_at"`
	UpdatedAt int64  `json:"updated_at"`
}

// Stats aggregates records by status.
type Stats struct {
	Total           int   `json:"total"`
	Pending         int   `json:"pending"`
	Succeeded       int   `json:"succeeded"`
	Failed          int   `json:"failed"`
	OldestUpdatedAt int64 `json:"oldest_updated_at,omitempty"`
	NewestUpdatedAt int64 `json:"newest_updated_at,omitempty"`
}

// Health reports the registered actions and circuit breaker states.
type Health struct {
	Status   string            `json:"status"`
	Actions  []string          `json:"actions"`
	Breakers map[string]string `json:"breakers,omitempty"`
}

// Query filters List and Stats.
type Query struct {
	Statuses []string
	Actions  []string
	Limit    int
	Offset   int
	Oldest   bool
	Since    time.Time
	Until    time.Time
	Text     string
}

func (q Query) values() url.Values {
	values := url.Values{}
	for _, s := range q.Statuses {
		values.Add("status", s)
	}
	for _, a := range q.Actions {
		values.Add("action", a)
	}
	if q.Limit > 0 {
		values.Set("limit", strconv.Itoa(q.Limit))
	}
	if q.Offset > 0 {
		values.Set("offset", strconv.Itoa(q.Offset))
	}
	if q.Oldest {
		values.Set("order", "asc")
	}
	if !q.Since.IsZero() {
		values.Set("since", strconv.FormatInt(q.Since.Unix(), 10))
	}
	if !q.Until.IsZero() {
		values.Set("until", strconv.FormatInt(q.Until.Unix(), 10))
	}
	if q.Text != "" {
		values.Set("q", q.Text)
	}
	return values
}

// APIError represents a non-2xx answer from the hub.
type APIError struct {
	StatusCode int
	Code       string `json:"code"`
	Message    string `json:"message"`
	Retryable  bool   `json:"retryable"`
}

func (e *APIError) Error() string {
	if e == nil {
		return ""
	}
	if e.Code != "" {
		return fmt.Sprintf("intenthub api error (%d): %s - %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("intenthub api error (%d): %s", e.StatusCode, e.Message)
}

// NewClient instantiates a client for the hub at rawURL. When httpClient is
// nil, a client with DefaultHTTPTimeout is used.
func NewClient(rawURL string, httpClient *http.Client) (*Client, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return nil, fmt.Errorf("invalid base url %q: scheme and host are required", rawURL)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	return &Client{baseURL: parsed, httpClient: httpClient}, nil
}

// Submit posts a raw envelope. An empty id lets the hub derive one from the
// envelope bytes. On rejection the decoded result is returned with an *APIError.
func (c *Client) Submit(ctx context.Context, envelope []byte, id string) (SubmitResult, error) {
	req, err := c.newRequest(ctx, http.MethodPost, "/api/v1/intents", nil, bytes.NewReader(envelope))
	if err != nil {
		return SubmitResult{}, err
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	if id != "" {
		req.Header.Set(HeaderIntentID, id)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return SubmitResult{}, fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return SubmitResult{}, fmt.Errorf("read response: %w", err)
	}

	var result SubmitResult
	decodeErr := json.Unmarshal(data, &result)
	if resp.StatusCode >= 400 {
		return result, apiError(resp.StatusCode, data)
	}
	if decodeErr != nil {
		return SubmitResult{}, fmt.Errorf("decode response: %w", decodeErr)
	}
	return result, nil
}

// Get fetches the replay record for id.
func (c *Client) Get(ctx context.Context, id string) (Record, error) {
	var record Record
	if err := c.get(ctx, "/api/v1/intents/"+url.PathEscape(id), nil, &record); err != nil {
		return Record{}, err
	}
	return record, nil
}

// List returns records matching q.
func (c *Client) List(ctx context.Context, q Query) ([]Record, error) {
	var resp struct {
		Records []Record `json:"records"`
	}
	if err := c.get(ctx, "/api/v1/intents", q.values(), &resp); err != nil {
		return nil, err
	}
	return resp.Records, nil
}

// Stats aggregates records matching q.
func (c *Client) Stats(ctx context.Context, q Query) (Stats, error) {
	var stats Stats
	if err := c.get(ctx, "/api/v1/intents/stats", q.values(), &stats); err != nil {
		return Stats{}, err
	}
	return stats, nil
}

// Health reads /healthz.
func (c *Client) Health(ctx context.Context) (Health, error) {
	var health Health
	if err := c.get(ctx, "/healthz", nil, &health); err != nil {
		return Health{}, err
	}
	return health, nil
}

func (c *Client) get(ctx context.Context, endpoint string, query url.Values, out any) error {
	req, err := c.newRequest(ctx, http.MethodGet, endpoint, query, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) newRequest(ctx context.Context, method, endpoint string, query url.Values, body io.Reader) (*http.Request, error) {
	rel := &url.URL{Path: path.Join(c.baseURL.Path, endpoint)}
	u := c.baseURL.ResolveReference(rel)
	if len(query) > 0 {
		u.RawQuery = query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	return req, nil
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("read error response: %w", err)
		}
		return apiError(resp.StatusCode, data)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func apiError(status int, data []byte) *APIError {
	apiErr := &APIError{StatusCode: status}
	if len(data) > 0 {
		_ = json.Unmarshal(data, apiErr)
	}
	if apiErr.Message == "" {
		apiErr.Message = string(bytes.TrimSpace(data))
	}
	return apiErr
}

// IsNotFound reports whether err is a 404 from the hub.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}
