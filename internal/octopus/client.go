package octopus

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	appErr "github.com/iac-studio/featurebranch/pkg/errors"
	"golang.org/x/time/rate"
)

// PageSize caps every list request.
const PageSize = 1000

const apiKeyHeader = "X-Octopus-ApiKey"

// Client talks to the Octopus REST API. It carries the server URL and API key
// so no request reads process-wide state.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	limiter    *rate.Limiter
}

// Option customises client instantiation.
type Option func(*Client)

// WithHTTPClient overrides the default HTTP client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) {
		if h != nil {
			c.httpClient = h
		}
	}
}

// WithTimeout sets the per-request timeout of the default HTTP client.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.httpClient.Timeout = d
		}
	}
}

// WithRateLimit throttles outgoing requests. A non-positive rps disables throttling.
func WithRateLimit(rps float64, burst int) Option {
	return func(c *Client) {
		if rps <= 0 {
			c.limiter = nil
			return
		}
		if burst < 1 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
}

// New constructs a Client pointing at the provided server URL.
func New(base, apiKey string, opts ...Option) (*Client, error) {
	trimmed := strings.TrimSpace(base)
	if trimmed == "" {
		return nil, appErr.New(appErr.CodeInvalid, "octopus url is required")
	}
	if !strings.HasPrefix(trimmed, "http://") && !strings.HasPrefix(trimmed, "https://") {
		trimmed = "https://" + trimmed
	}
	if _, err := url.Parse(trimmed); err != nil {
		return nil, appErr.Wrap(err, appErr.CodeInvalid, "invalid octopus url")
	}
	cli := &Client{
		baseURL:    strings.TrimRight(trimmed, "/"),
		apiKey:     strings.TrimSpace(apiKey),
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
	for _, opt := range opts {
		opt(cli)
	}
	return cli, nil
}

// APIError represents a non-success response from the server.
type APIError struct {
	Status  int
	Message string
}

func (e APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("octopus request failed with status %d", e.Status)
	}
	return fmt.Sprintf("octopus request failed (%d): %s", e.Status, e.Message)
}

// Item is the minimal shape shared by every named resource.
type Item struct {
	ID   string `json:"Id"`
	Name string `json:"Name"`
}

// List queries a collection with a partial-name prefilter. The server may
// return near-matches; callers apply exact matching themselves.
func (c *Client) List(ctx context.Context, path, partialName string) ([]Item, error) {
	q := url.Values{}
	q.Set("partialName", strings.TrimSpace(partialName))
	var page struct {
		Items []Item `json:"Items"`
	}
	if err := c.Query(ctx, path, q, &page); err != nil {
		return nil, err
	}
	return page.Items, nil
}

// Query issues a capped GET against a collection and decodes the page into v.
func (c *Client) Query(ctx context.Context, path string, q url.Values, v any) error {
	if q == nil {
		q = url.Values{}
	}
	q.Set("take", fmt.Sprint(PageSize))
	if err := c.do(ctx, http.MethodGet, path+"?"+q.Encode(), nil, v); err != nil {
		return readFault(err, path)
	}
	return nil
}

// Get fetches the full representation of a single item.
func (c *Client) Get(ctx context.Context, path string, v any) error {
	if err := c.do(ctx, http.MethodGet, path, nil, v); err != nil {
		return readFault(err, path)
	}
	return nil
}

// Create posts a new representation and decodes the server's copy, including its Id, into v.
func (c *Client) Create(ctx context.Context, path string, body, v any) error {
	if err := c.do(ctx, http.MethodPost, path, body, v); err != nil {
		return serverFault(err, http.MethodPost, path)
	}
	return nil
}

// Update replaces the item at path with body.
func (c *Client) Update(ctx context.Context, path string, body any) error {
	if err := c.do(ctx, http.MethodPut, path, body, nil); err != nil {
		return serverFault(err, http.MethodPut, path)
	}
	return nil
}

// Delete removes the item at path.
func (c *Client) Delete(ctx context.Context, path string) error {
	if err := c.do(ctx, http.MethodDelete, path, nil, nil); err != nil {
		return serverFault(err, http.MethodDelete, path)
	}
	return nil
}

// Action triggers a named side effect on an item, e.g. cancelling a task.
func (c *Client) Action(ctx context.Context, path, action string) error {
	target := path + "/" + url.PathEscape(action)
	if err := c.do(ctx, http.MethodPost, target, nil, nil); err != nil {
		return serverFault(err, http.MethodPost, target)
	}
	return nil
}

func (c *Client) do(ctx context.Context, method, path string, body any, v any) error {
	if c == nil {
		return fmt.Errorf("client is nil")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("rate limit wait: %w", err)
		}
	}
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request body: %w", err)
		}
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set(apiKeyHeader, c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return APIError{Status: resp.StatusCode, Message: extractError(resp.Body)}
	}

	if v == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func extractError(body io.Reader) string {
	var payload struct {
		ErrorMessage string   `json:"ErrorMessage"`
		Errors       []string `json:"Errors"`
	}
	data, err := io.ReadAll(io.LimitReader(body, 64<<10))
	if err != nil || len(data) == 0 {
		return ""
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		return strings.TrimSpace(string(data))
	}
	msg := payload.ErrorMessage
	if len(payload.Errors) > 0 {
		msg = strings.TrimSpace(msg + " " + strings.Join(payload.Errors, "; "))
	}
	return msg
}

func readFault(err error, path string) error {
	return withStatus(appErr.Wrap(err, appErr.CodeUnavailable, "octopus read failed").
		WithMeta("method", http.MethodGet).
		WithMeta("path", path), err)
}

func serverFault(err error, method, path string) error {
	return withStatus(appErr.Wrap(err, appErr.CodeServerCommunication, "octopus rejected "+strings.ToLower(method)).
		WithMeta("method", method).
		WithMeta("path", path), err)
}

func withStatus(ae *appErr.AppError, err error) *appErr.AppError {
	if apiErr, ok := err.(APIError); ok {
		ae.WithMeta("status", apiErr.Status)
	}
	return ae
}
