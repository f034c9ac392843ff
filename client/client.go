package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"pkt.systems/assetlock/api"
	"pkt.systems/assetlock/internal/correlation"
	"pkt.systems/assetlock/internal/svcfields"
	"pkt.systems/pslog"
)

const (
	// DefaultHTTPTimeout bounds a single locks API request.
	DefaultHTTPTimeout = 10 * time.Second
	// DefaultPageLimit is the page size requested by ListAllLocks.
	DefaultPageLimit = 100
	// maxPages stops pagination against servers that never stop returning a cursor.
	maxPages = 1000
)

// Option customises client construction.
type Option func(*Client)

// WithHTTPClient supplies a custom HTTP client.
func WithHTTPClient(cli *http.Client) Option {
	return func(c *Client) {
		if cli != nil {
			c.httpClient = cli
		}
	}
}

// WithLogger supplies a logger for client diagnostics.
// Passing nil falls back to pslog.NoopLogger().
func WithLogger(logger pslog.Base) Option {
	return func(c *Client) {
		if logger == nil {
			c.logger = pslog.NoopLogger()
			return
		}
		if full, ok := logger.(pslog.Logger); ok {
			c.logger = svcfields.WithSubsystem(full, "client.locks")
			return
		}
		c.logger = logger
	}
}

// WithToken sets a static bearer token.
func WithToken(token string) Option {
	return func(c *Client) {
		token = strings.TrimSpace(token)
		c.tokenSource = func() string { return token }
	}
}

// WithTokenSource resolves the bearer token on every request, so a rotated
// token takes effect without rebuilding the client.
func WithTokenSource(src func() string) Option {
	return func(c *Client) {
		if src != nil {
			c.tokenSource = src
		}
	}
}

// WithHTTPTimeout overrides the per-request timeout.
func WithHTTPTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.httpTimeout = d
		}
	}
}

// WithRefspec scopes every request to a Git ref, e.g. refs/heads/main.
func WithRefspec(ref string) Option {
	return func(c *Client) {
		c.refspec = strings.TrimSpace(ref)
	}
}

// Client talks to one locks endpoint.
type Client struct {
	locksURL    string
	httpClient  *http.Client
	httpTimeout time.Duration
	logger      pslog.Base
	tokenSource func() string
	refspec     string

	mu        sync.Mutex
	lastReqID string
}

// New constructs a client for locksURL.
func New(locksURL string, opts ...Option) (*Client, error) {
	locksURL = strings.TrimRight(strings.TrimSpace(locksURL), "/")
	if locksURL == "" {
		return nil, fmt.Errorf("client: locks url required")
	}
	u, err := url.Parse(locksURL)
	if err != nil {
		return nil, fmt.Errorf("client: parse locks url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("client: unsupported scheme %q", u.Scheme)
	}
	c := &Client{
		locksURL:    locksURL,
		httpTimeout: DefaultHTTPTimeout,
		logger:      pslog.NoopLogger(),
		tokenSource: func() string { return "" },
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	if c.httpClient == nil {
		c.httpClient = &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)}
	}
	return c, nil
}

// LocksURL returns the endpoint the client targets.
func (c *Client) LocksURL() string {
	return c.locksURL
}

// LastRequestID returns the request id reported with the most recent error.
func (c *Client) LastRequestID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastReqID
}

// CreateLock locks path. A 409 returns an *APIError whose Response.Lock holds
// the existing lock.
func (c *Client) CreateLock(ctx context.Context, path string) (*api.Lock, error) {
	req := api.CreateLockRequest{Path: path}
	if c.refspec != "" {
		req.Ref = &api.Ref{Name: c.refspec}
	}
	var resp api.LockResponse
	if err := c.do(ctx, http.MethodPost, c.locksURL, nil, req, &resp); err != nil {
		return nil, err
	}
	if resp.Lock == nil {
		return nil, fmt.Errorf("client: create lock response missing lock")
	}
	return resp.Lock, nil
}

// Unlock releases the lock with id. Force releases a lock owned by someone else.
func (c *Client) Unlock(ctx context.Context, id string, force bool) (*api.Lock, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, fmt.Errorf("client: lock id required")
	}
	req := api.UnlockRequest{Force: force}
	if c.refspec != "" {
		req.Ref = &api.Ref{Name: c.refspec}
	}
	var resp api.LockResponse
	endpoint := c.locksURL + "/" + url.PathEscape(id) + "/unlock"
	if err := c.do(ctx, http.MethodPost, endpoint, nil, req, &resp); err != nil {
		return nil, err
	}
	if resp.Lock == nil {
		return &api.Lock{ID: id}, nil
	}
	return resp.Lock, nil
}

// ListOptions filters a lock listing.
type ListOptions struct {
	Path    string
	ID      string
	Cursor  string
	Limit   int
	Refspec string
}

func (o ListOptions) query(defaultRef string) url.Values {
	q := url.Values{}
	if o.Path != "" {
		q.Set("path", o.Path)
	}
	if o.ID != "" {
		q.Set("id", o.ID)
	}
	if o.Cursor != "" {
		q.Set("cursor", o.Cursor)
	}
	if o.Limit > 0 {
		q.Set("limit", strconv.Itoa(o.Limit))
	}
	ref := o.Refspec
	if ref == "" {
		ref = defaultRef
	}
	if ref != "" {
		q.Set("refspec", ref)
	}
	return q
}

// ListLocks fetches a single page.
func (c *Client) ListLocks(ctx context.Context, opts ListOptions) (*api.ListLocksResponse, error) {
	var resp api.ListLocksResponse
	if err := c.do(ctx, http.MethodGet, c.locksURL, opts.query(c.refspec), nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ListAllLocks follows next_cursor until the listing is exhausted.
func (c *Client) ListAllLocks(ctx context.Context, opts ListOptions) ([]api.Lock, error) {
	if opts.Limit <= 0 {
		opts.Limit = DefaultPageLimit
	}
	var all []api.Lock
	seen := make(map[string]struct{})
	for page := 0; page < maxPages; page++ {
		resp, err := c.ListLocks(ctx, opts)
		if err != nil {
			return nil, err
		}
		all = append(all, resp.Locks...)
		next := strings.TrimSpace(resp.NextCursor)
		if next == "" {
			return all, nil
		}
		if _, dup := seen[next]; dup {
			c.logger.Warn("client.locks.list.cursor_loop", "cursor", next)
			return all, nil
		}
		seen[next] = struct{}{}
		opts.Cursor = next
	}
	return all, fmt.Errorf("client: listing exceeded %d pages", maxPages)
}

func (c *Client) do(ctx context.Context, method, endpoint string, query url.Values, payload any, out any) error {
	if ctx == nil {
		ctx = context.Background()
	}
	var body io.Reader
	if payload != nil {
		buf := new(bytes.Buffer)
		if err := json.NewEncoder(buf).Encode(payload); err != nil {
			return err
		}
		body = buf
	}
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}
	reqCtx, cancel := context.WithTimeout(ctx, c.httpTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(reqCtx, method, endpoint, body)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", api.MediaType)
	if payload != nil {
		req.Header.Set("Content-Type", api.MediaType)
	}
	if token := c.tokenSource(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if id := correlation.ID(ctx); id != "" {
		req.Header.Set(api.CorrelationHeader, id)
	}
	c.logTraceCtx(ctx, "client.http.start", "method", method, "url", endpoint)
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logErrorCtx(ctx, "client.http.transport_error", "method", method, "url", endpoint, "error", err)
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		c.logWarnCtx(ctx, "client.http.error", "method", method, "url", endpoint, "status", resp.StatusCode)
		return c.decodeError(resp)
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil && err != io.EOF {
			return fmt.Errorf("client: decode response: %w", err)
		}
	} else {
		_, _ = io.Copy(io.Discard, resp.Body)
	}
	c.logTraceCtx(ctx, "client.http.success", "method", method, "url", endpoint, "status", resp.StatusCode)
	return nil
}

// APIError is returned for any status other than 200 and 201.
type APIError struct {
	// Status is the HTTP status code returned by the server.
	Status int
	// Response is the decoded error envelope, when available.
	Response api.ErrorResponse
	// Body contains the raw response body.
	Body []byte
}

func (e *APIError) Error() string {
	if e.Response.Message != "" {
		return fmt.Sprintf("client: status %d: %s", e.Status, e.Response.Message)
	}
	return fmt.Sprintf("client: status %d", e.Status)
}

func (c *Client) decodeError(resp *http.Response) error {
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	apiErr := &APIError{Status: resp.StatusCode, Body: data}
	if len(data) > 0 {
		// keep the raw body when the envelope is not JSON
		_ = json.Unmarshal(data, &apiErr.Response)
	}
	if apiErr.Response.RequestID != "" {
		c.mu.Lock()
		c.lastReqID = apiErr.Response.RequestID
		c.mu.Unlock()
	}
	return apiErr
}

func (c *Client) enrichKeyvals(ctx context.Context, keyvals []any) []any {
	cid := correlation.ID(ctx)
	if cid == "" {
		return keyvals
	}
	enriched := append([]any(nil), keyvals...)
	return append(enriched, "cid", cid)
}

func (c *Client) logTraceCtx(ctx context.Context, msg string, keyvals ...any) {
	c.logger.Trace(msg, c.enrichKeyvals(ctx, keyvals)...)
}

func (c *Client) logWarnCtx(ctx context.Context, msg string, keyvals ...any) {
	c.logger.Warn(msg, c.enrichKeyvals(ctx, keyvals)...)
}

func (c *Client) logErrorCtx(ctx context.Context, msg string, keyvals ...any) {
	c.logger.Error(msg, c.enrichKeyvals(ctx, keyvals)...)
}
