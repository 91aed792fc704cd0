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
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"pkt.systems/kvcoord/api"
	"pkt.systems/kvcoord/duration"
	"pkt.systems/kvcoord/internal/correlation"
	"pkt.systems/kvcoord/internal/svcfields"
	"pkt.systems/pslog"
)

// DefaultHTTPTimeout bounds non-blocking calls.
const DefaultHTTPTimeout = 15 * time.Second

// Consistency modes accepted by WithConsistency.
const (
	ConsistencyDefault    = ""
	ConsistencyConsistent = "consistent"
	ConsistencyStale      = "stale"
)

// Client is a thin HTTP client for the /v1/kv and /v1/session endpoints.
// It is safe for concurrent use.
type Client struct {
	base        *url.URL
	httpClient  *http.Client
	httpTimeout time.Duration
	token       string
	datacenter  string
	consistency string
	logger      pslog.Logger
}

// Option customises a Client.
type Option func(*Client)

// WithHTTPClient supplies a custom HTTP client/transport stack. The client's
// own Timeout should be zero; deadlines are applied per call so blocking
// reads are not cut short.
func WithHTTPClient(cli *http.Client) Option {
	return func(c *Client) {
		if cli != nil {
			c.httpClient = cli
		}
	}
}

// WithLogger supplies a logger for client diagnostics.
// Passing nil falls back to pslog.NoopLogger().
func WithLogger(logger pslog.Logger) Option {
	return func(c *Client) {
		c.logger = svcfields.WithSubsystem(logger, "client.http")
	}
}

// WithHTTPTimeout overrides the deadline used for non-blocking calls.
func WithHTTPTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.httpTimeout = d
		}
	}
}

// WithToken sets the ACL token sent as X-Consul-Token.
func WithToken(token string) Option {
	return func(c *Client) {
		c.token = strings.TrimSpace(token)
	}
}

// WithDatacenter sets the dc query parameter on every request.
func WithDatacenter(dc string) Option {
	return func(c *Client) {
		c.datacenter = strings.TrimSpace(dc)
	}
}

// WithConsistency selects the read consistency mode for KV and session
// reads (ConsistencyConsistent or ConsistencyStale).
func WithConsistency(mode string) Option {
	return func(c *Client) {
		c.consistency = strings.ToLower(strings.TrimSpace(mode))
	}
}

// New constructs a client for baseURL. A bare host:port is treated as http.
func New(baseURL string, opts ...Option) (*Client, error) {
	trimmed := strings.TrimSpace(baseURL)
	if trimmed == "" {
		return nil, fmt.Errorf("kvcoord: base URL required")
	}
	if !strings.Contains(trimmed, "://") {
		trimmed = "http://" + trimmed
	}
	u, err := url.Parse(trimmed)
	if err != nil {
		return nil, fmt.Errorf("kvcoord: parse base URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("kvcoord: unsupported scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("kvcoord: base URL %q has no host", baseURL)
	}
	u.Path = strings.TrimRight(u.Path, "/")
	c := &Client{
		base:        u,
		httpTimeout: DefaultHTTPTimeout,
		logger:      pslog.NoopLogger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	switch c.consistency {
	case ConsistencyDefault, ConsistencyConsistent, ConsistencyStale:
	default:
		return nil, fmt.Errorf("kvcoord: unknown consistency mode %q", c.consistency)
	}
	if c.httpClient == nil {
		c.httpClient = &http.Client{
			Transport: otelhttp.NewTransport(&correlation.Transport{Base: http.DefaultTransport}),
		}
	}
	c.logDebug("client.init", "address", u.String(), "datacenter", c.datacenter, "consistency", c.consistency)
	return c, nil
}

// Address returns the base URL the client talks to.
func (c *Client) Address() string {
	return c.base.String()
}

// APIError describes a non-2xx response.
type APIError struct {
	// Status is the HTTP status code returned by the server.
	Status int
	Method string
	Path   string
	// Body contains the raw response body for diagnostics.
	Body []byte
}

func (e *APIError) Error() string {
	body := strings.TrimSpace(string(e.Body))
	if body == "" {
		return fmt.Sprintf("kvcoord: %s %s: status %d", e.Method, e.Path, e.Status)
	}
	return fmt.Sprintf("kvcoord: %s %s: status %d: %s", e.Method, e.Path, e.Status, body)
}

// HTTPStatus returns the response status code.
func (e *APIError) HTTPStatus() int {
	if e == nil {
		return 0
	}
	return e.Status
}

type request struct {
	method  string
	path    string
	query   url.Values
	body    []byte
	json    bool
	read    bool
	q       api.QueryOptions
	timeout time.Duration
	// allow lists non-2xx statuses that are returned without an error.
	allow []int
}

// exec performs r and returns the response metadata and body. Non-2xx
// statuses not listed in r.allow produce an *APIError alongside the
// metadata.
func (c *Client) exec(ctx context.Context, r request) (*api.Response, []byte, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	query := url.Values{}
	for k, v := range r.query {
		query[k] = v
	}
	if c.datacenter != "" {
		query.Set("dc", c.datacenter)
	}
	timeout := r.timeout
	if r.read {
		if r.q.Index > 0 {
			query.Set("index", strconv.FormatUint(r.q.Index, 10))
		}
		if r.q.Wait > 0 {
			query.Set("wait", duration.Format(r.q.Wait))
		}
		if c.consistency != "" {
			query.Set(c.consistency, "")
		}
		if r.q.Timeout > 0 {
			timeout = r.q.Timeout
		} else if r.q.Wait > 0 {
			timeout = duration.Timeout(r.q.Wait)
		}
	}
	if timeout <= 0 {
		timeout = c.httpTimeout
	}
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	u := *c.base
	u.Path = c.base.Path + r.path
	u.RawPath = ""
	u.Fragment = ""
	u.RawQuery = encodeQuery(query)
	var body io.Reader
	if r.body != nil {
		body = bytes.NewReader(r.body)
	}
	req, err := http.NewRequestWithContext(reqCtx, r.method, u.String(), body)
	if err != nil {
		return nil, nil, err
	}
	if r.json {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set(api.HeaderToken, c.token)
	}
	c.logTraceCtx(ctx, "client.http.start", "method", r.method, "path", r.path, "index", r.q.Index, "wait", r.q.Wait)
	httpResp, err := c.httpClient.Do(req)
	if err != nil {
		c.logDebugCtx(ctx, "client.http.transport_error", "method", r.method, "path", r.path, "error", err)
		return nil, nil, err
	}
	defer httpResp.Body.Close()
	data, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return api.NewResponse(httpResp), nil, err
	}
	resp := api.NewResponse(httpResp)
	if resp.OK() || allowed(r.allow, resp.StatusCode) {
		c.logTraceCtx(ctx, "client.http.success", "method", r.method, "path", r.path, "status", resp.StatusCode)
		return resp, data, nil
	}
	c.logDebugCtx(ctx, "client.http.error", "method", r.method, "path", r.path, "status", resp.StatusCode)
	return resp, data, &APIError{Status: resp.StatusCode, Method: r.method, Path: r.path, Body: data}
}

// encodeQuery renders flag-style parameters (empty values) as bare keys,
// e.g. "recurse&index=5".
func encodeQuery(v url.Values) string {
	if len(v) == 0 {
		return ""
	}
	encoded := v.Encode()
	parts := strings.Split(encoded, "&")
	for i, p := range parts {
		parts[i] = strings.TrimSuffix(p, "=")
	}
	return strings.Join(parts, "&")
}

func allowed(list []int, status int) bool {
	for _, s := range list {
		if s == status {
			return true
		}
	}
	return false
}

func decodeJSON(data []byte, out any) error {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("kvcoord: decode response: %w", err)
	}
	return nil
}

func marshalJSON(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("kvcoord: encode request: %w", err)
	}
	return data, nil
}

func decodeBool(data []byte) (bool, error) {
	switch strings.TrimSpace(string(data)) {
	case "true":
		return true, nil
	case "false":
		return false, nil
	default:
		return false, fmt.Errorf("kvcoord: unexpected boolean response %q", strings.TrimSpace(string(data)))
	}
}

func kvPath(key string) string {
	return "/v1/kv/" + strings.TrimPrefix(key, "/")
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

func (c *Client) logDebugCtx(ctx context.Context, msg string, keyvals ...any) {
	c.logger.Debug(msg, c.enrichKeyvals(ctx, keyvals)...)
}

func (c *Client) logDebug(msg string, keyvals ...any) {
	c.logDebugCtx(context.Background(), msg, keyvals...)
}
