package rest

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"go.uber.org/zap"

	"github.com/serroba/netpipe/pipeline"
	"github.com/serroba/netpipe/timesync"
)

// Client is the REST connection manager. It is stateless between calls
// beyond its configuration: every call is one pipeline execution through
// the shared throttler.
type Client struct {
	baseURL       string
	conn          *Connection
	exec          *pipeline.Executor
	pre           []PreProcessor
	post          []PostProcessor
	auth          Authenticator
	retryStatuses map[int]struct{}
	logger        *zap.Logger
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithConnection replaces the default transport connection.
func WithConnection(conn *Connection) ClientOption {
	return func(c *Client) { c.conn = conn }
}

// WithPreProcessors appends request pre-processors, run in order.
func WithPreProcessors(processors ...PreProcessor) ClientOption {
	return func(c *Client) { c.pre = append(c.pre, processors...) }
}

// WithPostProcessors appends response post-processors, run in order.
func WithPostProcessors(processors ...PostProcessor) ClientOption {
	return func(c *Client) { c.post = append(c.post, processors...) }
}

// WithAuthenticator installs the signer used for IsAuthRequired requests.
func WithAuthenticator(auth Authenticator) ClientOption {
	return func(c *Client) { c.auth = auth }
}

// WithRetryStatuses marks HTTP status codes as transient, so responses
// carrying them are retried like transport failures.
func WithRetryStatuses(codes ...int) ClientOption {
	return func(c *Client) {
		for _, code := range codes {
			c.retryStatuses[code] = struct{}{}
		}
	}
}

// WithClientLogger attaches a logger. Defaults to a no-op logger.
func WithClientLogger(logger *zap.Logger) ClientOption {
	return func(c *Client) { c.logger = logger }
}

// NewClient creates a REST client against baseURL, executing every call
// through the given pipeline executor.
func NewClient(baseURL string, exec *pipeline.Executor, opts ...ClientOption) *Client {
	c := &Client{
		baseURL:       strings.TrimSuffix(baseURL, "/"),
		exec:          exec,
		retryStatuses: make(map[int]struct{}),
		logger:        zap.NewNop(),
	}

	for _, opt := range opts {
		opt(c)
	}

	if c.conn == nil {
		c.conn = NewConnection(nil, c.logger)
	}

	return c
}

// RequestOption customizes one call made through a verb helper.
type RequestOption func(*Request)

// WithParams sets the query parameters.
func WithParams(params url.Values) RequestOption {
	return func(r *Request) { r.Params = params }
}

// WithBody sets the request body (JSON-encoded unless []byte or string).
func WithBody(data any) RequestOption {
	return func(r *Request) { r.Data = data }
}

// WithHeader adds one header.
func WithHeader(key, value string) RequestOption {
	return func(r *Request) {
		if r.Headers == nil {
			r.Headers = http.Header{}
		}

		r.Headers.Add(key, value)
	}
}

// WithLimit routes the call through the named rate limit.
func WithLimit(limitID string) RequestOption {
	return func(r *Request) { r.ThrottlerLimitID = limitID }
}

// WithWeight overrides the limit's default weight.
func WithWeight(weight int64) RequestOption {
	return func(r *Request) { r.Weight = weight }
}

// WithPriority reorders blocked quota waiters for this call.
func WithPriority(priority int) RequestOption {
	return func(r *Request) { r.Priority = priority }
}

// WithAuth marks the request for the client's authenticator.
func WithAuth() RequestOption {
	return func(r *Request) { r.IsAuthRequired = true }
}

// WithTimestamp requests a corrected timestamp injected before signing.
func WithTimestamp() RequestOption {
	return func(r *Request) { r.RequiresTimestamp = true }
}

// WithFreshSync forces a clock sync round trip before the call.
func WithFreshSync() RequestOption {
	return func(r *Request) {
		r.RequiresTimestamp = true
		r.RequireFreshSync = true
	}
}

// Get issues a GET against path.
func (c *Client) Get(ctx context.Context, path string, opts ...RequestOption) (*Response, error) {
	return c.call(ctx, MethodGet, path, opts)
}

// Post issues a POST against path.
func (c *Client) Post(ctx context.Context, path string, opts ...RequestOption) (*Response, error) {
	return c.call(ctx, MethodPost, path, opts)
}

// Put issues a PUT against path.
func (c *Client) Put(ctx context.Context, path string, opts ...RequestOption) (*Response, error) {
	return c.call(ctx, MethodPut, path, opts)
}

// Delete issues a DELETE against path.
func (c *Client) Delete(ctx context.Context, path string, opts ...RequestOption) (*Response, error) {
	return c.call(ctx, MethodDelete, path, opts)
}

func (c *Client) call(ctx context.Context, method Method, path string, opts []RequestOption) (*Response, error) {
	req := &Request{Method: method, EndpointURL: path}

	for _, opt := range opts {
		opt(req)
	}

	return c.Execute(ctx, req)
}

// Execute runs one request through the pipeline: quota acquisition,
// timestamp injection, pre-processing, the transport round trip, and
// post-processing. Retries re-run the whole attempt on a fresh clone.
func (c *Client) Execute(ctx context.Context, request *Request) (*Response, error) {
	var response *Response

	op := c.operation(request, &response)

	if err := c.exec.Execute(ctx, op); err != nil {
		return nil, err
	}

	return response, nil
}

func (c *Client) operation(request *Request, response **Response) pipeline.Operation {
	return pipeline.Operation{
		LimitID:           request.ThrottlerLimitID,
		Weight:            request.Weight,
		Priority:          request.Priority,
		RequiresTimestamp: request.RequiresTimestamp,
		RequireFreshSync:  request.RequireFreshSync,
		Do: func(ctx context.Context, ts timesync.Timestamp) error {
			attempt := request.clone()
			attempt.Timestamp = ts

			if attempt.URL == "" {
				attempt.URL = c.resolveURL(attempt.EndpointURL)
			}

			if attempt.IsAuthRequired && c.auth != nil {
				if err := c.auth.Authenticate(ctx, attempt); err != nil {
					return fmt.Errorf("authenticating request: %w", err)
				}
			}

			for _, p := range c.pre {
				if err := p.PreProcess(ctx, attempt); err != nil {
					return fmt.Errorf("pre-processing request: %w", err)
				}
			}

			resp, err := c.conn.Call(ctx, attempt)
			if err != nil {
				return err
			}

			if _, retry := c.retryStatuses[resp.Status]; retry {
				return pipeline.Retryable(fmt.Errorf("HTTP %d from %s", resp.Status, resp.URL))
			}

			for _, p := range c.post {
				if err := p.PostProcess(ctx, resp); err != nil {
					return fmt.Errorf("post-processing response: %w", err)
				}
			}

			*response = resp

			return nil
		},
	}
}

func (c *Client) resolveURL(endpoint string) string {
	if endpoint == "" {
		return c.baseURL
	}

	return c.baseURL + "/" + strings.TrimPrefix(endpoint, "/")
}
