// Package rest provides the REST half of the connection pipeline: a thin
// transport connection plus a client that routes every call through the
// throttling pipeline.
package rest

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/goccy/go-json"
	"go.uber.org/zap"
)

// DefaultTimeout bounds a single transport round trip when the caller
// supplies no http.Client.
const DefaultTimeout = 30 * time.Second

// Connection performs raw REST round trips. It holds no per-call state
// beyond the underlying http.Client; throttling and retries live in the
// client on top of it.
type Connection struct {
	client *http.Client
	logger *zap.Logger
}

// NewConnection wraps an http.Client. A nil client gets a default with a
// bounded timeout.
func NewConnection(client *http.Client, logger *zap.Logger) *Connection {
	if client == nil {
		client = &http.Client{Timeout: DefaultTimeout}
	}

	if logger == nil {
		logger = zap.NewNop()
	}

	return &Connection{client: client, logger: logger}
}

// Call executes the request and reads the full response body. Transport
// errors are returned as-is so the pipeline can classify them.
func (c *Connection) Call(ctx context.Context, request *Request) (*Response, error) {
	if request.URL == "" {
		return nil, errors.New("request URL cannot be empty")
	}

	target := request.URL
	if len(request.Params) > 0 {
		u, err := url.Parse(target)
		if err != nil {
			return nil, fmt.Errorf("parsing request URL: %w", err)
		}

		q := u.Query()
		for k, vs := range request.Params {
			for _, v := range vs {
				q.Add(k, v)
			}
		}

		u.RawQuery = q.Encode()
		target = u.String()
	}

	body, contentType, err := encodeBody(request.Data)
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, string(request.Method), target, body)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}

	for k, vs := range request.Headers {
		for _, v := range vs {
			httpReq.Header.Add(k, v)
		}
	}

	if contentType != "" && httpReq.Header.Get("Content-Type") == "" {
		httpReq.Header.Set("Content-Type", contentType)
	}

	start := time.Now()

	httpResp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response body: %w", err)
	}

	c.logger.Debug("rest call completed",
		zap.String("method", string(request.Method)),
		zap.String("url", target),
		zap.Int("status", httpResp.StatusCode),
		zap.Duration("elapsed", time.Since(start)))

	return &Response{
		Status:  httpResp.StatusCode,
		Headers: httpResp.Header,
		Body:    respBody,
		URL:     target,
		Method:  request.Method,
	}, nil
}

// encodeBody turns the request data into a reader. Strings and byte
// slices pass through untouched; everything else is JSON-encoded.
func encodeBody(data any) (io.Reader, string, error) {
	switch v := data.(type) {
	case nil:
		return nil, "", nil
	case []byte:
		return bytes.NewReader(v), "", nil
	case string:
		return bytes.NewReader([]byte(v)), "", nil
	default:
		encoded, err := json.Marshal(v)
		if err != nil {
			return nil, "", fmt.Errorf("encoding request body: %w", err)
		}

		return bytes.NewReader(encoded), "application/json", nil
	}
}
