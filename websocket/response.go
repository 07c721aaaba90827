package websocket

import (
	"context"
	"fmt"
	"time"

	"github.com/goccy/go-json"
)

// Response is one inbound WebSocket message. Data holds the decoded JSON
// value when the frame parsed as JSON, otherwise the raw text.
type Response struct {
	Data       any
	Raw        []byte
	ReceivedAt time.Time
}

// JSON decodes the raw frame into v.
func (r *Response) JSON(v any) error {
	if err := json.Unmarshal(r.Raw, v); err != nil {
		return fmt.Errorf("decoding websocket message: %w", err)
	}

	return nil
}

// PreProcessor mutates an outbound message before it is encoded and sent.
type PreProcessor interface {
	PreProcess(ctx context.Context, request *Request) error
}

// PreProcessorFunc adapts a plain function to a PreProcessor.
type PreProcessorFunc func(ctx context.Context, request *Request) error

func (f PreProcessorFunc) PreProcess(ctx context.Context, request *Request) error {
	return f(ctx, request)
}

// PostProcessor mutates an inbound message before it is delivered.
type PostProcessor interface {
	PostProcess(ctx context.Context, response *Response) error
}

// PostProcessorFunc adapts a plain function to a PostProcessor.
type PostProcessorFunc func(ctx context.Context, response *Response) error

func (f PostProcessorFunc) PostProcess(ctx context.Context, response *Response) error {
	return f(ctx, response)
}

// Authenticator signs messages flagged IsAuthRequired.
type Authenticator interface {
	Authenticate(ctx context.Context, request *Request) error
}

// AuthenticatorFunc adapts a plain function to an Authenticator.
type AuthenticatorFunc func(ctx context.Context, request *Request) error

func (f AuthenticatorFunc) Authenticate(ctx context.Context, request *Request) error {
	return f(ctx, request)
}
