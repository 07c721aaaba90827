package rest

import "context"

// PreProcessor mutates an outbound request before it is sent. Processors
// run in registration order; typical uses are auth headers and timestamp
// signing.
type PreProcessor interface {
	PreProcess(ctx context.Context, request *Request) error
}

// PreProcessorFunc adapts a plain function to a PreProcessor.
type PreProcessorFunc func(ctx context.Context, request *Request) error

func (f PreProcessorFunc) PreProcess(ctx context.Context, request *Request) error {
	return f(ctx, request)
}

// PostProcessor mutates a response after it is received, in registration
// order.
type PostProcessor interface {
	PostProcess(ctx context.Context, response *Response) error
}

// PostProcessorFunc adapts a plain function to a PostProcessor.
type PostProcessorFunc func(ctx context.Context, response *Response) error

func (f PostProcessorFunc) PostProcess(ctx context.Context, response *Response) error {
	return f(ctx, response)
}

// Authenticator signs requests flagged IsAuthRequired.
type Authenticator interface {
	Authenticate(ctx context.Context, request *Request) error
}

// AuthenticatorFunc adapts a plain function to an Authenticator.
type AuthenticatorFunc func(ctx context.Context, request *Request) error

func (f AuthenticatorFunc) Authenticate(ctx context.Context, request *Request) error {
	return f(ctx, request)
}
