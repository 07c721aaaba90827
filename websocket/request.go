package websocket

import (
	"github.com/serroba/netpipe/timesync"
)

// Kind distinguishes the wire encoding of an outbound message.
type Kind int

const (
	// KindJSON sends the payload JSON-encoded as a text frame.
	KindJSON Kind = iota
	// KindText sends the payload string as-is.
	KindText
)

// Request is one outbound WebSocket message. Like REST requests it can be
// routed through a rate limit and carry an injected timestamp.
type Request struct {
	Kind    Kind
	Payload any

	IsAuthRequired bool
	// ThrottlerLimitID selects the rate limit the send consumes.
	// Empty means unthrottled.
	ThrottlerLimitID string
	// Weight overrides the limit's default weight when positive.
	Weight int64
	// Priority reorders blocked quota waiters.
	Priority int

	// RequiresTimestamp makes the pipeline inject a corrected timestamp
	// into Timestamp before pre-processing.
	RequiresTimestamp bool
	// RequireFreshSync forces a clock sync round trip before the send.
	RequireFreshSync bool
	// Timestamp is populated by the pipeline when RequiresTimestamp is set.
	Timestamp timesync.Timestamp
}

// RequestOption customizes an outbound message.
type RequestOption func(*Request)

// WithLimit routes the send through the named rate limit.
func WithLimit(limitID string) RequestOption {
	return func(r *Request) { r.ThrottlerLimitID = limitID }
}

// WithWeight overrides the limit's default weight.
func WithWeight(weight int64) RequestOption {
	return func(r *Request) { r.Weight = weight }
}

// WithPriority reorders blocked quota waiters for this send.
func WithPriority(priority int) RequestOption {
	return func(r *Request) { r.Priority = priority }
}

// WithAuth marks the message for the client's authenticator.
func WithAuth() RequestOption {
	return func(r *Request) { r.IsAuthRequired = true }
}

// WithTimestamp requests a corrected timestamp injected before signing.
func WithTimestamp() RequestOption {
	return func(r *Request) { r.RequiresTimestamp = true }
}

// NewJSONRequest builds a JSON message from any encodable payload.
func NewJSONRequest(payload any, opts ...RequestOption) *Request {
	r := &Request{Kind: KindJSON, Payload: payload}

	for _, opt := range opts {
		opt(r)
	}

	return r
}

// NewTextRequest builds a plain-text message.
func NewTextRequest(payload string, opts ...RequestOption) *Request {
	r := &Request{Kind: KindText, Payload: payload}

	for _, opt := range opts {
		opt(r)
	}

	return r
}

// clone returns a shallow copy so per-attempt mutations by processors
// never leak between retries.
func (r *Request) clone() *Request {
	cp := *r

	return &cp
}
