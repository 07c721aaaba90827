package rest

import (
	"net/http"
	"net/url"

	"github.com/serroba/netpipe/timesync"
)

// Request describes one outbound REST call. Either URL (absolute) or
// EndpointURL (joined to the client's base URL) must be set.
type Request struct {
	Method      Method
	URL         string
	EndpointURL string
	Params      url.Values
	// Data is the request body. Maps and structs are JSON-encoded;
	// []byte and string are sent as-is.
	Data    any
	Headers http.Header

	// IsAuthRequired makes the client run its authenticator on the
	// request before sending.
	IsAuthRequired bool
	// ThrottlerLimitID selects the rate limit the call consumes.
	// Empty means unthrottled.
	ThrottlerLimitID string
	// Weight overrides the limit's default weight when positive.
	Weight int64
	// Priority reorders blocked quota waiters.
	Priority int

	// RequiresTimestamp makes the pipeline inject a corrected timestamp
	// into Timestamp before pre-processing.
	RequiresTimestamp bool
	// RequireFreshSync forces a clock sync round trip before the call.
	RequireFreshSync bool
	// Timestamp is populated by the pipeline when RequiresTimestamp is
	// set; pre-processors read it to sign the request.
	Timestamp timesync.Timestamp
}

// clone returns a shallow copy with its own header and param containers,
// so per-attempt mutations by processors never leak between retries.
func (r *Request) clone() *Request {
	cp := *r

	if r.Headers != nil {
		cp.Headers = r.Headers.Clone()
	}

	if r.Params != nil {
		cp.Params = make(url.Values, len(r.Params))
		for k, v := range r.Params {
			cp.Params[k] = append([]string(nil), v...)
		}
	}

	return &cp
}
