package rest

import (
	"context"
	"fmt"
	"time"

	"github.com/goccy/go-json"

	"github.com/serroba/netpipe/timesync"
)

// ParseServerTime extracts the remote timestamp from a time endpoint's
// response body.
type ParseServerTime func(body []byte) (time.Time, error)

// TimeEndpoint adapts a REST time endpoint into a timesync.RemoteTimeSource.
// It calls the endpoint directly on the transport connection: clock sync
// round trips are latency measurements and must not sit in a quota queue.
type TimeEndpoint struct {
	conn  *Connection
	url   string
	parse ParseServerTime
}

// NewTimeEndpoint creates a remote time source backed by a GET endpoint.
func NewTimeEndpoint(conn *Connection, url string, parse ParseServerTime) *TimeEndpoint {
	return &TimeEndpoint{conn: conn, url: url, parse: parse}
}

// ServerTime fetches and parses the remote clock reading.
func (t *TimeEndpoint) ServerTime(ctx context.Context) (time.Time, error) {
	resp, err := t.conn.Call(ctx, &Request{Method: MethodGet, URL: t.url})
	if err != nil {
		return time.Time{}, err
	}

	if resp.Status != 200 {
		return time.Time{}, fmt.Errorf("time endpoint returned HTTP %d", resp.Status)
	}

	return t.parse(resp.Body)
}

var _ timesync.RemoteTimeSource = (*TimeEndpoint)(nil)

// UnixMilliField returns a parser reading a millisecond Unix timestamp
// from the named top-level JSON field, the common shape of exchange
// serverTime endpoints.
func UnixMilliField(field string) ParseServerTime {
	return func(body []byte) (time.Time, error) {
		var payload map[string]json.RawMessage
		if err := json.Unmarshal(body, &payload); err != nil {
			return time.Time{}, fmt.Errorf("decoding time response: %w", err)
		}

		raw, ok := payload[field]
		if !ok {
			return time.Time{}, fmt.Errorf("time response missing field %q", field)
		}

		var millis int64
		if err := json.Unmarshal(raw, &millis); err != nil {
			return time.Time{}, fmt.Errorf("decoding field %q: %w", field, err)
		}

		return time.UnixMilli(millis), nil
	}
}
