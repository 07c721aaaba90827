package rest

import (
	"fmt"
	"net/http"

	"github.com/goccy/go-json"
)

// Response is the fully-read result of one REST call.
type Response struct {
	Status  int
	Headers http.Header
	Body    []byte
	URL     string
	Method  Method
}

// JSON decodes the response body into v.
func (r *Response) JSON(v any) error {
	if err := json.Unmarshal(r.Body, v); err != nil {
		return fmt.Errorf("decoding response from %s: %w", r.URL, err)
	}

	return nil
}

// Text returns the response body as a string.
func (r *Response) Text() string {
	return string(r.Body)
}
