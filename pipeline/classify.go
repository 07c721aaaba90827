package pipeline

import (
	"context"
	"errors"
	"io"
	"net"
	"syscall"
)

// retryableError marks an error as transient regardless of its type.
type retryableError struct {
	err error
}

func (e *retryableError) Error() string {
	return e.err.Error()
}

func (e *retryableError) Unwrap() error {
	return e.err
}

// Retryable wraps err so the executor treats it as transient. Transport
// layers use it to flag conditions the default classification cannot see,
// such as a retryable HTTP status.
func Retryable(err error) error {
	if err == nil {
		return nil
	}

	return &retryableError{err: err}
}

// IsRetryable classifies a transport failure. Timeouts and connection
// resets are transient; everything else (auth failures, malformed
// requests, canceled contexts) is fatal and must not be retried.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var marked *retryableError
	if errors.As(err, &marked) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	switch {
	case errors.Is(err, syscall.ECONNRESET),
		errors.Is(err, syscall.ECONNABORTED),
		errors.Is(err, syscall.ECONNREFUSED),
		errors.Is(err, syscall.EPIPE),
		errors.Is(err, io.ErrUnexpectedEOF):
		return true
	}

	return false
}
