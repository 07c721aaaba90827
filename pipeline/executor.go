// Package pipeline orchestrates rate-limited operations: acquire quota,
// fetch a corrected timestamp when required, perform the transport I/O,
// and retry transient failures with bounded exponential backoff.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jaevor/go-nanoid"
	"go.uber.org/zap"

	"github.com/serroba/netpipe/clock"
	"github.com/serroba/netpipe/throttler"
	"github.com/serroba/netpipe/timesync"
)

// DefaultBackoffBase is the first retry delay when none is configured.
const DefaultBackoffBase = 250 * time.Millisecond

// DefaultBackoffCap bounds the exponential growth of retry delays.
const DefaultBackoffCap = 30 * time.Second

// State tracks one operation through the pipeline.
type State int

const (
	StatePending State = iota
	StateThrottled
	StateInFlight
	StateSucceeded
	StateFailedRetryable
	StateFailedFatal
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateThrottled:
		return "throttled"
	case StateInFlight:
		return "in_flight"
	case StateSucceeded:
		return "succeeded"
	case StateFailedRetryable:
		return "failed_retryable"
	case StateFailedFatal:
		return "failed_fatal"
	default:
		return "unknown"
	}
}

// Operation describes one unit of work going through the pipeline.
type Operation struct {
	// LimitID selects the rate limit the operation consumes.
	LimitID string
	// Weight overrides the limit's default weight when positive.
	Weight int64
	// Priority reorders blocked quota waiters.
	Priority int
	// RequiresTimestamp makes the pipeline fetch a corrected timestamp
	// before the I/O and pass it to Do.
	RequiresTimestamp bool
	// RequireFreshSync forces a synchronization round trip before the
	// operation. Its failure is then surfaced instead of proceeding with
	// best-effort local time.
	RequireFreshSync bool
	// Ready, when set, is checked after quota is acquired and before the
	// I/O. A non-nil error aborts the operation and releases the permit,
	// so quota is not charged for work never attempted.
	Ready func() error
	// Do performs the transport I/O for one attempt.
	Do func(ctx context.Context, ts timesync.Timestamp) error
}

// Executor runs operations through the acquire → timestamp → I/O → record
// sequence shared by the REST and WebSocket managers.
type Executor struct {
	throttler    *throttler.Throttler
	synchronizer *timesync.Synchronizer
	policy       throttler.AcquirePolicy
	maxRetries   int
	backoffBase  time.Duration
	backoffCap   time.Duration
	noWait       bool
	ts           clock.TimeSource
	logger       *zap.Logger
	newOpID      func() string
}

// Option configures an Executor.
type Option func(*Executor)

// WithSynchronizer attaches a clock synchronizer for timestamped operations.
func WithSynchronizer(s *timesync.Synchronizer) Option {
	return func(e *Executor) { e.synchronizer = s }
}

// WithAcquirePolicy installs an admission policy consulted before quota is
// consumed.
func WithAcquirePolicy(p throttler.AcquirePolicy) Option {
	return func(e *Executor) { e.policy = p }
}

// WithMaxRetries sets how many times a transient failure is retried.
// Zero disables retries.
func WithMaxRetries(n int) Option {
	return func(e *Executor) { e.maxRetries = n }
}

// WithBackoffBase sets the first retry delay; each retry doubles it.
func WithBackoffBase(d time.Duration) Option {
	return func(e *Executor) { e.backoffBase = d }
}

// WithBackoffCap bounds the retry delay.
func WithBackoffCap(d time.Duration) Option {
	return func(e *Executor) { e.backoffCap = d }
}

// WithNoWaitAcquire makes quota acquisition return immediately on
// saturation; the executor then sleeps for the reported retry-after
// instead of blocking inside the throttler.
func WithNoWaitAcquire() Option {
	return func(e *Executor) { e.noWait = true }
}

// WithTimeSource replaces the system clock, mainly for tests.
func WithTimeSource(ts clock.TimeSource) Option {
	return func(e *Executor) { e.ts = ts }
}

// WithLogger attaches a logger. Defaults to a no-op logger.
func WithLogger(logger *zap.Logger) Option {
	return func(e *Executor) { e.logger = logger }
}

// NewExecutor creates a pipeline executor on top of the given throttler.
func NewExecutor(t *throttler.Throttler, opts ...Option) *Executor {
	gen, _ := nanoid.Standard(10)

	e := &Executor{
		throttler:   t,
		backoffBase: DefaultBackoffBase,
		backoffCap:  DefaultBackoffCap,
		ts:          clock.NewRealTimeSource(),
		logger:      zap.NewNop(),
		newOpID:     gen,
	}

	for _, opt := range opts {
		opt(e)
	}

	return e
}

// Execute runs the operation to a terminal state. Transient failures are
// retried up to the configured ceiling with exponential backoff; fatal
// failures propagate immediately. On any path where the I/O never ran, the
// held permit is released first.
func (e *Executor) Execute(ctx context.Context, op Operation) error {
	if op.Do == nil {
		return errors.New("pipeline: operation has no Do function")
	}

	opID := e.newOpID()
	log := e.logger.With(zap.String("op_id", opID), zap.String("limit_id", op.LimitID))

	var lastErr error

	for attempt := 1; ; attempt++ {
		permit, err := e.acquire(ctx, op)
		if err != nil {
			var denial *throttler.DenialError
			if errors.As(err, &denial) {
				if attempt > e.maxRetries {
					OperationsTotal.WithLabelValues("rate_limited").Inc()

					return &RateLimitError{LimitID: op.LimitID, RetryAfter: denial.RetryAfter}
				}

				log.Debug("quota denied, backing off",
					zap.Int("attempt", attempt),
					zap.Duration("retry_after", denial.RetryAfter))

				if werr := e.sleep(ctx, maxDuration(denial.RetryAfter, e.backoff(attempt))); werr != nil {
					return werr
				}

				continue
			}

			OperationsTotal.WithLabelValues("acquire_failed").Inc()

			return err
		}

		err = e.attempt(ctx, op, permit)
		if err == nil {
			log.Debug("operation succeeded", zap.Int("attempts", attempt), zap.String("state", StateSucceeded.String()))
			OperationsTotal.WithLabelValues("succeeded").Inc()

			return nil
		}

		if !IsRetryable(err) {
			log.Debug("operation failed",
				zap.Int("attempts", attempt),
				zap.String("state", StateFailedFatal.String()),
				zap.Error(err))
			OperationsTotal.WithLabelValues("failed_fatal").Inc()

			return err
		}

		lastErr = err

		if attempt > e.maxRetries {
			OperationsTotal.WithLabelValues("retries_exhausted").Inc()

			return &RetriesExhaustedError{Attempts: attempt, Err: lastErr}
		}

		delay := e.backoff(attempt)
		log.Debug("retrying after transient failure",
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay),
			zap.Error(err))

		if werr := e.sleep(ctx, delay); werr != nil {
			return werr
		}
	}
}

// attempt runs one acquire-held attempt: readiness gate, timestamp fetch,
// then the I/O. The permit is released whenever Do does not run.
func (e *Executor) attempt(ctx context.Context, op Operation, permit *throttler.Permit) error {
	if op.Ready != nil {
		if err := op.Ready(); err != nil {
			_ = permit.Release()

			return err
		}
	}

	if err := ctx.Err(); err != nil {
		_ = permit.Release()

		return fmt.Errorf("before I/O: %w", err)
	}

	ts, err := e.timestamp(ctx, op)
	if err != nil {
		_ = permit.Release()

		return err
	}

	AttemptsTotal.Inc()

	return op.Do(ctx, ts)
}

func (e *Executor) acquire(ctx context.Context, op Operation) (*throttler.Permit, error) {
	req := throttler.AcquisitionRequest{
		LimitID:  op.LimitID,
		Weight:   op.Weight,
		Priority: op.Priority,
		NoWait:   e.noWait,
	}

	if e.policy != nil && !e.policy.CanAcquire(req) {
		return nil, &RateLimitError{LimitID: op.LimitID, Vetoed: true}
	}

	return e.throttler.Acquire(ctx, req)
}

// timestamp resolves the corrected timestamp for a time-sensitive
// operation. Without a synchronizer, local time is used and flagged
// unsynchronized; a failed mandatory sync is surfaced.
func (e *Executor) timestamp(ctx context.Context, op Operation) (timesync.Timestamp, error) {
	if !op.RequiresTimestamp {
		return timesync.Timestamp{}, nil
	}

	if e.synchronizer == nil {
		return timesync.Timestamp{Time: e.ts.Now(), Synchronized: false}, nil
	}

	if op.RequireFreshSync {
		if _, err := e.synchronizer.Sync(ctx); err != nil {
			return timesync.Timestamp{}, fmt.Errorf("mandatory clock sync: %w", err)
		}
	}

	return e.synchronizer.Now(), nil
}

func (e *Executor) backoff(attempt int) time.Duration {
	delay := e.backoffBase

	for i := 1; i < attempt; i++ {
		if e.backoffCap > 0 && delay >= e.backoffCap {
			break
		}

		next := delay << 1
		if next <= delay {
			// The shift overflowed.
			break
		}

		delay = next
	}

	if e.backoffCap > 0 && delay > e.backoffCap {
		delay = e.backoffCap
	}

	return delay
}

// sleep waits for d or until ctx is done, whichever comes first.
func (e *Executor) sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}

	done := make(chan struct{})
	timer := e.ts.AfterFunc(d, func() { close(done) })

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		timer.Stop()

		return fmt.Errorf("backoff wait: %w", ctx.Err())
	}
}

func maxDuration(a, b time.Duration) time.Duration {
	if a > b {
		return a
	}

	return b
}
