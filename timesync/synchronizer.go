// Package timesync estimates the offset between the local clock and a
// remote authoritative clock, and supplies corrected timestamps for
// signed or time-sensitive requests.
package timesync

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/serroba/netpipe/clock"
)

// DefaultMaxLatency is the round-trip ceiling above which a sync sample is
// considered too noisy to trust.
const DefaultMaxLatency = 5 * time.Second

// RemoteTimeSource fetches the remote service's notion of the current time.
type RemoteTimeSource interface {
	ServerTime(ctx context.Context) (time.Time, error)
}

// RemoteTimeFunc adapts a plain function to a RemoteTimeSource.
type RemoteTimeFunc func(ctx context.Context) (time.Time, error)

func (f RemoteTimeFunc) ServerTime(ctx context.Context) (time.Time, error) {
	return f(ctx)
}

// Offset is one successful sync sample: remote time minus local time at the
// midpoint of the round trip.
type Offset struct {
	Delta    time.Duration
	RTT      time.Duration
	SyncedAt time.Time
}

// Timestamp is a corrected wall-clock reading. Synchronized is false when
// no sync has succeeded yet and the value is the uncorrected local time.
type Timestamp struct {
	Time         time.Time
	Synchronized bool
	// Age is the time elapsed since the offset in use was measured.
	Age time.Duration
}

// SyncError reports a failed or untrustworthy synchronization round trip.
type SyncError struct {
	Reason string
	RTT    time.Duration
	Err    error
}

func (e *SyncError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("time sync failed: %s: %v", e.Reason, e.Err)
	}

	return fmt.Sprintf("time sync failed: %s", e.Reason)
}

func (e *SyncError) Unwrap() error {
	return e.Err
}

// Synchronizer measures and stores a single clock offset. It does not
// schedule itself; callers decide when to resync. The stored offset is
// swapped atomically, so concurrent readers always observe a complete
// sample, never a torn mix.
type Synchronizer struct {
	source     RemoteTimeSource
	ts         clock.TimeSource
	logger     *zap.Logger
	maxLatency time.Duration

	offset atomic.Pointer[Offset]
}

// Option configures a Synchronizer.
type Option func(*Synchronizer)

// WithTimeSource replaces the system clock, mainly for tests.
func WithTimeSource(ts clock.TimeSource) Option {
	return func(s *Synchronizer) { s.ts = ts }
}

// WithLogger attaches a logger. Defaults to a no-op logger.
func WithLogger(logger *zap.Logger) Option {
	return func(s *Synchronizer) { s.logger = logger }
}

// WithMaxLatency sets the round-trip sanity threshold.
func WithMaxLatency(d time.Duration) Option {
	return func(s *Synchronizer) { s.maxLatency = d }
}

// NewSynchronizer creates a synchronizer against the given remote source.
func NewSynchronizer(source RemoteTimeSource, opts ...Option) *Synchronizer {
	s := &Synchronizer{
		source:     source,
		ts:         clock.NewRealTimeSource(),
		logger:     zap.NewNop(),
		maxLatency: DefaultMaxLatency,
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// Sync performs one round trip against the remote time source and replaces
// the stored offset on success. The offset is computed as
// remote − (send + rtt/2), attributing half the round trip to each leg.
func (s *Synchronizer) Sync(ctx context.Context) (Offset, error) {
	send := s.ts.Now()

	remote, err := s.source.ServerTime(ctx)

	rtt := s.ts.Since(send)

	if err != nil {
		return Offset{}, &SyncError{Reason: "remote time fetch failed", RTT: rtt, Err: err}
	}

	if rtt > s.maxLatency {
		return Offset{}, &SyncError{
			Reason: fmt.Sprintf("round trip %s exceeds sanity threshold %s", rtt, s.maxLatency),
			RTT:    rtt,
		}
	}

	offset := Offset{
		Delta:    remote.Sub(send.Add(rtt / 2)),
		RTT:      rtt,
		SyncedAt: s.ts.Now(),
	}
	s.offset.Store(&offset)

	s.logger.Debug("clock synchronized",
		zap.Duration("delta", offset.Delta),
		zap.Duration("rtt", rtt))

	return offset, nil
}

// Now returns the corrected current time. Before the first successful sync
// it returns the uncorrected local time flagged as unsynchronized; it never
// fails.
func (s *Synchronizer) Now() Timestamp {
	local := s.ts.Now()

	offset := s.offset.Load()
	if offset == nil {
		return Timestamp{Time: local, Synchronized: false}
	}

	return Timestamp{
		Time:         local.Add(offset.Delta),
		Synchronized: true,
		Age:          s.ts.Since(offset.SyncedAt),
	}
}

// Offset returns the last successful sample, if any.
func (s *Synchronizer) Offset() (Offset, bool) {
	offset := s.offset.Load()
	if offset == nil {
		return Offset{}, false
	}

	return *offset, true
}
