package throttler

import (
	"container/heap"
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/serroba/netpipe/clock"
)

// Throttler grants or denies permission to perform rate-limited operations.
// All matching limits for a request are checked and committed inside one
// critical section, so a caller can never consume one limit's budget and
// then fail on another.
type Throttler struct {
	ts              clock.TimeSource
	logger          *zap.Logger
	safetyMarginPct float64
	sharePct        float64

	mu        sync.Mutex
	limits    map[string]RateLimit
	store     *windowStore
	waiters   waiterQueue
	arrival   uint64
	wakeTimer clock.Timer
}

// Option configures a Throttler.
type Option func(*Throttler)

// WithTimeSource replaces the system clock, mainly for tests.
func WithTimeSource(ts clock.TimeSource) Option {
	return func(t *Throttler) { t.ts = ts }
}

// WithLogger attaches a logger. Defaults to a no-op logger.
func WithLogger(logger *zap.Logger) Option {
	return func(t *Throttler) { t.logger = logger }
}

// WithSafetyMargin shaves pct (0 <= pct < 1) off every limit's effective
// capacity, leaving headroom for requests the remote may count but this
// process never observed.
func WithSafetyMargin(pct float64) Option {
	return func(t *Throttler) { t.safetyMarginPct = pct }
}

// WithLimitsShare scales every configured cap to pct percent of its value,
// so several processes can split one account quota by configuration.
func WithLimitsShare(pct float64) Option {
	return func(t *Throttler) { t.sharePct = pct }
}

// NewThrottler creates a throttler for the given rate limits.
func NewThrottler(limits []RateLimit, opts ...Option) (*Throttler, error) {
	t := &Throttler{
		ts:       clock.NewRealTimeSource(),
		logger:   zap.NewNop(),
		sharePct: 100,
		store:    newWindowStore(),
	}

	for _, opt := range opts {
		opt(t)
	}

	if t.sharePct <= 0 || t.sharePct > 100 {
		return nil, &ConfigurationError{Reason: fmt.Sprintf("limits share percentage %v out of range (0, 100]", t.sharePct)}
	}

	if t.safetyMarginPct < 0 || t.safetyMarginPct >= 1 {
		return nil, &ConfigurationError{Reason: fmt.Sprintf("safety margin %v out of range [0, 1)", t.safetyMarginPct)}
	}

	if err := t.Configure(limits); err != nil {
		return nil, err
	}

	return t, nil
}

// Configure replaces the active rule set. Usage already recorded for limit
// IDs that survive the change keeps counting against the new caps.
func (t *Throttler) Configure(limits []RateLimit) error {
	scaled := make(map[string]RateLimit, len(limits))

	for _, limit := range limits {
		if err := limit.validate(); err != nil {
			return err
		}

		limit.Limit = int64(float64(limit.Limit) * t.sharePct / 100)
		if limit.Limit < 1 {
			return &ConfigurationError{
				LimitID: limit.ID,
				Reason:  fmt.Sprintf("limits share percentage %v leaves no capacity", t.sharePct),
			}
		}

		scaled[limit.ID] = limit
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	t.limits = scaled

	// Queued waiters were resolved against the old rule set; rebind them
	// so they are dispatched against the new caps. A waiter whose limit
	// disappeared is granted unthrottled, matching Acquire.
	for _, w := range append([]*waiter(nil), t.waiters...) {
		w.related = t.resolveLocked(w.req)
		if len(w.related) == 0 {
			heap.Remove(&t.waiters, w.index)
			w.ch <- &Permit{id: uuid.NewString()}
		}
	}

	t.dispatchLocked()

	return nil
}

// RateLimits returns a snapshot of the active (share-scaled) rule set.
func (t *Throttler) RateLimits() []RateLimit {
	t.mu.Lock()
	defer t.mu.Unlock()

	limits := make([]RateLimit, 0, len(t.limits))
	for _, limit := range t.limits {
		limits = append(limits, limit)
	}

	return limits
}

// LimitsSharePercentage returns the configured share of the account quota.
func (t *Throttler) LimitsSharePercentage() float64 {
	return t.sharePct
}

// Copy returns a throttler with the same configuration and fresh usage
// state. Share scaling is not reapplied.
func (t *Throttler) Copy() *Throttler {
	t.mu.Lock()
	defer t.mu.Unlock()

	limits := make(map[string]RateLimit, len(t.limits))
	for id, limit := range t.limits {
		limits[id] = limit
	}

	return &Throttler{
		ts:              t.ts,
		logger:          t.logger,
		safetyMarginPct: t.safetyMarginPct,
		sharePct:        t.sharePct,
		limits:          limits,
		store:           newWindowStore(),
	}
}

// grantSpec is one limit the current request must consume, with the weight
// it will be charged.
type grantSpec struct {
	limit  RateLimit
	weight int64
}

// Acquire obtains a permit for the request, blocking until every matching
// limit has headroom or ctx is done. With NoWait set it returns a
// DenialError carrying the earliest retry-after instead of blocking.
// A request matching no configured limit is granted immediately.
func (t *Throttler) Acquire(ctx context.Context, req AcquisitionRequest) (*Permit, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("acquire %q: %w", req.LimitID, err)
	}

	t.mu.Lock()

	related := t.resolveLocked(req)
	if len(related) == 0 {
		t.mu.Unlock()
		t.logger.Debug("no rate limit configured for request, granting",
			zap.String("limit_id", req.LimitID))

		return &Permit{id: uuid.NewString()}, nil
	}

	for _, g := range related {
		if eff := t.effectiveLimit(g.limit); g.weight > eff {
			t.mu.Unlock()

			return nil, &ConfigurationError{
				LimitID: g.limit.ID,
				Reason:  fmt.Sprintf("request weight %d exceeds effective capacity %d", g.weight, eff),
			}
		}
	}

	if req.NoWait {
		return t.acquireNoWaitLocked(req, related)
	}

	w := &waiter{
		req:     req,
		related: related,
		arrival: t.arrival,
		ch:      make(chan *Permit, 1),
	}
	t.arrival++

	heap.Push(&t.waiters, w)
	t.dispatchLocked()

	waitStart := t.ts.Now()
	t.mu.Unlock()

	select {
	case p := <-w.ch:
		WaitSeconds.Observe(t.ts.Since(waitStart).Seconds())
		GrantsTotal.WithLabelValues(req.LimitID).Inc()

		return p, nil
	case <-ctx.Done():
		return nil, t.cancelWaiter(ctx, w)
	}
}

// acquireNoWaitLocked serves the immediate-return mode. Caller holds the
// lock; it is released before returning.
func (t *Throttler) acquireNoWaitLocked(req AcquisitionRequest, related []grantSpec) (*Permit, error) {
	now := t.ts.Now()

	// Queued waiters contending for an overlapping limit go first:
	// granting around them would starve the queue. Waiters on unrelated
	// limits do not hold this request back.
	if !t.hasContendingWaiterLocked(related) {
		if ok, _ := t.headroomLocked(related, now); ok {
			p := t.commitLocked(req.LimitID, related, now)
			t.mu.Unlock()
			GrantsTotal.WithLabelValues(req.LimitID).Inc()

			return p, nil
		}
	}

	_, retryAfter := t.headroomLocked(related, now)
	t.mu.Unlock()
	DenialsTotal.WithLabelValues(req.LimitID).Inc()

	return nil, &DenialError{LimitID: req.LimitID, RetryAfter: retryAfter}
}

// cancelWaiter unregisters a waiter whose context finished. If a grant
// raced the cancellation, the already-issued permit is rolled back so a
// canceled caller is never counted as having consumed quota.
func (t *Throttler) cancelWaiter(ctx context.Context, w *waiter) error {
	t.mu.Lock()

	select {
	case p := <-w.ch:
		t.mu.Unlock()
		_ = p.Release()

		return fmt.Errorf("waiting for quota %q: %w", w.req.LimitID, ctx.Err())
	default:
	}

	if w.index >= 0 {
		heap.Remove(&t.waiters, w.index)
	}

	t.dispatchLocked()
	t.mu.Unlock()

	return fmt.Errorf("waiting for quota %q: %w", w.req.LimitID, ctx.Err())
}

func (t *Throttler) release(p *Permit) error {
	t.mu.Lock()

	if p.released {
		t.mu.Unlock()

		return &InvalidUsageError{PermitID: p.id, Reason: "permit already released"}
	}

	p.released = true

	for _, e := range p.entries {
		t.store.remove(e.limitID, e.seq)
	}

	t.dispatchLocked()
	t.mu.Unlock()

	if len(p.entries) > 0 {
		ReleasesTotal.WithLabelValues(p.entries[0].limitID).Inc()
	}

	return nil
}

// resolveLocked expands a request into the limit it names plus every
// configured linked limit. Linked IDs missing from the rule set are skipped.
func (t *Throttler) resolveLocked(req AcquisitionRequest) []grantSpec {
	limit, ok := t.limits[req.LimitID]
	if !ok {
		return nil
	}

	weight := limit.DefaultWeight()
	if req.Weight > 0 {
		weight = req.Weight
	}

	related := []grantSpec{{limit: limit, weight: weight}}

	for _, pair := range limit.LinkedLimits {
		linked, ok := t.limits[pair.ID]
		if !ok {
			t.logger.Debug("linked limit not configured, skipping",
				zap.String("limit_id", limit.ID),
				zap.String("linked_id", pair.ID))

			continue
		}

		linkedWeight := pair.Weight
		if linkedWeight <= 0 {
			linkedWeight = 1
		}

		related = append(related, grantSpec{limit: linked, weight: linkedWeight})
	}

	return related
}

func (t *Throttler) effectiveLimit(limit RateLimit) int64 {
	eff := limit.Limit - int64(math.Ceil(float64(limit.Limit)*t.safetyMarginPct))
	if eff < 1 {
		eff = 1
	}

	return eff
}

// headroomLocked reports whether every limit in related can absorb its
// weight right now. When not, retryAfter is the duration after which the
// last saturated limit frees its earliest in-window entry.
func (t *Throttler) headroomLocked(related []grantSpec, now time.Time) (bool, time.Duration) {
	ok := true

	var retryAfter time.Duration

	for _, g := range related {
		cutoff := now.Add(-g.limit.Interval)

		used := t.store.usage(g.limit.ID, cutoff)
		if used+g.weight <= t.effectiveLimit(g.limit) {
			continue
		}

		ok = false

		if oldest, found := t.store.oldest(g.limit.ID, cutoff); found {
			if wait := oldest.Add(g.limit.Interval).Sub(now); wait > retryAfter {
				retryAfter = wait
			}
		}
	}

	return ok, retryAfter
}

func (t *Throttler) commitLocked(limitID string, related []grantSpec, now time.Time) *Permit {
	p := &Permit{
		id:        uuid.NewString(),
		throttler: t,
		entries:   make([]permitEntry, 0, len(related)),
	}

	for _, g := range related {
		seq := t.store.record(g.limit.ID, now, g.weight)
		p.entries = append(p.entries, permitEntry{limitID: g.limit.ID, seq: seq})
	}

	t.logger.Debug("quota granted",
		zap.String("limit_id", limitID),
		zap.String("permit_id", p.id),
		zap.Int("limits_consumed", len(related)))

	return p
}

// dispatchLocked grants permits to queued waiters in priority order, then
// schedules a wakeup for the next window expiry if anyone is still blocked.
// Every queued waiter is considered, not only the head: a waiter blocked on
// a saturated limit must not stall waiters on other limits.
func (t *Throttler) dispatchLocked() {
	now := t.ts.Now()

	ordered := append([]*waiter(nil), t.waiters...)
	sort.Slice(ordered, func(i, j int) bool {
		if ordered[i].req.Priority != ordered[j].req.Priority {
			return ordered[i].req.Priority > ordered[j].req.Priority
		}

		return ordered[i].arrival < ordered[j].arrival
	})

	for _, w := range ordered {
		ok, _ := t.headroomLocked(w.related, now)
		if !ok {
			continue
		}

		heap.Remove(&t.waiters, w.index)
		w.ch <- t.commitLocked(w.req.LimitID, w.related, now)
	}

	t.scheduleWakeLocked(now)
}

// hasContendingWaiterLocked reports whether any queued waiter wants a limit
// that related also consumes.
func (t *Throttler) hasContendingWaiterLocked(related []grantSpec) bool {
	for _, w := range t.waiters {
		for _, wg := range w.related {
			for _, g := range related {
				if wg.limit.ID == g.limit.ID {
					return true
				}
			}
		}
	}

	return false
}

func (t *Throttler) scheduleWakeLocked(now time.Time) {
	if t.wakeTimer != nil {
		t.wakeTimer.Stop()
		t.wakeTimer = nil
	}

	if t.waiters.Len() == 0 {
		return
	}

	var next time.Time

	for _, w := range t.waiters {
		for _, g := range w.related {
			cutoff := now.Add(-g.limit.Interval)

			oldest, found := t.store.oldest(g.limit.ID, cutoff)
			if !found {
				continue
			}

			expiry := oldest.Add(g.limit.Interval)
			if next.IsZero() || expiry.Before(next) {
				next = expiry
			}
		}
	}

	if next.IsZero() {
		return
	}

	t.wakeTimer = t.ts.AfterFunc(next.Sub(now), func() {
		t.mu.Lock()
		t.dispatchLocked()
		t.mu.Unlock()
	})
}

// waiter is one blocked acquisition. The original request is kept so the
// waiter can be re-resolved when the rule set changes.
type waiter struct {
	req     AcquisitionRequest
	related []grantSpec
	arrival uint64
	index   int
	ch      chan *Permit
}

// waiterQueue orders waiters by priority (higher first), FIFO within a
// priority.
type waiterQueue []*waiter

func (q waiterQueue) Len() int { return len(q) }

func (q waiterQueue) Less(i, j int) bool {
	if q[i].req.Priority != q[j].req.Priority {
		return q[i].req.Priority > q[j].req.Priority
	}

	return q[i].arrival < q[j].arrival
}

func (q waiterQueue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index = i
	q[j].index = j
}

func (q *waiterQueue) Push(x any) {
	w := x.(*waiter)
	w.index = len(*q)
	*q = append(*q, w)
}

func (q *waiterQueue) Pop() any {
	old := *q
	n := len(old)
	w := old[n-1]
	old[n-1] = nil
	w.index = -1
	*q = old[:n-1]

	return w
}
