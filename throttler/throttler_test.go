package throttler_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/serroba/netpipe/clock"
	"github.com/serroba/netpipe/throttler"
)

func newThrottler(t *testing.T, ts *clock.FakeTimeSource, limits ...throttler.RateLimit) *throttler.Throttler {
	t.Helper()

	th, err := throttler.NewThrottler(limits, throttler.WithTimeSource(ts))
	require.NoError(t, err)

	return th
}

func acquireNoWait(t *testing.T, th *throttler.Throttler, limitID string) *throttler.Permit {
	t.Helper()

	p, err := th.Acquire(context.Background(), throttler.AcquisitionRequest{LimitID: limitID, NoWait: true})
	require.NoError(t, err)
	require.NotNil(t, p)

	return p
}

func TestThrottlerAcquire(t *testing.T) {
	t.Run("grants requests under the cap", func(t *testing.T) {
		ts := clock.NewFakeTimeSource()
		th := newThrottler(t, ts, throttler.RateLimit{ID: "orders", Limit: 3, Interval: time.Minute})

		for range 3 {
			acquireNoWait(t, th, "orders")
		}
	})

	t.Run("denies over the cap with retry-after", func(t *testing.T) {
		ts := clock.NewFakeTimeSource()
		th := newThrottler(t, ts, throttler.RateLimit{ID: "orders", Limit: 3, Interval: time.Minute})

		for range 3 {
			acquireNoWait(t, th, "orders")
		}

		ts.Advance(time.Second)

		_, err := th.Acquire(context.Background(), throttler.AcquisitionRequest{LimitID: "orders", NoWait: true})

		var denial *throttler.DenialError

		require.ErrorAs(t, err, &denial)
		assert.Equal(t, "orders", denial.LimitID)
		assert.Equal(t, 59*time.Second, denial.RetryAfter)
	})

	t.Run("window slides past old consumption", func(t *testing.T) {
		ts := clock.NewFakeTimeSource()
		th := newThrottler(t, ts, throttler.RateLimit{ID: "orders", Limit: 2, Interval: time.Minute})

		acquireNoWait(t, th, "orders")
		acquireNoWait(t, th, "orders")

		_, err := th.Acquire(context.Background(), throttler.AcquisitionRequest{LimitID: "orders", NoWait: true})
		require.Error(t, err)

		ts.Advance(61 * time.Second)

		acquireNoWait(t, th, "orders")
	})

	t.Run("grants requests matching no configured limit", func(t *testing.T) {
		ts := clock.NewFakeTimeSource()
		th := newThrottler(t, ts, throttler.RateLimit{ID: "orders", Limit: 1, Interval: time.Minute})

		p, err := th.Acquire(context.Background(), throttler.AcquisitionRequest{LimitID: "unknown"})

		require.NoError(t, err)
		require.NotNil(t, p)
		require.NoError(t, p.Release())
	})

	t.Run("rejects weight exceeding capacity", func(t *testing.T) {
		ts := clock.NewFakeTimeSource()
		th := newThrottler(t, ts, throttler.RateLimit{ID: "orders", Limit: 5, Interval: time.Minute})

		_, err := th.Acquire(context.Background(), throttler.AcquisitionRequest{LimitID: "orders", Weight: 6})

		var confErr *throttler.ConfigurationError

		require.ErrorAs(t, err, &confErr)
	})

	t.Run("weighted acquisitions consume their weight", func(t *testing.T) {
		ts := clock.NewFakeTimeSource()
		th := newThrottler(t, ts, throttler.RateLimit{ID: "orders", Limit: 5, Interval: time.Minute})

		p, err := th.Acquire(context.Background(), throttler.AcquisitionRequest{LimitID: "orders", Weight: 3, NoWait: true})
		require.NoError(t, err)
		require.NotNil(t, p)

		acquireNoWait(t, th, "orders")
		acquireNoWait(t, th, "orders")

		_, err = th.Acquire(context.Background(), throttler.AcquisitionRequest{LimitID: "orders", NoWait: true})
		require.Error(t, err)
	})

	t.Run("returns immediately when context is already done", func(t *testing.T) {
		ts := clock.NewFakeTimeSource()
		th := newThrottler(t, ts, throttler.RateLimit{ID: "orders", Limit: 1, Interval: time.Minute})

		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		_, err := th.Acquire(ctx, throttler.AcquisitionRequest{LimitID: "orders"})

		require.ErrorIs(t, err, context.Canceled)
	})
}

func TestThrottlerRelease(t *testing.T) {
	t.Run("released consumption frees the window", func(t *testing.T) {
		ts := clock.NewFakeTimeSource()
		th := newThrottler(t, ts, throttler.RateLimit{ID: "orders", Limit: 1, Interval: time.Minute})

		p := acquireNoWait(t, th, "orders")

		_, err := th.Acquire(context.Background(), throttler.AcquisitionRequest{LimitID: "orders", NoWait: true})
		require.Error(t, err)

		require.NoError(t, p.Release())

		acquireNoWait(t, th, "orders")
	})

	t.Run("double release is an invalid usage error", func(t *testing.T) {
		ts := clock.NewFakeTimeSource()
		th := newThrottler(t, ts, throttler.RateLimit{ID: "orders", Limit: 1, Interval: time.Minute})

		p := acquireNoWait(t, th, "orders")

		require.NoError(t, p.Release())

		var usageErr *throttler.InvalidUsageError

		require.ErrorAs(t, p.Release(), &usageErr)
	})

	t.Run("double release of an unmatched permit is an invalid usage error", func(t *testing.T) {
		ts := clock.NewFakeTimeSource()
		th := newThrottler(t, ts)

		p, err := th.Acquire(context.Background(), throttler.AcquisitionRequest{LimitID: "anything"})
		require.NoError(t, err)

		require.NoError(t, p.Release())

		var usageErr *throttler.InvalidUsageError

		require.ErrorAs(t, p.Release(), &usageErr)
	})

	t.Run("release wakes a blocked waiter", func(t *testing.T) {
		ts := clock.NewFakeTimeSource()
		th := newThrottler(t, ts, throttler.RateLimit{ID: "orders", Limit: 1, Interval: time.Minute})

		p := acquireNoWait(t, th, "orders")

		granted := make(chan *throttler.Permit, 1)

		go func() {
			wp, err := th.Acquire(context.Background(), throttler.AcquisitionRequest{LimitID: "orders"})
			if err == nil {
				granted <- wp
			}
		}()

		// Let the waiter register before releasing.
		time.Sleep(50 * time.Millisecond)

		require.NoError(t, p.Release())

		select {
		case <-granted:
		case <-time.After(2 * time.Second):
			t.Fatal("waiter was not granted after release")
		}
	})
}

func TestThrottlerLinkedLimits(t *testing.T) {
	limits := []throttler.RateLimit{
		{
			ID:       "orders",
			Limit:    10,
			Interval: time.Minute,
			LinkedLimits: []throttler.LinkedLimitWeightPair{
				{ID: "account", Weight: 1},
			},
		},
		{ID: "account", Limit: 2, Interval: time.Minute},
	}

	t.Run("one acquisition consumes the linked limit too", func(t *testing.T) {
		ts := clock.NewFakeTimeSource()
		th := newThrottler(t, ts, limits...)

		acquireNoWait(t, th, "orders")
		acquireNoWait(t, th, "orders")

		// Account quota is exhausted even though orders has headroom.
		_, err := th.Acquire(context.Background(), throttler.AcquisitionRequest{LimitID: "orders", NoWait: true})

		var denial *throttler.DenialError

		require.ErrorAs(t, err, &denial)
	})

	t.Run("no limit is consumed when any linked limit is saturated", func(t *testing.T) {
		ts := clock.NewFakeTimeSource()
		th := newThrottler(t, ts, limits...)

		acquireNoWait(t, th, "account")
		acquireNoWait(t, th, "account")

		_, err := th.Acquire(context.Background(), throttler.AcquisitionRequest{LimitID: "orders", NoWait: true})
		require.Error(t, err)

		// The denied acquisition must not have charged the orders window.
		ts.Advance(61 * time.Second)

		for range 10 {
			acquireNoWait(t, th, "orders")
		}
	})

	t.Run("releasing a permit frees every linked consumption", func(t *testing.T) {
		ts := clock.NewFakeTimeSource()
		th := newThrottler(t, ts, limits...)

		p := acquireNoWait(t, th, "orders")
		acquireNoWait(t, th, "orders")

		require.NoError(t, p.Release())

		acquireNoWait(t, th, "orders")
	})

	t.Run("linked limit missing from the rule set is skipped", func(t *testing.T) {
		ts := clock.NewFakeTimeSource()
		th := newThrottler(t, ts, throttler.RateLimit{
			ID:       "orders",
			Limit:    2,
			Interval: time.Minute,
			LinkedLimits: []throttler.LinkedLimitWeightPair{
				{ID: "missing", Weight: 1},
			},
		})

		acquireNoWait(t, th, "orders")
		acquireNoWait(t, th, "orders")
	})
}

func TestThrottlerPriorities(t *testing.T) {
	t.Run("higher priority waiters are served first", func(t *testing.T) {
		ts := clock.NewFakeTimeSource()
		th := newThrottler(t, ts, throttler.RateLimit{ID: "orders", Limit: 1, Interval: time.Minute})

		p := acquireNoWait(t, th, "orders")

		order := make(chan string, 2)

		var wg sync.WaitGroup

		acquire := func(name string, priority int) {
			defer wg.Done()

			wp, err := th.Acquire(context.Background(), throttler.AcquisitionRequest{
				LimitID:  "orders",
				Priority: priority,
			})
			if err != nil {
				return
			}

			order <- name

			_ = wp.Release()
		}

		wg.Add(2)

		go acquire("low", 0)
		time.Sleep(50 * time.Millisecond)

		go acquire("high", 5)
		time.Sleep(50 * time.Millisecond)

		require.NoError(t, p.Release())
		wg.Wait()

		assert.Equal(t, "high", <-order)
		assert.Equal(t, "low", <-order)
	})
}

func TestThrottlerIndependentLimits(t *testing.T) {
	limits := []throttler.RateLimit{
		{ID: "a", Limit: 1, Interval: time.Minute},
		{ID: "b", Limit: 1, Interval: time.Minute},
	}

	// queueWaiter saturates limit "a" and parks a blocking waiter on it.
	queueWaiter := func(t *testing.T, th *throttler.Throttler) context.CancelFunc {
		t.Helper()

		acquireNoWait(t, th, "a")

		waitCtx, cancelWait := context.WithCancel(context.Background())

		go func() {
			_, _ = th.Acquire(waitCtx, throttler.AcquisitionRequest{LimitID: "a"})
		}()

		time.Sleep(50 * time.Millisecond)

		return cancelWait
	}

	t.Run("a waiter on one limit does not stall another limit", func(t *testing.T) {
		ts := clock.NewFakeTimeSource()
		th := newThrottler(t, ts, limits...)

		cancelWait := queueWaiter(t, th)
		defer cancelWait()

		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()

		p, err := th.Acquire(ctx, throttler.AcquisitionRequest{LimitID: "b"})

		require.NoError(t, err)
		require.NotNil(t, p)
	})

	t.Run("no-wait grants a free limit while another limit has waiters", func(t *testing.T) {
		ts := clock.NewFakeTimeSource()
		th := newThrottler(t, ts, limits...)

		cancelWait := queueWaiter(t, th)
		defer cancelWait()

		acquireNoWait(t, th, "b")
	})

	t.Run("no-wait still defers to waiters contending for the same limit", func(t *testing.T) {
		ts := clock.NewFakeTimeSource()
		th := newThrottler(t, ts, throttler.RateLimit{ID: "a", Limit: 3, Interval: time.Minute})

		_, err := th.Acquire(context.Background(), throttler.AcquisitionRequest{LimitID: "a", Weight: 2, NoWait: true})
		require.NoError(t, err)

		// Needs 2 units with only 1 free, so it queues.
		waitCtx, cancelWait := context.WithCancel(context.Background())
		defer cancelWait()

		go func() {
			_, _ = th.Acquire(waitCtx, throttler.AcquisitionRequest{LimitID: "a", Weight: 2})
		}()

		time.Sleep(50 * time.Millisecond)

		// Headroom for one unit exists, but jumping the queued waiter
		// would starve it.
		_, err = th.Acquire(context.Background(), throttler.AcquisitionRequest{LimitID: "a", Weight: 1, NoWait: true})

		var denial *throttler.DenialError

		require.ErrorAs(t, err, &denial)
	})
}

func TestThrottlerCancellation(t *testing.T) {
	t.Run("canceled waiter leaves the queue clean", func(t *testing.T) {
		ts := clock.NewFakeTimeSource()
		th := newThrottler(t, ts, throttler.RateLimit{ID: "orders", Limit: 1, Interval: time.Minute})

		p := acquireNoWait(t, th, "orders")

		ctx, cancel := context.WithCancel(context.Background())

		done := make(chan error, 1)

		go func() {
			_, err := th.Acquire(ctx, throttler.AcquisitionRequest{LimitID: "orders"})
			done <- err
		}()

		time.Sleep(50 * time.Millisecond)
		cancel()

		select {
		case err := <-done:
			require.ErrorIs(t, err, context.Canceled)
		case <-time.After(2 * time.Second):
			t.Fatal("canceled acquire did not return")
		}

		// The abandoned waiter must not block later acquisitions.
		require.NoError(t, p.Release())
		acquireNoWait(t, th, "orders")
	})
}

func TestThrottlerClockDrivenWakeup(t *testing.T) {
	t.Run("blocked waiter is granted once the window expires", func(t *testing.T) {
		ts := clock.NewFakeTimeSource()
		th := newThrottler(t, ts, throttler.RateLimit{ID: "orders", Limit: 1, Interval: time.Minute})

		acquireNoWait(t, th, "orders")

		granted := make(chan struct{})

		go func() {
			_, err := th.Acquire(context.Background(), throttler.AcquisitionRequest{LimitID: "orders"})
			if err == nil {
				close(granted)
			}
		}()

		time.Sleep(50 * time.Millisecond)

		ts.Advance(61 * time.Second)

		select {
		case <-granted:
		case <-time.After(2 * time.Second):
			t.Fatal("waiter was not granted after the window expired")
		}
	})
}

func TestThrottlerSafetyMargin(t *testing.T) {
	t.Run("margin shaves effective capacity", func(t *testing.T) {
		ts := clock.NewFakeTimeSource()
		th, err := throttler.NewThrottler(
			[]throttler.RateLimit{{ID: "orders", Limit: 10, Interval: time.Minute}},
			throttler.WithTimeSource(ts),
			throttler.WithSafetyMargin(0.2),
		)
		require.NoError(t, err)

		for range 8 {
			acquireNoWait(t, th, "orders")
		}

		_, err = th.Acquire(context.Background(), throttler.AcquisitionRequest{LimitID: "orders", NoWait: true})
		require.Error(t, err)
	})

	t.Run("margin out of range is rejected", func(t *testing.T) {
		_, err := throttler.NewThrottler(nil, throttler.WithSafetyMargin(1.0))

		var confErr *throttler.ConfigurationError

		require.ErrorAs(t, err, &confErr)
	})
}

func TestThrottlerLimitsShare(t *testing.T) {
	t.Run("caps are scaled to the configured share", func(t *testing.T) {
		ts := clock.NewFakeTimeSource()
		th, err := throttler.NewThrottler(
			[]throttler.RateLimit{{ID: "orders", Limit: 10, Interval: time.Minute}},
			throttler.WithTimeSource(ts),
			throttler.WithLimitsShare(50),
		)
		require.NoError(t, err)
		assert.InDelta(t, 50, th.LimitsSharePercentage(), 0.001)

		limits := th.RateLimits()
		require.Len(t, limits, 1)
		assert.Equal(t, int64(5), limits[0].Limit)

		for range 5 {
			acquireNoWait(t, th, "orders")
		}

		_, err = th.Acquire(context.Background(), throttler.AcquisitionRequest{LimitID: "orders", NoWait: true})
		require.Error(t, err)
	})

	t.Run("share leaving no capacity is rejected", func(t *testing.T) {
		_, err := throttler.NewThrottler(
			[]throttler.RateLimit{{ID: "orders", Limit: 1, Interval: time.Minute}},
			throttler.WithLimitsShare(10),
		)

		var confErr *throttler.ConfigurationError

		require.ErrorAs(t, err, &confErr)
	})

	t.Run("share out of range is rejected", func(t *testing.T) {
		_, err := throttler.NewThrottler(nil, throttler.WithLimitsShare(101))
		require.Error(t, err)

		_, err = throttler.NewThrottler(nil, throttler.WithLimitsShare(0))
		require.Error(t, err)
	})
}

func TestThrottlerCopy(t *testing.T) {
	t.Run("copy starts with fresh usage", func(t *testing.T) {
		ts := clock.NewFakeTimeSource()
		th := newThrottler(t, ts, throttler.RateLimit{ID: "orders", Limit: 1, Interval: time.Minute})

		acquireNoWait(t, th, "orders")

		_, err := th.Acquire(context.Background(), throttler.AcquisitionRequest{LimitID: "orders", NoWait: true})
		require.Error(t, err)

		cp := th.Copy()
		acquireNoWait(t, cp, "orders")
	})

	t.Run("copy does not rescale the share", func(t *testing.T) {
		th, err := throttler.NewThrottler(
			[]throttler.RateLimit{{ID: "orders", Limit: 10, Interval: time.Minute}},
			throttler.WithLimitsShare(50),
		)
		require.NoError(t, err)

		limits := th.Copy().RateLimits()
		require.Len(t, limits, 1)
		assert.Equal(t, int64(5), limits[0].Limit)
	})
}

func TestThrottlerConfigure(t *testing.T) {
	t.Run("rejects invalid limits", func(t *testing.T) {
		cases := []throttler.RateLimit{
			{ID: "", Limit: 1, Interval: time.Minute},
			{ID: "orders", Limit: 0, Interval: time.Minute},
			{ID: "orders", Limit: 1, Interval: 0},
			{ID: "orders", Limit: 1, Interval: time.Minute, Weight: -1},
			{ID: "orders", Limit: 1, Interval: time.Minute, LinkedLimits: []throttler.LinkedLimitWeightPair{{ID: ""}}},
		}

		for _, limit := range cases {
			_, err := throttler.NewThrottler([]throttler.RateLimit{limit})

			var confErr *throttler.ConfigurationError

			require.ErrorAs(t, err, &confErr, "limit %+v should be rejected", limit)
		}
	})

	t.Run("raising a cap releases queued waiters", func(t *testing.T) {
		ts := clock.NewFakeTimeSource()
		th := newThrottler(t, ts, throttler.RateLimit{ID: "orders", Limit: 1, Interval: time.Minute})

		acquireNoWait(t, th, "orders")

		granted := make(chan struct{})

		go func() {
			if _, err := th.Acquire(context.Background(), throttler.AcquisitionRequest{LimitID: "orders"}); err == nil {
				close(granted)
			}
		}()

		time.Sleep(50 * time.Millisecond)

		require.NoError(t, th.Configure([]throttler.RateLimit{{ID: "orders", Limit: 2, Interval: time.Minute}}))

		select {
		case <-granted:
		case <-time.After(2 * time.Second):
			t.Fatal("waiter was not re-resolved against the raised cap")
		}
	})

	t.Run("waiters on a removed limit are granted unthrottled", func(t *testing.T) {
		ts := clock.NewFakeTimeSource()
		th := newThrottler(t, ts, throttler.RateLimit{ID: "orders", Limit: 1, Interval: time.Minute})

		acquireNoWait(t, th, "orders")

		granted := make(chan struct{})

		go func() {
			if _, err := th.Acquire(context.Background(), throttler.AcquisitionRequest{LimitID: "orders"}); err == nil {
				close(granted)
			}
		}()

		time.Sleep(50 * time.Millisecond)

		require.NoError(t, th.Configure(nil))

		select {
		case <-granted:
		case <-time.After(2 * time.Second):
			t.Fatal("waiter was not granted after its limit was removed")
		}
	})

	t.Run("existing usage counts against the new rule set", func(t *testing.T) {
		ts := clock.NewFakeTimeSource()
		th := newThrottler(t, ts, throttler.RateLimit{ID: "orders", Limit: 5, Interval: time.Minute})

		for range 3 {
			acquireNoWait(t, th, "orders")
		}

		require.NoError(t, th.Configure([]throttler.RateLimit{{ID: "orders", Limit: 3, Interval: time.Minute}}))

		_, err := th.Acquire(context.Background(), throttler.AcquisitionRequest{LimitID: "orders", NoWait: true})
		require.Error(t, err)
	})
}

func TestThrottlerConcurrency(t *testing.T) {
	t.Run("concurrent acquisitions never exceed the cap", func(t *testing.T) {
		th, err := throttler.NewThrottler(
			[]throttler.RateLimit{{ID: "orders", Limit: 50, Interval: time.Minute}},
		)
		require.NoError(t, err)

		var (
			granted atomic.Int64
			wg      sync.WaitGroup
		)

		for range 100 {
			wg.Add(1)

			go func() {
				defer wg.Done()

				_, err := th.Acquire(context.Background(), throttler.AcquisitionRequest{LimitID: "orders", NoWait: true})
				if err == nil {
					granted.Add(1)

					return
				}

				var denial *throttler.DenialError
				if !errors.As(err, &denial) {
					t.Errorf("unexpected acquire error: %v", err)
				}
			}()
		}

		wg.Wait()

		assert.Equal(t, int64(50), granted.Load())
	})
}
