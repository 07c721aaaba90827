// Package container wires the netpipe components together with samber/do.
// Applications register the packages they need and invoke the assembled
// clients; everything else (logger, throttler, synchronizer, pipeline) is
// constructed on demand and shut down with the injector.
package container

import (
	"net/http"
	"time"

	"github.com/samber/do"
	"go.uber.org/zap"

	"github.com/serroba/netpipe/pipeline"
	"github.com/serroba/netpipe/rest"
	"github.com/serroba/netpipe/throttler"
	"github.com/serroba/netpipe/timesync"
	"github.com/serroba/netpipe/websocket"
)

// DefaultLimitID names the rate limit created from the flat
// RateLimit/TimeWindow options.
const DefaultLimitID = "default"

// Options is the configuration surface consumed by the packages.
type Options struct {
	// BaseURL is the REST base address.
	BaseURL string
	// WSURL is the WebSocket endpoint.
	WSURL string

	// RateLimit and TimeWindow define the default quota rule. Both must
	// be set for throttling to apply; RateLimits overrides them.
	RateLimit  int64
	TimeWindow time.Duration
	// RateLimits configures the full rule set, including linked limits.
	RateLimits []throttler.RateLimit

	// MaxRetries bounds transient-failure retries per operation.
	MaxRetries int
	// BackoffBase is the first retry delay; each retry doubles it.
	BackoffBase time.Duration

	// TimeSynchronizer enables clock synchronization against TimeEndpoint.
	TimeSynchronizer bool
	// TimeEndpoint is the absolute URL of the remote time endpoint.
	TimeEndpoint string
	// TimeField is the JSON field carrying the millisecond timestamp.
	// Defaults to "serverTime".
	TimeField string

	// LogFormat selects "console" or "json" (default) logging.
	LogFormat string
}

func (o *Options) rateLimits() []throttler.RateLimit {
	if len(o.RateLimits) > 0 {
		return o.RateLimits
	}

	if o.RateLimit > 0 && o.TimeWindow > 0 {
		return []throttler.RateLimit{{
			ID:       DefaultLimitID,
			Limit:    o.RateLimit,
			Interval: o.TimeWindow,
		}}
	}

	return nil
}

// LoggerPackage provides the shared zap logger.
func LoggerPackage(injector *do.Injector) {
	do.Provide(injector, func(i *do.Injector) (*zap.Logger, error) {
		opts := do.MustInvoke[*Options](i)

		if opts.LogFormat == "console" {
			return zap.NewDevelopment()
		}

		return zap.NewProduction()
	})
}

// ThrottlerPackage provides the shared throttler built from the options.
func ThrottlerPackage(injector *do.Injector) {
	do.Provide(injector, func(i *do.Injector) (*throttler.Throttler, error) {
		opts := do.MustInvoke[*Options](i)
		logger := do.MustInvoke[*zap.Logger](i)

		return throttler.NewThrottler(opts.rateLimits(), throttler.WithLogger(logger))
	})
}

// TimeSyncPackage provides the clock synchronizer. When the option is
// disabled the provider yields nil and the pipeline proceeds with
// best-effort local time.
func TimeSyncPackage(injector *do.Injector) {
	do.Provide(injector, func(i *do.Injector) (*timesync.Synchronizer, error) {
		opts := do.MustInvoke[*Options](i)
		logger := do.MustInvoke[*zap.Logger](i)

		if !opts.TimeSynchronizer || opts.TimeEndpoint == "" {
			return nil, nil
		}

		field := opts.TimeField
		if field == "" {
			field = "serverTime"
		}

		conn := rest.NewConnection(&http.Client{Timeout: rest.DefaultTimeout}, logger)
		source := rest.NewTimeEndpoint(conn, opts.TimeEndpoint, rest.UnixMilliField(field))

		return timesync.NewSynchronizer(source, timesync.WithLogger(logger)), nil
	})
}

// PipelinePackage provides the executor shared by both transports.
func PipelinePackage(injector *do.Injector) {
	do.Provide(injector, func(i *do.Injector) (*pipeline.Executor, error) {
		opts := do.MustInvoke[*Options](i)
		logger := do.MustInvoke[*zap.Logger](i)
		t := do.MustInvoke[*throttler.Throttler](i)

		execOpts := []pipeline.Option{
			pipeline.WithLogger(logger),
			pipeline.WithMaxRetries(opts.MaxRetries),
		}

		if opts.BackoffBase > 0 {
			execOpts = append(execOpts, pipeline.WithBackoffBase(opts.BackoffBase))
		}

		if sync, err := do.Invoke[*timesync.Synchronizer](i); err == nil && sync != nil {
			execOpts = append(execOpts, pipeline.WithSynchronizer(sync))
		}

		return pipeline.NewExecutor(t, execOpts...), nil
	})
}

// RESTPackage provides the REST client against the configured base URL.
func RESTPackage(injector *do.Injector) {
	do.Provide(injector, func(i *do.Injector) (*rest.Client, error) {
		opts := do.MustInvoke[*Options](i)
		logger := do.MustInvoke[*zap.Logger](i)
		exec := do.MustInvoke[*pipeline.Executor](i)

		return rest.NewClient(opts.BaseURL, exec, rest.WithClientLogger(logger)), nil
	})
}

// WebSocketPackage provides the WebSocket client. The session is opened
// by the application via Connect; the injector shuts the client down.
func WebSocketPackage(injector *do.Injector) {
	do.Provide(injector, func(i *do.Injector) (*websocket.Client, error) {
		logger := do.MustInvoke[*zap.Logger](i)
		exec := do.MustInvoke[*pipeline.Executor](i)

		conn := websocket.NewConnection(logger)

		return websocket.NewClient(conn, exec, websocket.WithClientLogger(logger)), nil
	})
}
