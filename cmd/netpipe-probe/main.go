package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/samber/do"
	"go.uber.org/zap"

	"github.com/serroba/netpipe/container"
	"github.com/serroba/netpipe/rest"
)

// netpipe-probe issues throttled GET requests against a target endpoint
// and exposes throttler and pipeline metrics on /metrics. It is a smoke
// harness for the library, not a production tool.
func main() {
	opts := &container.Options{
		BaseURL:          getEnv("PROBE_BASE_URL", "https://httpbin.org"),
		RateLimit:        int64(getEnvInt("PROBE_RATE_LIMIT", 5)),
		TimeWindow:       getEnvDuration("PROBE_TIME_WINDOW", 10*time.Second),
		MaxRetries:       getEnvInt("PROBE_MAX_RETRIES", 2),
		BackoffBase:      getEnvDuration("PROBE_BACKOFF_BASE", 250*time.Millisecond),
		TimeSynchronizer: getEnv("PROBE_TIME_ENDPOINT", "") != "",
		TimeEndpoint:     getEnv("PROBE_TIME_ENDPOINT", ""),
		TimeField:        getEnv("PROBE_TIME_FIELD", "serverTime"),
		LogFormat:        getEnv("LOG_FORMAT", "console"),
	}

	injector := do.New()
	do.ProvideValue(injector, opts)
	container.LoggerPackage(injector)
	container.ThrottlerPackage(injector)
	container.TimeSyncPackage(injector)
	container.PipelinePackage(injector)
	container.RESTPackage(injector)

	logger := do.MustInvoke[*zap.Logger](injector)
	client := do.MustInvoke[*rest.Client](injector)

	metrics := &http.Server{
		Addr:              getEnv("METRICS_ADDR", ":9090"),
		Handler:           promhttp.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("metrics listening", zap.String("addr", metrics.Addr))

		if err := metrics.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("metrics server failed", zap.Error(err))
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	probeDone := make(chan struct{})

	go func() {
		defer close(probeDone)
		probe(ctx, client, getEnv("PROBE_PATH", "get"), logger)
	}()

	// Wait for shutdown signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info("shutting down")
	cancel()
	<-probeDone

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := metrics.Shutdown(shutdownCtx); err != nil {
		logger.Error("metrics shutdown error", zap.Error(err))
	}

	if err := injector.Shutdown(); err != nil {
		logger.Error("shutdown error", zap.Error(err))
	}

	logger.Info("shutdown complete")
}

// probe fires requests back to back; the throttler paces them to the
// configured rate, which makes the quota behavior visible in the logs
// and on /metrics.
func probe(ctx context.Context, client *rest.Client, path string, logger *zap.Logger) {
	for i := 0; ; i++ {
		if ctx.Err() != nil {
			return
		}

		start := time.Now()

		resp, err := client.Get(ctx, path, rest.WithLimit(container.DefaultLimitID))
		if err != nil {
			if ctx.Err() != nil {
				return
			}

			logger.Warn("probe request failed", zap.Int("seq", i), zap.Error(err))

			continue
		}

		logger.Info("probe request done",
			zap.Int("seq", i),
			zap.Int("status", resp.Status),
			zap.Duration("elapsed", time.Since(start)),
		)
	}
}

func getEnv(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}

	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}

	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}

	return defaultValue
}
