// Command scrape-batch reads a newline-delimited target list, dispatches it
// as one batch against the scraping service, and reports the final metrics
// snapshot. Exit code is non-zero when no job in the batch succeeded.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/umop66/scrapebatch/pkg/batch"
	"github.com/umop66/scrapebatch/pkg/cache"
	"github.com/umop66/scrapebatch/pkg/fetcher"
	"github.com/umop66/scrapebatch/pkg/logging"
	"github.com/umop66/scrapebatch/pkg/upstream"
)

func main() {
	configFile := flag.String("config", "", "optional config file path")
	flag.Parse()

	cfg, err := loadConfig(*configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(2)
	}

	logger := logging.Setup(logging.Config{
		Level:  logging.LogLevel(cfg.LogLevel),
		Pretty: cfg.LogPretty,
		Output: os.Stderr,
	})

	if err := run(cfg, logger); err != nil {
		logger.Error().Err(err).Msg("Batch run failed")
		os.Exit(1)
	}
}

func run(cfg config, logger zerolog.Logger) error {
	targets, err := readTargets(cfg.TargetsFile)
	if err != nil {
		return fmt.Errorf("read targets: %w", err)
	}
	if len(targets) == 0 {
		return fmt.Errorf("no targets in %s", cfg.TargetsFile)
	}

	client, err := upstream.New(upstream.Config{
		BaseURL:   cfg.UpstreamURL,
		APIKey:    cfg.APIKey,
		UserAgent: cfg.UserAgent,
	})
	if err != nil {
		return fmt.Errorf("create upstream client: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.BatchTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.BatchTimeout)
		defer cancel()
	}

	var payloadCache fetcher.PayloadCache
	if cfg.RedisAddr != "" {
		redisClient := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer redisClient.Close()

		if err := redisClient.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("connect to redis at %s: %w", cfg.RedisAddr, err)
		}
		manager, err := cache.NewManager(redisClient, cfg.CacheTTL)
		if err != nil {
			return fmt.Errorf("create cache manager: %w", err)
		}
		payloadCache = manager
		logger.Info().Str("redis_addr", cfg.RedisAddr).Dur("ttl", cfg.CacheTTL).Msg("Payload cache enabled")
	}

	if cfg.MetricsAddr != "" {
		go serveMetrics(cfg.MetricsAddr, logger)
	}

	dispatcher, err := batch.New(client, batch.Config{
		Limit: cfg.Limit,
		Policy: fetcher.RetryPolicy{
			MaxAttempts:       cfg.MaxAttempts,
			BaseDelay:         cfg.BaseDelay,
			BackoffMultiplier: cfg.BackoffMultiplier,
			MaxBackoff:        cfg.MaxBackoff,
			RequestTimeout:    cfg.RequestTimeout,
		},
		Cache: payloadCache,
	})
	if err != nil {
		return fmt.Errorf("create dispatcher: %w", err)
	}

	jobs := make([]fetcher.Job, len(targets))
	for i, target := range targets {
		jobs[i] = fetcher.Job{
			Target:      target,
			Render:      cfg.Render,
			CountryCode: cfg.CountryCode,
		}
	}

	outcomes, snapshot, err := dispatcher.Run(ctx, jobs)
	if err != nil {
		logger.Error().Err(err).Msg("Batch reported a fault")
	}

	succeeded := 0
	for i, o := range outcomes {
		if o.Success() {
			succeeded++
			continue
		}
		logger.Warn().
			Str("target", jobs[i].Target).
			Int("attempts", o.Attempts).
			Err(o.Err).
			Msg("Job failed")
	}

	logger.Info().
		Int64("attempts", snapshot.Total).
		Int64("succeeded_attempts", snapshot.Succeeded).
		Int64("failed_attempts", snapshot.Failed).
		Dur("elapsed", snapshot.Elapsed).
		Float64("rps", snapshot.RequestsPerSecond).
		Float64("success_rate", snapshot.SuccessRate).
		Int("jobs_succeeded", succeeded).
		Int("jobs_total", len(jobs)).
		Msg("Batch finished")

	if succeeded == 0 {
		return fmt.Errorf("all %d jobs failed", len(jobs))
	}
	return nil
}

// readTargets loads one target URL per line, skipping blanks and comments.
func readTargets(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var targets []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		targets = append(targets, line)
	}
	return targets, scanner.Err()
}

func serveMetrics(addr string, logger zerolog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", healthHandler)

	logger.Info().Str("addr", addr).Msg("Serving metrics")
	if err := http.ListenAndServe(addr, mux); err != nil {
		logger.Error().Err(err).Msg("Metrics server failed")
	}
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, "OK")
}
