// Command gateway runs the LLM evaluation gateway: an HTTP service that
// scores model outputs with a judge model behind a shared rate limit,
// per-provider circuit breakers, and an ordered provider fallback chain.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ahrav/go-arbiter/infrastructure/breaker"
	"github.com/ahrav/go-arbiter/infrastructure/llm"
	"github.com/ahrav/go-arbiter/infrastructure/metrics"
	"github.com/ahrav/go-arbiter/infrastructure/ratelimit"
	"github.com/ahrav/go-arbiter/infrastructure/server"
	"github.com/ahrav/go-arbiter/internal/application"
	"github.com/ahrav/go-arbiter/internal/config"
)

func main() {
	root := &cobra.Command{
		Use:   "gateway",
		Short: "LLM evaluation gateway",
		Long: "Scores model outputs against caller-supplied criteria using judge models " +
			"from multiple LLM providers, with distributed rate limiting, circuit " +
			"breaking, and ordered provider fallback.",
		SilenceUsage: true,
	}

	root.AddCommand(serveCommand())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func serveCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP gateway",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(cmd.Context())
		},
	}
}

func serve(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		return eris.Wrap(err, "load config")
	}
	if err := config.InitLogger(cfg.Log); err != nil {
		return eris.Wrap(err, "init logger")
	}
	logger := zap.L()
	defer func() { _ = logger.Sync() }()

	descs, err := config.LoadProviders(cfg.Providers.File)
	if err != nil {
		return eris.Wrap(err, "load providers")
	}

	redisOpts, err := redis.ParseURL(cfg.Redis.URL)
	if err != nil {
		return eris.Wrap(err, "parse redis url")
	}
	redisOpts.DialTimeout = time.Duration(cfg.Redis.DialTimeoutSecs) * time.Second
	redisClient := redis.NewClient(redisOpts)

	collector := metrics.NewPrometheusMetrics()

	limiter, err := ratelimit.New(redisClient, ratelimit.Config{
		Capacity:      float64(cfg.RateLimit.PerMinute),
		RefillRate:    float64(cfg.RateLimit.PerMinute) / 60,
		LocalFastPath: cfg.RateLimit.LocalFastPath,
	}, collector, logger)
	if err != nil {
		return eris.Wrap(err, "build rate limiter")
	}
	defer func() { _ = limiter.Close() }()

	breakers := breaker.NewRegistry(breaker.Config{
		FailureThreshold: cfg.Breaker.Threshold,
		Window:           time.Duration(cfg.Breaker.WindowSecs) * time.Second,
		Cooldown:         time.Duration(cfg.Breaker.TimeoutSecs) * time.Second,
	}, collector, logger)

	for i := range descs {
		if descs[i].Timeout <= 0 {
			descs[i].Timeout = time.Duration(cfg.Judge.TimeoutSecs) * time.Second
		}
	}
	pool, err := llm.NewPool(descs, llm.PoolOptions{
		QueueTimeout: time.Duration(cfg.Pool.QueueTimeoutSecs) * time.Second,
		Metrics:      collector,
		Middleware: []llm.Middleware{
			llm.MetricsMiddleware(collector),
			llm.TracingMiddleware(),
		},
	}, logger)
	if err != nil {
		return eris.Wrap(err, "build provider pool")
	}

	engine := application.NewEngine(pool, limiter, breakers, application.NewScorer(), collector, logger, application.Options{
		JudgeMaxTokens:   cfg.Judge.MaxTokens,
		JudgeTemperature: cfg.Judge.Temperature,
	})

	srv := server.New(engine, server.Options{
		Port:           cfg.Server.Port,
		MaxBodyBytes:   cfg.Server.MaxPayloadBytes,
		RequestTimeout: time.Duration(cfg.Server.RequestTimeoutSecs) * time.Second,
		Metrics:        collector,
	}, logger)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	logger.Info("gateway started",
		zap.Int("port", cfg.Server.Port),
		zap.Int("providers", len(pool.Descriptors())),
		zap.Int("rate_limit_per_minute", cfg.RateLimit.PerMinute),
	)

	select {
	case err := <-errCh:
		return eris.Wrap(err, "http server")
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(
		context.Background(),
		time.Duration(cfg.Server.ShutdownGraceSecs)*time.Second,
	)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return eris.Wrap(err, "shutdown")
	}

	logger.Info("gateway stopped")
	return nil
}
