// Command worker runs the scrape worker pool, the lease sweeper and the
// signed job-intake server.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	blobminio "github.com/fairyhunter13/datashelf/internal/adapter/blob/minio"
	httpserver "github.com/fairyhunter13/datashelf/internal/adapter/httpserver"
	"github.com/fairyhunter13/datashelf/internal/adapter/observability"
	render "github.com/fairyhunter13/datashelf/internal/adapter/render/chromedp"
	"github.com/fairyhunter13/datashelf/internal/adapter/repo/postgres"
	"github.com/fairyhunter13/datashelf/internal/app"
	"github.com/fairyhunter13/datashelf/internal/config"
	"github.com/fairyhunter13/datashelf/internal/scraper"
	"github.com/fairyhunter13/datashelf/internal/service/imagepipe"
	"github.com/fairyhunter13/datashelf/internal/service/ratelimiter"
	"github.com/fairyhunter13/datashelf/internal/service/signer"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger := observability.SetupLogger(cfg)
	slog.SetDefault(logger)
	observability.InitMetrics()

	shutdownTracer, err := observability.SetupTracing(cfg)
	if err != nil {
		slog.Error("failed to setup tracing", slog.Any("error", err))
	}
	defer func() {
		if shutdownTracer != nil {
			_ = shutdownTracer(context.Background())
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var pool *pgxpool.Pool
	connect := func() error {
		var cerr error
		pool, cerr = postgres.NewPool(ctx, cfg.DBURL)
		return cerr
	}
	if err := backoff.Retry(connect, backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 5)); err != nil {
		slog.Error("db connect failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	redisOpts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		slog.Error("redis url invalid", slog.Any("error", err))
		os.Exit(1)
	}
	rdb := redis.NewClient(redisOpts)
	defer func() { _ = rdb.Close() }()

	queue := postgres.NewQueueRepo(pool, cfg.JobLeaseTTL())
	navRepo := postgres.NewNavigationRepo(pool)
	catRepo := postgres.NewCategoryRepo(pool)
	prodRepo := postgres.NewProductRepo(pool)

	var store *blobminio.Store
	if cfg.BlobEndpoint != "" {
		store, err = blobminio.New(ctx, blobminio.Config{
			Endpoint:      cfg.BlobEndpoint,
			AccessKey:     cfg.BlobAccessKey,
			SecretKey:     cfg.BlobSecretKey,
			Bucket:        cfg.BlobBucket,
			UseSSL:        cfg.BlobUseSSL,
			PublicBaseURL: cfg.BlobPublicBaseURL,
		})
		if err != nil {
			slog.Error("blob store connect failed", slog.Any("error", err))
			os.Exit(1)
		}
	}

	renderer := render.New(render.WithTimeout(cfg.RenderTimeout))
	defer renderer.Close()

	var images *imagepipe.Pipeline
	if store != nil {
		images = imagepipe.New(store,
			imagepipe.WithMaxBytes(cfg.ImageMaxBytes),
			imagepipe.WithFetchTimeout(cfg.ImageFetchTimeout()),
			imagepipe.WithConcurrency(cfg.ImageConcurrency),
		)
	}

	// Politeness limiter keyed by source host, shared across instances
	// through Redis.
	scrapeLimiter := ratelimiter.New(
		ratelimiter.Limits{PerMinute: cfg.ScrapeRatePerMinute, PerHour: cfg.ScrapeRatePerHour},
		ratelimiter.WithRedis(rdb),
	)

	workers := scraper.NewPool(scraper.Deps{
		Queue:      queue,
		Renderer:   renderer,
		Navigation: navRepo,
		Categories: catRepo,
		Products:   prodRepo,
		Images:     images,
		Limiter:    scrapeLimiter,
	}, scraper.Options{
		PoolSize:        cfg.WorkerPoolSize,
		PollInterval:    cfg.JobPollInterval(),
		MaxAttempts:     cfg.JobMaxAttempts,
		MaxListingPages: cfg.MaxListingPages,
	})

	sweeper := app.NewLeaseSweeper(queue, cfg.JobLeaseTTL(), cfg.SweepInterval)

	var verifier *signer.Signer
	if cfg.SigningEnabled() {
		verifier = signer.New(cfg.WorkerSecret, signer.WithSkew(cfg.SignatureSkew()))
	} else {
		slog.Warn("WORKER_SECRET not set; job intake accepts unsigned requests")
	}
	intakeLimiter := ratelimiter.New(
		ratelimiter.Limits{PerMinute: cfg.IntakeRatePerMinute, PerHour: cfg.IntakeRatePerHour},
		ratelimiter.WithRedis(rdb),
	)
	intake := httpserver.NewIntake(queue, verifier, intakeLimiter, cfg.JobMaxAttempts)

	srvHTTP := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           app.BuildIntakeRouter(intake),
		ReadTimeout:       cfg.HTTPReadTimeout,
		WriteTimeout:      cfg.HTTPWriteTimeout,
		IdleTimeout:       cfg.HTTPIdleTimeout,
		ReadHeaderTimeout: 10 * time.Second,
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		workers.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		sweeper.Run(ctx)
	}()

	errCh := make(chan error, 1)
	go func() {
		slog.Info("intake server starting", slog.Int("port", cfg.Port), slog.Int("pool_size", cfg.WorkerPoolSize))
		errCh <- srvHTTP.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		slog.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("intake server error", slog.Any("error", err))
		}
		stop()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ServerShutdownTimeout)
	defer cancel()
	_ = srvHTTP.Shutdown(shutdownCtx)
	wg.Wait()
}
