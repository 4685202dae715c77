// Command server starts the DataShelf read API.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	blobminio "github.com/fairyhunter13/datashelf/internal/adapter/blob/minio"
	httpserver "github.com/fairyhunter13/datashelf/internal/adapter/httpserver"
	"github.com/fairyhunter13/datashelf/internal/adapter/observability"
	"github.com/fairyhunter13/datashelf/internal/adapter/repo/postgres"
	"github.com/fairyhunter13/datashelf/internal/app"
	"github.com/fairyhunter13/datashelf/internal/config"
	"github.com/fairyhunter13/datashelf/internal/service/cache"
	"github.com/fairyhunter13/datashelf/internal/service/ratelimiter"
	"github.com/fairyhunter13/datashelf/internal/service/revalidate"
	"github.com/fairyhunter13/datashelf/internal/service/signer"
	"github.com/fairyhunter13/datashelf/internal/usecase"
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

	ctx := context.Background()

	// DB pool, retried so the process survives a slow database start.
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

	redisOpts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		slog.Error("redis url invalid", slog.Any("error", err))
		os.Exit(1)
	}
	rdb := redis.NewClient(redisOpts)
	defer func() { _ = rdb.Close() }()

	navRepo := postgres.NewNavigationRepo(pool)
	catRepo := postgres.NewCategoryRepo(pool)
	prodRepo := postgres.NewProductRepo(pool)

	// Revalidation bridge: stale cache hits turn into signed enqueue calls
	// against the worker intake, throttled by the stale-cache limiter.
	revalLimiter := ratelimiter.New(
		ratelimiter.Limits{PerMinute: cfg.RevalidationRatePerMinute, PerHour: cfg.RevalidationRatePerHour},
		ratelimiter.WithRedis(rdb),
	)
	var sgn *signer.Signer
	if cfg.SigningEnabled() {
		sgn = signer.New(cfg.WorkerSecret, signer.WithSkew(cfg.SignatureSkew()), signer.WithBearer())
	}
	bridge := revalidate.New(cfg.RevalidationEnabled, cfg.SiteBaseURL, cfg.WorkerHost, revalLimiter, sgn)

	swr := cache.New(rdb)
	catalog := usecase.NewCatalog(navRepo, catRepo, prodRepo, swr, cfg.CacheTTLFor, bridge.Trigger,
		usecase.WithNavMaxDepth(cfg.NavMaxDepth))

	// Blob readiness probe is optional; the API itself never writes blobs.
	var blobCheck httpserver.CheckFunc
	if cfg.BlobEndpoint != "" {
		store, err := blobminio.New(ctx, blobminio.Config{
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
		blobCheck = store.Ping
	}

	srv := httpserver.NewServer(catalog, app.DBCheck(pool), app.RedisCheck(rdb), blobCheck, nil)
	handler := app.BuildRouter(cfg, srv)

	srvHTTP := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           handler,
		ReadTimeout:       cfg.HTTPReadTimeout,
		WriteTimeout:      cfg.HTTPWriteTimeout,
		IdleTimeout:       cfg.HTTPIdleTimeout,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("http server starting", slog.Int("port", cfg.Port))
		errCh <- srvHTTP.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		slog.Info("shutdown signal received", slog.String("signal", sig.String()))
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", slog.Any("error", err))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ServerShutdownTimeout)
	defer cancel()
	_ = srvHTTP.Shutdown(shutdownCtx)
	pool.Close()
}
