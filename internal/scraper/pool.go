// Package scraper runs the worker pool that leases jobs, renders their target
// pages and persists the extracted records.
package scraper

import (
	"context"
	"crypto/rand"
	"errors"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/fairyhunter13/datashelf/internal/adapter/observability"
	"github.com/fairyhunter13/datashelf/internal/domain"
	"github.com/fairyhunter13/datashelf/internal/service/imagepipe"
	"github.com/fairyhunter13/datashelf/internal/service/ratelimiter"
)

// Deps are the collaborators a worker needs.
type Deps struct {
	Queue      domain.JobQueue
	Renderer   domain.Renderer
	Navigation domain.NavigationRepository
	Categories domain.CategoryRepository
	Products   domain.ProductRepository
	Images     *imagepipe.Pipeline
	Limiter    *ratelimiter.SlidingWindow
}

// Options tune the pool.
type Options struct {
	PoolSize        int
	PollInterval    time.Duration
	MaxAttempts     int
	MaxListingPages int
}

func (o *Options) defaults() {
	if o.PoolSize <= 0 {
		o.PoolSize = 4
	}
	if o.PollInterval <= 0 {
		o.PollInterval = 100 * time.Millisecond
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 3
	}
	if o.MaxListingPages <= 0 {
		o.MaxListingPages = 20
	}
}

// Pool owns a fixed set of scrape workers.
type Pool struct {
	deps Deps
	opts Options

	workerIDs []string
}

// NewPool builds a Pool.
func NewPool(deps Deps, opts Options) *Pool {
	opts.defaults()
	ids := make([]string, opts.PoolSize)
	for i := range ids {
		ids[i] = "worker-" + ulid.MustNew(ulid.Now(), rand.Reader).String()
	}
	return &Pool{deps: deps, opts: opts, workerIDs: ids}
}

// Run starts the workers and blocks until ctx is cancelled and every worker
// has drained its in-flight job. Leases still held at that point are released
// so other instances can pick the jobs up immediately.
func (p *Pool) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for _, id := range p.workerIDs {
		wg.Add(1)
		go func(workerID string) {
			defer wg.Done()
			p.workerLoop(ctx, workerID)
		}(id)
	}
	wg.Wait()

	releaseCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for _, id := range p.workerIDs {
		if err := p.deps.Queue.ReleaseLocks(releaseCtx, id); err != nil {
			slog.Error("release locks failed", slog.String("worker_id", id), slog.Any("error", err))
		}
	}
	slog.Info("worker pool stopped", slog.Int("workers", len(p.workerIDs)))
}

func (p *Pool) workerLoop(ctx context.Context, workerID string) {
	log := slog.With(slog.String("worker_id", workerID))
	log.Info("worker started")
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		if !p.runOnce(ctx, workerID, log) {
			select {
			case <-ctx.Done():
				return
			case <-time.After(p.opts.PollInterval):
			}
		}
	}
}

// runOnce performs a single pass of the worker loop. It reports whether a job
// was leased, so the caller knows to poll-sleep on an empty queue.
func (p *Pool) runOnce(ctx context.Context, workerID string, log *slog.Logger) bool {
	job, err := p.deps.Queue.Dequeue(ctx, workerID)
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			log.Error("dequeue failed", slog.Any("error", err))
		}
		return false
	}
	if job == nil {
		return false
	}

	jlog := log.With(slog.String("job_id", job.ID), slog.String("type", string(job.Type)), slog.String("url", job.TargetURL))

	// Politeness limit per source host; a denial hands the job back without
	// consuming the attempt.
	host := hostOf(job.TargetURL)
	if p.deps.Limiter != nil && host != "" {
		if !p.deps.Limiter.Allowed(ctx, host) {
			jlog.Info("rate limit reached, releasing job", slog.String("host", host))
			if err := p.deps.Queue.Release(ctx, job.ID); err != nil {
				jlog.Error("release failed", slog.Any("error", err))
			}
			return false
		}
		p.deps.Limiter.Record(ctx, host)
	}

	observability.StartJob(string(job.Type))
	start := time.Now()
	items, err := p.process(ctx, job, jlog)
	if err != nil {
		observability.FailJob(string(job.Type))
		jlog.Error("job failed", slog.Any("error", err), slog.Int("attempt", job.Attempts))
		if ferr := p.deps.Queue.Fail(ctx, job.ID, err.Error()); ferr != nil {
			jlog.Error("fail transition failed", slog.Any("error", ferr))
		}
		return true
	}

	result := map[string]any{
		"items_processed": items,
		"duration_ms":     time.Since(start).Milliseconds(),
	}
	if err := p.deps.Queue.Complete(ctx, job.ID, result); err != nil {
		jlog.Error("complete transition failed", slog.Any("error", err))
		return true
	}
	observability.CompleteJob(string(job.Type))
	jlog.Info("job completed", slog.Int("items", items), slog.Int64("duration_ms", time.Since(start).Milliseconds()))
	return true
}

func (p *Pool) process(ctx context.Context, job *domain.Job, log *slog.Logger) (int, error) {
	switch job.Type {
	case domain.JobTypeNavigation:
		return p.processNavigation(ctx, job, log)
	case domain.JobTypeCategory:
		return p.processCategory(ctx, job, log)
	case domain.JobTypeProduct:
		return p.processProduct(ctx, job, log)
	default:
		return 0, domain.NewValidationError("type", "unknown job type "+string(job.Type))
	}
}

func hostOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return u.Host
}
