package app

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/fairyhunter13/datashelf/internal/domain"
)

// LeaseSweeper periodically resets running jobs whose lease has expired so a
// crashed worker cannot strand work.
type LeaseSweeper struct {
	queue    domain.JobQueue
	leaseTTL time.Duration
	interval time.Duration
}

// NewLeaseSweeper builds a sweeper. Returns nil when queue is nil.
func NewLeaseSweeper(queue domain.JobQueue, leaseTTL, interval time.Duration) *LeaseSweeper {
	if queue == nil {
		return nil
	}
	if leaseTTL <= 0 {
		leaseTTL = 10 * time.Minute
	}
	if interval <= 0 {
		interval = time.Minute
	}
	return &LeaseSweeper{queue: queue, leaseTTL: leaseTTL, interval: interval}
}

// Run sweeps once immediately and then on every tick until ctx is cancelled.
func (s *LeaseSweeper) Run(ctx context.Context) {
	if s == nil {
		return
	}
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.sweepOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			slog.Info("lease sweeper stopping")
			return
		case <-ticker.C:
			s.sweepOnce(ctx)
		}
	}
}

func (s *LeaseSweeper) sweepOnce(ctx context.Context) {
	tracer := otel.Tracer("jobs.sweeper")
	ctx, span := tracer.Start(ctx, "LeaseSweeper.sweepOnce")
	defer span.End()
	span.SetAttributes(attribute.Float64("jobs.lease_ttl_seconds", s.leaseTTL.Seconds()))

	swept, err := s.queue.SweepExpired(ctx, s.leaseTTL)
	if err != nil {
		span.RecordError(err)
		slog.Error("lease sweep failed", slog.Any("error", err))
		return
	}
	span.SetAttributes(attribute.Int("jobs.swept", swept))
	if swept > 0 {
		slog.Info("expired leases reset", slog.Int("swept", swept), slog.Duration("lease_ttl", s.leaseTTL))
	}
}
