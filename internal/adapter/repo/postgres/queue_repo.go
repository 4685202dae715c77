package postgres

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/fairyhunter13/datashelf/internal/domain"
)

// QueueRepo is the durable job queue on Postgres. Leasing relies on
// FOR UPDATE SKIP LOCKED so concurrent workers never observe the same row;
// dedup relies on a transaction-scoped lock over the non-terminal job for a
// given (type, target_url), backed by a partial unique index.
type QueueRepo struct {
	Pool     PgxPool
	LeaseTTL time.Duration
}

// NewQueueRepo constructs a QueueRepo with the given pool and lease TTL.
// A non-positive leaseTTL falls back to 10 minutes.
func NewQueueRepo(p PgxPool, leaseTTL time.Duration) *QueueRepo {
	if leaseTTL <= 0 {
		leaseTTL = 10 * time.Minute
	}
	return &QueueRepo{Pool: p, LeaseTTL: leaseTTL}
}

const jobColumns = `id, type, target_url, priority, status, attempts, max_attempts, locked_at, locked_by, last_error, metadata, created_at, updated_at, completed_at`

func clampPriority(p int) int {
	if p < domain.PriorityMin {
		return domain.PriorityMin
	}
	if p > domain.PriorityMax {
		return domain.PriorityMax
	}
	return p
}

// Enqueue inserts a queued job, or raises the priority of the existing
// non-terminal job for the same (type, target_url) and returns its id.
// The insert and the dedup are a single statement arbitrated by the partial
// unique index, so concurrent enqueues for the same key converge on one row
// instead of racing a select-then-insert.
func (r *QueueRepo) Enqueue(ctx domain.Context, t domain.JobType, targetURL string, priority int, metadata map[string]any, maxAttempts int) (string, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.Enqueue")
	defer span.End()
	span.SetAttributes(attribute.String("job.type", string(t)))

	if !domain.ValidJobType(t) {
		return "", domain.NewValidationError("type", "unknown job type")
	}
	if !validSourceURL(targetURL) {
		return "", domain.NewValidationError("target_url", "must be an absolute http(s) URL")
	}
	priority = clampPriority(priority)
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	if metadata == nil {
		metadata = map[string]any{}
	}
	metaJSON, err := json.Marshal(metadata)
	if err != nil {
		return "", domain.NewDatabaseError("jobs.enqueue", err)
	}

	// On conflict only the priority may rise; the existing job keeps its
	// attempts, metadata and position in line.
	q := `INSERT INTO jobs (id, type, target_url, priority, status, attempts, max_attempts, metadata, created_at, updated_at)
	      VALUES ($1,$2,$3,$4,'queued',0,$5,$6, now(), now())
	      ON CONFLICT (type, target_url) WHERE status IN ('queued','running')
	      DO UPDATE SET priority = GREATEST(jobs.priority, EXCLUDED.priority), updated_at = now()
	      RETURNING id`
	var id string
	if err := r.Pool.QueryRow(ctx, q, uuid.New().String(), t, targetURL, priority, maxAttempts, metaJSON).Scan(&id); err != nil {
		return "", domain.NewDatabaseError("jobs.enqueue", err)
	}
	return id, nil
}

// Dequeue leases the best available job: the oldest queued job with the
// highest priority, or a running job whose lease expired. Returns (nil, nil)
// when no job is available.
func (r *QueueRepo) Dequeue(ctx domain.Context, workerID string) (*domain.Job, error) {
	return r.DequeueWithLease(ctx, workerID, r.LeaseTTL)
}

// DequeueWithLease is Dequeue with an explicit lease TTL.
func (r *QueueRepo) DequeueWithLease(ctx domain.Context, workerID string, leaseTTL time.Duration) (*domain.Job, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.Dequeue")
	defer span.End()
	span.SetAttributes(attribute.String("worker.id", workerID))

	q := `UPDATE jobs SET
	        status='running', locked_at=now(), locked_by=$1, attempts=attempts+1, updated_at=now()
	      WHERE id = (
	        SELECT id FROM jobs
	        WHERE status='queued'
	           OR (status='running' AND locked_at < now() - make_interval(secs => $2))
	        ORDER BY priority DESC, created_at ASC
	        FOR UPDATE SKIP LOCKED
	        LIMIT 1
	      )
	      RETURNING ` + jobColumns
	row := r.Pool.QueryRow(ctx, q, workerID, leaseTTL.Seconds())
	j, err := scanJob(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, domain.NewDatabaseError("jobs.dequeue", err)
	}
	return &j, nil
}

// Complete marks a job completed and merges result into its metadata.
// Completing an already-completed job is a no-op.
func (r *QueueRepo) Complete(ctx domain.Context, jobID string, result map[string]any) error {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.Complete")
	defer span.End()
	if result == nil {
		result = map[string]any{}
	}
	resJSON, err := json.Marshal(result)
	if err != nil {
		return domain.NewDatabaseError("jobs.complete", err)
	}
	_, err = r.Pool.Exec(ctx,
		`UPDATE jobs SET status='completed', completed_at=now(), updated_at=now(),
		   locked_at=NULL, locked_by=NULL, metadata = metadata || $2::jsonb
		 WHERE id=$1 AND status <> 'completed'`,
		jobID, resJSON)
	if err != nil {
		return domain.NewDatabaseError("jobs.complete", err)
	}
	return nil
}

// Fail records the error and requeues the job while attempts remain,
// otherwise moves it to the terminal failed state.
func (r *QueueRepo) Fail(ctx domain.Context, jobID string, errMsg string) error {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.Fail")
	defer span.End()
	_, err := r.Pool.Exec(ctx,
		`UPDATE jobs SET
		   status = CASE WHEN attempts < max_attempts THEN 'queued' ELSE 'failed' END,
		   locked_at=NULL, locked_by=NULL, last_error=$2, updated_at=now()
		 WHERE id=$1 AND status='running'`,
		jobID, errMsg)
	if err != nil {
		return domain.NewDatabaseError("jobs.fail", err)
	}
	return nil
}

// Release requeues a running job without consuming the attempt taken by
// Dequeue. Used when a worker declines the job before doing any work.
func (r *QueueRepo) Release(ctx domain.Context, jobID string) error {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.Release")
	defer span.End()
	_, err := r.Pool.Exec(ctx,
		`UPDATE jobs SET status='queued', attempts=GREATEST(attempts-1, 0),
		   locked_at=NULL, locked_by=NULL, updated_at=now()
		 WHERE id=$1 AND status='running'`,
		jobID)
	if err != nil {
		return domain.NewDatabaseError("jobs.release", err)
	}
	return nil
}

// Requeue is the admin action forcing a failed job back to queued. It applies
// only when attempts remain; otherwise ErrConflict.
func (r *QueueRepo) Requeue(ctx domain.Context, jobID string) error {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.Requeue")
	defer span.End()
	tag, err := r.Pool.Exec(ctx,
		`UPDATE jobs SET status='queued', locked_at=NULL, locked_by=NULL, updated_at=now()
		 WHERE id=$1 AND status='failed' AND attempts < max_attempts`,
		jobID)
	if err != nil {
		return domain.NewDatabaseError("jobs.requeue", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrConflict
	}
	return nil
}

// ReleaseLocks requeues every running job locked by workerID. Called on
// worker shutdown so unfinished work is picked up immediately.
func (r *QueueRepo) ReleaseLocks(ctx domain.Context, workerID string) error {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.ReleaseLocks")
	defer span.End()
	_, err := r.Pool.Exec(ctx,
		`UPDATE jobs SET status='queued', attempts=GREATEST(attempts-1, 0),
		   locked_at=NULL, locked_by=NULL, updated_at=now()
		 WHERE locked_by=$1 AND status='running'`,
		workerID)
	if err != nil {
		return domain.NewDatabaseError("jobs.release_locks", err)
	}
	return nil
}

// SweepExpired resets running jobs whose lease is older than leaseTTL back to
// queued and returns how many were reset.
func (r *QueueRepo) SweepExpired(ctx domain.Context, leaseTTL time.Duration) (int, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.SweepExpired")
	defer span.End()
	tag, err := r.Pool.Exec(ctx,
		`UPDATE jobs SET status='queued', locked_at=NULL, locked_by=NULL, updated_at=now()
		 WHERE status='running' AND locked_at < now() - make_interval(secs => $1)`,
		leaseTTL.Seconds())
	if err != nil {
		return 0, domain.NewDatabaseError("jobs.sweep_expired", err)
	}
	return int(tag.RowsAffected()), nil
}

// Get loads a job by id.
func (r *QueueRepo) Get(ctx domain.Context, jobID string) (domain.Job, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.Get")
	defer span.End()
	row := r.Pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id=$1`, jobID)
	j, err := scanJob(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Job{}, domain.ErrNotFound
		}
		return domain.Job{}, domain.NewDatabaseError("jobs.get", err)
	}
	return j, nil
}

// StatsByStatus returns job counts keyed by status.
func (r *QueueRepo) StatsByStatus(ctx domain.Context) (map[domain.JobStatus]int, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.StatsByStatus")
	defer span.End()
	rows, err := r.Pool.Query(ctx, `SELECT status, COUNT(*) FROM jobs GROUP BY status`)
	if err != nil {
		return nil, domain.NewDatabaseError("jobs.stats", err)
	}
	defer rows.Close()
	out := map[domain.JobStatus]int{}
	for rows.Next() {
		var status domain.JobStatus
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, domain.NewDatabaseError("jobs.stats", err)
		}
		out[status] = n
	}
	if err := rows.Err(); err != nil {
		return nil, domain.NewDatabaseError("jobs.stats", err)
	}
	return out, nil
}

func scanJob(row pgx.Row) (domain.Job, error) {
	var j domain.Job
	var metaJSON []byte
	if err := row.Scan(&j.ID, &j.Type, &j.TargetURL, &j.Priority, &j.Status, &j.Attempts, &j.MaxAttempts,
		&j.LockedAt, &j.LockedBy, &j.LastError, &metaJSON, &j.CreatedAt, &j.UpdatedAt, &j.CompletedAt); err != nil {
		return domain.Job{}, err
	}
	if len(metaJSON) > 0 {
		if err := json.Unmarshal(metaJSON, &j.Metadata); err != nil {
			return domain.Job{}, err
		}
	}
	return j, nil
}
