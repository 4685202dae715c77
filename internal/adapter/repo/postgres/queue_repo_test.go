package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/datashelf/internal/domain"
)

type fakeRow struct {
	scan func(dest ...any) error
}

func (r fakeRow) Scan(dest ...any) error { return r.scan(dest...) }

type fakePool struct {
	exec     func(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	queryRow func(ctx context.Context, sql string, args ...any) pgx.Row
	beginTx  func(ctx context.Context, opts pgx.TxOptions) (pgx.Tx, error)
}

func (p *fakePool) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	return p.exec(ctx, sql, args...)
}
func (p *fakePool) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	return p.queryRow(ctx, sql, args...)
}
func (p *fakePool) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	return nil, errors.New("not implemented")
}
func (p *fakePool) BeginTx(ctx context.Context, opts pgx.TxOptions) (pgx.Tx, error) {
	return p.beginTx(ctx, opts)
}

// fakeTx embeds pgx.Tx so only the methods the repo touches need stubs.
type fakeTx struct {
	pgx.Tx
	exec      func(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	queryRow  func(ctx context.Context, sql string, args ...any) pgx.Row
	committed bool
}

func (t *fakeTx) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	return t.exec(ctx, sql, args...)
}
func (t *fakeTx) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	return t.queryRow(ctx, sql, args...)
}
func (t *fakeTx) Commit(context.Context) error   { t.committed = true; return nil }
func (t *fakeTx) Rollback(context.Context) error { return nil }

func TestClampPriority(t *testing.T) {
	assert.Equal(t, domain.PriorityMin, clampPriority(-5))
	assert.Equal(t, domain.PriorityMax, clampPriority(99))
	assert.Equal(t, 3, clampPriority(3))
}

func TestEnqueueRejectsInvalidInput(t *testing.T) {
	r := NewQueueRepo(&fakePool{}, time.Minute)

	_, err := r.Enqueue(context.Background(), "bogus", "https://s/x", 0, nil, 3)
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)

	_, err = r.Enqueue(context.Background(), domain.JobTypeProduct, "not-a-url", 0, nil, 3)
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)
}

func TestEnqueueUpsertsAtomically(t *testing.T) {
	// Dedup rides on the partial unique index in one statement; there is no
	// select-then-insert window for two enqueuers to race through.
	var gotSQL string
	var gotArgs []any
	pool := &fakePool{queryRow: func(ctx context.Context, sql string, args ...any) pgx.Row {
		gotSQL = sql
		gotArgs = args
		return fakeRow{scan: func(dest ...any) error {
			*(dest[0].(*string)) = args[0].(string)
			return nil
		}}
	}}

	r := NewQueueRepo(pool, time.Minute)
	id, err := r.Enqueue(context.Background(), domain.JobTypeProduct, "https://s/product/1", 7, nil, 3)
	require.NoError(t, err)
	_, parseErr := uuid.Parse(id)
	assert.NoError(t, parseErr)

	assert.Contains(t, gotSQL, "ON CONFLICT (type, target_url) WHERE status IN ('queued','running')")
	assert.Contains(t, gotSQL, "GREATEST(jobs.priority, EXCLUDED.priority)")
	assert.Contains(t, gotSQL, "RETURNING id")
	require.Len(t, gotArgs, 6)
	assert.Equal(t, domain.JobTypeProduct, gotArgs[1])
	assert.Equal(t, "https://s/product/1", gotArgs[2])
	assert.Equal(t, 7, gotArgs[3])
}

func TestEnqueueDedupReturnsExistingID(t *testing.T) {
	const existing = "11111111-2222-3333-4444-555555555555"
	pool := &fakePool{queryRow: func(ctx context.Context, sql string, args ...any) pgx.Row {
		// Conflict path: RETURNING yields the surviving row's id, not the
		// candidate one.
		return fakeRow{scan: func(dest ...any) error {
			*(dest[0].(*string)) = existing
			return nil
		}}
	}}

	r := NewQueueRepo(pool, time.Minute)
	id, err := r.Enqueue(context.Background(), domain.JobTypeProduct, "https://s/product/1", 7, nil, 3)
	require.NoError(t, err)
	assert.Equal(t, existing, id)
}

func TestEnqueueClampsAndDefaults(t *testing.T) {
	var gotArgs []any
	pool := &fakePool{queryRow: func(ctx context.Context, sql string, args ...any) pgx.Row {
		gotArgs = args
		return fakeRow{scan: func(dest ...any) error {
			*(dest[0].(*string)) = args[0].(string)
			return nil
		}}
	}}

	r := NewQueueRepo(pool, time.Minute)
	// Priority above the max is clamped; non-positive maxAttempts defaults.
	_, err := r.Enqueue(context.Background(), domain.JobTypeCategory, "https://s/category/1", 99, nil, 0)
	require.NoError(t, err)
	require.Len(t, gotArgs, 6)
	assert.Equal(t, domain.PriorityMax, gotArgs[3])
	assert.Equal(t, 3, gotArgs[4])
}

func TestFailRequeuesUntilAttemptsExhausted(t *testing.T) {
	// The queued-vs-failed decision lives in the statement itself; assert the
	// transition rule and the running-only guard it ships with.
	var gotSQL string
	var gotArgs []any
	pool := &fakePool{exec: func(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
		gotSQL = sql
		gotArgs = args
		return pgconn.NewCommandTag("UPDATE 1"), nil
	}}
	r := NewQueueRepo(pool, time.Minute)

	require.NoError(t, r.Fail(context.Background(), "job-1", "render timeout"))
	assert.Contains(t, gotSQL, "CASE WHEN attempts < max_attempts THEN 'queued' ELSE 'failed' END")
	assert.Contains(t, gotSQL, "status='running'")
	assert.Contains(t, gotSQL, "locked_at=NULL")
	assert.Contains(t, gotSQL, "locked_by=NULL")
	assert.Equal(t, []any{"job-1", "render timeout"}, gotArgs)
}

func TestReleaseRefundsTheDequeueAttempt(t *testing.T) {
	var gotSQL string
	pool := &fakePool{exec: func(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
		gotSQL = sql
		return pgconn.NewCommandTag("UPDATE 1"), nil
	}}
	r := NewQueueRepo(pool, time.Minute)

	require.NoError(t, r.Release(context.Background(), "job-1"))
	assert.Contains(t, gotSQL, "attempts=GREATEST(attempts-1, 0)")
	assert.Contains(t, gotSQL, "status='queued'")
	assert.Contains(t, gotSQL, "WHERE id=$1 AND status='running'")
}

func TestDequeueEmptyQueueReturnsNil(t *testing.T) {
	pool := &fakePool{queryRow: func(ctx context.Context, sql string, args ...any) pgx.Row {
		return fakeRow{scan: func(dest ...any) error { return pgx.ErrNoRows }}
	}}
	r := NewQueueRepo(pool, time.Minute)

	j, err := r.Dequeue(context.Background(), "w1")
	require.NoError(t, err)
	assert.Nil(t, j)
}

func TestDequeueScansLeasedJob(t *testing.T) {
	now := time.Now()
	pool := &fakePool{queryRow: func(ctx context.Context, sql string, args ...any) pgx.Row {
		assert.Equal(t, "w1", args[0])
		assert.InDelta(t, 60.0, args[1].(float64), 0.001)
		return fakeRow{scan: func(dest ...any) error {
			*(dest[0].(*string)) = "job-1"
			*(dest[1].(*domain.JobType)) = domain.JobTypeProduct
			*(dest[2].(*string)) = "https://s/product/1"
			*(dest[3].(*int)) = 2
			*(dest[4].(*domain.JobStatus)) = domain.JobRunning
			*(dest[5].(*int)) = 1
			*(dest[6].(*int)) = 3
			*(dest[7].(**time.Time)) = &now
			w := "w1"
			*(dest[8].(**string)) = &w
			*(dest[10].(*[]byte)) = []byte(`{"category_id":"cat-1"}`)
			*(dest[11].(*time.Time)) = now
			*(dest[12].(*time.Time)) = now
			return nil
		}}
	}}
	r := NewQueueRepo(pool, time.Minute)

	j, err := r.Dequeue(context.Background(), "w1")
	require.NoError(t, err)
	require.NotNil(t, j)
	assert.Equal(t, "job-1", j.ID)
	assert.Equal(t, domain.JobRunning, j.Status)
	assert.Equal(t, "cat-1", j.Metadata["category_id"])
}

func TestRequeueConflictWhenNotRequeueable(t *testing.T) {
	pool := &fakePool{exec: func(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
		return pgconn.NewCommandTag("UPDATE 0"), nil
	}}
	r := NewQueueRepo(pool, time.Minute)

	err := r.Requeue(context.Background(), "job-1")
	assert.ErrorIs(t, err, domain.ErrConflict)
}

func TestSweepExpiredReturnsCount(t *testing.T) {
	pool := &fakePool{exec: func(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
		assert.InDelta(t, 600.0, args[0].(float64), 0.001)
		return pgconn.NewCommandTag("UPDATE 3"), nil
	}}
	r := NewQueueRepo(pool, 10*time.Minute)

	n, err := r.SweepExpired(context.Background(), 10*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}

func TestGetNotFound(t *testing.T) {
	pool := &fakePool{queryRow: func(ctx context.Context, sql string, args ...any) pgx.Row {
		return fakeRow{scan: func(dest ...any) error { return pgx.ErrNoRows }}
	}}
	r := NewQueueRepo(pool, time.Minute)

	_, err := r.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestDequeueWrapsTransportError(t *testing.T) {
	pool := &fakePool{queryRow: func(ctx context.Context, sql string, args ...any) pgx.Row {
		return fakeRow{scan: func(dest ...any) error { return errors.New("broken pipe") }}
	}}
	r := NewQueueRepo(pool, time.Minute)

	_, err := r.Dequeue(context.Background(), "w1")
	var dbErr *domain.DatabaseError
	require.ErrorAs(t, err, &dbErr)
	assert.Equal(t, "jobs.dequeue", dbErr.Operation)
}
