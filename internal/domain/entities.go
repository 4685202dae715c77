// Package domain holds the core entities and ports of the catalog system.
package domain

import (
	"context"
	"time"
)

// Context is an alias so adapters and usecases can pass context.Context
// through without the domain package importing more than it needs elsewhere.
type Context = context.Context

// JobType enumerates scrape job types.
type JobType string

const (
	JobTypeNavigation JobType = "navigation"
	JobTypeCategory   JobType = "category"
	JobTypeProduct    JobType = "product"
)

// ValidJobType reports whether t is a known job type.
func ValidJobType(t JobType) bool {
	switch t {
	case JobTypeNavigation, JobTypeCategory, JobTypeProduct:
		return true
	}
	return false
}

// JobStatus enumerates the job state machine.
// queued -> running -> (completed | queued | failed)
type JobStatus string

const (
	JobQueued    JobStatus = "queued"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
)

// Priority bounds for jobs.
const (
	PriorityMin     = 0
	PriorityMax     = 10
	PriorityDefault = 0
)

// NavigationNode is one node of the site navigation tree.
// Invariants: SourceURL unique; ParentID reaches a root in a bounded
// number of hops; nodes are never deleted by the core.
type NavigationNode struct {
	ID            string
	Title         string
	SourceURL     string
	ParentID      *string
	LastScrapedAt time.Time
}

// Category groups products under a navigation node.
// ProductCount is a materialized counter maintained by the repository.
type Category struct {
	ID            string
	NavigationID  *string
	Title         string
	SourceURL     string
	ProductCount  int
	LastScrapedAt time.Time
}

// Product is a catalog item. Upsert conflict key is SourceURL.
type Product struct {
	ID            string
	CategoryID    *string
	Title         string
	SourceURL     string
	SourceID      *string
	Price         *float64
	Currency      string
	ImageURLs     []string
	Summary       *string
	Specs         map[string]any
	Available     bool
	LastScrapedAt time.Time
	CreatedAt     time.Time
}

// Job is a unit of scrape work: a type plus a target URL.
// At most one non-terminal job may exist per (Type, TargetURL).
type Job struct {
	ID          string
	Type        JobType
	TargetURL   string
	Priority    int
	Status      JobStatus
	Attempts    int
	MaxAttempts int
	LockedAt    *time.Time
	LockedBy    *string
	LastError   *string
	Metadata    map[string]any
	CreatedAt   time.Time
	UpdatedAt   time.Time
	CompletedAt *time.Time
}

// Terminal reports whether the job is in a terminal state.
func (j Job) Terminal() bool { return j.Status == JobCompleted || j.Status == JobFailed }

// ProductSort enumerates supported product orderings. Ties are broken by id;
// price sorts place nulls last regardless of direction.
type ProductSort string

const (
	SortTitleAsc      ProductSort = "title_asc"
	SortTitleDesc     ProductSort = "title_desc"
	SortPriceAsc      ProductSort = "price_asc"
	SortPriceDesc     ProductSort = "price_desc"
	SortCreatedAtDesc ProductSort = "created_at_desc"
)

// ValidProductSort reports whether s is a supported ordering.
func ValidProductSort(s ProductSort) bool {
	switch s {
	case SortTitleAsc, SortTitleDesc, SortPriceAsc, SortPriceDesc, SortCreatedAtDesc:
		return true
	}
	return false
}

// ProductQuery bounds and orders a product listing.
type ProductQuery struct {
	CategoryID    *string
	Limit         int
	Offset        int
	Sort          ProductSort
	AvailableOnly bool
}

// CategoryQuery bounds a category listing. NavParentID filters by the parent
// of the owning navigation node (one level up the tree).
type CategoryQuery struct {
	NavigationID *string
	NavParentID  *string
	Limit        int
	Offset       int
}

// Repositories (ports)

// NavigationRepository persists navigation nodes.
type NavigationRepository interface {
	Upsert(ctx context.Context, n NavigationNode) (NavigationNode, error)
	GetBySourceURL(ctx context.Context, sourceURL string) (NavigationNode, error)
	GetByID(ctx context.Context, id string) (NavigationNode, error)
	List(ctx context.Context) ([]NavigationNode, error)
}

// CategoryRepository persists categories.
type CategoryRepository interface {
	Upsert(ctx context.Context, c Category) (Category, error)
	GetBySourceURL(ctx context.Context, sourceURL string) (Category, error)
	GetByID(ctx context.Context, id string) (Category, error)
	List(ctx context.Context, q CategoryQuery) ([]Category, int, error)
}

// ProductRepository persists products and maintains category counters.
type ProductRepository interface {
	Upsert(ctx context.Context, p Product) (Product, error)
	GetBySourceURL(ctx context.Context, sourceURL string) (Product, error)
	GetByID(ctx context.Context, id string) (Product, error)
	List(ctx context.Context, q ProductQuery) ([]Product, int, error)
}

// JobQueue is the durable FIFO with priority and lease-based concurrency.
type JobQueue interface {
	// Enqueue dedups against non-terminal jobs for (Type, TargetURL), raising
	// priority to the max of existing and new. Returns the job id.
	Enqueue(ctx context.Context, t JobType, targetURL string, priority int, metadata map[string]any, maxAttempts int) (string, error)
	// Dequeue leases the best available job for workerID, or returns (nil, nil)
	// when the queue is empty.
	Dequeue(ctx context.Context, workerID string) (*Job, error)
	// Complete marks a job done and merges result into its metadata. Idempotent.
	Complete(ctx context.Context, jobID string, result map[string]any) error
	// Fail requeues the job while attempts remain, otherwise terminal-fails it.
	Fail(ctx context.Context, jobID string, errMsg string) error
	// Release requeues the job without consuming the attempt taken by Dequeue.
	// Used when a worker cannot start the job (e.g. rate-limit denial).
	Release(ctx context.Context, jobID string) error
	// Requeue forces a failed job back to queued iff attempts < max_attempts.
	Requeue(ctx context.Context, jobID string) error
	// ReleaseLocks requeues every running job locked by workerID.
	ReleaseLocks(ctx context.Context, workerID string) error
	// SweepExpired resets running jobs whose lease is older than leaseTTL.
	SweepExpired(ctx context.Context, leaseTTL time.Duration) (int, error)
	Get(ctx context.Context, jobID string) (Job, error)
	// StatsByStatus returns job counts keyed by status.
	StatsByStatus(ctx context.Context) (map[JobStatus]int, error)
}

// Renderer is the external page-rendering primitive: fetch a URL, return the
// rendered DOM as HTML.
type Renderer interface {
	Render(ctx context.Context, targetURL string) (string, error)
}

// BlobStore is a write-addressed sink for image bytes. Put stores data under
// key and returns the canonical public URL.
type BlobStore interface {
	Put(ctx context.Context, key string, data []byte, contentType string) (string, error)
}

// Extracted records (DOM -> StructuredRecord contracts)

// ExtractedNavNode is a navigation node parsed from a rendered page.
type ExtractedNavNode struct {
	Title     string
	SourceURL string
	ParentURL string
	// CategoryURLs are category links discovered under this node.
	CategoryURLs []string
}

// ExtractedCategory is category metadata plus one page of product listings.
type ExtractedCategory struct {
	Title       string
	SourceURL   string
	ProductURLs []string
	NextPageURL string
}

// ExtractedProduct is the full product record parsed from a detail page.
type ExtractedProduct struct {
	Title     string
	SourceURL string
	SourceID  *string
	Price     *float64
	Currency  string
	ImageURLs []string
	Summary   *string
	Specs     map[string]any
	Available bool
}
