// Package imagepipe downloads product images, validates them and stores them
// content-addressed in the blob store.
package imagepipe

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/fairyhunter13/datashelf/internal/adapter/observability"
	"github.com/fairyhunter13/datashelf/internal/domain"
)

// acceptedExt maps accepted sniffed MIME types to the stored extension.
var acceptedExt = map[string]string{
	"image/jpeg": ".jpg",
	"image/png":  ".png",
	"image/webp": ".webp",
	"image/gif":  ".gif",
}

// Result is the outcome for a single source URL.
type Result struct {
	SourceURL string
	StoredURL string
	Err       error
}

// Stats aggregates a batch run.
type Stats struct {
	Requested int
	Stored    int
	Failed    int
	Skipped   int
}

// Pipeline fetches, sniffs and stores images.
type Pipeline struct {
	store       domain.BlobStore
	client      *http.Client
	maxBytes    int64
	concurrency int
	// limiter paces outbound image GETs against the source site.
	limiter *rate.Limiter
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithMaxBytes caps the downloaded size per image.
func WithMaxBytes(n int64) Option {
	return func(p *Pipeline) {
		if n > 0 {
			p.maxBytes = n
		}
	}
}

// WithConcurrency bounds parallel downloads per batch.
func WithConcurrency(n int) Option {
	return func(p *Pipeline) {
		if n > 0 {
			p.concurrency = n
		}
	}
}

// WithFetchTimeout bounds each image GET.
func WithFetchTimeout(d time.Duration) Option {
	return func(p *Pipeline) {
		if d > 0 {
			p.client.Timeout = d
		}
	}
}

// WithPacing throttles outbound GETs to r per second with burst b.
func WithPacing(r float64, b int) Option {
	return func(p *Pipeline) { p.limiter = rate.NewLimiter(rate.Limit(r), b) }
}

// New builds a Pipeline writing into store.
func New(store domain.BlobStore, opts ...Option) *Pipeline {
	p := &Pipeline{
		store:       store,
		client:      &http.Client{Timeout: 15 * time.Second},
		maxBytes:    10 << 20,
		concurrency: 4,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// nonImageExt lists path extensions that are never image payloads. Skipping
// them up front saves the GET; sniffing still guards everything that slips
// through (extensionless CDN URLs stay fetchable).
var nonImageExt = map[string]bool{
	".html": true, ".htm": true, ".xhtml": true, ".php": true, ".asp": true,
	".aspx": true, ".jsp": true, ".js": true, ".css": true, ".json": true,
	".xml": true, ".txt": true, ".pdf": true, ".zip": true, ".mp4": true,
	".webm": true, ".svg": true, ".ico": true,
}

// Resolve turns a possibly-relative image reference into an absolute URL
// against the page it was found on. Returns "" for references that cannot be
// fetched (data:, javascript:, fragments, parse failures) or whose extension
// marks them as non-images.
func Resolve(pageURL, ref string) string {
	ref = strings.TrimSpace(ref)
	if ref == "" || strings.HasPrefix(ref, "data:") || strings.HasPrefix(ref, "javascript:") || strings.HasPrefix(ref, "#") {
		return ""
	}
	base, err := url.Parse(pageURL)
	if err != nil {
		return ""
	}
	u, err := base.Parse(ref)
	if err != nil {
		return ""
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return ""
	}
	if nonImageExt[strings.ToLower(path.Ext(u.Path))] {
		return ""
	}
	u.Fragment = ""
	return u.String()
}

// Process fetches one image, validates it and stores it. The returned URL is
// the public blob URL.
func (p *Pipeline) Process(ctx context.Context, imageURL string) (string, error) {
	if p.limiter != nil {
		if err := p.limiter.Wait(ctx); err != nil {
			return "", fmt.Errorf("op=imagepipe.Process: %w", err)
		}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, imageURL, nil)
	if err != nil {
		return "", fmt.Errorf("op=imagepipe.Process: %w", err)
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("op=imagepipe.Process: fetch: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("op=imagepipe.Process: fetch status %d", resp.StatusCode)
	}

	// Read one byte past the cap so oversize bodies are detected, not silently
	// truncated.
	data, err := io.ReadAll(io.LimitReader(resp.Body, p.maxBytes+1))
	if err != nil {
		return "", fmt.Errorf("op=imagepipe.Process: read: %w", err)
	}
	if int64(len(data)) > p.maxBytes {
		return "", fmt.Errorf("op=imagepipe.Process: image exceeds %d bytes: %w", p.maxBytes, domain.ErrInvalidArgument)
	}

	mt := mimetype.Detect(data)
	ext, ok := acceptedExt[mt.String()]
	if !ok {
		return "", fmt.Errorf("op=imagepipe.Process: unsupported content type %q: %w", mt.String(), domain.ErrInvalidArgument)
	}

	sum := sha256.Sum256(data)
	key := hex.EncodeToString(sum[:]) + ext
	stored, err := p.store.Put(ctx, key, data, mt.String())
	if err != nil {
		return "", fmt.Errorf("op=imagepipe.Process: store: %w", err)
	}
	return stored, nil
}

// ProcessBatch resolves each reference against pageURL and processes the
// fetchable ones concurrently. Per-item failures do not abort the batch; the
// returned slice preserves input order.
func (p *Pipeline) ProcessBatch(ctx context.Context, pageURL string, refs []string) ([]Result, Stats) {
	results := make([]Result, len(refs))
	stats := Stats{Requested: len(refs)}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.concurrency)
	for i, ref := range refs {
		abs := Resolve(pageURL, ref)
		if abs == "" {
			results[i] = Result{SourceURL: ref}
			stats.Skipped++
			continue
		}
		g.Go(func() error {
			stored, err := p.Process(gctx, abs)
			results[i] = Result{SourceURL: abs, StoredURL: stored, Err: err}
			return nil
		})
	}
	_ = g.Wait()

	for _, r := range results {
		switch {
		case r.Err != nil:
			stats.Failed++
			observability.ImagesFailedTotal.Inc()
			slog.Warn("image processing failed", slog.String("url", r.SourceURL), slog.Any("error", r.Err))
		case r.StoredURL != "":
			stats.Stored++
			observability.ImagesStoredTotal.Inc()
		}
	}
	return results, stats
}

// StoredURLs extracts the successfully stored URLs from a batch result,
// preserving order.
func StoredURLs(results []Result) []string {
	urls := make([]string, 0, len(results))
	for _, r := range results {
		if r.Err == nil && r.StoredURL != "" {
			urls = append(urls, r.StoredURL)
		}
	}
	return urls
}
