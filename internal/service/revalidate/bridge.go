// Package revalidate maps stale cache fingerprints back onto scrape jobs and
// posts them, signed, to the worker intake.
package revalidate

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/fairyhunter13/datashelf/internal/domain"
	"github.com/fairyhunter13/datashelf/internal/service/ratelimiter"
	"github.com/fairyhunter13/datashelf/internal/service/signer"
)

// limiterKey is the rate-limit source key shared by all stale-cache triggers.
const limiterKey = "stale-cache"

// jobRequest is the intake body for POST /jobs.
type jobRequest struct {
	Type      domain.JobType `json:"type"`
	TargetURL string         `json:"target_url"`
	Priority  int            `json:"priority"`
	Metadata  map[string]any `json:"metadata"`
}

// Bridge translates cache keys into signed enqueue requests.
type Bridge struct {
	enabled    bool
	siteBase   string
	workerHost string
	limiter    *ratelimiter.SlidingWindow
	signer     *signer.Signer
	client     *http.Client
}

// New builds a Bridge. workerHost is the base URL of the scraper intake.
func New(enabled bool, siteBase, workerHost string, limiter *ratelimiter.SlidingWindow, sgn *signer.Signer) *Bridge {
	return &Bridge{
		enabled:    enabled,
		siteBase:   strings.TrimRight(siteBase, "/"),
		workerHost: strings.TrimRight(workerHost, "/"),
		limiter:    limiter,
		signer:     sgn,
		client:     &http.Client{Timeout: 10 * time.Second},
	}
}

// MapKey translates a cache fingerprint into a job request, or nil when the
// key cannot be mapped (e.g. product_detail without an id).
func (b *Bridge) MapKey(key string) *jobRequest {
	prefix := key
	params := url.Values{}
	if i := strings.IndexByte(key, ':'); i >= 0 {
		prefix = key[:i]
		if v, err := url.ParseQuery(key[i+1:]); err == nil {
			params = v
		}
	}
	switch prefix {
	case "navigation":
		return &jobRequest{Type: domain.JobTypeNavigation, TargetURL: b.siteBase + "/"}
	case "categories":
		navID := params.Get("navId")
		if navID == "" {
			return &jobRequest{Type: domain.JobTypeNavigation, TargetURL: b.siteBase + "/"}
		}
		return &jobRequest{Type: domain.JobTypeCategory, TargetURL: b.siteBase + "/category/" + navID}
	case "products":
		categoryID := params.Get("categoryId")
		if categoryID == "" {
			return nil
		}
		return &jobRequest{Type: domain.JobTypeProduct, TargetURL: b.siteBase + "/category/" + categoryID + "/products"}
	case "product_detail":
		id := params.Get("id")
		if id == "" {
			return nil
		}
		return &jobRequest{Type: domain.JobTypeProduct, TargetURL: b.siteBase + "/product/" + id}
	}
	return nil
}

// Trigger enqueues a revalidation scrape for the cache key. Denials and
// mapping failures are logged and dropped; nothing surfaces to the cache.
func (b *Bridge) Trigger(ctx context.Context, key string) {
	if b == nil || !b.enabled {
		return
	}
	req := b.MapKey(key)
	if req == nil {
		slog.Debug("unmappable cache key dropped", slog.String("key", key))
		return
	}
	if b.limiter != nil {
		if !b.limiter.Allowed(ctx, limiterKey) {
			minute, hour := b.limiter.Usage(ctx, limiterKey)
			slog.Info("revalidation rate-limited",
				slog.String("key", key), slog.Int("minute", minute), slog.Int("hour", hour))
			return
		}
		b.limiter.Record(ctx, limiterKey)
	}

	req.Priority = 3
	req.Metadata = map[string]any{
		"cache_key":         key,
		"revalidation_type": "stale",
	}
	if err := b.post(ctx, req); err != nil {
		slog.Warn("revalidation enqueue failed", slog.String("key", key), slog.Any("error", err))
	}
}

func (b *Bridge) post(ctx context.Context, jr *jobRequest) error {
	body, err := json.Marshal(jr)
	if err != nil {
		return fmt.Errorf("op=revalidate.post: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, b.workerHost+"/jobs", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("op=revalidate.post: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if b.signer != nil {
		if err := b.signer.Sign(httpReq, body); err != nil {
			return fmt.Errorf("op=revalidate.post: %w", err)
		}
	}
	resp, err := b.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("op=revalidate.post: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("op=revalidate.post: intake status %d: %s", resp.StatusCode, snippet)
	}
	return nil
}
