package scraper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/fairyhunter13/datashelf/internal/adapter/extract"
	"github.com/fairyhunter13/datashelf/internal/domain"
	"github.com/fairyhunter13/datashelf/internal/service/imagepipe"
)

// Child job priorities. Categories go ahead of products so the tree breadth
// grows before the leaves are filled in.
const (
	priorityCategoryChild = 1
	priorityProductChild  = 0
)

// processNavigation upserts the navigation tree from the site root and emits
// one category job per discovered category link.
func (p *Pool) processNavigation(ctx context.Context, job *domain.Job, log *slog.Logger) (int, error) {
	html, err := p.deps.Renderer.Render(ctx, job.TargetURL)
	if err != nil {
		return 0, fmt.Errorf("op=scraper.processNavigation: %w", err)
	}
	nodes, err := extract.Navigation(job.TargetURL, html)
	if err != nil {
		return 0, fmt.Errorf("op=scraper.processNavigation: %w", err)
	}

	// First pass stores every node so parents exist; the second pass links
	// children to their parents by source URL.
	idByURL := make(map[string]string, len(nodes))
	items := 0
	skipped := 0
	for _, n := range nodes {
		stored, err := p.deps.Navigation.Upsert(ctx, domain.NavigationNode{Title: n.Title, SourceURL: n.SourceURL})
		if err != nil {
			if errors.Is(err, domain.ErrInvalidArgument) {
				skipped++
				log.Warn("navigation node skipped", slog.String("url", n.SourceURL), slog.Any("error", err))
				continue
			}
			return items, fmt.Errorf("op=scraper.processNavigation: upsert: %w", err)
		}
		idByURL[n.SourceURL] = stored.ID
		items++
	}
	for _, n := range nodes {
		parentID, ok := idByURL[n.ParentURL]
		if n.ParentURL == "" || !ok {
			continue
		}
		id := idByURL[n.SourceURL]
		if id == "" || parentID == id {
			continue
		}
		if _, err := p.deps.Navigation.Upsert(ctx, domain.NavigationNode{
			Title: n.Title, SourceURL: n.SourceURL, ParentID: &parentID,
		}); err != nil {
			return items, fmt.Errorf("op=scraper.processNavigation: link parent: %w", err)
		}
	}

	// Children before Complete: a crash after this point only reruns the
	// idempotent upserts above.
	for _, n := range nodes {
		for _, categoryURL := range n.CategoryURLs {
			meta := map[string]any{}
			if id := idByURL[n.SourceURL]; id != "" {
				meta["navigation_id"] = id
			}
			if _, err := p.deps.Queue.Enqueue(ctx, domain.JobTypeCategory, categoryURL, priorityCategoryChild, meta, p.opts.MaxAttempts); err != nil {
				return items, fmt.Errorf("op=scraper.processNavigation: enqueue child: %w", err)
			}
		}
	}
	if skipped > 0 {
		log.Info("navigation records skipped", slog.Int("skipped", skipped))
	}
	return items, nil
}

// processCategory upserts the category and walks its listing pages, emitting
// one product job per listing, bounded by the page cap.
func (p *Pool) processCategory(ctx context.Context, job *domain.Job, log *slog.Logger) (int, error) {
	html, err := p.deps.Renderer.Render(ctx, job.TargetURL)
	if err != nil {
		return 0, fmt.Errorf("op=scraper.processCategory: %w", err)
	}
	first, err := extract.Category(job.TargetURL, html)
	if err != nil {
		return 0, fmt.Errorf("op=scraper.processCategory: %w", err)
	}

	cat := domain.Category{Title: first.Title, SourceURL: job.TargetURL}
	if navID, ok := job.Metadata["navigation_id"].(string); ok && navID != "" {
		cat.NavigationID = &navID
	}
	stored, err := p.deps.Categories.Upsert(ctx, cat)
	if err != nil {
		return 0, fmt.Errorf("op=scraper.processCategory: upsert: %w", err)
	}

	productURLs := append([]string{}, first.ProductURLs...)
	nextURL := first.NextPageURL
	for page := 2; nextURL != "" && page <= p.opts.MaxListingPages; page++ {
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		default:
		}
		pageHTML, err := p.deps.Renderer.Render(ctx, nextURL)
		if err != nil {
			return 0, fmt.Errorf("op=scraper.processCategory: page %d: %w", page, err)
		}
		listing, err := extract.Category(nextURL, pageHTML)
		if err != nil {
			return 0, fmt.Errorf("op=scraper.processCategory: page %d: %w", page, err)
		}
		productURLs = append(productURLs, listing.ProductURLs...)
		nextURL = listing.NextPageURL
	}
	if nextURL != "" {
		log.Warn("listing page cap reached", slog.Int("max_pages", p.opts.MaxListingPages))
	}

	meta := map[string]any{"category_id": stored.ID}
	items := 0
	for _, productURL := range productURLs {
		if _, err := p.deps.Queue.Enqueue(ctx, domain.JobTypeProduct, productURL, priorityProductChild, meta, p.opts.MaxAttempts); err != nil {
			return items, fmt.Errorf("op=scraper.processCategory: enqueue child: %w", err)
		}
		items++
	}
	return items, nil
}

// processProduct extracts one product page, mirrors its images into the blob
// store and upserts the record. Image failures degrade to the successful
// subset; they never fail the product.
func (p *Pool) processProduct(ctx context.Context, job *domain.Job, log *slog.Logger) (int, error) {
	html, err := p.deps.Renderer.Render(ctx, job.TargetURL)
	if err != nil {
		return 0, fmt.Errorf("op=scraper.processProduct: %w", err)
	}
	rec, err := extract.Product(job.TargetURL, html)
	if err != nil {
		if errors.Is(err, domain.ErrInvalidArgument) {
			log.Warn("product record skipped", slog.Any("error", err))
			return 0, nil
		}
		return 0, fmt.Errorf("op=scraper.processProduct: %w", err)
	}

	imageURLs := rec.ImageURLs
	if p.deps.Images != nil && len(rec.ImageURLs) > 0 {
		results, stats := p.deps.Images.ProcessBatch(ctx, job.TargetURL, rec.ImageURLs)
		imageURLs = imagepipe.StoredURLs(results)
		log.Debug("images processed",
			slog.Int("requested", stats.Requested), slog.Int("stored", stats.Stored),
			slog.Int("failed", stats.Failed), slog.Int("skipped", stats.Skipped))
	}

	product := domain.Product{
		Title:     rec.Title,
		SourceURL: rec.SourceURL,
		SourceID:  rec.SourceID,
		Price:     rec.Price,
		Currency:  rec.Currency,
		ImageURLs: imageURLs,
		Summary:   rec.Summary,
		Specs:     rec.Specs,
		Available: rec.Available,
	}
	// The category link is only trusted when the listing that emitted this job
	// resolved it; a bare product URL stays uncategorized.
	if categoryID, ok := job.Metadata["category_id"].(string); ok && categoryID != "" {
		product.CategoryID = &categoryID
	}
	if _, err := p.deps.Products.Upsert(ctx, product); err != nil {
		if errors.Is(err, domain.ErrInvalidArgument) {
			log.Warn("product record skipped", slog.Any("error", err))
			return 0, nil
		}
		return 0, fmt.Errorf("op=scraper.processProduct: upsert: %w", err)
	}
	return 1, nil
}
