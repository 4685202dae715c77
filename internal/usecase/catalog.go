// Package usecase composes the read-side services: repository lookups served
// through the stale-while-revalidate cache.
package usecase

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/fairyhunter13/datashelf/internal/domain"
	"github.com/fairyhunter13/datashelf/internal/service/cache"
)

// TTLResolver maps a cache prefix to its configured TTL.
type TTLResolver func(prefix string) time.Duration

// Catalog serves catalog reads cache-through.
type Catalog struct {
	navigation domain.NavigationRepository
	categories domain.CategoryRepository
	products   domain.ProductRepository
	cache      *cache.SWR
	ttlFor     TTLResolver
	// reval, when set, is handed to the cache as the background revalidation
	// trigger for stale hits.
	reval cache.RevalTrigger
	// navMaxDepth bounds the navigation parent chain; nodes whose chain is
	// longer (or cyclic) are promoted to roots.
	navMaxDepth int
}

// Option tunes a Catalog.
type Option func(*Catalog)

// WithNavMaxDepth overrides the navigation tree depth bound.
func WithNavMaxDepth(n int) Option {
	return func(c *Catalog) {
		if n > 0 {
			c.navMaxDepth = n
		}
	}
}

// NewCatalog builds the read service.
func NewCatalog(
	nav domain.NavigationRepository,
	cats domain.CategoryRepository,
	prods domain.ProductRepository,
	swr *cache.SWR,
	ttlFor TTLResolver,
	reval cache.RevalTrigger,
	opts ...Option,
) *Catalog {
	c := &Catalog{navigation: nav, categories: cats, products: prods, cache: swr, ttlFor: ttlFor, reval: reval, navMaxDepth: 6}
	for _, o := range opts {
		o(c)
	}
	return c
}

// NavTreeNode is one node of the assembled navigation tree.
type NavTreeNode struct {
	ID            string         `json:"id"`
	Title         string         `json:"title"`
	SourceURL     string         `json:"source_url"`
	LastScrapedAt time.Time      `json:"last_scraped_at"`
	Children      []*NavTreeNode `json:"children"`
}

// CategoryDTO is the wire shape of a category.
type CategoryDTO struct {
	ID            string    `json:"id"`
	NavigationID  *string   `json:"navigation_id"`
	Title         string    `json:"title"`
	SourceURL     string    `json:"source_url"`
	ProductCount  int       `json:"product_count"`
	LastScrapedAt time.Time `json:"last_scraped_at"`
}

// ProductDTO is the wire shape of a product.
type ProductDTO struct {
	ID            string         `json:"id"`
	CategoryID    *string        `json:"category_id"`
	Title         string         `json:"title"`
	SourceURL     string         `json:"source_url"`
	SourceID      *string        `json:"source_id,omitempty"`
	Price         *float64       `json:"price"`
	Currency      string         `json:"currency"`
	ImageURLs     []string       `json:"image_urls"`
	Summary       *string        `json:"summary,omitempty"`
	Specs         map[string]any `json:"specs"`
	Available     bool           `json:"available"`
	LastScrapedAt time.Time      `json:"last_scraped_at"`
	CreatedAt     time.Time      `json:"created_at"`
}

// Page wraps a listing payload with its pagination window.
type Page[T any] struct {
	Items  []T `json:"items"`
	Total  int `json:"total"`
	Limit  int `json:"limit"`
	Offset int `json:"offset"`
}

// Navigation returns the full navigation tree through the cache.
func (c *Catalog) Navigation(ctx context.Context) (cache.Result, error) {
	key := cache.Fingerprint("navigation", nil)
	return c.cache.GetWithSWR(ctx, key, c.ttlFor("navigation"), func(ctx context.Context) (json.RawMessage, error) {
		nodes, err := c.navigation.List(ctx)
		if err != nil {
			return nil, fmt.Errorf("op=catalog.Navigation: %w", err)
		}
		return marshalPayload(buildNavTree(nodes, c.navMaxDepth))
	}, c.reval)
}

// buildNavTree materializes the parent/child hierarchy in two passes: allocate
// every node, then wire children under their parents. A node is attached only
// when its parent chain reaches a root within maxDepth hops; orphans, cycle
// members and over-deep nodes surface as roots so nothing is silently dropped.
func buildNavTree(nodes []domain.NavigationNode, maxDepth int) []*NavTreeNode {
	if maxDepth <= 0 {
		maxDepth = 6
	}
	byID := make(map[string]*NavTreeNode, len(nodes))
	parentOf := make(map[string]string, len(nodes))
	for _, n := range nodes {
		byID[n.ID] = &NavTreeNode{
			ID:            n.ID,
			Title:         n.Title,
			SourceURL:     n.SourceURL,
			LastScrapedAt: n.LastScrapedAt,
			Children:      []*NavTreeNode{},
		}
		if n.ParentID != nil && *n.ParentID != n.ID {
			parentOf[n.ID] = *n.ParentID
		}
	}
	chainBounded := func(id string) bool {
		hops := 0
		for cur := id; ; {
			p, ok := parentOf[cur]
			if !ok {
				return true
			}
			if hops++; hops > maxDepth {
				return false
			}
			cur = p
		}
	}
	roots := make([]*NavTreeNode, 0, len(nodes))
	for _, n := range nodes {
		node := byID[n.ID]
		if pid, ok := parentOf[n.ID]; ok {
			if parent, found := byID[pid]; found && chainBounded(n.ID) {
				parent.Children = append(parent.Children, node)
				continue
			}
		}
		roots = append(roots, node)
	}
	return roots
}

// Categories returns one page of categories through the cache.
func (c *Catalog) Categories(ctx context.Context, q domain.CategoryQuery) (cache.Result, error) {
	params := map[string]*string{
		"navId":    q.NavigationID,
		"parentId": q.NavParentID,
		"limit":    cache.Param(strconv.Itoa(q.Limit)),
		"offset":   cache.Param(strconv.Itoa(q.Offset)),
	}
	key := cache.Fingerprint("categories", params)
	return c.cache.GetWithSWR(ctx, key, c.ttlFor("categories"), func(ctx context.Context) (json.RawMessage, error) {
		items, total, err := c.categories.List(ctx, q)
		if err != nil {
			return nil, fmt.Errorf("op=catalog.Categories: %w", err)
		}
		page := Page[CategoryDTO]{Items: make([]CategoryDTO, 0, len(items)), Total: total, Limit: q.Limit, Offset: q.Offset}
		for _, item := range items {
			page.Items = append(page.Items, toCategoryDTO(item))
		}
		return marshalPayload(page)
	}, c.reval)
}

// CategoryByID returns a single category through the cache.
func (c *Catalog) CategoryByID(ctx context.Context, id string) (cache.Result, error) {
	key := cache.Fingerprint("categories", map[string]*string{"id": cache.Param(id)})
	return c.cache.GetWithSWR(ctx, key, c.ttlFor("categories"), func(ctx context.Context) (json.RawMessage, error) {
		item, err := c.categories.GetByID(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("op=catalog.CategoryByID: %w", err)
		}
		return marshalPayload(toCategoryDTO(item))
	}, c.reval)
}

// Products returns one page of products through the cache.
func (c *Catalog) Products(ctx context.Context, q domain.ProductQuery) (cache.Result, error) {
	params := map[string]*string{
		"categoryId": q.CategoryID,
		"sort":       cache.Param(string(q.Sort)),
		"limit":      cache.Param(strconv.Itoa(q.Limit)),
		"offset":     cache.Param(strconv.Itoa(q.Offset)),
	}
	key := cache.Fingerprint("products", params)
	return c.cache.GetWithSWR(ctx, key, c.ttlFor("products"), func(ctx context.Context) (json.RawMessage, error) {
		items, total, err := c.products.List(ctx, q)
		if err != nil {
			return nil, fmt.Errorf("op=catalog.Products: %w", err)
		}
		page := Page[ProductDTO]{Items: make([]ProductDTO, 0, len(items)), Total: total, Limit: q.Limit, Offset: q.Offset}
		for _, item := range items {
			page.Items = append(page.Items, toProductDTO(item))
		}
		return marshalPayload(page)
	}, c.reval)
}

// ProductByID returns a single product through the cache.
func (c *Catalog) ProductByID(ctx context.Context, id string) (cache.Result, error) {
	key := cache.Fingerprint("product_detail", map[string]*string{"id": cache.Param(id)})
	return c.cache.GetWithSWR(ctx, key, c.ttlFor("product_detail"), func(ctx context.Context) (json.RawMessage, error) {
		item, err := c.products.GetByID(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("op=catalog.ProductByID: %w", err)
		}
		return marshalPayload(toProductDTO(item))
	}, c.reval)
}

func toCategoryDTO(c domain.Category) CategoryDTO {
	return CategoryDTO{
		ID:            c.ID,
		NavigationID:  c.NavigationID,
		Title:         c.Title,
		SourceURL:     c.SourceURL,
		ProductCount:  c.ProductCount,
		LastScrapedAt: c.LastScrapedAt,
	}
}

func toProductDTO(p domain.Product) ProductDTO {
	dto := ProductDTO{
		ID:            p.ID,
		CategoryID:    p.CategoryID,
		Title:         p.Title,
		SourceURL:     p.SourceURL,
		SourceID:      p.SourceID,
		Price:         p.Price,
		Currency:      p.Currency,
		ImageURLs:     p.ImageURLs,
		Summary:       p.Summary,
		Specs:         p.Specs,
		Available:     p.Available,
		LastScrapedAt: p.LastScrapedAt,
		CreatedAt:     p.CreatedAt,
	}
	if dto.ImageURLs == nil {
		dto.ImageURLs = []string{}
	}
	if dto.Specs == nil {
		dto.Specs = map[string]any{}
	}
	return dto
}

func marshalPayload(v any) (json.RawMessage, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("op=catalog.marshal: %w", err)
	}
	return raw, nil
}
