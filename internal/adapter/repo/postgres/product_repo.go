package postgres

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"

	"github.com/fairyhunter13/datashelf/internal/domain"
)

// ProductRepo persists products and maintains the materialized product_count
// on categories within the same transactional scope as the product write.
type ProductRepo struct{ Pool PgxPool }

// NewProductRepo constructs a ProductRepo with the given pool.
func NewProductRepo(p PgxPool) *ProductRepo { return &ProductRepo{Pool: p} }

const productColumns = `id, category_id, title, source_url, source_id, price, currency, image_urls, summary, specs, available, last_scraped_at, created_at`

// Upsert inserts or updates a product keyed by source_url and returns the
// stored row. When the product moves between categories the old count is
// decremented and the new one incremented atomically.
func (r *ProductRepo) Upsert(ctx domain.Context, p domain.Product) (domain.Product, error) {
	tracer := otel.Tracer("repo.products")
	ctx, span := tracer.Start(ctx, "products.Upsert")
	defer span.End()
	if err := validateProduct(p); err != nil {
		return domain.Product{}, err
	}
	id := p.ID
	if id == "" {
		id = uuid.New().String()
	}
	imgJSON, err := json.Marshal(p.ImageURLs)
	if err != nil {
		return domain.Product{}, domain.NewDatabaseError("products.upsert", err)
	}
	specs := p.Specs
	if specs == nil {
		specs = map[string]any{}
	}
	specsJSON, err := json.Marshal(specs)
	if err != nil {
		return domain.Product{}, domain.NewDatabaseError("products.upsert", err)
	}

	tx, err := r.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return domain.Product{}, domain.NewDatabaseError("products.upsert", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	// Lock the existing row (if any) so a concurrent move of the same product
	// cannot interleave with the counter maintenance below.
	var oldCategoryID *string
	err = tx.QueryRow(ctx, `SELECT category_id FROM products WHERE source_url=$1 FOR UPDATE`, p.SourceURL).Scan(&oldCategoryID)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return domain.Product{}, domain.NewDatabaseError("products.upsert", err)
	}

	q := `INSERT INTO products (id, category_id, title, source_url, source_id, price, currency, image_urls, summary, specs, available, last_scraped_at, created_at)
	      VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11, now(), now())
	      ON CONFLICT (source_url) DO UPDATE SET
	        category_id = COALESCE(EXCLUDED.category_id, products.category_id),
	        title = EXCLUDED.title,
	        source_id = COALESCE(EXCLUDED.source_id, products.source_id),
	        price = EXCLUDED.price,
	        currency = EXCLUDED.currency,
	        image_urls = EXCLUDED.image_urls,
	        summary = COALESCE(EXCLUDED.summary, products.summary),
	        specs = EXCLUDED.specs,
	        available = EXCLUDED.available,
	        last_scraped_at = now()
	      RETURNING ` + productColumns
	row := tx.QueryRow(ctx, q, id, p.CategoryID, p.Title, p.SourceURL, p.SourceID, p.Price, p.Currency, imgJSON, p.Summary, specsJSON, p.Available)
	out, err := scanProduct(row)
	if err != nil {
		return domain.Product{}, domain.NewDatabaseError("products.upsert", err)
	}

	// Recompute the materialized counter for every touched category.
	touched := map[string]struct{}{}
	if oldCategoryID != nil {
		touched[*oldCategoryID] = struct{}{}
	}
	if out.CategoryID != nil {
		touched[*out.CategoryID] = struct{}{}
	}
	for catID := range touched {
		_, err = tx.Exec(ctx,
			`UPDATE categories SET product_count = (SELECT COUNT(*) FROM products WHERE category_id=$1) WHERE id=$1`,
			catID)
		if err != nil {
			return domain.Product{}, domain.NewDatabaseError("products.upsert_count", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return domain.Product{}, domain.NewDatabaseError("products.upsert", err)
	}
	return out, nil
}

// GetBySourceURL loads a product by its source URL.
func (r *ProductRepo) GetBySourceURL(ctx domain.Context, sourceURL string) (domain.Product, error) {
	tracer := otel.Tracer("repo.products")
	ctx, span := tracer.Start(ctx, "products.GetBySourceURL")
	defer span.End()
	row := r.Pool.QueryRow(ctx, `SELECT `+productColumns+` FROM products WHERE source_url=$1`, sourceURL)
	out, err := scanProduct(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Product{}, domain.ErrNotFound
		}
		return domain.Product{}, domain.NewDatabaseError("products.get_by_source_url", err)
	}
	return out, nil
}

// GetByID loads a product by id.
func (r *ProductRepo) GetByID(ctx domain.Context, id string) (domain.Product, error) {
	tracer := otel.Tracer("repo.products")
	ctx, span := tracer.Start(ctx, "products.GetByID")
	defer span.End()
	row := r.Pool.QueryRow(ctx, `SELECT `+productColumns+` FROM products WHERE id=$1`, id)
	out, err := scanProduct(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Product{}, domain.ErrNotFound
		}
		return domain.Product{}, domain.NewDatabaseError("products.get_by_id", err)
	}
	return out, nil
}

// orderClause maps a ProductSort to a stable ORDER BY. Price sorts keep nulls
// last in both directions; ties always break by id.
func orderClause(s domain.ProductSort) string {
	switch s {
	case domain.SortTitleAsc:
		return `title ASC, id ASC`
	case domain.SortTitleDesc:
		return `title DESC, id ASC`
	case domain.SortPriceAsc:
		return `price ASC NULLS LAST, id ASC`
	case domain.SortPriceDesc:
		return `price DESC NULLS LAST, id ASC`
	case domain.SortCreatedAtDesc:
		return `created_at DESC, id ASC`
	default:
		return `created_at DESC, id ASC`
	}
}

// List returns a page of products matching the query and the total count.
func (r *ProductRepo) List(ctx domain.Context, q domain.ProductQuery) ([]domain.Product, int, error) {
	tracer := otel.Tracer("repo.products")
	ctx, span := tracer.Start(ctx, "products.List")
	defer span.End()

	var conds []string
	var args []any
	if q.CategoryID != nil {
		args = append(args, *q.CategoryID)
		conds = append(conds, fmt.Sprintf("category_id=$%d", len(args)))
	}
	if q.AvailableOnly {
		conds = append(conds, "available = TRUE")
	}
	where := ""
	if len(conds) > 0 {
		where = " WHERE " + strings.Join(conds, " AND ")
	}

	var total int
	if err := r.Pool.QueryRow(ctx, `SELECT COUNT(*) FROM products`+where, args...).Scan(&total); err != nil {
		return nil, 0, domain.NewDatabaseError("products.count", err)
	}

	sel := fmt.Sprintf(`SELECT %s FROM products%s ORDER BY %s LIMIT $%d OFFSET $%d`,
		productColumns, where, orderClause(q.Sort), len(args)+1, len(args)+2)
	args = append(args, q.Limit, q.Offset)
	rows, err := r.Pool.Query(ctx, sel, args...)
	if err != nil {
		return nil, 0, domain.NewDatabaseError("products.list", err)
	}
	defer rows.Close()
	var out []domain.Product
	for rows.Next() {
		p, err := scanProduct(rows)
		if err != nil {
			return nil, 0, domain.NewDatabaseError("products.list", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, domain.NewDatabaseError("products.list", err)
	}
	return out, total, nil
}

func scanProduct(row pgx.Row) (domain.Product, error) {
	var p domain.Product
	var imgJSON, specsJSON []byte
	if err := row.Scan(&p.ID, &p.CategoryID, &p.Title, &p.SourceURL, &p.SourceID, &p.Price, &p.Currency,
		&imgJSON, &p.Summary, &specsJSON, &p.Available, &p.LastScrapedAt, &p.CreatedAt); err != nil {
		return domain.Product{}, err
	}
	if len(imgJSON) > 0 {
		if err := json.Unmarshal(imgJSON, &p.ImageURLs); err != nil {
			return domain.Product{}, err
		}
	}
	if len(specsJSON) > 0 {
		if err := json.Unmarshal(specsJSON, &p.Specs); err != nil {
			return domain.Product{}, err
		}
	}
	return p, nil
}
