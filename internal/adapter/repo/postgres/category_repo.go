package postgres

import (
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"

	"github.com/fairyhunter13/datashelf/internal/domain"
)

// CategoryRepo persists categories using a minimal pgx pool.
type CategoryRepo struct{ Pool PgxPool }

// NewCategoryRepo constructs a CategoryRepo with the given pool.
func NewCategoryRepo(p PgxPool) *CategoryRepo { return &CategoryRepo{Pool: p} }

const categoryColumns = `id, navigation_id, title, source_url, product_count, last_scraped_at`

const categoryColumnsAliased = `c.id, c.navigation_id, c.title, c.source_url, c.product_count, c.last_scraped_at`

// Upsert inserts or updates a category keyed by source_url and returns the
// stored row. The materialized product_count is never overwritten here.
func (r *CategoryRepo) Upsert(ctx domain.Context, c domain.Category) (domain.Category, error) {
	tracer := otel.Tracer("repo.categories")
	ctx, span := tracer.Start(ctx, "categories.Upsert")
	defer span.End()
	if err := validateCategory(c); err != nil {
		return domain.Category{}, err
	}
	id := c.ID
	if id == "" {
		id = uuid.New().String()
	}
	q := `INSERT INTO categories (id, navigation_id, title, source_url, product_count, last_scraped_at)
	      VALUES ($1,$2,$3,$4, 0, now())
	      ON CONFLICT (source_url) DO UPDATE SET
	        navigation_id = COALESCE(EXCLUDED.navigation_id, categories.navigation_id),
	        title = EXCLUDED.title,
	        last_scraped_at = now()
	      RETURNING ` + categoryColumns
	row := r.Pool.QueryRow(ctx, q, id, c.NavigationID, c.Title, c.SourceURL)
	out, err := scanCategory(row)
	if err != nil {
		return domain.Category{}, domain.NewDatabaseError("categories.upsert", err)
	}
	return out, nil
}

// GetBySourceURL loads a category by its source URL.
func (r *CategoryRepo) GetBySourceURL(ctx domain.Context, sourceURL string) (domain.Category, error) {
	tracer := otel.Tracer("repo.categories")
	ctx, span := tracer.Start(ctx, "categories.GetBySourceURL")
	defer span.End()
	row := r.Pool.QueryRow(ctx, `SELECT `+categoryColumns+` FROM categories WHERE source_url=$1`, sourceURL)
	out, err := scanCategory(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Category{}, domain.ErrNotFound
		}
		return domain.Category{}, domain.NewDatabaseError("categories.get_by_source_url", err)
	}
	return out, nil
}

// GetByID loads a category by id.
func (r *CategoryRepo) GetByID(ctx domain.Context, id string) (domain.Category, error) {
	tracer := otel.Tracer("repo.categories")
	ctx, span := tracer.Start(ctx, "categories.GetByID")
	defer span.End()
	row := r.Pool.QueryRow(ctx, `SELECT `+categoryColumns+` FROM categories WHERE id=$1`, id)
	out, err := scanCategory(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Category{}, domain.ErrNotFound
		}
		return domain.Category{}, domain.NewDatabaseError("categories.get_by_id", err)
	}
	return out, nil
}

// List returns a page of categories, optionally scoped to a navigation node,
// along with the total count for the filter.
func (r *CategoryRepo) List(ctx domain.Context, q domain.CategoryQuery) ([]domain.Category, int, error) {
	tracer := otel.Tracer("repo.categories")
	ctx, span := tracer.Start(ctx, "categories.List")
	defer span.End()

	conds := []string{}
	args := []any{}
	if q.NavigationID != nil {
		args = append(args, *q.NavigationID)
		conds = append(conds, fmt.Sprintf("c.navigation_id=$%d", len(args)))
	}
	if q.NavParentID != nil {
		// One level up the tree: categories whose navigation node hangs off
		// the given parent.
		args = append(args, *q.NavParentID)
		conds = append(conds, fmt.Sprintf(
			"c.navigation_id IN (SELECT id FROM navigation_nodes WHERE parent_id=$%d)", len(args)))
	}
	where := ``
	if len(conds) > 0 {
		where = ` WHERE ` + strings.Join(conds, " AND ")
	}

	var total int
	if err := r.Pool.QueryRow(ctx, `SELECT COUNT(*) FROM categories c`+where, args...).Scan(&total); err != nil {
		return nil, 0, domain.NewDatabaseError("categories.count", err)
	}

	sel := fmt.Sprintf(`SELECT %s FROM categories c%s ORDER BY c.title ASC, c.id ASC LIMIT $%d OFFSET $%d`,
		categoryColumnsAliased, where, len(args)+1, len(args)+2)
	args = append(args, q.Limit, q.Offset)
	rows, err := r.Pool.Query(ctx, sel, args...)
	if err != nil {
		return nil, 0, domain.NewDatabaseError("categories.list", err)
	}
	defer rows.Close()
	var out []domain.Category
	for rows.Next() {
		c, err := scanCategory(rows)
		if err != nil {
			return nil, 0, domain.NewDatabaseError("categories.list", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, domain.NewDatabaseError("categories.list", err)
	}
	return out, total, nil
}

func scanCategory(row pgx.Row) (domain.Category, error) {
	var c domain.Category
	if err := row.Scan(&c.ID, &c.NavigationID, &c.Title, &c.SourceURL, &c.ProductCount, &c.LastScrapedAt); err != nil {
		return domain.Category{}, err
	}
	return c, nil
}
