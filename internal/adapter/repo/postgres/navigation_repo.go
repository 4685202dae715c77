package postgres

import (
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"

	"github.com/fairyhunter13/datashelf/internal/domain"
)

// NavigationRepo persists navigation nodes using a minimal pgx pool.
type NavigationRepo struct{ Pool PgxPool }

// NewNavigationRepo constructs a NavigationRepo with the given pool.
func NewNavigationRepo(p PgxPool) *NavigationRepo { return &NavigationRepo{Pool: p} }

const navColumns = `id, title, source_url, parent_id, last_scraped_at`

// Upsert inserts or updates a node keyed by source_url and returns the stored row.
func (r *NavigationRepo) Upsert(ctx domain.Context, n domain.NavigationNode) (domain.NavigationNode, error) {
	tracer := otel.Tracer("repo.navigation")
	ctx, span := tracer.Start(ctx, "navigation.Upsert")
	defer span.End()
	if err := validateNavigation(n); err != nil {
		return domain.NavigationNode{}, err
	}
	id := n.ID
	if id == "" {
		id = uuid.New().String()
	}
	q := `INSERT INTO navigation_nodes (id, title, source_url, parent_id, last_scraped_at)
	      VALUES ($1,$2,$3,$4, now())
	      ON CONFLICT (source_url) DO UPDATE SET
	        title = EXCLUDED.title,
	        parent_id = COALESCE(EXCLUDED.parent_id, navigation_nodes.parent_id),
	        last_scraped_at = now()
	      RETURNING ` + navColumns
	row := r.Pool.QueryRow(ctx, q, id, n.Title, n.SourceURL, n.ParentID)
	out, err := scanNavigation(row)
	if err != nil {
		return domain.NavigationNode{}, domain.NewDatabaseError("navigation.upsert", err)
	}
	return out, nil
}

// GetBySourceURL loads a node by its source URL.
func (r *NavigationRepo) GetBySourceURL(ctx domain.Context, sourceURL string) (domain.NavigationNode, error) {
	tracer := otel.Tracer("repo.navigation")
	ctx, span := tracer.Start(ctx, "navigation.GetBySourceURL")
	defer span.End()
	row := r.Pool.QueryRow(ctx, `SELECT `+navColumns+` FROM navigation_nodes WHERE source_url=$1`, sourceURL)
	out, err := scanNavigation(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.NavigationNode{}, domain.ErrNotFound
		}
		return domain.NavigationNode{}, domain.NewDatabaseError("navigation.get_by_source_url", err)
	}
	return out, nil
}

// GetByID loads a node by id.
func (r *NavigationRepo) GetByID(ctx domain.Context, id string) (domain.NavigationNode, error) {
	tracer := otel.Tracer("repo.navigation")
	ctx, span := tracer.Start(ctx, "navigation.GetByID")
	defer span.End()
	row := r.Pool.QueryRow(ctx, `SELECT `+navColumns+` FROM navigation_nodes WHERE id=$1`, id)
	out, err := scanNavigation(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.NavigationNode{}, domain.ErrNotFound
		}
		return domain.NavigationNode{}, domain.NewDatabaseError("navigation.get_by_id", err)
	}
	return out, nil
}

// List returns every navigation node ordered for stable tree assembly.
func (r *NavigationRepo) List(ctx domain.Context) ([]domain.NavigationNode, error) {
	tracer := otel.Tracer("repo.navigation")
	ctx, span := tracer.Start(ctx, "navigation.List")
	defer span.End()
	rows, err := r.Pool.Query(ctx, `SELECT `+navColumns+` FROM navigation_nodes ORDER BY title ASC, id ASC`)
	if err != nil {
		return nil, domain.NewDatabaseError("navigation.list", err)
	}
	defer rows.Close()
	var out []domain.NavigationNode
	for rows.Next() {
		n, err := scanNavigation(rows)
		if err != nil {
			return nil, domain.NewDatabaseError("navigation.list", err)
		}
		out = append(out, n)
	}
	if err := rows.Err(); err != nil {
		return nil, domain.NewDatabaseError("navigation.list", err)
	}
	return out, nil
}

func scanNavigation(row pgx.Row) (domain.NavigationNode, error) {
	var n domain.NavigationNode
	if err := row.Scan(&n.ID, &n.Title, &n.SourceURL, &n.ParentID, &n.LastScrapedAt); err != nil {
		return domain.NavigationNode{}, err
	}
	return n, nil
}
