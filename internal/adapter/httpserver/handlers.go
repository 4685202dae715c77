package httpserver

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/fairyhunter13/datashelf/internal/domain"
	"github.com/fairyhunter13/datashelf/internal/usecase"
)

// CheckFunc probes one backing service for the health endpoint.
type CheckFunc func(ctx context.Context) error

// Server aggregates the read API handler dependencies.
type Server struct {
	Catalog *usecase.Catalog

	DBCheck     CheckFunc
	RedisCheck  CheckFunc
	BlobCheck   CheckFunc
	RenderCheck CheckFunc
}

// NewServer constructs the read API server.
func NewServer(catalog *usecase.Catalog, db, redis, blob, render CheckFunc) *Server {
	return &Server{Catalog: catalog, DBCheck: db, RedisCheck: redis, BlobCheck: blob, RenderCheck: render}
}

// NavigationHandler serves GET /navigation: the full hierarchical tree.
func (s *Server) NavigationHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		res, err := s.Catalog.Navigation(r.Context())
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeResult(w, res)
	}
}

// CategoriesHandler serves GET /categories with navId/parentId filters and
// pagination.
func (s *Server) CategoriesHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		limit, err := parseLimit(q)
		if err != nil {
			writeError(w, r, err)
			return
		}
		offset, err := parseOffset(q)
		if err != nil {
			writeError(w, r, err)
			return
		}
		navID, err := parseUUIDParam(q, "navId")
		if err != nil {
			writeError(w, r, err)
			return
		}
		parentID, err := parseUUIDParam(q, "parentId")
		if err != nil {
			writeError(w, r, err)
			return
		}
		res, err := s.Catalog.Categories(r.Context(), domain.CategoryQuery{
			NavigationID: navID,
			NavParentID:  parentID,
			Limit:        limit,
			Offset:       offset,
		})
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeResult(w, res)
	}
}

// CategoryHandler serves GET /categories/{id}.
func (s *Server) CategoryHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := requireUUID("id", chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, r, err)
			return
		}
		res, err := s.Catalog.CategoryByID(r.Context(), id)
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeResult(w, res)
	}
}

// ProductsHandler serves GET /products with categoryId/sort filters and
// pagination.
func (s *Server) ProductsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		limit, err := parseLimit(q)
		if err != nil {
			writeError(w, r, err)
			return
		}
		offset, err := parseOffset(q)
		if err != nil {
			writeError(w, r, err)
			return
		}
		sort, err := parseSort(q)
		if err != nil {
			writeError(w, r, err)
			return
		}
		categoryID, err := parseUUIDParam(q, "categoryId")
		if err != nil {
			writeError(w, r, err)
			return
		}
		res, err := s.Catalog.Products(r.Context(), domain.ProductQuery{
			CategoryID: categoryID,
			Limit:      limit,
			Offset:     offset,
			Sort:       sort,
		})
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeResult(w, res)
	}
}

// ProductHandler serves GET /products/{id}.
func (s *Server) ProductHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := requireUUID("id", chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, r, err)
			return
		}
		res, err := s.Catalog.ProductByID(r.Context(), id)
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeResult(w, res)
	}
}

// HealthHandler reports per-service status. Any failing dependency degrades
// the overall status to 503.
func (s *Server) HealthHandler() http.HandlerFunc {
	type health struct {
		Status   string            `json:"status"`
		Services map[string]string `json:"services"`
	}
	probe := func(ctx context.Context, check CheckFunc) string {
		if check == nil {
			return "skipped"
		}
		cctx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		if err := check(cctx); err != nil {
			return "down: " + err.Error()
		}
		return "up"
	}
	return func(w http.ResponseWriter, r *http.Request) {
		h := health{Status: "ok", Services: map[string]string{
			"db":       probe(r.Context(), s.DBCheck),
			"redis":    probe(r.Context(), s.RedisCheck),
			"blob":     probe(r.Context(), s.BlobCheck),
			"renderer": probe(r.Context(), s.RenderCheck),
		}}
		status := http.StatusOK
		for _, v := range h.Services {
			if v != "up" && v != "skipped" {
				h.Status = "degraded"
				status = http.StatusServiceUnavailable
				break
			}
		}
		writeJSON(w, status, h)
	}
}
