package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/datashelf/internal/domain"
	"github.com/fairyhunter13/datashelf/internal/service/cache"
	"github.com/fairyhunter13/datashelf/internal/usecase"
)

const (
	navUUID  = "0b6f31a4-2c5a-4f0e-9b3a-0a4f7c9d1e21"
	catUUID  = "1c7e42b5-3d6b-4a1f-8c4b-1b5a8d0e2f32"
	prodUUID = "2d8f53c6-4e7c-4b2a-9d5c-2c6b9e1f3a43"
)

type fakeNavRepo struct {
	list func(ctx context.Context) ([]domain.NavigationNode, error)
}

func (f *fakeNavRepo) Upsert(ctx context.Context, n domain.NavigationNode) (domain.NavigationNode, error) {
	return n, nil
}
func (f *fakeNavRepo) GetBySourceURL(ctx context.Context, u string) (domain.NavigationNode, error) {
	return domain.NavigationNode{}, domain.ErrNotFound
}
func (f *fakeNavRepo) GetByID(ctx context.Context, id string) (domain.NavigationNode, error) {
	return domain.NavigationNode{}, domain.ErrNotFound
}
func (f *fakeNavRepo) List(ctx context.Context) ([]domain.NavigationNode, error) { return f.list(ctx) }

type fakeCatRepo struct {
	getByID func(ctx context.Context, id string) (domain.Category, error)
	list    func(ctx context.Context, q domain.CategoryQuery) ([]domain.Category, int, error)
}

func (f *fakeCatRepo) Upsert(ctx context.Context, c domain.Category) (domain.Category, error) {
	return c, nil
}
func (f *fakeCatRepo) GetBySourceURL(ctx context.Context, u string) (domain.Category, error) {
	return domain.Category{}, domain.ErrNotFound
}
func (f *fakeCatRepo) GetByID(ctx context.Context, id string) (domain.Category, error) {
	return f.getByID(ctx, id)
}
func (f *fakeCatRepo) List(ctx context.Context, q domain.CategoryQuery) ([]domain.Category, int, error) {
	return f.list(ctx, q)
}

type fakeProdRepo struct {
	getByID func(ctx context.Context, id string) (domain.Product, error)
	list    func(ctx context.Context, q domain.ProductQuery) ([]domain.Product, int, error)
}

func (f *fakeProdRepo) Upsert(ctx context.Context, p domain.Product) (domain.Product, error) {
	return p, nil
}
func (f *fakeProdRepo) GetBySourceURL(ctx context.Context, u string) (domain.Product, error) {
	return domain.Product{}, domain.ErrNotFound
}
func (f *fakeProdRepo) GetByID(ctx context.Context, id string) (domain.Product, error) {
	return f.getByID(ctx, id)
}
func (f *fakeProdRepo) List(ctx context.Context, q domain.ProductQuery) ([]domain.Product, int, error) {
	return f.list(ctx, q)
}

func testServer(t *testing.T, nav *fakeNavRepo, cats *fakeCatRepo, prods *fakeProdRepo) *Server {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	swr := cache.New(rdb)
	ttl := func(string) time.Duration { return time.Minute }
	catalog := usecase.NewCatalog(nav, cats, prods, swr, ttl, nil)
	return NewServer(catalog, nil, nil, nil, nil)
}

func testRouter(srv *Server) http.Handler {
	r := chi.NewRouter()
	r.Get("/navigation", srv.NavigationHandler())
	r.Get("/categories", srv.CategoriesHandler())
	r.Get("/categories/{id}", srv.CategoryHandler())
	r.Get("/products", srv.ProductsHandler())
	r.Get("/products/{id}", srv.ProductHandler())
	r.Get("/health", srv.HealthHandler())
	return r
}

func doGet(t *testing.T, h http.Handler, path string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	var body map[string]any
	if rec.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	}
	return rec, body
}

func TestNavigationTreeEnvelope(t *testing.T) {
	parent := navUUID
	nav := &fakeNavRepo{list: func(ctx context.Context) ([]domain.NavigationNode, error) {
		return []domain.NavigationNode{
			{ID: navUUID, Title: "Electronics", SourceURL: "https://s/e"},
			{ID: catUUID, Title: "Phones", SourceURL: "https://s/p", ParentID: &parent},
		}, nil
	}}
	srv := testServer(t, nav, &fakeCatRepo{}, &fakeProdRepo{})
	h := testRouter(srv)

	rec, body := doGet(t, h, "/navigation")
	require.Equal(t, http.StatusOK, rec.Code)

	meta := body["meta"].(map[string]any)
	assert.Equal(t, false, meta["cached"])
	assert.Equal(t, false, meta["stale"])

	data := body["data"].([]any)
	require.Len(t, data, 1)
	root := data[0].(map[string]any)
	assert.Equal(t, "Electronics", root["title"])
	children := root["children"].([]any)
	require.Len(t, children, 1)
	assert.Equal(t, "Phones", children[0].(map[string]any)["title"])

	// Second read is served from cache.
	rec, body = doGet(t, h, "/navigation")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, body["meta"].(map[string]any)["cached"])
	assert.Contains(t, rec.Header().Get("Cache-Control"), "max-age=120")
}

func TestProductsValidation(t *testing.T) {
	srv := testServer(t, &fakeNavRepo{}, &fakeCatRepo{}, &fakeProdRepo{
		list: func(ctx context.Context, q domain.ProductQuery) ([]domain.Product, int, error) {
			return nil, 0, nil
		},
	})
	h := testRouter(srv)

	for _, path := range []string{
		"/products?limit=0",
		"/products?limit=101",
		"/products?limit=abc",
		"/products?offset=-1",
		"/products?sort=price",
		"/products?categoryId=not-a-uuid",
	} {
		t.Run(path, func(t *testing.T) {
			rec, body := doGet(t, h, path)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Equal(t, "INVALID_ARGUMENT", body["error"])
			assert.EqualValues(t, 400, body["code"])
			assert.NotEmpty(t, body["timestamp"])
		})
	}
}

func TestProductsListDefaultsAndPage(t *testing.T) {
	var got domain.ProductQuery
	srv := testServer(t, &fakeNavRepo{}, &fakeCatRepo{}, &fakeProdRepo{
		list: func(ctx context.Context, q domain.ProductQuery) ([]domain.Product, int, error) {
			got = q
			return []domain.Product{{ID: prodUUID, Title: "Phone A", SourceURL: "https://s/p", Currency: "USD"}}, 41, nil
		},
	})
	h := testRouter(srv)

	rec, body := doGet(t, h, "/products?categoryId="+catUUID+"&limit=20&offset=40&sort=price_asc")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 20, got.Limit)
	assert.Equal(t, 40, got.Offset)
	assert.Equal(t, domain.SortPriceAsc, got.Sort)
	require.NotNil(t, got.CategoryID)
	assert.Equal(t, catUUID, *got.CategoryID)

	data := body["data"].(map[string]any)
	assert.EqualValues(t, 41, data["total"])
	assert.EqualValues(t, 20, data["limit"])
	items := data["items"].([]any)
	require.Len(t, items, 1)
	assert.Equal(t, "Phone A", items[0].(map[string]any)["title"])
}

func TestProductByIDNotFound(t *testing.T) {
	srv := testServer(t, &fakeNavRepo{}, &fakeCatRepo{}, &fakeProdRepo{
		getByID: func(ctx context.Context, id string) (domain.Product, error) {
			return domain.Product{}, domain.ErrNotFound
		},
	})
	h := testRouter(srv)

	rec, body := doGet(t, h, "/products/"+prodUUID)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "NOT_FOUND", body["error"])
}

func TestProductByIDBadUUID(t *testing.T) {
	srv := testServer(t, &fakeNavRepo{}, &fakeCatRepo{}, &fakeProdRepo{})
	h := testRouter(srv)
	rec, _ := doGet(t, h, "/products/123")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCategoriesFilterPlumbing(t *testing.T) {
	var got domain.CategoryQuery
	srv := testServer(t, &fakeNavRepo{}, &fakeCatRepo{
		list: func(ctx context.Context, q domain.CategoryQuery) ([]domain.Category, int, error) {
			got = q
			return nil, 0, nil
		},
	}, &fakeProdRepo{})
	h := testRouter(srv)

	rec, _ := doGet(t, h, "/categories?navId="+navUUID+"&parentId="+catUUID)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NotNil(t, got.NavigationID)
	assert.Equal(t, navUUID, *got.NavigationID)
	require.NotNil(t, got.NavParentID)
	assert.Equal(t, catUUID, *got.NavParentID)
	assert.Equal(t, 20, got.Limit)
}

func TestInternalErrorIsOpaque(t *testing.T) {
	srv := testServer(t, &fakeNavRepo{list: func(ctx context.Context) ([]domain.NavigationNode, error) {
		return nil, domain.NewDatabaseError("navigation.list", errors.New("connection refused to 10.0.0.5"))
	}}, &fakeCatRepo{}, &fakeProdRepo{})
	h := testRouter(srv)

	rec, body := doGet(t, h, "/navigation")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "INTERNAL", body["error"])
	assert.NotContains(t, body["message"], "10.0.0.5")
}

func TestHealthDegraded(t *testing.T) {
	srv := testServer(t, &fakeNavRepo{}, &fakeCatRepo{}, &fakeProdRepo{})
	srv.DBCheck = func(ctx context.Context) error { return nil }
	srv.RedisCheck = func(ctx context.Context) error { return errors.New("down") }
	h := testRouter(srv)

	rec, body := doGet(t, h, "/health")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "degraded", body["status"])
	services := body["services"].(map[string]any)
	assert.Equal(t, "up", services["db"])
	assert.Equal(t, "skipped", services["blob"])
}

func TestHealthOK(t *testing.T) {
	srv := testServer(t, &fakeNavRepo{}, &fakeCatRepo{}, &fakeProdRepo{})
	h := testRouter(srv)
	rec, body := doGet(t, h, "/health")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", body["status"])
}
