package right

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/jmoiron/sqlx"
	"github.com/matryer/is"
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/ovaphlow/pitchfork/service-accounts/internal/right/entity"
	"github.com/ovaphlow/pitchfork/service-accounts/internal/right/repo"
)

func newTestMux(t *testing.T, n int) *http.ServeMux {
	t.Helper()
	db, err := sqlx.Open("sqlite3", filepath.Join(t.TempDir(), "test.db")+"?_busy_timeout=5000")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	ctx := context.Background()
	r := repo.NewRepo(db)
	if err := r.EnsureTable(ctx); err != nil {
		t.Fatalf("ensure rights: %v", err)
	}
	for i := 0; i < n; i++ {
		if err := r.Create(ctx, entity.NewRight("right_"+string(rune('a'+i)), "", i%2 == 0)); err != nil {
			t.Fatalf("create right: %v", err)
		}
	}
	h := NewHandler(NewService(r, 2), zap.NewNop().Sugar())
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/rights", h.List)
	mux.HandleFunc("GET /api/rights/all", h.All)
	mux.HandleFunc("GET /api/rights/{page}", h.List)
	return mux
}

func get(t *testing.T, mux http.Handler, path string) (*httptest.ResponseRecorder, listResponse) {
	t.Helper()
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	var body listResponse
	if rec.Code == http.StatusOK {
		if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
			t.Fatalf("decode %s: %v", path, err)
		}
	}
	return rec, body
}

func TestListPages(t *testing.T) {
	is := is.New(t)
	mux := newTestMux(t, 3)

	rec, body := get(t, mux, "/api/rights")
	is.Equal(rec.Code, http.StatusOK)
	is.Equal(len(body.Rights), 2)
	is.Equal(body.Page.Page, 1)
	is.Equal(body.PreviousPage, 1)
	is.Equal(body.NextPage, 2)
	is.Equal(body.ItemsPerPage, 2)

	rec, body = get(t, mux, "/api/rights/2")
	is.Equal(rec.Code, http.StatusOK)
	is.Equal(len(body.Rights), 1)
	is.Equal(body.PreviousPage, 1)
	is.Equal(body.NextPage, 2)

	rec, body = get(t, mux, "/api/rights/all")
	is.Equal(rec.Code, http.StatusOK)
	is.Equal(len(body.Rights), 3)
	is.Equal(body.ItemsPerPage, 3)

	rec, _ = get(t, mux, "/api/rights/zero")
	is.Equal(rec.Code, http.StatusBadRequest)
}

func TestEmptyCatalogListsEmptyArray(t *testing.T) {
	is := is.New(t)
	mux := newTestMux(t, 0)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/rights", nil))
	is.Equal(rec.Code, http.StatusOK)
	var raw map[string]any
	is.NoErr(json.Unmarshal(rec.Body.Bytes(), &raw))
	is.Equal(raw["rights"], []any{})
}
