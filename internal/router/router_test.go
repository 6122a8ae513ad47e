package router

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/matryer/is"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/ovaphlow/pitchfork/service-accounts/internal/apperr"
	"github.com/ovaphlow/pitchfork/service-accounts/internal/metrics"
)

func denyAll(http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		apperr.Write(w, apperr.Unauthenticated("Unauthenticated."))
	})
}

func newTestRouter() (http.Handler, *prometheus.Registry) {
	registry := prometheus.NewRegistry()
	h := RegisterRoutes(Deps{
		Logger:   zap.NewNop().Sugar(),
		Auth:     denyAll,
		Metrics:  metrics.New(registry),
		Registry: registry,
	})
	return h, registry
}

func TestHealth(t *testing.T) {
	is := is.New(t)
	h, _ := newTestRouter()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/health", nil))
	is.Equal(rec.Code, http.StatusOK)
	is.True(strings.Contains(rec.Body.String(), `"ok"`))
	is.True(rec.Header().Get(requestIDHeader) != "")
	is.Equal(rec.Header().Get("X-Content-Type-Options"), "nosniff")
	is.Equal(rec.Header().Get("X-Frame-Options"), "DENY")
}

func TestRequestIDIsKept(t *testing.T) {
	is := is.New(t)
	h, _ := newTestRouter()

	req := httptest.NewRequest(http.MethodGet, "/api/health", nil)
	req.Header.Set(requestIDHeader, "abc-123")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	is.Equal(rec.Header().Get(requestIDHeader), "abc-123")
}

func TestMetricsEndpoint(t *testing.T) {
	is := is.New(t)
	h, _ := newTestRouter()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/health", nil))

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	is.Equal(rec.Code, http.StatusOK)
	is.True(strings.Contains(rec.Body.String(), `route="GET /api/health"`))
}

func TestGuardedRoutes(t *testing.T) {
	is := is.New(t)
	h, _ := newTestRouter()

	// no rights handler mounted
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/rights", nil))
	is.Equal(rec.Code, http.StatusNotFound)
}

func TestRecover(t *testing.T) {
	is := is.New(t)
	h := RecoverMiddleware(zap.NewNop().Sugar())(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	is.Equal(rec.Code, http.StatusInternalServerError)
	is.True(strings.Contains(rec.Body.String(), `"internal"`))
}
