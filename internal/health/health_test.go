package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCheckerAggregates(t *testing.T) {
	c := NewChecker()
	c.Register("database", func(ctx context.Context) error { return nil })
	c.Register("object_store", func(ctx context.Context) error { return errors.New("unreachable") })

	report := c.Run(context.Background())
	assert.Equal(t, "degraded", report.Status)
	assert.Equal(t, "healthy", report.Components["database"].Status)
	assert.Equal(t, "unhealthy", report.Components["object_store"].Status)
	assert.Contains(t, report.Components["object_store"].Error, "unreachable")
}

func TestHealthEndpoint(t *testing.T) {
	checker := NewChecker()
	checker.Register("database", func(ctx context.Context) error { return nil })
	reg := prometheus.NewRegistry()

	r := chi.NewRouter()
	r.Get("/health", func(w http.ResponseWriter, req *http.Request) {
		report := checker.Run(req.Context())
		w.Header().Set("Content-Type", "application/json")
		if report.Status != "healthy" {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		json.NewEncoder(w).Encode(report)
	})
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	srv := httptest.NewServer(r)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var report Report
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&report))
	assert.Equal(t, "healthy", report.Status)

	mresp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	mresp.Body.Close()
	assert.Equal(t, http.StatusOK, mresp.StatusCode)
}
