package httputil_test

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"github.com/treeverse/claimload/pkg/httputil"
)

func get(t *testing.T, h http.Handler, path string) (*http.Response, string) {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	resp := rec.Result()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())
	return resp, string(body)
}

func TestAdminHandler(t *testing.T) {
	reg := prometheus.NewRegistry()
	counter := prometheus.NewCounter(prometheus.CounterOpts{Name: "claimload_test_total", Help: "test"})
	reg.MustRegister(counter)
	counter.Add(3)

	var healthErr error
	h := httputil.NewAdminHandler(httputil.AdminOptions{
		Registry: reg,
		Health:   func(context.Context) error { return healthErr },
	})

	resp, body := get(t, h, "/_health")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "alive!", body)
	require.NotEmpty(t, resp.Header.Get(httputil.RequestIDHeaderName))

	healthErr = errors.New("database unreachable")
	resp, body = get(t, h, "/_health")
	require.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	require.Equal(t, "database unreachable", body)

	resp, body = get(t, h, "/metrics")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Contains(t, body, "claimload_test_total 3")
	require.True(t, strings.Contains(body, `claimload_admin_request_duration_seconds_count{code="503",route="health"} 1`))

	resp, _ = get(t, h, "/missing")
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestRequestIDFromHeader(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(httputil.RequestIDHeaderName, "abc")
	req, id := httputil.RequestID(req)
	require.Equal(t, "abc", id)
	_, again := httputil.RequestID(req)
	require.Equal(t, "abc", again)
}
