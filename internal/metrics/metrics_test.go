package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestObserveCountsByRoute(t *testing.T) {
	m := New()
	m.Observe(http.MethodGet, "/notes/note/{id}/", http.StatusOK, 5*time.Millisecond)
	m.Observe(http.MethodGet, "/notes/note/{id}/", http.StatusOK, 7*time.Millisecond)
	m.Observe(http.MethodGet, "/notes/note/{id}/", http.StatusNotFound, time.Millisecond)
	m.Observe(http.MethodGet, "", http.StatusNotFound, time.Millisecond)

	require.Equal(t, 2.0, testutil.ToFloat64(m.requests.WithLabelValues("GET", "/notes/note/{id}/", "200")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.requests.WithLabelValues("GET", "/notes/note/{id}/", "404")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.requests.WithLabelValues("GET", "unmatched", "404")))
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.Observe(http.MethodGet, "/health", http.StatusOK, time.Millisecond)
}

func TestHandlerExposesRegistry(t *testing.T) {
	m := New()
	m.Observe(http.MethodPost, "/notes/tag/create/", http.StatusCreated, time.Millisecond)

	rr := httptest.NewRecorder()
	m.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rr.Code)
	body, err := io.ReadAll(rr.Body)
	require.NoError(t, err)
	text := string(body)
	require.True(t, strings.Contains(text, `notebook_http_requests_total{method="POST",route="/notes/tag/create/",status="201"} 1`), text)
	require.Contains(t, text, "notebook_http_request_duration_seconds_bucket")
}
