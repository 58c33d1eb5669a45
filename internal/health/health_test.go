package health

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestReadiness(t *testing.T) {
	var dbErr error
	s := NewServer(":0",
		Check{Name: "database", Probe: func() error { return dbErr }, Critical: true},
		Check{Name: "redis", Probe: func() error { return errors.New("connection refused") }},
	)
	h := s.Handler()

	rec := get(t, h, "/ready")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code, "not ready before startup completes")

	s.SetReady(true)
	rec = get(t, h, "/ready")
	require.Equal(t, http.StatusOK, rec.Code, "non-critical failures do not block readiness")

	var status ReadinessStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.True(t, status.Ready)
	assert.Equal(t, "healthy", status.Checks["database"])
	assert.Contains(t, status.Checks["redis"], "connection refused")

	dbErr = errors.New("database is locked")
	assert.Equal(t, http.StatusServiceUnavailable, get(t, h, "/readyz").Code)
}

func TestLivenessAndMetrics(t *testing.T) {
	s := NewServer(":0", Check{Name: "database", Probe: func() error { return errors.New("down") }, Critical: true})
	h := s.Handler()

	rec := get(t, h, "/health")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.NotContains(t, rec.Body.String(), "checks")

	rec = get(t, h, "/health?verbose=true")
	assert.Contains(t, rec.Body.String(), "unhealthy: down")

	rec = get(t, h, "/metrics")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "go_goroutines")
}
