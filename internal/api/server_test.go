package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kandev/conductor/internal/agent"
	"github.com/kandev/conductor/internal/bus"
	"github.com/kandev/conductor/internal/common/config"
	"github.com/kandev/conductor/internal/coordinator"
	"github.com/kandev/conductor/internal/store"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "conductor.db")
	s, cleanup, err := store.Provide(&config.DatabaseConfig{Driver: "sqlite", Path: dbPath})
	require.NoError(t, err)
	t.Cleanup(func() { _ = cleanup() })

	agents := agent.New(s)
	b := bus.NewMemoryBus(nil)
	coord := coordinator.New(nil, b, nil)
	return NewServer(":0", agents, coord, b, s, nil)
}

func TestHealthzReturnsOK(t *testing.T) {
	srv := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	var body healthzResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ok", body.Status)
}

func TestStatusReportsActiveAgentsAndBusStats(t *testing.T) {
	srv := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	var body statusResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, 0, body.ActiveAgents)
	require.NotNil(t, body.PoolStats)
	assert.GreaterOrEqual(t, body.PoolStats.Writer.MaxOpenConnections, 0)
}

func TestMetricsEndpointServesPrometheusFormat(t *testing.T) {
	srv := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Type"), "text/plain")
}
