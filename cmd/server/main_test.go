package main

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"jobqueue/internal/auth"
	"jobqueue/internal/config"
	"jobqueue/internal/logging"
)

func TestRootCommand_Subcommands(t *testing.T) {
	root := newRootCmd()
	var names []string
	for _, c := range root.Commands() {
		names = append(names, c.Name())
	}
	assert.Subset(t, names, []string{"serve", "worker", "migrate"})

	serveCmd, _, err := root.Find([]string{"serve"})
	require.NoError(t, err)
	for _, flag := range []string{"no-workers", "in-memory", "migrate"} {
		assert.NotNil(t, serveCmd.Flags().Lookup(flag), flag)
	}
	assert.NotNil(t, root.PersistentFlags().Lookup("config"))
}

func newTestApp(t *testing.T) (*app, *auth.Auth) {
	t.Helper()
	cfg := &config.Config{Environment: "dev", DevModeBypass: true}
	cfg.Metrics.Enabled = true
	cfg.Metrics.Path = "/metrics"
	cfg.Tracing.ServiceName = "jobqueue-test"
	cfg.Engine.Workers = 1

	logger := logging.Nop()
	a, err := newApp(context.Background(), cfg, logger, appOptions{inMemory: true, workers: true})
	require.NoError(t, err)
	t.Cleanup(a.Close)

	authz, err := auth.New(context.Background(), cfg, logger)
	require.NoError(t, err)
	return a, authz
}

func TestRouter_Mounts(t *testing.T) {
	a, authz := newTestApp(t)
	require.NotNil(t, a.pool)
	e := newRouter(a, authz)

	for _, tc := range []struct {
		method, path string
		want         int
	}{
		{http.MethodGet, "/health", http.StatusOK},
		{http.MethodGet, "/metrics", http.StatusOK},
		{http.MethodGet, "/api/v1/task-masters", http.StatusOK},
		{http.MethodGet, "/api/v1/jobs/j_missing", http.StatusNotFound},
		{http.MethodGet, "/openapi.yaml", http.StatusOK},
		{http.MethodGet, "/docs", http.StatusOK},
	} {
		rec := httptest.NewRecorder()
		e.ServeHTTP(rec, httptest.NewRequest(tc.method, tc.path, nil))
		assert.Equal(t, tc.want, rec.Code, tc.path)
		assert.NotEmpty(t, rec.Header().Get("X-Request-Id"), tc.path)
	}
}

func TestRouter_MCPInitialize(t *testing.T) {
	a, authz := newTestApp(t)
	e := newRouter(a, authz)

	body := `{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"protocolVersion":"2025-03-26","capabilities":{},"clientInfo":{"name":"test","version":"1"}}}`
	req := httptest.NewRequest(http.MethodPost, "/mcp", bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json, text/event-stream")
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Contains(t, rec.Body.String(), "Job Queue")
}

func TestWorkerEcho_HealthOnly(t *testing.T) {
	a, _ := newTestApp(t)
	e := newEcho(a)

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/task-masters", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
