// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package routes

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/AleutianAI/ExamQueue/services/queue/auth"
	"github.com/AleutianAI/ExamQueue/services/queue/config"
	"github.com/AleutianAI/ExamQueue/services/queue/dispatch"
	"github.com/AleutianAI/ExamQueue/services/queue/hub"
	"github.com/AleutianAI/ExamQueue/services/queue/observability"
	"github.com/AleutianAI/ExamQueue/services/queue/state"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func setup(t *testing.T, staticDir string) *gin.Engine {
	t.Helper()
	secrets := config.NewSecrets("1234", "")
	d := dispatch.New(state.NewStore(state.DefaultLimits(), nil), auth.NewGate(secrets), secrets, nil, nil)

	reg := prometheus.NewRegistry()
	h, err := hub.New(hub.Config{Dispatcher: d, Metrics: observability.NewMetrics(reg)})
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = h.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-h.Done()
	})

	router := gin.New()
	SetupRoutes(router, Options{Hub: h, Gatherer: reg, StaticDir: staticDir, Port: 3000})
	return router
}

func get(router http.Handler, path string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
	return w
}

func TestSetupRoutes_Redirects(t *testing.T) {
	router := setup(t, t.TempDir())

	tests := map[string]string{
		"/":        "/ui/display.html",
		"/display": "/ui/display.html",
		"/exam":    "/ui/examiner.html",
		"/admin":   "/ui/admin.html",
	}
	for path, target := range tests {
		t.Run(path, func(t *testing.T) {
			w := get(router, path)
			assert.Equal(t, http.StatusMovedPermanently, w.Code)
			assert.Equal(t, target, w.Header().Get("Location"))
		})
	}
}

func TestSetupRoutes_StaticFiles(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "display.html"), []byte("<h1>queue</h1>"), 0600))
	router := setup(t, dir)

	w := get(router, "/ui/display.html")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "queue")
}

func TestSetupRoutes_NoStaticDir(t *testing.T) {
	router := setup(t, "")
	assert.Equal(t, http.StatusNotFound, get(router, "/exam").Code)
}

func TestSetupRoutes_APIEndpoints(t *testing.T) {
	router := setup(t, "")

	assert.Equal(t, http.StatusOK, get(router, "/health").Code)
	assert.Equal(t, http.StatusOK, get(router, "/v1/state").Code)
	assert.Equal(t, http.StatusOK, get(router, "/api/ips").Code)

	w := get(router, "/metrics")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "examqueue_persistence_snapshot_write_seconds")
}
