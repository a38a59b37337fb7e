package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atelierhq/atelier/internal/config"
	apperrors "github.com/atelierhq/atelier/internal/errors"
	"github.com/atelierhq/atelier/internal/media"
	"github.com/atelierhq/atelier/internal/server/handlers"
)

func TestServerUsesStandardErrorHandlers(t *testing.T) {
	srv := New(config.ServerConfig{Host: "127.0.0.1"}, Dependencies{})

	req := httptest.NewRequest(http.MethodGet, "/does-not-exist", nil)
	rec := httptest.NewRecorder()

	srv.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusNotFound, rec.Code)

	var body apperrors.HTTPErrorResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t, "NOT_FOUND", body.Error.Code)
}

func TestServerRegistersChatRoutesOnlyWhenConfigured(t *testing.T) {
	bare := New(config.ServerConfig{}, Dependencies{})
	rec := httptest.NewRecorder()
	bare.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/chat", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	store, err := media.NewStore(t.TempDir(), "/media", media.Limits{})
	require.NoError(t, err)
	srv := New(config.ServerConfig{}, Dependencies{Media: &handlers.MediaHandler{Store: store}})

	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/media/00000000-0000-0000-0000-000000000000.png", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/media/x.png", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestServerServesInjectedHealthAndVersion(t *testing.T) {
	health := handlers.NewHealth("2.0.0")
	health.Register("store", handlers.HealthCheckFunc(func(context.Context) error {
		return errors.New("database is closed")
	}), handlers.ProbeReady)

	srv := New(config.ServerConfig{}, Dependencies{
		Health:  health,
		Version: handlers.VersionHandler{Build: handlers.BuildInfo{Name: "atelier", Version: "2.0.0"}},
	})

	get := func(path string) *httptest.ResponseRecorder {
		rec := httptest.NewRecorder()
		srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		return rec
	}

	assert.Equal(t, http.StatusOK, get("/health/live").Code)
	assert.Equal(t, http.StatusServiceUnavailable, get("/health/ready").Code)

	rec := get("/version")
	require.Equal(t, http.StatusOK, rec.Code)
	var version handlers.VersionResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&version))
	assert.Equal(t, "2.0.0", version.App.Version)
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}
