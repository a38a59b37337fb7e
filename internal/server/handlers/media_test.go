package handlers

import (
	"bytes"
	"context"
	"image"
	"image/png"
	"net/http"
	"net/http/httptest"
	"path"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atelierhq/atelier/internal/media"
)

func TestMediaHandler_ServesStoredImages(t *testing.T) {
	store, err := media.NewStore(t.TempDir(), "/media", media.Limits{})
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, image.NewRGBA(image.Rect(0, 0, 4, 4))))
	obj, err := store.SaveImage(context.Background(), buf.Bytes())
	require.NoError(t, err)

	r := chi.NewRouter()
	r.Get("/media/{name}", (&MediaHandler{Store: store}).ServeHTTP)

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, obj.URL, nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "image/png", rec.Header().Get("Content-Type"))
	assert.Equal(t, buf.Bytes(), rec.Body.Bytes())

	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/media/"+path.Base("..%2Fsecret.png"), nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
