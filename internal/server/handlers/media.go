package handlers

import (
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	apperrors "github.com/atelierhq/atelier/internal/errors"
	"github.com/atelierhq/atelier/internal/media"
)

// MediaHandler serves stored render outputs under /media/{name}.
type MediaHandler struct {
	Store *media.Store
}

// ServeHTTP implements http.Handler.
func (h *MediaHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	f, obj, err := h.Store.Open(name)
	if errors.Is(err, media.ErrNotFound) {
		apperrors.RespondWithError(w, r, apperrors.NewNotFoundError("media object not found"))
		return
	}
	if err != nil {
		apperrors.RespondWithError(w, r, apperrors.WrapInternal(r.Context(), err, "failed to open media object"))
		return
	}
	defer f.Close() // nolint:errcheck // read-only file

	w.Header().Set("Content-Type", obj.MimeType)
	// Object names are never reused.
	w.Header().Set("Cache-Control", "public, max-age=31536000, immutable")
	http.ServeContent(w, r, obj.Name, time.Time{}, f)
}
