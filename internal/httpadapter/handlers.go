package httpadapter

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/rpaschoal/jithls/internal/domain"
	"github.com/rpaschoal/jithls/internal/engine"
)

// Engine is the narrow surface the HTTP adapter drives. *engine.Engine
// satisfies it.
type Engine interface {
	InitializeStreaming(ctx context.Context, mediaID string) (string, error)
	VariantPlaylistPath(ctx context.Context, mediaID, quality string) (string, error)
	GetSegment(ctx context.Context, mediaID, quality, segmentFileName string) (string, error)
	EvictMedia(mediaID string)
	EvictAll()
	Stats() engine.Stats
	Metadata(mediaID string) (domain.MediaMetadata, bool)
	AllMetadata() []domain.MediaMetadata
}

type handlers struct {
	engine Engine
	logger interface {
		Error(msg string, args ...any)
	}
}

func (h *handlers) routes(r chi.Router) {
	r.Get("/hls/{mediaID}/master.m3u8", h.masterPlaylist)
	r.Get("/hls/{mediaID}/{quality}/playlist.m3u8", h.variantPlaylist)
	r.Get("/hls/{mediaID}/{quality}/{segment}", h.segment)
	r.Delete("/hls/{mediaID}/cache", h.evictMedia)
	r.Delete("/hls/cache", h.evictAll)
	r.Get("/hls/stats", h.stats)
	r.Get("/hls/metadata", h.allMetadata)
	r.Get("/hls/{mediaID}/metadata", h.mediaMetadata)
}

func (h *handlers) masterPlaylist(w http.ResponseWriter, r *http.Request) {
	mediaID := chi.URLParam(r, "mediaID")

	path, err := h.engine.InitializeStreaming(r.Context(), mediaID)
	if err != nil {
		h.writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/vnd.apple.mpegurl")
	w.Header().Set("Cache-Control", "public, max-age=3600")
	http.ServeFile(w, r, path)
}

func (h *handlers) variantPlaylist(w http.ResponseWriter, r *http.Request) {
	mediaID := chi.URLParam(r, "mediaID")
	quality := chi.URLParam(r, "quality")

	path, err := h.engine.VariantPlaylistPath(r.Context(), mediaID, quality)
	if err != nil {
		h.writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/vnd.apple.mpegurl")
	w.Header().Set("Cache-Control", "public, max-age=3600")
	http.ServeFile(w, r, path)
}

func (h *handlers) segment(w http.ResponseWriter, r *http.Request) {
	mediaID := chi.URLParam(r, "mediaID")
	quality := chi.URLParam(r, "quality")
	segmentName := chi.URLParam(r, "segment")

	path, err := h.engine.GetSegment(r.Context(), mediaID, quality, segmentName)
	if err != nil {
		h.writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", "video/mp2t")
	w.Header().Set("Cache-Control", "public, max-age=31536000, immutable")
	http.ServeFile(w, r, path)
}

func (h *handlers) evictMedia(w http.ResponseWriter, r *http.Request) {
	h.engine.EvictMedia(chi.URLParam(r, "mediaID"))
	w.WriteHeader(http.StatusNoContent)
}

func (h *handlers) evictAll(w http.ResponseWriter, r *http.Request) {
	h.engine.EvictAll()
	w.WriteHeader(http.StatusNoContent)
}

func (h *handlers) stats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.engine.Stats())
}

func (h *handlers) allMetadata(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.engine.AllMetadata())
}

func (h *handlers) mediaMetadata(w http.ResponseWriter, r *http.Request) {
	m, ok := h.engine.Metadata(chi.URLParam(r, "mediaID"))
	if !ok {
		h.writeError(w, domain.ErrNotFound)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

type errorBody struct {
	Error string `json:"error"`
}

// writeError maps the domain sentinel error taxonomy (§7) to HTTP status
// codes.
func (h *handlers) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, domain.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, domain.ErrBadRequest):
		status = http.StatusBadRequest
	case errors.Is(err, domain.ErrShutdown):
		status = http.StatusServiceUnavailable
	}

	if h.logger != nil && status == http.StatusInternalServerError {
		h.logger.Error("unhandled engine error", "error", err.Error())
	}

	writeJSON(w, status, errorBody{Error: err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
