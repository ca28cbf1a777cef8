package hls

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"glasscoder/internal/platform/logger"
)

const playlistContentType = "application/vnd.apple.mpegurl"

// Handler serves a read-only preview of the playlists being published.
type Handler struct {
	svc *Service
	log *slog.Logger
}

// NewHandler returns a Handler over svc.
func NewHandler(svc *Service, log *slog.Logger) *Handler {
	return &Handler{svc: svc, log: logger.OrDiscard(log)}
}

// Routes mounts the preview endpoints on r.
func (h *Handler) Routes(r chi.Router) {
	r.Get("/hls", h.ListRenditions)
	r.Get("/hls/{rendition}/playlist.m3u8", h.GetPlaylist)
}

type renditionSummary struct {
	ID       RenditionID `json:"id"`
	Ended    bool        `json:"ended"`
	Segments []Segment   `json:"segments"`
}

// ListRenditions handles GET /hls.
func (h *Handler) ListRenditions(w http.ResponseWriter, r *http.Request) {
	out := make([]renditionSummary, 0)
	for _, id := range h.svc.Registry().Renditions() {
		_, ended, ok := h.svc.Registry().Snapshot(id)
		if !ok {
			continue
		}
		out = append(out, renditionSummary{ID: id, Ended: ended, Segments: h.svc.Window(id)})
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(out); err != nil {
		h.log.Debug("encode rendition list", slog.String("error", err.Error()))
	}
}

// GetPlaylist handles GET /hls/{rendition}/playlist.m3u8.
func (h *Handler) GetPlaylist(w http.ResponseWriter, r *http.Request) {
	id := RenditionID(chi.URLParam(r, "rendition"))
	if id == "" {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	m3u8, ok := h.svc.Playlist(id)
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", playlistContentType)
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(m3u8))
}
