package metadata

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"glasscoder/internal/platform/logger"
)

const (
	// maxBody bounds JSON update bodies.
	maxBody = 64 << 10

	icecastOK = "<?xml version=\"1.0\"?>\n<iceresponse><message>Metadata update successful</message><return>1</return></iceresponse>\n"
)

// Credentials protect the admin endpoints. An empty Password disables
// authentication.
type Credentials struct {
	Username string
	Password string
}

// Handler accepts now-playing updates over HTTP and WebSocket.
type Handler struct {
	d        *Dispatcher
	creds    Credentials
	log      *slog.Logger
	upgrader websocket.Upgrader
}

// NewHandler returns a Handler that forwards updates to d.
func NewHandler(d *Dispatcher, creds Credentials, log *slog.Logger) *Handler {
	return &Handler{
		d:     d,
		creds: creds,
		log:   logger.OrDiscard(log),
		upgrader: websocket.Upgrader{
			HandshakeTimeout: 10 * time.Second,
			CheckOrigin:      func(*http.Request) bool { return true },
		},
	}
}

// Routes mounts the admin endpoints on r.
func (h *Handler) Routes(r chi.Router) {
	r.Get("/admin.cgi", h.ShoutcastUpdate)
	r.Get("/admin/metadata", h.IcecastUpdate)
	r.Get("/metadata", h.GetMetadata)
	r.Post("/metadata", h.PostMetadata)
	r.Get("/metadata/ws", h.WebSocket)
}

// ShoutcastUpdate handles GET /admin.cgi?pass=&mode=updinfo&song=&url=.
func (h *Handler) ShoutcastUpdate(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if h.creds.Password != "" && q.Get("pass") != h.creds.Password {
		h.log.Warn("metadata update refused", slog.String("remote", r.RemoteAddr), slog.String("endpoint", "admin.cgi"))
		http.Error(w, "Bad Password", http.StatusForbidden)
		return
	}
	if q.Get("mode") != "updinfo" {
		http.Error(w, "Unrecognized Mode", http.StatusForbidden)
		return
	}

	ev := FromQuery(q)
	ev.Source = "shoutcast"
	h.d.Dispatch(ev)
	w.Header().Set("Content-Type", "text/html")
	w.WriteHeader(http.StatusOK)
	io.WriteString(w, "<html><body>OK</body></html>\n")
}

// IcecastUpdate handles GET /admin/metadata?mount=&mode=updinfo&song=.
func (h *Handler) IcecastUpdate(w http.ResponseWriter, r *http.Request) {
	if !h.authorized(w, r) {
		return
	}
	q := r.URL.Query()
	if q.Get("mode") != "updinfo" {
		http.Error(w, "Unrecognized Mode", http.StatusBadRequest)
		return
	}

	ev := FromQuery(q)
	ev.Source = "icecast"
	h.d.Dispatch(ev)
	w.Header().Set("Content-Type", "text/xml")
	w.WriteHeader(http.StatusOK)
	io.WriteString(w, icecastOK)
}

// PostMetadata handles POST /metadata with a JSON Event body.
func (h *Handler) PostMetadata(w http.ResponseWriter, r *http.Request) {
	if !h.authorized(w, r) {
		return
	}

	var ev Event
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBody)).Decode(&ev); err != nil {
		h.log.Debug("invalid metadata body", slog.String("error", err.Error()))
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	if ev.Empty() {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	ev.Source = "http"
	h.d.Dispatch(ev)
	w.WriteHeader(http.StatusNoContent)
}

// GetMetadata handles GET /metadata, returning the merged current state.
func (h *Handler) GetMetadata(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(h.d.Current()); err != nil {
		h.log.Debug("encode metadata", slog.String("error", err.Error()))
	}
}

// authorized checks HTTP basic credentials and answers 401 on mismatch.
func (h *Handler) authorized(w http.ResponseWriter, r *http.Request) bool {
	if h.creds.Password == "" {
		return true
	}
	user, pass, ok := r.BasicAuth()
	if ok && pass == h.creds.Password && (h.creds.Username == "" || user == h.creds.Username) {
		return true
	}
	h.log.Warn("metadata update refused", slog.String("remote", r.RemoteAddr), slog.String("path", r.URL.Path))
	w.Header().Set("WWW-Authenticate", `Basic realm="glasscoder"`)
	w.WriteHeader(http.StatusUnauthorized)
	return false
}
