package metadata

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = wsPongWait * 9 / 10
	wsBuffer     = 16
)

// WebSocket handles GET /metadata/ws. Clients send Event objects as JSON
// text messages and receive every update, their own included, as it is
// dispatched.
func (h *Handler) WebSocket(w http.ResponseWriter, r *http.Request) {
	if !h.authorized(w, r) {
		return
	}
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Debug("websocket upgrade", slog.String("error", err.Error()))
		return
	}
	defer conn.Close()

	updates, cancel := h.d.Subscribe(wsBuffer)
	defer cancel()

	remote := r.RemoteAddr
	h.log.Info("metadata websocket connected", slog.String("remote", remote))
	go h.readUpdates(conn, remote)

	ping := time.NewTicker(wsPingPeriod)
	defer ping.Stop()

	conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	if err := conn.WriteJSON(h.d.Current()); err != nil {
		return
	}
	for {
		select {
		case ev := <-updates:
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				return
			}
		case <-r.Context().Done():
			return
		}
	}
}

// readUpdates dispatches client messages until the connection closes, then
// closes it so the writer loop ends too.
func (h *Handler) readUpdates(conn *websocket.Conn, remote string) {
	defer conn.Close()
	conn.SetReadLimit(maxBody)
	conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})
	for {
		var ev Event
		if err := conn.ReadJSON(&ev); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.log.Debug("metadata websocket closed", slog.String("remote", remote), slog.String("error", err.Error()))
			}
			return
		}
		conn.SetReadDeadline(time.Now().Add(wsPongWait))
		if ev.Empty() {
			continue
		}
		ev.Source = "websocket"
		h.d.Dispatch(ev)
	}
}
