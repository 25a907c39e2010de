package httphandler

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ericfisherdev/acctswitch/internal/domain/model"
)

const (
	streamWriteWait  = 10 * time.Second
	streamPongWait   = 60 * time.Second
	streamPingPeriod = streamPongWait * 9 / 10
)

// upgrader uses gorilla's default origin check: the Origin host must match
// the request host.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// Stream pushes a session snapshot over a websocket every time the session
// changes, starting with the current one. Slow clients skip intermediate
// snapshots and only ever receive the latest.
func (h *Handler) Stream(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	updates := make(chan model.SessionState, 1)
	unsubscribe := h.session.Subscribe(func(s model.SessionState) {
		for {
			select {
			case updates <- s:
				return
			default:
			}
			// Replace the pending snapshot with the newer one.
			select {
			case <-updates:
			default:
			}
		}
	})
	defer unsubscribe()

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		conn.SetReadLimit(512)
		_ = conn.SetReadDeadline(time.Now().Add(streamPongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(streamPongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					h.logger.Debug("session stream read error", "error", err)
				}
				return
			}
		}
	}()

	ping := time.NewTicker(streamPingPeriod)
	defer ping.Stop()

	var lastVersion uint64
	send := func(s model.SessionState) bool {
		if s.Version != 0 && s.Version <= lastVersion {
			return true
		}
		lastVersion = s.Version
		_ = conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
		if err := conn.WriteJSON(toSessionResponse(s)); err != nil {
			h.logger.Debug("session stream write failed", "error", err)
			return false
		}
		return true
	}

	if !send(h.session.State()) {
		return
	}

	for {
		select {
		case s := <-updates:
			if !send(s) {
				return
			}
		case <-ping.C:
			_ = conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-closed:
			return
		case <-r.Context().Done():
			return
		}
	}
}
