package httpapi

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/R3E-Network/silkroad/internal/session"
)

// WebSocket settings
const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 512
	streamBuffer   = 64
)

// Callers authenticate with a bearer token, so the origin is not a
// credential here.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// streamMessage is one frame sent to the client. The first frame is a
// snapshot of the log, newest first; every later frame carries one event.
type streamMessage struct {
	Type   string          `json:"type"`
	Events []session.Event `json:"events,omitempty"`
	Event  *session.Event  `json:"event,omitempty"`
}

// stream pushes the caller's event log over a WebSocket until either side
// closes it.
func (h *handler) stream(w http.ResponseWriter, r *http.Request) {
	c, ok := h.controller(w, r)
	if !ok {
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.WithContext(r.Context()).WithError(err).Warn("WebSocket upgrade failed")
		return
	}
	log := h.logger.WithContext(r.Context())

	send := make(chan session.Event, streamBuffer)
	overflow := make(chan struct{})
	var overflowOnce sync.Once
	snapshot, unsubscribe := c.Events().SubscribeWithSnapshot(func(ev session.Event) {
		select {
		case send <- ev:
		default:
			// A client this far behind is disconnected instead of
			// stalling the appending goroutine.
			overflowOnce.Do(func() { close(overflow) })
		}
	})

	done := make(chan struct{})
	go func() {
		defer close(done)
		readPump(conn)
	}()

	defer func() {
		unsubscribe()
		if err := conn.Close(); err != nil {
			log.WithError(err).Debug("Failed to close websocket connection")
		}
		log.Info("Event stream closed")
	}()

	log.Info("Event stream opened")
	if err := writeFrame(conn, streamMessage{Type: "snapshot", Events: snapshot}); err != nil {
		return
	}

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case ev := <-send:
			if err := writeFrame(conn, streamMessage{Type: "event", Event: &ev}); err != nil {
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-overflow:
			log.Warn("Event stream client fell behind, disconnecting")
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "too slow"),
				time.Now().Add(writeWait))
			return
		case <-done:
			return
		case <-r.Context().Done():
			return
		}
	}
}

func writeFrame(conn *websocket.Conn, msg streamMessage) error {
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteJSON(msg)
}

// readPump drains client frames so control messages are processed, and
// returns once the client goes away.
func readPump(conn *websocket.Conn) {
	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := conn.NextReader(); err != nil {
			return
		}
	}
}
