package httpapi

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/R3E-Network/service_kernel/internal/engine/events"
)

const (
	streamBuffer    = 256
	streamWriteWait = 10 * time.Second
	streamPingEvery = 30 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// streamEvents upgrades to a WebSocket and forwards journal entries as JSON
// text frames. The optional "service" and "type" query parameters filter the
// stream. Entries are dropped when the client cannot keep up.
func (h *handler) streamEvents(w http.ResponseWriter, r *http.Request) {
	service := r.URL.Query().Get("service")
	typ := events.EventType(r.URL.Query().Get("type"))
	filter := func(ev events.Event) bool {
		return (service == "" || ev.Service == service) && (typ == "" || ev.Type == typ)
	}

	// Subscribe before the handshake completes so the client sees every
	// entry logged after its dial returns.
	ch := make(chan events.Event, streamBuffer)
	unsubscribe := h.kernel.Journal().SubscribeFiltered(filter, func(ev events.Event) {
		select {
		case ch <- ev:
		default:
		}
	})
	defer unsubscribe()

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Debug("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	// Reading is only needed to notice the client going away.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(streamPingEvery)
	defer ping.Stop()

	for {
		select {
		case <-closed:
			return
		case <-r.Context().Done():
			return
		case ev := <-ch:
			_ = conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
			if err := conn.WriteJSON(ev); err != nil {
				h.log.Debug("websocket write failed", "error", err)
				return
			}
		case <-ping.C:
			_ = conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
