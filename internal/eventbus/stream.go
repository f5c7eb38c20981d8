package eventbus

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

// writeDeadline bounds how long a single frame write to a lagging
// client may block before the subscriber is treated as gone.
const writeDeadline = 5 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// ServeHTTP upgrades the connection to a WebSocket and streams every
// published Event as a JSON text frame until the client disconnects or
// the connection write fails.
func (b *Bus) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Default().With("component", "eventbus").Warn("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	sub := b.Subscribe()
	defer sub.Close()

	// Drain client reads (pings/close frames) on a separate goroutine so
	// the connection notices a client-initiated close promptly.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-closed:
			return
		case ev, ok := <-sub.Events():
			if !ok {
				return
			}
			payload, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		}
	}
}
