package handlers

import (
	"log"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

// eventUpgrader is the shared upgrader for the event feed.
var eventUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// CORS for WebSocket is handled at the HTTP layer already.
		return true
	},
}

const eventWriteTimeout = 5 * time.Second

// EventsWebSocket streams lifecycle and risk events to the operator UI.
// Delivery is best-effort: a slow or dead connection is dropped, never
// waited on.
func EventsWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := eventUpgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("events: websocket upgrade: %v", err)
		return
	}

	subID, events := hub.Subscribe()
	defer func() {
		hub.Unsubscribe(subID)
		conn.Close()
	}()

	// Discard inbound frames; the feed is one-way. Reading also surfaces
	// close frames so the subscription is torn down promptly.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				hub.Unsubscribe(subID)
				return
			}
		}
	}()

	for event := range events {
		conn.SetWriteDeadline(time.Now().Add(eventWriteTimeout))
		if err := conn.WriteJSON(event); err != nil {
			return
		}
	}
}
