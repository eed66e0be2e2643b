// ABOUTME: WebSocket endpoint streaming live conversation events to participants
// ABOUTME: Inbound typing frames drive the broker's debounced typing signal

package gateway

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
)

const (
	wsWriteTimeout = 10 * time.Second
	wsPingInterval = 30 * time.Second
)

// clientFrame is an inbound WebSocket message. Typing is the only client
// signal carried over the socket; everything else goes through REST.
type clientFrame struct {
	Type string `json:"type"`
}

// handleWebSocket handles GET /conversations/{id}/ws. Events start flowing
// from the moment of subscription; clients reconcile missed history via
// the messages endpoint after connecting.
func (g *Gateway) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	caller, ok := g.userID(w, r)
	if !ok {
		return
	}
	conversationID := chi.URLParam(r, "conversationID")

	// Authorize before upgrading so rejections stay plain HTTP
	events, subID, err := g.svc.Subscribe(r.Context(), conversationID, caller)
	if err != nil {
		g.writeError(w, err)
		return
	}
	defer g.svc.Unsubscribe(conversationID, subID)

	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.Debug("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	g.logger.Debug("websocket connected",
		"conversation_id", conversationID,
		"user_id", caller)

	// Writer: events and pings. Closing the connection on exit unblocks
	// the read loop below.
	done := make(chan struct{})
	go func() {
		defer close(done)
		defer conn.Close()

		ping := time.NewTicker(wsPingInterval)
		defer ping.Stop()

		for {
			select {
			case ev, ok := <-events:
				if !ok {
					return
				}
				conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
				if err := conn.WriteJSON(ev); err != nil {
					return
				}
			case <-ping.C:
				conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
				if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					return
				}
			}
		}
	}()

	// Reader: typing frames until the client goes away
	for {
		var frame clientFrame
		if err := conn.ReadJSON(&frame); err != nil {
			break
		}
		if frame.Type == "typing" {
			if err := g.svc.Typing(r.Context(), conversationID, caller); err != nil {
				g.logger.Debug("typing signal rejected", "error", err)
			}
		}
	}

	conn.Close()
	<-done
}
