package api

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{CheckOrigin: func(_ *http.Request) bool { return true }}

// DeliveryStreamHandler handles GET /v1/webhooks/{id}/deliveries/stream: a
// WebSocket feed of delivery-attempt events for one subscription, consumed
// by the delivery-log UI.
func (s *Server) DeliveryStreamHandler(w http.ResponseWriter, r *http.Request) {
	org := s.withOrg(r)
	id := mux.Vars(r)["id"]
	if _, err := s.Store.GetSubscription(r.Context(), org, id); err != nil {
		s.storeProblem(w, r, err, "Get webhook failed")
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer func() { _ = conn.Close() }()

	ch := s.Broker.Subscribe(id)
	defer s.Broker.Unsubscribe(id, ch)

	// Read pump: only to detect the peer going away.
	done := make(chan struct{})
	go func() {
		defer close(done)
		conn.SetReadLimit(1 << 12)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(20 * time.Second)
	defer ping.Stop()
	for {
		select {
		case <-done:
			return
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
				return
			}
		case evt, ok := <-ch:
			if !ok {
				return
			}
			if err := conn.WriteJSON(evt); err != nil {
				return
			}
		}
	}
}
