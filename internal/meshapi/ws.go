package meshapi

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nugget/agentmesh/internal/eventbus"
	"github.com/nugget/agentmesh/internal/ident"
)

const (
	wsWriteTimeout = 5 * time.Second
	wsPingInterval = 30 * time.Second
)

var upgrader = websocket.Upgrader{
	// Introspection dashboard only; same-origin and CLI tooling both
	// connect without a browser Origin header.
	CheckOrigin: func(*http.Request) bool { return true },
}

// handleWS upgrades the connection and streams every bus event
// (subscribed via a "**" pattern, spec §4.3's wildcard grammar) to the
// client as JSON until the socket closes.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("meshapi: websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	done := make(chan struct{})
	var closeOnce sync.Once
	stop := func() { closeOnce.Do(func() { close(done) }) }
	defer stop()

	sub := eventbus.Subscriber{ID: ident.New(ident.KindChannel), Done: done}
	events := s.bus.SubscribePattern(sub, "**")
	defer s.bus.UnsubscribePattern(sub.ID, "**")

	// Surface disconnects promptly by draining client reads, which
	// error out as soon as the peer closes the socket.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				stop()
				return
			}
		}
	}()

	ticker := time.NewTicker(wsPingInterval)
	defer ticker.Stop()

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteJSON(ev); err != nil {
				s.logger.Debug("meshapi: websocket write failed", "error", err)
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-done:
			return
		}
	}
}
