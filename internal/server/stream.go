package server

import (
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

const streamWriteTimeout = 5 * time.Second

var streamUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		u, err := url.Parse(origin)
		if err != nil {
			return false
		}
		host := strings.ToLower(strings.TrimSpace(r.Host))
		originHost := strings.ToLower(strings.TrimSpace(u.Host))
		return host == originHost
	},
}

type streamEvent struct {
	Connected bool      `json:"connected"`
	At        time.Time `json:"at"`
}

// handleConnectivityWS holds a monitor subscription for as long as the
// socket stays open and pushes every emitted status.
func (s *Server) handleConnectivityWS(w http.ResponseWriter, r *http.Request) {
	conn, err := streamUpgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.WithError(err).Debug("websocket upgrade failed")
		return
	}
	s.serveStream(conn)
}

func (s *Server) serveStream(conn *websocket.Conn) {
	defer conn.Close()

	sub := s.mon.Subscribe()
	defer sub.Close()

	// A socket that joins while polling is already running gets the
	// current status up front instead of waiting for the next change.
	var sent, last bool
	if connected, ok := s.mon.LastStatus(); ok {
		if err := writeStreamEvent(conn, streamEvent{Connected: connected, At: s.now().UTC()}); err != nil {
			return
		}
		sent, last = true, connected
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case connected, ok := <-sub.C:
			if !ok {
				msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "monitor stopped")
				_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(streamWriteTimeout))
				return
			}
			// The snapshot may already carry a change published between
			// Subscribe and LastStatus.
			if sent && connected == last {
				continue
			}
			event := streamEvent{Connected: connected, At: s.now().UTC()}
			if err := writeStreamEvent(conn, event); err != nil {
				return
			}
			sent, last = true, connected
		case <-done:
			return
		}
	}
}

func writeStreamEvent(conn *websocket.Conn, event streamEvent) error {
	_ = conn.SetWriteDeadline(time.Now().Add(streamWriteTimeout))
	return conn.WriteJSON(event)
}
