package eventbridge

import (
	"net/http"
	"net/url"
	"time"

	"github.com/gorilla/websocket"
)

const (
	streamWriteWait    = 10 * time.Second
	streamPingInterval = 30 * time.Second
	streamReadLimit    = 512
)

// handleStream pushes every event from ?from=N onward over a websocket and
// keeps pushing as the log grows. The stream ends when the log closes, the
// client goes away or the server shuts down.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	if s.events == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "no session attached"})
		return
	}
	from, err := parseFrom(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	s.streams.Add(1)
	defer s.streams.Done()

	notify, unsubscribe := s.events.Subscribe()
	defer unsubscribe()
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Printf("eventbridge: upgrade: %v", err)
		return
	}
	defer conn.Close()

	gone := make(chan struct{})
	go func() {
		defer close(gone)
		conn.SetReadLimit(streamReadLimit)
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(streamPingInterval)
	defer ping.Stop()
	cursor := from
	for {
		next, err := s.push(conn, cursor)
		if err != nil {
			s.logger.Printf("eventbridge: stream write: %v", err)
			return
		}
		cursor = next
		select {
		case <-gone:
			return
		case <-s.quit:
			s.closeStream(conn, websocket.CloseGoingAway, "server shutting down")
			return
		case _, ok := <-notify:
			if !ok {
				if _, err := s.push(conn, cursor); err == nil {
					s.closeStream(conn, websocket.CloseNormalClosure, "session ended")
				}
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(streamWriteWait)); err != nil {
				return
			}
		}
	}
}

// push writes the events at or after cursor and returns the next cursor.
func (s *Server) push(conn *websocket.Conn, cursor int64) (int64, error) {
	for evt := range s.events.ReadFrom(cursor) {
		_ = conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
		if err := conn.WriteJSON(evt); err != nil {
			return cursor, err
		}
		cursor = evt.Seq + 1
	}
	return cursor, nil
}

func (s *Server) closeStream(conn *websocket.Conn, code int, text string) {
	msg := websocket.FormatCloseMessage(code, text)
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(streamWriteWait))
}

// sameHost accepts clients without an Origin header (CLI tools) and browser
// pages served from the bridge's own host.
func sameHost(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	return u.Host == r.Host
}
