package gateway

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/buccancs/fyp-multi-sensor-recording-system-sub023/registry"
)

const writeWait = 10 * time.Second

// StreamMessage is one frame of the status stream. The first frame carries
// a full snapshot; later frames carry feed events.
type StreamMessage struct {
	Type    string          `json:"type"`
	Status  *Status         `json:"status,omitempty"`
	Event   *registry.Event `json:"event,omitempty"`
	Skipped uint64          `json:"skipped,omitempty"`
}

// Stream frame types
const (
	StreamSnapshot = "snapshot"
	StreamEvent    = "event"
)

// handleStream follows the status feed over a websocket. Events beyond the
// per-client rate are skipped and the count is reported with the next
// delivered event.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("Status stream upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	defer ws.Close()

	s.streamClients.Add(1)
	defer s.streamClients.Add(-1)

	events, unsubscribe := s.backend.Subscribe(s.cfg.StreamBuffer)
	defer unsubscribe()

	// the reader only notices the client going away
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}()

	status := s.backend.Status()
	if err := s.send(ws, StreamMessage{Type: StreamSnapshot, Status: &status}); err != nil {
		return
	}

	limiter := rate.NewLimiter(rate.Limit(s.cfg.StreamRate), s.cfg.StreamBurst)
	ping := time.NewTicker(s.cfg.PingInterval)
	defer ping.Stop()

	var skipped uint64
	for {
		select {
		case <-gone:
			return
		case <-r.Context().Done():
			return
		case <-ping.C:
			if err := ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		case ev, ok := <-events:
			if !ok {
				return
			}
			if !limiter.Allow() {
				skipped++
				s.streamSkipped.Add(1)
				continue
			}
			if err := s.send(ws, StreamMessage{Type: StreamEvent, Event: &ev, Skipped: skipped}); err != nil {
				return
			}
			skipped = 0
		}
	}
}

func (s *Server) send(ws *websocket.Conn, msg StreamMessage) error {
	if err := ws.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	if err := ws.WriteJSON(msg); err != nil {
		s.logger.Debug("Status stream write failed", "error", err)
		return err
	}
	return nil
}
