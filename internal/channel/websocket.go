package channel

import (
	"net/http"
	"sync"
	"time"

	"rsagent/internal/metrics"

	"github.com/gorilla/websocket"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = (wsPongWait * 9) / 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // auth is by token, not origin
	},
}

// progressClient serializes writes to one connection.
type progressClient struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *progressClient) write(messageType int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return c.conn.WriteMessage(messageType, data)
}

func (c *progressClient) writeJSON(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return c.conn.WriteJSON(v)
}

// handleProgress upgrades the request and streams progress events for the
// session named by ?session_id=, or for every session when it is absent.
// The stream is write-only; inbound frames other than control frames are
// discarded.
func (s *Server) handleProgress(rw http.ResponseWriter, r *http.Request) {
	if s.cfg.Progress == nil {
		writeError(rw, http.StatusServiceUnavailable, "progress stream disabled")
		return
	}
	conn, err := upgrader.Upgrade(rw, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "err", err)
		return
	}
	client := &progressClient{conn: conn}

	sessionID := r.URL.Query().Get("session_id")
	events, cancel := s.cfg.Progress.Subscribe(sessionID)
	metrics.ProgressSubscribers.Inc()

	s.logger.Info("progress client connected", "session_id", sessionID, "remote", r.RemoteAddr)
	defer func() {
		cancel()
		metrics.ProgressSubscribers.Dec()
		conn.Close()
		s.logger.Info("progress client disconnected", "session_id", sessionID)
	}()

	// Reader: handles pongs and notices the peer closing.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		conn.SetReadLimit(512)
		conn.SetReadDeadline(time.Now().Add(wsPongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(wsPongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					s.logger.Debug("websocket read error", "err", err)
				}
				return
			}
		}
	}()

	ping := time.NewTicker(wsPingPeriod)
	defer ping.Stop()

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				// Hub closed.
				client.write(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"))
				return
			}
			if err := client.writeJSON(ev); err != nil {
				s.logger.Debug("websocket write failed", "err", err)
				return
			}
		case <-ping.C:
			if err := client.write(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-gone:
			return
		case <-r.Context().Done():
			return
		}
	}
}
