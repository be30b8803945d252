package api

import (
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/devosoft/avida-bridge/pkg/events"
	"github.com/devosoft/avida-bridge/pkg/logger"
	"github.com/devosoft/avida-bridge/pkg/message"
	"github.com/devosoft/avida-bridge/pkg/mirror"
	"github.com/devosoft/avida-bridge/pkg/router"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
)

var errSlowConsumer = errors.New("consumer send buffer full")

func (s *Server) newUpgrader() *websocket.Upgrader {
	return &websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true // Same-origin requests have no Origin header
			}
			if s.isAllowedOrigin(origin) {
				return true
			}
			logger.WarnCF("ws", "Rejected WebSocket from disallowed origin", map[string]interface{}{"origin": origin})
			return false
		},
	}
}

// wsConn adapts a websocket to router.Conn. Send only queues; a dedicated
// writer goroutine owns the socket's write side.
type wsConn struct {
	id     string
	conn   *websocket.Conn
	remote string
	send   chan []byte
	done   chan struct{}
	once   sync.Once
}

func newWSConn(conn *websocket.Conn, remote string, buffer int) *wsConn {
	return &wsConn{
		id:     uuid.NewString(),
		conn:   conn,
		remote: remote,
		send:   make(chan []byte, buffer),
		done:   make(chan struct{}),
	}
}

func (c *wsConn) ID() string         { return c.id }
func (c *wsConn) RemoteAddr() string { return c.remote }

// Send queues msg for the writer. A consumer that cannot keep up is
// disconnected rather than allowed to stall the bridge.
func (c *wsConn) Send(msg message.Message) error {
	data, err := message.Encode(msg)
	if err != nil {
		return err
	}
	select {
	case <-c.done:
		return router.ErrConnClosed
	default:
	}
	select {
	case c.send <- data:
		return nil
	default:
		logger.WarnCF("ws", "Consumer too slow, disconnecting", map[string]interface{}{
			"conn":   c.id,
			"remote": c.remote,
		})
		c.Close()
		return errSlowConsumer
	}
}

func (c *wsConn) Close() error {
	c.once.Do(func() { close(c.done) })
	return nil
}

// HandleConsumer upgrades a consumer connection and attaches it to the
// router. The first frame decides the consumer's role.
func (s *Server) HandleConsumer(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.ErrorCF("ws", "WebSocket upgrade failed", map[string]interface{}{
			"error": err.Error(),
		})
		return
	}

	c := newWSConn(conn, r.RemoteAddr, s.config.Gateway.SendBuffer)
	session := s.bridge.Router().Attach(c)
	logger.DebugCF("ws", "Consumer socket opened", map[string]interface{}{
		"conn":   c.id,
		"remote": c.remote,
	})

	go c.writePump()
	go s.readPump(c, session)
}

func (s *Server) readPump(c *wsConn, session *router.Session) {
	defer func() {
		session.Close()
		c.conn.Close()
	}()

	c.conn.SetReadLimit(s.config.Gateway.MaxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.DebugCF("ws", "Consumer read error", map[string]interface{}{
					"conn":  c.id,
					"error": err.Error(),
				})
			}
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(pongWait))

		msg, err := message.Decode(data)
		if err != nil {
			role, _ := session.Role()
			logger.WarnCF("ws", "Dropping malformed consumer payload", map[string]interface{}{
				"conn":  c.id,
				"role":  string(role),
				"error": err.Error(),
			})
			s.bridge.Events().Publish(events.New(events.PayloadMalformed, "ws", events.PayloadEventData{
				Direction: string(mirror.DirectionIn),
				Role:      string(role),
				Error:     err.Error(),
				Preview:   events.Truncate(string(data), 120),
			}))
			continue
		}
		session.Receive(msg)
	}
}

func (c *wsConn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case <-c.done:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return

		case data := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				c.Close()
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.Close()
				return
			}
		}
	}
}
