package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/devosoft/avida-bridge/pkg/events"
	"github.com/devosoft/avida-bridge/pkg/logger"
	"github.com/devosoft/avida-bridge/pkg/mirror"
)

// WSEvent is a frame sent to diagnostic observers.
type WSEvent struct {
	Type      string      `json:"type"`
	Timestamp string      `json:"timestamp"`
	Data      interface{} `json:"data"`
}

// Frame types on /api/diagnostics.
const (
	FrameRecord       = "record"
	FrameEvent        = "event"
	FrameStatus       = "status_update"
	FrameInitialState = "initial_state"
)

type observer struct {
	conn *websocket.Conn
	send chan []byte
	hub  *DiagnosticsHub
}

// DiagnosticsHub broadcasts mirrored traffic and lifecycle events to
// observers connected to the gateway. It doubles as the "hub" mirror sink.
type DiagnosticsHub struct {
	clients    map[*observer]bool
	broadcast  chan []byte
	register   chan *observer
	unregister chan *observer
	quit       chan struct{}
	quitOnce   sync.Once
	mu         sync.RWMutex

	snapshotMu sync.RWMutex
	snapshot   func() interface{}
}

// NewDiagnosticsHub creates a hub. Run must be started for frames to flow.
func NewDiagnosticsHub() *DiagnosticsHub {
	return &DiagnosticsHub{
		clients:    make(map[*observer]bool),
		broadcast:  make(chan []byte, 256),
		register:   make(chan *observer),
		unregister: make(chan *observer),
		quit:       make(chan struct{}),
	}
}

// SetSnapshot installs the function producing initial and periodic state.
func (h *DiagnosticsHub) SetSnapshot(fn func() interface{}) {
	h.snapshotMu.Lock()
	defer h.snapshotMu.Unlock()
	h.snapshot = fn
}

func (h *DiagnosticsHub) currentSnapshot() interface{} {
	h.snapshotMu.RLock()
	fn := h.snapshot
	h.snapshotMu.RUnlock()
	if fn == nil {
		return map[string]interface{}{}
	}
	return fn()
}

// Run starts the hub's main loop.
func (h *DiagnosticsHub) Run(ctx context.Context) {
	statusTicker := time.NewTicker(5 * time.Second)
	defer statusTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			h.Close()
			h.closeAll()
			return
		case <-h.quit:
			h.closeAll()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()
			logger.DebugC("diagnostics", "Observer connected")
			h.sendInitialState(client)

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				close(client.send)
				delete(h.clients, client)
			}
			h.mu.Unlock()
			logger.DebugC("diagnostics", "Observer disconnected")

		case data := <-h.broadcast:
			h.mu.Lock()
			for client := range h.clients {
				select {
				case client.send <- data:
				default:
					// Observer too slow, drop
					close(client.send)
					delete(h.clients, client)
				}
			}
			h.mu.Unlock()

		case <-statusTicker.C:
			if h.ObserverCount() > 0 {
				h.Broadcast(FrameStatus, h.currentSnapshot())
			}
		}
	}
}

func (h *DiagnosticsHub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for client := range h.clients {
		close(client.send)
		delete(h.clients, client)
	}
}

// ObserverCount returns the number of connected observers.
func (h *DiagnosticsHub) ObserverCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Broadcast sends a frame to all observers. It never blocks; when the
// broadcast buffer is full the frame is dropped and false is returned.
func (h *DiagnosticsHub) Broadcast(frameType string, data interface{}) bool {
	payload, err := json.Marshal(WSEvent{
		Type:      frameType,
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		Data:      data,
	})
	if err != nil {
		logger.ErrorCF("diagnostics", "Cannot encode frame", map[string]interface{}{
			"type":  frameType,
			"error": err.Error(),
		})
		return false
	}
	select {
	case h.broadcast <- payload:
		return true
	default:
		return false
	}
}

// PublishEvent forwards a lifecycle event to observers.
func (h *DiagnosticsHub) PublishEvent(e events.Event) {
	h.Broadcast(FrameEvent, e)
}

// --- mirror.Sink ---

func (h *DiagnosticsHub) Name() string { return "hub" }

func (h *DiagnosticsHub) Write(_ context.Context, rec mirror.Record) error {
	if h.ObserverCount() == 0 {
		return nil
	}
	if !h.Broadcast(FrameRecord, rec) {
		return fmt.Errorf("%w: observer hub backlog full", mirror.ErrDiagnosticUnavailable)
	}
	return nil
}

// Close stops the hub loop and disconnects observers.
func (h *DiagnosticsHub) Close() error {
	h.quitOnce.Do(func() { close(h.quit) })
	return nil
}

// HandleDiagnostics upgrades an observer connection. Observers only listen;
// anything they send is discarded.
func (s *Server) HandleDiagnostics(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.ErrorCF("diagnostics", "WebSocket upgrade failed", map[string]interface{}{
			"error": err.Error(),
		})
		return
	}

	client := &observer{
		conn: conn,
		send: make(chan []byte, 256),
		hub:  s.diag,
	}
	select {
	case s.diag.register <- client:
	case <-s.diag.quit:
		conn.Close()
		return
	}

	go client.writePump()
	go client.readPump()
}

func (h *DiagnosticsHub) sendInitialState(client *observer) {
	data, err := json.Marshal(WSEvent{
		Type:      FrameInitialState,
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		Data:      h.currentSnapshot(),
	})
	if err != nil {
		return
	}
	select {
	case client.send <- data:
	default:
	}
}

// --- Observer methods ---

func (c *observer) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.quit:
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(512)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			break
		}
	}
}

func (c *observer) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case frame, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
