package mirror

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/devosoft/avida-bridge/pkg/logger"
)

// WSOptions tunes a WSSink.
type WSOptions struct {
	Header       http.Header
	ReconnectMin time.Duration
	ReconnectMax time.Duration
	DialTimeout  time.Duration
	Dialer       *websocket.Dialer
}

// WSSink streams records as JSON text frames to an external observer.
//
// The connection is owned by a background dialer: while it is down Write
// fails fast with ErrDiagnosticUnavailable and a reconnect is scheduled
// with capped exponential backoff.
type WSSink struct {
	url    string
	opts   WSOptions
	dialer *websocket.Dialer

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	conn    *websocket.Conn
	dialing bool
	closed  bool
}

// NewWSSink starts connecting to url in the background.
func NewWSSink(url string, opts WSOptions) *WSSink {
	if opts.ReconnectMin <= 0 {
		opts.ReconnectMin = 500 * time.Millisecond
	}
	if opts.ReconnectMax < opts.ReconnectMin {
		opts.ReconnectMax = opts.ReconnectMin
	}
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = 5 * time.Second
	}
	dialer := opts.Dialer
	if dialer == nil {
		dialer = &websocket.Dialer{
			HandshakeTimeout: opts.DialTimeout,
			ReadBufferSize:   1024,
			WriteBufferSize:  4096,
		}
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &WSSink{
		url:    url,
		opts:   opts,
		dialer: dialer,
		ctx:    ctx,
		cancel: cancel,
	}
	s.reconnect()
	return s
}

func (s *WSSink) Name() string { return "ws" }

// Connected reports whether a connection is currently up.
func (s *WSSink) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn != nil
}

func (s *WSSink) Write(ctx context.Context, rec Record) error {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()

	if conn == nil {
		s.reconnect()
		return fmt.Errorf("%w: not connected to %s", ErrDiagnosticUnavailable, s.url)
	}
	if dl, ok := ctx.Deadline(); ok {
		conn.SetWriteDeadline(dl)
	}
	if err := conn.WriteJSON(rec); err != nil {
		s.drop(conn)
		s.reconnect()
		return fmt.Errorf("%w: %v", ErrDiagnosticUnavailable, err)
	}
	return nil
}

func (s *WSSink) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	conn := s.conn
	s.conn = nil
	s.mu.Unlock()

	s.cancel()
	if conn == nil {
		return nil
	}
	deadline := time.Now().Add(time.Second)
	conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bridge shutting down"), deadline)
	return conn.Close()
}

// reconnect starts the dial loop unless one is running or a connection is up.
func (s *WSSink) reconnect() {
	s.mu.Lock()
	if s.closed || s.dialing || s.conn != nil {
		s.mu.Unlock()
		return
	}
	s.dialing = true
	s.mu.Unlock()

	go s.dialLoop()
}

func (s *WSSink) dialLoop() {
	backoff := s.opts.ReconnectMin
	for attempt := 1; ; attempt++ {
		ctx, cancel := context.WithTimeout(s.ctx, s.opts.DialTimeout)
		conn, _, err := s.dialer.DialContext(ctx, s.url, s.opts.Header)
		cancel()

		if err == nil {
			s.mu.Lock()
			if s.closed {
				s.mu.Unlock()
				conn.Close()
				return
			}
			s.conn = conn
			s.dialing = false
			s.mu.Unlock()

			logger.InfoCF("mirror", "Connected to diagnostic observer", map[string]interface{}{
				"url":      s.url,
				"attempts": attempt,
			})
			go s.readLoop(conn)
			return
		}

		if attempt == 1 {
			logger.WarnCF("mirror", "Diagnostic observer unreachable, retrying in background", map[string]interface{}{
				"url":   s.url,
				"error": err.Error(),
			})
		}

		select {
		case <-s.ctx.Done():
			s.mu.Lock()
			s.dialing = false
			s.mu.Unlock()
			return
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > s.opts.ReconnectMax {
			backoff = s.opts.ReconnectMax
		}
	}
}

// readLoop services control frames and notices when the observer goes away.
func (s *WSSink) readLoop(conn *websocket.Conn) {
	for {
		if _, _, err := conn.NextReader(); err != nil {
			s.drop(conn)
			s.reconnect()
			return
		}
	}
}

func (s *WSSink) drop(conn *websocket.Conn) {
	s.mu.Lock()
	if s.conn == conn {
		s.conn = nil
	}
	s.mu.Unlock()
	conn.Close()
}
