package router

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/devosoft/avida-bridge/pkg/events"
	"github.com/devosoft/avida-bridge/pkg/logger"
	"github.com/devosoft/avida-bridge/pkg/message"
	"github.com/devosoft/avida-bridge/pkg/mirror"
)

type sessionState int

const (
	stateConnecting sessionState = iota
	stateActive
	stateClosed
)

func (s sessionState) String() string {
	switch s {
	case stateConnecting:
		return "connecting"
	case stateActive:
		return "active"
	}
	return "closed"
}

// Session is one consumer connection as seen by the router. Receive must be
// called from a single goroutine per session (the transport's read loop).
type Session struct {
	router *Router
	conn   Conn

	mu    sync.Mutex
	state sessionState
	role  Role
	since time.Time

	received  atomic.Uint64
	delivered atomic.Uint64
}

// Role returns the assigned role; false while still connecting.
func (s *Session) Role() (Role, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.role, s.state == stateActive
}

// Receive handles one message from the consumer.
func (s *Session) Receive(msg message.Message) {
	s.mu.Lock()
	switch s.state {
	case stateClosed:
		s.mu.Unlock()
		return
	case stateConnecting:
		declared, _ := msg.StringField(message.FieldRole)
		s.role = s.router.ResolveRole(declared)
		s.state = stateActive
		s.since = time.Now()
		s.mu.Unlock()

		s.activate(declared)
		if msg.Type() == message.TypeConnect {
			return
		}
	default:
		s.mu.Unlock()
	}

	s.received.Add(1)
	s.router.forward(s.role, msg)
}

func (s *Session) activate(declared string) {
	r := s.router
	old := r.register(s)
	if old != nil {
		old.evict()
		logger.InfoCF("router", "Consumer replaced by newer connection", map[string]interface{}{
			"role":     string(s.role),
			"old_conn": old.conn.ID(),
			"new_conn": s.conn.ID(),
		})
		r.events.Publish(r.consumerEvent(events.ConsumerReplaced, old))
	}

	fields := map[string]interface{}{
		"role": string(s.role),
		"conn": s.conn.ID(),
	}
	if declared != "" && Role(declared) != s.role {
		fields["declared"] = declared
	}
	logger.InfoCF("router", "Consumer connected", fields)
	r.events.Publish(r.consumerEvent(events.ConsumerConnected, s))
}

// forward queues msg for the engine, mirrors it, and relays it to the other
// roles. Any source tag supplied by the consumer is discarded.
func (r *Router) forward(role Role, msg message.Message) {
	clean := msg.Without(SourceKey)
	r.queue.Push(clean.With(SourceKey, string(role)))
	r.mirror.Mirror(mirror.DirectionIn, string(role), clean)
	for _, peer := range r.snapshot(role) {
		peer.send(clean)
	}
}

// Close detaches the session. Queued messages are kept.
func (s *Session) Close() {
	s.mu.Lock()
	prev := s.state
	s.state = stateClosed
	s.mu.Unlock()

	if prev == stateClosed {
		return
	}
	s.conn.Close()
	if prev != stateActive {
		return
	}
	if s.router.unregister(s) {
		logger.InfoCF("router", "Consumer disconnected", map[string]interface{}{
			"role": string(s.role),
			"conn": s.conn.ID(),
		})
		s.router.events.Publish(s.router.consumerEvent(events.ConsumerDisconnected, s))
	}
}

// evict closes a session whose role was taken over. It leaves the registry
// entry alone since it already belongs to the newer session.
func (s *Session) evict() {
	s.mu.Lock()
	prev := s.state
	s.state = stateClosed
	s.mu.Unlock()
	if prev != stateClosed {
		s.conn.Close()
	}
}

func (s *Session) send(msg message.Message) {
	if err := s.conn.Send(msg); err != nil {
		logger.DebugCF("router", "Consumer send failed", map[string]interface{}{
			"role":  string(s.role),
			"conn":  s.conn.ID(),
			"type":  msg.Type(),
			"error": err.Error(),
		})
		return
	}
	s.delivered.Add(1)
}

func (s *Session) info() ConsumerInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	info := ConsumerInfo{
		Role:      s.role,
		ConnID:    s.conn.ID(),
		Since:     s.since,
		Received:  s.received.Load(),
		Delivered: s.delivered.Load(),
	}
	if ra, ok := s.conn.(RemoteAddresser); ok {
		info.Remote = ra.RemoteAddr()
	}
	return info
}
