// Package router connects several consumers to one engine.
//
// Each connection declares a role with its first message. After that every
// message it sends is tagged with that role and queued for the engine,
// mirrored, and relayed untagged to the consumers holding the other roles.
// At most one connection holds a role at a time.
package router

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/devosoft/avida-bridge/pkg/events"
	"github.com/devosoft/avida-bridge/pkg/message"
	"github.com/devosoft/avida-bridge/pkg/mirror"
)

// Role is a consumer's declared identity.
type Role string

const (
	RoleUI      Role = "ui"
	RoleConsole Role = "console"
)

// SourceKey is the field the router adds to queued messages to record which
// role sent them. Consumers never see it.
const SourceKey = "_source"

// ErrConnClosed is returned by Conn.Send after Close.
var ErrConnClosed = errors.New("connection closed")

// Conn is a consumer channel. Send must not block.
type Conn interface {
	ID() string
	Send(msg message.Message) error
	Close() error
}

// RemoteAddresser is implemented by connections that know their peer.
type RemoteAddresser interface {
	RemoteAddr() string
}

// Queue receives consumer traffic for the engine.
type Queue interface {
	Push(msg message.Message)
}

// Options configures a Router.
type Options struct {
	Roles       []Role           // known roles; defaults to ui and console
	DefaultRole Role             // for missing or unknown roles; defaults to ui
	Mirror      mirror.Mirror    // nil means mirror.Nop
	Events      events.Publisher // nil means events.Discard
}

// ConsumerInfo describes a registered connection.
type ConsumerInfo struct {
	Role      Role      `json:"role"`
	ConnID    string    `json:"conn_id"`
	Remote    string    `json:"remote,omitempty"`
	Since     time.Time `json:"since"`
	Received  uint64    `json:"received"`
	Delivered uint64    `json:"delivered"`
}

// Router owns the role registry.
type Router struct {
	queue       Queue
	mirror      mirror.Mirror
	events      events.Publisher
	known       map[Role]struct{}
	defaultRole Role

	mu     sync.RWMutex
	active map[Role]*Session
}

// New creates a router pushing consumer traffic into queue.
func New(queue Queue, opts Options) *Router {
	if len(opts.Roles) == 0 {
		opts.Roles = []Role{RoleUI, RoleConsole}
	}
	if opts.DefaultRole == "" {
		opts.DefaultRole = RoleUI
	}
	if opts.Mirror == nil {
		opts.Mirror = mirror.Nop{}
	}
	if opts.Events == nil {
		opts.Events = events.Discard
	}
	known := make(map[Role]struct{}, len(opts.Roles)+1)
	for _, r := range opts.Roles {
		known[r] = struct{}{}
	}
	known[opts.DefaultRole] = struct{}{}

	return &Router{
		queue:       queue,
		mirror:      opts.Mirror,
		events:      opts.Events,
		known:       known,
		defaultRole: opts.DefaultRole,
		active:      make(map[Role]*Session),
	}
}

// ResolveRole maps a declared role to a known one.
func (r *Router) ResolveRole(declared string) Role {
	if _, ok := r.known[Role(declared)]; ok {
		return Role(declared)
	}
	return r.defaultRole
}

// Attach starts a session for a new connection. The session stays in the
// connecting state until its first message.
func (r *Router) Attach(conn Conn) *Session {
	return &Session{router: r, conn: conn}
}

// Roles lists the roles that currently have a connection, sorted.
func (r *Router) Roles() []Role {
	r.mu.RLock()
	defer r.mu.RUnlock()
	roles := make([]Role, 0, len(r.active))
	for role := range r.active {
		roles = append(roles, role)
	}
	sort.Slice(roles, func(i, j int) bool { return roles[i] < roles[j] })
	return roles
}

// Consumers describes the registered connections, sorted by role.
func (r *Router) Consumers() []ConsumerInfo {
	r.mu.RLock()
	sessions := make([]*Session, 0, len(r.active))
	for _, s := range r.active {
		sessions = append(sessions, s)
	}
	r.mu.RUnlock()

	out := make([]ConsumerInfo, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, s.info())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Role < out[j].Role })
	return out
}

// Deliver sends engine output to every registered consumer.
func (r *Router) Deliver(msg message.Message) {
	msg = msg.Without(SourceKey)
	for _, s := range r.snapshot("") {
		s.send(msg)
	}
}

// Submit accepts a message from an in-process consumer that has no
// connection of its own. It is queued, mirrored and relayed like traffic
// from a connected consumer holding role.
func (r *Router) Submit(role Role, msg message.Message) {
	r.forward(r.ResolveRole(string(role)), msg)
}

// snapshot returns the active sessions, skipping role except.
func (r *Router) snapshot(except Role) []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Session, 0, len(r.active))
	for role, s := range r.active {
		if role != except {
			out = append(out, s)
		}
	}
	return out
}

func (r *Router) register(s *Session) (replaced *Session) {
	r.mu.Lock()
	replaced = r.active[s.role]
	r.active[s.role] = s
	r.mu.Unlock()
	return replaced
}

// unregister removes s if it still owns its role.
func (r *Router) unregister(s *Session) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.active[s.role] != s {
		return false
	}
	delete(r.active, s.role)
	return true
}

func (r *Router) consumerEvent(eventType string, s *Session) events.Event {
	data := events.ConsumerEventData{ConnID: s.conn.ID(), Role: string(s.role)}
	if ra, ok := s.conn.(RemoteAddresser); ok {
		data.Remote = ra.RemoteAddr()
	}
	return events.New(eventType, "router", data)
}
