// Package client is a consumer-side connection to a bridge gateway.
package client

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/devosoft/avida-bridge/pkg/message"
)

// Client is one consumer connection holding a role.
type Client struct {
	conn *websocket.Conn
	role string
}

// Dial connects to the gateway's consumer endpoint (ws://host:port/api/ws)
// and announces role. An empty role lets the bridge choose its default.
func Dial(ctx context.Context, url, role, token string) (*Client, error) {
	opts := &websocket.DialOptions{}
	if token != "" {
		opts.HTTPHeader = http.Header{"Authorization": {"Bearer " + token}}
	}
	conn, resp, err := websocket.Dial(ctx, url, opts)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return nil, fmt.Errorf("dial %s: unauthorized, check the API key", url)
		}
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	conn.SetReadLimit(1 << 20)

	c := &Client{conn: conn, role: role}
	fields := map[string]any{}
	if role != "" {
		fields[message.FieldRole] = role
	}
	if err := c.Send(ctx, message.MustNew(message.TypeConnect, fields)); err != nil {
		conn.Close(websocket.StatusInternalError, "handshake failed")
		return nil, fmt.Errorf("handshake: %w", err)
	}
	return c, nil
}

// Role returns the role announced at dial time.
func (c *Client) Role() string { return c.role }

// Send writes one message. Safe for concurrent use.
func (c *Client) Send(ctx context.Context, msg message.Message) error {
	return wsjson.Write(ctx, c.conn, msg)
}

// Receive blocks for the next message from the bridge. Cancelling ctx
// closes the connection.
func (c *Client) Receive(ctx context.Context) (message.Message, error) {
	var msg message.Message
	if err := wsjson.Read(ctx, c.conn, &msg); err != nil {
		if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
			return message.Message{}, ErrClosed
		}
		return message.Message{}, err
	}
	return msg, nil
}

// ErrClosed is returned by Receive after the bridge closed the connection.
var ErrClosed = errors.New("connection closed by bridge")

// Close ends the connection.
func (c *Client) Close() error {
	return c.conn.Close(websocket.StatusNormalClosure, "bye")
}
