// Package loomclient is the CLI-side WebSocket client for loomd's
// attach/firehose protocol, adapted from catherd's length-prefixed
// Unix-socket attach loop but re-expressed over the JSON WebSocket frames
// defined in pkg/transport.
package loomclient

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/coder/websocket"

	"github.com/run-vibes/loomd/pkg/transport"
)

// Client is one WebSocket connection to a loomd daemon.
type Client struct {
	conn *websocket.Conn
}

// Dial connects to the daemon's WebSocket endpoint at wsURL
// (e.g. "ws://127.0.0.1:7420/api/v1/ws").
func Dial(ctx context.Context, wsURL string) (*Client, error) {
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("loomclient: dial %s: %w", wsURL, err)
	}
	return &Client{conn: conn}, nil
}

// Close closes the underlying connection.
func (c *Client) Close() error {
	return c.conn.Close(websocket.StatusNormalClosure, "")
}

// Send writes one client message as a JSON text frame.
func (c *Client) Send(ctx context.Context, msg transport.ClientMessage) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("loomclient: marshal message: %w", err)
	}
	return c.conn.Write(ctx, websocket.MessageText, body)
}

// Recv blocks for the next server message.
func (c *Client) Recv(ctx context.Context) (transport.ServerMessage, error) {
	var msg transport.ServerMessage
	_, body, err := c.conn.Read(ctx)
	if err != nil {
		return msg, fmt.Errorf("loomclient: read message: %w", err)
	}
	if err := json.Unmarshal(body, &msg); err != nil {
		return msg, fmt.Errorf("loomclient: unmarshal message: %w", err)
	}
	return msg, nil
}
