package interceptor

import (
	"context"
	"fmt"

	"github.com/coder/websocket"
)

// Conn is the agent-side handle for a WebSocket connection the broker
// dialed on the agent's behalf via ws_dial. Send/Recv round-trip through
// ws_send/ws_recv; the frame type is always text, matching the broker's
// own handlers.WSSend/WSRecv, so a frame's wire representation is
// identical on both sides of the socket.
type Conn struct {
	client *Client
	handle string
}

// Dial policy-checks and opens url through the broker's ws_dial
// operation, returning a Conn bound to the resulting handle.
func Dial(ctx context.Context, client *Client, url string) (*Conn, error) {
	var result struct {
		Handle string `json:"handle"`
	}
	if err := client.Call(ctx, "ws_dial", map[string]string{"url": url}, &result); err != nil {
		return nil, err
	}
	return &Conn{client: client, handle: result.Handle}, nil
}

// Send writes one text frame.
func (c *Conn) Send(ctx context.Context, data []byte) error {
	var result struct {
		Bytes int `json:"bytes"`
	}
	return c.client.Call(ctx, "ws_send", map[string]string{
		"handle": c.handle,
		"data":   string(data),
	}, &result)
}

// Recv reads the next text frame.
func (c *Conn) Recv(ctx context.Context) ([]byte, error) {
	var result struct {
		Data  string `json:"data"`
		Bytes int    `json:"bytes"`
	}
	if err := c.client.Call(ctx, "ws_recv", map[string]string{"handle": c.handle}, &result); err != nil {
		return nil, err
	}
	return []byte(result.Data), nil
}

// Close tears down the broker-held connection.
func (c *Conn) Close(ctx context.Context) error {
	var result struct {
		Closed bool `json:"closed"`
	}
	if err := c.client.Call(ctx, "ws_close", map[string]string{"handle": c.handle}, &result); err != nil {
		return err
	}
	if !result.Closed {
		return fmt.Errorf("broker reported handle %q was not open", c.handle)
	}
	return nil
}

// messageType pins the frame type both sides agree on. Kept as a named
// reference to github.com/coder/websocket's type so any future binary
// frame support shares the same import the broker already depends on.
var messageType = websocket.MessageText
