package broker

import (
	"fmt"

	"github.com/tinyrange/pvgpu/internal/ipc"
)

// Client speaks to a broker over an ipc connection.
type Client struct {
	c *ipc.Client
}

// Dial connects to the broker at socketPath; an empty path uses the
// default socket.
func Dial(socketPath string) (*Client, error) {
	if socketPath == "" {
		socketPath = ipc.DefaultSocketPath()
	}
	c, err := ipc.ConnectTo(socketPath)
	if err != nil {
		return nil, err
	}
	return &Client{c: c}, nil
}

// NewClient wraps an existing ipc client.
func NewClient(c *ipc.Client) *Client { return &Client{c: c} }

func (c *Client) Close() error { return c.c.Close() }

// Ping returns the number of live share tokens.
func (c *Client) Ping() (int, error) {
	dec, err := c.c.CallDecode(ipc.MsgPing, nil)
	if err != nil {
		return 0, fmt.Errorf("broker: ping: %w", err)
	}
	n, err := dec.Uint32()
	return int(n), err
}

func (c *Client) AllocHandles(count uint32) (uint32, error) {
	dec, err := c.c.CallDecode(ipc.MsgHandleAlloc, func(e *ipc.Encoder) { e.Uint32(count) })
	if err != nil {
		return 0, fmt.Errorf("broker: alloc handles: %w", err)
	}
	return dec.Uint32()
}

func (c *Client) Register(priv []byte) (uint64, error) {
	dec, err := c.c.CallDecode(ipc.MsgShareRegister, func(e *ipc.Encoder) { e.WriteBytes(priv) })
	if err != nil {
		return 0, fmt.Errorf("broker: register share: %w", err)
	}
	return dec.Uint64()
}

func (c *Client) Open(token uint64) ([]byte, error) {
	dec, err := c.c.CallDecode(ipc.MsgShareOpen, func(e *ipc.Encoder) { e.Uint64(token) })
	if err != nil {
		return nil, fmt.Errorf("broker: open share: %w", err)
	}
	return dec.Bytes()
}

func (c *Client) Release(token uint64) (int, error) {
	dec, err := c.c.CallDecode(ipc.MsgShareRelease, func(e *ipc.Encoder) { e.Uint64(token) })
	if err != nil {
		return 0, fmt.Errorf("broker: release share: %w", err)
	}
	n, err := dec.Uint32()
	return int(n), err
}
