package ipc

import (
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

var ErrClosed = errors.New("ipc: client closed")

// Client is a connection to the broker. Calls are serialized.
type Client struct {
	conn   net.Conn
	mu     sync.Mutex
	closed atomic.Bool

	// Timeout bounds each call when non-zero.
	Timeout time.Duration
}

// ConnectTo connects to a broker listening at socketPath.
func ConnectTo(socketPath string) (*Client, error) {
	conn, err := net.Dial("unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("ipc: connect to broker: %w", err)
	}
	return &Client{conn: conn}, nil
}

// NewClient wraps an established connection.
func NewClient(conn net.Conn) *Client {
	return &Client{conn: conn}
}

func (c *Client) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	return c.conn.Close()
}

// Call sends a request and waits for the response. A MsgError response is
// returned as *IPCError. The returned payload still starts with the status
// byte; use DecodeError to consume it.
func (c *Client) Call(msgType uint16, payload []byte) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed.Load() {
		return nil, ErrClosed
	}
	if c.Timeout > 0 {
		c.conn.SetDeadline(time.Now().Add(c.Timeout))
		defer c.conn.SetDeadline(time.Time{})
	}

	if err := WriteHeader(c.conn, Header{Type: msgType, Length: uint32(len(payload))}); err != nil {
		return nil, fmt.Errorf("write header: %w", err)
	}
	if len(payload) > 0 {
		if _, err := c.conn.Write(payload); err != nil {
			return nil, fmt.Errorf("write payload: %w", err)
		}
	}

	respHeader, err := ReadHeader(c.conn)
	if err != nil {
		return nil, fmt.Errorf("read response header: %w", err)
	}
	respPayload := make([]byte, respHeader.Length)
	if respHeader.Length > 0 {
		if _, err := io.ReadFull(c.conn, respPayload); err != nil {
			return nil, fmt.Errorf("read response payload: %w", err)
		}
	}

	if respHeader.Type == MsgError {
		ipcErr, err := DecodeError(NewDecoder(respPayload))
		if err != nil {
			return nil, fmt.Errorf("decode error response: %w", err)
		}
		if ipcErr != nil {
			return nil, ipcErr
		}
	}
	return respPayload, nil
}

// CallDecode encodes a request, performs the call and returns a decoder
// positioned after the success status.
func (c *Client) CallDecode(msgType uint16, encode func(*Encoder)) (*Decoder, error) {
	enc := NewEncoder()
	if encode != nil {
		encode(enc)
	}
	resp, err := c.Call(msgType, enc.Bytes())
	if err != nil {
		return nil, err
	}
	dec := NewDecoder(resp)
	ipcErr, err := DecodeError(dec)
	if err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if ipcErr != nil {
		return nil, ipcErr
	}
	return dec, nil
}
