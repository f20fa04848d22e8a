package ipc

import (
	"errors"
	"path/filepath"
	"testing"
)

func startServer(t *testing.T, mux *Mux) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "b.sock")
	srv, err := NewServer(path, mux.Handler(), nil)
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	go srv.Serve()
	t.Cleanup(func() { srv.Close() })
	return path
}

func TestEncoderDecoderRoundTrip(t *testing.T) {
	enc := NewEncoder()
	enc.Uint8(7)
	enc.Uint32(0xdeadbeef)
	enc.Uint64(1 << 40)
	enc.Bool(true)
	enc.String("surface")
	enc.WriteBytes([]byte{1, 2, 3})

	dec := NewDecoder(enc.Bytes())
	if v, _ := dec.Uint8(); v != 7 {
		t.Fatalf("uint8 %d", v)
	}
	if v, _ := dec.Uint32(); v != 0xdeadbeef {
		t.Fatalf("uint32 %x", v)
	}
	if v, _ := dec.Uint64(); v != 1<<40 {
		t.Fatalf("uint64 %d", v)
	}
	if v, _ := dec.Bool(); !v {
		t.Fatalf("bool")
	}
	if s, _ := dec.String(); s != "surface" {
		t.Fatalf("string %q", s)
	}
	if b, _ := dec.Bytes(); len(b) != 3 || b[2] != 3 {
		t.Fatalf("bytes %v", b)
	}
	if dec.Remaining() != 0 {
		t.Fatalf("%d bytes left over", dec.Remaining())
	}
	if _, err := dec.Uint32(); err == nil {
		t.Fatalf("read past end succeeded")
	}
}

func TestDecoderRejectsOverlongBytes(t *testing.T) {
	enc := NewEncoder()
	enc.Uint32(100)
	enc.Uint8(1)
	if _, err := NewDecoder(enc.Bytes()).Bytes(); err == nil {
		t.Fatalf("length prefix past the buffer accepted")
	}
}

func TestClientServerCall(t *testing.T) {
	mux := NewMux()
	mux.Handle(MsgPing, func(dec *Decoder) ([]byte, error) {
		s, err := dec.String()
		if err != nil {
			return nil, err
		}
		return NewResponseBuilder().String("pong " + s).Build(), nil
	})
	mux.Handle(MsgShareOpen, func(dec *Decoder) ([]byte, error) {
		return nil, &IPCError{Code: ErrCodeNotFound, Message: "no such token", Op: "share open"}
	})
	path := startServer(t, mux)

	c, err := ConnectTo(path)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer c.Close()

	dec, err := c.CallDecode(MsgPing, func(e *Encoder) { e.String("a") })
	if err != nil {
		t.Fatalf("ping: %v", err)
	}
	if s, _ := dec.String(); s != "pong a" {
		t.Fatalf("got %q", s)
	}

	_, err = c.CallDecode(MsgShareOpen, nil)
	var ipcErr *IPCError
	if !errors.As(err, &ipcErr) || ipcErr.Code != ErrCodeNotFound {
		t.Fatalf("expected not-found IPCError, got %v", err)
	}
	if !errors.Is(err, &IPCError{Code: ErrCodeNotFound}) {
		t.Fatalf("IPCError does not match by code")
	}

	if _, err := c.Call(0x7777, nil); !errors.Is(err, &IPCError{Code: ErrCodeInvalidArgument}) {
		t.Fatalf("unknown message type: %v", err)
	}

	// The connection survives handler errors.
	if _, err := c.CallDecode(MsgPing, func(e *Encoder) { e.String("b") }); err != nil {
		t.Fatalf("ping after error: %v", err)
	}
}

func TestClientClosed(t *testing.T) {
	path := startServer(t, NewMux())
	c, err := ConnectTo(path)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	c.Close()
	if _, err := c.Call(MsgPing, nil); !errors.Is(err, ErrClosed) {
		t.Fatalf("call on closed client: %v", err)
	}
}
