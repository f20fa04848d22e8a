package broker

import (
	"bytes"
	"errors"
	"path/filepath"
	"testing"

	"github.com/tinyrange/pvgpu/internal/ipc"
)

func TestAllocHandlesSkipsZeroLowWord(t *testing.T) {
	tests := []struct {
		name  string
		next  uint32
		count uint32
		first uint32
	}{
		{"fresh", 1, 4, 1},
		{"at half boundary", 0x80000000, 2, 0x80000001},
		{"crossing into upper half", 0x7ffffff0, 0x20, 0x80000001},
		{"wrapping", 0xfffffff0, 0x20, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := New(nil)
			b.nextHandle = tt.next
			first, err := b.AllocHandles(tt.count)
			if err != nil {
				t.Fatalf("alloc: %v", err)
			}
			if first != tt.first {
				t.Fatalf("first 0x%x, want 0x%x", first, tt.first)
			}
			for h := first; h != first+tt.count; h++ {
				if h&0x7fffffff == 0 {
					t.Fatalf("block contains 0x%x", h)
				}
			}
		})
	}
	if _, err := New(nil).AllocHandles(0); err == nil {
		t.Fatalf("empty block accepted")
	}
}

func TestShareRefcount(t *testing.T) {
	b := New(nil)
	token, err := b.Register([]byte("blob"))
	if err != nil || token == 0 {
		t.Fatalf("register: token %d err %v", token, err)
	}
	priv, err := b.Open(token)
	if err != nil || !bytes.Equal(priv, []byte("blob")) {
		t.Fatalf("open: %q %v", priv, err)
	}
	if n, _ := b.Release(token); n != 1 {
		t.Fatalf("remaining %d after first release", n)
	}
	if n, _ := b.Release(token); n != 0 || b.Shares() != 0 {
		t.Fatalf("token survived last release")
	}
	if _, err := b.Open(token); !errors.Is(err, &ipc.IPCError{Code: ipc.ErrCodeNotFound}) {
		t.Fatalf("open released token: %v", err)
	}
}

func TestClientOverSocket(t *testing.T) {
	b := New(nil)
	mux := ipc.NewMux()
	b.RegisterHandlers(mux)
	path := filepath.Join(t.TempDir(), "broker.sock")
	srv, err := ipc.NewServer(path, mux.Handler(), nil)
	if err != nil {
		t.Fatalf("server: %v", err)
	}
	go srv.Serve()
	defer srv.Close()

	c, err := Dial(path)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer c.Close()

	h1, err := c.AllocHandles(8)
	if err != nil {
		t.Fatalf("alloc: %v", err)
	}
	h2, err := c.AllocHandles(8)
	if err != nil {
		t.Fatalf("alloc: %v", err)
	}
	if h2 != h1+8 {
		t.Fatalf("blocks overlap or skip: %d then %d", h1, h2)
	}

	token, err := c.Register([]byte{1, 2, 3})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	priv, err := c.Open(token)
	if err != nil || !bytes.Equal(priv, []byte{1, 2, 3}) {
		t.Fatalf("open: %v %v", priv, err)
	}
	if n, err := c.Ping(); err != nil || n != 1 {
		t.Fatalf("ping: %d %v", n, err)
	}
	if n, err := c.Release(token); err != nil || n != 1 {
		t.Fatalf("release: %d %v", n, err)
	}
	if _, err := c.Open(token + 1); !errors.Is(err, &ipc.IPCError{Code: ipc.ErrCodeNotFound}) {
		t.Fatalf("open unknown token: %v", err)
	}
	if _, err := c.AllocHandles(MaxHandleBlock + 1); err == nil {
		t.Fatalf("oversized block accepted")
	}
}
