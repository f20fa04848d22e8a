//go:build unix

package handles

import (
	"path/filepath"
	"sync/atomic"
	"testing"
)

func TestCounterFileSharedBetweenOpens(t *testing.T) {
	path := filepath.Join(t.TempDir(), "handles")
	a := New(Options{CounterPath: path})
	b := New(Options{CounterPath: path})
	defer a.Close()
	defer b.Close()
	if a.Kind() != "counter-file" {
		t.Fatalf("source %s", a.Kind())
	}

	seen := make(map[uint32]bool)
	for i := 0; i < 50; i++ {
		for _, al := range []*Allocator{a, b} {
			h, err := al.Next()
			if err != nil {
				t.Fatalf("next: %v", err)
			}
			if seen[h] {
				t.Fatalf("handle %d issued twice", h)
			}
			seen[h] = true
		}
	}
}

func TestCounterSkipsZeroLowWord(t *testing.T) {
	path := filepath.Join(t.TempDir(), "handles")
	c, err := OpenCounterFile(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	atomic.StoreUint64(c.word(), 0x7fffffff)
	c.Close()

	a := New(Options{CounterPath: path})
	defer a.Close()
	h, err := a.Next()
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	if h != 0x80000001 {
		t.Fatalf("got 0x%x, want 0x80000001", h)
	}
}
