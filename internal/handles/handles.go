// Package handles allocates the 32-bit resource handles that name objects in
// the command stream. Handles must be unique across every guest process that
// can share surfaces, so the preferred source is a counter shared between
// processes; a per-process pseudo-random source is the last resort.
package handles

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"
)

// Source produces raw counter values. Values whose low 31 bits are zero are
// discarded by the Allocator.
type Source interface {
	Next() (uint64, error)
}

// Options select the handle source. The first usable source wins: the
// broker, then the counter file, then the local fallback.
type Options struct {
	CounterPath string
	Broker      BlockAllocator
	Log         *slog.Logger
}

// Allocator hands out handles. It opens its source on first use and is safe
// for concurrent use.
type Allocator struct {
	opts Options
	log  *slog.Logger

	once sync.Once
	mu   sync.Mutex
	src  Source
	kind string
}

func New(opts Options) *Allocator {
	log := opts.Log
	if log == nil {
		log = slog.Default()
	}
	return &Allocator{opts: opts, log: log}
}

func (a *Allocator) init() {
	if a.opts.Broker != nil {
		a.src, a.kind = NewBrokerCounter(a.opts.Broker, 0), "broker"
		return
	}
	if a.opts.CounterPath != "" {
		c, err := OpenCounterFile(a.opts.CounterPath)
		if err == nil {
			a.src, a.kind = c, "counter-file"
			return
		}
		a.log.Warn("shared handle counter unavailable; handles are only unique within this process",
			slog.String("path", a.opts.CounterPath), "err", err)
	} else {
		a.log.Warn("no shared handle counter configured; handles are only unique within this process")
	}
	a.src, a.kind = NewLocal(uint64(time.Now().UnixNano())^uint64(os.Getpid())<<32), "local"
}

// Kind reports which source is in use, opening it if needed.
func (a *Allocator) Kind() string {
	a.once.Do(a.init)
	return a.kind
}

// Next returns a handle. It never returns a value whose low 31 bits are
// zero, which includes 0.
func (a *Allocator) Next() (uint32, error) {
	a.once.Do(a.init)
	a.mu.Lock()
	defer a.mu.Unlock()
	for i := 0; i < 4; i++ {
		v, err := a.src.Next()
		if err != nil {
			return 0, fmt.Errorf("handles: %s: %w", a.kind, err)
		}
		if h := uint32(v); h&0x7fffffff != 0 {
			return h, nil
		}
	}
	return 0, errors.New("handles: source keeps producing reserved values")
}

// Close releases the source.
func (a *Allocator) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if c, ok := a.src.(interface{ Close() error }); ok {
		return c.Close()
	}
	return nil
}

// Local is the fallback source: a splitmix64 sequence folded into the upper
// half of the handle space so it cannot collide with counter handles.
type Local struct {
	state uint64
}

func NewLocal(seed uint64) *Local { return &Local{state: seed} }

func (l *Local) Next() (uint64, error) {
	for {
		l.state += 0x9e3779b97f4a7c15
		z := l.state
		z = (z ^ (z >> 30)) * 0xbf58476d1ce4e5b9
		z = (z ^ (z >> 27)) * 0x94d049bb133111eb
		z ^= z >> 31
		if low := z & 0x7fffffff; low != 0 {
			return 0x80000000 | low, nil
		}
	}
}

// BlockAllocator reserves blocks of consecutive handles, as the session
// broker does.
type BlockAllocator interface {
	AllocHandles(count uint32) (uint32, error)
}

// BrokerCounter fetches handle blocks from a broker and hands them out in
// order.
type BrokerCounter struct {
	b         BlockAllocator
	blockSize uint32
	next      uint32
	left      uint32
}

// NewBrokerCounter uses blocks of blockSize handles; 0 selects 256.
func NewBrokerCounter(b BlockAllocator, blockSize uint32) *BrokerCounter {
	if blockSize == 0 {
		blockSize = 256
	}
	return &BrokerCounter{b: b, blockSize: blockSize}
}

func (c *BrokerCounter) Next() (uint64, error) {
	if c.left == 0 {
		first, err := c.b.AllocHandles(c.blockSize)
		if err != nil {
			return 0, err
		}
		c.next, c.left = first, c.blockSize
	}
	h := c.next
	c.next++
	c.left--
	return uint64(h), nil
}
