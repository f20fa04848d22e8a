//go:build unix

package handles

import (
	"fmt"
	"os"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"
)

// counterFileSize is one page; only the first 8 bytes are used.
const counterFileSize = 4096

// CounterFile is a uint64 counter in a file mapped shared into every
// process that opens it.
type CounterFile struct {
	file *os.File
	mem  []byte
}

// OpenCounterFile maps the counter at path, creating the file if needed.
func OpenCounterFile(path string) (*CounterFile, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open counter: %w", err)
	}
	st, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("stat counter: %w", err)
	}
	if st.Size() < counterFileSize {
		if err := f.Truncate(counterFileSize); err != nil {
			f.Close()
			return nil, fmt.Errorf("size counter: %w", err)
		}
	}
	mem, err := unix.Mmap(int(f.Fd()), 0, counterFileSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("mmap counter: %w", err)
	}
	return &CounterFile{file: f, mem: mem}, nil
}

func (c *CounterFile) word() *uint64 {
	return (*uint64)(unsafe.Pointer(&c.mem[0]))
}

func (c *CounterFile) Next() (uint64, error) {
	if c.mem == nil {
		return 0, os.ErrClosed
	}
	return atomic.AddUint64(c.word(), 1), nil
}

// Value returns the last value handed out by any process.
func (c *CounterFile) Value() uint64 {
	return atomic.LoadUint64(c.word())
}

func (c *CounterFile) Close() error {
	if c.mem != nil {
		unix.Munmap(c.mem)
		c.mem = nil
	}
	return c.file.Close()
}
