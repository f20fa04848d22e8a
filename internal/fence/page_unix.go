//go:build unix

package fence

import (
	"fmt"
	"os"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/tinyrange/pvgpu/internal/protocol"
)

// Page is a fence page file mapped into this process.
type Page struct {
	file *os.File
	mem  []byte
}

// OpenFencePage maps the fence page at path read-only.
func OpenFencePage(path string) (*Page, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("fence: open page: %w", err)
	}
	st, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("fence: stat page: %w", err)
	}
	if st.Size() < protocol.FencePageCompletedOffset+8 {
		f.Close()
		return nil, fmt.Errorf("fence: page %s: short (%d bytes)", path, st.Size())
	}
	mem, err := unix.Mmap(int(f.Fd()), 0, protocol.FencePageSize, unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("fence: mmap page: %w", err)
	}
	if err := checkPageHeader(mem); err != nil {
		unix.Munmap(mem)
		f.Close()
		return nil, err
	}
	return &Page{file: f, mem: mem}, nil
}

func (p *Page) load32(off int) uint32 {
	return atomic.LoadUint32((*uint32)(unsafe.Pointer(&p.mem[off])))
}

// CompletedFence implements Monitored.
func (p *Page) CompletedFence() uint64 {
	return ReadCompleted(p.load32)
}

func (p *Page) Close() error {
	if p.mem != nil {
		unix.Munmap(p.mem)
		p.mem = nil
	}
	return p.file.Close()
}
