//go:build !unix

package fence

import (
	"encoding/binary"
	"fmt"
	"os"

	"github.com/tinyrange/pvgpu/internal/protocol"
)

// Page reads the fence page file on every query.
type Page struct {
	path string
}

func OpenFencePage(path string) (*Page, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("fence: open page: %w", err)
	}
	if err := checkPageHeader(b); err != nil {
		return nil, err
	}
	return &Page{path: path}, nil
}

// CompletedFence implements Monitored. Read errors report 0, which never
// moves the tracker backward.
func (p *Page) CompletedFence() uint64 {
	b, err := os.ReadFile(p.path)
	if err != nil || len(b) < protocol.FencePageCompletedOffset+8 {
		return 0
	}
	return binary.LittleEndian.Uint64(b[protocol.FencePageCompletedOffset:])
}

func (p *Page) Close() error { return nil }
