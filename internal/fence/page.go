package fence

import (
	"encoding/binary"
	"fmt"

	"github.com/tinyrange/pvgpu/internal/protocol"
)

// ReadCompleted reads the completed fence from page memory with a
// high/low/high sequence so a concurrent 64-bit update is never observed
// half written. load32 must perform an atomic 32-bit load at the offset.
func ReadCompleted(load32 func(off int) uint32) uint64 {
	lo := protocol.FencePageCompletedOffset
	hi := lo + 4
	for {
		h1 := load32(hi)
		l := load32(lo)
		h2 := load32(hi)
		if h1 == h2 {
			return uint64(h1)<<32 | uint64(l)
		}
	}
}

func checkPageHeader(b []byte) error {
	if len(b) < protocol.FencePageCompletedOffset+8 {
		return fmt.Errorf("fence: page: short (%d bytes)", len(b))
	}
	if m := binary.LittleEndian.Uint32(b[0:4]); m != protocol.FencePageMagic {
		return fmt.Errorf("fence: page: bad magic 0x%08x", m)
	}
	if v := binary.LittleEndian.Uint32(b[4:8]); protocol.ABIMajorOf(v) != protocol.ABIMajor {
		return fmt.Errorf("fence: page: unsupported abi 0x%08x", v)
	}
	return nil
}

// InitPage writes an empty fence page header into b.
func InitPage(b []byte) {
	binary.LittleEndian.PutUint32(b[0:4], protocol.FencePageMagic)
	binary.LittleEndian.PutUint32(b[4:8], protocol.ABIVersion)
	binary.LittleEndian.PutUint64(b[protocol.FencePageCompletedOffset:], 0)
}
