package alloctrack

import (
	"errors"
	"fmt"

	"github.com/launchdarkly/go-jsonstream/v3/jwriter"

	"github.com/tinyrange/pvgpu/internal/protocol"
)

var ErrUnresolved = errors.New("alloctrack: allocation not resolvable")

// Resolver maps an allocation id to its guest physical address and size.
type Resolver func(allocID uint32) (gpa, size uint64, ok bool)

// BuildTable encodes entries as the wire allocation table. Entries that are
// only read are flagged READONLY.
func BuildTable(entries []Entry, resolve Resolver) ([]byte, error) {
	size := protocol.AllocTableHeaderSize + len(entries)*protocol.AllocEntrySize
	out := make([]byte, size)
	hdr := protocol.AllocTableHeader{
		Magic:       protocol.AllocTableMagic,
		ABIVersion:  protocol.ABIVersion,
		SizeBytes:   uint32(size),
		EntryCount:  uint32(len(entries)),
		EntryStride: protocol.AllocEntrySize,
	}
	hdr.Encode(out)

	seen := make(map[uint32]struct{}, len(entries))
	for i, e := range entries {
		if e.AllocID == 0 {
			return nil, fmt.Errorf("alloctrack: entry %d: zero allocation id", i)
		}
		if _, dup := seen[e.AllocID]; dup {
			return nil, fmt.Errorf("alloctrack: entry %d: duplicate allocation %d", i, e.AllocID)
		}
		seen[e.AllocID] = struct{}{}

		gpa, length, ok := resolve(e.AllocID)
		if !ok {
			return nil, fmt.Errorf("%w: %d", ErrUnresolved, e.AllocID)
		}
		ae := protocol.AllocEntry{AllocID: e.AllocID, GPA: gpa, SizeBytes: length}
		if !e.Write {
			ae.Flags |= protocol.AllocFlagReadOnly
		}
		off := protocol.AllocTableHeaderSize + i*protocol.AllocEntrySize
		ae.Encode(out[off : off+protocol.AllocEntrySize])
	}
	return out, nil
}

// ParseTable decodes a wire allocation table.
func ParseTable(b []byte) ([]protocol.AllocEntry, error) {
	hdr, err := protocol.ParseAllocTableHeader(b)
	if err != nil {
		return nil, fmt.Errorf("alloctrack: parse table: %w", err)
	}
	if hdr.Magic != protocol.AllocTableMagic {
		return nil, fmt.Errorf("alloctrack: parse table: bad magic 0x%08x", hdr.Magic)
	}
	if protocol.ABIMajorOf(hdr.ABIVersion) != protocol.ABIMajor {
		return nil, fmt.Errorf("alloctrack: parse table: unsupported abi 0x%08x", hdr.ABIVersion)
	}
	if hdr.EntryStride < protocol.AllocEntrySize {
		return nil, fmt.Errorf("alloctrack: parse table: entry stride %d", hdr.EntryStride)
	}
	need := uint64(protocol.AllocTableHeaderSize) + uint64(hdr.EntryCount)*uint64(hdr.EntryStride)
	if need > uint64(hdr.SizeBytes) || uint64(hdr.SizeBytes) > uint64(len(b)) {
		return nil, fmt.Errorf("alloctrack: parse table: %d entries overrun %d bytes", hdr.EntryCount, len(b))
	}
	out := make([]protocol.AllocEntry, hdr.EntryCount)
	for i := range out {
		off := protocol.AllocTableHeaderSize + i*int(hdr.EntryStride)
		out[i] = protocol.ParseAllocEntry(b[off:])
	}
	return out, nil
}

// DumpJSON renders a decoded table for debugging tools.
func DumpJSON(entries []protocol.AllocEntry) ([]byte, error) {
	w := jwriter.NewWriter()
	obj := w.Object()
	obj.Name("count").Int(len(entries))
	arr := obj.Name("entries").Array()
	for _, e := range entries {
		eo := arr.Object()
		eo.Name("alloc_id").Int(int(e.AllocID))
		eo.Name("gpa").String(fmt.Sprintf("0x%x", e.GPA))
		eo.Name("size").Int(int(e.SizeBytes))
		eo.Name("readonly").Bool(e.ReadOnly())
		eo.End()
	}
	arr.End()
	obj.End()
	if err := w.Error(); err != nil {
		return nil, fmt.Errorf("alloctrack: dump json: %w", err)
	}
	return w.Bytes(), nil
}
