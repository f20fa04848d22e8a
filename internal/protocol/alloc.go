package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Allocation table: the list of guest memory regions a submission touches.
const (
	AllocTableMagic      = 0x434F4C41 // "ALOC"
	AllocTableHeaderSize = 24
	AllocEntrySize       = 32

	AllocFlagReadOnly = 1 << 0
)

type AllocTableHeader struct {
	Magic       uint32
	ABIVersion  uint32
	SizeBytes   uint32
	EntryCount  uint32
	EntryStride uint32
}

func (h *AllocTableHeader) Encode(b []byte) {
	binary.LittleEndian.PutUint32(b[0:4], h.Magic)
	binary.LittleEndian.PutUint32(b[4:8], h.ABIVersion)
	binary.LittleEndian.PutUint32(b[8:12], h.SizeBytes)
	binary.LittleEndian.PutUint32(b[12:16], h.EntryCount)
	binary.LittleEndian.PutUint32(b[16:20], h.EntryStride)
	binary.LittleEndian.PutUint32(b[20:24], 0)
}

func ParseAllocTableHeader(b []byte) (AllocTableHeader, error) {
	if len(b) < AllocTableHeaderSize {
		return AllocTableHeader{}, fmt.Errorf("protocol: alloc table: short header (%d bytes)", len(b))
	}
	return AllocTableHeader{
		Magic:       binary.LittleEndian.Uint32(b[0:4]),
		ABIVersion:  binary.LittleEndian.Uint32(b[4:8]),
		SizeBytes:   binary.LittleEndian.Uint32(b[8:12]),
		EntryCount:  binary.LittleEndian.Uint32(b[12:16]),
		EntryStride: binary.LittleEndian.Uint32(b[16:20]),
	}, nil
}

type AllocEntry struct {
	AllocID   uint32
	Flags     uint32
	GPA       uint64
	SizeBytes uint64
}

func (e *AllocEntry) Encode(b []byte) {
	binary.LittleEndian.PutUint32(b[0:4], e.AllocID)
	binary.LittleEndian.PutUint32(b[4:8], e.Flags)
	binary.LittleEndian.PutUint64(b[8:16], e.GPA)
	binary.LittleEndian.PutUint64(b[16:24], e.SizeBytes)
	binary.LittleEndian.PutUint64(b[24:32], 0)
}

func ParseAllocEntry(b []byte) AllocEntry {
	return AllocEntry{
		AllocID:   binary.LittleEndian.Uint32(b[0:4]),
		Flags:     binary.LittleEndian.Uint32(b[4:8]),
		GPA:       binary.LittleEndian.Uint64(b[8:16]),
		SizeBytes: binary.LittleEndian.Uint64(b[16:24]),
	}
}

// ReadOnly reports whether the host may keep the region write-protected.
func (e AllocEntry) ReadOnly() bool { return e.Flags&AllocFlagReadOnly != 0 }

// Fence page: a guest-visible page the device updates with the last
// completed fence.
const (
	FencePageMagic = 0x434E4546 // "FENC"
	FencePageSize  = 4096

	FencePageCompletedOffset = 8
)

// DMA private data stamped on every submitted chunk so the kernel side can
// tell render and present submissions apart.
const (
	DMAPrivSize = 16

	SubmitRender  = 1
	SubmitPresent = 2
)

type DMAPriv struct {
	Type       uint32
	MetaHandle uint64
}

func (p *DMAPriv) Encode(b []byte) {
	binary.LittleEndian.PutUint32(b[0:4], p.Type)
	binary.LittleEndian.PutUint32(b[4:8], 0)
	binary.LittleEndian.PutUint64(b[8:16], p.MetaHandle)
}

func ParseDMAPriv(b []byte) DMAPriv {
	return DMAPriv{
		Type:       binary.LittleEndian.Uint32(b[0:4]),
		MetaHandle: binary.LittleEndian.Uint64(b[8:16]),
	}
}

// Private allocation metadata. Written by the guest at allocation time and
// preserved by the host allocation layer so a second process opening a
// shared allocation can rebuild the resource.
const (
	AllocPrivMagic = 0x50524C41 // "ALRP"

	AllocPrivVersion1 = 1
	AllocPrivVersion2 = 2

	AllocPrivV1Size = 40
	AllocPrivV2Size = 64

	AllocPrivFlagShared     = 1 << 0
	AllocPrivFlagCPUVisible = 1 << 1
	AllocPrivFlagStaging    = 1 << 2
)

// AllocKind is the resource kind recorded in the metadata blob.
type AllocKind uint32

const (
	AllocKindUnknown   AllocKind = 0
	AllocKindBuffer    AllocKind = 1
	AllocKindTexture2D AllocKind = 2
)

var (
	ErrAllocPrivShort   = errors.New("protocol: alloc metadata: short buffer")
	ErrAllocPrivMagic   = errors.New("protocol: alloc metadata: bad magic")
	ErrAllocPrivVersion = errors.New("protocol: alloc metadata: unsupported version")
)

// AllocPriv is the normalized (version 2) metadata blob.
type AllocPriv struct {
	AllocID    uint32
	Flags      uint32
	ShareToken uint64
	SizeBytes  uint64
	Kind       AllocKind
	Width      uint32
	Height     uint32
	Format     Format
	RowPitch   uint32
}

func (p AllocPriv) Shared() bool { return p.Flags&AllocPrivFlagShared != 0 }

// HasGeometry reports whether the blob carries enough information to
// rebuild the resource without asking the creator.
func (p AllocPriv) HasGeometry() bool {
	switch p.Kind {
	case AllocKindBuffer:
		return p.SizeBytes != 0
	case AllocKindTexture2D:
		return p.Width != 0 && p.Height != 0 && p.Format != FormatInvalid
	}
	return false
}

// EncodeAllocPriv writes the current (version 2) layout.
func EncodeAllocPriv(p AllocPriv) []byte {
	b := make([]byte, AllocPrivV2Size)
	binary.LittleEndian.PutUint32(b[0:4], AllocPrivMagic)
	binary.LittleEndian.PutUint32(b[4:8], AllocPrivVersion2)
	binary.LittleEndian.PutUint32(b[8:12], p.AllocID)
	binary.LittleEndian.PutUint32(b[12:16], p.Flags)
	binary.LittleEndian.PutUint64(b[16:24], p.ShareToken)
	binary.LittleEndian.PutUint64(b[24:32], p.SizeBytes)
	binary.LittleEndian.PutUint32(b[40:44], uint32(p.Kind))
	binary.LittleEndian.PutUint32(b[44:48], p.Width)
	binary.LittleEndian.PutUint32(b[48:52], p.Height)
	binary.LittleEndian.PutUint32(b[52:56], uint32(p.Format))
	binary.LittleEndian.PutUint32(b[56:60], p.RowPitch)
	return b
}

// DecodeAllocPriv is the single place that understands metadata versions.
// Version 1 blobs carry no geometry; they decode with AllocKindUnknown and
// zero width, height, format and pitch.
func DecodeAllocPriv(b []byte) (AllocPriv, error) {
	if len(b) < AllocPrivV1Size {
		return AllocPriv{}, ErrAllocPrivShort
	}
	if binary.LittleEndian.Uint32(b[0:4]) != AllocPrivMagic {
		return AllocPriv{}, ErrAllocPrivMagic
	}
	p := AllocPriv{
		AllocID:    binary.LittleEndian.Uint32(b[8:12]),
		Flags:      binary.LittleEndian.Uint32(b[12:16]),
		ShareToken: binary.LittleEndian.Uint64(b[16:24]),
		SizeBytes:  binary.LittleEndian.Uint64(b[24:32]),
	}
	switch version := binary.LittleEndian.Uint32(b[4:8]); version {
	case AllocPrivVersion1:
		return p, nil
	case AllocPrivVersion2:
		if len(b) < AllocPrivV2Size {
			return AllocPriv{}, ErrAllocPrivShort
		}
		p.Kind = AllocKind(binary.LittleEndian.Uint32(b[40:44]))
		p.Width = binary.LittleEndian.Uint32(b[44:48])
		p.Height = binary.LittleEndian.Uint32(b[48:52])
		p.Format = Format(binary.LittleEndian.Uint32(b[52:56]))
		p.RowPitch = binary.LittleEndian.Uint32(b[56:60])
		return p, nil
	default:
		return AllocPriv{}, fmt.Errorf("%w: %d", ErrAllocPrivVersion, version)
	}
}
