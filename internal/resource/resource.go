// Package resource models buffers and 2D textures on the guest side: their
// geometry, backing allocation identity and CPU mapping state.
package resource

import (
	"errors"
	"fmt"

	"github.com/tinyrange/pvgpu/internal/layout"
	"github.com/tinyrange/pvgpu/internal/protocol"
)

var (
	ErrInvalidDesc   = errors.New("resource: invalid descriptor")
	ErrAlreadyMapped = errors.New("resource: already mapped")
	ErrNotMapped     = errors.New("resource: not mapped")
	ErrNotTexture    = errors.New("resource: not a texture")
)

type Kind uint8

const (
	KindBuffer Kind = iota + 1
	KindTexture2D
)

func (k Kind) String() string {
	switch k {
	case KindBuffer:
		return "buffer"
	case KindTexture2D:
		return "texture2d"
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// CPUAccess describes how the CPU may map a resource.
type CPUAccess uint8

const (
	CPUAccessNone  CPUAccess = 0
	CPUAccessRead  CPUAccess = 1 << 0
	CPUAccessWrite CPUAccess = 1 << 1
)

// Backing identifies the guest memory a resource lives in. AllocID 0 means
// the resource is host-owned: its bytes only reach the host through upload
// packets.
type Backing struct {
	AllocID       uint32
	Offset        uint32
	RuntimeHandle uint32
}

func (b Backing) HostOwned() bool { return b.AllocID == 0 }

type BufferDesc struct {
	SizeBytes   uint64
	Usage       uint32
	CPUAccess   CPUAccess
	Staging     bool
	Shared      bool
	InitialData []byte
}

type TextureDesc struct {
	Format      protocol.Format
	Width       uint32
	Height      uint32
	MipLevels   uint32 // 0 selects the full chain
	ArrayLayers uint32
	Usage       uint32
	CPUAccess   CPUAccess
	Staging     bool
	Shared      bool

	// InitialData holds one entry per subresource in layout order, each
	// tightly packed.
	InitialData [][]byte
}

// Desc is a normalized creation request: exactly one of Buffer and Texture
// is meaningful, selected by Kind.
type Desc struct {
	Kind    Kind
	Buffer  BufferDesc
	Texture TextureDesc
}

// New creates the resource described by d.
func New(handle uint32, d Desc) (*Resource, error) {
	switch d.Kind {
	case KindBuffer:
		return NewBuffer(handle, d.Buffer)
	case KindTexture2D:
		return NewTexture2D(handle, d.Texture)
	}
	return &Resource{Handle: handle}, fmt.Errorf("%w: %s", ErrInvalidDesc, d.Kind)
}

// Resource is a guest-side buffer or texture.
type Resource struct {
	Handle    uint32
	Kind      Kind
	Usage     uint32
	CPUAccess CPUAccess
	Staging   bool

	Backing    Backing
	ShareToken uint64
	Shared     bool // created shareable and exported
	Alias      bool // opened from another process by token

	SizeBytes uint64

	Format       protocol.Format
	Width        uint32
	Height       uint32
	MipLevels    uint32
	ArrayLayers  uint32
	RowPitch     uint32
	Subresources []layout.Subresource

	// Storage mirrors the resource bytes for CPU access. For guest-backed
	// resources it stands in for the mapped allocation.
	Storage []byte

	// LastGPUWriteFence is the fence of the last submission that may have
	// written this resource; 0 means no pending GPU write.
	LastGPUWriteFence uint64

	mapping *Mapping
}

// Mapping is an active CPU map of one subresource.
type Mapping struct {
	Subresource int
	Write       bool
	Offset      uint64
	SizeBytes   uint64
	RowPitch    uint32
}

// Data returns the mapped bytes.
func (r *Resource) Data() []byte {
	if r.mapping == nil {
		return nil
	}
	return r.Storage[r.mapping.Offset : r.mapping.Offset+r.mapping.SizeBytes]
}

// NewBuffer always returns a resource so that a failed creation can still be
// destroyed; err reports descriptor validation.
func NewBuffer(handle uint32, desc BufferDesc) (*Resource, error) {
	r := &Resource{
		Handle:    handle,
		Kind:      KindBuffer,
		Usage:     desc.Usage,
		CPUAccess: desc.CPUAccess,
		Staging:   desc.Staging,
		Shared:    desc.Shared,
		SizeBytes: desc.SizeBytes,
	}
	if desc.SizeBytes == 0 {
		return r, fmt.Errorf("%w: zero sized buffer", ErrInvalidDesc)
	}
	if desc.SizeBytes > 1<<40 {
		return r, fmt.Errorf("%w: buffer of %d bytes", ErrInvalidDesc, desc.SizeBytes)
	}
	if uint64(len(desc.InitialData)) > desc.SizeBytes {
		return r, fmt.Errorf("%w: initial data larger than buffer", ErrInvalidDesc)
	}
	if desc.Shared && desc.Staging {
		return r, fmt.Errorf("%w: staging buffers cannot be shared", ErrInvalidDesc)
	}
	r.Storage = make([]byte, desc.SizeBytes)
	copy(r.Storage, desc.InitialData)
	return r, nil
}

// NewTexture2D always returns a resource; see NewBuffer.
func NewTexture2D(handle uint32, desc TextureDesc) (*Resource, error) {
	r := &Resource{
		Handle:      handle,
		Kind:        KindTexture2D,
		Usage:       desc.Usage,
		CPUAccess:   desc.CPUAccess,
		Staging:     desc.Staging,
		Shared:      desc.Shared,
		Format:      desc.Format,
		Width:       desc.Width,
		Height:      desc.Height,
		MipLevels:   desc.MipLevels,
		ArrayLayers: desc.ArrayLayers,
	}
	if r.MipLevels == 0 {
		r.MipLevels = layout.FullMipLevels(desc.Width, desc.Height)
	}
	if desc.Shared && desc.Staging {
		return r, fmt.Errorf("%w: staging textures cannot be shared", ErrInvalidDesc)
	}
	fl, ok := protocol.LayoutOf(desc.Format)
	if ok && fl.Depth && desc.CPUAccess != CPUAccessNone {
		return r, fmt.Errorf("%w: depth formats are not CPU accessible", ErrInvalidDesc)
	}
	if err := r.Relayout(0); err != nil {
		return r, err
	}
	if len(desc.InitialData) > 0 {
		if len(desc.InitialData) != len(r.Subresources) {
			return r, fmt.Errorf("%w: %d initial data entries for %d subresources",
				ErrInvalidDesc, len(desc.InitialData), len(r.Subresources))
		}
		for i, data := range desc.InitialData {
			if err := r.WriteSubresource(i, data, 0); err != nil {
				return r, err
			}
		}
	}
	return r, nil
}

// Relayout recomputes the subresource layouts for a mip-0 row pitch chosen
// by the backing allocation (0 selects the tight pitch). Offsets computed
// before the call are invalid afterwards. Storage contents are not carried
// over.
func (r *Resource) Relayout(rowPitch uint32) error {
	if r.Kind != KindTexture2D {
		return ErrNotTexture
	}
	subs, total, err := layout.BuildSubresourceLayouts(r.Format, r.Width, r.Height, r.MipLevels, r.ArrayLayers, rowPitch)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidDesc, err)
	}
	r.Subresources = subs
	r.RowPitch = subs[0].RowPitch
	r.SizeBytes = total
	if uint64(len(r.Storage)) != total {
		r.Storage = make([]byte, total)
	}
	return nil
}

// ApplyBacking adopts the identity the host allocation layer returned. A
// texture whose allocation uses a different row pitch is re-laid out.
func (r *Resource) ApplyBacking(priv protocol.AllocPriv, runtimeHandle uint32) error {
	if r.Kind == KindTexture2D && priv.RowPitch != 0 && priv.RowPitch != r.RowPitch {
		if err := r.Relayout(priv.RowPitch); err != nil {
			return err
		}
	}
	if priv.SizeBytes != 0 && priv.SizeBytes < r.SizeBytes {
		return fmt.Errorf("%w: allocation of %d bytes for resource of %d", ErrInvalidDesc, priv.SizeBytes, r.SizeBytes)
	}
	r.Backing = Backing{AllocID: priv.AllocID, RuntimeHandle: runtimeHandle}
	if priv.ShareToken != 0 {
		r.ShareToken = priv.ShareToken
	}
	return nil
}

// AllocPriv returns the metadata blob that describes r.
func (r *Resource) AllocPriv() protocol.AllocPriv {
	p := protocol.AllocPriv{
		AllocID:    r.Backing.AllocID,
		ShareToken: r.ShareToken,
		SizeBytes:  r.SizeBytes,
	}
	if r.Shared {
		p.Flags |= protocol.AllocPrivFlagShared
	}
	if r.CPUAccess != CPUAccessNone {
		p.Flags |= protocol.AllocPrivFlagCPUVisible
	}
	if r.Staging {
		p.Flags |= protocol.AllocPrivFlagStaging
	}
	switch r.Kind {
	case KindBuffer:
		p.Kind = protocol.AllocKindBuffer
	case KindTexture2D:
		p.Kind = protocol.AllocKindTexture2D
		p.Width = r.Width
		p.Height = r.Height
		p.Format = r.Format
		p.RowPitch = r.RowPitch
	}
	return p
}

// FromAllocPriv rebuilds a resource from metadata preserved by the host
// allocation layer. The result is an alias of the exporting resource.
func FromAllocPriv(handle uint32, priv protocol.AllocPriv) (*Resource, error) {
	var (
		r   *Resource
		err error
	)
	switch priv.Kind {
	case protocol.AllocKindBuffer:
		r, err = NewBuffer(handle, BufferDesc{SizeBytes: priv.SizeBytes})
	case protocol.AllocKindTexture2D:
		r, err = NewTexture2D(handle, TextureDesc{
			Format:      priv.Format,
			Width:       priv.Width,
			Height:      priv.Height,
			MipLevels:   1,
			ArrayLayers: 1,
			Usage:       protocol.UsageRenderTarget | protocol.UsageTexture,
		})
		if err == nil && priv.RowPitch != 0 && priv.RowPitch != r.RowPitch {
			err = r.Relayout(priv.RowPitch)
		}
	default:
		return &Resource{Handle: handle}, fmt.Errorf("%w: metadata carries no geometry", ErrInvalidDesc)
	}
	r.Alias = true
	r.ShareToken = priv.ShareToken
	r.Backing.AllocID = priv.AllocID
	if priv.Flags&protocol.AllocPrivFlagCPUVisible != 0 {
		r.CPUAccess = CPUAccessRead | CPUAccessWrite
	}
	return r, err
}

// WriteSubresource copies tightly packed rows (or, with srcPitch != 0, rows
// of srcPitch bytes) into subresource i.
func (r *Resource) WriteSubresource(i int, data []byte, srcPitch uint32) error {
	if r.Kind != KindTexture2D {
		return ErrNotTexture
	}
	if i < 0 || i >= len(r.Subresources) {
		return fmt.Errorf("%w: subresource %d", ErrInvalidDesc, i)
	}
	s := r.Subresources[i]
	tight, err := layout.TightRowPitch(r.Format, s.Width)
	if err != nil {
		return err
	}
	if srcPitch == 0 {
		srcPitch = tight
	}
	if srcPitch < tight {
		return fmt.Errorf("%w: source pitch %d below %d", ErrInvalidDesc, srcPitch, tight)
	}
	need := uint64(srcPitch)*uint64(s.Rows-1) + uint64(tight)
	if uint64(len(data)) < need {
		return fmt.Errorf("%w: %d bytes for subresource needing %d", ErrInvalidDesc, len(data), need)
	}
	for row := uint32(0); row < s.Rows; row++ {
		dst := s.Offset + uint64(row)*uint64(s.RowPitch)
		src := uint64(row) * uint64(srcPitch)
		copy(r.Storage[dst:dst+uint64(tight)], data[src:src+uint64(tight)])
	}
	return nil
}

// Map records a CPU mapping of subresource sub (0 for buffers).
func (r *Resource) Map(sub int, write bool) (Mapping, error) {
	if r.mapping != nil {
		return Mapping{}, ErrAlreadyMapped
	}
	var m Mapping
	switch r.Kind {
	case KindBuffer:
		if sub != 0 {
			return Mapping{}, fmt.Errorf("%w: buffer subresource %d", ErrInvalidDesc, sub)
		}
		m = Mapping{Subresource: 0, Write: write, SizeBytes: r.SizeBytes}
	case KindTexture2D:
		if sub < 0 || sub >= len(r.Subresources) {
			return Mapping{}, fmt.Errorf("%w: subresource %d", ErrInvalidDesc, sub)
		}
		s := r.Subresources[sub]
		m = Mapping{Subresource: sub, Write: write, Offset: s.Offset, SizeBytes: s.SizeBytes, RowPitch: s.RowPitch}
	default:
		return Mapping{}, ErrInvalidDesc
	}
	r.mapping = &m
	return m, nil
}

// Unmap ends the mapping and returns it.
func (r *Resource) Unmap() (Mapping, error) {
	if r.mapping == nil {
		return Mapping{}, ErrNotMapped
	}
	m := *r.mapping
	r.mapping = nil
	return m, nil
}

func (r *Resource) Mapped() bool { return r.mapping != nil }

// Identity is the part of a resource that backbuffer rotation exchanges.
type Identity struct {
	Handle            uint32
	Backing           Backing
	Storage           []byte
	RowPitch          uint32
	SizeBytes         uint64
	Subresources      []layout.Subresource
	LastGPUWriteFence uint64
}

func (r *Resource) Identity() Identity {
	return Identity{
		Handle:            r.Handle,
		Backing:           r.Backing,
		Storage:           r.Storage,
		RowPitch:          r.RowPitch,
		SizeBytes:         r.SizeBytes,
		Subresources:      r.Subresources,
		LastGPUWriteFence: r.LastGPUWriteFence,
	}
}

func (r *Resource) SetIdentity(id Identity) {
	r.Handle = id.Handle
	r.Backing = id.Backing
	r.Storage = id.Storage
	r.RowPitch = id.RowPitch
	r.SizeBytes = id.SizeBytes
	r.Subresources = id.Subresources
	r.LastGPUWriteFence = id.LastGPUWriteFence
}

// SameShape reports whether two resources can exchange identities.
func SameShape(a, b *Resource) bool {
	return a.Kind == b.Kind &&
		a.Format == b.Format &&
		a.Width == b.Width &&
		a.Height == b.Height &&
		a.MipLevels == b.MipLevels &&
		a.ArrayLayers == b.ArrayLayers &&
		a.Usage == b.Usage &&
		a.SizeBytes == b.SizeBytes
}
