// Package descriptor normalizes the descriptor shapes different runtime
// revisions hand the driver into resource.Desc. Nothing past this package
// sees a versioned descriptor.
package descriptor

import (
	"errors"
	"fmt"

	"github.com/gogpu/gputypes"

	"github.com/tinyrange/pvgpu/internal/protocol"
	"github.com/tinyrange/pvgpu/internal/resource"
)

var ErrUnsupportedDescriptor = errors.New("descriptor: unsupported descriptor")

// Bind flags as carried by the legacy and v2 descriptor shapes.
const (
	BindVertexBuffer    = 0x1
	BindIndexBuffer     = 0x2
	BindConstantBuffer  = 0x4
	BindShaderResource  = 0x8
	BindRenderTarget    = 0x20
	BindDepthStencil    = 0x40
	BindUnorderedAccess = 0x80
)

// CPU access and misc flags of the v2 shapes.
const (
	CPUAccessWrite = 0x10000
	CPUAccessRead  = 0x20000

	MiscShared = 0x2
)

// Usage values of the v2 shapes.
const (
	UsageDefault   = 0
	UsageImmutable = 1
	UsageDynamic   = 2
	UsageStaging   = 3
)

type LegacyBufferDesc struct {
	ByteWidth uint32
	BindFlags uint32
}

type BufferDescV2 struct {
	ByteWidth      uint32
	Usage          uint32
	BindFlags      uint32
	CPUAccessFlags uint32
	MiscFlags      uint32
}

type LegacyTexture2DDesc struct {
	Width     uint32
	Height    uint32
	MipLevels uint32
	Format    protocol.Format
	BindFlags uint32
}

type SampleDesc struct {
	Count   uint32
	Quality uint32
}

type Texture2DDescV2 struct {
	Width          uint32
	Height         uint32
	MipLevels      uint32
	ArraySize      uint32
	Format         protocol.Format
	Sample         SampleDesc
	Usage          uint32
	BindFlags      uint32
	CPUAccessFlags uint32
	MiscFlags      uint32
}

// PortableBufferDesc is the WebGPU-style buffer shape.
type PortableBufferDesc struct {
	Size   uint64
	Usage  gputypes.BufferUsage
	Shared bool
}

// PortableTextureDesc is the WebGPU-style texture shape.
type PortableTextureDesc struct {
	Size          gputypes.Extent3D
	MipLevelCount uint32
	Dimension     gputypes.TextureDimension
	Format        gputypes.TextureFormat
	Usage         gputypes.TextureUsage
	Shared        bool
}

// Normalize converts any supported descriptor shape, by value or pointer.
func Normalize(d any) (resource.Desc, error) {
	switch v := d.(type) {
	case LegacyBufferDesc:
		return legacyBuffer(v), nil
	case *LegacyBufferDesc:
		return legacyBuffer(*v), nil
	case BufferDescV2:
		return bufferV2(v)
	case *BufferDescV2:
		return bufferV2(*v)
	case LegacyTexture2DDesc:
		return legacyTexture(v), nil
	case *LegacyTexture2DDesc:
		return legacyTexture(*v), nil
	case Texture2DDescV2:
		return textureV2(v)
	case *Texture2DDescV2:
		return textureV2(*v)
	case PortableBufferDesc:
		return portableBuffer(v), nil
	case *PortableBufferDesc:
		return portableBuffer(*v), nil
	case PortableTextureDesc:
		return portableTexture(v)
	case *PortableTextureDesc:
		return portableTexture(*v)
	}
	return resource.Desc{}, fmt.Errorf("%w: %T", ErrUnsupportedDescriptor, d)
}

func usageFromBind(bind uint32) uint32 {
	var u uint32
	if bind&BindVertexBuffer != 0 {
		u |= protocol.UsageVertexBuffer
	}
	if bind&BindIndexBuffer != 0 {
		u |= protocol.UsageIndexBuffer
	}
	if bind&BindConstantBuffer != 0 {
		u |= protocol.UsageConstant
	}
	if bind&BindShaderResource != 0 {
		u |= protocol.UsageTexture
	}
	if bind&BindRenderTarget != 0 {
		u |= protocol.UsageRenderTarget
	}
	if bind&BindDepthStencil != 0 {
		u |= protocol.UsageDepthStencil
	}
	if bind&BindUnorderedAccess != 0 {
		u |= protocol.UsageStorage
	}
	return u
}

func cpuAccess(flags uint32) resource.CPUAccess {
	var a resource.CPUAccess
	if flags&CPUAccessRead != 0 {
		a |= resource.CPUAccessRead
	}
	if flags&CPUAccessWrite != 0 {
		a |= resource.CPUAccessWrite
	}
	return a
}

func legacyBuffer(v LegacyBufferDesc) resource.Desc {
	return resource.Desc{
		Kind: resource.KindBuffer,
		Buffer: resource.BufferDesc{
			SizeBytes: uint64(v.ByteWidth),
			Usage:     usageFromBind(v.BindFlags),
		},
	}
}

func bufferV2(v BufferDescV2) (resource.Desc, error) {
	if v.Usage > UsageStaging {
		return resource.Desc{}, fmt.Errorf("%w: buffer usage %d", ErrUnsupportedDescriptor, v.Usage)
	}
	d := legacyBuffer(LegacyBufferDesc{ByteWidth: v.ByteWidth, BindFlags: v.BindFlags})
	d.Buffer.CPUAccess = cpuAccess(v.CPUAccessFlags)
	d.Buffer.Staging = v.Usage == UsageStaging
	d.Buffer.Shared = v.MiscFlags&MiscShared != 0
	return d, nil
}

func legacyTexture(v LegacyTexture2DDesc) resource.Desc {
	return resource.Desc{
		Kind: resource.KindTexture2D,
		Texture: resource.TextureDesc{
			Format:      v.Format,
			Width:       v.Width,
			Height:      v.Height,
			MipLevels:   v.MipLevels,
			ArrayLayers: 1,
			Usage:       usageFromBind(v.BindFlags),
		},
	}
}

func textureV2(v Texture2DDescV2) (resource.Desc, error) {
	if v.Sample.Count > 1 {
		return resource.Desc{}, fmt.Errorf("%w: %d samples", ErrUnsupportedDescriptor, v.Sample.Count)
	}
	if v.Usage > UsageStaging {
		return resource.Desc{}, fmt.Errorf("%w: texture usage %d", ErrUnsupportedDescriptor, v.Usage)
	}
	d := legacyTexture(LegacyTexture2DDesc{
		Width:     v.Width,
		Height:    v.Height,
		MipLevels: v.MipLevels,
		Format:    v.Format,
		BindFlags: v.BindFlags,
	})
	d.Texture.ArrayLayers = max(v.ArraySize, 1)
	d.Texture.CPUAccess = cpuAccess(v.CPUAccessFlags)
	d.Texture.Staging = v.Usage == UsageStaging
	d.Texture.Shared = v.MiscFlags&MiscShared != 0
	return d, nil
}

func portableBuffer(v PortableBufferDesc) resource.Desc {
	var (
		u      uint32
		access resource.CPUAccess
	)
	if v.Usage&gputypes.BufferUsageVertex != 0 {
		u |= protocol.UsageVertexBuffer
	}
	if v.Usage&gputypes.BufferUsageUniform != 0 {
		u |= protocol.UsageConstant
	}
	if v.Usage&gputypes.BufferUsageStorage != 0 {
		u |= protocol.UsageStorage
	}
	if v.Usage&gputypes.BufferUsageMapRead != 0 {
		access |= resource.CPUAccessRead
	}
	if v.Usage&gputypes.BufferUsageMapWrite != 0 {
		access |= resource.CPUAccessWrite
	}
	return resource.Desc{
		Kind: resource.KindBuffer,
		Buffer: resource.BufferDesc{
			SizeBytes: v.Size,
			Usage:     u,
			CPUAccess: access,
			// A mappable buffer with no GPU usage is a staging buffer.
			Staging: access != 0 && u == 0,
			Shared:  v.Shared,
		},
	}
}

var portableFormats = map[gputypes.TextureFormat]protocol.Format{
	gputypes.TextureFormatRGBA8Unorm:          protocol.FormatR8G8B8A8Unorm,
	gputypes.TextureFormatBGRA8Unorm:          protocol.FormatB8G8R8A8Unorm,
	gputypes.TextureFormatR8Unorm:             protocol.FormatR8Unorm,
	gputypes.TextureFormatDepth24PlusStencil8: protocol.FormatD24UnormS8Uint,
}

// PortableFormat maps a portable texture format onto the wire format set.
func PortableFormat(f gputypes.TextureFormat) (protocol.Format, bool) {
	pf, ok := portableFormats[f]
	return pf, ok
}

func portableTexture(v PortableTextureDesc) (resource.Desc, error) {
	if v.Dimension != gputypes.TextureDimension2D {
		return resource.Desc{}, fmt.Errorf("%w: texture dimension %v", ErrUnsupportedDescriptor, v.Dimension)
	}
	format, ok := PortableFormat(v.Format)
	if !ok {
		return resource.Desc{}, fmt.Errorf("%w: texture format %v", ErrUnsupportedDescriptor, v.Format)
	}
	fl, _ := protocol.LayoutOf(format)

	var u uint32
	if v.Usage&gputypes.TextureUsageTextureBinding != 0 {
		u |= protocol.UsageTexture
	}
	if v.Usage&gputypes.TextureUsageRenderAttachment != 0 {
		if fl.Depth {
			u |= protocol.UsageDepthStencil
		} else {
			u |= protocol.UsageRenderTarget
		}
	}
	return resource.Desc{
		Kind: resource.KindTexture2D,
		Texture: resource.TextureDesc{
			Format:      format,
			Width:       v.Size.Width,
			Height:      v.Size.Height,
			MipLevels:   v.MipLevelCount,
			ArrayLayers: max(v.Size.DepthOrArrayLayers, 1),
			Usage:       u,
			Shared:      v.Shared,
		},
	}, nil
}
