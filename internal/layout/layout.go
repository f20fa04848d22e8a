// Package layout computes the memory layout of 2D textures: per-subresource
// offsets, row pitches and sizes for linear and block-compressed formats.
package layout

import (
	"errors"
	"fmt"
	"math"
	"math/bits"

	"github.com/tinyrange/pvgpu/internal/protocol"
)

var (
	ErrZeroDimension  = errors.New("layout: zero dimension")
	ErrUnknownFormat  = errors.New("layout: unknown format")
	ErrPitchTooSmall  = errors.New("layout: row pitch below tight pitch")
	ErrOverflow       = errors.New("layout: size overflows")
	ErrOutOfRange     = errors.New("layout: subresource out of range")
	ErrBoxOutOfBounds = errors.New("layout: box outside subresource")
)

// Subresource is one (mip, layer) slice of a texture.
type Subresource struct {
	MipLevel   uint32
	ArrayLayer uint32
	Width      uint32
	Height     uint32
	Offset     uint64
	RowPitch   uint32
	Rows       uint32
	SizeBytes  uint64
}

// End returns the first byte after the subresource.
func (s Subresource) End() uint64 { return s.Offset + s.SizeBytes }

// MipDimension returns max(1, base>>mip).
func MipDimension(base, mip uint32) uint32 {
	if mip >= 32 {
		return 1
	}
	if d := base >> mip; d > 0 {
		return d
	}
	return 1
}

// FullMipLevels returns the length of the complete mip chain for a w x h
// texture.
func FullMipLevels(w, h uint32) uint32 {
	m := max(w, h)
	if m == 0 {
		return 0
	}
	return uint32(bits.Len32(m))
}

func divCeil(a, b uint32) uint32 {
	return uint32((uint64(a) + uint64(b) - 1) / uint64(b))
}

// TightRowPitch returns the minimum row pitch for a width in texels.
func TightRowPitch(format protocol.Format, width uint32) (uint32, error) {
	fl, ok := protocol.LayoutOf(format)
	if !ok {
		return 0, fmt.Errorf("%w: %d", ErrUnknownFormat, uint32(format))
	}
	if width == 0 {
		return 0, ErrZeroDimension
	}
	pitch := uint64(divCeil(width, fl.BlockWidth)) * uint64(fl.BytesPerBlock)
	if pitch > math.MaxUint32 {
		return 0, ErrOverflow
	}
	return uint32(pitch), nil
}

// RowCount returns the number of block rows for a height in texels.
func RowCount(format protocol.Format, height uint32) (uint32, error) {
	fl, ok := protocol.LayoutOf(format)
	if !ok {
		return 0, fmt.Errorf("%w: %d", ErrUnknownFormat, uint32(format))
	}
	if height == 0 {
		return 0, ErrZeroDimension
	}
	return divCeil(height, fl.BlockHeight), nil
}

// BuildSubresourceLayouts packs every subresource of a texture back to back,
// layer-major then mip. mip0RowPitch is the pitch the backing allocation
// uses for mip 0; zero selects the tight pitch. Later mips always use the
// tight pitch.
func BuildSubresourceLayouts(format protocol.Format, width, height, mipLevels, arrayLayers, mip0RowPitch uint32) ([]Subresource, uint64, error) {
	if width == 0 || height == 0 || mipLevels == 0 || arrayLayers == 0 {
		return nil, 0, ErrZeroDimension
	}
	fl, ok := protocol.LayoutOf(format)
	if !ok {
		return nil, 0, fmt.Errorf("%w: %d", ErrUnknownFormat, uint32(format))
	}
	if mipLevels > FullMipLevels(width, height) {
		return nil, 0, fmt.Errorf("%w: %d mips for %dx%d", ErrOutOfRange, mipLevels, width, height)
	}

	count := uint64(mipLevels) * uint64(arrayLayers)
	if count > math.MaxInt32 {
		return nil, 0, ErrOverflow
	}
	out := make([]Subresource, 0, count)

	var offset uint64
	for layer := uint32(0); layer < arrayLayers; layer++ {
		for mip := uint32(0); mip < mipLevels; mip++ {
			w := MipDimension(width, mip)
			h := MipDimension(height, mip)

			tight := uint64(divCeil(w, fl.BlockWidth)) * uint64(fl.BytesPerBlock)
			if tight > math.MaxUint32 {
				return nil, 0, ErrOverflow
			}
			pitch := uint32(tight)
			if mip == 0 && mip0RowPitch != 0 {
				if mip0RowPitch < pitch {
					return nil, 0, fmt.Errorf("%w: %d < %d", ErrPitchTooSmall, mip0RowPitch, pitch)
				}
				pitch = mip0RowPitch
			}
			rows := divCeil(h, fl.BlockHeight)

			size := uint64(pitch) * uint64(rows)
			if size > math.MaxInt64 || offset > math.MaxInt64-size {
				return nil, 0, ErrOverflow
			}
			out = append(out, Subresource{
				MipLevel:   mip,
				ArrayLayer: layer,
				Width:      w,
				Height:     h,
				Offset:     offset,
				RowPitch:   pitch,
				Rows:       rows,
				SizeBytes:  size,
			})
			offset += size
		}
	}
	return out, offset, nil
}

// SubresourceIndex returns the position of (mip, layer) in the slice built
// by BuildSubresourceLayouts.
func SubresourceIndex(mip, layer, mipLevels uint32) int {
	return int(layer)*int(mipLevels) + int(mip)
}

// Lookup returns the layout of (mip, layer).
func Lookup(subs []Subresource, mip, layer, mipLevels uint32) (Subresource, error) {
	if mip >= mipLevels {
		return Subresource{}, fmt.Errorf("%w: mip %d of %d", ErrOutOfRange, mip, mipLevels)
	}
	idx := SubresourceIndex(mip, layer, mipLevels)
	if idx >= len(subs) {
		return Subresource{}, fmt.Errorf("%w: layer %d", ErrOutOfRange, layer)
	}
	return subs[idx], nil
}

// Box is a rectangle inside a subresource, in texels.
type Box struct {
	X, Y, Width, Height uint32
}

// ValidateBox checks that b lies within s and, for block-compressed formats,
// that it is block aligned (edges that reach the subresource edge may be
// partial blocks).
func ValidateBox(format protocol.Format, s Subresource, b Box) error {
	fl, ok := protocol.LayoutOf(format)
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownFormat, uint32(format))
	}
	if b.Width == 0 || b.Height == 0 {
		return ErrZeroDimension
	}
	if uint64(b.X)+uint64(b.Width) > uint64(s.Width) || uint64(b.Y)+uint64(b.Height) > uint64(s.Height) {
		return fmt.Errorf("%w: %+v in %dx%d", ErrBoxOutOfBounds, b, s.Width, s.Height)
	}
	if fl.BlockWidth > 1 || fl.BlockHeight > 1 {
		if b.X%fl.BlockWidth != 0 || b.Y%fl.BlockHeight != 0 {
			return fmt.Errorf("%w: origin not block aligned", ErrBoxOutOfBounds)
		}
		if (b.X+b.Width)%fl.BlockWidth != 0 && b.X+b.Width != s.Width {
			return fmt.Errorf("%w: width not block aligned", ErrBoxOutOfBounds)
		}
		if (b.Y+b.Height)%fl.BlockHeight != 0 && b.Y+b.Height != s.Height {
			return fmt.Errorf("%w: height not block aligned", ErrBoxOutOfBounds)
		}
	}
	return nil
}

// BoxByteRange returns the byte range of the rows b covers within s,
// relative to the start of the resource.
func BoxByteRange(format protocol.Format, s Subresource, b Box) (offset, size uint64, err error) {
	if err := ValidateBox(format, s, b); err != nil {
		return 0, 0, err
	}
	fl, _ := protocol.LayoutOf(format)
	firstRow := b.Y / fl.BlockHeight
	lastRow := divCeil(b.Y+b.Height, fl.BlockHeight)
	offset = s.Offset + uint64(firstRow)*uint64(s.RowPitch)
	size   = uint64(lastRow-firstRow) * uint64(s.RowPitch)
	return offset, size, nil
}
