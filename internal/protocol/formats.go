package protocol

import "fmt"

// Format is a texture or view format.
type Format uint32

const (
	FormatInvalid Format = 0

	FormatB8G8R8A8Unorm     Format = 1
	FormatB8G8R8X8Unorm     Format = 2
	FormatR8G8B8A8Unorm     Format = 3
	FormatR8G8B8X8Unorm     Format = 4
	FormatB5G6R5Unorm       Format = 5
	FormatB5G5R5A1Unorm     Format = 6
	FormatB8G8R8A8UnormSRGB Format = 7
	FormatB8G8R8X8UnormSRGB Format = 8
	FormatR8G8B8A8UnormSRGB Format = 9
	FormatR8G8B8X8UnormSRGB Format = 10
	FormatR8Unorm           Format = 11

	FormatD24UnormS8Uint Format = 32
	FormatD32Float       Format = 33

	FormatBC1RGBAUnorm     Format = 64
	FormatBC1RGBAUnormSRGB Format = 65
	FormatBC2RGBAUnorm     Format = 66
	FormatBC2RGBAUnormSRGB Format = 67
	FormatBC3RGBAUnorm     Format = 68
	FormatBC3RGBAUnormSRGB Format = 69
	FormatBC7RGBAUnorm     Format = 70
	FormatBC7RGBAUnormSRGB Format = 71
)

// FormatLayout describes how a format packs texels into memory.
type FormatLayout struct {
	BlockWidth    uint32
	BlockHeight   uint32
	BytesPerBlock uint32
	Depth         bool
	SRGB          bool
	Compressed    bool
	Name          string
}

var formatLayouts = map[Format]FormatLayout{
	FormatB8G8R8A8Unorm:     {1, 1, 4, false, false, false, "B8G8R8A8_UNORM"},
	FormatB8G8R8X8Unorm:     {1, 1, 4, false, false, false, "B8G8R8X8_UNORM"},
	FormatR8G8B8A8Unorm:     {1, 1, 4, false, false, false, "R8G8B8A8_UNORM"},
	FormatR8G8B8X8Unorm:     {1, 1, 4, false, false, false, "R8G8B8X8_UNORM"},
	FormatB5G6R5Unorm:       {1, 1, 2, false, false, false, "B5G6R5_UNORM"},
	FormatB5G5R5A1Unorm:     {1, 1, 2, false, false, false, "B5G5R5A1_UNORM"},
	FormatB8G8R8A8UnormSRGB: {1, 1, 4, false, true, false, "B8G8R8A8_UNORM_SRGB"},
	FormatB8G8R8X8UnormSRGB: {1, 1, 4, false, true, false, "B8G8R8X8_UNORM_SRGB"},
	FormatR8G8B8A8UnormSRGB: {1, 1, 4, false, true, false, "R8G8B8A8_UNORM_SRGB"},
	FormatR8G8B8X8UnormSRGB: {1, 1, 4, false, true, false, "R8G8B8X8_UNORM_SRGB"},
	FormatR8Unorm:           {1, 1, 1, false, false, false, "R8_UNORM"},

	FormatD24UnormS8Uint: {1, 1, 4, true, false, false, "D24_UNORM_S8_UINT"},
	FormatD32Float:       {1, 1, 4, true, false, false, "D32_FLOAT"},

	FormatBC1RGBAUnorm:     {4, 4, 8, false, false, true, "BC1_RGBA_UNORM"},
	FormatBC1RGBAUnormSRGB: {4, 4, 8, false, true, true, "BC1_RGBA_UNORM_SRGB"},
	FormatBC2RGBAUnorm:     {4, 4, 16, false, false, true, "BC2_RGBA_UNORM"},
	FormatBC2RGBAUnormSRGB: {4, 4, 16, false, true, true, "BC2_RGBA_UNORM_SRGB"},
	FormatBC3RGBAUnorm:     {4, 4, 16, false, false, true, "BC3_RGBA_UNORM"},
	FormatBC3RGBAUnormSRGB: {4, 4, 16, false, true, true, "BC3_RGBA_UNORM_SRGB"},
	FormatBC7RGBAUnorm:     {4, 4, 16, false, false, true, "BC7_RGBA_UNORM"},
	FormatBC7RGBAUnormSRGB: {4, 4, 16, false, true, true, "BC7_RGBA_UNORM_SRGB"},
}

// LayoutOf returns the packing of f. ok is false for unknown formats.
func LayoutOf(f Format) (FormatLayout, bool) {
	l, ok := formatLayouts[f]
	return l, ok
}

func (f Format) String() string {
	if l, ok := formatLayouts[f]; ok {
		return l.Name
	}
	return fmt.Sprintf("FORMAT_%d", uint32(f))
}

// ViewCompatible reports whether a view of format view may be created over a
// texture of format base. Only SRGB/linear reinterpretation of the same
// layout is allowed.
func ViewCompatible(base, view Format) bool {
	if base == view {
		return true
	}
	a, ok1 := formatLayouts[base]
	b, ok2 := formatLayouts[view]
	if !ok1 || !ok2 {
		return false
	}
	if a.Depth || b.Depth {
		return false
	}
	return a.BlockWidth == b.BlockWidth &&
		a.BlockHeight == b.BlockHeight &&
		a.BytesPerBlock == b.BytesPerBlock &&
		a.Compressed == b.Compressed &&
		linearOf(base) == linearOf(view)
}

func linearOf(f Format) Format {
	switch f {
	case FormatB8G8R8A8UnormSRGB:
		return FormatB8G8R8A8Unorm
	case FormatB8G8R8X8UnormSRGB:
		return FormatB8G8R8X8Unorm
	case FormatR8G8B8A8UnormSRGB:
		return FormatR8G8B8A8Unorm
	case FormatR8G8B8X8UnormSRGB:
		return FormatR8G8B8X8Unorm
	case FormatBC1RGBAUnormSRGB:
		return FormatBC1RGBAUnorm
	case FormatBC2RGBAUnormSRGB:
		return FormatBC2RGBAUnorm
	case FormatBC3RGBAUnormSRGB:
		return FormatBC3RGBAUnorm
	case FormatBC7RGBAUnormSRGB:
		return FormatBC7RGBAUnorm
	}
	return f
}
