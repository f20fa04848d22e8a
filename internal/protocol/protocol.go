// Package protocol defines the wire format shared by the guest command
// encoder and the host device model: the command stream, the allocation
// table, the fence page and the per-allocation private metadata blob.
//
// All multi-byte fields are little-endian.
package protocol

import (
	"encoding/binary"
	"fmt"
)

// ABI version carried in every stream, table and fence page header.
const (
	ABIMajor = 1
	ABIMinor = 0

	ABIVersion = uint32(ABIMajor<<16 | ABIMinor)
)

// ABIMajorOf extracts the major version from a packed abi_version field.
func ABIMajorOf(v uint32) uint32 { return v >> 16 }

// Command stream header.
const (
	StreamMagic      = 0x444D4341 // "ACMD"
	StreamHeaderSize = 24

	// StreamFlagNone is the only flag value currently defined.
	StreamFlagNone = 0
)

// Packet header.
const (
	PacketHeaderSize = 8
	PacketAlign      = 4
)

// StreamHeader prefixes every command stream.
type StreamHeader struct {
	Magic      uint32
	ABIVersion uint32
	SizeBytes  uint32
	Flags      uint32
}

func (h *StreamHeader) Encode(b []byte) {
	binary.LittleEndian.PutUint32(b[0:4], h.Magic)
	binary.LittleEndian.PutUint32(b[4:8], h.ABIVersion)
	binary.LittleEndian.PutUint32(b[8:12], h.SizeBytes)
	binary.LittleEndian.PutUint32(b[12:16], h.Flags)
	binary.LittleEndian.PutUint32(b[16:20], 0)
	binary.LittleEndian.PutUint32(b[20:24], 0)
}

func ParseStreamHeader(b []byte) (StreamHeader, error) {
	if len(b) < StreamHeaderSize {
		return StreamHeader{}, fmt.Errorf("protocol: stream header: short buffer (%d bytes)", len(b))
	}
	return StreamHeader{
		Magic:      binary.LittleEndian.Uint32(b[0:4]),
		ABIVersion: binary.LittleEndian.Uint32(b[4:8]),
		SizeBytes:  binary.LittleEndian.Uint32(b[8:12]),
		Flags:      binary.LittleEndian.Uint32(b[12:16]),
	}, nil
}

// SetStreamSize patches size_bytes in an already written stream header.
func SetStreamSize(b []byte, size uint32) {
	binary.LittleEndian.PutUint32(b[8:12], size)
}

// PacketHeader prefixes every packet. SizeBytes includes the header itself.
type PacketHeader struct {
	Opcode    Opcode
	SizeBytes uint32
}

func PutPacketHeader(b []byte, op Opcode, size uint32) {
	binary.LittleEndian.PutUint32(b[0:4], uint32(op))
	binary.LittleEndian.PutUint32(b[4:8], size)
}

func ParsePacketHeader(b []byte) PacketHeader {
	return PacketHeader{
		Opcode:    Opcode(binary.LittleEndian.Uint32(b[0:4])),
		SizeBytes: binary.LittleEndian.Uint32(b[4:8]),
	}
}

// AlignUp rounds n up to the packet alignment.
func AlignUp(n int) int {
	return (n + PacketAlign - 1) &^ (PacketAlign - 1)
}

// Opcode identifies a packet.
type Opcode uint32

const (
	OpNop         Opcode = 0
	OpDebugMarker Opcode = 1

	// Resources.
	OpCreateBuffer       Opcode = 0x100
	OpCreateTexture2D    Opcode = 0x101
	OpDestroyResource    Opcode = 0x102
	OpResourceDirtyRange Opcode = 0x103
	OpUploadResource     Opcode = 0x104
	OpCopyBuffer         Opcode = 0x105
	OpCopyTexture2D      Opcode = 0x106
	OpCreateTextureView  Opcode = 0x107
	OpDestroyTextureView Opcode = 0x108

	// Shaders and input layouts.
	OpCreateShaderDXBC    Opcode = 0x200
	OpDestroyShader       Opcode = 0x201
	OpBindShaders         Opcode = 0x202
	OpSetShaderConstantsF Opcode = 0x203
	OpCreateInputLayout   Opcode = 0x204
	OpDestroyInputLayout  Opcode = 0x205
	OpSetInputLayout      Opcode = 0x206
	OpSetShaderConstantsI Opcode = 0x207
	OpSetShaderConstantsB Opcode = 0x208

	// Pipeline state.
	OpSetBlendState        Opcode = 0x300
	OpSetDepthStencilState Opcode = 0x301
	OpSetRasterizerState   Opcode = 0x302

	// Render targets and dynamic state.
	OpSetRenderTargets Opcode = 0x400
	OpSetViewport      Opcode = 0x401
	OpSetScissor       Opcode = 0x402

	// Input assembler.
	OpSetVertexBuffers     Opcode = 0x500
	OpSetIndexBuffer       Opcode = 0x501
	OpSetPrimitiveTopology Opcode = 0x502

	// Resource binding.
	OpSetTexture                Opcode = 0x510
	OpSetSamplerState           Opcode = 0x511
	OpSetRenderState            Opcode = 0x512
	OpCreateSampler             Opcode = 0x520
	OpDestroySampler            Opcode = 0x521
	OpSetSamplers               Opcode = 0x522
	OpSetConstantBuffers        Opcode = 0x523
	OpSetShaderResourceBuffers  Opcode = 0x524
	OpSetUnorderedAccessBuffers Opcode = 0x525

	// Drawing.
	OpClear       Opcode = 0x600
	OpDraw        Opcode = 0x601
	OpDrawIndexed Opcode = 0x602
	OpDispatch    Opcode = 0x603

	// Presentation and sharing.
	OpPresent              Opcode = 0x700
	OpPresentEx            Opcode = 0x701
	OpExportSharedSurface  Opcode = 0x710
	OpImportSharedSurface  Opcode = 0x711
	OpReleaseSharedSurface Opcode = 0x712
	OpFlush                Opcode = 0x720
)

var opcodeNames = map[Opcode]string{
	OpNop:                       "NOP",
	OpDebugMarker:               "DEBUG_MARKER",
	OpCreateBuffer:              "CREATE_BUFFER",
	OpCreateTexture2D:           "CREATE_TEXTURE2D",
	OpDestroyResource:           "DESTROY_RESOURCE",
	OpResourceDirtyRange:        "RESOURCE_DIRTY_RANGE",
	OpUploadResource:            "UPLOAD_RESOURCE",
	OpCopyBuffer:                "COPY_BUFFER",
	OpCopyTexture2D:             "COPY_TEXTURE2D",
	OpCreateTextureView:         "CREATE_TEXTURE_VIEW",
	OpDestroyTextureView:        "DESTROY_TEXTURE_VIEW",
	OpCreateShaderDXBC:          "CREATE_SHADER_DXBC",
	OpDestroyShader:             "DESTROY_SHADER",
	OpBindShaders:               "BIND_SHADERS",
	OpSetShaderConstantsF:       "SET_SHADER_CONSTANTS_F",
	OpCreateInputLayout:         "CREATE_INPUT_LAYOUT",
	OpDestroyInputLayout:        "DESTROY_INPUT_LAYOUT",
	OpSetInputLayout:            "SET_INPUT_LAYOUT",
	OpSetShaderConstantsI:       "SET_SHADER_CONSTANTS_I",
	OpSetShaderConstantsB:       "SET_SHADER_CONSTANTS_B",
	OpSetBlendState:             "SET_BLEND_STATE",
	OpSetDepthStencilState:      "SET_DEPTH_STENCIL_STATE",
	OpSetRasterizerState:        "SET_RASTERIZER_STATE",
	OpSetRenderTargets:          "SET_RENDER_TARGETS",
	OpSetViewport:               "SET_VIEWPORT",
	OpSetScissor:                "SET_SCISSOR",
	OpSetVertexBuffers:          "SET_VERTEX_BUFFERS",
	OpSetIndexBuffer:            "SET_INDEX_BUFFER",
	OpSetPrimitiveTopology:      "SET_PRIMITIVE_TOPOLOGY",
	OpSetTexture:                "SET_TEXTURE",
	OpSetSamplerState:           "SET_SAMPLER_STATE",
	OpSetRenderState:            "SET_RENDER_STATE",
	OpCreateSampler:             "CREATE_SAMPLER",
	OpDestroySampler:            "DESTROY_SAMPLER",
	OpSetSamplers:               "SET_SAMPLERS",
	OpSetConstantBuffers:        "SET_CONSTANT_BUFFERS",
	OpSetShaderResourceBuffers:  "SET_SHADER_RESOURCE_BUFFERS",
	OpSetUnorderedAccessBuffers: "SET_UNORDERED_ACCESS_BUFFERS",
	OpClear:                     "CLEAR",
	OpDraw:                      "DRAW",
	OpDrawIndexed:               "DRAW_INDEXED",
	OpDispatch:                  "DISPATCH",
	OpPresent:                   "PRESENT",
	OpPresentEx:                 "PRESENT_EX",
	OpExportSharedSurface:       "EXPORT_SHARED_SURFACE",
	OpImportSharedSurface:       "IMPORT_SHARED_SURFACE",
	OpReleaseSharedSurface:      "RELEASE_SHARED_SURFACE",
	OpFlush:                     "FLUSH",
}

func (op Opcode) String() string {
	if name, ok := opcodeNames[op]; ok {
		return name
	}
	return fmt.Sprintf("OP_0x%x", uint32(op))
}

// Known reports whether op is defined by this ABI version.
func (op Opcode) Known() bool {
	_, ok := opcodeNames[op]
	return ok
}

// Resource usage flags.
const (
	UsageVertexBuffer = 1 << 0
	UsageIndexBuffer  = 1 << 1
	UsageConstant     = 1 << 2
	UsageTexture      = 1 << 3
	UsageRenderTarget = 1 << 4
	UsageDepthStencil = 1 << 5
	UsageScanout      = 1 << 6
	UsageStorage      = 1 << 7
)

// Copy flags.
const (
	CopyFlagNone         = 0
	CopyFlagWritebackDst = 1 << 0
)

// Clear flags.
const (
	ClearColor   = 1 << 0
	ClearDepth   = 1 << 1
	ClearStencil = 1 << 2
)

// Present flags.
const (
	PresentFlagNone  = 0
	PresentFlagVSync = 1 << 0
)

// Primitive topologies.
const (
	TopologyPointList     = 1
	TopologyLineList      = 2
	TopologyLineStrip     = 3
	TopologyTriangleList  = 4
	TopologyTriangleStrip = 5
	TopologyTriangleFan   = 6
)

// Index formats.
const (
	IndexFormatUint16 = 0
	IndexFormatUint32 = 1
)

// ShaderStage selects a programmable pipeline stage.
type ShaderStage uint32

const (
	StageVertex   ShaderStage = 0
	StagePixel    ShaderStage = 1
	StageCompute  ShaderStage = 2
	StageGeometry ShaderStage = 3
	StageHull     ShaderStage = 4
	StageDomain   ShaderStage = 5

	NumStages = 6
)

func (s ShaderStage) String() string {
	switch s {
	case StageVertex:
		return "vs"
	case StagePixel:
		return "ps"
	case StageCompute:
		return "cs"
	case StageGeometry:
		return "gs"
	case StageHull:
		return "hs"
	case StageDomain:
		return "ds"
	default:
		return fmt.Sprintf("stage%d", uint32(s))
	}
}

// Compare functions.
const (
	CompareNever        = 0
	CompareLess         = 1
	CompareEqual        = 2
	CompareLessEqual    = 3
	CompareGreater      = 4
	CompareNotEqual     = 5
	CompareGreaterEqual = 6
	CompareAlways       = 7
)

// Rasterizer modes.
const (
	FillSolid     = 0
	FillWireframe = 1

	CullNone  = 0
	CullFront = 1
	CullBack  = 2

	RasterFlagDepthClipDisable = 1 << 0
)

// Blend factors and operations.
const (
	BlendZero         = 0
	BlendOne          = 1
	BlendSrcAlpha     = 2
	BlendInvSrcAlpha  = 3
	BlendDestAlpha    = 4
	BlendInvDestAlpha = 5
	BlendConstant     = 6
	BlendInvConstant  = 7

	BlendOpAdd         = 0
	BlendOpSubtract    = 1
	BlendOpRevSubtract = 2
	BlendOpMin         = 3
	BlendOpMax         = 4
)

// Sampler filters and address modes.
const (
	FilterNearest = 0
	FilterLinear  = 1

	AddressClamp  = 0
	AddressRepeat = 1
	AddressMirror = 2
)

// Binding table sizes.
const (
	MaxRenderTargets   = 8
	MaxVertexBuffers   = 16
	MaxConstantBuffers = 14
	MaxTextureSlots    = 128
	MaxSamplerSlots    = 16
)
