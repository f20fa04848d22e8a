package protocol

import (
	"encoding/binary"
	"fmt"
	"math"
)

// Packet is a fixed-size command. Encode writes the full packet, header
// included, into b, which is at least Size() bytes long and zeroed.
type Packet interface {
	Opcode() Opcode
	Size() int
	Encode(b []byte)
}

// PayloadPacket is a command followed by a variable-length payload padded to
// PacketAlign. WithPayloadLen returns a copy whose length or count field
// describes a payload of n bytes.
type PayloadPacket interface {
	Packet
	WithPayloadLen(n uint32) PayloadPacket
}

// Payload carries a payload packet and its data as one Packet.
type Payload struct {
	Packet PayloadPacket
	Data   []byte
}

func (p Payload) sized() PayloadPacket { return p.Packet.WithPayloadLen(uint32(len(p.Data))) }

func (p Payload) Opcode() Opcode { return p.Packet.Opcode() }
func (p Payload) Size() int      { return p.sized().Size() + AlignUp(len(p.Data)) }
func (p Payload) Encode(b []byte) {
	pkt := p.sized()
	fixed := pkt.Size()
	pkt.Encode(b[:fixed])
	copy(b[fixed:], p.Data)
	PutPacketHeader(b, pkt.Opcode(), uint32(fixed+AlignUp(len(p.Data))))
}

// Fixed packet sizes, header included.
const (
	NopSize                  = 8
	DebugMarkerSize          = 16
	CreateBufferSize         = 40
	CreateTexture2DSize      = 56
	DestroyResourceSize      = 16
	ResourceDirtyRangeSize   = 32
	UploadResourceSize       = 32
	CopyBufferSize           = 48
	CopyTexture2DSize        = 64
	CreateTextureViewSize    = 44
	DestroyTextureViewSize   = 16
	CreateShaderDXBCSize     = 24
	DestroyShaderSize        = 16
	BindShadersSize          = 24
	BindShadersExSize        = 36
	SetShaderConstantsSize   = 24
	CreateInputLayoutSize    = 20
	DestroyInputLayoutSize   = 16
	SetInputLayoutSize       = 16
	SetBlendStateSize        = 60
	SetDepthStencilStateSize = 28
	SetRasterizerStateSize   = 32
	SetRenderTargetsSize     = 48
	SetViewportSize          = 32
	SetScissorSize           = 24
	SetVertexBuffersSize     = 16
	VertexBufferBindingSize  = 16
	SetIndexBufferSize       = 24
	SetTopologySize          = 16
	SetTextureSize           = 24
	SetSamplerStateSize      = 24
	SetRenderStateSize       = 16
	CreateSamplerSize        = 28
	DestroySamplerSize       = 16
	SetSamplersSize          = 24
	SetBufferBindingsSize    = 24
	BufferBindingSize        = 16
	ClearSize                = 36
	DrawSize                 = 24
	DrawIndexedSize          = 28
	DispatchSize             = 24
	PresentSize              = 16
	PresentExSize            = 24
	SharedSurfaceSize        = 24
	ReleaseSharedSurfaceSize = 24
	FlushSize                = 16
)

func put32(b []byte, off int, v uint32) { binary.LittleEndian.PutUint32(b[off:off+4], v) }
func put64(b []byte, off int, v uint64) { binary.LittleEndian.PutUint64(b[off:off+8], v) }
func putF(b []byte, off int, v float32) { put32(b, off, math.Float32bits(v)) }
func get32(b []byte, off int) uint32    { return binary.LittleEndian.Uint32(b[off : off+4]) }
func get64(b []byte, off int) uint64    { return binary.LittleEndian.Uint64(b[off : off+8]) }
func getF(b []byte, off int) float32    { return math.Float32frombits(get32(b, off)) }

type Nop struct{}

func (Nop) Opcode() Opcode  { return OpNop }
func (Nop) Size() int       { return NopSize }
func (Nop) Encode(b []byte) { PutPacketHeader(b, OpNop, NopSize) }

// DebugMarker carries a UTF-8 label in its payload.
type DebugMarker struct {
	Length uint32
}

func (DebugMarker) Opcode() Opcode { return OpDebugMarker }
func (DebugMarker) Size() int      { return DebugMarkerSize }
func (p DebugMarker) Encode(b []byte) {
	PutPacketHeader(b, OpDebugMarker, DebugMarkerSize)
	put32(b, 8, p.Length)
}
func (p DebugMarker) WithPayloadLen(n uint32) PayloadPacket { p.Length = n; return p }

type CreateBuffer struct {
	Handle         uint32
	Usage          uint32
	SizeBytes      uint64
	BackingAllocID uint32
	BackingOffset  uint32
}

func (CreateBuffer) Opcode() Opcode { return OpCreateBuffer }
func (CreateBuffer) Size() int      { return CreateBufferSize }
func (p CreateBuffer) Encode(b []byte) {
	PutPacketHeader(b, OpCreateBuffer, CreateBufferSize)
	put32(b, 8, p.Handle)
	put32(b, 12, p.Usage)
	put64(b, 16, p.SizeBytes)
	put32(b, 24, p.BackingAllocID)
	put32(b, 28, p.BackingOffset)
}

type CreateTexture2D struct {
	Handle         uint32
	Usage          uint32
	Format         Format
	Width          uint32
	Height         uint32
	MipLevels      uint32
	ArrayLayers    uint32
	RowPitch       uint32
	BackingAllocID uint32
	BackingOffset  uint32
}

func (CreateTexture2D) Opcode() Opcode { return OpCreateTexture2D }
func (CreateTexture2D) Size() int      { return CreateTexture2DSize }
func (p CreateTexture2D) Encode(b []byte) {
	PutPacketHeader(b, OpCreateTexture2D, CreateTexture2DSize)
	put32(b, 8, p.Handle)
	put32(b, 12, p.Usage)
	put32(b, 16, uint32(p.Format))
	put32(b, 20, p.Width)
	put32(b, 24, p.Height)
	put32(b, 28, p.MipLevels)
	put32(b, 32, p.ArrayLayers)
	put32(b, 36, p.RowPitch)
	put32(b, 40, p.BackingAllocID)
	put32(b, 44, p.BackingOffset)
}

// DestroyResource releases a buffer or texture on the host.
type DestroyResource struct {
	Handle uint32
}

func (DestroyResource) Opcode() Opcode { return OpDestroyResource }
func (DestroyResource) Size() int      { return DestroyResourceSize }
func (p DestroyResource) Encode(b []byte) {
	PutPacketHeader(b, OpDestroyResource, DestroyResourceSize)
	put32(b, 8, p.Handle)
}

// ResourceDirtyRange tells the host that guest memory backing a resource
// changed and must be re-read before the next use.
type ResourceDirtyRange struct {
	Handle    uint32
	Offset    uint64
	SizeBytes uint64
}

func (ResourceDirtyRange) Opcode() Opcode { return OpResourceDirtyRange }
func (ResourceDirtyRange) Size() int      { return ResourceDirtyRangeSize }
func (p ResourceDirtyRange) Encode(b []byte) {
	PutPacketHeader(b, OpResourceDirtyRange, ResourceDirtyRangeSize)
	put32(b, 8, p.Handle)
	put64(b, 16, p.Offset)
	put64(b, 24, p.SizeBytes)
}

// UploadResource carries resource bytes inline. Used for host-owned
// resources, which have no guest backing.
type UploadResource struct {
	Handle    uint32
	Offset    uint64
	SizeBytes uint64
}

func (UploadResource) Opcode() Opcode { return OpUploadResource }
func (UploadResource) Size() int      { return UploadResourceSize }
func (p UploadResource) Encode(b []byte) {
	PutPacketHeader(b, OpUploadResource, UploadResourceSize)
	put32(b, 8, p.Handle)
	put64(b, 16, p.Offset)
	put64(b, 24, p.SizeBytes)
}
func (p UploadResource) WithPayloadLen(n uint32) PayloadPacket { p.SizeBytes = uint64(n); return p }

type CopyBuffer struct {
	Dst       uint32
	Src       uint32
	DstOffset uint64
	SrcOffset uint64
	SizeBytes uint64
	Flags     uint32
}

func (CopyBuffer) Opcode() Opcode { return OpCopyBuffer }
func (CopyBuffer) Size() int      { return CopyBufferSize }
func (p CopyBuffer) Encode(b []byte) {
	PutPacketHeader(b, OpCopyBuffer, CopyBufferSize)
	put32(b, 8, p.Dst)
	put32(b, 12, p.Src)
	put64(b, 16, p.DstOffset)
	put64(b, 24, p.SrcOffset)
	put64(b, 32, p.SizeBytes)
	put32(b, 40, p.Flags)
}

type CopyTexture2D struct {
	Dst      uint32
	Src      uint32
	DstMip   uint32
	DstLayer uint32
	SrcMip   uint32
	SrcLayer uint32
	DstX     uint32
	DstY     uint32
	SrcX     uint32
	SrcY     uint32
	Width    uint32
	Height   uint32
	Flags    uint32
}

func (CopyTexture2D) Opcode() Opcode { return OpCopyTexture2D }
func (CopyTexture2D) Size() int      { return CopyTexture2DSize }
func (p CopyTexture2D) Encode(b []byte) {
	PutPacketHeader(b, OpCopyTexture2D, CopyTexture2DSize)
	for i, v := range []uint32{
		p.Dst, p.Src, p.DstMip, p.DstLayer, p.SrcMip, p.SrcLayer,
		p.DstX, p.DstY, p.SrcX, p.SrcY, p.Width, p.Height, p.Flags,
	} {
		put32(b, 8+4*i, v)
	}
}

type CreateTextureView struct {
	View       uint32
	Texture    uint32
	Format     Format
	BaseMip    uint32
	MipCount   uint32
	BaseLayer  uint32
	LayerCount uint32
}

func (CreateTextureView) Opcode() Opcode { return OpCreateTextureView }
func (CreateTextureView) Size() int      { return CreateTextureViewSize }
func (p CreateTextureView) Encode(b []byte) {
	PutPacketHeader(b, OpCreateTextureView, CreateTextureViewSize)
	put32(b, 8, p.View)
	put32(b, 12, p.Texture)
	put32(b, 16, uint32(p.Format))
	put32(b, 20, p.BaseMip)
	put32(b, 24, p.MipCount)
	put32(b, 28, p.BaseLayer)
	put32(b, 32, p.LayerCount)
}

type DestroyTextureView struct {
	View uint32
}

func (DestroyTextureView) Opcode() Opcode { return OpDestroyTextureView }
func (DestroyTextureView) Size() int      { return DestroyTextureViewSize }
func (p DestroyTextureView) Encode(b []byte) {
	PutPacketHeader(b, OpDestroyTextureView, DestroyTextureViewSize)
	put32(b, 8, p.View)
}

type CreateShaderDXBC struct {
	Handle   uint32
	Stage    ShaderStage
	DXBCSize uint32
}

func (CreateShaderDXBC) Opcode() Opcode { return OpCreateShaderDXBC }
func (CreateShaderDXBC) Size() int      { return CreateShaderDXBCSize }
func (p CreateShaderDXBC) Encode(b []byte) {
	PutPacketHeader(b, OpCreateShaderDXBC, CreateShaderDXBCSize)
	put32(b, 8, p.Handle)
	put32(b, 12, uint32(p.Stage))
	put32(b, 16, p.DXBCSize)
}
func (p CreateShaderDXBC) WithPayloadLen(n uint32) PayloadPacket { p.DXBCSize = n; return p }

type DestroyShader struct {
	Handle uint32
}

func (DestroyShader) Opcode() Opcode { return OpDestroyShader }
func (DestroyShader) Size() int      { return DestroyShaderSize }
func (p DestroyShader) Encode(b []byte) {
	PutPacketHeader(b, OpDestroyShader, DestroyShaderSize)
	put32(b, 8, p.Handle)
}

// BindShaders binds the shader set. The packet grows to the extended form
// only when a geometry, hull or domain shader is bound, so hosts that only
// know the base form keep working for VS/PS/CS pipelines.
type BindShaders struct {
	VS, PS, CS uint32
	GS, HS, DS uint32
}

func (BindShaders) Opcode() Opcode { return OpBindShaders }

func (p BindShaders) Extended() bool { return p.GS != 0 || p.HS != 0 || p.DS != 0 }

func (p BindShaders) Size() int {
	if p.Extended() {
		return BindShadersExSize
	}
	return BindShadersSize
}

func (p BindShaders) Encode(b []byte) {
	PutPacketHeader(b, OpBindShaders, uint32(p.Size()))
	put32(b, 8, p.VS)
	put32(b, 12, p.PS)
	put32(b, 16, p.CS)
	if p.Extended() {
		put32(b, 24, p.GS)
		put32(b, 28, p.HS)
		put32(b, 32, p.DS)
	}
}

// SetShaderConstants uploads float4, int4 or bool constant registers.
type SetShaderConstants struct {
	Op    Opcode // OpSetShaderConstantsF, I or B
	Stage ShaderStage
	Start uint32
	Count uint32
}

// RegisterSize is the payload bytes per constant register.
func (p SetShaderConstants) RegisterSize() uint32 {
	if p.Op == OpSetShaderConstantsB {
		return 4
	}
	return 16
}

func (p SetShaderConstants) Opcode() Opcode { return p.Op }
func (SetShaderConstants) Size() int        { return SetShaderConstantsSize }
func (p SetShaderConstants) Encode(b []byte) {
	PutPacketHeader(b, p.Op, SetShaderConstantsSize)
	put32(b, 8, uint32(p.Stage))
	put32(b, 12, p.Start)
	put32(b, 16, p.Count)
}
func (p SetShaderConstants) WithPayloadLen(n uint32) PayloadPacket {
	p.Count = n / p.RegisterSize()
	return p
}

type CreateInputLayout struct {
	Handle   uint32
	BlobSize uint32
}

func (CreateInputLayout) Opcode() Opcode { return OpCreateInputLayout }
func (CreateInputLayout) Size() int      { return CreateInputLayoutSize }
func (p CreateInputLayout) Encode(b []byte) {
	PutPacketHeader(b, OpCreateInputLayout, CreateInputLayoutSize)
	put32(b, 8, p.Handle)
	put32(b, 12, p.BlobSize)
}
func (p CreateInputLayout) WithPayloadLen(n uint32) PayloadPacket { p.BlobSize = n; return p }

type DestroyInputLayout struct {
	Handle uint32
}

func (DestroyInputLayout) Opcode() Opcode { return OpDestroyInputLayout }
func (DestroyInputLayout) Size() int      { return DestroyInputLayoutSize }
func (p DestroyInputLayout) Encode(b []byte) {
	PutPacketHeader(b, OpDestroyInputLayout, DestroyInputLayoutSize)
	put32(b, 8, p.Handle)
}

type SetInputLayout struct {
	Handle uint32
}

func (SetInputLayout) Opcode() Opcode { return OpSetInputLayout }
func (SetInputLayout) Size() int      { return SetInputLayoutSize }
func (p SetInputLayout) Encode(b []byte) {
	PutPacketHeader(b, OpSetInputLayout, SetInputLayoutSize)
	put32(b, 8, p.Handle)
}

// BlendState is the per-device blend configuration.
type BlendState struct {
	Enable     bool
	Src        uint32
	Dst        uint32
	Op         uint32
	WriteMask  uint8
	SrcAlpha   uint32
	DstAlpha   uint32
	OpAlpha    uint32
	Constant   [4]float32
	SampleMask uint32
}

// DefaultBlendState is opaque writes to all channels.
var DefaultBlendState = BlendState{
	Src:        BlendOne,
	Dst:        BlendZero,
	Op:         BlendOpAdd,
	WriteMask:  0xF,
	SrcAlpha:   BlendOne,
	DstAlpha:   BlendZero,
	OpAlpha:    BlendOpAdd,
	SampleMask: 0xFFFFFFFF,
}

type SetBlendState struct {
	State BlendState
}

func (SetBlendState) Opcode() Opcode { return OpSetBlendState }
func (SetBlendState) Size() int      { return SetBlendStateSize }
func (p SetBlendState) Encode(b []byte) {
	PutPacketHeader(b, OpSetBlendState, SetBlendStateSize)
	s := p.State
	put32(b, 8, boolU32(s.Enable))
	put32(b, 12, s.Src)
	put32(b, 16, s.Dst)
	put32(b, 20, s.Op)
	b[24] = s.WriteMask
	put32(b, 28, s.SrcAlpha)
	put32(b, 32, s.DstAlpha)
	put32(b, 36, s.OpAlpha)
	for i, c := range s.Constant {
		putF(b, 40+4*i, c)
	}
	put32(b, 56, s.SampleMask)
}

type DepthStencilState struct {
	DepthEnable      bool
	DepthWrite       bool
	DepthFunc        uint32
	StencilEnable    bool
	StencilReadMask  uint8
	StencilWriteMask uint8
}

var DefaultDepthStencilState = DepthStencilState{
	DepthEnable:      true,
	DepthWrite:       true,
	DepthFunc:        CompareLess,
	StencilReadMask:  0xFF,
	StencilWriteMask: 0xFF,
}

type SetDepthStencilState struct {
	State DepthStencilState
}

func (SetDepthStencilState) Opcode() Opcode { return OpSetDepthStencilState }
func (SetDepthStencilState) Size() int      { return SetDepthStencilStateSize }
func (p SetDepthStencilState) Encode(b []byte) {
	PutPacketHeader(b, OpSetDepthStencilState, SetDepthStencilStateSize)
	s := p.State
	put32(b, 8, boolU32(s.DepthEnable))
	put32(b, 12, boolU32(s.DepthWrite))
	put32(b, 16, s.DepthFunc)
	put32(b, 20, boolU32(s.StencilEnable))
	b[24] = s.StencilReadMask
	b[25] = s.StencilWriteMask
}

type RasterizerState struct {
	FillMode      uint32
	CullMode      uint32
	FrontCCW      bool
	ScissorEnable bool
	DepthBias     int32
	Flags         uint32
}

var DefaultRasterizerState = RasterizerState{
	FillMode: FillSolid,
	CullMode: CullBack,
}

type SetRasterizerState struct {
	State RasterizerState
}

func (SetRasterizerState) Opcode() Opcode { return OpSetRasterizerState }
func (SetRasterizerState) Size() int      { return SetRasterizerStateSize }
func (p SetRasterizerState) Encode(b []byte) {
	PutPacketHeader(b, OpSetRasterizerState, SetRasterizerStateSize)
	s := p.State
	put32(b, 8, s.FillMode)
	put32(b, 12, s.CullMode)
	put32(b, 16, boolU32(s.FrontCCW))
	put32(b, 20, boolU32(s.ScissorEnable))
	put32(b, 24, uint32(s.DepthBias))
	put32(b, 28, s.Flags)
}

type SetRenderTargets struct {
	ColorCount   uint32
	DepthStencil uint32
	Colors       [MaxRenderTargets]uint32
}

func (SetRenderTargets) Opcode() Opcode { return OpSetRenderTargets }
func (SetRenderTargets) Size() int      { return SetRenderTargetsSize }
func (p SetRenderTargets) Encode(b []byte) {
	PutPacketHeader(b, OpSetRenderTargets, SetRenderTargetsSize)
	put32(b, 8, p.ColorCount)
	put32(b, 12, p.DepthStencil)
	for i, h := range p.Colors {
		put32(b, 16+4*i, h)
	}
}

type Viewport struct {
	X, Y, Width, Height float32
	MinDepth, MaxDepth  float32
}

type SetViewport struct {
	Viewport Viewport
}

func (SetViewport) Opcode() Opcode { return OpSetViewport }
func (SetViewport) Size() int      { return SetViewportSize }
func (p SetViewport) Encode(b []byte) {
	PutPacketHeader(b, OpSetViewport, SetViewportSize)
	v := p.Viewport
	putF(b, 8, v.X)
	putF(b, 12, v.Y)
	putF(b, 16, v.Width)
	putF(b, 20, v.Height)
	putF(b, 24, v.MinDepth)
	putF(b, 28, v.MaxDepth)
}

type Rect struct {
	X, Y, Width, Height int32
}

type SetScissor struct {
	Rect Rect
}

func (SetScissor) Opcode() Opcode { return OpSetScissor }
func (SetScissor) Size() int      { return SetScissorSize }
func (p SetScissor) Encode(b []byte) {
	PutPacketHeader(b, OpSetScissor, SetScissorSize)
	put32(b, 8, uint32(p.Rect.X))
	put32(b, 12, uint32(p.Rect.Y))
	put32(b, 16, uint32(p.Rect.Width))
	put32(b, 20, uint32(p.Rect.Height))
}

type VertexBufferBinding struct {
	Buffer uint32
	Stride uint32
	Offset uint32
}

// SetVertexBuffers is followed by Count VertexBufferBinding records.
type SetVertexBuffers struct {
	StartSlot uint32
	Count     uint32
}

func (SetVertexBuffers) Opcode() Opcode { return OpSetVertexBuffers }
func (SetVertexBuffers) Size() int      { return SetVertexBuffersSize }
func (p SetVertexBuffers) Encode(b []byte) {
	PutPacketHeader(b, OpSetVertexBuffers, SetVertexBuffersSize)
	put32(b, 8, p.StartSlot)
	put32(b, 12, p.Count)
}
func (p SetVertexBuffers) WithPayloadLen(n uint32) PayloadPacket {
	p.Count = n / VertexBufferBindingSize
	return p
}

// EncodeVertexBufferBindings builds the payload for SetVertexBuffers.
func EncodeVertexBufferBindings(bindings []VertexBufferBinding) []byte {
	out := make([]byte, len(bindings)*VertexBufferBindingSize)
	for i, vb := range bindings {
		off := i * VertexBufferBindingSize
		put32(out, off, vb.Buffer)
		put32(out, off+4, vb.Stride)
		put32(out, off+8, vb.Offset)
	}
	return out
}

func ParseVertexBufferBindings(b []byte) []VertexBufferBinding {
	out := make([]VertexBufferBinding, len(b)/VertexBufferBindingSize)
	for i := range out {
		off := i * VertexBufferBindingSize
		out[i] = VertexBufferBinding{get32(b, off), get32(b, off+4), get32(b, off+8)}
	}
	return out
}

type SetIndexBuffer struct {
	Buffer uint32
	Format uint32
	Offset uint32
}

func (SetIndexBuffer) Opcode() Opcode { return OpSetIndexBuffer }
func (SetIndexBuffer) Size() int      { return SetIndexBufferSize }
func (p SetIndexBuffer) Encode(b []byte) {
	PutPacketHeader(b, OpSetIndexBuffer, SetIndexBufferSize)
	put32(b, 8, p.Buffer)
	put32(b, 12, p.Format)
	put32(b, 16, p.Offset)
}

type SetPrimitiveTopology struct {
	Topology uint32
}

func (SetPrimitiveTopology) Opcode() Opcode { return OpSetPrimitiveTopology }
func (SetPrimitiveTopology) Size() int      { return SetTopologySize }
func (p SetPrimitiveTopology) Encode(b []byte) {
	PutPacketHeader(b, OpSetPrimitiveTopology, SetTopologySize)
	put32(b, 8, p.Topology)
}

type SetTexture struct {
	Stage   ShaderStage
	Slot    uint32
	Texture uint32
}

func (SetTexture) Opcode() Opcode { return OpSetTexture }
func (SetTexture) Size() int      { return SetTextureSize }
func (p SetTexture) Encode(b []byte) {
	PutPacketHeader(b, OpSetTexture, SetTextureSize)
	put32(b, 8, uint32(p.Stage))
	put32(b, 12, p.Slot)
	put32(b, 16, p.Texture)
}

type SetSamplerState struct {
	Stage ShaderStage
	Slot  uint32
	State uint32
	Value uint32
}

func (SetSamplerState) Opcode() Opcode { return OpSetSamplerState }
func (SetSamplerState) Size() int      { return SetSamplerStateSize }
func (p SetSamplerState) Encode(b []byte) {
	PutPacketHeader(b, OpSetSamplerState, SetSamplerStateSize)
	put32(b, 8, uint32(p.Stage))
	put32(b, 12, p.Slot)
	put32(b, 16, p.State)
	put32(b, 20, p.Value)
}

type SetRenderState struct {
	State uint32
	Value uint32
}

func (SetRenderState) Opcode() Opcode { return OpSetRenderState }
func (SetRenderState) Size() int      { return SetRenderStateSize }
func (p SetRenderState) Encode(b []byte) {
	PutPacketHeader(b, OpSetRenderState, SetRenderStateSize)
	put32(b, 8, p.State)
	put32(b, 12, p.Value)
}

type CreateSampler struct {
	Handle   uint32
	Filter   uint32
	AddressU uint32
	AddressV uint32
	AddressW uint32
}

func (CreateSampler) Opcode() Opcode { return OpCreateSampler }
func (CreateSampler) Size() int      { return CreateSamplerSize }
func (p CreateSampler) Encode(b []byte) {
	PutPacketHeader(b, OpCreateSampler, CreateSamplerSize)
	put32(b, 8, p.Handle)
	put32(b, 12, p.Filter)
	put32(b, 16, p.AddressU)
	put32(b, 20, p.AddressV)
	put32(b, 24, p.AddressW)
}

type DestroySampler struct {
	Handle uint32
}

func (DestroySampler) Opcode() Opcode { return OpDestroySampler }
func (DestroySampler) Size() int      { return DestroySamplerSize }
func (p DestroySampler) Encode(b []byte) {
	PutPacketHeader(b, OpDestroySampler, DestroySamplerSize)
	put32(b, 8, p.Handle)
}

// SetSamplers is followed by Count u32 sampler handles.
type SetSamplers struct {
	Stage ShaderStage
	Start uint32
	Count uint32
}

func (SetSamplers) Opcode() Opcode { return OpSetSamplers }
func (SetSamplers) Size() int      { return SetSamplersSize }
func (p SetSamplers) Encode(b []byte) {
	PutPacketHeader(b, OpSetSamplers, SetSamplersSize)
	put32(b, 8, uint32(p.Stage))
	put32(b, 12, p.Start)
	put32(b, 16, p.Count)
}
func (p SetSamplers) WithPayloadLen(n uint32) PayloadPacket { p.Count = n / 4; return p }

// EncodeHandles builds a payload of u32 handles.
func EncodeHandles(handles []uint32) []byte {
	out := make([]byte, 4*len(handles))
	for i, h := range handles {
		put32(out, 4*i, h)
	}
	return out
}

func ParseHandles(b []byte) []uint32 {
	out := make([]uint32, len(b)/4)
	for i := range out {
		out[i] = get32(b, 4*i)
	}
	return out
}

// BufferBinding is one constant, shader-resource or unordered-access buffer
// slot. Extra is the UAV initial counter and zero otherwise.
type BufferBinding struct {
	Buffer    uint32
	Offset    uint32
	SizeBytes uint32
	Extra     uint32
}

// SetBufferBindings covers SET_CONSTANT_BUFFERS, SET_SHADER_RESOURCE_BUFFERS
// and SET_UNORDERED_ACCESS_BUFFERS. It is followed by Count BufferBinding
// records.
type SetBufferBindings struct {
	Op    Opcode
	Stage ShaderStage
	Start uint32
	Count uint32
}

func (p SetBufferBindings) Opcode() Opcode { return p.Op }
func (SetBufferBindings) Size() int        { return SetBufferBindingsSize }
func (p SetBufferBindings) Encode(b []byte) {
	PutPacketHeader(b, p.Op, SetBufferBindingsSize)
	put32(b, 8, uint32(p.Stage))
	put32(b, 12, p.Start)
	put32(b, 16, p.Count)
}
func (p SetBufferBindings) WithPayloadLen(n uint32) PayloadPacket {
	p.Count = n / BufferBindingSize
	return p
}

func EncodeBufferBindings(bindings []BufferBinding) []byte {
	out := make([]byte, len(bindings)*BufferBindingSize)
	for i, bb := range bindings {
		off := i * BufferBindingSize
		put32(out, off, bb.Buffer)
		put32(out, off+4, bb.Offset)
		put32(out, off+8, bb.SizeBytes)
		put32(out, off+12, bb.Extra)
	}
	return out
}

func ParseBufferBindings(b []byte) []BufferBinding {
	out := make([]BufferBinding, len(b)/BufferBindingSize)
	for i := range out {
		off := i * BufferBindingSize
		out[i] = BufferBinding{get32(b, off), get32(b, off+4), get32(b, off+8), get32(b, off+12)}
	}
	return out
}

type Clear struct {
	Flags   uint32
	Color   [4]float32
	Depth   float32
	Stencil uint32
}

func (Clear) Opcode() Opcode { return OpClear }
func (Clear) Size() int      { return ClearSize }
func (p Clear) Encode(b []byte) {
	PutPacketHeader(b, OpClear, ClearSize)
	put32(b, 8, p.Flags)
	for i, c := range p.Color {
		putF(b, 12+4*i, c)
	}
	putF(b, 28, p.Depth)
	put32(b, 32, p.Stencil)
}

type Draw struct {
	VertexCount   uint32
	InstanceCount uint32
	FirstVertex   uint32
	FirstInstance uint32
}

func (Draw) Opcode() Opcode { return OpDraw }
func (Draw) Size() int      { return DrawSize }
func (p Draw) Encode(b []byte) {
	PutPacketHeader(b, OpDraw, DrawSize)
	put32(b, 8, p.VertexCount)
	put32(b, 12, p.InstanceCount)
	put32(b, 16, p.FirstVertex)
	put32(b, 20, p.FirstInstance)
}

type DrawIndexed struct {
	IndexCount    uint32
	InstanceCount uint32
	FirstIndex    uint32
	BaseVertex    int32
	FirstInstance uint32
}

func (DrawIndexed) Opcode() Opcode { return OpDrawIndexed }
func (DrawIndexed) Size() int      { return DrawIndexedSize }
func (p DrawIndexed) Encode(b []byte) {
	PutPacketHeader(b, OpDrawIndexed, DrawIndexedSize)
	put32(b, 8, p.IndexCount)
	put32(b, 12, p.InstanceCount)
	put32(b, 16, p.FirstIndex)
	put32(b, 20, uint32(p.BaseVertex))
	put32(b, 24, p.FirstInstance)
}

type Dispatch struct {
	X, Y, Z uint32
}

func (Dispatch) Opcode() Opcode { return OpDispatch }
func (Dispatch) Size() int      { return DispatchSize }
func (p Dispatch) Encode(b []byte) {
	PutPacketHeader(b, OpDispatch, DispatchSize)
	put32(b, 8, p.X)
	put32(b, 12, p.Y)
	put32(b, 16, p.Z)
}

type Present struct {
	ScanoutID uint32
	Flags     uint32
}

func (Present) Opcode() Opcode { return OpPresent }
func (Present) Size() int      { return PresentSize }
func (p Present) Encode(b []byte) {
	PutPacketHeader(b, OpPresent, PresentSize)
	put32(b, 8, p.ScanoutID)
	put32(b, 12, p.Flags)
}

// PresentEx adds the API-specific present flags to Present.
type PresentEx struct {
	ScanoutID uint32
	Flags     uint32
	APIFlags  uint32
}

func (PresentEx) Opcode() Opcode { return OpPresentEx }
func (PresentEx) Size() int      { return PresentExSize }
func (p PresentEx) Encode(b []byte) {
	PutPacketHeader(b, OpPresentEx, PresentExSize)
	put32(b, 8, p.ScanoutID)
	put32(b, 12, p.Flags)
	put32(b, 16, p.APIFlags)
}

// SharedSurface is the body of EXPORT_SHARED_SURFACE and
// IMPORT_SHARED_SURFACE.
type SharedSurface struct {
	Op     Opcode
	Handle uint32
	Token  uint64
}

func (p SharedSurface) Opcode() Opcode { return p.Op }
func (SharedSurface) Size() int        { return SharedSurfaceSize }
func (p SharedSurface) Encode(b []byte) {
	PutPacketHeader(b, p.Op, SharedSurfaceSize)
	put32(b, 8, p.Handle)
	put64(b, 16, p.Token)
}

type ReleaseSharedSurface struct {
	Token uint64
}

func (ReleaseSharedSurface) Opcode() Opcode { return OpReleaseSharedSurface }
func (ReleaseSharedSurface) Size() int      { return ReleaseSharedSurfaceSize }
func (p ReleaseSharedSurface) Encode(b []byte) {
	PutPacketHeader(b, OpReleaseSharedSurface, ReleaseSharedSurfaceSize)
	put64(b, 8, p.Token)
}

type Flush struct{}

func (Flush) Opcode() Opcode  { return OpFlush }
func (Flush) Size() int       { return FlushSize }
func (Flush) Encode(b []byte) { PutPacketHeader(b, OpFlush, FlushSize) }

func boolU32(v bool) uint32 {
	if v {
		return 1
	}
	return 0
}

// fixedSizes is the minimum size of each known packet, header included.
var fixedSizes = map[Opcode]int{
	OpNop:                       NopSize,
	OpDebugMarker:               DebugMarkerSize,
	OpCreateBuffer:              CreateBufferSize,
	OpCreateTexture2D:           CreateTexture2DSize,
	OpDestroyResource:           DestroyResourceSize,
	OpResourceDirtyRange:        ResourceDirtyRangeSize,
	OpUploadResource:            UploadResourceSize,
	OpCopyBuffer:                CopyBufferSize,
	OpCopyTexture2D:             CopyTexture2DSize,
	OpCreateTextureView:         CreateTextureViewSize,
	OpDestroyTextureView:        DestroyTextureViewSize,
	OpCreateShaderDXBC:          CreateShaderDXBCSize,
	OpDestroyShader:             DestroyShaderSize,
	OpBindShaders:               BindShadersSize,
	OpSetShaderConstantsF:       SetShaderConstantsSize,
	OpSetShaderConstantsI:       SetShaderConstantsSize,
	OpSetShaderConstantsB:       SetShaderConstantsSize,
	OpCreateInputLayout:         CreateInputLayoutSize,
	OpDestroyInputLayout:        DestroyInputLayoutSize,
	OpSetInputLayout:            SetInputLayoutSize,
	OpSetBlendState:             SetBlendStateSize,
	OpSetDepthStencilState:      SetDepthStencilStateSize,
	OpSetRasterizerState:        SetRasterizerStateSize,
	OpSetRenderTargets:          SetRenderTargetsSize,
	OpSetViewport:               SetViewportSize,
	OpSetScissor:                SetScissorSize,
	OpSetVertexBuffers:          SetVertexBuffersSize,
	OpSetIndexBuffer:            SetIndexBufferSize,
	OpSetPrimitiveTopology:      SetTopologySize,
	OpSetTexture:                SetTextureSize,
	OpSetSamplerState:           SetSamplerStateSize,
	OpSetRenderState:            SetRenderStateSize,
	OpCreateSampler:             CreateSamplerSize,
	OpDestroySampler:            DestroySamplerSize,
	OpSetSamplers:               SetSamplersSize,
	OpSetConstantBuffers:        SetBufferBindingsSize,
	OpSetShaderResourceBuffers:  SetBufferBindingsSize,
	OpSetUnorderedAccessBuffers: SetBufferBindingsSize,
	OpClear:                     ClearSize,
	OpDraw:                      DrawSize,
	OpDrawIndexed:               DrawIndexedSize,
	OpDispatch:                  DispatchSize,
	OpPresent:                   PresentSize,
	OpPresentEx:                 PresentExSize,
	OpExportSharedSurface:       SharedSurfaceSize,
	OpImportSharedSurface:       SharedSurfaceSize,
	OpReleaseSharedSurface:      ReleaseSharedSurfaceSize,
	OpFlush:                     FlushSize,
}

// ParsePacket decodes one packet. b must hold exactly the packet as sized by
// its header. The returned payload aliases b and excludes padding where the
// packet records an exact length. Unknown opcodes decode to a nil Packet.
func ParsePacket(b []byte) (Packet, []byte, error) {
	if len(b) < PacketHeaderSize {
		return nil, nil, fmt.Errorf("protocol: packet: short buffer (%d bytes)", len(b))
	}
	hdr := ParsePacketHeader(b)
	need := func(n int) error {
		if len(b) < n {
			return fmt.Errorf("protocol: %s: size %d below minimum %d", hdr.Opcode, len(b), n)
		}
		return nil
	}
	payload := func(fixed int, n uint64) ([]byte, error) {
		if uint64(len(b)-fixed) < n {
			return nil, fmt.Errorf("protocol: %s: payload of %d bytes overruns packet", hdr.Opcode, n)
		}
		return b[fixed : fixed+int(n)], nil
	}
	minSize, ok := fixedSizes[hdr.Opcode]
	if !ok {
		return nil, nil, nil
	}
	if err := need(minSize); err != nil {
		return nil, nil, err
	}

	switch hdr.Opcode {
	case OpNop:
		return Nop{}, nil, nil
	case OpDebugMarker:
		p := DebugMarker{Length: get32(b, 8)}
		pl, err := payload(DebugMarkerSize, uint64(p.Length))
		return p, pl, err
	case OpCreateBuffer:
		return CreateBuffer{
			Handle: get32(b, 8), Usage: get32(b, 12), SizeBytes: get64(b, 16),
			BackingAllocID: get32(b, 24), BackingOffset: get32(b, 28),
		}, nil, nil
	case OpCreateTexture2D:
		return CreateTexture2D{
			Handle: get32(b, 8), Usage: get32(b, 12), Format: Format(get32(b, 16)),
			Width: get32(b, 20), Height: get32(b, 24), MipLevels: get32(b, 28),
			ArrayLayers: get32(b, 32), RowPitch: get32(b, 36),
			BackingAllocID: get32(b, 40), BackingOffset: get32(b, 44),
		}, nil, nil
	case OpDestroyResource:
		return DestroyResource{Handle: get32(b, 8)}, nil, nil
	case OpResourceDirtyRange:
		return ResourceDirtyRange{Handle: get32(b, 8), Offset: get64(b, 16), SizeBytes: get64(b, 24)}, nil, nil
	case OpUploadResource:
		p := UploadResource{Handle: get32(b, 8), Offset: get64(b, 16), SizeBytes: get64(b, 24)}
		pl, err := payload(UploadResourceSize, p.SizeBytes)
		return p, pl, err
	case OpCopyBuffer:
		return CopyBuffer{
			Dst: get32(b, 8), Src: get32(b, 12), DstOffset: get64(b, 16),
			SrcOffset: get64(b, 24), SizeBytes: get64(b, 32), Flags: get32(b, 40),
		}, nil, nil
	case OpCopyTexture2D:
		var v [13]uint32
		for i := range v {
			v[i] = get32(b, 8+4*i)
		}
		return CopyTexture2D{
			Dst: v[0], Src: v[1], DstMip: v[2], DstLayer: v[3], SrcMip: v[4], SrcLayer: v[5],
			DstX: v[6], DstY: v[7], SrcX: v[8], SrcY: v[9], Width: v[10], Height: v[11], Flags: v[12],
		}, nil, nil
	case OpCreateTextureView:
		return CreateTextureView{
			View: get32(b, 8), Texture: get32(b, 12), Format: Format(get32(b, 16)),
			BaseMip: get32(b, 20), MipCount: get32(b, 24), BaseLayer: get32(b, 28), LayerCount: get32(b, 32),
		}, nil, nil
	case OpDestroyTextureView:
		return DestroyTextureView{View: get32(b, 8)}, nil, nil
	case OpCreateShaderDXBC:
		p := CreateShaderDXBC{Handle: get32(b, 8), Stage: ShaderStage(get32(b, 12)), DXBCSize: get32(b, 16)}
		pl, err := payload(CreateShaderDXBCSize, uint64(p.DXBCSize))
		return p, pl, err
	case OpDestroyShader:
		return DestroyShader{Handle: get32(b, 8)}, nil, nil
	case OpBindShaders:
		p := BindShaders{VS: get32(b, 8), PS: get32(b, 12), CS: get32(b, 16)}
		if len(b) >= BindShadersExSize {
			p.GS, p.HS, p.DS = get32(b, 24), get32(b, 28), get32(b, 32)
		}
		return p, nil, nil
	case OpSetShaderConstantsF, OpSetShaderConstantsI, OpSetShaderConstantsB:
		p := SetShaderConstants{Op: hdr.Opcode, Stage: ShaderStage(get32(b, 8)), Start: get32(b, 12), Count: get32(b, 16)}
		pl, err := payload(SetShaderConstantsSize, uint64(p.Count)*uint64(p.RegisterSize()))
		return p, pl, err
	case OpCreateInputLayout:
		p := CreateInputLayout{Handle: get32(b, 8), BlobSize: get32(b, 12)}
		pl, err := payload(CreateInputLayoutSize, uint64(p.BlobSize))
		return p, pl, err
	case OpDestroyInputLayout:
		return DestroyInputLayout{Handle: get32(b, 8)}, nil, nil
	case OpSetInputLayout:
		return SetInputLayout{Handle: get32(b, 8)}, nil, nil
	case OpSetBlendState:
		s := BlendState{
			Enable: get32(b, 8) != 0, Src: get32(b, 12), Dst: get32(b, 16), Op: get32(b, 20),
			WriteMask: b[24], SrcAlpha: get32(b, 28), DstAlpha: get32(b, 32), OpAlpha: get32(b, 36),
			SampleMask: get32(b, 56),
		}
		for i := range s.Constant {
			s.Constant[i] = getF(b, 40+4*i)
		}
		return SetBlendState{State: s}, nil, nil
	case OpSetDepthStencilState:
		return SetDepthStencilState{State: DepthStencilState{
			DepthEnable: get32(b, 8) != 0, DepthWrite: get32(b, 12) != 0, DepthFunc: get32(b, 16),
			StencilEnable: get32(b, 20) != 0, StencilReadMask: b[24], StencilWriteMask: b[25],
		}}, nil, nil
	case OpSetRasterizerState:
		return SetRasterizerState{State: RasterizerState{
			FillMode: get32(b, 8), CullMode: get32(b, 12), FrontCCW: get32(b, 16) != 0,
			ScissorEnable: get32(b, 20) != 0, DepthBias: int32(get32(b, 24)), Flags: get32(b, 28),
		}}, nil, nil
	case OpSetRenderTargets:
		p := SetRenderTargets{ColorCount: get32(b, 8), DepthStencil: get32(b, 12)}
		for i := range p.Colors {
			p.Colors[i] = get32(b, 16+4*i)
		}
		return p, nil, nil
	case OpSetViewport:
		return SetViewport{Viewport: Viewport{
			X: getF(b, 8), Y: getF(b, 12), Width: getF(b, 16), Height: getF(b, 20),
			MinDepth: getF(b, 24), MaxDepth: getF(b, 28),
		}}, nil, nil
	case OpSetScissor:
		return SetScissor{Rect: Rect{
			X: int32(get32(b, 8)), Y: int32(get32(b, 12)),
			Width: int32(get32(b, 16)), Height: int32(get32(b, 20)),
		}}, nil, nil
	case OpSetVertexBuffers:
		p := SetVertexBuffers{StartSlot: get32(b, 8), Count: get32(b, 12)}
		pl, err := payload(SetVertexBuffersSize, uint64(p.Count)*VertexBufferBindingSize)
		return p, pl, err
	case OpSetIndexBuffer:
		return SetIndexBuffer{Buffer: get32(b, 8), Format: get32(b, 12), Offset: get32(b, 16)}, nil, nil
	case OpSetPrimitiveTopology:
		return SetPrimitiveTopology{Topology: get32(b, 8)}, nil, nil
	case OpSetTexture:
		return SetTexture{Stage: ShaderStage(get32(b, 8)), Slot: get32(b, 12), Texture: get32(b, 16)}, nil, nil
	case OpSetSamplerState:
		return SetSamplerState{Stage: ShaderStage(get32(b, 8)), Slot: get32(b, 12), State: get32(b, 16), Value: get32(b, 20)}, nil, nil
	case OpSetRenderState:
		return SetRenderState{State: get32(b, 8), Value: get32(b, 12)}, nil, nil
	case OpCreateSampler:
		return CreateSampler{
			Handle: get32(b, 8), Filter: get32(b, 12),
			AddressU: get32(b, 16), AddressV: get32(b, 20), AddressW: get32(b, 24),
		}, nil, nil
	case OpDestroySampler:
		return DestroySampler{Handle: get32(b, 8)}, nil, nil
	case OpSetSamplers:
		p := SetSamplers{Stage: ShaderStage(get32(b, 8)), Start: get32(b, 12), Count: get32(b, 16)}
		pl, err := payload(SetSamplersSize, uint64(p.Count)*4)
		return p, pl, err
	case OpSetConstantBuffers, OpSetShaderResourceBuffers, OpSetUnorderedAccessBuffers:
		p := SetBufferBindings{Op: hdr.Opcode, Stage: ShaderStage(get32(b, 8)), Start: get32(b, 12), Count: get32(b, 16)}
		pl, err := payload(SetBufferBindingsSize, uint64(p.Count)*BufferBindingSize)
		return p, pl, err
	case OpClear:
		p := Clear{Flags: get32(b, 8), Depth: getF(b, 28), Stencil: get32(b, 32)}
		for i := range p.Color {
			p.Color[i] = getF(b, 12+4*i)
		}
		return p, nil, nil
	case OpDraw:
		return Draw{VertexCount: get32(b, 8), InstanceCount: get32(b, 12), FirstVertex: get32(b, 16), FirstInstance: get32(b, 20)}, nil, nil
	case OpDrawIndexed:
		return DrawIndexed{
			IndexCount: get32(b, 8), InstanceCount: get32(b, 12), FirstIndex: get32(b, 16),
			BaseVertex: int32(get32(b, 20)), FirstInstance: get32(b, 24),
		}, nil, nil
	case OpDispatch:
		return Dispatch{X: get32(b, 8), Y: get32(b, 12), Z: get32(b, 16)}, nil, nil
	case OpPresent:
		return Present{ScanoutID: get32(b, 8), Flags: get32(b, 12)}, nil, nil
	case OpPresentEx:
		return PresentEx{ScanoutID: get32(b, 8), Flags: get32(b, 12), APIFlags: get32(b, 16)}, nil, nil
	case OpExportSharedSurface, OpImportSharedSurface:
		return SharedSurface{Op: hdr.Opcode, Handle: get32(b, 8), Token: get64(b, 16)}, nil, nil
	case OpReleaseSharedSurface:
		return ReleaseSharedSurface{Token: get64(b, 8)}, nil, nil
	case OpFlush:
		return Flush{}, nil, nil
	}
	return nil, nil, nil
}
