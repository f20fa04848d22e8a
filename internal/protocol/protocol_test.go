package protocol

import (
	"encoding/binary"
	"errors"
	"testing"
)

func encodePacket(p Packet) []byte {
	b := make([]byte, p.Size())
	p.Encode(b)
	return b
}

func TestPacketSizesAligned(t *testing.T) {
	packets := []Packet{
		Nop{}, DebugMarker{}, CreateBuffer{}, CreateTexture2D{}, DestroyResource{},
		ResourceDirtyRange{}, UploadResource{}, CopyBuffer{}, CopyTexture2D{},
		CreateTextureView{}, DestroyTextureView{}, CreateShaderDXBC{}, DestroyShader{},
		BindShaders{}, BindShaders{GS: 1}, SetShaderConstants{Op: OpSetShaderConstantsF},
		CreateInputLayout{}, DestroyInputLayout{}, SetInputLayout{}, SetBlendState{},
		SetDepthStencilState{}, SetRasterizerState{}, SetRenderTargets{}, SetViewport{},
		SetScissor{}, SetVertexBuffers{}, SetIndexBuffer{}, SetPrimitiveTopology{},
		SetTexture{}, SetSamplerState{}, SetRenderState{}, CreateSampler{}, DestroySampler{},
		SetSamplers{}, SetBufferBindings{Op: OpSetConstantBuffers}, Clear{}, Draw{},
		DrawIndexed{}, Dispatch{}, Present{}, PresentEx{},
		SharedSurface{Op: OpExportSharedSurface}, ReleaseSharedSurface{}, Flush{},
	}
	for _, p := range packets {
		if p.Size()%PacketAlign != 0 {
			t.Fatalf("%s: size %d not aligned", p.Opcode(), p.Size())
		}
		b := encodePacket(p)
		hdr := ParsePacketHeader(b)
		if hdr.Opcode != p.Opcode() {
			t.Fatalf("%s: header opcode %s", p.Opcode(), hdr.Opcode)
		}
		if int(hdr.SizeBytes) != p.Size() {
			t.Fatalf("%s: header size %d, want %d", p.Opcode(), hdr.SizeBytes, p.Size())
		}
	}
}

func TestParsePacketFields(t *testing.T) {
	tests := []Packet{
		CreateTexture2D{
			Handle:         7,
			Usage:          UsageRenderTarget | UsageTexture,
			Format:         FormatB8G8R8A8Unorm,
			Width:          64,
			Height:         32,
			MipLevels:      1,
			ArrayLayers:    1,
			RowPitch:       256,
			BackingAllocID: 9,
		},
		CopyTexture2D{Dst: 1, Src: 2, DstX: 3, SrcY: 4, Width: 5, Height: 6, Flags: CopyFlagWritebackDst},
		BindShaders{VS: 1, PS: 2, GS: 3},
		SetRasterizerState{State: RasterizerState{CullMode: CullFront, DepthBias: -4}},
		DrawIndexed{IndexCount: 6, InstanceCount: 1, BaseVertex: -2},
		SharedSurface{Op: OpImportSharedSurface, Handle: 5, Token: 0xdeadbeef00000001},
		Clear{Flags: ClearColor | ClearDepth, Color: [4]float32{0.5, 0, 1, 1}, Depth: 1},
	}
	for _, want := range tests {
		got, _, err := ParsePacket(encodePacket(want))
		if err != nil {
			t.Fatalf("%s: parse: %v", want.Opcode(), err)
		}
		if got != want {
			t.Fatalf("%s: got %+v, want %+v", want.Opcode(), got, want)
		}
	}
}

func TestParsePacketUnknownOpcode(t *testing.T) {
	b := make([]byte, 16)
	PutPacketHeader(b, Opcode(0x9999), 16)
	p, payload, err := ParsePacket(b)
	if err != nil || p != nil || payload != nil {
		t.Fatalf("unknown opcode: got (%v, %v, %v)", p, payload, err)
	}
}

func TestParsePacketPayloadOverrun(t *testing.T) {
	b := encodePacket(CreateShaderDXBC{Handle: 1, DXBCSize: 64})
	if _, _, err := ParsePacket(b); err == nil {
		t.Fatalf("expected overrun error")
	}
}

func TestAllocPrivRoundTrip(t *testing.T) {
	want := AllocPriv{
		AllocID:    3,
		Flags:      AllocPrivFlagShared,
		ShareToken: 42,
		SizeBytes:  4096,
		Kind:       AllocKindTexture2D,
		Width:      32,
		Height:     32,
		Format:     FormatR8G8B8A8Unorm,
		RowPitch:   128,
	}
	got, err := DecodeAllocPriv(EncodeAllocPriv(want))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got != want {
		t.Fatalf("got %+v, want %+v", got, want)
	}
	if !got.HasGeometry() || !got.Shared() {
		t.Fatalf("expected shared blob with geometry")
	}
}

func TestAllocPrivVersion1(t *testing.T) {
	b := make([]byte, AllocPrivV1Size)
	binary.LittleEndian.PutUint32(b[0:4], AllocPrivMagic)
	binary.LittleEndian.PutUint32(b[4:8], AllocPrivVersion1)
	binary.LittleEndian.PutUint32(b[8:12], 11)
	binary.LittleEndian.PutUint64(b[16:24], 99)
	binary.LittleEndian.PutUint64(b[24:32], 512)

	got, err := DecodeAllocPriv(b)
	if err != nil {
		t.Fatalf("decode v1: %v", err)
	}
	if got.AllocID != 11 || got.ShareToken != 99 || got.SizeBytes != 512 {
		t.Fatalf("v1 fields: %+v", got)
	}
	if got.Kind != AllocKindUnknown || got.HasGeometry() {
		t.Fatalf("v1 blob should not carry geometry: %+v", got)
	}
}

func TestAllocPrivRejects(t *testing.T) {
	if _, err := DecodeAllocPriv(make([]byte, 8)); !errors.Is(err, ErrAllocPrivShort) {
		t.Fatalf("short: %v", err)
	}
	b := EncodeAllocPriv(AllocPriv{})
	binary.LittleEndian.PutUint32(b[0:4], 0)
	if _, err := DecodeAllocPriv(b); !errors.Is(err, ErrAllocPrivMagic) {
		t.Fatalf("magic: %v", err)
	}
	b = EncodeAllocPriv(AllocPriv{})
	binary.LittleEndian.PutUint32(b[4:8], 7)
	if _, err := DecodeAllocPriv(b); !errors.Is(err, ErrAllocPrivVersion) {
		t.Fatalf("version: %v", err)
	}
	if _, err := DecodeAllocPriv(EncodeAllocPriv(AllocPriv{})[:AllocPrivV1Size+4]); !errors.Is(err, ErrAllocPrivShort) {
		t.Fatalf("short v2: %v", err)
	}
}

func TestViewCompatible(t *testing.T) {
	if !ViewCompatible(FormatR8G8B8A8Unorm, FormatR8G8B8A8UnormSRGB) {
		t.Fatalf("srgb view of linear texture should be allowed")
	}
	if ViewCompatible(FormatR8G8B8A8Unorm, FormatB8G8R8A8Unorm) {
		t.Fatalf("channel swizzle should not be view compatible")
	}
	if ViewCompatible(FormatD24UnormS8Uint, FormatR8G8B8A8Unorm) {
		t.Fatalf("depth reinterpretation should be rejected")
	}
}
