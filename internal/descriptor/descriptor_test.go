package descriptor

import (
	"errors"
	"testing"

	"github.com/gogpu/gputypes"

	"github.com/tinyrange/pvgpu/internal/protocol"
	"github.com/tinyrange/pvgpu/internal/resource"
)

func TestNormalizeBuffers(t *testing.T) {
	tests := []struct {
		name string
		in   any
		want resource.BufferDesc
	}{
		{
			name: "legacy",
			in:   LegacyBufferDesc{ByteWidth: 256, BindFlags: BindVertexBuffer | BindIndexBuffer},
			want: resource.BufferDesc{SizeBytes: 256, Usage: protocol.UsageVertexBuffer | protocol.UsageIndexBuffer},
		},
		{
			name: "v2 staging",
			in:   &BufferDescV2{ByteWidth: 64, Usage: UsageStaging, CPUAccessFlags: CPUAccessRead},
			want: resource.BufferDesc{SizeBytes: 64, CPUAccess: resource.CPUAccessRead, Staging: true},
		},
		{
			name: "v2 shared constant",
			in:   BufferDescV2{ByteWidth: 16, BindFlags: BindConstantBuffer, MiscFlags: MiscShared},
			want: resource.BufferDesc{SizeBytes: 16, Usage: protocol.UsageConstant, Shared: true},
		},
		{
			name: "portable readback",
			in:   PortableBufferDesc{Size: 128, Usage: gputypes.BufferUsageMapRead | gputypes.BufferUsageCopyDst},
			want: resource.BufferDesc{SizeBytes: 128, CPUAccess: resource.CPUAccessRead, Staging: true},
		},
		{
			name: "portable storage",
			in:   PortableBufferDesc{Size: 32, Usage: gputypes.BufferUsageStorage | gputypes.BufferUsageVertex},
			want: resource.BufferDesc{SizeBytes: 32, Usage: protocol.UsageStorage | protocol.UsageVertexBuffer},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, err := Normalize(tt.in)
			if err != nil {
				t.Fatalf("normalize: %v", err)
			}
			if d.Kind != resource.KindBuffer {
				t.Fatalf("kind %s", d.Kind)
			}
			got := d.Buffer
			if got.SizeBytes != tt.want.SizeBytes || got.Usage != tt.want.Usage ||
				got.CPUAccess != tt.want.CPUAccess || got.Staging != tt.want.Staging || got.Shared != tt.want.Shared {
				t.Fatalf("got %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestNormalizeTextures(t *testing.T) {
	d, err := Normalize(Texture2DDescV2{
		Width:     64,
		Height:    64,
		MipLevels: 1,
		ArraySize: 2,
		Format:    protocol.FormatB8G8R8A8Unorm,
		Sample:    SampleDesc{Count: 1},
		BindFlags: BindRenderTarget | BindShaderResource,
	})
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if d.Kind != resource.KindTexture2D || d.Texture.ArrayLayers != 2 ||
		d.Texture.Usage != protocol.UsageRenderTarget|protocol.UsageTexture {
		t.Fatalf("v2 texture %+v", d.Texture)
	}

	d, err = Normalize(LegacyTexture2DDesc{Width: 8, Height: 8, Format: protocol.FormatBC1RGBAUnorm})
	if err != nil {
		t.Fatalf("normalize legacy: %v", err)
	}
	if d.Texture.ArrayLayers != 1 || d.Texture.MipLevels != 0 {
		t.Fatalf("legacy texture %+v", d.Texture)
	}

	d, err = Normalize(&PortableTextureDesc{
		Size:          gputypes.Extent3D{Width: 32, Height: 16, DepthOrArrayLayers: 1},
		MipLevelCount: 1,
		Dimension:     gputypes.TextureDimension2D,
		Format:        gputypes.TextureFormatDepth24PlusStencil8,
		Usage:         gputypes.TextureUsageRenderAttachment,
	})
	if err != nil {
		t.Fatalf("normalize portable: %v", err)
	}
	if d.Texture.Format != protocol.FormatD24UnormS8Uint || d.Texture.Usage != protocol.UsageDepthStencil {
		t.Fatalf("portable depth texture %+v", d.Texture)
	}
}

func TestNormalizeRejects(t *testing.T) {
	tests := []struct {
		name string
		in   any
	}{
		{"unknown shape", struct{ Width int }{4}},
		{"nil", nil},
		{"multisampled", Texture2DDescV2{Width: 4, Height: 4, Sample: SampleDesc{Count: 4}}},
		{"bad usage", BufferDescV2{ByteWidth: 4, Usage: 9}},
		{"3d portable", PortableTextureDesc{Dimension: gputypes.TextureDimension3D, Format: gputypes.TextureFormatRGBA8Unorm}},
		{"unmapped format", PortableTextureDesc{Dimension: gputypes.TextureDimension2D, Format: gputypes.TextureFormatUndefined}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Normalize(tt.in); !errors.Is(err, ErrUnsupportedDescriptor) {
				t.Fatalf("expected ErrUnsupportedDescriptor, got %v", err)
			}
		})
	}
}

func TestNormalizedDescCreates(t *testing.T) {
	d, err := Normalize(LegacyTexture2DDesc{Width: 16, Height: 16, Format: protocol.FormatR8G8B8A8Unorm})
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	r, err := resource.New(1, d)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if r.MipLevels != 5 {
		t.Fatalf("mip levels %d", r.MipLevels)
	}
}
