package resource

import (
	"bytes"
	"errors"
	"testing"

	"github.com/tinyrange/pvgpu/internal/protocol"
)

func TestNewBufferAlwaysReturnsResource(t *testing.T) {
	r, err := NewBuffer(7, BufferDesc{})
	if !errors.Is(err, ErrInvalidDesc) {
		t.Fatalf("expected ErrInvalidDesc, got %v", err)
	}
	if r == nil || r.Handle != 7 {
		t.Fatalf("failed creation returned %+v", r)
	}

	r, err = NewBuffer(8, BufferDesc{SizeBytes: 16, InitialData: []byte{1, 2, 3}})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if !bytes.Equal(r.Storage[:4], []byte{1, 2, 3, 0}) {
		t.Fatalf("initial data not copied: %v", r.Storage[:4])
	}
	if !r.Backing.HostOwned() {
		t.Fatalf("new buffer should be host owned until backed")
	}
}

func TestNewTexture2DFullChain(t *testing.T) {
	r, err := NewTexture2D(1, TextureDesc{
		Format: protocol.FormatB8G8R8A8Unorm, Width: 64, Height: 16, ArrayLayers: 1,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if r.MipLevels != 7 || len(r.Subresources) != 7 {
		t.Fatalf("expected full chain of 7, got %d (%d subresources)", r.MipLevels, len(r.Subresources))
	}
	if r.RowPitch != 256 {
		t.Fatalf("row pitch %d", r.RowPitch)
	}
	if uint64(len(r.Storage)) != r.SizeBytes {
		t.Fatalf("storage %d != size %d", len(r.Storage), r.SizeBytes)
	}
}

func TestTextureInitialData(t *testing.T) {
	data := make([]byte, 4*4*2)
	for i := range data {
		data[i] = byte(i)
	}
	r, err := NewTexture2D(1, TextureDesc{
		Format:      protocol.FormatR8G8B8A8Unorm,
		Width:       4,
		Height:      2,
		MipLevels:   1,
		ArrayLayers: 1,
		InitialData: [][]byte{data},
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := r.ApplyBacking(protocol.AllocPriv{AllocID: 3, RowPitch: 32, SizeBytes: 64}, 99); err != nil {
		t.Fatalf("apply backing: %v", err)
	}
	if r.RowPitch != 32 || r.SizeBytes != 64 {
		t.Fatalf("relayout: pitch %d size %d", r.RowPitch, r.SizeBytes)
	}
	if r.Backing.AllocID != 3 || r.Backing.RuntimeHandle != 99 {
		t.Fatalf("backing %+v", r.Backing)
	}
	if err := r.WriteSubresource(0, data, 0); err != nil {
		t.Fatalf("write: %v", err)
	}
	if !bytes.Equal(r.Storage[32:48], data[16:32]) {
		t.Fatalf("second row not at padded pitch")
	}
}

func TestRejectsStagingShared(t *testing.T) {
	_, err := NewTexture2D(1, TextureDesc{
		Format:      protocol.FormatR8G8B8A8Unorm,
		Width:       4,
		Height:      4,
		MipLevels:   1,
		ArrayLayers: 1,
		Staging:     true,
		Shared:      true,
	})
	if !errors.Is(err, ErrInvalidDesc) {
		t.Fatalf("expected ErrInvalidDesc, got %v", err)
	}
}

func TestMapUnmap(t *testing.T) {
	r, err := NewTexture2D(1, TextureDesc{
		Format:      protocol.FormatR8G8B8A8Unorm,
		Width:       8,
		Height:      8,
		MipLevels:   2,
		ArrayLayers: 1,
		CPUAccess:   CPUAccessRead | CPUAccessWrite,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	m, err := r.Map(1, true)
	if err != nil {
		t.Fatalf("map: %v", err)
	}
	if m.Offset != r.Subresources[1].Offset || m.SizeBytes != r.Subresources[1].SizeBytes {
		t.Fatalf("mapping %+v", m)
	}
	if len(r.Data()) != int(m.SizeBytes) {
		t.Fatalf("data length %d", len(r.Data()))
	}
	if _, err := r.Map(0, false); !errors.Is(err, ErrAlreadyMapped) {
		t.Fatalf("double map: %v", err)
	}
	if _, err := r.Unmap(); err != nil {
		t.Fatalf("unmap: %v", err)
	}
	if _, err := r.Unmap(); !errors.Is(err, ErrNotMapped) {
		t.Fatalf("double unmap: %v", err)
	}
}

func TestAllocPrivRoundTrip(t *testing.T) {
	r, err := NewTexture2D(5, TextureDesc{
		Format:      protocol.FormatB8G8R8A8Unorm,
		Width:       32,
		Height:      16,
		MipLevels:   1,
		ArrayLayers: 1,
		Shared:      true,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	r.Backing.AllocID = 12
	r.ShareToken = 0xabcdef

	priv, err := protocol.DecodeAllocPriv(protocol.EncodeAllocPriv(r.AllocPriv()))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	alias, err := FromAllocPriv(9, priv)
	if err != nil {
		t.Fatalf("from priv: %v", err)
	}
	if !alias.Alias || alias.ShareToken != 0xabcdef || alias.Backing.AllocID != 12 {
		t.Fatalf("alias %+v", alias)
	}
	if !SameShape(r, alias) {
		t.Fatalf("alias shape differs")
	}

	if _, err := FromAllocPriv(10, protocol.AllocPriv{AllocID: 1}); !errors.Is(err, ErrInvalidDesc) {
		t.Fatalf("geometry-less metadata accepted: %v", err)
	}
}

func TestIdentitySwap(t *testing.T) {
	desc := TextureDesc{Format: protocol.FormatB8G8R8A8Unorm, Width: 4, Height: 4, MipLevels: 1, ArrayLayers: 1}
	a, _ := NewTexture2D(1, desc)
	b, _ := NewTexture2D(2, desc)
	a.Backing.AllocID = 10
	b.Backing.AllocID = 20

	ia, ib := a.Identity(), b.Identity()
	a.SetIdentity(ib)
	b.SetIdentity(ia)
	if a.Handle != 2 || a.Backing.AllocID != 20 || b.Handle != 1 || b.Backing.AllocID != 10 {
		t.Fatalf("swap failed: a=%d/%d b=%d/%d", a.Handle, a.Backing.AllocID, b.Handle, b.Backing.AllocID)
	}
}
