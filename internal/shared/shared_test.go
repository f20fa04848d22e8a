package shared

import (
	"encoding/binary"
	"errors"
	"testing"

	"github.com/tinyrange/pvgpu/internal/cmdstream"
	"github.com/tinyrange/pvgpu/internal/protocol"
	"github.com/tinyrange/pvgpu/internal/resource"
)

func surface(t *testing.T, handle uint32) *resource.Resource {
	t.Helper()
	r, err := resource.NewTexture2D(handle, resource.TextureDesc{
		Format:      protocol.FormatB8G8R8A8Unorm,
		Width:       32,
		Height:      16,
		MipLevels:   1,
		ArrayLayers: 1,
		Usage:       protocol.UsageRenderTarget | protocol.UsageTexture,
		Shared:      true,
	})
	if err != nil {
		t.Fatalf("texture: %v", err)
	}
	r.Backing.AllocID = 12
	return r
}

func opcodes(t *testing.T, enc *cmdstream.Encoder) []protocol.Opcode {
	t.Helper()
	pkts, err := cmdstream.Decode(enc.Finalize())
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	var ops []protocol.Opcode
	for _, p := range pkts {
		ops = append(ops, p.Opcode)
	}
	return ops
}

func TestExportImportRelease(t *testing.T) {
	tokens := NewLocalTokens()
	exporter := cmdstream.New()
	src := surface(t, 1)

	token, err := Export(exporter, tokens, src)
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	if !src.Shared || src.ShareToken != token {
		t.Fatalf("exported resource not marked: %+v", src)
	}

	importer := cmdstream.New()
	alias, err := Import(importer, tokens, token, 2)
	if err != nil {
		t.Fatalf("import: %v", err)
	}
	if !alias.Alias || alias.Width != 32 || alias.Height != 16 || alias.Format != src.Format {
		t.Fatalf("alias geometry %dx%d %s", alias.Width, alias.Height, alias.Format)
	}
	if alias.Backing.AllocID != 12 || alias.RowPitch != src.RowPitch {
		t.Fatalf("alias backing %d pitch %d", alias.Backing.AllocID, alias.RowPitch)
	}

	pkts, err := cmdstream.Decode(importer.Finalize())
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	imp := pkts[0].Decoded.(protocol.SharedSurface)
	if imp.Op != protocol.OpImportSharedSurface || imp.Handle != 2 || imp.Token != token {
		t.Fatalf("import packet %+v", imp)
	}

	// The exporter goes first; the importer still holds a reference.
	if err := Release(exporter, tokens, src); err != nil {
		t.Fatalf("release: %v", err)
	}
	if err := Release(importer, tokens, alias); err != nil {
		t.Fatalf("release: %v", err)
	}
	exp := opcodes(t, exporter)
	if len(exp) != 1 || exp[0] != protocol.OpExportSharedSurface {
		t.Fatalf("exporter stream %v", exp)
	}
	imps := opcodes(t, importer)
	if len(imps) != 2 || imps[1] != protocol.OpReleaseSharedSurface {
		t.Fatalf("importer stream %v", imps)
	}
	if tokens.Live() != 0 {
		t.Fatalf("%d tokens still live", tokens.Live())
	}
}

func TestImportRejects(t *testing.T) {
	tokens := NewLocalTokens()
	enc := cmdstream.New()
	if _, err := Import(enc, tokens, 99, 1); !errors.Is(err, ErrUnknownToken) {
		t.Fatalf("unknown token: %v", err)
	}

	// A version 1 blob has no geometry to rebuild the resource from.
	v1 := make([]byte, protocol.AllocPrivV1Size)
	binary.LittleEndian.PutUint32(v1[0:], protocol.AllocPrivMagic)
	binary.LittleEndian.PutUint32(v1[4:], protocol.AllocPrivVersion1)
	token, _ := tokens.Register(v1)
	if _, err := Import(enc, tokens, token, 1); !errors.Is(err, resource.ErrInvalidDesc) {
		t.Fatalf("v1 blob: %v", err)
	}
	if !enc.Empty() {
		t.Fatalf("failed import appended packets")
	}
	// The failed open returned its reference.
	if n, _ := tokens.Release(token); n != 0 {
		t.Fatalf("%d references left", n)
	}
}

func TestExportRejectsAliasAndRollsBackToken(t *testing.T) {
	tokens := NewLocalTokens()
	r := surface(t, 1)
	r.Alias = true
	if _, err := Export(cmdstream.New(), tokens, r); !errors.Is(err, ErrNotShareable) {
		t.Fatalf("alias export: %v", err)
	}

	enc := cmdstream.New()
	enc.Limit = protocol.StreamHeaderSize
	r = surface(t, 2)
	if _, err := Export(enc, tokens, r); !errors.Is(err, cmdstream.ErrOutOfMemory) {
		t.Fatalf("export into full stream: %v", err)
	}
	if r.Shared && r.ShareToken != 0 {
		t.Fatalf("failed export left the resource marked")
	}
	if tokens.Live() != 0 {
		t.Fatalf("failed export leaked a token")
	}
}
