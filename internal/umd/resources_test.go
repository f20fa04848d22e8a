package umd

import (
	"bytes"
	"errors"
	"fmt"
	"testing"

	"github.com/tinyrange/pvgpu/internal/hostsim"
	"github.com/tinyrange/pvgpu/internal/protocol"
	"github.com/tinyrange/pvgpu/internal/resource"
)

func writableBuffer(t *testing.T, d *Device, size uint64) *resource.Resource {
	t.Helper()
	r, err := d.CreateBuffer(resource.BufferDesc{
		SizeBytes: size,
		Usage:     protocol.UsageVertexBuffer,
		CPUAccess: resource.CPUAccessWrite,
	})
	if err != nil {
		t.Fatalf("create buffer: %v", err)
	}
	return r
}

func TestUnmapPushesWrites(t *testing.T) {
	for _, guest := range []bool{false, true} {
		t.Run(fmt.Sprintf("guest=%v", guest), func(t *testing.T) {
			host := newHost(t, hostsim.Options{})
			d := fixture{host: host, guest: guest}.device(t)
			buf := writableBuffer(t, d, 64)
			mustFlush(t, d)

			m, err := d.Map(buf, 0, MapWrite)
			if err != nil {
				t.Fatalf("map: %v", err)
			}
			for i := range m.Data {
				m.Data[i] = byte(i)
			}
			if err := d.Unmap(buf); err != nil {
				t.Fatalf("unmap: %v", err)
			}
			mustFlush(t, d)
			s := lastSubmission(t, host)

			if guest {
				dirty := packetsOf[protocol.ResourceDirtyRange](s)
				if len(dirty) != 1 || dirty[0].Handle != buf.Handle || dirty[0].SizeBytes != 64 {
					t.Fatalf("dirty ranges %+v", dirty)
				}
				if hasOpcode(s, protocol.OpUploadResource) {
					t.Fatalf("guest-backed buffer uploaded inline")
				}
				if len(s.Table) != 1 || s.Table[0].AllocID != buf.Backing.AllocID {
					t.Fatalf("table %+v", s.Table)
				}
				return
			}
			var payload []byte
			for _, p := range s.Packets {
				if p.Opcode == protocol.OpUploadResource {
					payload = p.Payload
				}
			}
			if len(payload) != 64 || !bytes.Equal(payload, buf.Storage) {
				t.Fatalf("upload payload %v", payload)
			}
			if len(s.Table) != 0 {
				t.Fatalf("host-owned buffer in the allocation table")
			}
		})
	}
}

func TestLargeUploadIsChunked(t *testing.T) {
	host := newHost(t, hostsim.Options{})
	d := fixture{host: host}.device(t)
	data := bytes.Repeat([]byte{0xab}, 3*d.maxUpload()/2)
	if _, err := d.CreateBuffer(resource.BufferDesc{
		SizeBytes:   uint64(len(data)),
		Usage:       protocol.UsageConstant,
		InitialData: data,
	}); err != nil {
		t.Fatalf("create: %v", err)
	}
	mustFlush(t, d)

	var got []byte
	for _, s := range host.Submissions() {
		for _, p := range s.Packets {
			if p.Opcode == protocol.OpUploadResource {
				got = append(got, p.Payload...)
			}
		}
	}
	if !bytes.Equal(got, data) {
		t.Fatalf("uploaded %d of %d bytes", len(got), len(data))
	}
}

func TestUpdateBufferRange(t *testing.T) {
	d, host := guestDevice(t, hostsim.Options{})
	buf := writableBuffer(t, d, 32)
	if err := d.UpdateBuffer(buf, 8, []byte{1, 2, 3, 4}); err != nil {
		t.Fatalf("update: %v", err)
	}
	if err := d.UpdateBuffer(buf, 30, []byte{1, 2, 3, 4}); !errors.Is(err, ErrInvalidArg) {
		t.Fatalf("overrun accepted: %v", err)
	}
	mustFlush(t, d)
	dirty := packetsOf[protocol.ResourceDirtyRange](lastSubmission(t, host))
	if len(dirty) != 1 || dirty[0].Offset != 8 || dirty[0].SizeBytes != 4 {
		t.Fatalf("dirty ranges %+v", dirty)
	}
	if !bytes.Equal(buf.Storage[8:12], []byte{1, 2, 3, 4}) {
		t.Fatalf("storage %v", buf.Storage)
	}
}

func TestDestroyBoundVertexBuffer(t *testing.T) {
	d, host := guestDevice(t, hostsim.Options{})
	rt := renderTarget(t, d, 16, 16)
	vb := writableBuffer(t, d, 48)
	if err := d.SetRenderTargets([]*resource.Resource{rt}, nil); err != nil {
		t.Fatalf("set render targets: %v", err)
	}
	if err := d.SetVertexBuffers(0, []VertexBuffer{{Buffer: vb, Stride: 16}}); err != nil {
		t.Fatalf("set vertex buffers: %v", err)
	}
	mustFlush(t, d)
	live := host.Allocations()

	if err := d.DestroyResource(vb); err != nil {
		t.Fatalf("destroy: %v", err)
	}
	if st := d.cache.State(); st.VertexBuffers[0].Handle != 0 || st.VertexBuffers[0].Res != nil {
		t.Fatalf("slot 0 still bound: %+v", st.VertexBuffers[0])
	}
	if err := d.Draw(protocol.Draw{VertexCount: 3, InstanceCount: 1}); err != nil {
		t.Fatalf("draw: %v", err)
	}
	mustFlush(t, d)

	s := lastSubmission(t, host)
	var unbound bool
	for _, p := range s.Packets {
		if p.Opcode != protocol.OpSetVertexBuffers {
			continue
		}
		b := protocol.ParseVertexBufferBindings(p.Payload)
		unbound = len(b) == 1 && b[0].Buffer == 0
	}
	if !unbound {
		t.Fatalf("no packet cleared slot 0")
	}
	if !hasOpcode(s, protocol.OpDestroyResource) || !hasOpcode(s, protocol.OpDraw) {
		t.Fatalf("submission missing destroy or draw")
	}
	for _, e := range s.Table {
		if e.AllocID == vb.Backing.AllocID {
			t.Fatalf("draw referenced the destroyed buffer")
		}
	}
	if host.Allocations() != live-1 {
		t.Fatalf("%d allocations live, want %d", host.Allocations(), live-1)
	}
}

type rollbackCheck struct {
	size   int
	allocs int
	cache  func() bool
}

func snapshot(d *Device) rollbackCheck {
	snap := d.cache.Snapshot()
	return rollbackCheck{
		size:   d.enc.Size(),
		allocs: d.allocs.Len(),
		cache:  func() bool { return d.cache.Equal(snap) },
	}
}

func (c rollbackCheck) verify(t *testing.T, d *Device) {
	t.Helper()
	if d.enc.Size() != c.size {
		t.Fatalf("stream is %d bytes, was %d", d.enc.Size(), c.size)
	}
	if d.allocs.Len() != c.allocs {
		t.Fatalf("allocation list has %d entries, had %d", d.allocs.Len(), c.allocs)
	}
	if !c.cache() {
		t.Fatalf("binding cache changed")
	}
}

// failSecondAppend makes the second append from now on fail.
func failSecondAppend(d *Device) {
	calls := 0
	d.enc.AllocHook = func(int) error {
		calls++
		if calls == 2 {
			return errors.New("transfer buffer exhausted")
		}
		return nil
	}
}

func TestFailedCallLeavesNoTrace(t *testing.T) {
	t.Run("set textures", func(t *testing.T) {
		d, _ := guestDevice(t, hostsim.Options{})
		a, b := renderTarget(t, d, 8, 8), renderTarget(t, d, 8, 8)
		mustFlush(t, d)

		check := snapshot(d)
		failSecondAppend(d)
		err := d.SetTextures(protocol.StagePixel, 0, []*resource.Resource{a, b})
		if !errors.Is(err, ErrOutOfMemory) {
			t.Fatalf("set textures: %v", err)
		}
		check.verify(t, d)

		d.enc.AllocHook = nil
		if err := d.SetTextures(protocol.StagePixel, 0, []*resource.Resource{a, b}); err != nil {
			t.Fatalf("retry: %v", err)
		}
		if d.enc.Stats()[protocol.OpSetTexture] != 2 {
			t.Fatalf("retry emitted %d packets", d.enc.Stats()[protocol.OpSetTexture])
		}
	})

	t.Run("copy resource", func(t *testing.T) {
		d, _ := guestDevice(t, hostsim.Options{})
		desc := resource.TextureDesc{
			Format:      protocol.FormatR8G8B8A8Unorm,
			Width:       32,
			Height:      32,
			MipLevels:   2,
			ArrayLayers: 1,
			Usage:       protocol.UsageTexture,
		}
		src, err := d.CreateTexture2D(desc)
		if err != nil {
			t.Fatalf("create: %v", err)
		}
		dst, err := d.CreateTexture2D(desc)
		if err != nil {
			t.Fatalf("create: %v", err)
		}
		mustFlush(t, d)

		check := snapshot(d)
		failSecondAppend(d)
		if err := d.CopyResource(dst, src); !errors.Is(err, ErrOutOfMemory) {
			t.Fatalf("copy: %v", err)
		}
		check.verify(t, d)
	})

	t.Run("allocation list", func(t *testing.T) {
		d, _ := guestDevice(t, hostsim.Options{})
		src := renderTarget(t, d, 8, 8)
		dst := renderTarget(t, d, 8, 8)
		mustFlush(t, d)

		d.allocs.Limit = 1
		check := snapshot(d)
		if err := d.CopyResource(dst, src); !errors.Is(err, ErrOutOfMemory) {
			t.Fatalf("copy: %v", err)
		}
		check.verify(t, d)
		if !d.allocs.Poisoned() {
			t.Fatalf("failed required reference did not poison the list")
		}
	})
}

func TestExhaustedAllocationListDiscardsSubmission(t *testing.T) {
	d, host := guestDevice(t, hostsim.Options{})
	src := renderTarget(t, d, 8, 8)
	dst := renderTarget(t, d, 8, 8)
	mustFlush(t, d)
	before := len(host.Submissions())

	if err := d.DebugMarker("before copy"); err != nil {
		t.Fatalf("marker: %v", err)
	}
	d.allocs.Limit = 1
	if err := d.CopyResource(dst, src); !errors.Is(err, ErrOutOfMemory) {
		t.Fatalf("copy: %v", err)
	}
	d.allocs.Limit = 0

	if f, err := d.Flush(); !errors.Is(err, ErrOutOfMemory) || f != 0 {
		t.Fatalf("flush of poisoned list: fence %d, %v", f, err)
	}
	if n := len(host.Submissions()); n != before {
		t.Fatalf("%d chunks submitted from a poisoned list", n-before)
	}
	if !d.enc.Empty() || d.allocs.Len() != 0 || d.allocs.Poisoned() {
		t.Fatalf("pending work survived the discard: empty=%v allocs=%d poisoned=%v",
			d.enc.Empty(), d.allocs.Len(), d.allocs.Poisoned())
	}

	if err := d.CopyResource(dst, src); err != nil {
		t.Fatalf("copy after discard: %v", err)
	}
	mustFlush(t, d)
	if s := lastSubmission(t, host); len(s.Table) != 2 || hasOpcode(s, protocol.OpDebugMarker) {
		t.Fatalf("submission after discard: %d entries, marker=%v", len(s.Table), hasOpcode(s, protocol.OpDebugMarker))
	}
}

func TestRotateIdentities(t *testing.T) {
	d, host := guestDevice(t, hostsim.Options{})
	a, b := renderTarget(t, d, 16, 16), renderTarget(t, d, 16, 16)
	ha, hb := a.Handle, b.Handle
	if err := d.SetRenderTargets([]*resource.Resource{a}, nil); err != nil {
		t.Fatalf("set render targets: %v", err)
	}
	if err := d.SetTextures(protocol.StagePixel, 0, []*resource.Resource{b}); err != nil {
		t.Fatalf("set textures: %v", err)
	}
	mustFlush(t, d)

	t.Run("rollback", func(t *testing.T) {
		d.allocs.Limit = 1
		defer func() { d.allocs.Limit = 0 }()
		check := snapshot(d)
		ida, idb := a.Identity(), b.Identity()
		if err := d.RotateResourceIdentities([]*resource.Resource{a, b}); !errors.Is(err, ErrOutOfMemory) {
			t.Fatalf("rotate: %v", err)
		}
		check.verify(t, d)
		if d.allocs.Poisoned() {
			t.Fatalf("rebind references poisoned the list")
		}
		if a.Handle != ida.Handle || b.Handle != idb.Handle || a.Backing != ida.Backing || b.Backing != idb.Backing {
			t.Fatalf("identities not restored")
		}
	})

	if err := d.RotateResourceIdentities([]*resource.Resource{a, b}); err != nil {
		t.Fatalf("rotate: %v", err)
	}
	if a.Handle != hb || b.Handle != ha {
		t.Fatalf("handles after rotate: %d %d", a.Handle, b.Handle)
	}
	if d.resources[a.Handle] != a || d.resources[b.Handle] != b {
		t.Fatalf("device lookup not updated")
	}
	st := d.cache.State()
	if st.RenderTargets[0].Handle != hb || st.Stages[protocol.StagePixel].Textures[0].Handle != ha {
		t.Fatalf("cached handles did not follow the rotation")
	}
	mustFlush(t, d)
	s := lastSubmission(t, host)
	if !hasOpcode(s, protocol.OpSetRenderTargets) || !hasOpcode(s, protocol.OpSetTexture) {
		t.Fatalf("rotation did not rebind")
	}

	if err := d.RotateResourceIdentities([]*resource.Resource{a}); !errors.Is(err, ErrInvalidArg) {
		t.Fatalf("single resource rotate: %v", err)
	}
}

func TestSharedSurfaceAcrossDevices(t *testing.T) {
	host := newHost(t, hostsim.Options{})
	exporter := fixture{host: host, guest: true}.device(t)
	importer := fixture{host: host, guest: true, first: 0x1000}.device(t)

	src, err := exporter.CreateTexture2D(resource.TextureDesc{
		Format:      protocol.FormatB8G8R8A8Unorm,
		Width:       32,
		Height:      32,
		MipLevels:   1,
		ArrayLayers: 1,
		Usage:       protocol.UsageRenderTarget | protocol.UsageTexture,
		Shared:      true,
	})
	if err != nil {
		t.Fatalf("create shared: %v", err)
	}
	// Creation flushes so the token is known before the call returns.
	exports := packetsOf[protocol.SharedSurface](lastSubmission(t, host))
	if len(exports) != 1 || exports[0].Op != protocol.OpExportSharedSurface || exports[0].Token != src.ShareToken {
		t.Fatalf("export packets %+v", exports)
	}

	alias, err := importer.OpenSharedResource(src.ShareToken)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if !alias.Alias || alias.Width != 32 || alias.Backing.RuntimeHandle != src.Backing.RuntimeHandle {
		t.Fatalf("alias %+v", alias)
	}
	if err := importer.SetTextures(protocol.StagePixel, 0, []*resource.Resource{alias}); err != nil {
		t.Fatalf("bind alias: %v", err)
	}
	if err := importer.Draw(protocol.Draw{VertexCount: 3, InstanceCount: 1}); err != nil {
		t.Fatalf("draw: %v", err)
	}
	mustFlush(t, importer)
	s := lastSubmission(t, host)
	imports := packetsOf[protocol.SharedSurface](s)
	if len(imports) != 1 || imports[0].Op != protocol.OpImportSharedSurface {
		t.Fatalf("import packets %+v", imports)
	}
	if len(s.Table) != 1 || s.Table[0].AllocID != src.Backing.AllocID {
		t.Fatalf("alias not tracked: %+v", s.Table)
	}

	// The importer lets go first; the exporter's release is the last one.
	if err := importer.DestroyResource(alias); err != nil {
		t.Fatalf("destroy alias: %v", err)
	}
	mustFlush(t, importer)
	if hasOpcode(lastSubmission(t, host), protocol.OpReleaseSharedSurface) {
		t.Fatalf("release sent while the exporter holds a reference")
	}
	live := host.Allocations()
	if err := exporter.DestroyResource(src); err != nil {
		t.Fatalf("destroy: %v", err)
	}
	mustFlush(t, exporter)
	if !hasOpcode(lastSubmission(t, host), protocol.OpReleaseSharedSurface) {
		t.Fatalf("last release not sent")
	}
	if host.Allocations() != live-1 {
		t.Fatalf("exporter allocation not freed")
	}
}

func TestOpenUnknownToken(t *testing.T) {
	d, _ := guestDevice(t, hostsim.Options{})
	check := snapshot(d)
	if _, err := d.OpenSharedResource(0xdead); !errors.Is(err, ErrInvalidArg) {
		t.Fatalf("unknown token: %v", err)
	}
	check.verify(t, d)
}
