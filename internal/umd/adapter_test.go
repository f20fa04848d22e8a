package umd

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/tinyrange/pvgpu/internal/config"
	"github.com/tinyrange/pvgpu/internal/ddi"
	"github.com/tinyrange/pvgpu/internal/hostrt"
	"github.com/tinyrange/pvgpu/internal/hostsim"
	"github.com/tinyrange/pvgpu/internal/protocol"
	"github.com/tinyrange/pvgpu/internal/resource"
	"github.com/tinyrange/pvgpu/internal/trace"
)

func TestOpenAdapterWithoutLibrary(t *testing.T) {
	cfg := config.Default()
	if _, err := OpenAdapter(cfg, quiet); !errors.Is(err, hostrt.ErrNoLibrary) {
		t.Fatalf("no library configured: %v", err)
	}
	cfg.HostLibrary = filepath.Join(t.TempDir(), "missing.so")
	if _, err := OpenAdapter(cfg, quiet); !errors.Is(err, hostrt.ErrNoLibrary) {
		t.Fatalf("missing library: %v", err)
	}
}

func TestAdapterTracesDevices(t *testing.T) {
	dir := t.TempDir()
	host := newHost(t, hostsim.Options{})
	cfg := config.Default()
	cfg.TracePath = filepath.Join(dir, "pvgpu.trace")

	a, err := NewAdapter(cfg, host, quiet)
	if err != nil {
		t.Fatalf("adapter: %v", err)
	}
	if a.HandleSource() != "local" {
		t.Fatalf("handle source %q", a.HandleSource())
	}
	d := a.NewDevice("app")
	rt := renderTarget(t, d, 16, 16)
	if rt.Backing.HostOwned() {
		t.Fatalf("adapter device did not use the host allocation layer")
	}
	if err := d.DebugMarker("first frame"); err != nil {
		t.Fatalf("marker: %v", err)
	}
	f, err := d.Present(rt, 1)
	if err != nil {
		t.Fatalf("present: %v", err)
	}
	if err := a.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if host.Allocations() != 0 {
		t.Fatalf("%d allocations left after close", host.Allocations())
	}

	r, closer, err := trace.OpenReader(cfg.TracePath)
	if err != nil {
		t.Fatalf("open trace: %v", err)
	}
	defer closer.Close()
	if src := r.Sources(); len(src) != 1 || src[0] != "app" {
		t.Fatalf("trace sources %v", src)
	}
	var presents int
	err = r.Submissions(trace.SearchOptions{}, func(rec trace.Record, s trace.SubmissionRecord) error {
		if s.Present {
			presents++
			if s.Fence != f {
				t.Errorf("present fence %d, want %d", s.Fence, f)
			}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("submissions: %v", err)
	}
	if presents != 1 {
		t.Fatalf("%d presents traced", presents)
	}
}

func TestDeviceEntries(t *testing.T) {
	d, host := guestDevice(t, hostsim.Options{})
	tbl := ddi.Build(DeviceEntries(d), quiet)

	v, err := tbl.Call("CreateResource", resource.Desc{
		Kind:   resource.KindBuffer,
		Buffer: resource.BufferDesc{SizeBytes: 64, Usage: protocol.UsageVertexBuffer},
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	buf, ok := v.(*resource.Resource)
	if !ok {
		t.Fatalf("create returned %T", v)
	}
	if _, err := tbl.Call("IaSetVertexBuffers", 0, []VertexBuffer{{Buffer: buf, Stride: 16}}); err != nil {
		t.Fatalf("set vertex buffers: %v", err)
	}
	if _, err := tbl.Call("SetRenderTargets", []*resource.Resource(nil), nil); err != nil {
		t.Fatalf("set render targets: %v", err)
	}
	if _, err := tbl.Call("Draw", protocol.Draw{VertexCount: 3, InstanceCount: 1}); err != nil {
		t.Fatalf("draw: %v", err)
	}
	f, err := tbl.Call("Flush")
	if err != nil || f.(uint64) == 0 {
		t.Fatalf("flush: %v %v", f, err)
	}
	if !hasOpcode(lastSubmission(t, host), protocol.OpDraw) {
		t.Fatalf("draw not submitted")
	}

	if _, err := tbl.Call("Draw", "three vertices"); err == nil {
		t.Fatalf("wrong argument type accepted")
	}
	if _, err := tbl.Call("CreateQuery"); !errors.Is(err, ddi.ErrNotImplemented) {
		t.Fatalf("stubbed create: %v", err)
	}
	if _, err := tbl.Call("DestroyQuery", uint32(1)); err != nil {
		t.Fatalf("stubbed destroy: %v", err)
	}
	if tbl.Implemented("CreateQuery") || !tbl.Implemented("Present") {
		t.Fatalf("implemented set wrong")
	}
	if _, err := tbl.Call("DestroyResource", buf); err != nil {
		t.Fatalf("destroy: %v", err)
	}
}
