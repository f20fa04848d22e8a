package umd

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"testing"

	"github.com/tinyrange/pvgpu/internal/config"
	"github.com/tinyrange/pvgpu/internal/hostsim"
	"github.com/tinyrange/pvgpu/internal/protocol"
	"github.com/tinyrange/pvgpu/internal/resource"
	"github.com/tinyrange/pvgpu/internal/shared"
)

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

type seqHandles struct{ next uint32 }

func (s *seqHandles) Next() (uint32, error) {
	s.next++
	return s.next, nil
}

type fixture struct {
	host *hostsim.Host
	cfg  config.Config
	// guest backs resources with hostsim allocations. Without it every
	// resource is host-owned.
	guest bool
	first uint32
	// tokens replaces the host as share-token service.
	tokens shared.TokenService
}

func newHost(t *testing.T, opts hostsim.Options) *hostsim.Host {
	t.Helper()
	opts.Log = quiet
	h, err := hostsim.New(opts)
	if err != nil {
		t.Fatalf("hostsim: %v", err)
	}
	t.Cleanup(func() { h.Close() })
	return h
}

func (f fixture) device(t *testing.T) *Device {
	t.Helper()
	if f.cfg.TransferBufferBytes == 0 {
		f.cfg = config.Default()
	}
	opts := Options{
		Runtime: f.host.Runtime(),
		Fences:  f.host.FenceSources(),
		Tokens:  f.host,
		Handles: &seqHandles{next: f.first},
		Config:  &f.cfg,
		Log:     quiet,
	}
	if f.guest {
		opts.Allocations = f.host
	}
	if f.tokens != nil {
		opts.Tokens = f.tokens
	}
	d := New(opts)
	t.Cleanup(func() { d.Close() })
	return d
}

func guestDevice(t *testing.T, opts hostsim.Options) (*Device, *hostsim.Host) {
	t.Helper()
	h := newHost(t, opts)
	return fixture{host: h, guest: true}.device(t), h
}

func lastSubmission(t *testing.T, h *hostsim.Host) hostsim.Submission {
	t.Helper()
	subs := h.Submissions()
	if len(subs) == 0 {
		t.Fatalf("nothing submitted")
	}
	return subs[len(subs)-1]
}

func packetsOf[T protocol.Packet](s hostsim.Submission) []T {
	var out []T
	for _, p := range s.Packets {
		if v, ok := p.Decoded.(T); ok {
			out = append(out, v)
		}
	}
	return out
}

func hasOpcode(s hostsim.Submission, op protocol.Opcode) bool {
	for _, p := range s.Packets {
		if p.Opcode == op {
			return true
		}
	}
	return false
}

func mustFlush(t *testing.T, d *Device) uint64 {
	t.Helper()
	f, err := d.Flush()
	if err != nil {
		t.Fatalf("flush: %v", err)
	}
	return f
}

func renderTarget(t *testing.T, d *Device, w, h uint32) *resource.Resource {
	t.Helper()
	r, err := d.CreateTexture2D(resource.TextureDesc{
		Format:      protocol.FormatB8G8R8A8Unorm,
		Width:       w,
		Height:      h,
		MipLevels:   1,
		ArrayLayers: 1,
		Usage:       protocol.UsageRenderTarget | protocol.UsageTexture,
	})
	if err != nil {
		t.Fatalf("create render target: %v", err)
	}
	return r
}

func stagingTexture(t *testing.T, d *Device, w, h uint32) *resource.Resource {
	t.Helper()
	r, err := d.CreateTexture2D(resource.TextureDesc{
		Format:      protocol.FormatB8G8R8A8Unorm,
		Width:       w,
		Height:      h,
		MipLevels:   1,
		ArrayLayers: 1,
		CPUAccess:   resource.CPUAccessRead,
		Staging:     true,
	})
	if err != nil {
		t.Fatalf("create staging texture: %v", err)
	}
	return r
}

func TestClearAndReadBack(t *testing.T) {
	d, host := guestDevice(t, hostsim.Options{})
	rt := renderTarget(t, d, 64, 64)
	staging := stagingTexture(t, d, 64, 64)

	if err := d.SetRenderTargets([]*resource.Resource{rt}, nil); err != nil {
		t.Fatalf("set render targets: %v", err)
	}
	if err := d.Clear(protocol.ClearColor, [4]float32{0, 0.5, 1, 1}, 0, 0); err != nil {
		t.Fatalf("clear: %v", err)
	}
	first := mustFlush(t, d)
	if first == 0 {
		t.Fatalf("clear produced no fence")
	}

	if err := d.CopyResource(staging, rt); err != nil {
		t.Fatalf("copy: %v", err)
	}
	second := mustFlush(t, d)
	if second <= first {
		t.Fatalf("fence %d after %d", second, first)
	}

	s := lastSubmission(t, host)
	if len(s.Table) != 2 {
		t.Fatalf("allocation table has %d entries", len(s.Table))
	}
	byID := map[uint32]protocol.AllocEntry{}
	for _, e := range s.Table {
		byID[e.AllocID] = e
	}
	if e, ok := byID[rt.Backing.AllocID]; !ok || !e.ReadOnly() {
		t.Fatalf("copy source entry %+v", e)
	}
	if e, ok := byID[staging.Backing.AllocID]; !ok || e.ReadOnly() {
		t.Fatalf("copy destination entry %+v", e)
	}
	copies := packetsOf[protocol.CopyTexture2D](s)
	if len(copies) != 1 || copies[0].Flags&protocol.CopyFlagWritebackDst == 0 {
		t.Fatalf("copy packets %+v", copies)
	}
	if staging.LastGPUWriteFence != second {
		t.Fatalf("staging write fence %d, want %d", staging.LastGPUWriteFence, second)
	}

	m, err := d.Map(staging, 0, MapRead)
	if err != nil {
		t.Fatalf("map: %v", err)
	}
	if len(m.Data) != 64*64*4 || m.RowPitch != 64*4 {
		t.Fatalf("mapped %d bytes pitch %d", len(m.Data), m.RowPitch)
	}
	if err := d.Unmap(staging); err != nil {
		t.Fatalf("unmap: %v", err)
	}
}

func TestEmptyFlush(t *testing.T) {
	d, host := guestDevice(t, hostsim.Options{})
	if f := mustFlush(t, d); f != 0 {
		t.Fatalf("empty flush returned fence %d", f)
	}
	if n := len(host.Submissions()); n != 0 {
		t.Fatalf("%d submissions", n)
	}
}

func TestMapDoNotWait(t *testing.T) {
	d, host := guestDevice(t, hostsim.Options{ManualCompletion: true})
	src, err := d.CreateBuffer(resource.BufferDesc{SizeBytes: 256, Usage: protocol.UsageVertexBuffer})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	dst, err := d.CreateBuffer(resource.BufferDesc{SizeBytes: 256, CPUAccess: resource.CPUAccessRead, Staging: true})
	if err != nil {
		t.Fatalf("create staging: %v", err)
	}
	if err := d.CopyBuffer(dst, 0, src, 0, 256); err != nil {
		t.Fatalf("copy: %v", err)
	}

	// The pending copy is flushed by the map but never completes.
	_, err = d.Map(dst, 0, MapRead|MapDoNotWait)
	if !errors.Is(err, ErrStillDrawing) {
		t.Fatalf("map while drawing: %v", err)
	}
	if dst.Mapped() {
		t.Fatalf("failed map left the resource mapped")
	}
	if d.SubmittedFence() == 0 {
		t.Fatalf("map did not flush the pending copy")
	}

	host.CompleteAll()
	if _, err := d.Map(dst, 0, MapRead|MapDoNotWait); err != nil {
		t.Fatalf("map after completion: %v", err)
	}
	if err := d.Unmap(dst); err != nil {
		t.Fatalf("unmap: %v", err)
	}
}

func TestMapRejectsWithoutCPUAccess(t *testing.T) {
	d, _ := guestDevice(t, hostsim.Options{})
	rt := renderTarget(t, d, 8, 8)
	if _, err := d.Map(rt, 0, MapRead); !errors.Is(err, ErrInvalidArg) {
		t.Fatalf("map of GPU-only texture: %v", err)
	}
	var uerr *Error
	if _, err := d.Map(rt, 0, 0); !errors.As(err, &uerr) || uerr.Handle != rt.Handle {
		t.Fatalf("map with no mode: %v", err)
	}
}

func TestPresentVSync(t *testing.T) {
	for _, tt := range []struct {
		name     string
		vblank   bool
		vsync    config.VSync
		interval int
		want     bool
	}{
		{"auto with interval", true, config.VSyncAuto, 1, true},
		{"auto immediate", true, config.VSyncAuto, 0, false},
		{"always", true, config.VSyncAlways, 0, true},
		{"never", true, config.VSyncNever, 1, false},
		{"no vblank", false, config.VSyncAlways, 1, false},
	} {
		t.Run(tt.name, func(t *testing.T) {
			host := newHost(t, hostsim.Options{VBlank: tt.vblank})
			cfg := config.Default()
			cfg.VSync = tt.vsync
			// The host's answer replaces the configured one.
			cfg.VBlankSupported = !tt.vblank
			d := fixture{host: host, cfg: cfg, guest: true}.device(t)
			rt := renderTarget(t, d, 16, 16)

			f, err := d.Present(rt, tt.interval)
			if err != nil {
				t.Fatalf("present: %v", err)
			}
			s := lastSubmission(t, host)
			if !s.Present || s.Fence != f {
				t.Fatalf("submission %+v for fence %d", s, f)
			}
			presents := packetsOf[protocol.Present](s)
			if len(presents) != 1 {
				t.Fatalf("%d present packets", len(presents))
			}
			if got := presents[0].Flags&protocol.PresentFlagVSync != 0; got != tt.want {
				t.Fatalf("vsync %v, want %v", got, tt.want)
			}
			targets := packetsOf[protocol.SetRenderTargets](s)
			if len(targets) != 1 || targets[0].Colors[0] != rt.Handle {
				t.Fatalf("present source not bound: %+v", targets)
			}
		})
	}
}

func TestPresentKeepsBoundTarget(t *testing.T) {
	d, host := guestDevice(t, hostsim.Options{})
	rt := renderTarget(t, d, 16, 16)
	if err := d.SetRenderTargets([]*resource.Resource{rt}, nil); err != nil {
		t.Fatalf("set render targets: %v", err)
	}
	mustFlush(t, d)

	if _, err := d.Present(rt, 0); err != nil {
		t.Fatalf("present: %v", err)
	}
	s := lastSubmission(t, host)
	if hasOpcode(s, protocol.OpSetRenderTargets) {
		t.Fatalf("present rebound a target that was already bound")
	}
	if _, err := d.Present(nil, 0); err != nil {
		t.Fatalf("present without source: %v", err)
	}
}

func TestPresentTracksBoundTarget(t *testing.T) {
	d, host := guestDevice(t, hostsim.Options{})
	rt := renderTarget(t, d, 64, 64)
	if err := d.SetRenderTargets([]*resource.Resource{rt}, nil); err != nil {
		t.Fatalf("set render targets: %v", err)
	}
	if err := d.Clear(protocol.ClearColor, [4]float32{1, 1, 1, 1}, 0, 0); err != nil {
		t.Fatalf("clear: %v", err)
	}
	mustFlush(t, d)

	if _, err := d.Present(nil, 1); err != nil {
		t.Fatalf("present: %v", err)
	}
	s := lastSubmission(t, host)
	if !s.Present || !hasOpcode(s, protocol.OpPresent) {
		t.Fatalf("last submission is not the present")
	}
	if len(s.Table) != 1 || s.Table[0].AllocID != rt.Backing.AllocID || !s.Table[0].ReadOnly() {
		t.Fatalf("present table %+v, want read-only alloc %d", s.Table, rt.Backing.AllocID)
	}
}

func TestPartialFlushKeepsSubmittedFence(t *testing.T) {
	d, host := guestDevice(t, hostsim.Options{CommandBytes: 256, ManualCompletion: true})
	for i := range 40 {
		if err := d.DebugMarker(fmt.Sprintf("marker %d", i)); err != nil {
			t.Fatalf("marker: %v", err)
		}
	}
	boom := errors.New("render failed")
	host.FailAfter(1, boom)
	if _, err := d.Flush(); !errors.Is(err, boom) {
		t.Fatalf("flush: %v", err)
	}
	subs := host.Submissions()
	if len(subs) != 1 {
		t.Fatalf("%d chunks reached the host", len(subs))
	}
	if d.SubmittedFence() != subs[0].Fence {
		t.Fatalf("submitted fence %d, host ran %d", d.SubmittedFence(), subs[0].Fence)
	}
	if err := d.WaitIdle(0); !errors.Is(err, ErrStillDrawing) {
		t.Fatalf("wait idle with a chunk still running: %v", err)
	}
	host.CompleteAll()
	if err := d.WaitIdle(0); err != nil {
		t.Fatalf("wait idle: %v", err)
	}
}

// releaseLog records token releases.
type releaseLog struct {
	shared.TokenService
	released []uint64
}

func (r *releaseLog) Release(token uint64) (int, error) {
	r.released = append(r.released, token)
	return r.TokenService.Release(token)
}

func TestSharedCreateFlushFailure(t *testing.T) {
	host := newHost(t, hostsim.Options{})
	tokens := &releaseLog{TokenService: host}
	d := fixture{host: host, guest: true, tokens: tokens}.device(t)

	host.FailNext(errors.New("render failed"))
	_, err := d.CreateTexture2D(resource.TextureDesc{
		Format:      protocol.FormatB8G8R8A8Unorm,
		Width:       16,
		Height:      16,
		MipLevels:   1,
		ArrayLayers: 1,
		Usage:       protocol.UsageRenderTarget,
		Shared:      true,
	})
	if err == nil {
		t.Fatalf("shared create succeeded without its flush")
	}
	if len(tokens.released) != 1 {
		t.Fatalf("%d token releases", len(tokens.released))
	}
	if !d.enc.Empty() {
		t.Fatalf("failed shared create left packets pending")
	}

	if err := d.DebugMarker("after"); err != nil {
		t.Fatalf("marker: %v", err)
	}
	mustFlush(t, d)
	if hasOpcode(lastSubmission(t, host), protocol.OpReleaseSharedSurface) {
		t.Fatalf("released a token the host never saw")
	}
}

func TestDeviceLost(t *testing.T) {
	d, host := guestDevice(t, hostsim.Options{})
	host.Lose()
	if err := d.Clear(protocol.ClearColor, [4]float32{}, 0, 0); err != nil {
		t.Fatalf("clear: %v", err)
	}
	if _, err := d.Flush(); !errors.Is(err, ErrDeviceLost) {
		t.Fatalf("flush on lost device: %v", err)
	}
	if err := d.Draw(protocol.Draw{VertexCount: 3, InstanceCount: 1}); !errors.Is(err, ErrDeviceLost) {
		t.Fatalf("draw after loss: %v", err)
	}
	if _, err := d.CreateBuffer(resource.BufferDesc{SizeBytes: 16}); !errors.Is(err, ErrDeviceLost) {
		t.Fatalf("create after loss: %v", err)
	}
}

func TestDestroyReportsUnbindFailures(t *testing.T) {
	d, _ := guestDevice(t, hostsim.Options{})
	var reported []error
	d.SetErrorSink(func(err error) { reported = append(reported, err) })

	rt := renderTarget(t, d, 16, 16)
	if err := d.SetRenderTargets([]*resource.Resource{rt}, nil); err != nil {
		t.Fatalf("set render targets: %v", err)
	}
	mustFlush(t, d)

	d.enc.Limit = d.enc.Size()
	if err := d.DestroyResource(rt); err != nil {
		t.Fatalf("destroy: %v", err)
	}
	d.enc.Limit = 0

	if len(reported) != 2 {
		t.Fatalf("reported %d errors: %v", len(reported), reported)
	}
	for _, err := range reported {
		if !errors.Is(err, ErrOutOfMemory) {
			t.Fatalf("reported %v", err)
		}
	}
	if st := d.cache.State(); st.RenderTargets[0].Handle != 0 {
		t.Fatalf("destroyed target still bound")
	}
	if err := d.SetRenderTargets([]*resource.Resource{rt}, nil); !errors.Is(err, ErrInvalidArg) {
		t.Fatalf("destroyed resource accepted: %v", err)
	}
}

func TestWaitIdle(t *testing.T) {
	d, host := guestDevice(t, hostsim.Options{ManualCompletion: true})
	if err := d.DebugMarker("frame 1"); err != nil {
		t.Fatalf("marker: %v", err)
	}
	if err := d.WaitIdle(0); !errors.Is(err, ErrStillDrawing) {
		t.Fatalf("wait idle with pending work: %v", err)
	}
	host.CompleteAll()
	if err := d.WaitIdle(0); err != nil {
		t.Fatalf("wait idle: %v", err)
	}
	if d.CompletedFence() != d.SubmittedFence() {
		t.Fatalf("completed %d submitted %d", d.CompletedFence(), d.SubmittedFence())
	}
}
