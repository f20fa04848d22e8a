// Package umd is the device facade. It turns API calls into command stream
// packets, records the backing allocations they touch and drives submission
// and fence waits through the host runtime.
//
// A Device serializes every call through one mutex. Only fence waits release
// it while they block.
package umd

import (
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/tinyrange/pvgpu/internal/alloctrack"
	"github.com/tinyrange/pvgpu/internal/bindcache"
	"github.com/tinyrange/pvgpu/internal/cmdstream"
	"github.com/tinyrange/pvgpu/internal/config"
	"github.com/tinyrange/pvgpu/internal/fence"
	"github.com/tinyrange/pvgpu/internal/handles"
	"github.com/tinyrange/pvgpu/internal/protocol"
	"github.com/tinyrange/pvgpu/internal/resource"
	"github.com/tinyrange/pvgpu/internal/shared"
	"github.com/tinyrange/pvgpu/internal/submit"
	"github.com/tinyrange/pvgpu/internal/trace"
)

// AllocationLayer is the host allocation layer. CreateAllocation receives
// the encoded metadata blob of a new resource and returns the runtime handle
// together with the blob as the host completed it.
type AllocationLayer interface {
	CreateAllocation(priv []byte) (runtimeHandle uint32, completed []byte, err error)
	DestroyAllocation(runtimeHandle uint32) error
}

// allocationOpener is implemented by allocation layers that can open an
// allocation exported by another process.
type allocationOpener interface {
	OpenAllocation(allocID uint32) (uint32, error)
}

type vblankReporter interface {
	VBlankSupported() bool
}

// HandleSource hands out object handles. *handles.Allocator is the usual
// implementation.
type HandleSource interface {
	Next() (uint32, error)
}

type Options struct {
	// Runtime is the host display-driver runtime. See submit.Engine for
	// the capabilities it may implement.
	Runtime any

	// Fences are the completion sources used by waits and Map.
	Fences fence.Sources

	// Allocations backs resources with guest memory. Without it every
	// resource is host-owned and its bytes travel in upload packets.
	Allocations AllocationLayer

	// Tokens defaults to an in-process token service.
	Tokens shared.TokenService

	// Handles defaults to a process-local handle allocator.
	Handles HandleSource

	// Config defaults to config.Default().
	Config *config.Config

	Trace *trace.Recorder

	// Name identifies the device in trace records and logs.
	Name string

	Log *slog.Logger
}

// Device is one rendering context.
type Device struct {
	mu   sync.Mutex
	log  *slog.Logger
	cfg  config.Config
	name string

	enc    *cmdstream.Encoder
	allocs *alloctrack.Tracker
	cache  *bindcache.Cache
	engine *submit.Engine
	fences *fence.Tracker

	rt      any
	layer   AllocationLayer
	tokens  shared.TokenService
	handles HandleSource
	trace   *trace.Recorder

	resources map[uint32]*resource.Resource
	views     map[uint32]*resource.Resource
	shaders   map[uint32]protocol.ShaderStage
	layouts   map[uint32]bool
	samplers  map[uint32]bool

	// pendingWrites are CPU-readable resources the pending submission
	// writes. They get the submission's fence once it is sent.
	pendingWrites []*resource.Resource

	// deferredFree are runtime handles of destroyed resources, freed after
	// the next submission stops referencing them.
	deferredFree []uint32

	sink func(error)
	lost bool
}

func New(opts Options) *Device {
	log := opts.Log
	if log == nil {
		log = slog.Default()
	}
	cfg := config.Default()
	if opts.Config != nil {
		cfg = *opts.Config
	}
	name := opts.Name
	if name == "" {
		name = "device"
	}
	d := &Device{
		log:       log.With(slog.String("device", name)),
		cfg:       cfg,
		name:      name,
		enc:       cmdstream.New(),
		allocs:    alloctrack.New(),
		cache:     bindcache.New(),
		engine:    submit.New(opts.Runtime, log),
		fences:    fence.NewTracker(opts.Fences, log),
		rt:        opts.Runtime,
		layer:     opts.Allocations,
		tokens:    opts.Tokens,
		handles:   opts.Handles,
		trace:     opts.Trace,
		resources: make(map[uint32]*resource.Resource),
		views:     make(map[uint32]*resource.Resource),
		shaders:   make(map[uint32]protocol.ShaderStage),
		layouts:   make(map[uint32]bool),
		samplers:  make(map[uint32]bool),
	}
	if d.tokens == nil {
		d.tokens = shared.NewLocalTokens()
	}
	if d.handles == nil {
		d.handles = handles.New(handles.Options{Log: log})
	}
	d.enc.Limit = cfg.EncoderLimit
	d.allocs.Limit = cfg.AllocListEntries
	d.engine.PreferredChunk = cfg.TransferBufferBytes
	if d.trace.Enabled() {
		d.engine.OnSubmit = d.trace.Hook(name, d.report)
	}
	return d
}

// SetErrorSink receives errors that an operation could not return, such as
// a failure to unbind a resource that is being destroyed.
func (d *Device) SetErrorSink(fn func(error)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sink = fn
}

// report must be called with d.mu held.
func (d *Device) report(err error) {
	if d.sink != nil {
		d.sink(err)
		return
	}
	d.log.Warn("umd: unreported error", "err", err)
}

// SubmittedFence is the last fence handed out by the runtime.
func (d *Device) SubmittedFence() uint64 { return d.fences.Submitted() }

// CompletedFence queries the best available completion source.
func (d *Device) CompletedFence() uint64 { return d.fences.QueryCompleted() }

func (d *Device) usable(op string) error {
	if d.lost {
		return &Error{Op: op, Kind: ErrDeviceLost, Err: ErrDeviceLost}
	}
	return nil
}

func (d *Device) newHandle(op string) (uint32, error) {
	h, err := d.handles.Next()
	if err != nil {
		return 0, &Error{Op: op, Kind: ErrOutOfMemory, Err: err}
	}
	return h, nil
}

// txn is a rollback point across the encoder, the allocation list and the
// binding cache.
type txn struct {
	enc    cmdstream.Checkpoint
	allocs alloctrack.Checkpoint
	cache  bindcache.Snapshot
	writes int
}

func (d *Device) begin() txn {
	return txn{
		enc:    d.enc.Checkpoint(),
		allocs: d.allocs.Checkpoint(),
		cache:  d.cache.Snapshot(),
		writes: len(d.pendingWrites),
	}
}

func (d *Device) rollback(t txn) {
	d.enc.Rollback(t.enc)
	d.allocs.Rollback(t.allocs)
	d.cache.Restore(t.cache)
	d.pendingWrites = d.pendingWrites[:t.writes]
}

// commit marks the engine as holding pending work.
func (d *Device) commit() { d.engine.Accumulate() }

// track adds a reference the packet cannot execute without. A failure
// poisons the list: the caller rolls back and the next flush discards the
// pending submission.
func (d *Device) track(r *resource.Resource, write bool) error {
	if r == nil {
		return nil
	}
	if err := d.allocs.Track(r, write); err != nil {
		return fmt.Errorf("resource 0x%x: %w", r.Handle, err)
	}
	return nil
}

// tryTrack adds a reference for a packet the caller can drop. A failure
// leaves the list usable.
func (d *Device) tryTrack(r *resource.Resource, write bool) error {
	if r == nil {
		return nil
	}
	if !d.allocs.TryTrack(r, write) {
		return fmt.Errorf("%w: resource 0x%x", alloctrack.ErrOutOfMemory, r.Handle)
	}
	return nil
}

// noteWrite records a GPU write to a resource the CPU may read back.
func (d *Device) noteWrite(r *resource.Resource) {
	if !r.Staging && r.CPUAccess&resource.CPUAccessRead == 0 {
		return
	}
	if !slices.Contains(d.pendingWrites, r) {
		d.pendingWrites = append(d.pendingWrites, r)
	}
}

func (d *Device) appendAll(pkts []protocol.Packet) error {
	for _, p := range pkts {
		if err := d.enc.Append(p); err != nil {
			return err
		}
	}
	return nil
}

// Flush submits every pending packet and returns its fence, or 0 when
// nothing was pending.
func (d *Device) Flush() (uint64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.usable("flush"); err != nil {
		return 0, err
	}
	return d.flushLocked("flush", false)
}

func (d *Device) flushLocked(op string, present bool) (uint64, error) {
	writes := d.pendingWrites
	d.pendingWrites = nil
	defer func() {
		d.enc.Reset()
		d.allocs.Reset()
		d.freeDeferred()
	}()

	if d.allocs.Poisoned() {
		d.engine.Discard()
		return 0, &Error{Op: op, Kind: ErrOutOfMemory, Err: alloctrack.ErrOutOfMemory}
	}
	if d.enc.Empty() {
		d.engine.Discard()
		return 0, nil
	}

	entries := d.allocs.List()
	list := make([]submit.Allocation, len(entries))
	for i, e := range entries {
		list[i] = submit.Allocation{Handle: e.RuntimeHandle, AllocID: e.AllocID, Write: e.Write}
	}
	f, err := d.engine.Submit(d.enc.Finalize(), present, list)
	if f != 0 {
		// Chunks before a failing one are already running on the host.
		d.fences.MarkSubmitted(f)
		for _, r := range writes {
			r.LastGPUWriteFence = f
		}
	}
	if err != nil {
		if errors.Is(err, submit.ErrDeviceLost) {
			d.lost = true
			d.log.Error("umd: device lost", "err", err)
		}
		return 0, opError(op, 0, err)
	}
	return f, nil
}

func (d *Device) freeDeferred() {
	if d.layer == nil {
		d.deferredFree = d.deferredFree[:0]
		return
	}
	for _, h := range d.deferredFree {
		if err := d.layer.DestroyAllocation(h); err != nil {
			d.report(opError("free allocation", 0, err))
		}
	}
	d.deferredFree = d.deferredFree[:0]
}

// presentVSync decides the present flags. The host must advertise vblank
// and the configured policy must ask for it.
func (d *Device) presentVSync(syncInterval int) bool {
	cfg := d.cfg
	if vb, ok := d.rt.(vblankReporter); ok {
		cfg.VBlankSupported = vb.VBlankSupported()
	}
	return cfg.PresentWaitsForVBlank(syncInterval)
}

// Present shows src, or the current render target when src is nil, and
// submits. src becomes render target 0.
func (d *Device) Present(src *resource.Resource, syncInterval int) (uint64, error) {
	const op = "present"
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.usable(op); err != nil {
		return 0, err
	}
	t := d.begin()
	err := d.bindPresentSource(op, src)
	if err == nil {
		var flags uint32
		if d.presentVSync(syncInterval) {
			flags |= protocol.PresentFlagVSync
		}
		err = d.enc.Append(protocol.Present{Flags: flags})
	}
	if err != nil {
		d.rollback(t)
		return 0, opError(op, 0, err)
	}
	d.commit()
	return d.flushLocked(op, true)
}

func (d *Device) bindPresentSource(op string, src *resource.Resource) error {
	if src == nil {
		st := d.cache.State()
		if st.ColorCount == 0 {
			return nil
		}
		return d.tryTrack(st.RenderTargets[0].Res, false)
	}
	if err := d.checkResource(op, src); err != nil {
		return err
	}
	if src.Kind != resource.KindTexture2D {
		return invalid(op, src.Handle, "present source is a %s", src.Kind)
	}
	if err := d.tryTrack(src, false); err != nil {
		return err
	}
	st := d.cache.State()
	colors := make([]bindcache.Binding, max(1, int(st.ColorCount)))
	copy(colors, st.RenderTargets[:st.ColorCount])
	colors[0] = bindcache.Binding{Handle: src.Handle, Res: src}
	if !d.cache.SetRenderTargets(colors, st.DepthStencilView) {
		return nil
	}
	return d.enc.Append(d.renderTargetsPacket())
}

// WaitIdle flushes and waits until everything submitted so far completes.
func (d *Device) WaitIdle(timeout time.Duration) error {
	const op = "wait idle"
	d.mu.Lock()
	if err := d.usable(op); err != nil {
		d.mu.Unlock()
		return err
	}
	if _, err := d.flushLocked(op, false); err != nil {
		d.mu.Unlock()
		return err
	}
	f := d.fences.Submitted()
	d.mu.Unlock()
	return opError(op, 0, d.fences.Wait(f, timeout))
}

// DebugMarker inserts a labelled marker into the stream and the trace.
func (d *Device) DebugMarker(label string) error {
	const op = "debug marker"
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.usable(op); err != nil {
		return err
	}
	if err := d.enc.DebugMarker(label); err != nil {
		return opError(op, 0, err)
	}
	d.commit()
	if err := d.trace.Marker(d.name, "%s", label); err != nil {
		d.report(opError(op, 0, err))
	}
	return nil
}

// Close submits pending work and releases every allocation the device
// still owns.
func (d *Device) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	var errs []error
	if !d.lost {
		if _, err := d.flushLocked("close", false); err != nil {
			errs = append(errs, err)
		}
	}
	for h, r := range d.resources {
		d.releaseResource(r)
		delete(d.resources, h)
	}
	d.freeDeferred()
	return errors.Join(errs...)
}
