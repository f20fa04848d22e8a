// Package submit splits a finalized command stream into chunks that fit the
// host runtime's transfer buffers and hands each chunk to the runtime.
package submit

import (
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/tinyrange/pvgpu/internal/cmdstream"
	"github.com/tinyrange/pvgpu/internal/protocol"
)

var (
	ErrNotImplemented = errors.New("submit: not implemented")
	ErrOutOfMemory    = errors.New("submit: out of memory")
	ErrNoRenderer     = errors.New("submit: runtime has no render callback")
	ErrBadBuffers     = errors.New("submit: runtime returned unusable buffers")

	// ErrDeviceLost is wrapped by runtimes that report device loss.
	ErrDeviceLost = errors.New("submit: device lost")
)

// Allocation is one entry of the allocation list handed to the runtime.
type Allocation struct {
	Handle  uint32 // runtime allocation handle, never zero
	AllocID uint32
	Write   bool
}

// Buffers are the transfer buffers for one chunk.
type Buffers struct {
	Command      []byte // capacity is len(Command)
	AllocListCap int
	DMAPriv      []byte

	// Token is opaque to the engine and returned to Deallocate.
	Token uint64
}

// AllocRequest sizes the buffers the engine wants.
type AllocRequest struct {
	CommandBytes int
	AllocEntries int
}

// SubmitArgs describes one chunk.
type SubmitArgs struct {
	Buffers     *Buffers
	Length      int // bytes of Buffers.Command in use
	Allocations []Allocation
	Present     bool
	Last        bool
}

// Chunk returns the bytes being submitted.
func (a SubmitArgs) Chunk() []byte { return a.Buffers.Command[:a.Length] }

// Allocator hands out per-submission transfer buffers.
type Allocator interface {
	Allocate(req AllocRequest) (*Buffers, error)
	Deallocate(b *Buffers)
}

// CommandBufferGetter returns the runtime's shared ambient buffers.
type CommandBufferGetter interface {
	GetCommandBuffer() (*Buffers, error)
}

type Renderer interface {
	Render(args SubmitArgs) (fence uint64, err error)
}

type Presenter interface {
	Present(args SubmitArgs) (fence uint64, err error)
}

type State int32

const (
	StateIdle State = iota
	StateAccumulating
	StateFinalizing
	StateSubmitting
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateAccumulating:
		return "accumulating"
	case StateFinalizing:
		return "finalizing"
	case StateSubmitting:
		return "submitting"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// Submission summarizes one call to Submit for tracing.
type Submission struct {
	Stream      []byte
	Allocations []Allocation
	Present     bool
	Chunks      int
	Fence       uint64
	Err         error
}

// Engine drives a runtime. The runtime may implement any subset of
// Allocator, CommandBufferGetter, Renderer and Presenter.
type Engine struct {
	rt  any
	log *slog.Logger

	// PreferredChunk is the command buffer size requested from Allocate.
	// Zero requests room for the whole stream.
	PreferredChunk int

	// MetaHandle is stamped into the DMA private data of every chunk.
	MetaHandle uint64

	// OnSubmit, when set, observes every Submit call.
	OnSubmit func(Submission)

	state atomic.Int32
}

func New(rt any, log *slog.Logger) *Engine {
	if log == nil {
		log = slog.Default()
	}
	return &Engine{rt: rt, log: log}
}

func (e *Engine) State() State { return State(e.state.Load()) }

// Accumulate notes that packets are pending.
func (e *Engine) Accumulate() {
	e.state.CompareAndSwap(int32(StateIdle), int32(StateAccumulating))
}

// Discard returns to idle without submitting.
func (e *Engine) Discard() { e.state.Store(int32(StateIdle)) }

// Runtime returns the runtime the engine drives.
func (e *Engine) Runtime() any { return e.rt }

type packetSpan struct{ off, size int }

// Submit sends a finalized stream. A stream holding only a header returns
// fence 0 without calling the runtime. The result is the largest fence
// returned across chunks.
func (e *Engine) Submit(stream []byte, wantPresent bool, allocs []Allocation) (fence uint64, err error) {
	e.state.Store(int32(StateFinalizing))
	defer e.state.Store(int32(StateIdle))

	var chunks int
	defer func() {
		if e.OnSubmit != nil {
			e.OnSubmit(Submission{
				Stream:      stream,
				Allocations: allocs,
				Present:     wantPresent,
				Chunks:      chunks,
				Fence:       fence,
				Err:         err,
			})
		}
	}()

	var spans []packetSpan
	off := protocol.StreamHeaderSize
	if err := cmdstream.Walk(stream, func(_ protocol.Opcode, pkt []byte) error {
		spans = append(spans, packetSpan{off, len(pkt)})
		off += len(pkt)
		return nil
	}); err != nil {
		return 0, fmt.Errorf("submit: %w", err)
	}
	if len(spans) == 0 {
		return 0, nil
	}
	renderer, ok := e.rt.(Renderer)
	if !ok {
		return 0, ErrNoRenderer
	}
	presenter, _ := e.rt.(Presenter)
	for i, a := range allocs {
		if a.Handle == 0 {
			return 0, fmt.Errorf("submit: allocation %d (id %d) has no runtime handle", i, a.AllocID)
		}
	}

	e.state.Store(int32(StateSubmitting))
	next := 0
	for next < len(spans) {
		bufs, release, err := e.acquire(off)
		if err != nil {
			return fence, err
		}
		f, n, err := e.submitChunk(stream, spans[next:], bufs, allocs, wantPresent, renderer, presenter)
		release()
		if err != nil {
			return fence, err
		}
		chunks++
		next += n
		if f != 0 {
			fence = max(fence, f)
		}
	}
	e.log.Debug("submitted stream",
		slog.Int("bytes", off),
		slog.Int("chunks", chunks),
		slog.Int("allocations", len(allocs)),
		slog.Uint64("fence", fence))
	return fence, nil
}

func (e *Engine) acquire(streamBytes int) (*Buffers, func(), error) {
	if a, ok := e.rt.(Allocator); ok {
		want := e.PreferredChunk
		if want <= 0 {
			want = streamBytes
		}
		bufs, err := a.Allocate(AllocRequest{CommandBytes: want})
		switch {
		case err == nil:
			return bufs, func() { a.Deallocate(bufs) }, nil
		case !errors.Is(err, ErrNotImplemented):
			return nil, nil, fmt.Errorf("submit: allocate: %w", err)
		}
	}
	if g, ok := e.rt.(CommandBufferGetter); ok {
		bufs, err := g.GetCommandBuffer()
		if err != nil {
			return nil, nil, fmt.Errorf("submit: get command buffer: %w", err)
		}
		return bufs, func() {}, nil
	}
	return nil, nil, fmt.Errorf("%w: no buffer source", ErrNotImplemented)
}

// submitChunk copies the header and as many whole packets as fit, then
// submits them. It returns the fence and the number of packets consumed.
func (e *Engine) submitChunk(stream []byte, spans []packetSpan, bufs *Buffers, allocs []Allocation,
	wantPresent bool, renderer Renderer, presenter Presenter) (uint64, int, error) {
	if bufs == nil || len(bufs.DMAPriv) < protocol.DMAPrivSize {
		return 0, 0, fmt.Errorf("%w: DMA private data missing or short", ErrBadBuffers)
	}
	if bufs.AllocListCap < len(allocs) {
		return 0, 0, fmt.Errorf("%w: allocation list holds %d of %d entries", ErrOutOfMemory, bufs.AllocListCap, len(allocs))
	}
	capacity := len(bufs.Command)
	if capacity < protocol.StreamHeaderSize+protocol.PacketHeaderSize {
		return 0, 0, fmt.Errorf("%w: command buffer of %d bytes", ErrOutOfMemory, capacity)
	}

	size := protocol.StreamHeaderSize
	n := 0
	for _, s := range spans {
		if size+s.size > capacity {
			break
		}
		size += s.size
		n++
	}
	if n == 0 {
		return 0, 0, fmt.Errorf("%w: packet of %d bytes exceeds command buffer of %d", ErrOutOfMemory, spans[0].size, capacity)
	}

	copy(bufs.Command, stream[:protocol.StreamHeaderSize])
	dst := protocol.StreamHeaderSize
	for _, s := range spans[:n] {
		dst += copy(bufs.Command[dst:], stream[s.off:s.off+s.size])
	}
	protocol.SetStreamSize(bufs.Command, uint32(size))

	last := n == len(spans)
	present := last && wantPresent && presenter != nil

	priv := protocol.DMAPriv{Type: protocol.SubmitRender, MetaHandle: e.MetaHandle}
	if present {
		priv.Type = protocol.SubmitPresent
	}
	clear(bufs.DMAPriv)
	priv.Encode(bufs.DMAPriv)

	args := SubmitArgs{
		Buffers:     bufs,
		Length:      size,
		Allocations: allocs,
		Present:     present,
		Last:        last,
	}
	var (
		f   uint64
		err error
	)
	if present {
		f, err = presenter.Present(args)
	} else {
		f, err = renderer.Render(args)
	}
	if err != nil {
		op := "render"
		if present {
			op = "present"
		}
		return 0, 0, fmt.Errorf("submit: %s: %w", op, err)
	}
	return f, n, nil
}
