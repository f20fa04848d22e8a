// Package hostrt binds a host display-driver runtime exported from a shared
// library. Every entry point is optional; the bound Library exposes exactly
// the submit and fence capabilities the library provides.
//
// The library exports a C ABI:
//
//	int32_t pvgpu_allocate(uint32_t cmd_bytes, uint32_t alloc_entries, struct pvgpu_buffers *out);
//	void    pvgpu_deallocate(uint64_t token);
//	int32_t pvgpu_get_command_buffer(struct pvgpu_buffers *out);
//	int32_t pvgpu_render(const struct pvgpu_submit *args, uint64_t *fence);
//	int32_t pvgpu_present(const struct pvgpu_submit *args, uint64_t *fence);
//	int32_t pvgpu_wait(uint64_t fence, int64_t timeout_ns);
//	int32_t pvgpu_query_fences(uint64_t *submitted, uint64_t *completed);
package hostrt

import (
	"errors"
	"fmt"
	"runtime"
	"time"
	"unsafe"

	"github.com/tinyrange/pvgpu/internal/fence"
	"github.com/tinyrange/pvgpu/internal/submit"
)

// Status codes returned by the library.
const (
	StatusOK             = 0
	StatusNotImplemented = 1
	StatusOutOfMemory    = 2
	StatusBusy           = 3
	StatusTimeout        = 4
	StatusDeviceLost     = 5
)

var (
	ErrDeviceLost = fmt.Errorf("hostrt: %w", submit.ErrDeviceLost)
	ErrNoLibrary  = errors.New("hostrt: host runtime library unavailable")
)

// StatusError is an unrecognized status code.
type StatusError struct {
	Op     string
	Status int32
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("hostrt: %s: status %d", e.Op, e.Status)
}

func statusErr(op string, st int32) error {
	switch st {
	case StatusOK:
		return nil
	case StatusNotImplemented:
		return fmt.Errorf("hostrt: %s: %w", op, submit.ErrNotImplemented)
	case StatusOutOfMemory:
		return fmt.Errorf("hostrt: %s: %w", op, submit.ErrOutOfMemory)
	case StatusBusy:
		return fence.ErrBusy
	case StatusTimeout:
		return fence.ErrTimeout
	case StatusDeviceLost:
		return ErrDeviceLost
	}
	return &StatusError{Op: op, Status: st}
}

// cBuffers mirrors struct pvgpu_buffers.
type cBuffers struct {
	Command      uintptr
	CommandBytes uint32
	AllocListCap uint32
	DMAPriv      uintptr
	DMAPrivBytes uint32
	_            uint32
	Token        uint64
}

// cAllocation mirrors struct pvgpu_allocation.
type cAllocation struct {
	Handle  uint32
	AllocID uint32
	Write   uint32
}

// cSubmit mirrors struct pvgpu_submit.
type cSubmit struct {
	Command     uintptr
	Length      uint32
	AllocCount  uint32
	Allocations uintptr
	DMAPriv     uintptr
	Last        uint32
	_           uint32
}

// Library is a bound host runtime. A nil function field means the library
// does not export that entry point.
type Library struct {
	Path string

	allocate         func(cmdBytes, allocEntries uint32, out *cBuffers) int32
	deallocate       func(token uint64)
	getCommandBuffer func(out *cBuffers) int32
	render           func(args *cSubmit, fence *uint64) int32
	present          func(args *cSubmit, fence *uint64) int32
	wait             func(fence uint64, timeoutNs int64) int32
	queryFences      func(submitted, completed *uint64) int32

	handle uintptr
}

// Capabilities lists the entry points the library exports.
func (l *Library) Capabilities() []string {
	var caps []string
	for _, c := range []struct {
		name string
		ok   bool
	}{
		{"allocate", l.allocate != nil},
		{"deallocate", l.deallocate != nil},
		{"get_command_buffer", l.getCommandBuffer != nil},
		{"render", l.render != nil},
		{"present", l.present != nil},
		{"wait", l.wait != nil},
		{"query_fences", l.queryFences != nil},
	} {
		if c.ok {
			caps = append(caps, c.name)
		}
	}
	return caps
}

func bytesAt(p uintptr, n uint32) []byte {
	if p == 0 || n == 0 {
		return nil
	}
	return unsafe.Slice((*byte)(unsafe.Pointer(p)), n)
}

func (c *cBuffers) buffers() (*submit.Buffers, error) {
	if c.Command == 0 || c.DMAPriv == 0 {
		return nil, fmt.Errorf("%w: null buffer", submit.ErrBadBuffers)
	}
	return &submit.Buffers{
		Command:      bytesAt(c.Command, c.CommandBytes),
		AllocListCap: int(c.AllocListCap),
		DMAPriv:      bytesAt(c.DMAPriv, c.DMAPrivBytes),
		Token:        c.Token,
	}, nil
}

func (l *Library) Allocate(req submit.AllocRequest) (*submit.Buffers, error) {
	if l.allocate == nil {
		return nil, submit.ErrNotImplemented
	}
	var out cBuffers
	if err := statusErr("allocate", l.allocate(uint32(req.CommandBytes), uint32(req.AllocEntries), &out)); err != nil {
		return nil, err
	}
	return out.buffers()
}

func (l *Library) Deallocate(b *submit.Buffers) {
	if l.deallocate != nil && b != nil {
		l.deallocate(b.Token)
	}
}

func (l *Library) GetCommandBuffer() (*submit.Buffers, error) {
	if l.getCommandBuffer == nil {
		return nil, submit.ErrNotImplemented
	}
	var out cBuffers
	if err := statusErr("get_command_buffer", l.getCommandBuffer(&out)); err != nil {
		return nil, err
	}
	return out.buffers()
}

func submitArgs(args submit.SubmitArgs, allocs []cAllocation) cSubmit {
	for i, a := range args.Allocations {
		allocs[i] = cAllocation{Handle: a.Handle, AllocID: a.AllocID}
		if a.Write {
			allocs[i].Write = 1
		}
	}
	s := cSubmit{
		Command:    uintptr(unsafe.Pointer(unsafe.SliceData(args.Buffers.Command))),
		Length:     uint32(args.Length),
		AllocCount: uint32(len(allocs)),
		DMAPriv:    uintptr(unsafe.Pointer(unsafe.SliceData(args.Buffers.DMAPriv))),
	}
	if len(allocs) > 0 {
		s.Allocations = uintptr(unsafe.Pointer(&allocs[0]))
	}
	if args.Last {
		s.Last = 1
	}
	return s
}

func (l *Library) call(op string, fn func(*cSubmit, *uint64) int32, args submit.SubmitArgs) (uint64, error) {
	if fn == nil {
		return 0, submit.ErrNotImplemented
	}
	allocs := make([]cAllocation, len(args.Allocations))
	s := submitArgs(args, allocs)
	var f uint64
	st := fn(&s, &f)
	// The C side reads through raw addresses; keep the Go memory alive
	// until it returns.
	runtime.KeepAlive(args.Buffers)
	runtime.KeepAlive(allocs)
	if err := statusErr(op, st); err != nil {
		return 0, err
	}
	return f, nil
}

func (l *Library) Render(args submit.SubmitArgs) (uint64, error) {
	return l.call("render", l.render, args)
}

func (l *Library) Present(args submit.SubmitArgs) (uint64, error) {
	return l.call("present", l.present, args)
}

// WaitFence implements fence.Waiter.
func (l *Library) WaitFence(f uint64, timeout time.Duration) error {
	if l.wait == nil {
		return fence.ErrNoSource
	}
	ns := int64(timeout)
	if timeout == fence.Infinite {
		ns = -1
	}
	return statusErr("wait", l.wait(f, ns))
}

// QueryFences implements fence.EscapeQuerier.
func (l *Library) QueryFences() (uint64, uint64, error) {
	if l.queryFences == nil {
		return 0, 0, fence.ErrNoSource
	}
	var sub, done uint64
	if err := statusErr("query_fences", l.queryFences(&sub, &done)); err != nil {
		return 0, 0, err
	}
	return sub, done, nil
}

type renderOnly struct {
	submit.Allocator
	submit.CommandBufferGetter
	submit.Renderer
}

// Runtime returns the value handed to submit.New. A library without a
// present entry point is exposed without the Presenter capability so the
// engine renders the final chunk instead.
func (l *Library) Runtime() any {
	if l.present == nil {
		return renderOnly{l, l, l}
	}
	return l
}

// FenceSources reports the completion sources the library offers.
func (l *Library) FenceSources() fence.Sources {
	var src fence.Sources
	if l.wait != nil {
		src.RuntimeWaiter = l
	}
	if l.queryFences != nil {
		src.Escape = l
	}
	return src
}
