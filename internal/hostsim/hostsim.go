// Package hostsim is an in-process stand-in for the host display-driver
// runtime and device model. It hands out transfer buffers and backing
// allocations, validates every submitted chunk and completes fences, so the
// guest stack can be exercised without a hypervisor.
package hostsim

import (
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/tinyrange/pvgpu/internal/alloctrack"
	"github.com/tinyrange/pvgpu/internal/cmdstream"
	"github.com/tinyrange/pvgpu/internal/fence"
	"github.com/tinyrange/pvgpu/internal/protocol"
	"github.com/tinyrange/pvgpu/internal/submit"
)

var (
	ErrUnknownAllocation = errors.New("hostsim: unknown allocation")
	ErrUnknownToken      = errors.New("hostsim: unknown share token")
	ErrDeviceLost        = fmt.Errorf("hostsim: %w", submit.ErrDeviceLost)
)

type Options struct {
	// CommandBytes caps every command buffer. Zero grants what is asked.
	CommandBytes int
	// AllocEntries is the allocation list capacity. Zero selects 1024.
	AllocEntries int
	// PitchAlign rounds texture row pitches up. Zero keeps the guest's pitch.
	PitchAlign uint32

	// NoAllocate makes Allocate report submit.ErrNotImplemented so the
	// engine falls back to GetCommandBuffer.
	NoAllocate bool
	// ManualCompletion leaves fences pending until Complete is called.
	ManualCompletion bool
	VBlank           bool

	// FencePage, when set, is a file the host keeps a fence page in.
	FencePage string

	Log *slog.Logger
}

// Submission is one chunk as the device model saw it.
type Submission struct {
	Fence   uint64
	Present bool
	Last    bool
	DMA     protocol.DMAPriv
	Packets []cmdstream.Packet
	Table   []protocol.AllocEntry
}

type allocation struct {
	id     uint32
	handle uint32
	gpa    uint64
	size   uint64
	priv   []byte
}

type share struct {
	priv []byte
	refs int
}

// Host is safe for concurrent use.
type Host struct {
	opts Options
	log  *slog.Logger

	mu        sync.Mutex
	cond      *sync.Cond
	submitted uint64
	completed uint64
	lost      error
	failErr   error
	failSkip  int

	nextAlloc   uint32
	nextHandle  uint32
	nextGPA     uint64
	allocs      map[uint32]*allocation // by runtime handle
	byID        map[uint32]*allocation
	nextToken   uint64
	shares      map[uint64]*share
	submissions []Submission
	ambient     *submit.Buffers
	outstanding int

	page *os.File
}

func New(opts Options) (*Host, error) {
	if opts.AllocEntries == 0 {
		opts.AllocEntries = 1024
	}
	log := opts.Log
	if log == nil {
		log = slog.Default()
	}
	h := &Host{
		opts:       opts,
		log:        log,
		nextAlloc:  1,
		nextHandle: 0x100,
		nextGPA:    0x1_0000_0000,
		allocs:     make(map[uint32]*allocation),
		byID:       make(map[uint32]*allocation),
		nextToken:  0x5100,
		shares:     make(map[uint64]*share),
	}
	h.cond = sync.NewCond(&h.mu)
	if opts.FencePage != "" {
		f, err := os.OpenFile(opts.FencePage, os.O_CREATE|os.O_RDWR|os.O_TRUNC, 0o644)
		if err != nil {
			return nil, fmt.Errorf("hostsim: fence page: %w", err)
		}
		page := make([]byte, protocol.FencePageSize)
		fence.InitPage(page)
		if _, err := f.WriteAt(page, 0); err != nil {
			f.Close()
			return nil, fmt.Errorf("hostsim: fence page: %w", err)
		}
		h.page = f
	}
	return h, nil
}

func (h *Host) Close() error {
	if h.page != nil {
		return h.page.Close()
	}
	return nil
}

func (h *Host) VBlankSupported() bool { return h.opts.VBlank }

// FailNext makes the next Render or Present return err.
func (h *Host) FailNext(err error) { h.FailAfter(0, err) }

// FailAfter lets n more Render or Present calls succeed and makes the one
// after them return err.
func (h *Host) FailAfter(n int, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.failErr, h.failSkip = err, n
}

// Lose puts the device into the lost state; every later submission fails.
func (h *Host) Lose() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.lost = ErrDeviceLost
	h.cond.Broadcast()
}

// Submissions returns the chunks received so far.
func (h *Host) Submissions() []Submission {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]Submission(nil), h.submissions...)
}

// OutstandingBuffers counts buffers handed out by Allocate and not returned.
func (h *Host) OutstandingBuffers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.outstanding
}

func (h *Host) newBuffers(commandBytes int) *submit.Buffers {
	return &submit.Buffers{
		Command:      make([]byte, commandBytes),
		AllocListCap: h.opts.AllocEntries,
		DMAPriv:      make([]byte, protocol.DMAPrivSize),
	}
}

// Allocate implements submit.Allocator.
func (h *Host) Allocate(req submit.AllocRequest) (*submit.Buffers, error) {
	if h.opts.NoAllocate {
		return nil, submit.ErrNotImplemented
	}
	size := req.CommandBytes
	if h.opts.CommandBytes > 0 && size > h.opts.CommandBytes {
		size = h.opts.CommandBytes
	}
	h.mu.Lock()
	h.outstanding++
	h.mu.Unlock()
	return h.newBuffers(size), nil
}

func (h *Host) Deallocate(b *submit.Buffers) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.outstanding--
}

// GetCommandBuffer implements submit.CommandBufferGetter. The ambient
// buffer is reused across chunks.
func (h *Host) GetCommandBuffer() (*submit.Buffers, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.ambient == nil {
		size := h.opts.CommandBytes
		if size == 0 {
			size = 64 << 10
		}
		h.ambient = h.newBuffers(size)
	}
	return h.ambient, nil
}

func (h *Host) Render(args submit.SubmitArgs) (uint64, error) {
	return h.execute(args, false)
}

func (h *Host) Present(args submit.SubmitArgs) (uint64, error) {
	return h.execute(args, true)
}

func (h *Host) execute(args submit.SubmitArgs, present bool) (uint64, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.lost != nil {
		return 0, h.lost
	}
	if h.failErr != nil {
		if h.failSkip == 0 {
			err := h.failErr
			h.failErr = nil
			return 0, err
		}
		h.failSkip--
	}

	chunk := args.Chunk()
	pkts, err := cmdstream.Decode(chunk)
	if err != nil {
		return 0, fmt.Errorf("hostsim: bad chunk: %w", err)
	}
	dma := protocol.ParseDMAPriv(args.Buffers.DMAPriv)
	want, op := uint32(protocol.SubmitRender), "render"
	if present {
		want, op = protocol.SubmitPresent, "present"
	}
	if dma.Type != want {
		return 0, fmt.Errorf("hostsim: DMA type %d on a %s call", dma.Type, op)
	}
	if len(args.Allocations) > args.Buffers.AllocListCap {
		return 0, fmt.Errorf("hostsim: %d allocations exceed list of %d", len(args.Allocations), args.Buffers.AllocListCap)
	}

	entries := make([]alloctrack.Entry, 0, len(args.Allocations))
	for _, a := range args.Allocations {
		al, ok := h.allocs[a.Handle]
		if !ok || al.id != a.AllocID {
			return 0, fmt.Errorf("%w: handle 0x%x id %d", ErrUnknownAllocation, a.Handle, a.AllocID)
		}
		entries = append(entries, alloctrack.Entry{AllocID: a.AllocID, RuntimeHandle: a.Handle, Write: a.Write})
	}
	raw, err := alloctrack.BuildTable(entries, h.resolveLocked)
	if err != nil {
		return 0, fmt.Errorf("hostsim: %w", err)
	}
	table, err := alloctrack.ParseTable(raw)
	if err != nil {
		return 0, fmt.Errorf("hostsim: %w", err)
	}

	h.submitted++
	f := h.submitted
	h.submissions = append(h.submissions, Submission{
		Fence:   f,
		Present: present,
		Last:    args.Last,
		DMA:     dma,
		Packets: pkts,
		Table:   table,
	})
	h.log.Debug("hostsim: executed chunk",
		slog.Uint64("fence", f),
		slog.Int("packets", len(pkts)),
		slog.Bool("present", present))
	if !h.opts.ManualCompletion {
		h.completeLocked(f)
	}
	return f, nil
}

// Complete marks every fence up to f as done.
func (h *Host) Complete(f uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.completeLocked(min(f, h.submitted))
}

// CompleteAll completes every submitted fence.
func (h *Host) CompleteAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.completeLocked(h.submitted)
}

func (h *Host) completeLocked(f uint64) {
	if f <= h.completed {
		return
	}
	h.completed = f
	if h.page != nil {
		var b [8]byte
		binary.LittleEndian.PutUint64(b[:], f)
		if _, err := h.page.WriteAt(b[:], protocol.FencePageCompletedOffset); err != nil {
			h.log.Warn("hostsim: fence page update failed", "err", err)
		}
	}
	h.cond.Broadcast()
}

// Runtime returns the value handed to submit.New.
func (h *Host) Runtime() any { return h }

// FenceSources offers every completion source the simulated host has.
func (h *Host) FenceSources() fence.Sources {
	return fence.Sources{Monitored: h, RuntimeWaiter: h, Escape: h}
}

// CompletedFence implements fence.Monitored.
func (h *Host) CompletedFence() uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.completed
}

// QueryFences implements fence.EscapeQuerier.
func (h *Host) QueryFences() (uint64, uint64, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.submitted, h.completed, h.lost
}

// WaitFence implements fence.Waiter.
func (h *Host) WaitFence(f uint64, timeout time.Duration) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if f <= h.completed {
		return nil
	}
	if timeout == 0 {
		return fence.ErrBusy
	}
	var timer *time.Timer
	expired := false
	if timeout > 0 {
		timer = time.AfterFunc(timeout, func() {
			h.mu.Lock()
			expired = true
			h.mu.Unlock()
			h.cond.Broadcast()
		})
		defer timer.Stop()
	}
	for f > h.completed {
		if h.lost != nil {
			return h.lost
		}
		if expired {
			return fence.ErrTimeout
		}
		h.cond.Wait()
	}
	return nil
}
