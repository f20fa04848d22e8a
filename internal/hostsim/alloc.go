package hostsim

import (
	"fmt"

	"github.com/tinyrange/pvgpu/internal/protocol"
)

const gpaAlign = 4096

// CreateAllocation plays the host allocation layer: it assigns a stable
// allocation id, may widen the row pitch, places the allocation in guest
// physical memory and returns the runtime handle with the updated blob.
func (h *Host) CreateAllocation(privBlob []byte) (uint32, []byte, error) {
	priv, err := protocol.DecodeAllocPriv(privBlob)
	if err != nil {
		return 0, nil, fmt.Errorf("hostsim: create allocation: %w", err)
	}
	if priv.Kind == protocol.AllocKindTexture2D && h.opts.PitchAlign > 1 && priv.RowPitch != 0 {
		a := h.opts.PitchAlign
		pitch := (priv.RowPitch + a - 1) / a * a
		if pitch != priv.RowPitch {
			// Scaling the whole allocation bounds the growth of every
			// layer's mip 0.
			priv.SizeBytes = (priv.SizeBytes*uint64(pitch) + uint64(priv.RowPitch) - 1) / uint64(priv.RowPitch)
			priv.RowPitch = pitch
		}
	}
	if priv.SizeBytes == 0 {
		return 0, nil, fmt.Errorf("hostsim: create allocation: zero size")
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	al := &allocation{
		id:     h.nextAlloc,
		handle: h.nextHandle,
		gpa:    h.nextGPA,
		size:   priv.SizeBytes,
	}
	h.nextAlloc++
	h.nextHandle++
	h.nextGPA += (priv.SizeBytes + gpaAlign - 1) / gpaAlign * gpaAlign

	priv.AllocID = al.id
	al.priv = protocol.EncodeAllocPriv(priv)
	h.allocs[al.handle] = al
	h.byID[al.id] = al
	return al.handle, append([]byte(nil), al.priv...), nil
}

// DestroyAllocation frees the allocation behind a runtime handle.
func (h *Host) DestroyAllocation(handle uint32) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	al, ok := h.allocs[handle]
	if !ok {
		return fmt.Errorf("%w: handle 0x%x", ErrUnknownAllocation, handle)
	}
	delete(h.allocs, handle)
	delete(h.byID, al.id)
	return nil
}

// OpenAllocation returns the runtime handle of an existing allocation, as
// the host allocation layer does when a second process opens a shared
// surface.
func (h *Host) OpenAllocation(allocID uint32) (uint32, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	al, ok := h.byID[allocID]
	if !ok {
		return 0, fmt.Errorf("%w: id %d", ErrUnknownAllocation, allocID)
	}
	return al.handle, nil
}

// Allocations returns the number of live allocations.
func (h *Host) Allocations() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.allocs)
}

// Resolve maps an allocation id to its guest physical range. It matches
// alloctrack.Resolver.
func (h *Host) Resolve(allocID uint32) (gpa, size uint64, ok bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.resolveLocked(allocID)
}

func (h *Host) resolveLocked(allocID uint32) (uint64, uint64, bool) {
	al, ok := h.byID[allocID]
	if !ok {
		return 0, 0, false
	}
	return al.gpa, al.size, true
}

// Register implements shared.TokenService.
func (h *Host) Register(priv []byte) (uint64, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	token := h.nextToken
	h.nextToken++
	h.shares[token] = &share{priv: append([]byte(nil), priv...), refs: 1}
	return token, nil
}

func (h *Host) Open(token uint64) ([]byte, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	s, ok := h.shares[token]
	if !ok {
		return nil, fmt.Errorf("%w: 0x%x", ErrUnknownToken, token)
	}
	s.refs++
	return append([]byte(nil), s.priv...), nil
}

func (h *Host) Release(token uint64) (int, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	s, ok := h.shares[token]
	if !ok {
		return 0, fmt.Errorf("%w: 0x%x", ErrUnknownToken, token)
	}
	s.refs--
	if s.refs > 0 {
		return s.refs, nil
	}
	delete(h.shares, token)
	return 0, nil
}
