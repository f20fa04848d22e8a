// Package bindcache mirrors the pipeline state last sent to the host. The
// device consults it to drop redundant state packets and to find every slot
// that still refers to a resource being destroyed or rotated.
package bindcache

import (
	"errors"
	"fmt"

	"github.com/tinyrange/pvgpu/internal/protocol"
	"github.com/tinyrange/pvgpu/internal/resource"
)

var ErrRotate = errors.New("bindcache: invalid rotation")

// Binding is a slot holding a handle and the resource behind it. Res is nil
// for handles that do not name a resource.
type Binding struct {
	Handle uint32
	Res    *resource.Resource
}

type VertexBuffer struct {
	Handle uint32
	Stride uint32
	Offset uint32
	Res    *resource.Resource
}

type IndexBuffer struct {
	Handle uint32
	Format uint32
	Offset uint32
	Res    *resource.Resource
}

type ConstantBuffer struct {
	Handle    uint32
	Offset    uint32
	SizeBytes uint32
	Res       *resource.Resource
}

// StageState is the per-shader-stage binding set.
type StageState struct {
	ConstantBuffers [protocol.MaxConstantBuffers]ConstantBuffer
	Textures        [protocol.MaxTextureSlots]Binding
	Samplers        [protocol.MaxSamplerSlots]uint32
}

type State struct {
	ColorCount       uint32
	RenderTargets    [protocol.MaxRenderTargets]Binding
	DepthStencilView Binding

	Shaders     protocol.BindShaders
	InputLayout uint32
	Topology    uint32

	VertexBuffers [protocol.MaxVertexBuffers]VertexBuffer
	IndexBuffer   IndexBuffer

	Stages [protocol.NumStages]StageState

	Blend        protocol.BlendState
	DepthStencil protocol.DepthStencilState
	Rasterizer   protocol.RasterizerState
	Viewport     protocol.Viewport
	Scissor      protocol.Rect
}

// SlotKind names a class of resource-bearing slot.
type SlotKind int

const (
	SlotRenderTarget SlotKind = iota
	SlotDepthStencil
	SlotVertexBuffer
	SlotIndexBuffer
	SlotConstantBuffer
	SlotTexture
)

func (k SlotKind) String() string {
	switch k {
	case SlotRenderTarget:
		return "render-target"
	case SlotDepthStencil:
		return "depth-stencil"
	case SlotVertexBuffer:
		return "vertex-buffer"
	case SlotIndexBuffer:
		return "index-buffer"
	case SlotConstantBuffer:
		return "constant-buffer"
	case SlotTexture:
		return "texture"
	}
	return fmt.Sprintf("slot(%d)", int(k))
}

// Slot locates one binding. Stage is only meaningful for constant buffers
// and textures.
type Slot struct {
	Kind  SlotKind
	Stage protocol.ShaderStage
	Index int
}

func (s Slot) String() string {
	switch s.Kind {
	case SlotConstantBuffer, SlotTexture:
		return fmt.Sprintf("%s[%s:%d]", s.Kind, s.Stage, s.Index)
	case SlotDepthStencil, SlotIndexBuffer:
		return s.Kind.String()
	}
	return fmt.Sprintf("%s[%d]", s.Kind, s.Index)
}

// Snapshot is an opaque copy of the cache state.
type Snapshot struct {
	state State
}

// Cache is owned by a device and guarded by the device lock.
type Cache struct {
	state State
}

func New() *Cache {
	c := &Cache{}
	c.Reset()
	return c
}

// Reset returns to the state a freshly created host context starts with.
func (c *Cache) Reset() {
	c.state = State{
		Blend:        protocol.DefaultBlendState,
		DepthStencil: protocol.DefaultDepthStencilState,
		Rasterizer:   protocol.DefaultRasterizerState,
	}
}

// State returns the current state. Callers must not modify it.
func (c *Cache) State() *State { return &c.state }

func (c *Cache) Snapshot() Snapshot { return Snapshot{state: c.state} }

func (c *Cache) Restore(s Snapshot) { c.state = s.state }

// Equal reports whether the cache holds exactly the snapshot's state.
func (c *Cache) Equal(s Snapshot) bool { return c.state == s.state }

func (c *Cache) SetRenderTargets(colors []Binding, ds Binding) bool {
	if len(colors) > protocol.MaxRenderTargets {
		return false
	}
	var rts [protocol.MaxRenderTargets]Binding
	copy(rts[:], colors)
	count := uint32(len(colors))
	if c.state.ColorCount == count && c.state.RenderTargets == rts && c.state.DepthStencilView == ds {
		return false
	}
	c.state.ColorCount = count
	c.state.RenderTargets = rts
	c.state.DepthStencilView = ds
	return true
}

func (c *Cache) SetShaders(s protocol.BindShaders) bool {
	if c.state.Shaders == s {
		return false
	}
	c.state.Shaders = s
	return true
}

func (c *Cache) SetInputLayout(h uint32) bool {
	if c.state.InputLayout == h {
		return false
	}
	c.state.InputLayout = h
	return true
}

func (c *Cache) SetTopology(t uint32) bool {
	if c.state.Topology == t {
		return false
	}
	c.state.Topology = t
	return true
}

// SetVertexBuffers updates slots start..start+len(vbs). Out of range
// requests change nothing.
func (c *Cache) SetVertexBuffers(start int, vbs []VertexBuffer) bool {
	if !inRange(start, len(vbs), protocol.MaxVertexBuffers) {
		return false
	}
	changed := false
	for i, vb := range vbs {
		if c.state.VertexBuffers[start+i] != vb {
			c.state.VertexBuffers[start+i] = vb
			changed = true
		}
	}
	return changed
}

func (c *Cache) SetIndexBuffer(ib IndexBuffer) bool {
	if c.state.IndexBuffer == ib {
		return false
	}
	c.state.IndexBuffer = ib
	return true
}

func (c *Cache) SetConstantBuffers(stage protocol.ShaderStage, start int, cbs []ConstantBuffer) bool {
	if stage >= protocol.NumStages || !inRange(start, len(cbs), protocol.MaxConstantBuffers) {
		return false
	}
	st := &c.state.Stages[stage]
	changed := false
	for i, cb := range cbs {
		if st.ConstantBuffers[start+i] != cb {
			st.ConstantBuffers[start+i] = cb
			changed = true
		}
	}
	return changed
}

// SetTexture binds one texture slot.
func (c *Cache) SetTexture(stage protocol.ShaderStage, slot int, b Binding) bool {
	if stage >= protocol.NumStages || !inRange(slot, 1, protocol.MaxTextureSlots) {
		return false
	}
	st := &c.state.Stages[stage]
	if st.Textures[slot] == b {
		return false
	}
	st.Textures[slot] = b
	return true
}

func (c *Cache) SetSamplers(stage protocol.ShaderStage, start int, handles []uint32) bool {
	if stage >= protocol.NumStages || !inRange(start, len(handles), protocol.MaxSamplerSlots) {
		return false
	}
	st := &c.state.Stages[stage]
	changed := false
	for i, h := range handles {
		if st.Samplers[start+i] != h {
			st.Samplers[start+i] = h
			changed = true
		}
	}
	return changed
}

func (c *Cache) SetBlendState(s protocol.BlendState) bool {
	if c.state.Blend == s {
		return false
	}
	c.state.Blend = s
	return true
}

func (c *Cache) SetDepthStencilState(s protocol.DepthStencilState) bool {
	if c.state.DepthStencil == s {
		return false
	}
	c.state.DepthStencil = s
	return true
}

func (c *Cache) SetRasterizerState(s protocol.RasterizerState) bool {
	if c.state.Rasterizer == s {
		return false
	}
	c.state.Rasterizer = s
	return true
}

func (c *Cache) SetViewport(v protocol.Viewport) bool {
	if c.state.Viewport == v {
		return false
	}
	c.state.Viewport = v
	return true
}

func (c *Cache) SetScissor(r protocol.Rect) bool {
	if c.state.Scissor == r {
		return false
	}
	c.state.Scissor = r
	return true
}

// ForgetShader clears the shader and input layout slots naming h.
func (c *Cache) ForgetShader(h uint32) {
	if h == 0 {
		return
	}
	s := &c.state.Shaders
	for _, p := range []*uint32{&s.VS, &s.PS, &s.CS, &s.GS, &s.HS, &s.DS} {
		if *p == h {
			*p = 0
		}
	}
	if c.state.InputLayout == h {
		c.state.InputLayout = 0
	}
}

// ForgetSampler clears every sampler slot holding h.
func (c *Cache) ForgetSampler(h uint32) {
	if h == 0 {
		return
	}
	for st := range c.state.Stages {
		for i, s := range c.state.Stages[st].Samplers {
			if s == h {
				c.state.Stages[st].Samplers[i] = 0
			}
		}
	}
}

func inRange(start, n, limit int) bool {
	return start >= 0 && n >= 0 && start+n <= limit
}

func refers(handle uint32, res, r *resource.Resource) bool {
	if res != nil && res == r {
		return true
	}
	return handle != 0 && handle == r.Handle
}

// References lists every slot that refers to r, by handle or by object.
func (c *Cache) References(r *resource.Resource) []Slot {
	if r == nil {
		return nil
	}
	var out []Slot
	s := &c.state
	for i, b := range s.RenderTargets {
		if refers(b.Handle, b.Res, r) {
			out = append(out, Slot{Kind: SlotRenderTarget, Index: i})
		}
	}
	if refers(s.DepthStencilView.Handle, s.DepthStencilView.Res, r) {
		out = append(out, Slot{Kind: SlotDepthStencil})
	}
	for i, vb := range s.VertexBuffers {
		if refers(vb.Handle, vb.Res, r) {
			out = append(out, Slot{Kind: SlotVertexBuffer, Index: i})
		}
	}
	if refers(s.IndexBuffer.Handle, s.IndexBuffer.Res, r) {
		out = append(out, Slot{Kind: SlotIndexBuffer})
	}
	for st := range s.Stages {
		stage := protocol.ShaderStage(st)
		for i, cb := range s.Stages[st].ConstantBuffers {
			if refers(cb.Handle, cb.Res, r) {
				out = append(out, Slot{Kind: SlotConstantBuffer, Stage: stage, Index: i})
			}
		}
		for i, t := range s.Stages[st].Textures {
			if refers(t.Handle, t.Res, r) {
				out = append(out, Slot{Kind: SlotTexture, Stage: stage, Index: i})
			}
		}
	}
	return out
}

func (c *Cache) clear(sl Slot) {
	s := &c.state
	switch sl.Kind {
	case SlotRenderTarget:
		s.RenderTargets[sl.Index] = Binding{}
	case SlotDepthStencil:
		s.DepthStencilView = Binding{}
	case SlotVertexBuffer:
		s.VertexBuffers[sl.Index] = VertexBuffer{}
	case SlotIndexBuffer:
		s.IndexBuffer = IndexBuffer{}
	case SlotConstantBuffer:
		s.Stages[sl.Stage].ConstantBuffers[sl.Index] = ConstantBuffer{}
	case SlotTexture:
		s.Stages[sl.Stage].Textures[sl.Index] = Binding{}
	}
}

// Unbind clears every slot referring to r and returns the packets that make
// the host agree. Render target slots are covered by one packet.
func (c *Cache) Unbind(r *resource.Resource) []protocol.Packet {
	slots := c.References(r)
	for _, sl := range slots {
		c.clear(sl)
	}
	return c.packetsFor(slots)
}

// packetsFor builds one packet per slot from the current state.
func (c *Cache) packetsFor(slots []Slot) []protocol.Packet {
	var out []protocol.Packet
	targets := false
	s := &c.state
	for _, sl := range slots {
		switch sl.Kind {
		case SlotRenderTarget, SlotDepthStencil:
			if !targets {
				out     = append(out, c.renderTargetsPacket())
				targets = true
			}
		case SlotVertexBuffer:
			vb := s.VertexBuffers[sl.Index]
			out = append(out, protocol.Payload{
				Packet: protocol.SetVertexBuffers{StartSlot: uint32(sl.Index)},
				Data: protocol.EncodeVertexBufferBindings([]protocol.VertexBufferBinding{{
					Buffer: vb.Handle,
					Stride: vb.Stride,
					Offset: vb.Offset,
				}}),
			})
		case SlotIndexBuffer:
			ib := s.IndexBuffer
			out = append(out, protocol.SetIndexBuffer{Buffer: ib.Handle, Format: ib.Format, Offset: ib.Offset})
		case SlotConstantBuffer:
			cb := s.Stages[sl.Stage].ConstantBuffers[sl.Index]
			out = append(out, protocol.Payload{
				Packet: protocol.SetBufferBindings{
					Op:    protocol.OpSetConstantBuffers,
					Stage: sl.Stage,
					Start: uint32(sl.Index),
				},
				Data: protocol.EncodeBufferBindings([]protocol.BufferBinding{{
					Buffer:    cb.Handle,
					Offset:    cb.Offset,
					SizeBytes: cb.SizeBytes,
				}}),
			})
		case SlotTexture:
			t := s.Stages[sl.Stage].Textures[sl.Index]
			out = append(out, protocol.SetTexture{Stage: sl.Stage, Slot: uint32(sl.Index), Texture: t.Handle})
		}
	}
	return out
}

func (c *Cache) renderTargetsPacket() protocol.SetRenderTargets {
	p := protocol.SetRenderTargets{
		ColorCount:   c.state.ColorCount,
		DepthStencil: c.state.DepthStencilView.Handle,
	}
	for i, b := range c.state.RenderTargets {
		p.Colors[i] = b.Handle
	}
	return p
}

// Rotate moves every resource's identity one position down the list: each
// resource takes the identity of its successor and the last takes the
// first's. Cached handles follow the identities. The resources must share a
// shape and must not be shared, aliased or mapped.
func (c *Cache) Rotate(resources []*resource.Resource) error {
	if len(resources) < 2 {
		return fmt.Errorf("%w: need at least two resources, got %d", ErrRotate, len(resources))
	}
	seen := make(map[*resource.Resource]bool, len(resources))
	for i, r := range resources {
		switch {
		case r == nil:
			return fmt.Errorf("%w: resource %d is nil", ErrRotate, i)
		case seen[r]:
			return fmt.Errorf("%w: resource %d listed twice", ErrRotate, r.Handle)
		case r.Shared || r.Alias:
			return fmt.Errorf("%w: resource %d is shared", ErrRotate, r.Handle)
		case r.Mapped():
			return fmt.Errorf("%w: resource %d is mapped", ErrRotate, r.Handle)
		case !resource.SameShape(resources[0], r):
			return fmt.Errorf("%w: resource %d differs in shape from %d", ErrRotate, r.Handle, resources[0].Handle)
		}
		seen[r] = true
	}

	ids := make([]resource.Identity, len(resources))
	for i, r := range resources {
		ids[i] = r.Identity()
	}
	remap := make(map[uint32]uint32, len(resources))
	for i, r := range resources {
		next := ids[(i+1)%len(ids)]
		remap[ids[i].Handle] = next.Handle
		r.SetIdentity(next)
	}
	c.remap(remap)
	return nil
}

func (c *Cache) remap(m map[uint32]uint32) {
	fix := func(h *uint32) {
		if n, ok := m[*h]; ok && *h != 0 {
			*h = n
		}
	}
	s := &c.state
	for i := range s.RenderTargets {
		fix(&s.RenderTargets[i].Handle)
	}
	fix(&s.DepthStencilView.Handle)
	for i := range s.VertexBuffers {
		fix(&s.VertexBuffers[i].Handle)
	}
	fix(&s.IndexBuffer.Handle)
	for st := range s.Stages {
		for i := range s.Stages[st].ConstantBuffers {
			fix(&s.Stages[st].ConstantBuffers[i].Handle)
		}
		for i := range s.Stages[st].Textures {
			fix(&s.Stages[st].Textures[i].Handle)
		}
	}
}

// RebindPackets returns the packets that rebind every slot referring to
// any of resources, deduplicated.
func (c *Cache) RebindPackets(resources []*resource.Resource) []protocol.Packet {
	var slots []Slot
	seen := make(map[Slot]bool)
	for _, r := range resources {
		for _, sl := range c.References(r) {
			if !seen[sl] {
				seen[sl] = true
				slots = append(slots, sl)
			}
		}
	}
	return c.packetsFor(slots)
}
