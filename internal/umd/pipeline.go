package umd

import (
	"github.com/tinyrange/pvgpu/internal/bindcache"
	"github.com/tinyrange/pvgpu/internal/protocol"
	"github.com/tinyrange/pvgpu/internal/resource"
)

// emit appends one packet as its own transaction.
func (d *Device) emit(op string, handle uint32, p protocol.Packet) error {
	if err := d.usable(op); err != nil {
		return err
	}
	t := d.begin()
	if err := d.enc.Append(p); err != nil {
		d.rollback(t)
		return opError(op, handle, err)
	}
	d.commit()
	return nil
}

// setState applies a cache update and emits p only when the cached state
// changed. A failed emit restores the cache. check, when set, validates
// handles under the lock.
func (d *Device) setState(op string, check func() error, update func() bool, p protocol.Packet) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.usable(op); err != nil {
		return err
	}
	if check != nil {
		if err := check(); err != nil {
			return err
		}
	}
	t := d.begin()
	if !update() {
		return nil
	}
	if err := d.enc.Append(p); err != nil {
		d.rollback(t)
		return opError(op, 0, err)
	}
	d.commit()
	return nil
}

// ViewDesc selects part of a texture. Zero counts extend to the last mip or
// layer; a zero Format keeps the texture's format.
type ViewDesc struct {
	Format     protocol.Format
	BaseMip    uint32
	MipCount   uint32
	BaseLayer  uint32
	LayerCount uint32
}

func (d *Device) CreateTextureView(tex *resource.Resource, desc ViewDesc) (uint32, error) {
	const op = "create texture view"
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.checkResource(op, tex); err != nil {
		return 0, err
	}
	if tex.Kind != resource.KindTexture2D {
		return 0, opError(op, tex.Handle, resource.ErrNotTexture)
	}
	if desc.Format == protocol.FormatInvalid {
		desc.Format = tex.Format
	}
	if desc.BaseMip >= tex.MipLevels || desc.BaseLayer >= tex.ArrayLayers {
		return 0, invalid(op, tex.Handle, "view starts at mip %d layer %d", desc.BaseMip, desc.BaseLayer)
	}
	if desc.MipCount == 0 {
		desc.MipCount = tex.MipLevels - desc.BaseMip
	}
	if desc.LayerCount == 0 {
		desc.LayerCount = tex.ArrayLayers - desc.BaseLayer
	}
	if desc.BaseMip+desc.MipCount > tex.MipLevels || desc.BaseLayer+desc.LayerCount > tex.ArrayLayers {
		return 0, invalid(op, tex.Handle, "view exceeds %d mips and %d layers", tex.MipLevels, tex.ArrayLayers)
	}
	h, err := d.newHandle(op)
	if err != nil {
		return 0, err
	}
	if err := d.emit(op, h, protocol.CreateTextureView{
		View:       h,
		Texture:    tex.Handle,
		Format:     desc.Format,
		BaseMip:    desc.BaseMip,
		MipCount:   desc.MipCount,
		BaseLayer:  desc.BaseLayer,
		LayerCount: desc.LayerCount,
	}); err != nil {
		return 0, err
	}
	d.views[h] = tex
	return h, nil
}

// DestroyTextureView unbinds and destroys a view. Like DestroyResource it
// always completes.
func (d *Device) DestroyTextureView(view uint32) error {
	const op = "destroy texture view"
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.views[view]; !ok {
		return invalid(op, view, "unknown view")
	}
	d.destroyView(op, view)
	d.commit()
	return nil
}

func (d *Device) destroyView(op string, view uint32) {
	// Slots bound through the view hold its handle, not the texture.
	ghost := &resource.Resource{Handle: view}
	if err := d.appendAll(d.cache.Unbind(ghost)); err != nil {
		d.report(opError(op, view, err))
	}
	if err := d.enc.Append(protocol.DestroyTextureView{View: view}); err != nil {
		d.report(opError(op, view, err))
	}
	delete(d.views, view)
}

// CreateShader uploads DXBC bytecode for stage.
func (d *Device) CreateShader(stage protocol.ShaderStage, dxbc []byte) (uint32, error) {
	const op = "create shader"
	d.mu.Lock()
	defer d.mu.Unlock()
	if stage >= protocol.NumStages {
		return 0, invalid(op, 0, "unknown stage %s", stage)
	}
	if len(dxbc) == 0 {
		return 0, invalid(op, 0, "empty bytecode")
	}
	if err := d.usable(op); err != nil {
		return 0, err
	}
	h, err := d.newHandle(op)
	if err != nil {
		return 0, err
	}
	t := d.begin()
	if err := d.enc.AppendWithPayload(protocol.CreateShaderDXBC{Handle: h, Stage: stage}, dxbc); err != nil {
		d.rollback(t)
		return 0, opError(op, h, err)
	}
	d.commit()
	d.shaders[h] = stage
	return h, nil
}

func (d *Device) DestroyShader(h uint32) error {
	const op = "destroy shader"
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.shaders[h]; !ok {
		return invalid(op, h, "unknown shader")
	}
	// The host unbinds destroyed shaders itself; forgetting them here
	// makes the next bind resend the set.
	d.cache.ForgetShader(h)
	if err := d.enc.Append(protocol.DestroyShader{Handle: h}); err != nil {
		d.report(opError(op, h, err))
	}
	delete(d.shaders, h)
	d.commit()
	return nil
}

// BindShaders binds a full shader set. Zero handles unbind a stage.
func (d *Device) BindShaders(s protocol.BindShaders) error {
	const op = "bind shaders"
	check := func() error {
		for _, h := range []uint32{s.VS, s.PS, s.CS, s.GS, s.HS, s.DS} {
			if _, ok := d.shaders[h]; h != 0 && !ok {
				return invalid(op, h, "unknown shader")
			}
		}
		return nil
	}
	return d.setState(op, check, func() bool { return d.cache.SetShaders(s) }, s)
}

// CreateInputLayout uploads an input layout blob.
func (d *Device) CreateInputLayout(blob []byte) (uint32, error) {
	const op = "create input layout"
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(blob) == 0 {
		return 0, invalid(op, 0, "empty input layout")
	}
	if err := d.usable(op); err != nil {
		return 0, err
	}
	h, err := d.newHandle(op)
	if err != nil {
		return 0, err
	}
	t := d.begin()
	if err := d.enc.AppendWithPayload(protocol.CreateInputLayout{Handle: h}, blob); err != nil {
		d.rollback(t)
		return 0, opError(op, h, err)
	}
	d.commit()
	d.layouts[h] = true
	return h, nil
}

func (d *Device) DestroyInputLayout(h uint32) error {
	const op = "destroy input layout"
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.layouts[h] {
		return invalid(op, h, "unknown input layout")
	}
	if d.cache.State().InputLayout == h {
		d.cache.SetInputLayout(0)
		if err := d.enc.Append(protocol.SetInputLayout{}); err != nil {
			d.report(opError(op, h, err))
		}
	}
	if err := d.enc.Append(protocol.DestroyInputLayout{Handle: h}); err != nil {
		d.report(opError(op, h, err))
	}
	delete(d.layouts, h)
	d.commit()
	return nil
}

func (d *Device) SetInputLayout(h uint32) error {
	const op = "set input layout"
	check := func() error {
		if h != 0 && !d.layouts[h] {
			return invalid(op, h, "unknown input layout")
		}
		return nil
	}
	return d.setState(op, check, func() bool { return d.cache.SetInputLayout(h) }, protocol.SetInputLayout{Handle: h})
}

type SamplerDesc struct {
	Filter   uint32
	AddressU uint32
	AddressV uint32
	AddressW uint32
}

func (d *Device) CreateSampler(desc SamplerDesc) (uint32, error) {
	const op = "create sampler"
	d.mu.Lock()
	defer d.mu.Unlock()
	if desc.Filter > protocol.FilterLinear {
		return 0, invalid(op, 0, "filter %d", desc.Filter)
	}
	for _, a := range []uint32{desc.AddressU, desc.AddressV, desc.AddressW} {
		if a > protocol.AddressMirror {
			return 0, invalid(op, 0, "address mode %d", a)
		}
	}
	h, err := d.newHandle(op)
	if err != nil {
		return 0, err
	}
	if err := d.emit(op, h, protocol.CreateSampler{
		Handle:   h,
		Filter:   desc.Filter,
		AddressU: desc.AddressU,
		AddressV: desc.AddressV,
		AddressW: desc.AddressW,
	}); err != nil {
		return 0, err
	}
	d.samplers[h] = true
	return h, nil
}

func (d *Device) DestroySampler(h uint32) error {
	const op = "destroy sampler"
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.samplers[h] {
		return invalid(op, h, "unknown sampler")
	}
	d.cache.ForgetSampler(h)
	if err := d.enc.Append(protocol.DestroySampler{Handle: h}); err != nil {
		d.report(opError(op, h, err))
	}
	delete(d.samplers, h)
	d.commit()
	return nil
}

func (d *Device) SetSamplers(stage protocol.ShaderStage, start int, handles []uint32) error {
	const op = "set samplers"
	if stage >= protocol.NumStages || start < 0 || start+len(handles) > protocol.MaxSamplerSlots {
		return invalid(op, 0, "%d samplers at %d on %s", len(handles), start, stage)
	}
	check := func() error {
		for _, h := range handles {
			if h != 0 && !d.samplers[h] {
				return invalid(op, h, "unknown sampler")
			}
		}
		return nil
	}
	return d.setState(op, check,
		func() bool { return d.cache.SetSamplers(stage, start, handles) },
		protocol.Payload{
			Packet: protocol.SetSamplers{Stage: stage, Start: uint32(start)},
			Data:   protocol.EncodeHandles(handles),
		})
}

func (d *Device) SetBlendState(s protocol.BlendState) error {
	return d.setState("set blend state", nil, func() bool { return d.cache.SetBlendState(s) }, protocol.SetBlendState{State: s})
}

func (d *Device) SetDepthStencilState(s protocol.DepthStencilState) error {
	return d.setState("set depth stencil state", nil, func() bool { return d.cache.SetDepthStencilState(s) }, protocol.SetDepthStencilState{State: s})
}

func (d *Device) SetRasterizerState(s protocol.RasterizerState) error {
	return d.setState("set rasterizer state", nil, func() bool { return d.cache.SetRasterizerState(s) }, protocol.SetRasterizerState{State: s})
}

func (d *Device) SetViewport(v protocol.Viewport) error {
	return d.setState("set viewport", nil, func() bool { return d.cache.SetViewport(v) }, protocol.SetViewport{Viewport: v})
}

func (d *Device) SetScissor(r protocol.Rect) error {
	return d.setState("set scissor", nil, func() bool { return d.cache.SetScissor(r) }, protocol.SetScissor{Rect: r})
}

func (d *Device) SetPrimitiveTopology(t uint32) error {
	if t < protocol.TopologyPointList || t > protocol.TopologyTriangleFan {
		return invalid("set primitive topology", 0, "topology %d", t)
	}
	return d.setState("set primitive topology", nil, func() bool { return d.cache.SetTopology(t) }, protocol.SetPrimitiveTopology{Topology: t})
}

// SetShaderConstants uploads constant registers. op selects float, int or
// bool registers; data holds whole registers.
func (d *Device) SetShaderConstants(op protocol.Opcode, stage protocol.ShaderStage, start uint32, data []byte) error {
	const name = "set shader constants"
	switch op {
	case protocol.OpSetShaderConstantsF, protocol.OpSetShaderConstantsI, protocol.OpSetShaderConstantsB:
	default:
		return invalid(name, 0, "opcode %s", op)
	}
	p := protocol.SetShaderConstants{Op: op, Stage: stage, Start: start}
	if stage >= protocol.NumStages || len(data) == 0 || uint32(len(data))%p.RegisterSize() != 0 {
		return invalid(name, 0, "%d bytes of %s constants on %s", len(data), op, stage)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.usable(name); err != nil {
		return err
	}
	t := d.begin()
	if err := d.enc.AppendWithPayload(p, data); err != nil {
		d.rollback(t)
		return opError(name, 0, err)
	}
	d.commit()
	return nil
}

func (d *Device) renderTargetsPacket() protocol.SetRenderTargets {
	st := d.cache.State()
	p := protocol.SetRenderTargets{
		ColorCount:   st.ColorCount,
		DepthStencil: st.DepthStencilView.Handle,
	}
	for i, b := range st.RenderTargets {
		p.Colors[i] = b.Handle
	}
	return p
}

// SetRenderTargets binds color targets and an optional depth-stencil
// target. Nil entries leave a slot empty.
func (d *Device) SetRenderTargets(colors []*resource.Resource, ds *resource.Resource) error {
	const op = "set render targets"
	if len(colors) > protocol.MaxRenderTargets {
		return invalid(op, 0, "%d render targets", len(colors))
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.usable(op); err != nil {
		return err
	}
	bindings := make([]bindcache.Binding, len(colors))
	for i, r := range colors {
		if r == nil {
			continue
		}
		if err := d.checkResource(op, r); err != nil {
			return err
		}
		if r.Usage&protocol.UsageRenderTarget == 0 {
			return invalid(op, r.Handle, "not a render target")
		}
		bindings[i] = bindingOf(r)
	}
	if ds != nil {
		if err := d.checkResource(op, ds); err != nil {
			return err
		}
		if ds.Usage&protocol.UsageDepthStencil == 0 {
			return invalid(op, ds.Handle, "not a depth-stencil target")
		}
	}
	t := d.begin()
	if !d.cache.SetRenderTargets(bindings, bindingOf(ds)) {
		return nil
	}
	if err := d.enc.Append(d.renderTargetsPacket()); err != nil {
		d.rollback(t)
		return opError(op, 0, err)
	}
	d.commit()
	return nil
}

type VertexBuffer struct {
	Buffer *resource.Resource
	Stride uint32
	Offset uint32
}

func (d *Device) SetVertexBuffers(start int, vbs []VertexBuffer) error {
	const op = "set vertex buffers"
	if start < 0 || start+len(vbs) > protocol.MaxVertexBuffers {
		return invalid(op, 0, "%d vertex buffers at %d", len(vbs), start)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.usable(op); err != nil {
		return err
	}
	cached := make([]bindcache.VertexBuffer, len(vbs))
	wire := make([]protocol.VertexBufferBinding, len(vbs))
	for i, vb := range vbs {
		if vb.Buffer != nil {
			if err := d.checkResource(op, vb.Buffer); err != nil {
				return err
			}
			if vb.Buffer.Usage&protocol.UsageVertexBuffer == 0 {
				return invalid(op, vb.Buffer.Handle, "not a vertex buffer")
			}
			cached[i] = bindcache.VertexBuffer{Handle: vb.Buffer.Handle, Stride: vb.Stride, Offset: vb.Offset, Res: vb.Buffer}
		}
		wire[i] = protocol.VertexBufferBinding{Buffer: cached[i].Handle, Stride: cached[i].Stride, Offset: cached[i].Offset}
	}
	t := d.begin()
	if !d.cache.SetVertexBuffers(start, cached) {
		return nil
	}
	if err := d.enc.Append(protocol.Payload{
		Packet: protocol.SetVertexBuffers{StartSlot: uint32(start)},
		Data:   protocol.EncodeVertexBufferBindings(wire),
	}); err != nil {
		d.rollback(t)
		return opError(op, 0, err)
	}
	d.commit()
	return nil
}

// SetIndexBuffer binds ib, or unbinds when ib is nil.
func (d *Device) SetIndexBuffer(ib *resource.Resource, format, offset uint32) error {
	const op = "set index buffer"
	if format != protocol.IndexFormatUint16 && format != protocol.IndexFormatUint32 {
		return invalid(op, 0, "index format %d", format)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.usable(op); err != nil {
		return err
	}
	var b bindcache.IndexBuffer
	if ib != nil {
		if err := d.checkResource(op, ib); err != nil {
			return err
		}
		if ib.Usage&protocol.UsageIndexBuffer == 0 {
			return invalid(op, ib.Handle, "not an index buffer")
		}
		b = bindcache.IndexBuffer{Handle: ib.Handle, Format: format, Offset: offset, Res: ib}
	}
	t := d.begin()
	if !d.cache.SetIndexBuffer(b) {
		return nil
	}
	if err := d.enc.Append(protocol.SetIndexBuffer{Buffer: b.Handle, Format: b.Format, Offset: b.Offset}); err != nil {
		d.rollback(t)
		return opError(op, 0, err)
	}
	d.commit()
	return nil
}

type ConstantBuffer struct {
	Buffer    *resource.Resource
	Offset    uint32
	SizeBytes uint32 // 0 binds to the end of the buffer
}

func (d *Device) SetConstantBuffers(stage protocol.ShaderStage, start int, cbs []ConstantBuffer) error {
	const op = "set constant buffers"
	if stage >= protocol.NumStages || start < 0 || start+len(cbs) > protocol.MaxConstantBuffers {
		return invalid(op, 0, "%d constant buffers at %d on %s", len(cbs), start, stage)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.usable(op); err != nil {
		return err
	}
	cached := make([]bindcache.ConstantBuffer, len(cbs))
	wire := make([]protocol.BufferBinding, len(cbs))
	for i, cb := range cbs {
		if cb.Buffer != nil {
			r := cb.Buffer
			if err := d.checkResource(op, r); err != nil {
				return err
			}
			if r.Usage&protocol.UsageConstant == 0 {
				return invalid(op, r.Handle, "not a constant buffer")
			}
			size := cb.SizeBytes
			if size == 0 && uint64(cb.Offset) < r.SizeBytes {
				size = uint32(r.SizeBytes - uint64(cb.Offset))
			}
			if size == 0 || uint64(cb.Offset)+uint64(size) > r.SizeBytes {
				return invalid(op, r.Handle, "range %d+%d outside buffer of %d", cb.Offset, size, r.SizeBytes)
			}
			cached[i] = bindcache.ConstantBuffer{Handle: r.Handle, Offset: cb.Offset, SizeBytes: size, Res: r}
		}
		wire[i] = protocol.BufferBinding{Buffer: cached[i].Handle, Offset: cached[i].Offset, SizeBytes: cached[i].SizeBytes}
	}
	t := d.begin()
	if !d.cache.SetConstantBuffers(stage, start, cached) {
		return nil
	}
	if err := d.enc.Append(protocol.Payload{
		Packet: protocol.SetBufferBindings{Op: protocol.OpSetConstantBuffers, Stage: stage, Start: uint32(start)},
		Data:   protocol.EncodeBufferBindings(wire),
	}); err != nil {
		d.rollback(t)
		return opError(op, 0, err)
	}
	d.commit()
	return nil
}

// SetTextures binds textures to consecutive slots, one packet per changed
// slot. Either every slot is bound or none is.
func (d *Device) SetTextures(stage protocol.ShaderStage, start int, textures []*resource.Resource) error {
	const op = "set textures"
	if stage >= protocol.NumStages || start < 0 || start+len(textures) > protocol.MaxTextureSlots {
		return invalid(op, 0, "%d textures at %d on %s", len(textures), start, stage)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.usable(op); err != nil {
		return err
	}
	for _, r := range textures {
		if r == nil {
			continue
		}
		if err := d.checkResource(op, r); err != nil {
			return err
		}
		if r.Usage&protocol.UsageTexture == 0 {
			return invalid(op, r.Handle, "not a shader resource")
		}
	}
	t := d.begin()
	changed := false
	for i, r := range textures {
		b := bindingOf(r)
		if !d.cache.SetTexture(stage, start+i, b) {
			continue
		}
		if err := d.enc.Append(protocol.SetTexture{Stage: stage, Slot: uint32(start + i), Texture: b.Handle}); err != nil {
			d.rollback(t)
			return opError(op, 0, err)
		}
		changed = true
	}
	if changed {
		d.commit()
	}
	return nil
}

// trackBound adds every resource the bound pipeline may touch.
func (d *Device) trackBound() error {
	st := d.cache.State()
	for i := range st.ColorCount {
		if err := d.trackWrite(st.RenderTargets[i].Res); err != nil {
			return err
		}
	}
	if err := d.trackWrite(st.DepthStencilView.Res); err != nil {
		return err
	}
	for _, vb := range st.VertexBuffers {
		if err := d.track(vb.Res, false); err != nil {
			return err
		}
	}
	if err := d.track(st.IndexBuffer.Res, false); err != nil {
		return err
	}
	for s := range st.Stages {
		for _, cb := range st.Stages[s].ConstantBuffers {
			if err := d.track(cb.Res, false); err != nil {
				return err
			}
		}
		for _, tex := range st.Stages[s].Textures {
			if err := d.track(tex.Res, false); err != nil {
				return err
			}
		}
	}
	return nil
}

func (d *Device) trackWrite(r *resource.Resource) error {
	if r == nil {
		return nil
	}
	if err := d.track(r, true); err != nil {
		return err
	}
	d.noteWrite(r)
	return nil
}

// draw tracks the bound resources and appends p.
func (d *Device) draw(op string, p protocol.Packet) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.usable(op); err != nil {
		return err
	}
	t := d.begin()
	err := d.trackBound()
	if err == nil {
		err = d.enc.Append(p)
	}
	if err != nil {
		d.rollback(t)
		return opError(op, 0, err)
	}
	d.commit()
	return nil
}

// Clear clears the bound targets selected by flags.
func (d *Device) Clear(flags uint32, color [4]float32, depth float32, stencil uint32) error {
	const op = "clear"
	if flags == 0 || flags&^(protocol.ClearColor|protocol.ClearDepth|protocol.ClearStencil) != 0 {
		return invalid(op, 0, "clear flags %#x", flags)
	}
	return d.draw(op, protocol.Clear{Flags: flags, Color: color, Depth: depth, Stencil: stencil})
}

func (d *Device) Draw(p protocol.Draw) error {
	if p.VertexCount == 0 || p.InstanceCount == 0 {
		return nil
	}
	return d.draw("draw", p)
}

func (d *Device) DrawIndexed(p protocol.DrawIndexed) error {
	if p.IndexCount == 0 || p.InstanceCount == 0 {
		return nil
	}
	return d.draw("draw indexed", p)
}

func (d *Device) Dispatch(x, y, z uint32) error {
	if x == 0 || y == 0 || z == 0 {
		return nil
	}
	return d.draw("dispatch", protocol.Dispatch{X: x, Y: y, Z: z})
}
