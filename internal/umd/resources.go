package umd

import (
	"fmt"
	"slices"

	"github.com/tinyrange/pvgpu/internal/bindcache"
	"github.com/tinyrange/pvgpu/internal/descriptor"
	"github.com/tinyrange/pvgpu/internal/protocol"
	"github.com/tinyrange/pvgpu/internal/resource"
	"github.com/tinyrange/pvgpu/internal/shared"
)

func (d *Device) CreateBuffer(desc resource.BufferDesc) (*resource.Resource, error) {
	return d.CreateResource(resource.Desc{Kind: resource.KindBuffer, Buffer: desc})
}

func (d *Device) CreateTexture2D(desc resource.TextureDesc) (*resource.Resource, error) {
	return d.CreateResource(resource.Desc{Kind: resource.KindTexture2D, Texture: desc})
}

// CreateResource accepts a resource.Desc or any descriptor shape that
// descriptor.Normalize understands. Initial data is uploaded as part of the
// creation. A shared resource is exported and flushed before it is
// returned, so its token is known to the host by the time another process
// can open it.
func (d *Device) CreateResource(desc any) (*resource.Resource, error) {
	const op = "create resource"
	rd, ok := desc.(resource.Desc)
	if !ok {
		var err error
		if rd, err = descriptor.Normalize(desc); err != nil {
			return nil, opError(op, 0, err)
		}
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.usable(op); err != nil {
		return nil, err
	}
	h, err := d.newHandle(op)
	if err != nil {
		return nil, err
	}
	r, err := resource.New(h, rd)
	if err != nil {
		return nil, opError(op, h, err)
	}
	if err := d.allocate(op, r, rd.Texture.InitialData); err != nil {
		return nil, err
	}

	t := d.begin()
	if err := d.encodeCreate(r, hasInitialData(rd)); err != nil {
		d.rollback(t)
		d.freeBacking(r)
		return nil, opError(op, h, err)
	}
	if r.Shared {
		if _, err := shared.Export(d.enc, d.tokens, r); err != nil {
			d.rollback(t)
			d.freeBacking(r)
			return nil, opError(op, h, err)
		}
	}
	d.resources[h] = r
	d.commit()

	if r.Shared {
		if _, err := d.flushLocked(op, false); err != nil {
			// The flush discarded the create and export packets, so the
			// host never saw the resource or its token.
			delete(d.resources, h)
			if ferr := shared.Forget(d.tokens, r); ferr != nil {
				d.report(opError(op, h, ferr))
			}
			d.releaseResource(r)
			d.freeDeferred()
			return nil, err
		}
	}
	d.log.Debug("umd: created resource",
		"handle", h,
		"kind", r.Kind.String(),
		"bytes", r.SizeBytes,
		"alloc", r.Backing.AllocID)
	return r, nil
}

func hasInitialData(rd resource.Desc) bool {
	switch rd.Kind {
	case resource.KindBuffer:
		return len(rd.Buffer.InitialData) > 0
	case resource.KindTexture2D:
		return len(rd.Texture.InitialData) > 0
	}
	return false
}

// allocate asks the allocation layer for backing memory. The layer may pick
// a wider row pitch, in which case texture initial data is laid out again.
func (d *Device) allocate(op string, r *resource.Resource, texData [][]byte) error {
	if d.layer == nil {
		return nil
	}
	rh, blob, err := d.layer.CreateAllocation(protocol.EncodeAllocPriv(r.AllocPriv()))
	if err != nil {
		return &Error{Op: op, Handle: r.Handle, Kind: ErrOutOfMemory, Err: err}
	}
	priv, err := protocol.DecodeAllocPriv(blob)
	if err == nil {
		err = r.ApplyBacking(priv, rh)
	}
	if err == nil {
		for i, data := range texData {
			if err = r.WriteSubresource(i, data, 0); err != nil {
				break
			}
		}
	}
	if err != nil {
		if derr := d.layer.DestroyAllocation(rh); derr != nil {
			d.report(opError(op, r.Handle, derr))
		}
		return opError(op, r.Handle, err)
	}
	return nil
}

// freeBacking releases an allocation that no packet refers to yet.
func (d *Device) freeBacking(r *resource.Resource) {
	if d.layer == nil || r.Alias || r.Backing.RuntimeHandle == 0 {
		return
	}
	if err := d.layer.DestroyAllocation(r.Backing.RuntimeHandle); err != nil {
		d.report(opError("free allocation", r.Handle, err))
	}
}

func (d *Device) encodeCreate(r *resource.Resource, upload bool) error {
	var p protocol.Packet
	switch r.Kind {
	case resource.KindBuffer:
		p = protocol.CreateBuffer{
			Handle:         r.Handle,
			Usage:          r.Usage,
			SizeBytes:      r.SizeBytes,
			BackingAllocID: r.Backing.AllocID,
			BackingOffset:  r.Backing.Offset,
		}
	case resource.KindTexture2D:
		p = protocol.CreateTexture2D{
			Handle:         r.Handle,
			Usage:          r.Usage,
			Format:         r.Format,
			Width:          r.Width,
			Height:         r.Height,
			MipLevels:      r.MipLevels,
			ArrayLayers:    r.ArrayLayers,
			RowPitch:       r.RowPitch,
			BackingAllocID: r.Backing.AllocID,
			BackingOffset:  r.Backing.Offset,
		}
	default:
		return fmt.Errorf("%w: %s", resource.ErrInvalidDesc, r.Kind)
	}
	if err := d.track(r, upload); err != nil {
		return err
	}
	if err := d.enc.Append(p); err != nil {
		return err
	}
	if !upload {
		return nil
	}
	return d.push(r, 0, r.SizeBytes)
}

// maxUpload is the largest upload payload that still fits one transfer
// buffer next to the stream and packet headers.
func (d *Device) maxUpload() int {
	n := d.cfg.TransferBufferBytes - protocol.StreamHeaderSize - protocol.UploadResourceSize
	n &^= protocol.PacketAlign - 1
	return max(n, 4096)
}

// push makes the host see bytes [off, off+size) of r's storage: a dirty
// range for guest-backed resources, inline uploads for host-owned ones.
func (d *Device) push(r *resource.Resource, off, size uint64) error {
	if size == 0 {
		return nil
	}
	if !r.Backing.HostOwned() {
		if err := d.track(r, false); err != nil {
			return err
		}
		return d.enc.Append(protocol.ResourceDirtyRange{Handle: r.Handle, Offset: off, SizeBytes: size})
	}
	step := uint64(d.maxUpload())
	for size > 0 {
		n := min(size, step)
		err := d.enc.AppendWithPayload(protocol.UploadResource{Handle: r.Handle, Offset: off}, r.Storage[off:off+n])
		if err != nil {
			return err
		}
		off += n
		size -= n
	}
	return nil
}

func (d *Device) checkResource(op string, r *resource.Resource) error {
	if r == nil {
		return invalid(op, 0, "nil resource")
	}
	if d.resources[r.Handle] != r {
		return invalid(op, r.Handle, "resource does not belong to this device")
	}
	return nil
}

// DestroyResource unbinds r everywhere and destroys it. Destruction always
// completes; packets that could not be emitted are reported to the error
// sink.
func (d *Device) DestroyResource(r *resource.Resource) error {
	const op = "destroy resource"
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.checkResource(op, r); err != nil {
		return err
	}
	if r.Mapped() {
		r.Unmap()
	}
	for v, tex := range d.views {
		if tex == r {
			d.destroyView(op, v)
		}
	}
	if err := d.appendAll(d.cache.Unbind(r)); err != nil {
		d.report(opError(op, r.Handle, err))
	}
	if err := d.enc.Append(protocol.DestroyResource{Handle: r.Handle}); err != nil {
		d.report(opError(op, r.Handle, err))
	}
	delete(d.resources, r.Handle)
	d.releaseResource(r)
	d.commit()
	return nil
}

// releaseResource drops the share token and queues the backing allocation
// for release after the next submission.
func (d *Device) releaseResource(r *resource.Resource) {
	if err := shared.Release(d.enc, d.tokens, r); err != nil {
		d.report(opError("release share", r.Handle, err))
	}
	if i := slices.Index(d.pendingWrites, r); i >= 0 {
		d.pendingWrites = slices.Delete(d.pendingWrites, i, i+1)
	}
	if d.layer != nil && !r.Alias && r.Backing.RuntimeHandle != 0 {
		d.deferredFree = append(d.deferredFree, r.Backing.RuntimeHandle)
	}
}

type MapMode uint8

const (
	MapRead MapMode = 1 << iota
	MapWrite
	// MapDoNotWait fails with ErrStillDrawing instead of waiting for the
	// GPU.
	MapDoNotWait
)

// Mapped is the CPU view of a mapped subresource.
type Mapped struct {
	Data     []byte
	RowPitch uint32
}

// Map gives the CPU access to subresource sub of r. Pending GPU writes to r
// are flushed and waited for first.
func (d *Device) Map(r *resource.Resource, sub int, mode MapMode) (Mapped, error) {
	const op = "map"
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.checkResource(op, r); err != nil {
		return Mapped{}, err
	}
	read, write := mode&MapRead != 0, mode&MapWrite != 0
	switch {
	case !read && !write:
		return Mapped{}, invalid(op, r.Handle, "map mode %#x has neither read nor write", mode)
	case read && r.CPUAccess&resource.CPUAccessRead == 0:
		return Mapped{}, invalid(op, r.Handle, "resource is not CPU readable")
	case write && r.CPUAccess&resource.CPUAccessWrite == 0:
		return Mapped{}, invalid(op, r.Handle, "resource is not CPU writable")
	case r.Mapped():
		return Mapped{}, opError(op, r.Handle, resource.ErrAlreadyMapped)
	}
	if err := d.waitForWrites(op, r, mode&MapDoNotWait != 0); err != nil {
		return Mapped{}, err
	}
	m, err := r.Map(sub, write)
	if err != nil {
		return Mapped{}, opError(op, r.Handle, err)
	}
	return Mapped{Data: r.Data(), RowPitch: m.RowPitch}, nil
}

// waitForWrites must be called with d.mu held. The lock is released while
// waiting.
func (d *Device) waitForWrites(op string, r *resource.Resource, noWait bool) error {
	if slices.Contains(d.pendingWrites, r) {
		if err := d.usable(op); err != nil {
			return err
		}
		if _, err := d.flushLocked(op, false); err != nil {
			return err
		}
	}
	f := r.LastGPUWriteFence
	if f == 0 {
		return nil
	}
	timeout := d.cfg.WaitTimeout
	if noWait {
		timeout = 0
	}
	d.mu.Unlock()
	err := d.fences.Wait(f, timeout)
	d.mu.Lock()
	if err != nil {
		return opError(op, r.Handle, err)
	}
	if d.resources[r.Handle] != r {
		return invalid(op, r.Handle, "resource destroyed while waiting")
	}
	if r.LastGPUWriteFence == f {
		r.LastGPUWriteFence = 0
	}
	return nil
}

// Unmap ends a mapping. Written bytes are made visible to the host.
func (d *Device) Unmap(r *resource.Resource) error {
	const op = "unmap"
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.checkResource(op, r); err != nil {
		return err
	}
	m, err := r.Unmap()
	if err != nil {
		return opError(op, r.Handle, err)
	}
	if !m.Write {
		return nil
	}
	if err := d.usable(op); err != nil {
		return err
	}
	t := d.begin()
	if err := d.push(r, m.Offset, m.SizeBytes); err != nil {
		d.rollback(t)
		return opError(op, r.Handle, err)
	}
	d.commit()
	return nil
}

// UpdateBuffer replaces bytes of a buffer starting at off.
func (d *Device) UpdateBuffer(r *resource.Resource, off uint64, data []byte) error {
	const op = "update buffer"
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.checkResource(op, r); err != nil {
		return err
	}
	if err := d.usable(op); err != nil {
		return err
	}
	if r.Kind != resource.KindBuffer {
		return invalid(op, r.Handle, "resource is a %s", r.Kind)
	}
	if off+uint64(len(data)) > r.SizeBytes {
		return invalid(op, r.Handle, "%d bytes at %d overrun buffer of %d", len(data), off, r.SizeBytes)
	}
	if r.Mapped() {
		return opError(op, r.Handle, resource.ErrAlreadyMapped)
	}
	saved := slices.Clone(r.Storage[off : off+uint64(len(data))])
	copy(r.Storage[off:], data)
	t := d.begin()
	if err := d.push(r, off, uint64(len(data))); err != nil {
		d.rollback(t)
		copy(r.Storage[off:], saved)
		return opError(op, r.Handle, err)
	}
	d.commit()
	return nil
}

// UpdateSubresource replaces a texture subresource with rows of srcPitch
// bytes (0 for tightly packed rows). For buffers sub must be 0 and data
// starts at offset 0.
func (d *Device) UpdateSubresource(r *resource.Resource, sub int, data []byte, srcPitch uint32) error {
	if r != nil && r.Kind == resource.KindBuffer {
		if sub != 0 {
			return invalid("update subresource", r.Handle, "buffer subresource %d", sub)
		}
		return d.UpdateBuffer(r, 0, data)
	}
	const op = "update subresource"
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.checkResource(op, r); err != nil {
		return err
	}
	if err := d.usable(op); err != nil {
		return err
	}
	if r.Mapped() {
		return opError(op, r.Handle, resource.ErrAlreadyMapped)
	}
	if sub < 0 || sub >= len(r.Subresources) {
		return invalid(op, r.Handle, "subresource %d of %d", sub, len(r.Subresources))
	}
	s := r.Subresources[sub]
	saved := slices.Clone(r.Storage[s.Offset:s.End()])
	if err := r.WriteSubresource(sub, data, srcPitch); err != nil {
		return opError(op, r.Handle, err)
	}
	t := d.begin()
	if err := d.push(r, s.Offset, s.SizeBytes); err != nil {
		d.rollback(t)
		copy(r.Storage[s.Offset:], saved)
		return opError(op, r.Handle, err)
	}
	d.commit()
	return nil
}

// copyFlags marks copies whose destination the CPU reads back.
func copyFlags(dst *resource.Resource) uint32 {
	if dst.Staging {
		return protocol.CopyFlagWritebackDst
	}
	return protocol.CopyFlagNone
}

func (d *Device) checkCopy(op string, dst, src *resource.Resource) error {
	if err := d.checkResource(op, dst); err != nil {
		return err
	}
	if err := d.checkResource(op, src); err != nil {
		return err
	}
	if err := d.usable(op); err != nil {
		return err
	}
	if dst.Mapped() || src.Mapped() {
		return opError(op, dst.Handle, resource.ErrAlreadyMapped)
	}
	if dst.Kind != src.Kind {
		return invalid(op, dst.Handle, "copy from %s to %s", src.Kind, dst.Kind)
	}
	return nil
}

// encodeCopy tracks both resources and appends p.
func (d *Device) encodeCopy(dst, src *resource.Resource, p protocol.Packet) error {
	if err := d.track(dst, true); err != nil {
		return err
	}
	if err := d.track(src, false); err != nil {
		return err
	}
	if err := d.enc.Append(p); err != nil {
		return err
	}
	d.noteWrite(dst)
	return nil
}

func (d *Device) CopyBuffer(dst *resource.Resource, dstOff uint64, src *resource.Resource, srcOff, size uint64) error {
	const op = "copy buffer"
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.checkCopy(op, dst, src); err != nil {
		return err
	}
	if dst.Kind != resource.KindBuffer {
		return invalid(op, dst.Handle, "not a buffer")
	}
	if size == 0 || dstOff+size > dst.SizeBytes || srcOff+size > src.SizeBytes {
		return invalid(op, dst.Handle, "copy of %d bytes from %d to %d out of range", size, srcOff, dstOff)
	}
	t := d.begin()
	if err := d.encodeCopy(dst, src, protocol.CopyBuffer{
		Dst:       dst.Handle,
		Src:       src.Handle,
		DstOffset: dstOff,
		SrcOffset: srcOff,
		SizeBytes: size,
		Flags:     copyFlags(dst),
	}); err != nil {
		d.rollback(t)
		return opError(op, dst.Handle, err)
	}
	d.commit()
	return nil
}

// TextureCopy selects a region of one subresource. A zero Width or Height
// copies to the edge of the source subresource.
type TextureCopy struct {
	DstSub     int
	DstX, DstY uint32
	SrcSub     int
	SrcX, SrcY uint32
	Width      uint32
	Height     uint32
}

func (d *Device) CopyTexture2D(dst, src *resource.Resource, c TextureCopy) error {
	const op = "copy texture2d"
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.checkCopy(op, dst, src); err != nil {
		return err
	}
	p, err := textureCopyPacket(dst, src, c)
	if err != nil {
		return opError(op, dst.Handle, err)
	}
	t := d.begin()
	if err := d.encodeCopy(dst, src, p); err != nil {
		d.rollback(t)
		return opError(op, dst.Handle, err)
	}
	d.commit()
	return nil
}

func textureCopyPacket(dst, src *resource.Resource, c TextureCopy) (protocol.CopyTexture2D, error) {
	if dst.Kind != resource.KindTexture2D {
		return protocol.CopyTexture2D{}, resource.ErrNotTexture
	}
	if dst.Format != src.Format {
		return protocol.CopyTexture2D{}, fmt.Errorf("%w: copy from %s to %s", resource.ErrInvalidDesc, src.Format, dst.Format)
	}
	if c.DstSub < 0 || c.DstSub >= len(dst.Subresources) || c.SrcSub < 0 || c.SrcSub >= len(src.Subresources) {
		return protocol.CopyTexture2D{}, fmt.Errorf("%w: subresource out of range", resource.ErrInvalidDesc)
	}
	ds, ss := dst.Subresources[c.DstSub], src.Subresources[c.SrcSub]
	w, h := c.Width, c.Height
	if w == 0 && ss.Width > c.SrcX {
		w = ss.Width - c.SrcX
	}
	if h == 0 && ss.Height > c.SrcY {
		h = ss.Height - c.SrcY
	}
	if w == 0 || h == 0 ||
		c.SrcX+w > ss.Width || c.SrcY+h > ss.Height ||
		c.DstX+w > ds.Width || c.DstY+h > ds.Height {
		return protocol.CopyTexture2D{}, fmt.Errorf("%w: %dx%d region out of bounds", resource.ErrInvalidDesc, w, h)
	}
	return protocol.CopyTexture2D{
		Dst:      dst.Handle,
		Src:      src.Handle,
		DstMip:   ds.MipLevel,
		DstLayer: ds.ArrayLayer,
		SrcMip:   ss.MipLevel,
		SrcLayer: ss.ArrayLayer,
		DstX:     c.DstX,
		DstY:     c.DstY,
		SrcX:     c.SrcX,
		SrcY:     c.SrcY,
		Width:    w,
		Height:   h,
		Flags:    copyFlags(dst),
	}, nil
}

// CopyResource copies every byte of src into dst. Textures are copied one
// subresource at a time; the copy is all or nothing.
func (d *Device) CopyResource(dst, src *resource.Resource) error {
	const op = "copy resource"
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.checkCopy(op, dst, src); err != nil {
		return err
	}
	var pkts []protocol.Packet
	switch dst.Kind {
	case resource.KindBuffer:
		if dst.SizeBytes != src.SizeBytes {
			return invalid(op, dst.Handle, "buffer of %d bytes from %d", dst.SizeBytes, src.SizeBytes)
		}
		pkts = append(pkts, protocol.CopyBuffer{
			Dst:       dst.Handle,
			Src:       src.Handle,
			SizeBytes: src.SizeBytes,
			Flags:     copyFlags(dst),
		})
	case resource.KindTexture2D:
		if dst.Width != src.Width || dst.Height != src.Height || len(dst.Subresources) != len(src.Subresources) {
			return invalid(op, dst.Handle, "textures differ in shape")
		}
		for i := range src.Subresources {
			p, err := textureCopyPacket(dst, src, TextureCopy{DstSub: i, SrcSub: i})
			if err != nil {
				return opError(op, dst.Handle, err)
			}
			pkts = append(pkts, p)
		}
	}
	t := d.begin()
	for _, p := range pkts {
		if err := d.encodeCopy(dst, src, p); err != nil {
			d.rollback(t)
			return opError(op, dst.Handle, err)
		}
	}
	d.commit()
	return nil
}

// OpenSharedResource opens a surface another process exported.
func (d *Device) OpenSharedResource(token uint64) (*resource.Resource, error) {
	const op = "open shared resource"
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.usable(op); err != nil {
		return nil, err
	}
	h, err := d.newHandle(op)
	if err != nil {
		return nil, err
	}
	t := d.begin()
	r, err := shared.Import(d.enc, d.tokens, token, h)
	if err != nil {
		d.rollback(t)
		return nil, opError(op, h, err)
	}
	// The alias refers to the exporter's allocation. Without a way to open
	// it locally the host resolves the memory from the token alone.
	if opener, ok := d.layer.(allocationOpener); ok && r.Backing.AllocID != 0 {
		rh, err := opener.OpenAllocation(r.Backing.AllocID)
		if err != nil {
			d.rollback(t)
			d.tokens.Release(token)
			return nil, opError(op, h, err)
		}
		r.Backing.RuntimeHandle = rh
	} else {
		r.Backing = resource.Backing{}
	}
	d.resources[h] = r
	d.commit()
	return r, nil
}

// RotateResourceIdentities rotates the backing identities of resources one
// position, as a swap chain does on present, and rebinds every slot that
// referred to them. On failure nothing changes.
func (d *Device) RotateResourceIdentities(resources []*resource.Resource) error {
	const op = "rotate resource identities"
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.usable(op); err != nil {
		return err
	}
	for _, r := range resources {
		if err := d.checkResource(op, r); err != nil {
			return err
		}
	}
	ids := make([]resource.Identity, len(resources))
	for i, r := range resources {
		ids[i] = r.Identity()
	}
	t := d.begin()
	if err := d.cache.Rotate(resources); err != nil {
		return opError(op, 0, err)
	}
	restore := func() {
		for i, r := range resources {
			r.SetIdentity(ids[i])
		}
		d.rollback(t)
	}
	if err := d.appendAll(d.cache.RebindPackets(resources)); err != nil {
		restore()
		return opError(op, 0, err)
	}
	for _, r := range resources {
		if err := d.tryTrack(r, false); err != nil {
			restore()
			return opError(op, 0, err)
		}
	}
	for _, r := range resources {
		d.resources[r.Handle] = r
	}
	d.commit()
	return nil
}

// bindingOf is the cache binding for an optional resource.
func bindingOf(r *resource.Resource) bindcache.Binding {
	if r == nil {
		return bindcache.Binding{}
	}
	return bindcache.Binding{Handle: r.Handle, Res: r}
}
