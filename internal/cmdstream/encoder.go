// Package cmdstream builds and walks command streams.
package cmdstream

import (
	"errors"
	"fmt"

	"github.com/tinyrange/pvgpu/internal/protocol"
)

// ErrOutOfMemory is returned when the stream cannot grow.
var ErrOutOfMemory = errors.New("cmdstream: out of memory")

// Checkpoint is an encoder size that Rollback can return to.
type Checkpoint struct {
	size int
}

// Encoder appends packets after a stream header. It is not safe for
// concurrent use; the owning device serializes access.
type Encoder struct {
	buf []byte

	// Limit caps the total stream size in bytes. Zero means unlimited.
	Limit int

	// AllocHook, if set, is consulted before every growth of the stream.
	// Returning an error fails the append without modifying the buffer.
	AllocHook func(need int) error

	stats map[protocol.Opcode]int
}

func New() *Encoder {
	e := &Encoder{
		buf:   make([]byte, protocol.StreamHeaderSize, 4096),
		stats: make(map[protocol.Opcode]int),
	}
	e.writeHeader()
	return e
}

func (e *Encoder) writeHeader() {
	hdr := protocol.StreamHeader{
		Magic:      protocol.StreamMagic,
		ABIVersion: protocol.ABIVersion,
		SizeBytes:  protocol.StreamHeaderSize,
		Flags:      protocol.StreamFlagNone,
	}
	hdr.Encode(e.buf[:protocol.StreamHeaderSize])
}

// grow makes room for n more bytes and returns the new zeroed slot. On
// failure the buffer is untouched.
func (e *Encoder) grow(n int) ([]byte, error) {
	if n < protocol.PacketHeaderSize || n%protocol.PacketAlign != 0 {
		return nil, fmt.Errorf("cmdstream: invalid packet size %d", n)
	}
	if e.Limit > 0 && len(e.buf)+n > e.Limit {
		return nil, ErrOutOfMemory
	}
	if uint64(len(e.buf))+uint64(n) > uint64(^uint32(0)) {
		return nil, ErrOutOfMemory
	}
	if e.AllocHook != nil {
		if err := e.AllocHook(n); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrOutOfMemory, err)
		}
	}
	if cap(e.buf)-len(e.buf) < n {
		next := make([]byte, len(e.buf), 2*cap(e.buf)+n)
		copy(next, e.buf)
		e.buf = next
	}
	off := len(e.buf)
	slot := e.buf[off : off+n]
	clear(slot)
	return slot, nil
}

// commit publishes a fully written slot of n bytes.
func (e *Encoder) commit(op protocol.Opcode, n int) {
	e.buf = e.buf[:len(e.buf)+n]
	e.stats[op]++
}

// Reserve returns a zeroed slot of size bytes with the packet header already
// written. The packet becomes part of the stream immediately, so the caller
// must fill the body before doing anything that could fail.
func (e *Encoder) Reserve(op protocol.Opcode, size int) ([]byte, error) {
	slot, err := e.grow(size)
	if err != nil {
		return nil, err
	}
	protocol.PutPacketHeader(slot, op, uint32(size))
	e.commit(op, size)
	return slot, nil
}

// Append encodes a fixed-size packet.
func (e *Encoder) Append(p protocol.Packet) error {
	size := p.Size()
	slot, err := e.grow(size)
	if err != nil {
		return err
	}
	p.Encode(slot)
	e.commit(p.Opcode(), size)
	return nil
}

// AppendWithPayload encodes p followed by data, padded to the packet
// alignment. The payload length is written into p's length field.
func (e *Encoder) AppendWithPayload(p protocol.PayloadPacket, data []byte) error {
	if uint64(len(data)) > uint64(^uint32(0)) {
		return fmt.Errorf("cmdstream: payload of %d bytes too large", len(data))
	}
	p = p.WithPayloadLen(uint32(len(data)))
	fixed := p.Size()
	total := fixed + protocol.AlignUp(len(data))
	slot, err := e.grow(total)
	if err != nil {
		return err
	}
	p.Encode(slot[:fixed])
	copy(slot[fixed:], data)
	protocol.PutPacketHeader(slot, p.Opcode(), uint32(total))
	e.commit(p.Opcode(), total)
	return nil
}

// DebugMarker appends a labelled marker packet.
func (e *Encoder) DebugMarker(label string) error {
	return e.AppendWithPayload(protocol.DebugMarker{}, []byte(label))
}

func (e *Encoder) Checkpoint() Checkpoint {
	return Checkpoint{size: len(e.buf)}
}

// Rollback discards everything appended after cp.
func (e *Encoder) Rollback(cp Checkpoint) {
	if cp.size < protocol.StreamHeaderSize || cp.size > len(e.buf) {
		return
	}
	if cp.size == len(e.buf) {
		return
	}
	// Per-opcode stats are advisory; recount from the retained packets.
	e.buf = e.buf[:cp.size]
	e.recount()
}

func (e *Encoder) recount() {
	clear(e.stats)
	_ = Walk(e.buf[:len(e.buf)], func(op protocol.Opcode, _ []byte) error {
		e.stats[op]++
		return nil
	}, walkUnfinalized)
}

// Finalize patches the stream header size and returns the stream. The
// returned slice aliases the encoder until the next Reset.
func (e *Encoder) Finalize() []byte {
	protocol.SetStreamSize(e.buf, uint32(len(e.buf)))
	return e.buf
}

// Empty reports whether no packets have been appended.
func (e *Encoder) Empty() bool {
	return len(e.buf) == protocol.StreamHeaderSize
}

func (e *Encoder) Reset() {
	e.buf = e.buf[:protocol.StreamHeaderSize]
	e.writeHeader()
	clear(e.stats)
}

// Size returns the current stream size in bytes, header included.
func (e *Encoder) Size() int {
	return len(e.buf)
}

// Bytes returns the stream without patching the header.
func (e *Encoder) Bytes() []byte {
	return e.buf
}

// Stats returns the number of packets appended per opcode since the last
// Reset.
func (e *Encoder) Stats() map[protocol.Opcode]int {
	out := make(map[protocol.Opcode]int, len(e.stats))
	for op, n := range e.stats {
		out[op] = n
	}
	return out
}
