package cmdstream

import (
	"errors"
	"fmt"

	"github.com/tinyrange/pvgpu/internal/protocol"
)

// StreamError describes a malformed stream.
type StreamError struct {
	Offset int
	Reason string
}

func (e *StreamError) Error() string {
	return fmt.Sprintf("cmdstream: offset %d: %s", e.Offset, e.Reason)
}

// ErrStop may be returned by a Walk callback to end the walk early without
// an error.
var ErrStop = errors.New("cmdstream: stop")

type walkOption int

const (
	// walkUnfinalized uses the buffer length instead of the header size.
	walkUnfinalized walkOption = iota + 1
)

// Walk calls fn for every packet of a finalized stream, in order. pkt is the
// full packet including its header. Bytes past the declared stream size are
// ignored.
func Walk(stream []byte, fn func(op protocol.Opcode, pkt []byte) error, opts ...walkOption) error {
	hdr, err := protocol.ParseStreamHeader(stream)
	if err != nil {
		return &StreamError{Offset: 0, Reason: err.Error()}
	}
	if hdr.Magic != protocol.StreamMagic {
		return &StreamError{Offset: 0, Reason: fmt.Sprintf("bad magic 0x%08x", hdr.Magic)}
	}
	if protocol.ABIMajorOf(hdr.ABIVersion) != protocol.ABIMajor {
		return &StreamError{Offset: 4, Reason: fmt.Sprintf("unsupported abi version 0x%08x", hdr.ABIVersion)}
	}

	end := int(hdr.SizeBytes)
	for _, o := range opts {
		if o == walkUnfinalized {
			end = len(stream)
		}
	}
	if end < protocol.StreamHeaderSize || end > len(stream) {
		return &StreamError{Offset: 8, Reason: fmt.Sprintf("declared size %d outside buffer of %d bytes", hdr.SizeBytes, len(stream))}
	}

	off := protocol.StreamHeaderSize
	for off < end {
		if end-off < protocol.PacketHeaderSize {
			return &StreamError{Offset: off, Reason: "truncated packet header"}
		}
		ph := protocol.ParsePacketHeader(stream[off:])
		size := int(ph.SizeBytes)
		if size < protocol.PacketHeaderSize || size%protocol.PacketAlign != 0 || size > end-off {
			return &StreamError{Offset: off, Reason: fmt.Sprintf("invalid packet size %d (remaining %d)", size, end-off)}
		}
		if fn != nil {
			if err := fn(ph.Opcode, stream[off:off+size]); err != nil {
				if errors.Is(err, ErrStop) {
					return nil
				}
				return err
			}
		}
		off += size
	}
	return nil
}

// Validate checks the structure of a finalized stream.
func Validate(stream []byte) error {
	return Walk(stream, nil)
}

// Packet is one decoded packet from a stream.
type Packet struct {
	Offset  int
	Opcode  protocol.Opcode
	Raw     []byte
	Decoded protocol.Packet
	Payload []byte
}

// Decode walks a stream and decodes every packet. Unknown opcodes are kept
// with a nil Decoded value.
func Decode(stream []byte) ([]Packet, error) {
	var out []Packet
	off := protocol.StreamHeaderSize
	err := Walk(stream, func(op protocol.Opcode, pkt []byte) error {
		p, payload, err := protocol.ParsePacket(pkt)
		if err != nil {
			return &StreamError{Offset: off, Reason: err.Error()}
		}
		out = append(out, Packet{Offset: off, Opcode: op, Raw: pkt, Decoded: p, Payload: payload})
		off += len(pkt)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
