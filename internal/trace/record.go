package trace

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/tinyrange/pvgpu/internal/submit"
)

var ErrCorrupt = errors.New("trace: corrupt record")

// SubmissionRecord is the payload of submission and present records.
type SubmissionRecord struct {
	Fence       uint64
	Chunks      uint32
	Present     bool
	Err         string
	Allocations []submit.Allocation
	Stream      []byte
}

func SubmissionFrom(s submit.Submission) SubmissionRecord {
	rec := SubmissionRecord{
		Fence:       s.Fence,
		Chunks:      uint32(s.Chunks),
		Present:     s.Present,
		Allocations: s.Allocations,
		Stream:      s.Stream,
	}
	if s.Err != nil {
		rec.Err = s.Err.Error()
	}
	return rec
}

// Failed reports whether the submission returned an error.
func (s SubmissionRecord) Failed() bool { return s.Err != "" }

const (
	flagPresent = 1 << 0
	flagFailed  = 1 << 1

	allocRecordSize = 9
)

func EncodeSubmission(s SubmissionRecord) []byte {
	errText := s.Err
	if len(errText) > 0xffff {
		errText = errText[:0xffff]
	}
	size := 8 + 4 + 1 + 2 + len(errText) + 4 + allocRecordSize*len(s.Allocations) + 4 + len(s.Stream)
	b := make([]byte, 0, size)

	var flags byte
	if s.Present {
		flags |= flagPresent
	}
	if errText != "" {
		flags |= flagFailed
	}
	b = binary.LittleEndian.AppendUint64(b, s.Fence)
	b = binary.LittleEndian.AppendUint32(b, s.Chunks)
	b = append(b, flags)
	b = binary.LittleEndian.AppendUint16(b, uint16(len(errText)))
	b = append(b, errText...)
	b = binary.LittleEndian.AppendUint32(b, uint32(len(s.Allocations)))
	for _, a := range s.Allocations {
		b = binary.LittleEndian.AppendUint32(b, a.Handle)
		b = binary.LittleEndian.AppendUint32(b, a.AllocID)
		if a.Write {
			b = append(b, 1)
		} else {
			b = append(b, 0)
		}
	}
	b = binary.LittleEndian.AppendUint32(b, uint32(len(s.Stream)))
	b = append(b, s.Stream...)
	return b
}

type cursor struct {
	b   []byte
	err error
}

func (c *cursor) take(n int) []byte {
	if c.err != nil {
		return nil
	}
	if n < 0 || n > len(c.b) {
		c.err = fmt.Errorf("%w: need %d bytes, have %d", ErrCorrupt, n, len(c.b))
		return nil
	}
	v := c.b[:n]
	c.b = c.b[n:]
	return v
}

func (c *cursor) u8() byte {
	if v := c.take(1); v != nil {
		return v[0]
	}
	return 0
}

func (c *cursor) u16() uint16 {
	if v := c.take(2); v != nil {
		return binary.LittleEndian.Uint16(v)
	}
	return 0
}

func (c *cursor) u32() uint32 {
	if v := c.take(4); v != nil {
		return binary.LittleEndian.Uint32(v)
	}
	return 0
}

func (c *cursor) u64() uint64 {
	if v := c.take(8); v != nil {
		return binary.LittleEndian.Uint64(v)
	}
	return 0
}

// DecodeSubmission parses a payload written by EncodeSubmission.
func DecodeSubmission(b []byte) (SubmissionRecord, error) {
	c := &cursor{b: b}
	var s SubmissionRecord
	s.Fence = c.u64()
	s.Chunks = c.u32()
	flags := c.u8()
	s.Present = flags&flagPresent != 0
	s.Err = string(c.take(int(c.u16())))

	n := c.u32()
	if c.err == nil && uint64(n)*allocRecordSize > uint64(len(c.b)) {
		return SubmissionRecord{}, fmt.Errorf("%w: %d allocations in %d bytes", ErrCorrupt, n, len(c.b))
	}
	if n > 0 {
		s.Allocations = make([]submit.Allocation, n)
	}
	for i := range s.Allocations {
		s.Allocations[i] = submit.Allocation{
			Handle:  c.u32(),
			AllocID: c.u32(),
			Write:   c.u8() != 0,
		}
	}
	s.Stream = append([]byte(nil), c.take(int(c.u32()))...)
	if c.err != nil {
		return SubmissionRecord{}, c.err
	}
	if flags&flagFailed != 0 && s.Err == "" {
		return SubmissionRecord{}, fmt.Errorf("%w: failed submission without an error", ErrCorrupt)
	}
	return s, nil
}
