// Package trace records submitted command streams to a binary log so a
// session can be inspected or replayed later.
//
// Records are appended by atomically reserving space at the end of the log,
// so any number of devices can share one Recorder. Each record is:
//   - 2 bytes kind
//   - 2 bytes source length
//   - 4 bytes payload length
//   - 8 bytes timestamp (nanoseconds since epoch)
//   - source bytes
//   - payload bytes, snappy compressed
package trace

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/golang/snappy"
	"github.com/tinyrange/pvgpu/internal/submit"
)

const headerSize = 16

type Kind uint16

const (
	KindInvalid Kind = iota
	KindSubmission
	KindPresent
	KindMarker
)

func (k Kind) String() string {
	switch k {
	case KindSubmission:
		return "submission"
	case KindPresent:
		return "present"
	case KindMarker:
		return "marker"
	}
	return fmt.Sprintf("kind(%d)", uint16(k))
}

type Writer interface {
	io.WriterAt
	io.Closer
}

type writer struct {
	w Writer
}

// Recorder appends records to a Writer. The zero value discards records
// until Open is called.
type Recorder struct {
	w      atomic.Pointer[writer]
	offset atomic.Uint64
	now    func() time.Time
}

func NewRecorder() *Recorder { return &Recorder{} }

// OpenFile truncates path and records into it.
func (r *Recorder) OpenFile(path string) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return fmt.Errorf("trace: %w", err)
	}
	return r.Open(f)
}

// Open starts recording into w. A previously open writer is closed.
func (r *Recorder) Open(w Writer) error {
	r.offset.Store(0)
	if old := r.w.Swap(&writer{w: w}); old != nil {
		return old.w.Close()
	}
	return nil
}

// OpenMemory records into a new in-memory buffer.
func (r *Recorder) OpenMemory() (*Memory, error) {
	mem := &Memory{}
	if err := r.Open(mem); err != nil {
		return nil, err
	}
	return mem, nil
}

// Enabled reports whether records are being kept.
func (r *Recorder) Enabled() bool { return r != nil && r.w.Load() != nil }

func (r *Recorder) Close() error {
	w := r.w.Swap(nil)
	if w == nil {
		return nil
	}
	return w.w.Close()
}

func (r *Recorder) timestamp() int64 {
	if r.now != nil {
		return r.now().UnixNano()
	}
	return time.Now().UnixNano()
}

func encodeHeader(kind Kind, source string, data []byte, ts int64) []byte {
	header := make([]byte, headerSize)
	binary.LittleEndian.PutUint16(header[0:2], uint16(kind))
	binary.LittleEndian.PutUint16(header[2:4], uint16(len(source)))
	binary.LittleEndian.PutUint32(header[4:8], uint32(len(data)))
	binary.LittleEndian.PutUint64(header[8:16], uint64(ts))
	return header
}

func decodeHeader(header []byte) (kind Kind, sourceLength uint16, dataLength uint32, ts int64) {
	kind         = Kind(binary.LittleEndian.Uint16(header[0:2]))
	sourceLength = binary.LittleEndian.Uint16(header[2:4])
	dataLength   = binary.LittleEndian.Uint32(header[4:8])
	ts           = int64(binary.LittleEndian.Uint64(header[8:16]))
	return
}

// Record appends a raw record. The payload is compressed before writing.
func (r *Recorder) Record(kind Kind, source string, payload []byte) error {
	if r == nil {
		return nil
	}
	w := r.w.Load()
	if w == nil {
		return nil
	}
	if kind == KindInvalid {
		return fmt.Errorf("trace: invalid record kind")
	}
	if len(source) > 0xffff {
		source = source[:0xffff]
	}
	data := snappy.Encode(nil, payload)
	header := encodeHeader(kind, source, data, r.timestamp())

	size := uint64(headerSize + len(source) + len(data))
	off := int64(r.offset.Add(size) - size)

	buf := make([]byte, 0, size)
	buf = append(buf, header...)
	buf = append(buf, source...)
	buf = append(buf, data...)
	if _, err := w.w.WriteAt(buf, off); err != nil {
		return fmt.Errorf("trace: write at %d: %w", off, err)
	}
	return nil
}

// Submission records s as a submission, or as a present when s presented.
func (r *Recorder) Submission(source string, s submit.Submission) error {
	if !r.Enabled() {
		return nil
	}
	kind := KindSubmission
	if s.Present {
		kind = KindPresent
	}
	return r.Record(kind, source, EncodeSubmission(SubmissionFrom(s)))
}

// Marker records a free-form note.
func (r *Recorder) Marker(source string, format string, args ...any) error {
	if !r.Enabled() {
		return nil
	}
	return r.Record(KindMarker, source, fmt.Appendf(nil, format, args...))
}

// Hook returns a function suitable for submit.Engine.OnSubmit. Recording
// errors are passed to onErr when it is not nil.
func (r *Recorder) Hook(source string, onErr func(error)) func(submit.Submission) {
	return func(s submit.Submission) {
		if err := r.Submission(source, s); err != nil && onErr != nil {
			onErr(err)
		}
	}
}

type write struct {
	off  int64
	data []byte
}

// Memory is an in-memory Writer. Writes may arrive out of order.
type Memory struct {
	data    sync.Map
	maxSize atomic.Int64
}

func (m *Memory) WriteAt(p []byte, off int64) (int, error) {
	m.data.Store(off, write{off: off, data: append([]byte{}, p...)})
	end := off + int64(len(p))
	for {
		val := m.maxSize.Load()
		if val >= end || m.maxSize.CompareAndSwap(val, end) {
			break
		}
	}
	return len(p), nil
}

func (m *Memory) Close() error { return nil }

// Bytes assembles the log written so far.
func (m *Memory) Bytes() []byte {
	data := make([]byte, m.maxSize.Load())
	m.data.Range(func(key, value any) bool {
		w := value.(write)
		if w.off+int64(len(w.data)) <= int64(len(data)) {
			copy(data[w.off:], w.data)
		}
		return true
	})
	return data
}

// CopyTo copies the log to w at the offsets it was written at.
func (m *Memory) CopyTo(w io.WriterAt) (int64, error) {
	var err error
	m.data.Range(func(key, value any) bool {
		rec := value.(write)
		_, err = w.WriteAt(rec.data, rec.off)
		return err == nil
	})
	if err != nil {
		return 0, err
	}
	return m.maxSize.Load(), nil
}
