// Package ipc is the wire protocol between guest driver processes and the
// session broker. The broker hands out process-global handles and keeps the
// private metadata of shared surfaces so another process can open them.
package ipc

import (
	"encoding/binary"
	"fmt"
	"io"
)

// Message types, grouped by a prefix byte.
const (
	// Session (0x00xx)
	MsgPing uint16 = 0x0001

	// Handle allocation (0x01xx)
	MsgHandleAlloc uint16 = 0x0100

	// Shared surfaces (0x02xx)
	MsgShareRegister uint16 = 0x0200
	MsgShareOpen     uint16 = 0x0201
	MsgShareRelease  uint16 = 0x0202

	// Response types (0xFFxx)
	MsgResponse uint16 = 0xFF00
	MsgError    uint16 = 0xFF01
)

// Wire format:
// [2 bytes: msg_type (big endian)]
// [4 bytes: payload_len (big endian)]
// [payload_len bytes: payload]

type Header struct {
	Type   uint16
	Length uint32
}

const HeaderSize = 6

// MaxPayload bounds a single message.
const MaxPayload = 1 << 20

func ReadHeader(r io.Reader) (Header, error) {
	var buf [HeaderSize]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return Header{}, err
	}
	h := Header{
		Type:   binary.BigEndian.Uint16(buf[0:2]),
		Length: binary.BigEndian.Uint32(buf[2:6]),
	}
	if h.Length > MaxPayload {
		return h, fmt.Errorf("payload of %d bytes exceeds %d", h.Length, MaxPayload)
	}
	return h, nil
}

func WriteHeader(w io.Writer, h Header) error {
	var buf [HeaderSize]byte
	binary.BigEndian.PutUint16(buf[0:2], h.Type)
	binary.BigEndian.PutUint32(buf[2:6], h.Length)
	_, err := w.Write(buf[:])
	return err
}

// Encoder writes IPC messages.
type Encoder struct {
	buf []byte
}

func NewEncoder() *Encoder {
	return &Encoder{buf: make([]byte, 0, 256)}
}

func (e *Encoder) Reset() {
	e.buf = e.buf[:0]
}

func (e *Encoder) Bytes() []byte {
	return e.buf
}

func (e *Encoder) Uint8(v uint8) {
	e.buf = append(e.buf, v)
}

func (e *Encoder) Uint32(v uint32) {
	e.buf = binary.BigEndian.AppendUint32(e.buf, v)
}

func (e *Encoder) Uint64(v uint64) {
	e.buf = binary.BigEndian.AppendUint64(e.buf, v)
}

func (e *Encoder) Bool(v bool) {
	if v {
		e.buf = append(e.buf, 1)
	} else {
		e.buf = append(e.buf, 0)
	}
}

// String appends a length-prefixed string (4 bytes length + data).
func (e *Encoder) String(s string) {
	e.Uint32(uint32(len(s)))
	e.buf = append(e.buf, s...)
}

// WriteBytes appends a length-prefixed byte slice (4 bytes length + data).
func (e *Encoder) WriteBytes(b []byte) {
	e.Uint32(uint32(len(b)))
	e.buf = append(e.buf, b...)
}

// Decoder reads IPC messages.
type Decoder struct {
	buf []byte
	pos int
}

func NewDecoder(buf []byte) *Decoder {
	return &Decoder{buf: buf}
}

// Remaining returns the number of unread bytes.
func (d *Decoder) Remaining() int {
	return len(d.buf) - d.pos
}

func (d *Decoder) Uint8() (uint8, error) {
	if d.pos >= len(d.buf) {
		return 0, io.ErrUnexpectedEOF
	}
	v := d.buf[d.pos]
	d.pos++
	return v, nil
}

func (d *Decoder) Uint32() (uint32, error) {
	if d.pos+4 > len(d.buf) {
		return 0, io.ErrUnexpectedEOF
	}
	v := binary.BigEndian.Uint32(d.buf[d.pos:])
	d.pos += 4
	return v, nil
}

func (d *Decoder) Uint64() (uint64, error) {
	if d.pos+8 > len(d.buf) {
		return 0, io.ErrUnexpectedEOF
	}
	v := binary.BigEndian.Uint64(d.buf[d.pos:])
	d.pos += 8
	return v, nil
}

func (d *Decoder) Bool() (bool, error) {
	v, err := d.Uint8()
	return v != 0, err
}

func (d *Decoder) String() (string, error) {
	b, err := d.Bytes()
	return string(b), err
}

// Bytes reads a length-prefixed byte slice.
func (d *Decoder) Bytes() ([]byte, error) {
	length, err := d.Uint32()
	if err != nil {
		return nil, err
	}
	if uint64(d.pos)+uint64(length) > uint64(len(d.buf)) {
		return nil, io.ErrUnexpectedEOF
	}
	b := make([]byte, length)
	copy(b, d.buf[d.pos:d.pos+int(length)])
	d.pos += int(length)
	return b, nil
}

// Error codes carried in responses.
const (
	ErrCodeOK              = 0
	ErrCodeInvalidArgument = 1
	ErrCodeNotFound        = 2
	ErrCodeExhausted       = 3
	ErrCodeIO              = 4
	ErrCodeUnknown         = 99
)

// IPCError is an error reported by the other end of a connection.
type IPCError struct {
	Code    uint8
	Message string
	Op      string
}

func (e *IPCError) Error() string {
	if e.Op != "" {
		return fmt.Sprintf("%s: %s", e.Op, e.Message)
	}
	return e.Message
}

// Is matches IPC errors by code, so callers can test against a template
// such as &IPCError{Code: ErrCodeNotFound}.
func (e *IPCError) Is(target error) bool {
	t, ok := target.(*IPCError)
	return ok && t.Message == "" && t.Code == e.Code
}

func EncodeError(enc *Encoder, code uint8, message, op string) {
	enc.Uint8(code)
	enc.String(message)
	enc.String(op)
}

// DecodeError reads the status prefix of a response. A nil *IPCError with a
// nil error means success and the decoder is positioned at the body.
func DecodeError(dec *Decoder) (*IPCError, error) {
	code, err := dec.Uint8()
	if err != nil {
		return nil, err
	}
	if code == ErrCodeOK {
		return nil, nil
	}
	message, err := dec.String()
	if err != nil {
		return nil, err
	}
	op, err := dec.String()
	if err != nil {
		return nil, err
	}
	return &IPCError{Code: code, Message: message, Op: op}, nil
}
