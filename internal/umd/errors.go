package umd

import (
	"errors"
	"fmt"
	"strings"

	"github.com/tinyrange/pvgpu/internal/alloctrack"
	"github.com/tinyrange/pvgpu/internal/bindcache"
	"github.com/tinyrange/pvgpu/internal/cmdstream"
	"github.com/tinyrange/pvgpu/internal/descriptor"
	"github.com/tinyrange/pvgpu/internal/fence"
	"github.com/tinyrange/pvgpu/internal/resource"
	"github.com/tinyrange/pvgpu/internal/shared"
	"github.com/tinyrange/pvgpu/internal/submit"
)

// Error classes. Every error returned by a Device matches at most one of
// them with errors.Is.
var (
	ErrInvalidArg     = errors.New("invalid argument")
	ErrOutOfMemory    = errors.New("out of memory")
	ErrNotImplemented = errors.New("not implemented")
	ErrStillDrawing   = errors.New("still drawing")
	ErrDeviceLost     = errors.New("device lost")
)

// Error is returned by Device operations.
type Error struct {
	Op     string
	Handle uint32
	Kind   error // one of the Err* classes, or nil
	Err    error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString("umd: ")
	b.WriteString(e.Op)
	if e.Handle != 0 {
		fmt.Fprintf(&b, " 0x%x", e.Handle)
	}
	if e.Kind != nil {
		b.WriteString(": ")
		b.WriteString(e.Kind.Error())
	}
	if e.Err != nil && e.Err != e.Kind {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() []error {
	var errs []error
	if e.Kind != nil {
		errs = append(errs, e.Kind)
	}
	if e.Err != nil && e.Err != e.Kind {
		errs = append(errs, e.Err)
	}
	return errs
}

func classify(err error) error {
	for _, k := range []error{ErrInvalidArg, ErrOutOfMemory, ErrNotImplemented, ErrStillDrawing, ErrDeviceLost} {
		if errors.Is(err, k) {
			return k
		}
	}
	switch {
	case errors.Is(err, cmdstream.ErrOutOfMemory),
		errors.Is(err, alloctrack.ErrOutOfMemory),
		errors.Is(err, submit.ErrOutOfMemory):
		return ErrOutOfMemory
	case errors.Is(err, submit.ErrNotImplemented):
		return ErrNotImplemented
	case errors.Is(err, fence.ErrStillDrawing):
		return ErrStillDrawing
	case errors.Is(err, submit.ErrDeviceLost):
		return ErrDeviceLost
	case errors.Is(err, resource.ErrInvalidDesc),
		errors.Is(err, resource.ErrAlreadyMapped),
		errors.Is(err, resource.ErrNotMapped),
		errors.Is(err, resource.ErrNotTexture),
		errors.Is(err, bindcache.ErrRotate),
		errors.Is(err, shared.ErrUnknownToken),
		errors.Is(err, shared.ErrNotShareable),
		errors.Is(err, descriptor.ErrUnsupportedDescriptor):
		return ErrInvalidArg
	}
	return nil
}

func opError(op string, handle uint32, err error) error {
	if err == nil {
		return nil
	}
	var ue *Error
	if errors.As(err, &ue) {
		return err
	}
	return &Error{Op: op, Handle: handle, Kind: classify(err), Err: err}
}

func invalid(op string, handle uint32, format string, args ...any) error {
	return &Error{Op: op, Handle: handle, Kind: ErrInvalidArg, Err: fmt.Errorf(format, args...)}
}
