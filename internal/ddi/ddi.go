// Package ddi builds the dispatch table the runtime calls into. Entry
// points the device does not implement get a uniform stub, and every call
// goes through one adapter that turns panics into errors.
package ddi

import (
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sort"
)

var (
	ErrNotImplemented = errors.New("ddi: not implemented")
	ErrFailed         = errors.New("ddi: call failed")
	ErrUnknownEntry   = errors.New("ddi: unknown entry point")
)

// Kind classifies an entry point for stub selection.
type Kind int

const (
	KindOther Kind = iota
	KindCreate
	KindDestroy
)

func (k Kind) String() string {
	switch k {
	case KindCreate:
		return "create"
	case KindDestroy:
		return "destroy"
	}
	return "other"
}

// Func is an entry point. Arguments are positional and checked by the
// implementation.
type Func func(args ...any) (any, error)

type Entry struct {
	Name string
	Kind Kind
	Fn   Func // nil selects the stub for Kind
}

type slot struct {
	kind Kind
	fn   Func
	stub bool
}

// Table is immutable once built.
type Table struct {
	slots map[string]slot
	log   *slog.Logger
}

// Stub returns the placeholder for an unimplemented entry point: destroy
// entries succeed so teardown never fails, everything else reports
// ErrNotImplemented.
func Stub(name string, kind Kind) Func {
	if kind == KindDestroy {
		return func(...any) (any, error) { return nil, nil }
	}
	return func(...any) (any, error) {
		return nil, fmt.Errorf("%w: %s", ErrNotImplemented, name)
	}
}

// Build creates a table from entries. A later entry with the same name
// replaces an earlier one.
func Build(entries []Entry, log *slog.Logger) *Table {
	if log == nil {
		log = slog.Default()
	}
	t := &Table{slots: make(map[string]slot, len(entries)), log: log}
	for _, e := range entries {
		s := slot{kind: e.Kind, fn: e.Fn}
		if s.fn == nil {
			s.fn = Stub(e.Name, e.Kind)
			s.stub = true
		}
		t.slots[e.Name] = s
	}
	return t
}

// Call invokes name, recovering any panic as ErrFailed.
func (t *Table) Call(name string, args ...any) (ret any, err error) {
	s, ok := t.slots[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownEntry, name)
	}
	defer func() {
		if r := recover(); r != nil {
			t.log.Error("ddi: entry point panicked",
				slog.String("entry", name),
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())))
			ret, err = nil, fmt.Errorf("%w: %s: %v", ErrFailed, name, r)
		}
	}()
	return s.fn(args...)
}

// Implemented reports whether name has a real implementation.
func (t *Table) Implemented(name string) bool {
	s, ok := t.slots[name]
	return ok && !s.stub
}

// Names lists every entry point in sorted order.
func (t *Table) Names() []string {
	names := make([]string, 0, len(t.slots))
	for n := range t.slots {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Arg extracts argument i as T. A nil argument is T's zero value.
func Arg[T any](args []any, i int) (T, error) {
	var zero T
	if i >= len(args) {
		return zero, fmt.Errorf("ddi: missing argument %d", i)
	}
	if args[i] == nil {
		return zero, nil
	}
	v, ok := args[i].(T)
	if !ok {
		return zero, fmt.Errorf("ddi: argument %d is %T, want %T", i, args[i], zero)
	}
	return v, nil
}
