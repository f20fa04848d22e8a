// Package alloctrack records which backing allocations the pending
// submission references, and with what access.
package alloctrack

import (
	"errors"
	"fmt"

	"github.com/tinyrange/pvgpu/internal/resource"
)

var ErrOutOfMemory = errors.New("alloctrack: allocation list exhausted")

// Entry is one referenced allocation. Entries are unique by AllocID.
type Entry struct {
	AllocID       uint32
	RuntimeHandle uint32
	Write         bool
}

// Checkpoint marks a position that Rollback can return to.
type Checkpoint struct {
	entries  int
	upgrades int
}

// Tracker is the allocation list of one pending submission. It is not safe
// for concurrent use; the owning device serializes access.
type Tracker struct {
	// Limit caps the number of entries. Zero means unlimited.
	Limit int

	// GrowHook, when set, is consulted before adding an entry. A non-nil
	// error is treated like hitting Limit.
	GrowHook func(entries int) error

	entries  []Entry
	index    map[uint32]int
	upgrades []int
	poisoned bool
}

func New() *Tracker {
	return &Tracker{index: make(map[uint32]int)}
}

func (t *Tracker) add(r *resource.Resource, write bool) error {
	if r == nil || r.Backing.HostOwned() {
		return nil
	}
	if t.index == nil {
		t.index = make(map[uint32]int)
	}
	id := r.Backing.AllocID
	if i, ok := t.index[id]; ok {
		if write && !t.entries[i].Write {
			t.entries[i].Write = true
			t.upgrades = append(t.upgrades, i)
		}
		return nil
	}
	if t.Limit > 0 && len(t.entries) >= t.Limit {
		return fmt.Errorf("%w: limit of %d entries", ErrOutOfMemory, t.Limit)
	}
	if t.GrowHook != nil {
		if err := t.GrowHook(len(t.entries) + 1); err != nil {
			return fmt.Errorf("%w: %w", ErrOutOfMemory, err)
		}
	}
	t.index[id] = len(t.entries)
	t.entries = append(t.entries, Entry{
		AllocID:       id,
		RuntimeHandle: r.Backing.RuntimeHandle,
		Write:         write,
	})
	return nil
}

// Track records a required reference. Host-owned resources are ignored. If
// the list cannot grow the tracker is poisoned and the pending submission
// must be discarded.
func (t *Tracker) Track(r *resource.Resource, write bool) error {
	if err := t.add(r, write); err != nil {
		t.poisoned = true
		return err
	}
	return nil
}

// TryTrack records an optional reference. On failure the tracker is left
// unpoisoned and the caller should skip the packet that needed it.
func (t *Tracker) TryTrack(r *resource.Resource, write bool) bool {
	return t.add(r, write) == nil
}

func (t *Tracker) Poisoned() bool { return t.poisoned }

func (t *Tracker) Checkpoint() Checkpoint {
	return Checkpoint{entries: len(t.entries), upgrades: len(t.upgrades)}
}

// Rollback undoes every entry and read-to-write upgrade made since cp. The
// poison flag is not cleared.
func (t *Tracker) Rollback(cp Checkpoint) {
	for i := len(t.upgrades) - 1; i >= cp.upgrades; i-- {
		if idx := t.upgrades[i]; idx < cp.entries {
			t.entries[idx].Write = false
		}
	}
	t.upgrades = t.upgrades[:min(cp.upgrades, len(t.upgrades))]
	for _, e := range t.entries[min(cp.entries, len(t.entries)):] {
		delete(t.index, e.AllocID)
	}
	t.entries = t.entries[:min(cp.entries, len(t.entries))]
}

// List returns the entries in insertion order. The slice is owned by the
// tracker until the next mutation.
func (t *Tracker) List() []Entry { return t.entries }

func (t *Tracker) Len() int { return len(t.entries) }

// Lookup returns the entry for an allocation.
func (t *Tracker) Lookup(allocID uint32) (Entry, bool) {
	i, ok := t.index[allocID]
	if !ok {
		return Entry{}, false
	}
	return t.entries[i], true
}

// Reset empties the list and clears the poison flag.
func (t *Tracker) Reset() {
	t.entries = t.entries[:0]
	t.upgrades = t.upgrades[:0]
	clear(t.index)
	t.poisoned = false
}
