package alloctrack

import (
	"encoding/json"
	"errors"
	"math/rand"
	"testing"

	"github.com/tinyrange/pvgpu/internal/protocol"
	"github.com/tinyrange/pvgpu/internal/resource"
)

func backed(id uint32) *resource.Resource {
	r, _ := resource.NewBuffer(id, resource.BufferDesc{SizeBytes: 64})
	r.Backing = resource.Backing{AllocID: id, RuntimeHandle: 0x1000 + id}
	return r
}

func TestTrackDedupAndUpgrade(t *testing.T) {
	tr := New()
	a, b := backed(1), backed(2)

	tr.Track(a, false)
	tr.Track(b, true)
	tr.Track(a, false)
	if tr.Len() != 2 {
		t.Fatalf("expected 2 entries, got %d", tr.Len())
	}
	tr.Track(a, true)
	if e, _ := tr.Lookup(1); !e.Write {
		t.Fatalf("read was not upgraded to write")
	}
	tr.Track(b, false)
	if e, _ := tr.Lookup(2); !e.Write {
		t.Fatalf("write was downgraded to read")
	}
	if e, _ := tr.Lookup(2); e.RuntimeHandle != 0x1002 {
		t.Fatalf("runtime handle %x", e.RuntimeHandle)
	}
}

func TestTrackHostOwned(t *testing.T) {
	tr := New()
	r, _ := resource.NewBuffer(1, resource.BufferDesc{SizeBytes: 4})
	if err := tr.Track(r, true); err != nil {
		t.Fatalf("track: %v", err)
	}
	if tr.Len() != 0 {
		t.Fatalf("host owned resource was tracked")
	}
}

func TestTrackRandomNeverDowngrades(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	tr := New()
	res := make([]*resource.Resource, 8)
	for i := range res {
		res[i] = backed(uint32(i + 1))
	}
	wrote := map[uint32]bool{}
	for i := 0; i < 500; i++ {
		r := res[rng.Intn(len(res))]
		w := rng.Intn(3) == 0
		tr.Track(r, w)
		wrote[r.Backing.AllocID] = wrote[r.Backing.AllocID] || w
	}
	seen := map[uint32]bool{}
	for _, e := range tr.List() {
		if seen[e.AllocID] {
			t.Fatalf("duplicate entry for %d", e.AllocID)
		}
		seen[e.AllocID] = true
		if e.Write != wrote[e.AllocID] {
			t.Fatalf("entry %d write=%v, want %v", e.AllocID, e.Write, wrote[e.AllocID])
		}
	}
}

func TestTrackPoison(t *testing.T) {
	tr := New()
	tr.Limit = 1
	if err := tr.Track(backed(1), false); err != nil {
		t.Fatalf("first track: %v", err)
	}
	if tr.TryTrack(backed(2), false) {
		t.Fatalf("best effort track past limit succeeded")
	}
	if tr.Poisoned() {
		t.Fatalf("best effort failure poisoned the tracker")
	}
	if err := tr.Track(backed(3), false); !errors.Is(err, ErrOutOfMemory) {
		t.Fatalf("expected ErrOutOfMemory, got %v", err)
	}
	if !tr.Poisoned() {
		t.Fatalf("required failure did not poison")
	}
	tr.Reset()
	if tr.Poisoned() || tr.Len() != 0 {
		t.Fatalf("reset did not clear the tracker")
	}
}

func TestGrowHook(t *testing.T) {
	tr := New()
	tr.GrowHook = func(n int) error {
		if n == 2 {
			return errors.New("injected")
		}
		return nil
	}
	tr.Track(backed(1), false)
	if err := tr.Track(backed(2), false); !errors.Is(err, ErrOutOfMemory) {
		t.Fatalf("hook failure not reported: %v", err)
	}
}

func TestCheckpointRollback(t *testing.T) {
	tr := New()
	a, b, c := backed(1), backed(2), backed(3)
	tr.Track(a, false)
	tr.Track(b, true)

	cp := tr.Checkpoint()
	tr.Track(a, true)
	tr.Track(c, false)
	tr.Rollback(cp)

	if tr.Len() != 2 {
		t.Fatalf("rollback left %d entries", tr.Len())
	}
	if e, _ := tr.Lookup(1); e.Write {
		t.Fatalf("upgrade survived rollback")
	}
	if e, _ := tr.Lookup(2); !e.Write {
		t.Fatalf("write from before the checkpoint was lost")
	}
	if _, ok := tr.Lookup(3); ok {
		t.Fatalf("entry added after the checkpoint survived")
	}

	// Re-tracking after a rollback must work against the restored index.
	tr.Track(c, true)
	if e, ok := tr.Lookup(3); !ok || !e.Write {
		t.Fatalf("retrack after rollback: %+v %v", e, ok)
	}
}

func TestBuildParseTable(t *testing.T) {
	entries := []Entry{{AllocID: 4, Write: true}, {AllocID: 9}}
	resolve := func(id uint32) (uint64, uint64, bool) {
		return uint64(id) << 20, 4096, true
	}
	b, err := BuildTable(entries, resolve)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	got, err := ParseTable(b)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d entries", len(got))
	}
	if got[0].ReadOnly() || !got[1].ReadOnly() {
		t.Fatalf("readonly flags wrong: %+v", got)
	}
	if got[1].GPA != 9<<20 || got[1].SizeBytes != 4096 {
		t.Fatalf("entry %+v", got[1])
	}

	if _, err := BuildTable([]Entry{{AllocID: 1}}, func(uint32) (uint64, uint64, bool) { return 0, 0, false }); !errors.Is(err, ErrUnresolved) {
		t.Fatalf("expected ErrUnresolved, got %v", err)
	}
	if _, err := BuildTable([]Entry{{AllocID: 1}, {AllocID: 1}}, resolve); err == nil {
		t.Fatalf("duplicate entries accepted")
	}
	if _, err := ParseTable(b[:protocol.AllocTableHeaderSize+8]); err == nil {
		t.Fatalf("truncated table accepted")
	}
}

func TestDumpJSON(t *testing.T) {
	out, err := DumpJSON([]protocol.AllocEntry{
		{AllocID: 1, GPA: 0x1000, SizeBytes: 64, Flags: protocol.AllocFlagReadOnly},
		{AllocID: 2, GPA: 0x2000, SizeBytes: 128},
	})
	if err != nil {
		t.Fatalf("dump: %v", err)
	}
	var doc struct {
		Count   int `json:"count"`
		Entries []struct {
			AllocID  int    `json:"alloc_id"`
			GPA      string `json:"gpa"`
			ReadOnly bool   `json:"readonly"`
		} `json:"entries"`
	}
	if err := json.Unmarshal(out, &doc); err != nil {
		t.Fatalf("output is not json: %v\n%s", err, out)
	}
	if doc.Count != 2 || doc.Entries[0].GPA != "0x1000" || !doc.Entries[0].ReadOnly || doc.Entries[1].ReadOnly {
		t.Fatalf("unexpected document %s", out)
	}
}
