package trace

import (
	"bytes"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/tinyrange/pvgpu/internal/submit"
)

func fixedClock() func() time.Time {
	var mu sync.Mutex
	t := time.Unix(1000, 0)
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		t = t.Add(time.Millisecond)
		return t
	}
}

func TestRecordAndRead(t *testing.T) {
	rec := &Recorder{now: fixedClock()}
	mem, err := rec.OpenMemory()
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	stream := bytes.Repeat([]byte{0xab}, 256)
	rec.Hook("ctx-1", nil)(submit.Submission{
		Stream:      stream,
		Allocations: []submit.Allocation{{Handle: 7, AllocID: 3, Write: true}},
		Chunks:      2,
		Fence:       41,
	})
	rec.Marker("ctx-1", "frame %d", 1)
	rec.Submission("ctx-2", submit.Submission{Present: true, Fence: 42, Err: errors.New("device removed")})
	if err := rec.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	r, err := NewBytesReader(mem.Bytes())
	if err != nil {
		t.Fatalf("reader: %v", err)
	}
	if got := r.Sources(); len(got) != 2 || got[0] != "ctx-1" || got[1] != "ctx-2" {
		t.Fatalf("sources %v", got)
	}

	var kinds []Kind
	if err := r.Each(func(rec Record) error {
		kinds = append(kinds, rec.Kind)
		return nil
	}); err != nil {
		t.Fatalf("each: %v", err)
	}
	want := []Kind{KindSubmission, KindMarker, KindPresent}
	if fmt.Sprint(kinds) != fmt.Sprint(want) {
		t.Fatalf("kinds %v, want %v", kinds, want)
	}

	var subs []SubmissionRecord
	if err := r.Submissions(SearchOptions{}, func(_ Record, s SubmissionRecord) error {
		subs = append(subs, s)
		return nil
	}); err != nil {
		t.Fatalf("submissions: %v", err)
	}
	if len(subs) != 2 {
		t.Fatalf("%d submissions", len(subs))
	}
	first := subs[0]
	if !bytes.Equal(first.Stream, stream) || first.Fence != 41 || first.Chunks != 2 || first.Failed() {
		t.Fatalf("first submission %+v", first)
	}
	if len(first.Allocations) != 1 || first.Allocations[0] != (submit.Allocation{Handle: 7, AllocID: 3, Write: true}) {
		t.Fatalf("allocations %+v", first.Allocations)
	}
	if !subs[1].Present || subs[1].Err != "device removed" {
		t.Fatalf("second submission %+v", subs[1])
	}

	var marker string
	r.Search(SearchOptions{Kinds: []Kind{KindMarker}}, func(rec Record) error {
		marker = string(rec.Data)
		return nil
	})
	if marker != "frame 1" {
		t.Fatalf("marker %q", marker)
	}
}

func TestRecordToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "session.pvtrace")
	rec := NewRecorder()
	if err := rec.OpenFile(path); err != nil {
		t.Fatalf("open: %v", err)
	}
	for i := range 5 {
		rec.Marker("dev", "marker %d", i)
	}
	rec.Close()

	r, closer, err := OpenReader(path)
	if err != nil {
		t.Fatalf("reader: %v", err)
	}
	defer closer.Close()
	n, err := r.Count(SearchOptions{Sources: []string{"dev"}})
	if err != nil || n != 5 {
		t.Fatalf("count %d err %v", n, err)
	}
}

func TestSearchLimits(t *testing.T) {
	rec := &Recorder{now: fixedClock()}
	mem, _ := rec.OpenMemory()
	for i := range 10 {
		rec.Marker(fmt.Sprintf("src-%d", i%2), "%d", i)
	}
	r, err := NewBytesReader(mem.Bytes())
	if err != nil {
		t.Fatalf("reader: %v", err)
	}

	tests := []struct {
		name string
		opts SearchOptions
		want string
	}{
		{"all", SearchOptions{}, "0123456789"},
		{"first", SearchOptions{LimitStart: 3}, "012"},
		{"last", SearchOptions{LimitEnd: 2}, "89"},
		{"source", SearchOptions{Sources: []string{"src-1"}}, "13579"},
		{"window", SearchOptions{Start: time.Unix(1000, 0).Add(3 * time.Millisecond), End: time.Unix(1000, 0).Add(5 * time.Millisecond)}, "234"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got string
			if err := r.Search(tt.opts, func(rec Record) error {
				got += string(rec.Data)
				return nil
			}); err != nil {
				t.Fatalf("search: %v", err)
			}
			if got != tt.want {
				t.Fatalf("got %q, want %q", got, tt.want)
			}
		})
	}

	if _, err := r.Count(SearchOptions{LimitStart: 1, LimitEnd: 1}); err == nil {
		t.Fatalf("both limits accepted")
	}
}

func TestConcurrentRecorders(t *testing.T) {
	rec := NewRecorder()
	mem, _ := rec.OpenMemory()
	var wg sync.WaitGroup
	for i := range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := range 10 {
				rec.Marker(fmt.Sprintf("dev-%d", i), "%d", j)
			}
		}()
	}
	wg.Wait()

	r, err := NewBytesReader(mem.Bytes())
	if err != nil {
		t.Fatalf("reader: %v", err)
	}
	var last time.Time
	count := 0
	if err := r.Each(func(rec Record) error {
		if rec.Time.Before(last) {
			t.Fatalf("records out of order")
		}
		last = rec.Time
		count++
		return nil
	}); err != nil {
		t.Fatalf("each: %v", err)
	}
	if count != 40 {
		t.Fatalf("%d records, want 40", count)
	}
}

func TestDecodeSubmissionRejectsTruncated(t *testing.T) {
	b := EncodeSubmission(SubmissionRecord{
		Fence:       1,
		Allocations: []submit.Allocation{{Handle: 1, AllocID: 1}},
		Stream:      []byte{1, 2, 3, 4},
	})
	for _, n := range []int{0, 7, 20, len(b) - 1} {
		if _, err := DecodeSubmission(b[:n]); !errors.Is(err, ErrCorrupt) {
			t.Fatalf("truncated to %d: %v", n, err)
		}
	}
}

func TestClosedRecorderDiscards(t *testing.T) {
	var rec Recorder
	if err := rec.Marker("x", "dropped"); err != nil {
		t.Fatalf("marker on closed recorder: %v", err)
	}
	var nilRec *Recorder
	if nilRec.Enabled() {
		t.Fatalf("nil recorder enabled")
	}
}
