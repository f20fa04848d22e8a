package trace

import (
	"bufio"
	"bytes"
	"cmp"
	"fmt"
	"hash/fnv"
	"io"
	"os"
	"slices"
	"time"

	"github.com/golang/snappy"
)

// Record is one decoded log entry.
type Record struct {
	Time   time.Time
	Kind   Kind
	Source string
	Data   []byte // decompressed payload
}

type SearchOptions struct {
	// The start and end timestamps to search within.
	Start time.Time
	End   time.Time

	// LimitStart only returns the first N entries after the start timestamp.
	// Setting both LimitStart and LimitEnd is an error.
	LimitStart int

	// LimitEnd only returns the last N entries before the end timestamp.
	LimitEnd int

	// Only return entries for the given sources.
	Sources []string

	// Only return entries of the given kinds.
	Kinds []Kind
}

type indexEntry struct {
	offset   int64
	unixNano int64
	kind     Kind
}

// Reader indexes a trace log by source.
type Reader struct {
	r io.ReaderAt

	index   map[uint64][]indexEntry
	sources map[uint64]string
	order   []string

	earliest int64
	latest   int64
}

func hashSource(s []byte) uint64 {
	h := fnv.New64a()
	h.Write(s)
	return h.Sum64()
}

// NewReader indexes the log by reading idx sequentially; records are then
// read back through r.
func NewReader(r io.ReaderAt, idx io.Reader) (*Reader, error) {
	ret := &Reader{
		r:       r,
		index:   make(map[uint64][]indexEntry),
		sources: make(map[uint64]string),
	}
	if err := ret.indexAll(idx); err != nil {
		return nil, fmt.Errorf("trace: index: %w", err)
	}
	return ret, nil
}

// NewBytesReader reads a log held in memory, such as Memory.Bytes.
func NewBytesReader(b []byte) (*Reader, error) {
	return NewReader(bytes.NewReader(b), bytes.NewReader(b))
}

// OpenReader opens and indexes the log at path.
func OpenReader(path string) (*Reader, io.Closer, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("trace: %w", err)
	}
	r, err := NewReader(f, f)
	if err != nil {
		f.Close()
		return nil, nil, err
	}
	return r, f, nil
}

func (r *Reader) indexAll(src io.Reader) error {
	br := bufio.NewReaderSize(src, 1<<20)
	var (
		header [headerSize]byte
		source [0x10000]byte
		offset int64
	)
	for {
		if _, err := io.ReadFull(br, header[:]); err != nil {
			if err == io.EOF {
				return nil
			}
			return fmt.Errorf("header at %d: %w", offset, err)
		}
		kind, sourceLength, dataLength, ts := decodeHeader(header[:])
		if kind == KindInvalid {
			// A zeroed tail means a writer reserved space it never filled.
			return nil
		}
		if _, err := io.ReadFull(br, source[:sourceLength]); err != nil {
			return fmt.Errorf("source at %d: %w", offset, err)
		}
		if _, err := br.Discard(int(dataLength)); err != nil {
			return fmt.Errorf("payload at %d: %w", offset, err)
		}

		if r.earliest == 0 || ts < r.earliest {
			r.earliest = ts
		}
		if ts > r.latest {
			r.latest = ts
		}
		h := hashSource(source[:sourceLength])
		if _, ok := r.sources[h]; !ok {
			name := string(source[:sourceLength])
			r.sources[h] = name
			r.order = append(r.order, name)
		}
		r.index[h] = append(r.index[h], indexEntry{offset: offset, unixNano: ts, kind: kind})
		offset += headerSize + int64(sourceLength) + int64(dataLength)
	}
}

// Sources lists the sources in the order they first appear.
func (r *Reader) Sources() []string { return slices.Clone(r.order) }

func (r *Reader) TimeRange() (time.Time, time.Time) {
	return time.Unix(0, r.earliest), time.Unix(0, r.latest)
}

type match struct {
	source string
	entry  indexEntry
}

func (r *Reader) matches(opts SearchOptions) ([]match, error) {
	if opts.LimitStart > 0 && opts.LimitEnd > 0 {
		return nil, fmt.Errorf("trace: cannot set both LimitStart and LimitEnd")
	}
	filter := make(map[uint64]bool)
	for _, s := range opts.Sources {
		filter[hashSource([]byte(s))] = true
	}

	var out []match
	for h, entries := range r.index {
		if len(filter) > 0 && !filter[h] {
			continue
		}
		for _, e := range entries {
			ts := time.Unix(0, e.unixNano)
			if !opts.Start.IsZero() && ts.Before(opts.Start) {
				continue
			}
			if !opts.End.IsZero() && ts.After(opts.End) {
				continue
			}
			if len(opts.Kinds) > 0 && !slices.Contains(opts.Kinds, e.kind) {
				continue
			}
			out = append(out, match{source: r.sources[h], entry: e})
		}
	}
	slices.SortFunc(out, func(a, b match) int {
		if c := cmp.Compare(a.entry.unixNano, b.entry.unixNano); c != 0 {
			return c
		}
		return cmp.Compare(a.entry.offset, b.entry.offset)
	})

	if opts.LimitStart > 0 && len(out) > opts.LimitStart {
		out = out[:opts.LimitStart]
	}
	if opts.LimitEnd > 0 && len(out) > opts.LimitEnd {
		out = out[len(out)-opts.LimitEnd:]
	}
	return out, nil
}

// Search calls fn for each matching record in timestamp order.
func (r *Reader) Search(opts SearchOptions, fn func(rec Record) error) error {
	found, err := r.matches(opts)
	if err != nil {
		return err
	}
	for _, m := range found {
		rec, err := r.read(m)
		if err != nil {
			return err
		}
		if err := fn(rec); err != nil {
			return err
		}
	}
	return nil
}

func (r *Reader) read(m match) (Record, error) {
	var header [headerSize]byte
	if _, err := r.r.ReadAt(header[:], m.entry.offset); err != nil {
		return Record{}, fmt.Errorf("trace: read header at %d: %w", m.entry.offset, err)
	}
	kind, sourceLength, dataLength, ts := decodeHeader(header[:])
	compressed := make([]byte, dataLength)
	if _, err := r.r.ReadAt(compressed, m.entry.offset+headerSize+int64(sourceLength)); err != nil {
		return Record{}, fmt.Errorf("trace: read payload at %d: %w", m.entry.offset, err)
	}
	data, err := snappy.Decode(nil, compressed)
	if err != nil {
		return Record{}, fmt.Errorf("%w: payload at %d: %v", ErrCorrupt, m.entry.offset, err)
	}
	return Record{
		Time:   time.Unix(0, ts),
		Kind:   kind,
		Source: m.source,
		Data:   data,
	}, nil
}

// Count returns the number of records Search would visit.
func (r *Reader) Count(opts SearchOptions) (int, error) {
	found, err := r.matches(opts)
	if err != nil {
		return 0, err
	}
	return len(found), nil
}

func (r *Reader) Each(fn func(rec Record) error) error {
	return r.Search(SearchOptions{}, fn)
}

func (r *Reader) EachSource(source string, fn func(rec Record) error) error {
	return r.Search(SearchOptions{Sources: []string{source}}, fn)
}

// Submissions visits every submission and present record with its decoded
// payload.
func (r *Reader) Submissions(opts SearchOptions, fn func(rec Record, s SubmissionRecord) error) error {
	if len(opts.Kinds) == 0 {
		opts.Kinds = []Kind{KindSubmission, KindPresent}
	}
	return r.Search(opts, func(rec Record) error {
		if rec.Kind != KindSubmission && rec.Kind != KindPresent {
			return nil
		}
		s, err := DecodeSubmission(rec.Data)
		if err != nil {
			return err
		}
		return fn(rec, s)
	})
}
