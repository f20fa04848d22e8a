// pvgpu-trace inspects the submission traces a device records when the
// trace option is set, and can replay them into the simulated host.
package main

import (
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"regexp"
	"slices"
	"time"

	"github.com/schollz/progressbar/v3"
	"golang.org/x/term"

	"github.com/tinyrange/pvgpu/internal/alloctrack"
	"github.com/tinyrange/pvgpu/internal/cmdstream"
	"github.com/tinyrange/pvgpu/internal/hostsim"
	"github.com/tinyrange/pvgpu/internal/protocol"
	"github.com/tinyrange/pvgpu/internal/submit"
	"github.com/tinyrange/pvgpu/internal/trace"
)

type entry struct {
	rec trace.Record
	sub trace.SubmissionRecord
}

func run() error {
	list := flag.Bool("list", false, "list all sources in the trace")
	timeRange := flag.Bool("range", false, "print the earliest and latest timestamps")
	source := flag.String("source", "", "regex to filter sources")
	dump := flag.Bool("dump", false, "decode every packet of the matched submissions")
	tables := flag.Bool("tables", false, "print the allocation list of each submission as JSON")
	replay := flag.Bool("replay", false, "resubmit the matched streams into the simulated host")
	chunk := flag.Int("chunk", 0, "command buffer size used by -replay (0 for one chunk per stream)")
	limit := flag.Int("limit", 100, "limit the number of entries (0 for unlimited)")
	tail := flag.Bool("tail", false, "show last N entries instead of first N")
	verbose := flag.Bool("v", false, "log replay details")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, `pvgpu-trace - inspect pvgpu submission traces

USAGE:
  pvgpu-trace [flags] <filename>

FLAGS:
  -list          List all unique source names in the trace, one per line
  -range         Show earliest/latest timestamps and total duration
  -source REGEX  Only show entries whose source matches regex
  -dump          Decode and print every packet of each submission
  -tables        Print each submission's allocation list as JSON
  -replay        Resubmit the streams into the simulated host and verify them
  -chunk N       Command buffer size for -replay
  -limit N       Max entries to return (default: 100). Errors if exceeded; use -tail or 0 for unlimited
  -tail          Show last N entries instead of first N (combine with -limit)

OUTPUT FORMAT:
  Each entry is printed as: TIMESTAMP [SOURCE] KIND DETAILS

EXAMPLES:
  pvgpu-trace app.trace                      Show entries (errors if >100)
  pvgpu-trace -list app.trace                List all devices that recorded
  pvgpu-trace -source '^game' -dump app.trace   Decode packets from one device
  pvgpu-trace -tail -limit 5 -tables app.trace  Allocation lists of the last 5 entries
  pvgpu-trace -limit 0 -replay app.trace     Replay the whole trace
`)
	}
	flag.Parse()

	if flag.NArg() != 1 {
		flag.Usage()
		os.Exit(1)
	}

	reader, closer, err := trace.OpenReader(flag.Arg(0))
	if err != nil {
		return fmt.Errorf("failed to open trace: %w", err)
	}
	defer closer.Close()

	if *list {
		for _, src := range reader.Sources() {
			fmt.Println(src)
		}
		return nil
	}

	if *timeRange {
		earliest, latest := reader.TimeRange()
		fmt.Printf("earliest: %s\nlatest:   %s\nduration: %s\n", earliest, latest, latest.Sub(earliest))
		return nil
	}

	var opts trace.SearchOptions
	if *source != "" {
		re, err := regexp.Compile(*source)
		if err != nil {
			return fmt.Errorf("invalid source regex: %w", err)
		}
		for _, src := range reader.Sources() {
			if re.MatchString(src) {
				opts.Sources = append(opts.Sources, src)
			}
		}
		if len(opts.Sources) == 0 {
			return nil
		}
	}

	var entries []entry
	if err := reader.Search(opts, func(rec trace.Record) error {
		e := entry{rec: rec}
		if rec.Kind == trace.KindSubmission || rec.Kind == trace.KindPresent {
			s, err := trace.DecodeSubmission(rec.Data)
			if err != nil {
				return fmt.Errorf("%s at %s: %w", rec.Source, rec.Time.Format(time.RFC3339Nano), err)
			}
			e.sub = s
		}
		entries = append(entries, e)
		return nil
	}); err != nil {
		return fmt.Errorf("failed to read trace: %w", err)
	}

	if *limit > 0 && len(entries) > *limit {
		switch {
		case *tail:
			entries = entries[len(entries)-*limit:]
		case *limit == 100:
			return fmt.Errorf("too many entries: %d (limit is %d). Use -tail for last %d, or explicitly set a limit using -limit", len(entries), *limit, *limit)
		default:
			entries = entries[:*limit]
		}
	}

	if *replay {
		return replayEntries(entries, *chunk, *verbose)
	}

	for _, e := range entries {
		if err := printEntry(os.Stdout, e, *dump, *tables); err != nil {
			return err
		}
	}
	return nil
}

func printEntry(w io.Writer, e entry, dump, tables bool) error {
	ts := e.rec.Time.Format(time.RFC3339Nano)
	if e.rec.Kind == trace.KindMarker {
		fmt.Fprintf(w, "%s [%s] marker %s\n", ts, e.rec.Source, e.rec.Data)
		return nil
	}
	s := e.sub
	status := "ok"
	if s.Failed() {
		status = "error: " + s.Err
	}
	fmt.Fprintf(w, "%s [%s] %s fence=%d chunks=%d bytes=%d allocations=%d %s\n",
		ts, e.rec.Source, e.rec.Kind, s.Fence, s.Chunks, len(s.Stream), len(s.Allocations), status)

	if tables {
		out, err := alloctrack.DumpJSON(tableOf(s.Allocations))
		if err != nil {
			return fmt.Errorf("render allocation list: %w", err)
		}
		fmt.Fprintf(w, "  %s\n", out)
	}
	if dump {
		pkts, err := cmdstream.Decode(s.Stream)
		if err != nil {
			fmt.Fprintf(w, "  undecodable stream: %v\n", err)
			return nil
		}
		for _, p := range pkts {
			if p.Decoded == nil {
				fmt.Fprintf(w, "  %6d %s (%d bytes)\n", p.Offset, p.Opcode, len(p.Raw))
				continue
			}
			fmt.Fprintf(w, "  %6d %s %+v", p.Offset, p.Opcode, p.Decoded)
			if len(p.Payload) > 0 {
				fmt.Fprintf(w, " payload=%d", len(p.Payload))
			}
			fmt.Fprintln(w)
		}
	}
	return nil
}

// tableOf rebuilds the wire view of a recorded allocation list. Guest
// physical addresses are not recorded.
func tableOf(allocs []submit.Allocation) []protocol.AllocEntry {
	out := make([]protocol.AllocEntry, len(allocs))
	for i, a := range allocs {
		out[i] = protocol.AllocEntry{AllocID: a.AllocID}
		if !a.Write {
			out[i].Flags |= protocol.AllocFlagReadOnly
		}
	}
	return out
}

// replayEntries resubmits every recorded stream. Allocation lists are left
// out because the simulated host does not know the recorded allocations.
func replayEntries(entries []entry, chunk int, verbose bool) error {
	level := slog.LevelWarn
	if verbose {
		level = slog.LevelDebug
	}
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	host, err := hostsim.New(hostsim.Options{Log: log})
	if err != nil {
		return err
	}
	defer host.Close()
	engine := submit.New(host.Runtime(), log)
	engine.PreferredChunk = chunk

	var bar *progressbar.ProgressBar
	if term.IsTerminal(int(os.Stdout.Fd())) {
		bar = progressbar.Default(int64(len(entries)), "replay")
		defer bar.Close()
	}

	var streams, failed int
	opcodes := map[protocol.Opcode]int{}
	for _, e := range entries {
		if bar != nil {
			bar.Add(1)
		}
		if e.rec.Kind == trace.KindMarker || e.sub.Failed() {
			continue
		}
		streams++
		if _, err := engine.Submit(e.sub.Stream, e.sub.Present, nil); err != nil {
			failed++
			log.Warn("replay failed", "source", e.rec.Source, "fence", e.sub.Fence, "err", err)
		}
	}
	for _, s := range host.Submissions() {
		for _, p := range s.Packets {
			opcodes[p.Opcode]++
		}
	}

	ops := make([]protocol.Opcode, 0, len(opcodes))
	for op := range opcodes {
		ops = append(ops, op)
	}
	slices.Sort(ops)
	fmt.Printf("replayed %d streams in %d chunks, %d failed\n", streams, len(host.Submissions()), failed)
	for _, op := range ops {
		fmt.Printf("  %-28s %d\n", op, opcodes[op])
	}
	if failed > 0 {
		return fmt.Errorf("%d streams failed to replay", failed)
	}
	return nil
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "pvgpu-trace: %v\n", err)
		os.Exit(1)
	}
}
