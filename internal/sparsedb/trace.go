package sparsedb

import (
	"bufio"
	"encoding/binary"
	"path/filepath"
	"sort"
	"sync"

	"github.com/ClusterCockpit/cc-profdb/internal/pipeline"
	"github.com/ClusterCockpit/cc-profdb/internal/profile"
	"github.com/ClusterCockpit/cc-profdb/internal/support"
)

// TraceWriter emits trace.db: a thread directory plus, per thread, its
// already-sorted stream of (timestamp, context) records delivered through
// Observe as the owning thread's streaming-sort buffer flushes (§4.4).
type TraceWriter struct {
	driver *pipeline.Driver
	outDir string

	mu       sync.Mutex
	records  map[profile.ThreadID][]support.TimePoint
	disorder map[profile.ThreadID]bool
}

func NewTraceWriter(driver *pipeline.Driver, outDir string) *TraceWriter {
	return &TraceWriter{
		driver:   driver,
		outDir:   outDir,
		records:  make(map[profile.ThreadID][]support.TimePoint),
		disorder: make(map[profile.ThreadID]bool),
	}
}

func (w *TraceWriter) Name() string                { return "trace.db" }
func (w *TraceWriter) Accepts() pipeline.DataClass   { return pipeline.Union(pipeline.ClassTimepoints, pipeline.ClassCtxTimepoints) }
func (w *TraceWriter) Demands() pipeline.DataClass   { return 0 }
func (w *TraceWriter) Notify(_ pipeline.DataClass) error { return nil }

// Observe appends one already-windowed TimePoint for thread. Called from
// whichever Source goroutine owns thread's streaming-sort buffer; guarded
// by its own mutex since multiple threads flush concurrently.
func (w *TraceWriter) Observe(thread profile.ThreadID, tp support.TimePoint) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.records[thread] = append(w.records[thread], tp)
	return nil
}

func (w *TraceWriter) Write() error {
	threads := w.driver.Threads()
	sort.Slice(threads, func(i, j int) bool { return threads[i].ID < threads[j].ID })

	w.mu.Lock()
	defer w.mu.Unlock()

	type dirEntry struct {
		profInfoIdx uint32
		startOffset uint64
		endOffset   uint64
		minTime     uint64
		maxTime     uint64
		disorder    bool
	}

	var dir []dirEntry
	var stream []byte
	offset := uint64(0)
	for i, t := range threads {
		recs := w.records[t.ID]
		start := offset
		var minT, maxT uint64
		for _, r := range recs {
			stream = binary.LittleEndian.AppendUint64(stream, r.TimestampNS)
			stream = binary.LittleEndian.AppendUint32(stream, r.ContextID)
			offset += 12
			if minT == 0 || r.TimestampNS < minT {
				minT = r.TimestampNS
			}
			if r.TimestampNS > maxT {
				maxT = r.TimestampNS
			}
		}
		w.disorder[t.ID] = w.driver.ThreadHasUnboundedDisorder(t.ID)
		dir = append(dir, dirEntry{
			profInfoIdx: uint32(i),
			startOffset: start,
			endOffset:   offset,
			minTime:     minT,
			maxTime:     maxT,
			disorder:    w.disorder[t.ID],
		})
	}

	var dirBytes []byte
	dirBytes = binary.LittleEndian.AppendUint32(dirBytes, uint32(len(dir)))
	for _, e := range dir {
		dirBytes = binary.LittleEndian.AppendUint32(dirBytes, e.profInfoIdx)
		dirBytes = binary.LittleEndian.AppendUint64(dirBytes, e.startOffset)
		dirBytes = binary.LittleEndian.AppendUint64(dirBytes, e.endOffset)
		dirBytes = binary.LittleEndian.AppendUint64(dirBytes, e.minTime)
		dirBytes = binary.LittleEndian.AppendUint64(dirBytes, e.maxTime)
		var disorderByte byte
		if e.disorder {
			disorderByte = 1
		}
		dirBytes = append(dirBytes, disorderByte)
	}

	return support.WriteStaged(filepath.Join(w.outDir, "trace.db"), func(bw *bufio.Writer) error {
		if _, err := bw.Write(Header{Tag: TagTrace, Major: MajorVersion, Minor: MinorVersion}.Encode()); err != nil {
			return err
		}
		if _, err := bw.Write(dirBytes); err != nil {
			return err
		}
		if _, err := bw.Write(stream); err != nil {
			return err
		}
		_, err := bw.WriteString(footerTag(TagTrace))
		return err
	})
}
