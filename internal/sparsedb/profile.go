package sparsedb

import (
	"bufio"
	"encoding/binary"
	"path/filepath"
	"sort"

	"github.com/ClusterCockpit/cc-profdb/internal/pipeline"
	"github.com/ClusterCockpit/cc-profdb/internal/profile"
	"github.com/ClusterCockpit/cc-profdb/internal/support"
)

// ProfileWriter emits profile.db: one sparse value_block per registered
// Thread ("profile"), each keyed by Context final identifier and holding
// raw (pre-statistic) point values grouped by a metric's base identifier
// (§4.4).
type ProfileWriter struct {
	driver *pipeline.Driver
	outDir string
}

func NewProfileWriter(driver *pipeline.Driver, outDir string) *ProfileWriter {
	return &ProfileWriter{driver: driver, outDir: outDir}
}

func (w *ProfileWriter) Name() string              { return "profile.db" }
func (w *ProfileWriter) Accepts() pipeline.DataClass { return pipeline.ClassMetrics }
func (w *ProfileWriter) Demands() pipeline.DataClass { return pipeline.ClassMetrics }
func (w *ProfileWriter) Notify(_ pipeline.DataClass) error { return nil }

func (w *ProfileWriter) Write() error {
	finalIDs, err := w.driver.Tree().Finalize()
	if err != nil {
		return err
	}

	metrics := w.driver.Metrics()
	profile.AssignIdentifiers(metrics)
	diskID := make(map[profile.MetricID]profile.MetricID, len(metrics))
	for _, m := range metrics {
		diskID[m.ID] = profile.MetricID(m.Identifier.ForMetric())
	}

	temps := w.driver.ThreadTemporaries()
	sort.Slice(temps, func(i, j int) bool { return temps[i].Thread.ID < temps[j].Thread.ID })

	type profileEntry struct {
		thread profile.Thread
		block  []byte
	}
	entries := make([]profileEntry, 0, len(temps))
	for _, pt := range temps {
		byMetric := map[profile.MetricID][]ValuePair{}
		var order []profile.MetricID
		seen := map[profile.MetricID]bool{}
		pt.RangePoints(func(ctx profile.ContextID, metricID profile.MetricID, value float64) {
			if value == 0 {
				return
			}
			id := diskID[metricID]
			if !seen[id] {
				seen[id] = true
				order = append(order, id)
			}
			byMetric[id] = append(byMetric[id], ValuePair{ProfIndex: uint32(finalIDs[ctx]), Value: value})
		})
		sort.Slice(order, func(i, j int) bool { return order[i] < order[j] })
		for _, id := range order {
			sort.Slice(byMetric[id], func(i, j int) bool { return byMetric[id][i].ProfIndex < byMetric[id][j].ProfIndex })
		}
		vb := FromPerMetric(order, byMetric)
		entries = append(entries, profileEntry{thread: pt.Thread, block: vb.Encode()})
	}

	var dir []byte
	dir = binary.LittleEndian.AppendUint32(dir, uint32(len(entries)))
	var blocks []byte
	offset := uint64(0)
	for _, e := range entries {
		dir = appendThreadTuple(dir, e.thread)
		dir = binary.LittleEndian.AppendUint64(dir, offset)
		dir = binary.LittleEndian.AppendUint64(dir, uint64(len(e.block)))
		blocks = append(blocks, e.block...)
		offset += uint64(len(e.block))
	}

	return support.WriteStaged(filepath.Join(w.outDir, "profile.db"), func(bw *bufio.Writer) error {
		if _, err := bw.Write(Header{Tag: TagProfile, Major: MajorVersion, Minor: MinorVersion}.Encode()); err != nil {
			return err
		}
		if _, err := bw.Write(dir); err != nil {
			return err
		}
		if _, err := bw.Write(blocks); err != nil {
			return err
		}
		_, err := bw.WriteString(footerTag(TagProfile))
		return err
	})
}

// appendThreadTuple encodes a Thread's IdentifierTuple: a count byte
// followed by (kind:u8, physicalId:u32, logicalId:u32) per component.
func appendThreadTuple(buf []byte, t profile.Thread) []byte {
	buf = append(buf, byte(len(t.Tuple)))
	for _, c := range t.Tuple {
		buf = append(buf, byte(c.Kind))
		buf = binary.LittleEndian.AppendUint32(buf, c.PhysicalID)
		buf = binary.LittleEndian.AppendUint32(buf, c.LogicalID)
	}
	return buf
}
