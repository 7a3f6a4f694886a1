package sparsedb

import (
	"bufio"
	"encoding/binary"
	"path/filepath"
	"sort"

	"github.com/ClusterCockpit/cc-profdb/internal/cct"
	"github.com/ClusterCockpit/cc-profdb/internal/pipeline"
	"github.com/ClusterCockpit/cc-profdb/internal/profile"
	"github.com/ClusterCockpit/cc-profdb/internal/support"
)

// MetaWriter emits meta.db: the schema section (metrics, modules, files,
// functions, contexts, id tables) every other output file cross-references
// by identifier (§4.4).
type MetaWriter struct {
	driver *pipeline.Driver
	outDir string
}

func NewMetaWriter(driver *pipeline.Driver, outDir string) *MetaWriter {
	return &MetaWriter{driver: driver, outDir: outDir}
}

func (w *MetaWriter) Name() string          { return "meta.db" }
func (w *MetaWriter) Accepts() pipeline.DataClass { return pipeline.Union(pipeline.ClassMetrics, pipeline.ClassReferences, pipeline.ClassContexts) }
func (w *MetaWriter) Demands() pipeline.DataClass { return pipeline.Union(pipeline.ClassMetrics, pipeline.ClassContexts) }

func (w *MetaWriter) Notify(_ pipeline.DataClass) error { return nil }

func (w *MetaWriter) Write() error {
	finalIDs, err := w.driver.Tree().Finalize()
	if err != nil {
		return err
	}

	var body []byte

	metrics := w.driver.Metrics()
	profile.AssignIdentifiers(metrics)
	sort.Slice(metrics, func(i, j int) bool { return metrics[i].ID < metrics[j].ID })
	body = appendMetricSection(body, metrics)

	modules := w.driver.Modules()
	sort.Slice(modules, func(i, j int) bool { return modules[i].ID < modules[j].ID })
	body = appendModuleSection(body, modules)

	files := w.driver.Files()
	sort.Slice(files, func(i, j int) bool { return files[i].ID < files[j].ID })
	body = appendFileSection(body, files)

	functions := w.driver.Functions()
	sort.Slice(functions, func(i, j int) bool { return functions[i].ID < functions[j].ID })
	body = appendFunctionSection(body, functions)

	body = appendContextSection(body, w.driver.Tree(), finalIDs)

	extraStats := w.driver.ExtraStatistics()
	sort.Slice(extraStats, func(i, j int) bool { return extraStats[i].ID < extraStats[j].ID })
	body = appendExtraStatisticSection(body, extraStats)

	return support.WriteStaged(filepath.Join(w.outDir, "meta.db"), func(bw *bufio.Writer) error {
		if _, err := bw.Write(Header{Tag: TagMeta, Major: MajorVersion, Minor: MinorVersion}.Encode()); err != nil {
			return err
		}
		if _, err := bw.Write(body); err != nil {
			return err
		}
		_, err := bw.WriteString(footerTag(TagMeta))
		return err
	})
}

func putString(buf []byte, s string) []byte {
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(s)))
	return append(buf, s...)
}

func appendMetricSection(buf []byte, metrics []*profile.Metric) []byte {
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(metrics)))
	for _, m := range metrics {
		buf = binary.LittleEndian.AppendUint16(buf, uint16(m.ID))
		buf = putString(buf, m.Name)
		buf = putString(buf, m.Description)
		buf = binary.LittleEndian.AppendUint64(buf, m.Identifier.Base)
		buf = append(buf, byte(len(m.Scopes)))
		for _, s := range m.Scopes {
			buf = append(buf, byte(s))
		}
		buf = append(buf, byte(len(m.Statistics)))
		for _, st := range m.Statistics {
			buf = putString(buf, st.Name)
			buf = putString(buf, st.FinalizeExpr)
		}
	}
	return buf
}

// appendExtraStatisticSection writes every registered ExtraStatistic
// (§3/SPEC_FULL.md): { id, name, inputs[], formula }. Disjoint from the
// metric section since an ExtraStatistic may reference more than one metric.
func appendExtraStatisticSection(buf []byte, stats []*profile.ExtraStatistic) []byte {
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(stats)))
	for _, e := range stats {
		buf = binary.LittleEndian.AppendUint16(buf, uint16(e.ID))
		buf = putString(buf, e.Name)
		buf = append(buf, byte(len(e.Inputs)))
		for _, in := range e.Inputs {
			buf = putString(buf, in)
		}
		buf = putString(buf, e.Formula)
	}
	return buf
}

func appendModuleSection(buf []byte, modules []*profile.LoadModule) []byte {
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(modules)))
	for _, m := range modules {
		buf = binary.LittleEndian.AppendUint32(buf, uint32(m.ID))
		buf = putString(buf, m.Path)
		buf = append(buf, m.Hash[:]...)
	}
	return buf
}

func appendFileSection(buf []byte, files []*profile.File) []byte {
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(files)))
	for _, f := range files {
		buf = binary.LittleEndian.AppendUint32(buf, uint32(f.ID))
		buf = putString(buf, f.Path)
	}
	return buf
}

func appendFunctionSection(buf []byte, functions []*profile.Function) []byte {
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(functions)))
	for _, fn := range functions {
		buf = binary.LittleEndian.AppendUint32(buf, uint32(fn.ID))
		buf = putString(buf, fn.Name)
		buf = binary.LittleEndian.AppendUint32(buf, uint32(fn.FileID))
		buf = binary.LittleEndian.AppendUint32(buf, fn.Line)
		buf = binary.LittleEndian.AppendUint32(buf, uint32(fn.LoadModuleID))
		buf = binary.LittleEndian.AppendUint64(buf, fn.Offset)
	}
	return buf
}

// appendContextSection writes every Context in finalized-identifier order:
// { id, parent_id, relation, size, scope_kind, scope_payload }, where the
// per-entry size byte counts scope_kind and scope_payload together, so older readers can skip fields they
// don't understand without breaking on a future layout extension (§4.4).
func appendContextSection(buf []byte, tree *cct.Tree, finalIDs []profile.ContextID) []byte {
	type entry struct {
		final profile.ContextID
		ctx   profile.Context
	}
	entries := make([]entry, 0, len(finalIDs))
	tree.Range(func(c profile.Context) bool {
		entries = append(entries, entry{final: finalIDs[c.ID], ctx: c})
		return true
	})
	sort.Slice(entries, func(i, j int) bool { return entries[i].final < entries[j].final })

	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(entries)))
	for _, e := range entries {
		buf = binary.LittleEndian.AppendUint32(buf, uint32(e.final))
		parentFinal := finalIDs[e.ctx.Parent]
		buf = binary.LittleEndian.AppendUint32(buf, uint32(parentFinal))
		buf = append(buf, byte(e.ctx.Relation))
		payload := e.ctx.Scope.SortKey()
		buf = append(buf, byte(len(payload)))
		buf = append(buf, payload...)
	}
	return buf
}
