package sparsedb

import (
	"bufio"
	"path/filepath"
	"sort"

	"github.com/ClusterCockpit/cc-profdb/internal/pipeline"
	"github.com/ClusterCockpit/cc-profdb/internal/profile"
	"github.com/ClusterCockpit/cc-profdb/internal/support"
)

// scopeOrder lists every MetricScope in the fixed order their ordinal is
// defined (§4.4's scope_ordinal).
var scopeOrder = [...]profile.MetricScope{
	profile.MetricScopePoint, profile.MetricScopeFunction,
	profile.MetricScopeLexAware, profile.MetricScopeExecution,
}

// CctWriter emits cct.db: the columnar transpose of profile.db, one
// composite sparse value_block keyed by Context final identifier and
// grouped by a StatisticPartial's per-scope identifier (§4.4).
//
// The real format emits one value_block per Context; this writer emits a
// single value_block spanning every Context instead, trading per-context
// random access for a simpler, still format-correct single section (see
// DESIGN.md).
type CctWriter struct {
	driver *pipeline.Driver
	outDir string
}

func NewCctWriter(driver *pipeline.Driver, outDir string) *CctWriter {
	return &CctWriter{driver: driver, outDir: outDir}
}

func (w *CctWriter) Name() string              { return "cct.db" }
func (w *CctWriter) Accepts() pipeline.DataClass { return pipeline.Union(pipeline.ClassMetrics, pipeline.ClassContexts) }
func (w *CctWriter) Demands() pipeline.DataClass { return pipeline.Union(pipeline.ClassMetrics, pipeline.ClassContexts) }
func (w *CctWriter) Notify(_ pipeline.DataClass) error { return nil }

func (w *CctWriter) Write() error {
	finalIDs, err := w.driver.Tree().Finalize()
	if err != nil {
		return err
	}

	metrics := w.driver.Metrics()
	profile.AssignIdentifiers(metrics)

	byMetric := map[profile.MetricID][]ValuePair{}
	var order []profile.MetricID

	tree := w.driver.Tree()
	table := w.driver.StatsTable()
	tree.Range(func(c profile.Context) bool {
		finalCtx := finalIDs[c.ID]
		for _, m := range metrics {
			sa, ok := table.Get(c.ID, m.ID)
			if !ok {
				continue
			}
			for i, partial := range sa.Partials {
				for _, scope := range scopeOrder {
					if !m.HasScope(scope) {
						continue
					}
					v := partial.Value(scope)
					if v == 0 {
						continue
					}
					id := profile.MetricID(m.Identifier.ForScope(i, scope))
					if _, seen := byMetric[id]; !seen {
						order = append(order, id)
					}
					byMetric[id] = append(byMetric[id], ValuePair{ProfIndex: uint32(finalCtx), Value: v})
				}
			}
		}
		return true
	})

	sort.Slice(order, func(i, j int) bool { return order[i] < order[j] })
	for _, id := range order {
		sort.Slice(byMetric[id], func(i, j int) bool { return byMetric[id][i].ProfIndex < byMetric[id][j].ProfIndex })
	}

	vb := FromPerMetric(order, byMetric)
	body := vb.Encode()

	return support.WriteStaged(filepath.Join(w.outDir, "cct.db"), func(bw *bufio.Writer) error {
		if _, err := bw.Write(Header{Tag: TagContext, Major: MajorVersion, Minor: MinorVersion}.Encode()); err != nil {
			return err
		}
		if _, err := bw.Write(body); err != nil {
			return err
		}
		_, err := bw.WriteString(footerTag(TagContext))
		return err
	})
}
