package pipeline

import (
	"github.com/ClusterCockpit/cc-profdb/internal/cct"
	"github.com/ClusterCockpit/cc-profdb/internal/metricacc"
	"github.com/ClusterCockpit/cc-profdb/internal/profile"
)

// Ops is the set of operations a Source uses to feed the pipeline (§4.1).
// The Driver is the sole implementation; threading a single Ops value
// through every Source call is this target's stand-in for the source
// system's process-wide globals (§9: "these live in a single explicit
// context value threaded through every operation").
type Ops interface {
	AttributesAdd(attrs profile.Attributes)
	InsertLoadModule(path string, hash [32]byte) *profile.LoadModule
	InsertFile(path string) *profile.File
	InsertFunction(name string, file profile.FileID, line uint32, lm profile.LoadModuleID, offset uint64) *profile.Function
	ContextInsert(parent profile.ContextID, relation profile.Relation, scope profile.Scope) (profile.ContextID, error)
	ThreadAdd(tuple profile.IdentifierTuple) (profile.Thread, *metricacc.PerThreadTemporary)
	MetricAdd(name, description string, scopes []profile.MetricScope) *profile.Metric
	ExtraStatisticAdd(name string, inputs []string, formula string) (*profile.ExtraStatistic, error)
	ValueAdd(pt *metricacc.PerThreadTemporary, ctx profile.ContextID, metric profile.MetricID, value float64)
	CtxTimepointAdd(pt *metricacc.PerThreadTemporary, nanoseconds uint64, ctx profile.ContextID) error
	NotifyThreadFinal(pt *metricacc.PerThreadTemporary) error

	// Tree exposes the underlying CCT for sinks that need to walk it
	// after finalization (the cct.db and meta.db writers).
	Tree() *cct.Tree
	StatsTable() *metricacc.GlobalTable
}
