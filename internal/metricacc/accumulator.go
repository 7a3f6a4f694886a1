package metricacc

import (
	"github.com/ClusterCockpit/cc-profdb/internal/profile"
)

// MetricAccumulator holds one (Context, Metric) cell's four scope values
// during per-thread aggregation, plus an isLoop flag copied from the
// owning Context's scope (§3). `Point` is the only field written
// concurrently; the rest are written single-threadedly by finalize's
// post-order traversal.
type MetricAccumulator struct {
	Point          atomicFloat64
	Function       float64
	FunctionNoLoop float64
	Execution      float64
	IsLoop         bool
}

// AddPoint adds v to the point scope value; safe for concurrent callers on
// the same cell (§4.1's value_add, §4.3's "lock-free").
func (a *MetricAccumulator) AddPoint(v float64) {
	a.Point.Add(v)
}

// scopeValue reads one of the four scope values by MetricScope.
func (a *MetricAccumulator) scopeValue(scope profile.MetricScope) float64 {
	switch scope {
	case profile.MetricScopePoint:
		return a.Point.Load()
	case profile.MetricScopeFunction:
		return a.Function
	case profile.MetricScopeLexAware:
		return a.FunctionNoLoop
	case profile.MetricScopeExecution:
		return a.Execution
	default:
		return 0
	}
}

// StatisticPartialAccumulator carries one StatisticPartial's four
// cross-thread-combined scope values, each updated via the partial's
// Combine rule (§3, §4.3).
type StatisticPartialAccumulator struct {
	Point          atomicFloat64
	Function       atomicFloat64
	FunctionNoLoop atomicFloat64
	Execution      atomicFloat64
	IsLoop         atomicBool
}

// Combine folds v into scope according to op, using the partial's combine
// rule (sum is fetch-add; min/max are CAS with the documented 0-as-unset
// convention, §4.3).
func (s *StatisticPartialAccumulator) Combine(scope profile.MetricScope, v float64, op profile.CombineOp) {
	cell := s.cell(scope)
	switch op {
	case profile.CombineSum:
		cell.Add(v)
	case profile.CombineMin:
		cell.CombineMin(v)
	case profile.CombineMax:
		cell.CombineMax(v)
	}
}

func (s *StatisticPartialAccumulator) cell(scope profile.MetricScope) *atomicFloat64 {
	switch scope {
	case profile.MetricScopePoint:
		return &s.Point
	case profile.MetricScopeFunction:
		return &s.Function
	case profile.MetricScopeLexAware:
		return &s.FunctionNoLoop
	default:
		return &s.Execution
	}
}

// Value reads the current combined value for scope.
func (s *StatisticPartialAccumulator) Value(scope profile.MetricScope) float64 {
	return s.cell(scope).Load()
}

// StatisticAccumulator is bound 1:1 to a (Context, Metric) pair and owned
// by the Context (§3): one StatisticPartialAccumulator per StatisticPartial
// the metric declares.
type StatisticAccumulator struct {
	Partials []*StatisticPartialAccumulator
}

// NewStatisticAccumulator allocates one partial accumulator per entry of
// partials, matching a Metric's Partials slice index-for-index.
func NewStatisticAccumulator(numPartials int) *StatisticAccumulator {
	sa := &StatisticAccumulator{Partials: make([]*StatisticPartialAccumulator, numPartials)}
	for i := range sa.Partials {
		sa.Partials[i] = &StatisticPartialAccumulator{}
	}
	return sa
}
