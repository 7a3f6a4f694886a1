package metricacc

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ClusterCockpit/cc-profdb/internal/cct"
	"github.com/ClusterCockpit/cc-profdb/internal/profile"
)

func newCyclesMetric(t *testing.T) *profile.Metric {
	t.Helper()
	m := &profile.Metric{
		ID:     1,
		Name:   "cycles",
		Scopes: []profile.MetricScope{profile.MetricScopePoint, profile.MetricScopeFunction, profile.MetricScopeLexAware, profile.MetricScopeExecution},
	}
	_, err := m.AddPartial(profile.PartialSpec{AccumulateExpr: "x", Combine: profile.CombineSum})
	require.NoError(t, err)
	return m
}

// Scenario 1 (§8): one thread, two samples at c1=main->foo and
// c2=main->foo->bar, each adding 1.0 to "cycles".
func TestScenario1SingleThreadOneMetric(t *testing.T) {
	tree := cct.NewTree()
	main, err := tree.Insert(profile.RootContextID, profile.RelationSubscope, profile.FunctionScope(1))
	require.NoError(t, err)
	foo, err := tree.Insert(main, profile.RelationSubscope, profile.FunctionScope(2))
	require.NoError(t, err)
	bar, err := tree.Insert(foo, profile.RelationSubscope, profile.FunctionScope(3))
	require.NoError(t, err)

	assert.Equal(t, 4, tree.Len()) // root, main, foo, bar

	metric := newCyclesMetric(t)
	metrics := map[profile.MetricID]*profile.Metric{metric.ID: metric}
	table := NewGlobalTable()

	pt := NewPerThreadTemporary(profile.Thread{})
	pt.AddValue(foo, metric.ID, 1.0)
	pt.AddValue(bar, metric.ID, 1.0)

	require.NoError(t, pt.Finalize(tree, metrics, table))

	fooCell, ok := pt.cellIfPresent(foo, metric.ID)
	require.True(t, ok)
	assert.Equal(t, 1.0, fooCell.Point.Load())
	assert.Equal(t, 2.0, fooCell.Function)
	assert.Equal(t, 2.0, fooCell.Execution)

	barCell, ok := pt.cellIfPresent(bar, metric.ID)
	require.True(t, ok)
	assert.Equal(t, 1.0, barCell.Point.Load())
	assert.Equal(t, 1.0, barCell.Function)
	assert.Equal(t, 1.0, barCell.Execution)

	sa, ok := table.Get(foo, metric.ID)
	require.True(t, ok)
	assert.Equal(t, 2.0, sa.Partials[0].Value(profile.MetricScopeFunction))
}

// Scenario 2 (§8): add a call-edge child c3=main->foo->[call]->baz with
// point=5. At c1 (foo): execution=7, function=2 (does not cross the call),
// lex_aware=2.
func TestScenario2CallEdgeBoundary(t *testing.T) {
	tree := cct.NewTree()
	main, err := tree.Insert(profile.RootContextID, profile.RelationSubscope, profile.FunctionScope(1))
	require.NoError(t, err)
	foo, err := tree.Insert(main, profile.RelationSubscope, profile.FunctionScope(2))
	require.NoError(t, err)
	bar, err := tree.Insert(foo, profile.RelationSubscope, profile.FunctionScope(3))
	require.NoError(t, err)
	baz, err := tree.Insert(foo, profile.RelationCall, profile.FunctionScope(4))
	require.NoError(t, err)

	metric := newCyclesMetric(t)
	metrics := map[profile.MetricID]*profile.Metric{metric.ID: metric}
	table := NewGlobalTable()

	pt := NewPerThreadTemporary(profile.Thread{})
	pt.AddValue(foo, metric.ID, 1.0)
	pt.AddValue(bar, metric.ID, 1.0)
	pt.AddValue(baz, metric.ID, 5.0)

	require.NoError(t, pt.Finalize(tree, metrics, table))

	fooCell, ok := pt.cellIfPresent(foo, metric.ID)
	require.True(t, ok)
	assert.Equal(t, 7.0, fooCell.Execution)
	assert.Equal(t, 2.0, fooCell.Function)
	assert.Equal(t, 2.0, fooCell.FunctionNoLoop)
}

// Scenario 3 (§8): loop=main->[lex_loop] with point=3, child
// body=loop->work with point=4. At loop: function=7, lex_aware=3,
// execution=7.
func TestScenario3LoopAwareness(t *testing.T) {
	tree := cct.NewTree()
	main, err := tree.Insert(profile.RootContextID, profile.RelationSubscope, profile.FunctionScope(1))
	require.NoError(t, err)
	loop, err := tree.Insert(main, profile.RelationSubscope, profile.LexicalLoopScope(1, 10))
	require.NoError(t, err)
	body, err := tree.Insert(loop, profile.RelationSubscope, profile.FunctionScope(2))
	require.NoError(t, err)

	metric := newCyclesMetric(t)
	metrics := map[profile.MetricID]*profile.Metric{metric.ID: metric}
	table := NewGlobalTable()

	pt := NewPerThreadTemporary(profile.Thread{})
	pt.AddValue(loop, metric.ID, 3.0)
	pt.AddValue(body, metric.ID, 4.0)

	require.NoError(t, pt.Finalize(tree, metrics, table))

	loopCell, ok := pt.cellIfPresent(loop, metric.ID)
	require.True(t, ok)
	assert.Equal(t, 7.0, loopCell.Function)
	assert.Equal(t, 3.0, loopCell.FunctionNoLoop)
	assert.Equal(t, 7.0, loopCell.Execution)
}

// Scenario 4 (§8): two threads, cross-thread statistics. Thread A
// contributes point(c)=4, Thread B contributes point(c)=6. Expected:
// sum=10, min=4, max=6, mean=5, stddev=1.
func TestScenario4CrossThreadStatistics(t *testing.T) {
	tree := cct.NewTree()
	ctx, err := tree.Insert(profile.RootContextID, profile.RelationSubscope, profile.FunctionScope(1))
	require.NoError(t, err)

	metric := &profile.Metric{ID: 1, Name: "cycles", Scopes: []profile.MetricScope{profile.MetricScopePoint, profile.MetricScopeFunction, profile.MetricScopeLexAware, profile.MetricScopeExecution}}
	require.NoError(t, profile.AddStandardStatistics(metric))
	metrics := map[profile.MetricID]*profile.Metric{metric.ID: metric}
	table := NewGlobalTable()

	a := NewPerThreadTemporary(profile.Thread{})
	a.AddValue(ctx, metric.ID, 4.0)
	require.NoError(t, a.Finalize(tree, metrics, table))

	b := NewPerThreadTemporary(profile.Thread{})
	b.AddValue(ctx, metric.ID, 6.0)
	require.NoError(t, b.Finalize(tree, metrics, table))

	sa, ok := table.Get(ctx, metric.ID)
	require.True(t, ok)

	values := make([]float64, len(sa.Partials))
	for i, p := range sa.Partials {
		values[i] = p.Value(profile.MetricScopePoint)
	}

	for _, s := range metric.Statistics {
		v, err := s.Finalize(values)
		require.NoError(t, err)
		switch s.Name {
		case "sum":
			assert.Equal(t, 10.0, v)
		case "min":
			assert.Equal(t, 4.0, v)
		case "max":
			assert.Equal(t, 6.0, v)
		case "mean":
			assert.Equal(t, 5.0, v)
		case "stddev":
			assert.InDelta(t, 1.0, v, 1e-9)
		}
	}
}

// Scenario 5 (§8): one reconstruction with finals {f1,f2}, interior factors
// [0.25,0.75], point value 8 on metric m. Expected: point(f1,m)+=2,
// point(f2,m)+=6.
func TestScenario5ReconstructionRedistribution(t *testing.T) {
	tree := cct.NewTree()
	f1, err := tree.Insert(profile.RootContextID, profile.RelationSubscope, profile.FunctionScope(1))
	require.NoError(t, err)
	f2, err := tree.Insert(profile.RootContextID, profile.RelationSubscope, profile.FunctionScope(2))
	require.NoError(t, err)

	metric := newCyclesMetric(t)
	metrics := map[profile.MetricID]*profile.Metric{metric.ID: metric}
	table := NewGlobalTable()

	pt := NewPerThreadTemporary(profile.Thread{})
	const rid = profile.ReconstructionID(1)
	const group = profile.ReconstructionGroupID(1)
	pt.RegisterReconstruction(&profile.ContextReconstruction{
		ID:       rid,
		Group:    group,
		Finals:   []profile.ContextID{f1, f2},
		Interior: []float64{0.25, 0.75},
	})
	pt.AddReconstructionValue(rid, metric.ID, 8.0)

	require.NoError(t, pt.Finalize(tree, metrics, table))

	f1Cell, ok := pt.cellIfPresent(f1, metric.ID)
	require.True(t, ok)
	assert.Equal(t, 2.0, f1Cell.Point.Load())

	f2Cell, ok := pt.cellIfPresent(f2, metric.ID)
	require.True(t, ok)
	assert.Equal(t, 6.0, f2Cell.Point.Load())
}

func TestFinalizeIsIdempotent(t *testing.T) {
	tree := cct.NewTree()
	ctx, err := tree.Insert(profile.RootContextID, profile.RelationSubscope, profile.FunctionScope(1))
	require.NoError(t, err)

	metric := newCyclesMetric(t)
	metrics := map[profile.MetricID]*profile.Metric{metric.ID: metric}
	table := NewGlobalTable()

	pt := NewPerThreadTemporary(profile.Thread{})
	pt.AddValue(ctx, metric.ID, 1.0)

	require.NoError(t, pt.Finalize(tree, metrics, table))
	require.NoError(t, pt.Finalize(tree, metrics, table))

	sa, ok := table.Get(ctx, metric.ID)
	require.True(t, ok)
	assert.Equal(t, 1.0, sa.Partials[0].Value(profile.MetricScopePoint))
}
