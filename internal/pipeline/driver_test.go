package pipeline

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ClusterCockpit/cc-profdb/internal/profile"
)

type fakeSource struct {
	name     string
	provides DataClass
	run      func(ops Ops) error
}

func (f *fakeSource) Name() string         { return f.name }
func (f *fakeSource) Provides() DataClass  { return f.provides }
func (f *fakeSource) Requires() DataClass  { return 0 }
func (f *fakeSource) Run(_ context.Context, ops Ops) error {
	return f.run(ops)
}

type fakeSink struct {
	name     string
	accepts  DataClass
	demands  DataClass
	notified []DataClass
	wrote    bool
	writeErr error
}

func (f *fakeSink) Name() string        { return f.name }
func (f *fakeSink) Accepts() DataClass  { return f.accepts }
func (f *fakeSink) Demands() DataClass  { return f.demands }
func (f *fakeSink) Notify(c DataClass) error {
	f.notified = append(f.notified, c)
	return nil
}
func (f *fakeSink) Write() error {
	f.wrote = true
	return f.writeErr
}

func TestRunFiresWavefrontsAndWrites(t *testing.T) {
	d := NewDriver()

	var ctxID profile.ContextID
	src := &fakeSource{
		name:     "measurements",
		provides: Union(ClassContexts, ClassThreads, ClassMetrics),
		run: func(ops Ops) error {
			metric := ops.MetricAdd("cycles", "", []profile.MetricScope{profile.MetricScopePoint, profile.MetricScopeFunction, profile.MetricScopeExecution})
			id, err := ops.ContextInsert(profile.RootContextID, profile.RelationSubscope, profile.FunctionScope(1))
			if err != nil {
				return err
			}
			ctxID = id
			_, pt := ops.ThreadAdd(profile.IdentifierTuple{{Kind: profile.ThreadKindThread, LogicalID: 0}})
			ops.ValueAdd(pt, id, metric.ID, 1.0)
			return ops.NotifyThreadFinal(pt)
		},
	}
	sink := &fakeSink{name: "cct.db", accepts: Union(ClassContexts, ClassThreads, ClassMetrics), demands: ClassContexts}

	d.RegisterSource(src)
	d.RegisterSink(sink)

	require.NoError(t, d.Run(context.Background()))
	assert.True(t, sink.wrote)
	assert.Len(t, sink.notified, 3)

	_, err := d.Tree().Finalize()
	require.NoError(t, err)

	_, ok := d.StatsTable().Get(ctxID, 0)
	assert.True(t, ok)
}

func TestRunRejectsUnmetDemand(t *testing.T) {
	d := NewDriver()
	d.RegisterSink(&fakeSink{name: "trace.db", demands: ClassTimepoints})

	err := d.Run(context.Background())
	require.Error(t, err)
}
