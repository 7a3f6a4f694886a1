package sources

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ClusterCockpit/cc-profdb/internal/pipeline"
	"github.com/ClusterCockpit/cc-profdb/internal/profile"
	"github.com/ClusterCockpit/cc-profdb/internal/sparsedb"
)

func buildPredecessorExperiment(t *testing.T, dir string) {
	t.Helper()
	d := pipeline.NewDriver()

	lm := d.InsertLoadModule("/usr/bin/app", [32]byte{1})
	file := d.InsertFile("main.c")
	fn := d.InsertFunction("main", file.ID, 10, lm.ID, 0x1000)

	root := profile.RootContextID
	ctxMain, err := d.ContextInsert(root, profile.RelationCall, profile.FunctionScope(fn.ID))
	require.NoError(t, err)
	ctxLine, err := d.ContextInsert(ctxMain, profile.RelationCall, profile.LineScope(file.ID, 42))
	require.NoError(t, err)

	metric := d.MetricAdd("cycles", "CPU cycles", []profile.MetricScope{
		profile.MetricScopePoint, profile.MetricScopeFunction, profile.MetricScopeExecution,
	})
	for _, spec := range profile.StandardPartialSpecs() {
		_, err := metric.AddPartial(spec)
		require.NoError(t, err)
	}

	_, temp := d.ThreadAdd(profile.IdentifierTuple{{Kind: profile.ThreadKindThread, LogicalID: 0}})
	d.ValueAdd(temp, ctxMain, metric.ID, 4)
	d.ValueAdd(temp, ctxLine, metric.ID, 6)
	require.NoError(t, d.NotifyThreadFinal(temp))

	require.NoError(t, sparsedb.NewMetaWriter(d, dir).Write())
	require.NoError(t, sparsedb.NewProfileWriter(d, dir).Write())
}

func TestMergeSourceReplaysPredecessor(t *testing.T) {
	predecessor := t.TempDir()
	buildPredecessorExperiment(t, predecessor)

	driver := pipeline.NewDriver()
	driver.RegisterSource(NewMergeSource(predecessor, false))
	require.NoError(t, driver.Run(context.Background()))

	metrics := driver.Metrics()
	require.Len(t, metrics, 1)
	assert.Equal(t, "cycles", metrics[0].Name)

	functions := driver.Functions()
	require.Len(t, functions, 1)
	assert.Equal(t, "main", functions[0].Name)

	files := driver.Files()
	require.Len(t, files, 1)
	assert.Equal(t, "main.c", files[0].Path)

	threads := driver.Threads()
	require.Len(t, threads, 1)
}

func TestMergeSourceMissingPredecessor(t *testing.T) {
	driver := pipeline.NewDriver()
	driver.RegisterSource(NewMergeSource(t.TempDir(), false))
	require.Error(t, driver.Run(context.Background()))
}
