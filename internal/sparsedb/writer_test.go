package sparsedb

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ClusterCockpit/cc-profdb/internal/pipeline"
	"github.com/ClusterCockpit/cc-profdb/internal/profile"
)

func buildFixtureDriver(t *testing.T) *pipeline.Driver {
	t.Helper()
	d := pipeline.NewDriver()

	d.AttributesAdd(profile.Attributes{JobID: "job-1", Environment: map[string]string{"OMP_NUM_THREADS": "4"}})

	lm := d.InsertLoadModule("/usr/bin/app", [32]byte{1})
	file := d.InsertFile("main.c")
	fn := d.InsertFunction("main", file.ID, 10, lm.ID, 0x1000)

	root := profile.RootContextID
	ctxMain, err := d.ContextInsert(root, profile.RelationCall, profile.FunctionScope(fn.ID))
	require.NoError(t, err)

	metric := d.MetricAdd("cycles", "CPU cycles", []profile.MetricScope{
		profile.MetricScopePoint, profile.MetricScopeFunction, profile.MetricScopeExecution,
	})
	for _, spec := range profile.StandardPartialSpecs() {
		_, err := metric.AddPartial(spec)
		require.NoError(t, err)
	}

	thread, temp := d.ThreadAdd(profile.IdentifierTuple{{Kind: profile.ThreadKindThread, LogicalID: 0}})
	_ = thread
	d.ValueAdd(temp, ctxMain, metric.ID, 8)
	require.NoError(t, d.CtxTimepointAdd(temp, 100, ctxMain))
	require.NoError(t, d.CtxTimepointAdd(temp, 200, ctxMain))
	require.NoError(t, d.NotifyThreadFinal(temp))

	return d
}

func readBody(t *testing.T, path string, tag string) []byte {
	t.Helper()
	b, err := os.ReadFile(path)
	require.NoError(t, err)
	h, err := DecodeHeader(b[:16])
	require.NoError(t, err)
	assert.Equal(t, tag, h.Tag)
	assert.Equal(t, CompatExact, h.Classify(tag))
	foot := footerTag(tag)
	require.True(t, len(b) >= 16+len(foot))
	assert.Equal(t, foot, string(b[len(b)-len(foot):]))
	return b[16 : len(b)-len(foot)]
}

func TestMetaWriterRoundTrip(t *testing.T) {
	d := buildFixtureDriver(t)
	dir := t.TempDir()

	w := NewMetaWriter(d, dir)
	require.NoError(t, w.Write())

	body := readBody(t, filepath.Join(dir, "meta.db"), TagMeta)
	mf, err := DecodeMeta(body)
	require.NoError(t, err)

	require.Len(t, mf.Metrics, 1)
	assert.Equal(t, "cycles", mf.Metrics[0].Name)
	assert.Equal(t, "CPU cycles", mf.Metrics[0].Description)

	require.Len(t, mf.Functions, 1)
	assert.Equal(t, "main", mf.Functions[0].Name)

	require.Len(t, mf.Files, 1)
	assert.Equal(t, "main.c", mf.Files[0].Path)

	// includes the reserved placeholder load module (id 0, path "").
	require.Len(t, mf.Modules, 2)
	var gotModule bool
	for _, m := range mf.Modules {
		if m.Path == "/usr/bin/app" {
			gotModule = true
		}
	}
	assert.True(t, gotModule)

	// root + main
	assert.Len(t, mf.Contexts, 2)
}

func TestProfileWriterRoundTrip(t *testing.T) {
	d := buildFixtureDriver(t)
	dir := t.TempDir()

	require.NoError(t, NewMetaWriter(d, dir).Write())
	w := NewProfileWriter(d, dir)
	require.NoError(t, w.Write())

	body := readBody(t, filepath.Join(dir, "profile.db"), TagProfile)
	entries, err := DecodeProfile(body)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, profile.ThreadKindThread, entries[0].Tuple[0].Kind)
	require.Len(t, entries[0].Block.Values, 1)
	assert.Equal(t, 8.0, entries[0].Block.Values[0].Value)
}

func TestCctWriterRoundTrip(t *testing.T) {
	d := buildFixtureDriver(t)
	dir := t.TempDir()

	require.NoError(t, NewMetaWriter(d, dir).Write())
	w := NewCctWriter(d, dir)
	require.NoError(t, w.Write())

	body := readBody(t, filepath.Join(dir, "cct.db"), TagContext)
	vb, err := DecodeCct(body)
	require.NoError(t, err)
	assert.NotEmpty(t, vb.Values)
}

func TestTraceWriterRoundTrip(t *testing.T) {
	d := buildFixtureDriver(t)
	dir := t.TempDir()

	tw := NewTraceWriter(d, dir)
	d.RegisterSink(tw)
	// NotifyThreadFinal does not flush the streaming-sort buffer, and this
	// fixture bypasses Driver.Run, so perform the trailing flush Run
	// performs after sources complete.
	require.NoError(t, d.FlushAllTraces())

	require.NoError(t, tw.Write())

	body := readBody(t, filepath.Join(dir, "trace.db"), TagTrace)
	dirEntries, stream, err := DecodeTrace(body)
	require.NoError(t, err)
	require.Len(t, dirEntries, 1)

	recs, err := DecodeTraceRecords(stream, dirEntries[0].StartOffset, dirEntries[0].EndOffset)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, uint64(100), recs[0].TimestampNS)
	assert.Equal(t, uint64(200), recs[1].TimestampNS)
}
