package sources

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/linkedin/goavro/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ClusterCockpit/cc-profdb/internal/pipeline"
)

const fragmentSchema = `{
	"type": "record",
	"name": "ctxFragment",
	"fields": [
		{"name": "frame", "type": {"type": "array", "items": {
			"type": "record", "name": "frameEntry", "fields": [
				{"name": "scope_kind", "type": "string"},
				{"name": "scope_payload", "type": "string"},
				{"name": "relation", "type": "string"}
			]
		}}},
		{"name": "metric", "type": "string"},
		{"name": "value", "type": "double"},
		{"name": "ts_ns", "type": "long"}
	]
}`

func writeFragment(t *testing.T, rootDir string, rank, thread int, records []map[string]any) {
	t.Helper()
	dir := filepath.Join(rootDir, itoa(rank))
	require.NoError(t, os.MkdirAll(dir, 0o755))

	path := filepath.Join(dir, itoa(thread)+".cctfrag.avro")
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()

	codec, err := goavro.NewCodec(fragmentSchema)
	require.NoError(t, err)

	w, err := goavro.NewOCFWriter(goavro.OCFConfig{W: f, Codec: codec})
	require.NoError(t, err)

	native := make([]any, len(records))
	for i, r := range records {
		native[i] = r
	}
	require.NoError(t, w.Append(native))
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

func frame(scopeKind, payload, relation string) map[string]any {
	return map[string]any{
		"scope_kind":    scopeKind,
		"scope_payload": payload,
		"relation":      relation,
	}
}

func TestAvroSourceIngestsFragment(t *testing.T) {
	root := t.TempDir()
	writeFragment(t, root, 0, 0, []map[string]any{
		{
			"frame": []any{
				frame("function", "main", "call"),
				frame("point", "0x1000", "call"),
			},
			"metric": "cycles",
			"value":  3.0,
			"ts_ns":  int64(100),
		},
		{
			"frame": []any{
				frame("function", "main", "call"),
			},
			"metric": "cycles",
			"value":  5.0,
			"ts_ns":  int64(200),
		},
	})

	driver := pipeline.NewDriver()
	driver.RegisterSource(NewAvroSource(root, false))
	require.NoError(t, driver.Run(context.Background()))

	metrics := driver.Metrics()
	require.Len(t, metrics, 1)
	assert.Equal(t, "cycles", metrics[0].Name)

	threads := driver.Threads()
	require.Len(t, threads, 1)

	functions := driver.Functions()
	require.NotEmpty(t, functions)
	var sawMain bool
	for _, fn := range functions {
		if fn.Name == "main" {
			sawMain = true
		}
	}
	assert.True(t, sawMain)
}

func TestAvroSourceRejectsBadFragmentName(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(root, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "notarank.cctfrag.avro"), []byte("x"), 0o644))

	driver := pipeline.NewDriver()
	driver.RegisterSource(NewAvroSource(root, false))
	require.Error(t, driver.Run(context.Background()))
}
