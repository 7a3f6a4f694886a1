package sources

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ClusterCockpit/cc-profdb/internal/pipeline"
)

func TestLineProtocolSourceIngestsFile(t *testing.T) {
	root := t.TempDir()
	body := "sample,rank=0,thread=0,ctx=main/work value=3.5 100\n" +
		"sample,rank=0,thread=0,ctx=main/work value=1.5 200\n" +
		"sample,rank=0,thread=1,ctx=main value=9 300\n" +
		"other,rank=0,thread=0 value=1 100\n"
	require.NoError(t, os.WriteFile(filepath.Join(root, "run.lp"), []byte(body), 0o644))

	driver := pipeline.NewDriver()
	driver.RegisterSource(NewLineProtocolSource(root, false))
	require.NoError(t, driver.Run(context.Background()))

	metrics := driver.Metrics()
	require.Len(t, metrics, 1)
	assert.Equal(t, "sample", metrics[0].Name)

	threads := driver.Threads()
	assert.Len(t, threads, 2)

	functions := driver.Functions()
	names := make(map[string]bool)
	for _, fn := range functions {
		names[fn.Name] = true
	}
	assert.True(t, names["main"])
	assert.True(t, names["work"])
}

func TestLineProtocolSourceNoMatchingFiles(t *testing.T) {
	root := t.TempDir()

	driver := pipeline.NewDriver()
	driver.RegisterSource(NewLineProtocolSource(root, false))
	require.NoError(t, driver.Run(context.Background()))
	assert.Empty(t, driver.Metrics())
}
