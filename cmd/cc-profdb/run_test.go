// Copyright (C) ClusterCockpit.
// All rights reserved. This file is part of cc-profdb.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ClusterCockpit/cc-profdb/internal/sparsedb"
	"github.com/ClusterCockpit/cc-profdb/internal/telemetry"
)

// writeLPFixture drops a small line-protocol fixture with three samples at
// the same context across two threads, so a sum/stats run has something to
// combine.
func writeLPFixture(t *testing.T, root string) {
	t.Helper()
	body := "sample,rank=0,thread=0,ctx=main/work value=3.5 100\n" +
		"sample,rank=0,thread=0,ctx=main/work value=2.5 200\n" +
		"sample,rank=0,thread=1,ctx=main/work value=4.0 300\n"
	require.NoError(t, os.WriteFile(filepath.Join(root, "run.lp"), []byte(body), 0o644))
}

// TestRunPipelineMetricSumWritesNonzeroCct runs the real serial pipeline
// end to end and asserts cct.db carries nonzero statistic values: each
// ingested metric must leave AddStandardStatistics's StatisticPartials
// populated, and StatisticAccumulator.Partials must therefore be nonempty
// by the time CctWriter.Write reads them back out.
func TestRunPipelineMetricSumWritesNonzeroCct(t *testing.T) {
	lpRoot := t.TempDir()
	writeLPFixture(t, lpRoot)
	outDir := t.TempDir()

	cfg, err := parseCLI([]string{"serial", "-lp", lpRoot, "-metric", "sum", "-output", outDir})
	require.NoError(t, err)

	require.NoError(t, runPipeline(context.Background(), cfg, telemetry.New()))

	body, err := sparsedb.ReadBody(filepath.Join(outDir, "cct.db"), sparsedb.TagContext)
	require.NoError(t, err)
	vb, err := sparsedb.DecodeCct(body)
	require.NoError(t, err)

	require.NotEmpty(t, vb.Values, "cct.db must carry at least one statistic value pair")
	var sawNonzero bool
	for _, v := range vb.Values {
		if v.Value != 0 {
			sawNonzero = true
			break
		}
	}
	assert.True(t, sawNonzero, "cct.db value pairs must include a nonzero statistic")
}

// TestRunPipelineMetricStatsRegistersExtraStatistic exercises -metric stats'
// differentiator: an ExtraStatistic derived from the metric's finalized
// Statistics, registered through Ops.ExtraStatisticAdd and serialized into
// meta.db.
func TestRunPipelineMetricStatsRegistersExtraStatistic(t *testing.T) {
	lpRoot := t.TempDir()
	writeLPFixture(t, lpRoot)
	outDir := t.TempDir()

	cfg, err := parseCLI([]string{"serial", "-lp", lpRoot, "-metric", "stats", "-output", outDir})
	require.NoError(t, err)

	require.NoError(t, runPipeline(context.Background(), cfg, telemetry.New()))

	metaBody, err := sparsedb.ReadBody(filepath.Join(outDir, "meta.db"), sparsedb.TagMeta)
	require.NoError(t, err)
	mf, err := sparsedb.DecodeMeta(metaBody)
	require.NoError(t, err)

	require.Len(t, mf.Metrics, 1)
	require.Len(t, mf.Metrics[0].Statistics, 6, "AddStandardStatistics registers sum/mean/min/max/stddev/cv")

	require.Len(t, mf.ExtraStatistics, 1)
	assert.Equal(t, "sample.range", mf.ExtraStatistics[0].Name)
	assert.Equal(t, []string{"sample.max", "sample.min"}, mf.ExtraStatistics[0].Inputs)
}

// TestRunPipelineMetricSumHasNoExtraStatistic confirms -metric sum doesn't
// register the stats-only ExtraStatistic differentiator.
func TestRunPipelineMetricSumHasNoExtraStatistic(t *testing.T) {
	lpRoot := t.TempDir()
	writeLPFixture(t, lpRoot)
	outDir := t.TempDir()

	cfg, err := parseCLI([]string{"serial", "-lp", lpRoot, "-metric", "sum", "-output", outDir})
	require.NoError(t, err)

	require.NoError(t, runPipeline(context.Background(), cfg, telemetry.New()))

	metaBody, err := sparsedb.ReadBody(filepath.Join(outDir, "meta.db"), sparsedb.TagMeta)
	require.NoError(t, err)
	mf, err := sparsedb.DecodeMeta(metaBody)
	require.NoError(t, err)

	assert.Empty(t, mf.ExtraStatistics)
}
