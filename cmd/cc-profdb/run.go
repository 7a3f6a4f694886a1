// Copyright (C) ClusterCockpit.
// All rights reserved. This file is part of cc-profdb.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/ClusterCockpit/cc-profdb/internal/housekeep"
	"github.com/ClusterCockpit/cc-profdb/internal/pipeline"
	"github.com/ClusterCockpit/cc-profdb/internal/profile"
	"github.com/ClusterCockpit/cc-profdb/internal/reduction"
	"github.com/ClusterCockpit/cc-profdb/internal/sources"
	"github.com/ClusterCockpit/cc-profdb/internal/sparsedb"
	"github.com/ClusterCockpit/cc-profdb/internal/telemetry"
	"github.com/ClusterCockpit/cc-profdb/pkg/log"
)

// telemetrySource wraps a pipeline.Source so its wall-clock occupancy is
// visible on the shared Telemetry registry (SPEC_FULL.md §4.1).
type telemetrySource struct {
	pipeline.Source
	tel *telemetry.Telemetry
}

func (s telemetrySource) Run(ctx context.Context, ops pipeline.Ops) error {
	s.tel.SourceStarted()
	defer s.tel.SourceFinished()
	err := s.Source.Run(ctx, ops)
	s.tel.ObserveSample(s.Source.Name())
	return err
}

// runPipeline builds and runs one Driver for cfg's subcommand, registering
// whichever Sources and Sinks the subcommand and -metric selection call
// for (§6).
func runPipeline(ctx context.Context, cfg *cliConfig, tel *telemetry.Telemetry) error {
	driver := pipeline.NewDriver()

	// -metric stats additionally derives an ExtraStatistic per metric
	// (§4.3); -metric sum and -metric thread don't.
	extraStats := cfg.metric == "stats"

	switch cfg.subcommand {
	case "merge":
		driver.RegisterSource(telemetrySource{Source: sources.NewMergeSource(cfg.mergeDir, extraStats), tel: tel})
	default:
		for _, d := range cfg.avroDirs {
			driver.RegisterSource(telemetrySource{Source: sources.NewAvroSource(d, extraStats), tel: tel})
		}
		for _, d := range cfg.lpDirs {
			driver.RegisterSource(telemetrySource{Source: sources.NewLineProtocolSource(d, extraStats), tel: tel})
		}
	}

	driver.RegisterSink(sparsedb.NewMetaWriter(driver, cfg.output))
	driver.RegisterSink(sparsedb.NewTraceWriter(driver, cfg.output))
	driver.RegisterSink(sparsedb.NewExperimentWriter(driver, cfg.output, cfg.title))

	// -metric selects which profile-shaped sink carries the attributed
	// values: "thread" keeps per-thread sparsity (profile.db), "sum" and
	// "stats" collapse it through the global statistic table (cct.db) —
	// see DESIGN.md for why a third -metric value doesn't warrant a third
	// sink.
	switch cfg.metric {
	case "thread":
		driver.RegisterSink(sparsedb.NewProfileWriter(driver, cfg.output))
	case "sum", "stats":
		driver.RegisterSink(sparsedb.NewCctWriter(driver, cfg.output))
	}

	hk, err := housekeep.Start(driver, housekeep.DefaultInterval)
	if err != nil {
		return err
	}
	defer hk.Shutdown()

	if cfg.subcommand == "parallel" {
		if err := runParallelCoordination(ctx, cfg, tel); err != nil {
			return err
		}
	}

	if err := driver.Run(ctx); err != nil {
		return err
	}

	log.Infof("cc-profdb: wrote experiment to %s", cfg.output)
	return nil
}

// runParallelCoordination dials every peer named by -ranks and exchanges a
// barrier plus a trivial allreduce before ingestion starts, so a rank that
// cannot reach its peers fails fast instead of silently writing a
// single-rank experiment (§4.5, §9's "parallel across processes").
func runParallelCoordination(ctx context.Context, cfg *cliConfig, tel *telemetry.Telemetry) error {
	t, err := reduction.DialNetTransport(ctx, cfg.rank, cfg.ranks)
	if err != nil {
		return profile.NewError(profile.TransportFatal, "parallel", fmt.Errorf("dialing peers: %w", err))
	}
	defer t.Close()

	if err := reduction.Barrier(ctx, t, 0); err != nil {
		return profile.NewError(profile.TransportFatal, "parallel", fmt.Errorf("start barrier: %w", err))
	}

	maxRank, err := reduction.Allreduce(ctx, t, 1, []int32{int32(cfg.rank)}, reduction.OpMax)
	if err != nil {
		return profile.NewError(profile.TransportFatal, "parallel", fmt.Errorf("rank-count allreduce: %w", err))
	}

	log.Infof("parallel: %d ranks joined (highest rank observed = %d)", t.Size(), maxRank[0])
	tel.SourcesInFlight.Set(float64(t.Size()))
	return nil
}

// exitCodeFor maps a runPipeline error onto spec.md §6's exit codes:
// 0 success, 1 user error, 2 I/O error, 3 internal invariant failure.
func exitCodeFor(err error) int {
	if err == nil {
		return 0
	}

	var uerr usageError
	if errors.As(err, &uerr) {
		return 1
	}

	var perr *profile.Error
	if errors.As(err, &perr) {
		switch perr.Kind {
		case profile.SourceFormat, profile.Skippable:
			return 1
		case profile.SinkIO:
			return 2
		case profile.Invariant, profile.TransportFatal:
			return 3
		}
	}

	if errors.Is(err, os.ErrNotExist) || errors.Is(err, os.ErrPermission) {
		return 2
	}
	return 3
}
