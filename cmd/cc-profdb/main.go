// Copyright (C) ClusterCockpit.
// All rights reserved. This file is part of cc-profdb.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Command cc-profdb consolidates per-thread, per-process, and per-GPU-
// stream calling-context measurement streams into the meta/profile/cct/
// trace database quartet described by SPEC_FULL.md §4.4, via one of three
// subcommands: `serial` (single process), `parallel` (a fixed set of
// cooperating ranks over TCP), and `merge` (replay a predecessor
// experiment's output through a fresh pipeline).
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/ClusterCockpit/cc-profdb/internal/telemetry"
	"github.com/ClusterCockpit/cc-profdb/pkg/log"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	cfg, err := parseCLI(args)
	if err != nil {
		fmt.Fprintf(os.Stderr, "cc-profdb: %s\n", err)
		return 1
	}

	switch {
	case cfg.quiet:
		log.SetLogLevel("warn")
	case cfg.verbose:
		log.SetLogLevel("debug")
	default:
		log.SetLogLevel("info")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigs
		log.Warn("cc-profdb: received interrupt, cancelling ingestion")
		cancel()
	}()

	tel := telemetry.New()
	err = runPipeline(ctx, cfg, tel)
	if err != nil {
		log.Error(err)
	}
	return exitCodeFor(err)
}
