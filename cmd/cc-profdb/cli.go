// Copyright (C) ClusterCockpit.
// All rights reserved. This file is part of cc-profdb.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package main

import (
	"flag"
	"fmt"
	"strings"

	"github.com/ClusterCockpit/cc-profdb/internal/config"
)

// stringList collects a repeatable flag into an ordered slice (flag.Value).
type stringList []string

func (s *stringList) String() string { return strings.Join(*s, ",") }

func (s *stringList) Set(v string) error {
	*s = append(*s, v)
	return nil
}

// usageError marks a flag/argument problem, mapped to exit code 1.
type usageError string

func (e usageError) Error() string { return string(e) }

// cliConfig is the parsed result of one `cc-profdb {merge|serial|parallel}`
// invocation (spec.md §6).
type cliConfig struct {
	subcommand string

	output  string
	metric  string
	title   string
	verbose bool
	quiet   bool

	avroDirs stringList
	lpDirs   stringList

	mergeDir string

	ranks stringList
	rank  int

	configFile string
}

// parseCLI mirrors cmd/cc-backend/cli.go's flag.BoolVar/StringVar style,
// with manual subcommand dispatch in front since stdlib flag has no
// native subcommand support.
func parseCLI(args []string) (*cliConfig, error) {
	if len(args) < 1 {
		return nil, usageError("expected a subcommand: merge, serial, or parallel")
	}

	sub := args[0]
	switch sub {
	case "merge", "serial", "parallel":
	default:
		return nil, usageError(fmt.Sprintf("unknown subcommand %q (want merge, serial, or parallel)", sub))
	}

	fs := flag.NewFlagSet(sub, flag.ContinueOnError)
	cfg := &cliConfig{subcommand: sub}
	fs.StringVar(&cfg.output, "output", "./experiment", "output experiment `directory`")
	fs.StringVar(&cfg.metric, "metric", "thread", "profile shape to emit: `thread`, sum, or stats")
	fs.StringVar(&cfg.title, "title", "cc-profdb run", "experiment `title` recorded in experiment.xml")
	fs.BoolVar(&cfg.verbose, "verbose", false, "enable debug logging")
	fs.BoolVar(&cfg.quiet, "quiet", false, "only log warnings and above")
	fs.Var(&cfg.avroDirs, "avro", "root `directory` of *.cctfrag.avro fragments (repeatable)")
	fs.Var(&cfg.lpDirs, "lp", "root `directory` of *.lp line-protocol files (repeatable)")
	fs.StringVar(&cfg.configFile, "config", "", "optional JSON config `file` providing defaults for -output/-metric/-title/-verbose/-quiet")
	if sub == "parallel" {
		fs.Var(&cfg.ranks, "ranks", "`host:port` of a peer rank, in rank order (repeatable, or comma-separated)")
		fs.IntVar(&cfg.rank, "rank", 0, "this process's rank index into -ranks")
	}

	if err := fs.Parse(args[1:]); err != nil {
		return nil, usageError(err.Error())
	}

	if cfg.configFile != "" {
		set := make(map[string]bool)
		fs.Visit(func(f *flag.Flag) { set[f.Name] = true })
		if err := applyConfigDefaults(cfg, set); err != nil {
			return nil, err
		}
	}

	switch sub {
	case "merge":
		if fs.NArg() != 1 {
			return nil, usageError("merge requires exactly one positional argument: the predecessor experiment directory")
		}
		cfg.mergeDir = fs.Arg(0)
	default:
		if fs.NArg() != 0 {
			return nil, usageError(fmt.Sprintf("%s takes no positional arguments, only -avro/-lp", sub))
		}
		if len(cfg.avroDirs) == 0 && len(cfg.lpDirs) == 0 {
			return nil, usageError("at least one -avro or -lp input directory is required")
		}
	}

	switch cfg.metric {
	case "thread", "sum", "stats":
	default:
		return nil, usageError(fmt.Sprintf("invalid -metric %q: must be thread, sum, or stats", cfg.metric))
	}

	if sub == "parallel" {
		var expanded stringList
		for _, r := range cfg.ranks {
			expanded = append(expanded, strings.Split(r, ",")...)
		}
		cfg.ranks = expanded
		if len(cfg.ranks) < 1 {
			return nil, usageError("parallel requires -ranks host:port,...")
		}
		if cfg.rank < 0 || cfg.rank >= len(cfg.ranks) {
			return nil, usageError(fmt.Sprintf("-rank %d out of range for %d -ranks entries", cfg.rank, len(cfg.ranks)))
		}
	}

	return cfg, nil
}

// applyConfigDefaults loads cfg.configFile and fills any of
// output/metric/title/verbose/quiet the user did not pass explicitly on
// the command line (tracked in explicitlySet by fs.Visit). An explicit
// flag always wins over the config file, mirroring the teacher's
// "config.json sets defaults, CLI flags are the user's last word" split.
func applyConfigDefaults(cfg *cliConfig, explicitlySet map[string]bool) error {
	fileCfg, err := config.Load(cfg.configFile)
	if err != nil {
		return usageError(fmt.Sprintf("loading -config: %s", err))
	}
	if !explicitlySet["output"] && fileCfg.Output != "" {
		cfg.output = fileCfg.Output
	}
	if !explicitlySet["metric"] && fileCfg.Metric != "" {
		cfg.metric = fileCfg.Metric
	}
	if !explicitlySet["title"] && fileCfg.Title != "" {
		cfg.title = fileCfg.Title
	}
	if !explicitlySet["verbose"] {
		cfg.verbose = cfg.verbose || fileCfg.Verbose
	}
	if !explicitlySet["quiet"] {
		cfg.quiet = cfg.quiet || fileCfg.Quiet
	}
	return nil
}
