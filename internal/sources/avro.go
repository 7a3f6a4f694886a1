// Copyright (C) ClusterCockpit.
// All rights reserved. This file is part of cc-profdb.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package sources implements the raw-input ingestion Sources registered
// with a pipeline.Driver (§6): per-process Avro OCF calling-context
// fragments, InfluxDB line-protocol sample files, and a predecessor
// profile.db reader for the `merge` subcommand.
package sources

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/linkedin/goavro/v2"

	"github.com/ClusterCockpit/cc-profdb/internal/pipeline"
	"github.com/ClusterCockpit/cc-profdb/internal/profile"
	"github.com/ClusterCockpit/cc-profdb/pkg/log"
)

// AvroSource ingests one rank's per-thread *.cctfrag.avro files, each
// holding the calling-context fragment plus metric samples observed by
// that thread (§6).
type AvroSource struct {
	rootDir         string
	name            string
	extraStatistics bool
}

// NewAvroSource scans rootDir for `<rank>/<thread>.cctfrag.avro` files.
// extraStatistics selects -metric stats over -metric sum (§4.3): when set,
// each metric also gets a derived ExtraStatistic registered through Ops.
func NewAvroSource(rootDir string, extraStatistics bool) *AvroSource {
	return &AvroSource{rootDir: rootDir, name: "avro:" + rootDir, extraStatistics: extraStatistics}
}

func (s *AvroSource) Name() string { return s.name }

func (s *AvroSource) Provides() pipeline.DataClass {
	return pipeline.Union(pipeline.ClassReferences, pipeline.ClassContexts, pipeline.ClassMetrics)
}

func (s *AvroSource) Requires() pipeline.DataClass { return 0 }

func (s *AvroSource) Run(ctx context.Context, ops pipeline.Ops) error {
	files, err := s.listFragments()
	if err != nil {
		return err
	}
	for _, path := range files {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := s.ingestFile(path, ops); err != nil {
			return fmt.Errorf("avro source: %s: %w", path, err)
		}
	}
	return nil
}

func (s *AvroSource) listFragments() ([]string, error) {
	var out []string
	err := filepath.Walk(s.rootDir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() && strings.HasSuffix(path, ".cctfrag.avro") {
			out = append(out, path)
		}
		return nil
	})
	return out, err
}

func (s *AvroSource) ingestFile(path string, ops pipeline.Ops) error {
	rank, thread, err := parseFragmentName(path, s.rootDir)
	if err != nil {
		return err
	}

	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	r, err := goavro.NewOCFReader(bufio.NewReader(f))
	if err != nil {
		return fmt.Errorf("failed to create OCF reader: %w", err)
	}

	lm := ops.InsertLoadModule(fmt.Sprintf("rank%d", rank), [32]byte{})
	metrics := make(map[string]*profile.Metric)

	tuple := profile.IdentifierTuple{
		{Kind: profile.ThreadKindThread, LogicalID: uint32(rank)},
		{Kind: profile.ThreadKindThread, LogicalID: uint32(thread)},
	}
	_, temp := ops.ThreadAdd(tuple)

	for r.Scan() {
		rec, err := r.Read()
		if err != nil {
			return fmt.Errorf("failed to read record: %w", err)
		}
		recMap, ok := rec.(map[string]any)
		if !ok {
			return fmt.Errorf("unexpected record type %T", rec)
		}

		ctxID, err := resolveFrame(ops, lm, recMap["frame"])
		if err != nil {
			return err
		}

		name, _ := recMap["metric"].(string)
		m, ok := metrics[name]
		if !ok {
			m = ops.MetricAdd(name, "", []profile.MetricScope{profile.MetricScopePoint, profile.MetricScopeFunction, profile.MetricScopeExecution})
			if err := ensureStandardStatistics(ops, m, s.extraStatistics); err != nil {
				return err
			}
			metrics[name] = m
		}

		value, _ := asFloat64(recMap["value"])
		ops.ValueAdd(temp, ctxID, m.ID, value)

		if tsRaw, ok := recMap["ts_ns"]; ok {
			ts, _ := asUint64(tsRaw)
			if err := ops.CtxTimepointAdd(temp, ts, ctxID); err != nil {
				log.Warnf("avro source: %s: timepoint out of order: %v", path, err)
			}
		}
	}

	return ops.NotifyThreadFinal(temp)
}

// resolveFrame walks the fragment's calling-context path (root-most first)
// inserting any Context not already present, returning the leaf's ID.
func resolveFrame(ops pipeline.Ops, lm *profile.LoadModule, frameRaw any) (profile.ContextID, error) {
	frames, _ := frameRaw.([]any)
	cur := profile.RootContextID
	for _, fr := range frames {
		entry, ok := fr.(map[string]any)
		if !ok {
			continue
		}
		kind, _ := entry["scope_kind"].(string)
		payload, _ := entry["scope_payload"].(string)
		relName, _ := entry["relation"].(string)

		scope := scopeFromFragment(ops, lm, kind, payload)
		relation := relationFromString(relName)

		next, err := ops.ContextInsert(cur, relation, scope)
		if err != nil {
			return 0, err
		}
		cur = next
	}
	return cur, nil
}

func scopeFromFragment(ops pipeline.Ops, lm *profile.LoadModule, kind, payload string) profile.Scope {
	switch kind {
	case "function":
		fn := ops.InsertFunction(payload, 0, 0, lm.ID, 0)
		return profile.FunctionScope(fn.ID)
	case "point":
		offset, _ := strconv.ParseUint(payload, 0, 64)
		return profile.PointScope(lm.ID, offset)
	default:
		return profile.UnknownScope()
	}
}

func relationFromString(s string) profile.Relation {
	if s == "inlined_call" {
		return profile.RelationInlinedCall
	}
	return profile.RelationCall
}

func parseFragmentName(path, root string) (rank, thread int, err error) {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return 0, 0, err
	}
	parts := strings.Split(filepath.ToSlash(rel), "/")
	if len(parts) < 2 {
		return 0, 0, fmt.Errorf("expected <rank>/<thread>.cctfrag.avro, got %q", rel)
	}
	rank, err = strconv.Atoi(parts[0])
	if err != nil {
		return 0, 0, fmt.Errorf("bad rank directory %q: %w", parts[0], err)
	}
	base := strings.TrimSuffix(filepath.Base(parts[len(parts)-1]), ".cctfrag.avro")
	thread, err = strconv.Atoi(base)
	if err != nil {
		return 0, 0, fmt.Errorf("bad thread file %q: %w", base, err)
	}
	return rank, thread, nil
}

func asFloat64(v any) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case float32:
		return float64(x), true
	case int64:
		return float64(x), true
	default:
		return 0, false
	}
}

func asUint64(v any) (uint64, bool) {
	switch x := v.(type) {
	case int64:
		return uint64(x), true
	case uint64:
		return x, true
	default:
		return 0, false
	}
}
