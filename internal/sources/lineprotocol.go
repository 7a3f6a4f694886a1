// Copyright (C) ClusterCockpit.
// All rights reserved. This file is part of cc-profdb.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package sources

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/influxdata/line-protocol/v2/lineprotocol"

	"github.com/ClusterCockpit/cc-profdb/internal/metricacc"
	"github.com/ClusterCockpit/cc-profdb/internal/pipeline"
	"github.com/ClusterCockpit/cc-profdb/internal/profile"
)

var timeZero time.Time

// LineProtocolSource ingests finite InfluxDB line-protocol files
// (`measurement=sample`, tags `rank=`, `thread=`, `ctx=<path>`, field
// `value=<f64>`); one file may hold samples of several threads, told apart
// by their rank and thread tags. Grounded on lineprotocol.go's DecodeLine, but
// deliberately reading a closed file rather than a live NATS subscription
// (see DESIGN.md for why ReceiveNats was not carried over — a Non-goal).
type LineProtocolSource struct {
	rootDir         string
	name            string
	extraStatistics bool
}

// NewLineProtocolSource scans rootDir recursively for `*.lp` files.
// extraStatistics selects -metric stats over -metric sum (§4.3).
func NewLineProtocolSource(rootDir string, extraStatistics bool) *LineProtocolSource {
	return &LineProtocolSource{rootDir: rootDir, name: "lineprotocol:" + rootDir, extraStatistics: extraStatistics}
}

func (s *LineProtocolSource) Name() string { return s.name }

func (s *LineProtocolSource) Provides() pipeline.DataClass {
	return pipeline.Union(pipeline.ClassReferences, pipeline.ClassContexts, pipeline.ClassMetrics)
}

func (s *LineProtocolSource) Requires() pipeline.DataClass { return 0 }

func (s *LineProtocolSource) Run(ctx context.Context, ops pipeline.Ops) error {
	files, err := s.listFiles()
	if err != nil {
		return err
	}
	for _, path := range files {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := s.ingestFile(path, ops); err != nil {
			return fmt.Errorf("lineprotocol source: %s: %w", path, err)
		}
	}
	return nil
}

func (s *LineProtocolSource) listFiles() ([]string, error) {
	var out []string
	err := filepath.Walk(s.rootDir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() && strings.HasSuffix(path, ".lp") {
			out = append(out, path)
		}
		return nil
	})
	sort.Strings(out)
	return out, err
}

func (s *LineProtocolSource) ingestFile(path string, ops pipeline.Ops) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	lm := ops.InsertLoadModule(path, [32]byte{})
	metric := ops.MetricAdd("sample", "line-protocol sample", []profile.MetricScope{
		profile.MetricScopePoint, profile.MetricScopeFunction, profile.MetricScopeExecution,
	})
	if err := ensureStandardStatistics(ops, metric, s.extraStatistics); err != nil {
		return err
	}

	threads := make(map[string]*threadState)
	dec := lineprotocol.NewDecoderWithBytes(data)
	for dec.Next() {
		measurement, err := dec.Measurement()
		if err != nil {
			return err
		}
		if string(measurement) != "sample" {
			if err := skipLine(dec); err != nil {
				return err
			}
			continue
		}

		var rank, thread, ctxPath string
		for {
			key, val, err := dec.NextTag()
			if err != nil {
				return err
			}
			if key == nil {
				break
			}
			switch string(key) {
			case "rank":
				rank = string(val)
			case "thread":
				thread = string(val)
			case "ctx":
				ctxPath = string(val)
			}
		}

		var value float64
		for {
			key, val, err := dec.NextField()
			if err != nil {
				return err
			}
			if key == nil {
				break
			}
			if string(key) != "value" {
				continue
			}
			switch val.Kind() {
			case lineprotocol.Float:
				value = val.FloatV()
			case lineprotocol.Int:
				value = float64(val.IntV())
			case lineprotocol.Uint:
				value = float64(val.UintV())
			}
		}

		ts, err := dec.Time(lineprotocol.Nanosecond, timeZero)
		if err != nil {
			return err
		}

		key := rank + "/" + thread
		st, ok := threads[key]
		if !ok {
			rankN, _ := strconv.Atoi(rank)
			threadN, _ := strconv.Atoi(thread)
			tuple := profile.IdentifierTuple{
				{Kind: profile.ThreadKindThread, LogicalID: uint32(rankN)},
				{Kind: profile.ThreadKindThread, LogicalID: uint32(threadN)},
			}
			_, temp := ops.ThreadAdd(tuple)
			st = &threadState{temp: temp, ctxByPath: make(map[string]profile.ContextID)}
			threads[key] = st
		}

		ctxID, err := resolveCtxPath(ops, lm, st.ctxByPath, ctxPath)
		if err != nil {
			return err
		}
		ops.ValueAdd(st.temp, ctxID, metric.ID, value)
		if err := ops.CtxTimepointAdd(st.temp, uint64(ts.UnixNano()), ctxID); err != nil {
			return err
		}
	}
	if err := dec.Err(); err != nil {
		return err
	}

	for _, st := range threads {
		if err := ops.NotifyThreadFinal(st.temp); err != nil {
			return err
		}
	}
	return nil
}

type threadState struct {
	temp      *metricacc.PerThreadTemporary
	ctxByPath map[string]profile.ContextID
}

// resolveCtxPath inserts a '/'-separated function-name path under the root
// Context, caching resolved IDs per thread so repeated samples at the same
// call path reuse the same Context.
func resolveCtxPath(ops pipeline.Ops, lm *profile.LoadModule, cache map[string]profile.ContextID, path string) (profile.ContextID, error) {
	if id, ok := cache[path]; ok {
		return id, nil
	}
	cur := profile.RootContextID
	built := ""
	for _, name := range strings.Split(path, "/") {
		if name == "" {
			continue
		}
		built += "/" + name
		if id, ok := cache[built]; ok {
			cur = id
			continue
		}
		fn := ops.InsertFunction(name, 0, 0, lm.ID, 0)
		next, err := ops.ContextInsert(cur, profile.RelationCall, profile.FunctionScope(fn.ID))
		if err != nil {
			return 0, err
		}
		cache[built] = next
		cur = next
	}
	cache[path] = cur
	return cur, nil
}

func skipLine(dec *lineprotocol.Decoder) error {
	for {
		key, _, err := dec.NextTag()
		if err != nil {
			return err
		}
		if key == nil {
			break
		}
	}
	for {
		key, _, err := dec.NextField()
		if err != nil {
			return err
		}
		if key == nil {
			break
		}
	}
	_, err := dec.Time(lineprotocol.Nanosecond, timeZero)
	return err
}
