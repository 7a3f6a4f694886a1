// Copyright (C) ClusterCockpit.
// All rights reserved. This file is part of cc-profdb.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package sources

import (
	"context"
	"encoding/binary"
	"fmt"
	"path/filepath"

	"github.com/ClusterCockpit/cc-profdb/internal/pipeline"
	"github.com/ClusterCockpit/cc-profdb/internal/profile"
	"github.com/ClusterCockpit/cc-profdb/internal/sparsedb"
)

// MergeSource replays a predecessor run's meta.db + profile.db through a
// fresh pipeline.Driver, for the `merge` subcommand (spec.md §4.1's
// "profiles may be merged"). It re-inserts every load module, file,
// function, context, and metric under new identifiers, then re-attributes
// each profile.db thread's sparse values against the freshly built tree.
type MergeSource struct {
	dir             string
	name            string
	extraStatistics bool
}

// NewMergeSource reads <dir>/meta.db and <dir>/profile.db.
// extraStatistics selects -metric stats over -metric sum (§4.3).
func NewMergeSource(dir string, extraStatistics bool) *MergeSource {
	return &MergeSource{dir: dir, name: "merge:" + dir, extraStatistics: extraStatistics}
}

func (s *MergeSource) Name() string { return s.name }

func (s *MergeSource) Provides() pipeline.DataClass {
	return pipeline.Union(pipeline.ClassReferences, pipeline.ClassContexts, pipeline.ClassMetrics)
}

func (s *MergeSource) Requires() pipeline.DataClass { return 0 }

func (s *MergeSource) Run(ctx context.Context, ops pipeline.Ops) error {
	metaBody, err := sparsedb.ReadBody(filepath.Join(s.dir, "meta.db"), sparsedb.TagMeta)
	if err != nil {
		return err
	}
	mf, err := sparsedb.DecodeMeta(metaBody)
	if err != nil {
		return err
	}

	profBody, err := sparsedb.ReadBody(filepath.Join(s.dir, "profile.db"), sparsedb.TagProfile)
	if err != nil {
		return err
	}
	entries, err := sparsedb.DecodeProfile(profBody)
	if err != nil {
		return err
	}

	lmByOld := make(map[profile.LoadModuleID]*profile.LoadModule, len(mf.Modules))
	for _, m := range mf.Modules {
		lmByOld[m.ID] = ops.InsertLoadModule(m.Path, m.Hash)
	}

	fileByOld := make(map[profile.FileID]*profile.File, len(mf.Files))
	for _, f := range mf.Files {
		fileByOld[f.ID] = ops.InsertFile(f.Path)
	}

	fnByOld := make(map[profile.FunctionID]*profile.Function, len(mf.Functions))
	for _, fn := range mf.Functions {
		newLM := profile.LoadModuleID(0)
		if lm, ok := lmByOld[fn.LoadModuleID]; ok {
			newLM = lm.ID
		}
		newFile := profile.FileID(0)
		if f, ok := fileByOld[fn.FileID]; ok {
			newFile = f.ID
		}
		fnByOld[fn.ID] = ops.InsertFunction(fn.Name, newFile, fn.Line, newLM, fn.Offset)
	}

	metricByOldDiskID := make(map[profile.MetricID]*profile.Metric, len(mf.Metrics))
	for _, mm := range mf.Metrics {
		nm := ops.MetricAdd(mm.Name, mm.Description, mm.Scopes)
		if err := ensureStandardStatistics(ops, nm, s.extraStatistics); err != nil {
			return err
		}
		metricByOldDiskID[mm.ID] = nm
	}

	ctxByOldFinal, err := rebuildContexts(ctx, ops, mf.Contexts, fnByOld, lmByOld, fileByOld)
	if err != nil {
		return err
	}

	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return err
		}
		_, temp := ops.ThreadAdd(e.Tuple)
		for _, mi := range e.Block.MetricIndices {
			nm, ok := metricByOldDiskID[diskIDToSeq(mi.MetricID, mf.Metrics)]
			if !ok {
				continue
			}
			start := mi.StartIndex
			end := uint64(len(e.Block.Values))
			for _, next := range e.Block.MetricIndices {
				if next.StartIndex > start && next.StartIndex < end {
					end = next.StartIndex
				}
			}
			for i := start; i < end; i++ {
				v := e.Block.Values[i]
				newCtx, ok := ctxByOldFinal[profile.ContextID(v.ProfIndex)]
				if !ok {
					continue
				}
				ops.ValueAdd(temp, newCtx, nm.ID, v.Value)
			}
		}
		if err := ops.NotifyThreadFinal(temp); err != nil {
			return err
		}
	}
	return nil
}

// diskIDToSeq maps a profile.db value_block's metric id (the on-disk
// Identifier.ForMetric() value) back to the MetaMetric whose Base it falls
// in, returning that metric's sequential MetaMetric.ID for the
// metricByOldDiskID lookup above.
func diskIDToSeq(diskID profile.MetricID, metrics []sparsedb.MetaMetric) profile.MetricID {
	for _, m := range metrics {
		if uint64(diskID) == m.Base {
			return m.ID
		}
	}
	return diskID
}

// rebuildContexts replays the predecessor's context tree in parent-before-
// child order (meta.db's contexts are stored in ascending final-id order,
// which is topological since a parent always has a smaller or equal final
// id than its children per finalization's depth-by-depth numbering), returning
// a map from each old context's final on-disk id to its freshly inserted
// ContextID.
func rebuildContexts(ctx context.Context, ops pipeline.Ops, contexts []sparsedb.MetaContext, fnByOld map[profile.FunctionID]*profile.Function, lmByOld map[profile.LoadModuleID]*profile.LoadModule, fileByOld map[profile.FileID]*profile.File) (map[profile.ContextID]profile.ContextID, error) {
	byOld := make(map[profile.ContextID]profile.ContextID, len(contexts))
	byOld[profile.RootContextID] = profile.RootContextID

	for _, c := range contexts {
		if c.ID == profile.RootContextID {
			continue
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		parent, ok := byOld[c.ParentID]
		if !ok {
			return nil, fmt.Errorf("merge source: context %d references unresolved parent %d", c.ID, c.ParentID)
		}
		scope, err := decodeScopePayload(c.Payload, fnByOld, lmByOld, fileByOld)
		if err != nil {
			return nil, err
		}
		newID, err := ops.ContextInsert(parent, c.Relation, scope)
		if err != nil {
			return nil, err
		}
		byOld[c.ID] = newID
	}
	return byOld, nil
}

// decodeScopePayload inverts profile.Scope.SortKey's fixed per-kind layout.
func decodeScopePayload(payload []byte, fnByOld map[profile.FunctionID]*profile.Function, lmByOld map[profile.LoadModuleID]*profile.LoadModule, fileByOld map[profile.FileID]*profile.File) (profile.Scope, error) {
	if len(payload) == 0 {
		return profile.Scope{}, fmt.Errorf("merge source: empty scope payload")
	}
	kind := profile.ScopeKind(payload[0])
	rest := payload[1:]
	switch kind {
	case profile.ScopeGlobal:
		return profile.GlobalScope(), nil
	case profile.ScopeUnknown:
		return profile.UnknownScope(), nil
	case profile.ScopePoint, profile.ScopeBinaryLoop:
		if len(rest) < 12 {
			return profile.Scope{}, fmt.Errorf("merge source: truncated point/binary_loop scope payload")
		}
		lm := profile.LoadModuleID(binary.BigEndian.Uint32(rest[0:4]))
		offset := binary.BigEndian.Uint64(rest[4:12])
		if l, ok := lmByOld[lm]; ok {
			lm = l.ID
		}
		if kind == profile.ScopePoint {
			return profile.PointScope(lm, offset), nil
		}
		return profile.BinaryLoopScope(lm, offset), nil
	case profile.ScopeFunction:
		if len(rest) < 4 {
			return profile.Scope{}, fmt.Errorf("merge source: truncated function scope payload")
		}
		fn := profile.FunctionID(binary.BigEndian.Uint32(rest[0:4]))
		if f, ok := fnByOld[fn]; ok {
			fn = f.ID
		}
		return profile.FunctionScope(fn), nil
	case profile.ScopeLexicalLoop:
		if len(rest) < 8 {
			return profile.Scope{}, fmt.Errorf("merge source: truncated lexical_loop scope payload")
		}
		fn := profile.FunctionID(binary.BigEndian.Uint32(rest[0:4]))
		line := binary.BigEndian.Uint32(rest[4:8])
		if f, ok := fnByOld[fn]; ok {
			fn = f.ID
		}
		return profile.LexicalLoopScope(fn, line), nil
	case profile.ScopeLine:
		if len(rest) < 8 {
			return profile.Scope{}, fmt.Errorf("merge source: truncated line scope payload")
		}
		file := profile.FileID(binary.BigEndian.Uint32(rest[0:4]))
		line := binary.BigEndian.Uint32(rest[4:8])
		if f, ok := fileByOld[file]; ok {
			file = f.ID
		}
		return profile.LineScope(file, line), nil
	case profile.ScopePlaceholder:
		var code profile.PlaceholderShortcode
		copy(code[:], rest)
		return profile.PlaceholderScope(code), nil
	default:
		return profile.Scope{}, fmt.Errorf("merge source: unknown scope kind %d", kind)
	}
}
