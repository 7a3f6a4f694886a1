package sparsedb

import (
	"encoding/binary"
	"fmt"

	"github.com/ClusterCockpit/cc-profdb/internal/profile"
)

// The types in this file mirror the writer-side structures closely enough
// to support §8's round-trip law ("write, then read back: the resulting
// object graph is observationally equal to the pre-write state") and to
// back the `merge` subcommand's predecessor-profile.db ingestion.

type MetaMetric struct {
	ID          profile.MetricID
	Name        string
	Description string
	Base        uint64
	Scopes      []profile.MetricScope
	Statistics  []MetaStatistic
}

// MetaStatistic is one decoded named Statistic (sum/mean/min/max/stddev/cv)
// attached to a MetaMetric (§3).
type MetaStatistic struct {
	Name         string
	FinalizeExpr string
}

// MetaExtraStatistic is one decoded ExtraStatistic: a derived scalar over
// one or more "metric.statistic" inputs (§3/SPEC_FULL.md).
type MetaExtraStatistic struct {
	ID      profile.ExtraStatisticID
	Name    string
	Inputs  []string
	Formula string
}

type MetaModule struct {
	ID   profile.LoadModuleID
	Path string
	Hash [32]byte
}

type MetaFileEntry struct {
	ID   profile.FileID
	Path string
}

type MetaFunction struct {
	ID           profile.FunctionID
	Name         string
	FileID       profile.FileID
	Line         uint32
	LoadModuleID profile.LoadModuleID
	Offset       uint64
}

type MetaContext struct {
	ID       profile.ContextID
	ParentID profile.ContextID
	Relation profile.Relation
	Payload  []byte
}

type MetaFile struct {
	Metrics         []MetaMetric
	Modules         []MetaModule
	Files           []MetaFileEntry
	Functions       []MetaFunction
	Contexts        []MetaContext
	ExtraStatistics []MetaExtraStatistic
}

func getString(b []byte, off int) (string, int, error) {
	if off+4 > len(b) {
		return "", 0, fmt.Errorf("sparsedb: truncated string length")
	}
	n := int(binary.LittleEndian.Uint32(b[off : off+4]))
	off += 4
	if off+n > len(b) {
		return "", 0, fmt.Errorf("sparsedb: truncated string body")
	}
	return string(b[off : off+n]), off + n, nil
}

// DecodeMeta parses a meta.db body (everything after the 16-byte header).
func DecodeMeta(b []byte) (MetaFile, error) {
	var mf MetaFile
	off := 0

	if off+4 > len(b) {
		return mf, fmt.Errorf("sparsedb: truncated metric count")
	}
	nMetrics := int(binary.LittleEndian.Uint32(b[off : off+4]))
	off += 4
	for i := 0; i < nMetrics; i++ {
		id := profile.MetricID(binary.LittleEndian.Uint16(b[off : off+2]))
		off += 2
		name, next, err := getString(b, off)
		if err != nil {
			return mf, err
		}
		off = next
		desc, next, err := getString(b, off)
		if err != nil {
			return mf, err
		}
		off = next
		base := binary.LittleEndian.Uint64(b[off : off+8])
		off += 8
		nScopes := int(b[off])
		off++
		scopes := make([]profile.MetricScope, nScopes)
		for j := range scopes {
			scopes[j] = profile.MetricScope(b[off])
			off++
		}
		nStats := int(b[off])
		off++
		stats := make([]MetaStatistic, nStats)
		for j := range stats {
			sname, next, err := getString(b, off)
			if err != nil {
				return mf, err
			}
			off = next
			expr, next, err := getString(b, off)
			if err != nil {
				return mf, err
			}
			off = next
			stats[j] = MetaStatistic{Name: sname, FinalizeExpr: expr}
		}
		mf.Metrics = append(mf.Metrics, MetaMetric{ID: id, Name: name, Description: desc, Base: base, Scopes: scopes, Statistics: stats})
	}

	nModules := int(binary.LittleEndian.Uint32(b[off : off+4]))
	off += 4
	for i := 0; i < nModules; i++ {
		id := profile.LoadModuleID(binary.LittleEndian.Uint32(b[off : off+4]))
		off += 4
		path, next, err := getString(b, off)
		if err != nil {
			return mf, err
		}
		off = next
		var hash [32]byte
		copy(hash[:], b[off:off+32])
		off += 32
		mf.Modules = append(mf.Modules, MetaModule{ID: id, Path: path, Hash: hash})
	}

	nFiles := int(binary.LittleEndian.Uint32(b[off : off+4]))
	off += 4
	for i := 0; i < nFiles; i++ {
		id := profile.FileID(binary.LittleEndian.Uint32(b[off : off+4]))
		off += 4
		path, next, err := getString(b, off)
		if err != nil {
			return mf, err
		}
		off = next
		mf.Files = append(mf.Files, MetaFileEntry{ID: id, Path: path})
	}

	nFunctions := int(binary.LittleEndian.Uint32(b[off : off+4]))
	off += 4
	for i := 0; i < nFunctions; i++ {
		id := profile.FunctionID(binary.LittleEndian.Uint32(b[off : off+4]))
		off += 4
		name, next, err := getString(b, off)
		if err != nil {
			return mf, err
		}
		off = next
		fileID := profile.FileID(binary.LittleEndian.Uint32(b[off : off+4]))
		off += 4
		line := binary.LittleEndian.Uint32(b[off : off+4])
		off += 4
		lm := profile.LoadModuleID(binary.LittleEndian.Uint32(b[off : off+4]))
		off += 4
		offset := binary.LittleEndian.Uint64(b[off : off+8])
		off += 8
		mf.Functions = append(mf.Functions, MetaFunction{ID: id, Name: name, FileID: fileID, Line: line, LoadModuleID: lm, Offset: offset})
	}

	nContexts := int(binary.LittleEndian.Uint32(b[off : off+4]))
	off += 4
	for i := 0; i < nContexts; i++ {
		id := profile.ContextID(binary.LittleEndian.Uint32(b[off : off+4]))
		off += 4
		parent := profile.ContextID(binary.LittleEndian.Uint32(b[off : off+4]))
		off += 4
		rel := profile.Relation(b[off])
		off++
		n := int(b[off])
		off++
		payload := append([]byte(nil), b[off:off+n]...)
		off += n
		mf.Contexts = append(mf.Contexts, MetaContext{ID: id, ParentID: parent, Relation: rel, Payload: payload})
	}

	if off+4 <= len(b) {
		nExtra := int(binary.LittleEndian.Uint32(b[off : off+4]))
		off += 4
		for i := 0; i < nExtra; i++ {
			id := profile.ExtraStatisticID(binary.LittleEndian.Uint16(b[off : off+2]))
			off += 2
			name, next, err := getString(b, off)
			if err != nil {
				return mf, err
			}
			off = next
			nInputs := int(b[off])
			off++
			inputs := make([]string, nInputs)
			for j := range inputs {
				in, next, err := getString(b, off)
				if err != nil {
					return mf, err
				}
				off = next
				inputs[j] = in
			}
			formula, next, err := getString(b, off)
			if err != nil {
				return mf, err
			}
			off = next
			mf.ExtraStatistics = append(mf.ExtraStatistics, MetaExtraStatistic{ID: id, Name: name, Inputs: inputs, Formula: formula})
		}
	}

	return mf, nil
}

// ProfileEntry is one decoded profile.db directory entry plus its sparse
// value_block.
type ProfileEntry struct {
	Tuple profile.IdentifierTuple
	Block ValueBlock
}

// DecodeProfile parses a profile.db body.
func DecodeProfile(b []byte) ([]ProfileEntry, error) {
	off := 0
	if off+4 > len(b) {
		return nil, fmt.Errorf("sparsedb: truncated profile directory count")
	}
	n := int(binary.LittleEndian.Uint32(b[off : off+4]))
	off += 4

	type dirRow struct {
		tuple  profile.IdentifierTuple
		offset uint64
		size   uint64
	}
	rows := make([]dirRow, 0, n)
	for i := 0; i < n; i++ {
		nComponents := int(b[off])
		off++
		tuple := make(profile.IdentifierTuple, nComponents)
		for j := range tuple {
			kind := profile.ThreadKind(b[off])
			off++
			phys := binary.LittleEndian.Uint32(b[off : off+4])
			off += 4
			log := binary.LittleEndian.Uint32(b[off : off+4])
			off += 4
			tuple[j] = profile.IdentifierComponent{Kind: kind, PhysicalID: phys, LogicalID: log}
		}
		blkOffset := binary.LittleEndian.Uint64(b[off : off+8])
		off += 8
		blkSize := binary.LittleEndian.Uint64(b[off : off+8])
		off += 8
		rows = append(rows, dirRow{tuple: tuple, offset: blkOffset, size: blkSize})
	}

	blocksStart := off
	entries := make([]ProfileEntry, 0, len(rows))
	for _, r := range rows {
		start := blocksStart + int(r.offset)
		end := start + int(r.size)
		if end > len(b) {
			return nil, fmt.Errorf("sparsedb: profile value_block out of bounds")
		}
		vb, err := DecodeValueBlock(b[start:end])
		if err != nil {
			return nil, err
		}
		entries = append(entries, ProfileEntry{Tuple: r.tuple, Block: vb})
	}
	return entries, nil
}

// DecodeCct parses a cct.db body: the single composite value_block this
// writer emits (see CctWriter's doc comment).
func DecodeCct(b []byte) (ValueBlock, error) {
	return DecodeValueBlock(b)
}

// TraceDirEntry is one decoded trace.db thread directory row.
type TraceDirEntry struct {
	ProfInfoIdx uint32
	StartOffset uint64
	EndOffset   uint64
	MinTime     uint64
	MaxTime     uint64
	Disorder    bool
}

// DecodeTrace parses a trace.db body into its directory and the flat
// (timestamp, context) record stream referenced by each entry's
// [StartOffset, EndOffset) byte range.
func DecodeTrace(b []byte) ([]TraceDirEntry, []byte, error) {
	off := 0
	if off+4 > len(b) {
		return nil, nil, fmt.Errorf("sparsedb: truncated trace directory count")
	}
	n := int(binary.LittleEndian.Uint32(b[off : off+4]))
	off += 4
	entries := make([]TraceDirEntry, 0, n)
	for i := 0; i < n; i++ {
		if off+37 > len(b) {
			return nil, nil, fmt.Errorf("sparsedb: truncated trace directory entry %d", i)
		}
		e := TraceDirEntry{
			ProfInfoIdx: binary.LittleEndian.Uint32(b[off : off+4]),
			StartOffset: binary.LittleEndian.Uint64(b[off+4 : off+12]),
			EndOffset:   binary.LittleEndian.Uint64(b[off+12 : off+20]),
			MinTime:     binary.LittleEndian.Uint64(b[off+20 : off+28]),
			MaxTime:     binary.LittleEndian.Uint64(b[off+28 : off+36]),
			Disorder:    b[off+36] != 0,
		}
		off += 37
		entries = append(entries, e)
	}
	return entries, b[off:], nil
}

// DecodeTraceRecords reads the (timestamp:u64, context:u32) records in
// byte range [start, end) of a trace.db record stream.
func DecodeTraceRecords(stream []byte, start, end uint64) ([]struct {
	TimestampNS uint64
	ContextID   uint32
}, error) {
	if end > uint64(len(stream)) || start > end {
		return nil, fmt.Errorf("sparsedb: trace record range out of bounds")
	}
	var out []struct {
		TimestampNS uint64
		ContextID   uint32
	}
	for off := start; off < end; off += 12 {
		out = append(out, struct {
			TimestampNS uint64
			ContextID   uint32
		}{
			TimestampNS: binary.LittleEndian.Uint64(stream[off : off+8]),
			ContextID:   binary.LittleEndian.Uint32(stream[off+8 : off+12]),
		})
	}
	return out, nil
}
