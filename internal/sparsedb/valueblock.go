package sparsedb

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/ClusterCockpit/cc-profdb/internal/profile"
)

// ValuePair is one (profIndex, value) entry of a value_block's pValues
// array: 12 bytes on disk (§4.4).
type ValuePair struct {
	ProfIndex uint32
	Value     float64
}

// MetricIndexEntry is one (metricId, startIndex) entry of a value_block's
// pMetricIndices array: 10 bytes on disk. startIndex is the index into
// pValues at which metricId's contiguous run of values begins.
type MetricIndexEntry struct {
	MetricID   profile.MetricID
	StartIndex uint64
}

// ValueBlock is the sparse (metric, profile, value) relation shared by
// cct.db and profile.db (§4.4): values are grouped contiguously by metric.
type ValueBlock struct {
	Values        []ValuePair
	MetricIndices []MetricIndexEntry
}

const (
	valuePairSize  = 12
	metricIndexSize = 10
)

// FromPerMetric builds a ValueBlock from values already grouped by metric,
// in the metric order given by metricOrder. Each metric's values are
// appended contiguously and its StartIndex recorded.
func FromPerMetric(metricOrder []profile.MetricID, byMetric map[profile.MetricID][]ValuePair) ValueBlock {
	vb := ValueBlock{MetricIndices: make([]MetricIndexEntry, 0, len(metricOrder))}
	for _, id := range metricOrder {
		start := uint64(len(vb.Values))
		vb.MetricIndices = append(vb.MetricIndices, MetricIndexEntry{MetricID: id, StartIndex: start})
		vb.Values = append(vb.Values, byMetric[id]...)
	}
	return vb
}

// Encode serializes the block to its on-disk layout: the nValues/nMetrics
// header, followed by the pValues array, followed by the pMetricIndices
// array (offsets are filled in relative to the start of this block).
func (vb ValueBlock) Encode() []byte {
	headerSize := 8 + 8 + 2 + 8
	pValues := uint64(headerSize)
	pMetricIndices := pValues + uint64(len(vb.Values))*valuePairSize

	buf := make([]byte, pMetricIndices+uint64(len(vb.MetricIndices))*metricIndexSize)
	binary.LittleEndian.PutUint64(buf[0:8], uint64(len(vb.Values)))
	binary.LittleEndian.PutUint64(buf[8:16], pValues)
	binary.LittleEndian.PutUint16(buf[16:18], uint16(len(vb.MetricIndices)))
	binary.LittleEndian.PutUint64(buf[18:26], pMetricIndices)

	off := pValues
	for _, v := range vb.Values {
		binary.LittleEndian.PutUint32(buf[off:off+4], v.ProfIndex)
		binary.LittleEndian.PutUint64(buf[off+4:off+12], math.Float64bits(v.Value))
		off += valuePairSize
	}

	off = pMetricIndices
	for _, m := range vb.MetricIndices {
		binary.LittleEndian.PutUint16(buf[off:off+2], uint16(m.MetricID))
		binary.LittleEndian.PutUint64(buf[off+2:off+10], m.StartIndex)
		off += metricIndexSize
	}
	return buf
}

// DecodeValueBlock parses a value_block starting at offset 0 of b.
func DecodeValueBlock(b []byte) (ValueBlock, error) {
	if len(b) < 26 {
		return ValueBlock{}, fmt.Errorf("sparsedb: value_block header too short")
	}
	nValues := binary.LittleEndian.Uint64(b[0:8])
	pValues := binary.LittleEndian.Uint64(b[8:16])
	nMetrics := binary.LittleEndian.Uint16(b[16:18])
	pMetricIndices := binary.LittleEndian.Uint64(b[18:26])

	if pValues+nValues*valuePairSize > uint64(len(b)) {
		return ValueBlock{}, fmt.Errorf("sparsedb: value_block values array out of bounds")
	}
	if pMetricIndices+uint64(nMetrics)*metricIndexSize > uint64(len(b)) {
		return ValueBlock{}, fmt.Errorf("sparsedb: value_block metric index array out of bounds")
	}

	vb := ValueBlock{
		Values:        make([]ValuePair, nValues),
		MetricIndices: make([]MetricIndexEntry, nMetrics),
	}
	off := pValues
	for i := range vb.Values {
		vb.Values[i] = ValuePair{
			ProfIndex: binary.LittleEndian.Uint32(b[off : off+4]),
			Value:     math.Float64frombits(binary.LittleEndian.Uint64(b[off+4 : off+12])),
		}
		off += valuePairSize
	}
	off = pMetricIndices
	for i := range vb.MetricIndices {
		vb.MetricIndices[i] = MetricIndexEntry{
			MetricID:   profile.MetricID(binary.LittleEndian.Uint16(b[off : off+2])),
			StartIndex: binary.LittleEndian.Uint64(b[off+2 : off+10]),
		}
		off += metricIndexSize
	}
	return vb, nil
}
