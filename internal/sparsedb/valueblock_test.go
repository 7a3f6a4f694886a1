package sparsedb

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ClusterCockpit/cc-profdb/internal/profile"
)

func TestValueBlockRoundTrip(t *testing.T) {
	vb := FromPerMetric(
		[]profile.MetricID{1, 2},
		map[profile.MetricID][]ValuePair{
			1: {{ProfIndex: 0, Value: 1.5}, {ProfIndex: 2, Value: -3.25}},
			2: {{ProfIndex: 1, Value: 0}},
		},
	)

	encoded := vb.Encode()
	decoded, err := DecodeValueBlock(encoded)
	require.NoError(t, err)

	assert.Equal(t, vb.Values, decoded.Values)
	assert.Equal(t, vb.MetricIndices, decoded.MetricIndices)

	reencoded := decoded.Encode()
	assert.Equal(t, encoded, reencoded, "encode(decode(b)) must equal b byte-for-byte")
}

func TestValueBlockEmpty(t *testing.T) {
	vb := FromPerMetric(nil, nil)
	encoded := vb.Encode()
	decoded, err := DecodeValueBlock(encoded)
	require.NoError(t, err)
	assert.Empty(t, decoded.Values)
	assert.Empty(t, decoded.MetricIndices)
}

func TestHeaderClassification(t *testing.T) {
	h := Header{Tag: TagMeta, Major: MajorVersion, Minor: MinorVersion}
	assert.Equal(t, CompatExact, h.Classify(TagMeta))

	newer := Header{Tag: TagMeta, Major: MajorVersion, Minor: MinorVersion + 1}
	assert.Equal(t, CompatForward, newer.Classify(TagMeta))

	wrongMajor := Header{Tag: TagMeta, Major: MajorVersion + 1, Minor: MinorVersion}
	assert.Equal(t, CompatInvalid, wrongMajor.Classify(TagMeta))

	decoded, err := DecodeHeader(h.Encode())
	require.NoError(t, err)
	assert.Equal(t, h, decoded)
}
