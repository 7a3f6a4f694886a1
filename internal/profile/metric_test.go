package profile

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatisticPartialAccumulate(t *testing.T) {
	p, err := (&Metric{}).AddPartial(PartialSpec{AccumulateExpr: "x*x", Combine: CombineSum})
	require.NoError(t, err)

	v, err := p.Accumulate(3)
	require.NoError(t, err)
	assert.Equal(t, 9.0, v)
}

func TestMetricFreezesAfterPartial(t *testing.T) {
	m := &Metric{Name: "cycles"}
	assert.False(t, m.Frozen())

	_, err := m.AddPartial(PartialSpec{AccumulateExpr: "x", Combine: CombineSum})
	require.NoError(t, err)
	assert.True(t, m.Frozen())
}

func TestStandardStatisticsMeanAndStddev(t *testing.T) {
	m := &Metric{Name: "cycles"}
	for _, spec := range StandardPartialSpecs() {
		_, err := m.AddPartial(spec)
		require.NoError(t, err)
	}
	require.NoError(t, AddStandardStatistics(m))

	require.Len(t, m.Statistics, 6)

	var mean, stddev *Statistic
	for _, s := range m.Statistics {
		switch s.Name {
		case "mean":
			mean = s
		case "stddev":
			stddev = s
		}
	}
	require.NotNil(t, mean)
	require.NotNil(t, stddev)

	// count=2, sum=10, sumsq=52 -> values 4 and 6
	partials := []float64{2, 10, 52, 4, 6}

	meanVal, err := mean.Finalize(partials)
	require.NoError(t, err)
	assert.Equal(t, 5.0, meanVal)

	stddevVal, err := stddev.Finalize(partials)
	require.NoError(t, err)
	assert.InDelta(t, 1.0, stddevVal, 1e-9)
}

func TestIdentifierRanges(t *testing.T) {
	id := Identifier{Base: 100}
	assert.Equal(t, uint64(100), id.ForMetric())
	assert.Equal(t, uint64(100+2*NumMetricScopes), id.ForPartial(2))
	assert.Equal(t, uint64(100+2*NumMetricScopes+int(MetricScopeExecution)), id.ForScope(2, MetricScopeExecution))
}
