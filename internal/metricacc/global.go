package metricacc

import (
	"sync"

	"github.com/ClusterCockpit/cc-profdb/internal/profile"
)

type statKey struct {
	Context profile.ContextID
	Metric  profile.MetricID
}

// GlobalTable owns every StatisticAccumulator, one per (Context, Metric)
// pair, shared and combined across all threads (§3: "StatisticAccumulator.
// Bound 1:1 to a (Context, Metric) pair and owned by the Context").
// Grounded on the teacher's uniqued-registry idiom (internal/support's
// LockedMap, itself grounded on internal/memorystore/level.go).
type GlobalTable struct {
	mu    sync.RWMutex
	stats map[statKey]*StatisticAccumulator
}

func NewGlobalTable() *GlobalTable {
	return &GlobalTable{stats: make(map[statKey]*StatisticAccumulator)}
}

// GetOrCreate returns the StatisticAccumulator for (ctx, metricID),
// allocating numPartials StatisticPartialAccumulators the first time it is
// observed.
func (g *GlobalTable) GetOrCreate(ctx profile.ContextID, metricID profile.MetricID, numPartials int) *StatisticAccumulator {
	key := statKey{Context: ctx, Metric: metricID}

	g.mu.RLock()
	if sa, ok := g.stats[key]; ok {
		g.mu.RUnlock()
		return sa
	}
	g.mu.RUnlock()

	g.mu.Lock()
	defer g.mu.Unlock()
	if sa, ok := g.stats[key]; ok {
		return sa
	}
	sa := NewStatisticAccumulator(numPartials)
	g.stats[key] = sa
	return sa
}

// Get returns the StatisticAccumulator for (ctx, metricID) if it has ever
// been created.
func (g *GlobalTable) Get(ctx profile.ContextID, metricID profile.MetricID) (*StatisticAccumulator, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	sa, ok := g.stats[key(ctx, metricID)]
	return sa, ok
}

func key(ctx profile.ContextID, metricID profile.MetricID) statKey {
	return statKey{Context: ctx, Metric: metricID}
}
