// Copyright (C) ClusterCockpit.
// All rights reserved. This file is part of cc-profdb.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package pipeline

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/ClusterCockpit/cc-profdb/internal/cct"
	"github.com/ClusterCockpit/cc-profdb/internal/metricacc"
	"github.com/ClusterCockpit/cc-profdb/internal/profile"
	"github.com/ClusterCockpit/cc-profdb/internal/support"
)

// DefaultReorderWindow is the depth of the per-thread streaming-sort
// buffer used for ctx_timepoint_add (§4.4). Large enough to absorb the
// sampler's usual scheduling jitter without materializing a whole trace
// in memory.
const DefaultReorderWindow = 4096

// Driver owns the lifetime of every globally-uniqued entity (Metrics,
// ExtraStatistics, Modules, Files, Functions, Contexts, Threads) and
// schedules sources and sinks, materializing wavefronts (§4.1).
type Driver struct {
	ReorderWindow int

	sources []Source
	sinks   []Sink

	tree       *cct.Tree
	statsTable *metricacc.GlobalTable

	metrics      *support.LockedMap[string, *profile.Metric]
	extraStats   *support.LockedMap[string, *profile.ExtraStatistic]
	modules      *support.LockedMap[string, *profile.LoadModule]
	files        *support.LockedMap[string, *profile.File]
	functions    *support.LockedMap[string, profile.FunctionID]
	functionList *support.LockedMap[profile.FunctionID, *profile.Function]

	threadsMu sync.Mutex
	threads   map[string]*threadEntry
	nextTID   atomic.Uint32

	nextModuleID   atomic.Uint32
	nextFileID     atomic.Uint32
	nextFunctionID atomic.Uint32
	nextMetricID   atomic.Uint32
	nextExtraID    atomic.Uint32

	attrsMu sync.Mutex
	attrs   profile.Attributes

	wave *wavefrontSet

	sourcesMu sync.Mutex
	remaining map[string]DataClass

	sortBuffersMu sync.Mutex
	sortBuffers   map[profile.ThreadID]*support.StreamSort

	traceSinks []TraceSink
}

type threadEntry struct {
	thread profile.Thread
	temp   *metricacc.PerThreadTemporary
}

func NewDriver() *Driver {
	d := &Driver{
		ReorderWindow: DefaultReorderWindow,
		tree:          cct.NewTree(),
		statsTable:    metricacc.NewGlobalTable(),
		metrics:       support.NewLockedMap[string, *profile.Metric](),
		extraStats:    support.NewLockedMap[string, *profile.ExtraStatistic](),
		modules:       support.NewLockedMap[string, *profile.LoadModule](),
		files:         support.NewLockedMap[string, *profile.File](),
		functions:     support.NewLockedMap[string, profile.FunctionID](),
		functionList:  support.NewLockedMap[profile.FunctionID, *profile.Function](),
		threads:       make(map[string]*threadEntry),
		wave:          newWavefrontSet(),
		remaining:     make(map[string]DataClass),
		sortBuffers:   make(map[profile.ThreadID]*support.StreamSort),
	}
	// Placeholder load module id 0 is reserved (§4.2); insert it eagerly so
	// the real first registered module never collides with it.
	d.modules.GetOrInsert("", func() *profile.LoadModule {
		return &profile.LoadModule{ID: profile.PlaceholderLoadModuleID, Path: ""}
	})
	d.nextModuleID.Store(1)
	return d
}

// RegisterSource adds a Source to the pipeline. Must be called before Run.
func (d *Driver) RegisterSource(s Source) {
	d.sources = append(d.sources, s)
}

// RegisterSink adds a Sink to the pipeline, in the order its Notify calls
// within any shared class will be delivered. Must be called before Run.
func (d *Driver) RegisterSink(s Sink) {
	d.sinks = append(d.sinks, s)
	if ts, ok := s.(TraceSink); ok {
		d.traceSinks = append(d.traceSinks, ts)
	}
}

// Run schedules every registered Source as a concurrent worker, fires
// wavefronts as classes stop being producible, and finally invokes every
// Sink's Write once all sources have completed (§4.1).
func (d *Driver) Run(ctx context.Context) error {
	if err := d.checkDemands(); err != nil {
		return err
	}

	d.sourcesMu.Lock()
	for _, s := range d.sources {
		d.remaining[s.Name()] = s.Provides()
	}
	d.sourcesMu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	for _, s := range d.sources {
		s := s
		g.Go(func() error {
			if req := s.Requires(); req != 0 {
				if err := d.wave.wait(gctx, req); err != nil {
					d.sourceDone(s.Name())
					return err
				}
			}
			err := s.Run(gctx, d)
			d.sourceDone(s.Name())
			if err != nil {
				return profile.NewError(profile.SourceFormat, s.Name(), err)
			}
			return nil
		})
	}

	runErr := g.Wait()

	d.fireAllRemaining()
	if err := d.FlushAllTraces(); err != nil && runErr == nil {
		runErr = err
	}

	if runErr != nil {
		return runErr
	}

	for _, sink := range d.sinks {
		if err := sink.Write(); err != nil {
			return profile.NewError(profile.SinkIO, sink.Name(), err)
		}
	}
	return nil
}

func (d *Driver) checkDemands() error {
	provided := DataClass(0)
	for _, s := range d.sources {
		provided |= s.Provides()
	}
	for _, sink := range d.sinks {
		for _, bit := range Split(sink.Demands()) {
			if !provided.Has(bit) {
				return profile.NewError(profile.Invariant, "pipeline",
					fmt.Errorf("sink %q demands class %s, which no registered source provides", sink.Name(), bit))
			}
		}
	}
	return nil
}

// sourceDone removes name from the active-provides set and fires any
// wavefront no longer reachable from a remaining source (§4.1).
func (d *Driver) sourceDone(name string) {
	d.sourcesMu.Lock()
	delete(d.remaining, name)
	stillProvided := DataClass(0)
	for _, classes := range d.remaining {
		stillProvided |= classes
	}
	d.sourcesMu.Unlock()

	for _, bit := range Split(AllClasses) {
		if !stillProvided.Has(bit) {
			d.fireClass(bit)
		}
	}
}

func (d *Driver) fireAllRemaining() {
	for _, bit := range Split(AllClasses) {
		d.fireClass(bit)
	}
}

func (d *Driver) fireClass(class DataClass) {
	if d.wave.isFired(class) {
		return
	}
	d.wave.fire(class)
	for _, sink := range d.sinks {
		if sink.Accepts().Has(class) {
			_ = sink.Notify(class) // notification errors surface at Write
		}
	}
}

// WaitForClass blocks until class's wavefront has fired (§9).
func (d *Driver) WaitForClass(ctx context.Context, class DataClass) error {
	return d.wave.wait(ctx, class)
}

// FlushAllTraces flushes every registered thread's streaming-sort buffer,
// delivering its remaining buffered TimePoints to every TraceSink. Run
// calls this once all sources have completed; exposed directly for
// callers that drive the Ops methods without going through Run.
func (d *Driver) FlushAllTraces() error {
	for _, tid := range d.allThreadIDs() {
		if err := d.flushThreadTrace(tid); err != nil {
			return err
		}
	}
	return nil
}

func (d *Driver) allThreadIDs() []profile.ThreadID {
	d.threadsMu.Lock()
	defer d.threadsMu.Unlock()
	ids := make([]profile.ThreadID, 0, len(d.threads))
	for _, e := range d.threads {
		ids = append(ids, e.thread.ID)
	}
	return ids
}

// --- Ops implementation ---

func (d *Driver) AttributesAdd(attrs profile.Attributes) {
	d.attrsMu.Lock()
	defer d.attrsMu.Unlock()
	d.attrs.Merge(attrs)
}

func (d *Driver) InsertLoadModule(path string, hash [32]byte) *profile.LoadModule {
	lm, _ := d.modules.GetOrInsert(path, func() *profile.LoadModule {
		id := profile.LoadModuleID(d.nextModuleID.Add(1) - 1)
		return &profile.LoadModule{ID: id, Path: path, Hash: hash}
	})
	return lm
}

func (d *Driver) InsertFile(path string) *profile.File {
	f, _ := d.files.GetOrInsert(path, func() *profile.File {
		id := profile.FileID(d.nextFileID.Add(1) - 1)
		return &profile.File{ID: id, Path: path}
	})
	return f
}

func (d *Driver) InsertFunction(name string, file profile.FileID, line uint32, lm profile.LoadModuleID, offset uint64) *profile.Function {
	key := fmt.Sprintf("%s\x00%d\x00%d\x00%d\x00%d", name, file, line, lm, offset)
	id, _ := d.functions.GetOrInsert(key, func() profile.FunctionID {
		return profile.FunctionID(d.nextFunctionID.Add(1) - 1)
	})
	fn, _ := d.functionList.GetOrInsert(id, func() *profile.Function {
		return &profile.Function{ID: id, Name: name, FileID: file, Line: line, LoadModuleID: lm, Offset: offset}
	})
	return fn
}

func (d *Driver) ContextInsert(parent profile.ContextID, relation profile.Relation, scope profile.Scope) (profile.ContextID, error) {
	return d.tree.Insert(parent, relation, scope)
}

func (d *Driver) ThreadAdd(tuple profile.IdentifierTuple) (profile.Thread, *metricacc.PerThreadTemporary) {
	key := tuple.Key()

	d.threadsMu.Lock()
	defer d.threadsMu.Unlock()
	if e, ok := d.threads[key]; ok {
		return e.thread, e.temp
	}

	id := profile.ThreadID(d.nextTID.Add(1) - 1)
	thread := profile.Thread{ID: id, Tuple: tuple}
	temp := metricacc.NewPerThreadTemporary(thread)
	d.threads[key] = &threadEntry{thread: thread, temp: temp}

	d.sortBuffersMu.Lock()
	d.sortBuffers[id] = support.NewStreamSort(d.ReorderWindow, func(tp support.TimePoint) error {
		for _, ts := range d.traceSinks {
			if err := ts.Observe(id, tp); err != nil {
				return err
			}
		}
		return nil
	})
	d.sortBuffersMu.Unlock()

	return thread, temp
}

func (d *Driver) MetricAdd(name, description string, scopes []profile.MetricScope) *profile.Metric {
	m, _ := d.metrics.GetOrInsert(name, func() *profile.Metric {
		id := profile.MetricID(d.nextMetricID.Add(1) - 1)
		return &profile.Metric{ID: id, Name: name, Description: description, Scopes: scopes}
	})
	return m
}

func (d *Driver) ExtraStatisticAdd(name string, inputs []string, formula string) (*profile.ExtraStatistic, error) {
	var buildErr error
	es, created := d.extraStats.GetOrInsert(name, func() *profile.ExtraStatistic {
		id := profile.ExtraStatisticID(d.nextExtraID.Add(1) - 1)
		e, err := profile.NewExtraStatistic(id, name, inputs, formula)
		if err != nil {
			buildErr = err
			return nil
		}
		return e
	})
	if created && buildErr != nil {
		return nil, buildErr
	}
	return es, nil
}

func (d *Driver) ValueAdd(pt *metricacc.PerThreadTemporary, ctx profile.ContextID, metric profile.MetricID, value float64) {
	pt.AddValue(ctx, metric, value)
}

func (d *Driver) CtxTimepointAdd(pt *metricacc.PerThreadTemporary, nanoseconds uint64, ctx profile.ContextID) error {
	d.sortBuffersMu.Lock()
	ss, ok := d.sortBuffers[pt.Thread.ID]
	d.sortBuffersMu.Unlock()
	if !ok {
		return profile.NewError(profile.Invariant, "pipeline", fmt.Errorf("ctx_timepoint_add: thread %d not registered", pt.Thread.ID))
	}
	return ss.Push(support.TimePoint{TimestampNS: nanoseconds, ContextID: uint32(ctx)})
}

func (d *Driver) flushThreadTrace(id profile.ThreadID) error {
	d.sortBuffersMu.Lock()
	ss, ok := d.sortBuffers[id]
	d.sortBuffersMu.Unlock()
	if !ok {
		return nil
	}
	return ss.Flush()
}

// ThreadHasUnboundedDisorder reports whether thread's ctx_timepoint_add
// stream ever exceeded the reorder window (§4.4), for trace.db's writer to
// flag in its directory entry.
func (d *Driver) ThreadHasUnboundedDisorder(id profile.ThreadID) bool {
	d.sortBuffersMu.Lock()
	ss, ok := d.sortBuffers[id]
	d.sortBuffersMu.Unlock()
	if !ok {
		return false
	}
	return ss.UnboundedDisorder()
}

func (d *Driver) NotifyThreadFinal(pt *metricacc.PerThreadTemporary) error {
	metrics := d.metrics.Values()
	byID := make(map[profile.MetricID]*profile.Metric, len(metrics))
	for _, m := range metrics {
		byID[m.ID] = m
	}
	return pt.Finalize(d.tree, byID, d.statsTable)
}

// FiredClasses reports every DataClass bit whose wavefront has fired so
// far, for progress reporting (housekeep's heartbeat job).
func (d *Driver) FiredClasses() DataClass { return d.wave.firedSnapshot() }

// SourcesRunning reports how many registered Sources have not yet called
// sourceDone, for progress reporting (housekeep's heartbeat job).
func (d *Driver) SourcesRunning() int {
	d.sourcesMu.Lock()
	defer d.sourcesMu.Unlock()
	return len(d.remaining)
}

func (d *Driver) Tree() *cct.Tree                      { return d.tree }
func (d *Driver) StatsTable() *metricacc.GlobalTable   { return d.statsTable }
func (d *Driver) Attributes() profile.Attributes       { d.attrsMu.Lock(); defer d.attrsMu.Unlock(); return d.attrs }
func (d *Driver) Metrics() []*profile.Metric           { return d.metrics.Values() }
func (d *Driver) ExtraStatistics() []*profile.ExtraStatistic { return d.extraStats.Values() }
func (d *Driver) Modules() []*profile.LoadModule       { return d.modules.Values() }
func (d *Driver) Files() []*profile.File               { return d.files.Values() }
func (d *Driver) Functions() []*profile.Function       { return d.functionList.Values() }
func (d *Driver) Threads() []profile.Thread {
	d.threadsMu.Lock()
	defer d.threadsMu.Unlock()
	out := make([]profile.Thread, 0, len(d.threads))
	for _, e := range d.threads {
		out = append(out, e.thread)
	}
	return out
}

// ThreadTemporaries exposes every registered Thread's finalized
// accumulator buffer, for the profile.db writer (§4.4).
func (d *Driver) ThreadTemporaries() []*metricacc.PerThreadTemporary {
	d.threadsMu.Lock()
	defer d.threadsMu.Unlock()
	out := make([]*metricacc.PerThreadTemporary, 0, len(d.threads))
	for _, e := range d.threads {
		out = append(out, e.temp)
	}
	return out
}
