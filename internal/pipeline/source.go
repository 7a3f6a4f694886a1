package pipeline

import "context"

// Source is one measurement stream's ingestion worker (§2's "data flow").
// Each Source runs in its own worker and emits attribution events to the
// Driver through the Ops it exposes.
type Source interface {
	Name() string
	// Provides is the union of DataClasses this source may emit.
	Provides() DataClass
	// Requires is the union of DataClasses this source must observe
	// fired before it may start producing (rare; most sources require
	// nothing).
	Requires() DataClass
	Run(ctx context.Context, ops Ops) error
}

// Sink is one output artifact's consumer (§2). A Sink is notified once per
// wavefront it Accepts, then Write is called exactly once after every
// source has completed.
type Sink interface {
	Name() string
	// Accepts is the union of DataClasses this sink wants Notify calls
	// for.
	Accepts() DataClass
	// Demands is the union of DataClasses that must be producible by at
	// least one registered source, or the pipeline refuses to start.
	Demands() DataClass
	Notify(class DataClass) error
	Write() error
}
