package pipeline

import (
	"github.com/ClusterCockpit/cc-profdb/internal/profile"
	"github.com/ClusterCockpit/cc-profdb/internal/support"
)

// TraceSink is the optional capability a Sink implements to receive
// streamed timepoints as they arrive, rather than only at Write time
// (trace.db, §4.4). The Driver fans every ctx_timepoint_add call out to
// every registered TraceSink's Observe, through each thread's own bounded
// streaming-sort buffer.
type TraceSink interface {
	Sink
	Observe(thread profile.ThreadID, tp support.TimePoint) error
}
