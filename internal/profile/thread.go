package profile

import "strconv"

// ThreadKind is one tag of a Thread's identifier tuple.
type ThreadKind uint8

const (
	ThreadKindSummary ThreadKind = iota
	ThreadKindNode
	ThreadKindRank
	ThreadKindThread
	ThreadKindGPUDevice
	ThreadKindGPUContext
	ThreadKindGPUStream
	ThreadKindCore
)

func (k ThreadKind) String() string {
	switch k {
	case ThreadKindSummary:
		return "SUMMARY"
	case ThreadKindNode:
		return "NODE"
	case ThreadKindRank:
		return "RANK"
	case ThreadKindThread:
		return "THREAD"
	case ThreadKindGPUDevice:
		return "GPUDEVICE"
	case ThreadKindGPUContext:
		return "GPUCONTEXT"
	case ThreadKindGPUStream:
		return "GPUSTREAM"
	case ThreadKindCore:
		return "CORE"
	default:
		return "UNKNOWN"
	}
}

// IdentifierComponent is one (kind, physical_id, logical_id) triple of a
// Thread's identifier tuple.
type IdentifierComponent struct {
	Kind       ThreadKind
	PhysicalID uint32
	LogicalID  uint32
}

// IdentifierTuple is the global identity key of a Thread: two Threads are
// equal iff their tuples are equal, element for element and in order.
type IdentifierTuple []IdentifierComponent

func (t IdentifierTuple) Equal(o IdentifierTuple) bool {
	if len(t) != len(o) {
		return false
	}
	for i := range t {
		if t[i] != o[i] {
			return false
		}
	}
	return true
}

// Key returns a canonical string usable as a map key; two tuples produce the
// same key iff Equal reports true for them.
func (t IdentifierTuple) Key() string {
	buf := make([]byte, 0, len(t)*12)
	for _, c := range t {
		buf = append(buf, byte(c.Kind), '/')
		buf = strconv.AppendUint(buf, uint64(c.PhysicalID), 10)
		buf = append(buf, '.')
		buf = strconv.AppendUint(buf, uint64(c.LogicalID), 10)
		buf = append(buf, ';')
	}
	return string(buf)
}

// ThreadID is the stable integer identifier assigned to a Thread on first
// reference. Threads are never destroyed.
type ThreadID uint32

// Thread represents one measurement stream: an OS thread, an MPI rank, a GPU
// stream, or the synthetic summary thread.
type Thread struct {
	ID    ThreadID
	Tuple IdentifierTuple
}

// IsSummary reports whether this is the synthetic summary thread used to
// hold the sum-over-all-threads view.
func (t *Thread) IsSummary() bool {
	return len(t.Tuple) == 1 && t.Tuple[0].Kind == ThreadKindSummary
}
