package support

import "sync"

// Ragged is a per-entity user-data vector whose slots are lazily
// initialized, one time each, independent of other slots (§5's "ragged
// per-entity user-data vectors use a one-time lazy initializer per slot").
// Grounded on sync.Once/sync.Pool idioms used throughout
// internal/memorystore (e.g. bufferPool), generalized to a per-index Once.
type Ragged[T any] struct {
	mu    sync.Mutex
	slots []*raggedSlot[T]
}

type raggedSlot[T any] struct {
	once  sync.Once
	value T
}

func NewRagged[T any]() *Ragged[T] {
	return &Ragged[T]{}
}

// Get returns the value at index, initializing it with makeValue the first
// time it is observed. Initialization of distinct indices runs
// independently; every call briefly takes r's mutex to locate its slot.
func (r *Ragged[T]) Get(index int, makeValue func() T) *T {
	slot := r.slotFor(index)
	slot.once.Do(func() {
		slot.value = makeValue()
	})
	return &slot.value
}

func (r *Ragged[T]) slotFor(index int) *raggedSlot[T] {
	r.mu.Lock()
	defer r.mu.Unlock()
	if index >= len(r.slots) {
		grown := make([]*raggedSlot[T], index+1)
		copy(grown, r.slots)
		r.slots = grown
	}
	if r.slots[index] == nil {
		r.slots[index] = &raggedSlot[T]{}
	}
	return r.slots[index]
}

// Len returns the number of slots ever addressed (not all are necessarily
// initialized if Get was never called for every index).
func (r *Ragged[T]) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.slots)
}
