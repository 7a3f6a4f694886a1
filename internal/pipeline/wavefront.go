package pipeline

import (
	"context"
	"sync"
)

// wavefrontSet tracks, per DataClass bit, whether its wavefront has fired,
// and lets callers block until it does. A single condition variable,
// shared by every class, is broadcast whenever any class fires; each
// waiter re-checks its own bits.
type wavefrontSet struct {
	mu    sync.Mutex
	cond  *sync.Cond
	fired DataClass
}

func newWavefrontSet() *wavefrontSet {
	w := &wavefrontSet{}
	w.cond = sync.NewCond(&w.mu)
	return w
}

// fire marks class as fired and wakes every waiter. A no-op if class was
// already fired (wavefronts fire at most once).
func (w *wavefrontSet) fire(class DataClass) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.fired.Has(class) {
		return
	}
	w.fired |= class
	w.cond.Broadcast()
}

// wait blocks until every bit of class has fired, or ctx is done.
func (w *wavefrontSet) wait(ctx context.Context, class DataClass) error {
	done := make(chan struct{})
	go func() {
		w.mu.Lock()
		defer w.mu.Unlock()
		for !w.fired.Has(class) {
			w.cond.Wait()
		}
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		// The waiting goroutine does not watch ctx: it stays blocked until
		// class fires (Driver.Run fires every class before returning), or
		// until process exit if it never fires.
		return ctx.Err()
	}
}

func (w *wavefrontSet) isFired(class DataClass) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.fired.Has(class)
}

// firedSnapshot returns every class bit fired so far, for progress
// reporting (housekeep's heartbeat job).
func (w *wavefrontSet) firedSnapshot() DataClass {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.fired
}
