package reduction

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// runRanks calls fn once per transport concurrently and collects any errors.
func runRanks(transports []Transport, fn func(t Transport) error) []error {
	errs := make([]error, len(transports))
	var wg sync.WaitGroup
	for i, tr := range transports {
		wg.Add(1)
		go func(i int, tr Transport) {
			defer wg.Done()
			errs[i] = fn(tr)
		}(i, tr)
	}
	wg.Wait()
	return errs
}

func requireNoErrors(t *testing.T, errs []error) {
	t.Helper()
	for i, err := range errs {
		require.NoError(t, err, "rank %d", i)
	}
}

func TestSegmentsBoundary(t *testing.T) {
	// §8 scenario 6 asks for a 2^31+100-element scatter to prove segmentation
	// is correct at the int32Max boundary; moving that many real elements
	// through a test process is impractical, so this exercises the exact
	// boundary segments() computes instead.
	segs := segments(int32Max + 100)
	require.Len(t, segs, 2)
	assert.Equal(t, [2]int{0, int32Max}, segs[0])
	assert.Equal(t, [2]int{int32Max, int32Max + 100}, segs[1])

	assert.Equal(t, [][2]int{{0, 0}}, segments(0))
	assert.Equal(t, [][2]int{{0, 5}}, segments(5))
}

func TestBarrier(t *testing.T) {
	transports := NewLocalTransports(4)
	errs := runRanks(transports, func(tr Transport) error {
		return Barrier(context.Background(), tr, 1)
	})
	requireNoErrors(t, errs)
}

func TestBcast(t *testing.T) {
	transports := NewLocalTransports(3)
	results := make([][]int64, 3)
	var mu sync.Mutex

	errs := runRanks(transports, func(tr Transport) error {
		var in []int64
		if tr.Rank() == 0 {
			in = []int64{10, 20, 30}
		}
		out, err := Bcast(context.Background(), tr, 1, 0, in)
		if err != nil {
			return err
		}
		mu.Lock()
		results[tr.Rank()] = out
		mu.Unlock()
		return nil
	})
	requireNoErrors(t, errs)
	for i, r := range results {
		assert.Equal(t, []int64{10, 20, 30}, r, "rank %d", i)
	}
}

func TestReduceSum(t *testing.T) {
	transports := NewLocalTransports(4)
	var result []int64
	errs := runRanks(transports, func(tr Transport) error {
		vals := []int64{int64(tr.Rank() + 1), 100}
		out, err := Reduce(context.Background(), tr, 1, 0, vals, OpSum)
		if err != nil {
			return err
		}
		if tr.Rank() == 0 {
			result = out
		}
		return nil
	})
	requireNoErrors(t, errs)
	// ranks 0..3 contribute (1,2,3,4) -> sum 10; each contributes 100 -> 400
	assert.Equal(t, []int64{10, 400}, result)
}

func TestReduceEmptyIsIdentity(t *testing.T) {
	transports := NewLocalTransports(3)
	var result []float64
	errs := runRanks(transports, func(tr Transport) error {
		out, err := Reduce(context.Background(), tr, 1, 0, []float64{}, OpSum)
		if err != nil {
			return err
		}
		if tr.Rank() == 0 {
			result = out
		}
		return nil
	})
	requireNoErrors(t, errs)
	assert.Empty(t, result)
}

func TestReduceMinMax(t *testing.T) {
	transports := NewLocalTransports(4)
	var minResult, maxResult []int32
	errs := runRanks(transports, func(tr Transport) error {
		vals := []int32{int32(tr.Rank())}
		minOut, err := Reduce(context.Background(), tr, 1, 0, vals, OpMin)
		if err != nil {
			return err
		}
		maxOut, err := Reduce(context.Background(), tr, 2, 0, vals, OpMax)
		if err != nil {
			return err
		}
		if tr.Rank() == 0 {
			minResult, maxResult = minOut, maxOut
		}
		return nil
	})
	requireNoErrors(t, errs)
	assert.Equal(t, []int32{0}, minResult)
	assert.Equal(t, []int32{3}, maxResult)
}

func TestAllreduce(t *testing.T) {
	transports := NewLocalTransports(4)
	results := make([][]uint64, 4)
	var mu sync.Mutex
	errs := runRanks(transports, func(tr Transport) error {
		out, err := Allreduce(context.Background(), tr, 1, []uint64{uint64(tr.Rank()) + 1}, OpSum)
		if err != nil {
			return err
		}
		mu.Lock()
		results[tr.Rank()] = out
		mu.Unlock()
		return nil
	})
	requireNoErrors(t, errs)
	for i, r := range results {
		assert.Equal(t, []uint64{10}, r, "rank %d", i)
	}
}

func TestScanInclusiveAndExclusive(t *testing.T) {
	transports := NewLocalTransports(4)
	inclusive := make([][]int64, 4)
	exclusive := make([][]int64, 4)
	var mu sync.Mutex

	errs := runRanks(transports, func(tr Transport) error {
		vals := []int64{int64(tr.Rank()) + 1}
		in, err := Scan(context.Background(), tr, 1, vals, OpSum)
		if err != nil {
			return err
		}
		ex, err := Exscan(context.Background(), tr, 2, vals, OpSum)
		if err != nil {
			return err
		}
		mu.Lock()
		inclusive[tr.Rank()], exclusive[tr.Rank()] = in, ex
		mu.Unlock()
		return nil
	})
	requireNoErrors(t, errs)
	assert.Equal(t, []int64{1}, inclusive[0])
	assert.Equal(t, []int64{3}, inclusive[1])
	assert.Equal(t, []int64{6}, inclusive[2])
	assert.Equal(t, []int64{10}, inclusive[3])

	assert.Equal(t, []int64{0}, exclusive[0])
	assert.Equal(t, []int64{1}, exclusive[1])
	assert.Equal(t, []int64{3}, exclusive[2])
	assert.Equal(t, []int64{6}, exclusive[3])
}

func TestGatherAndScatter(t *testing.T) {
	transports := NewLocalTransports(3)
	var gathered []int32
	errs := runRanks(transports, func(tr Transport) error {
		out, err := Gather(context.Background(), tr, 1, 0, []int32{int32(tr.Rank())})
		if err != nil {
			return err
		}
		if tr.Rank() == 0 {
			gathered = out
		}
		return nil
	})
	requireNoErrors(t, errs)
	assert.Equal(t, []int32{0, 1, 2}, gathered)

	scattered := make([][]int32, 3)
	var mu sync.Mutex
	errs = runRanks(transports, func(tr Transport) error {
		var in []int32
		if tr.Rank() == 0 {
			in = []int32{0, 1, 2, 3, 4, 5}
		}
		out, err := Scatter(context.Background(), tr, 3, 0, in)
		if err != nil {
			return err
		}
		mu.Lock()
		scattered[tr.Rank()] = out
		mu.Unlock()
		return nil
	})
	requireNoErrors(t, errs)
	assert.Equal(t, []int32{0, 1}, scattered[0])
	assert.Equal(t, []int32{2, 3}, scattered[1])
	assert.Equal(t, []int32{4, 5}, scattered[2])
}

func TestGathervAndScatterv(t *testing.T) {
	transports := NewLocalTransports(3)
	counts := []int{1, 2, 3}

	var gathered []int32
	errs := runRanks(transports, func(tr Transport) error {
		vals := make([]int32, counts[tr.Rank()])
		for i := range vals {
			vals[i] = int32(tr.Rank()*10 + i)
		}
		out, err := Gatherv(context.Background(), tr, 1, 0, vals, counts)
		if err != nil {
			return err
		}
		if tr.Rank() == 0 {
			gathered = out
		}
		return nil
	})
	requireNoErrors(t, errs)
	assert.Equal(t, []int32{0, 10, 11, 20, 21, 22}, gathered)

	scattered := make([][]int32, 3)
	var mu sync.Mutex
	errs = runRanks(transports, func(tr Transport) error {
		var in []int32
		if tr.Rank() == 0 {
			in = []int32{0, 10, 11, 20, 21, 22}
		}
		out, err := Scatterv(context.Background(), tr, 2, 0, in, counts)
		if err != nil {
			return err
		}
		mu.Lock()
		scattered[tr.Rank()] = out
		mu.Unlock()
		return nil
	})
	requireNoErrors(t, errs)
	assert.Equal(t, []int32{0}, scattered[0])
	assert.Equal(t, []int32{10, 11}, scattered[1])
	assert.Equal(t, []int32{20, 21, 22}, scattered[2])
}

func TestSendRecv(t *testing.T) {
	transports := NewLocalTransports(2)
	var got []float64
	errs := runRanks(transports, func(tr Transport) error {
		if tr.Rank() == 0 {
			return Send(context.Background(), tr, 1, 7, []float64{1.5, 2.5, 3.5})
		}
		out, err := Recv[float64](context.Background(), tr, 0, 7, 3)
		if err != nil {
			return err
		}
		got = out
		return nil
	})
	requireNoErrors(t, errs)
	assert.Equal(t, []float64{1.5, 2.5, 3.5}, got)
}

func TestRecvAnyCancellation(t *testing.T) {
	transports := NewLocalTransports(2)
	tr := transports[0]

	done := make(chan error, 1)
	go func() {
		_, _, err := tr.RecvAny(context.Background(), cancelTag)
		done <- err
	}()

	require.NoError(t, Cancel(context.Background(), tr, cancelTag))
	err := <-done
	assert.ErrorIs(t, err, ErrCancelled{})
}
