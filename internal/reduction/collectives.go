package reduction

import (
	"context"
	"fmt"
)

// Barrier blocks until every rank has called Barrier under the same tag:
// rank 0 collects an empty message from every other rank, then releases
// them with an empty reply (§4.5).
func Barrier(ctx context.Context, t Transport, tag int) error {
	if t.Size() <= 1 {
		return nil
	}
	if t.Rank() == 0 {
		for r := 1; r < t.Size(); r++ {
			if _, err := t.RecvBytes(ctx, r, tag); err != nil {
				return err
			}
		}
		for r := 1; r < t.Size(); r++ {
			if err := t.SendBytes(ctx, r, tag, nil); err != nil {
				return err
			}
		}
		return nil
	}
	if err := t.SendBytes(ctx, 0, tag, nil); err != nil {
		return err
	}
	_, err := t.RecvBytes(ctx, 0, tag)
	return err
}

// Bcast delivers root's values to every rank, segmenting the wire transfer
// at int32Max elements (§4.5). Root sends the element count ahead of the
// data, so non-root callers' `values` argument is ignored; every caller,
// root included, receives the broadcast result.
func Bcast[T Numeric](ctx context.Context, t Transport, tag, root int, values []T) ([]T, error) {
	if t.Size() <= 1 {
		return values, nil
	}
	if t.Rank() == root {
		count := encode([]int64{int64(len(values))})
		for r := 0; r < t.Size(); r++ {
			if r == root {
				continue
			}
			if err := t.SendBytes(ctx, r, tag, count); err != nil {
				return nil, err
			}
		}
		for _, seg := range segments(len(values)) {
			chunk := encode(values[seg[0]:seg[1]])
			for r := 0; r < t.Size(); r++ {
				if r == root {
					continue
				}
				if err := t.SendBytes(ctx, r, tag, chunk); err != nil {
					return nil, err
				}
			}
		}
		return values, nil
	}
	count, err := recvSegmented[int64](ctx, t, root, tag, 1)
	if err != nil {
		return nil, err
	}
	return recvSegmented[T](ctx, t, root, tag, int(count[0]))
}

// recvSegmented receives n elements from src across as many segments as
// the sender used, reassembling them in order.
func recvSegmented[T Numeric](ctx context.Context, t Transport, src, tag, n int) ([]T, error) {
	out := make([]T, 0, n)
	for _, seg := range segments(n) {
		count := seg[1] - seg[0]
		b, err := t.RecvBytes(ctx, src, tag)
		if err != nil {
			return nil, err
		}
		vals, err := decode[T](b, count)
		if err != nil {
			return nil, err
		}
		out = append(out, vals...)
	}
	return out, nil
}

// Reduce combines every rank's values elementwise with op, leaving the
// result at root; other ranks receive a nil slice. An empty values slice
// reduces to an empty result (the identity, per §8's count=0 edge case).
func Reduce[T Numeric](ctx context.Context, t Transport, tag, root int, values []T, op Op) ([]T, error) {
	if t.Size() <= 1 {
		return values, nil
	}
	if t.Rank() != root {
		for _, seg := range segments(len(values)) {
			if err := t.SendBytes(ctx, root, tag, encode(values[seg[0]:seg[1]])); err != nil {
				return nil, err
			}
		}
		return nil, nil
	}

	acc := make([]T, len(values))
	copy(acc, values)
	for r := 0; r < t.Size(); r++ {
		if r == root {
			continue
		}
		theirs, err := recvSegmented[T](ctx, t, r, tag, len(values))
		if err != nil {
			return nil, err
		}
		for i := range acc {
			acc[i] = combine(op, acc[i], theirs[i])
		}
	}
	return acc, nil
}

// Allreduce is Reduce at rank 0 followed by a Bcast of the result back to
// every rank, including rank 0 itself (§4.5).
func Allreduce[T Numeric](ctx context.Context, t Transport, tag int, values []T, op Op) ([]T, error) {
	const root = 0
	result, err := Reduce(ctx, t, tag, root, values, op)
	if err != nil {
		return nil, err
	}
	return Bcast(ctx, t, tag, root, result)
}

// Scan computes, at each rank, the inclusive prefix-combine of every rank
// up to and including itself, propagated ring-fashion from rank 0 to rank
// size-1 (§4.5).
func Scan[T Numeric](ctx context.Context, t Transport, tag int, values []T, op Op) ([]T, error) {
	return scanRing(ctx, t, tag, values, op, true)
}

// Exscan is Scan's exclusive variant: rank 0's result is len(values) zero
// values (the identity for OpSum only), every other rank's result is the
// inclusive prefix of ranks strictly before it.
func Exscan[T Numeric](ctx context.Context, t Transport, tag int, values []T, op Op) ([]T, error) {
	return scanRing(ctx, t, tag, values, op, false)
}

// scanRing propagates each rank's inclusive prefix to the next rank over
// the wire, regardless of inclusive/exclusive mode, so min/max scans never
// need a synthetic identity element: rank 0 has nothing to combine with,
// so its forwarded value is simply its own contribution.
func scanRing[T Numeric](ctx context.Context, t Transport, tag int, values []T, op Op, inclusive bool) ([]T, error) {
	if t.Size() <= 1 {
		if inclusive {
			return values, nil
		}
		return make([]T, len(values)), nil
	}

	r := t.Rank()
	var exclusivePrefix []T // prefix of ranks [0, r)
	var inclusivePrefix []T // prefix of ranks [0, r]

	if r == 0 {
		exclusivePrefix = make([]T, len(values))
		inclusivePrefix = append([]T(nil), values...)
	} else {
		received, err := recvSegmented[T](ctx, t, r-1, tag, len(values))
		if err != nil {
			return nil, err
		}
		exclusivePrefix = received
		inclusivePrefix = make([]T, len(values))
		for i := range inclusivePrefix {
			inclusivePrefix[i] = combine(op, received[i], values[i])
		}
	}

	if r < t.Size()-1 {
		for _, seg := range segments(len(inclusivePrefix)) {
			if err := t.SendBytes(ctx, r+1, tag, encode(inclusivePrefix[seg[0]:seg[1]])); err != nil {
				return nil, err
			}
		}
	}

	if inclusive {
		return inclusivePrefix, nil
	}
	return exclusivePrefix, nil
}

// Gather collects every rank's equal-length values at root, concatenated
// in rank order (§4.5).
func Gather[T Numeric](ctx context.Context, t Transport, tag, root int, values []T) ([]T, error) {
	counts := make([]int, t.Size())
	for i := range counts {
		counts[i] = len(values)
	}
	return Gatherv[T](ctx, t, tag, root, values, counts)
}

// Gatherv collects variable per-rank counts at root. Displacements are
// derived from counts in rank order (§4.5's "pre-computed displacements").
func Gatherv[T Numeric](ctx context.Context, t Transport, tag, root int, values []T, recvCounts []int) ([]T, error) {
	if t.Rank() != root {
		for _, seg := range segments(len(values)) {
			if err := t.SendBytes(ctx, root, tag, encode(values[seg[0]:seg[1]])); err != nil {
				return nil, err
			}
		}
		return nil, nil
	}

	total := 0
	for _, c := range recvCounts {
		total += c
	}
	out := make([]T, 0, total)
	for r := 0; r < t.Size(); r++ {
		if r == root {
			out = append(out, values...)
			continue
		}
		theirs, err := recvSegmented[T](ctx, t, r, tag, recvCounts[r])
		if err != nil {
			return nil, err
		}
		out = append(out, theirs...)
	}
	return out, nil
}

// Scatter splits root's buffer into t.Size() equal shares and returns this
// rank's share (§4.5). len(values) must be a multiple of t.Size() at root;
// the per-rank count is broadcast from root so every rank can size its
// receive before Scatterv runs.
func Scatter[T Numeric](ctx context.Context, t Transport, tag, root int, values []T) ([]T, error) {
	var countIn [1]int32
	if t.Rank() == root {
		if t.Size() == 0 {
			return nil, fmt.Errorf("reduction: scatter: zero-size communicator")
		}
		countIn[0] = int32(len(values) / t.Size())
	}
	countOut, err := Bcast(ctx, t, tag, root, countIn[:])
	if err != nil {
		return nil, err
	}

	counts := make([]int, t.Size())
	for i := range counts {
		counts[i] = int(countOut[0])
	}
	return Scatterv[T](ctx, t, tag, root, values, counts)
}

// Scatterv splits root's buffer using per-rank counts and displacements
// derived from those counts in rank order, delivering this rank's share.
// sendCounts must be identical, and known, at every rank (mirroring how
// Gatherv's recvCounts work in reverse).
func Scatterv[T Numeric](ctx context.Context, t Transport, tag, root int, values []T, sendCounts []int) ([]T, error) {
	if len(sendCounts) != t.Size() {
		return nil, fmt.Errorf("reduction: scatterv: sendCounts has %d entries, want %d", len(sendCounts), t.Size())
	}
	if t.Rank() == root {
		disp := 0
		var mine []T
		for r := 0; r < t.Size(); r++ {
			chunk := values[disp : disp+sendCounts[r]]
			disp += sendCounts[r]
			if r == root {
				mine = append([]T(nil), chunk...)
				continue
			}
			for _, seg := range segments(len(chunk)) {
				if err := t.SendBytes(ctx, r, tag, encode(chunk[seg[0]:seg[1]])); err != nil {
					return nil, err
				}
			}
		}
		return mine, nil
	}
	return recvSegmented[T](ctx, t, root, tag, sendCounts[t.Rank()])
}

// Send delivers values to dest under tag, segmented at int32Max elements.
func Send[T Numeric](ctx context.Context, t Transport, dest, tag int, values []T) error {
	for _, seg := range segments(len(values)) {
		if err := t.SendBytes(ctx, dest, tag, encode(values[seg[0]:seg[1]])); err != nil {
			return err
		}
	}
	return nil
}

// Recv receives exactly n values from src under tag.
func Recv[T Numeric](ctx context.Context, t Transport, src, tag, n int) ([]T, error) {
	return recvSegmented[T](ctx, t, src, tag, n)
}
