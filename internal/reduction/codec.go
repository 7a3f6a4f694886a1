package reduction

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
)

// Numeric is the set of element types the collectives in this package can
// move: the integer and floating-point widths spec.md §4.5 names.
type Numeric interface {
	~int32 | ~uint32 | ~int64 | ~uint64 | ~float32 | ~float64
}

// int32Max is the largest element count a single wire call may carry
// (§4.5's "the underlying transport accepts only 32-bit element counts").
const int32Max = math.MaxInt32

// segments splits n elements into chunks of at most int32Max, preserving
// order; used by every collective below so a caller never needs to think
// about the 32-bit element-count ceiling itself.
func segments(n int) [][2]int {
	if n == 0 {
		return [][2]int{{0, 0}}
	}
	var out [][2]int
	for start := 0; start < n; start += int32Max {
		end := start + int32Max
		if end > n {
			end = n
		}
		out = append(out, [2]int{start, end})
	}
	return out
}

func encode[T Numeric](vals []T) []byte {
	buf := new(bytes.Buffer)
	buf.Grow(len(vals) * 8)
	if err := binary.Write(buf, binary.LittleEndian, vals); err != nil {
		panic(fmt.Sprintf("reduction: encode: %v", err))
	}
	return buf.Bytes()
}

func decode[T Numeric](b []byte, n int) ([]T, error) {
	out := make([]T, n)
	if n == 0 {
		return out, nil
	}
	if err := binary.Read(bytes.NewReader(b), binary.LittleEndian, out); err != nil {
		return nil, fmt.Errorf("reduction: decode: %w", err)
	}
	return out, nil
}

func combine[T Numeric](op Op, a, b T) T {
	switch op {
	case OpMin:
		if b < a {
			return b
		}
		return a
	case OpMax:
		if b > a {
			return b
		}
		return a
	default:
		return a + b
	}
}
