// Copyright (C) ClusterCockpit.
// All rights reserved. This file is part of cc-profdb.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package reduction implements the distributed reduction layer (§4.5): a
// small, typed message-passing API (barrier, bcast, reduce, allreduce,
// scan, exscan, gather, gatherv, scatter, scatterv, send/recv) over a
// pluggable Transport, segmented so no single wire call exceeds a 32-bit
// element count.
package reduction

import "context"

// Op is a reduction operator (§4.5).
type Op uint8

const (
	OpSum Op = iota
	OpMin
	OpMax
)

// cancelTag is the tag a server-style receive loop watches for a
// zero-length message from its own rank, terminating the loop (§4.5's
// cancellation protocol).
const cancelTag = -1

// Transport is the pluggable byte-level carrier the generic collectives in
// this package are built on. Implementations only need point-to-point
// send/receive; every collective (bcast, reduce, gather, ...) is
// implemented once, generically, on top of these primitives.
type Transport interface {
	Rank() int
	Size() int

	// ThreadMultiple reports whether this transport may be driven
	// concurrently from multiple goroutines without external locking. The
	// collectives in this package do not consult it and take no lock of
	// their own, whatever it reports.
	ThreadMultiple() bool

	// SendBytes delivers data to rank dest under tag, blocking until
	// accepted or ctx is done.
	SendBytes(ctx context.Context, dest int, tag int, data []byte) error

	// RecvBytes blocks for a message from rank src under tag.
	RecvBytes(ctx context.Context, src int, tag int) ([]byte, error)

	// RecvAny blocks for a message from any rank under tag, server-style.
	// A zero-length message sent to this transport's own rank under tag
	// terminates RecvAny's caller with ErrCancelled (§4.5's cancellation
	// protocol).
	RecvAny(ctx context.Context, tag int) (src int, data []byte, err error)

	Close() error
}

// Cancel sends the zero-length sentinel that terminates a RecvAny server
// loop watching tag on this transport's own rank.
func Cancel(ctx context.Context, t Transport, tag int) error {
	return t.SendBytes(ctx, t.Rank(), tag, nil)
}

// ErrCancelled is returned by RecvAny implementations when they observe
// the cancellation sentinel.
type ErrCancelled struct{}

func (ErrCancelled) Error() string { return "reduction: receive loop cancelled" }
