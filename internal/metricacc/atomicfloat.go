// Copyright (C) ClusterCockpit.
// All rights reserved. This file is part of cc-profdb.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package metricacc implements the metric accumulation and statistics
// engine: per-context, per-thread metric sums and the four-scope
// (point/function/lex_aware/execution) propagation that turns them into
// cross-thread statistics (§4.3).
package metricacc

import (
	"math"
	"sync/atomic"
)

// atomicFloat64 is a lock-free float64 cell. Go has no native atomic float
// type, so this CAS-over-Float64bits loop is the one place in this package
// that falls back to the standard library rather than a third-party atomic
// package — no pack example ships a lock-free float primitive, and the
// bit-reinterpretation CAS loop is the idiomatic Go substitute (see
// DESIGN.md).
type atomicFloat64 struct {
	bits atomic.Uint64
}

// Add performs a relaxed fetch-add (§3: "point is written concurrently via
// atomic floating-point fetch-add with relaxed ordering") and returns the
// new value.
func (a *atomicFloat64) Add(delta float64) float64 {
	for {
		old := a.bits.Load()
		newVal := math.Float64frombits(old) + delta
		newBits := math.Float64bits(newVal)
		if a.bits.CompareAndSwap(old, newBits) {
			return newVal
		}
	}
}

func (a *atomicFloat64) Load() float64 {
	return math.Float64frombits(a.bits.Load())
}

func (a *atomicFloat64) Store(v float64) {
	a.bits.Store(math.Float64bits(v))
}

// combineUnsetAsZero implements the documented 0-as-unset min/max
// convention preserved verbatim from the source system (§4.3, §9 open
// question: "the source sometimes mixes 0-as-unset with 0-as-value in
// min/max partials... the first nonzero value wins"). Must not be "fixed"
// to use a sentinel like NaN or -Inf: a conformant implementation matches
// this bias exactly.
func (a *atomicFloat64) combineUnsetAsZero(v float64, better func(cur, v float64) bool) float64 {
	for {
		old := a.bits.Load()
		oldVal := math.Float64frombits(old)
		if oldVal != 0 && !better(oldVal, v) {
			return oldVal
		}
		newBits := math.Float64bits(v)
		if a.bits.CompareAndSwap(old, newBits) {
			return v
		}
	}
}

// CombineMin applies the min combine rule with 0 treated as unset.
func (a *atomicFloat64) CombineMin(v float64) float64 {
	return a.combineUnsetAsZero(v, func(cur, v float64) bool { return v < cur })
}

// CombineMax applies the max combine rule with 0 treated as unset.
func (a *atomicFloat64) CombineMax(v float64) float64 {
	return a.combineUnsetAsZero(v, func(cur, v float64) bool { return v > cur })
}

// atomicBool is a lock-free boolean cell, used for the isLoop flag carried
// alongside each StatisticPartialAccumulator's four scope doubles (§3).
type atomicBool struct {
	v atomic.Bool
}

func (a *atomicBool) Store(v bool) { a.v.Store(v) }
func (a *atomicBool) Load() bool   { return a.v.Load() }

// SetOnce stores true; idempotent, safe under concurrent callers.
func (a *atomicBool) SetOnce() { a.v.Store(true) }
