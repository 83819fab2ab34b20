// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016 Datadog, Inc.

// Package sampler implements the net-footprint threshold decision used by
// the allocation and byte-copy interposers. It has no knowledge of pointers,
// files, or processes: it only turns a stream of signed byte counts into an
// occasional "fire" with an interval size.
package sampler

// Sampler is satisfied by every sampling strategy the interposer can be
// built against: the deterministic Threshold sampler and the interchangeable
// Geometric variant.
type Sampler interface {
	Increment(size uint64) (fired bool, interval uint64)
	Decrement(size uint64) (fired bool, interval uint64)
	Reset()
}

// Threshold is a deterministic net-footprint sampler. It accumulates signed
// byte flow (increments minus decrements) and fires the instant the
// magnitude of that flow reaches threshold, returning the exact crossing
// size as the interval. It is not safe for concurrent use; each call site
// in the interposer owns one private instance.
type Threshold struct {
	threshold  uint64
	increments uint64
	decrements uint64
}

// NewThreshold constructs a Threshold sampler. threshold must be > 0.
func NewThreshold(threshold uint64) *Threshold {
	if threshold == 0 {
		panic("sampler: threshold must be > 0")
	}
	return &Threshold{threshold: threshold}
}

// Increment adds size to the running allocation total. If the net flow
// (increments - decrements) has reached the threshold, it fires: the
// interval is the exact net flow at the moment of crossing, and both
// counters reset to zero.
func (t *Threshold) Increment(size uint64) (fired bool, interval uint64) {
	t.increments += size
	if t.increments < t.decrements+t.threshold {
		return false, 0
	}
	interval = t.increments - t.decrements
	t.Reset()
	return true, interval
}

// Decrement is the symmetric free-side counterpart of Increment.
func (t *Threshold) Decrement(size uint64) (fired bool, interval uint64) {
	t.decrements += size
	if t.decrements < t.increments+t.threshold {
		return false, 0
	}
	interval = t.decrements - t.increments
	t.Reset()
	return true, interval
}

// Reset zeroes both counters without firing.
func (t *Threshold) Reset() {
	t.increments = 0
	t.decrements = 0
}
