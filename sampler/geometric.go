// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016 Datadog, Inc.

package sampler

import (
	"math"
	"math/rand"
)

// Geometric is an interchangeable, randomized alternative to Threshold. It
// draws its firing interval from a geometric distribution with parameter
// 1/threshold instead of deterministically crossing a fixed line, which
// spreads emissions out instead of clustering them at exact multiples of
// threshold. Its expected interval size equals threshold, matching
// Threshold's long-run average.
type Geometric struct {
	threshold  uint64
	increments uint64
	decrements uint64
	nextFire   uint64
	rng        *rand.Rand
}

// NewGeometric constructs a Geometric sampler with the given mean interval.
// threshold must be > 0.
func NewGeometric(threshold uint64, rng *rand.Rand) *Geometric {
	if threshold == 0 {
		panic("sampler: threshold must be > 0")
	}
	if rng == nil {
		rng = rand.New(rand.NewSource(1))
	}
	g := &Geometric{threshold: threshold, rng: rng}
	g.nextFire = g.draw()
	return g
}

// draw returns a sample from a geometric distribution with success
// probability p = 1/threshold, i.e. E[draw] == threshold.
func (g *Geometric) draw() uint64 {
	p := 1.0 / float64(g.threshold)
	u := g.rng.Float64()
	if u <= 0 {
		u = 1e-12
	}
	v := uint64(-math.Log1p(-u) / p)
	if v == 0 {
		v = 1
	}
	return v
}

func (g *Geometric) Increment(size uint64) (fired bool, interval uint64) {
	g.increments += size
	if g.increments < g.decrements+g.nextFire {
		return false, 0
	}
	interval = g.increments - g.decrements
	g.Reset()
	return true, interval
}

func (g *Geometric) Decrement(size uint64) (fired bool, interval uint64) {
	g.decrements += size
	if g.decrements < g.increments+g.nextFire {
		return false, 0
	}
	interval = g.decrements - g.increments
	g.Reset()
	return true, interval
}

func (g *Geometric) Reset() {
	g.increments = 0
	g.decrements = 0
	g.nextFire = g.draw()
}
