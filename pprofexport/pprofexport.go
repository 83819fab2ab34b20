// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016 Datadog, Inc.

// Package pprofexport folds decoded sample records into a google/pprof
// profile.Profile, for operators who want to inspect a channel's contents
// with `go tool pprof` without standing up the host-language aggregator.
// This mirrors the shape of cmemprof's own Profile.Start/Stop API in the
// teacher, but operates offline over already-decoded records rather than
// live allocator callbacks.
package pprofexport

import (
	"fmt"

	"github.com/google/pprof/profile"

	"github.com/scaleneprof/nativecore/record"
)

const (
	sampleTypeCount = "allocations"
	sampleTypeSize  = "bytes"
)

// Build folds records into a pprof profile. Each distinct (file, line)
// pair becomes one Location/Function pair; samples are grouped by that
// location, with Value = [count, cumulative size]. Free records
// ('F'/'f') contribute a negative count and size so that `go tool pprof`
// shows net outstanding allocation at each site, matching the
// net-footprint semantics the sampler itself uses.
func Build(records []record.Record) (*profile.Profile, error) {
	p := &profile.Profile{
		SampleType: []*profile.ValueType{
			{Type: sampleTypeCount, Unit: "count"},
			{Type: sampleTypeSize, Unit: "bytes"},
		},
		PeriodType: &profile.ValueType{Type: sampleTypeSize, Unit: "bytes"},
		Period:     1,
	}

	type key struct {
		file string
		line int
	}
	locations := make(map[key]*profile.Location)
	functions := make(map[key]*profile.Function)
	samples := make(map[key]*profile.Sample)

	nextID := func(n int) uint64 { return uint64(n + 1) }

	for _, r := range records {
		k := key{file: r.File, line: r.Line}

		fn, ok := functions[k]
		if !ok {
			fn = &profile.Function{
				ID:       nextID(len(p.Function)),
				Name:     fmt.Sprintf("%s:%d", r.File, r.Line),
				Filename: r.File,
			}
			p.Function = append(p.Function, fn)
			functions[k] = fn
		}

		loc, ok := locations[k]
		if !ok {
			loc = &profile.Location{
				ID: nextID(len(p.Location)),
				Line: []profile.Line{
					{Function: fn, Line: int64(r.Line)},
				},
			}
			p.Location = append(p.Location, loc)
			locations[k] = loc
		}

		s, ok := samples[k]
		if !ok {
			s = &profile.Sample{
				Location: []*profile.Location{loc},
				Value:    []int64{0, 0},
			}
			p.Sample = append(p.Sample, s)
			samples[k] = s
		}

		count, size := int64(1), int64(r.Size)
		if r.Action == record.ActionFree || r.Action == record.ActionFreeTrigger {
			count, size = -1, -size
		}
		s.Value[0] += count
		s.Value[1] += size
	}

	if err := p.CheckValid(); err != nil {
		return nil, fmt.Errorf("pprofexport: building profile: %w", err)
	}
	return p, nil
}
