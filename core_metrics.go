// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016 Datadog, Inc.

package nativecore

import (
	"github.com/DataDog/datadog-go/v5/statsd"

	"github.com/scaleneprof/nativecore/internal/log"
)

// statsdMetrics fans Core's operational health counters out to a
// statsd.ClientInterface, under the four names SPEC_FULL.md §1.4 commits
// to: nativecore.channel.dropped, nativecore.channel.bytes,
// nativecore.sampler.fired, nativecore.recursion_guard.reentries. It
// satisfies both channel.Metrics and interpose.Metrics, so one instance
// installed at construction wires both channels and the interposer. A nil
// client (the default, when WithStatsd is never called) makes every count
// call a no-op.
type statsdMetrics struct {
	client statsd.ClientInterface
	runID  string
}

func (m *statsdMetrics) count(name string, n int64) {
	if m.client == nil {
		return
	}
	if err := m.client.Count(name, n, nil, 1); err != nil {
		log.Warn("nativecore[%s]: statsd count %s failed: %s", m.runID, name, err)
	}
}

func (m *statsdMetrics) CountDropped(n int64) { m.count("nativecore.channel.dropped", n) }
func (m *statsdMetrics) CountBytes(n int64)   { m.count("nativecore.channel.bytes", n) }

func (m *statsdMetrics) CountSamplerFired(n int64) { m.count("nativecore.sampler.fired", n) }
func (m *statsdMetrics) CountReentry(n int64)      { m.count("nativecore.recursion_guard.reentries", n) }
