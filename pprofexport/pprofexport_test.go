// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016 Datadog, Inc.

package pprofexport

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scaleneprof/nativecore/record"
)

func TestBuildFoldsByLocation(t *testing.T) {
	records := []record.Record{
		{Action: record.ActionMalloc, Seq: 1, Size: 100, PID: 1, File: "/a.py", Line: 10},
		{Action: record.ActionMalloc, Seq: 2, Size: 300, PID: 1, File: "/a.py", Line: 10},
		{Action: record.ActionFree, Seq: 3, Size: 50, PID: 1, File: "/a.py", Line: 10},
		{Action: record.ActionMalloc, Seq: 4, Size: 200, PID: 1, File: "/b.py", Line: 20},
	}

	p, err := Build(records)
	require.NoError(t, err)
	require.NoError(t, p.CheckValid())

	require.Len(t, p.Sample, 2)
	require.Len(t, p.Function, 2)
	require.Len(t, p.Location, 2)

	var aSample, bSample *struct{ count, size int64 }
	for _, s := range p.Sample {
		loc := s.Location[0]
		switch loc.Line[0].Function.Filename {
		case "/a.py":
			aSample = &struct{ count, size int64 }{s.Value[0], s.Value[1]}
		case "/b.py":
			bSample = &struct{ count, size int64 }{s.Value[0], s.Value[1]}
		}
	}

	require.NotNil(t, aSample)
	require.NotNil(t, bSample)
	assert.Equal(t, int64(1), aSample.count) // 2 mallocs - 1 free
	assert.Equal(t, int64(350), aSample.size) // 100+300-50
	assert.Equal(t, int64(1), bSample.count)
	assert.Equal(t, int64(200), bSample.size)
}

func TestBuildEmpty(t *testing.T) {
	p, err := Build(nil)
	require.NoError(t, err)
	require.NoError(t, p.CheckValid())
	assert.Empty(t, p.Sample)
}
