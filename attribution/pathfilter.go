// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016 Datadog, Inc.

// Package attribution implements the Attribution Hook contract and the Path
// Filter that decides which host-language source locations are in scope for
// sampling. Neither type touches the allocator or the sample channel; they
// are pure decision-making glue the interposer calls through.
package attribution

import (
	"path/filepath"
	"strings"
	"sync"
)

// excludedSubstrings identify the host-language standard library and the
// profiler's own source, which are never attributable — attributing an
// allocation to the profiler's own bookkeeping code would be nonsensical.
var excludedSubstrings = []string{
	string(filepath.Separator) + "lib" + string(filepath.Separator) + "python",
	string(filepath.Separator) + "site-packages" + string(filepath.Separator),
	string(filepath.Separator) + "scalene" + string(filepath.Separator),
}

// PathFilter decides whether a host source path should be attributed,
// memoizing the decision per path. Instances are immutable after
// construction; re-registration replaces the whole instance rather than
// mutating one in place, so a lookup in flight against the old instance can
// never observe a half-updated rule set.
type PathFilter struct {
	base       string
	userPaths  []string
	profileAll bool
	memo       sync.Map // path string -> bool
}

// NewPathFilter builds a filter rooted at base, treating any path
// containing one of userPaths as always in-scope. When profileAll is true,
// every path is in scope, including paths the exclusion list would reject.
func NewPathFilter(base string, userPaths []string, profileAll bool) *PathFilter {
	return &PathFilter{
		base:       base,
		userPaths:  append([]string(nil), userPaths...),
		profileAll: profileAll,
	}
}

// ShouldTrace applies the rules of §4.6 in order: profile-all short
// circuits to true; the standard-library/profiler exclusion list short
// circuits to false; a user-supplied substring short circuits to true;
// otherwise the path must resolve under the registered base directory.
func (f *PathFilter) ShouldTrace(path string) bool {
	if v, ok := f.memo.Load(path); ok {
		return v.(bool)
	}
	result := f.evaluate(path)
	f.memo.Store(path, result)
	return result
}

func (f *PathFilter) evaluate(path string) bool {
	if f.profileAll {
		return true
	}
	for _, excl := range excludedSubstrings {
		if strings.Contains(path, excl) {
			return false
		}
	}
	for _, u := range f.userPaths {
		if u != "" && strings.Contains(path, u) {
			return true
		}
	}
	if f.base == "" {
		return false
	}
	resolved, err := filepath.Abs(path)
	if err != nil {
		return false
	}
	rel, err := filepath.Rel(f.base, resolved)
	if err != nil {
		return false
	}
	return !strings.HasPrefix(rel, "..")
}
