// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016 Datadog, Inc.

package interpose

import (
	"runtime"
	"strconv"
	"strings"
	"sync"
)

// recursionGuard is the Go analog of §9's design note: "Thread-local data
// created before thread infrastructure exists... use a tri-state NEEDS_INIT
// / INITIALIZING / DONE with double-checked initialization... during
// INITIALIZING the guard conservatively reports 'in allocator'." Go has no
// exposed thread-local storage and no lazy per-goroutine slot construction
// to race against: busy is a plain map, eagerly allocated in
// newRecursionGuard, keyed by goroutine id instead of OS thread id. There is
// no NEEDS_INIT/INITIALIZING window to model, since a goroutine's entry is
// just a map lookup under mu, never a first-use allocation of its own.
//
// recursionGuard breaks reentrancy when the backing allocator itself
// allocates (e.g. during lazy TLS-slot construction): the nested call
// observes "already in allocator" and forwards to the backing allocator
// untracked, per §4.4's last paragraph.
type recursionGuard struct {
	mu   sync.Mutex
	busy map[int64]bool
}

func newRecursionGuard() *recursionGuard {
	return &recursionGuard{busy: make(map[int64]bool)}
}

// enter reports whether the calling goroutine is already inside the
// guarded section. If not, it marks the goroutine busy and returns false;
// the caller must call leave when done. If already busy, it returns true
// and the caller must forward to the backing allocator without tracking.
func (g *recursionGuard) enter() (alreadyIn bool) {
	id := goroutineID()
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.busy[id] {
		return true
	}
	g.busy[id] = true
	return false
}

func (g *recursionGuard) leave() {
	id := goroutineID()
	g.mu.Lock()
	delete(g.busy, id)
	g.mu.Unlock()
}

// goroutineID recovers the runtime's internal goroutine id by parsing the
// header line of runtime.Stack's output. This is the same trick used by
// several goroutine-aware debugging and profiling tools in the absence of
// an exported API; it is used here only to scope the recursion guard, never
// for correctness-critical scheduling decisions.
func goroutineID() int64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	field := strings.Fields(strings.TrimPrefix(string(buf[:n]), "goroutine "))
	if len(field) == 0 {
		return 0
	}
	id, err := strconv.ParseInt(field[0], 10, 64)
	if err != nil {
		return 0
	}
	return id
}
