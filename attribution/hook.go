// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016 Datadog, Inc.

package attribution

import "sync/atomic"

// Triple is the attribution result: the host source file, line, and
// bytecode offset of the innermost in-scope frame.
type Triple struct {
	File      string
	Line      int
	ByteIndex int
}

// Hook walks the host-language stack from innermost to outermost frame,
// consulting a Path Filter for each, and returns the first in-scope
// attribution. It returns ok=false if no frame qualifies. Implementations
// MUST be reentrancy-safe and MUST NOT allocate through the profiled
// allocator — the host installs one via SetHook.
type Hook func() (Triple, bool)

// HookSlot holds an atomically-swappable Hook pointer, installed by the
// host and consulted by the interposer on every sampler fire. A nil slot
// (the zero value, before the host calls Store) short-circuits every
// lookup to "no attribution".
type HookSlot struct {
	v atomic.Value // holds Hook
}

// Store installs h as the active hook. Passing nil uninstalls it.
func (s *HookSlot) Store(h Hook) {
	if h == nil {
		s.v.Store(noopHook)
		return
	}
	s.v.Store(h)
}

// Lookup invokes the currently installed hook, or reports ok=false if none
// is installed.
func (s *HookSlot) Lookup() (Triple, bool) {
	v := s.v.Load()
	if v == nil {
		return Triple{}, false
	}
	return v.(Hook)()
}

func noopHook() (Triple, bool) { return Triple{}, false }

// State models the profiler lifecycle of §4.6: a fresh HookSlot with no
// registration is Uninitialized; RegisterFilesToProfile moves it to
// Registered and installs both the filter and the hook; the done flag then
// toggles Running/Paused; Shutdown is terminal.
type State int

const (
	StateUninitialized State = iota
	StateRegistered
	StateRunning
	StatePaused
	StateShutdown
)
