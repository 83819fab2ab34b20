// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016 Datadog, Inc.

// Package interpose implements the Allocation Interposer of §4.4: wrappers
// around malloc/free/realloc/memalign and the three byte-copy entry points
// that forward to a Backing Allocator while recording events, feeding a
// Threshold Sampler, and emitting attributed sample records onto a Sample
// Channel.
package interpose

import "unsafe"

// Allocator is the Backing Allocator's interface contract, per §2: "opaque
// to the profiler". The interposer never inspects its internals, only
// calls through it.
type Allocator interface {
	Malloc(size uintptr) unsafe.Pointer
	Free(ptr unsafe.Pointer)
	UsableSize(ptr unsafe.Pointer) uintptr
	Memalign(align, size uintptr) unsafe.Pointer
	Realloc(ptr unsafe.Pointer, size uintptr) unsafe.Pointer
}
