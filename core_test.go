// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016 Datadog, Inc.

package nativecore

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scaleneprof/nativecore/attribution"
)

// arenaAllocator is the same minimal bump-allocator shape used in
// interpose's own tests, duplicated here (rather than exported from
// interpose) since it is purely a test fixture, not part of that package's
// public contract.
type arenaAllocator struct {
	mu     sync.Mutex
	arena  []byte
	offset int
	sizes  map[uintptr]uintptr
}

func newArenaAllocator(capacity int) *arenaAllocator {
	return &arenaAllocator{arena: make([]byte, capacity), sizes: make(map[uintptr]uintptr)}
}

func (a *arenaAllocator) Malloc(size uintptr) unsafe.Pointer {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.offset+int(size) > len(a.arena) {
		return nil
	}
	p := unsafe.Pointer(&a.arena[a.offset])
	a.sizes[uintptr(p)] = size
	a.offset += int(size)
	return p
}
func (a *arenaAllocator) Free(ptr unsafe.Pointer) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.sizes, uintptr(ptr))
}
func (a *arenaAllocator) UsableSize(ptr unsafe.Pointer) uintptr {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.sizes[uintptr(ptr)]
}
func (a *arenaAllocator) Memalign(align, size uintptr) unsafe.Pointer { return a.Malloc(size) }
func (a *arenaAllocator) Realloc(ptr unsafe.Pointer, size uintptr) unsafe.Pointer {
	return a.Malloc(size)
}

func testTemplates(t *testing.T) (malloc [3]string, memcpy [3]string) {
	dir := t.TempDir()
	return [3]string{
			filepath.Join(dir, "malloc-signal%d"),
			filepath.Join(dir, "malloc-lock%d"),
			filepath.Join(dir, "malloc-init%d"),
		}, [3]string{
			filepath.Join(dir, "memcpy-signal%d"),
			filepath.Join(dir, "memcpy-lock%d"),
			filepath.Join(dir, "memcpy-init%d"),
		}
}

func TestNewRequiresBackingAllocator(t *testing.T) {
	_, err := New(os.Getpid())
	assert.Error(t, err)
}

func TestNewAssemblesAndShutsDown(t *testing.T) {
	malloc, memcpy := testTemplates(t)
	c, err := New(os.Getpid(),
		WithBackingAllocator(newArenaAllocator(1<<20)),
		WithChannelTemplates(malloc[0], malloc[1], malloc[2]),
		WithMemcpyChannelTemplates(memcpy[0], memcpy[1], memcpy[2]),
		WithAllocationThreshold(100),
	)
	require.NoError(t, err)
	require.NotEmpty(t, c.RunID())
	assert.Equal(t, attribution.StateUninitialized, c.State())

	files := c.ChannelFiles()
	assert.Equal(t, malloc[0], files.MallocSignal)
	assert.Equal(t, memcpy[0], files.MemcpySignal)

	require.NoError(t, c.Shutdown())
	assert.Equal(t, attribution.StateShutdown, c.State())
}

func TestRegisterFilesToProfileInstallsHookAndFilter(t *testing.T) {
	malloc, memcpy := testTemplates(t)
	c, err := New(os.Getpid(),
		WithBackingAllocator(newArenaAllocator(1<<20)),
		WithChannelTemplates(malloc[0], malloc[1], malloc[2]),
		WithMemcpyChannelTemplates(memcpy[0], memcpy[1], memcpy[2]),
		WithAllocationThreshold(100),
	)
	require.NoError(t, err)
	defer c.Shutdown()

	hookCalls := 0
	hook := func() (attribution.Triple, bool) {
		hookCalls++
		return attribution.Triple{File: "/proj/x.py", Line: 4}, true
	}
	c.RegisterFilesToProfile("/proj", nil, true, hook)
	assert.Equal(t, attribution.StateRegistered, c.State())
	require.NotNil(t, c.Filter())
	assert.True(t, c.Filter().ShouldTrace("/proj/x.py"))

	c.SetDone(false)
	assert.Equal(t, attribution.StateRunning, c.State())

	ptr := c.Interposer().Malloc(200)
	require.NotNil(t, ptr)
	assert.Greater(t, hookCalls, 0)

	stats := c.Stats()
	assert.Equal(t, uint64(1), stats.MallocTriggered)
}

func TestSetDoneStopsEmission(t *testing.T) {
	malloc, memcpy := testTemplates(t)
	c, err := New(os.Getpid(),
		WithBackingAllocator(newArenaAllocator(1<<20)),
		WithChannelTemplates(malloc[0], malloc[1], malloc[2]),
		WithMemcpyChannelTemplates(memcpy[0], memcpy[1], memcpy[2]),
		WithAllocationThreshold(1),
	)
	require.NoError(t, err)
	defer c.Shutdown()

	c.RegisterFilesToProfile("", nil, true, func() (attribution.Triple, bool) {
		return attribution.Triple{File: "/x.py", Line: 1}, true
	})
	c.SetDone(true)
	assert.Equal(t, attribution.StatePaused, c.State())

	ptr := c.Interposer().Malloc(64)
	require.NotNil(t, ptr)
	assert.Equal(t, uint64(0), c.Stats().MallocTriggered)
}

