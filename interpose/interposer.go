// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016 Datadog, Inc.

package interpose

import (
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/scaleneprof/nativecore/attribution"
	"github.com/scaleneprof/nativecore/channel"
	"github.com/scaleneprof/nativecore/internal/log"
	"github.com/scaleneprof/nativecore/record"
	"github.com/scaleneprof/nativecore/sampler"
)

// Options configures one Interposer instance. The zero value is usable: it
// runs with nil channels and notifiers, which silently suppresses
// emission — handy for unit tests that only want to exercise the
// accounting logic.
type Options struct {
	// AllocSampler and MemcpySampler back the two independent static
	// sampler instances named in §3's "Interposer state": one shared
	// between malloc and free, another for the byte-copy path.
	AllocSampler  sampler.Sampler
	MemcpySampler sampler.Sampler

	// AllocChannel carries 'M'/'F'/'f' records; MemcpyChannel carries the
	// memcpy-channel records of §4.4's last paragraph. Either may be nil.
	AllocChannel  *channel.Channel
	MemcpyChannel *channel.Channel

	// MallocNotifier, FreeNotifier, and MemcpyNotifier deliver the
	// non-blocking "sample ready" signal of §6. Open Question 2: pass the
	// same Notifier for both Malloc and Free to unify the two signals.
	MallocNotifier channel.Notifier
	FreeNotifier   channel.Notifier
	MemcpyNotifier channel.Notifier

	// PID is stamped into every emitted record's pid field.
	PID int

	// DoubleNewline selects the record trailer per Open Question 3.
	DoubleNewline bool

	// Metrics receives the interposer's operational health counters. A nil
	// Metrics (the default) makes every counting call a no-op.
	Metrics Metrics
}

// Metrics receives an Interposer's operational health counters: how often
// either sampler fires, and how often the recursion guard catches the
// backing allocator calling back into itself.
type Metrics interface {
	CountSamplerFired(n int64)
	CountReentry(n int64)
}

// Interposer wraps a Backing Allocator with the sampling, attribution, and
// emission logic of §4.4. One instance exists per process, per §3's
// "process-wide backing allocator handle".
type Interposer struct {
	backing Allocator
	opts    Options
	guard   *recursionGuard

	hook attribution.HookSlot
	done atomic.Bool

	// mu guards every field below: the two counters used for the
	// python_fraction calculation, the last-malloc-trigger bookkeeping,
	// and the sequence counter. §5 allows pythonCount/cCount to be
	// non-atomic "if bounded error on the fraction is acceptable", but
	// since register_malloc and register_free are each multi-step
	// read-modify-write sequences (accumulate, maybe fire, maybe reset),
	// a single mutex around the whole critical section is simpler to
	// reason about than a pile of individual atomics. It is taken once on
	// every register_* call (to accumulate the counters or check the
	// trigger pointer) and once more when a sampler fires.
	mu                     sync.Mutex
	pythonCount            uint64
	cCount                 uint64
	lastMallocTrigger      unsafe.Pointer
	freedLastMallocTrigger bool
	seq                    uint64

	mallocTriggered atomic.Uint64
	freeTriggered   atomic.Uint64
	memcpyOps       atomic.Uint64
	memcpyTriggered atomic.Uint64
}

// New builds an Interposer over backing. No default sampler is substituted
// for a nil opts.AllocSampler or opts.MemcpySampler: a nil sampler disables
// sampling and emission on that path (malloc/free or byte copy), while the
// wrapped calls still forward to the backing allocator.
func New(backing Allocator, opts Options) *Interposer {
	return &Interposer{
		backing: backing,
		opts:    opts,
		guard:   newRecursionGuard(),
	}
}

// SetHook atomically installs the Attribution Hook, per §4.5. Passing nil
// uninstalls it, short-circuiting every future fire to "no attribution".
func (p *Interposer) SetHook(h attribution.Hook) {
	p.hook.Store(h)
}

// SetDone toggles the process-wide done flag of §4.4/§4.6. Once set, every
// register_* call returns immediately, regardless of sampler state
// (Testable Property 7).
func (p *Interposer) SetDone(done bool) {
	p.done.Store(done)
}

// Done reports the current value of the done flag.
func (p *Interposer) Done() bool {
	return p.done.Load()
}

// Stats is a snapshot of the atomic counters named in §3's Interposer
// state, exposed for host-side health reporting.
type Stats struct {
	MallocTriggered uint64
	FreeTriggered   uint64
	MemcpyOps       uint64
	MemcpyTriggered uint64
}

// Stats returns a point-in-time snapshot of the atomic counters.
func (p *Interposer) Stats() Stats {
	return Stats{
		MallocTriggered: p.mallocTriggered.Load(),
		FreeTriggered:   p.freeTriggered.Load(),
		MemcpyOps:       p.memcpyOps.Load(),
		MemcpyTriggered: p.memcpyTriggered.Load(),
	}
}

// enterGuard wraps guard.enter, additionally counting each reentrant call
// it catches.
func (p *Interposer) enterGuard() (alreadyIn bool) {
	alreadyIn = p.guard.enter()
	if alreadyIn && p.opts.Metrics != nil {
		p.opts.Metrics.CountReentry(1)
	}
	return alreadyIn
}

func (p *Interposer) countSamplerFired() {
	if p.opts.Metrics != nil {
		p.opts.Metrics.CountSamplerFired(1)
	}
}

// Malloc implements §4.4's malloc(sz) algorithm.
func (p *Interposer) Malloc(sz uintptr) unsafe.Pointer {
	if p.enterGuard() {
		return p.backing.Malloc(sz)
	}
	defer p.guard.leave()

	ptr := p.backing.Malloc(sz)
	if ptr == nil {
		return nil
	}
	if !p.done.Load() {
		realSize := p.backing.UsableSize(ptr)
		p.registerMalloc(realSize, ptr, false)
	}
	return ptr
}

// Free implements §4.4's free(p) algorithm.
func (p *Interposer) Free(ptr unsafe.Pointer) {
	if ptr == nil {
		return
	}
	if p.enterGuard() {
		p.backing.Free(ptr)
		return
	}
	defer p.guard.leave()

	realSize := p.backing.UsableSize(ptr)
	p.backing.Free(ptr)
	if !p.done.Load() {
		p.registerFree(realSize, ptr)
	}
}

// Memalign wraps the backing allocator's aligned-allocation entry point
// with the same malloc-side accounting as Malloc.
func (p *Interposer) Memalign(align, sz uintptr) unsafe.Pointer {
	if p.enterGuard() {
		return p.backing.Memalign(align, sz)
	}
	defer p.guard.leave()

	ptr := p.backing.Memalign(align, sz)
	if ptr == nil {
		return nil
	}
	if !p.done.Load() {
		realSize := p.backing.UsableSize(ptr)
		p.registerMalloc(realSize, ptr, false)
	}
	return ptr
}

// Realloc treats resize as malloc(sz)+free(p), per §4.4, but records only
// the net change rather than both a full malloc and a full free.
func (p *Interposer) Realloc(ptr unsafe.Pointer, sz uintptr) unsafe.Pointer {
	if p.enterGuard() {
		return p.backing.Realloc(ptr, sz)
	}
	defer p.guard.leave()

	var oldSize uintptr
	if ptr != nil {
		oldSize = p.backing.UsableSize(ptr)
	}
	newPtr := p.backing.Realloc(ptr, sz)
	if newPtr == nil {
		return nil
	}
	if p.done.Load() {
		return newPtr
	}
	newSize := p.backing.UsableSize(newPtr)
	switch {
	case newSize > oldSize:
		p.registerMalloc(newSize-oldSize, newPtr, false)
	case oldSize > newSize:
		p.registerFree(oldSize-newSize, newPtr)
	}
	return newPtr
}

// registerMalloc implements §4.4's register_malloc.
func (p *Interposer) registerMalloc(size uintptr, ptr unsafe.Pointer, inHostAllocator bool) {
	if p.done.Load() {
		return
	}

	p.mu.Lock()
	if inHostAllocator {
		p.pythonCount += uint64(size)
	} else {
		p.cCount += uint64(size)
	}
	p.mu.Unlock()

	if p.opts.AllocSampler == nil {
		return
	}
	fired, interval := p.opts.AllocSampler.Increment(uint64(size))
	if !fired {
		return
	}
	p.countSamplerFired()

	triple, ok := p.hook.Lookup()
	if !ok {
		return
	}

	p.mu.Lock()
	p.seq++
	seq := p.seq
	pc, cc := p.pythonCount, p.cCount
	if cc == 0 && pc == 0 {
		pc = 1 // avoid a zero/zero fraction, per §3's python_fraction note
	}
	fraction := float64(pc) / float64(pc+cc)
	p.lastMallocTrigger = ptr
	p.freedLastMallocTrigger = false
	p.pythonCount, p.cCount = 0, 0
	p.mu.Unlock()

	rec := record.Record{
		Action:         record.ActionMalloc,
		Seq:            seq,
		Size:           interval,
		PythonFraction: fraction,
		PID:            p.opts.PID,
		Pointer:        uintptr(ptr),
		File:           triple.File,
		Line:           triple.Line,
		ByteIndex:      triple.ByteIndex,
	}
	p.mallocTriggered.Add(1)
	p.emit(p.opts.AllocChannel, rec)
	p.notify(p.opts.MallocNotifier)
}

// registerFree implements §4.4's register_free.
func (p *Interposer) registerFree(size uintptr, ptr unsafe.Pointer) {
	if p.done.Load() {
		return
	}

	p.mu.Lock()
	if p.lastMallocTrigger == ptr {
		p.freedLastMallocTrigger = true
	}
	p.mu.Unlock()

	if p.opts.AllocSampler == nil {
		return
	}
	fired, interval := p.opts.AllocSampler.Decrement(uint64(size))
	if !fired {
		return
	}
	p.countSamplerFired()

	triple, ok := p.hook.Lookup()
	if !ok {
		return
	}

	p.mu.Lock()
	p.seq++
	seq := p.seq
	action := record.ActionFree
	trigger := uintptr(ptr)
	if p.freedLastMallocTrigger {
		action = record.ActionFreeTrigger
		trigger = uintptr(p.lastMallocTrigger)
	}
	p.freedLastMallocTrigger = false
	p.mu.Unlock()

	rec := record.Record{
		Action:    action,
		Seq:       seq,
		Size:      interval,
		PID:       p.opts.PID,
		Pointer:   trigger,
		File:      triple.File,
		Line:      triple.Line,
		ByteIndex: triple.ByteIndex,
	}
	p.freeTriggered.Add(1)
	p.emit(p.opts.AllocChannel, rec)
	p.notify(p.opts.FreeNotifier)
}

// memcpyLike implements §4.4's shared byte-copy accounting for memcpy,
// memmove, and strcpy: each calls the backing copy, then feeds the
// byte-copy sampler, and on fire emits a memcpy-channel record.
func (p *Interposer) memcpyLike(n uintptr) {
	p.memcpyOps.Add(1)
	if p.done.Load() || p.opts.MemcpySampler == nil {
		return
	}
	fired, interval := p.opts.MemcpySampler.Increment(uint64(n))
	if !fired {
		return
	}
	p.countSamplerFired()
	triple, ok := p.hook.Lookup()
	if !ok {
		return
	}

	p.mu.Lock()
	p.seq++
	seq := p.seq
	p.mu.Unlock()

	rec := record.Record{
		Action:    record.ActionMalloc,
		Seq:       seq,
		Size:      interval,
		PID:       p.opts.PID,
		File:      triple.File,
		Line:      triple.Line,
		ByteIndex: triple.ByteIndex,
	}
	p.memcpyTriggered.Add(1)
	p.emit(p.opts.MemcpyChannel, rec)
	p.notify(p.opts.MemcpyNotifier)
}

// Memcpy, Memmove, and Strcpy wrap the corresponding backing entry points
// with the byte-copy sampler of §4.4's last paragraph.
func (p *Interposer) Memcpy(dst, src unsafe.Pointer, n uintptr) unsafe.Pointer {
	if p.enterGuard() {
		return doMemcpy(dst, src, n)
	}
	defer p.guard.leave()
	result := doMemcpy(dst, src, n)
	p.memcpyLike(n)
	return result
}

func (p *Interposer) Memmove(dst, src unsafe.Pointer, n uintptr) unsafe.Pointer {
	if p.enterGuard() {
		return doMemmove(dst, src, n)
	}
	defer p.guard.leave()
	result := doMemmove(dst, src, n)
	p.memcpyLike(n)
	return result
}

func (p *Interposer) Strcpy(dst, src unsafe.Pointer) unsafe.Pointer {
	if p.enterGuard() {
		return doStrcpy(dst, src)
	}
	defer p.guard.leave()
	n, result := doStrcpyCounted(dst, src)
	p.memcpyLike(n)
	return result
}

func (p *Interposer) emit(ch *channel.Channel, rec record.Record) {
	if ch == nil {
		return
	}
	if err := ch.Write(rec.Encode(p.opts.DoubleNewline)); err != nil {
		log.Warn("interpose: dropping record seq=%d: %s", rec.Seq, err)
	}
}

func (p *Interposer) notify(n channel.Notifier) {
	if n == nil {
		return
	}
	if err := n.Notify(); err != nil {
		log.Warn("interpose: notify failed: %s", err)
	}
}
