// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016 Datadog, Inc.

// Package channel implements the Sample Channel: a bounded, append-only
// textual stream backed by named shared memory, guarded by a cross-process
// spin lock, with a one-shot initialization handshake so that the first of
// possibly several processes to open a given (signal, lock, init) triple
// constructs the lock in place and everyone after binds to it.
//
// The hot path (Write) performs exactly one spin-lock-protected memcpy into
// mapped memory; it never blocks on I/O. Construction failure is treated as
// unrecoverable: Open never returns a degraded channel, it returns the error
// instead. Open does not itself exit the process; aborting is left to the
// caller.
package channel

import (
	"fmt"
	"sync/atomic"
	"unsafe"

	"github.com/scaleneprof/nativecore/internal/log"
)

const (
	// SignalRegionSize is the size reserved for the append-only text
	// region. Scalene sizes this generously (256 MiB) because it is
	// virtual address space, not resident memory, on every supported
	// platform.
	SignalRegionSize = 256 << 20

	// LockRegionSize is the fixed size of the lock region: an 8-byte write
	// offset followed by a 4-byte spin-lock word, rounded up to a page.
	LockRegionSize = 4096

	// MaxRecordSize bounds a single Write call, per §4.2's external
	// contract ("up to a small maximum (≤ 4096 bytes)").
	MaxRecordSize = 4096

	writeOffsetOffset = 0
	spinLockOffset    = 8

	initMagic = "q&\x00"
)

// Metrics receives a Channel's operational health counters. A nil Metrics
// (the default) makes every counting call below a no-op, so the hot write
// path never pays for an interface check beyond one nil comparison.
type Metrics interface {
	// CountDropped counts records that couldn't be written at all because
	// the signal region is full.
	CountDropped(n int64)
	// CountBytes counts bytes actually written to the signal region.
	CountBytes(n int64)
}

// mappedRegion abstracts the platform-specific named-shared-memory backing
// of one region (signal or lock). Unix backs it with a regular file plus
// mmap; Windows backs it with a named file mapping.
type mappedRegion interface {
	Bytes() []byte
	Sync() error
	Close() error
}

// Channel is one malloc- or memcpy-flavored sample channel, scoped to a
// single process id.
type Channel struct {
	pid int

	signalPath, lockPath, initPath string

	signal mappedRegion
	lock   mappedRegion

	writeOffset *uint64
	spin        *spinLock

	metrics Metrics

	closed bool
}

// Open materializes the three named backing objects for pid, substituting
// pid into each template's single %d verb, and runs the one-shot init
// handshake. Any failure here is unrecoverable per §7: the caller should
// treat a non-nil error as grounds to abort the process.
func Open(pid int, signalTemplate, lockTemplate, initTemplate string) (*Channel, error) {
	c := &Channel{
		pid:        pid,
		signalPath: fmt.Sprintf(signalTemplate, pid),
		lockPath:   fmt.Sprintf(lockTemplate, pid),
		initPath:   fmt.Sprintf(initTemplate, pid),
	}

	signal, err := createMappedRegion(c.signalPath, SignalRegionSize)
	if err != nil {
		return nil, fmt.Errorf("channel: mapping signal region %s: %w", c.signalPath, err)
	}
	lockRegion, err := createMappedRegion(c.lockPath, LockRegionSize)
	if err != nil {
		signal.Close()
		return nil, fmt.Errorf("channel: mapping lock region %s: %w", c.lockPath, err)
	}
	c.signal = signal
	c.lock = lockRegion

	lockBytes := lockRegion.Bytes()
	c.writeOffset = (*uint64)(unsafe.Pointer(&lockBytes[writeOffsetOffset]))
	c.spin = (*spinLock)(unsafe.Pointer(&lockBytes[spinLockOffset]))

	firstConstruction, err := runOneShotInit(c.initPath)
	if err != nil {
		c.signal.Close()
		c.lock.Close()
		return nil, fmt.Errorf("channel: one-shot init %s: %w", c.initPath, err)
	}
	if firstConstruction {
		c.spin.init()
		atomic.StoreUint64(c.writeOffset, 0)
	}

	log.Debug("channel: opened pid=%d signal=%s lock=%s firstConstruction=%v", pid, c.signalPath, c.lockPath, firstConstruction)
	return c, nil
}

// SetMetrics installs the Metrics sink receiving this channel's drop/byte
// counters. Passing nil (the default) disables counting.
func (c *Channel) SetMetrics(m Metrics) {
	c.metrics = m
}

func (c *Channel) countDropped(n int64) {
	if c.metrics != nil {
		c.metrics.CountDropped(n)
	}
}

func (c *Channel) countBytes(n int64) {
	if c.metrics != nil {
		c.metrics.CountBytes(n)
	}
}

// Write atomically appends line at the channel's current write offset,
// truncating to MaxRecordSize and to whatever room remains in the signal
// region. A write that doesn't fit at all is dropped silently, per §7 — the
// caller's sequence counter still advances, so the host can detect loss by
// a gap in seq.
func (c *Channel) Write(line []byte) error {
	if len(line) > MaxRecordSize {
		line = line[:MaxRecordSize]
	}

	c.spin.lock()
	defer c.spin.unlock()

	buf := c.signal.Bytes()
	off := atomic.LoadUint64(c.writeOffset)
	if off >= uint64(len(buf)) {
		log.Warn("channel: signal region full, dropping record")
		c.countDropped(1)
		return nil
	}
	room := uint64(len(buf)) - off
	n := uint64(len(line))
	if n > room {
		n = room
	}
	copy(buf[off:off+n], line[:n])

	// Release barrier: readers that observe the advanced offset via the
	// spin lock's acquire-side must also observe these bytes. A plain
	// atomic store gives us that on every architecture Go supports.
	atomic.StoreUint64(c.writeOffset, off+n)
	c.countBytes(int64(n))
	return nil
}

// ReadLine is the Line-Bounded Reader of §4.3: it consumes at most one
// complete line starting at *pos, mutually exclusive with writers. It
// returns ok=false if no complete line is available yet (either because
// the byte at *pos is the empty-channel sentinel, or because the writer
// hasn't finished a line there yet).
func (c *Channel) ReadLine(pos *uint64, scratch []byte) (line []byte, ok bool) {
	c.spin.lock()
	defer c.spin.unlock()

	data := c.signal.Bytes()
	p := *pos
	if p >= uint64(len(data)) {
		return nil, false
	}
	if data[p] == '\n' {
		return nil, false
	}

	end := atomic.LoadUint64(c.writeOffset)
	if end > uint64(len(data)) {
		end = uint64(len(data))
	}
	idx := p
	for idx < end && data[idx] != '\n' {
		idx++
	}
	if idx >= end || data[idx] != '\n' {
		return nil, false
	}

	n := idx + 1 - p
	if uint64(len(scratch)) < n {
		n = uint64(len(scratch))
	}
	copy(scratch, data[p:p+n])
	*pos = idx + 1
	return scratch[:n], true
}

// Close unmaps pages, closes handles, and removes the init file. The signal
// and lock files are left in place — the host-side orchestrator typically
// drains them after the profiled process exits.
func (c *Channel) Close() error {
	if c.closed {
		return nil
	}
	c.closed = true
	var firstErr error
	if err := c.signal.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := c.lock.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := removeFile(c.initPath); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// SignalPath, LockPath, and InitPath report the fully substituted file
// names this channel was opened with — §6's "sample channel file names"
// that the core exposes to the host orchestrator.
func (c *Channel) SignalPath() string { return c.signalPath }
func (c *Channel) LockPath() string   { return c.lockPath }
func (c *Channel) InitPath() string   { return c.initPath }
