// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016 Datadog, Inc.

// Package nativecore wires the Threshold Sampler, Sample Channel,
// Allocation Interposer, and Attribution Hook into the single runtime core
// described by spec.md: a sampling allocator with host-stack attribution.
// Everything outside this core (starting/stopping profiling from the
// host-language side, draining the sample channel, aggregating and
// rendering reports) is the host-language orchestrator's job; this package
// exposes to it exactly the handshakes named in §6: path-filter
// registration, the done flag, sample channel file names, and the
// attribution hook installer.
package nativecore

import (
	"fmt"
	"os"
	"strconv"
	"syscall"

	"github.com/DataDog/datadog-go/v5/statsd"
	"github.com/google/uuid"

	"github.com/scaleneprof/nativecore/attribution"
	"github.com/scaleneprof/nativecore/channel"
	"github.com/scaleneprof/nativecore/internal/log"
	"github.com/scaleneprof/nativecore/internal/version"
	"github.com/scaleneprof/nativecore/interpose"
	"github.com/scaleneprof/nativecore/sampler"
)

const (
	defaultMallocSignalTemplate = "/tmp/scalene-malloc-signal%d"
	defaultMallocLockTemplate   = "/tmp/scalene-malloc-lock%d"
	defaultMallocInitTemplate   = "/tmp/scalene-malloc-init%d"

	defaultMemcpySignalTemplate = "/tmp/scalene-memcpy-signal%d"
	defaultMemcpyLockTemplate   = "/tmp/scalene-memcpy-lock%d"
	defaultMemcpyInitTemplate   = "/tmp/scalene-memcpy-init%d"

	defaultAllocationThreshold uint64 = 1 << 20 // 1 MiB net footprint
	defaultMemcpyThreshold     uint64 = 1 << 24 // 16 MiB, per §2's "higher-threshold sampler"
)

// sigMallocDefault, sigFreeDefault, and sigMemcpyDefault are defined per
// platform in core_signals_unix.go / core_signals_windows.go: the Unix
// defaults are SIGXCPU/SIGXFSZ/SIGPROF per §6, but those three don't exist
// in Go's Windows syscall package.

type config struct {
	mallocSignalTemplate, mallocLockTemplate, mallocInitTemplate string
	memcpySignalTemplate, memcpyLockTemplate, memcpyInitTemplate string

	allocThreshold, memcpyThreshold uint64

	sigMalloc, sigFree, sigMemcpy syscall.Signal
	sharedTriggerSignal           bool

	doubleNewline bool

	statsdClient statsd.ClientInterface

	backing interpose.Allocator
}

func defaultConfig() config {
	return config{
		mallocSignalTemplate: defaultMallocSignalTemplate,
		mallocLockTemplate:   defaultMallocLockTemplate,
		mallocInitTemplate:   defaultMallocInitTemplate,
		memcpySignalTemplate: defaultMemcpySignalTemplate,
		memcpyLockTemplate:   defaultMemcpyLockTemplate,
		memcpyInitTemplate:   defaultMemcpyInitTemplate,
		allocThreshold:       envThresholdOr("SCALENE_ALLOC_THRESHOLD", defaultAllocationThreshold),
		memcpyThreshold:      envThresholdOr("SCALENE_MEMCPY_THRESHOLD", defaultMemcpyThreshold),
		sigMalloc:            sigMallocDefault,
		sigFree:              sigFreeDefault,
		sigMemcpy:            sigMemcpyDefault,
	}
}

func envThresholdOr(name string, fallback uint64) uint64 {
	v := os.Getenv(name)
	if v == "" {
		return fallback
	}
	n, err := strconv.ParseUint(v, 10, 64)
	if err != nil {
		log.Warn("nativecore: ignoring invalid %s=%q: %s", name, v, err)
		return fallback
	}
	return n
}

// Option configures a Core at construction. The zero value of config plus
// defaultConfig's env-var-aware defaults is always valid; Options layer on
// top in the order passed to New, so a later WithX wins over an earlier one
// or an env var, matching the teacher's documented override precedence.
type Option func(*config)

// WithChannelTemplates overrides the malloc/free channel's three file-name
// templates (§6: signal, lock, init — each containing one %d for the pid).
func WithChannelTemplates(signal, lock, init string) Option {
	return func(c *config) {
		c.mallocSignalTemplate, c.mallocLockTemplate, c.mallocInitTemplate = signal, lock, init
	}
}

// WithMemcpyChannelTemplates overrides the byte-copy channel's templates.
func WithMemcpyChannelTemplates(signal, lock, init string) Option {
	return func(c *config) {
		c.memcpySignalTemplate, c.memcpyLockTemplate, c.memcpyInitTemplate = signal, lock, init
	}
}

// WithAllocationThreshold overrides the net-footprint threshold for the
// malloc/free sampler.
func WithAllocationThreshold(n uint64) Option {
	return func(c *config) { c.allocThreshold = n }
}

// WithMemcpyThreshold overrides the net-footprint threshold for the
// byte-copy sampler.
func WithMemcpyThreshold(n uint64) Option {
	return func(c *config) { c.memcpyThreshold = n }
}

// WithSignalNumbers overrides the three Unix signals raised on fire (§6's
// defaults: SIGXCPU for malloc, SIGXFSZ for free, SIGPROF for memcpy).
// Ignored on platforms where notifications use named events instead.
func WithSignalNumbers(malloc, free, memcpy syscall.Signal) Option {
	return func(c *config) { c.sigMalloc, c.sigFree, c.sigMemcpy = malloc, free, memcpy }
}

// WithSharedTriggerSignal resolves Open Question 2: when true, malloc and
// free fires both raise c.sigMemcpy's signal number instead of their own
// distinct signals, for hosts with a single unified handler.
func WithSharedTriggerSignal(shared bool) Option {
	return func(c *config) { c.sharedTriggerSignal = shared }
}

// WithRecordTrailer resolves Open Question 3: double is true for a
// double-`\n` record trailer, false (the default) for single.
func WithRecordTrailer(double bool) Option {
	return func(c *config) { c.doubleNewline = double }
}

// WithStatsd installs a statsd client for the core's own operational health
// metrics (channel drops, bytes written, sampler fires, recursion-guard
// reentries) — distinct from the profiled program's data-plane Sample
// Channel. A nil client (the default) makes every metric call a no-op.
func WithStatsd(client statsd.ClientInterface) Option {
	return func(c *config) { c.statsdClient = client }
}

// WithBackingAllocator overrides the Backing Allocator the interposer
// wraps. Tests and embedders that don't need a real libc/jemalloc binding
// can supply a bump allocator or similar stand-in; New requires one.
func WithBackingAllocator(a interpose.Allocator) Option {
	return func(c *config) { c.backing = a }
}

// Core is the assembled runtime: one Threshold Sampler pair, one Sample
// Channel pair, one Interposer, and the attribution/path-filter state
// machine of §4.6.
type Core struct {
	runID string
	cfg   config

	interposer *interpose.Interposer

	allocChannel  *channel.Channel
	memcpyChannel *channel.Channel

	mallocNotifier, freeNotifier, memcpyNotifier channel.Notifier

	filter *attribution.PathFilter
	state  attribution.State
}

// New assembles a Core from opts. Per §7, any channel construction failure
// is unrecoverable: New returns a non-nil error and the caller MUST treat
// that as grounds to abort rather than run unprofiled silently beside a
// profiled-looking process.
func New(pid int, opts ...Option) (*Core, error) {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.backing == nil {
		return nil, fmt.Errorf("nativecore: New requires WithBackingAllocator")
	}

	runID := uuid.NewString()
	log.Debug("%s nativecore[%s]: constructing core for pid=%d", version.String(), runID, pid)

	allocCh, err := channel.Open(pid, cfg.mallocSignalTemplate, cfg.mallocLockTemplate, cfg.mallocInitTemplate)
	if err != nil {
		log.Error("nativecore[%s]: malloc channel construction failed: %s", runID, err)
		attribution.LogSelfDiagnostic("malloc channel construction failed")
		return nil, fmt.Errorf("nativecore: opening malloc channel: %w", err)
	}
	memcpyCh, err := channel.Open(pid, cfg.memcpySignalTemplate, cfg.memcpyLockTemplate, cfg.memcpyInitTemplate)
	if err != nil {
		allocCh.Close()
		log.Error("nativecore[%s]: memcpy channel construction failed: %s", runID, err)
		attribution.LogSelfDiagnostic("memcpy channel construction failed")
		return nil, fmt.Errorf("nativecore: opening memcpy channel: %w", err)
	}

	mallocSig, freeSig, memcpySig := cfg.sigMalloc, cfg.sigFree, cfg.sigMemcpy
	if cfg.sharedTriggerSignal {
		mallocSig, freeSig = memcpySig, memcpySig
	}
	mallocNotifier, err := channel.NewNotifier(pid, "malloc", mallocSig)
	if err != nil {
		allocCh.Close()
		memcpyCh.Close()
		return nil, fmt.Errorf("nativecore: building malloc notifier: %w", err)
	}
	freeNotifier, err := channel.NewNotifier(pid, "free", freeSig)
	if err != nil {
		allocCh.Close()
		memcpyCh.Close()
		return nil, fmt.Errorf("nativecore: building free notifier: %w", err)
	}
	memcpyNotifier, err := channel.NewNotifier(pid, "memcpy", memcpySig)
	if err != nil {
		allocCh.Close()
		memcpyCh.Close()
		return nil, fmt.Errorf("nativecore: building memcpy notifier: %w", err)
	}

	metrics := &statsdMetrics{client: cfg.statsdClient, runID: runID}
	allocCh.SetMetrics(metrics)
	memcpyCh.SetMetrics(metrics)

	interposer := interpose.New(cfg.backing, interpose.Options{
		AllocSampler:   sampler.NewThreshold(cfg.allocThreshold),
		MemcpySampler:  sampler.NewThreshold(cfg.memcpyThreshold),
		AllocChannel:   allocCh,
		MemcpyChannel:  memcpyCh,
		MallocNotifier: mallocNotifier,
		FreeNotifier:   freeNotifier,
		MemcpyNotifier: memcpyNotifier,
		PID:            pid,
		DoubleNewline:  cfg.doubleNewline,
		Metrics:        metrics,
	})

	return &Core{
		runID:          runID,
		cfg:            cfg,
		interposer:     interposer,
		allocChannel:   allocCh,
		memcpyChannel:  memcpyCh,
		mallocNotifier: mallocNotifier,
		freeNotifier:   freeNotifier,
		memcpyNotifier: memcpyNotifier,
		state:          attribution.StateUninitialized,
	}, nil
}

// Interposer exposes the assembled Allocation Interposer, for embedders
// that export its Malloc/Free/... methods as the process's actual
// allocation symbols.
func (c *Core) Interposer() *interpose.Interposer { return c.interposer }

// RegisterFilesToProfile implements §6's register_files_to_profile
// handshake: installs a new Path Filter and, as a side effect, installs
// hook as the Attribution Hook. Re-registration replaces the filter
// wholesale, per §4.6; any lookup already in flight against the old
// instance keeps running against it since PathFilter.ShouldTrace closes
// over the receiver, not a package global.
func (c *Core) RegisterFilesToProfile(basePath string, userSubstrings []string, profileAll bool, hook attribution.Hook) {
	c.filter = attribution.NewPathFilter(basePath, userSubstrings, profileAll)
	c.interposer.SetHook(hook)
	c.state = attribution.StateRegistered
	log.Debug("nativecore[%s]: registered path filter base=%q profileAll=%v", c.runID, basePath, profileAll)
}

// Filter returns the currently installed Path Filter, or nil before the
// first RegisterFilesToProfile call.
func (c *Core) Filter() *attribution.PathFilter { return c.filter }

// SetDone implements §6's set_scalene_done handshake: toggles the
// process-wide done flag the interposer checks at the top of every
// register_* call (Testable Property 7). Also drives the Running/Paused
// halves of §4.6's state machine.
func (c *Core) SetDone(done bool) {
	c.interposer.SetDone(done)
	if done {
		c.state = attribution.StatePaused
	} else if c.state == attribution.StatePaused || c.state == attribution.StateRegistered {
		c.state = attribution.StateRunning
	}
}

// State reports the profiler lifecycle state of §4.6.
func (c *Core) State() attribution.State { return c.state }

// Shutdown implements process-exit cleanup: closes both channels (signal
// and lock files are retained for the host-side drain, per §4.2) and marks
// the state machine terminal. Shutdown is irreversible; a new Core must be
// constructed to profile again.
func (c *Core) Shutdown() error {
	c.SetDone(true)
	c.state = attribution.StateShutdown
	var firstErr error
	if err := c.allocChannel.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := c.memcpyChannel.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	log.Debug("nativecore[%s]: shutdown complete", c.runID)
	return firstErr
}

// ChannelFiles reports the fully-substituted file names the host-side
// orchestrator needs in order to attach its own reader, per §6's "sample
// channel file names" handshake.
type ChannelFiles struct {
	MallocSignal, MallocLock, MallocInit string
	MemcpySignal, MemcpyLock, MemcpyInit string
}

// ChannelFiles returns the current channel file names.
func (c *Core) ChannelFiles() ChannelFiles {
	return ChannelFiles{
		MallocSignal: c.allocChannel.SignalPath(),
		MallocLock:   c.allocChannel.LockPath(),
		MallocInit:   c.allocChannel.InitPath(),
		MemcpySignal: c.memcpyChannel.SignalPath(),
		MemcpyLock:   c.memcpyChannel.LockPath(),
		MemcpyInit:   c.memcpyChannel.InitPath(),
	}
}

// Stats reports the interposer's atomic counters, for a host-side health
// check. The run id is not part of the snapshot; RunID reports it.
func (c *Core) Stats() interpose.Stats { return c.interposer.Stats() }

// RunID is the uuid correlating this Core's log lines across a run, useful
// when several profiled processes share a log aggregator.
func (c *Core) RunID() string { return c.runID }
