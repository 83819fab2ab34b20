// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016 Datadog, Inc.

package channel

import (
	"runtime"
	"sync/atomic"
)

// spinLock is a cross-process spin lock living directly in shared memory —
// its address is taken from inside a mapped region (see Open), so it must
// stay a single plain word with no pointers or Go-runtime-owned state.
// Mutual exclusion works purely through atomic CAS on that shared word; any
// process mapping the same page contends on the same lock.
type spinLock struct {
	state uint32
}

const (
	spinUnlocked = 0
	spinLocked   = 1
)

// init constructs the lock in the unlocked state. Called exactly once,
// by whichever process's Open call wins the one-shot init race.
func (s *spinLock) init() {
	atomic.StoreUint32(&s.state, spinUnlocked)
}

func (s *spinLock) lock() {
	for !atomic.CompareAndSwapUint32(&s.state, spinUnlocked, spinLocked) {
		runtime.Gosched()
	}
}

func (s *spinLock) unlock() {
	atomic.StoreUint32(&s.state, spinUnlocked)
}
