// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016 Datadog, Inc.

//go:build !windows

package nativecore

import "syscall"

// Default trigger signals (§6): SIGXCPU for malloc, SIGXFSZ for free,
// SIGPROF for memcpy. None of these exist on Windows (see
// core_signals_windows.go), which is why they live behind a build tag
// rather than as plain core.go constants.
const (
	sigMallocDefault syscall.Signal = syscall.SIGXCPU
	sigFreeDefault   syscall.Signal = syscall.SIGXFSZ
	sigMemcpyDefault syscall.Signal = syscall.SIGPROF
)
