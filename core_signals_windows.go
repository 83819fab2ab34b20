// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016 Datadog, Inc.

//go:build windows

package nativecore

import "syscall"

// Windows' syscall package only defines the basic ANSI signal set
// (SIGHUP..SIGTERM) and has no SIGXCPU/SIGXFSZ/SIGPROF equivalents. These
// values are never inspected: channel.NewNotifier's Windows build ignores
// the signal argument entirely and signals a named event instead (see
// channel/notify_windows.go), so any distinct placeholders here are fine.
const (
	sigMallocDefault syscall.Signal = syscall.SIGHUP
	sigFreeDefault   syscall.Signal = syscall.SIGINT
	sigMemcpyDefault syscall.Signal = syscall.SIGTERM
)
