// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016 Datadog, Inc.

//go:build linux || darwin

package channel

import (
	"syscall"

	"golang.org/x/sys/unix"
)

// Notifier delivers a non-blocking "a sample is ready" signal to whatever
// the host-language runtime has installed a handler for, per §6.
type Notifier interface {
	Notify() error
}

type unixNotifier struct {
	sig unix.Signal
}

// NewNotifier builds the platform notifier for one of the three channel
// kinds ("malloc", "free", "memcpy"). On Unix this raises sig against the
// calling process; name is accepted for signature parity with the Windows
// build, which uses it as the named-event suffix instead.
func NewNotifier(pid int, name string, sig syscall.Signal) (Notifier, error) {
	return &unixNotifier{sig: unix.Signal(sig)}, nil
}

func (n *unixNotifier) Notify() error {
	return raiseSignal(n.sig)
}
