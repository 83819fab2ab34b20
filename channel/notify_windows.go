// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016 Datadog, Inc.

//go:build windows

package channel

import (
	"fmt"
	"syscall"
)

// Notifier delivers a non-blocking "a sample is ready" signal to whatever
// the host-language runtime has installed a handler for, per §6.
type Notifier interface {
	Notify() error
}

type windowsNotifier struct {
	event *namedEvent
}

// NewNotifier builds the platform notifier for one of the three channel
// kinds ("malloc", "free", "memcpy"). On Windows this sets the named
// auto-reset event Local\scalene-{name}-event{pid}; sig is accepted for
// signature parity with the Unix build, which uses it as the signal number
// instead.
func NewNotifier(pid int, name string, sig syscall.Signal) (Notifier, error) {
	eventName := fmt.Sprintf(`Local\scalene-%s-event%d`, name, pid)
	ev, err := newNamedEvent(eventName)
	if err != nil {
		return nil, err
	}
	return &windowsNotifier{event: ev}, nil
}

func (n *windowsNotifier) Notify() error {
	return n.event.Signal()
}
