// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016 Datadog, Inc.

//go:build linux || darwin

package channel

import (
	"os"

	"golang.org/x/sys/unix"
)

// unixRegion backs a mappedRegion with a regular file (under /tmp, per §6's
// naming scheme) plus an mmap'd MAP_SHARED view, so every process that
// opens the same path shares the same physical pages.
type unixRegion struct {
	file *os.File
	data []byte
}

func createMappedRegion(path string, size int64) (mappedRegion, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o666)
	if err != nil {
		return nil, err
	}
	if err := f.Truncate(size); err != nil {
		f.Close()
		return nil, err
	}
	data, err := unix.Mmap(int(f.Fd()), 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, err
	}
	return &unixRegion{file: f, data: data}, nil
}

func (r *unixRegion) Bytes() []byte { return r.data }

func (r *unixRegion) Sync() error {
	return unix.Msync(r.data, unix.MS_SYNC)
}

func (r *unixRegion) Close() error {
	var firstErr error
	if err := unix.Munmap(r.data); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := r.file.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

func removeFile(path string) error {
	err := os.Remove(path)
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

// runOneShotInit implements §4.2's init protocol: open the init file
// exclusively locked, check for the magic, and either bind to an
// already-constructed lock or claim first-construction. firstConstruction
// tells the caller whether it must call spinLock.init and zero the write
// offset.
func runOneShotInit(path string) (firstConstruction bool, err error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o666)
	if err != nil {
		return false, err
	}
	defer f.Close()

	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX); err != nil {
		return false, err
	}
	defer unix.Flock(int(f.Fd()), unix.LOCK_UN)

	buf := make([]byte, 3)
	n, _ := f.ReadAt(buf, 0)
	if n == 3 && string(buf) == initMagic {
		return false, nil
	}

	if _, err := f.WriteAt([]byte(initMagic), 0); err != nil {
		return false, err
	}
	if err := f.Sync(); err != nil {
		return false, err
	}
	return true, nil
}

// raiseSignal delivers sig to this process, notifying whatever handler the
// host-language runtime has installed for it (§6's signal table).
func raiseSignal(sig unix.Signal) error {
	return unix.Kill(os.Getpid(), sig)
}
