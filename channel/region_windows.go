// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016 Datadog, Inc.

//go:build windows

package channel

import (
	"os"
	"unsafe"

	"golang.org/x/sys/windows"
)

func unsafeSliceFromAddr(addr uintptr, size int) []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(addr)), size)
}

// windowsRegion backs a mappedRegion with a regular file plus a file
// mapping view — the closest Windows analog to POSIX MAP_SHARED over a
// named file under /tmp.
type windowsRegion struct {
	file    *os.File
	mapping windows.Handle
	addr    uintptr
	data    []byte
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

	mapping, err := windows.CreateFileMapping(windows.Handle(f.Fd()), nil, windows.PAGE_READWRITE, uint32(size>>32), uint32(size), nil)
	if err != nil {
		f.Close()
		return nil, err
	}
	addr, err := windows.MapViewOfFile(mapping, windows.FILE_MAP_WRITE, 0, 0, uintptr(size))
	if err != nil {
		windows.CloseHandle(mapping)
		f.Close()
		return nil, err
	}

	data := unsafeSliceFromAddr(addr, int(size))
	return &windowsRegion{file: f, mapping: mapping, addr: addr, data: data}, nil
}

func (r *windowsRegion) Bytes() []byte { return r.data }

func (r *windowsRegion) Sync() error {
	return windows.FlushViewOfFile(r.addr, uintptr(len(r.data)))
}

func (r *windowsRegion) Close() error {
	var firstErr error
	if err := windows.UnmapViewOfFile(r.addr); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := windows.CloseHandle(r.mapping); err != nil && firstErr == nil {
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

// runOneShotInit mirrors the Unix implementation using LockFileEx for the
// exclusive advisory lock.
func runOneShotInit(path string) (firstConstruction bool, err error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o666)
	if err != nil {
		return false, err
	}
	defer f.Close()

	h := windows.Handle(f.Fd())
	ol := new(windows.Overlapped)
	if err := windows.LockFileEx(h, windows.LOCKFILE_EXCLUSIVE_LOCK, 0, 1, 0, ol); err != nil {
		return false, err
	}
	defer windows.UnlockFileEx(h, 0, 1, 0, ol)

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

// namedEvent wraps a Windows auto-reset event, used in place of Unix
// signals (§6: "Local\scalene-{malloc,free,memcpy}-event%d").
type namedEvent struct {
	handle windows.Handle
}

func newNamedEvent(name string) (*namedEvent, error) {
	namePtr, err := windows.UTF16PtrFromString(name)
	if err != nil {
		return nil, err
	}
	h, err := windows.CreateEvent(nil, 0, 0, namePtr)
	if err != nil {
		return nil, err
	}
	return &namedEvent{handle: h}, nil
}

func (e *namedEvent) Signal() error {
	return windows.SetEvent(e.handle)
}

func (e *namedEvent) Close() error {
	return windows.CloseHandle(e.handle)
}
