// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016 Datadog, Inc.

package interpose

import "unsafe"

// doMemcpy and doMemmove perform the actual byte copy that a libc memcpy/
// memmove would. Go's copy() already handles overlapping source/destination
// slices correctly (it chooses a direction that doesn't corrupt the data),
// which is exactly memmove's contract, so both wrappers share one
// implementation.
func doMemcpy(dst, src unsafe.Pointer, n uintptr) unsafe.Pointer {
	return rawCopy(dst, src, n)
}

func doMemmove(dst, src unsafe.Pointer, n uintptr) unsafe.Pointer {
	return rawCopy(dst, src, n)
}

func rawCopy(dst, src unsafe.Pointer, n uintptr) unsafe.Pointer {
	if n == 0 {
		return dst
	}
	d := unsafe.Slice((*byte)(dst), n)
	s := unsafe.Slice((*byte)(src), n)
	copy(d, s)
	return dst
}

// maxCString bounds the scan for a NUL terminator so that a corrupt or
// non-terminated source buffer can't run the interposer off the end of
// mapped memory.
const maxCString = 1 << 20

// doStrcpy and doStrcpyCounted copy bytes from src to dst up to and
// including the first NUL terminator. doStrcpyCounted also reports the
// byte count copied, which doStrcpy's plain wrapper discards — the
// byte-copy sampler needs it, but callers that only want strcpy's normal
// return value don't.
func doStrcpy(dst, src unsafe.Pointer) unsafe.Pointer {
	_, result := doStrcpyCounted(dst, src)
	return result
}

func doStrcpyCounted(dst, src unsafe.Pointer) (n uintptr, result unsafe.Pointer) {
	s := unsafe.Slice((*byte)(src), maxCString)
	length := 0
	for length < maxCString && s[length] != 0 {
		length++
	}
	n = uintptr(length + 1) // include the terminator
	d := unsafe.Slice((*byte)(dst), n)
	copy(d, s[:n])
	return n, dst
}
