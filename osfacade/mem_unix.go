// Copyright 2025 The nulloc Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

//go:build unix

package osfacade

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

// Reserve asks the OS for a contiguous, anonymous, private virtual
// memory range of n bytes with read/write permission. It must not
// fail-silent: a non-nil error always means no memory was reserved.
//
// Grounded on original_source/src/mmap.rs's mmap_without_fd.
func Reserve(n uintptr) (uintptr, error) {
	b, err := unix.Mmap(-1, 0, int(n), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return 0, err
	}
	return uintptr(unsafe.Pointer(&b[0])), nil
}

// Release destroys a previously reserved range.
//
// Grounded on original_source/src/mmap.rs's munmap_memory.
func Release(addr, n uintptr) error {
	b := unsafe.Slice((*byte)(unsafe.Pointer(addr)), n)
	return unix.Munmap(b)
}

// AdviseDontNeed returns the physical pages backing [addr, addr+n) to
// the OS without unmapping the virtual range — the bump heap's route for
// handing large freed objects back to the kernel (spec.md §4.2).
func AdviseDontNeed(addr, n uintptr) error {
	b := unsafe.Slice((*byte)(unsafe.Pointer(addr)), n)
	return unix.Madvise(b, unix.MADV_DONTNEED)
}

// DisableHugePages hints the kernel against backing [addr, addr+n) with
// transparent huge pages. Best-effort: not every platform supports the
// hint, and failure here is never fatal.
func DisableHugePages(addr, n uintptr) error {
	b := unsafe.Slice((*byte)(unsafe.Pointer(addr)), n)
	return unix.Madvise(b, unix.MADV_NOHUGEPAGE)
}

func pageSize() uintptr {
	return uintptr(unix.Getpagesize())
}
