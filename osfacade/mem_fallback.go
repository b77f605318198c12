// Copyright 2025 The nulloc Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

//go:build !unix

package osfacade

import (
	"sync"
	"unsafe"
)

// Reserve/Release fall back to Go-managed memory on platforms without a
// raw mmap facility exposed through golang.org/x/sys/unix. The slice is
// kept alive for the lifetime of the reservation by pinning it in
// reservations; it is not truly unmanaged memory, but it gives the rest
// of the allocator a real address range to bump-allocate over.
var reservations sync.Map // uintptr -> []byte

func Reserve(n uintptr) (uintptr, error) {
	b := make([]byte, n)
	addr := uintptr(unsafe.Pointer(&b[0]))
	reservations.Store(addr, b)
	return addr, nil
}

func Release(addr, n uintptr) error {
	reservations.Delete(addr)
	return nil
}

func AdviseDontNeed(addr, n uintptr) error {
	return nil
}

func DisableHugePages(addr, n uintptr) error {
	return nil
}

func pageSize() uintptr {
	return 4096
}
