// Copyright 2025 The nulloc Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package nulloc is a segregated-fit, NUMA-aware concurrent heap
// allocator: a malloc/free/calloc/realloc replacement built from a
// lock-free small-object heap backed by per-CPU superblocks and a
// bump-pointer large-object heap, dispatched by requested size on
// alloc and by address membership on free.
//
// # Dispatch
//
// Allocator.Malloc routes requests at or below smallheap.MaxObjectSize
// to the small heap and everything larger to the bump heap. Free,
// Realloc, and SizeOf do not need the caller to remember which heap
// served an address: the small heap's own address→superblock index is
// tried first, and an address it does not recognize is then tested
// against the bump heap's reserved regions. Neither heap reads
// anything from the bytes at the address itself to make this
// decision, so a genuinely invalid pointer is rejected rather than
// misrouted.
//
// # Reentrancy
//
// The allocator's own bookkeeping — hash-table chunks, paged-list
// pages, superblock descriptors — must never recursively enter the
// small heap while servicing a caller's Malloc/Free/Calloc/Realloc, or
// it could observe its own in-progress mutation of the very structures
// it depends on. A small per-CPU guard array detects this case (an
// allocator-internal call arriving on a CPU that already has one of the
// four public routines in flight) and routes it straight to the bump
// heap instead of the small heap.
//
// # Errors
//
// Out-of-address-space is fatal and panics, matching the bump heap's
// region reservation having no recovery path. An invalid pointer
// passed to Free or Realloc is logged and counted via
// Allocator.InvalidFreeCount rather than causing a crash (SizeOf just
// reports false for one); a double free
// is, as with the C family, undetected by design.
//
// # Dependencies
//
// nulloc depends on:
//   - iox: Backoff, the adaptive wait used to retry a failed region
//     reservation before the bump heap gives up and panics.
//   - spin: spin-wait primitives for the bump-pointer, paged-list and
//     hash-table CAS retry loops.
//   - golang.org/x/sys/unix: the osfacade package's mmap/munmap and
//     sysfs topology calls.
package nulloc
