// Copyright 2025 The nulloc Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package nulloc

import (
	"log"
	"sync/atomic"
	"unsafe"

	"github.com/shisoft-research/nulloc/bump"
	"github.com/shisoft-research/nulloc/internal/nberr"
	"github.com/shisoft-research/nulloc/osfacade"
	"github.com/shisoft-research/nulloc/smallheap"
)

// Config parameterizes an Allocator's two backing heaps.
type Config struct {
	SmallHeap smallheap.Config
	LargeHeap bump.Config
}

// Allocator is the top-level malloc/free/calloc/realloc replacement:
// small requests are served by a NUMA-aware segregated-fit heap, large
// requests by a bump-pointer heap, dispatched by size on alloc and by
// address membership (the small heap's own index, falling back to the
// bump heap's reserved regions) on free/realloc/size-of.
type Allocator struct {
	small *smallheap.Heap
	large *bump.Heap

	// guard implements spec.md §4.1's per-thread reentrancy flag as a
	// per-CPU slot array (Go exposes no safe thread-local storage, and
	// goroutines migrate between OS threads — see DESIGN.md). Each slot
	// holds a per-call token rather than a bare bool, so a goroutine
	// that is preempted mid-call and resumed on a different CPU still
	// clears the slot it actually set instead of a stranger's.
	guard     []atomic.Uint64
	nextToken atomic.Uint64

	invalidFrees atomic.Uint64
}

// New builds an Allocator with its own small and large heaps.
func New(cfg Config) *Allocator {
	n := osfacade.CPUCount()
	if n < 1 {
		n = 1
	}
	return &Allocator{
		small: smallheap.New(cfg.SmallHeap),
		large: bump.New(cfg.LargeHeap),
		guard: make([]atomic.Uint64, n),
	}
}

// acquire claims this CPU's reentrancy slot for the calling goroutine.
// generic reports whether the caller is the outermost public call on
// this CPU (the common case); when false, the calling goroutine (or
// whatever the allocator's own bookkeeping triggered on this CPU) is
// already inside one of Malloc/Free/Calloc/Realloc and must not
// recurse into the small heap.
func (a *Allocator) acquire() (generic bool, idx int, token uint64) {
	idx = osfacade.CurrentCPU() % len(a.guard)
	token = a.nextToken.Add(1)
	if token == 0 {
		token = a.nextToken.Add(1)
	}
	return a.guard[idx].CompareAndSwap(0, token), idx, token
}

func (a *Allocator) release(idx int, token uint64) {
	a.guard[idx].CompareAndSwap(token, 0)
}

// allocGeneric dispatches a fresh allocation by size alone, per
// spec.md §4.1: smallheap.MaxObjectSize and below goes to the small heap,
// everything larger goes to the bump heap.
func (a *Allocator) allocGeneric(size uintptr) uintptr {
	if size <= smallheap.MaxObjectSize {
		return a.small.Alloc(size)
	}
	return a.large.Alloc(size)
}

// freeGeneric dispatches by address membership rather than by the
// reentrancy state: the small heap's own address→superblock index is
// tried first, and only an address it does not recognize is tested
// against the bump heap's reserved regions. Neither heap derives
// anything from the bytes at addr itself, so an address this
// Allocator never handed out is rejected rather than misread.
func (a *Allocator) freeGeneric(addr uintptr) bool {
	if a.small.Free(addr) {
		return true
	}
	if a.large.Owns(addr) {
		a.large.Free(addr)
		return true
	}
	return false
}

func (a *Allocator) sizeOfGeneric(addr uintptr) (uintptr, bool) {
	if size, ok := a.small.SizeOf(addr); ok {
		return size, true
	}
	if a.large.Owns(addr) {
		return a.large.SizeOf(addr), true
	}
	return 0, false
}

func zero(addr, n uintptr) {
	if n == 0 {
		return
	}
	clear(unsafe.Slice((*byte)(unsafe.Pointer(addr)), n))
}

// Malloc returns size bytes of zero-value-uninitialized memory, or nil
// for a zero-size request.
func (a *Allocator) Malloc(size uintptr) unsafe.Pointer {
	if size == 0 {
		return nil
	}
	if generic, idx, token := a.acquire(); generic {
		defer a.release(idx, token)
		addr := a.allocGeneric(size)
		debugAssert(addr != 0, "allocGeneric returned a null address for a nonzero size")
		return unsafe.Pointer(addr)
	}
	// Reentrant: this CPU is already servicing a public call, so the
	// request must be the allocator's own bookkeeping. Route it to the
	// bump heap directly rather than risk recursing into the small
	// heap's partially-mutated structures.
	return unsafe.Pointer(a.large.Alloc(size))
}

// Free releases ptr, which must have been returned by Malloc, Calloc,
// or Realloc on this Allocator. A ptr this Allocator does not
// recognize is logged and counted rather than acted on.
func (a *Allocator) Free(ptr unsafe.Pointer) {
	if ptr == nil {
		return
	}
	addr := uintptr(ptr)
	generic, idx, token := a.acquire()
	if generic {
		defer a.release(idx, token)
	}
	if !a.freeGeneric(addr) {
		a.invalidFrees.Add(1)
		log.Printf("%v: %#x", nberr.ErrInvalidPointer, addr)
	}
}

// Calloc returns a zero-initialized block of nmemb*size bytes, or nil
// if either argument is zero.
func (a *Allocator) Calloc(nmemb, size uintptr) unsafe.Pointer {
	if nmemb == 0 || size == 0 {
		return nil
	}
	total := nmemb * size
	if generic, idx, token := a.acquire(); generic {
		defer a.release(idx, token)
		addr := a.allocGeneric(total)
		zero(addr, total)
		return unsafe.Pointer(addr)
	}
	addr := a.large.Alloc(total)
	zero(addr, total)
	return unsafe.Pointer(addr)
}

// Realloc resizes ptr to size bytes. realloc(nil, size) is Malloc(size);
// realloc(ptr, 0) frees ptr and returns nil. When the existing
// allocation already covers size, ptr is returned unchanged; otherwise
// a new block is allocated, the old contents copied, and the old block
// freed.
func (a *Allocator) Realloc(ptr unsafe.Pointer, size uintptr) unsafe.Pointer {
	if ptr == nil {
		return a.Malloc(size)
	}
	if size == 0 {
		a.Free(ptr)
		return nil
	}
	addr := uintptr(ptr)
	oldSize, ok := a.sizeOfGeneric(addr)
	if !ok {
		a.invalidFrees.Add(1)
		log.Printf("%v: realloc of %#x", nberr.ErrInvalidPointer, addr)
		return nil
	}
	if oldSize >= size {
		return ptr
	}
	newPtr := a.Malloc(size)
	if newPtr == nil {
		return nil
	}
	src := unsafe.Slice((*byte)(ptr), oldSize)
	dst := unsafe.Slice((*byte)(newPtr), oldSize)
	copy(dst, src)
	a.Free(ptr)
	return newPtr
}

// SizeOf returns the usable size recorded for ptr, or false if ptr is
// not an address this Allocator has outstanding.
func (a *Allocator) SizeOf(ptr unsafe.Pointer) (uintptr, bool) {
	if ptr == nil {
		return 0, false
	}
	return a.sizeOfGeneric(uintptr(ptr))
}

// InvalidFreeCount reports how many Free/Realloc calls were given a
// pointer this Allocator does not track.
func (a *Allocator) InvalidFreeCount() uint64 {
	return a.invalidFrees.Load()
}

// ReleaseCPU transfers cpu's preferred small-heap superblocks back to
// their node's shared pool. Callers that pin long-lived worker
// goroutines to specific CPUs should call this before retiring one, so
// other CPUs on the node can still reach the retiring CPU's spare
// superblock capacity rather than leaving it reachable only through a
// future remote free.
func (a *Allocator) ReleaseCPU(cpu int) {
	a.small.ReleaseThread(cpu)
}

// Default is the package-level Allocator backing the package-level
// Malloc/Free/Calloc/Realloc/SizeOf functions, for callers that want
// malloc-family semantics without constructing their own Allocator.
var Default = New(Config{})

// Malloc calls Default.Malloc.
func Malloc(size uintptr) unsafe.Pointer { return Default.Malloc(size) }

// Free calls Default.Free.
func Free(ptr unsafe.Pointer) { Default.Free(ptr) }

// Calloc calls Default.Calloc.
func Calloc(nmemb, size uintptr) unsafe.Pointer { return Default.Calloc(nmemb, size) }

// Realloc calls Default.Realloc.
func Realloc(ptr unsafe.Pointer, size uintptr) unsafe.Pointer { return Default.Realloc(ptr, size) }

// SizeOf calls Default.SizeOf.
func SizeOf(ptr unsafe.Pointer) (uintptr, bool) { return Default.SizeOf(ptr) }
