// Copyright 2025 The nulloc Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package bump implements spec.md §4.2's bump heap: a CAS-driven linear
// reservation allocator over raw mmap'd virtual memory, used both to
// serve large objects directly and, via rawBumpAlloc, to back the
// allocator's own internal bookkeeping (superblocks, hash-table
// chunks, paged-list pages) so those structures never re-enter the
// small heap.
//
// Grounded on original_source/src/bump_heap.rs's AllocatorInner::alloc
// bump-pointer loop, translated from a single fixed 2GiB HEAP_VIRT_SIZE
// region to a sequence of osfacade-reserved regions of a configurable
// size (the original's single-region assumption does not hold once
// region reservation is a fallible OS call rather than a fixed static
// range).
package bump

import (
	"fmt"
	"sync"
	"sync/atomic"
	"unsafe"

	"code.hybscloud.com/iox"
	"code.hybscloud.com/spin"

	"github.com/shisoft-research/nulloc/internal/nberr"
	"github.com/shisoft-research/nulloc/internal/sizeclass"
	"github.com/shisoft-research/nulloc/lflist"
	"github.com/shisoft-research/nulloc/osfacade"
)

const wordSize = unsafe.Sizeof(uintptr(0))

// reserveRetries bounds how many times reserveRegion retries a failed
// osfacade.Reserve with iox.Backoff before giving up and panicking.
// Region reservation only happens on construction and on the rare
// rotate-out path, never on a hot allocation, so a blocking retry loop
// here does not violate the fast path's non-blocking requirement.
const reserveRetries = 8

// DefaultRegionSize is the size of each region reserved from the OS as
// the bump pointer exhausts the current one. spec.md's provenance note
// (original_source/src/bump_heap.rs: HEAP_VIRT_SIZE = 2GiB) reserved a
// single fixed address range up front; this module reserves on demand
// in smaller increments so construction never has to commit multiple
// gigabytes of address space eagerly.
const DefaultRegionSize = 128 << 20

// DefaultNumTiers covers bump-path free lists up to 2^(DefaultNumTiers).
// Twice small heap's tier count (sizeclass package, §8 MODULE: smallheap)
// so the bump path comfortably covers everything above the small-object
// ceiling as well as the allocator's own metadata allocations.
const DefaultNumTiers = 32

// Config parameterizes a Heap.
type Config struct {
	RegionSize uintptr
	NumTiers   int
}

// Heap is a single bump-pointer arena plus a tier-indexed array of
// lock-free free lists for objects it has serviced and that were later
// freed. Regions are never unmapped once in use; the only memory handed
// back to the OS is the whole pages of a freed object too large for any
// free-list tier (see Free) and a region that lost a rotation race.
type Heap struct {
	regionSize uintptr
	base       atomic.Uintptr
	tail       atomic.Uintptr
	freeLists  []*lflist.List[uintptr]
	reserved   atomic.Uint64

	// regionsMu guards regions, the list of every region base this Heap
	// has ever reserved (live or rotated-out). Owns walks it to answer
	// "did this Heap hand out addr" without touching addr's memory, so
	// callers can test membership for an address they do not yet trust.
	// Appends only happen on the cold reserve/rotate path, so a plain
	// mutex is fine.
	regionsMu sync.Mutex
	regions   []uintptr
}

// Owns reports whether addr falls inside a region this Heap has
// reserved, without dereferencing addr. The nulloc package's generic
// dispatch uses this to decide whether an address belongs to the bump
// heap before calling Free/SizeOf/Realloc on it.
func (h *Heap) Owns(addr uintptr) bool {
	h.regionsMu.Lock()
	defer h.regionsMu.Unlock()
	for _, base := range h.regions {
		if addr >= base && addr < base+h.regionSize {
			return true
		}
	}
	return false
}

// New reserves the first region and returns a ready-to-use Heap.
func New(cfg Config) *Heap {
	if cfg.RegionSize == 0 {
		cfg.RegionSize = DefaultRegionSize
	}
	if cfg.NumTiers == 0 {
		cfg.NumTiers = DefaultNumTiers
	}
	h := &Heap{regionSize: cfg.RegionSize}
	base := h.reserveRegion()
	h.base.Store(base)
	h.tail.Store(base)
	h.freeLists = make([]*lflist.List[uintptr], cfg.NumTiers)
	for i := range h.freeLists {
		h.freeLists[i] = lflist.New[uintptr](h.rawBumpAlloc, 0)
	}
	return h
}

// reserveRegion asks the OS for a fresh region, retrying transient
// failures with an iox.Backoff (the same adaptive-wait type the
// teacher's bounded pool uses for external resource-scale events)
// before giving up and panicking: address-space exhaustion is rarely
// permanent on its own (another goroutine releasing a region, or the
// OS reclaiming overcommitted pages, can clear it), but it is also
// never a hot-path condition worth spinning a CAS loop over.
func (h *Heap) reserveRegion() uintptr {
	var bo iox.Backoff
	var err error
	for attempt := 0; attempt < reserveRetries; attempt++ {
		var addr uintptr
		addr, err = osfacade.Reserve(h.regionSize)
		if err == nil {
			_ = osfacade.DisableHugePages(addr, h.regionSize) // best-effort hint
			h.reserved.Add(uint64(h.regionSize))
			h.regionsMu.Lock()
			h.regions = append(h.regions, addr)
			h.regionsMu.Unlock()
			return addr
		}
		bo.Wait()
	}
	panic(fmt.Errorf("%w: %v", nberr.ErrOutOfAddressSpace, err))
}

// rawBumpAlloc reserves n raw, bookmark-free, word-aligned bytes from
// the arena. It backs both the bookmarked public Alloc path and,
// directly, the lflist pages for this Heap's own free lists and any
// lfmap/lflist structures the rest of the module routes through it.
func (h *Heap) rawBumpAlloc(n uintptr) uintptr {
	return h.AllocAligned(n, wordSize)
}

// AllocUnaligned is rawBumpAlloc exported as an lflist/lfmap
// Allocator: word-aligned, bookmark-free raw memory, used to back the
// page-chain and chunk storage of every lock-free structure this
// module routes through a bump heap.
func (h *Heap) AllocUnaligned(n uintptr) uintptr {
	return h.rawBumpAlloc(n)
}

// AllocAligned reserves n raw, bookmark-free bytes aligned to align
// (which must be a power of two). The small heap uses this directly
// to carve cache-line-aligned superblock object storage, so that the
// objects of two distinct superblocks never share a cache line.
func (h *Heap) AllocAligned(n uintptr, align uintptr) uintptr {
	if align < wordSize {
		align = wordSize
	}
	var w spin.Wait
	for {
		base := h.base.Load()
		tail := h.tail.Load()
		if tail < base || tail > base+h.regionSize {
			// Another goroutine rotated the region out from under us.
			w.Once()
			continue
		}
		start := alignUp(tail, align)
		newTail := start + n
		if newTail > base+h.regionSize {
			h.rotateRegion(base)
			w.Once()
			continue
		}
		if h.tail.CompareAndSwap(tail, newTail) {
			return start
		}
		w.Once()
	}
}

func alignUp(addr, align uintptr) uintptr {
	return (addr + align - 1) &^ (align - 1)
}

// rotateRegion reserves a fresh region and swings base to it. Exactly
// one competing goroutine wins the CAS; the rest release the region
// they reserved and retry against whatever region won.
func (h *Heap) rotateRegion(observedBase uintptr) {
	newBase := h.reserveRegion()
	if h.base.CompareAndSwap(observedBase, newBase) {
		h.tail.Store(newBase)
		return
	}
	h.reserved.Add(^uint64(h.regionSize) + 1) // -regionSize; atomic.Uint64 has no Sub.
	_ = osfacade.Release(newBase, h.regionSize)
	h.regionsMu.Lock()
	for i, base := range h.regions {
		if base == newBase {
			h.regions = append(h.regions[:i], h.regions[i+1:]...)
			break
		}
	}
	h.regionsMu.Unlock()
}

// writeBookmark stamps addr's header word with its payload size. Only
// bump's own Alloc uses this: every bump allocation reserves an extra
// wordSize of header room up front (see Alloc), so the word at
// addr-wordSize is always this Heap's own memory to write. Nothing
// outside this package may call it — an object carved by any other
// allocator (the small heap's superblocks included) has no such
// header margin, and writing one would corrupt a neighboring object.
func writeBookmark(addr uintptr, payload uintptr) {
	hdr := (*uintptr)(unsafe.Pointer(addr - wordSize))
	*hdr = payload
}

// readBookmark returns the payload size stored just before addr.
func readBookmark(addr uintptr) uintptr {
	return *(*uintptr)(unsafe.Pointer(addr - wordSize))
}

func tierFor(size uintptr) (tier int, actual uintptr) {
	tier = sizeclass.TierOf(size)
	actual = sizeclass.SizeOfTier(tier)
	return
}

// Alloc returns the address of a usable region of at least size bytes,
// preferring a free-list entry of the matching tier before bumping new
// memory, matching spec.md §4.1's "segregated-fit, reuse-before-grow"
// allocation order.
func (h *Heap) Alloc(size uintptr) uintptr {
	if size == 0 {
		size = 1
	}
	tier, actual := tierFor(size)
	if tier < len(h.freeLists) {
		if addr, ok := h.freeLists[tier].Pop(); ok {
			return addr
		}
	}
	raw := h.rawBumpAlloc(actual + wordSize)
	addr := raw + wordSize
	writeBookmark(addr, actual)
	return addr
}

// Free returns addr to its tier's free list, or, for an object too
// large for any tracked tier, returns its pages straight to the OS via
// AdviseDontNeed rather than leaking or free-listing them.
func (h *Heap) Free(addr uintptr) {
	size := readBookmark(addr)
	tier := sizeclass.TierOf(size)
	if tier >= len(h.freeLists) {
		releasePages(addr, size)
		return
	}
	h.freeLists[tier].Push(addr)
}

// releasePages hands back to the OS only the whole pages fully
// contained within [addr, addr+size), leaving any partial page at
// either edge untouched since it may still hold a live neighbor's
// bytes from the same bump-carved region.
func releasePages(addr, size uintptr) {
	page := osfacade.PageSize()
	start := alignUp(addr, page)
	end := (addr + size) &^ (page - 1)
	if end <= start {
		return
	}
	_ = osfacade.AdviseDontNeed(start, end-start)
}

// SizeOf returns the usable size recorded in addr's bookmark.
func (h *Heap) SizeOf(addr uintptr) uintptr {
	return readBookmark(addr)
}

// Realloc grows or shrinks an existing allocation. Shrinking (newSize
// fits in the existing tier's size) is a deliberate no-op, matching
// spec.md §8's "Realloc shrink" scenario: the original pointer and
// bookmark are returned unchanged and no copy happens.
func (h *Heap) Realloc(addr uintptr, newSize uintptr) uintptr {
	oldSize := readBookmark(addr)
	if newSize <= oldSize {
		return addr
	}
	newAddr := h.Alloc(newSize)
	src := unsafe.Slice((*byte)(unsafe.Pointer(addr)), oldSize)
	dst := unsafe.Slice((*byte)(unsafe.Pointer(newAddr)), oldSize)
	copy(dst, src)
	h.Free(addr)
	return newAddr
}

// ReservedBytes reports how many bytes this Heap has reserved from the
// OS across all of its regions, live or rotated-out.
func (h *Heap) ReservedBytes() uint64 {
	return h.reserved.Load()
}
