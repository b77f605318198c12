// Copyright 2025 The nulloc Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package lflist implements the paged, reference-counted lock-free list
// described in spec.md §4.4 ("Paged-list buffer"): a singly linked chain
// of fixed-capacity pages, each page a flat array of (flag, payload)
// slots. Push/Pop operate purely through CAS on the page's fill count
// and per-slot flag words; no mutex is ever taken.
//
// Grounded on original_source/src/collections/lflist.rs's List<T, A>/
// BufferMeta<T, A>, adapted from Rust's raw-pointer/generic-allocator
// design to Go generics plus an injected Allocator function. All
// instantiations used by this module (bump, smallheap, evmap) carry
// pointer-free payloads (raw uintptr addresses or small uintptr
// structs), so pages can safely live in memory handed out by an
// Allocator backed by the bump heap: the Go GC never needs to scan
// them, matching spec.md §9's reentrancy requirement that the
// allocator's own bookkeeping never re-enters the small heap.
package lflist

import (
	"sync/atomic"
	"unsafe"

	"code.hybscloud.com/spin"

	"github.com/shisoft-research/nulloc/osfacade"
)

// Allocator hands back the address of a zeroed block of at least size
// bytes that will never be freed by this package. In this module it is
// always ultimately backed by a bump.Heap's raw allocation primitive.
type Allocator func(size uintptr) uintptr

const (
	flagEmpty    uint64 = 0
	flagSentinel uint64 = 1
	flagPresent  uint64 = 2
)

type slot[T any] struct {
	flag atomic.Uint64
	val  T
}

type page[T any] struct {
	head atomic.Uint32
	next atomic.Pointer[page[T]]
	refs atomic.Int64
	cap  uint32
	slots []slot[T]
}

// List is a lock-free LIFO stack of T built from fixed-capacity pages.
// The zero value is not usable; construct with New.
type List[T any] struct {
	head    atomic.Pointer[page[T]]
	count   atomic.Int64
	cap     uint32
	alloc   Allocator
	exch    *exchange[T]
}

// New creates an empty list whose pages are carved from alloc and hold
// at most capPerPage entries each. A capPerPage of 0 picks a default
// derived from the host page size, matching the original's one-OS-page
// BufferMeta sizing.
func New[T any](alloc Allocator, capPerPage int) *List[T] {
	if capPerPage <= 0 {
		var zero slot[T]
		stride := unsafe.Sizeof(zero)
		hdr := unsafe.Sizeof(page[T]{})
		ps := uintptr(osfacade.PageSize())
		if ps <= hdr {
			capPerPage = 64
		} else {
			capPerPage = int((ps - hdr) / stride)
			if capPerPage < 8 {
				capPerPage = 8
			}
		}
	}
	l := &List[T]{cap: uint32(capPerPage), alloc: alloc}
	l.exch = newExchange[T](16)
	first := newPage[T](alloc, l.cap)
	l.head.Store(first)
	return l
}

func newPage[T any](alloc Allocator, capacity uint32) *page[T] {
	var s slot[T]
	stride := unsafe.Sizeof(s)
	hdr := unsafe.Sizeof(page[T]{})
	total := hdr + stride*uintptr(capacity)
	addr := alloc(total)
	p := (*page[T])(unsafe.Pointer(addr))
	*p = page[T]{}
	p.cap = capacity
	p.refs.Store(1)
	slotBase := addr + hdr
	p.slots = unsafe.Slice((*slot[T])(unsafe.Pointer(slotBase)), int(capacity))
	return p
}

// Len reports the number of entries currently reachable by Pop. It is
// advisory under concurrent mutation, matching the original's plain
// usize counter.
func (l *List[T]) Len() int64 {
	return l.count.Load()
}

// Push inserts v at the top of the list.
func (l *List[T]) Push(v T) {
	var w spin.Wait
	for {
		p := l.head.Load()
		h := p.head.Load()
		if h >= p.cap {
			np := newPage[T](l.alloc, l.cap)
			np.next.Store(p)
			if l.head.CompareAndSwap(p, np) {
				// np becomes reachable; loop will fill it next iteration.
			}
			w.Once()
			continue
		}
		if !p.head.CompareAndSwap(h, h+1) {
			if l.exch.tryOfferPush(v) {
				l.count.Add(1)
				return
			}
			w.Once()
			continue
		}
		p.slots[h].val = v
		p.slots[h].flag.Store(flagPresent)
		l.count.Add(1)
		return
	}
}

// Pop removes and returns the most recently pushed entry. ok is false
// when the list is empty.
func (l *List[T]) Pop() (v T, ok bool) {
	if l.count.Load() <= 0 {
		if pv, pok := l.exch.tryOfferPop(); pok {
			l.count.Add(-1)
			return pv, true
		}
		return v, false
	}
	var w spin.Wait
	for {
		p := l.head.Load()
		h := p.head.Load()
		if h == 0 {
			next := p.next.Load()
			if next == nil {
				if pv, pok := l.exch.tryOfferPop(); pok {
					l.count.Add(-1)
					return pv, true
				}
				return v, false
			}
			if l.head.CompareAndSwap(p, next) {
				l.retirePage(p)
			}
			w.Once()
			continue
		}
		pos := h - 1
		s := &p.slots[pos]
		flag := s.flag.Load()
		switch flag {
		case flagEmpty:
			w.Once()
			continue
		case flagSentinel:
			p.head.CompareAndSwap(h, pos)
			continue
		default:
			if !s.flag.CompareAndSwap(flag, flagEmpty) {
				w.Once()
				continue
			}
			out := s.val
			var zero T
			s.val = zero
			if p.head.CompareAndSwap(h, pos) {
				l.count.Add(-1)
				return out, true
			}
			// A concurrent push moved head past this slot; the value is
			// already ours, so leave a sentinel hole and return it.
			s.flag.Store(flagSentinel)
			l.count.Add(-1)
			return out, true
		}
	}
}

// retirePage drops this package's reference to p once it has rotated
// out of the head position. Any slots still flagged present (a push
// raced the rotation and lost) are pushed back onto the live list so
// no entry is lost.
func (l *List[T]) retirePage(p *page[T]) {
	if p.refs.Add(-1) != 0 {
		return
	}
	h := p.head.Load()
	for i := uint32(0); i < h; i++ {
		s := &p.slots[i]
		if s.flag.Load() == flagPresent {
			l.Push(s.val)
		}
	}
}

// DropOutAll removes every entry from the list, invoking fn on each in
// LIFO pop order, and returns once the list observed empty. fn may
// itself push new entries (e.g. to requeue), mirroring the original's
// drop_out_all use by the small heap's node-exit sweep.
func (l *List[T]) DropOutAll(fn func(T)) {
	for {
		v, ok := l.Pop()
		if !ok {
			return
		}
		fn(v)
	}
}

// DropOutN pops at most n entries, invoking fn on each in LIFO pop
// order, and stops early if the list empties first. Unlike
// DropOutAll, it never chases entries pushed by concurrent producers
// after the call started — a reclaim pass bounded this way always
// terminates even under a steady stream of remote pushes.
func (l *List[T]) DropOutN(n int, fn func(T)) {
	for i := 0; i < n; i++ {
		v, ok := l.Pop()
		if !ok {
			return
		}
		fn(v)
	}
}

// PrependWith adds every value in values to the top of the list, used
// by the small heap's thread-exit handler to return a CPU's active
// superblocks to the node pool. It performs len(values) individual Push
// calls, so its cost is linear in len(values); no page chain is spliced,
// because Go's generic slot layout is not a transferable foreign page.
func (l *List[T]) PrependWith(values []T) {
	for _, v := range values {
		l.Push(v)
	}
}
