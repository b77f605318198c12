// Copyright 2025 The nulloc Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package lflist

import (
	"sync/atomic"

	"code.hybscloud.com/spin"
)

// exchange is the bounded elimination array sitting in front of a
// List's page chain: a fast-pathing Push/Pop that meet here hand off
// their value directly instead of touching the shared page chain at
// all. Grounded on the teacher's bounded_pool.go turn-tagged CAS slot
// exchange (boundedPoolEntryEmpty / tryGet / tryPut), reworked from a
// fixed-capacity ring into the empty/waiting/busy rendezvous cells
// spec.md §4.4 calls for.
type exchangeState = uint32

const (
	cellEmpty exchangeState = iota
	cellWaiting
	cellClaimed
	cellBusy
)

const spinBound = 64

type cell[T any] struct {
	state atomic.Uint32
	val   T
}

type exchange[T any] struct {
	cells []cell[T]
	next  atomic.Uint64
}

func newExchange[T any](n int) *exchange[T] {
	return &exchange[T]{cells: make([]cell[T], n)}
}

func (e *exchange[T]) pick() *cell[T] {
	i := e.next.Add(1)
	return &e.cells[int(i)%len(e.cells)]
}

// tryOfferPush attempts to hand v directly to a concurrently waiting
// Pop. It only succeeds when the picked cell already has a popper
// spinning on it (cellWaiting): claiming an otherwise-empty cell
// opportunistically would let a push "succeed" with no popper ever
// guaranteed to visit that same cell again, since Push and Pop each
// advance the shared round-robin counter independently — the value
// would count toward the list's length but be unreachable by any Pop,
// violating the round-trip invariant. Requiring a live waiter first
// means a push only ever reports success when a popper is concretely
// there to receive it.
func (e *exchange[T]) tryOfferPush(v T) bool {
	c := e.pick()
	if !c.state.CompareAndSwap(cellWaiting, cellClaimed) {
		return false
	}
	c.val = v
	c.state.Store(cellBusy)
	return true
}

// tryOfferPop attempts to take a value directly from a concurrent
// Push. It either consumes a value already deposited (cellBusy), or
// announces itself as waiting and spins briefly for a Push to arrive
// before giving up.
//
// The give-up CAS (cellWaiting -> cellEmpty) is the only place a
// concurrent tryOfferPush can still be racing this call: if it fails,
// a pusher has already won cellWaiting -> cellClaimed for this exact
// cell and is specifically obligated to land its value here, since it
// saw this popper as the waiter. Giving up at that point would strand
// the push's value and its already-counted Push — so the popper must
// instead wait for cellBusy and consume it, never walking away from a
// claim it lost.
func (e *exchange[T]) tryOfferPop() (v T, ok bool) {
	c := e.pick()
	if c.state.CompareAndSwap(cellBusy, cellEmpty) {
		return c.val, true
	}
	if !c.state.CompareAndSwap(cellEmpty, cellWaiting) {
		return v, false
	}
	for i := 0; i < spinBound; i++ {
		if c.state.Load() == cellBusy && c.state.CompareAndSwap(cellBusy, cellEmpty) {
			return c.val, true
		}
	}
	if c.state.CompareAndSwap(cellWaiting, cellEmpty) {
		return v, false
	}
	var w spin.Wait
	for !c.state.CompareAndSwap(cellBusy, cellEmpty) {
		w.Once()
	}
	return c.val, true
}
