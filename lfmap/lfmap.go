// Copyright 2025 The nulloc Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package lfmap implements spec.md §4.5's lock-free resizable hash
// table: a word-keyed, word-valued open-addressed table (Table) plus a
// generic attachment variant (ObjectTable) that carries an arbitrary
// payload alongside each entry.
//
// Grounded on original_source/src/lfmap.rs's Table<V, A>/Chunk<V, A>:
// EMPTY_KEY/EMPTY_VALUE/SENTINEL_VALUE reserved values, a Prime bit
// marking a slot mid-migration, and cooperative resize where any
// caller that notices a full chunk (or a sentinel redirect) helps
// finish the copy to the next chunk rather than blocking on it.
package lfmap

import (
	"math/bits"
	"sync/atomic"
	"unsafe"

	"code.hybscloud.com/spin"

	"github.com/shisoft-research/nulloc/internal/sizeclass"
	"github.com/shisoft-research/nulloc/lflist"
)

// Allocator is the same raw-memory contract lflist.Allocator uses:
// chunk backing arrays are carved from a bump heap so hash-table
// bookkeeping never re-enters the small heap.
type Allocator = lflist.Allocator

const (
	emptyKey      uint64 = 0
	emptyValue    uint64 = 0
	sentinelValue uint64 = 1
	primeBit      uint64 = 1 << 63
	minValue      uint64 = 2 // smallest value callers may store
)

// hash mixes an address-shaped key after shifting out its trailing
// zero bits, since pointer-derived keys are usually aligned and would
// otherwise under-use the low bits of the table index.
func hash(key uint64) uint64 {
	k := key
	if k != 0 {
		k >>= uint(bits.TrailingZeros64(k))
	}
	k ^= k >> 33
	k *= 0xff51afd7ed558ccd
	k ^= k >> 33
	k *= 0xc4ceb9fe1a85ec53
	k ^= k >> 33
	return k
}

type wordSlot struct {
	key   atomic.Uint64
	value atomic.Uint64
}

type chunk struct {
	mask  uint64
	slots []wordSlot
	count atomic.Int64
	next  atomic.Pointer[chunk]
}

func newChunk(alloc Allocator, capacity uint64) *chunk {
	// A caller-supplied capacity (New's initialCapacity, or a resize's
	// nextChunkCapacity) always arrives pre-rounded; round defensively
	// anyway rather than let a non-power-of-two slip through and break
	// the mask-based probe, the same validate-and-round posture the
	// teacher's bounded pool constructor takes with its own capacity
	// argument.
	if !sizeclass.IsPow2(uintptr(capacity)) {
		capacity = uint64(sizeclass.NextPow2(uintptr(capacity)))
	}
	c := &chunk{mask: capacity - 1}
	var zero wordSlot
	stride := unsafe.Sizeof(zero)
	addr := alloc(stride * uintptr(capacity))
	c.slots = unsafe.Slice((*wordSlot)(unsafe.Pointer(addr)), int(capacity))
	return c
}

// growthThreshold is spec.md §4.5's cutover point: chunk growth is ×4
// below this many entries and ×2 at or above it, trading fewer early
// resizes (cheap migrations) for smaller late ones (expensive
// migrations) as the table's working set grows.
const growthThreshold = 2048

// nextChunkCapacity picks a resized chunk's capacity from its
// predecessor's.
func nextChunkCapacity(oldCap uint64) uint64 {
	if oldCap < growthThreshold {
		return oldCap * 4
	}
	return oldCap * 2
}

// Table is a lock-free map from uintptr-shaped keys to uintptr-shaped
// values. Key 0 and values 0 and 1 are reserved; see Insert.
type Table struct {
	chunk atomic.Pointer[chunk]
	alloc Allocator
}

const initialCapacity = 16
const maxLoadFactorNum = 3
const maxLoadFactorDen = 4

// New creates an empty Table whose chunks are allocated through alloc.
func New(alloc Allocator) *Table {
	t := &Table{alloc: alloc}
	t.chunk.Store(newChunk(alloc, initialCapacity))
	return t
}

func probeStart(c *chunk, key uint64) uint64 {
	return hash(key) & c.mask
}

// waitForNext spins until c's migration target becomes visible. By
// the time any caller observes a sentinel value in c, the chunk that
// triggered the migration has already published next.
func waitForNext(c *chunk) *chunk {
	var w spin.Wait
	for {
		if n := c.next.Load(); n != nil {
			return n
		}
		w.Once()
	}
}

// Insert stores value under key, overwriting any existing value. value
// must not be 0 or 1 (reserved for "absent" and the migration
// protocol); Insert panics if it is.
func (t *Table) Insert(key, value uint64) {
	if value < minValue {
		panic("lfmap: value must be >= 2")
	}
	for {
		c := t.chunk.Load()
		cap64 := c.mask + 1
		start := probeStart(c, key)
		done := false
		redirect := false
		exhausted := true
		for i := uint64(0); i < cap64; i++ {
			idx := (start + i) & c.mask
			s := &c.slots[idx]
			k := s.key.Load()
			if k == emptyKey {
				if s.key.CompareAndSwap(emptyKey, key) {
					s.value.Store(value)
					c.count.Add(1)
					done = true
					exhausted = false
					break
				}
				k = s.key.Load()
				if k != key {
					continue
				}
			}
			if k == key {
				cur := s.value.Load()
				if cur&primeBit != 0 || cur == sentinelValue {
					redirect = true
					exhausted = false
					break
				}
				s.value.Store(value)
				done = true
				exhausted = false
				break
			}
		}
		if done {
			if c.count.Load()*maxLoadFactorDen > int64(cap64)*maxLoadFactorNum {
				t.growFrom(c)
			}
			return
		}
		if redirect {
			waitForNext(c)
			continue
		}
		if exhausted {
			t.growFrom(c)
		}
	}
}

// Get returns the value stored under key, if any.
func (t *Table) Get(key uint64) (uint64, bool) {
	c := t.chunk.Load()
	for {
		cap64 := c.mask + 1
		start := probeStart(c, key)
		redirected := false
		for i := uint64(0); i < cap64; i++ {
			idx := (start + i) & c.mask
			s := &c.slots[idx]
			k := s.key.Load()
			if k == emptyKey {
				return 0, false
			}
			if k != key {
				continue
			}
			v := s.value.Load()
			if v == sentinelValue {
				c = waitForNext(c)
				redirected = true
				break
			}
			v &^= primeBit
			if v == emptyValue {
				return 0, false
			}
			return v, true
		}
		if redirected {
			continue
		}
		return 0, false
	}
}

// Remove deletes key and returns the value it held, if any.
func (t *Table) Remove(key uint64) (uint64, bool) {
	c := t.chunk.Load()
	for {
		cap64 := c.mask + 1
		start := probeStart(c, key)
		redirected := false
		for i := uint64(0); i < cap64; i++ {
			idx := (start + i) & c.mask
			s := &c.slots[idx]
			k := s.key.Load()
			if k == emptyKey {
				return 0, false
			}
			if k != key {
				continue
			}
			for {
				v := s.value.Load()
				if v == sentinelValue {
					c = waitForNext(c)
					redirected = true
					break
				}
				if v&^primeBit == emptyValue {
					return 0, false
				}
				if s.value.CompareAndSwap(v, emptyValue) {
					c.count.Add(-1)
					return v &^ primeBit, true
				}
			}
			if redirected {
				break
			}
		}
		if redirected {
			continue
		}
		return 0, false
	}
}

// Len reports the approximate number of live entries.
func (t *Table) Len() int64 {
	return t.chunk.Load().count.Load()
}

// growFrom installs (or helps finish installing) a larger chunk after
// c, sized by nextChunkCapacity, migrating every live entry across.
func (t *Table) growFrom(c *chunk) {
	next := c.next.Load()
	if next == nil {
		candidate := newChunk(t.alloc, nextChunkCapacity(c.mask+1))
		if c.next.CompareAndSwap(nil, candidate) {
			next = candidate
		} else {
			next = c.next.Load()
		}
	}
	migrate(c, next)
	t.chunk.CompareAndSwap(c, next)
}

func migrate(old, next *chunk) {
	cap64 := old.mask + 1
	for i := uint64(0); i < cap64; i++ {
		s := &old.slots[i]
		key := s.key.Load()
		if key == emptyKey {
			continue
		}
		for {
			v := s.value.Load()
			if v == sentinelValue {
				break // already migrated by a helper
			}
			if v&primeBit != 0 {
				insertInto(next, key, v&^primeBit)
				s.value.Store(sentinelValue)
				break
			}
			if v == emptyValue {
				// tombstone; nothing live to carry over.
				if s.value.CompareAndSwap(v, sentinelValue) {
					break
				}
				continue
			}
			if s.value.CompareAndSwap(v, v|primeBit) {
				insertInto(next, key, v)
				s.value.Store(sentinelValue)
				break
			}
		}
	}
}

// insertInto is growFrom/migrate's private path into a brand-new
// chunk: no resize or redirect handling needed since next never fills
// past the load factor the original chunk was already sized against.
func insertInto(c *chunk, key, value uint64) {
	cap64 := c.mask + 1
	start := probeStart(c, key)
	for i := uint64(0); i < cap64; i++ {
		idx := (start + i) & c.mask
		s := &c.slots[idx]
		k := s.key.Load()
		if k == emptyKey {
			if s.key.CompareAndSwap(emptyKey, key) {
				s.value.Store(value)
				c.count.Add(1)
				return
			}
			k = s.key.Load()
		}
		if k == key {
			s.value.Store(value)
			return
		}
	}
}
