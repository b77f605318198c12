// Copyright 2025 The nulloc Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package lfmap

import (
	"sync/atomic"
	"unsafe"

	"code.hybscloud.com/spin"

	"github.com/shisoft-research/nulloc/internal/sizeclass"
)

// ObjectTable is Table's attachment-carrying sibling: besides the
// uintptr-shaped key and value every slot also stores a V, migrated
// alongside its slot during resize. Grounded on the same lfmap.rs
// Table<V, A>, instantiated here with an explicit Attachment payload
// instead of the original's Attachment trait object — original_source
// used this shape for ObjectMap<V> in src/large_heap.rs, where V
// carried per-allocation metadata (size, owning thread) rather than a
// bare word.
type ObjectTable[V any] struct {
	chunk atomic.Pointer[objChunk[V]]
	alloc Allocator
}

type objWordSlot[V any] struct {
	key   atomic.Uint64
	value atomic.Uint64
	att   V
}

type objChunk[V any] struct {
	mask  uint64
	slots []objWordSlot[V]
	count atomic.Int64
	next  atomic.Pointer[objChunk[V]]
}

func newObjChunk[V any](alloc Allocator, capacity uint64) *objChunk[V] {
	if !sizeclass.IsPow2(uintptr(capacity)) {
		capacity = uint64(sizeclass.NextPow2(uintptr(capacity)))
	}
	c := &objChunk[V]{mask: capacity - 1}
	var zero objWordSlot[V]
	stride := unsafe.Sizeof(zero)
	addr := alloc(stride * uintptr(capacity))
	c.slots = unsafe.Slice((*objWordSlot[V])(unsafe.Pointer(addr)), int(capacity))
	return c
}

// NewObjectTable creates an empty ObjectTable whose chunks are
// allocated through alloc.
func NewObjectTable[V any](alloc Allocator) *ObjectTable[V] {
	t := &ObjectTable[V]{alloc: alloc}
	t.chunk.Store(newObjChunk[V](alloc, initialCapacity))
	return t
}

func waitForNextObj[V any](c *objChunk[V]) *objChunk[V] {
	var w spin.Wait
	for {
		if n := c.next.Load(); n != nil {
			return n
		}
		w.Once()
	}
}

// Insert stores (value, attachment) under key, overwriting any
// existing entry. value must not be 0 or 1.
func (t *ObjectTable[V]) Insert(key, value uint64, att V) {
	if value < minValue {
		panic("lfmap: value must be >= 2")
	}
	for {
		c := t.chunk.Load()
		cap64 := c.mask + 1
		start := hash(key) & c.mask
		done := false
		redirect := false
		exhausted := true
		for i := uint64(0); i < cap64; i++ {
			idx := (start + i) & c.mask
			s := &c.slots[idx]
			k := s.key.Load()
			if k == emptyKey {
				if s.key.CompareAndSwap(emptyKey, key) {
					s.att = att
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
				s.att = att
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
			waitForNextObj(c)
			continue
		}
		if exhausted {
			t.growFrom(c)
		}
	}
}

// Get returns the value and attachment stored under key, if any.
func (t *ObjectTable[V]) Get(key uint64) (value uint64, att V, ok bool) {
	c := t.chunk.Load()
	for {
		cap64 := c.mask + 1
		start := hash(key) & c.mask
		redirected := false
		for i := uint64(0); i < cap64; i++ {
			idx := (start + i) & c.mask
			s := &c.slots[idx]
			k := s.key.Load()
			if k == emptyKey {
				return 0, att, false
			}
			if k != key {
				continue
			}
			v := s.value.Load()
			if v == sentinelValue {
				c = waitForNextObj(c)
				redirected = true
				break
			}
			v &^= primeBit
			if v == emptyValue {
				return 0, att, false
			}
			return v, s.att, true
		}
		if redirected {
			continue
		}
		return 0, att, false
	}
}

// Remove deletes key and returns the value and attachment it held, if
// any.
func (t *ObjectTable[V]) Remove(key uint64) (value uint64, att V, ok bool) {
	c := t.chunk.Load()
	for {
		cap64 := c.mask + 1
		start := hash(key) & c.mask
		redirected := false
		for i := uint64(0); i < cap64; i++ {
			idx := (start + i) & c.mask
			s := &c.slots[idx]
			k := s.key.Load()
			if k == emptyKey {
				return 0, att, false
			}
			if k != key {
				continue
			}
			for {
				v := s.value.Load()
				if v == sentinelValue {
					c = waitForNextObj(c)
					redirected = true
					break
				}
				if v&^primeBit == emptyValue {
					return 0, att, false
				}
				if s.value.CompareAndSwap(v, emptyValue) {
					c.count.Add(-1)
					return v &^ primeBit, s.att, true
				}
			}
			if redirected {
				break
			}
		}
		if redirected {
			continue
		}
		return 0, att, false
	}
}

// Len reports the approximate number of live entries.
func (t *ObjectTable[V]) Len() int64 {
	return t.chunk.Load().count.Load()
}

func (t *ObjectTable[V]) growFrom(c *objChunk[V]) {
	next := c.next.Load()
	if next == nil {
		candidate := newObjChunk[V](t.alloc, nextChunkCapacity(c.mask+1))
		if c.next.CompareAndSwap(nil, candidate) {
			next = candidate
		} else {
			next = c.next.Load()
		}
	}
	migrateObj(c, next)
	t.chunk.CompareAndSwap(c, next)
}

func migrateObj[V any](old, next *objChunk[V]) {
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
				break
			}
			if v&primeBit != 0 {
				insertObjInto(next, key, v&^primeBit, s.att)
				s.value.Store(sentinelValue)
				break
			}
			if v == emptyValue {
				if s.value.CompareAndSwap(v, sentinelValue) {
					break
				}
				continue
			}
			if s.value.CompareAndSwap(v, v|primeBit) {
				insertObjInto(next, key, v, s.att)
				s.value.Store(sentinelValue)
				break
			}
		}
	}
}

func insertObjInto[V any](c *objChunk[V], key, value uint64, att V) {
	cap64 := c.mask + 1
	start := hash(key) & c.mask
	for i := uint64(0); i < cap64; i++ {
		idx := (start + i) & c.mask
		s := &c.slots[idx]
		k := s.key.Load()
		if k == emptyKey {
			if s.key.CompareAndSwap(emptyKey, key) {
				s.att = att
				s.value.Store(value)
				c.count.Add(1)
				return
			}
			k = s.key.Load()
		}
		if k == key {
			s.att = att
			s.value.Store(value)
			return
		}
	}
}
