// Copyright 2025 The nulloc Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package evmap implements spec.md §4.6's eventually-consistent,
// per-CPU-sharded map: writers append to their own CPU's shard without
// touching any cross-CPU state, and a Refresh pass periodically folds
// every shard into one authoritative lfmap.ObjectTable.
//
// Grounded on original_source/src/collections/evmap.rs's EvMap<V>,
// which fans writers out across NUM_CPU lflist producer lists and
// merges them into a shared table on refresh(). The small heap uses
// this for its single process-wide address-to-superblock index, which
// only ever grows — superblocks are never freed — matching evmap's
// original insert-and-refresh-only shape.
package evmap

import (
	"github.com/shisoft-research/nulloc/lfmap"
	"github.com/shisoft-research/nulloc/lflist"
)

// Allocator is shared with lflist/lfmap: all backing memory for shards
// and the authoritative table comes from a bump heap.
type Allocator = lflist.Allocator

type entry[V any] struct {
	Key   uint64
	Value uint64
	Att   V
}

// Map is a per-CPU-sharded front end over an lfmap.ObjectTable.
type Map[V any] struct {
	authoritative *lfmap.ObjectTable[V]
	shards        []*lflist.List[entry[V]]
}

// New creates a Map with one shard per CPU.
func New[V any](alloc Allocator, numCPU int) *Map[V] {
	if numCPU < 1 {
		numCPU = 1
	}
	m := &Map[V]{authoritative: lfmap.NewObjectTable[V](alloc)}
	m.shards = make([]*lflist.List[entry[V]], numCPU)
	for i := range m.shards {
		m.shards[i] = lflist.New[entry[V]](alloc, 0)
	}
	return m
}

func (m *Map[V]) shardFor(cpu int) *lflist.List[entry[V]] {
	return m.shards[cpu%len(m.shards)]
}

// InsertToCPU records (key, value, att) in cpu's shard without
// touching the authoritative table or any other CPU's shard. The
// entry becomes visible to Get only after a Refresh.
func (m *Map[V]) InsertToCPU(cpu int, key, value uint64, att V) {
	m.shardFor(cpu).Push(entry[V]{Key: key, Value: value, Att: att})
}

// Refresh drains every shard into the authoritative table. It can run
// concurrently with InsertToCPU; entries pushed mid-refresh are simply
// picked up by the next Refresh.
func (m *Map[V]) Refresh() {
	for _, sh := range m.shards {
		sh.DropOutAll(func(e entry[V]) {
			m.authoritative.Insert(e.Key, e.Value, e.Att)
		})
	}
}

// Get looks up key in the authoritative table only. A key inserted
// via InsertToCPU but not yet folded in by Refresh will not be found;
// use RefreshWithLookup when a read must observe its own recent
// writes.
func (m *Map[V]) Get(key uint64) (value uint64, att V, ok bool) {
	return m.authoritative.Get(key)
}

// RefreshWithLookup checks the authoritative table first and, on a
// miss, drains shards (folding each entry in as it goes) while watching
// for key, returning as soon as key is folded in; shards not yet
// drained at that point are left for a later refresh.
func (m *Map[V]) RefreshWithLookup(key uint64) (value uint64, att V, ok bool) {
	if v, a, found := m.authoritative.Get(key); found {
		return v, a, true
	}
	for _, sh := range m.shards {
		for {
			e, popped := sh.Pop()
			if !popped {
				break
			}
			m.authoritative.Insert(e.Key, e.Value, e.Att)
			if e.Key == key {
				return e.Value, e.Att, true
			}
		}
	}
	return 0, att, false
}

// Len reports the authoritative table's entry count; pending,
// unrefreshed shard entries are not counted.
func (m *Map[V]) Len() int64 {
	return m.authoritative.Len()
}
