// Copyright 2025 The nulloc Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package osfacade is the external collaborator the allocator core leans
// on for everything the operating system, not the allocator, owns: raw
// virtual memory reservation, huge-page hints, and CPU/NUMA topology.
//
// spec.md marks this surface out of scope for the core ("specified only
// by the interfaces the core needs"); this package is the concrete,
// Linux-first realization of those interfaces so the rest of the module
// has something real to run against. Memory operations are grounded on
// original_source/src/mmap.rs and src/mmap_heap.rs (mmap/munmap wrapping
// a fixed-size region); topology discovery is grounded on
// original_source/src/utils.rs's sysfs walk.
package osfacade

import (
	"runtime"
	"sync"
	"sync/atomic"
)

// Topology describes the CPU/NUMA shape of the host as seen at process
// start. It never changes at runtime: hot-plug is out of scope, matching
// spec.md's framing of topology discovery as a cheap, static facade.
type Topology struct {
	cpuCount   int
	nodeOfCPU  []int // indexed by cpu id
	nodeCount  int
}

var (
	topoOnce sync.Once
	topo     Topology
)

func current() *Topology {
	topoOnce.Do(func() {
		topo = discoverTopology()
	})
	return &topo
}

// CPUCount returns the number of logical CPUs the allocator should shard
// its per-CPU front-ends across.
func CPUCount() int {
	return current().cpuCount
}

// NodeCount returns the number of NUMA nodes discovered. Single-node
// hosts (and any host where discovery failed) report 1, and the
// dispatch code does not special-case that — spec.md §9.
func NodeCount() int {
	return current().nodeCount
}

// NodeOfCPU maps a logical CPU id to its owning NUMA node id.
func NodeOfCPU(cpu int) int {
	t := current()
	if cpu < 0 || cpu >= len(t.nodeOfCPU) {
		return 0
	}
	return t.nodeOfCPU[cpu]
}

// fallbackCPUCursor approximates CurrentCPU on platforms that expose no
// cheap way to ask the kernel which CPU the calling thread last ran on.
var fallbackCPUCursor atomic.Uint64

func fallbackCurrentCPU() int {
	n := CPUCount()
	if n <= 0 {
		n = 1
	}
	return int(fallbackCPUCursor.Add(1) % uint64(n))
}

// PageSize returns the host's memory page size in bytes.
func PageSize() uintptr {
	return pageSize()
}

// AvailableMemory returns an estimate of total installed RAM in bytes,
// used only as an advisory figure; the allocator does not size anything
// off it today but spec.md §6 lists it as part of the facade contract.
func AvailableMemory() uint64 {
	return availableMemory()
}

// CurrentThreadID returns an identifier for the calling OS thread. Go
// goroutines migrate between OS threads, so this is only meaningful
// while the calling goroutine is guaranteed not to move — callers that
// need a stable identity across a public allocator call should pin with
// runtime.LockOSThread first, the way SetThreadAffinity does for its own
// one-time pinning.
func CurrentThreadID() uint64 {
	return currentThreadID()
}

// numCPUFallback is used by topology discovery implementations that
// cannot read real topology (non-Linux, or sysfs unavailable/denied).
func numCPUFallback() int {
	n := runtime.NumCPU()
	if n < 1 {
		n = 1
	}
	return n
}
