// Copyright 2025 The nulloc Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

//go:build linux

package osfacade

import (
	"runtime"

	"golang.org/x/sys/unix"
)

// SetThreadAffinity pins the calling OS thread to the CPUs belonging to
// node. It locks the calling goroutine to its current OS thread first
// (runtime.LockOSThread), matching spec.md §5's "Optional NUMA affinity
// is set once per thread on first use when the OS supports it" — Go
// goroutines have no OS thread identity otherwise.
func SetThreadAffinity(node int) error {
	runtime.LockOSThread()
	t := current()
	var set unix.CPUSet
	set.Zero()
	any := false
	for cpu, n := range t.nodeOfCPU {
		if n == node {
			set.Set(cpu)
			any = true
		}
	}
	if !any {
		return nil
	}
	return unix.SchedSetaffinity(0, &set)
}
