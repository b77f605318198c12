// Copyright 2025 The nulloc Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

//go:build linux

package osfacade

import "golang.org/x/sys/unix"

// CurrentCPU returns the logical CPU the calling thread last ran on.
// Cheap on Linux (a single vDSO-backed syscall), matching spec.md §5's
// "Threads query their current CPU on entry to each public operation
// (cheap on the target OS)".
func CurrentCPU() int {
	cpu, err := unix.SchedGetcpu()
	if err != nil || cpu < 0 {
		return fallbackCurrentCPU()
	}
	return cpu
}

func currentThreadID() uint64 {
	return uint64(unix.Gettid())
}
