// Copyright 2025 The nulloc Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

//go:build !linux

package osfacade

// CurrentCPU approximates the calling thread's CPU on platforms without
// a cheap kernel query for it (non-Linux). The allocator's correctness
// never depends on this being exact — it only steers which per-CPU
// front-end is preferred — so a cheap round-robin cursor is sufficient.
func CurrentCPU() int {
	return fallbackCurrentCPU()
}

func currentThreadID() uint64 {
	return fallbackCPUCursor.Load()
}
