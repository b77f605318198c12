// Copyright 2025 The nulloc Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

//go:build !linux

package osfacade

// discoverTopology on non-Linux hosts always returns the single-node
// fallback: there is no portable sysfs-equivalent to walk, and spec.md
// §9 explicitly allows the per-node layer to degenerate to one instance.
func discoverTopology() Topology {
	n := numCPUFallback()
	return Topology{cpuCount: n, nodeOfCPU: make([]int, n), nodeCount: 1}
}
