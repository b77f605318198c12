// Copyright 2025 The nulloc Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

//go:build linux

package osfacade

import (
	"os"
	"regexp"
	"strconv"
)

// discoverTopology walks /sys/devices/system/node the same way
// original_source/src/utils.rs's cpu_topology() does: every node*
// directory lists the cpu* entries it owns. Any failure (container
// without /sys exposed, permission denied, no NUMA support compiled into
// the kernel) degenerates to a single node owning every CPU, which is
// spec.md §9's explicitly sanctioned single-node fallback.
func discoverTopology() Topology {
	nodeRe := regexp.MustCompile(`^node[0-9]+$`)
	cpuRe := regexp.MustCompile(`^cpu[0-9]+$`)
	numRe := regexp.MustCompile(`[0-9]+`)

	entries, err := os.ReadDir("/sys/devices/system/node")
	if err != nil {
		return singleNodeFallback()
	}

	cpuCount := numCPUFallback()
	nodeOfCPU := make([]int, cpuCount)
	for i := range nodeOfCPU {
		nodeOfCPU[i] = -1
	}
	maxNode := -1
	maxCPU := -1
	for _, e := range entries {
		name := e.Name()
		if !e.IsDir() || !nodeRe.MatchString(name) {
			continue
		}
		nodeNum, convErr := strconv.Atoi(numRe.FindString(name))
		if convErr != nil {
			continue
		}
		if nodeNum > maxNode {
			maxNode = nodeNum
		}
		cpus, rdErr := os.ReadDir("/sys/devices/system/node/" + name)
		if rdErr != nil {
			continue
		}
		for _, c := range cpus {
			cname := c.Name()
			if !cpuRe.MatchString(cname) {
				continue
			}
			cpuNum, convErr := strconv.Atoi(numRe.FindString(cname))
			if convErr != nil {
				continue
			}
			for cpuNum >= len(nodeOfCPU) {
				nodeOfCPU = append(nodeOfCPU, -1)
			}
			nodeOfCPU[cpuNum] = nodeNum
			if cpuNum > maxCPU {
				maxCPU = cpuNum
			}
		}
	}
	if maxNode < 0 || maxCPU < 0 {
		return singleNodeFallback()
	}
	nodeOfCPU = nodeOfCPU[:maxCPU+1]
	for i, n := range nodeOfCPU {
		if n < 0 {
			nodeOfCPU[i] = 0
		}
	}
	return Topology{
		cpuCount:  len(nodeOfCPU),
		nodeOfCPU: nodeOfCPU,
		nodeCount: maxNode + 1,
	}
}

func singleNodeFallback() Topology {
	n := numCPUFallback()
	nodeOfCPU := make([]int, n)
	return Topology{cpuCount: n, nodeOfCPU: nodeOfCPU, nodeCount: 1}
}
