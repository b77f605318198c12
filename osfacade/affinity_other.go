// Copyright 2025 The nulloc Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

//go:build !linux

package osfacade

// SetThreadAffinity is a no-op outside Linux: the allocator treats NUMA
// affinity as optional (spec.md §9), and no portable affinity API exists
// across the remaining GOOS targets this module compiles for.
func SetThreadAffinity(node int) error {
	return nil
}
