// Copyright 2025 The nulloc Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package sizeclass implements the power-of-two size-class math shared by
// the small heap and the bump heap: spec.md §3's "Size class (T_classes
// per CPU, per node)" — tier i has size s_i = 2^(i+1), sizes strictly
// increasing, tier 0 is 2 bytes.
//
// Grounded on original_source/src/bump_heap.rs's size_class_index_from_size
// / NUM_SIZE_CLASS contract (imported there from generic_heap, whose body
// fell outside the retrieved snapshot) and src/small_heap.rs's
// size_classes()/maximum_size(), which fix the same 2^(i+1) progression.
package sizeclass

import "math/bits"

// TierOf returns the smallest tier index i such that 2^(i+1) >= size.
// size == 0 maps to tier 0, matching the original's "size *= 2" loop
// starting from 2.
func TierOf(size uintptr) int {
	if size <= 2 {
		return 0
	}
	// smallest n with 2^n >= size
	n := bits.Len(uint(size - 1))
	return n - 1
}

// SizeOfTier returns s_i = 2^(i+1) for tier i.
func SizeOfTier(tier int) uintptr {
	return uintptr(1) << uint(tier+1)
}

// NextPow2 rounds n up to the next power of two (n itself if already a
// power of two). NextPow2(0) == 1.
func NextPow2(n uintptr) uintptr {
	if n <= 1 {
		return 1
	}
	return uintptr(1) << uint(bits.Len(uint(n-1)))
}

// IsPow2 reports whether n is a power of two.
func IsPow2(n uintptr) bool {
	return n > 0 && n&(n-1) == 0
}
