// Copyright 2025 The nulloc Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package nberr carries the small set of domain-specific sentinel errors
// the allocator reports, in the plain comparable-sentinel style of
// code.hybscloud.com/iox's errors.
package nberr

import "errors"

// ErrInvalidPointer is logged when a caller-supplied pointer does not
// correspond to any tracked allocation. The allocator never corrupts
// unrelated memory chasing such a pointer; it reports failure instead.
var ErrInvalidPointer = errors.New("nulloc: invalid pointer")

// ErrOutOfAddressSpace marks the one fatal condition in this allocator:
// the OS facade refused to hand back a fresh virtual memory region.
var ErrOutOfAddressSpace = errors.New("nulloc: out of address space")
