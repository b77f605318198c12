// Copyright 2025 The nulloc Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

//go:build !linux

package osfacade

// availableMemory is unsupported outside Linux; callers should treat 0
// as "unknown" rather than "no memory available".
func availableMemory() uint64 {
	return 0
}
