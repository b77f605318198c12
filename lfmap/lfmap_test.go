// Copyright 2025 The nulloc Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package lfmap_test

import (
	"sync"
	"testing"
	"unsafe"

	"github.com/shisoft-research/nulloc/lfmap"
)

func goHeapArena(size uintptr) uintptr {
	buf := make([]byte, size)
	return uintptr(unsafe.Pointer(&buf[0]))
}

func TestInsertGetRoundTrip(t *testing.T) {
	tbl := lfmap.New(goHeapArena)
	tbl.Insert(42, 100)
	v, ok := tbl.Get(42)
	if !ok || v != 100 {
		t.Fatalf("Get(42) = (%d, %v), want (100, true)", v, ok)
	}
	if _, ok := tbl.Get(7); ok {
		t.Fatal("Get(7) found a value that was never inserted")
	}
}

func TestRemove(t *testing.T) {
	tbl := lfmap.New(goHeapArena)
	tbl.Insert(5, 50)
	v, ok := tbl.Remove(5)
	if !ok || v != 50 {
		t.Fatalf("Remove(5) = (%d, %v), want (50, true)", v, ok)
	}
	if _, ok := tbl.Get(5); ok {
		t.Fatal("key still present after Remove")
	}
	if _, ok := tbl.Remove(5); ok {
		t.Fatal("second Remove should report absent")
	}
}

// TestResizeStress covers spec.md §8's "Resize stress" scenario:
// insert keys 5..2048 with value 2k starting from a small table,
// forcing several cooperative resizes, then verify every key is
// readable and removable with occupation returning to zero.
func TestResizeStress(t *testing.T) {
	tbl := lfmap.New(goHeapArena)
	for k := uint64(5); k <= 2048; k++ {
		tbl.Insert(k, 2*k)
	}
	for k := uint64(5); k <= 2048; k++ {
		v, ok := tbl.Get(k)
		if !ok || v != 2*k {
			t.Fatalf("Get(%d) = (%d, %v), want (%d, true)", k, v, ok, 2*k)
		}
	}
	for k := uint64(5); k <= 2048; k++ {
		v, ok := tbl.Remove(k)
		if !ok || v != 2*k {
			t.Fatalf("Remove(%d) = (%d, %v), want (%d, true)", k, v, ok, 2*k)
		}
	}
	if n := tbl.Len(); n != 0 {
		t.Fatalf("Len() after draining = %d, want 0", n)
	}
}

func TestConcurrentInsertGet(t *testing.T) {
	tbl := lfmap.New(goHeapArena)
	const n = 2000
	var wg sync.WaitGroup
	wg.Add(4)
	for w := 0; w < 4; w++ {
		go func(base int) {
			defer wg.Done()
			for i := 0; i < n/4; i++ {
				k := uint64(base*(n/4) + i + 1)
				tbl.Insert(k, k*3)
			}
		}(w)
	}
	wg.Wait()
	for i := 1; i <= n; i++ {
		v, ok := tbl.Get(uint64(i))
		if !ok || v != uint64(i)*3 {
			t.Fatalf("Get(%d) = (%d, %v), want (%d, true)", i, v, ok, i*3)
		}
	}
}

func TestObjectTableRoundTrip(t *testing.T) {
	type meta struct {
		owner uint64
		size  uint64
	}
	tbl := lfmap.NewObjectTable[meta](goHeapArena)
	tbl.Insert(9, 900, meta{owner: 1, size: 64})
	v, att, ok := tbl.Get(9)
	if !ok || v != 900 || att.owner != 1 || att.size != 64 {
		t.Fatalf("Get(9) = (%d, %+v, %v), want (900, {1 64}, true)", v, att, ok)
	}
	rv, ratt, rok := tbl.Remove(9)
	if !rok || rv != 900 || ratt.owner != 1 {
		t.Fatalf("Remove(9) = (%d, %+v, %v)", rv, ratt, rok)
	}
	if _, _, ok := tbl.Get(9); ok {
		t.Fatal("key still present after Remove")
	}
}

func TestObjectTableResize(t *testing.T) {
	tbl := lfmap.NewObjectTable[uint64](goHeapArena)
	for k := uint64(1); k <= 500; k++ {
		tbl.Insert(k, k, k*k)
	}
	for k := uint64(1); k <= 500; k++ {
		v, att, ok := tbl.Get(k)
		if !ok || v != k || att != k*k {
			t.Fatalf("Get(%d) = (%d, %d, %v)", k, v, att, ok)
		}
	}
}
