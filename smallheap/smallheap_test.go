// Copyright 2025 The nulloc Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package smallheap

import (
	"testing"
	"unsafe"

	"github.com/shisoft-research/nulloc/internal/sizeclass"
	"github.com/shisoft-research/nulloc/osfacade"
)

func newTestHeap() *Heap {
	return New(Config{NodeRegionSize: 1 << 20})
}

// TestTinyLoop covers spec.md §8's "Tiny loop" scenario: repeatedly
// alloc and free a mix of small sizes and confirm every object is
// writable for its full reported size.
func TestTinyLoop(t *testing.T) {
	h := newTestHeap()
	sizes := []uintptr{8, 16, 32, 64, 128}
	for i := 0; i < 2000; i++ {
		size := sizes[i%len(sizes)]
		addr := h.Alloc(size)
		if addr == 0 {
			t.Fatalf("Alloc(%d) returned 0", size)
		}
		got, ok := h.SizeOf(addr)
		if !ok || got < size {
			t.Fatalf("SizeOf(%x) = (%d, %v), want >= %d", addr, got, ok, size)
		}
		buf := unsafe.Slice((*byte)(unsafe.Pointer(addr)), got)
		for j := range buf {
			buf[j] = byte(j)
		}
		for j := range buf {
			if buf[j] != byte(j) {
				t.Fatalf("byte %d corrupted", j)
			}
		}
		if !h.Free(addr) {
			t.Fatalf("Free(%x) reported unknown address", addr)
		}
	}
}

// TestAdjacentFullSlotObjectsStayIntact covers the exact gap a full
// superblock packs objects into with no per-object header margin: two
// same-tier, full-slot allocations sit back to back in memory, so
// writing every byte of each and reading it back afterward catches an
// allocator that stores any out-of-band bookkeeping over the object's
// own bytes, including in the slot preceding the first live object.
func TestAdjacentFullSlotObjectsStayIntact(t *testing.T) {
	h := newTestHeap()
	const size = 16
	first := h.Alloc(size)
	second := h.Alloc(size)
	if first == 0 || second == 0 {
		t.Fatal("Alloc returned 0")
	}
	firstBuf := unsafe.Slice((*byte)(unsafe.Pointer(first)), size)
	secondBuf := unsafe.Slice((*byte)(unsafe.Pointer(second)), size)
	for i := range firstBuf {
		firstBuf[i] = 0xAA
	}
	for i := range secondBuf {
		secondBuf[i] = 0xBB
	}
	for i := range firstBuf {
		if firstBuf[i] != 0xAA {
			t.Fatalf("first object byte %d corrupted: got %#x, want 0xAA", i, firstBuf[i])
		}
	}
	for i := range secondBuf {
		if secondBuf[i] != 0xBB {
			t.Fatalf("second object byte %d corrupted: got %#x, want 0xBB", i, secondBuf[i])
		}
	}
	if !h.Free(first) {
		t.Fatal("Free(first) reported unknown address")
	}
	if !h.Free(second) {
		t.Fatal("Free(second) reported unknown address")
	}
}

// TestAllocRegistersEveryObjectNotJustTheFirst covers the fast path
// that reuses an already-active superblock: every address Alloc hands
// out, not only the one that triggered adopting a fresh superblock,
// must be independently freeable through the address index.
func TestAllocRegistersEveryObjectNotJustTheFirst(t *testing.T) {
	h := newTestHeap()
	const n = 64
	addrs := make([]uintptr, n)
	for i := range addrs {
		addrs[i] = h.Alloc(16)
		if addrs[i] == 0 {
			t.Fatalf("Alloc #%d returned 0", i)
		}
	}
	for i, addr := range addrs {
		if !h.Free(addr) {
			t.Fatalf("Free(#%d = %x) reported unknown address", i, addr)
		}
	}
}

func TestFreeUnknownAddressReturnsFalse(t *testing.T) {
	h := newTestHeap()
	if h.Free(0xdeadbeef) {
		t.Fatal("Free on an address never returned by Alloc should report false")
	}
}

// TestSuperblockReuse forces enough same-tier allocations to exhaust
// more than one superblock's capacity (a MaxObjectSize/2 tier's
// superblock holds only superblockByteBudget/objSize = 8 objects) and checks every
// address handed out is unique, matching the "reuse before grow" and
// "superblocks are never freed" invariants.
func TestSuperblockReuse(t *testing.T) {
	h := newTestHeap()
	const n = 50
	const size = MaxObjectSize / 2
	seen := make(map[uintptr]bool, n)
	for i := 0; i < n; i++ {
		addr := h.Alloc(size)
		if seen[addr] {
			t.Fatalf("address %x allocated twice", addr)
		}
		seen[addr] = true
	}
}

func TestAllocFreeAllocReusesFreedSlot(t *testing.T) {
	h := newTestHeap()
	a := h.Alloc(32)
	if !h.Free(a) {
		t.Fatalf("Free(%x) failed", a)
	}
	b := h.Alloc(32)
	// Not guaranteed to be the same address (another CPU's front-end
	// could have raced in), but the free list feeding this tier should
	// make reuse the common case on a single-goroutine test.
	if b == 0 {
		t.Fatal("Alloc after Free returned 0")
	}
}

// TestReleaseThreadReturnsSuperblockToPool covers thread-exit handling:
// a CPU's active superblock must be returned to its node's pool so
// other CPUs on the node can still reach its spare capacity.
func TestReleaseThreadReturnsSuperblockToPool(t *testing.T) {
	h := newTestHeap()
	addr := h.Alloc(16)
	cpu := osfacade.CurrentCPU() % len(h.cpus)
	c := h.cpuMetaFor(cpu)
	tier := sizeclass.TierOf(16)

	if c.active[tier].Load() == 0 {
		t.Fatal("expected an active superblock for this tier before release")
	}
	h.ReleaseThread(cpu)
	if c.active[tier].Load() != 0 {
		t.Fatal("ReleaseThread did not clear the active superblock slot")
	}
	if _, ok := c.node.pools[tier].Pop(); !ok {
		t.Fatal("ReleaseThread did not return the superblock to its node pool")
	}
	_ = addr
}

// TestCrossNodePendingFreeReclaimed covers spec.md §8's "Cross-node
// free" scenario directly against the node/superblock internals, since
// the exported Alloc/Free API dispatches by the real calling CPU and
// cannot be steered to a chosen node in a single-process test.
func TestCrossNodePendingFreeReclaimed(t *testing.T) {
	h := newTestHeap()
	node := h.nodes[0]
	const tier = 3

	sb := node.newSuperBlock(tier, 0)
	addr, ok := sb.alloc()
	if !ok {
		t.Fatal("fresh superblock reported no capacity")
	}
	h.index.InsertToCPU(0, uint64(addr), uint64(uintptr(unsafe.Pointer(sb))), uint32(tier))
	h.index.Refresh()

	if sb.live.Load() != 1 {
		t.Fatalf("live = %d, want 1 after alloc", sb.live.Load())
	}

	// Simulate a free issued from a CPU that does not own sb: it lands
	// on the node's pending queue instead of sb's own free list.
	node.pendingFree[tier].Push(uint64(addr))
	if sb.live.Load() != 1 {
		t.Fatal("live decremented before reclaim ran")
	}

	node.reclaimPending(tier, h.index)
	if sb.live.Load() != 0 {
		t.Fatalf("live = %d after reclaim, want 0", sb.live.Load())
	}

	addr2, ok2 := sb.alloc()
	if !ok2 || addr2 != addr {
		t.Fatalf("alloc() after reclaim = (%x, %v), want reuse of %x", addr2, ok2, addr)
	}
}

// TestDisplacedSuperblockRejoinsPoolAndStaysReachable covers the
// superblock lifecycle directly: once a CPU's active superblock is
// exhausted and displaced, a later free against one of its objects must
// still be reachable by a future allocation rather than stranded.
func TestDisplacedSuperblockRejoinsPoolAndStaysReachable(t *testing.T) {
	h := newTestHeap()
	node := h.nodes[0]
	const tier = 3

	sb := node.newSuperBlock(tier, 0)
	var addrs []uintptr
	for {
		addr, ok := sb.alloc()
		if !ok {
			break
		}
		addrs = append(addrs, addr)
	}
	if len(addrs) == 0 {
		t.Fatal("fresh superblock reported no capacity")
	}

	sb.free(addrs[0])
	node.pools[tier].Push(uint64(uintptr(unsafe.Pointer(sb))))

	sbAddr, ok := node.pools[tier].Pop()
	if !ok {
		t.Fatal("displaced superblock not found in node pool")
	}
	adopted := (*superBlock)(unsafe.Pointer(uintptr(sbAddr)))
	if adopted != sb {
		t.Fatal("pool did not return the displaced superblock")
	}
	reused, ok := adopted.alloc()
	if !ok || reused != addrs[0] {
		t.Fatalf("alloc() after adoption = (%x, %v), want reuse of %x", reused, ok, addrs[0])
	}
}

func TestSizeOfUnknownAddressReportsFalse(t *testing.T) {
	h := newTestHeap()
	if _, ok := h.SizeOf(0xdeadbeef); ok {
		t.Fatal("SizeOf on an unknown address should report false")
	}
}
