package buddy

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kerncore/internal/kerr"
)

func TestSplitAndMerge(t *testing.T) {
	a := Init(0, 64<<20) // 64 MiB

	addrA, k := a.Alloc(4096)
	require.Equal(t, kerr.Ok, k, "alloc a failed")
	addrB, k := a.Alloc(4096)
	require.Equal(t, kerr.Ok, k, "alloc b failed")
	addrC, k := a.Alloc(16384)
	require.Equal(t, kerr.Ok, k, "alloc c failed")

	assert.NotEqual(t, addrA, addrB)
	assert.NotEqual(t, addrA, addrC)
	assert.NotEqual(t, addrB, addrC)
	assert.Equal(t, PhysAddr(pageSize), addrA^addrB, "expected a and b to be order-0 buddies: a=%#x b=%#x", addrA, addrB)

	before := a.Stats()
	a.Free(addrB)
	a.Free(addrA)
	a.Free(addrC)
	after := a.Stats()
	assert.Zero(t, after.Used, "expected all pages free after releasing everything, got %+v (before=%+v)", after, before)

	// every 8 MiB max-order block should be whole again, with the one at
	// the region base first in line.
	top, k := a.AllocOrder(MaxOrder)
	require.Equal(t, kerr.Ok, k, "expected a single max-order block to be available")
	assert.Equal(t, a.base, top, "expected merged block at region base")
}

func TestRoundTripIdentical(t *testing.T) {
	a := Init(0, 16<<20)
	before := a.Stats()
	p, k := a.Alloc(8192)
	require.Equal(t, kerr.Ok, k)
	a.Free(p)
	after := a.Stats()
	assert.Equal(t, before, after, "expected allocator state to round-trip")
}

func TestDoubleFreeNoop(t *testing.T) {
	a := Init(0, 1<<20)
	p, _ := a.Alloc(4096)
	before := a.Stats()
	a.Free(p)
	a.Free(p)
	after := a.Stats()
	assert.Equal(t, before.Free+1, after.Free, "expected exactly one page freed, before=%+v after=%+v", before, after)
}

func TestExhaustion(t *testing.T) {
	a := Init(0, 4*pageSize)
	_, k := a.AllocOrder(MaxOrder)
	assert.Equal(t, kerr.OutOfMemory, k, "expected OutOfMemory for an order beyond the region")
}

func TestIsAllocated(t *testing.T) {
	a := Init(0, 1<<20)
	p, _ := a.Alloc(4096)
	assert.True(t, a.IsAllocated(p), "expected allocated address to report allocated")
	a.Free(p)
	assert.False(t, a.IsAllocated(p), "expected freed address to report not allocated")
}
