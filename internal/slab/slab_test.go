package slab

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kerncore/internal/buddy"
	"kerncore/internal/kerr"
)

func newTestAllocator(t *testing.T) *Allocator {
	t.Helper()
	b := buddy.Init(0, 64<<20)
	return Init(b)
}

func TestKmalloc64Reuse(t *testing.T) {
	a := newTestAllocator(t)
	c, k := a.CacheCreate("kmalloc-64", 64, nil, nil)
	require.Equal(t, kerr.Ok, k, "cache create failed")

	seen := map[uintptr]bool{}
	var ptrs [][]byte
	for i := 0; i < 10; i++ {
		obj, k := c.Alloc()
		require.Equalf(t, kerr.Ok, k, "alloc %d failed", i)
		ptrs = append(ptrs, obj)
		seen[objKey(obj)] = true
	}
	for i := len(ptrs) - 1; i >= 0; i-- {
		require.Equal(t, kerr.Ok, c.Free(ptrs[i]), "free failed")
	}
	for i := 0; i < 10; i++ {
		obj, k := c.Alloc()
		require.Equalf(t, kerr.Ok, k, "realloc %d failed", i)
		assert.Truef(t, seen[objKey(obj)], "reallocated pointer %v never seen among freed set", objKey(obj))
	}
}

func TestSlabIntegrity(t *testing.T) {
	a := newTestAllocator(t)
	c, _ := a.CacheCreate("kmalloc-32", 32, nil, nil)

	var objs [][]byte
	for i := 0; i < 64; i++ {
		o, k := c.Alloc()
		require.Equal(t, kerr.Ok, k, "alloc failed")
		objs = append(objs, o)
	}
	assert.Equal(t, c.NumSlabs(), c.empty.n+c.partial.n+c.full.n, "slab count mismatch")

	for _, o := range objs {
		require.Equal(t, kerr.Ok, c.Free(o), "free failed")
	}
	assert.Zero(t, c.partial.n, "expected all slabs empty after freeing everything")
	assert.Zero(t, c.full.n, "expected all slabs empty after freeing everything")
}

func TestCacheCreateDuplicateSize(t *testing.T) {
	a := newTestAllocator(t)
	c1, k := a.CacheCreate("custom", 48, nil, nil)
	require.Equal(t, kerr.Ok, k, "create failed")

	c2, k := a.CacheCreate("custom", 48, nil, nil)
	require.Equal(t, kerr.Ok, k)
	assert.Same(t, c1, c2, "expected idempotent create to return the same cache")

	_, k = a.CacheCreate("custom", 64, nil, nil)
	assert.Equal(t, kerr.AlreadyExists, k, "expected AlreadyExists for size mismatch")
}

func TestKmallocKfreeRoundTrip(t *testing.T) {
	a := newTestAllocator(t)
	small, k := a.Kmalloc(50)
	require.Equal(t, kerr.Ok, k, "kmalloc small failed")
	assert.Len(t, small, 50)
	require.Equal(t, kerr.Ok, a.Kfree(small), "kfree small failed")

	big, k := a.Kmalloc(1 << 16) // larger than the biggest built-in cache
	require.Equal(t, kerr.Ok, k, "kmalloc large failed")
	assert.Equal(t, kerr.Ok, a.Kfree(big), "kfree large failed")
}

func TestKfreeForeignPointer(t *testing.T) {
	a := newTestAllocator(t)
	foreign := make([]byte, 64)
	assert.Equal(t, kerr.NotFound, a.Kfree(foreign), "expected NotFound for foreign pointer")
}

func TestCacheShrink(t *testing.T) {
	a := newTestAllocator(t)
	c, _ := a.CacheCreate("kmalloc-128", 128, nil, nil)
	obj, _ := c.Alloc()
	c.Free(obj)
	assert.NotZero(t, c.CacheShrink(), "expected at least one empty slab to be shrunk")
}
