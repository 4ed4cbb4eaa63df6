// Package slab is the per-size object cache allocator layered on buddy
// (spec §4.4), plus the unified kmalloc/kfree dispatcher (the "Unified
// heap entry" of spec §3).
//
// Grounded on the teacher's own layered-allocator shape: mem.Physmem_t
// hands out raw frames and higher layers never touch its bitmap
// directly — they go through a typed allocation interface. slab.Cache
// plays that same "typed pool on top of a raw allocator" role, with
// buddy standing in for mem.Physmem_t. Free-object tracking follows the
// same index-array discipline as mem.Physpg_t.nexti and buddy's
// nextIdx/prevIdx: a slab's free list is a stack of object indices
// rather than raw pointers threaded through simulated RAM, since the
// object's identity (its index within the slab) is exactly the
// information a real pointer-in-payload free list would encode.
package slab

import (
	"fmt"
	"sync"
	"unsafe"

	"kerncore/internal/buddy"
	"kerncore/internal/kerr"
)

const pageSize = 4096

// builtinSizes are the fixed-size caches Init creates, per spec §4.4.
var builtinSizes = []int{32, 64, 128, 256, 512, 1024, 2048, 4096}

// headerMagic tags a buddy-backed large allocation so Kfree can route
// it correctly without consulting any cache (spec §4.4).
const headerMagic = 0xB16B00B5

// largeHeader precedes every direct-to-buddy allocation made by
// Kmalloc for requests larger than the biggest slab cache.
type largeHeader struct {
	magic uint32
	order int
	size  int
}

// slabState mirrors spec §3's {empty, partial, full} state machine.
type slabState int

const (
	stateEmpty slabState = iota
	statePartial
	stateFull
)

// slabBlock is one allocation from buddy carved into fixed-size
// objects belonging to a single cache. cache is an identity reference,
// not ownership (spec §9): the cache owns its slabs, a slab merely
// knows which cache it belongs to.
type slabBlock struct {
	prev, next *slabBlock
	cache      *Cache
	phys       buddy.PhysAddr
	order      int
	backing    []byte // host-simulated object storage; real build maps phys via the direct map
	numObjects int
	freeIdx    []int // stack of free object indices
	used       []bool // whether ctor has ever run for this object index
	state      slabState
}

func (s *slabBlock) objAt(i int) []byte {
	off := i * s.cache.objSize
	return s.backing[off : off+s.cache.objSize]
}

type slabList struct {
	head *slabBlock
	n    int
}

func (l *slabList) remove(s *slabBlock) {
	if s.prev != nil {
		s.prev.next = s.next
	} else {
		l.head = s.next
	}
	if s.next != nil {
		s.next.prev = s.prev
	}
	s.prev, s.next = nil, nil
	l.n--
}

func (l *slabList) pushFront(s *slabBlock) {
	s.prev = nil
	s.next = l.head
	if l.head != nil {
		l.head.prev = s
	}
	l.head = s
	l.n++
}

// Ctor runs once per object, on its first allocation. Dtor runs each
// time an object is freed, and at cache teardown on every object still
// allocated.
type Ctor func(obj []byte)
type Dtor func(obj []byte)

// Cache is a named fixed-object-size pool (spec §3 "Slab cache").
type Cache struct {
	mu sync.Mutex

	name       string
	objSize    int
	slabOrder  int // buddy order per slab, sized to hold >= 8 objects
	ctor, dtor Ctor

	empty, partial, full slabList

	buddy *buddy.Allocator
}

// Name returns the cache's registered name.
func (c *Cache) Name() string { return c.name }

// NumSlabs returns |empty|+|partial|+|full| (spec §8 slab integrity).
func (c *Cache) NumSlabs() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.empty.n + c.partial.n + c.full.n
}

// Allocator owns the built-in size-class caches and dispatches
// Kmalloc/Kfree.
type Allocator struct {
	mu          sync.Mutex
	buddy       *buddy.Allocator
	caches      map[string]*Cache
	bySize      []*Cache // ascending by objSize, mirrors builtinSizes
	capacity    int
	largeBlocks map[uintptr]largeBlockInfo
}

// Init creates the built-in caches at fixed sizes (spec §4.4).
func Init(b *buddy.Allocator) *Allocator {
	a := &Allocator{
		buddy:       b,
		caches:      map[string]*Cache{},
		capacity:    256,
		largeBlocks: map[uintptr]largeBlockInfo{},
	}
	for _, sz := range builtinSizes {
		name := fmt.Sprintf("kmalloc-%d", sz)
		c, _ := a.CacheCreate(name, sz, nil, nil)
		a.bySize = append(a.bySize, c)
	}
	return a
}

func slabOrderFor(objSize int) int {
	order := 0
	for {
		blockBytes := pageSize << order
		if blockBytes/objSize >= 8 || order >= buddy.MaxOrder {
			return order
		}
		order++
	}
}

// CacheCreate creates (or, if the name already exists with the same
// object size, returns) a cache. Fails with AlreadyExists on a name
// collision with a different size, or OutOfMemory at registry capacity.
func (a *Allocator) CacheCreate(name string, objSize int, ctor, dtor Ctor) (*Cache, kerr.Kind) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if c, ok := a.caches[name]; ok {
		if c.objSize != objSize {
			return nil, kerr.AlreadyExists
		}
		return c, kerr.Ok
	}
	if len(a.caches) >= a.capacity {
		return nil, kerr.OutOfMemory
	}
	c := &Cache{
		name:      name,
		objSize:   objSize,
		slabOrder: slabOrderFor(objSize),
		ctor:      ctor,
		dtor:      dtor,
		buddy:     a.buddy,
	}
	a.caches[name] = c
	return c, kerr.Ok
}

// CacheDestroy removes a cache, running dtor on every live object and
// returning all its slabs to buddy.
func (a *Allocator) CacheDestroy(c *Cache) {
	a.mu.Lock()
	delete(a.caches, c.name)
	a.mu.Unlock()

	c.mu.Lock()
	defer c.mu.Unlock()
	for _, list := range []*slabList{&c.empty, &c.partial, &c.full} {
		for s := list.head; s != nil; {
			next := s.next
			if c.dtor != nil {
				for i := 0; i < s.numObjects; i++ {
					if !containsIdx(s.freeIdx, i) {
						c.dtor(s.objAt(i))
					}
				}
			}
			c.buddy.Free(s.phys)
			s = next
		}
	}
}

func containsIdx(stack []int, i int) bool {
	for _, v := range stack {
		if v == i {
			return true
		}
	}
	return false
}

func (c *Cache) newSlab() (*slabBlock, kerr.Kind) {
	phys, k := c.buddy.AllocOrder(c.slabOrder)
	if k != kerr.Ok {
		return nil, k
	}
	blockBytes := pageSize << c.slabOrder
	numObjects := blockBytes / c.objSize
	s := &slabBlock{
		cache:      c,
		phys:       phys,
		order:      c.slabOrder,
		backing:    make([]byte, blockBytes),
		numObjects: numObjects,
		state:      stateEmpty,
	}
	s.freeIdx = make([]int, numObjects)
	for i := range s.freeIdx {
		s.freeIdx[i] = numObjects - 1 - i // pop from the end gives ascending order
	}
	s.used = make([]bool, numObjects)
	return s, kerr.Ok
}

func (c *Cache) moveTo(s *slabBlock, target slabState) {
	cur := c.listFor(s.state)
	cur.remove(s)
	s.state = target
	c.listFor(target).pushFront(s)
}

func (c *Cache) listFor(st slabState) *slabList {
	switch st {
	case stateEmpty:
		return &c.empty
	case statePartial:
		return &c.partial
	default:
		return &c.full
	}
}

// Alloc allocates one object: prefer a partial slab, fall back to an
// empty slab, otherwise allocate a new slab from buddy (spec §4.4).
func (c *Cache) Alloc() ([]byte, kerr.Kind) {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := c.partial.head
	if s == nil {
		s = c.empty.head
	}
	if s == nil {
		var k kerr.Kind
		s, k = c.newSlab()
		if k != kerr.Ok {
			return nil, k
		}
		c.empty.pushFront(s)
	}

	idx := s.freeIdx[len(s.freeIdx)-1]
	s.freeIdx = s.freeIdx[:len(s.freeIdx)-1]
	obj := s.objAt(idx)

	switch {
	case len(s.freeIdx) == 0:
		c.moveTo(s, stateFull)
	default:
		c.moveTo(s, statePartial)
	}

	// the constructor runs once on first use of an object, per spec §4.4.
	if c.ctor != nil && !s.used[idx] {
		s.used[idx] = true
		c.ctor(obj)
	}
	return obj, kerr.Ok
}

// Free returns obj to its owning slab (located by scanning the cache's
// three lists and checking address range, per spec §4.4's "simple,
// correct design"), pushing it back onto that slab's free-index stack
// and updating state-list membership.
func (c *Cache) Free(obj []byte) kerr.Kind {
	c.mu.Lock()
	defer c.mu.Unlock()

	s, idx := c.findOwner(obj)
	if s == nil {
		return kerr.NotFound
	}
	if c.dtor != nil {
		c.dtor(obj)
	}
	wasFull := s.state == stateFull
	s.freeIdx = append(s.freeIdx, idx)
	if wasFull {
		c.moveTo(s, statePartial)
	}
	if len(s.freeIdx) == s.numObjects {
		c.moveTo(s, stateEmpty)
	}
	return kerr.Ok
}

func (c *Cache) findOwner(obj []byte) (*slabBlock, int) {
	for _, list := range []*slabList{&c.partial, &c.full, &c.empty} {
		for s := list.head; s != nil; s = s.next {
			if len(obj) == 0 || len(s.backing) == 0 {
				continue
			}
			if idx, ok := addrIndex(s, obj); ok {
				return s, idx
			}
		}
	}
	return nil, 0
}

func addrIndex(s *slabBlock, obj []byte) (int, bool) {
	target := &obj[0]
	for i := 0; i < s.numObjects; i++ {
		cand := s.objAt(i)
		if len(cand) == 0 {
			continue
		}
		if &cand[0] == target {
			return i, true
		}
	}
	return 0, false
}

// CacheShrink releases every wholly-empty slab back to buddy, returning
// the count freed (spec §4.4).
func (c *Cache) CacheShrink() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for s := c.empty.head; s != nil; {
		next := s.next
		c.empty.remove(s)
		c.buddy.Free(s.phys)
		n++
		s = next
	}
	return n
}

// largeBlockInfo is the side-table entry for a direct-to-buddy
// allocation. The real freestanding build instead prepends largeHeader
// directly to the returned pointer and recovers it at ptr-headerSize,
// per spec §4.4; a hosted Go []byte cannot alias a header region in
// front of itself without unsafe pointer arithmetic across separate
// allocations, so this side table keyed by the returned slice's backing
// address plays the same "ptr -> header" role. See DESIGN.md.
type largeBlockInfo struct {
	hdr  largeHeader
	phys buddy.PhysAddr
}

func objKey(obj []byte) uintptr {
	if len(obj) == 0 {
		return 0
	}
	return uintptr(unsafe.Pointer(&obj[0]))
}

// Kmalloc routes requests <= the largest built-in cache's object size
// to the smallest cache whose object size is >= request (the returned
// slice is size bytes long, not the cache's object size); larger
// requests go directly to buddy with a header describing the order and
// original size (spec §4.4).
func (a *Allocator) Kmalloc(size int) ([]byte, kerr.Kind) {
	if size <= 0 {
		return nil, kerr.InvalidArgument
	}
	for _, c := range a.bySize {
		if c.objSize >= size {
			obj, k := c.Alloc()
			if k != kerr.Ok {
				return nil, k
			}
			return obj[:size], kerr.Ok
		}
	}
	return a.largeAlloc(size)
}

func (a *Allocator) largeAlloc(size int) ([]byte, kerr.Kind) {
	order := 0
	for (pageSize << order) < size {
		order++
	}
	phys, k := a.buddy.AllocOrder(order)
	if k != kerr.Ok {
		return nil, k
	}
	raw := make([]byte, size)
	a.mu.Lock()
	a.largeBlocks[objKey(raw)] = largeBlockInfo{
		hdr:  largeHeader{magic: headerMagic, order: order, size: size},
		phys: phys,
	}
	a.mu.Unlock()
	return raw, kerr.Ok
}

// Kfree routes obj back to its originating cache, or to buddy if its
// address is tracked in the large-allocation side table (the magic
// value the spec describes at ptr-header, realized here via objKey).
// Free of a foreign pointer is detected (no cache claims it and it is
// not in the large-block table) and reported.
func (a *Allocator) Kfree(obj []byte) kerr.Kind {
	for _, c := range a.bySize {
		if k := c.Free(obj); k == kerr.Ok {
			return kerr.Ok
		}
	}
	key := objKey(obj)
	a.mu.Lock()
	info, ok := a.largeBlocks[key]
	if ok {
		delete(a.largeBlocks, key)
	}
	a.mu.Unlock()
	if !ok {
		return kerr.NotFound
	}
	a.buddy.Free(info.phys)
	return kerr.Ok
}
