package nativeheap

import (
	"github.com/pkg/errors"

	"github.com/saferwall/pecore/avl"
	"github.com/saferwall/pecore/log"
	"github.com/saferwall/pecore/perror"
)

// HeaderSize is the logical size of an allocation header: the
// bookkeeping spec section 3 requires between a region's start and its
// usable data. A free region must be at least HeaderSize+1 bytes to be
// worth indexing (spec section 3, "size-indexed free tree").
const HeaderSize = 32

// DefaultMinPages is the minimum number of OS pages reserved per
// island (spec section 3, "Island").
const DefaultMinPages = 4

// maxGrowthCandidates bounds how many recently-added islands are tried
// for in-place growth before a new island is reserved (spec section
// 4.1 step 3, K=3).
const maxGrowthCandidates = 3

// entity is one record in an island's address-ordered chain: either a
// live allocation or a free run. Entities are a transient, in-process
// doubly linked list -- never serialized -- so plain Go pointers are
// the idiomatic representation (see DESIGN.md on arenas vs. intrusive
// lists: that re-expression applies to structures that cross a
// serialization boundary, which this one does not).
type entity struct {
	island     *Island
	start      uintptr
	size       uintptr
	free       bool
	dataOff    uintptr
	dataSize   uintptr
	alignment  uintptr
	freeToken  uint64
	indexed    bool
	prev, next *entity
}

// Ptr is an opaque handle to a live allocation. The zero Ptr is null.
type Ptr struct {
	e *entity
}

// IsNull reports whether p is the null pointer.
func (p Ptr) IsNull() bool { return p.e == nil }

// Island owns one contiguous OS virtual-memory reservation (spec
// section 3, "Island").
type Island struct {
	id    uint64
	mem   []byte
	pages int
	head  *entity
	tail  *entity
	live  int
}

func (isl *Island) pageSize() int { return len(isl.mem) / isl.pages }

// Stats reports aggregate heap usage (spec section 4.1, statistics()).
type Stats struct {
	Islands      int
	LiveAllocs   int
	UsedBytes    uintptr
	ReservedPages int
}

// Heap is a process-scoped native heap allocator (spec section 3,
// "NativeHeap"). It is single-threaded by contract: spec section 5
// requires no internal locking, and callers sharing a Heap across
// goroutines must serialize their own access.
type Heap struct {
	minPages     int
	islands      []*Island
	freeTree     avl.Tree
	nextIslandID uint64
	logger       *log.Helper
}

// Option configures a new Heap.
type Option func(*Heap)

// WithMinPages overrides DefaultMinPages.
func WithMinPages(n int) Option {
	return func(h *Heap) { h.minPages = n }
}

// WithLogger attaches a logger; nil (the default) logs nowhere.
func WithLogger(logger log.Logger) Option {
	return func(h *Heap) { h.logger = log.NewHelper(logger) }
}

// NewHeap constructs an empty heap with no islands yet; the first
// Allocate call reserves one.
func NewHeap(opts ...Option) *Heap {
	h := &Heap{minPages: DefaultMinPages, logger: log.NewHelper(nil)}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

func alignUp(v, a uintptr) uintptr {
	if a <= 1 {
		return v
	}
	// Generic (non-power-of-two-safe) rounding, per spec's open
	// question 1: preserve the behavior of accepting any alignment,
	// not just powers of two.
	rem := v % a
	if rem == 0 {
		return v
	}
	return v + (a - rem)
}

// Allocate reserves size bytes aligned to alignment and returns a
// handle, or the null Ptr if size is zero.
func (h *Heap) Allocate(size, alignment uintptr) (Ptr, error) {
	if size == 0 {
		return Ptr{}, nil
	}
	if alignment == 0 {
		alignment = 1
	}

	if p, ok := h.tryPlaceInFreeTree(size, alignment); ok {
		return p, nil
	}

	if p, ok := h.tryGrowExistingIslands(size, alignment); ok {
		return p, nil
	}

	if err := h.reserveNewIsland(size, alignment); err != nil {
		return Ptr{}, err
	}

	if p, ok := h.tryPlaceInFreeTree(size, alignment); ok {
		return p, nil
	}
	perror.Fatal("nativeheap.Allocate: freshly reserved island did not satisfy request",
		map[string]interface{}{"size": size, "alignment": alignment})
	return Ptr{}, nil // unreachable
}

// tryPlaceInFreeTree walks the global size index starting at the
// smallest region that could fit size+HeaderSize, accepting the first
// candidate whose alignment-adjusted span actually fits (spec 4.1
// steps 1-2).
func (h *Heap) tryPlaceInFreeTree(size, alignment uintptr) (Ptr, bool) {
	required := size + HeaderSize
	var result Ptr
	found := false

	h.freeTree.Ascend(required, func(e avl.Entry) bool {
		fe := e.Value.(*entity)
		dataOff, dataSize, ok := fitWithin(fe, size, alignment)
		if !ok {
			return true // keep ascending to a larger region
		}
		h.consumeFreeEntity(fe, e.Key, e.Token, dataOff, dataSize, alignment)
		result = Ptr{e: fe}
		found = true
		return false
	})
	return result, found
}

// fitWithin computes whether size bytes aligned to alignment fit
// inside free entity fe, accounting for the header that precedes the
// data. Returns the data offset (relative to fe.start) and the total
// span consumed.
func fitWithin(fe *entity, size, alignment uintptr) (dataOff, span uintptr, ok bool) {
	headerStart := fe.start
	rawDataStart := headerStart + HeaderSize
	alignedDataStart := alignUp(rawDataStart, alignment)
	end := alignedDataStart + size
	if end-fe.start > fe.size {
		return 0, 0, false
	}
	return alignedDataStart - fe.start, end - fe.start, true
}

// consumeFreeEntity turns free entity fe (or a prefix of it) into a
// live allocation, leaving a trailing free region (possibly zero
// sized, per spec section 8's boundary behavior) that is re-indexed
// only if large enough.
func (h *Heap) consumeFreeEntity(fe *entity, key uintptr, token uint64, dataOff, span uintptr, alignment uintptr) {
	if fe.indexed {
		if !h.freeTree.Remove(key, token) {
			perror.Fatal("nativeheap: free-tree entry missing on consume",
				map[string]interface{}{"key": key, "token": token})
		}
	}

	island := fe.island
	trailingStart := fe.start + span
	trailingSize := fe.size - span

	fe.free = false
	fe.size = span
	fe.dataOff = dataOff
	fe.dataSize = span - dataOff
	fe.alignment = alignment
	fe.indexed = false
	fe.freeToken = 0
	island.live++

	if trailingSize > 0 {
		trailing := &entity{island: island, start: trailingStart, size: trailingSize, free: true}
		trailing.prev = fe
		trailing.next = fe.next
		if fe.next != nil {
			fe.next.prev = trailing
		} else {
			island.tail = trailing
		}
		fe.next = trailing
		h.indexIfEligible(trailing)
	}
}

// indexIfEligible inserts fe into the global size index iff its free
// span is at least HeaderSize+1 (spec section 3 invariant).
func (h *Heap) indexIfEligible(fe *entity) {
	if !fe.free {
		return
	}
	if fe.size < HeaderSize+1 {
		fe.indexed = false
		fe.freeToken = 0
		return
	}
	fe.freeToken = h.freeTree.Insert(fe.size, fe)
	fe.indexed = true
}

// tryGrowExistingIslands attempts to extend one of the last
// maxGrowthCandidates islands to the right so the request fits (spec
// 4.1 step 3).
func (h *Heap) tryGrowExistingIslands(size, alignment uintptr) (Ptr, bool) {
	n := len(h.islands)
	tried := 0
	for i := n - 1; i >= 0 && tried < maxGrowthCandidates; i, tried = i-1, tried+1 {
		island := h.islands[i]
		needed := size + HeaderSize + alignment
		growBy := (uintptr(needed)/uintptr(island.pageSize()) + 1)
		newPages := island.pages + int(growBy)

		grown, err := growPages(island.mem, newPages)
		if err != nil {
			continue
		}
		h.extendIsland(island, grown, newPages)

		if p, ok := h.tryPlaceInFreeTree(size, alignment); ok {
			return p, true
		}
	}
	return Ptr{}, false
}

// extendIsland grows island's backing reservation in place, appending
// (or merging into) a trailing free entity for the newly available
// space.
func (h *Heap) extendIsland(island *Island, grown []byte, newPages int) {
	added := uintptr(len(grown) - len(island.mem))
	island.mem = grown
	island.pages = newPages

	if island.tail != nil && island.tail.free {
		if island.tail.indexed {
			h.freeTree.Remove(island.tail.size, island.tail.freeToken)
		}
		island.tail.size += added
		h.indexIfEligible(island.tail)
		return
	}

	trailing := &entity{island: island, start: uintptr(len(grown)) - added, size: added, free: true}
	if island.tail != nil {
		trailing.prev = island.tail
		island.tail.next = trailing
	} else {
		island.head = trailing
	}
	island.tail = trailing
	h.indexIfEligible(trailing)
}

// reserveNewIsland asks the OS for a fresh page run sized to fit at
// least one request of size+alignment+HeaderSize, or minPages,
// whichever is larger (spec 4.1 step 4).
func (h *Heap) reserveNewIsland(size, alignment uintptr) error {
	pageSize := uintptr(osPageSize())
	needed := HeaderSize + alignment + size + HeaderSize
	pages := h.minPages
	for uintptr(pages)*pageSize < needed {
		pages++
	}

	mem, err := reservePages(pages)
	if err != nil {
		return perror.Wrap(perror.OsResource, "nativeheap.reserveNewIsland", err,
			map[string]interface{}{"pages": pages})
	}

	h.nextIslandID++
	island := &Island{id: h.nextIslandID, mem: mem, pages: pages}
	whole := &entity{island: island, start: 0, size: uintptr(len(mem)), free: true}
	island.head = whole
	island.tail = whole
	h.indexIfEligible(whole)
	h.islands = append(h.islands, island)
	h.logger.Debugf("reserved island %d (%d pages)", island.id, pages)
	return nil
}

// Owns reports whether p is a live allocation from this heap.
func (h *Heap) Owns(p Ptr) bool {
	if p.e == nil {
		return false
	}
	for _, isl := range h.islands {
		if isl == p.e.island {
			return !p.e.free
		}
	}
	return false
}

// Data returns the byte-slice view backing p's data region, usable by
// callers that want this heap as real backing storage rather than
// pure address-space bookkeeping.
func (h *Heap) Data(p Ptr) []byte {
	if p.e == nil || p.e.free {
		return nil
	}
	start := p.e.start + p.e.dataOff
	return p.e.island.mem[start : start+p.e.dataSize]
}

// Free releases p, merging its span into the adjoining free run and
// shrinking or destroying the island if it was the last live
// allocation (spec 4.1 "Free").
func (h *Heap) Free(p Ptr) error {
	fe := p.e
	if fe == nil || fe.free {
		return perror.New(perror.Unallocated, "nativeheap.Free", nil)
	}

	island := fe.island
	fe.free = true
	fe.dataOff, fe.dataSize, fe.alignment = 0, 0, 0
	island.live--

	h.mergeWithNeighbors(fe)

	if island.live == 0 {
		h.shrinkToMinimum(island)
		// Keep exactly one empty, minimum-sized island around as
		// reusable backing rather than tearing down every island the
		// moment it empties out; destroy the rest so an idle heap
		// converges to at most minPages worth of reservation (spec
		// section 8 scenario 5).
		if len(h.islands) > 1 {
			h.destroyIsland(island)
		}
	}
	return nil
}

// mergeWithNeighbors absorbs fe into an adjoining free entity,
// re-indexing the survivor exactly once.
func (h *Heap) mergeWithNeighbors(fe *entity) {
	if prev := fe.prev; prev != nil && prev.free {
		h.unindex(prev)
		prev.size += fe.size
		prev.next = fe.next
		if fe.next != nil {
			fe.next.prev = prev
		} else {
			fe.island.tail = prev
		}
		fe = prev
	}
	if next := fe.next; next != nil && next.free {
		h.unindex(next)
		fe.size += next.size
		fe.next = next.next
		if next.next != nil {
			next.next.prev = fe
		} else {
			fe.island.tail = fe
		}
	}
	h.indexIfEligible(fe)
}

func (h *Heap) unindex(fe *entity) {
	if fe.indexed {
		h.freeTree.Remove(fe.size, fe.freeToken)
		fe.indexed = false
		fe.freeToken = 0
	}
}

// shrinkToMinimum returns an empty island's OS reservation back down
// to minPages (spec 4.1 "Free").
func (h *Heap) shrinkToMinimum(island *Island) {
	if island.pages <= h.minPages {
		return
	}
	if err := releasePages(island.mem[h.minPages*island.pageSize():]); err != nil {
		h.logger.Warnf("shrinkToMinimum: partial unmap failed for island %d: %v", island.id, err)
		return
	}
	shrunk := island.mem[:h.minPages*island.pageSize()]
	if island.tail != nil && island.tail.free {
		h.unindex(island.tail)
	}
	island.mem = shrunk
	island.pages = h.minPages
	island.head = &entity{island: island, start: 0, size: uintptr(len(shrunk)), free: true}
	island.tail = island.head
	h.indexIfEligible(island.head)
}

// destroyIsland releases an island's OS pages entirely and removes it
// from the heap.
func (h *Heap) destroyIsland(island *Island) {
	h.unindex(island.head)
	_ = releasePages(island.mem)
	for i, isl := range h.islands {
		if isl == island {
			h.islands = append(h.islands[:i], h.islands[i+1:]...)
			break
		}
	}
}

// ResizeInPlace grows or shrinks p's data region without moving it,
// succeeding only if the trailing free run (or un-consumed tail of its
// own span) can absorb the change.
func (h *Heap) ResizeInPlace(p Ptr, newSize uintptr) bool {
	fe := p.e
	if fe == nil || fe.free {
		return false
	}
	if newSize <= fe.dataSize {
		shrinkBy := fe.dataSize - newSize
		fe.dataSize = newSize
		fe.size -= shrinkBy
		if shrinkBy > 0 {
			h.spawnTrailingFree(fe, shrinkBy)
		}
		return true
	}

	growBy := newSize - fe.dataSize
	next := fe.next
	if next == nil || !next.free || next.size < growBy {
		return false
	}
	h.unindex(next)
	if next.size == growBy {
		fe.next = next.next
		if next.next != nil {
			next.next.prev = fe
		} else {
			fe.island.tail = fe
		}
	} else {
		next.start += growBy
		next.size -= growBy
		h.indexIfEligible(next)
	}
	fe.dataSize = newSize
	fe.size += growBy
	return true
}

func (h *Heap) spawnTrailingFree(fe *entity, size uintptr) {
	trailing := &entity{island: fe.island, start: fe.start + fe.size, size: size, free: true}
	trailing.prev = fe
	trailing.next = fe.next
	if fe.next != nil {
		fe.next.prev = trailing
	} else {
		fe.island.tail = trailing
	}
	fe.next = trailing
	h.mergeWithNeighbors(trailing)
}

// Realloc resizes p to newSize, moving the data if necessary.
// Realloc(null, size) behaves as Allocate; Realloc(p, 0) behaves as
// Free (spec 4.1 "Edge cases").
func (h *Heap) Realloc(p Ptr, newSize, alignment uintptr) (Ptr, error) {
	if p.IsNull() {
		return h.Allocate(newSize, alignment)
	}
	if newSize == 0 {
		return Ptr{}, h.Free(p)
	}
	if h.ResizeInPlace(p, newSize) {
		return p, nil
	}

	newPtr, err := h.Allocate(newSize, alignment)
	if err != nil {
		return Ptr{}, err
	}
	old := h.Data(p)
	copy(h.Data(newPtr), old)
	if err := h.Free(p); err != nil {
		return Ptr{}, errors.Wrap(err, "nativeheap.Realloc: freeing old allocation")
	}
	return newPtr, nil
}

// Walk visits every live allocation in address order across every
// island.
func (h *Heap) Walk(fn func(Ptr, uintptr)) {
	for _, island := range h.islands {
		for e := island.head; e != nil; e = e.next {
			if !e.free {
				fn(Ptr{e: e}, e.dataSize)
			}
		}
	}
}

// Statistics reports aggregate usage across all islands.
func (h *Heap) Statistics() Stats {
	var s Stats
	s.Islands = len(h.islands)
	for _, island := range h.islands {
		s.ReservedPages += island.pages
		for e := island.head; e != nil; e = e.next {
			if !e.free {
				s.LiveAllocs++
				s.UsedBytes += e.dataSize
			}
		}
	}
	return s
}
