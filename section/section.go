// Package section implements the mutable Section object (spec section
// 3, "Section") and the intra-section free-list allocator (spec
// section 4.2): inside a non-finalized section, callers get
// non-overlapping [offset, offset+size) sub-ranges at arbitrary
// alignment, reusable once released.
package section

import (
	"github.com/saferwall/pecore/perror"
)

// Characteristics mirrors the COFF section characteristics bitfield
// the teacher's root package already defines constants for
// (ImageScnCntCode, ImageScnMemExecute, ...); kept as a bare uint32
// here so this package has no dependency on the read-only parser.
type Characteristics uint32

// freeRange is one reusable hole in a section's address space,
// [Offset, Offset+Size).
type freeRange struct {
	offset, size uint32
}

// AllocID is a stable handle to a live allocation inside a section. It
// survives finalization (spec section 4.7, "existing allocation
// handles become read-only offset descriptors").
type AllocID uint64

type allocation struct {
	offset, size uint32
	alive        bool
}

// Observer is notified when its Section is destroyed (spec section 3,
// "a set of section-pointer observers").
type Observer func(*Section)

// Section is a mutable byte stream plus PE section metadata (spec
// section 3).
type Section struct {
	id    uint64
	name  [8]byte
	vaddr uint32
	vsize uint32 // valid only once finalized

	characteristics Characteristics
	stream          []byte
	span            uint32

	finalized bool
	destroyed bool

	free  []freeRange
	next  AllocID
	allocs map[AllocID]*allocation

	observers []Observer

	// Relocations and line numbers are carried opaquely; the core
	// does not interpret them (spec section 3).
	Relocations []byte
	LineNumbers []byte
}

var nextSectionID uint64

// New creates an open (non-finalized) section named name, placed at
// vaddr in the eventual image (vaddr is assigned by the Manager in the
// common case; a caller deserializing a loaded image may supply it
// directly via Manager.PlaceSection).
func New(name string, characteristics Characteristics) *Section {
	nextSectionID++
	s := &Section{
		id:              nextSectionID,
		characteristics: characteristics,
		allocs:          make(map[AllocID]*allocation),
	}
	copy(s.name[:], name)
	return s
}

// ID returns a stable identity for this section, usable as a map key
// by collaborators (the patch graph) that must reference a section
// without holding a pointer across serialization boundaries.
func (s *Section) ID() uint64 { return s.id }

// Name returns the section's short name with trailing NULs trimmed.
func (s *Section) Name() string {
	n := 0
	for n < len(s.name) && s.name[n] != 0 {
		n++
	}
	return string(s.name[:n])
}

// VAddr returns the section's assigned virtual address (0 until
// placed by a Manager).
func (s *Section) VAddr() uint32 { return s.vaddr }

// SetVAddr is called by Manager when placing the section.
func (s *Section) SetVAddr(v uint32) { s.vaddr = v }

// Characteristics returns the COFF characteristics bitfield.
func (s *Section) Characteristics() Characteristics { return s.characteristics }

// Finalized reports whether the section has been finalized.
func (s *Section) Finalized() bool { return s.finalized }

// Span returns the current high-water mark of the byte stream (the
// value VirtualSize takes on finalization, absent an explicit pad).
func (s *Section) Span() uint32 { return s.span }

// VirtualSize returns the finalized virtual size. It is only
// meaningful once Finalized() is true.
func (s *Section) VirtualSize() uint32 { return s.vsize }

// OnDestroy registers an observer invoked when this section is
// destroyed.
func (s *Section) OnDestroy(fn Observer) {
	s.observers = append(s.observers, fn)
}

func alignUp(v, a uint32) uint32 {
	if a <= 1 {
		return v
	}
	rem := v % a
	if rem == 0 {
		return v
	}
	return v + (a - rem)
}

func (s *Section) growTo(newSpan uint32) {
	if newSpan <= uint32(len(s.stream)) {
		if newSpan > s.span {
			s.span = newSpan
		}
		return
	}
	grown := make([]byte, newSpan)
	copy(grown, s.stream)
	s.stream = grown
	s.span = newSpan
}

// insertFreeRange inserts (offset, size) into the free list in
// address order, merging with adjacent ranges so the list never
// carries two touching free runs (mirrors the native heap's merge
// discipline at a per-section scale).
func (s *Section) insertFreeRange(offset, size uint32) {
	if size == 0 {
		return
	}
	i := 0
	for i < len(s.free) && s.free[i].offset < offset {
		i++
	}
	s.free = append(s.free, freeRange{})
	copy(s.free[i+1:], s.free[i:])
	s.free[i] = freeRange{offset: offset, size: size}

	// Merge with the following range.
	if i+1 < len(s.free) && s.free[i].offset+s.free[i].size == s.free[i+1].offset {
		s.free[i].size += s.free[i+1].size
		s.free = append(s.free[:i+1], s.free[i+2:]...)
	}
	// Merge with the preceding range.
	if i > 0 && s.free[i-1].offset+s.free[i-1].size == s.free[i].offset {
		s.free[i-1].size += s.free[i].size
		s.free = append(s.free[:i], s.free[i+1:]...)
	}
}

// Allocate assigns a non-overlapping [offset, offset+size) range with
// the given alignment, reusing the lowest-offset free hole that fits
// before growing the stream (spec section 4.2).
func (s *Section) Allocate(size, alignment uint32) (AllocID, uint32, error) {
	if s.finalized {
		return 0, 0, perror.New(perror.Overlap, "section.Allocate: section is finalized",
			map[string]interface{}{"section": s.Name()})
	}
	if alignment == 0 {
		alignment = 1
	}

	for i, fr := range s.free {
		start := alignUp(fr.offset, alignment)
		end := start + size
		if end > fr.offset+fr.size {
			continue
		}
		s.free = append(s.free[:i], s.free[i+1:]...)
		if start > fr.offset {
			s.insertFreeRange(fr.offset, start-fr.offset)
		}
		if end < fr.offset+fr.size {
			s.insertFreeRange(end, fr.offset+fr.size-end)
		}
		return s.commitAllocation(start, size), start, nil
	}

	start := alignUp(s.span, alignment)
	if start > s.span {
		s.insertFreeRange(s.span, start-s.span)
	}
	s.growTo(start + size)
	return s.commitAllocation(start, size), start, nil
}

func (s *Section) commitAllocation(offset, size uint32) AllocID {
	s.next++
	id := s.next
	s.allocs[id] = &allocation{offset: offset, size: size, alive: true}
	return id
}

// PlaceAt marks [offset, offset+size) as occupied without going
// through the normal free-list search, for reconstructing a section
// from a loaded image where the layout is already fixed. It rejects
// any overlap with a live allocation (spec section 4.2, "placed-memory
// variant").
func (s *Section) PlaceAt(offset, size uint32) (AllocID, error) {
	if s.finalized {
		return 0, perror.New(perror.Overlap, "section.PlaceAt: section is finalized", nil)
	}
	end := offset + size
	for _, a := range s.allocs {
		if !a.alive {
			continue
		}
		if offset < a.offset+a.size && a.offset < end {
			return 0, perror.New(perror.Overlap, "section.PlaceAt: overlaps live allocation",
				map[string]interface{}{"offset": offset, "size": size})
		}
	}

	if end > s.span {
		s.growTo(end)
	}

	// Consume the requested range out of whichever free range(s) it
	// intersects, splitting as needed.
	var rebuilt []freeRange
	for _, fr := range s.free {
		frEnd := fr.offset + fr.size
		if frEnd <= offset || fr.offset >= end {
			rebuilt = append(rebuilt, fr)
			continue
		}
		if fr.offset < offset {
			rebuilt = append(rebuilt, freeRange{offset: fr.offset, size: offset - fr.offset})
		}
		if frEnd > end {
			rebuilt = append(rebuilt, freeRange{offset: end, size: frEnd - end})
		}
	}
	s.free = rebuilt

	return s.commitAllocation(offset, size), nil
}

// Release returns id's range to the free list. Releasing a dead or
// unknown handle is fatal (spec section 4.2, "Releasing a non-live
// range is fatal").
func (s *Section) Release(id AllocID) {
	a, ok := s.allocs[id]
	if !ok || !a.alive {
		perror.Fatal("section.Release: releasing a non-live allocation",
			map[string]interface{}{"section": s.Name(), "id": id})
	}
	a.alive = false
	s.insertFreeRange(a.offset, a.size)
	delete(s.allocs, id)
}

// Offset returns id's byte offset within the section. Valid both
// before and after finalization (spec section 4.7).
func (s *Section) Offset(id AllocID) (uint32, error) {
	a, ok := s.allocs[id]
	if !ok {
		return 0, perror.New(perror.Unallocated, "section.Offset: unknown allocation", nil)
	}
	return a.offset, nil
}

// WriteBytes copies data into the section at offset, growing the
// stream if needed. Valid only before finalization; after
// finalization, byte mutation is permitted only as part of patch write
// (spec section 4.7).
func (s *Section) WriteBytes(offset uint32, data []byte) error {
	end := offset + uint32(len(data))
	if s.finalized {
		if end > s.vsize {
			return perror.New(perror.OutOfBounds, "section.WriteBytes: write past finalized virtual size", nil)
		}
	} else if end > s.span {
		s.growTo(end)
	}
	copy(s.stream[offset:end], data)
	return nil
}

// ReadAt returns size bytes starting at offset, zero-padding any
// portion beyond the backing buffer up to VirtualSize once finalized
// (spec section 4.3, "zero-padded reads beyond the section's backing
// buffer up to virtualSize").
func (s *Section) ReadAt(offset, size uint32) ([]byte, error) {
	limit := s.span
	if s.finalized {
		limit = s.vsize
	}
	if uint64(offset)+uint64(size) > uint64(limit) {
		return nil, perror.New(perror.OutOfBounds, "section.ReadAt: read past section end", nil)
	}
	out := make([]byte, size)
	if offset < uint32(len(s.stream)) {
		n := copy(out, s.stream[offset:min32(uint32(len(s.stream)), offset+size)])
		_ = n
	}
	return out, nil
}

func min32(a, b uint32) uint32 {
	if a < b {
		return a
	}
	return b
}

// Finalize fixes the section's virtual size and closes the free-list
// allocator (spec section 4.7). padTo, if non-zero and larger than the
// current span, becomes VirtualSize instead ("a user-supplied
// 'profound' larger value to pad the tail with zeroes").
func (s *Section) Finalize(padTo uint32) {
	if s.finalized {
		return
	}
	s.finalized = true
	if padTo > s.span {
		s.vsize = padTo
	} else {
		s.vsize = s.span
	}
}

// Bytes returns the section's raw on-disk bytes (unpadded past span;
// callers pad to file alignment at commit time).
func (s *Section) Bytes() []byte {
	return s.stream
}

// Destroy tears the section down: every allocation handle and placed
// offset referencing it becomes invalid, and registered observers (the
// placed-offset graph, chiefly) are notified so they can unlink
// back-references (spec section 3, "Lifecycles").
func (s *Section) Destroy() {
	if s.destroyed {
		return
	}
	s.destroyed = true
	for _, obs := range s.observers {
		obs(s)
	}
	s.allocs = nil
	s.free = nil
}

// Destroyed reports whether Destroy has been called.
func (s *Section) Destroyed() bool { return s.destroyed }
