package section

import (
	"sort"

	"github.com/saferwall/pecore/perror"
)

// Manager holds every section of one image, ordered by ascending
// virtual address, and places new sections first-fit at
// section-alignment boundaries (spec section 4.3).
type Manager struct {
	alignment uint32
	sections  []*Section
}

// NewManager constructs a Manager that places sections on the given
// section alignment (typically 0x1000).
func NewManager(sectionAlignment uint32) *Manager {
	return &Manager{alignment: sectionAlignment}
}

func alignUp32(v, a uint32) uint32 {
	if a <= 1 {
		return v
	}
	rem := v % a
	if rem == 0 {
		return v
	}
	return v + (a - rem)
}

// sizeFor returns the span a section currently occupies in virtual
// address space: its finalized VirtualSize once finalized, or its
// current Span while open (so placement remains meaningful mid-edit).
func sizeFor(s *Section) uint32 {
	if s.Finalized() {
		return s.VirtualSize()
	}
	return s.Span()
}

// AddSection places s at the lowest virtual-address gap that fits its
// current size, aligned to the manager's section alignment (spec
// section 4.3, "Placement").
func (m *Manager) AddSection(s *Section) {
	size := alignUp32(maxu32(sizeFor(s), 1), m.alignment)

	candidate := m.alignment
	inserted := false
	for i, existing := range m.sections {
		if candidate+size <= existing.VAddr() {
			s.SetVAddr(candidate)
			m.sections = append(m.sections, nil)
			copy(m.sections[i+1:], m.sections[i:])
			m.sections[i] = s
			inserted = true
			break
		}
		end := existing.VAddr() + alignUp32(maxu32(sizeFor(existing), 1), m.alignment)
		if end > candidate {
			candidate = end
		}
	}
	if !inserted {
		s.SetVAddr(candidate)
		m.sections = append(m.sections, s)
	}

	s.OnDestroy(func(dead *Section) { m.remove(dead) })
}

func maxu32(a, b uint32) uint32 {
	if a > b {
		return a
	}
	return b
}

// PlaceSection places s at its already-assigned VAddr, used when
// reconstructing from a loaded image. It fails if s would overlap an
// existing section (spec section 4.3, "place_section").
func (m *Manager) PlaceSection(s *Section) error {
	size := alignUp32(maxu32(sizeFor(s), 1), m.alignment)
	start := s.VAddr()
	end := start + size

	idx := sort.Search(len(m.sections), func(i int) bool { return m.sections[i].VAddr() >= start })
	for _, existing := range m.sections {
		exEnd := existing.VAddr() + alignUp32(maxu32(sizeFor(existing), 1), m.alignment)
		if start < exEnd && existing.VAddr() < end {
			return perror.New(perror.Overlap, "section.PlaceSection: overlaps existing section",
				map[string]interface{}{"name": s.Name(), "vaddr": start})
		}
	}

	m.sections = append(m.sections, nil)
	copy(m.sections[idx+1:], m.sections[idx:])
	m.sections[idx] = s
	s.OnDestroy(func(dead *Section) { m.remove(dead) })
	return nil
}

func (m *Manager) remove(dead *Section) {
	for i, s := range m.sections {
		if s == dead {
			m.sections = append(m.sections[:i], m.sections[i+1:]...)
			return
		}
	}
}

// Sections returns every section, in ascending virtual-address order.
// The returned slice is a copy; mutating it does not affect the
// manager.
func (m *Manager) Sections() []*Section {
	out := make([]*Section, len(m.sections))
	copy(out, m.sections)
	return out
}

// ByName returns the section with the given short name, or nil.
func (m *Manager) ByName(name string) *Section {
	for _, s := range m.sections {
		if s.Name() == name {
			return s
		}
	}
	return nil
}

// ResolveRVA returns the (section, offset) pair an RVA falls into, or
// ok=false if no section covers it (spec section 4.3, "resolve_rva").
func (m *Manager) ResolveRVA(rva uint32) (sec *Section, offset uint32, ok bool) {
	for _, s := range m.sections {
		size := sizeFor(s)
		if rva >= s.VAddr() && rva < s.VAddr()+size {
			return s, rva - s.VAddr(), true
		}
	}
	return nil, 0, false
}

// ResolveRange succeeds only if [rva, rva+size) lies entirely within
// one finalized section (spec section 4.3, "An extended form accepts
// a size").
func (m *Manager) ResolveRange(rva, size uint32) (sec *Section, offset uint32, ok bool) {
	for _, s := range m.sections {
		if !s.Finalized() {
			continue
		}
		if rva >= s.VAddr() && uint64(rva)+uint64(size) <= uint64(s.VAddr())+uint64(s.VirtualSize()) {
			return s, rva - s.VAddr(), true
		}
	}
	return nil, 0, false
}

// SizeOfImage returns the aligned end of the highest section (spec
// section 3, "ImageLayout" invariant).
func (m *Manager) SizeOfImage() uint32 {
	var end uint32
	for _, s := range m.sections {
		e := s.VAddr() + alignUp32(maxu32(sizeFor(s), 1), m.alignment)
		if e > end {
			end = e
		}
	}
	return alignUp32(end, m.alignment)
}

// Stream is a zero-padded view over a section's bytes starting at a
// given (section, offset) pair, presenting reads beyond the backing
// buffer as zeroes up to VirtualSize (spec section 4.3, "A data-stream
// view").
type Stream struct {
	sec    *Section
	offset uint32
}

// NewStream wraps (sec, offset) as a Stream.
func NewStream(sec *Section, offset uint32) *Stream {
	return &Stream{sec: sec, offset: offset}
}

// ReadAt reads len(p) bytes starting at off relative to the stream's
// base offset, per io.ReaderAt.
func (st *Stream) ReadAt(p []byte, off int64) (int, error) {
	data, err := st.sec.ReadAt(st.offset+uint32(off), uint32(len(p)))
	if err != nil {
		return 0, err
	}
	return copy(p, data), nil
}
