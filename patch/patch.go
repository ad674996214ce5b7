// Package patch implements the cross-section placed-offset graph
// (spec section 4.4): directed edges from a patch site inside one
// section to a target allocation inside another, resolved into
// concrete RVAs or VAs when the image is committed.
package patch

import (
	"encoding/binary"

	"github.com/saferwall/pecore/perror"
	"github.com/saferwall/pecore/section"
)

// Kind selects how a patch's literal value is computed and whether it
// needs a base relocation (spec section 4.4).
type Kind int

const (
	// RVA32 writes target.vaddr+targetOffset as a 32-bit value.
	// Never emits a base relocation.
	RVA32 Kind = iota
	// VA32 writes imageBase+target.vaddr+targetOffset as a 32-bit
	// value. Emits a HIGHLOW base relocation.
	VA32
	// VA64 writes imageBase+target.vaddr+targetOffset as a 64-bit
	// value. Emits a DIR64 base relocation.
	VA64
)

// PlacedOffset is one registered patch site (spec section 3,
// "PlacedOffset").
type PlacedOffset struct {
	Holder       *section.Section
	HolderOffset uint32
	Target       *section.Section
	TargetOffset uint32
	Kind         Kind

	cleared bool
}

// Live reports whether this patch still has both a holder and a
// target; a cleared patch is "dead" per spec section 4.4.
func (p *PlacedOffset) Live() bool {
	return !p.cleared && p.Holder != nil && p.Target != nil
}

// Graph owns every registered patch for one image, indexed both by
// holder (forward list) and by target (back-reference list) so
// section destruction can unlink affected edges in either direction
// (spec section 4.4).
type Graph struct {
	bySection map[*section.Section][]*PlacedOffset
	all       []*PlacedOffset
}

// NewGraph constructs an empty patch graph.
func NewGraph() *Graph {
	return &Graph{bySection: make(map[*section.Section][]*PlacedOffset)}
}

// Register records a new patch: at holderOffset inside holder, write a
// pointer (of the given Kind) to targetOffset inside target. It is
// linked into both holder's forward list and target's back-reference
// list (spec section 4.4, "register").
func (g *Graph) Register(holder *section.Section, holderOffset uint32, target *section.Section, targetOffset uint32, kind Kind) *PlacedOffset {
	p := &PlacedOffset{
		Holder: holder, HolderOffset: holderOffset,
		Target: target, TargetOffset: targetOffset,
		Kind: kind,
	}
	g.all = append(g.all, p)
	g.bySection[holder] = append(g.bySection[holder], p)
	if target != holder {
		g.bySection[target] = append(g.bySection[target], p)
	}

	holder.OnDestroy(func(dead *section.Section) { g.unlinkHolder(p, dead) })
	if target != holder {
		target.OnDestroy(func(dead *section.Section) { g.unlinkTarget(p, dead) })
	}
	return p
}

func (g *Graph) unlinkHolder(p *PlacedOffset, dead *section.Section) {
	if p.Holder == dead {
		p.cleared = true
		p.Holder = nil
	}
}

func (g *Graph) unlinkTarget(p *PlacedOffset, dead *section.Section) {
	if p.Target == dead {
		p.cleared = true
		p.Target = nil
	}
}

// Live returns every patch that still has both endpoints.
func (g *Graph) Live() []*PlacedOffset {
	out := make([]*PlacedOffset, 0, len(g.all))
	for _, p := range g.all {
		if p.Live() {
			out = append(out, p)
		}
	}
	return out
}

// Write computes and writes the literal value of every live patch into
// its holder's buffer, little-endian, at HolderOffset (spec section
// 4.4, "write(image_base)").
func (g *Graph) Write(imageBase uint64) error {
	for _, p := range g.Live() {
		value := p.literalValue(imageBase)
		var buf []byte
		switch p.Kind {
		case VA64:
			buf = make([]byte, 8)
			binary.LittleEndian.PutUint64(buf, value)
		default:
			buf = make([]byte, 4)
			binary.LittleEndian.PutUint32(buf, uint32(value))
		}
		if err := p.Holder.WriteBytes(p.HolderOffset, buf); err != nil {
			return perror.Wrap(perror.OutOfBounds, "patch.Write", err, map[string]interface{}{
				"holder": p.Holder.Name(), "offset": p.HolderOffset,
			})
		}
	}
	return nil
}

func (p *PlacedOffset) literalValue(imageBase uint64) uint64 {
	targetVA := uint64(p.Target.VAddr()) + uint64(p.TargetOffset)
	if p.Kind == RVA32 {
		return targetVA
	}
	return imageBase + targetVA
}

// RelocEntry is one base-relocation item destined for a 4 KiB page
// block (spec section 4.4, "Base-relocation emission").
type RelocEntry struct {
	PageRVA    uint32 // page-aligned base of the 4 KiB block
	OffsetInPage uint16
	Type       RelocType
}

// RelocType selects the base-relocation entry type by pointer width
// (spec section 4.4).
type RelocType uint16

const (
	// RelocHighLow is IMAGE_REL_BASED_HIGHLOW, used for VA32 patches.
	RelocHighLow RelocType = 3
	// RelocDir64 is IMAGE_REL_BASED_DIR64, used for VA64 patches.
	RelocDir64 RelocType = 10
)

// BuildRelocEntries produces one RelocEntry per live VA-kind patch.
// RVA-kind patches never emit a relocation (spec section 4.4).
func (g *Graph) BuildRelocEntries() []RelocEntry {
	var entries []RelocEntry
	for _, p := range g.Live() {
		if p.Kind == RVA32 {
			continue
		}
		va := p.Holder.VAddr() + p.HolderOffset
		pageRVA := va &^ 0xFFF
		var rt RelocType
		if p.Kind == VA64 {
			rt = RelocDir64
		} else {
			rt = RelocHighLow
		}
		entries = append(entries, RelocEntry{
			PageRVA:      pageRVA,
			OffsetInPage: uint16(va & 0xFFF),
			Type:         rt,
		})
	}
	return entries
}

// EncodeRelocBlocks packs entries into little-endian IMAGE_BASE_RELOCATION
// blocks, one per distinct PageRVA, each item encoded as uint16
// (offset:12, type:4) per spec section 9's open question 2: the two
// fields are extracted/packed with explicit masks rather than a
// compiler-dependent bitfield.
func EncodeRelocBlocks(entries []RelocEntry) []byte {
	byPage := make(map[uint32][]RelocEntry)
	var pages []uint32
	for _, e := range entries {
		if _, ok := byPage[e.PageRVA]; !ok {
			pages = append(pages, e.PageRVA)
		}
		byPage[e.PageRVA] = append(byPage[e.PageRVA], e)
	}

	var out []byte
	for _, page := range pages {
		items := byPage[page]
		if len(items)%2 != 0 {
			items = append(items, RelocEntry{Type: 0, OffsetInPage: 0}) // ABSOLUTE padding
		}
		blockSize := uint32(8 + len(items)*2)
		hdr := make([]byte, 8)
		binary.LittleEndian.PutUint32(hdr[0:4], page)
		binary.LittleEndian.PutUint32(hdr[4:8], blockSize)
		out = append(out, hdr...)
		for _, it := range items {
			packed := (uint16(it.Type) << 12) | (it.OffsetInPage & 0x0FFF)
			b := make([]byte, 2)
			binary.LittleEndian.PutUint16(b, packed)
			out = append(out, b...)
		}
	}
	return out
}
