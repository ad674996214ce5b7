// Package layout assembles sections, data-directory payloads, and the
// patch graph into the final byte image: the DOS stub, COFF file
// header, optional header, section table, section bodies, base
// relocations, and trailing file-space blobs (spec section 4.6,
// "Commit"). It is the one place that knows how every other object
// (section.Manager, directory.Payload, patch.Graph) fits into a single
// linear PE file.
package layout

import (
	"bytes"
	"encoding/binary"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	pe "github.com/saferwall/pecore"
	"github.com/saferwall/pecore/directory"
	"github.com/saferwall/pecore/log"
	"github.com/saferwall/pecore/patch"
	"github.com/saferwall/pecore/perror"
	"github.com/saferwall/pecore/section"
)

const (
	dosStubSize    = 0x40
	peSignatureLen = 4
	coffHeaderLen  = 20
	sectionHeaderLen = 40
)

// SchemaVersion identifies the layout of the on-disk manifests the
// build/edit CLI subcommands accept. The `version` subcommand prints it
// and checks with golang.org/x/mod/semver that it is valid semver; the
// manifests themselves carry no version field and are not checked
// against it.
const SchemaVersion = "v1.0.0"

// DirectorySlot pairs a data-directory entry with the payload that
// fills it. A nil Payload leaves the slot zeroed.
type DirectorySlot struct {
	Entry   directory.Entry
	Payload directory.Payload
}

// ImageLayout is the mutable, in-memory model of one PE image under
// construction: its section manager, registered data-directory
// payloads, and the patch graph linking them (spec section 4.6).
type ImageLayout struct {
	Is64Bit bool
	ImageBase uint64

	Machine          uint16
	Characteristics  uint16
	Subsystem        uint16
	DllCharacteristics uint16
	EntryPointRVA    uint32

	FileAlignment    uint32
	SectionAlignment uint32

	Manager    *section.Manager
	Graph      *patch.Graph
	Directories [15]DirectorySlot

	// RelocSection is the section base relocations are written into
	// during Commit, when any VA-kind patch exists. Callers are
	// expected to have added it to Manager beforehand, typically named
	// ".reloc".
	RelocSection *section.Section

	// TrailingBlobs are appended to the file after every section's raw
	// data, in order (certificates, debug data directories that live
	// purely in file space, and similar). spec section 4.6, "file
	// space" distinguishes these from section-backed directories.
	TrailingBlobs [][]byte

	// RichHeader, when non-nil, is emitted verbatim between the 64-byte
	// DOS stub and the "PE\0\0" signature, matching where the teacher's
	// richheader.go locates it on the read side (spec section 5,
	// "rich-header round-trip preservation"). Only RichHeader.Raw is
	// used; e_lfanew is adjusted to point past it.
	RichHeader *pe.RichHeader

	// Symbols and SymbolStringTable re-emit a COFF symbol table read by
	// the teacher's symbol.go, preserving every record's raw Name
	// encoding (short name or string-table offset) byte for byte (spec
	// section 5, "COFF symbol table preservation"). The string table is
	// rebuilt by concatenating SymbolStringTable in order with the
	// 4-byte total-size prefix symbol.go's COFFStringTable expects.
	Symbols           []pe.COFFSymbol
	SymbolStringTable []string

	// Overlay is appended after everything else (sections, symbol
	// table, TrailingBlobs): bytes the teacher's overlay.go reads past
	// the last section, preserved verbatim (spec section 5, "overlay
	// preservation").
	Overlay []byte

	directoryTargets [15]*section.Section
	resolvedDirs     [15]directory.Result

	logger *log.Helper
}

// Option configures a new ImageLayout.
type Option func(*ImageLayout)

// WithLogger attaches a logger used for commit diagnostics.
func WithLogger(logger log.Logger) Option {
	return func(l *ImageLayout) { l.logger = log.NewHelper(logger) }
}

// New constructs an empty image layout around a caller-supplied
// section manager. The manager's sections must already be placed by
// the time Commit runs.
func New(mgr *section.Manager, sectionAlignment uint32, opts ...Option) *ImageLayout {
	l := &ImageLayout{
		Manager:          mgr,
		Graph:            patch.NewGraph(),
		SectionAlignment: sectionAlignment,
		FileAlignment:    0x200,
		logger:           log.NewHelper(log.NopLogger{}),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// SetDirectory registers a payload for one of the 15 data-directory
// slots. A section must later receive this payload via
// directory.Context.Target when Commit runs.
func (l *ImageLayout) SetDirectory(entry directory.Entry, target *section.Section, payload directory.Payload) {
	l.Directories[entry] = DirectorySlot{Entry: entry, Payload: payload}
	l.directoryTargets[entry] = target
}

// Image is the finished byte stream produced by Commit: the raw file
// bytes plus the resolved size-of-image and size-of-headers values the
// caller needs to populate a COFF loader-visible header (spec section
// 4.6, "optional-header field computation").
type Image struct {
	Bytes         []byte
	SizeOfImage   uint32
	SizeOfHeaders uint32
}

// alignUp rounds v up to the next multiple of a (a must be nonzero).
func alignUp(v, a uint32) uint32 {
	if a == 0 {
		return v
	}
	return (v + a - 1) / a * a
}

// Commit runs the full build pipeline (spec section 4.6):
//  1. every registered directory payload serializes into its target
//     section, recording the RVA/size it lands at;
//  2. every section is finalized (rounding its virtual size and
//     freezing further allocation);
//  3. if any VA-kind patch exists, base relocations are built and
//     written into RelocSection;
//  4. every live placed-offset in the patch graph is written;
//  5. SizeOfImage/SizeOfHeaders are computed from the final section
//     layout;
//  6. the file bytes are emitted: DOS stub, COFF header, optional
//     header (with directory RVAs/sizes filled in), section table,
//     section raw data (file-aligned), the COFF symbol table if any,
//     TrailingBlobs, then Overlay.
func (l *ImageLayout) Commit() (*Image, error) {
	sessionID := uuid.New()
	l.logger.Infof("commit %s: starting, %d sections registered", sessionID, len(l.Manager.Sections()))

	for _, slot := range l.Directories {
		if slot.Payload == nil {
			continue
		}
		target := l.directoryTargets[slot.Entry]
		if target == nil {
			return nil, perror.New(perror.InvalidFormat, "layout.Commit", map[string]interface{}{
				"directory": slot.Entry,
			})
		}
		res, err := slot.Payload.SerializeInto(&directory.Context{
			Manager: l.Manager, Graph: l.Graph, ImageBase: l.ImageBase, Target: target,
		})
		if err != nil {
			return nil, errors.Wrapf(err, "serialize directory %d", slot.Entry)
		}
		l.resolvedDirs[slot.Entry] = res
	}

	for _, s := range l.Manager.Sections() {
		if s == l.RelocSection {
			continue
		}
		if !s.Finalized() {
			s.Finalize(alignUp(s.Span(), l.SectionAlignment))
		}
	}

	relocEntries := l.Graph.BuildRelocEntries()
	if len(relocEntries) > 0 {
		if l.RelocSection == nil {
			return nil, perror.New(perror.InvalidFormat, "layout.Commit", map[string]interface{}{
				"reason": "VA-kind patches present but no reloc section configured",
			})
		}
		relocBytes := patch.EncodeRelocBlocks(relocEntries)
		if !l.RelocSection.Finalized() {
			if _, _, err := l.RelocSection.Allocate(uint32(len(relocBytes)), 4); err != nil {
				return nil, err
			}
		}
		if err := l.RelocSection.WriteBytes(0, relocBytes); err != nil {
			return nil, err
		}
		l.resolvedDirs[directory.EntryBaseReloc] = directory.Result{
			RVA: l.RelocSection.VAddr(), Size: uint32(len(relocBytes)),
		}
		if !l.RelocSection.Finalized() {
			l.RelocSection.Finalize(alignUp(uint32(len(relocBytes)), l.SectionAlignment))
		}
	}

	if l.RelocSection != nil && !l.RelocSection.Finalized() {
		l.RelocSection.Finalize(alignUp(l.RelocSection.Span(), l.SectionAlignment))
	}

	if err := l.Graph.Write(l.ImageBase); err != nil {
		return nil, err
	}

	richLen := uint32(0)
	if l.RichHeader != nil {
		richLen = uint32(len(l.RichHeader.Raw))
	}
	stubSize := dosStubSize + richLen

	sizeOfImage := l.Manager.SizeOfImage()
	sizeOfHeaders := alignUp(stubSize+peSignatureLen+coffHeaderLen+l.optionalHeaderLen()+
		uint32(len(l.Manager.Sections()))*sectionHeaderLen, l.FileAlignment)

	sectionsTotalSize := uint32(0)
	for _, s := range l.Manager.Sections() {
		sectionsTotalSize += alignUp(uint32(len(s.Bytes())), l.FileAlignment)
	}

	symbolBytes, symbolTableOffset := l.buildSymbolTable(sizeOfHeaders + sectionsTotalSize)

	var buf bytes.Buffer
	if err := l.writeHeaders(&buf, sizeOfImage, sizeOfHeaders, stubSize, symbolTableOffset); err != nil {
		return nil, err
	}
	for buf.Len() < int(sizeOfHeaders) {
		buf.WriteByte(0)
	}

	for _, s := range l.Manager.Sections() {
		raw := s.Bytes()
		buf.Write(raw)
		padded := alignUp(uint32(len(raw)), l.FileAlignment)
		for i := uint32(len(raw)); i < padded; i++ {
			buf.WriteByte(0)
		}
	}

	buf.Write(symbolBytes)

	for _, blob := range l.TrailingBlobs {
		buf.Write(blob)
	}

	buf.Write(l.Overlay)

	l.logger.Infof("commit %s: wrote image, %d sections, %d bytes", sessionID, len(l.Manager.Sections()), buf.Len())

	return &Image{Bytes: buf.Bytes(), SizeOfImage: sizeOfImage, SizeOfHeaders: sizeOfHeaders}, nil
}

// buildSymbolTable re-emits the COFF symbol table and its trailing
// string table at the given file offset, preserving every symbol
// record's raw Name encoding and the string table's original order
// (spec section 5, "COFF symbol table preservation"). Returns nil
// bytes and offset 0 when no symbols are registered, so the COFF
// header's PointerToSymbolTable/NumberOfSymbols stay zero.
func (l *ImageLayout) buildSymbolTable(fileOffset uint32) ([]byte, uint32) {
	if len(l.Symbols) == 0 {
		return nil, 0
	}

	var buf bytes.Buffer
	for _, sym := range l.Symbols {
		_ = binary.Write(&buf, binary.LittleEndian, sym)
	}

	var strBuf bytes.Buffer
	strBuf.Write(make([]byte, 4)) // size prefix, patched below
	for _, s := range l.SymbolStringTable {
		strBuf.WriteString(s)
		strBuf.WriteByte(0)
	}
	strBytes := strBuf.Bytes()
	binary.LittleEndian.PutUint32(strBytes[0:4], uint32(len(strBytes)))
	buf.Write(strBytes)

	return buf.Bytes(), fileOffset
}

func (l *ImageLayout) optionalHeaderLen() uint32 {
	if l.Is64Bit {
		return 112 + 16*8
	}
	return 96 + 16*8
}

func (l *ImageLayout) writeHeaders(buf *bytes.Buffer, sizeOfImage, sizeOfHeaders, stubSize, symbolTableOffset uint32) error {
	stub := make([]byte, dosStubSize)
	binary.LittleEndian.PutUint16(stub[0:2], 0x5A4D) // "MZ"
	binary.LittleEndian.PutUint32(stub[0x3C:0x40], stubSize)
	buf.Write(stub)
	if l.RichHeader != nil && len(l.RichHeader.Raw) > 0 {
		buf.Write(l.RichHeader.Raw)
	}

	buf.WriteString("PE\x00\x00")

	coff := make([]byte, coffHeaderLen)
	binary.LittleEndian.PutUint16(coff[0:2], l.Machine)
	binary.LittleEndian.PutUint16(coff[2:4], uint16(len(l.Manager.Sections())))
	binary.LittleEndian.PutUint32(coff[8:12], symbolTableOffset)
	binary.LittleEndian.PutUint32(coff[12:16], uint32(len(l.Symbols)))
	binary.LittleEndian.PutUint16(coff[16:18], uint16(l.optionalHeaderLen()))
	binary.LittleEndian.PutUint16(coff[18:20], l.Characteristics)
	buf.Write(coff)

	opt := make([]byte, l.optionalHeaderLen())
	if l.Is64Bit {
		binary.LittleEndian.PutUint16(opt[0:2], 0x20B)
	} else {
		binary.LittleEndian.PutUint16(opt[0:2], 0x10B)
	}
	binary.LittleEndian.PutUint32(opt[16:20], l.EntryPointRVA)

	base := uint32(24)
	if l.Is64Bit {
		binary.LittleEndian.PutUint64(opt[24:32], l.ImageBase)
		base = 24 + 8
	} else {
		binary.LittleEndian.PutUint32(opt[28:32], uint32(l.ImageBase))
		base = 28 + 4
	}
	binary.LittleEndian.PutUint32(opt[base:base+4], l.SectionAlignment)
	binary.LittleEndian.PutUint32(opt[base+4:base+8], l.FileAlignment)

	// SizeOfImage, SizeOfHeaders, Subsystem and DllCharacteristics sit at
	// the same offsets in PE32 and PE32+.
	sizeOfImageOff := uint32(56)
	binary.LittleEndian.PutUint32(opt[sizeOfImageOff:sizeOfImageOff+4], sizeOfImage)
	binary.LittleEndian.PutUint32(opt[sizeOfImageOff+4:sizeOfImageOff+8], sizeOfHeaders)
	binary.LittleEndian.PutUint16(opt[sizeOfImageOff+12:sizeOfImageOff+14], l.Subsystem)
	binary.LittleEndian.PutUint16(opt[sizeOfImageOff+14:sizeOfImageOff+16], l.DllCharacteristics)

	dirTableOff := l.optionalHeaderLen() - 16*8
	binary.LittleEndian.PutUint32(opt[dirTableOff-4:dirTableOff], 16) // NumberOfRvaAndSizes
	for i, res := range l.resolvedDirs {
		off := dirTableOff + uint32(i)*8
		binary.LittleEndian.PutUint32(opt[off:off+4], res.RVA)
		binary.LittleEndian.PutUint32(opt[off+4:off+8], res.Size)
	}
	buf.Write(opt)

	filePtr := sizeOfHeaders
	for _, s := range l.Manager.Sections() {
		rawSize := alignUp(uint32(len(s.Bytes())), l.FileAlignment)
		hdr := make([]byte, sectionHeaderLen)
		copy(hdr[0:8], []byte(s.Name()))
		binary.LittleEndian.PutUint32(hdr[8:12], s.VirtualSize())
		binary.LittleEndian.PutUint32(hdr[12:16], s.VAddr())
		binary.LittleEndian.PutUint32(hdr[16:20], rawSize)
		binary.LittleEndian.PutUint32(hdr[20:24], filePtr)
		buf.Write(hdr)
		filePtr += rawSize
	}
	return nil
}
