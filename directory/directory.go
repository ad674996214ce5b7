// Package directory defines the data-directory generic interface
// (spec section 4.5). The core is agnostic to any specific directory
// payload's on-disk layout (exports, imports, resources, TLS,
// load-config, bound/delay imports, and the per-architecture exception
// tables are external collaborators per spec section 1); it only
// demands that every payload type implement SerializeInto. This
// package carries that interface plus a handful of illustrative
// payload kinds exercised by the end-to-end scenarios in spec section
// 8, and a RawPayload for file-space-only directories the core treats
// opaquely (certificates, bound imports, some debug records).
package directory

import (
	"encoding/binary"
	"fmt"
	"sort"

	"golang.org/x/text/encoding/unicode"

	"github.com/saferwall/pecore/patch"
	"github.com/saferwall/pecore/section"
)

// Entry indexes the 15 data-directory slots in the optional header
// (spec section 6, "Data directories 0-14").
type Entry int

// The fixed data-directory slots, in optional-header order.
const (
	EntryExport Entry = iota
	EntryImport
	EntryResource
	EntryException
	EntryCertificate
	EntryBaseReloc
	EntryDebug
	EntryArchitecture
	EntryGlobalPtr
	EntryTLS
	EntryLoadConfig
	EntryBoundImport
	EntryIAT
	EntryDelayImport
	EntryCLR
	entryCount
)

// Context is everything a payload's SerializeInto needs: where to
// allocate its storage, how to register cross-section patches, and
// the image base patches resolve against (spec section 4.5).
type Context struct {
	Manager   *section.Manager
	Graph     *patch.Graph
	ImageBase uint64
	// Target is the section SerializeInto should allocate its own
	// storage inside (spec section 4.6 step 1, "a designated writable
	// section").
	Target *section.Section
}

// Result is what a successful SerializeInto reports back to the
// commit pipeline: the RVA and size to record in the payload's data
// directory slot.
type Result struct {
	RVA  uint32
	Size uint32
}

// Payload is the single polymorphic operation every directory type
// implements (spec section 4.5).
type Payload interface {
	// SerializeInto allocates space in ctx.Target, registers any
	// needed placed-offsets via ctx.Graph, writes the directory's byte
	// layout, and reports where it landed.
	SerializeInto(ctx *Context) (Result, error)
}

// RawPayload carries an opaque byte blob that this core does not
// interpret (certificates, bound imports, unrecognized debug records)
// and writes it verbatim. Some raw payloads live in section virtual
// address space; others are file-space only and are placed during the
// commit pipeline's file-layout pass instead of via SerializeInto (spec
// section 4.6, "File vs. section storage"). InSectionSpace
// distinguishes the two.
type RawPayload struct {
	Bytes         []byte
	InSectionSpace bool
}

// SerializeInto writes Bytes verbatim into ctx.Target when the payload
// lives in section space; file-space-only payloads are a no-op here
// and are instead collected by the commit pipeline for the file-layout
// pass.
func (r *RawPayload) SerializeInto(ctx *Context) (Result, error) {
	if !r.InSectionSpace {
		return Result{}, nil
	}
	id, offset, err := ctx.Target.Allocate(uint32(len(r.Bytes)), 1)
	if err != nil {
		return Result{}, err
	}
	if err := ctx.Target.WriteBytes(offset, r.Bytes); err != nil {
		return Result{}, err
	}
	_ = id
	return Result{RVA: ctx.Target.VAddr() + offset, Size: uint32(len(r.Bytes))}, nil
}

// ExportFunction is one exported symbol (spec section 8 scenario 2).
type ExportFunction struct {
	Name        string
	Ordinal     uint16
	FunctionRVA uint32
}

// Export is the export-directory payload: a name, an ordinal base, and
// a set of named functions pointing at RVAs elsewhere in the image
// (typically into .text).
type Export struct {
	DLLName     string
	OrdinalBase uint16
	Functions   []ExportFunction
}

// SerializeInto lays out an IMAGE_EXPORT_DIRECTORY-shaped block:
// header, then the address/name/ordinal arrays, then the name and DLL
// strings, matching the structure the teacher's own exports.go parses
// on the read side.
func (e *Export) SerializeInto(ctx *Context) (Result, error) {
	n := len(e.Functions)
	headerSize := uint32(40)
	addrTableSize := uint32(n) * 4
	namePtrTableSize := uint32(n) * 4
	ordTableSize := uint32(n) * 2

	totalSize := headerSize + addrTableSize + namePtrTableSize + ordTableSize
	for _, f := range e.Functions {
		totalSize += uint32(len(f.Name) + 1)
	}
	totalSize += uint32(len(e.DLLName) + 1)

	_, base, err := ctx.Target.Allocate(totalSize, 4)
	if err != nil {
		return Result{}, err
	}

	addrTableOff := base + headerSize
	namePtrTableOff := addrTableOff + addrTableSize
	ordTableOff := namePtrTableOff + namePtrTableSize
	stringsOff := ordTableOff + ordTableSize

	for i, f := range e.Functions {
		buf := make([]byte, 4)
		binary.LittleEndian.PutUint32(buf, f.FunctionRVA)
		if err := ctx.Target.WriteBytes(addrTableOff+uint32(i)*4, buf); err != nil {
			return Result{}, err
		}

		nameBytes := append([]byte(f.Name), 0)
		if err := ctx.Target.WriteBytes(stringsOff, nameBytes); err != nil {
			return Result{}, err
		}
		nameBuf := make([]byte, 4)
		binary.LittleEndian.PutUint32(nameBuf, ctx.Target.VAddr()+stringsOff)
		if err := ctx.Target.WriteBytes(namePtrTableOff+uint32(i)*4, nameBuf); err != nil {
			return Result{}, err
		}
		stringsOff += uint32(len(nameBytes))

		ordBuf := make([]byte, 2)
		binary.LittleEndian.PutUint16(ordBuf, f.Ordinal-e.OrdinalBase)
		if err := ctx.Target.WriteBytes(ordTableOff+uint32(i)*2, ordBuf); err != nil {
			return Result{}, err
		}
	}

	dllNameBytes := append([]byte(e.DLLName), 0)
	if err := ctx.Target.WriteBytes(stringsOff, dllNameBytes); err != nil {
		return Result{}, err
	}
	dllNameRVA := ctx.Target.VAddr() + stringsOff

	header := make([]byte, headerSize)
	binary.LittleEndian.PutUint32(header[12:16], dllNameRVA)
	binary.LittleEndian.PutUint32(header[16:20], uint32(e.OrdinalBase))
	binary.LittleEndian.PutUint32(header[20:24], uint32(n))
	binary.LittleEndian.PutUint32(header[24:28], uint32(n))
	binary.LittleEndian.PutUint32(header[28:32], ctx.Target.VAddr()+addrTableOff)
	binary.LittleEndian.PutUint32(header[32:36], ctx.Target.VAddr()+namePtrTableOff)
	binary.LittleEndian.PutUint32(header[36:40], ctx.Target.VAddr()+ordTableOff)
	if err := ctx.Target.WriteBytes(base, header); err != nil {
		return Result{}, err
	}

	return Result{RVA: ctx.Target.VAddr() + base, Size: totalSize}, nil
}

// ImportedFunction is one function imported from a module, by name or
// ordinal.
type ImportedFunction struct {
	Name    string
	Ordinal uint16
	ByName  bool
}

// ImportModule is one DLL an image imports functions from.
type ImportModule struct {
	Name      string
	Functions []ImportedFunction
}

// Import is the import-directory payload: a set of modules, each
// contributing an IMAGE_THUNK_DATA array (the IAT) and an
// IMAGE_IMPORT_DESCRIPTOR entry. Every thunk slot is registered as an
// RVA32 patch pointing at its hint/name entry (or written directly for
// ordinal imports), so later edits that move the import table keep the
// thunks correct automatically.
type Import struct {
	Modules []ImportModule
}

// SerializeInto lays out descriptors, name/hint-name thunks, and
// strings, wiring patches for every by-name thunk (spec section 4.4,
// "register").
func (im *Import) SerializeInto(ctx *Context) (Result, error) {
	descSize := uint32(20)
	totalDesc := (uint32(len(im.Modules)) + 1) * descSize // +1 null terminator

	_, descBase, err := ctx.Target.Allocate(totalDesc, 4)
	if err != nil {
		return Result{}, err
	}

	for i, mod := range im.Modules {
		thunkCount := uint32(len(mod.Functions)) + 1
		_, thunkOff, err := ctx.Target.Allocate(thunkCount*4, 4)
		if err != nil {
			return Result{}, err
		}

		for j, fn := range mod.Functions {
			if fn.ByName {
				hintName := append([]byte{0, 0}, append([]byte(fn.Name), 0)...)
				_, hnOff, err := ctx.Target.Allocate(uint32(len(hintName)), 2)
				if err != nil {
					return Result{}, err
				}
				if err := ctx.Target.WriteBytes(hnOff, hintName); err != nil {
					return Result{}, err
				}
				ctx.Graph.Register(ctx.Target, thunkOff+uint32(j)*4, ctx.Target, hnOff, patch.RVA32)
			} else {
				buf := make([]byte, 4)
				binary.LittleEndian.PutUint32(buf, uint32(fn.Ordinal)|0x80000000)
				if err := ctx.Target.WriteBytes(thunkOff+uint32(j)*4, buf); err != nil {
					return Result{}, err
				}
			}
		}

		nameBytes := append([]byte(mod.Name), 0)
		_, nameOff, err := ctx.Target.Allocate(uint32(len(nameBytes)), 1)
		if err != nil {
			return Result{}, err
		}
		if err := ctx.Target.WriteBytes(nameOff, nameBytes); err != nil {
			return Result{}, err
		}

		desc := make([]byte, descSize)
		binary.LittleEndian.PutUint32(desc[0:4], ctx.Target.VAddr()+thunkOff) // OriginalFirstThunk
		binary.LittleEndian.PutUint32(desc[12:16], ctx.Target.VAddr()+nameOff)
		binary.LittleEndian.PutUint32(desc[16:20], ctx.Target.VAddr()+thunkOff) // FirstThunk (IAT)
		if err := ctx.Target.WriteBytes(descBase+uint32(i)*descSize, desc); err != nil {
			return Result{}, err
		}
	}

	return Result{RVA: ctx.Target.VAddr() + descBase, Size: totalDesc}, nil
}

// ResourceDataEntry is a leaf resource: a byte blob plus code page and
// reserved word (spec section 6, "Resources").
type ResourceDataEntry struct {
	Data     []byte
	CodePage uint32
}

// ResourceNode is either a directory node (with Children) or a data
// leaf (Data != nil). Resource.SerializeInto keys every entry it writes
// by ID; Name is not encoded, so named entries are not produced.
type ResourceNode struct {
	Name     string // not written by Resource.SerializeInto
	ID       uint16
	Children []*ResourceNode
	Data     *ResourceDataEntry
}

// Resource is the resource-directory payload: a hierarchical tree of
// alternating directory and data nodes (spec section 6, section 8
// scenario 6).
type Resource struct {
	Root *ResourceNode
}

// SerializeInto lays the tree out in one depth-first walk: a directory
// node's header and entry table are allocated when the node is reached,
// then its children in order; a data leaf's raw bytes and
// IMAGE_RESOURCE_DATA_ENTRY are allocated when the leaf is reached, and
// the entry's address is written back into the owning entry table.
func (r *Resource) SerializeInto(ctx *Context) (Result, error) {
	type pending struct {
		node      *ResourceNode
		entryOff  uint32 // offset of this node's IMAGE_RESOURCE_DIRECTORY_ENTRY in its parent
	}

	var rootOff uint32
	var walk func(n *ResourceNode, parentEntryOff uint32, isRoot bool) error
	walk = func(n *ResourceNode, parentEntryOff uint32, isRoot bool) error {
		if n.Data != nil {
			entry := make([]byte, 16)
			dataBytesOff := parentEntryOff // placeholder, real offset assigned below
			_ = dataBytesOff
			_, dataOff, err := ctx.Target.Allocate(uint32(len(n.Data.Data)), 1)
			if err != nil {
				return err
			}
			if err := ctx.Target.WriteBytes(dataOff, n.Data.Data); err != nil {
				return err
			}
			_, leafOff, err := ctx.Target.Allocate(16, 4)
			if err != nil {
				return err
			}
			binary.LittleEndian.PutUint32(entry[4:8], uint32(len(n.Data.Data)))
			binary.LittleEndian.PutUint32(entry[8:12], n.Data.CodePage)
			if err := ctx.Target.WriteBytes(leafOff, entry); err != nil {
				return err
			}
			ctx.Graph.Register(ctx.Target, leafOff, ctx.Target, dataOff, patch.RVA32)
			if !isRoot {
				buf := make([]byte, 4)
				binary.LittleEndian.PutUint32(buf, ctx.Target.VAddr()+leafOff)
				if err := ctx.Target.WriteBytes(parentEntryOff+4, buf); err != nil {
					return err
				}
			} else {
				rootOff = leafOff
			}
			return nil
		}

		dirHeaderSize := uint32(16)
		entrySize := uint32(8)
		total := dirHeaderSize + entrySize*uint32(len(n.Children))
		_, dirOff, err := ctx.Target.Allocate(total, 4)
		if err != nil {
			return err
		}
		if isRoot {
			rootOff = dirOff
		} else {
			buf := make([]byte, 4)
			binary.LittleEndian.PutUint32(buf, (ctx.Target.VAddr()+dirOff)|0x80000000)
			if err := ctx.Target.WriteBytes(parentEntryOff+4, buf); err != nil {
				return err
			}
		}

		var children []pending
		for i, c := range n.Children {
			entryOff := dirOff + dirHeaderSize + uint32(i)*entrySize
			idBuf := make([]byte, 4)
			binary.LittleEndian.PutUint32(idBuf, uint32(c.ID))
			if err := ctx.Target.WriteBytes(entryOff, idBuf); err != nil {
				return err
			}
			children = append(children, pending{node: c, entryOff: entryOff})
		}
		for _, child := range children {
			if err := walk(child.node, child.entryOff, false); err != nil {
				return err
			}
		}
		return nil
	}

	if err := walk(r.Root, 0, true); err != nil {
		return Result{}, err
	}
	return Result{RVA: ctx.Target.VAddr() + rootOff, Size: ctx.Target.Span() - rootOff}, nil
}

// encodeUTF16CString renders s as a null-terminated UTF-16LE byte
// string, the same encoding the teacher's version.go decodes on the
// read side via DecodeUTF16String.
func encodeUTF16CString(s string) ([]byte, error) {
	enc := unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM).NewEncoder()
	b, err := enc.Bytes([]byte(s))
	if err != nil {
		return nil, err
	}
	return append(b, 0, 0), nil
}

func padToDword(b []byte) []byte {
	for len(b)%4 != 0 {
		b = append(b, 0)
	}
	return b
}

// VersionInfo is a typed, write-side view over a VS_VERSIONINFO
// resource's fixed fields plus a flat StringFileInfo key/value table
// (CompanyName, ProductName, FileVersion, and similar). BuildResourceData
// renders it into the same VS_FIXEDFILEINFO / StringFileInfo /
// StringTable / String byte layout the teacher's version.go walks on
// the read side, so an editor can regenerate a version resource rather
// than treating it as an opaque blob.
type VersionInfo struct {
	FileVersion    [4]uint16
	ProductVersion [4]uint16
	FileFlags      uint32
	FileOS         uint32
	FileType       uint32
	FileSubtype    uint32
	LangID         uint16
	CodePage       uint16
	Strings        map[string]string
}

func (v *VersionInfo) buildFixedFileInfo() []byte {
	buf := make([]byte, 52)
	binary.LittleEndian.PutUint32(buf[0:4], 0xFEEF04BD) // VsFileInfoSignature
	binary.LittleEndian.PutUint32(buf[4:8], 0x00010000)
	binary.LittleEndian.PutUint32(buf[8:12], uint32(v.FileVersion[0])<<16|uint32(v.FileVersion[1]))
	binary.LittleEndian.PutUint32(buf[12:16], uint32(v.FileVersion[2])<<16|uint32(v.FileVersion[3]))
	binary.LittleEndian.PutUint32(buf[16:20], uint32(v.ProductVersion[0])<<16|uint32(v.ProductVersion[1]))
	binary.LittleEndian.PutUint32(buf[20:24], uint32(v.ProductVersion[2])<<16|uint32(v.ProductVersion[3]))
	binary.LittleEndian.PutUint32(buf[24:28], 0x3F) // FileFlagsMask
	binary.LittleEndian.PutUint32(buf[28:32], v.FileFlags)
	binary.LittleEndian.PutUint32(buf[32:36], v.FileOS)
	binary.LittleEndian.PutUint32(buf[36:40], v.FileType)
	binary.LittleEndian.PutUint32(buf[40:44], v.FileSubtype)
	return buf
}

func buildVersionString(key, value string) ([]byte, error) {
	keyBytes, err := encodeUTF16CString(key)
	if err != nil {
		return nil, err
	}
	valBytes, err := encodeUTF16CString(value)
	if err != nil {
		return nil, err
	}
	block := padToDword(append(make([]byte, 6), keyBytes...))
	block = append(block, valBytes...)
	block = padToDword(block)
	binary.LittleEndian.PutUint16(block[0:2], uint16(len(block)))
	binary.LittleEndian.PutUint16(block[2:4], uint16(len(valBytes)/2))
	binary.LittleEndian.PutUint16(block[4:6], 1) // Type 1: text
	return block, nil
}

func buildVersionStringTable(langID, codePage uint16, strs map[string]string) ([]byte, error) {
	keyBytes, err := encodeUTF16CString(fmt.Sprintf("%04X%04X", langID, codePage))
	if err != nil {
		return nil, err
	}
	block := padToDword(append(make([]byte, 6), keyBytes...))

	keys := make([]string, 0, len(strs))
	for k := range strs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		entry, err := buildVersionString(k, strs[k])
		if err != nil {
			return nil, err
		}
		block = append(block, entry...)
	}
	binary.LittleEndian.PutUint16(block[0:2], uint16(len(block)))
	binary.LittleEndian.PutUint16(block[4:6], 1)
	return block, nil
}

func buildStringFileInfo(table []byte) ([]byte, error) {
	nameBytes, err := encodeUTF16CString("StringFileInfo")
	if err != nil {
		return nil, err
	}
	block := padToDword(append(make([]byte, 6), nameBytes...))
	block = append(block, table...)
	binary.LittleEndian.PutUint16(block[0:2], uint16(len(block)))
	binary.LittleEndian.PutUint16(block[4:6], 1)
	return block, nil
}

// BuildResourceData renders the VS_VERSIONINFO block and wraps it as a
// ResourceDataEntry ready to sit at a RT_VERSION leaf in a Resource
// tree.
func (v *VersionInfo) BuildResourceData() (*ResourceDataEntry, error) {
	nameBytes, err := encodeUTF16CString("VS_VERSION_INFO")
	if err != nil {
		return nil, err
	}
	fixed := v.buildFixedFileInfo()

	strTable, err := buildVersionStringTable(v.LangID, v.CodePage, v.Strings)
	if err != nil {
		return nil, err
	}
	strFileInfo, err := buildStringFileInfo(strTable)
	if err != nil {
		return nil, err
	}

	block := padToDword(append(make([]byte, 6), nameBytes...))
	block = append(block, fixed...)
	block = append(block, strFileInfo...)

	binary.LittleEndian.PutUint16(block[0:2], uint16(len(block)))
	binary.LittleEndian.PutUint16(block[2:4], uint16(len(fixed)))
	binary.LittleEndian.PutUint16(block[4:6], 0) // Type 0: binary VS_FIXEDFILEINFO payload

	return &ResourceDataEntry{Data: block}, nil
}

// IconImage is one RT_ICON leaf's metadata: the GRPICONDIRENTRY fields
// an RT_GROUP_ICON directory needs to describe it, plus the raw bitmap
// bytes that land at the RT_ICON leaf with matching ID.
type IconImage struct {
	Width, Height, ColorCount uint8
	Planes, BitCount          uint16
	ID                        uint16
	Data                      []byte
}

// IconGroup is the RT_GROUP_ICON directory payload: the GRPICONDIR
// header followed by one GRPICONDIRENTRY per image (spec section 5,
// "icon typed sub-views"). The RT_ICON leaves themselves are ordinary
// ResourceNode data leaves the caller wires up under a sibling subtree
// keyed by each IconImage.ID, since RT_ICON and RT_GROUP_ICON live
// under different resource-type nodes in the tree.
type IconGroup struct {
	Images []IconImage
}

// BuildResourceData renders the GRPICONDIR/GRPICONDIRENTRY block.
func (g *IconGroup) BuildResourceData() *ResourceDataEntry {
	header := make([]byte, 6)
	binary.LittleEndian.PutUint16(header[2:4], 1) // resource type: icon
	binary.LittleEndian.PutUint16(header[4:6], uint16(len(g.Images)))

	entries := make([]byte, 14*len(g.Images))
	for i, img := range g.Images {
		off := i * 14
		entries[off] = img.Width
		entries[off+1] = img.Height
		entries[off+2] = img.ColorCount
		binary.LittleEndian.PutUint16(entries[off+4:off+6], img.Planes)
		binary.LittleEndian.PutUint16(entries[off+6:off+8], img.BitCount)
		binary.LittleEndian.PutUint32(entries[off+8:off+12], uint32(len(img.Data)))
		binary.LittleEndian.PutUint16(entries[off+12:off+14], img.ID)
	}
	return &ResourceDataEntry{Data: append(header, entries...)}
}
