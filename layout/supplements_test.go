package layout

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"

	pe "github.com/saferwall/pecore"
	"github.com/saferwall/pecore/section"
)

func TestCommitEmitsRichHeaderBeforeSignature(t *testing.T) {
	mgr := section.NewManager(0x1000)
	text := section.New(".text", 0)
	mgr.AddSection(text)

	l := New(mgr, 0x1000)
	l.Machine = 0x8664
	l.Is64Bit = true
	l.ImageBase = 0x140000000
	rich := []byte("DanS-fake-rich-header-bytes-0123")
	l.RichHeader = &pe.RichHeader{Raw: rich}

	img, err := l.Commit()
	require.NoError(t, err)
	require.Equal(t, "MZ", string(img.Bytes[0:2]))
	require.Equal(t, rich, img.Bytes[0x40:0x40+len(rich)])

	e_lfanew := binary.LittleEndian.Uint32(img.Bytes[0x3C:0x40])
	require.Equal(t, uint32(0x40+len(rich)), e_lfanew)
	require.Equal(t, "PE\x00\x00", string(img.Bytes[e_lfanew:e_lfanew+4]))
}

func TestCommitReemitsSymbolTableAndHeaderPointers(t *testing.T) {
	mgr := section.NewManager(0x1000)
	text := section.New(".text", 0)
	text.Allocate(0x10, 1)
	mgr.AddSection(text)

	l := New(mgr, 0x1000)
	l.Machine = 0x14c
	l.Is64Bit = false
	l.ImageBase = 0x400000
	l.Symbols = []pe.COFFSymbol{
		{Name: [8]byte{'.', 't', 'e', 'x', 't'}, Value: 0, SectionNumber: 1, StorageClass: 3},
	}
	l.SymbolStringTable = []string{"a_long_symbol_name"}

	img, err := l.Commit()
	require.NoError(t, err)

	pointerToSymbolTable := binary.LittleEndian.Uint32(img.Bytes[0x40+4+8 : 0x40+4+12])
	numberOfSymbols := binary.LittleEndian.Uint32(img.Bytes[0x40+4+12 : 0x40+4+16])
	require.NotZero(t, pointerToSymbolTable)
	require.Equal(t, uint32(1), numberOfSymbols)

	symBytes := img.Bytes[pointerToSymbolTable : pointerToSymbolTable+18]
	require.Equal(t, byte('.'), symBytes[0])

	strTableOffset := pointerToSymbolTable + 18
	strTableSize := binary.LittleEndian.Uint32(img.Bytes[strTableOffset : strTableOffset+4])
	require.Equal(t, strTableSize, uint32(len(img.Bytes))-strTableOffset)
	require.Contains(t, string(img.Bytes[strTableOffset+4:strTableOffset+strTableSize]), "a_long_symbol_name")
}

func TestCommitAppendsOverlayAsFinalBytes(t *testing.T) {
	mgr := section.NewManager(0x1000)
	text := section.New(".text", 0)
	mgr.AddSection(text)

	l := New(mgr, 0x1000)
	l.Machine = 0x8664
	l.Is64Bit = true
	l.ImageBase = 0x140000000
	l.Overlay = []byte("trailing installer blob")

	img, err := l.Commit()
	require.NoError(t, err)
	require.Equal(t, l.Overlay, img.Bytes[len(img.Bytes)-len(l.Overlay):])
}
