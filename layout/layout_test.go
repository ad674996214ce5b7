package layout

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/saferwall/pecore/directory"
	"github.com/saferwall/pecore/patch"
	"github.com/saferwall/pecore/section"
)

func TestCommitEmptyImageProducesHeadersOnly(t *testing.T) {
	mgr := section.NewManager(0x1000)
	text := section.New(".text", 0)
	mgr.AddSection(text)

	l := New(mgr, 0x1000)
	l.Machine = 0x8664
	l.Is64Bit = true
	l.ImageBase = 0x140000000

	img, err := l.Commit()
	require.NoError(t, err)
	require.NotZero(t, img.SizeOfHeaders)
	require.Equal(t, uint32(0x2000), img.SizeOfImage)
	require.True(t, len(img.Bytes) >= int(img.SizeOfHeaders))
	require.Equal(t, "MZ", string(img.Bytes[0:2]))
	require.Equal(t, "PE\x00\x00", string(img.Bytes[0x40:0x44]))
}

func TestCommitWithExportDirectoryResolvesRVA(t *testing.T) {
	mgr := section.NewManager(0x1000)
	text := section.New(".text", 0)
	text.Allocate(0x20, 1)
	mgr.AddSection(text)

	rdata := section.New(".rdata", 0)
	mgr.AddSection(rdata)

	l := New(mgr, 0x1000)
	l.Machine = 0x8664
	l.Is64Bit = true
	l.ImageBase = 0x140000000

	exp := &directory.Export{
		DLLName:     "sample.dll",
		OrdinalBase: 1,
		Functions:   []directory.ExportFunction{{Name: "Foo", Ordinal: 1, FunctionRVA: text.VAddr()}},
	}
	l.SetDirectory(directory.EntryExport, rdata, exp)

	img, err := l.Commit()
	require.NoError(t, err)
	require.NotZero(t, l.resolvedDirs[directory.EntryExport].RVA)
	require.NotEmpty(t, img.Bytes)
}

func TestCommitWithVA64PatchEmitsRelocSection(t *testing.T) {
	mgr := section.NewManager(0x1000)
	text := section.New(".text", 0)
	text.Allocate(0x20, 8)
	mgr.AddSection(text)

	data := section.New(".data", 0)
	data.Allocate(0x20, 8)
	mgr.AddSection(data)

	reloc := section.New(".reloc", 0)
	mgr.AddSection(reloc)

	l := New(mgr, 0x1000)
	l.Is64Bit = true
	l.ImageBase = 0x140000000
	l.RelocSection = reloc
	l.Graph.Register(text, 0, data, 0, patch.VA64)

	img, err := l.Commit()
	require.NoError(t, err)
	require.NotEmpty(t, img.Bytes)
}
