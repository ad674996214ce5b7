package patch

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/saferwall/pecore/section"
)

func setup(t *testing.T) (*section.Manager, *section.Section, *section.Section) {
	t.Helper()
	m := section.NewManager(0x1000)
	text := section.New(".text", 0)
	_, _, err := text.Allocate(0x20, 1)
	require.NoError(t, err)
	m.AddSection(text)
	text.Finalize(0)

	data := section.New(".data", 0)
	_, _, err = data.Allocate(0x20, 1)
	require.NoError(t, err)
	m.AddSection(data)
	data.Finalize(0)

	return m, text, data
}

func TestRVA32PatchWritesTargetRVA(t *testing.T) {
	_, text, data := setup(t)
	g := NewGraph()
	g.Register(data, 4, text, 8, RVA32)

	require.NoError(t, g.Write(0x10000000))

	got, err := data.ReadAt(4, 4)
	require.NoError(t, err)
	require.Equal(t, text.VAddr()+8, binary.LittleEndian.Uint32(got))
}

func TestVA64PatchWritesImageBaseRelativeValue(t *testing.T) {
	_, text, data := setup(t)
	g := NewGraph()
	g.Register(text, 0x100, data, 0x200, VA64)

	const imageBase = uint64(0x140000000)
	require.NoError(t, g.Write(imageBase))

	got, err := text.ReadAt(0x100, 8)
	require.NoError(t, err)
	require.Equal(t, imageBase+uint64(data.VAddr())+0x200, binary.LittleEndian.Uint64(got))

	entries := g.BuildRelocEntries()
	require.Len(t, entries, 1)
	require.Equal(t, RelocDir64, entries[0].Type)
	require.Equal(t, text.VAddr()&^0xFFF, entries[0].PageRVA)
}

func TestRVAPatchNeverEmitsReloc(t *testing.T) {
	_, text, data := setup(t)
	g := NewGraph()
	g.Register(data, 0, text, 0, RVA32)
	require.Empty(t, g.BuildRelocEntries())
}

func TestDestroyingTargetClearsPatch(t *testing.T) {
	_, text, data := setup(t)
	g := NewGraph()
	p := g.Register(data, 0, text, 0, RVA32)
	require.True(t, p.Live())

	text.Destroy()
	require.False(t, p.Live())
	require.Empty(t, g.Live())
}

func TestDestroyingHolderClearsPatch(t *testing.T) {
	_, text, data := setup(t)
	g := NewGraph()
	p := g.Register(data, 0, text, 0, RVA32)

	data.Destroy()
	require.False(t, p.Live())
}

func TestEncodeRelocBlocksPacksOffsetAndType(t *testing.T) {
	entries := []RelocEntry{{PageRVA: 0x1000, OffsetInPage: 0x123, Type: RelocHighLow}}
	out := EncodeRelocBlocks(entries)
	require.GreaterOrEqual(t, len(out), 10)

	require.Equal(t, uint32(0x1000), binary.LittleEndian.Uint32(out[0:4]))
	packed := binary.LittleEndian.Uint16(out[8:10])
	require.Equal(t, uint16(0x123), packed&0x0FFF)
	require.Equal(t, uint16(RelocHighLow), packed>>12)
}
