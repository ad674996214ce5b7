package section

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAddSectionFirstFit(t *testing.T) {
	m := NewManager(0x1000)

	s1 := New(".text", 0)
	s1.Allocate(0x10, 1)
	m.AddSection(s1)
	require.Equal(t, uint32(0x1000), s1.VAddr())

	s2 := New(".data", 0)
	s2.Allocate(0x10, 1)
	m.AddSection(s2)
	require.Equal(t, uint32(0x2000), s2.VAddr())

	require.Equal(t, []*Section{s1, s2}, m.Sections())
}

func TestResolveRVA(t *testing.T) {
	m := NewManager(0x1000)
	s := New(".text", 0)
	s.Allocate(0x20, 1)
	m.AddSection(s)

	got, off, ok := m.ResolveRVA(s.VAddr() + 8)
	require.True(t, ok)
	require.Same(t, s, got)
	require.Equal(t, uint32(8), off)

	_, _, ok = m.ResolveRVA(s.VAddr() - 1)
	require.False(t, ok)
}

func TestResolveRangeRequiresFinalizedAndInBounds(t *testing.T) {
	m := NewManager(0x1000)
	s := New(".text", 0)
	s.Allocate(0x20, 1)
	m.AddSection(s)

	_, _, ok := m.ResolveRange(s.VAddr(), 0x20)
	require.False(t, ok, "not finalized yet")

	s.Finalize(0)
	_, _, ok = m.ResolveRange(s.VAddr(), 0x20)
	require.True(t, ok)

	_, _, ok = m.ResolveRange(s.VAddr(), 0x21)
	require.False(t, ok, "extends past virtual size")
}

func TestPlaceSectionRejectsOverlap(t *testing.T) {
	m := NewManager(0x1000)
	s1 := New(".text", 0)
	s1.SetVAddr(0x1000)
	s1.Allocate(0x1000, 1)
	require.NoError(t, m.PlaceSection(s1))

	s2 := New(".data", 0)
	s2.SetVAddr(0x1800)
	s2.Allocate(0x100, 1)
	require.Error(t, m.PlaceSection(s2))
}

func TestSectionRemovedFromManagerOnDestroy(t *testing.T) {
	m := NewManager(0x1000)
	s := New(".text", 0)
	m.AddSection(s)
	require.Len(t, m.Sections(), 1)

	s.Destroy()
	require.Len(t, m.Sections(), 0)
}

func TestSizeOfImage(t *testing.T) {
	m := NewManager(0x1000)
	s := New(".text", 0)
	s.Allocate(0x1500, 1)
	m.AddSection(s)

	require.Equal(t, uint32(0x3000), m.SizeOfImage())
}
