package section

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAllocateReusesFreedRange(t *testing.T) {
	s := New(".text", 0)
	id1, off1, err := s.Allocate(16, 4)
	require.NoError(t, err)
	require.Equal(t, uint32(0), off1)

	_, off2, err := s.Allocate(16, 4)
	require.NoError(t, err)
	require.Equal(t, uint32(16), off2)

	s.Release(id1)

	_, off3, err := s.Allocate(16, 4)
	require.NoError(t, err)
	require.Equal(t, uint32(0), off3, "reused the freed range instead of growing")
}

func TestAllocateRespectsAlignment(t *testing.T) {
	s := New(".data", 0)
	_, _, err := s.Allocate(3, 1)
	require.NoError(t, err)

	_, off, err := s.Allocate(8, 8)
	require.NoError(t, err)
	require.Equal(t, uint32(0), off%8)
}

func TestReleaseNonLiveIsFatal(t *testing.T) {
	s := New(".data", 0)
	require.Panics(t, func() { s.Release(AllocID(999)) })
}

func TestPlaceAtRejectsOverlap(t *testing.T) {
	s := New(".rsrc", 0)
	_, err := s.PlaceAt(0, 16)
	require.NoError(t, err)

	_, err = s.PlaceAt(8, 16)
	require.Error(t, err)
}

func TestFinalizeRejectsFurtherAllocation(t *testing.T) {
	s := New(".text", 0)
	s.Finalize(0)
	require.True(t, s.Finalized())

	_, _, err := s.Allocate(4, 1)
	require.Error(t, err)
}

func TestFinalizePadsVirtualSize(t *testing.T) {
	s := New(".bss", 0)
	_, _, err := s.Allocate(4, 1)
	require.NoError(t, err)

	s.Finalize(4096)
	require.Equal(t, uint32(4096), s.VirtualSize())
}

func TestReadAtZeroPadsPastBuffer(t *testing.T) {
	s := New(".bss", 0)
	_, _, err := s.Allocate(4, 1)
	require.NoError(t, err)
	s.Finalize(16)

	data, err := s.ReadAt(0, 16)
	require.NoError(t, err)
	require.Len(t, data, 16)
	for _, b := range data[4:] {
		require.Equal(t, byte(0), b)
	}

	_, err = s.ReadAt(16, 1)
	require.Error(t, err)
}

func TestDestroyNotifiesObservers(t *testing.T) {
	s := New(".text", 0)
	notified := false
	s.OnDestroy(func(*Section) { notified = true })
	s.Destroy()
	require.True(t, notified)
	require.True(t, s.Destroyed())
}
