package nativeheap

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAllocateFreeRoundTrip(t *testing.T) {
	h := NewHeap(WithMinPages(4))

	p, err := h.Allocate(128, 8)
	require.NoError(t, err)
	require.False(t, p.IsNull())
	require.True(t, h.Owns(p))
	require.Len(t, h.Data(p), 128)

	require.NoError(t, h.Free(p))
	require.False(t, h.Owns(p))

	stats := h.Statistics()
	require.Equal(t, 0, stats.LiveAllocs)
	require.Equal(t, uintptr(0), stats.UsedBytes)
}

func TestZeroSizeAllocationReturnsNull(t *testing.T) {
	h := NewHeap()
	p, err := h.Allocate(0, 8)
	require.NoError(t, err)
	require.True(t, p.IsNull())
}

func TestManyAllocationsCoexist(t *testing.T) {
	h := NewHeap(WithMinPages(4))
	var ptrs []Ptr
	for i := 0; i < 64; i++ {
		p, err := h.Allocate(uintptr(16+i), 8)
		require.NoError(t, err)
		require.False(t, p.IsNull())
		ptrs = append(ptrs, p)
	}
	for i, p := range ptrs {
		data := h.Data(p)
		require.Len(t, data, 16+i)
		for j := range data {
			data[j] = byte(i)
		}
	}
	for i, p := range ptrs {
		data := h.Data(p)
		for _, b := range data {
			require.Equal(t, byte(i), b)
		}
	}
	for _, p := range ptrs {
		require.NoError(t, h.Free(p))
	}
	require.Equal(t, 0, h.Statistics().LiveAllocs)
}

func TestResizeInPlaceGrowAndShrink(t *testing.T) {
	h := NewHeap(WithMinPages(4))
	p, err := h.Allocate(64, 8)
	require.NoError(t, err)

	require.True(t, h.ResizeInPlace(p, 32))
	require.Len(t, h.Data(p), 32)

	require.True(t, h.ResizeInPlace(p, 64))
	require.Len(t, h.Data(p), 64)
}

func TestReallocNullBehavesAsAllocate(t *testing.T) {
	h := NewHeap()
	p, err := h.Realloc(Ptr{}, 16, 8)
	require.NoError(t, err)
	require.False(t, p.IsNull())
}

func TestReallocZeroBehavesAsFree(t *testing.T) {
	h := NewHeap()
	p, err := h.Allocate(16, 8)
	require.NoError(t, err)

	p2, err := h.Realloc(p, 0, 8)
	require.NoError(t, err)
	require.True(t, p2.IsNull())
	require.False(t, h.Owns(p))
}

func TestReallocMovesWhenNoRoomToGrow(t *testing.T) {
	h := NewHeap(WithMinPages(4))
	p1, err := h.Allocate(32, 8)
	require.NoError(t, err)
	p2, err := h.Allocate(32, 8)
	require.NoError(t, err)

	data := h.Data(p1)
	for i := range data {
		data[i] = 0xAB
	}

	grown, err := h.Realloc(p1, 256, 8)
	require.NoError(t, err)
	require.False(t, grown.IsNull())
	for _, b := range h.Data(grown)[:32] {
		require.Equal(t, byte(0xAB), b)
	}
	_ = p2
}

// TestHeapTorture exercises interleaved allocate/free traffic (a
// scaled-down version of spec section 8 scenario 5) and asserts the
// heap returns to a zero-usage state with a bounded island count.
func TestHeapTorture(t *testing.T) {
	h := NewHeap(WithMinPages(4))
	r := rand.New(rand.NewSource(7))
	alignments := []uintptr{1, 8, 64}

	var live []Ptr
	for i := 0; i < 5000; i++ {
		if len(live) == 0 || r.Intn(2) == 0 {
			size := uintptr(1 + r.Intn(4096))
			align := alignments[r.Intn(len(alignments))]
			p, err := h.Allocate(size, align)
			require.NoError(t, err)
			if !p.IsNull() {
				live = append(live, p)
			}
		} else {
			idx := r.Intn(len(live))
			require.NoError(t, h.Free(live[idx]))
			live = append(live[:idx], live[idx+1:]...)
		}
	}
	for _, p := range live {
		require.NoError(t, h.Free(p))
	}

	stats := h.Statistics()
	require.Equal(t, 0, stats.LiveAllocs)
	require.Equal(t, uintptr(0), stats.UsedBytes)
	require.LessOrEqual(t, stats.Islands, 1)
}

func TestWalkVisitsEveryLiveAllocation(t *testing.T) {
	h := NewHeap(WithMinPages(4))
	p1, _ := h.Allocate(10, 1)
	p2, _ := h.Allocate(20, 1)

	seen := map[Ptr]uintptr{}
	h.Walk(func(p Ptr, size uintptr) { seen[p] = size })

	require.Equal(t, uintptr(10), seen[p1])
	require.Equal(t, uintptr(20), seen[p2])
}
