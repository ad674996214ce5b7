package avl

import (
	"math/rand"
	"sort"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestInsertCeilingStack(t *testing.T) {
	var tr Tree
	tr.Insert(10, "a")
	tr.Insert(10, "b")
	tr.Insert(20, "c")

	stack := tr.CeilingStack(10)
	require.Len(t, stack, 2)

	stack = tr.CeilingStack(15)
	require.Len(t, stack, 1)
	require.Equal(t, "c", stack[0].Value)

	require.Nil(t, tr.CeilingStack(21))
}

func TestRemoveDropsEmptyNode(t *testing.T) {
	var tr Tree
	tok := tr.Insert(42, "only")
	require.Equal(t, 1, tr.Len())

	ok := tr.Remove(42, tok)
	require.True(t, ok)
	require.Equal(t, 0, tr.Len())
	require.Nil(t, tr.CeilingStack(0))
}

func TestRemoveUnknownTokenFails(t *testing.T) {
	var tr Tree
	tr.Insert(1, "x")
	require.False(t, tr.Remove(1, 999))
	require.False(t, tr.Remove(2, 1))
}

func TestWalkIsSortedByKey(t *testing.T) {
	var tr Tree
	keys := []uintptr{55, 3, 19, 7, 100, 1, 1}
	for _, k := range keys {
		tr.Insert(k, k)
	}

	var seen []uintptr
	tr.Walk(func(e Entry) { seen = append(seen, e.Key) })

	require.True(t, sort.SliceIsSorted(seen, func(i, j int) bool { return seen[i] < seen[j] }))
	require.Len(t, seen, len(keys))
}

func TestRandomizedInsertRemoveStaysConsistent(t *testing.T) {
	r := rand.New(rand.NewSource(1))
	var tr Tree
	live := map[uint64]uintptr{}

	for i := 0; i < 5000; i++ {
		if len(live) == 0 || r.Intn(2) == 0 {
			key := uintptr(r.Intn(64))
			tok := tr.Insert(key, key)
			live[tok] = key
		} else {
			for tok, key := range live {
				require.True(t, tr.Remove(key, tok))
				delete(live, tok)
				break
			}
		}
		require.Equal(t, len(live), tr.Len())
	}
}

func TestAscendStopsEarly(t *testing.T) {
	var tr Tree
	for _, sz := range []uintptr{16, 32, 64, 128, 256} {
		tr.Insert(sz, sz)
	}

	var seen []uintptr
	tr.Ascend(40, func(e Entry) bool {
		seen = append(seen, e.Key)
		return e.Key != 64
	})

	require.Equal(t, []uintptr{64}, seen)
}

func TestCeilingStackFindsSmallestSufficientSize(t *testing.T) {
	var tr Tree
	for _, sz := range []uintptr{16, 32, 32, 64, 128} {
		tr.Insert(sz, sz)
	}

	stack := tr.CeilingStack(40)
	require.NotNil(t, stack)
	require.Equal(t, uintptr(64), stack[0].Key)
}
