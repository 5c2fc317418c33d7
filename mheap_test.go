package unialloc

import (
	"testing"
	"unsafe"

	"github.com/stretchr/testify/require"
)

// heapTestArena grabs npages+2 contiguous pages and returns the inner
// run of npages. The two boundary pages stay allocated for the
// duration of the test, so frees inside the arena can only coalesce
// with each other. The returned cleanup releases everything.
func heapTestArena(t *testing.T, npages uintptr) (uintptr, func()) {
	t.Helper()
	arena := mheap_.allocPages(npages + 2)
	require.NotZero(t, arena)
	require.Zero(t, arena&(_PageSize-1))
	return arena + _PageSize, func() {
		mheap_.freePages(arena, 1)
		mheap_.freePages(arena+(npages+1)<<_PageShift, 1)
	}
}

func TestHeapAllocFreeRoundTrip(t *testing.T) {
	v, cleanup := heapTestArena(t, 4)

	// The run is writable.
	*(*uint64)(unsafe.Pointer(v)) = 0xdeadbeef
	*(*uint64)(unsafe.Pointer(v + 4*_PageSize - 8)) = 0xdeadbeef

	mheap_.freePages(v, 4)
	require.EqualValues(t, -4, pageMapLookup(v>>_PageShift))
	require.EqualValues(t, -4, pageMapLookup((v>>_PageShift)+3))

	// An exact-fit request takes the just-freed run back (LIFO).
	w := mheap_.allocPages(4)
	require.Equal(t, v, w)
	require.Zero(t, pageMapLookup(w>>_PageShift))

	mheap_.freePages(w, 4)
	cleanup()
}

func TestHeapCoalescing(t *testing.T) {
	v, cleanup := heapTestArena(t, 8)

	// Free the two ends, then the middle: the middle free must merge
	// with both neighbors into one maximal run.
	mheap_.freePages(v, 3)
	mheap_.freePages(v+5*_PageSize, 3)
	mheap_.freePages(v+3*_PageSize, 2)

	require.EqualValues(t, -8, pageMapLookup(v>>_PageShift))
	require.EqualValues(t, -8, pageMapLookup((v>>_PageShift)+7))

	w := mheap_.allocPages(8)
	require.Equal(t, v, w)
	mheap_.freePages(w, 8)
	cleanup()
}

func TestHeapSplitsLargerRun(t *testing.T) {
	v, cleanup := heapTestArena(t, 16)
	mheap_.freePages(v, 16)
	require.EqualValues(t, -16, pageMapLookup(v>>_PageShift))

	// A 6-page request eventually splits our 16-page run. Shorter
	// runs left over from other tests are consumed (and remembered)
	// first.
	var extras []uintptr
	w := uintptr(0)
	for i := 0; i < 256; i++ {
		p := mheap_.allocPages(6)
		require.NotZero(t, p)
		if p == v {
			w = p
			break
		}
		extras = append(extras, p)
	}
	require.Equal(t, v, w)

	tail := v + 6*_PageSize
	require.EqualValues(t, -10, pageMapLookup(tail>>_PageShift))
	require.EqualValues(t, -10, pageMapLookup((tail>>_PageShift)+9))

	mheap_.freePages(w, 6)
	require.EqualValues(t, -16, pageMapLookup(v>>_PageShift))
	w = mheap_.allocPages(16)
	require.Equal(t, v, w)
	mheap_.freePages(w, 16)
	for _, p := range extras {
		mheap_.freePages(p, 6)
	}
	cleanup()
}

func TestHeapOversizedRunGoesToOS(t *testing.T) {
	released := memstats.heapReleased.Load()
	v := mheap_.allocPages(_BackendMaxPages + 32)
	require.NotZero(t, v)
	mheap_.freePages(v, _BackendMaxPages+32)
	// Too long for the list array: unmapped instead of cached.
	require.Greater(t, memstats.heapReleased.Load(), released)
	require.Zero(t, pageMapLookup(v>>_PageShift))
}
