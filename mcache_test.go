package unialloc

import (
	"runtime"
	"testing"
	"unsafe"

	"github.com/stretchr/testify/require"
)

func TestFlushEmptiesAllCaches(t *testing.T) {
	for i := 0; i < 300; i++ {
		p := Alloc(96, 8)
		require.NotNil(t, p)
		Free(p, 96, 8)
	}
	Flush()

	cacheMu.Lock()
	defer cacheMu.Unlock()
	for i := 0; i < int(cacheSize); i++ {
		c := indexCache(caches, i)
		for class := 1; class < numSizeClasses; class++ {
			u := &c.alloc[class]
			require.Zero(t, u.n, "P %d class %d list not drained", i, class)
			require.Zero(t, u.head)
			require.Zero(t, u.bumpCount, "P %d class %d remainder not drained", i, class)
		}
	}
}

func TestCacheReusesFreedCell(t *testing.T) {
	old := runtime.GOMAXPROCS(1)
	defer runtime.GOMAXPROCS(old)

	p := Alloc(128, 8)
	require.NotNil(t, p)
	Free(p, 128, 8)
	q := Alloc(128, 8)
	require.Equal(t, p, q)
	Free(q, 128, 8)
}

func TestCacheAlignedPop(t *testing.T) {
	old := runtime.GOMAXPROCS(1)
	defer runtime.GOMAXPROCS(old)

	// Fill the cache with cells, then ask for a 64-aligned one: the
	// cache must skip misaligned cells rather than hand one out.
	var ptrs []unsafe.Pointer
	for i := 0; i < 32; i++ {
		p := Alloc(16, 8)
		require.NotNil(t, p)
		ptrs = append(ptrs, p)
	}
	for _, p := range ptrs {
		Free(p, 16, 8)
	}

	p := Alloc(16, 64)
	require.NotNil(t, p)
	require.Zero(t, uintptr(p)&63)
	Free(p, 16, 8)
}

func TestCacheSoftCapDrain(t *testing.T) {
	old := runtime.GOMAXPROCS(1)
	defer runtime.GOMAXPROCS(old)
	Flush()

	// Lower the cap to a handful of cells so the tail-half drain
	// triggers without building a quarter GiB of live memory.
	const size = 64
	const capCells = 8
	oldCap := cacheByteCap
	cacheByteCap = size * capCells
	defer func() { cacheByteCap = oldCap }()

	var ptrs []unsafe.Pointer
	for i := 0; i < 4*capCells; i++ {
		p := Alloc(size, 8)
		require.NotNil(t, p)
		ptrs = append(ptrs, p)
	}
	for _, p := range ptrs {
		Free(p, size, 8)
	}

	class := sizeToClass(size)
	c := pin()
	n := c.alloc[class].n
	runtime_procUnpin()
	// Every push past the cap halves the list, so it never grows
	// past cap+1 cells.
	require.LessOrEqual(t, n, int32(capCells+1))
	Flush()
}
