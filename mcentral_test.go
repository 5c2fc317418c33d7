package unialloc

import (
	"testing"
	"unsafe"

	"github.com/stretchr/testify/require"
)

// linkCells chains n cells of the given stride starting at base into
// a nil-terminated intrusive list, the shape freeBatch consumes.
func linkCells(base uintptr, n int, stride uintptr) uintptr {
	p := base
	for i := 1; i < n; i++ {
		*(*uintptr)(unsafe.Pointer(p)) = p + stride
		p += stride
	}
	*(*uintptr)(unsafe.Pointer(p)) = 0
	return base
}

// freshRun drains any partial pages other tests left on c (holding
// their cells out of the way) and returns a whole contiguous run.
// The second return gives the held batches back to c.
func freshRun(t *testing.T, c *mcentral) (base uintptr, n int, unit uintptr, giveBack func()) {
	t.Helper()
	var held []uintptr
	for {
		b, bn, bu, ok := c.allocBatch(1)
		require.True(t, ok)
		if bu != 0 {
			return b, bn, bu, func() {
				for _, h := range held {
					c.freeBatch(h)
				}
			}
		}
		held = append(held, b)
	}
}

func TestCentralBatchLifecycle(t *testing.T) {
	mallocOnce.Do(mallocinit)

	class := sizeToClass(64)
	c := &central[class]

	base, n, unit, giveBack := freshRun(t, c)
	defer giveBack()

	require.EqualValues(t, c.ncells, n)
	require.Equal(t, c.stride, unit)
	require.Zero(t, base&(_PageSize-1))

	// The run's pages are indexed to its central page record.
	tag := pageMapLookup(base >> _PageShift)
	require.GreaterOrEqual(t, tag, int64(_LargeTagLimit))
	pg := (*centralPage)(unsafe.Pointer(uintptr(tag)))
	require.Equal(t, base, pg.data)
	require.EqualValues(t, c.ncells, pg.counter)

	// Free half: Full -> Partial.
	half := n / 2
	c.freeBatch(linkCells(base, half, unit))
	require.EqualValues(t, int(c.ncells)-half, int(pg.counter))
	require.Equal(t, &c.partial, pg.list)

	// A unity-aligned batch drains the partial page back to Full.
	base2, n2, unit2, ok := c.allocBatch(1)
	require.True(t, ok)
	require.Equal(t, base, base2)
	require.Equal(t, half, n2)
	require.Zero(t, unit2)
	require.Equal(t, &c.full, pg.list)

	// Free everything: Full -> Empty, record and run retained.
	c.freeBatch(linkCells(base, n, unit))
	require.Zero(t, pg.counter)
	require.Equal(t, &c.empty, pg.list)
	require.Equal(t, base, pg.data)
}

func TestCentralPartialDrainIsLinked(t *testing.T) {
	mallocOnce.Do(mallocinit)

	class := sizeToClass(192)
	c := &central[class]

	base, n, unit, giveBack := freshRun(t, c)
	defer giveBack()

	// Free a quarter of the run, then drain: the drain must return
	// exactly the freed cells, linked.
	quarter := n / 4
	require.Greater(t, quarter, 1)
	c.freeBatch(linkCells(base, quarter, unit))

	base2, n2, unit2, ok := c.allocBatch(1)
	require.True(t, ok)
	require.Zero(t, unit2)
	require.Equal(t, quarter, n2)

	seen := 0
	for p := base2; p != 0; p = *(*uintptr)(unsafe.Pointer(p)) {
		require.GreaterOrEqual(t, p, base)
		require.Less(t, p, base+c.npages<<_PageShift)
		seen++
	}
	require.Equal(t, quarter, seen)

	c.freeBatch(linkCells(base, n, unit))
}

func TestCentralEmptyPageReuse(t *testing.T) {
	mallocOnce.Do(mallocinit)

	class := sizeToClass(512)
	c := &central[class]

	base, n, unit, giveBack := freshRun(t, c)
	defer giveBack()

	c.freeBatch(linkCells(base, n, unit))

	// The empty page is preferred over a fresh backend run and hands
	// out the same addresses again.
	base2, _, unit2, ok := c.allocBatch(1)
	require.True(t, ok)
	require.Equal(t, base, base2)
	require.Equal(t, unit, unit2)

	c.freeBatch(linkCells(base2, n, unit2))
}
