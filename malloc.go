// Memory allocator.
//
// The allocator works in runs of pages. Small allocation sizes
// (up to and including 32 kB) are rounded to one of about 80 size
// classes, each of which has its own central free list of runs
// sliced into cells of exactly that size. Any free cell can be found
// from its address through pageMap.
//
// The allocator's data structures are:
//
//	fixalloc: an allocator for fixed-size off-heap metadata objects,
//		used to manage centralPage and mcache records.
//	mheap: the page heap, a segregated free list of page runs with
//		address-neighbor coalescing.
//	mcentral: one per size class; collects the Full, Partial, Empty
//		and Uninitialized pages of the class and serves cell batches.
//	mcache: a per-P cache of free cells, refilled and drained in
//		batches through mcentral.
//	pageMap: maps a page address to the owning central page, to a
//		free-run marker, or to a live large-run length.
//
// Allocating a small block works up the hierarchy only as far as it
// must: pop from the per-P cache; on miss, batch-refill from the
// class's central list; if the class has no usable page, carve a new
// run out of the page heap. Freeing runs the same path backwards in
// batches. Blocks over 32 kB bypass the central layer entirely and
// deal in whole page runs against the heap.

package unialloc

import (
	"sync"
	"unsafe"

	"go.uber.org/zap"
	"modernc.org/mathutil"
)

var (
	mallocOnce sync.Once

	metaLock   sync.Mutex // guards the fixallocs below
	pagealloc  fixalloc   // allocator for centralPage records
	cachealloc fixalloc   // allocator for mcache records

	// base address handed out for zero-byte allocations
	zerobase uintptr
)

var mallocLog = zap.NewNop()

// SetLogger routes the allocator's fatal diagnostics through log.
// Only terminal conditions are logged; the hot paths never do.
func SetLogger(log *zap.Logger) {
	if log != nil {
		mallocLog = log
	}
}

// throw reports a fatal allocator error and crashes. Heap corruption
// (double free, misaligned free, counter underflow) is never masked
// or retried.
func throw(msg string, fields ...zap.Field) {
	mallocLog.Error(msg, fields...)
	panic("unialloc: " + msg)
}

func mallocinit() {
	initSizes()
	pagealloc.init(unsafe.Sizeof(centralPage{}), &memstats.metaSys)
	cachealloc.init(unsafe.Sizeof(mcache{}), &memstats.metaSys)
	for i := 1; i < numSizeClasses; i++ {
		central[i].init(int32(i))
	}
}

// Alloc returns a block of at least size bytes aligned to align
// (a power of two, or 0 for the natural 8-byte alignment), or nil if
// the operating system refused memory. The block is not zeroed unless
// it comes from a fresh mapping.
func Alloc(size, align uintptr) unsafe.Pointer {
	mallocOnce.Do(mallocinit)
	if align == 0 {
		align = 1
	}
	if align&(align-1) != 0 {
		throw("Alloc: alignment not a power of two", zap.Uintptr("align", align))
	}
	if align > _PageSize {
		// Runs are page-aligned; stronger alignment cannot be
		// promised.
		return nil
	}
	if size == 0 {
		return unsafe.Pointer(&zerobase)
	}
	if size > _MaxSmallSize {
		return largeAlloc(size, align)
	}
	if align <= 8 {
		// Every cell is at least 8-aligned.
		align = 1
	}
	memstats.nmalloc.Add(1)
	class := sizeToClass(size)
	p := cacheAlloc(class, align)
	if p == 0 {
		return nil
	}
	return unsafe.Pointer(p)
}

// Free returns the block at p, previously obtained from Alloc with
// the same size (or one mapping to the same size class).
func Free(p unsafe.Pointer, size, align uintptr) {
	if p == nil || p == unsafe.Pointer(&zerobase) || size == 0 {
		return
	}
	_ = align
	if size > _MaxSmallSize {
		largeFree(uintptr(p), size)
		return
	}
	memstats.nfree.Add(1)
	class := sizeToClass(size)
	cacheFree(class, uintptr(p))
}

// Realloc resizes the block at p from oldSize to newSize. When both
// sizes map to the same size class the pointer is returned unchanged;
// otherwise a new block is allocated, min(oldSize, newSize) bytes are
// copied, and the old block is freed. Returns nil (leaving p live) if
// the new block cannot be allocated.
func Realloc(p unsafe.Pointer, oldSize, newSize, align uintptr) unsafe.Pointer {
	if p == nil || p == unsafe.Pointer(&zerobase) {
		return Alloc(newSize, align)
	}
	if newSize == 0 {
		Free(p, oldSize, align)
		return unsafe.Pointer(&zerobase)
	}
	if oldSize <= _MaxSmallSize && newSize <= _MaxSmallSize {
		if sizeToClass(oldSize) == sizeToClass(newSize) {
			return p
		}
	} else if oldSize > _MaxSmallSize && newSize > _MaxSmallSize {
		if pagesOf(oldSize) == pagesOf(newSize) {
			return p
		}
	}
	q := Alloc(newSize, align)
	if q == nil {
		return nil
	}
	n := mathutil.MinInt64(int64(oldSize), int64(newSize))
	copy(unsafe.Slice((*byte)(q), n), unsafe.Slice((*byte)(p), n))
	Free(p, oldSize, align)
	return q
}

func pagesOf(size uintptr) uintptr {
	return (size + _PageSize - 1) >> _PageShift
}

// largeAlloc serves blocks over _MaxSmallSize directly from the page
// heap. The run's head page is stamped with its length so an invalid
// or double free is caught rather than corrupting the heap.
func largeAlloc(size, align uintptr) unsafe.Pointer {
	_ = align // runs are page-aligned; the façade rejects more
	npages := pagesOf(size)
	if npages >= _LargeTagLimit {
		throw("Alloc: size overflows large tag", zap.Uintptr("size", size))
	}
	v := mheap_.allocPages(npages)
	if v == 0 {
		return nil
	}
	memstats.nmalloc.Add(1)
	memstats.nlargealloc.Add(1)
	pageMapInsert(v>>_PageShift, int64(npages), 1)
	return unsafe.Pointer(v)
}

func largeFree(p uintptr, size uintptr) {
	npages := pagesOf(size)
	tag := pageMapLookup(p >> _PageShift)
	if tag != int64(npages) {
		throw("Free: bad large free",
			zap.Uintptr("addr", p), zap.Uintptr("npages", npages), zap.Int64("tag", tag))
	}
	pageMapRemove(p>>_PageShift, 1)
	memstats.nfree.Add(1)
	memstats.nlargefree.Add(1)
	mheap_.freePages(p, npages)
}
