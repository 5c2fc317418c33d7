// Per-P cache for small objects. No locking needed: a goroutine pins
// its P around every cache access, so each mcache has a single owner
// at any instant.
//
// Each size class keeps a LIFO of free cells threaded through their
// first words plus a bump remainder: the untouched contiguous tail of
// the last central refill, consumed cell by cell before the central
// layer is asked again. Refill and drain move whole batches through
// the central layer; the slow paths run unpinned so that no mutex is
// taken while preemption is disabled.
//
// mcaches live in fixalloc memory and the published array of cache
// pointers lives in the metadata arena, so the cache layer is as
// self-hosting as the rest of the allocator.

package unialloc

import (
	"runtime"
	"sync"
	"sync/atomic"
	"unsafe"
)

// Bytes cached per class before the tail half of the list drains
// back to the central layer. cacheByteCap holds the value in a
// variable so tests can lower it.
const _CacheByteCap = 256 << 20

var cacheByteCap uintptr = _CacheByteCap

type cacheUnit struct {
	head uintptr // first free cell, or 0
	n    int32   // cells on the list

	bumpPtr   uintptr // next cell of the contiguous remainder
	bumpCount int32   // cells left in the remainder
	bumpUnit  int32   // cell stride of the remainder
}

type mcache struct {
	alloc [_MaxSizeClasses]cacheUnit
}

var (
	cacheMu   sync.Mutex
	caches    unsafe.Pointer // base of a persistentalloc'd array of *mcache
	cacheSize uintptr        // entries in the array
)

func indexCache(l unsafe.Pointer, i int) *mcache {
	return *(**mcache)(unsafe.Pointer(uintptr(l) + uintptr(i)*unsafe.Sizeof(uintptr(0))))
}

// pin pins the current goroutine to its P and returns that P's cache.
// Caller must call runtime_procUnpin when done with the cache.
func pin() *mcache {
	pid := runtime_procPin()
	// pinSlow stores to caches and then to cacheSize; load in the
	// opposite order. Since preemption is disabled the array cannot
	// be swapped out from under us mid-access.
	s := atomic.LoadUintptr(&cacheSize)
	l := atomic.LoadPointer(&caches)
	if uintptr(pid) < s {
		return indexCache(l, pid)
	}
	return pinSlow()
}

func pinSlow() *mcache {
	// Retry under the mutex. Cannot lock (nor allocate metadata,
	// which locks) while pinned.
	runtime_procUnpin()
	cacheMu.Lock()
	defer cacheMu.Unlock()
	for {
		pid := runtime_procPin()
		s := cacheSize
		l := caches
		if uintptr(pid) < s {
			return indexCache(l, pid)
		}
		runtime_procUnpin()

		// GOMAXPROCS grew (or this is the first allocation). Build
		// a larger array, carrying the existing caches over; old
		// caches are never dropped, cells on them would be
		// stranded.
		size := runtime.GOMAXPROCS(0)
		if size <= pid {
			size = pid + 1
		}
		if size < int(s) {
			size = int(s)
		}
		arr := persistentalloc(uintptr(size)*unsafe.Sizeof(uintptr(0)), 8, &memstats.metaSys)
		if arr == nil {
			throw("mcache: out of metadata memory")
		}
		for i := 0; i < size; i++ {
			var c *mcache
			if uintptr(i) < s {
				c = indexCache(l, i)
			} else {
				metaLock.Lock()
				c = (*mcache)(cachealloc.alloc())
				metaLock.Unlock()
				if c == nil {
					throw("mcache: out of metadata memory")
				}
				*c = mcache{}
			}
			*(**mcache)(unsafe.Pointer(uintptr(arr) + uintptr(i)*unsafe.Sizeof(uintptr(0)))) = c
		}
		atomic.StorePointer(&caches, arr)
		atomic.StoreUintptr(&cacheSize, uintptr(size))
	}
}

// popAligned unlinks and returns the first cell on the list whose
// address satisfies align, or 0 if none does.
func (u *cacheUnit) popAligned(align uintptr) uintptr {
	mask := align - 1
	prev := uintptr(0)
	for p := u.head; p != 0; p = *(*uintptr)(unsafe.Pointer(p)) {
		if p&mask == 0 {
			next := *(*uintptr)(unsafe.Pointer(p))
			if prev == 0 {
				u.head = next
			} else {
				*(*uintptr)(unsafe.Pointer(prev)) = next
			}
			u.n--
			return p
		}
		prev = p
	}
	return 0
}

func (u *cacheUnit) push(p uintptr) {
	*(*uintptr)(unsafe.Pointer(p)) = u.head
	u.head = p
	u.n++
}

// cacheAlloc satisfies a small allocation from the per-P cache,
// refilling from the central layer on a miss. Returns 0 on OOM.
func cacheAlloc(class int, align uintptr) uintptr {
	c := pin()
	u := &c.alloc[class]

	if u.n > 0 {
		if align <= 1 {
			p := u.head
			u.head = *(*uintptr)(unsafe.Pointer(p))
			u.n--
			runtime_procUnpin()
			return p
		}
		if p := u.popAligned(align); p != 0 {
			runtime_procUnpin()
			return p
		}
	}
	// Consume the bump remainder; misaligned cells go onto the list.
	for u.bumpCount > 0 {
		p := u.bumpPtr
		u.bumpPtr += uintptr(u.bumpUnit)
		u.bumpCount--
		if p&(align-1) == 0 {
			runtime_procUnpin()
			return p
		}
		u.push(p)
	}
	runtime_procUnpin()

	// Refill. Runs unpinned: the central layer takes its class
	// mutex, and we may resume on a different P afterwards.
	base, n, unit, ok := central[class].allocBatch(align)
	if !ok {
		return 0
	}

	c = pin()
	u = &c.alloc[class]
	if unit != 0 {
		installBump(u, base+unit, n-1, unit)
	} else if n > 1 {
		installList(u, *(*uintptr)(unsafe.Pointer(base)), n-1)
	}
	runtime_procUnpin()
	return base
}

// installBump adopts a contiguous remainder of n cells at ptr with
// the given stride. If this P already holds a remainder (another
// goroutine refilled while we were unpinned), the cells fall back to
// the list.
func installBump(u *cacheUnit, ptr uintptr, n int, unit uintptr) {
	if u.bumpCount == 0 {
		u.bumpPtr = ptr
		u.bumpCount = int32(n)
		u.bumpUnit = int32(unit)
		return
	}
	for i := 0; i < n; i++ {
		u.push(ptr)
		ptr += unit
	}
}

// installList adopts a linked batch of n cells headed by head.
func installList(u *cacheUnit, head uintptr, n int) {
	if head == 0 || n <= 0 {
		return
	}
	if u.head == 0 {
		u.head = head
		u.n = int32(n)
		return
	}
	tail := head
	for i := 1; i < n; i++ {
		tail = *(*uintptr)(unsafe.Pointer(tail))
	}
	*(*uintptr)(unsafe.Pointer(tail)) = u.head
	u.head = head
	u.n += int32(n)
}

// cacheFree pushes a cell onto the per-P cache, draining the tail
// half of the list to the central layer past the soft cap.
func cacheFree(class int, p uintptr) {
	c := pin()
	u := &c.alloc[class]
	u.push(p)

	if uintptr(u.n)*uintptr(class_to_size[class]) <= cacheByteCap {
		runtime_procUnpin()
		return
	}
	// Detach the tail half while still pinned, free it unpinned.
	half := u.n / 2
	if half == 0 {
		runtime_procUnpin()
		return
	}
	cur := u.head
	for i := int32(1); i < half; i++ {
		cur = *(*uintptr)(unsafe.Pointer(cur))
	}
	toFree := *(*uintptr)(unsafe.Pointer(cur))
	*(*uintptr)(unsafe.Pointer(cur)) = 0
	u.n = half
	runtime_procUnpin()

	central[class].freeBatch(toFree)
}

// releaseAll drains every class of c into the central layer. The
// caller guarantees c is not concurrently in use.
func (c *mcache) releaseAll() {
	for class := 1; class < numSizeClasses; class++ {
		u := &c.alloc[class]
		for u.bumpCount > 0 {
			u.push(u.bumpPtr)
			u.bumpPtr += uintptr(u.bumpUnit)
			u.bumpCount--
		}
		if u.head != 0 {
			central[class].freeBatch(u.head)
		}
		*u = cacheUnit{}
	}
}

// Flush drains every per-P cache into the central layer. It is the
// explicit counterpart of a thread-exit drain: Ps have no destructor,
// so a process that wants its cached memory back on the central lists
// (or simply a quiescent heap) calls Flush once no goroutine is
// allocating.
func Flush() {
	cacheMu.Lock()
	defer cacheMu.Unlock()
	l := caches
	for i := 0; i < int(cacheSize); i++ {
		indexCache(l, i).releaseAll()
	}
}
