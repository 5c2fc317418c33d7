// Fixed-size object allocator. Returned memory is not zeroed.
//
// The allocator's own metadata (central page records, per-P caches)
// must not come from the Go heap: the allocator is self-hosting.
// persistentalloc is a linear bump allocator drawing whole mappings
// from the OS and never freeing; fixalloc is a free-list allocator
// for fixed size objects wrapped around persistentalloc.

package unialloc

import (
	"sync"
	"sync/atomic"
	"unsafe"
)

const (
	_FixAllocChunk   = 16 << 10
	_PersistentChunk = 256 << 10
)

var persistent struct {
	lock sync.Mutex
	base uintptr
	end  uintptr
}

// persistentalloc allocates size bytes of metadata memory aligned to
// align (a power of two). The memory is never freed.
func persistentalloc(size, align uintptr, stat *atomic.Uint64) unsafe.Pointer {
	if align == 0 {
		align = 8
	}
	persistent.lock.Lock()
	p := (persistent.base + align - 1) &^ (align - 1)
	if p+size > persistent.end {
		chunk := uintptr(_PersistentChunk)
		if size > chunk {
			chunk = (size + _PageSize - 1) &^ (_PageSize - 1)
		}
		v := sysAlloc(chunk, &memstats.metaSys)
		if v == nil {
			persistent.lock.Unlock()
			return nil
		}
		persistent.base = uintptr(v)
		persistent.end = uintptr(v) + chunk
		p = persistent.base
	}
	persistent.base = p + size
	persistent.lock.Unlock()
	if stat != nil {
		stat.Add(uint64(size))
	}
	return unsafe.Pointer(p)
}

// fixalloc is a simple free-list allocator for fixed size objects.
// The caller is responsible for locking around fixalloc calls.
// Callers can keep state in the object but the first word is
// smashed by freeing and reallocating.
type fixalloc struct {
	size   uintptr
	list   *mlink
	chunk  uintptr
	nchunk uint32
	inuse  uintptr // in-use bytes now
	stat   *atomic.Uint64
}

// A generic linked list of blocks. (Typically the block is bigger
// than sizeof(mlink).) The blocks live in mapped, non-GC'd memory,
// so these pointers are invisible to the garbage collector.
type mlink struct {
	next *mlink
}

// Initialize f to allocate objects of the given size,
// using persistentalloc to obtain chunks of memory.
func (f *fixalloc) init(size uintptr, stat *atomic.Uint64) {
	f.size = size
	f.list = nil
	f.chunk = 0
	f.nchunk = 0
	f.inuse = 0
	f.stat = stat
}

func (f *fixalloc) alloc() unsafe.Pointer {
	if f.size == 0 {
		throw("fixalloc: use before init")
	}

	if f.list != nil {
		v := unsafe.Pointer(f.list)
		f.list = f.list.next
		f.inuse += f.size
		return v
	}
	if uintptr(f.nchunk) < f.size {
		c := persistentalloc(_FixAllocChunk, 8, f.stat)
		if c == nil {
			return nil
		}
		f.chunk = uintptr(c)
		f.nchunk = _FixAllocChunk
	}

	v := unsafe.Pointer(f.chunk)
	f.chunk += f.size
	f.nchunk -= uint32(f.size)
	f.inuse += f.size
	return v
}

func (f *fixalloc) free(p unsafe.Pointer) {
	f.inuse -= f.size
	v := (*mlink)(p)
	v.next = f.list
	f.list = v
}
