// Backend page heap.
//
// The heap hands out and reclaims aligned runs of system pages. Free
// runs are kept on segregated lists, one per run length; the list
// node lives in-band at the start of the free run itself. A free run
// of length k is indexed in pageMap at both its first and its last
// page with tag -k, so freeing a neighbor finds it in O(1) and
// coalesces. Runs that grow past _BackendMaxPages on free are
// returned to the operating system.
//
// Fresh address space comes from a reservation-bump allocator that
// maps _ReserveUnit bytes at a time.

package unialloc

import (
	"sync"
	"unsafe"

	"go.uber.org/zap"
)

const (
	_BackendMaxPages = 128
	_ReserveUnit     = 4 << 30
)

// A freeRange is the in-band doubly-linked-list node written over the
// first words of a free page run.
type freeRange struct {
	prev uintptr
	next uintptr
}

func rangeOf(addr uintptr) *freeRange {
	return (*freeRange)(unsafe.Pointer(addr))
}

// Main page heap. The heap itself is the free[] array; the mutex
// serializes list splices, pageMap marker writes for free runs, and
// the reservation bump.
type mheap struct {
	lock sync.Mutex
	free [_BackendMaxPages]uintptr // free[k]: runs of k+1 pages, LIFO

	bumpCur uintptr
	bumpEnd uintptr
}

var mheap_ mheap

// insertRunLocked pushes the run [addr, addr+npages pages) onto its
// length list and stamps the head and tail pageMap markers.
func (h *mheap) insertRunLocked(addr, npages uintptr) {
	k := npages - 1
	node := rangeOf(addr)
	node.prev = 0
	node.next = h.free[k]
	if node.next != 0 {
		rangeOf(node.next).prev = addr
	}
	h.free[k] = addr

	tag := -int64(npages)
	pageMapInsert(addr>>_PageShift, tag, 1)
	pageMapInsert((addr>>_PageShift)+npages-1, tag, 1)
}

// removeRunLocked unlinks the run starting at addr from the list for
// length npages and clears its markers.
func (h *mheap) removeRunLocked(addr, npages uintptr) {
	k := npages - 1
	node := rangeOf(addr)
	if node.prev != 0 {
		rangeOf(node.prev).next = node.next
	} else {
		if h.free[k] != addr {
			throw("mheap: free run not on its list",
				zap.Uintptr("addr", addr), zap.Uintptr("npages", npages))
		}
		h.free[k] = node.next
	}
	if node.next != 0 {
		rangeOf(node.next).prev = node.prev
	}

	pageMapRemove(addr>>_PageShift, 1)
	pageMapRemove((addr>>_PageShift)+npages-1, 1)
}

// allocPages returns the address of a run of npages contiguous
// system pages, or 0 on OOM.
func (h *mheap) allocPages(npages uintptr) uintptr {
	if npages == 0 {
		throw("mheap: zero-page allocation")
	}
	h.lock.Lock()
	defer h.lock.Unlock()

	// Exact fit, then first larger run, splitting off the tail.
	for k := npages - 1; k < _BackendMaxPages; k++ {
		addr := h.free[k]
		if addr == 0 {
			continue
		}
		h.removeRunLocked(addr, k+1)
		if rest := k + 1 - npages; rest > 0 {
			h.insertRunLocked(addr+npages<<_PageShift, rest)
		}
		memstats.heapInuse.Add(uint64(npages << _PageShift))
		return addr
	}

	return h.growLocked(npages)
}

// growLocked satisfies npages from the reservation bump, acquiring a
// fresh reservation when the current one is exhausted.
func (h *mheap) growLocked(npages uintptr) uintptr {
	need := npages << _PageShift
	if need > _ReserveUnit {
		// Oversized request: its own reservation.
		v := sysReserve(need)
		if v == nil {
			return 0
		}
		memstats.heapInuse.Add(uint64(need))
		return uintptr(v)
	}
	if h.bumpEnd-h.bumpCur < need {
		// Park whatever is left of the old reservation as free
		// runs so it stays allocatable. The list array caps run
		// length, so carve oversized leftovers.
		for rest := (h.bumpEnd - h.bumpCur) >> _PageShift; rest > 0; {
			n := rest
			if n > _BackendMaxPages {
				n = _BackendMaxPages
			}
			h.insertRunLocked(h.bumpCur, n)
			h.bumpCur += n << _PageShift
			rest -= n
		}
		v := sysReserve(_ReserveUnit)
		if v == nil {
			return 0
		}
		h.bumpCur = uintptr(v)
		h.bumpEnd = uintptr(v) + _ReserveUnit
	}
	addr := h.bumpCur
	h.bumpCur += need
	memstats.heapInuse.Add(uint64(need))
	return addr
}

// freePages returns the run [addr, addr+npages pages) to the heap,
// merging it with free neighbors. Runs that end up longer than the
// list array go back to the operating system.
func (h *mheap) freePages(addr, npages uintptr) {
	if addr&(_PageSize-1) != 0 {
		throw("mheap: misaligned page free", zap.Uintptr("addr", addr))
	}
	h.lock.Lock()
	defer h.lock.Unlock()
	memstats.heapInuse.Add(^uint64(npages<<_PageShift - 1))

	start := addr
	merged := npages

	// Coalesce with the earlier run: its tail page carries -len.
	if tag := pageMapLookup((addr >> _PageShift) - 1); tag < 0 {
		plen := uintptr(-tag)
		base := addr - plen<<_PageShift
		h.removeRunLocked(base, plen)
		start = base
		merged += plen
	}
	// Coalesce with the later run: its head page carries -len.
	next := addr + npages<<_PageShift
	if tag := pageMapLookup(next >> _PageShift); tag < 0 {
		nlen := uintptr(-tag)
		h.removeRunLocked(next, nlen)
		merged += nlen
	}

	if merged <= _BackendMaxPages {
		h.insertRunLocked(start, merged)
		return
	}
	sysFree(unsafe.Pointer(start), merged<<_PageShift)
}
