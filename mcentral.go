// Central free lists.
//
// One mcentral per size class. The central page record, not the
// mcentral, carries the free cells: each centralPage describes one
// run of contiguous system pages sliced into equal cells, with an
// intrusive LIFO of free cells threaded through the cells' first
// words. A page is on exactly one of the Full, Partial, Empty or
// Uninit lists; counter==0 means Empty, counter==ncells means Full.
//
// Page records are created from fixalloc on first demand, acquire
// their backing run from the page heap when first used, and give the
// run back when the Empty list overflows its hysteresis cap; the
// record is then recycled onto Uninit.

package unialloc

import (
	"sync"
	"unsafe"

	"go.uber.org/zap"
)

// Empty pages retained per class before backing runs are released.
const _EmptyPageCap = 2048

// A centralPage describes one run of pages belonging to one size
// class. Records live in fixalloc memory and are never garbage.
type centralPage struct {
	next *centralPage
	prev *centralPage
	list *pageList

	data     uintptr // base address of the run; 0 if uninitialized
	freelist uintptr // first free cell; each cell's word is the next
	counter  uint32  // cells currently allocated from this run
}

// pageList heads a doubly-linked list of central pages.
type pageList struct {
	first *centralPage
	last  *centralPage
}

func (l *pageList) isEmpty() bool {
	return l.first == nil
}

func (l *pageList) insert(p *centralPage) {
	if p.next != nil || p.prev != nil || p.list != nil {
		throw("pageList: insert of linked page")
	}
	p.next = l.first
	if l.first != nil {
		l.first.prev = p
	} else {
		l.last = p
	}
	l.first = p
	p.list = l
}

func (l *pageList) insertBack(p *centralPage) {
	if p.next != nil || p.prev != nil || p.list != nil {
		throw("pageList: insertBack of linked page")
	}
	p.prev = l.last
	if l.last != nil {
		l.last.next = p
	} else {
		l.first = p
	}
	l.last = p
	p.list = l
}

func (l *pageList) remove(p *centralPage) {
	if p.list != l {
		throw("pageList: remove of page not on list")
	}
	if p.prev != nil {
		p.prev.next = p.next
	} else {
		l.first = p.next
	}
	if p.next != nil {
		p.next.prev = p.prev
	} else {
		l.last = p.prev
	}
	p.next = nil
	p.prev = nil
	p.list = nil
}

func (l *pageList) pop() *centralPage {
	p := l.first
	if p != nil {
		l.remove(p)
	}
	return p
}

// Central list of free cells of a given size.
type mcentral struct {
	lock      sync.Mutex
	sizeclass int32

	full    pageList
	partial pageList
	empty   pageList
	uninit  pageList

	emptyCount int32

	elemsize uintptr // rounded class size
	stride   uintptr // cell spacing within a run; >= elemsize
	npages   uintptr // system pages per run
	ncells   uint32  // cells per run
}

var central [_MaxSizeClasses]mcentral

// Initialize a single central free list.
func (c *mcentral) init(sizeclass int32) {
	c.sizeclass = sizeclass
	c.elemsize = uintptr(class_to_size[sizeclass])
	c.stride = uintptr(class_to_stride[sizeclass])
	c.npages = uintptr(class_to_allocnpages[sizeclass])
	c.ncells = class_to_ncells[sizeclass]
}

// allocBatch hands a group of free cells to a cache.
//
// Two shapes, one per source. Draining a Partial page (only when
// align is unity) returns the page's remaining cells as a linked
// list: base heads the list and unit is 0. Handing out a whole
// Empty or Uninitialized run returns it contiguous: n cells of
// stride unit starting at base, nothing linked. Either way the page
// moves to Full. Returns ok=false on OOM.
func (c *mcentral) allocBatch(align uintptr) (base uintptr, n int, unit uintptr, ok bool) {
	c.lock.Lock()
	defer c.lock.Unlock()

	if align <= 1 && !c.partial.isEmpty() {
		pg := c.partial.pop()
		base = pg.freelist
		n = int(c.ncells - pg.counter)
		if base == 0 || n <= 0 {
			throw("mcentral: partial page with no free cells",
				zap.Int32("class", c.sizeclass))
		}
		pg.freelist = 0
		pg.counter = c.ncells
		c.full.insertBack(pg)
		return base, n, 0, true
	}

	var pg *centralPage
	switch {
	case !c.empty.isEmpty():
		pg = c.empty.pop()
		c.emptyCount--
	case !c.uninit.isEmpty():
		pg = c.uninit.pop()
	default:
		metaLock.Lock()
		pg = (*centralPage)(pagealloc.alloc())
		metaLock.Unlock()
		if pg == nil {
			return 0, 0, 0, false
		}
		*pg = centralPage{}
	}

	if pg.data == 0 {
		data := mheap_.allocPages(c.npages)
		if data == 0 {
			c.uninit.insert(pg)
			return 0, 0, 0, false
		}
		pg.data = data
		pageMapInsert(data>>_PageShift, int64(uintptr(unsafe.Pointer(pg))), c.npages)
	}

	// counter==0 here, so every cell is free and the whole run can
	// go out contiguous regardless of the freelist's shape.
	pg.freelist = 0
	pg.counter = c.ncells
	c.full.insertBack(pg)
	return pg.data, int(c.ncells), c.stride, true
}

// freeBatch returns a linked list of cells to the class. Cells may
// belong to different pages; consecutive cells of one page splice in
// a single operation.
func (c *mcentral) freeBatch(head uintptr) {
	c.lock.Lock()
	defer c.lock.Unlock()

	for head != 0 {
		tag := pageMapLookup(head >> _PageShift)
		if tag < _LargeTagLimit {
			throw("mcentral: free of unknown page",
				zap.Uintptr("addr", head), zap.Int64("tag", tag))
		}
		pg := (*centralPage)(unsafe.Pointer(uintptr(tag)))
		base := pg.data
		limit := base + c.npages<<_PageShift
		if head < base || head >= limit {
			throw("mcentral: page record does not cover cell",
				zap.Uintptr("addr", head))
		}
		if (head-base)%c.stride != 0 {
			throw("mcentral: misaligned free",
				zap.Uintptr("addr", head), zap.Int32("class", c.sizeclass))
		}

		wasFull := pg.counter == c.ncells

		// Walk the list while it stays inside this page.
		cur := head
		count := uint32(1)
		next := *(*uintptr)(unsafe.Pointer(cur))
		for next >= base && next < limit {
			cur = next
			count++
			next = *(*uintptr)(unsafe.Pointer(cur))
		}

		if count > pg.counter {
			throw("mcentral: free counter underflow",
				zap.Uintptr("addr", head), zap.Int32("class", c.sizeclass))
		}
		*(*uintptr)(unsafe.Pointer(cur)) = pg.freelist
		pg.freelist = head
		pg.counter -= count

		switch {
		case pg.counter == 0:
			if wasFull {
				c.full.remove(pg)
			} else {
				c.partial.remove(pg)
			}
			if c.emptyCount >= _EmptyPageCap {
				pageMapRemove(pg.data>>_PageShift, c.npages)
				mheap_.freePages(pg.data, c.npages)
				pg.data = 0
				pg.freelist = 0
				c.uninit.insert(pg)
			} else {
				c.empty.insert(pg)
				c.emptyCount++
			}
		case wasFull:
			c.full.remove(pg)
			c.partial.insertBack(pg)
		}

		head = next
	}
}
