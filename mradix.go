// Page-address index.
//
// pageMap maps every heap page (address >> _PageShift) to a signed
// tag describing its owner:
//
//	tag == 0                  the page is unmapped / untracked
//	tag < 0                   the page heads or tails a free backend
//	                          run of -tag pages
//	0 < tag < _LargeTagLimit  the page heads a live large run of tag
//	                          pages
//	tag >= _LargeTagLimit     the address of the owning centralPage
//	                          record
//
// The tree is two fixed levels of 1<<18 entries keyed by the page
// number, covering the 48-bit address space. Interior pointers are
// installed with compare-exchange and a losing racer unmaps the node
// it mapped. Leaf slots are written without atomics: writes to
// distinct pages touch disjoint slots, and transitions of any one
// slot are serialized by the backend or central-class mutex that
// currently owns the underlying page.

package unialloc

import (
	"sync/atomic"
	"unsafe"
)

const (
	_RadixBits  = 18
	_RadixSlots = 1 << _RadixBits
	_RadixMask  = _RadixSlots - 1

	// Tags below this are live large-run page counts; at or above,
	// central-page record addresses. Metadata mappings always land
	// far above 1<<20 on 64-bit Linux.
	_LargeTagLimit = 1 << 20
)

type radixLeaf struct {
	slots [_RadixSlots]int64
}

type radixNode struct {
	leaves [_RadixSlots]unsafe.Pointer // *radixLeaf
}

var pageMapRoot unsafe.Pointer // *radixNode, published once

func pageMapNode() *radixNode {
	p := atomic.LoadPointer(&pageMapRoot)
	if p == nil {
		n := sysAlloc(unsafe.Sizeof(radixNode{}), &memstats.metaSys)
		if n == nil {
			throw("pageMap: cannot map root node")
		}
		if !atomic.CompareAndSwapPointer(&pageMapRoot, nil, n) {
			sysFree(n, unsafe.Sizeof(radixNode{}))
			p = atomic.LoadPointer(&pageMapRoot)
		} else {
			p = n
		}
	}
	return (*radixNode)(p)
}

// leaf returns the leaf covering page key k, mapping it first if
// create is set. Returns nil when the leaf does not exist and create
// is not set.
func (r *radixNode) leaf(k uintptr, create bool) *radixLeaf {
	if k>>(2*_RadixBits) != 0 {
		throw("pageMap: page key out of range")
	}
	slot := &r.leaves[k>>_RadixBits]
	p := atomic.LoadPointer(slot)
	if p == nil && create {
		n := sysAlloc(unsafe.Sizeof(radixLeaf{}), &memstats.metaSys)
		if n == nil {
			throw("pageMap: cannot map leaf node")
		}
		if !atomic.CompareAndSwapPointer(slot, nil, n) {
			sysFree(n, unsafe.Sizeof(radixLeaf{}))
			p = atomic.LoadPointer(slot)
		} else {
			p = n
		}
	}
	return (*radixLeaf)(p)
}

// pageMapInsert writes tag into the n consecutive slots starting at
// page key k. The run may span leaves. The caller holds the mutex
// owning the underlying pages.
func pageMapInsert(k uintptr, tag int64, n uintptr) {
	root := pageMapNode()
	for n > 0 {
		l := root.leaf(k, true)
		i := k & _RadixMask
		for ; i < _RadixSlots && n > 0; i, k, n = i+1, k+1, n-1 {
			l.slots[i] = tag
		}
	}
}

// pageMapRemove zeroes the n consecutive slots starting at page key k.
func pageMapRemove(k uintptr, n uintptr) {
	pageMapInsert(k, 0, n)
}

// pageMapLookup returns the tag for page key k, or zero when the page
// was never mapped.
func pageMapLookup(k uintptr) int64 {
	p := atomic.LoadPointer(&pageMapRoot)
	if p == nil {
		return 0
	}
	l := (*radixNode)(p).leaf(k, false)
	if l == nil {
		return 0
	}
	return l.slots[k&_RadixMask]
}
