// Small allocation size classes.
//
// The size classes are chosen so that rounding an allocation request
// up to the next size class wastes at most 12.5% (1.125x).
//
// Each size class has its own page count that gets allocated and
// chopped up when new cells of the size class are needed. That page
// count is chosen so that chopping the run of pages into cells of the
// given size also wastes at most 12.5% of the memory.
//
// The sizeToClass lookup is implemented using two dense arrays, one
// mapping sizes <= 1024 to their class and one mapping sizes > 1024
// and <= _MaxSmallSize to their class. All cells are 8-aligned, so
// the first array is indexed by the size divided by 8 (rounded up).
// Sizes above 1024 are 128-aligned, so the second array is indexed by
// the size divided by 128 (rounded up). The arrays are filled in by
// initSizes.

package unialloc

import "modernc.org/mathutil"

const (
	_PageShift = 12
	_PageSize  = 1 << _PageShift

	_MaxSmallSize = 32 << 10

	// Upper bound on the number of generated classes; the real
	// count is computed by initSizes and held in numSizeClasses.
	_MaxSizeClasses = 96
)

var class_to_size [_MaxSizeClasses]uint32
var class_to_allocnpages [_MaxSizeClasses]uint32
var class_to_ncells [_MaxSizeClasses]uint32
var class_to_stride [_MaxSizeClasses]uint32

var numSizeClasses int

var size_to_class8 [1024/8 + 1]uint8
var size_to_class128 [(_MaxSmallSize-1024)/128 + 1]uint8

// sizeToClass returns the size class for n.
// 1 <= class < numSizeClasses for 0 <= n <= _MaxSmallSize.
// Size class 0 is reserved to mean "not small".
func sizeToClass(size uintptr) int {
	if size > _MaxSmallSize {
		throw("sizeToClass: invalid size")
	}
	if size > 1024-8 {
		return int(size_to_class128[(size-1024+127)>>7])
	}
	return int(size_to_class8[(size+7)>>3])
}

// roundupsize returns the size of the memory block that Alloc will
// hand out when asked for size.
func roundupsize(size uintptr) uintptr {
	if size <= _MaxSmallSize {
		return uintptr(class_to_size[sizeToClass(size)])
	}
	if size+_PageSize < size {
		return size
	}
	return (size + _PageSize - 1) &^ (_PageSize - 1)
}

func initSizes() {
	// Choose the class sizes and per-class run lengths.
	class_to_size[0] = 0
	sizeclass := 1 // 0 means no class
	align := 8
	for size := align; size <= _MaxSmallSize; size += align {
		if size&(size-1) == 0 { // bump alignment once in a while
			if size >= 2048 {
				align = 256
			} else if size >= 128 {
				align = size / 8
			} else if size >= 16 {
				align = 16
			}
		}
		if align&(align-1) != 0 {
			throw("initSizes: alignment not a power of two")
		}

		// Make the run big enough that the leftover is less than
		// 1/8 of the total, so wasted space is at most 12.5%.
		allocsize := _PageSize
		for allocsize%size > allocsize/8 {
			allocsize += _PageSize
		}
		npages := allocsize >> _PageShift

		// If the previous class chose the same run length and fits
		// the same number of cells into it, widen that class
		// instead of keeping two equivalent ones, unless widening it
		// would break the 12.5% round-up bound for the smallest
		// request it serves.
		if sizeclass > 1 && npages == int(class_to_allocnpages[sizeclass-1]) &&
			allocsize/size == allocsize/int(class_to_size[sizeclass-1]) &&
			size*8 <= (int(class_to_size[sizeclass-2])+1)*9 {
			class_to_size[sizeclass-1] = uint32(size)
			continue
		}

		if sizeclass >= _MaxSizeClasses {
			throw("initSizes: too many size classes")
		}
		class_to_allocnpages[sizeclass] = uint32(npages)
		class_to_size[sizeclass] = uint32(size)
		sizeclass++
	}
	numSizeClasses = sizeclass

	// Cell stride per class. Cells are laid out elemsize apart
	// unless the run divides evenly into power-of-two slots, in
	// which case the stride is widened to that power of two and
	// every cell gains the stronger natural alignment.
	for i := 1; i < numSizeClasses; i++ {
		size := uintptr(class_to_size[i])
		run := uintptr(class_to_allocnpages[i]) << _PageShift
		stride := size
		if n := run / size; n > 0 {
			perfect := run / n
			if pot := uintptr(1) << uint(mathutil.BitLen(int(perfect))-1); pot == perfect && perfect >= size {
				stride = perfect
			}
		}
		ncells := run / stride
		if ncells == 0 || ncells > 1<<16 {
			throw("initSizes: bad cell count")
		}
		class_to_stride[i] = uint32(stride)
		class_to_ncells[i] = uint32(ncells)
	}

	// Initialize the size_to_class tables.
	nextsize := 0
	for sc := 1; sc < numSizeClasses; sc++ {
		for ; nextsize < 1024 && nextsize <= int(class_to_size[sc]); nextsize += 8 {
			size_to_class8[nextsize/8] = uint8(sc)
		}
		if nextsize >= 1024 {
			for ; nextsize <= int(class_to_size[sc]); nextsize += 128 {
				size_to_class128[(nextsize-1024)/128] = uint8(sc)
			}
		}
	}

	// Double-check the lookup tables.
	for n := uintptr(0); n <= _MaxSmallSize; n++ {
		sc := sizeToClass(n)
		if sc < 1 || sc >= numSizeClasses || uintptr(class_to_size[sc]) < n {
			throw("initSizes: incorrect sizeToClass")
		}
		if sc > 1 && uintptr(class_to_size[sc-1]) >= n {
			throw("initSizes: sizeToClass too big")
		}
	}
}
