// System page acquisition.
//
// The allocator obtains all of its memory through anonymous mappings.
// The calls go through the raw mmap/munmap syscalls rather than the
// tracked convenience wrappers: the backend unmaps sub-ranges of a
// reservation (coalesced runs past the list cap), which only the raw
// interface permits. sysAlloc returns memory that is immediately
// usable and accounted against stat; sysReserve maps a large run of
// address space with MAP_NORESERVE so that a multi-GiB arena
// reservation costs address space, not commit charge. sysFree unmaps
// any page-aligned range.

package unialloc

import (
	"sync/atomic"
	"unsafe"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

func mmap(n uintptr, extraFlags int) unsafe.Pointer {
	p, _, errno := unix.Syscall6(unix.SYS_MMAP,
		0, n,
		uintptr(unix.PROT_READ|unix.PROT_WRITE),
		uintptr(unix.MAP_PRIVATE|unix.MAP_ANONYMOUS|extraFlags),
		^uintptr(0), // fd -1
		0)
	if errno != 0 {
		return nil
	}
	return unsafe.Pointer(p)
}

// sysAlloc obtains a zeroed chunk of n bytes from the operating system.
// Returns nil if the mapping was refused.
func sysAlloc(n uintptr, stat *atomic.Uint64) unsafe.Pointer {
	p := mmap(n, 0)
	if p == nil {
		return nil
	}
	if stat != nil {
		stat.Add(uint64(n))
	}
	return p
}

// sysReserve maps n bytes of address space for the heap arena. The
// pages are committed lazily by the kernel as they are first touched.
func sysReserve(n uintptr) unsafe.Pointer {
	p := mmap(n, unix.MAP_NORESERVE)
	if p == nil {
		return nil
	}
	memstats.heapSys.Add(uint64(n))
	return p
}

// sysFree returns a mapping to the operating system. v must be
// page-aligned; the range may be any aligned sub-range of earlier
// mappings.
func sysFree(v unsafe.Pointer, n uintptr) {
	if _, _, errno := unix.Syscall(unix.SYS_MUNMAP, uintptr(v), n, 0); errno != 0 {
		throw("sysFree: munmap failed",
			zap.Uintptr("addr", uintptr(v)), zap.Uintptr("size", n),
			zap.String("errno", errno.Error()))
	}
	memstats.heapReleased.Add(uint64(n))
}
