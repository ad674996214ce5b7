//go:build linux || darwin

// Package nativeheap implements the VM-backed native heap allocator
// (spec section 4.1): a process-scoped allocator that reserves OS
// virtual-memory islands and places typed allocations inside them
// using a size-indexed AVL free tree (avl.Tree), mirroring the way the
// teacher's own `golang.org/x/sys` dependency is already present in
// this module's closure for low-level, platform-specific concerns.
package nativeheap

import (
	"golang.org/x/sys/unix"
)

// osPageSize returns the runtime page size.
func osPageSize() int {
	return unix.Getpagesize()
}

// reservePages asks the OS for n pages of anonymous, read-write memory.
func reservePages(n int) ([]byte, error) {
	size := n * osPageSize()
	mem, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		return nil, err
	}
	return mem, nil
}

// growPages attempts to grow an existing reservation in place via
// mremap. The kernel may relocate the mapping; the caller must treat
// the returned slice as authoritative and update any addresses derived
// from the old one (this is the "left-growth may require relocating
// the island header" case from spec section 4.1 step 3 when mremap
// moves rather than extends).
func growPages(mem []byte, newPageCount int) ([]byte, error) {
	newSize := newPageCount * osPageSize()
	grown, err := unix.Mremap(mem, newSize, unix.MREMAP_MAYMOVE)
	if err != nil {
		return nil, err
	}
	return grown, nil
}

// releasePages returns the reservation to the OS.
func releasePages(mem []byte) error {
	return unix.Munmap(mem)
}
