//go:build !linux && !darwin

package nativeheap

// Fallback OS page backing for platforms without a wired unix.Mmap
// path (e.g. windows, where the equivalent would be
// golang.org/x/sys/windows.VirtualAlloc). Tracked as a follow-up: wire
// VirtualAlloc/VirtualFree here instead of a plain slice once a
// windows build of this module is exercised.
const fallbackPageSize = 4096

func osPageSize() int {
	return fallbackPageSize
}

func reservePages(n int) ([]byte, error) {
	return make([]byte, n*fallbackPageSize), nil
}

func growPages(mem []byte, newPageCount int) ([]byte, error) {
	grown := make([]byte, newPageCount*fallbackPageSize)
	copy(grown, mem)
	return grown, nil
}

func releasePages([]byte) error {
	return nil
}
