package uio

import (
	"fmt"

	"github.com/ardnew/softxhci/pkg"
)

// /proc/self/pagemap holds one 64-bit entry per virtual page.
const (
	pagemapEntrySize = 8
	pagemapPresent   = 1 << 63
	pagemapSwapped   = 1 << 62
	pagemapPFNMask   = 1<<55 - 1

	basePageSize = 4096
)

// pagemapOffset returns the file offset of the entry for vaddr.
func pagemapOffset(vaddr uintptr) int64 {
	return int64(vaddr/basePageSize) * pagemapEntrySize
}

// physAddr translates vaddr with its pagemap entry. Without CAP_SYS_ADMIN
// the kernel reports present pages with a zero frame number.
func physAddr(entry uint64, vaddr uintptr) (uint64, error) {
	switch {
	case entry&pagemapPresent == 0:
		return 0, fmt.Errorf("page %#x not present: %w", vaddr, pkg.ErrNoMemory)
	case entry&pagemapSwapped != 0:
		return 0, fmt.Errorf("page %#x swapped out: %w", vaddr, pkg.ErrNoMemory)
	}
	pfn := entry & pagemapPFNMask
	if pfn == 0 {
		return 0, fmt.Errorf("page %#x: frame number hidden (need CAP_SYS_ADMIN): %w", vaddr, pkg.ErrNotSupported)
	}
	return pfn*basePageSize + uint64(vaddr%basePageSize), nil
}
