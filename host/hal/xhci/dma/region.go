package dma

import (
	"errors"
	"fmt"
	"slices"
	"sync"
	"unsafe"

	"github.com/ardnew/softxhci/pkg"
)

// Allocator hands out device-visible memory.
//
// Alloc returns a zeroed buffer of at least size bytes whose bus address is
// a multiple of align (a power of two). Free returns a buffer obtained from
// the same allocator.
type Allocator interface {
	Alloc(size, align int) (*Buffer, error)
	Free(b *Buffer) error
}

// Boundary is the bus address boundary that small allocations never cross.
// Rings and contexts must not straddle a 64 KiB boundary.
const Boundary = 64 * 1024

// MinAlign is the smallest alignment the Region hands out.
const MinAlign = 64

// ErrNotAllocated is returned by Free for a buffer the region did not hand out.
var ErrNotAllocated = errors.New("dma: buffer not allocated from this region")

type span struct {
	off, n int
}

// Stats summarizes allocator activity.
type Stats struct {
	Allocs int // successful Alloc calls
	Frees  int // successful Free calls
	InUse  int // bytes currently allocated
}

// Region is a first-fit Allocator over one physically contiguous block of
// memory. It is safe for concurrent use.
type Region struct {
	base uint64
	mem  []byte

	mu    sync.Mutex
	free  []span // sorted by offset, coalesced
	used  map[int]int
	stats Stats
}

// NewRegion manages mem, which the device reaches at bus address base.
// base must be Boundary aligned and mem must be 8-byte aligned.
func NewRegion(base uint64, mem []byte) (*Region, error) {
	if base%Boundary != 0 {
		return nil, fmt.Errorf("dma: region base %#x not %d-byte aligned: %w", base, Boundary, pkg.ErrInvalidParameter)
	}
	if len(mem) == 0 {
		return nil, fmt.Errorf("dma: empty region: %w", pkg.ErrInvalidParameter)
	}
	if uintptr(unsafe.Pointer(&mem[0]))&7 != 0 {
		return nil, fmt.Errorf("dma: region memory not 8-byte aligned: %w", pkg.ErrInvalidParameter)
	}
	return &Region{
		base: base,
		mem:  mem,
		free: []span{{0, len(mem)}},
		used: make(map[int]int),
	}, nil
}

// NewHeapRegion allocates size bytes of Go memory and manages it as a region
// at bus address base. Useful for device models that share the process
// address space.
func NewHeapRegion(base uint64, size int) (*Region, error) {
	words := make([]uint64, (size+7)/8)
	mem := unsafe.Slice((*byte)(unsafe.Pointer(&words[0])), len(words)*8)
	return NewRegion(base, mem[:size])
}

// Base returns the bus address of the region's first byte.
func (r *Region) Base() uint64 { return r.base }

// Size returns the size of the region in bytes.
func (r *Region) Size() int { return len(r.mem) }

func alignUp(v, a int) int { return (v + a - 1) &^ (a - 1) }

// Alloc implements Allocator.
func (r *Region) Alloc(size, align int) (*Buffer, error) {
	if size <= 0 || align <= 0 || align&(align-1) != 0 {
		return nil, fmt.Errorf("dma: alloc size %d align %d: %w", size, align, pkg.ErrInvalidParameter)
	}
	align = max(align, MinAlign)
	size = alignUp(size, MinAlign)

	r.mu.Lock()
	defer r.mu.Unlock()

	for i, s := range r.free {
		start := alignUp(s.off, align)
		if size <= Boundary && start/Boundary != (start+size-1)/Boundary {
			start = alignUp(start, Boundary)
		}
		if start+size > s.off+s.n {
			continue
		}
		var repl []span
		if start > s.off {
			repl = append(repl, span{s.off, start - s.off})
		}
		if end := start + size; end < s.off+s.n {
			repl = append(repl, span{end, s.off + s.n - end})
		}
		r.free = slices.Replace(r.free, i, i+1, repl...)
		r.used[start] = size
		r.stats.Allocs++
		r.stats.InUse += size

		mem := r.mem[start : start+size : start+size]
		clear(mem)
		return &Buffer{addr: r.base + uint64(start), mem: mem}, nil
	}
	return nil, fmt.Errorf("dma: alloc %d bytes: %w", size, pkg.ErrNoMemory)
}

// Free implements Allocator.
func (r *Region) Free(b *Buffer) error {
	if b == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	off := int(b.addr - r.base)
	size, ok := r.used[off]
	if b.addr < r.base || !ok {
		return fmt.Errorf("%w: %#x", ErrNotAllocated, b.addr)
	}
	delete(r.used, off)
	r.stats.Frees++
	r.stats.InUse -= size

	i, _ := slices.BinarySearchFunc(r.free, off, func(s span, off int) int { return s.off - off })
	r.free = slices.Insert(r.free, i, span{off, size})
	// Coalesce with the right neighbour, then the left.
	if i+1 < len(r.free) && r.free[i].off+r.free[i].n == r.free[i+1].off {
		r.free[i].n += r.free[i+1].n
		r.free = slices.Delete(r.free, i+1, i+2)
	}
	if i > 0 && r.free[i-1].off+r.free[i-1].n == r.free[i].off {
		r.free[i-1].n += r.free[i].n
		r.free = slices.Delete(r.free, i, i+1)
	}
	return nil
}

// View returns a buffer aliasing n bytes of the region at bus address addr,
// whether or not they are allocated. Device models use it to follow
// pointers found in device-visible structures.
func (r *Region) View(addr uint64, n int) (*Buffer, error) {
	if addr < r.base || n < 0 || addr-r.base+uint64(n) > uint64(len(r.mem)) {
		return nil, fmt.Errorf("dma: view %#x+%d outside region: %w", addr, n, pkg.ErrInvalidParameter)
	}
	off := int(addr - r.base)
	return &Buffer{addr: addr, mem: r.mem[off : off+n : off+n]}, nil
}

// Stats returns a snapshot of allocator counters.
func (r *Region) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stats
}
