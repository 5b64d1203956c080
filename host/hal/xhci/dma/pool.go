package dma

import (
	"fmt"

	"github.com/ardnew/softxhci/pkg"
)

// Pool is an Allocator over several regions that are each physically
// contiguous but not contiguous with one another, such as a set of
// hugepages. An allocation never spans two regions.
type Pool struct {
	regions []*Region
}

// NewPool returns a pool over regions, tried in order.
func NewPool(regions ...*Region) (*Pool, error) {
	if len(regions) == 0 {
		return nil, fmt.Errorf("dma: empty pool: %w", pkg.ErrInvalidParameter)
	}
	return &Pool{regions: regions}, nil
}

// Regions returns the pool's regions.
func (p *Pool) Regions() []*Region { return p.regions }

// Alloc implements Allocator.
func (p *Pool) Alloc(size, align int) (*Buffer, error) {
	var err error
	for _, r := range p.regions {
		var b *Buffer
		if b, err = r.Alloc(size, align); err == nil {
			return b, nil
		}
	}
	return nil, err
}

// Free implements Allocator.
func (p *Pool) Free(b *Buffer) error {
	if b == nil {
		return nil
	}
	for _, r := range p.regions {
		if r.owns(b.addr) {
			return r.Free(b)
		}
	}
	return fmt.Errorf("%w: %#x", ErrNotAllocated, b.addr)
}

// Stats sums the counters of every region.
func (p *Pool) Stats() Stats {
	var s Stats
	for _, r := range p.regions {
		rs := r.Stats()
		s.Allocs += rs.Allocs
		s.Frees += rs.Frees
		s.InUse += rs.InUse
	}
	return s
}

func (r *Region) owns(addr uint64) bool {
	return addr >= r.base && addr-r.base < uint64(len(r.mem))
}
