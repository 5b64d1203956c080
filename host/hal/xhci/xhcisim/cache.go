package xhcisim

import (
	"sync/atomic"

	"github.com/ardnew/softxhci/host/hal/xhci"
	"github.com/ardnew/softxhci/host/hal/xhci/dma"
)

// NonCoherent presents the simulator as a platform whose DMA memory needs
// explicit cache maintenance. The simulated memory is coherent anyway;
// NonCoherent only counts the maintenance the driver performs.
type NonCoherent struct {
	*Controller

	flushes     atomic.Int64
	invalidates atomic.Int64
}

var (
	_ xhci.Platform        = (*NonCoherent)(nil)
	_ xhci.CacheMaintainer = (*NonCoherent)(nil)
)

// NonCoherent wraps c.
func (c *Controller) NonCoherent() *NonCoherent {
	return &NonCoherent{Controller: c}
}

// Flush implements xhci.CacheMaintainer.
func (n *NonCoherent) Flush(b *dma.Buffer, off, size int) { n.flushes.Add(1) }

// Invalidate implements xhci.CacheMaintainer.
func (n *NonCoherent) Invalidate(b *dma.Buffer, off, size int) { n.invalidates.Add(1) }

// Flushes returns the number of Flush calls.
func (n *NonCoherent) Flushes() int64 { return n.flushes.Load() }

// Invalidates returns the number of Invalidate calls.
func (n *NonCoherent) Invalidates() int64 { return n.invalidates.Load() }
