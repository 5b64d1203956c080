package xhci

import (
	"context"
	"fmt"
	"time"

	"github.com/ardnew/softxhci/host/hal/xhci/dma"
)

// Registers is the controller's MMIO window. Offsets are relative to the
// start of the capability registers. Implementations must perform each
// access as a single 32-bit load or store with device memory ordering.
type Registers interface {
	Read32(off uint32) uint32
	Write32(off uint32, v uint32)
}

// Platform supplies everything the driver needs from its environment.
type Platform interface {
	// Registers returns the controller's MMIO window.
	Registers() Registers

	// Allocator returns the DMA allocator for rings, contexts and buffers.
	Allocator() dma.Allocator

	// AttachInterrupt routes the controller's interrupt to handler. The
	// platform must not run handler concurrently with itself.
	AttachInterrupt(handler func()) error

	// DetachInterrupt stops delivering interrupts.
	DetachInterrupt() error
}

// CacheMaintainer is implemented by platforms whose DMA memory is not
// coherent with the CPU caches.
type CacheMaintainer interface {
	// Flush writes CPU-side changes in b[off:off+n] back to memory before
	// the controller reads them.
	Flush(b *dma.Buffer, off, n int)

	// Invalidate discards cached copies of b[off:off+n] before the CPU
	// reads what the controller wrote.
	Invalidate(b *dma.Buffer, off, n int)
}

func (c *Controller) capRead(off uint32) uint32 {
	return c.regs.Read32(off)
}

func (c *Controller) opRead(off uint32) uint32 {
	return c.regs.Read32(c.opBase + off)
}

func (c *Controller) opWrite(off, v uint32) {
	c.regs.Write32(c.opBase+off, v)
}

// opWrite64 writes a 64-bit operational register low dword first.
func (c *Controller) opWrite64(off uint32, v uint64) {
	c.regs.Write32(c.opBase+off, uint32(v))
	c.regs.Write32(c.opBase+off+4, uint32(v>>32))
}

func (c *Controller) intrRead(off uint32) uint32 {
	return c.regs.Read32(c.rtBase + rtIntrBase + off)
}

func (c *Controller) intrWrite(off, v uint32) {
	c.regs.Write32(c.rtBase+rtIntrBase+off, v)
}

func (c *Controller) intrWrite64(off uint32, v uint64) {
	c.intrWrite(off, uint32(v))
	c.intrWrite(off+4, uint32(v>>32))
}

func (c *Controller) portRead(port int) uint32 {
	return c.opRead(opPortBase + opPortSize*uint32(port-1))
}

func (c *Controller) portWrite(port int, v uint32) {
	c.opWrite(opPortBase+opPortSize*uint32(port-1), v)
}

// ringDoorbell notifies the controller of new work. Slot 0 with target 0
// is the command ring; otherwise target is the endpoint's DCI.
func (c *Controller) ringDoorbell(slot, target uint8) {
	c.regs.Write32(c.dbBase+4*uint32(slot), uint32(target))
}

func (c *Controller) flush(b *dma.Buffer, off, n int) {
	if c.cache != nil {
		c.cache.Flush(b, off, n)
	}
}

func (c *Controller) invalidate(b *dma.Buffer, off, n int) {
	if c.cache != nil {
		c.cache.Invalidate(b, off, n)
	}
}

// pollInterval is the granularity of register polling loops.
const pollInterval = time.Millisecond

// waitFor polls cond until it holds, the timeout expires or ctx is done.
func waitFor(ctx context.Context, timeout time.Duration, what string, cond func() bool) error {
	if cond() {
		return nil
	}
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	tick := time.NewTicker(pollInterval)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("%s: %w", what, ctx.Err())
		case <-deadline.C:
			if cond() {
				return nil
			}
			return fmt.Errorf("%s after %v: %w", what, timeout, ErrHardwareTimeout)
		case <-tick.C:
			if cond() {
				return nil
			}
		}
	}
}
