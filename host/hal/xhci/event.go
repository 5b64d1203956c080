package xhci

import (
	"github.com/ardnew/softxhci/pkg"
)

// HandleInterrupt drains the event ring. It is the interrupt entry point
// and never blocks; at most one invocation runs at a time.
func (c *Controller) HandleInterrupt() {
	c.evMu.Lock()
	defer c.evMu.Unlock()

	if c.events == nil {
		return
	}

	// Acknowledge before draining so an event posted while draining raises
	// a new interrupt.
	c.intrWrite(intrIMAN, imanIP|imanIE)
	c.opWrite(opUSBSts, stsEINT)

	if sts := c.opRead(opUSBSts); sts&(stsHSE|stsHCE) != 0 {
		pkg.LogError(pkg.ComponentEvent, "host controller error", "usbsts", sts)
	}

	n := 0
	for {
		c.invalidate(c.events.buf, c.events.index*TRBSize, TRBSize)
		ev, ok := c.events.peek()
		if !ok {
			break
		}
		c.dispatch(ev)
		c.events.advanceDequeue()
		c.intrWrite64(intrERDP, c.events.dequeuePointer()|erdpEHB)
		n++
	}
	if n == 0 {
		// Clear EHB even when the interrupt carried nothing new.
		c.intrWrite64(intrERDP, c.events.dequeuePointer()|erdpEHB)
	}
}

func (c *Controller) dispatch(ev TRB) {
	switch ev.Type() {
	case TRBTransferEvent:
		c.handleTransferEvent(ev)
	case TRBCommandCompletion:
		c.cmd.complete(ev)
	case TRBPortStatusChange:
		c.handlePortEvent(ev.PortID())
	case TRBHostController:
		pkg.LogError(pkg.ComponentEvent, "host controller event", "code", ev.CompletionCode())
	default:
		pkg.LogDebug(pkg.ComponentEvent, "ignoring event", "type", ev.Type())
	}
}

// handleTransferEvent routes a Transfer Event to the pipe that owns the
// TRB it references. Events without a TRB pointer (ring underrun/overrun)
// are routed by slot and endpoint ID.
func (c *Controller) handleTransferEvent(ev TRB) {
	var p *Pipe
	if r := c.rings.lookup(ev.Parameter); r != nil && r.kind == ringTransfer {
		p = r.pipe
	} else if s := c.slot(ev.SlotID()); s != nil {
		p = s.pipe(ev.EndpointID())
	}
	if p == nil {
		pkg.LogWarn(pkg.ComponentEvent, "transfer event for unknown ring",
			"trb", ev.Parameter, "slot", ev.SlotID(), "dci", ev.EndpointID(), "code", ev.CompletionCode())
		return
	}
	p.complete(ev)
}

// handlePortEvent forwards a port change to whoever watches PortEvents.
// The change bits are left for the watcher to acknowledge.
func (c *Controller) handlePortEvent(port int) {
	if port < 1 || port > c.maxPorts {
		pkg.LogWarn(pkg.ComponentEvent, "port event for invalid port", "port", port)
		return
	}
	sc := c.portRead(port)
	pkg.LogDebug(pkg.ComponentPort, "port status change", "port", port, "portsc", sc)
	if sc&portCSC == 0 {
		return
	}
	select {
	case c.portEvents <- port:
	default:
		pkg.LogWarn(pkg.ComponentPort, "port event dropped", "port", port)
	}
}
