package xhcisim

import (
	"errors"

	"github.com/ardnew/softxhci/host/hal"
	"github.com/ardnew/softxhci/host/hal/xhci"
	"github.com/ardnew/softxhci/pkg"
)

// tdEntry is one TRB of a fetched TD.
type tdEntry struct {
	addr uint64
	trb  xhci.TRB
}

type td struct {
	trbs      []tdEntry
	next      uint64
	nextCycle bool
}

func (t *td) length(from int) int {
	n := 0
	for _, e := range t.trbs[from:] {
		n += e.trb.Length()
	}
	return n
}

// maxTDLength bounds the TRBs walked for one TD.
const maxTDLength = 1024

// fetchTD collects the TD at the endpoint's dequeue pointer. It reports
// false when the TD is not (yet) entirely owned by the controller.
func (c *Controller) fetchTD(ep *simEndpoint) (td, bool) {
	addr, cycle := ep.ctx.DequeuePointer, ep.ctx.DequeueCycle
	var out td
	for range maxTDLength {
		t, ok := c.loadTRB(addr)
		if !ok || t.Cycle() != cycle {
			return td{}, false
		}
		if t.Type() == xhci.TRBLink {
			addr = t.Parameter &^ 0xF
			if t.ToggleCycle() {
				cycle = !cycle
			}
			continue
		}
		out.trbs = append(out.trbs, tdEntry{addr: addr, trb: t})
		addr += xhci.TRBSize
		end := !t.Chain()
		if ep.dci == 1 {
			end = t.Type() == xhci.TRBStatusStage
		}
		if end {
			out.next, out.nextCycle = addr, cycle
			return out, true
		}
	}
	return td{}, false
}

// maxTDsPerPass bounds the TDs one endpoint completes per worker pass.
const maxTDsPerPass = 64

// runEndpoint executes TDs until the ring runs dry, the device NAKs or the
// endpoint halts. The caller holds c.mu.
func (c *Controller) runEndpoint(s *simSlot, ep *simEndpoint) {
	for range maxTDsPerPass {
		if ep.ctx.State != xhci.EndpointRunning {
			ep.armed = false
			return
		}
		t, ok := c.fetchTD(ep)
		if !ok {
			ep.armed = false
			return
		}
		var r result
		if ep.dci == 1 {
			r = c.controlTD(s, ep, &t)
		} else {
			r = c.dataTD(s, ep, &t)
		}
		switch r {
		case tdNAK:
			c.stats.NAKs++
			ep.busy = t.trbs[0].addr
			ep.armed = false
			return
		case tdHalted:
			ep.busy = 0
			// The dequeue pointer stays on the failed TD.
			ep.ctx.State = xhci.EndpointHalted
			c.writeOutput(s)
			ep.armed = false
			return
		}
		ep.busy = 0
		ep.ctx.DequeuePointer, ep.ctx.DequeueCycle = t.next, t.nextCycle
		c.stats.TDs++
	}
}

type result uint8

const (
	tdDone result = iota
	tdNAK
	tdHalted
)

// errorCode maps a device model error to the completion code the
// controller would see on the bus.
func errorCode(err error) xhci.CompletionCode {
	switch {
	case errors.Is(err, pkg.ErrStall):
		return xhci.CodeStall
	case errors.Is(err, pkg.ErrOverrun):
		return xhci.CodeBabble
	default:
		return xhci.CodeUSBTransaction
	}
}

func (c *Controller) event(s *simSlot, ep *simEndpoint, e tdEntry, residual int, code xhci.CompletionCode) {
	c.post(xhci.NewTransferEvent(e.addr, residual, code, s.id, ep.dci))
}

func (c *Controller) gather(t *td, from int, n int) []byte {
	buf := make([]byte, 0, n)
	for _, e := range t.trbs[from:] {
		l := e.trb.Length()
		if l == 0 {
			continue
		}
		if e.trb.IDT() {
			var b [8]byte
			for i := range min(l, 8) {
				b[i] = byte(e.trb.Parameter >> (8 * i))
			}
			buf = append(buf, b[:min(l, 8)]...)
			continue
		}
		if v := c.view(e.trb.Parameter, l); v != nil {
			buf = append(buf, v.Bytes()...)
		}
	}
	return buf
}

// scatter writes data into the buffers of t's TRBs from index from on and
// posts the events the move produces. It returns the index of the TRB on
// which a short packet ended the data, or -1.
func (c *Controller) scatter(s *simSlot, ep *simEndpoint, t *td, from, to int, data []byte, in bool) int {
	rem := len(data)
	for i := from; i < to; i++ {
		e := t.trbs[i]
		l := e.trb.Length()
		got := min(rem, l)
		if in && got > 0 {
			if v := c.view(e.trb.Parameter, got); v != nil {
				copy(v.Bytes(), data[len(data)-rem:len(data)-rem+got])
			}
		}
		rem -= got
		if got < l {
			if e.trb.ISP() || e.trb.IOC() {
				c.event(s, ep, e, l-got, xhci.CodeShortPacket)
			}
			return i
		}
		if e.trb.IOC() {
			c.event(s, ep, e, 0, xhci.CodeSuccess)
		}
	}
	return -1
}

func (c *Controller) controlTD(s *simSlot, ep *simEndpoint, t *td) result {
	head := t.trbs[0]
	last := len(t.trbs) - 1
	if head.trb.Type() != xhci.TRBSetupStage || t.trbs[last].trb.Type() != xhci.TRBStatusStage {
		c.event(s, ep, head, 0, xhci.CodeTRB)
		return tdHalted
	}
	p := head.trb.Parameter
	setup := hal.SetupPacket{
		RequestType: uint8(p),
		Request:     uint8(p >> 8),
		Value:       uint16(p >> 16),
		Index:       uint16(p >> 32),
		Length:      uint16(p >> 48),
	}
	in := setup.IsIn()
	n := t.length(1)

	var data []byte
	if in {
		data = make([]byte, n)
	} else {
		data = c.gather(t, 1, n)
	}
	if s.dev == nil {
		c.event(s, ep, head, n, xhci.CodeUSBTransaction)
		return tdHalted
	}
	got, err := s.dev.Control(setup, data)
	if errors.Is(err, pkg.ErrNAK) {
		return tdNAK
	}
	if err != nil {
		at := t.trbs[last]
		if last > 1 {
			at = t.trbs[1]
		}
		c.event(s, ep, at, n, errorCode(err))
		return tdHalted
	}
	if in {
		c.scatter(s, ep, t, 1, last, data[:min(got, n)], true)
	} else {
		c.scatter(s, ep, t, 1, last, data, false)
	}
	if st := t.trbs[last]; st.trb.IOC() {
		c.event(s, ep, st, 0, xhci.CodeSuccess)
	}
	return tdDone
}

func epAddress(dci uint8) uint8 {
	a := dci / 2
	if dci&1 != 0 {
		a |= 0x80
	}
	return a
}

func (c *Controller) dataTD(s *simSlot, ep *simEndpoint, t *td) result {
	head := t.trbs[0]
	n := t.length(0)
	isoch := ep.ctx.Type == xhci.EndpointTypeIsochIn || ep.ctx.Type == xhci.EndpointTypeIsochOut
	if s.dev == nil {
		c.event(s, ep, head, n, xhci.CodeUSBTransaction)
		return tdHalted
	}

	addr := epAddress(ep.dci)
	var (
		data []byte
		err  error
	)
	if ep.ctx.Type.IsIn() {
		data = make([]byte, n)
		var got int
		got, err = s.dev.In(addr, data)
		data = data[:min(max(got, 0), n)]
	} else {
		data = c.gather(t, 0, n)
		err = s.dev.Out(addr, data)
	}
	switch {
	case errors.Is(err, pkg.ErrNAK) && isoch:
		// An isochronous interval passes without data.
		c.event(s, ep, head, n, xhci.CodeMissedService)
		return tdDone
	case errors.Is(err, pkg.ErrNAK):
		return tdNAK
	case err != nil:
		c.event(s, ep, head, n, errorCode(err))
		return tdHalted
	}

	last := len(t.trbs) - 1
	if i := c.scatter(s, ep, t, 0, len(t.trbs), data, ep.ctx.Type.IsIn()); i >= 0 && i != last && t.trbs[last].trb.IOC() {
		// The TD's completion interrupt still fires after a short packet.
		c.event(s, ep, t.trbs[last], t.trbs[last].trb.Length(), xhci.CodeShortPacket)
	}
	return tdDone
}
