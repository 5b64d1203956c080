package xhcisim

import (
	"github.com/ardnew/softxhci/host/hal"
	"github.com/ardnew/softxhci/host/hal/xhci"
	"github.com/ardnew/softxhci/host/hal/xhci/dma"
	"github.com/ardnew/softxhci/pkg"
)

// simSlot is the controller's side of a device slot. The output device
// context in DMA memory is rewritten from it after every change.
type simSlot struct {
	id  uint8
	ctx xhci.SlotContext
	dev Device
	eps [32]*simEndpoint
}

type simEndpoint struct {
	dci   uint8
	ctx   xhci.EndpointContext
	armed bool   // doorbell rung since the ring last ran dry
	busy  uint64 // first TRB of a TD the device NAKed
}

// maxCommandsPerPass bounds one pass over the command ring.
const maxCommandsPerPass = 256

// runCommands executes command TRBs until the ring holds no more work or
// the controller hangs on one. The caller holds c.mu.
func (c *Controller) runCommands() {
	if !c.crr || c.cmdHung != 0 {
		return
	}
	for range maxCommandsPerPass {
		t, ok := c.loadTRB(c.cmdDeq)
		if !ok {
			c.crr, c.cmdArmed = false, false
			return
		}
		if t.Cycle() != c.cmdCycle {
			c.cmdArmed = false
			return
		}
		if t.Type() == xhci.TRBLink {
			c.cmdDeq = t.Parameter &^ 0xF
			if t.ToggleCycle() {
				c.cmdCycle = !c.cmdCycle
			}
			continue
		}
		if c.flt.hang > 0 {
			c.flt.hang--
			c.cmdHung = c.cmdDeq
			pkg.LogDebug(pkg.ComponentSim, "command hung", "type", t.Type(), "trb", c.cmdDeq)
			return
		}
		code, slot := c.execute(t)
		c.stats.Commands++
		pkg.LogTrace(pkg.ComponentSim, "command", "type", t.Type(), "code", code, "slot", slot)
		c.post(xhci.NewCommandCompletionEvent(c.cmdDeq, code, slot))
		c.cmdDeq += xhci.TRBSize
	}
}

// stopCommandRing handles Command Stop and Command Abort. A command the
// controller is stuck on completes as aborted; then a Command Ring Stopped
// event reports where the ring stopped.
func (c *Controller) stopCommandRing(abort bool) {
	if c.cmdHung != 0 && abort {
		c.post(xhci.NewCommandCompletionEvent(c.cmdHung, xhci.CodeCommandAborted, 0))
		c.cmdDeq = c.cmdHung + xhci.TRBSize
	}
	c.cmdHung = 0
	c.crr, c.cmdArmed = false, false
	c.stats.Aborts++
	c.post(xhci.NewCommandCompletionEvent(c.cmdDeq, xhci.CodeCommandRingStopped, 0))
	pkg.LogDebug(pkg.ComponentSim, "command ring stopped", "abort", abort, "trb", c.cmdDeq)
}

func (c *Controller) execute(t xhci.TRB) (xhci.CompletionCode, uint8) {
	if code, ok := c.flt.commandCode(t.Type()); ok {
		return code, t.SlotID()
	}
	switch t.Type() {
	case xhci.TRBNoOpCommand:
		return xhci.CodeSuccess, 0
	case xhci.TRBEnableSlot:
		return c.enableSlot()
	}

	id := t.SlotID()
	if int(id) >= len(c.slots) || c.slots[id] == nil {
		return xhci.CodeSlotNotEnabled, id
	}
	s := c.slots[id]
	var code xhci.CompletionCode
	switch t.Type() {
	case xhci.TRBDisableSlot:
		c.slots[id] = nil
		return xhci.CodeSuccess, id
	case xhci.TRBAddressDevice:
		code = c.addressDevice(s, t.Parameter, t.Control&xhci.TRBBSR != 0)
	case xhci.TRBConfigureEndpoint:
		code = c.configureEndpoint(s, t.Parameter, t.Control&xhci.TRBDeconfigure != 0)
	case xhci.TRBEvaluateContext:
		code = c.evaluateContext(s, t.Parameter)
	case xhci.TRBResetEndpoint:
		code = c.resetEndpoint(s, t.EndpointID())
	case xhci.TRBStopEndpoint:
		code = c.stopEndpoint(s, t.EndpointID())
	case xhci.TRBSetTRDequeue:
		code = c.setTRDequeue(s, t.EndpointID(), t.Parameter)
	case xhci.TRBResetDevice:
		code = c.resetDevice(s)
	default:
		return xhci.CodeTRB, id
	}
	if code == xhci.CodeSuccess {
		c.writeOutput(s)
	}
	return code, id
}

func (c *Controller) enableSlot() (xhci.CompletionCode, uint8) {
	n := min(int(c.config&0xFF), c.opts.MaxSlots)
	for id := 1; id <= n; id++ {
		if c.slots[id] == nil {
			c.slots[id] = &simSlot{id: uint8(id)}
			return xhci.CodeSuccess, uint8(id)
		}
	}
	return xhci.CodeNoSlots, 0
}

// writeOutput stores the slot's contexts in its output device context.
func (c *Controller) writeOutput(s *simSlot) {
	dcbaa := c.view(c.dcbaap+uint64(s.id)*8, 8)
	if dcbaa == nil {
		return
	}
	addr := dcbaa.Load64(0)
	if addr == 0 {
		return
	}
	out := c.view(addr, 32*c.csz)
	if out == nil {
		return
	}
	s.ctx.Encode(out, xhci.DeviceSlotOffset(c.csz))
	for dci := uint8(1); dci <= 31; dci++ {
		var ep xhci.EndpointContext
		if e := s.eps[dci]; e != nil {
			ep = e.ctx
		}
		ep.Encode(out, xhci.DeviceEndpointOffset(c.csz, dci))
	}
}

func (c *Controller) input(addr uint64) (*inputView, xhci.CompletionCode) {
	b := c.view(addr, 33*c.csz)
	if b == nil {
		return nil, xhci.CodeParameter
	}
	return &inputView{b: b, csz: c.csz, icc: xhci.DecodeInputControlContext(b, 0)}, xhci.CodeSuccess
}

type inputView struct {
	b   *dma.Buffer
	csz int
	icc xhci.InputControlContext
}

func (in *inputView) slot() xhci.SlotContext {
	return xhci.DecodeSlotContext(in.b, xhci.InputSlotOffset(in.csz))
}

func (in *inputView) endpoint(dci uint8) xhci.EndpointContext {
	return xhci.DecodeEndpointContext(in.b, xhci.InputEndpointOffset(in.csz, dci))
}

func (c *Controller) addressDevice(s *simSlot, inAddr uint64, bsr bool) xhci.CompletionCode {
	switch s.ctx.State {
	case xhci.SlotStateDisabled:
	case xhci.SlotStateDefault:
		if bsr {
			return xhci.CodeContextState
		}
	default:
		return xhci.CodeContextState
	}
	in, code := c.input(inAddr)
	if in == nil {
		return code
	}
	if in.icc.Add&0x3 != 0x3 {
		return xhci.CodeParameter
	}
	sc := in.slot()
	ep0 := in.endpoint(1)
	if ep0.Type != xhci.EndpointTypeControl || ep0.MaxPacketSize == 0 {
		return xhci.CodeParameter
	}
	p, err := c.port(int(sc.RootHubPort))
	if err != nil {
		return xhci.CodeParameter
	}
	if p.dev == nil || p.sc&portPED == 0 {
		return xhci.CodeUSBTransaction
	}

	s.dev = p.dev
	sc.State = xhci.SlotStateDefault
	sc.DeviceAddress = 0
	if !bsr {
		addr := s.id
		setup := hal.SetupPacket{RequestType: 0x00, Request: reqSetAddress, Value: uint16(addr)}
		if _, err := s.dev.Control(setup, nil); err != nil {
			pkg.LogDebug(pkg.ComponentSim, "SET_ADDRESS failed", "slot", s.id, "error", err)
			return xhci.CodeUSBTransaction
		}
		sc.State = xhci.SlotStateAddressed
		sc.DeviceAddress = addr
	}
	s.ctx = sc
	ep0.State = xhci.EndpointRunning
	s.eps[1] = &simEndpoint{dci: 1, ctx: ep0}
	return xhci.CodeSuccess
}

func (c *Controller) configureEndpoint(s *simSlot, inAddr uint64, deconfigure bool) xhci.CompletionCode {
	if s.ctx.State != xhci.SlotStateAddressed && s.ctx.State != xhci.SlotStateConfigured {
		return xhci.CodeContextState
	}
	if deconfigure {
		for dci := 2; dci <= 31; dci++ {
			s.eps[dci] = nil
		}
		s.ctx.State = xhci.SlotStateAddressed
		s.ctx.ContextEntries = 1
		return xhci.CodeSuccess
	}

	in, code := c.input(inAddr)
	if in == nil {
		return code
	}
	for dci := uint8(2); dci <= 31; dci++ {
		if in.icc.Add&(1<<dci) == 0 {
			continue
		}
		ep := in.endpoint(dci)
		isoch := ep.Type == xhci.EndpointTypeIsochIn || ep.Type == xhci.EndpointTypeIsochOut
		if ep.Type == xhci.EndpointTypeInvalid || ep.Type == xhci.EndpointTypeControl && dci != 1 ||
			ep.MaxPacketSize == 0 && !isoch || ep.DequeuePointer == 0 {
			return xhci.CodeParameter
		}
	}

	stop := c.flt.stopNewEndpoints && in.icc.Add&^0x3 != 0
	for dci := uint8(2); dci <= 31; dci++ {
		if in.icc.Drop&(1<<dci) != 0 {
			s.eps[dci] = nil
		}
		if in.icc.Add&(1<<dci) != 0 {
			ep := in.endpoint(dci)
			ep.State = xhci.EndpointRunning
			if stop {
				ep.State = xhci.EndpointStopped
			}
			s.eps[dci] = &simEndpoint{dci: dci, ctx: ep}
		}
	}
	if stop {
		c.flt.stopNewEndpoints = false
	}
	if in.icc.Add&1 != 0 {
		s.ctx.ContextEntries = in.slot().ContextEntries
	}
	s.ctx.State = xhci.SlotStateAddressed
	for dci := 2; dci <= 31; dci++ {
		if s.eps[dci] != nil {
			s.ctx.State = xhci.SlotStateConfigured
			break
		}
	}
	return xhci.CodeSuccess
}

func (c *Controller) evaluateContext(s *simSlot, inAddr uint64) xhci.CompletionCode {
	if s.ctx.State == xhci.SlotStateDisabled {
		return xhci.CodeContextState
	}
	in, code := c.input(inAddr)
	if in == nil {
		return code
	}
	if in.icc.Add&1 != 0 {
		sc := in.slot()
		s.ctx.MaxExitLatency = sc.MaxExitLatency
		s.ctx.InterrupterTarget = sc.InterrupterTarget
	}
	if in.icc.Add&2 != 0 && s.eps[1] != nil {
		mps := in.endpoint(1).MaxPacketSize
		if mps == 0 {
			return xhci.CodeParameter
		}
		s.eps[1].ctx.MaxPacketSize = mps
	}
	return xhci.CodeSuccess
}

func (c *Controller) resetEndpoint(s *simSlot, dci uint8) xhci.CompletionCode {
	ep := s.eps[dci&31]
	if ep == nil {
		return xhci.CodeEndpointNotEnabled
	}
	if ep.ctx.State != xhci.EndpointHalted {
		return xhci.CodeContextState
	}
	ep.ctx.State = xhci.EndpointStopped
	return xhci.CodeSuccess
}

// stopEndpoint stops a running endpoint. A TD the device was NAKing is
// reported as Stopped before the command completes.
func (c *Controller) stopEndpoint(s *simSlot, dci uint8) xhci.CompletionCode {
	ep := s.eps[dci&31]
	if ep == nil {
		return xhci.CodeEndpointNotEnabled
	}
	if ep.ctx.State != xhci.EndpointRunning {
		return xhci.CodeContextState
	}
	if ep.busy != 0 {
		c.post(xhci.NewTransferEvent(ep.busy, 0, xhci.CodeStopped, s.id, dci))
		ep.busy = 0
	}
	ep.ctx.State = xhci.EndpointStopped
	ep.armed = false
	return xhci.CodeSuccess
}

func (c *Controller) setTRDequeue(s *simSlot, dci uint8, ptr uint64) xhci.CompletionCode {
	ep := s.eps[dci&31]
	if ep == nil {
		return xhci.CodeEndpointNotEnabled
	}
	if ep.ctx.State != xhci.EndpointStopped && ep.ctx.State != xhci.EndpointError {
		return xhci.CodeContextState
	}
	ep.ctx.DequeuePointer = ptr &^ 0xF
	ep.ctx.DequeueCycle = ptr&1 != 0
	ep.busy = 0
	return xhci.CodeSuccess
}

func (c *Controller) resetDevice(s *simSlot) xhci.CompletionCode {
	if s.ctx.State == xhci.SlotStateDisabled {
		return xhci.CodeContextState
	}
	for dci := 2; dci <= 31; dci++ {
		s.eps[dci] = nil
	}
	s.ctx.State = xhci.SlotStateDefault
	s.ctx.DeviceAddress = 0
	s.ctx.ContextEntries = 1
	return xhci.CodeSuccess
}
