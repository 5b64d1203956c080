package xhci

import (
	"context"
	"fmt"
	"sync"

	"github.com/ardnew/softxhci/host/hal"
	"github.com/ardnew/softxhci/host/hal/xhci/dma"
	"github.com/ardnew/softxhci/pkg"
)

// Slot is one device known to the controller.
//
// A slot moves through Enable → Address → Configure → Deconfigure →
// Disable. Lifecycle methods are serialized per slot; pipes may be used
// concurrently with each other.
type Slot struct {
	c        *Controller
	id       uint8
	port     int
	route    uint32
	speed    hal.Speed
	psiv     uint8
	slotType uint8
	dev      *deviceContext

	mu       sync.Mutex // serializes lifecycle commands
	address  uint8
	disabled bool

	pmu   sync.RWMutex
	pipes [maxDCI + 1]*Pipe
}

// ID returns the slot ID assigned by the controller.
func (s *Slot) ID() uint8 { return s.id }

// Port returns the root hub port the device is attached to.
func (s *Slot) Port() int { return s.port }

// Speed returns the device speed.
func (s *Slot) Speed() hal.Speed { return s.speed }

// DeviceAddress returns the USB address the controller assigned, or 0
// before a SET_ADDRESS has been issued.
func (s *Slot) DeviceAddress() uint8 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.address
}

// ControlPipe returns the default control pipe.
func (s *Slot) ControlPipe() *Pipe { return s.pipe(controlDCI) }

// Pipe returns the open pipe for an endpoint address, or nil.
func (s *Slot) Pipe(address uint8, typ hal.TransferType) *Pipe {
	return s.pipe(EndpointDCI(address, typ))
}

func (s *Slot) pipe(dci uint8) *Pipe {
	if dci == 0 || dci > maxDCI {
		return nil
	}
	s.pmu.RLock()
	defer s.pmu.RUnlock()
	return s.pipes[dci]
}

func (s *Slot) setPipe(dci uint8, p *Pipe) {
	s.pmu.Lock()
	s.pipes[dci] = p
	s.pmu.Unlock()
}

// lastDCI returns the highest DCI with an open pipe.
func (s *Slot) lastDCI() uint8 {
	s.pmu.RLock()
	defer s.pmu.RUnlock()
	for dci := uint8(maxDCI); dci > controlDCI; dci-- {
		if s.pipes[dci] != nil {
			return dci
		}
	}
	return controlDCI
}

// Context returns the slot context the controller last wrote.
func (s *Slot) Context() SlotContext {
	s.c.invalidate(s.dev.buf, 0, s.dev.buf.Len())
	return s.dev.slot()
}

// EndpointContext returns the endpoint context for dci as the controller
// last wrote it.
func (s *Slot) EndpointContext(dci uint8) EndpointContext {
	s.c.invalidate(s.dev.buf, DeviceEndpointOffset(s.dev.csz, dci), s.dev.csz)
	return s.dev.endpoint(dci)
}

// State returns the slot state from the device context.
func (s *Slot) State() SlotState { return s.Context().State }

func (s *Slot) endpointState(dci uint8) EndpointState { return s.EndpointContext(dci).State }

// slotContext builds the slot context for an input context.
func (s *Slot) slotContext(entries uint8) SlotContext {
	return SlotContext{
		RouteString:    s.route,
		Speed:          s.psiv,
		ContextEntries: entries,
		RootHubPort:    uint8(s.port),
	}
}

// EnableSlot obtains a device slot for the device on an enabled root hub
// port and installs its device context. The default control pipe exists
// on return but the device is not yet addressed.
func (c *Controller) EnableSlot(ctx context.Context, port int) (*Slot, error) {
	if err := c.checkPort(port); err != nil {
		return nil, err
	}
	info := c.portInfo(port)
	if info.state != portEnabled {
		return nil, fmt.Errorf("port %d is %s: %w", port, info.state, pkg.ErrInvalidState)
	}
	var slotType uint8
	if p := c.protocolFor(port); p != nil {
		slotType = p.slotType
	}

	ev, err := c.submitCommand(ctx, enableSlotTRB(slotType))
	if err != nil {
		return nil, fmt.Errorf("enable slot: %w", err)
	}
	id := ev.SlotID()
	if id == 0 || int(id) > c.maxSlots {
		return nil, fmt.Errorf("enable slot returned slot %d: %w", id, pkg.ErrProtocol)
	}

	s := &Slot{
		c:        c,
		id:       id,
		port:     port,
		speed:    info.speed,
		psiv:     info.psiv,
		slotType: slotType,
	}
	if err := c.installSlot(s); err != nil {
		// Give the slot back; the controller never saw our memory.
		if _, derr := c.submitCommand(ctx, disableSlotTRB(id)); derr != nil {
			pkg.LogWarn(pkg.ComponentSlot, "disable slot after failed enable", "slot", id, "error", derr)
		}
		return nil, err
	}
	pkg.LogDebug(pkg.ComponentSlot, "slot enabled", "slot", id, "port", port, "speed", s.speed)
	return s, nil
}

func (c *Controller) installSlot(s *Slot) error {
	buf, err := c.alloc.Alloc(deviceContextEntries*c.csz, 64)
	if err != nil {
		return fmt.Errorf("device context: %w", err)
	}
	s.dev = &deviceContext{buf: buf, csz: c.csz}

	ep0 := hal.EndpointDescriptor{MaxPacketSize: s.speed.DefaultMaxPacketSize0()}
	p, err := c.newPipe(s, controlDCI, ep0)
	if err != nil {
		c.freeBuffer(buf)
		return err
	}
	s.setPipe(controlDCI, p)

	c.dcbaa.set(s.id, buf.Addr())
	c.flush(c.dcbaa.buf, int(s.id)*8, 8)

	c.mu.Lock()
	c.slots[s.id] = s
	c.mu.Unlock()
	return nil
}

func (c *Controller) freeBuffer(b *dma.Buffer) {
	if err := c.alloc.Free(b); err != nil {
		pkg.LogWarn(pkg.ComponentSlot, "free", "addr", b.Addr(), "error", err)
	}
}

// slot returns the enabled slot with the given ID, or nil.
func (c *Controller) slot(id uint8) *Slot {
	if id == 0 {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if int(id) >= len(c.slots) {
		return nil
	}
	return c.slots[id]
}

// Slot returns the enabled slot with the given ID, or nil.
func (c *Controller) Slot(id uint8) *Slot { return c.slot(id) }

// Address issues Address Device. With bsr set the controller only moves
// the slot to the Default state without sending SET_ADDRESS, so the
// control pipe can read the device descriptor first; a second call with
// bsr clear then assigns the address.
func (s *Slot) Address(ctx context.Context, bsr bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.disabled {
		return fmt.Errorf("slot %d: %w", s.id, pkg.ErrInvalidState)
	}

	ep0 := s.pipe(controlDCI)
	in, err := s.c.newInputContext()
	if err != nil {
		return err
	}
	defer s.c.freeInputContext(in)

	ep0.ring.mu.Lock()
	deq, dcs := ep0.ring.enqueuePointer()
	ep0.ring.mu.Unlock()

	slot := s.slotContext(controlDCI)
	ep := controlContext(uint16(ep0.MaxPacketSize()), deq, dcs)
	in.setControl(0, 1<<0|1<<controlDCI)
	in.setSlot(&slot)
	in.setEndpoint(controlDCI, &ep)
	s.c.flush(in.buf, 0, in.buf.Len())

	if _, err := s.c.submitCommand(ctx, addressDeviceTRB(in.buf.Addr(), s.id, bsr)); err != nil {
		return fmt.Errorf("address device slot %d: %w", s.id, err)
	}
	if !bsr {
		s.address = s.Context().DeviceAddress
	}
	pkg.LogDebug(pkg.ComponentSlot, "slot addressed", "slot", s.id, "bsr", bsr, "address", s.address)
	return nil
}

// SetMaxPacketSize0 updates the control endpoint's max packet size with
// Evaluate Context, typically after the first 8 bytes of the device
// descriptor have been read.
func (s *Slot) SetMaxPacketSize0(ctx context.Context, mps int) error {
	if mps <= 0 || mps > 1024 {
		return fmt.Errorf("max packet size %d: %w", mps, pkg.ErrInvalidParameter)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.disabled {
		return fmt.Errorf("slot %d: %w", s.id, pkg.ErrInvalidState)
	}

	ep0 := s.pipe(controlDCI)
	in, err := s.c.newInputContext()
	if err != nil {
		return err
	}
	defer s.c.freeInputContext(in)

	ep := controlContext(uint16(mps), 0, false)
	in.setControl(0, 1<<controlDCI)
	in.setEndpoint(controlDCI, &ep)
	s.c.flush(in.buf, 0, in.buf.Len())

	if _, err := s.c.submitCommand(ctx, evaluateContextTRB(in.buf.Addr(), s.id)); err != nil {
		return fmt.Errorf("evaluate context slot %d: %w", s.id, err)
	}
	ep0.mu.Lock()
	ep0.mps = mps
	ep0.mu.Unlock()
	return nil
}

// OpenPipe configures a non-control endpoint and returns its pipe. The
// endpoint must come up Running.
func (s *Slot) OpenPipe(ctx context.Context, ep *hal.EndpointDescriptor) (*Pipe, error) {
	dci := EndpointDCI(ep.Address, ep.TransferType())
	if dci == controlDCI {
		return nil, fmt.Errorf("endpoint 0x%02x: %w", ep.Address, pkg.ErrInvalidEndpoint)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.disabled {
		return nil, fmt.Errorf("slot %d: %w", s.id, pkg.ErrInvalidState)
	}
	if s.pipe(dci) != nil {
		return nil, fmt.Errorf("endpoint 0x%02x already open: %w", ep.Address, pkg.ErrBusy)
	}

	p, err := s.c.newPipe(s, dci, *ep)
	if err != nil {
		return nil, err
	}
	epCtx, err := endpointContext(s.speed, ep, p.ring.Addr(), true)
	if err != nil {
		p.release()
		return nil, err
	}

	in, err := s.c.newInputContext()
	if err != nil {
		p.release()
		return nil, err
	}
	defer s.c.freeInputContext(in)

	slot := s.slotContext(max(s.lastDCI(), dci))
	in.setControl(0, 1<<0|1<<dci)
	in.setSlot(&slot)
	in.setEndpoint(dci, &epCtx)
	s.c.flush(in.buf, 0, in.buf.Len())

	if _, err := s.c.submitCommand(ctx, configureEndpointTRB(in.buf.Addr(), s.id, false)); err != nil {
		p.release()
		return nil, fmt.Errorf("configure endpoint 0x%02x: %w", ep.Address, err)
	}
	s.setPipe(dci, p)

	if st := s.endpointState(dci); st != EndpointRunning {
		// The command succeeded but the endpoint is unusable; take it
		// back out of the configuration.
		if err := s.configureDrop(ctx, in, dci); err != nil {
			pkg.LogWarn(pkg.ComponentEndpoint, "drop endpoint after bad state", "slot", s.id, "dci", dci, "error", err)
		}
		s.setPipe(dci, nil)
		p.release()
		return nil, fmt.Errorf("endpoint 0x%02x came up %s: %w", ep.Address, st, pkg.ErrInvalidState)
	}
	pkg.LogDebug(pkg.ComponentEndpoint, "endpoint configured", "slot", s.id, "dci", dci,
		"type", p.typ, "mps", epCtx.MaxPacketSize, "interval", epCtx.Interval)
	return p, nil
}

// configureDrop removes dci from the device's configuration using in as
// scratch. The caller holds s.mu and clears the pipe afterwards.
func (s *Slot) configureDrop(ctx context.Context, in *inputContext, dci uint8) error {
	s.pmu.RLock()
	entries := uint8(controlDCI)
	for i := uint8(maxDCI); i > controlDCI; i-- {
		if i != dci && s.pipes[i] != nil {
			entries = i
			break
		}
	}
	s.pmu.RUnlock()

	slot := s.slotContext(entries)
	in.setControl(1<<dci, 1<<0)
	in.setSlot(&slot)
	s.c.flush(in.buf, 0, in.buf.Len())
	_, err := s.c.submitCommand(ctx, configureEndpointTRB(in.buf.Addr(), s.id, false))
	return err
}

func (s *Slot) dropPipe(ctx context.Context, p *Pipe) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pipe(p.dci) != p {
		return fmt.Errorf("endpoint dci %d not open: %w", p.dci, pkg.ErrInvalidEndpoint)
	}
	in, err := s.c.newInputContext()
	if err != nil {
		return err
	}
	defer s.c.freeInputContext(in)
	if err := s.configureDrop(ctx, in, p.dci); err != nil {
		return fmt.Errorf("drop endpoint dci %d: %w", p.dci, err)
	}
	s.setPipe(p.dci, nil)
	p.release()
	pkg.LogDebug(pkg.ComponentEndpoint, "endpoint dropped", "slot", s.id, "dci", p.dci)
	return nil
}

// releasePipes frees every pipe above the control endpoint.
func (s *Slot) releasePipes() {
	s.pmu.Lock()
	var ps []*Pipe
	for dci := controlDCI + 1; dci <= maxDCI; dci++ {
		if s.pipes[dci] != nil {
			ps = append(ps, s.pipes[dci])
			s.pipes[dci] = nil
		}
	}
	s.pmu.Unlock()
	for _, p := range ps {
		p.release()
	}
}

// Deconfigure drops every non-control endpoint at once (Configure Endpoint
// with DC set), returning the slot to the Addressed state.
func (s *Slot) Deconfigure(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.disabled {
		return fmt.Errorf("slot %d: %w", s.id, pkg.ErrInvalidState)
	}
	if _, err := s.c.submitCommand(ctx, configureEndpointTRB(0, s.id, true)); err != nil {
		return fmt.Errorf("deconfigure slot %d: %w", s.id, err)
	}
	s.releasePipes()
	pkg.LogDebug(pkg.ComponentSlot, "slot deconfigured", "slot", s.id)
	return nil
}

// Reset issues Reset Device after the device itself was reset on its
// port. Every endpoint but the control endpoint is disabled and the slot
// returns to the Default state.
func (s *Slot) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.disabled {
		return fmt.Errorf("slot %d: %w", s.id, pkg.ErrInvalidState)
	}
	if _, err := s.c.submitCommand(ctx, resetDeviceTRB(s.id)); err != nil {
		return fmt.Errorf("reset device slot %d: %w", s.id, err)
	}
	s.releasePipes()
	s.address = 0
	return nil
}

// Disable releases the slot. If the controller refuses the Disable Slot
// command nothing is released: the slot stays registered with its device
// context, rings and DCBAA entry in place, so Disable may be retried.
// Disabling a slot that was already released is an error and touches
// nothing.
func (s *Slot) Disable(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.disabled {
		return fmt.Errorf("slot %d already disabled: %w", s.id, pkg.ErrInvalidState)
	}

	if _, err := s.c.submitCommand(ctx, disableSlotTRB(s.id)); err != nil {
		pkg.LogError(pkg.ComponentSlot, "disable slot failed", "slot", s.id, "error", err)
		return fmt.Errorf("disable slot %d: %w", s.id, err)
	}

	s.disabled = true
	s.c.mu.Lock()
	if s.c.slots[s.id] == s {
		s.c.slots[s.id] = nil
	}
	s.c.mu.Unlock()

	s.releasePipes()
	if ep0 := s.pipe(controlDCI); ep0 != nil {
		s.setPipe(controlDCI, nil)
		ep0.release()
	}
	s.c.dcbaa.set(s.id, 0)
	s.c.flush(s.c.dcbaa.buf, int(s.id)*8, 8)
	s.c.freeBuffer(s.dev.buf)
	pkg.LogDebug(pkg.ComponentSlot, "slot disabled", "slot", s.id)
	return nil
}
