package xhci

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/ardnew/softxhci/host/hal"
	"github.com/ardnew/softxhci/pkg"
)

// Standard requests the HAL intercepts on the default control pipe.
const (
	requestSetAddress       = 0x05
	requestGetDescriptor    = 0x06
	requestSetConfiguration = 0x09
	descriptorTypeDevice    = 0x01
)

// =============================================================================
// HostHAL Implementation
// =============================================================================

// HostHAL implements hal.HostHAL on an xHCI controller.
//
// The controller, not software, assigns USB addresses. HostHAL therefore
// treats the address the host stack chooses as a handle: a SET_ADDRESS sent
// to address 0 becomes an Address Device command on the slot opened by the
// preceding ResetPort, and the chosen address is mapped to that slot.
type HostHAL struct {
	c *Controller

	// pending is the slot opened by ResetPort that still answers at
	// address 0.
	pending *Slot
	devices map[hal.DeviceAddress]*Slot
	byPort  map[int]*Slot

	// Channels for connection events
	connectCh    chan int
	disconnectCh chan int

	// Context for cancellation
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// State
	running bool
	mu      sync.Mutex
}

var _ hal.HostHAL = (*HostHAL)(nil)

// NewHostHAL creates a HostHAL for the controller behind p.
func NewHostHAL(p Platform, cfg Config) (*HostHAL, error) {
	c, err := New(p, cfg)
	if err != nil {
		return nil, err
	}
	return &HostHAL{
		c:            c,
		devices:      make(map[hal.DeviceAddress]*Slot),
		byPort:       make(map[int]*Slot),
		connectCh:    make(chan int, 16),
		disconnectCh: make(chan int, 16),
	}, nil
}

// Controller returns the underlying controller.
func (h *HostHAL) Controller() *Controller { return h.c }

// =============================================================================
// Lifecycle Methods
// =============================================================================

// Init brings up the controller and registers it in the arena.
func (h *HostHAL) Init(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.running {
		return pkg.ErrBusy
	}
	if err := h.c.Init(ctx); err != nil {
		return err
	}
	if _, err := Register(h.c); err != nil {
		return err
	}
	h.ctx, h.cancel = context.WithCancel(ctx)

	pkg.LogDebug(pkg.ComponentHAL, "xHCI host HAL initialized", "controller", h.c.ID())
	return nil
}

// Start runs the controller and starts watching its ports.
func (h *HostHAL) Start() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.running {
		return pkg.ErrBusy
	}
	if h.ctx == nil {
		return pkg.ErrNotRunning
	}
	if err := h.c.Start(); err != nil {
		return err
	}
	h.running = true

	h.wg.Add(1)
	go h.portLoop()

	pkg.LogDebug(pkg.ComponentHAL, "xHCI host HAL started")
	return nil
}

// Stop halts the controller.
func (h *HostHAL) Stop() error {
	h.mu.Lock()
	if !h.running {
		h.mu.Unlock()
		return nil
	}
	h.running = false
	h.mu.Unlock()

	if h.cancel != nil {
		h.cancel()
	}
	h.wg.Wait()

	err := h.c.Stop()
	pkg.LogDebug(pkg.ComponentHAL, "xHCI host HAL stopped")
	return err
}

// Close stops the controller and releases everything it owns.
func (h *HostHAL) Close() error {
	err := h.Stop()

	h.mu.Lock()
	h.pending = nil
	clear(h.devices)
	clear(h.byPort)
	h.mu.Unlock()

	err = errors.Join(err, h.c.Close())
	pkg.LogDebug(pkg.ComponentHAL, "xHCI host HAL closed")
	return err
}

// =============================================================================
// Port Operations
// =============================================================================

// NumPorts returns the number of root hub ports.
func (h *HostHAL) NumPorts() int { return h.c.NumPorts() }

// GetPortStatus returns the status of a port.
func (h *HostHAL) GetPortStatus(port int) (hal.PortStatus, error) {
	return h.c.PortStatus(port)
}

// PortSpeed returns the speed of the device on a port.
func (h *HostHAL) PortSpeed(port int) hal.Speed { return h.c.PortSpeed(port) }

// ResetPort resets the port and opens a slot for its device. The device
// is left in the Default state and answers at address 0 until the host
// sends SET_ADDRESS.
func (h *HostHAL) ResetPort(port int) error {
	ctx := h.context()

	// A port reset invalidates whatever slot the port had.
	h.mu.Lock()
	old := h.byPort[port]
	h.mu.Unlock()
	if old != nil {
		if err := h.releaseSlot(ctx, old); err != nil {
			pkg.LogWarn(pkg.ComponentHAL, "release slot before reset", "port", port, "slot", old.ID(), "error", err)
		}
	}

	if err := h.c.ResetPort(ctx, port); err != nil {
		return err
	}
	s, err := h.c.EnableSlot(ctx, port)
	if err != nil {
		return err
	}
	if err := s.Address(ctx, true); err != nil {
		if derr := s.Disable(ctx); derr != nil {
			pkg.LogWarn(pkg.ComponentHAL, "disable slot after failed address", "slot", s.ID(), "error", derr)
		}
		return err
	}

	h.mu.Lock()
	if h.pending != nil && h.pending != s {
		pkg.LogWarn(pkg.ComponentHAL, "replacing unaddressed device", "port", h.pending.Port())
	}
	h.pending = s
	h.byPort[port] = s
	h.mu.Unlock()
	return nil
}

// EnablePort enables or disables a port.
func (h *HostHAL) EnablePort(port int, enable bool) error {
	return h.c.EnablePort(h.context(), port, enable)
}

// =============================================================================
// Transfer Operations
// =============================================================================

// ControlTransfer performs a control transfer on a device's default pipe.
func (h *HostHAL) ControlTransfer(ctx context.Context, addr hal.DeviceAddress, setup *hal.SetupPacket, data []byte) (int, error) {
	s, err := h.slotFor(addr)
	if err != nil {
		return 0, err
	}

	if setup.RequestType == 0x00 {
		switch setup.Request {
		case requestSetAddress:
			return 0, h.assignAddress(ctx, s, hal.DeviceAddress(setup.Value))
		case requestSetConfiguration:
			if setup.Value == 0 {
				if err := s.Deconfigure(ctx); err != nil {
					return 0, err
				}
			}
		}
	}

	p := s.ControlPipe()
	if int(setup.Length) < len(data) {
		data = data[:setup.Length]
	}
	n, err := p.Control(ctx, *setup, data)
	if err != nil {
		if p.Halted() {
			// A stalled control request only halts the pipe until the
			// next SETUP; clear our side so the pipe stays usable.
			if rerr := p.Recover(ctx); rerr != nil {
				pkg.LogWarn(pkg.ComponentHAL, "recover control pipe", "slot", s.ID(), "error", rerr)
			}
		}
		return n, err
	}

	if setup.RequestType == 0x80 && setup.Request == requestGetDescriptor &&
		setup.Value>>8 == descriptorTypeDevice && n >= 8 {
		mps := int(data[7])
		if s.Speed() == hal.SpeedSuper {
			mps = 1 << data[7]
		}
		if mps != p.MaxPacketSize() {
			if err := s.SetMaxPacketSize0(ctx, mps); err != nil {
				return n, err
			}
		}
	}
	return n, nil
}

// BulkTransfer performs a bulk transfer. Transfers larger than the pipe's
// bounce buffer are split; a short chunk ends the transfer.
func (h *HostHAL) BulkTransfer(ctx context.Context, addr hal.DeviceAddress, endpoint uint8, data []byte) (int, error) {
	return h.stream(ctx, addr, endpoint, hal.TransferBulk, data)
}

// InterruptTransfer performs an interrupt transfer.
func (h *HostHAL) InterruptTransfer(ctx context.Context, addr hal.DeviceAddress, endpoint uint8, data []byte) (int, error) {
	return h.stream(ctx, addr, endpoint, hal.TransferInterrupt, data)
}

// IsochronousTransfer performs an isochronous transfer.
func (h *HostHAL) IsochronousTransfer(ctx context.Context, addr hal.DeviceAddress, endpoint uint8, data []byte) (int, error) {
	return h.stream(ctx, addr, endpoint, hal.TransferIsochronous, data)
}

func (h *HostHAL) stream(ctx context.Context, addr hal.DeviceAddress, endpoint uint8, typ hal.TransferType, data []byte) (int, error) {
	s, err := h.slotFor(addr)
	if err != nil {
		return 0, err
	}
	p := s.Pipe(endpoint, typ)
	if p == nil {
		return 0, fmt.Errorf("endpoint 0x%02x not open: %w", endpoint, pkg.ErrInvalidEndpoint)
	}
	if p.desc.TransferType() != typ {
		return 0, fmt.Errorf("endpoint 0x%02x is %s, not %s: %w", endpoint, p.desc.TransferType(), typ, pkg.ErrInvalidEndpoint)
	}

	chunk := h.c.cfg.MaxTransferSize
	total := 0
	for {
		start := total
		end := min(start+chunk, len(data))
		n, err := p.Transfer(ctx, &Request{Data: data[start:end]})
		total += n
		if err != nil {
			return total, err
		}
		if end == len(data) || n < end-start {
			return total, nil
		}
	}
}

// SetDeviceAddress assigns newAddr to the device waiting at address 0.
func (h *HostHAL) SetDeviceAddress(ctx context.Context, newAddr hal.DeviceAddress) error {
	s, err := h.slotFor(0)
	if err != nil {
		return err
	}
	return h.assignAddress(ctx, s, newAddr)
}

func (h *HostHAL) assignAddress(ctx context.Context, s *Slot, addr hal.DeviceAddress) error {
	if addr == 0 {
		return fmt.Errorf("address 0: %w", pkg.ErrInvalidParameter)
	}
	h.mu.Lock()
	if h.pending != s {
		h.mu.Unlock()
		return fmt.Errorf("slot %d already addressed: %w", s.ID(), pkg.ErrInvalidState)
	}
	if _, taken := h.devices[addr]; taken {
		h.mu.Unlock()
		return fmt.Errorf("address %d in use: %w", addr, pkg.ErrBusy)
	}
	h.mu.Unlock()

	if err := s.Address(ctx, false); err != nil {
		return err
	}

	h.mu.Lock()
	h.pending = nil
	h.devices[addr] = s
	h.mu.Unlock()
	pkg.LogDebug(pkg.ComponentHAL, "device address set", "address", addr, "slot", s.ID(), "usbAddress", s.DeviceAddress())
	return nil
}

// OpenEndpoint configures an endpoint of an addressed device.
func (h *HostHAL) OpenEndpoint(ctx context.Context, addr hal.DeviceAddress, ep *hal.EndpointDescriptor) error {
	s, err := h.slotFor(addr)
	if err != nil {
		return err
	}
	_, err = s.OpenPipe(ctx, ep)
	return err
}

// CloseEndpoint drops an endpoint from a device's configuration.
func (h *HostHAL) CloseEndpoint(ctx context.Context, addr hal.DeviceAddress, endpoint uint8) error {
	s, err := h.slotFor(addr)
	if err != nil {
		return err
	}
	p := s.Pipe(endpoint, hal.TransferBulk)
	if p == nil {
		return fmt.Errorf("endpoint 0x%02x not open: %w", endpoint, pkg.ErrInvalidEndpoint)
	}
	return p.Close(ctx)
}

// ReleaseDevice disables the device's slot.
func (h *HostHAL) ReleaseDevice(ctx context.Context, addr hal.DeviceAddress) error {
	s, err := h.slotFor(addr)
	if err != nil {
		return err
	}
	return h.releaseSlot(ctx, s)
}

func (h *HostHAL) releaseSlot(ctx context.Context, s *Slot) error {
	h.mu.Lock()
	if h.pending == s {
		h.pending = nil
	}
	for a, x := range h.devices {
		if x == s {
			delete(h.devices, a)
		}
	}
	if h.byPort[s.Port()] == s {
		delete(h.byPort, s.Port())
	}
	h.mu.Unlock()
	return s.Disable(ctx)
}

// ClaimInterface is a no-op; the controller has no notion of interfaces.
func (h *HostHAL) ClaimInterface(addr hal.DeviceAddress, iface uint8) error {
	_, err := h.slotFor(addr)
	return err
}

// ReleaseInterface is a no-op.
func (h *HostHAL) ReleaseInterface(addr hal.DeviceAddress, iface uint8) error {
	_, err := h.slotFor(addr)
	return err
}

// =============================================================================
// Connection Events
// =============================================================================

// WaitForConnection blocks until a device connects or context is cancelled.
func (h *HostHAL) WaitForConnection(ctx context.Context) (int, error) {
	select {
	case <-ctx.Done():
		return 0, ctx.Err()
	case <-h.context().Done():
		return 0, pkg.ErrCancelled
	case port := <-h.connectCh:
		return port, nil
	}
}

// WaitForDisconnection blocks until a device disconnects or context is cancelled.
func (h *HostHAL) WaitForDisconnection(ctx context.Context) (int, error) {
	select {
	case <-ctx.Done():
		return 0, ctx.Err()
	case <-h.context().Done():
		return 0, pkg.ErrCancelled
	case port := <-h.disconnectCh:
		return port, nil
	}
}

// =============================================================================
// Internal Methods
// =============================================================================

func (h *HostHAL) context() context.Context {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.ctx == nil {
		return context.Background()
	}
	return h.ctx
}

func (h *HostHAL) slotFor(addr hal.DeviceAddress) (*Slot, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	var s *Slot
	if addr == 0 {
		s = h.pending
	} else {
		s = h.devices[addr]
	}
	if s == nil {
		return nil, fmt.Errorf("address %d: %w", addr, pkg.ErrNoDevice)
	}
	return s, nil
}

// portLoop turns port change notifications into connect and disconnect
// events.
func (h *HostHAL) portLoop() {
	defer h.wg.Done()

	events := h.c.PortEvents()
	for {
		select {
		case <-h.ctx.Done():
			return
		case port := <-events:
			h.handlePortChange(port)
		}
	}
}

func (h *HostHAL) handlePortChange(port int) {
	st, err := h.c.AckPortChange(port)
	if err != nil {
		pkg.LogWarn(pkg.ComponentHAL, "port change", "port", port, "error", err)
		return
	}
	if !st.ConnectChange {
		return
	}

	ch := h.disconnectCh
	if st.Connected {
		ch = h.connectCh
		pkg.LogDebug(pkg.ComponentHAL, "device attached", "port", port, "speed", st.Speed)
	} else {
		pkg.LogDebug(pkg.ComponentHAL, "device detached", "port", port)
		// A device that never got an address has no owner to release it.
		h.mu.Lock()
		s := h.pending
		h.mu.Unlock()
		if s != nil && s.Port() == port {
			if err := h.releaseSlot(h.ctx, s); err != nil {
				pkg.LogWarn(pkg.ComponentHAL, "release unaddressed slot", "port", port, "error", err)
			}
		}
	}
	select {
	case ch <- port:
	default:
		pkg.LogWarn(pkg.ComponentHAL, "connection event dropped", "port", port, "connected", st.Connected)
	}
}
