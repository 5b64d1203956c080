package host

import (
	"context"
	"errors"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/ardnew/softxhci/host/hal"
	"github.com/ardnew/softxhci/pkg"
)

// Host manages the USB host controller and connected devices.
type Host struct {
	hal hal.HostHAL

	// Connected devices (indexed by address - 1)
	devices     [MaxDevices]*Device
	deviceCount int

	// Next available address
	nextAddress uint8

	// State
	running bool
	mutex   sync.RWMutex

	// Context for cancellation
	ctx    context.Context
	cancel context.CancelFunc
	group  *errgroup.Group

	// Event channels
	deviceConnected    chan *Device
	deviceDisconnected chan *Device

	// Callbacks
	onDeviceConnect    func(*Device)
	onDeviceDisconnect func(*Device)
}

// New creates a new USB host.
func New(h hal.HostHAL) *Host {
	return &Host{
		hal:                h,
		nextAddress:        1,
		ctx:                context.Background(),
		deviceConnected:    make(chan *Device, MaxDevices),
		deviceDisconnected: make(chan *Device, MaxDevices),
	}
}

// Start initializes the controller and begins watching its ports.
func (h *Host) Start(ctx context.Context) error {
	h.mutex.Lock()
	if h.running {
		h.mutex.Unlock()
		return pkg.ErrAlreadyRunning
	}

	h.ctx, h.cancel = context.WithCancel(ctx)
	h.mutex.Unlock()

	if err := h.hal.Init(h.ctx); err != nil {
		h.cancel()
		return err
	}

	if err := h.hal.Start(); err != nil {
		h.cancel()
		return err
	}

	g, gctx := errgroup.WithContext(h.ctx)
	g.Go(func() error { return h.monitorConnections(gctx) })
	g.Go(func() error { return h.monitorDisconnections(gctx) })

	h.mutex.Lock()
	h.running = true
	h.group = g
	h.mutex.Unlock()

	pkg.LogInfo(pkg.ComponentHost, "host started", "ports", h.hal.NumPorts())
	return nil
}

// Stop halts the controller and detaches every device.
func (h *Host) Stop() error {
	h.mutex.Lock()
	if !h.running {
		h.mutex.Unlock()
		return nil
	}

	h.running = false
	h.cancel()
	g := h.group
	h.group = nil
	h.mutex.Unlock()

	monErr := g.Wait()
	if errors.Is(monErr, context.Canceled) {
		monErr = nil
	}

	h.mutex.Lock()
	for i := range MaxDevices {
		if h.devices[i] != nil {
			h.devices[i].Close()
			h.devices[i] = nil
		}
	}
	h.deviceCount = 0
	h.mutex.Unlock()

	if err := h.hal.Stop(); err != nil {
		return errors.Join(monErr, err)
	}

	pkg.LogInfo(pkg.ComponentHost, "host stopped")
	return monErr
}

// IsRunning returns true if the host is running.
func (h *Host) IsRunning() bool {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return h.running
}

// Devices returns all connected devices.
func (h *Host) Devices() []*Device {
	h.mutex.RLock()
	defer h.mutex.RUnlock()

	result := make([]*Device, 0, h.deviceCount)
	for i := range MaxDevices {
		if h.devices[i] != nil {
			result = append(result, h.devices[i])
		}
	}
	return result
}

// GetDevice returns the device at the given address.
func (h *Host) GetDevice(address uint8) *Device {
	if address == 0 || address > MaxDevices {
		return nil
	}
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return h.devices[address-1]
}

// deviceOnPort returns the enumerated device attached to port.
func (h *Host) deviceOnPort(port int) *Device {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	for _, dev := range h.devices {
		if dev != nil && dev.port == port {
			return dev
		}
	}
	return nil
}

// WaitDevice blocks until a device connects and is enumerated.
func (h *Host) WaitDevice(ctx context.Context) (*Device, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-h.ctx.Done():
		return nil, pkg.ErrCancelled
	case dev := <-h.deviceConnected:
		return dev, nil
	}
}

// WaitDisconnect blocks until an enumerated device is removed.
func (h *Host) WaitDisconnect(ctx context.Context) (*Device, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-h.ctx.Done():
		return nil, pkg.ErrCancelled
	case dev := <-h.deviceDisconnected:
		return dev, nil
	}
}

// SetOnDeviceConnect sets the callback for device connection.
func (h *Host) SetOnDeviceConnect(cb func(*Device)) {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	h.onDeviceConnect = cb
}

// SetOnDeviceDisconnect sets the callback for device disconnection.
func (h *Host) SetOnDeviceDisconnect(cb func(*Device)) {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	h.onDeviceDisconnect = cb
}

// monitorConnections enumerates each device that connects.
func (h *Host) monitorConnections(ctx context.Context) error {
	for {
		port, err := h.hal.WaitForConnection(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, pkg.ErrCancelled) {
				return nil
			}
			pkg.LogWarn(pkg.ComponentHost, "error waiting for connection", "error", err)
			continue
		}

		pkg.LogInfo(pkg.ComponentHost, "device connected", "port", port)

		if old := h.deviceOnPort(port); old != nil {
			h.detach(ctx, old)
		}

		dev, err := h.enumerateDevice(ctx, port)
		if err != nil {
			pkg.LogWarn(pkg.ComponentHost, "enumeration failed",
				"port", port,
				"error", err)
			continue
		}

		h.mutex.Lock()
		h.devices[dev.address-1] = dev
		h.deviceCount++
		cb := h.onDeviceConnect
		h.mutex.Unlock()

		select {
		case h.deviceConnected <- dev:
		default:
		}

		if cb != nil {
			cb(dev)
		}

		pkg.LogInfo(pkg.ComponentHost, "device enumerated",
			"port", port,
			"address", dev.address,
			"speed", dev.speed,
			"vendor", dev.descriptor.VendorID,
			"product", dev.descriptor.ProductID)
	}
}

// monitorDisconnections detaches the device on each port that loses its
// connection.
func (h *Host) monitorDisconnections(ctx context.Context) error {
	for {
		port, err := h.hal.WaitForDisconnection(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, pkg.ErrCancelled) {
				return nil
			}
			pkg.LogWarn(pkg.ComponentHost, "error waiting for disconnection", "error", err)
			continue
		}

		dev := h.deviceOnPort(port)
		if dev == nil {
			pkg.LogDebug(pkg.ComponentHost, "disconnect on port without device", "port", port)
			continue
		}
		h.detach(ctx, dev)
	}
}

// detach removes dev from the bus and frees its controller resources.
func (h *Host) detach(ctx context.Context, dev *Device) {
	h.mutex.Lock()
	if dev.address == 0 || dev.address > MaxDevices || h.devices[dev.address-1] != dev {
		h.mutex.Unlock()
		return
	}
	h.devices[dev.address-1] = nil
	h.deviceCount--
	cb := h.onDeviceDisconnect
	h.mutex.Unlock()

	pkg.LogInfo(pkg.ComponentHost, "device disconnected",
		"port", dev.port,
		"address", dev.address)

	if err := h.hal.ReleaseDevice(ctx, hal.DeviceAddress(dev.address)); err != nil {
		pkg.LogDebug(pkg.ComponentHost, "release device", "address", dev.address, "error", err)
	}
	dev.Close()

	select {
	case h.deviceDisconnected <- dev:
	default:
	}

	if cb != nil {
		cb(dev)
	}
}

// allocateAddress allocates a new device address.
func (h *Host) allocateAddress() uint8 {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	for range MaxDevices {
		addr := h.nextAddress
		h.nextAddress++
		if h.nextAddress > MaxDevices {
			h.nextAddress = 1
		}

		if h.devices[addr-1] == nil {
			return addr
		}
	}
	return 0 // No address available
}

// NumPorts returns the number of root hub ports.
func (h *Host) NumPorts() int {
	return h.hal.NumPorts()
}

// GetPortStatus returns the status of a port.
func (h *Host) GetPortStatus(port int) (hal.PortStatus, error) {
	return h.hal.GetPortStatus(port)
}

// ControlTransfer performs a control transfer to a device at address 0.
// This is used during enumeration before the device has an assigned address.
func (h *Host) ControlTransfer(ctx context.Context, setup *hal.SetupPacket, data []byte) (int, error) {
	return h.hal.ControlTransfer(ctx, hal.DeviceAddress(0), setup, data)
}
