package xhcisim

import (
	"fmt"

	"github.com/ardnew/softxhci/host/hal"
	"github.com/ardnew/softxhci/host/hal/xhci"
	"github.com/ardnew/softxhci/pkg"
)

// simPort is one root hub port. sc holds PORTSC as software reads it.
type simPort struct {
	num        int
	usb3       bool
	sc         uint32
	dev        Device
	resetTicks int // ticks left in a port reset
	stuck      bool
}

func psivFor(s hal.Speed) uint32 {
	switch s {
	case hal.SpeedLow:
		return psivLow
	case hal.SpeedFull:
		return psivFull
	case hal.SpeedHigh:
		return psivHigh
	default:
		return psivSuper
	}
}

func withLink(sc, pls uint32) uint32 {
	return sc&^portPLSMask | pls<<portPLSShift
}

// connect reflects an attached device in PORTSC. USB3 links train
// straight to U0 and enable the port; USB2 ports wait in Polling for a
// reset.
func (p *simPort) connect() {
	sc := p.sc&^(portSpeedMask|portPED|portPR) | portCCS | portCSC | psivFor(p.dev.Speed())<<portSpeedShift
	if p.usb3 {
		sc = withLink(sc|portPED, linkU0)
	} else {
		sc = withLink(sc, linkPolling)
	}
	p.sc = sc
}

func (p *simPort) disconnect() {
	sc := p.sc &^ (portCCS | portPED | portPR | portSpeedMask)
	p.sc = withLink(sc|portCSC, linkRxDetect)
	p.resetTicks = 0
}

func (c *Controller) portChanged(p *simPort) {
	c.usbsts |= stsPCD
	c.post(xhci.NewPortStatusChangeEvent(p.num))
}

func (c *Controller) writePort(p *simPort, v uint32) {
	old := p.sc
	p.sc &^= v & portChange
	p.sc = p.sc&^portRWS | v&portRWS

	if c.opts.PortPowerControl {
		switch {
		case v&portPP == 0 && old&portPP != 0:
			p.sc = 0
			p.resetTicks = 0
			pkg.LogDebug(pkg.ComponentSim, "port powered off", "port", p.num)
			return
		case v&portPP != 0 && old&portPP == 0:
			p.sc |= portPP
			if p.dev != nil {
				p.connect()
				c.portChanged(p)
			}
			return
		}
	}
	if old&portPP == 0 {
		return
	}

	if v&portPED != 0 && old&portPED != 0 {
		p.sc &^= portPED
		if !p.usb3 {
			p.sc = withLink(p.sc, linkDisabled)
		}
	}
	if v&portPR != 0 && old&portCCS != 0 && old&portPR == 0 {
		p.sc = p.sc&^portPED | portPR
		p.resetTicks = max(c.opts.ResetTicks, 1)
		c.stats.PortResets++
		pkg.LogDebug(pkg.ComponentSim, "port reset started", "port", p.num)
	}
	if v&portLWS != 0 {
		if pls := (v & portPLSMask) >> portPLSShift; pls == linkU0 || pls == 3 {
			p.sc = withLink(p.sc, pls)
		}
	}
}

// portTick advances a port reset. The caller holds c.mu.
func (c *Controller) portTick(p *simPort) {
	if p.resetTicks == 0 || p.stuck {
		return
	}
	p.resetTicks--
	if p.resetTicks > 0 {
		return
	}
	if p.dev == nil {
		p.sc &^= portPR
		return
	}
	p.sc = withLink(p.sc&^portPR|portPED|portPRC, linkU0)
	pkg.LogDebug(pkg.ComponentSim, "port reset complete", "port", p.num)
	c.portChanged(p)
}

func (c *Controller) port(n int) (*simPort, error) {
	if n < 1 || n > len(c.ports) {
		return nil, fmt.Errorf("xhcisim: port %d: %w", n, pkg.ErrInvalidParameter)
	}
	return c.ports[n-1], nil
}

// Attach connects dev to root hub port n. SuperSpeed devices go on USB3
// ports and everything else on USB2 ports.
func (c *Controller) Attach(n int, dev Device) error {
	if dev == nil {
		return fmt.Errorf("xhcisim: nil device: %w", pkg.ErrInvalidParameter)
	}
	c.mu.Lock()
	defer c.signal()
	defer c.mu.Unlock()
	p, err := c.port(n)
	if err != nil {
		return err
	}
	if p.dev != nil {
		return fmt.Errorf("xhcisim: port %d occupied: %w", n, pkg.ErrBusy)
	}
	if (dev.Speed() == hal.SpeedSuper) != p.usb3 {
		return fmt.Errorf("xhcisim: %s device on port %d: %w", dev.Speed(), n, pkg.ErrNotSupported)
	}
	p.dev = dev
	if p.sc&portPP != 0 {
		p.connect()
		c.portChanged(p)
	}
	pkg.LogDebug(pkg.ComponentSim, "device attached", "port", n, "speed", dev.Speed())
	return nil
}

// Detach disconnects whatever device is on port n. Slots bound to it fail
// their transfers from now on.
func (c *Controller) Detach(n int) error {
	c.mu.Lock()
	defer c.signal()
	defer c.mu.Unlock()
	p, err := c.port(n)
	if err != nil {
		return err
	}
	if p.dev == nil {
		return fmt.Errorf("xhcisim: port %d: %w", n, pkg.ErrNoDevice)
	}
	for _, s := range c.slots {
		if s != nil && s.dev == p.dev {
			s.dev = nil
		}
	}
	p.dev = nil
	if p.sc&portPP != 0 {
		p.disconnect()
		c.portChanged(p)
	}
	pkg.LogDebug(pkg.ComponentSim, "device detached", "port", n)
	return nil
}

// FreePort returns the first empty port suitable for a device of speed s,
// or 0.
func (c *Controller) FreePort(s hal.Speed) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, p := range c.ports {
		if p.dev == nil && p.usb3 == (s == hal.SpeedSuper) {
			return p.num
		}
	}
	return 0
}

// DeviceAt returns the device attached to port n, or nil.
func (c *Controller) DeviceAt(n int) Device {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, err := c.port(n)
	if err != nil {
		return nil
	}
	return p.dev
}

// PortSC returns the raw PORTSC value of port n.
func (c *Controller) PortSC(n int) uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, err := c.port(n)
	if err != nil {
		return 0
	}
	return p.sc
}
