package xhci

import (
	"context"
	"fmt"
	"time"

	"github.com/ardnew/softxhci/host/hal"
	"github.com/ardnew/softxhci/pkg"
)

type portState uint8

const (
	portDisconnected portState = iota
	portResetting
	portEnabled
)

func (s portState) String() string {
	switch s {
	case portResetting:
		return "resetting"
	case portEnabled:
		return "enabled"
	default:
		return "disconnected"
	}
}

// port is the driver's view of one root hub port.
type port struct {
	num   int
	proto *protocol
	state portState
	speed hal.Speed
	psiv  uint8
}

func (c *Controller) checkPort(n int) error {
	if n < 1 || n > c.maxPorts {
		return fmt.Errorf("port %d: %w", n, pkg.ErrInvalidParameter)
	}
	return nil
}

// NumPorts returns the number of root hub ports.
func (c *Controller) NumPorts() int { return c.maxPorts }

// PortEvents delivers the number of each port whose connect status
// changed. The receiver acknowledges the change with AckPortChange.
func (c *Controller) PortEvents() <-chan int { return c.portEvents }

// portsc decodes a PORTSC value.
func (c *Controller) decodePortStatus(n int, sc uint32) hal.PortStatus {
	pls := (sc & portPLSMask) >> portPLSShift
	st := hal.PortStatus{
		Connected:     sc&portCCS != 0,
		Enabled:       sc&portPED != 0,
		Suspended:     pls == linkU3,
		OverCurrent:   sc&portOCA != 0,
		Reset:         sc&portPR != 0,
		PowerOn:       sc&portPP != 0,
		LinkState:     uint8(pls),
		ConnectChange: sc&portCSC != 0,
		EnableChange:  sc&portPEC != 0,
		ResetChange:   sc&(portPRC|portWRC) != 0,
	}
	if st.Connected {
		st.Speed = c.protocolFor(n).speedFor(uint8((sc & portSpeedMask) >> portSpeedShift))
	}
	return st
}

// PortStatus returns the live status of port n (1-based).
func (c *Controller) PortStatus(n int) (hal.PortStatus, error) {
	if err := c.checkPort(n); err != nil {
		return hal.PortStatus{}, err
	}
	return c.decodePortStatus(n, c.portRead(n)), nil
}

// PortSpeed returns the negotiated speed of the device on port n.
func (c *Controller) PortSpeed(n int) hal.Speed {
	if c.checkPort(n) != nil {
		return hal.SpeedUnknown
	}
	sc := c.portRead(n)
	if sc&portCCS == 0 {
		return hal.SpeedUnknown
	}
	return c.protocolFor(n).speedFor(uint8((sc & portSpeedMask) >> portSpeedShift))
}

// writePort writes PORTSC with the preserved bits of the current value
// plus set. Only bits named in set are written as 1 among the RW1C and
// RW1S bits.
func (c *Controller) writePort(n int, sc, set uint32) {
	c.portWrite(n, sc&portPreserve|set)
}

// AckPortChange clears every change bit of port n and returns the status
// read before clearing.
func (c *Controller) AckPortChange(n int) (hal.PortStatus, error) {
	if err := c.checkPort(n); err != nil {
		return hal.PortStatus{}, err
	}
	sc := c.portRead(n)
	// PRC belongs to ResetPort, which is polling for it.
	if ch := sc & portChangeMask &^ portPRC; ch != 0 {
		c.writePort(n, sc, ch)
	}
	st := c.decodePortStatus(n, sc)
	if !st.Connected {
		c.mu.Lock()
		c.ports[n-1].state = portDisconnected
		c.ports[n-1].speed = hal.SpeedUnknown
		c.mu.Unlock()
	}
	return st, nil
}

// clearPortChange acknowledges the given change bits.
func (c *Controller) clearPortChange(n int, bits uint32) {
	sc := c.portRead(n)
	c.writePort(n, sc, sc&bits&portChangeMask)
}

// ResetPort brings the device on port n to the Default state.
//
// A USB3 port whose link trained to U0 is already enabled. A USB2 port
// waiting in Polling is reset and polled until it is enabled or the device
// disconnects.
func (c *Controller) ResetPort(ctx context.Context, n int) error {
	if err := c.checkPort(n); err != nil {
		return err
	}
	sc := c.portRead(n)
	if sc&portCCS == 0 {
		return fmt.Errorf("port %d: %w", n, pkg.ErrNoDevice)
	}

	pls := (sc & portPLSMask) >> portPLSShift
	switch {
	case pls == linkU0 && sc&portPED != 0:
		pkg.LogDebug(pkg.ComponentPort, "port already enabled", "port", n)
	case pls == linkPolling || pls == linkU0:
		if err := c.resetPort(ctx, n, sc); err != nil {
			c.setPortState(n, portDisconnected, hal.SpeedUnknown, 0)
			return err
		}
	default:
		return fmt.Errorf("port %d in link state %s: %w", n, linkStateName(pls), ErrPortState)
	}

	sc = c.portRead(n)
	psiv := uint8((sc & portSpeedMask) >> portSpeedShift)
	speed := c.protocolFor(n).speedFor(psiv)
	c.setPortState(n, portEnabled, speed, psiv)
	pkg.LogInfo(pkg.ComponentPort, "port enabled", "port", n, "speed", speed)
	return nil
}

func (c *Controller) resetPort(ctx context.Context, n int, sc uint32) error {
	c.setPortState(n, portResetting, hal.SpeedUnknown, 0)
	pkg.LogDebug(pkg.ComponentPort, "resetting port", "port", n)
	c.writePort(n, sc, portPR)

	var gone bool
	err := waitFor(ctx, c.cfg.PortResetTimeout, fmt.Sprintf("port %d reset", n), func() bool {
		sc := c.portRead(n)
		if sc&portCCS == 0 {
			gone = true
			return true
		}
		return sc&portPED != 0 && sc&portPR == 0
	})
	if gone {
		return fmt.Errorf("port %d reset: %w", n, ErrDisconnected)
	}
	if err != nil {
		return err
	}
	c.clearPortChange(n, portPRC|portWRC)
	// Give the device its reset recovery time.
	time.Sleep(10 * time.Millisecond)
	return nil
}

func (c *Controller) setPortState(n int, s portState, speed hal.Speed, psiv uint8) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p := &c.ports[n-1]
	p.state, p.speed, p.psiv = s, speed, psiv
}

// portInfo returns a copy of the driver's view of port n.
func (c *Controller) portInfo(n int) port {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ports[n-1]
}

// EnablePort disables port n, or makes sure it is enabled. xHCI ports are
// only enabled by a reset.
func (c *Controller) EnablePort(ctx context.Context, n int, enable bool) error {
	if err := c.checkPort(n); err != nil {
		return err
	}
	sc := c.portRead(n)
	if enable {
		if sc&portPED != 0 {
			return nil
		}
		return c.ResetPort(ctx, n)
	}
	if sc&portPED != 0 {
		c.writePort(n, sc, portPED)
	}
	c.setPortState(n, portDisconnected, hal.SpeedUnknown, 0)
	return nil
}

// SetPortPower switches power to port n. Without port power control
// (HCCPARAMS1.PPC clear) ports are always powered.
func (c *Controller) SetPortPower(n int, on bool) error {
	if err := c.checkPort(n); err != nil {
		return err
	}
	if !c.ppc {
		if on {
			return nil
		}
		return fmt.Errorf("port %d power off: %w", n, ErrUnsupported)
	}
	sc := c.portRead(n)
	if on {
		c.writePort(n, sc, portPP)
	} else {
		c.portWrite(n, sc&portPreserve&^portPP)
	}
	return nil
}
