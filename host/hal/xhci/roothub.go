package xhci

import (
	"context"
	"encoding/binary"
	"fmt"

	"github.com/ardnew/softxhci/host/hal"
	"github.com/ardnew/softxhci/pkg"
)

// Hub class requests handled by the virtual root hub.
const (
	hubGetStatus     = 0x00
	hubClearFeature  = 0x01
	hubSetFeature    = 0x03
	hubGetDescriptor = 0x06

	hubTypeHub  = 0x20 // class, device recipient
	hubTypePort = 0x23 // class, other recipient

	hubDescriptorType = 0x29
)

// Port features.
const (
	FeaturePortConnection     = 0
	FeaturePortEnable         = 1
	FeaturePortSuspend        = 2
	FeaturePortOverCurrent    = 3
	FeaturePortReset          = 4
	FeaturePortPower          = 8
	FeatureCPortConnection    = 16
	FeatureCPortEnable        = 17
	FeatureCPortSuspend       = 18
	FeatureCPortOverCurrent   = 19
	FeatureCPortReset         = 20
	featureHubLocalPower      = 0
	featureHubOverCurrent     = 1
	hubCharIndividualPower    = 0x0001
	hubCharNoPowerSwitching   = 0x0002
	hubCharIndividualOverCurr = 0x0008
)

// wPortStatus and wPortChange bits.
const (
	hubPortConnection  = 1 << 0
	hubPortEnable      = 1 << 1
	hubPortSuspend     = 1 << 2
	hubPortOverCurrent = 1 << 3
	hubPortReset       = 1 << 4
	hubPortPower       = 1 << 8
	hubPortLowSpeed    = 1 << 9
	hubPortHighSpeed   = 1 << 10
)

// HubControl answers a hub class request addressed to the root hub, the
// way an external hub would. It returns the number of bytes written to
// data.
func (c *Controller) HubControl(ctx context.Context, setup *hal.SetupPacket, data []byte) (int, error) {
	typ := setup.RequestType & 0x7F
	switch {
	case setup.Request == hubGetDescriptor && setup.IsIn() && typ == hubTypeHub:
		if setup.Value>>8 != hubDescriptorType {
			break
		}
		return copy(data[:min(len(data), int(setup.Length))], c.hubDescriptor()), nil

	case setup.Request == hubGetStatus && setup.IsIn() && typ == hubTypeHub:
		if len(data) < 4 {
			return 0, pkg.ErrBufferTooSmall
		}
		binary.LittleEndian.PutUint32(data, 0)
		return 4, nil

	case setup.Request == hubGetStatus && setup.IsIn() && typ == hubTypePort:
		if len(data) < 4 {
			return 0, pkg.ErrBufferTooSmall
		}
		st, err := c.PortStatus(int(setup.Index))
		if err != nil {
			return 0, err
		}
		status, change := hubPortStatus(st)
		binary.LittleEndian.PutUint16(data, status)
		binary.LittleEndian.PutUint16(data[2:], change)
		return 4, nil

	case (setup.Request == hubSetFeature || setup.Request == hubClearFeature) && typ == hubTypeHub:
		switch setup.Value {
		case featureHubLocalPower, featureHubOverCurrent:
			return 0, nil
		}

	case setup.Request == hubSetFeature && typ == hubTypePort:
		return 0, c.setPortFeature(ctx, int(setup.Index&0xFF), setup.Value)

	case setup.Request == hubClearFeature && typ == hubTypePort:
		return 0, c.clearPortFeature(ctx, int(setup.Index&0xFF), setup.Value)
	}
	return 0, fmt.Errorf("root hub request 0x%02x/0x%02x value 0x%04x: %w",
		setup.RequestType, setup.Request, setup.Value, pkg.ErrInvalidRequest)
}

func hubPortStatus(st hal.PortStatus) (status, change uint16) {
	set := func(v *uint16, bit uint16, on bool) {
		if on {
			*v |= bit
		}
	}
	set(&status, hubPortConnection, st.Connected)
	set(&status, hubPortEnable, st.Enabled)
	set(&status, hubPortSuspend, st.Suspended)
	set(&status, hubPortOverCurrent, st.OverCurrent)
	set(&status, hubPortReset, st.Reset)
	set(&status, hubPortPower, st.PowerOn)
	set(&status, hubPortLowSpeed, st.Speed == hal.SpeedLow)
	set(&status, hubPortHighSpeed, st.Speed == hal.SpeedHigh)

	set(&change, hubPortConnection, st.ConnectChange)
	set(&change, hubPortEnable, st.EnableChange)
	set(&change, hubPortReset, st.ResetChange)
	return status, change
}

func (c *Controller) setPortFeature(ctx context.Context, n int, feature uint16) error {
	switch feature {
	case FeaturePortReset:
		return c.ResetPort(ctx, n)
	case FeaturePortPower:
		return c.SetPortPower(n, true)
	case FeaturePortEnable:
		return c.EnablePort(ctx, n, true)
	}
	return fmt.Errorf("set port feature %d: %w", feature, pkg.ErrInvalidRequest)
}

func (c *Controller) clearPortFeature(ctx context.Context, n int, feature uint16) error {
	if err := c.checkPort(n); err != nil {
		return err
	}
	switch feature {
	case FeaturePortEnable:
		return c.EnablePort(ctx, n, false)
	case FeaturePortPower:
		return c.SetPortPower(n, false)
	case FeatureCPortConnection:
		c.clearPortChange(n, portCSC)
	case FeatureCPortEnable:
		c.clearPortChange(n, portPEC)
	case FeatureCPortOverCurrent:
		c.clearPortChange(n, portOCC)
	case FeatureCPortReset:
		c.clearPortChange(n, portPRC|portWRC)
	case FeatureCPortSuspend:
		c.clearPortChange(n, portPLC)
	default:
		return fmt.Errorf("clear port feature %d: %w", feature, pkg.ErrInvalidRequest)
	}
	return nil
}

// hubDescriptor builds a USB 2.0 hub descriptor for the root hub.
func (c *Controller) hubDescriptor() []byte {
	bitmap := (c.maxPorts + 1 + 7) / 8
	d := make([]byte, 7+2*bitmap)
	d[0] = byte(len(d))
	d[1] = hubDescriptorType
	d[2] = byte(c.maxPorts)
	chars := uint16(hubCharIndividualOverCurr)
	if c.ppc {
		chars |= hubCharIndividualPower
	} else {
		chars |= hubCharNoPowerSwitching
	}
	binary.LittleEndian.PutUint16(d[3:], chars)
	d[5] = 10 // 20 ms power-on to power-good
	d[6] = 0
	// DeviceRemovable is all zero; PortPwrCtrlMask is all ones.
	for i := 7 + bitmap; i < len(d); i++ {
		d[i] = 0xFF
	}
	return d
}
