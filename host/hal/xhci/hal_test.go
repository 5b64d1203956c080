package xhci_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ardnew/softxhci/host/hal"
	"github.com/ardnew/softxhci/host/hal/xhci"
	"github.com/ardnew/softxhci/host/hal/xhci/xhcisim"
	"github.com/ardnew/softxhci/pkg"
)

func newHostHAL(t *testing.T, sim *xhcisim.Controller) *xhci.HostHAL {
	t.Helper()
	h, err := xhci.NewHostHAL(sim, testConfig())
	require.NoError(t, err)
	require.NoError(t, h.Init(t.Context()))
	require.NoError(t, h.Start())
	t.Cleanup(func() { h.Close() })
	return h
}

func waitConnect(t *testing.T, h *xhci.HostHAL) int {
	t.Helper()
	ctx, cancel := context.WithTimeout(t.Context(), time.Second)
	defer cancel()
	port, err := h.WaitForConnection(ctx)
	require.NoError(t, err)
	return port
}

// =============================================================================
// HostHAL Tests
// =============================================================================

func TestHostHAL_Lifecycle(t *testing.T) {
	sim := newSim(t)
	h, err := xhci.NewHostHAL(sim, testConfig())
	require.NoError(t, err)

	assert.ErrorIs(t, h.Start(), pkg.ErrNotRunning, "start before init")
	require.NoError(t, h.Init(t.Context()))
	assert.GreaterOrEqual(t, h.Controller().ID(), 0, "init registers the controller")
	require.NoError(t, h.Start())
	assert.ErrorIs(t, h.Start(), pkg.ErrBusy)
	assert.Equal(t, 4, h.NumPorts())

	require.NoError(t, h.Stop())
	require.NoError(t, h.Stop())
	require.NoError(t, h.Close())
	assert.Equal(t, -1, h.Controller().ID())
}

func TestHostHAL_Enumerate(t *testing.T) {
	sim := newSim(t)
	g := xhcisim.NewLoopback(hal.SpeedHigh)
	require.NoError(t, sim.Attach(2, g))
	h := newHostHAL(t, sim)
	ctx := t.Context()

	port := waitConnect(t, h)
	require.Equal(t, 2, port)
	st, err := h.GetPortStatus(port)
	require.NoError(t, err)
	assert.True(t, st.Connected)

	require.NoError(t, h.ResetPort(port))
	assert.Equal(t, hal.SpeedHigh, h.PortSpeed(port))

	// The first eight bytes at address 0, as a host stack reads them.
	desc := make([]byte, 18)
	n, err := h.ControlTransfer(ctx, 0, &hal.SetupPacket{RequestType: 0x80, Request: 0x06, Value: 0x0100, Length: 8}, desc)
	require.NoError(t, err)
	assert.Equal(t, 8, n)
	assert.Equal(t, byte(64), desc[7])

	_, err = h.ControlTransfer(ctx, 0, &hal.SetupPacket{Request: 0x05, Value: 7}, nil)
	require.NoError(t, err)
	assert.NotZero(t, g.Address(), "the controller addressed the device")
	_, err = h.ControlTransfer(ctx, 0, &hal.SetupPacket{RequestType: 0x80, Request: 0x06, Value: 0x0100, Length: 18}, desc)
	assert.ErrorIs(t, err, pkg.ErrNoDevice, "nothing answers at address 0 any more")

	n, err = h.ControlTransfer(ctx, 7, &hal.SetupPacket{RequestType: 0x80, Request: 0x06, Value: 0x0100, Length: 18}, desc)
	require.NoError(t, err)
	assert.Equal(t, 18, n)
	assert.Equal(t, g.DeviceDescriptor(), desc)

	_, err = h.ControlTransfer(ctx, 7, &hal.SetupPacket{Request: 0x09, Value: 1}, nil)
	require.NoError(t, err)
	assert.EqualValues(t, 1, g.Configuration())

	require.NoError(t, h.OpenEndpoint(ctx, 7, &hal.EndpointDescriptor{Address: 0x02, Attributes: 2, MaxPacketSize: 512}))
	require.NoError(t, h.OpenEndpoint(ctx, 7, &hal.EndpointDescriptor{Address: 0x81, Attributes: 2, MaxPacketSize: 512}))
	require.NoError(t, h.ClaimInterface(7, 0))
	require.NoError(t, h.ReleaseInterface(7, 0))

	data := pattern(3000)
	n, err = h.BulkTransfer(ctx, 7, 0x02, data)
	require.NoError(t, err)
	assert.Equal(t, len(data), n)
	buf := make([]byte, 4096)
	n, err = h.BulkTransfer(ctx, 7, 0x81, buf)
	require.NoError(t, err)
	assert.Equal(t, data, buf[:n])

	_, err = h.InterruptTransfer(ctx, 7, 0x81, buf)
	assert.ErrorIs(t, err, pkg.ErrInvalidEndpoint, "wrong transfer type")
	_, err = h.BulkTransfer(ctx, 7, 0x83, buf)
	assert.ErrorIs(t, err, pkg.ErrInvalidEndpoint)
	_, err = h.BulkTransfer(ctx, 9, 0x81, buf)
	assert.ErrorIs(t, err, pkg.ErrNoDevice)

	require.NoError(t, h.CloseEndpoint(ctx, 7, 0x02))
	_, err = h.BulkTransfer(ctx, 7, 0x02, data)
	assert.ErrorIs(t, err, pkg.ErrInvalidEndpoint)

	require.NoError(t, h.ReleaseDevice(ctx, 7))
	_, err = h.ControlTransfer(ctx, 7, &hal.SetupPacket{RequestType: 0x80, Request: 0x08, Length: 1}, buf[:1])
	assert.ErrorIs(t, err, pkg.ErrNoDevice)
}

func TestHostHAL_SetDeviceAddress(t *testing.T) {
	sim := newSim(t)
	require.NoError(t, sim.Attach(1, xhcisim.NewLoopback(hal.SpeedHigh)))
	require.NoError(t, sim.Attach(3, xhcisim.NewLoopback(hal.SpeedSuper)))
	h := newHostHAL(t, sim)
	ctx := t.Context()

	assert.ErrorIs(t, h.SetDeviceAddress(ctx, 1), pkg.ErrNoDevice, "no device at address 0")

	require.NoError(t, h.ResetPort(1))
	assert.ErrorIs(t, h.SetDeviceAddress(ctx, 0), pkg.ErrInvalidParameter)
	require.NoError(t, h.SetDeviceAddress(ctx, 1))

	require.NoError(t, h.ResetPort(3))
	assert.ErrorIs(t, h.SetDeviceAddress(ctx, 1), pkg.ErrBusy, "address taken")
	require.NoError(t, h.SetDeviceAddress(ctx, 2))

	var cfg [1]byte
	for _, addr := range []hal.DeviceAddress{1, 2} {
		_, err := h.ControlTransfer(ctx, addr, &hal.SetupPacket{RequestType: 0x80, Request: 0x08, Length: 1}, cfg[:])
		assert.NoError(t, err, "address %d", addr)
	}
}

func TestHostHAL_ControlStallRecovers(t *testing.T) {
	sim := newSim(t)
	require.NoError(t, sim.Attach(1, xhcisim.NewLoopback(hal.SpeedHigh)))
	h := newHostHAL(t, sim)
	ctx := t.Context()
	require.NoError(t, h.ResetPort(1))
	require.NoError(t, h.SetDeviceAddress(ctx, 5))

	_, err := h.ControlTransfer(ctx, 5, &hal.SetupPacket{RequestType: 0xC0, Request: 0x7E, Length: 4}, make([]byte, 4))
	require.ErrorIs(t, err, pkg.ErrStall)

	// The default pipe is usable again right away.
	var cfg [1]byte
	_, err = h.ControlTransfer(ctx, 5, &hal.SetupPacket{RequestType: 0x80, Request: 0x08, Length: 1}, cfg[:])
	assert.NoError(t, err)
}

func TestHostHAL_Deconfigure(t *testing.T) {
	sim := newSim(t)
	require.NoError(t, sim.Attach(1, xhcisim.NewLoopback(hal.SpeedHigh)))
	h := newHostHAL(t, sim)
	ctx := t.Context()
	require.NoError(t, h.ResetPort(1))
	require.NoError(t, h.SetDeviceAddress(ctx, 3))
	_, err := h.ControlTransfer(ctx, 3, &hal.SetupPacket{Request: 0x09, Value: 1}, nil)
	require.NoError(t, err)
	require.NoError(t, h.OpenEndpoint(ctx, 3, &hal.EndpointDescriptor{Address: 0x81, Attributes: 2, MaxPacketSize: 512}))

	// SET_CONFIGURATION(0) drops the endpoints with the configuration.
	_, err = h.ControlTransfer(ctx, 3, &hal.SetupPacket{Request: 0x09, Value: 0}, nil)
	require.NoError(t, err)
	_, err = h.BulkTransfer(ctx, 3, 0x81, make([]byte, 8))
	assert.ErrorIs(t, err, pkg.ErrInvalidEndpoint)
}

func TestHostHAL_Disconnect(t *testing.T) {
	sim := newSim(t)
	h := newHostHAL(t, sim)

	require.NoError(t, sim.Attach(1, xhcisim.NewLoopback(hal.SpeedHigh)))
	port := waitConnect(t, h)
	require.Equal(t, 1, port)
	require.NoError(t, h.ResetPort(port))

	require.NoError(t, sim.Detach(1))
	ctx, cancel := context.WithTimeout(t.Context(), time.Second)
	defer cancel()
	port, err := h.WaitForDisconnection(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, port)

	// The unaddressed slot went with the device.
	assert.Eventually(t, func() bool {
		return h.SetDeviceAddress(t.Context(), 4) != nil
	}, time.Second, 5*time.Millisecond)
}

func TestHostHAL_WaitCancelled(t *testing.T) {
	sim := newSim(t)
	h := newHostHAL(t, sim)

	ctx, cancel := context.WithTimeout(t.Context(), 20*time.Millisecond)
	defer cancel()
	_, err := h.WaitForConnection(ctx)
	assert.Error(t, err)

	require.NoError(t, h.Stop())
	_, err = h.WaitForDisconnection(t.Context())
	assert.ErrorIs(t, err, pkg.ErrCancelled)
}

func TestHostHAL_PortReplug(t *testing.T) {
	sim := newSim(t)
	require.NoError(t, sim.Attach(1, xhcisim.NewLoopback(hal.SpeedHigh)))
	h := newHostHAL(t, sim)
	require.NoError(t, h.ResetPort(1))
	require.NoError(t, h.SetDeviceAddress(t.Context(), 1))

	// Resetting the port again drops the old slot and its address.
	require.NoError(t, h.ResetPort(1))
	var cfg [1]byte
	_, err := h.ControlTransfer(t.Context(), 1, &hal.SetupPacket{RequestType: 0x80, Request: 0x08, Length: 1}, cfg[:])
	assert.ErrorIs(t, err, pkg.ErrNoDevice)
	require.NoError(t, h.SetDeviceAddress(t.Context(), 1))
}
