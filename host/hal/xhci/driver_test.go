package xhci_test

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ardnew/softxhci/host/hal"
	"github.com/ardnew/softxhci/host/hal/xhci"
	"github.com/ardnew/softxhci/host/hal/xhci/xhcisim"
	"github.com/ardnew/softxhci/pkg"
)

// =============================================================================
// Helpers
// =============================================================================

func testConfig() xhci.Config {
	cfg := xhci.DefaultConfig()
	cfg.CommandTimeout = time.Second
	cfg.TransferTimeout = time.Second
	return cfg
}

func newSim(t *testing.T) *xhcisim.Controller {
	t.Helper()
	sim, err := xhcisim.New(xhcisim.DefaultOptions())
	require.NoError(t, err)
	t.Cleanup(func() { sim.Close() })
	return sim
}

// startController brings up a driver on p and returns it running.
func startController(t *testing.T, p xhci.Platform, cfg xhci.Config) *xhci.Controller {
	t.Helper()
	c, err := xhci.New(p, cfg)
	require.NoError(t, err)
	require.NoError(t, c.Init(t.Context()))
	require.NoError(t, c.Start())
	t.Cleanup(func() { c.Close() })
	return c
}

// addressed resets port and returns an addressed slot for its device.
func addressed(t *testing.T, c *xhci.Controller, port int) *xhci.Slot {
	t.Helper()
	ctx := t.Context()
	require.NoError(t, c.ResetPort(ctx, port))
	s, err := c.EnableSlot(ctx, port)
	require.NoError(t, err)
	require.NoError(t, s.Address(ctx, false))
	return s
}

// configured addresses the device on port, selects its configuration and
// opens its bulk pipes.
func configured(t *testing.T, c *xhci.Controller, port int, mps uint16) (s *xhci.Slot, in, out *xhci.Pipe) {
	t.Helper()
	ctx := t.Context()
	s = addressed(t, c, port)
	_, err := s.ControlPipe().Control(ctx, hal.SetupPacket{Request: 0x09, Value: 1}, nil)
	require.NoError(t, err)

	in, err = s.OpenPipe(ctx, &hal.EndpointDescriptor{Address: 0x81, Attributes: 2, MaxPacketSize: mps})
	require.NoError(t, err)
	out, err = s.OpenPipe(ctx, &hal.EndpointDescriptor{Address: 0x02, Attributes: 2, MaxPacketSize: mps})
	require.NoError(t, err)
	return s, in, out
}

func pattern(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i*7 + 3)
	}
	return b
}

// =============================================================================
// Lifecycle Tests
// =============================================================================

func TestController_Lifecycle(t *testing.T) {
	sim := newSim(t)
	c, err := xhci.New(sim, testConfig())
	require.NoError(t, err)
	defer c.Close()

	assert.ErrorIs(t, c.NoOp(t.Context()), pkg.ErrNotRunning, "commands need a running controller")

	require.NoError(t, c.Init(t.Context()))
	assert.ErrorIs(t, c.Init(t.Context()), pkg.ErrInvalidState)
	assert.Equal(t, 16, c.MaxSlots())
	assert.Equal(t, 4, c.NumPorts())
	assert.NotZero(t, c.Version())

	require.NoError(t, c.Start())
	assert.ErrorIs(t, c.Start(), pkg.ErrAlreadyRunning)
	require.NoError(t, c.NoOp(t.Context()))

	require.NoError(t, c.Stop())
	require.NoError(t, c.Stop(), "stopping twice is harmless")
	assert.ErrorIs(t, c.NoOp(t.Context()), pkg.ErrNotRunning)

	require.NoError(t, c.Start())
	require.NoError(t, c.NoOp(t.Context()))

	require.NoError(t, c.Close())
	require.NoError(t, c.Close())
	assert.ErrorIs(t, c.Start(), pkg.ErrInvalidState)
}

func TestController_MaxSlotsCap(t *testing.T) {
	sim := newSim(t)
	cfg := testConfig()
	cfg.MaxSlots = 2
	c := startController(t, sim, cfg)
	assert.Equal(t, 2, c.MaxSlots())

	require.NoError(t, sim.Attach(3, xhcisim.NewLoopback(hal.SpeedSuper)))
	require.NoError(t, c.ResetPort(t.Context(), 3))
	for range 2 {
		_, err := c.EnableSlot(t.Context(), 3)
		require.NoError(t, err)
	}
	_, err := c.EnableSlot(t.Context(), 3)
	assert.ErrorIs(t, err, pkg.ErrNoResources)
}

func TestController_BIOSHandoff(t *testing.T) {
	opts := xhcisim.DefaultOptions()
	opts.BIOSOwned = true
	sim, err := xhcisim.New(opts)
	require.NoError(t, err)
	defer sim.Close()

	c := startController(t, sim, testConfig())
	require.NoError(t, c.NoOp(t.Context()))
}

func TestController_UnresponsiveFirmware(t *testing.T) {
	opts := xhcisim.DefaultOptions()
	opts.BIOSOwned = true
	opts.UnresponsiveFirmware = true
	sim, err := xhcisim.New(opts)
	require.NoError(t, err)
	defer sim.Close()

	cfg := testConfig()
	cfg.HandoffTimeout = 20 * time.Millisecond
	c, err := xhci.New(sim, cfg)
	require.NoError(t, err)
	defer c.Close()

	// Ownership is taken anyway once firmware has had its chance.
	require.NoError(t, c.Init(t.Context()))
	require.NoError(t, c.Start())
	require.NoError(t, c.NoOp(t.Context()))
}

func TestController_NilPlatform(t *testing.T) {
	_, err := xhci.New(nil, xhci.DefaultConfig())
	assert.ErrorIs(t, err, pkg.ErrInvalidParameter)

	cfg := xhci.DefaultConfig()
	cfg.EventRingSize = 3
	_, err = xhci.New(newSim(t), cfg)
	assert.ErrorIs(t, err, pkg.ErrInvalidParameter)
}

// =============================================================================
// Command Tests
// =============================================================================

func TestController_CommandTimeout(t *testing.T) {
	sim := newSim(t)
	cfg := testConfig()
	cfg.CommandTimeout = 50 * time.Millisecond
	c := startController(t, sim, cfg)

	sim.HangCommands(1)
	err := c.NoOp(t.Context())
	require.ErrorIs(t, err, xhci.ErrCommandTimeout)
	assert.Equal(t, 1, sim.Stats().Aborts)

	// The ring was resynchronized; later commands complete normally.
	for range 3 {
		require.NoError(t, c.NoOp(t.Context()))
	}
}

func TestController_CommandCancelled(t *testing.T) {
	sim := newSim(t)
	c := startController(t, sim, testConfig())

	sim.HangCommands(1)
	ctx, cancel := context.WithCancel(t.Context())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	err := c.NoOp(ctx)
	assert.ErrorIs(t, err, xhci.ErrCommandTimeout)
	assert.ErrorIs(t, err, context.Canceled)
	require.NoError(t, c.NoOp(t.Context()))
}

func TestController_CommandFailure(t *testing.T) {
	sim := newSim(t)
	c := startController(t, sim, testConfig())
	require.NoError(t, sim.Attach(1, xhcisim.NewLoopback(hal.SpeedHigh)))
	require.NoError(t, c.ResetPort(t.Context(), 1))

	sim.FailCommand(xhci.TRBEnableSlot, xhci.CodeNoSlots)
	_, err := c.EnableSlot(t.Context(), 1)
	require.Error(t, err)
	var ce *xhci.CommandError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, xhci.CodeNoSlots, ce.Code)
	assert.Equal(t, xhci.TRBEnableSlot, ce.Command)
	assert.ErrorIs(t, err, pkg.ErrNoResources)

	// Only the queued failure is injected.
	_, err = c.EnableSlot(t.Context(), 1)
	assert.NoError(t, err)
}

func TestController_EventRingWrap(t *testing.T) {
	sim := newSim(t)
	cfg := testConfig()
	cfg.EventRingSize = 16
	cfg.CommandRingSize = 16
	c := startController(t, sim, cfg)

	// Several laps around both rings.
	for i := range 100 {
		require.NoError(t, c.NoOp(t.Context()), "command %d", i)
	}
	assert.Zero(t, sim.Stats().DroppedEvents)
}

// =============================================================================
// Port Tests
// =============================================================================

func TestController_ResetPortUSB2(t *testing.T) {
	sim := newSim(t)
	c := startController(t, sim, testConfig())

	assert.ErrorIs(t, c.ResetPort(t.Context(), 1), pkg.ErrNoDevice)
	assert.ErrorIs(t, c.ResetPort(t.Context(), 0), pkg.ErrInvalidParameter)
	assert.ErrorIs(t, c.ResetPort(t.Context(), 5), pkg.ErrInvalidParameter)

	require.NoError(t, sim.Attach(1, xhcisim.NewLoopback(hal.SpeedFull)))
	st, err := c.PortStatus(1)
	require.NoError(t, err)
	assert.True(t, st.Connected)
	assert.False(t, st.Enabled, "USB2 ports wait for a reset")

	require.NoError(t, c.ResetPort(t.Context(), 1))
	st, err = c.PortStatus(1)
	require.NoError(t, err)
	assert.True(t, st.Enabled)
	assert.Equal(t, hal.SpeedFull, c.PortSpeed(1))
	assert.Equal(t, 1, sim.Stats().PortResets)
}

func TestController_ResetPortUSB3(t *testing.T) {
	sim := newSim(t)
	c := startController(t, sim, testConfig())
	require.NoError(t, sim.Attach(3, xhcisim.NewLoopback(hal.SpeedSuper)))

	require.NoError(t, c.ResetPort(t.Context(), 3))
	assert.Equal(t, hal.SpeedSuper, c.PortSpeed(3))
	assert.Zero(t, sim.Stats().PortResets, "a trained USB3 link needs no reset")
}

func TestController_StuckPortReset(t *testing.T) {
	sim := newSim(t)
	cfg := testConfig()
	cfg.PortResetTimeout = 30 * time.Millisecond
	c := startController(t, sim, cfg)
	require.NoError(t, sim.Attach(2, xhcisim.NewLoopback(hal.SpeedHigh)))
	require.NoError(t, sim.StickPortReset(2, true))

	err := c.ResetPort(t.Context(), 2)
	assert.ErrorIs(t, err, xhci.ErrHardwareTimeout)
	assert.Equal(t, hal.SpeedUnknown, c.PortSpeed(2))

	_, err = c.EnableSlot(t.Context(), 2)
	assert.ErrorIs(t, err, pkg.ErrInvalidState, "no slot without an enabled port")
}

func TestController_PortEvents(t *testing.T) {
	sim := newSim(t)
	c := startController(t, sim, testConfig())

	require.NoError(t, sim.Attach(2, xhcisim.NewLoopback(hal.SpeedHigh)))
	select {
	case port := <-c.PortEvents():
		assert.Equal(t, 2, port)
	case <-time.After(time.Second):
		t.Fatal("no port event after attach")
	}
	st, err := c.AckPortChange(2)
	require.NoError(t, err)
	assert.True(t, st.Connected)
	assert.True(t, st.ConnectChange)

	st, err = c.PortStatus(2)
	require.NoError(t, err)
	assert.False(t, st.ConnectChange, "acknowledged")

	require.NoError(t, sim.Detach(2))
	select {
	case port := <-c.PortEvents():
		assert.Equal(t, 2, port)
	case <-time.After(time.Second):
		t.Fatal("no port event after detach")
	}
	st, err = c.AckPortChange(2)
	require.NoError(t, err)
	assert.False(t, st.Connected)
}

func TestController_PreattachedDevice(t *testing.T) {
	sim := newSim(t)
	require.NoError(t, sim.Attach(4, xhcisim.NewLoopback(hal.SpeedSuper)))
	c := startController(t, sim, testConfig())

	select {
	case port := <-c.PortEvents():
		assert.Equal(t, 4, port)
	case <-time.After(time.Second):
		t.Fatal("device attached before Start was not reported")
	}
}

func TestController_EnablePort(t *testing.T) {
	sim := newSim(t)
	c := startController(t, sim, testConfig())
	require.NoError(t, sim.Attach(1, xhcisim.NewLoopback(hal.SpeedHigh)))

	require.NoError(t, c.EnablePort(t.Context(), 1, true), "enabling resets the port")
	st, _ := c.PortStatus(1)
	assert.True(t, st.Enabled)

	require.NoError(t, c.EnablePort(t.Context(), 1, false))
	st, _ = c.PortStatus(1)
	assert.False(t, st.Enabled)
	assert.True(t, st.Connected)
}

func TestController_PortPower(t *testing.T) {
	sim := newSim(t)
	c := startController(t, sim, testConfig())
	assert.ErrorIs(t, c.SetPortPower(1, false), pkg.ErrNotSupported)
	assert.NoError(t, c.SetPortPower(1, true))

	opts := xhcisim.DefaultOptions()
	opts.PortPowerControl = true
	psim, err := xhcisim.New(opts)
	require.NoError(t, err)
	defer psim.Close()
	pc := startController(t, psim, testConfig())

	st, err := pc.PortStatus(1)
	require.NoError(t, err)
	assert.True(t, st.PowerOn, "Start powers every port")
	require.NoError(t, pc.SetPortPower(1, false))
	st, _ = pc.PortStatus(1)
	assert.False(t, st.PowerOn)
}

// =============================================================================
// Root Hub Tests
// =============================================================================

func TestController_HubControl(t *testing.T) {
	sim := newSim(t)
	c := startController(t, sim, testConfig())
	require.NoError(t, sim.Attach(1, xhcisim.NewLoopback(hal.SpeedHigh)))
	ctx := t.Context()

	buf := make([]byte, 16)
	n, err := c.HubControl(ctx, &hal.SetupPacket{RequestType: 0xA0, Request: 0x06, Value: 0x2900, Length: 16}, buf)
	require.NoError(t, err)
	assert.Equal(t, 9, n)
	assert.Equal(t, byte(0x29), buf[1])
	assert.Equal(t, byte(4), buf[2])

	portStatus := func() (uint16, uint16) {
		b := make([]byte, 4)
		n, err := c.HubControl(ctx, &hal.SetupPacket{RequestType: 0xA3, Request: 0x00, Index: 1, Length: 4}, b)
		require.NoError(t, err)
		require.Equal(t, 4, n)
		return uint16(b[0]) | uint16(b[1])<<8, uint16(b[2]) | uint16(b[3])<<8
	}
	status, change := portStatus()
	assert.Equal(t, uint16(0x0001), status&0x0003, "connected, not enabled")
	assert.Equal(t, uint16(0x0001), change&0x0001)

	_, err = c.HubControl(ctx, &hal.SetupPacket{RequestType: 0x23, Request: 0x01, Value: xhci.FeatureCPortConnection, Index: 1}, nil)
	require.NoError(t, err)
	_, err = c.HubControl(ctx, &hal.SetupPacket{RequestType: 0x23, Request: 0x03, Value: xhci.FeaturePortReset, Index: 1}, nil)
	require.NoError(t, err)

	status, change = portStatus()
	assert.Equal(t, uint16(0x0003), status&0x0003)
	assert.NotZero(t, status&0x0400, "high speed")
	assert.Zero(t, change&0x0001)

	_, err = c.HubControl(ctx, &hal.SetupPacket{RequestType: 0x23, Request: 0x03, Value: 0x7F, Index: 1}, nil)
	assert.ErrorIs(t, err, pkg.ErrInvalidRequest)
	_, err = c.HubControl(ctx, &hal.SetupPacket{RequestType: 0xA3, Request: 0x00, Index: 1, Length: 4}, make([]byte, 2))
	assert.ErrorIs(t, err, pkg.ErrBufferTooSmall)
}

// =============================================================================
// Slot Tests
// =============================================================================

func TestSlot_Enumerate(t *testing.T) {
	sim := newSim(t)
	c := startController(t, sim, testConfig())
	g := xhcisim.NewLoopback(hal.SpeedHigh)
	require.NoError(t, sim.Attach(1, g))
	ctx := t.Context()

	require.NoError(t, c.ResetPort(ctx, 1))
	s, err := c.EnableSlot(ctx, 1)
	require.NoError(t, err)
	assert.Same(t, s, c.Slot(s.ID()))
	assert.Equal(t, 1, s.Port())
	assert.Equal(t, hal.SpeedHigh, s.Speed())
	assert.Equal(t, 64, s.ControlPipe().MaxPacketSize())

	// Block SET_ADDRESS so the descriptor can be read at address 0.
	require.NoError(t, s.Address(ctx, true))
	assert.Equal(t, xhci.SlotStateDefault, s.State())
	assert.Zero(t, g.Address())
	assert.Zero(t, s.DeviceAddress())

	desc := make([]byte, 18)
	n, err := s.ControlPipe().Control(ctx, hal.SetupPacket{RequestType: 0x80, Request: 0x06, Value: 0x0100, Length: 18}, desc)
	require.NoError(t, err)
	assert.Equal(t, 18, n)
	assert.Equal(t, g.DeviceDescriptor(), desc)

	require.NoError(t, s.Address(ctx, false))
	assert.Equal(t, xhci.SlotStateAddressed, s.State())
	assert.Equal(t, s.ID(), s.DeviceAddress(), "the controller picks the address")
	assert.Equal(t, s.ID(), g.Address())
	assert.ErrorIs(t, s.Address(ctx, false), pkg.ErrInvalidState)
}

func TestSlot_SuperSpeedControl(t *testing.T) {
	sim := newSim(t)
	c := startController(t, sim, testConfig())
	require.NoError(t, sim.Attach(3, xhcisim.NewLoopback(hal.SpeedSuper)))

	s := addressed(t, c, 3)
	assert.Equal(t, 512, s.ControlPipe().MaxPacketSize())

	// Ask for more than the device has: the data stage ends short.
	buf := make([]byte, 255)
	n, err := s.ControlPipe().Control(t.Context(), hal.SetupPacket{RequestType: 0x80, Request: 0x06, Value: 0x0100, Length: 255}, buf)
	require.NoError(t, err)
	assert.Equal(t, 18, n)
	assert.Equal(t, byte(9), buf[7], "SuperSpeed bMaxPacketSize0 is an exponent")
}

func TestSlot_SetMaxPacketSize0(t *testing.T) {
	sim := newSim(t)
	c := startController(t, sim, testConfig())
	require.NoError(t, sim.Attach(1, xhcisim.NewLoopback(hal.SpeedFull)))
	s := addressed(t, c, 1)
	assert.Equal(t, 8, s.ControlPipe().MaxPacketSize())

	require.NoError(t, s.SetMaxPacketSize0(t.Context(), 64))
	assert.Equal(t, 64, s.ControlPipe().MaxPacketSize())
	assert.EqualValues(t, 64, s.EndpointContext(1).MaxPacketSize)
	assert.ErrorIs(t, s.SetMaxPacketSize0(t.Context(), 0), pkg.ErrInvalidParameter)

	desc := make([]byte, 18)
	_, err := s.ControlPipe().Control(t.Context(), hal.SetupPacket{RequestType: 0x80, Request: 0x06, Value: 0x0100, Length: 18}, desc)
	require.NoError(t, err)
}

func TestSlot_Disable(t *testing.T) {
	sim := newSim(t)
	c := startController(t, sim, testConfig())
	require.NoError(t, sim.Attach(1, xhcisim.NewLoopback(hal.SpeedHigh)))
	require.NoError(t, c.ResetPort(t.Context(), 1))

	for i := range 5 {
		s, err := c.EnableSlot(t.Context(), 1)
		require.NoError(t, err, "cycle %d", i)
		require.NoError(t, s.Address(t.Context(), false))
		id := s.ID()
		require.NoError(t, s.Disable(t.Context()))
		assert.Nil(t, c.Slot(id))

		assert.ErrorIs(t, s.Disable(t.Context()), pkg.ErrInvalidState, "disabling twice")
		assert.ErrorIs(t, s.Address(t.Context(), false), pkg.ErrInvalidState)
		_, err = s.OpenPipe(t.Context(), &hal.EndpointDescriptor{Address: 0x81, Attributes: 2, MaxPacketSize: 512})
		assert.ErrorIs(t, err, pkg.ErrInvalidState)
	}
}

func TestSlot_DisableRefused(t *testing.T) {
	sim := newSim(t)
	c := startController(t, sim, testConfig())
	require.NoError(t, sim.Attach(1, xhcisim.NewLoopback(hal.SpeedHigh)))
	s := addressed(t, c, 1)

	id := s.ID()
	entry := dcbaaEntry(t, sim, id)
	require.NotZero(t, entry)
	inUse := sim.Memory().Stats().InUse

	sim.FailCommand(xhci.TRBDisableSlot, xhci.CodeSlotNotEnabled)
	err := s.Disable(t.Context())
	assert.ErrorIs(t, err, pkg.ErrInvalidState)
	assert.Same(t, s, c.Slot(id), "a refused slot stays registered")
	assert.Equal(t, entry, dcbaaEntry(t, sim, id), "DCBAA entry kept")
	assert.Equal(t, inUse, sim.Memory().Stats().InUse, "nothing freed")

	require.NoError(t, s.Disable(t.Context()), "retry once the controller accepts")
	assert.Nil(t, c.Slot(id))
	assert.Zero(t, dcbaaEntry(t, sim, id))
	assert.Less(t, sim.Memory().Stats().InUse, inUse)
	assert.ErrorIs(t, s.Disable(t.Context()), pkg.ErrInvalidState)
}

// dcbaaEntry reads the device context pointer the controller sees for slot.
func dcbaaEntry(t *testing.T, sim *xhcisim.Controller, slot uint8) uint64 {
	t.Helper()
	op := sim.Read32(0) & 0xFF
	base := uint64(sim.Read32(op+0x30)) | uint64(sim.Read32(op+0x34))<<32
	buf, err := sim.Memory().View(base+uint64(slot)*8, 8)
	require.NoError(t, err)
	return buf.Load64(0)
}

func TestSlot_Reset(t *testing.T) {
	sim := newSim(t)
	c := startController(t, sim, testConfig())
	require.NoError(t, sim.Attach(1, xhcisim.NewLoopback(hal.SpeedHigh)))
	s, _, _ := configured(t, c, 1, 512)
	assert.Equal(t, xhci.SlotStateConfigured, s.State())

	require.NoError(t, s.Reset(t.Context()))
	assert.Equal(t, xhci.SlotStateDefault, s.State())
	assert.Zero(t, s.DeviceAddress())
	assert.Nil(t, s.Pipe(0x81, hal.TransferBulk))
}

// =============================================================================
// Endpoint Tests
// =============================================================================

func TestSlot_OpenPipe(t *testing.T) {
	sim := newSim(t)
	c := startController(t, sim, testConfig())
	require.NoError(t, sim.Attach(1, xhcisim.NewLoopback(hal.SpeedHigh)))
	s, in, out := configured(t, c, 1, 512)
	ctx := t.Context()

	assert.Equal(t, uint8(3), in.DCI())
	assert.Equal(t, uint8(4), out.DCI())
	assert.Equal(t, xhci.EndpointTypeBulkIn, in.Type())
	assert.Same(t, in, s.Pipe(0x81, hal.TransferBulk))
	assert.Same(t, s, in.Slot())
	assert.Equal(t, xhci.EndpointRunning, in.State())
	assert.Equal(t, xhci.SlotStateConfigured, s.State())
	assert.EqualValues(t, 4, s.Context().ContextEntries)

	_, err := s.OpenPipe(ctx, &hal.EndpointDescriptor{Address: 0x81, Attributes: 2, MaxPacketSize: 512})
	assert.ErrorIs(t, err, pkg.ErrBusy)
	_, err = s.OpenPipe(ctx, &hal.EndpointDescriptor{Address: 0x00, Attributes: 0, MaxPacketSize: 64})
	assert.ErrorIs(t, err, pkg.ErrInvalidEndpoint)
	_, err = s.OpenPipe(ctx, &hal.EndpointDescriptor{Address: 0x83, Attributes: 3})
	assert.ErrorIs(t, err, pkg.ErrInvalidEndpoint)

	assert.ErrorIs(t, s.ControlPipe().Close(ctx), pkg.ErrInvalidEndpoint)
	require.NoError(t, in.Close(ctx))
	assert.Nil(t, s.Pipe(0x81, hal.TransferBulk))
	assert.ErrorIs(t, in.Close(ctx), pkg.ErrInvalidEndpoint)

	_, err = in.Transfer(ctx, &xhci.Request{Data: make([]byte, 8)})
	assert.ErrorIs(t, err, pkg.ErrInvalidState, "closed pipe")

	in, err = s.OpenPipe(ctx, &hal.EndpointDescriptor{Address: 0x81, Attributes: 2, MaxPacketSize: 512})
	require.NoError(t, err)
	assert.Equal(t, xhci.EndpointRunning, in.State())
}

func TestSlot_OpenPipeNotRunning(t *testing.T) {
	sim := newSim(t)
	c := startController(t, sim, testConfig())
	require.NoError(t, sim.Attach(1, xhcisim.NewLoopback(hal.SpeedHigh)))
	s := addressed(t, c, 1)

	sim.StopNewEndpoints()
	_, err := s.OpenPipe(t.Context(), &hal.EndpointDescriptor{Address: 0x81, Attributes: 2, MaxPacketSize: 512})
	assert.ErrorIs(t, err, pkg.ErrInvalidState)
	assert.Nil(t, s.Pipe(0x81, hal.TransferBulk))
	assert.Equal(t, xhci.SlotStateAddressed, s.State(), "the endpoint was dropped again")

	_, err = s.OpenPipe(t.Context(), &hal.EndpointDescriptor{Address: 0x81, Attributes: 2, MaxPacketSize: 512})
	assert.NoError(t, err)
}

func TestSlot_OpenPipeRejected(t *testing.T) {
	sim := newSim(t)
	c := startController(t, sim, testConfig())
	require.NoError(t, sim.Attach(1, xhcisim.NewLoopback(hal.SpeedHigh)))
	s := addressed(t, c, 1)

	sim.FailCommand(xhci.TRBConfigureEndpoint, xhci.CodeBandwidth)
	_, err := s.OpenPipe(t.Context(), &hal.EndpointDescriptor{Address: 0x81, Attributes: 2, MaxPacketSize: 512})
	assert.ErrorIs(t, err, pkg.ErrBandwidth)
	assert.Nil(t, s.Pipe(0x81, hal.TransferBulk))
}

func TestSlot_Deconfigure(t *testing.T) {
	sim := newSim(t)
	c := startController(t, sim, testConfig())
	require.NoError(t, sim.Attach(1, xhcisim.NewLoopback(hal.SpeedHigh)))
	s, in, _ := configured(t, c, 1, 512)

	require.NoError(t, s.Deconfigure(t.Context()))
	assert.Equal(t, xhci.SlotStateAddressed, s.State())
	assert.Nil(t, s.Pipe(0x81, hal.TransferBulk))
	assert.Nil(t, s.Pipe(0x02, hal.TransferBulk))
	_, err := in.Transfer(t.Context(), &xhci.Request{Data: make([]byte, 8)})
	assert.ErrorIs(t, err, pkg.ErrInvalidState)

	// The control pipe survives.
	var cfg [1]byte
	_, err = s.ControlPipe().Control(t.Context(), hal.SetupPacket{RequestType: 0x80, Request: 0x08, Length: 1}, cfg[:])
	assert.NoError(t, err)
}

// =============================================================================
// Transfer Tests
// =============================================================================

func TestPipe_BulkLoopback(t *testing.T) {
	sim := newSim(t)
	c := startController(t, sim, testConfig())
	g := xhcisim.NewLoopback(hal.SpeedHigh)
	require.NoError(t, sim.Attach(1, g))
	_, in, out := configured(t, c, 1, 512)
	ctx := t.Context()

	for _, size := range []int{1, 511, 512, 4096, 20000} {
		data := pattern(size)
		n, err := out.Transfer(ctx, &xhci.Request{Data: data})
		require.NoError(t, err, "out %d", size)
		assert.Equal(t, size, n)

		buf := make([]byte, size+100)
		n, err = in.Transfer(ctx, &xhci.Request{Data: buf})
		require.NoError(t, err, "in %d", size)
		assert.Equal(t, size, n, "short packet ends the transfer")
		assert.True(t, bytes.Equal(data, buf[:n]))
	}
	assert.Equal(t, 1+511+512+4096+20000, g.Received())
}

func TestPipe_LargeTransfer(t *testing.T) {
	sim := newSim(t)
	c := startController(t, sim, testConfig())
	g := xhcisim.NewGadget(xhcisim.GadgetConfig{
		Speed: hal.SpeedSuper,
		Mode:  xhcisim.ModeSource,
		Endpoints: []xhcisim.Endpoint{
			{Address: 0x81, Type: hal.TransferBulk, MaxPacketSize: 1024},
			{Address: 0x02, Type: hal.TransferBulk, MaxPacketSize: 1024},
		},
	})
	require.NoError(t, sim.Attach(3, g))
	_, in, out := configured(t, c, 3, 1024)

	// A full bounce buffer spans more than one TRB.
	buf := make([]byte, c.Config().MaxTransferSize)
	n, err := in.Transfer(t.Context(), &xhci.Request{Data: buf})
	require.NoError(t, err)
	assert.Equal(t, len(buf), n)
	for i := range 1000 {
		require.Equal(t, byte(i), buf[i])
	}

	_, err = out.Transfer(t.Context(), &xhci.Request{Data: make([]byte, len(buf)+1)})
	assert.ErrorIs(t, err, pkg.ErrInvalidParameter)
}

func TestPipe_ZeroLength(t *testing.T) {
	sim := newSim(t)
	c := startController(t, sim, testConfig())
	g := xhcisim.NewLoopback(hal.SpeedHigh)
	require.NoError(t, sim.Attach(1, g))
	_, _, out := configured(t, c, 1, 512)

	n, err := out.Transfer(t.Context(), &xhci.Request{})
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Zero(t, g.Received())
}

func TestPipe_ControlRequests(t *testing.T) {
	sim := newSim(t)
	c := startController(t, sim, testConfig())
	require.NoError(t, sim.Attach(1, xhcisim.NewLoopback(hal.SpeedHigh)))
	s := addressed(t, c, 1)
	ep0 := s.ControlPipe()
	ctx := t.Context()

	payload := []byte("vendor echo payload")
	n, err := ep0.Control(ctx, hal.SetupPacket{RequestType: 0x40, Request: xhcisim.VendorEcho, Length: uint16(len(payload))}, payload)
	require.NoError(t, err)
	assert.Equal(t, len(payload), n)

	buf := make([]byte, 64)
	n, err = ep0.Control(ctx, hal.SetupPacket{RequestType: 0xC0, Request: xhcisim.VendorEcho, Length: 64}, buf)
	require.NoError(t, err)
	assert.Equal(t, payload, buf[:n])

	_, err = ep0.Transfer(ctx, &xhci.Request{Data: buf})
	assert.ErrorIs(t, err, pkg.ErrInvalidRequest, "control request needs a setup packet")
	_, err = ep0.Transfer(ctx, &xhci.Request{Setup: &hal.SetupPacket{RequestType: 0x80, Request: 0x06, Length: 4}, Data: buf})
	assert.ErrorIs(t, err, pkg.ErrInvalidParameter, "data stage longer than wLength")
}

func TestPipe_ControlStall(t *testing.T) {
	sim := newSim(t)
	c := startController(t, sim, testConfig())
	require.NoError(t, sim.Attach(1, xhcisim.NewLoopback(hal.SpeedHigh)))
	s := addressed(t, c, 1)
	ep0 := s.ControlPipe()
	ctx := t.Context()

	// An unknown request stalls the control endpoint.
	_, err := ep0.Control(ctx, hal.SetupPacket{RequestType: 0xC0, Request: 0x7E, Length: 4}, make([]byte, 4))
	require.ErrorIs(t, err, pkg.ErrStall)
	var te *xhci.TransferError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, xhci.CodeStall, te.Code)
	assert.True(t, ep0.Halted())
	assert.Equal(t, xhci.EndpointHalted, ep0.State())

	_, err = ep0.Control(ctx, hal.SetupPacket{RequestType: 0x80, Request: 0x06, Value: 0x0100, Length: 18}, make([]byte, 18))
	assert.ErrorIs(t, err, pkg.ErrStall, "halted until recovered")

	require.NoError(t, ep0.Recover(ctx))
	assert.False(t, ep0.Halted())
	n, err := ep0.Control(ctx, hal.SetupPacket{RequestType: 0x80, Request: 0x06, Value: 0x0100, Length: 18}, make([]byte, 18))
	require.NoError(t, err)
	assert.Equal(t, 18, n)
}

func TestPipe_BulkStallRecover(t *testing.T) {
	sim := newSim(t)
	c := startController(t, sim, testConfig())
	g := xhcisim.NewLoopback(hal.SpeedHigh)
	require.NoError(t, sim.Attach(1, g))
	s, in, out := configured(t, c, 1, 512)
	ctx := t.Context()

	g.Stall(0x81)
	_, err := in.Transfer(ctx, &xhci.Request{Data: make([]byte, 512)})
	require.ErrorIs(t, err, pkg.ErrStall)
	assert.True(t, in.Halted())
	assert.Equal(t, xhci.EndpointHalted, in.State())

	// The other direction is unaffected.
	_, err = out.Transfer(ctx, &xhci.Request{Data: pattern(100)})
	require.NoError(t, err)

	require.NoError(t, in.Recover(ctx))
	assert.Equal(t, xhci.EndpointStopped, in.State())
	_, err = s.ControlPipe().Control(ctx, hal.SetupPacket{RequestType: 0x02, Request: 0x01, Index: 0x81}, nil)
	require.NoError(t, err)
	assert.False(t, g.Halted(0x81))

	buf := make([]byte, 512)
	n, err := in.Transfer(ctx, &xhci.Request{Data: buf})
	require.NoError(t, err)
	assert.Equal(t, pattern(100), buf[:n])
	assert.Equal(t, xhci.EndpointRunning, in.State())
}

func TestPipe_RecoverRunning(t *testing.T) {
	sim := newSim(t)
	c := startController(t, sim, testConfig())
	require.NoError(t, sim.Attach(1, xhcisim.NewLoopback(hal.SpeedHigh)))
	_, in, _ := configured(t, c, 1, 512)

	require.NoError(t, in.Recover(t.Context()))
	assert.Equal(t, xhci.EndpointStopped, in.State())
	require.NoError(t, in.Recover(t.Context()), "a stopped endpoint only moves its dequeue pointer")
}

func TestPipe_TransferTimeout(t *testing.T) {
	sim := newSim(t)
	c := startController(t, sim, testConfig())
	g := xhcisim.NewLoopback(hal.SpeedHigh)
	require.NoError(t, sim.Attach(1, g))
	_, in, _ := configured(t, c, 1, 512)

	// Nothing queued: the device NAKs until the deadline.
	ctx, cancel := context.WithTimeout(t.Context(), 30*time.Millisecond)
	defer cancel()
	_, err := in.Transfer(ctx, &xhci.Request{Data: make([]byte, 512)})
	require.ErrorIs(t, err, pkg.ErrTimeout)
	assert.NotZero(t, sim.Stats().NAKs)
	assert.Equal(t, xhci.EndpointStopped, in.State(), "the abandoned TD was skipped")

	g.Queue([]byte("late data"))
	buf := make([]byte, 512)
	n, err := in.Transfer(t.Context(), &xhci.Request{Data: buf})
	require.NoError(t, err)
	assert.Equal(t, "late data", string(buf[:n]))
}

func TestPipe_TransferCancelled(t *testing.T) {
	sim := newSim(t)
	c := startController(t, sim, testConfig())
	require.NoError(t, sim.Attach(1, xhcisim.NewLoopback(hal.SpeedHigh)))
	_, in, _ := configured(t, c, 1, 512)

	ctx, cancel := context.WithCancel(t.Context())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	_, err := in.Transfer(ctx, &xhci.Request{Data: make([]byte, 512)})
	assert.ErrorIs(t, err, pkg.ErrCancelled)
}

func TestPipe_SubmitAsync(t *testing.T) {
	sim := newSim(t)
	c := startController(t, sim, testConfig())
	g := xhcisim.NewLoopback(hal.SpeedHigh)
	require.NoError(t, sim.Attach(1, g))
	_, in, _ := configured(t, c, 1, 512)

	done := make(chan *xhci.Request, 1)
	req := &xhci.Request{
		Data:     make([]byte, 512),
		Callback: func(r *xhci.Request) { done <- r },
	}
	require.NoError(t, in.Submit(req))
	assert.ErrorIs(t, in.Submit(&xhci.Request{Data: make([]byte, 8)}), pkg.ErrBusy, "one request per pipe")

	select {
	case <-req.Done():
		t.Fatal("completed before the device had data")
	case <-time.After(20 * time.Millisecond):
	}

	g.Queue([]byte{1, 2, 3, 4, 5})
	select {
	case r := <-done:
		assert.Same(t, req, r)
		require.NoError(t, r.Err)
		assert.Equal(t, 5, r.Actual)
		assert.Equal(t, []byte{1, 2, 3, 4, 5}, r.Data[:5])
	case <-time.After(time.Second):
		t.Fatal("callback not called")
	}
}

func TestPipe_SubmitBlocking(t *testing.T) {
	sim := newSim(t)
	c := startController(t, sim, testConfig())
	g := xhcisim.NewLoopback(hal.SpeedHigh)
	require.NoError(t, sim.Attach(1, g))
	_, in, _ := configured(t, c, 1, 512)

	var called int
	req := &xhci.Request{
		Data:     make([]byte, 512),
		Timeout:  30 * time.Millisecond,
		Callback: func(*xhci.Request) { called++ },
	}
	err := in.Submit(req)
	require.ErrorIs(t, err, pkg.ErrTimeout)
	assert.ErrorIs(t, req.Err, pkg.ErrTimeout)
	assert.Equal(t, 1, called, "the callback runs once")

	g.Queue([]byte("ok"))
	req = &xhci.Request{Data: make([]byte, 512), Timeout: time.Second}
	require.NoError(t, in.Submit(req))
	assert.Equal(t, 2, req.Actual)
}

func TestPipe_CloseCancelsPending(t *testing.T) {
	sim := newSim(t)
	c := startController(t, sim, testConfig())
	require.NoError(t, sim.Attach(1, xhcisim.NewLoopback(hal.SpeedHigh)))
	_, in, _ := configured(t, c, 1, 512)

	req := &xhci.Request{Data: make([]byte, 512)}
	require.NoError(t, in.Submit(req))
	require.NoError(t, in.Close(t.Context()))
	select {
	case <-req.Done():
		assert.ErrorIs(t, req.Err, pkg.ErrCancelled)
	case <-time.After(time.Second):
		t.Fatal("pending request survived close")
	}
}

func TestPipe_InterruptEndpoint(t *testing.T) {
	sim := newSim(t)
	c := startController(t, sim, testConfig())
	g := xhcisim.NewGadget(xhcisim.GadgetConfig{
		Speed: hal.SpeedFull,
		Mode:  xhcisim.ModeSource,
		Endpoints: []xhcisim.Endpoint{
			{Address: 0x83, Type: hal.TransferInterrupt, MaxPacketSize: 8, Interval: 10},
		},
	})
	require.NoError(t, sim.Attach(2, g))
	s := addressed(t, c, 2)
	_, err := s.ControlPipe().Control(t.Context(), hal.SetupPacket{Request: 0x09, Value: 1}, nil)
	require.NoError(t, err)

	p, err := s.OpenPipe(t.Context(), &hal.EndpointDescriptor{Address: 0x83, Attributes: 3, MaxPacketSize: 8, Interval: 10})
	require.NoError(t, err)
	ep := s.EndpointContext(p.DCI())
	assert.Equal(t, xhci.EndpointTypeIntIn, ep.Type)
	assert.EqualValues(t, 6, ep.Interval)

	buf := make([]byte, 8)
	n, err := p.Transfer(t.Context(), &xhci.Request{Data: buf})
	require.NoError(t, err)
	assert.Equal(t, 8, n)
}

func TestPipe_IsochMissedService(t *testing.T) {
	sim := newSim(t)
	c := startController(t, sim, testConfig())
	g := xhcisim.NewGadget(xhcisim.GadgetConfig{
		Speed: hal.SpeedHigh,
		Endpoints: []xhcisim.Endpoint{
			{Address: 0x81, Type: hal.TransferIsochronous, MaxPacketSize: 1024, Interval: 1},
		},
	})
	require.NoError(t, sim.Attach(1, g))
	s := addressed(t, c, 1)
	_, err := s.ControlPipe().Control(t.Context(), hal.SetupPacket{Request: 0x09, Value: 1}, nil)
	require.NoError(t, err)

	p, err := s.OpenPipe(t.Context(), &hal.EndpointDescriptor{Address: 0x81, Attributes: 1, MaxPacketSize: 1024, Interval: 1})
	require.NoError(t, err)
	assert.Zero(t, s.EndpointContext(p.DCI()).ErrorCount)

	// An empty loopback queue costs the interval, not the endpoint.
	_, err = p.Transfer(t.Context(), &xhci.Request{Data: make([]byte, 1024)})
	assert.ErrorIs(t, err, pkg.ErrFrameOverrun)
	assert.False(t, p.Halted())
	assert.Equal(t, xhci.EndpointRunning, p.State())
}

// =============================================================================
// Platform Tests
// =============================================================================

func TestController_NonCoherent(t *testing.T) {
	sim := newSim(t)
	nc := sim.NonCoherent()
	c := startController(t, nc, testConfig())
	require.NoError(t, sim.Attach(1, xhcisim.NewLoopback(hal.SpeedHigh)))

	flushes := nc.Flushes()
	assert.NotZero(t, flushes, "init publishes its structures")
	require.NoError(t, c.NoOp(t.Context()))
	assert.Greater(t, nc.Flushes(), flushes)
	assert.NotZero(t, nc.Invalidates(), "events are read after invalidation")

	_, in, out := configured(t, c, 1, 512)
	_, err := out.Transfer(t.Context(), &xhci.Request{Data: pattern(64)})
	require.NoError(t, err)
	inv := nc.Invalidates()
	buf := make([]byte, 64)
	_, err = in.Transfer(t.Context(), &xhci.Request{Data: buf})
	require.NoError(t, err)
	assert.Greater(t, nc.Invalidates(), inv)
	assert.Equal(t, pattern(64), buf)
}

func TestArena(t *testing.T) {
	sim := newSim(t)
	c := startController(t, sim, testConfig())

	id, err := xhci.Register(c)
	require.NoError(t, err)
	defer xhci.Unregister(c)
	assert.Equal(t, id, c.ID())
	assert.Same(t, c, xhci.Lookup(id))
	again, err := xhci.Register(c)
	require.NoError(t, err)
	assert.Equal(t, id, again)

	// The arena handler services the registered controller.
	xhci.Interrupt(id)()
	xhci.Interrupt(xhci.MaxControllers)()
	assert.Nil(t, xhci.Lookup(-1))
	assert.Nil(t, xhci.Lookup(xhci.MaxControllers))

	xhci.Unregister(c)
	assert.Nil(t, xhci.Lookup(id))
	assert.Equal(t, -1, c.ID())
}

func TestArena_Full(t *testing.T) {
	sim := newSim(t)
	var ctrls []*xhci.Controller
	defer func() {
		for _, c := range ctrls {
			xhci.Unregister(c)
		}
	}()
	for {
		c, err := xhci.New(sim, testConfig())
		require.NoError(t, err)
		if _, err := xhci.Register(c); err != nil {
			assert.ErrorIs(t, err, pkg.ErrNoResources)
			break
		}
		ctrls = append(ctrls, c)
		require.LessOrEqual(t, len(ctrls), xhci.MaxControllers)
	}
	assert.Len(t, ctrls, xhci.MaxControllers)
}

func TestController_RegisteredInterrupt(t *testing.T) {
	sim := newSim(t)
	c, err := xhci.New(sim, testConfig())
	require.NoError(t, err)
	defer c.Close()
	require.NoError(t, c.Init(t.Context()))
	_, err = xhci.Register(c)
	require.NoError(t, err)
	require.NoError(t, c.Start())

	// Completions arrive through the arena handler.
	require.NoError(t, c.NoOp(t.Context()))
	require.NoError(t, c.Close())
	assert.Equal(t, -1, c.ID(), "close unregisters")
}

func TestController_CloseReleasesSlots(t *testing.T) {
	sim := newSim(t)
	c, err := xhci.New(sim, testConfig())
	require.NoError(t, err)
	require.NoError(t, c.Init(t.Context()))
	require.NoError(t, c.Start())
	require.NoError(t, sim.Attach(1, xhcisim.NewLoopback(hal.SpeedHigh)))
	s, in, _ := configured(t, c, 1, 512)

	req := &xhci.Request{Data: make([]byte, 512)}
	require.NoError(t, in.Submit(req))
	require.NoError(t, c.Close())
	<-req.Done()
	assert.ErrorIs(t, req.Err, pkg.ErrCancelled)
	assert.Nil(t, c.Slot(s.ID()))

	_, err = s.OpenPipe(context.Background(), &hal.EndpointDescriptor{Address: 0x02, Attributes: 2, MaxPacketSize: 512})
	assert.True(t, errors.Is(err, pkg.ErrNotRunning) || errors.Is(err, pkg.ErrInvalidState))
}
