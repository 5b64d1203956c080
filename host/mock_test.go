package host

import (
	"context"
	"sync"

	"github.com/ardnew/softxhci/host/hal"
)

// mockHAL is a scripted hal.HostHAL for exercising the host's bookkeeping
// without a controller. Transfers return canned results and endpoint and
// release calls are recorded.
type mockHAL struct {
	connectCh    chan int
	disconnectCh chan int

	controlResult int
	bulkResult    int
	isoErr        error

	mu       sync.Mutex
	opened   []uint8
	closed   []uint8
	released []hal.DeviceAddress
}

var _ hal.HostHAL = (*mockHAL)(nil)

func newMockHAL() *mockHAL {
	return &mockHAL{
		connectCh:    make(chan int, MaxDevices),
		disconnectCh: make(chan int, MaxDevices),
	}
}

func (m *mockHAL) simulateConnect(port int) { m.connectCh <- port }
func (m *mockHAL) simulateDisconnect(port int) { m.disconnectCh <- port }

func (m *mockHAL) Init(context.Context) error { return nil }
func (m *mockHAL) Start() error { return nil }
func (m *mockHAL) Stop() error { return nil }
func (m *mockHAL) Close() error { return nil }
func (m *mockHAL) NumPorts() int { return 4 }
func (m *mockHAL) GetPortStatus(int) (hal.PortStatus, error) { return hal.PortStatus{}, nil }
func (m *mockHAL) PortSpeed(int) hal.Speed { return hal.SpeedFull }
func (m *mockHAL) ResetPort(int) error { return nil }
func (m *mockHAL) EnablePort(int, bool) error { return nil }
func (m *mockHAL) ClaimInterface(hal.DeviceAddress, uint8) error { return nil }
func (m *mockHAL) ReleaseInterface(hal.DeviceAddress, uint8) error { return nil }

func (m *mockHAL) SetDeviceAddress(context.Context, hal.DeviceAddress) error { return nil }

func (m *mockHAL) ControlTransfer(context.Context, hal.DeviceAddress, *hal.SetupPacket, []byte) (int, error) {
	return m.controlResult, nil
}

func (m *mockHAL) BulkTransfer(context.Context, hal.DeviceAddress, uint8, []byte) (int, error) {
	return m.bulkResult, nil
}

func (m *mockHAL) InterruptTransfer(context.Context, hal.DeviceAddress, uint8, []byte) (int, error) {
	return 0, nil
}

func (m *mockHAL) IsochronousTransfer(context.Context, hal.DeviceAddress, uint8, []byte) (int, error) {
	return 0, m.isoErr
}

func (m *mockHAL) OpenEndpoint(_ context.Context, _ hal.DeviceAddress, ep *hal.EndpointDescriptor) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.opened = append(m.opened, ep.Address)
	return nil
}

func (m *mockHAL) CloseEndpoint(_ context.Context, _ hal.DeviceAddress, endpoint uint8) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = append(m.closed, endpoint)
	return nil
}

func (m *mockHAL) ReleaseDevice(_ context.Context, addr hal.DeviceAddress) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.released = append(m.released, addr)
	return nil
}

func (m *mockHAL) WaitForConnection(ctx context.Context) (int, error) {
	select {
	case <-ctx.Done():
		return 0, ctx.Err()
	case port := <-m.connectCh:
		return port, nil
	}
}

func (m *mockHAL) WaitForDisconnection(ctx context.Context) (int, error) {
	select {
	case <-ctx.Done():
		return 0, ctx.Err()
	case port := <-m.disconnectCh:
		return port, nil
	}
}
