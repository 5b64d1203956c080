package xhcisim

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ardnew/softxhci/host/hal"
	"github.com/ardnew/softxhci/pkg"
)

const sampleTopology = `
controller:
  usb2_ports: 2
  usb3_ports: 1
  max_slots: 8
devices:
  - port: 2
    speed: full
    product: Keyboard
    mode: source
    endpoints:
      - {address: 0x81, type: interrupt, max_packet_size: 8, interval: 10}
  - speed: super
    endpoints:
      - {address: 0x81, type: bulk, max_burst: 3}
      - {address: 0x01, type: bulk}
`

func TestLoadTopology(t *testing.T) {
	top, err := LoadTopology(strings.NewReader(sampleTopology))
	require.NoError(t, err)

	assert.Equal(t, 2, top.Controller.USB2Ports)
	assert.Equal(t, 1, top.Controller.USB3Ports)
	assert.Equal(t, 8, top.Controller.MaxSlots)
	// Unset fields keep their defaults.
	assert.Equal(t, DefaultOptions().MemorySize, top.Controller.MemorySize)
	assert.Equal(t, DefaultOptions().ResetTicks, top.Controller.ResetTicks)

	require.Len(t, top.Devices, 2)
	kb, err := top.Devices[0].config()
	require.NoError(t, err)
	assert.Equal(t, hal.SpeedFull, kb.Speed)
	assert.Equal(t, ModeSource, kb.Mode)
	assert.Equal(t, []Endpoint{{Address: 0x81, Type: hal.TransferInterrupt, MaxPacketSize: 8, Interval: 10}}, kb.Endpoints)

	ss, err := top.Devices[1].config()
	require.NoError(t, err)
	assert.Equal(t, hal.SpeedSuper, ss.Speed)
	assert.EqualValues(t, 0x1209, ss.VendorID)
	assert.EqualValues(t, 1024, ss.Endpoints[0].MaxPacketSize)
	assert.EqualValues(t, 3, ss.Endpoints[0].MaxBurst)
}

func TestLoadTopology_Empty(t *testing.T) {
	top, err := LoadTopology(strings.NewReader(""))
	require.NoError(t, err)
	assert.Equal(t, DefaultOptions(), top.Controller)
	assert.Empty(t, top.Devices)
}

func TestLoadTopology_Errors(t *testing.T) {
	tests := map[string]string{
		"unknown field":  "controller:\n  turbo: true\n",
		"bad speed":      "devices:\n  - speed: warp\n",
		"bad type":       "devices:\n  - endpoints:\n      - {address: 0x81, type: control}\n",
		"bad address":    "devices:\n  - endpoints:\n      - {address: 0x80, type: bulk}\n",
		"duplicate ep":   "devices:\n  - endpoints:\n      - {address: 0x81, type: bulk}\n      - {address: 0x81, type: bulk}\n",
		"duplicate port": "devices:\n  - port: 1\n  - port: 1\n",
		"bad mode":       "devices:\n  - mode: sink\n",
		"bad options":    "controller:\n  max_slots: 0\n",
	}
	for name, doc := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := LoadTopology(strings.NewReader(doc))
			assert.Error(t, err)
		})
	}
}

func TestLoadTopologyFile(t *testing.T) {
	name := filepath.Join(t.TempDir(), "topology.yaml")
	require.NoError(t, os.WriteFile(name, []byte(sampleTopology), 0o600))
	top, err := LoadTopologyFile(name)
	require.NoError(t, err)
	assert.Len(t, top.Devices, 2)

	_, err = LoadTopologyFile(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestTopology_Build(t *testing.T) {
	top, err := LoadTopology(strings.NewReader(sampleTopology))
	require.NoError(t, err)
	c, gadgets, err := top.Build()
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })

	require.Len(t, gadgets, 2)
	assert.Equal(t, hal.SpeedFull, gadgets[0].Speed())
	assert.NotZero(t, c.PortSC(2)&portCCS)
	assert.Zero(t, c.PortSC(1)&portCCS)
	assert.NotZero(t, c.PortSC(3)&portCCS, "SuperSpeed device takes the USB3 port")
}

func TestTopology_BuildNoFreePort(t *testing.T) {
	top := Topology{
		Controller: DefaultOptions(),
		Devices:    []DeviceSpec{{Speed: "super"}, {Speed: "super"}, {Speed: "super"}},
	}
	_, _, err := top.Build()
	assert.ErrorIs(t, err, pkg.ErrNoResources)
}

func TestTopology_BuildWrongPortKind(t *testing.T) {
	top := Topology{
		Controller: DefaultOptions(),
		Devices:    []DeviceSpec{{Port: 3, Speed: "high"}},
	}
	_, _, err := top.Build()
	assert.ErrorIs(t, err, pkg.ErrNotSupported)
}
