package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/alecthomas/kong"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ardnew/softxhci/host/hal"
	"github.com/ardnew/softxhci/host/hal/xhci"
	"github.com/ardnew/softxhci/host/hal/xhci/xhcisim"
)

func parse(t *testing.T, args []string, opts ...kong.Option) (*CLI, *kong.Context) {
	t.Helper()
	var cli CLI
	opts = append([]kong.Option{kong.Name("xhcictl"), kong.Exit(func(int) { t.Fatal("exit") })}, opts...)
	parser, err := kong.New(&cli, opts...)
	require.NoError(t, err)
	ctx, err := parser.Parse(args)
	require.NoError(t, err)
	return &cli, ctx
}

// =============================================================================
// Parse Tests
// =============================================================================

func TestCLI_SimulateFlags(t *testing.T) {
	cli, ctx := parse(t, []string{
		"simulate",
		"--timeout=2s",
		"--no-exercise",
		"--xhci.command-timeout=250ms",
		"--xhci.event-ring-size=64",
	})
	assert.Equal(t, "simulate", ctx.Command())
	assert.Equal(t, 2*time.Second, cli.Simulate.Timeout)
	assert.False(t, cli.Simulate.Exercise)
	assert.Equal(t, 250*time.Millisecond, cli.Simulate.Driver.CommandTimeout)
	assert.Equal(t, 64, cli.Simulate.Driver.EventRingSize)

	// Unset driver flags take the driver defaults.
	def := xhci.DefaultConfig()
	assert.Equal(t, def.TransferRingSize, cli.Simulate.Driver.TransferRingSize)
	assert.Equal(t, def.MaxTransferSize, cli.Simulate.Driver.MaxTransferSize)
	assert.Equal(t, def.InterruptModeration, cli.Simulate.Driver.InterruptModeration)
	assert.Equal(t, "warn", cli.Log.Level)
}

func TestCLI_ProbeFlags(t *testing.T) {
	cli, ctx := parse(t, []string{
		"--log.level=debug",
		"--log.format=json",
		"probe",
		"--uio.address=0000:00:14.0",
		"--uio.huge-pages=8",
		"--enumerate=3s",
	})
	assert.Equal(t, "probe", ctx.Command())
	assert.Equal(t, "debug", cli.Log.Level)
	assert.Equal(t, "json", cli.Log.Format)
	assert.Equal(t, "0000:00:14.0", cli.Probe.UIO.Address)
	assert.Equal(t, 8, cli.Probe.UIO.HugePages)
	assert.Equal(t, 3*time.Second, cli.Probe.Enumerate)
	assert.Equal(t, "/sys", cli.Probe.UIO.SysfsRoot)
}

func TestCLI_ConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"log.level": "trace"}`), 0o644))

	cli, _ := parse(t, []string{"scan"}, kong.Configuration(kong.JSON, path))
	assert.Equal(t, "trace", cli.Log.Level)

	cli, _ = parse(t, []string{"--log.level=error", "scan"}, kong.Configuration(kong.JSON, path))
	assert.Equal(t, "error", cli.Log.Level, "flags override the file")

	cli, _ = parse(t, []string{"--config", path, "scan"})
	assert.Equal(t, "trace", cli.Log.Level)
}

func TestLog_Setup(t *testing.T) {
	_, err := Log{Level: "loud"}.Setup()
	assert.Error(t, err)

	file := filepath.Join(t.TempDir(), "xhcictl.log")
	closeLog, err := Log{Level: "warn", Format: "text", File: file}.Setup()
	require.NoError(t, err)
	closeLog()
	assert.FileExists(t, file)

	closeLog, err = Log{Level: "warn", Format: "text"}.Setup()
	require.NoError(t, err)
	closeLog()
}

func TestConfigPaths(t *testing.T) {
	assert.Equal(t, []string{
		"~/.config/xhcictl/config.yaml",
		"~/.config/xhcictl/config.yml",
	}, configPaths("yaml", "yml"))
}

// =============================================================================
// Command Tests
// =============================================================================

func TestSimulate_Default(t *testing.T) {
	cmd := SimulateCmd{
		Timeout:  2 * time.Second,
		Exercise: true,
		Payload:  2048,
		Driver:   xhci.DefaultConfig(),
	}
	var out bytes.Buffer
	require.NoError(t, cmd.Run(t.Context(), &out, loadNames(false)))

	s := out.String()
	assert.Contains(t, s, "Loopback")
	assert.Contains(t, s, "1209:0001")
	assert.Contains(t, s, "loopback")
	assert.Contains(t, s, "4096") // both directions
	assert.Contains(t, s, "commands=")
}

func TestSimulate_Topology(t *testing.T) {
	topo := `
controller:
  usb2_ports: 1
  usb3_ports: 1
devices:
  - speed: high
    product: Echo
    endpoints:
      - {address: 0x81, type: bulk}
      - {address: 0x02, type: bulk}
  - speed: super
    product: Counter
    mode: source
    endpoints:
      - {address: 0x83, type: bulk, max_burst: 2}
`
	path := filepath.Join(t.TempDir(), "topology.yaml")
	require.NoError(t, os.WriteFile(path, []byte(topo), 0o644))

	cmd := SimulateCmd{
		Topology: path,
		Timeout:  2 * time.Second,
		Exercise: true,
		Payload:  1000,
		Driver:   xhci.DefaultConfig(),
	}
	var out bytes.Buffer
	require.NoError(t, cmd.Run(t.Context(), &out, loadNames(false)))

	s := out.String()
	assert.Contains(t, s, "Echo")
	assert.Contains(t, s, "Counter")
	assert.Contains(t, s, "source")
	assert.Contains(t, s, "4096", "four max packets from the source")
}

func TestSimulate_NoExercise(t *testing.T) {
	cmd := SimulateCmd{Timeout: 2 * time.Second, Driver: xhci.DefaultConfig()}
	var out bytes.Buffer
	require.NoError(t, cmd.Run(t.Context(), &out, loadNames(false)))
	assert.Contains(t, out.String(), "Loopback")
	assert.NotContains(t, out.String(), "loopback")
}

func TestSimulate_BadTopology(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("devices:\n  - speed: warp\n"), 0o644))

	cmd := SimulateCmd{Topology: path, Timeout: time.Second, Driver: xhci.DefaultConfig()}
	assert.Error(t, cmd.Run(t.Context(), &bytes.Buffer{}, loadNames(false)))
}

func TestDescribeController(t *testing.T) {
	sim, err := xhcisim.New(xhcisim.DefaultOptions())
	require.NoError(t, err)
	defer sim.Close()
	require.NoError(t, sim.Attach(2, xhcisim.NewLoopback(hal.SpeedHigh)))

	hc, err := xhci.NewHostHAL(sim, xhci.DefaultConfig())
	require.NoError(t, err)
	defer hc.Close()
	require.NoError(t, hc.Init(t.Context()))

	var out bytes.Buffer
	describeController(&out, hc)
	s := out.String()
	assert.Contains(t, s, "xHCI ")
	assert.Contains(t, s, "16 slots, 4 ports")
	assert.Contains(t, s, "PORT")
}

func TestScan_Empty(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "bus", "pci", "devices"), 0o755))

	var out bytes.Buffer
	cmd := ScanCmd{SysfsRoot: root}
	require.NoError(t, cmd.Run(t.Context(), &out, loadNames(false)))
	assert.Contains(t, out.String(), "no xHCI controllers")

	cmd.SysfsRoot = t.TempDir()
	assert.Error(t, cmd.Run(t.Context(), &out, loadNames(false)), "no PCI bus")
}
