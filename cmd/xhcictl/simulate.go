package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"slices"
	"text/tabwriter"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ardnew/softxhci/host"
	"github.com/ardnew/softxhci/host/hal/xhci"
	"github.com/ardnew/softxhci/host/hal/xhci/xhcisim"
	"github.com/ardnew/softxhci/pkg"
)

// SimulateCmd enumerates the devices of a simulated topology and
// optionally moves data through each of them.
type SimulateCmd struct {
	Topology string        `arg:"" optional:"" type:"existingfile" help:"Topology YAML file. Defaults to one loopback device on port 1."`
	Timeout  time.Duration `help:"Time to wait for every device to enumerate." default:"5s"`
	Exercise bool          `help:"Move data through each enumerated device." default:"true" negatable:""`
	Payload  int           `help:"Bytes sent through each loopback device." default:"4096"`

	Driver xhci.Config `embed:"" prefix:"xhci."`
}

// defaultTopology is used when no topology file is given.
func defaultTopology() xhcisim.Topology {
	return xhcisim.Topology{
		Controller: xhcisim.DefaultOptions(),
		Devices: []xhcisim.DeviceSpec{{
			Port:         1,
			Speed:        "high",
			VendorID:     0x1209,
			ProductID:    0x0001,
			Manufacturer: "softxhci",
			Product:      "Loopback",
			Serial:       "0001",
			Class:        0xFF,
			Mode:         xhcisim.ModeLoopback,
			Endpoints: []xhcisim.EndpointSpec{
				{Address: 0x81, Type: "bulk", MaxPacketSize: 512},
				{Address: 0x02, Type: "bulk", MaxPacketSize: 512},
			},
		}},
	}
}

// simResult is one row of the report.
type simResult struct {
	dev    *host.Device
	mode   xhcisim.GadgetMode
	moved  int
	took   time.Duration
	status error
}

// Run executes the simulate command.
func (c *SimulateCmd) Run(ctx context.Context, out io.Writer, names *Names) error {
	topo := defaultTopology()
	if c.Topology != "" {
		var err error
		if topo, err = xhcisim.LoadTopologyFile(c.Topology); err != nil {
			return err
		}
	}
	if err := c.Driver.Validate(); err != nil {
		return err
	}

	sim, gadgets, err := topo.Build()
	if err != nil {
		return err
	}
	defer sim.Close()

	hc, err := xhci.NewHostHAL(sim, c.Driver)
	if err != nil {
		return err
	}
	defer hc.Close()

	stack := host.New(hc)
	if err := stack.Start(ctx); err != nil {
		return fmt.Errorf("start host: %w", err)
	}
	defer stack.Stop()

	devices, err := waitDevices(ctx, stack, len(gadgets), c.Timeout)
	if err != nil {
		return err
	}
	pkg.LogInfo(pkg.ComponentCLI, "topology enumerated", "devices", len(devices))

	results := make([]simResult, len(devices))
	g, gctx := errgroup.WithContext(ctx)
	for i, dev := range devices {
		results[i].dev = dev
		gadget, ok := sim.DeviceAt(dev.Port()).(*xhcisim.Gadget)
		if !ok || !c.Exercise {
			continue
		}
		results[i].mode = gadget.Mode()
		g.Go(func() error {
			start := time.Now()
			results[i].moved, results[i].status = c.exercise(gctx, dev, gadget.Mode())
			results[i].took = time.Since(start)
			return nil
		})
	}
	_ = g.Wait()

	report(out, names, results, sim.Stats())

	var errs []error
	for _, r := range results {
		if r.status != nil {
			errs = append(errs, fmt.Errorf("port %d: %w", r.dev.Port(), r.status))
		}
	}
	return errors.Join(errs...)
}

// waitDevices collects n enumerated devices, sorted by port.
func waitDevices(ctx context.Context, stack *host.Host, n int, timeout time.Duration) ([]*host.Device, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	devices := make([]*host.Device, 0, n)
	for len(devices) < n {
		dev, err := stack.WaitDevice(ctx)
		if err != nil {
			return nil, fmt.Errorf("%d of %d devices enumerated: %w", len(devices), n, err)
		}
		devices = append(devices, dev)
	}
	slices.SortFunc(devices, func(a, b *host.Device) int { return a.Port() - b.Port() })
	return devices, nil
}

// exercise moves data through dev according to the gadget's mode and
// returns the byte count.
func (c *SimulateCmd) exercise(ctx context.Context, dev *host.Device, mode xhcisim.GadgetMode) (int, error) {
	in, outEP, mps := bulkPair(dev)
	if in == 0 {
		return 0, fmt.Errorf("no bulk IN endpoint: %w", pkg.ErrNotSupported)
	}

	switch mode {
	case xhcisim.ModeSource:
		buf := make([]byte, 4*mps)
		return dev.BulkTransfer(ctx, in, buf)

	case xhcisim.ModeLoopback:
		if outEP == 0 {
			return 0, fmt.Errorf("no bulk OUT endpoint: %w", pkg.ErrNotSupported)
		}
		p := host.NewPipe(dev, in, outEP, 16*mps)
		defer p.Close()

		msg := make([]byte, c.Payload)
		for i := range msg {
			msg[i] = byte(i * 7)
		}
		if _, err := p.Write(ctx, msg); err != nil {
			return 0, err
		}
		got := make([]byte, 0, len(msg))
		buf := make([]byte, 16*mps)
		for len(got) < len(msg) {
			n, err := p.Read(ctx, buf)
			if err != nil {
				return len(got), err
			}
			got = append(got, buf[:n]...)
		}
		if !bytes.Equal(got, msg) {
			return len(got), errors.New("loopback data mismatch")
		}
		return 2 * len(msg), nil
	}
	return 0, nil
}

// bulkPair returns the first bulk IN and OUT endpoints of dev and the
// larger of their max packet sizes.
func bulkPair(dev *host.Device) (in, out uint8, mps int) {
	for _, ep := range dev.Endpoints() {
		if !ep.IsBulk() {
			continue
		}
		if ep.IsIn() && in == 0 {
			in = ep.EndpointAddress
		}
		if ep.IsOut() && out == 0 {
			out = ep.EndpointAddress
		}
		mps = max(mps, int(ep.MaxPacketSize))
	}
	return in, out, max(mps, 64)
}

// report prints one row per device followed by the controller counters.
func report(out io.Writer, names *Names, results []simResult, stats xhcisim.Stats) {
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "PORT\tADDR\tSPEED\tID\tNAME\tPRODUCT\tMODE\tBYTES\tTIME\tSTATUS")
	for _, r := range results {
		status := "ok"
		if r.status != nil {
			status = r.status.Error()
		}
		mode := string(r.mode)
		if mode == "" {
			mode = "-"
		}
		fmt.Fprintf(tw, "%d\t%d\t%s\t%04x:%04x\t%s\t%s\t%s\t%d\t%s\t%s\n",
			r.dev.Port(), r.dev.Address(), r.dev.Speed(),
			r.dev.VendorID(), r.dev.ProductID(),
			names.USB.Describe(r.dev.VendorID(), r.dev.ProductID(), "-"), r.dev.Product(),
			mode, r.moved, r.took.Round(time.Microsecond), status)
	}
	tw.Flush()

	fmt.Fprintf(out, "\ncommands=%d aborts=%d tds=%d naks=%d events=%d dropped=%d resets=%d\n",
		stats.Commands, stats.Aborts, stats.TDs, stats.NAKs, stats.Events, stats.DroppedEvents, stats.PortResets)
}
