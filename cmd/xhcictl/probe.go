package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/ardnew/softxhci/host"
	"github.com/ardnew/softxhci/host/hal/xhci"
	"github.com/ardnew/softxhci/host/hal/xhci/uio"
	"github.com/ardnew/softxhci/pkg"
)

// ProbeCmd brings up a uio-bound controller and reports what it finds.
type ProbeCmd struct {
	UIO    uio.Options `embed:"" prefix:"uio."`
	Driver xhci.Config `embed:"" prefix:"xhci."`

	Enumerate time.Duration `help:"Run the host stack for this long and list enumerated devices (0 to skip)." default:"0s"`
}

// Run executes the probe command.
func (c *ProbeCmd) Run(ctx context.Context, out io.Writer, names *Names) (err error) {
	if err := c.Driver.Validate(); err != nil {
		return err
	}
	p, err := uio.Open(c.UIO)
	if err != nil {
		return err
	}
	defer func() { err = errors.Join(err, p.Close()) }()

	hc, err := xhci.NewHostHAL(p, c.Driver)
	if err != nil {
		return err
	}
	defer func() { err = errors.Join(err, hc.Close()) }()

	if c.Enumerate <= 0 {
		if err := hc.Init(ctx); err != nil {
			return fmt.Errorf("init controller: %w", err)
		}
		describeController(out, hc)
		return nil
	}

	stack := host.New(hc)
	if err := stack.Start(ctx); err != nil {
		return fmt.Errorf("start host: %w", err)
	}
	defer stack.Stop()

	select {
	case <-ctx.Done():
	case <-time.After(c.Enumerate):
	}
	describeController(out, hc)
	listDevices(out, names, stack.Devices())
	return nil
}

// describeController prints the controller's capabilities and the status
// of each root hub port.
func describeController(out io.Writer, hc *xhci.HostHAL) {
	ctrl := hc.Controller()
	fmt.Fprintf(out, "xHCI %x.%02x, %d slots, %d ports\n\n",
		ctrl.Version()>>8, ctrl.Version()&0xFF, ctrl.MaxSlots(), hc.NumPorts())

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "PORT\tPOWER\tCONNECTED\tENABLED\tSPEED\tLINK")
	for port := 1; port <= hc.NumPorts(); port++ {
		st, err := hc.GetPortStatus(port)
		if err != nil {
			pkg.LogWarn(pkg.ComponentCLI, "port status", "port", port, "error", err)
			continue
		}
		speed := "-"
		if st.Connected {
			speed = st.Speed.String()
		}
		fmt.Fprintf(tw, "%d\t%t\t%t\t%t\t%s\t%d\n",
			port, st.PowerOn, st.Connected, st.Enabled, speed, st.LinkState)
	}
	tw.Flush()
}

func listDevices(out io.Writer, names *Names, devices []*host.Device) {
	fmt.Fprintf(out, "\n%d device(s)\n", len(devices))
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	for _, d := range devices {
		fmt.Fprintf(tw, "  port %d\taddr %d\t%04x:%04x\t%s\t%s\t%s\n",
			d.Port(), d.Address(), d.VendorID(), d.ProductID(),
			names.USB.Describe(d.VendorID(), d.ProductID(), "-"), d.Manufacturer(), d.Product())
	}
	tw.Flush()
}
