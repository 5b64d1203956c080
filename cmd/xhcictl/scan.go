package main

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/ardnew/softxhci/host/hal/xhci/uio"
)

// ScanCmd lists the xHCI functions on the PCI bus.
type ScanCmd struct {
	SysfsRoot string `help:"Root of the sysfs tree." default:"/sys" type:"path"`
}

// Run executes the scan command.
func (c *ScanCmd) Run(_ context.Context, out io.Writer, names *Names) error {
	fns, err := uio.Scan(c.SysfsRoot)
	if err != nil {
		return err
	}
	if len(fns) == 0 {
		fmt.Fprintln(out, "no xHCI controllers found")
		return nil
	}

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ADDRESS\tID\tNAME\tDRIVER\tUIO\tBAR0")
	for _, fn := range fns {
		driver, dev := fn.Driver, fn.UIO
		if driver == "" {
			driver = "-"
		}
		if dev == "" {
			dev = "-"
		}
		fmt.Fprintf(tw, "%s\t%04x:%04x\t%s\t%s\t%s\t%#x+%#x\n",
			fn.Address, fn.Vendor, fn.Device, names.PCI.Describe(fn.Vendor, fn.Device, "-"),
			driver, dev, fn.BAR0.Start, fn.BAR0.Size())
	}
	return tw.Flush()
}
