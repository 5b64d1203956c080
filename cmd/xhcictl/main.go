// Command xhcictl drives the xHCI driver, either against the software
// controller in xhcisim or against real hardware bound to uio_pci_generic.
//
//	xhcictl simulate topology.yaml
//	xhcictl scan
//	xhcictl probe --uio.address=0000:00:14.0 --enumerate=5s
//
// Flags may also come from a configuration file in JSON, YAML or TOML,
// given with --config or found at ~/.config/xhcictl/config.{json,yaml,toml}.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/alecthomas/kong"
	kongtoml "github.com/alecthomas/kong-toml"
	kongyaml "github.com/alecthomas/kong-yaml"

	"github.com/ardnew/softxhci/pkg/prof"
)

func main() {
	var cli CLI
	k := kong.Parse(&cli,
		kong.Name("xhcictl"),
		kong.Description("Exercise the pure-Go xHCI host controller driver."),
		kong.UsageOnError(),
		kong.Configuration(kong.JSON, configPaths("json")...),
		kong.Configuration(kongyaml.Loader, configPaths("yaml", "yml")...),
		kong.Configuration(kongtoml.Loader, configPaths("toml")...),
	)

	closeLog, err := cli.Log.Setup()
	if err != nil {
		fmt.Fprintln(os.Stderr, "failed to set up logging:", err)
		os.Exit(2)
	}

	session, err := prof.Start(cli.Prof)
	k.FatalIfErrorf(err)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	k.BindTo(ctx, (*context.Context)(nil))
	k.BindTo(os.Stdout, (*io.Writer)(nil))
	k.Bind(loadNames(cli.Names))

	err = k.Run()
	stop()
	err = errors.Join(err, session.Stop())
	closeLog()
	k.FatalIfErrorf(err)
}

// configPaths returns the default configuration file locations for the
// given extensions.
func configPaths(exts ...string) []string {
	paths := make([]string, 0, len(exts))
	for _, ext := range exts {
		paths = append(paths, "~/.config/xhcictl/config."+ext)
	}
	return paths
}
