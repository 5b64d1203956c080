package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/alecthomas/kong"
	kongtoml "github.com/alecthomas/kong-toml"
	kongyaml "github.com/alecthomas/kong-yaml"

	"github.com/ardnew/softxhci/pkg"
	"github.com/ardnew/softxhci/pkg/hwid"
	"github.com/ardnew/softxhci/pkg/prof"
)

// Log configures the driver's logger.
type Log struct {
	Level  string `help:"Log level: trace, debug, info, warn, error." default:"warn" env:"XHCICTL_LOG_LEVEL"`
	Format string `help:"Log format." enum:"text,json" default:"text" env:"XHCICTL_LOG_FORMAT"`
	File   string `help:"Write logs to this file instead of stderr." type:"path" env:"XHCICTL_LOG_FILE"`
}

// Setup applies the logging options and returns a function that closes
// the log file, if any.
func (l Log) Setup() (func(), error) {
	switch strings.ToLower(l.Level) {
	case "", "trace", "debug", "info", "warn", "warning", "error":
	default:
		return nil, fmt.Errorf("log level %q: %w", l.Level, pkg.ErrInvalidParameter)
	}
	pkg.SetLogLevel(pkg.ParseLevel(l.Level))

	var w io.Writer = os.Stderr
	closer := func() {}
	if l.File != "" {
		f, err := os.OpenFile(l.File, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, err
		}
		w = f
		closer = func() { _ = f.Close() }
	}
	pkg.SetLogOutput(w, pkg.ParseFormat(l.Format))
	return closer, nil
}

// configFile loads flag values from a file, choosing the decoder by
// extension.
type configFile string

// BeforeResolve adds the file's values ahead of flag resolution.
func (c configFile) BeforeResolve(ctx *kong.Context) error {
	if c == "" {
		return nil
	}
	path := kong.ExpandPath(string(c))
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	resolver, err := configLoader(path)(f)
	if err != nil {
		return fmt.Errorf("config %s: %w", path, err)
	}
	ctx.AddResolver(resolver)
	return nil
}

func configLoader(path string) kong.ConfigurationLoader {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return kongyaml.Loader
	case ".toml":
		return kongtoml.Loader
	}
	return kong.JSON
}

// Names resolves vendor and product IDs to names.
type Names struct {
	USB *hwid.Database
	PCI *hwid.Database
}

// loadNames reads the ID databases when enabled. A missing database only
// costs the names.
func loadNames(enabled bool) *Names {
	n := &Names{USB: hwid.New(hwid.USBPaths...), PCI: hwid.New(hwid.PCIPaths...)}
	if !enabled {
		return n
	}
	for kind, db := range map[string]*hwid.Database{"usb": n.USB, "pci": n.PCI} {
		if err := db.Load(); err != nil {
			pkg.LogDebug(pkg.ComponentCLI, "ID database unavailable", "kind", kind, "error", err)
		}
	}
	return n
}

// CLI is the root command.
type CLI struct {
	Log  `embed:"" prefix:"log."`
	Prof prof.Options `embed:"" prefix:"prof." group:"Profiling"`

	Config configFile `help:"Load flags from a JSON, YAML or TOML file." short:"c" type:"existingfile"`
	Names  bool       `help:"Look up vendor and product names in usb.ids and pci.ids." default:"true" negatable:""`

	Simulate SimulateCmd `cmd:"" help:"Enumerate the devices of a simulated topology."`
	Scan     ScanCmd     `cmd:"" help:"List the xHCI controllers in sysfs."`
	Probe    ProbeCmd    `cmd:"" help:"Initialize a uio-bound controller and report its ports."`
}
