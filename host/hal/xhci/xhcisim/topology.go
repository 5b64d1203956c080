package xhcisim

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/ardnew/softxhci/host/hal"
	"github.com/ardnew/softxhci/pkg"
)

// Topology describes a simulated controller and the devices plugged into
// it. It is usually read from a YAML file:
//
//	controller:
//	  usb2_ports: 2
//	  usb3_ports: 2
//	devices:
//	  - port: 1
//	    speed: high
//	    product: Loopback
//	    endpoints:
//	      - {address: 0x81, type: bulk, max_packet_size: 512}
//	      - {address: 0x02, type: bulk, max_packet_size: 512}
type Topology struct {
	Controller Options      `yaml:"controller"`
	Devices    []DeviceSpec `yaml:"devices"`
}

// DeviceSpec describes one Gadget in a Topology. A zero Port picks the
// first free port of the right kind.
type DeviceSpec struct {
	Port         int            `yaml:"port"`
	Speed        string         `yaml:"speed"`
	VendorID     uint16         `yaml:"vendor_id"`
	ProductID    uint16         `yaml:"product_id"`
	Manufacturer string         `yaml:"manufacturer"`
	Product      string         `yaml:"product"`
	Serial       string         `yaml:"serial"`
	Class        uint8          `yaml:"class"`
	Mode         GadgetMode     `yaml:"mode"`
	Endpoints    []EndpointSpec `yaml:"endpoints"`
}

// EndpointSpec is the YAML form of Endpoint.
type EndpointSpec struct {
	Address       uint8  `yaml:"address"`
	Type          string `yaml:"type"`
	MaxPacketSize uint16 `yaml:"max_packet_size"`
	Interval      uint8  `yaml:"interval"`
	MaxBurst      uint8  `yaml:"max_burst"`
}

// LoadTopology decodes a topology from r. Fields left out of the
// controller section keep their DefaultOptions values; unknown fields are
// an error.
func LoadTopology(r io.Reader) (Topology, error) {
	t := Topology{Controller: DefaultOptions()}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&t); err != nil && !errors.Is(err, io.EOF) {
		return Topology{}, fmt.Errorf("xhcisim: topology: %w", err)
	}
	if err := t.validate(); err != nil {
		return Topology{}, err
	}
	return t, nil
}

// LoadTopologyFile reads a topology from the named file.
func LoadTopologyFile(name string) (Topology, error) {
	f, err := os.Open(name)
	if err != nil {
		return Topology{}, fmt.Errorf("xhcisim: topology: %w", err)
	}
	defer f.Close()
	return LoadTopology(f)
}

func parseSpeed(s string) (hal.Speed, error) {
	switch strings.ToLower(s) {
	case "", "high", "hs":
		return hal.SpeedHigh, nil
	case "low", "ls":
		return hal.SpeedLow, nil
	case "full", "fs":
		return hal.SpeedFull, nil
	case "super", "ss":
		return hal.SpeedSuper, nil
	}
	return hal.SpeedUnknown, fmt.Errorf("speed %q: %w", s, pkg.ErrInvalidParameter)
}

func parseTransferType(s string) (hal.TransferType, error) {
	switch strings.ToLower(s) {
	case "bulk":
		return hal.TransferBulk, nil
	case "interrupt", "int":
		return hal.TransferInterrupt, nil
	case "isochronous", "isoch", "iso":
		return hal.TransferIsochronous, nil
	}
	return 0, fmt.Errorf("endpoint type %q: %w", s, pkg.ErrInvalidParameter)
}

func (t Topology) validate() error {
	if err := t.Controller.validate(); err != nil {
		return err
	}
	var errs []error
	used := make(map[int]bool)
	for i, d := range t.Devices {
		if _, err := d.config(); err != nil {
			errs = append(errs, fmt.Errorf("device %d: %w", i, err))
		}
		if d.Port == 0 {
			continue
		}
		if used[d.Port] {
			errs = append(errs, fmt.Errorf("device %d: port %d: %w", i, d.Port, pkg.ErrBusy))
		}
		used[d.Port] = true
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("xhcisim: topology: %w", err)
	}
	return nil
}

// config converts d into a GadgetConfig.
func (d DeviceSpec) config() (GadgetConfig, error) {
	speed, err := parseSpeed(d.Speed)
	if err != nil {
		return GadgetConfig{}, err
	}
	switch d.Mode {
	case "", ModeLoopback, ModeSource:
	default:
		return GadgetConfig{}, fmt.Errorf("mode %q: %w", d.Mode, pkg.ErrInvalidParameter)
	}
	cfg := GadgetConfig{
		Speed:        speed,
		VendorID:     d.VendorID,
		ProductID:    d.ProductID,
		Manufacturer: d.Manufacturer,
		Product:      d.Product,
		Serial:       d.Serial,
		Class:        d.Class,
		Mode:         d.Mode,
	}
	if cfg.VendorID == 0 && cfg.ProductID == 0 {
		cfg.VendorID, cfg.ProductID = 0x1209, 0x0001
	}
	if cfg.Class == 0 {
		cfg.Class = 0xFF
	}
	seen := make(map[uint8]bool)
	for _, e := range d.Endpoints {
		typ, err := parseTransferType(e.Type)
		if err != nil {
			return GadgetConfig{}, err
		}
		if e.Address&0x0F == 0 || e.Address&0x70 != 0 {
			return GadgetConfig{}, fmt.Errorf("endpoint address %#02x: %w", e.Address, pkg.ErrInvalidParameter)
		}
		if seen[e.Address] {
			return GadgetConfig{}, fmt.Errorf("endpoint %#02x declared twice: %w", e.Address, pkg.ErrInvalidParameter)
		}
		seen[e.Address] = true
		mps := e.MaxPacketSize
		if mps == 0 {
			mps = speed.DefaultMaxPacketSize0()
			if speed == hal.SpeedHigh && typ == hal.TransferBulk {
				mps = 512
			}
			if speed == hal.SpeedSuper {
				mps = 1024
			}
		}
		cfg.Endpoints = append(cfg.Endpoints, Endpoint{
			Address:       e.Address,
			Type:          typ,
			MaxPacketSize: mps,
			Interval:      e.Interval,
			MaxBurst:      e.MaxBurst,
		})
	}
	return cfg, nil
}

// Build creates the controller described by t and attaches its devices.
// The gadgets are returned in the order they were declared.
func (t Topology) Build() (*Controller, []*Gadget, error) {
	if err := t.validate(); err != nil {
		return nil, nil, err
	}
	c, err := New(t.Controller)
	if err != nil {
		return nil, nil, err
	}
	gadgets := make([]*Gadget, 0, len(t.Devices))
	for i, d := range t.Devices {
		cfg, _ := d.config()
		g := NewGadget(cfg)
		port := d.Port
		if port == 0 {
			port = c.FreePort(cfg.Speed)
		}
		if port == 0 {
			c.Close()
			return nil, nil, fmt.Errorf("xhcisim: device %d: no free %s port: %w", i, cfg.Speed, pkg.ErrNoResources)
		}
		if err := c.Attach(port, g); err != nil {
			c.Close()
			return nil, nil, fmt.Errorf("xhcisim: device %d: %w", i, err)
		}
		gadgets = append(gadgets, g)
	}
	return c, gadgets, nil
}
