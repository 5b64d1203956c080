package uio

import (
	"fmt"

	"github.com/ardnew/softxhci/pkg"
)

// Options selects the controller and sizes its DMA memory.
type Options struct {
	// Address is the controller's PCI address. Empty picks the only xHCI
	// controller bound to uio_pci_generic.
	Address string `yaml:"address" help:"PCI address of the controller (domain:bus:device.function)."`

	SysfsRoot string `yaml:"sysfs_root" help:"Mount point of sysfs." default:"/sys"`
	DevRoot   string `yaml:"dev_root" help:"Directory holding the uio device files." default:"/dev"`

	HugePages    int `yaml:"huge_pages" help:"Hugepages to reserve for DMA memory." default:"4"`
	HugePageSize int `yaml:"huge_page_size" help:"Hugepage size in bytes." default:"2097152"`
}

// DefaultOptions returns options for the first controller with four 2 MiB
// hugepages of DMA memory.
func DefaultOptions() Options {
	return Options{
		SysfsRoot:    "/sys",
		DevRoot:      "/dev",
		HugePages:    4,
		HugePageSize: 2 << 20,
	}
}

// Select returns the function Options.Address names, or the single xHCI
// controller bound to a uio driver when Address is empty.
func (o Options) Select() (Function, error) {
	if o.Address != "" {
		f, err := LookupFunction(o.SysfsRoot, o.Address)
		if err != nil {
			return Function{}, err
		}
		if !f.IsXHCI() {
			return Function{}, fmt.Errorf("%s: class %06x is not xHCI: %w", f.Address, f.Class, pkg.ErrNoDevice)
		}
		return f, nil
	}

	fns, err := Scan(o.SysfsRoot)
	if err != nil {
		return Function{}, err
	}
	var bound []Function
	for _, f := range fns {
		if f.UIO != "" {
			bound = append(bound, f)
		}
	}
	switch len(bound) {
	case 0:
		return Function{}, fmt.Errorf("no xHCI controller bound to uio_pci_generic: %w", pkg.ErrNoDevice)
	case 1:
		return bound[0], nil
	default:
		return Function{}, fmt.Errorf("%d controllers bound to uio, choose one by address: %w", len(bound), pkg.ErrInvalidParameter)
	}
}
