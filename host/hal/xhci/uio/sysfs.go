package uio

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"

	"github.com/ardnew/softxhci/pkg"
)

// ClassXHCI is the PCI class code of an xHCI controller: serial bus
// controller, USB, programming interface 0x30.
const ClassXHCI = 0x0C0330

// pciDevicesPath is relative to the sysfs root.
const pciDevicesPath = "bus/pci/devices"

// =============================================================================
// PCI Function Information
// =============================================================================

// Resource is one line of a PCI function's sysfs resource file.
type Resource struct {
	Start uint64
	End   uint64
	Flags uint64
}

// Size returns the resource length in bytes, or 0 for an unused BAR.
func (r Resource) Size() uint64 {
	if r.End == 0 && r.Start == 0 {
		return 0
	}
	return r.End - r.Start + 1
}

// resourceMem marks a memory BAR (IORESOURCE_MEM).
const resourceMem = 0x200

// IsMemory reports whether the resource is a memory BAR.
func (r Resource) IsMemory() bool { return r.Flags&resourceMem != 0 }

// Function describes a PCI function found in sysfs.
type Function struct {
	Address string // domain:bus:device.function
	Path    string // sysfs directory
	Vendor  uint16
	Device  uint16
	Class   uint32
	Driver  string // bound driver, or empty
	UIO     string // uio device name such as "uio0", or empty
	BAR0    Resource
}

// IsXHCI reports whether f is an xHCI controller.
func (f Function) IsXHCI() bool { return f.Class == ClassXHCI }

func (f Function) String() string {
	s := fmt.Sprintf("%s [%04x:%04x]", f.Address, f.Vendor, f.Device)
	if f.Driver != "" {
		s += " driver=" + f.Driver
	}
	if f.UIO != "" {
		s += " " + f.UIO
	}
	return s
}

// =============================================================================
// Sysfs Parsing
// =============================================================================

// Scan lists the xHCI controllers under the sysfs root (normally "/sys"),
// sorted by address.
func Scan(root string) ([]Function, error) {
	dir := filepath.Join(root, pciDevicesPath)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	var fns []Function
	for _, e := range entries {
		f, err := parseFunction(filepath.Join(dir, e.Name()))
		if err != nil {
			pkg.LogDebug(pkg.ComponentPlatform, "skipping PCI function", "address", e.Name(), "error", err)
			continue
		}
		if f.IsXHCI() {
			fns = append(fns, f)
		}
	}
	slices.SortFunc(fns, func(a, b Function) int { return strings.Compare(a.Address, b.Address) })
	return fns, nil
}

// LookupFunction returns the PCI function at addr under the sysfs root.
// A short address without a domain ("00:14.0") means domain 0000.
func LookupFunction(root, addr string) (Function, error) {
	if strings.Count(addr, ":") == 1 {
		addr = "0000:" + addr
	}
	f, err := parseFunction(filepath.Join(root, pciDevicesPath, addr))
	if errors.Is(err, os.ErrNotExist) {
		return Function{}, fmt.Errorf("PCI function %s: %w", addr, pkg.ErrNoDevice)
	}
	return f, err
}

// parseFunction reads one PCI function's sysfs directory.
func parseFunction(path string) (Function, error) {
	f := Function{Address: filepath.Base(path), Path: path}

	class, err := readSysfsHex(filepath.Join(path, "class"), 32)
	if err != nil {
		return Function{}, err
	}
	f.Class = uint32(class)
	if f.Vendor, err = readSysfsHexUint16(filepath.Join(path, "vendor")); err != nil {
		return Function{}, err
	}
	if f.Device, err = readSysfsHexUint16(filepath.Join(path, "device")); err != nil {
		return Function{}, err
	}

	if target, err := os.Readlink(filepath.Join(path, "driver")); err == nil {
		f.Driver = filepath.Base(target)
	}
	if entries, err := os.ReadDir(filepath.Join(path, "uio")); err == nil {
		for _, e := range entries {
			if strings.HasPrefix(e.Name(), "uio") {
				f.UIO = e.Name()
				break
			}
		}
	}

	if data, err := os.ReadFile(filepath.Join(path, "resource")); err == nil {
		res, err := parseResources(string(data))
		if err != nil {
			return Function{}, fmt.Errorf("%s/resource: %w", path, err)
		}
		if len(res) > 0 {
			f.BAR0 = res[0]
		}
	}
	return f, nil
}

// parseResources parses the lines of a sysfs resource file, each holding
// start, end and flags in hex.
func parseResources(s string) ([]Resource, error) {
	var out []Resource
	sc := bufio.NewScanner(strings.NewReader(s))
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) == 0 {
			continue
		}
		if len(fields) != 3 {
			return nil, fmt.Errorf("resource line %q: %w", sc.Text(), pkg.ErrInvalidParameter)
		}
		var v [3]uint64
		for i, f := range fields {
			n, err := strconv.ParseUint(strings.TrimPrefix(f, "0x"), 16, 64)
			if err != nil {
				return nil, fmt.Errorf("resource line %q: %w", sc.Text(), err)
			}
			v[i] = n
		}
		out = append(out, Resource{Start: v[0], End: v[1], Flags: v[2]})
	}
	return out, sc.Err()
}

// =============================================================================
// Sysfs Read Helpers
// =============================================================================

// readSysfsString reads a string from a sysfs attribute file.
func readSysfsString(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}

// readSysfsHex reads a hexadecimal value from a sysfs attribute file.
func readSysfsHex(path string, bitSize int) (uint64, error) {
	s, err := readSysfsString(path)
	if err != nil {
		return 0, err
	}
	return strconv.ParseUint(strings.TrimPrefix(s, "0x"), 16, bitSize)
}

// readSysfsHexUint16 reads a hexadecimal uint16 from a sysfs attribute file.
func readSysfsHexUint16(path string) (uint16, error) {
	v, err := readSysfsHex(path, 16)
	if err != nil {
		return 0, err
	}
	return uint16(v), nil
}
