//go:build linux

package uio

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math/bits"
	"path/filepath"
	"sync"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/ardnew/softxhci/host/hal/xhci"
	"github.com/ardnew/softxhci/host/hal/xhci/dma"
	"github.com/ardnew/softxhci/pkg"
)

// PCI command register bits.
const (
	pciCommand          = 0x04
	pciCommandMemory    = 1 << 1
	pciCommandBusMaster = 1 << 2
)

// =============================================================================
// Platform
// =============================================================================

// Platform is an xhci.Platform backed by a uio_pci_generic bound PCI
// function.
type Platform struct {
	fn   Function
	bar  mmio
	pool *dma.Pool
	huge [][]byte

	irqfd  int
	poller *poller

	mu     sync.Mutex
	closed bool
}

// Open maps the controller opts selects and reserves its DMA memory.
func Open(opts Options) (*Platform, error) {
	fn, err := opts.Select()
	if err != nil {
		return nil, err
	}
	if fn.UIO == "" {
		return nil, fmt.Errorf("%s is not bound to uio_pci_generic: %w", fn.Address, pkg.ErrNotSupported)
	}
	if !fn.BAR0.IsMemory() || fn.BAR0.Size() == 0 {
		return nil, fmt.Errorf("%s: BAR0 is not a memory BAR: %w", fn.Address, pkg.ErrNotSupported)
	}
	if opts.HugePages <= 0 || opts.HugePageSize < dma.Boundary || bits.OnesCount(uint(opts.HugePageSize)) != 1 {
		return nil, fmt.Errorf("hugepages %d x %d: %w", opts.HugePages, opts.HugePageSize, pkg.ErrInvalidParameter)
	}

	p := &Platform{fn: fn, irqfd: -1}
	if err := p.open(opts); err != nil {
		p.Close()
		return nil, err
	}
	pkg.LogInfo(pkg.ComponentPlatform, "opened controller",
		"function", fn.String(),
		"bar0", fmt.Sprintf("%#x", fn.BAR0.Start),
		"dma", opts.HugePages*opts.HugePageSize)
	return p, nil
}

func (p *Platform) open(opts Options) error {
	if err := enableDevice(filepath.Join(p.fn.Path, "config")); err != nil {
		return fmt.Errorf("enable %s: %w", p.fn.Address, err)
	}

	mem, err := mapResource(filepath.Join(p.fn.Path, "resource0"), int(p.fn.BAR0.Size()))
	if err != nil {
		return fmt.Errorf("map BAR0: %w", err)
	}
	p.bar = mmio{mem: mem}

	if err := p.reserve(opts.HugePages, opts.HugePageSize); err != nil {
		return err
	}

	fd, err := unix.Open(filepath.Join(opts.DevRoot, p.fn.UIO), unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		return fmt.Errorf("open %s: %w", p.fn.UIO, err)
	}
	p.irqfd = fd
	p.poller, err = newPoller(fd)
	return err
}

// reserve maps n hugepages, translates each and builds the DMA pool.
func (p *Platform) reserve(n, size int) error {
	pagemap, err := unix.Open("/proc/self/pagemap", unix.O_RDONLY|unix.O_CLOEXEC, 0)
	if err != nil {
		return err
	}
	defer unix.Close(pagemap)

	flags := unix.MAP_PRIVATE | unix.MAP_ANONYMOUS | unix.MAP_HUGETLB | unix.MAP_POPULATE | unix.MAP_LOCKED
	flags |= bits.TrailingZeros(uint(size)) << unix.MAP_HUGE_SHIFT

	regions := make([]*dma.Region, 0, n)
	for i := range n {
		mem, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, flags)
		if err != nil {
			return fmt.Errorf("hugepage %d of %d bytes: %w", i, size, err)
		}
		p.huge = append(p.huge, mem)

		phys, err := translate(pagemap, uintptr(unsafe.Pointer(&mem[0])))
		if err != nil {
			return err
		}
		r, err := dma.NewRegion(phys, mem)
		if err != nil {
			return err
		}
		pkg.LogDebug(pkg.ComponentPlatform, "reserved hugepage", "index", i, "phys", fmt.Sprintf("%#x", phys))
		regions = append(regions, r)
	}

	p.pool, err = dma.NewPool(regions...)
	return err
}

// Function returns the PCI function backing the platform.
func (p *Platform) Function() Function { return p.fn }

// Registers implements xhci.Platform.
func (p *Platform) Registers() xhci.Registers { return &p.bar }

// Allocator implements xhci.Platform.
func (p *Platform) Allocator() dma.Allocator { return p.pool }

// AttachInterrupt implements xhci.Platform.
func (p *Platform) AttachInterrupt(handler func()) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return pkg.ErrNotRunning
	}
	return p.poller.start(handler)
}

// DetachInterrupt implements xhci.Platform.
func (p *Platform) DetachInterrupt() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.poller != nil {
		p.poller.stop()
	}
	return nil
}

// Close releases the interrupt, the BAR mapping and the DMA memory. The
// controller must be closed first.
func (p *Platform) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true

	var errs []error
	if p.poller != nil {
		errs = append(errs, p.poller.close())
	}
	if p.irqfd >= 0 {
		errs = append(errs, unix.Close(p.irqfd))
	}
	if p.bar.mem != nil {
		errs = append(errs, unix.Munmap(p.bar.mem))
		p.bar.mem = nil
	}
	for _, mem := range p.huge {
		errs = append(errs, unix.Munmap(mem))
	}
	p.huge = nil
	return errors.Join(errs...)
}

// =============================================================================
// MMIO Window
// =============================================================================

// mmio performs 32-bit accesses on the mapped BAR.
type mmio struct {
	mem []byte
}

func (m *mmio) word(off uint32) *uint32 {
	if off%4 != 0 || int(off)+4 > len(m.mem) {
		panic(fmt.Sprintf("uio: register offset %#x outside BAR of %#x bytes", off, len(m.mem)))
	}
	return (*uint32)(unsafe.Pointer(&m.mem[off]))
}

// Read32 implements xhci.Registers.
func (m *mmio) Read32(off uint32) uint32 { return atomic.LoadUint32(m.word(off)) }

// Write32 implements xhci.Registers.
func (m *mmio) Write32(off uint32, v uint32) { atomic.StoreUint32(m.word(off), v) }

// =============================================================================
// Helpers
// =============================================================================

// mapResource maps a sysfs resourceN file shared and uncached.
func mapResource(path string, size int) ([]byte, error) {
	fd, err := unix.Open(path, unix.O_RDWR|unix.O_SYNC|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, err
	}
	defer unix.Close(fd)
	return unix.Mmap(fd, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
}

// enableDevice turns on memory decoding and bus mastering. INTx stays
// under the uio driver's control.
func enableDevice(config string) error {
	fd, err := unix.Open(config, unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		return err
	}
	defer unix.Close(fd)

	var buf [2]byte
	if _, err := unix.Pread(fd, buf[:], pciCommand); err != nil {
		return err
	}
	cmd := binary.LittleEndian.Uint16(buf[:])
	want := cmd | pciCommandMemory | pciCommandBusMaster
	if want == cmd {
		return nil
	}
	binary.LittleEndian.PutUint16(buf[:], want)
	_, err = unix.Pwrite(fd, buf[:], pciCommand)
	return err
}

// translate returns the physical address of vaddr from the pagemap file.
func translate(pagemap int, vaddr uintptr) (uint64, error) {
	var buf [pagemapEntrySize]byte
	if _, err := unix.Pread(pagemap, buf[:], pagemapOffset(vaddr)); err != nil {
		return 0, fmt.Errorf("read pagemap: %w", err)
	}
	return physAddr(binary.NativeEndian.Uint64(buf[:]), vaddr)
}
