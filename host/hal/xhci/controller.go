package xhci

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/ardnew/softxhci/host/hal/xhci/dma"
	"github.com/ardnew/softxhci/pkg"
)

type controllerState uint8

const (
	stateNew controllerState = iota
	stateReady
	stateRunning
	stateStopped
	stateClosed
)

func (s controllerState) String() string {
	switch s {
	case stateNew:
		return "new"
	case stateReady:
		return "ready"
	case stateRunning:
		return "running"
	case stateStopped:
		return "stopped"
	default:
		return "closed"
	}
}

// Supported interface versions (HCIVERSION, BCD).
const (
	minVersion = 0x0095
	maxVersion = 0x0120
)

// Controller drives one xHCI host controller.
type Controller struct {
	platform Platform
	regs     Registers
	alloc    dma.Allocator
	cache    CacheMaintainer
	cfg      Config
	id       int // arena index, or -1

	// Capabilities.
	version     uint16
	opBase      uint32
	rtBase      uint32
	dbBase      uint32
	maxSlots    int
	maxPorts    int
	maxIntrs    int
	csz         int
	ac64        bool
	ppc         bool
	scratchpads int
	legacyOff   uint32
	protocols   []*protocol

	// Controller-lifetime memory.
	dcbaa        *dcbaa
	scratchArray *dma.Buffer
	scratch      []*dma.Buffer
	erst         *dma.Buffer
	events       *Ring
	cmd          *commandRing
	rings        *ringTable

	// evMu serializes HandleInterrupt.
	evMu sync.Mutex

	// mu guards the fields below.
	mu    sync.Mutex
	state controllerState
	slots []*Slot
	ports []port

	portEvents chan int
}

// New returns a controller bound to platform p. Nothing touches the
// hardware until Init.
func New(p Platform, cfg Config) (*Controller, error) {
	if p == nil {
		return nil, fmt.Errorf("xhci: nil platform: %w", pkg.ErrInvalidParameter)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	c := &Controller{
		platform: p,
		regs:     p.Registers(),
		alloc:    p.Allocator(),
		cfg:      cfg,
		id:       -1,
		rings:    newRingTable(),
	}
	if cm, ok := p.(CacheMaintainer); ok {
		c.cache = cm
	}
	return c, nil
}

// Config returns the controller's configuration.
func (c *Controller) Config() Config { return c.cfg }

// Version returns HCIVERSION in BCD.
func (c *Controller) Version() uint16 { return c.version }

// MaxSlots returns the number of device slots enabled in CONFIG.
func (c *Controller) MaxSlots() int { return c.maxSlots }

// ID returns the controller's arena index, or -1 if it is not registered.
func (c *Controller) ID() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.id
}

func (c *Controller) isRunning() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == stateRunning
}

func (c *Controller) setState(s controllerState) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// Init brings the controller from power-on to a halted, fully programmed
// state: firmware handoff, reset, DCBAA with scratchpad buffers, command
// ring and event ring. On failure everything allocated is released and the
// controller stays unusable.
func (c *Controller) Init(ctx context.Context) (err error) {
	c.mu.Lock()
	if c.state != stateNew {
		st := c.state
		c.mu.Unlock()
		return fmt.Errorf("xhci: init in state %s: %w", st, pkg.ErrInvalidState)
	}
	c.mu.Unlock()

	defer func() {
		if err != nil {
			c.freeMemory()
			pkg.LogError(pkg.ComponentHost, "controller init failed", "error", err)
		}
	}()

	if err := c.readCapabilities(); err != nil {
		return err
	}
	c.readExtendedCaps()
	if err := c.biosHandoff(ctx); err != nil {
		return err
	}
	if err := c.halt(ctx); err != nil {
		return err
	}
	if err := c.reset(ctx); err != nil {
		return err
	}
	if c.opRead(opPageSize)&pageSize4K == 0 {
		return fmt.Errorf("xhci: page size 0x%x without 4K: %w", c.opRead(opPageSize), ErrUnsupported)
	}

	if c.cfg.MaxSlots > 0 {
		c.maxSlots = min(c.maxSlots, c.cfg.MaxSlots)
	}
	c.opWrite(opConfig, c.opRead(opConfig)&^configSlotEn|uint32(c.maxSlots))

	if err := c.setupDCBAA(); err != nil {
		return err
	}
	if err := c.setupCommandRing(); err != nil {
		return err
	}
	if err := c.setupEventRing(); err != nil {
		return err
	}
	if !c.ac64 && c.highestAddress() > 0xFFFF_FFFF {
		return fmt.Errorf("xhci: controller lacks 64-bit addressing but DMA memory is above 4 GiB: %w", ErrUnsupported)
	}

	c.mu.Lock()
	c.slots = make([]*Slot, c.maxSlots+1)
	c.ports = make([]port, c.maxPorts)
	for i := range c.ports {
		c.ports[i] = port{num: i + 1, proto: c.protocolFor(i + 1)}
	}
	c.portEvents = make(chan int, max(c.maxPorts, 1)*4)
	c.state = stateReady
	c.mu.Unlock()

	pkg.LogInfo(pkg.ComponentHost, "controller initialized",
		"version", fmt.Sprintf("%x.%02x", c.version>>8, c.version&0xFF),
		"slots", c.maxSlots, "ports", c.maxPorts, "scratchpads", c.scratchpads, "csz", c.csz)
	return nil
}

func (c *Controller) readCapabilities() error {
	dw0 := c.capRead(capLength)
	c.opBase = dw0 & 0xFF
	c.version = uint16(dw0 >> 16)
	if c.version < minVersion || c.version > maxVersion {
		return fmt.Errorf("xhci: interface version %x.%02x: %w", c.version>>8, c.version&0xFF, ErrUnsupported)
	}

	hcs1 := c.capRead(capHCSParams1)
	c.maxSlots = int(hcs1 & hcsMaxSlotsMask)
	c.maxIntrs = int(hcs1>>hcsMaxIntrsShift) & hcsMaxIntrsMask
	c.maxPorts = int(hcs1 >> hcsMaxPortsShift)
	if c.maxSlots == 0 || c.maxPorts == 0 || c.maxIntrs == 0 {
		return fmt.Errorf("xhci: %d slots, %d ports, %d interrupters: %w", c.maxSlots, c.maxPorts, c.maxIntrs, ErrUnsupported)
	}

	hcs2 := c.capRead(capHCSParams2)
	hi := (hcs2 >> hcs2SPBHiShift) & hcs2SPBHiMask
	lo := (hcs2 >> hcs2SPBLoShift) & hcs2SPBLoMask
	c.scratchpads = int(hi<<5 | lo)

	hcc1 := c.capRead(capHCCParams1)
	c.ac64 = hcc1&hccAC64 != 0
	c.ppc = hcc1&hccPPC != 0
	c.csz = 32
	if hcc1&hccCSZ != 0 {
		c.csz = 64
	}

	c.dbBase = c.capRead(capDBOff) & dbOffMask
	c.rtBase = c.capRead(capRTSOff) & rtsOffMask
	return nil
}

// halt clears Run/Stop and waits for HCHalted.
func (c *Controller) halt(ctx context.Context) error {
	if c.opRead(opUSBSts)&stsHalted != 0 {
		return nil
	}
	c.opWrite(opUSBCmd, c.opRead(opUSBCmd)&^(cmdRun|cmdINTE|cmdHSEE))
	return waitFor(ctx, c.cfg.HaltTimeout, "controller halt", func() bool {
		return c.opRead(opUSBSts)&stsHalted != 0
	})
}

// reset performs HCRST and waits for the controller to become ready.
func (c *Controller) reset(ctx context.Context) error {
	c.opWrite(opUSBCmd, cmdReset)
	if err := waitFor(ctx, c.cfg.ResetTimeout, "controller reset", func() bool {
		return c.opRead(opUSBCmd)&cmdReset == 0
	}); err != nil {
		return err
	}
	return waitFor(ctx, c.cfg.ResetTimeout, "controller ready", func() bool {
		return c.opRead(opUSBSts)&stsNotReady == 0
	})
}

// setupDCBAA allocates the DCBAA and, if the controller asks for them,
// the scratchpad buffers and their pointer array in entry 0.
func (c *Controller) setupDCBAA() error {
	buf, err := c.alloc.Alloc((c.maxSlots+1)*8, 64)
	if err != nil {
		return fmt.Errorf("xhci: dcbaa: %w", err)
	}
	c.dcbaa = &dcbaa{buf: buf}

	if c.scratchpads > 0 {
		arr, err := c.alloc.Alloc(c.scratchpads*8, 64)
		if err != nil {
			return fmt.Errorf("xhci: scratchpad array: %w", err)
		}
		c.scratchArray = arr
		for i := range c.scratchpads {
			sp, err := c.alloc.Alloc(pageSize, pageSize)
			if err != nil {
				return fmt.Errorf("xhci: scratchpad %d: %w", i, err)
			}
			c.scratch = append(c.scratch, sp)
			arr.Store64(i*8, sp.Addr())
		}
		c.flush(arr, 0, arr.Len())
		c.dcbaa.set(0, arr.Addr())
	}
	c.flush(buf, 0, buf.Len())
	c.opWrite64(opDCBAAP, buf.Addr())
	return nil
}

func (c *Controller) setupCommandRing() error {
	r, err := newRing(c.alloc, ringCommand, c.cfg.CommandRingSize)
	if err != nil {
		return fmt.Errorf("xhci: %w", err)
	}
	c.cmd = newCommandRing(r)
	c.rings.add(r)
	c.flush(r.buf, 0, r.buf.Len())
	addr, cycle := r.enqueuePointer()
	c.writeCRCR(addr, cycle)
	return nil
}

// setupEventRing programs interrupter 0 with a single-segment event ring.
// ERSTBA is written last since it latches the segment table.
func (c *Controller) setupEventRing() error {
	r, err := newRing(c.alloc, ringEvent, c.cfg.EventRingSize)
	if err != nil {
		return fmt.Errorf("xhci: %w", err)
	}
	c.events = r
	erst, err := c.alloc.Alloc(erstEntrySize, 64)
	if err != nil {
		return fmt.Errorf("xhci: event ring segment table: %w", err)
	}
	c.erst = erst
	erst.Store64(0, r.Addr())
	erst.Store32(8, uint32(r.size))
	erst.Store32(12, 0)
	c.flush(erst, 0, erst.Len())
	c.flush(r.buf, 0, r.buf.Len())

	c.intrWrite(intrERSTSZ, 1)
	c.intrWrite64(intrERDP, r.dequeuePointer())
	c.intrWrite64(intrERSTBA, erst.Addr())
	c.intrWrite(intrIMOD, uint32(c.cfg.InterruptModeration))
	c.intrWrite(intrIMAN, imanIP|imanIE)
	return nil
}

// highestAddress returns the largest bus address the controller will be
// given, judged from the memory allocated so far.
func (c *Controller) highestAddress() uint64 {
	var hi uint64
	for _, b := range []*dma.Buffer{c.dcbaa.buf, c.erst, c.events.buf, c.cmd.ring.buf} {
		hi = max(hi, b.Addr()+uint64(b.Len())-1)
	}
	if r, ok := c.alloc.(*dma.Region); ok {
		hi = max(hi, r.Base()+uint64(r.Size())-1)
	}
	return hi
}

// Start attaches the interrupt, sets Run/Stop and powers the ports.
func (c *Controller) Start() error {
	c.mu.Lock()
	st, id := c.state, c.id
	c.mu.Unlock()
	if st != stateReady && st != stateStopped {
		if st == stateRunning {
			return pkg.ErrAlreadyRunning
		}
		return fmt.Errorf("xhci: start in state %s: %w", st, pkg.ErrInvalidState)
	}

	handler := c.HandleInterrupt
	if id >= 0 {
		handler = Interrupt(id)
	}
	if err := c.platform.AttachInterrupt(handler); err != nil {
		return fmt.Errorf("xhci: attach interrupt: %w", err)
	}

	c.opWrite(opUSBCmd, c.opRead(opUSBCmd)|cmdRun|cmdINTE|cmdHSEE)
	if err := waitFor(context.Background(), c.cfg.HaltTimeout, "controller run", func() bool {
		return c.opRead(opUSBSts)&stsHalted == 0
	}); err != nil {
		c.opWrite(opUSBCmd, c.opRead(opUSBCmd)&^(cmdRun|cmdINTE|cmdHSEE))
		_ = c.platform.DetachInterrupt()
		return err
	}
	c.setState(stateRunning)

	if c.ppc {
		for n := 1; n <= c.maxPorts; n++ {
			if err := c.SetPortPower(n, true); err != nil {
				pkg.LogWarn(pkg.ComponentPort, "port power", "port", n, "error", err)
			}
		}
	}
	// Report devices that were attached before we started.
	for n := 1; n <= c.maxPorts; n++ {
		if c.portRead(n)&portCSC != 0 {
			select {
			case c.portEvents <- n:
			default:
			}
		}
	}
	pkg.LogInfo(pkg.ComponentHost, "controller running")
	return nil
}

// Stop halts the controller. Commands and transfers fail until Start.
func (c *Controller) Stop() error {
	c.mu.Lock()
	if c.state != stateRunning {
		st := c.state
		c.mu.Unlock()
		if st == stateStopped || st == stateReady {
			return nil
		}
		return pkg.ErrNotRunning
	}
	c.state = stateStopped
	c.mu.Unlock()

	err := c.halt(context.Background())
	if derr := c.platform.DetachInterrupt(); derr != nil {
		err = errors.Join(err, fmt.Errorf("xhci: detach interrupt: %w", derr))
	}
	pkg.LogInfo(pkg.ComponentHost, "controller stopped")
	return err
}

// Close stops the controller, resets it and frees all of its memory.
func (c *Controller) Close() error {
	c.mu.Lock()
	st := c.state
	c.mu.Unlock()
	if st == stateClosed {
		return nil
	}

	var err error
	if st == stateRunning {
		err = c.Stop()
	}
	if st != stateNew {
		if rerr := c.reset(context.Background()); rerr != nil {
			err = errors.Join(err, rerr)
		}
	}

	c.mu.Lock()
	slots := c.slots
	c.slots = nil
	c.state = stateClosed
	c.mu.Unlock()
	for _, s := range slots {
		if s != nil {
			s.releasePipes()
			if ep0 := s.pipe(controlDCI); ep0 != nil {
				ep0.release()
			}
			c.freeBuffer(s.dev.buf)
		}
	}
	c.freeMemory()
	Unregister(c)
	return err
}

// freeMemory releases controller-lifetime memory.
func (c *Controller) freeMemory() {
	c.evMu.Lock()
	defer c.evMu.Unlock()
	if c.events != nil {
		c.events.free(c.alloc)
		c.events = nil
	}
	if c.erst != nil {
		c.freeBuffer(c.erst)
		c.erst = nil
	}
	if c.cmd != nil {
		c.rings.remove(c.cmd.ring)
		c.cmd.ring.free(c.alloc)
		c.cmd = nil
	}
	for _, sp := range c.scratch {
		c.freeBuffer(sp)
	}
	c.scratch = nil
	if c.scratchArray != nil {
		c.freeBuffer(c.scratchArray)
		c.scratchArray = nil
	}
	if c.dcbaa != nil {
		c.freeBuffer(c.dcbaa.buf)
		c.dcbaa = nil
	}
}
