package xhcisim

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ardnew/softxhci/host/hal/xhci"
	"github.com/ardnew/softxhci/host/hal/xhci/dma"
	"github.com/ardnew/softxhci/pkg"
)

// Options shape the simulated controller.
type Options struct {
	USB2Ports        int    `yaml:"usb2_ports"`
	USB3Ports        int    `yaml:"usb3_ports"`
	MaxSlots         int    `yaml:"max_slots"`
	Scratchpads      int    `yaml:"scratchpads"`
	CSZ64            bool   `yaml:"csz64"`
	PortPowerControl bool   `yaml:"port_power_control"`
	BIOSOwned        bool   `yaml:"bios_owned"`
	MemoryBase       uint64 `yaml:"memory_base"`
	MemorySize       int    `yaml:"memory_size"`

	// ResetTicks is how many worker ticks a USB2 port reset takes.
	ResetTicks int `yaml:"reset_ticks"`

	// UnresponsiveFirmware keeps the BIOS-owned semaphore set no matter
	// what the OS writes.
	UnresponsiveFirmware bool `yaml:"unresponsive_firmware"`
}

// DefaultOptions returns a two-plus-two port controller with 16 slots and a
// few scratchpad buffers, its DMA memory placed above 4 GiB.
func DefaultOptions() Options {
	return Options{
		USB2Ports:   2,
		USB3Ports:   2,
		MaxSlots:    16,
		Scratchpads: 2,
		MemoryBase:  1 << 32,
		MemorySize:  8 << 20,
		ResetTicks:  2,
	}
}

func (o Options) validate() error {
	var errs []error
	if o.USB2Ports < 0 || o.USB3Ports < 0 || o.USB2Ports+o.USB3Ports == 0 || o.USB2Ports+o.USB3Ports > 64 {
		errs = append(errs, fmt.Errorf("ports %d+%d: need 1 to 64", o.USB2Ports, o.USB3Ports))
	}
	if o.MaxSlots < 1 || o.MaxSlots > 255 {
		errs = append(errs, fmt.Errorf("max slots %d: need 1 to 255", o.MaxSlots))
	}
	if o.Scratchpads < 0 || o.Scratchpads > 1023 {
		errs = append(errs, fmt.Errorf("scratchpads %d: need 0 to 1023", o.Scratchpads))
	}
	if o.MemorySize < 1<<20 {
		errs = append(errs, fmt.Errorf("memory size %d: need at least 1 MiB", o.MemorySize))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("xhcisim: %w: %w", pkg.ErrInvalidParameter, err)
	}
	return nil
}

// Stats counts what the simulated controller has done.
type Stats struct {
	Commands      int // command TRBs executed
	Aborts        int // command ring aborts
	TDs           int // transfer descriptors completed
	NAKs          int // transfer attempts answered with NAK
	Events        int // events posted
	DroppedEvents int // events lost to a full or missing event ring
	PortResets    int
}

// Controller is a software xHCI controller. It implements xhci.Platform:
// register accesses act on a modelled register file and a worker goroutine
// consumes the command and transfer rings from a heap-backed DMA region,
// posting events and raising the attached interrupt handler.
type Controller struct {
	opts Options
	mem  *dma.Region
	csz  int

	mu sync.Mutex

	usbcmd, usbsts, dnctrl, config uint32
	dcbaap                         uint64

	// Command ring.
	crcrLo, crcrHi uint32
	crr            bool
	cmdDeq         uint64
	cmdCycle       bool
	cmdArmed       bool
	cmdHung        uint64 // TRB the controller is stuck on

	// Interrupter 0.
	iman, imod, erstsz uint32
	erstba, erdp       uint64
	ehb                bool
	evt                eventRing
	handler            func()

	legacy, legacyCtl uint32
	mfindex           uint32

	ports []*simPort
	slots []*simSlot
	flt   faults
	stats Stats

	kick   chan struct{}
	stop   chan struct{}
	wg     sync.WaitGroup
	closed bool
}

var _ xhci.Platform = (*Controller)(nil)

type eventRing struct {
	valid bool
	base  uint64
	size  int
	index int
	cycle bool
}

// New returns a running simulated controller. The worker goroutine stops
// with Close.
func New(opts Options) (*Controller, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}
	mem, err := dma.NewHeapRegion(opts.MemoryBase, opts.MemorySize)
	if err != nil {
		return nil, fmt.Errorf("xhcisim: memory: %w", err)
	}
	c := &Controller{
		opts: opts,
		mem:  mem,
		csz:  32,
		kick: make(chan struct{}, 1),
		stop: make(chan struct{}),
	}
	if opts.CSZ64 {
		c.csz = 64
	}
	if opts.BIOSOwned {
		c.legacy = legacyBIOSOwned
	}
	// SMI enables as firmware would leave them.
	c.legacyCtl = 0x1
	n := opts.USB2Ports + opts.USB3Ports
	c.ports = make([]*simPort, n)
	for i := range c.ports {
		c.ports[i] = &simPort{num: i + 1, usb3: i >= opts.USB2Ports}
	}
	c.hardReset()

	c.wg.Add(1)
	go c.run()
	pkg.LogDebug(pkg.ComponentSim, "controller created", "usb2", opts.USB2Ports, "usb3", opts.USB3Ports,
		"slots", opts.MaxSlots, "scratchpads", opts.Scratchpads, "base", opts.MemoryBase)
	return c, nil
}

// Close stops the worker. The controller must not be used afterwards.
func (c *Controller) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.handler = nil
	c.mu.Unlock()
	close(c.stop)
	c.wg.Wait()
	return nil
}

// Memory returns the DMA region the controller reads and writes.
func (c *Controller) Memory() *dma.Region { return c.mem }

// Stats returns a snapshot of the controller's counters.
func (c *Controller) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}

// Registers implements xhci.Platform.
func (c *Controller) Registers() xhci.Registers { return c }

// Allocator implements xhci.Platform.
func (c *Controller) Allocator() dma.Allocator { return c.mem }

// AttachInterrupt implements xhci.Platform. The handler only ever runs on
// the worker goroutine.
func (c *Controller) AttachInterrupt(handler func()) error {
	if handler == nil {
		return fmt.Errorf("xhcisim: nil interrupt handler: %w", pkg.ErrInvalidParameter)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return fmt.Errorf("xhcisim: %w", pkg.ErrNotRunning)
	}
	c.handler = handler
	c.signal()
	return nil
}

// DetachInterrupt implements xhci.Platform.
func (c *Controller) DetachInterrupt() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handler = nil
	return nil
}

// hardReset returns every register to its power-on value. Attached
// devices stay attached. The caller holds c.mu or owns c exclusively.
func (c *Controller) hardReset() {
	c.usbcmd, c.usbsts, c.dnctrl, c.config = 0, stsHalted, 0, 0
	c.dcbaap = 0
	c.crcrLo, c.crcrHi, c.crr, c.cmdDeq, c.cmdCycle, c.cmdArmed, c.cmdHung = 0, 0, false, 0, false, false, 0
	c.iman, c.imod, c.erstsz, c.erstba, c.erdp, c.ehb = 0, 0x4000, 0, 0, 0, false
	c.evt = eventRing{}
	c.slots = make([]*simSlot, c.opts.MaxSlots+1)
	for _, p := range c.ports {
		p.sc = 0
		p.resetTicks = 0
		if !c.opts.PortPowerControl {
			p.sc |= portPP
		}
		if p.dev != nil && p.sc&portPP != 0 {
			p.connect()
		}
	}
}

func (c *Controller) running() bool { return c.usbcmd&cmdRun != 0 }

// signal wakes the worker.
func (c *Controller) signal() {
	select {
	case c.kick <- struct{}{}:
	default:
	}
}

// tickInterval is the worker's time base, used for port resets, firmware
// handoff, MFINDEX and NAK retries.
const tickInterval = time.Millisecond

func (c *Controller) run() {
	defer c.wg.Done()
	t := time.NewTicker(tickInterval)
	defer t.Stop()
	for {
		select {
		case <-c.stop:
			return
		case <-c.kick:
		case <-t.C:
			c.tick()
		}
		c.process()
		c.deliver()
	}
}

func (c *Controller) tick() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running() {
		c.mfindex = (c.mfindex + 8) & 0x3FFF
	}
	if c.legacy&legacyOSOwned != 0 && c.legacy&legacyBIOSOwned != 0 && !c.opts.UnresponsiveFirmware {
		c.legacy &^= legacyBIOSOwned
		pkg.LogDebug(pkg.ComponentSim, "firmware released controller")
	}
	for _, p := range c.ports {
		c.portTick(p)
	}
	// Retry transfers the device NAKed.
	for _, s := range c.slots {
		if s == nil {
			continue
		}
		for _, ep := range s.eps {
			if ep != nil && ep.busy != 0 {
				ep.armed = true
			}
		}
	}
}

// process consumes whatever the rings hold.
func (c *Controller) process() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.running() {
		return
	}
	if c.cmdArmed {
		c.runCommands()
	}
	for _, s := range c.slots {
		if s == nil {
			continue
		}
		for _, ep := range s.eps {
			if ep != nil && ep.armed {
				c.runEndpoint(s, ep)
			}
		}
	}
}

// deliver calls the interrupt handler while an interrupt is pending.
func (c *Controller) deliver() {
	for range 8 {
		c.mu.Lock()
		h := c.handler
		pending := c.iman&imanIP != 0 && c.iman&imanIE != 0 && c.usbcmd&cmdINTE != 0 && c.running()
		c.mu.Unlock()
		if h == nil || !pending {
			return
		}
		h()
	}
	// Still pending after several passes; try again on the next tick.
}

// view returns n bytes of DMA memory at addr. A bad pointer is a host
// system error, as a failed bus master access would be.
func (c *Controller) view(addr uint64, n int) *dma.Buffer {
	b, err := c.mem.View(addr, n)
	if err != nil {
		c.usbsts |= 1 << 2 // HSE
		pkg.LogError(pkg.ComponentSim, "bus error", "addr", addr, "len", n, "error", err)
		return nil
	}
	return b
}

func (c *Controller) loadTRB(addr uint64) (xhci.TRB, bool) {
	b := c.view(addr, xhci.TRBSize)
	if b == nil {
		return xhci.TRB{}, false
	}
	return xhci.LoadTRB(b, 0), true
}

// post writes ev to the event ring and raises the interrupt. Events are
// lost while the controller is halted or its event ring is unprogrammed
// or full.
func (c *Controller) post(ev xhci.TRB) {
	if !c.running() || c.erstsz == 0 {
		c.stats.DroppedEvents++
		return
	}
	r := &c.evt
	if !r.valid {
		seg := c.view(c.erstba, 16)
		if seg == nil {
			c.stats.DroppedEvents++
			return
		}
		r.base = seg.Load64(0) &^ 0x3F
		r.size = int(seg.Load32(8) & 0xFFFF)
		r.index, r.cycle, r.valid = 0, true, r.size > 0
		if !r.valid {
			c.stats.DroppedEvents++
			return
		}
	}
	deq := int((c.erdp&^0xF - r.base) / xhci.TRBSize)
	if (r.index+1)%r.size == deq {
		c.stats.DroppedEvents++
		pkg.LogWarn(pkg.ComponentSim, "event ring full", "type", ev.Type())
		return
	}
	b := c.view(r.base+uint64(r.index*xhci.TRBSize), xhci.TRBSize)
	if b == nil {
		c.stats.DroppedEvents++
		return
	}
	ev.Control &^= xhci.TRBCycle
	if r.cycle {
		ev.Control |= xhci.TRBCycle
	}
	ev.Store(b, 0)
	r.index++
	if r.index == r.size {
		r.index = 0
		r.cycle = !r.cycle
	}
	c.stats.Events++
	c.iman |= imanIP
	c.usbsts |= stsEINT
	c.ehb = true
}

// Read32 implements xhci.Registers.
func (c *Controller) Read32(off uint32) uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch {
	case off < capLen:
		return c.readCap(off)
	case off >= capLen+regPortBase && off < capLen+regPortBase+uint32(len(c.ports))*regPortSize:
		rel := off - capLen - regPortBase
		if rel%regPortSize != 0 {
			return 0
		}
		return c.ports[rel/regPortSize].sc
	case off >= capLen && off < capLen+regPortBase:
		return c.readOp(off - capLen)
	case off >= rtsOff && off < dbOff:
		return c.readRuntime(off - rtsOff)
	case off >= xecpOff && off < windowLen:
		return c.readExtCap(off - xecpOff)
	}
	return 0
}

func (c *Controller) readCap(off uint32) uint32 {
	switch off {
	case regCapLength:
		return capLen | hciVersion<<16
	case regHCSParams1:
		return uint32(c.opts.MaxSlots) | 1<<8 | uint32(len(c.ports))<<24
	case regHCSParams2:
		sp := uint32(c.opts.Scratchpads)
		return (sp>>5)<<21 | (sp&0x1F)<<27
	case regHCCParams1:
		v := uint32(hccAC64) | (xecpOff>>2)<<16
		if c.opts.CSZ64 {
			v |= hccCSZ
		}
		if c.opts.PortPowerControl {
			v |= hccPPC
		}
		return v
	case regDBOff:
		return dbOff
	case regRTSOff:
		return rtsOff
	}
	return 0
}

func (c *Controller) readOp(off uint32) uint32 {
	switch off {
	case regUSBCmd:
		return c.usbcmd
	case regUSBSts:
		return c.usbsts
	case regPageSize:
		return 1
	case regDNCtrl:
		return c.dnctrl
	case regCRCR:
		if c.crr {
			return crcrCRR
		}
		return 0
	case regDCBAAP:
		return uint32(c.dcbaap)
	case regDCBAAPHi:
		return uint32(c.dcbaap >> 32)
	case regConfig:
		return c.config
	}
	return 0
}

func (c *Controller) readRuntime(off uint32) uint32 {
	switch off {
	case regMFIndex:
		return c.mfindex
	case regIMAN:
		return c.iman
	case regIMOD:
		return c.imod
	case regERSTSZ:
		return c.erstsz
	case regERSTBA:
		return uint32(c.erstba)
	case regERSTBAHi:
		return uint32(c.erstba >> 32)
	case regERDP:
		v := uint32(c.erdp)
		if c.ehb {
			v |= erdpEHB
		}
		return v
	case regERDPHi:
		return uint32(c.erdp >> 32)
	}
	return 0
}

// Write32 implements xhci.Registers.
func (c *Controller) Write32(off, v uint32) {
	c.mu.Lock()
	defer c.signal()
	defer c.mu.Unlock()

	switch {
	case off < capLen:
		// Read-only.
	case off >= capLen+regPortBase && off < capLen+regPortBase+uint32(len(c.ports))*regPortSize:
		rel := off - capLen - regPortBase
		if rel%regPortSize == 0 {
			c.writePort(c.ports[rel/regPortSize], v)
		}
	case off >= capLen && off < capLen+regPortBase:
		c.writeOp(off-capLen, v)
	case off >= rtsOff && off < dbOff:
		c.writeRuntime(off-rtsOff, v)
	case off >= dbOff && off < xecpOff:
		c.doorbell(int(off-dbOff)/4, v)
	case off >= xecpOff && off < windowLen:
		c.writeExtCap(off-xecpOff, v)
	}
}

func (c *Controller) writeOp(off, v uint32) {
	switch off {
	case regUSBCmd:
		if v&cmdReset != 0 {
			pkg.LogDebug(pkg.ComponentSim, "controller reset")
			c.hardReset()
			return
		}
		c.usbcmd = v
		if v&cmdRun != 0 {
			c.usbsts &^= stsHalted
		} else {
			c.usbsts |= stsHalted
			c.crr = false
		}
	case regUSBSts:
		c.usbsts &^= v & stsRW1C
	case regDNCtrl:
		c.dnctrl = v
	case regCRCR:
		c.writeCRCR(v)
	case regCRCRHi:
		if !c.crr {
			c.crcrHi = v
		}
	case regDCBAAP:
		c.dcbaap = c.dcbaap&^0xFFFF_FFFF | uint64(v&^0x3F)
	case regDCBAAPHi:
		c.dcbaap = c.dcbaap&0xFFFF_FFFF | uint64(v)<<32
	case regConfig:
		c.config = v
	}
}

// writeCRCR handles the low CRCR dword. The ring pointer and cycle state
// only latch while the ring is stopped; Command Stop and Command Abort
// only act while it runs.
func (c *Controller) writeCRCR(v uint32) {
	if v&(crcrCS|crcrCA) != 0 {
		if c.crr {
			c.stopCommandRing(v&crcrCA != 0)
		}
		return
	}
	if !c.crr {
		c.crcrLo = v
	}
}

func (c *Controller) writeRuntime(off, v uint32) {
	switch off {
	case regIMAN:
		c.iman = c.iman&^imanIE | v&imanIE
		if v&imanIP != 0 {
			c.iman &^= imanIP
		}
	case regIMOD:
		c.imod = v
	case regERSTSZ:
		c.erstsz = v & 0xFFFF
	case regERSTBA:
		c.erstba = c.erstba&^0xFFFF_FFFF | uint64(v&^0x3F)
		c.evt.valid = false
	case regERSTBAHi:
		c.erstba = c.erstba&0xFFFF_FFFF | uint64(v)<<32
		c.evt.valid = false
	case regERDP:
		c.erdp = c.erdp&^0xFFFF_FFFF | uint64(v&^0xF)
		if v&erdpEHB != 0 {
			c.ehb = false
		}
	case regERDPHi:
		c.erdp = c.erdp&0xFFFF_FFFF | uint64(v)<<32
	}
}

func (c *Controller) doorbell(slot int, v uint32) {
	target := uint8(v)
	if slot == 0 {
		if target != 0 {
			return
		}
		if !c.crr {
			c.crr = true
			c.cmdDeq = (uint64(c.crcrHi)<<32 | uint64(c.crcrLo)) &^ 0x3F
			c.cmdCycle = c.crcrLo&crcrRCS != 0
		}
		c.cmdArmed = true
		return
	}
	if slot >= len(c.slots) || c.slots[slot] == nil || target < 1 || target > 31 {
		pkg.LogDebug(pkg.ComponentSim, "doorbell ignored", "slot", slot, "target", target)
		return
	}
	s := c.slots[slot]
	ep := s.eps[target]
	if ep == nil {
		return
	}
	ep.armed = true
	if ep.ctx.State == xhci.EndpointStopped {
		ep.ctx.State = xhci.EndpointRunning
		c.writeOutput(s)
	}
}
