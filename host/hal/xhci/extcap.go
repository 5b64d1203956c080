package xhci

import (
	"context"
	"fmt"

	"github.com/ardnew/softxhci/host/hal"
	"github.com/ardnew/softxhci/pkg"
)

// psi is one Protocol Speed ID dword of a Supported Protocol capability.
type psi struct {
	value    uint8  // PSIV, as reported in PORTSC.Speed
	exponent uint8  // PSIE: 0 b/s, 1 Kb/s, 2 Mb/s, 3 Gb/s
	mantissa uint16 // PSIM
}

// bitRate returns the PSI's bit rate in bits per second.
func (p psi) bitRate() uint64 {
	r := uint64(p.mantissa)
	for range p.exponent {
		r *= 1000
	}
	return r
}

// protocol is a decoded Supported Protocol capability.
type protocol struct {
	major, minor uint8
	portOffset   int // first port, 1-based
	portCount    int
	slotType     uint8
	speeds       []psi
}

func (p *protocol) covers(port int) bool {
	return port >= p.portOffset && port < p.portOffset+p.portCount
}

func (p *protocol) String() string {
	return fmt.Sprintf("USB %d.%d ports %d-%d", p.major, p.minor>>4, p.portOffset, p.portOffset+p.portCount-1)
}

// Default speed IDs used when a protocol carries no PSI table.
const (
	psivFull      = 1
	psivLow       = 2
	psivHigh      = 3
	psivSuper     = 4
	psivSuperPlus = 5
)

// speedFor maps a port's PSIV to a HAL speed.
func (p *protocol) speedFor(psiv uint8) hal.Speed {
	if p != nil {
		for _, s := range p.speeds {
			if s.value == psiv {
				return speedFromBitRate(s.bitRate())
			}
		}
	}
	switch psiv {
	case psivFull:
		return hal.SpeedFull
	case psivLow:
		return hal.SpeedLow
	case psivHigh:
		return hal.SpeedHigh
	case psivSuper, psivSuperPlus:
		return hal.SpeedSuper
	default:
		return hal.SpeedUnknown
	}
}

func speedFromBitRate(bps uint64) hal.Speed {
	switch {
	case bps == 0:
		return hal.SpeedUnknown
	case bps <= 1_500_000:
		return hal.SpeedLow
	case bps <= 12_000_000:
		return hal.SpeedFull
	case bps <= 480_000_000:
		return hal.SpeedHigh
	default:
		return hal.SpeedSuper
	}
}

// walkExtendedCaps visits every extended capability. visit receives the
// capability ID and its MMIO offset.
func (c *Controller) walkExtendedCaps(visit func(id uint8, off uint32)) {
	off := (c.capRead(capHCCParams1) >> hccXECPShift) << 2
	for n := 0; off != 0 && n < 256; n++ {
		hdr := c.regs.Read32(off)
		visit(uint8(hdr), off)
		next := (hdr >> 8) & 0xFF
		if next == 0 {
			return
		}
		off += next << 2
	}
}

// readExtendedCaps records the legacy support capability and every
// Supported Protocol capability.
func (c *Controller) readExtendedCaps() {
	c.legacyOff = 0
	c.protocols = c.protocols[:0]
	c.walkExtendedCaps(func(id uint8, off uint32) {
		switch id {
		case xcapLegacy:
			c.legacyOff = off
		case xcapProtocol:
			p := c.readProtocol(off)
			pkg.LogDebug(pkg.ComponentPort, "supported protocol", "protocol", p.String(), "slotType", p.slotType, "psi", len(p.speeds))
			c.protocols = append(c.protocols, p)
		}
	})
}

func (c *Controller) readProtocol(off uint32) *protocol {
	dw0 := c.regs.Read32(off)
	dw2 := c.regs.Read32(off + 8)
	dw3 := c.regs.Read32(off + 12)
	p := &protocol{
		minor:      uint8(dw0 >> 16),
		major:      uint8(dw0 >> 24),
		portOffset: int(dw2 & 0xFF),
		portCount:  int(dw2>>8) & 0xFF,
		slotType:   uint8(dw3 & 0x1F),
	}
	psic := int(dw2 >> 28)
	for i := range psic {
		d := c.regs.Read32(off + 16 + uint32(i)*4)
		p.speeds = append(p.speeds, psi{
			value:    uint8(d & 0xF),
			exponent: uint8(d>>4) & 0x3,
			mantissa: uint16(d >> 16),
		})
	}
	return p
}

// protocolFor returns the Supported Protocol covering port, if any.
func (c *Controller) protocolFor(port int) *protocol {
	for _, p := range c.protocols {
		if p.covers(port) {
			return p
		}
	}
	return nil
}

// biosHandoff takes ownership of the controller from system firmware and
// disables its SMIs.
func (c *Controller) biosHandoff(ctx context.Context) error {
	if c.legacyOff == 0 {
		return nil
	}
	off := c.legacyOff
	v := c.regs.Read32(off)
	if v&legacyBIOSOwned != 0 {
		pkg.LogInfo(pkg.ComponentHost, "requesting controller ownership from firmware")
		c.regs.Write32(off, v|legacyOSOwned)
		err := waitFor(ctx, c.cfg.HandoffTimeout, "firmware handoff", func() bool {
			return c.regs.Read32(off)&legacyBIOSOwned == 0
		})
		if err != nil {
			if ctx.Err() != nil {
				return err
			}
			// Firmware did not answer; take the controller anyway.
			pkg.LogWarn(pkg.ComponentHost, "firmware handoff timed out, forcing", "error", err)
			c.regs.Write32(off, (c.regs.Read32(off)&^legacyBIOSOwned)|legacyOSOwned)
		}
	} else {
		c.regs.Write32(off, v|legacyOSOwned)
	}

	ctl := c.regs.Read32(off + legacyCtlSts)
	c.regs.Write32(off+legacyCtlSts, ctl&legacyDisableSMI|legacySMIEvents)
	return nil
}
