package xhcisim

// The extended capability list holds a USB Legacy Support capability
// followed by one Supported Protocol capability per port kind. USB2 ports
// report the default speed IDs; USB3 ports carry an explicit PSI table.

const (
	xcapLegacy   = 1
	xcapProtocol = 2
	nameUSB      = 0x20425355 // "USB "
)

// psiDword encodes a Protocol Speed ID: value, exponent (3 for Gb/s) and
// mantissa.
func psiDword(value, exponent uint32, mantissa uint32) uint32 {
	return value | exponent<<4 | mantissa<<16
}

// extCaps lays out the capability dwords. Legacy dwords 0 and 1 are
// patched with live state on read.
func (c *Controller) extCaps() []uint32 {
	var caps [][]uint32
	caps = append(caps, []uint32{xcapLegacy, 0, 0, 0})
	if n := c.opts.USB2Ports; n > 0 {
		caps = append(caps, []uint32{
			xcapProtocol | 0x00<<16 | 0x02<<24,
			nameUSB,
			1 | uint32(n)<<8,
			0,
		})
	}
	if n := c.opts.USB3Ports; n > 0 {
		caps = append(caps, []uint32{
			xcapProtocol | 0x10<<16 | 0x03<<24,
			nameUSB,
			uint32(c.opts.USB2Ports+1) | uint32(n)<<8 | 2<<28,
			0,
			psiDword(psivSuper, 3, 5),
			psiDword(psivSuperPlus, 3, 10),
		})
	}
	var out []uint32
	for i, cp := range caps {
		if i < len(caps)-1 {
			cp[0] |= uint32(len(cp)) << 8
		}
		out = append(out, cp...)
	}
	return out
}

func (c *Controller) readExtCap(off uint32) uint32 {
	if off%4 != 0 {
		return 0
	}
	caps := c.extCaps()
	i := int(off / 4)
	if i >= len(caps) {
		return 0
	}
	switch i {
	case 0:
		return caps[0] | c.legacy
	case 1:
		return c.legacyCtl
	}
	return caps[i]
}

func (c *Controller) writeExtCap(off, v uint32) {
	switch off {
	case 0:
		c.legacy = v & (legacyBIOSOwned | legacyOSOwned)
	case 4:
		// Bits 29-31 are write-1-to-clear SMI events.
		c.legacyCtl = v &^ (0x7 << 29)
	}
}
