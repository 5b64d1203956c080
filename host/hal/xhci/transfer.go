package xhci

// tdBuilder accumulates the TRBs of one transfer descriptor together with
// the data length each one moves.
type tdBuilder struct {
	req  *Request
	trbs []TRB
	off  int
}

func (b *tdBuilder) add(t TRB, length int) {
	b.trbs = append(b.trbs, t)
	b.req.lens = append(b.req.lens, length)
	b.req.prefix = append(b.req.prefix, b.off)
	b.off += length
}

// tdSize is the TD Size field: packets left in the TD after a TRB that
// ends at byte end of a total-byte TD.
func tdSize(end, total, mps int) int {
	if mps <= 0 || end >= total {
		return 0
	}
	return min((total-end+mps-1)/mps, trbTDSizeMax)
}

// buildTD translates req into TRBs over the pipe's bounce buffer.
//
// Control requests become Setup, an optional Data stage and Status. Other
// requests become one chained run of Normal TRBs (the first one an Isoch
// TRB on isochronous pipes). Buffers are split so that no TRB crosses a
// 64 KiB boundary.
func (p *Pipe) buildTD(req *Request) []TRB {
	n := len(req.Data)
	req.lens = req.lens[:0]
	req.prefix = req.prefix[:0]
	b := &tdBuilder{req: req}

	if p.typ == EndpointTypeControl {
		trt := uint8(trtNoData)
		switch {
		case n > 0 && req.in:
			trt = trtIn
		case n > 0:
			trt = trtOut
		}
		b.add(setupTRB(req.Setup.Uint64(), trt), 0)
		if n > 0 {
			p.addData(b, n, true)
		}
		// Status runs opposite to the data stage; IN when there is none.
		b.add(statusTRB(n == 0 || !req.in), 0)
		return b.trbs
	}

	if n == 0 {
		b.add(p.dataTRB(0, 0, 0, TRBIOC), 0)
		return b.trbs
	}
	p.addData(b, n, false)
	return b.trbs
}

// addData appends the TRBs covering n bytes of the bounce buffer. Every TRB
// interrupts on a short packet and all but the last chain to the next. A
// non-control TD interrupts on completion of its last TRB.
func (p *Pipe) addData(b *tdBuilder, n int, stage bool) {
	base := p.bounce.Addr()
	for off := 0; off < n; {
		addr := base + uint64(off)
		l := min(n-off, trbMaxLength-int(addr%trbMaxLength))
		last := off+l == n

		flags := uint32(TRBISP)
		if !last {
			flags |= TRBChain
		} else if !stage {
			flags |= TRBIOC
		}
		size := tdSize(off+l, n, p.mps)

		var t TRB
		switch {
		case stage && off == 0:
			if b.req.in {
				flags |= TRBDirIn
			}
			t = dataTRB(addr, l, size, flags)
		case off == 0:
			t = p.dataTRB(addr, l, size, flags)
		default:
			t = normalTRB(addr, l, size, flags)
		}
		b.add(t, l)
		off += l
	}
}

// dataTRB returns the first TRB of a bulk, interrupt or isoch TD.
func (p *Pipe) dataTRB(addr uint64, length, size int, flags uint32) TRB {
	if p.typ == EndpointTypeIsochIn || p.typ == EndpointTypeIsochOut {
		return isochTRB(addr, length, size, flags)
	}
	return normalTRB(addr, length, size, flags)
}
