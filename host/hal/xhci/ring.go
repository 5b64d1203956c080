package xhci

import (
	"fmt"
	"sync"

	"github.com/ardnew/softxhci/host/hal/xhci/dma"
	"github.com/ardnew/softxhci/pkg"
)

const pageSize = 4096

type ringKind uint8

const (
	ringCommand ringKind = iota
	ringEvent
	ringTransfer
)

func (k ringKind) String() string {
	switch k {
	case ringCommand:
		return "command"
	case ringEvent:
		return "event"
	default:
		return "transfer"
	}
}

// Ring is a circular buffer of TRBs shared with the controller.
//
// A producer ring (command or transfer) reserves its last slot for a Link
// TRB pointing back to the first; every pass over the Link toggles the
// producer cycle state. The event ring is consumed by software and wraps at
// the segment size without a Link TRB.
//
// The consumer distinguishes new records from stale ones only by comparing
// each record's cycle bit with its own cycle state.
type Ring struct {
	mu sync.Mutex // producer lock

	kind  ringKind
	buf   *dma.Buffer
	size  int  // TRB slots, including the Link slot on producer rings
	index int  // enqueue index (producer) or dequeue index (consumer)
	cycle bool // producer or consumer cycle state

	// pipe owns a transfer ring.
	pipe *Pipe
}

// newRing allocates a ring of n TRBs. The memory is page aligned and
// rounded up to whole pages so that no two rings share a page.
func newRing(alloc dma.Allocator, kind ringKind, n int) (*Ring, error) {
	bytes := (n*TRBSize + pageSize - 1) &^ (pageSize - 1)
	buf, err := alloc.Alloc(bytes, pageSize)
	if err != nil {
		return nil, fmt.Errorf("%s ring: %w", kind, err)
	}
	r := &Ring{kind: kind, buf: buf, size: n, cycle: true}
	if kind != ringEvent {
		r.writeLink(false, r.cycle)
	}
	return r, nil
}

func (r *Ring) free(alloc dma.Allocator) {
	if r == nil || r.buf == nil {
		return
	}
	if err := alloc.Free(r.buf); err != nil {
		pkg.LogWarn(pkg.ComponentRing, "free ring", "kind", r.kind, "error", err)
	}
	r.buf = nil
}

// Addr returns the bus address of the first TRB.
func (r *Ring) Addr() uint64 { return r.buf.Addr() }

func (r *Ring) trbAddr(i int) uint64 { return r.buf.Addr() + uint64(i*TRBSize) }

// contains reports whether addr points at a TRB slot of this ring.
func (r *Ring) contains(addr uint64) bool {
	base := r.buf.Addr()
	return addr >= base && addr < base+uint64(r.size*TRBSize) && (addr-base)%TRBSize == 0
}

// indexOf returns the slot index of the TRB at addr.
func (r *Ring) indexOf(addr uint64) int {
	return int(addr-r.buf.Addr()) / TRBSize
}

// linkIndex is the slot reserved for the Link TRB.
func (r *Ring) linkIndex() int { return r.size - 1 }

// writeLink (re)writes the Link TRB with the given cycle bit.
func (r *Ring) writeLink(chain, cycle bool) {
	flags := uint32(TRBToggleCycle)
	if chain {
		flags |= TRBChain
	}
	if cycle {
		flags |= TRBCycle
	}
	linkTRB(r.buf.Addr(), flags).Store(r.buf, r.linkIndex()*TRBSize)
}

// enqueue writes t at the enqueue index with the producer cycle bit and
// returns its bus address. When the last usable slot has been filled the
// Link TRB is handed over and the producer cycle toggles. The Link keeps
// the chain flag of the TRB before it so a TD may span the wrap.
//
// The caller holds r.mu and guarantees the ring has room.
func (r *Ring) enqueue(t TRB) uint64 {
	return r.put(t, false)
}

// put stores t at the enqueue index. A withheld TRB carries the inverse of
// the producer cycle bit and stays owned by software.
func (r *Ring) put(t TRB, withhold bool) uint64 {
	t.Control &^= TRBCycle
	if r.cycle != withhold {
		t.Control |= TRBCycle
	}
	off := r.index * TRBSize
	t.Store(r.buf, off)
	addr := r.trbAddr(r.index)

	r.index++
	if r.index == r.linkIndex() {
		r.writeLink(t.Chain(), r.cycle)
		r.index = 0
		r.cycle = !r.cycle
		pkg.LogTrace(pkg.ComponentRing, "ring wrapped", "kind", r.kind, "cycle", r.cycle)
	}
	pkg.LogTrace(pkg.ComponentRing, "trb enqueued", "kind", r.kind, "addr", addr, "type", t.Type())
	return addr
}

// enqueueTD places the TRBs of one transfer descriptor on the ring and
// returns their bus addresses. The first TRB is withheld until the rest
// are written, so a running controller never starts on a half-written TD.
//
// The caller holds r.mu.
func (r *Ring) enqueueTD(trbs []TRB) []uint64 {
	if len(trbs) == 0 {
		return nil
	}
	addrs := make([]uint64, len(trbs))
	first, cycle := r.index, r.cycle
	addrs[0] = r.put(trbs[0], true)
	for i := 1; i < len(trbs); i++ {
		addrs[i] = r.put(trbs[i], false)
	}
	head := trbs[0]
	head.Control &^= TRBCycle
	if cycle {
		head.Control |= TRBCycle
	}
	r.buf.Store32(first*TRBSize+12, head.Control)
	return addrs
}

// enqueuePointer returns the bus address and cycle state the controller
// should resume from when its dequeue pointer is moved to the producer.
func (r *Ring) enqueuePointer() (uint64, bool) {
	return r.trbAddr(r.index), r.cycle
}

// peek returns the record at the consumer index if the controller has
// handed it over.
func (r *Ring) peek() (TRB, bool) {
	t := LoadTRB(r.buf, r.index*TRBSize)
	return t, t.Cycle() == r.cycle
}

// advanceDequeue moves the consumer index forward, wrapping and toggling
// the consumer cycle state at the end of the segment.
func (r *Ring) advanceDequeue() {
	r.index++
	if r.index == r.size {
		r.index = 0
		r.cycle = !r.cycle
	}
}

// dequeuePointer returns the bus address of the consumer index.
func (r *Ring) dequeuePointer() uint64 { return r.trbAddr(r.index) }

// reset reinitializes a producer ring in place, keeping its cycle state.
// Every slot is filled with the inverse cycle bit so nothing left over
// appears owned by the controller.
func (r *Ring) reset() {
	var stale TRB
	if !r.cycle {
		stale.Control = TRBCycle
	}
	for i := range r.linkIndex() {
		stale.Store(r.buf, i*TRBSize)
	}
	r.writeLink(false, !r.cycle)
	r.index = 0
}

// ringTable resolves TRB addresses found in events to the owning ring.
// Rings are page aligned and never share a page, so a page frame number
// identifies at most one ring.
type ringTable struct {
	mu    sync.RWMutex
	pages map[uint64]*Ring
}

func newRingTable() *ringTable {
	return &ringTable{pages: make(map[uint64]*Ring)}
}

func (t *ringTable) add(r *Ring) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for off := 0; off < r.buf.Len(); off += pageSize {
		t.pages[(r.buf.Addr()+uint64(off))/pageSize] = r
	}
}

func (t *ringTable) remove(r *Ring) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for off := 0; off < r.buf.Len(); off += pageSize {
		pfn := (r.buf.Addr() + uint64(off)) / pageSize
		if t.pages[pfn] == r {
			delete(t.pages, pfn)
		}
	}
}

// lookup returns the ring containing addr, or nil.
func (t *ringTable) lookup(addr uint64) *Ring {
	t.mu.RLock()
	r := t.pages[addr/pageSize]
	t.mu.RUnlock()
	if r == nil || !r.contains(addr) {
		return nil
	}
	return r
}
