package xhci

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ardnew/softxhci/host/hal"
	"github.com/ardnew/softxhci/host/hal/xhci/dma"
	"github.com/ardnew/softxhci/pkg"
)

// Request is one transfer on a pipe.
//
// For control pipes Setup must be set; Data then holds the data stage, and
// its length must not exceed Setup.Length. For other pipes Data is the
// whole payload. IN data is copied into Data before completion.
type Request struct {
	Setup *hal.SetupPacket
	Data  []byte

	// Timeout selects the submission mode. Zero returns from Submit as
	// soon as the doorbell has been rung; completion is reported only
	// through Callback. A positive timeout also blocks Submit until the
	// request completes or the timeout expires.
	Timeout time.Duration

	// Callback, if set, runs once when the request completes. It may run
	// on the interrupt path and must not block.
	Callback func(*Request)

	// Actual and Err are valid after completion.
	Actual int
	Err    error

	done chan struct{}

	// Per-TRB bookkeeping, indexed like the TD's TRBs.
	addrs  []uint64
	lens   []int
	prefix []int
	short  bool
	in     bool
}

// Done is closed when the request completes.
func (r *Request) Done() <-chan struct{} { return r.done }

// finish records the result and wakes the submitter. The caller has
// already detached r from its pipe, so finish runs at most once.
func (r *Request) finish(err error) {
	r.Err = err
	close(r.done)
	if r.Callback != nil {
		r.Callback(r)
	}
}

// find returns the index of the TRB at addr within the request's TD.
func (r *Request) find(addr uint64) int {
	for i, a := range r.addrs {
		if a == addr {
			return i
		}
	}
	return -1
}

// Pipe is an open endpoint: a transfer ring plus the endpoint context
// fields it was configured with. A pipe carries at most one request at a
// time.
type Pipe struct {
	c    *Controller
	slot *Slot
	dci  uint8
	desc hal.EndpointDescriptor
	typ  EndpointType
	mps  int

	ring   *Ring
	bounce *dma.Buffer

	mu      sync.Mutex
	pending *Request
	halted  bool
	closed  bool
}

// DCI returns the pipe's device context index.
func (p *Pipe) DCI() uint8 { return p.dci }

// Type returns the endpoint context type.
func (p *Pipe) Type() EndpointType { return p.typ }

// Slot returns the device the pipe belongs to.
func (p *Pipe) Slot() *Slot { return p.slot }

// MaxPacketSize returns the negotiated max packet size.
func (p *Pipe) MaxPacketSize() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.mps
}

// Halted reports whether the pipe needs Recover before it accepts new
// requests.
func (p *Pipe) Halted() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.halted
}

// State returns the endpoint state from the device context.
func (p *Pipe) State() EndpointState {
	return p.slot.endpointState(p.dci)
}

func (c *Controller) newPipe(s *Slot, dci uint8, desc hal.EndpointDescriptor) (*Pipe, error) {
	ring, err := newRing(c.alloc, ringTransfer, c.cfg.TransferRingSize)
	if err != nil {
		return nil, err
	}
	bounce, err := c.alloc.Alloc(c.cfg.MaxTransferSize, 64)
	if err != nil {
		ring.free(c.alloc)
		return nil, fmt.Errorf("bounce buffer: %w", err)
	}
	p := &Pipe{
		c:      c,
		slot:   s,
		dci:    dci,
		desc:   desc,
		typ:    endpointType(&desc),
		mps:    int(desc.PacketSize()),
		ring:   ring,
		bounce: bounce,
	}
	ring.pipe = p
	c.rings.add(ring)
	return p, nil
}

// release frees the pipe's memory. Any pending request is cancelled.
func (p *Pipe) release() {
	p.mu.Lock()
	req := p.pending
	p.pending = nil
	p.closed = true
	p.mu.Unlock()
	if req != nil {
		req.finish(fmt.Errorf("pipe closed: %w", pkg.ErrCancelled))
	}
	p.c.rings.remove(p.ring)
	p.ring.free(p.c.alloc)
	if p.bounce != nil {
		if err := p.c.alloc.Free(p.bounce); err != nil {
			pkg.LogWarn(pkg.ComponentEndpoint, "free bounce buffer", "error", err)
		}
		p.bounce = nil
	}
}

// Submit queues req on the pipe. See Request.Timeout for the blocking
// behaviour. A blocking submit that times out recovers the endpoint and
// returns pkg.ErrTimeout.
func (p *Pipe) Submit(req *Request) error {
	if err := p.start(req); err != nil {
		return err
	}
	if req.Timeout <= 0 {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), req.Timeout)
	defer cancel()
	return p.wait(ctx, req)
}

// Transfer submits req and waits for it. The wait ends at ctx's deadline,
// or after Config.TransferTimeout when ctx has none and req.Timeout is
// zero. It returns the number of bytes transferred.
func (p *Pipe) Transfer(ctx context.Context, req *Request) (int, error) {
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = p.c.cfg.TransferTimeout
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	if err := p.start(req); err != nil {
		return 0, err
	}
	err := p.wait(ctx, req)
	return req.Actual, err
}

// Control runs a control transfer on a control pipe.
func (p *Pipe) Control(ctx context.Context, setup hal.SetupPacket, data []byte) (int, error) {
	if int(setup.Length) < len(data) {
		data = data[:setup.Length]
	}
	return p.Transfer(ctx, &Request{Setup: &setup, Data: data})
}

func (p *Pipe) wait(ctx context.Context, req *Request) error {
	select {
	case <-req.done:
		return req.Err
	case <-ctx.Done():
	}

	p.mu.Lock()
	if p.pending != req {
		// Completed while the timer fired.
		p.mu.Unlock()
		<-req.done
		return req.Err
	}
	p.pending = nil
	p.mu.Unlock()

	err := pkg.ErrTimeout
	if errors.Is(ctx.Err(), context.Canceled) {
		err = pkg.ErrCancelled
	}
	pkg.LogWarn(pkg.ComponentTransfer, "transfer abandoned, recovering endpoint",
		"slot", p.slot.id, "dci", p.dci, "error", err)
	req.finish(err)

	rctx, cancel := context.WithTimeout(context.Background(), p.c.cfg.CommandTimeout+p.c.cfg.AbortTimeout)
	defer cancel()
	if rerr := p.Recover(rctx); rerr != nil {
		return errors.Join(err, rerr)
	}
	return err
}

// start validates req, builds its TD and rings the doorbell.
func (p *Pipe) start(req *Request) error {
	n := len(req.Data)
	if p.typ == EndpointTypeControl {
		if req.Setup == nil {
			return fmt.Errorf("control request without setup packet: %w", pkg.ErrInvalidRequest)
		}
		if n > int(req.Setup.Length) {
			return fmt.Errorf("data stage %d exceeds wLength %d: %w", n, req.Setup.Length, pkg.ErrInvalidParameter)
		}
	}
	if n > p.c.cfg.MaxTransferSize {
		return fmt.Errorf("transfer of %d bytes exceeds %d: %w", n, p.c.cfg.MaxTransferSize, pkg.ErrInvalidParameter)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	switch {
	case p.closed:
		return fmt.Errorf("pipe closed: %w", pkg.ErrInvalidState)
	case p.halted:
		return fmt.Errorf("endpoint halted: %w", pkg.ErrStall)
	case p.pending != nil:
		return fmt.Errorf("slot %d dci %d: %w", p.slot.id, p.dci, pkg.ErrBusy)
	}

	req.done = make(chan struct{})
	req.Actual, req.Err, req.short = 0, nil, false
	req.in = p.directionIn(req)
	if n > 0 && !req.in {
		copy(p.bounce.Bytes()[:n], req.Data)
	}
	if n > 0 {
		p.c.flush(p.bounce, 0, n)
	}

	trbs := p.buildTD(req)
	p.ring.mu.Lock()
	req.addrs = p.ring.enqueueTD(trbs)
	p.ring.mu.Unlock()
	p.c.flush(p.ring.buf, 0, p.ring.buf.Len())
	p.pending = req

	pkg.LogTrace(pkg.ComponentTransfer, "submit", "slot", p.slot.id, "dci", p.dci, "len", n, "trbs", len(trbs))
	p.c.ringDoorbell(p.slot.id, p.dci)
	return nil
}

func (p *Pipe) directionIn(req *Request) bool {
	if p.typ == EndpointTypeControl {
		return req.Setup.IsIn()
	}
	return p.typ.IsIn()
}

// complete accounts a Transfer Event against the pending request. It runs
// on the interrupt path.
func (p *Pipe) complete(ev TRB) {
	code := ev.CompletionCode()

	p.mu.Lock()
	req := p.pending
	if req == nil {
		p.mu.Unlock()
		pkg.LogDebug(pkg.ComponentTransfer, "transfer event with no request",
			"slot", p.slot.id, "dci", p.dci, "code", code)
		return
	}
	i := req.find(ev.Parameter)
	if i < 0 && ev.Parameter != 0 {
		p.mu.Unlock()
		pkg.LogDebug(pkg.ComponentTransfer, "stale transfer event",
			"slot", p.slot.id, "dci", p.dci, "trb", ev.Parameter, "code", code)
		return
	}

	last := i == len(req.addrs)-1
	if i >= 0 && req.lens[i] > 0 {
		req.Actual = req.prefix[i] + req.lens[i] - min(ev.Residual(), req.lens[i])
	} else if i >= 0 && last && !req.short && code == CodeSuccess {
		// Status stage or zero-length TD: everything was moved.
		req.Actual = req.total()
	}

	var err error
	done := true
	switch code {
	case CodeShortPacket:
		req.short = true
		// A control transfer finishes on its status stage.
		done = p.typ != EndpointTypeControl || last
	case CodeSuccess:
		done = last
	default:
		err = &TransferError{Code: code}
		switch code {
		case CodeStall, CodeBabble, CodeUSBTransaction, CodeSplitTransaction:
			p.halted = true
		}
	}
	if !done {
		p.mu.Unlock()
		return
	}
	p.pending = nil
	p.mu.Unlock()

	if req.in && req.Actual > 0 {
		p.c.invalidate(p.bounce, 0, req.Actual)
		copy(req.Data, p.bounce.Bytes()[:req.Actual])
	}
	if err != nil {
		pkg.LogDebug(pkg.ComponentTransfer, "transfer failed", "slot", p.slot.id, "dci", p.dci, "code", code)
	}
	req.finish(err)
}

// total returns the data length of the request's TD.
func (r *Request) total() int {
	n := 0
	for _, l := range r.lens {
		n += l
	}
	return n
}

// Recover makes a halted or abandoned endpoint usable again. A halted
// endpoint is reset; a running one is stopped. The transfer ring dequeue
// pointer is then moved to the enqueue pointer, skipping whatever the
// controller had not finished, and any pending request is cancelled.
func (p *Pipe) Recover(ctx context.Context) error {
	s := p.slot
	switch st := p.State(); st {
	case EndpointHalted:
		if _, err := p.c.submitCommand(ctx, resetEndpointTRB(s.id, p.dci, false)); err != nil {
			return fmt.Errorf("reset endpoint %d: %w", p.dci, err)
		}
	case EndpointRunning:
		if _, err := p.c.submitCommand(ctx, stopEndpointTRB(s.id, p.dci)); err != nil {
			return fmt.Errorf("stop endpoint %d: %w", p.dci, err)
		}
	case EndpointStopped, EndpointError:
	default:
		return fmt.Errorf("recover endpoint %d in state %s: %w", p.dci, st, pkg.ErrInvalidState)
	}

	p.ring.mu.Lock()
	deq, cycle := p.ring.enqueuePointer()
	p.ring.mu.Unlock()
	if _, err := p.c.submitCommand(ctx, setTRDequeueTRB(s.id, p.dci, deq, cycle)); err != nil {
		return fmt.Errorf("set dequeue endpoint %d: %w", p.dci, err)
	}

	p.mu.Lock()
	req := p.pending
	p.pending = nil
	p.halted = false
	p.mu.Unlock()
	if req != nil {
		req.finish(fmt.Errorf("endpoint recovered: %w", pkg.ErrCancelled))
	}
	pkg.LogDebug(pkg.ComponentEndpoint, "endpoint recovered", "slot", s.id, "dci", p.dci)
	return nil
}

// Close drops the endpoint from the device's configuration and frees the
// pipe. The control pipe is closed with its slot.
func (p *Pipe) Close(ctx context.Context) error {
	if p.dci == controlDCI {
		return fmt.Errorf("control pipe closes with its slot: %w", pkg.ErrInvalidEndpoint)
	}
	return p.slot.dropPipe(ctx, p)
}
