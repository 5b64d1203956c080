package xhci

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ardnew/softxhci/pkg"
)

// commandRing serializes administrative commands. Exactly one command is
// outstanding at a time; its submitter blocks until the matching
// completion event arrives or the command times out.
type commandRing struct {
	ring *Ring

	// mu is held by the submitter for the whole life of a command.
	mu sync.Mutex

	// done is signalled by the event processor when the outstanding
	// command completes.
	done chan struct{}

	// pmu guards pending and result, shared with the event processor.
	pmu     sync.Mutex
	pending uint64 // bus address of the outstanding command TRB, or 0
	result  TRB
}

func newCommandRing(r *Ring) *commandRing {
	return &commandRing{ring: r, done: make(chan struct{}, 1)}
}

// complete matches a Command Completion Event against the outstanding
// command. Events for any other TRB (late completions of aborted commands,
// Command Ring Stopped) are dropped.
func (cr *commandRing) complete(ev TRB) {
	cr.pmu.Lock()
	if cr.pending == 0 || ev.Parameter != cr.pending {
		cr.pmu.Unlock()
		pkg.LogDebug(pkg.ComponentCommand, "dropping stale completion",
			"trb", ev.Parameter, "code", ev.CompletionCode())
		return
	}
	cr.pending = 0
	cr.result = ev
	cr.pmu.Unlock()

	select {
	case cr.done <- struct{}{}:
	default:
	}
}

// submitCommand places t on the command ring, rings doorbell 0 and waits
// for its completion. A timeout (Config.CommandTimeout or ctx) aborts the
// command ring and resynchronizes it before returning.
func (c *Controller) submitCommand(ctx context.Context, t TRB) (TRB, error) {
	if !c.isRunning() {
		return TRB{}, fmt.Errorf("%s: %w", t.Type(), pkg.ErrNotRunning)
	}
	cr := c.cmd
	cr.mu.Lock()
	defer cr.mu.Unlock()

	// Discard a signal left over from a command that timed out after its
	// completion was already queued.
	select {
	case <-cr.done:
	default:
	}

	cr.pmu.Lock()
	addr := cr.ring.enqueue(t)
	cr.pending = addr
	cr.pmu.Unlock()
	c.flush(cr.ring.buf, 0, cr.ring.buf.Len())

	pkg.LogDebug(pkg.ComponentCommand, "submit", "type", t.Type(), "trb", addr)
	c.ringDoorbell(0, 0)

	timer := time.NewTimer(c.cfg.CommandTimeout)
	defer timer.Stop()

	var waitErr error
	select {
	case <-cr.done:
		cr.pmu.Lock()
		ev := cr.result
		cr.pmu.Unlock()
		code := ev.CompletionCode()
		if code != CodeSuccess {
			pkg.LogDebug(pkg.ComponentCommand, "command failed", "type", t.Type(), "code", code)
			return ev, &CommandError{Command: t.Type(), Code: code}
		}
		return ev, nil
	case <-timer.C:
		waitErr = ErrCommandTimeout
	case <-ctx.Done():
		waitErr = fmt.Errorf("%w: %w", ErrCommandTimeout, ctx.Err())
	}

	pkg.LogWarn(pkg.ComponentCommand, "command timed out, aborting", "type", t.Type(), "trb", addr)
	cr.pmu.Lock()
	cr.pending = 0
	cr.pmu.Unlock()
	if err := c.abortCommandRing(); err != nil {
		return TRB{}, errors.Join(fmt.Errorf("%s: %w", t.Type(), waitErr), err)
	}
	return TRB{}, fmt.Errorf("%s: %w", t.Type(), waitErr)
}

// abortCommandRing stops the command ring, waits for CRR to clear and
// rewinds the ring to its base with the producer cycle state preserved.
// The caller holds cr.mu.
func (c *Controller) abortCommandRing() error {
	cr := c.cmd
	c.opWrite(opCRCR, crcrCA)
	c.opWrite(opCRCR+4, 0)

	err := waitFor(context.Background(), c.cfg.AbortTimeout, "command ring abort", func() bool {
		return c.opRead(opCRCR)&crcrCRR == 0
	})
	if err != nil {
		pkg.LogError(pkg.ComponentCommand, "command ring did not stop", "error", err)
		return err
	}

	cr.ring.mu.Lock()
	cr.ring.reset()
	addr, cycle := cr.ring.enqueuePointer()
	cr.ring.mu.Unlock()
	c.flush(cr.ring.buf, 0, cr.ring.buf.Len())

	c.writeCRCR(addr, cycle)
	pkg.LogInfo(pkg.ComponentCommand, "command ring resynchronized", "cycle", cycle)
	return nil
}

func (c *Controller) writeCRCR(addr uint64, cycle bool) {
	v := addr & crcrPtrMask
	if cycle {
		v |= crcrRCS
	}
	c.opWrite64(opCRCR, v)
}

// NoOp submits a No Op command. It exercises the command and event rings
// without side effects.
func (c *Controller) NoOp(ctx context.Context) error {
	_, err := c.submitCommand(ctx, noOpCommandTRB())
	return err
}
