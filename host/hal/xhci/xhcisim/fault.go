package xhcisim

import (
	"github.com/ardnew/softxhci/host/hal/xhci"
)

// faults holds injected misbehaviour. Guarded by Controller.mu.
type faults struct {
	hang             int
	codes            map[xhci.TRBType][]xhci.CompletionCode
	stopNewEndpoints bool
}

func (f *faults) commandCode(t xhci.TRBType) (xhci.CompletionCode, bool) {
	q := f.codes[t]
	if len(q) == 0 {
		return 0, false
	}
	f.codes[t] = q[1:]
	return q[0], true
}

// HangCommands makes the controller stall on the next n commands. Each
// one stays unanswered until software aborts the command ring.
func (c *Controller) HangCommands(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.flt.hang = max(n, 0)
}

// FailCommand makes the next command of type t complete with code instead
// of being executed. Calls queue up per command type.
func (c *Controller) FailCommand(t xhci.TRBType, code xhci.CompletionCode) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.flt.codes == nil {
		c.flt.codes = make(map[xhci.TRBType][]xhci.CompletionCode)
	}
	c.flt.codes[t] = append(c.flt.codes[t], code)
}

// StopNewEndpoints makes the next successful Configure Endpoint leave the
// endpoints it adds in the Stopped state instead of Running.
func (c *Controller) StopNewEndpoints() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.flt.stopNewEndpoints = true
}

// StickPortReset keeps a port reset on port n from ever completing while
// stuck is set.
func (c *Controller) StickPortReset(n int, stuck bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, err := c.port(n)
	if err != nil {
		return err
	}
	p.stuck = stuck
	return nil
}
