package xhci

import (
	"fmt"
	"sync"

	"github.com/ardnew/softxhci/pkg"
)

// MaxControllers is the number of controllers the arena can hold.
const MaxControllers = 8

// The arena maps small integer IDs to controllers so that interrupt glue
// that can only carry an integer finds its controller.
var arena struct {
	sync.RWMutex
	ctrl [MaxControllers]*Controller
}

// Register assigns c the lowest free arena ID.
func Register(c *Controller) (int, error) {
	arena.Lock()
	defer arena.Unlock()
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.id >= 0 {
		return c.id, nil
	}
	for i, x := range arena.ctrl {
		if x == nil {
			arena.ctrl[i] = c
			c.id = i
			return i, nil
		}
	}
	return -1, fmt.Errorf("xhci: %d controllers registered: %w", MaxControllers, pkg.ErrNoResources)
}

// Unregister removes c from the arena. It is a no-op for an unregistered
// controller.
func Unregister(c *Controller) {
	arena.Lock()
	defer arena.Unlock()
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.id >= 0 && arena.ctrl[c.id] == c {
		arena.ctrl[c.id] = nil
	}
	c.id = -1
}

// Lookup returns the controller registered under id, or nil.
func Lookup(id int) *Controller {
	if id < 0 || id >= MaxControllers {
		return nil
	}
	arena.RLock()
	defer arena.RUnlock()
	return arena.ctrl[id]
}

// Interrupt returns an interrupt handler that services whichever
// controller is registered under id when it fires.
func Interrupt(id int) func() {
	return func() {
		if c := Lookup(id); c != nil {
			c.HandleInterrupt()
		}
	}
}
