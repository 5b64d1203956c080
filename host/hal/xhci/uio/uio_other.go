//go:build !linux

package uio

import (
	"fmt"
	"runtime"

	"github.com/ardnew/softxhci/host/hal/xhci"
	"github.com/ardnew/softxhci/host/hal/xhci/dma"
	"github.com/ardnew/softxhci/pkg"
)

// Platform is unavailable outside Linux.
type Platform struct{}

// Open always fails outside Linux.
func Open(Options) (*Platform, error) {
	return nil, fmt.Errorf("uio on %s: %w", runtime.GOOS, pkg.ErrNotSupported)
}

func (*Platform) Registers() xhci.Registers    { return nil }
func (*Platform) Allocator() dma.Allocator     { return nil }
func (*Platform) AttachInterrupt(func()) error { return pkg.ErrNotSupported }
func (*Platform) DetachInterrupt() error       { return nil }
func (*Platform) Function() Function           { return Function{} }
func (*Platform) Close() error                 { return nil }
