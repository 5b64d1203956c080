// Package xhci drives USB eXtensible Host Controller Interface hardware.
//
// The driver talks to the controller only through the [Platform] interface:
// an MMIO window ([Registers]), a DMA allocator and an interrupt line. A
// platform may also implement [CacheMaintainer] when DMA memory is not
// cache coherent. The xhcisim package provides a software controller that
// implements Platform; the uio package binds a real PCI controller on
// Linux.
//
// # Rings
//
// Commands, transfers and events move through rings of 16-byte TRBs in DMA
// memory. Ownership of each TRB is signalled only by its cycle bit. Command
// and transfer rings end in a Link TRB that toggles the cycle state; the
// single-segment event ring wraps at its segment size. Every ring occupies
// whole pages of its own, which lets events be traced back to their ring by
// page frame number.
//
// # Lifecycle
//
// A [Controller] is created with [New], brought to a halted, programmed
// state by Init and set running by Start:
//
//	c, err := xhci.New(platform, xhci.DefaultConfig())
//	if err != nil { ... }
//	if err := c.Init(ctx); err != nil { ... }
//	if err := c.Start(); err != nil { ... }
//
// Devices are handled per root hub port:
//
//	c.ResetPort(ctx, port)
//	slot, _ := c.EnableSlot(ctx, port)
//	slot.Address(ctx, false)
//	n, _ := slot.ControlPipe().Control(ctx, setup, buf)
//	pipe, _ := slot.OpenPipe(ctx, &ep)
//	pipe.Transfer(ctx, &xhci.Request{Data: buf})
//	slot.Disable(ctx)
//
// Only one command is outstanding per controller. A command that does not
// complete within Config.CommandTimeout aborts the command ring, which is
// then resynchronized so later commands work.
//
// # Transfers
//
// A [Pipe] carries one [Request] at a time. With Request.Timeout zero,
// [Pipe.Submit] returns once the doorbell is rung and completion is
// reported through Request.Callback, which runs on the interrupt path. A
// stalled or abandoned endpoint must be recovered with [Pipe.Recover]
// before reuse; blocking submissions that time out do so themselves.
//
// # Host stack
//
// [HostHAL] adapts a controller to the [hal.HostHAL] interface used by the
// host package, including the address bookkeeping the host stack expects.
// [Controller.HubControl] answers hub class requests for the root hub.
//
// # Multiple controllers
//
// Controllers can be registered in a small arena ([Register], [Lookup]) so
// that interrupt glue which can only carry an integer reaches the right
// controller through [Interrupt].
package xhci
