// Package xhcisim is a software xHCI controller for exercising the xhci
// driver without hardware.
//
// A [Controller] implements xhci.Platform. Its register window follows the
// xHCI layout (capability, operational, runtime and doorbell registers plus
// an extended capability list carrying legacy support and the USB2 and
// USB3 supported protocols). A worker goroutine consumes the command and
// transfer rings out of a heap-backed DMA region above 4 GiB, posts events
// to interrupter 0 and calls the attached interrupt handler.
//
// Devices implement [Device]; [Gadget] is a configurable device that
// answers enumeration and loops back or sources bulk, interrupt and
// isochronous data:
//
//	sim, _ := xhcisim.New(xhcisim.DefaultOptions())
//	defer sim.Close()
//	sim.Attach(1, xhcisim.NewLoopback(hal.SpeedHigh))
//	c, _ := xhci.New(sim, xhci.DefaultConfig())
//
// Topologies can be described in YAML and built with [LoadTopology].
//
// Faults can be injected to drive the driver's recovery paths: hung
// commands ([Controller.HangCommands]), forced completion codes
// ([Controller.FailCommand]), endpoints that do not start
// ([Controller.StopNewEndpoints]) and port resets that never finish
// ([Controller.StickPortReset]).
package xhcisim
