// Package hal defines the Hardware Abstraction Layer interface for USB host stacks.
//
// The HAL sits between the host stack and a USB host controller driver. The
// host stack implements all USB protocol logic; a HAL moves transfers, reports
// root hub port state, and manages whatever per-device and per-endpoint state
// the controller keeps.
//
// # Interface Overview
//
// The [HostHAL] interface covers:
//   - controller lifecycle (Init, Start, Stop, Close)
//   - root hub ports (status, reset, enable, speed)
//   - control, bulk, interrupt and isochronous transfers
//   - device and endpoint lifecycle (SetDeviceAddress, OpenEndpoint,
//     CloseEndpoint, ReleaseDevice)
//   - connection and disconnection events
//
// Controllers that schedule endpoints in hardware, like xHCI, need to know
// about an endpoint before transfers are queued on it and need to release a
// device slot when the device goes away. Controllers that do not can
// implement OpenEndpoint, CloseEndpoint and ReleaseDevice as no-ops.
//
// The xHCI implementation lives in [github.com/ardnew/softxhci/host/hal/xhci].
package hal
