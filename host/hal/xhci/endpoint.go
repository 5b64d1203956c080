package xhci

import (
	"fmt"
	"math/bits"

	"github.com/ardnew/softxhci/host/hal"
	"github.com/ardnew/softxhci/pkg"
)

// controlDCI is the device context index of the default control endpoint.
const controlDCI = 1

// EndpointDCI returns the device context index for an endpoint address.
// Control endpoints are bidirectional and take the IN index, so the
// default control endpoint lands on DCI 1.
func EndpointDCI(address uint8, typ hal.TransferType) uint8 {
	dci := (address & 0x0F) * 2
	if typ == hal.TransferControl || address&0x80 != 0 {
		dci++
	}
	return dci
}

// endpointType maps a descriptor to the endpoint context type.
func endpointType(ep *hal.EndpointDescriptor) EndpointType {
	in := ep.IsIn()
	switch ep.TransferType() {
	case hal.TransferControl:
		return EndpointTypeControl
	case hal.TransferIsochronous:
		if in {
			return EndpointTypeIsochIn
		}
		return EndpointTypeIsochOut
	case hal.TransferBulk:
		if in {
			return EndpointTypeBulkIn
		}
		return EndpointTypeBulkOut
	default:
		if in {
			return EndpointTypeIntIn
		}
		return EndpointTypeIntOut
	}
}

// endpointInterval converts bInterval to the context's Interval field, an
// exponent of 125 us units.
func endpointInterval(speed hal.Speed, ep *hal.EndpointDescriptor) uint8 {
	typ := ep.TransferType()
	if typ == hal.TransferControl || typ == hal.TransferBulk {
		// NAK rate for high-speed control and bulk OUT; unused otherwise.
		return 0
	}
	b := int(ep.Interval)
	switch speed {
	case hal.SpeedHigh, hal.SpeedSuper:
		return uint8(min(max(b, 1), 16) - 1)
	default:
		if typ == hal.TransferIsochronous {
			// Full-speed isoch bInterval is 2^(b-1) frames.
			return uint8(min(max(b, 1), 16) + 2)
		}
		// Interrupt bInterval is in frames; convert to microframes and
		// round down to a power of two.
		frames := max(b, 1)
		exp := bits.Len(uint(frames*8)) - 1
		return uint8(min(max(exp, 3), 10))
	}
}

// endpointBurst returns the MaxBurst field: additional transactions per
// microframe for high speed periodic endpoints, bMaxBurst for SuperSpeed.
func endpointBurst(speed hal.Speed, ep *hal.EndpointDescriptor) uint8 {
	switch speed {
	case hal.SpeedSuper:
		return ep.MaxBurst
	case hal.SpeedHigh:
		typ := ep.TransferType()
		if typ == hal.TransferInterrupt || typ == hal.TransferIsochronous {
			return uint8(ep.MaxPacketSize>>11) & 0x3
		}
	}
	return 0
}

// endpointContext builds the endpoint context for a newly configured
// endpoint whose transfer ring starts at deq with cycle state dcs.
func endpointContext(speed hal.Speed, ep *hal.EndpointDescriptor, deq uint64, dcs bool) (EndpointContext, error) {
	mps := ep.PacketSize()
	if mps == 0 && ep.TransferType() != hal.TransferIsochronous {
		return EndpointContext{}, fmt.Errorf("endpoint 0x%02x: zero max packet size: %w", ep.Address, pkg.ErrInvalidEndpoint)
	}
	typ := endpointType(ep)
	burst := endpointBurst(speed, ep)
	e := EndpointContext{
		Type:           typ,
		MaxPacketSize:  mps,
		MaxBurst:       burst,
		Interval:       endpointInterval(speed, ep),
		ErrorCount:     3,
		DequeuePointer: deq,
		DequeueCycle:   dcs,
	}
	esit := uint32(mps) * (uint32(burst) + 1)
	switch ep.TransferType() {
	case hal.TransferControl:
		e.AverageTRBLength = 8
	case hal.TransferInterrupt:
		e.MaxESITPayload = esit
		e.AverageTRBLength = uint16(min(esit, 1024))
	case hal.TransferIsochronous:
		e.ErrorCount = 0
		e.MaxESITPayload = esit
		e.AverageTRBLength = 3072
	default:
		e.AverageTRBLength = 3072
	}
	return e, nil
}

// controlContext builds the EP0 context used by Address Device.
func controlContext(mps uint16, deq uint64, dcs bool) EndpointContext {
	return EndpointContext{
		Type:             EndpointTypeControl,
		MaxPacketSize:    mps,
		ErrorCount:       3,
		DequeuePointer:   deq,
		DequeueCycle:     dcs,
		AverageTRBLength: 8,
	}
}
