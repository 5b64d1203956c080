package xhci

import (
	"fmt"

	"github.com/ardnew/softxhci/host/hal/xhci/dma"
	"github.com/ardnew/softxhci/pkg"
)

// Device context layout. A device context holds the slot context followed
// by 31 endpoint contexts; an input context prepends the input control
// context. Each entry is 32 or 64 bytes (HCCPARAMS1.CSZ); only the first
// 32 bytes carry fields.
const (
	deviceContextEntries = 32
	inputContextEntries  = 33
	maxDCI               = 31
)

// SlotState is the slot state reported in the slot context.
type SlotState uint8

// Slot context states.
const (
	SlotStateDisabled   SlotState = 0 // disabled or enabled
	SlotStateDefault    SlotState = 1
	SlotStateAddressed  SlotState = 2
	SlotStateConfigured SlotState = 3
)

func (s SlotState) String() string {
	switch s {
	case SlotStateDisabled:
		return "disabled/enabled"
	case SlotStateDefault:
		return "default"
	case SlotStateAddressed:
		return "addressed"
	case SlotStateConfigured:
		return "configured"
	default:
		return fmt.Sprintf("slot state %d", uint8(s))
	}
}

// EndpointState is the endpoint state reported in an endpoint context.
type EndpointState uint8

// Endpoint context states.
const (
	EndpointDisabled EndpointState = 0
	EndpointRunning  EndpointState = 1
	EndpointHalted   EndpointState = 2
	EndpointStopped  EndpointState = 3
	EndpointError    EndpointState = 4
)

func (s EndpointState) String() string {
	switch s {
	case EndpointDisabled:
		return "disabled"
	case EndpointRunning:
		return "running"
	case EndpointHalted:
		return "halted"
	case EndpointStopped:
		return "stopped"
	case EndpointError:
		return "error"
	default:
		return fmt.Sprintf("endpoint state %d", uint8(s))
	}
}

// EndpointType is the endpoint type field of an endpoint context.
type EndpointType uint8

// Endpoint context types.
const (
	EndpointTypeInvalid  EndpointType = 0
	EndpointTypeIsochOut EndpointType = 1
	EndpointTypeBulkOut  EndpointType = 2
	EndpointTypeIntOut   EndpointType = 3
	EndpointTypeControl  EndpointType = 4
	EndpointTypeIsochIn  EndpointType = 5
	EndpointTypeBulkIn   EndpointType = 6
	EndpointTypeIntIn    EndpointType = 7
)

const endpointTypeInBit = 4

// IsIn reports whether the endpoint moves data device to host.
func (t EndpointType) IsIn() bool { return t != EndpointTypeControl && t&endpointTypeInBit != 0 }

// SlotContext mirrors the fields of a slot context.
type SlotContext struct {
	RouteString       uint32
	Speed             uint8 // protocol speed ID (PSIV)
	MTT               bool
	Hub               bool
	ContextEntries    uint8 // index of the last valid endpoint context
	MaxExitLatency    uint16
	RootHubPort       uint8
	NumPorts          uint8
	TTHubSlot         uint8
	TTPort            uint8
	TTThinkTime       uint8
	InterrupterTarget uint16
	DeviceAddress     uint8
	State             SlotState
}

// Encode writes the context at byte offset off of b.
func (s *SlotContext) Encode(b *dma.Buffer, off int) {
	dw0 := s.RouteString&0xFFFFF | uint32(s.Speed&0xF)<<20 | uint32(s.ContextEntries&0x1F)<<27
	if s.MTT {
		dw0 |= 1 << 25
	}
	if s.Hub {
		dw0 |= 1 << 26
	}
	b.Store32(off, dw0)
	b.Store32(off+4, uint32(s.MaxExitLatency)|uint32(s.RootHubPort)<<16|uint32(s.NumPorts)<<24)
	b.Store32(off+8, uint32(s.TTHubSlot)|uint32(s.TTPort)<<8|uint32(s.TTThinkTime&0x3)<<16|uint32(s.InterrupterTarget&0x3FF)<<22)
	b.Store32(off+12, uint32(s.DeviceAddress)|uint32(s.State&0x1F)<<27)
}

// DecodeSlotContext reads a slot context at byte offset off of b.
func DecodeSlotContext(b *dma.Buffer, off int) SlotContext {
	dw0, dw1, dw2, dw3 := b.Load32(off), b.Load32(off+4), b.Load32(off+8), b.Load32(off+12)
	return SlotContext{
		RouteString:       dw0 & 0xFFFFF,
		Speed:             uint8(dw0>>20) & 0xF,
		MTT:               dw0&(1<<25) != 0,
		Hub:               dw0&(1<<26) != 0,
		ContextEntries:    uint8(dw0 >> 27),
		MaxExitLatency:    uint16(dw1),
		RootHubPort:       uint8(dw1 >> 16),
		NumPorts:          uint8(dw1 >> 24),
		TTHubSlot:         uint8(dw2),
		TTPort:            uint8(dw2 >> 8),
		TTThinkTime:       uint8(dw2>>16) & 0x3,
		InterrupterTarget: uint16(dw2>>22) & 0x3FF,
		DeviceAddress:     uint8(dw3),
		State:             SlotState(dw3 >> 27),
	}
}

// EndpointContext mirrors the fields of an endpoint context.
type EndpointContext struct {
	State            EndpointState
	Mult             uint8
	MaxPStreams      uint8
	Interval         uint8
	MaxESITPayload   uint32
	ErrorCount       uint8 // CErr
	Type             EndpointType
	MaxBurst         uint8
	MaxPacketSize    uint16
	DequeuePointer   uint64 // TR dequeue pointer without the DCS bit
	DequeueCycle     bool   // DCS
	AverageTRBLength uint16
}

// Encode writes the context at byte offset off of b.
func (e *EndpointContext) Encode(b *dma.Buffer, off int) {
	b.Store32(off, uint32(e.State&0x7)|uint32(e.Mult&0x3)<<8|uint32(e.MaxPStreams&0x1F)<<10|
		uint32(e.Interval)<<16|(e.MaxESITPayload>>16)<<24)
	b.Store32(off+4, uint32(e.ErrorCount&0x3)<<1|uint32(e.Type&0x7)<<3|uint32(e.MaxBurst)<<8|uint32(e.MaxPacketSize)<<16)
	deq := e.DequeuePointer &^ 0xF
	if e.DequeueCycle {
		deq |= 1
	}
	b.Store32(off+8, uint32(deq))
	b.Store32(off+12, uint32(deq>>32))
	b.Store32(off+16, uint32(e.AverageTRBLength)|(e.MaxESITPayload&0xFFFF)<<16)
}

// DecodeEndpointContext reads an endpoint context at byte offset off of b.
func DecodeEndpointContext(b *dma.Buffer, off int) EndpointContext {
	dw0, dw1, dw4 := b.Load32(off), b.Load32(off+4), b.Load32(off+16)
	deq := uint64(b.Load32(off+8)) | uint64(b.Load32(off+12))<<32
	return EndpointContext{
		State:            EndpointState(dw0 & 0x7),
		Mult:             uint8(dw0>>8) & 0x3,
		MaxPStreams:      uint8(dw0>>10) & 0x1F,
		Interval:         uint8(dw0 >> 16),
		MaxESITPayload:   (dw0>>24)<<16 | dw4>>16,
		ErrorCount:       uint8(dw1>>1) & 0x3,
		Type:             EndpointType(dw1>>3) & 0x7,
		MaxBurst:         uint8(dw1 >> 8),
		MaxPacketSize:    uint16(dw1 >> 16),
		DequeuePointer:   deq &^ 0xF,
		DequeueCycle:     deq&1 != 0,
		AverageTRBLength: uint16(dw4),
	}
}

// InputControlContext selects the contexts a command drops and adds. Bit n
// refers to device context index n.
type InputControlContext struct {
	Drop uint32
	Add  uint32
}

// Encode writes the context at byte offset off of b.
func (c *InputControlContext) Encode(b *dma.Buffer, off int) {
	b.Store32(off, c.Drop&^0x3) // slot and EP0 cannot be dropped
	b.Store32(off+4, c.Add)
}

// DecodeInputControlContext reads an input control context at byte offset
// off of b.
func DecodeInputControlContext(b *dma.Buffer, off int) InputControlContext {
	return InputControlContext{Drop: b.Load32(off), Add: b.Load32(off + 4)}
}

// Context offsets for a context size of csz bytes. The endpoint index is
// the device context index (DCI), 1 for the control endpoint.

// DeviceSlotOffset returns the slot context offset within a device context.
func DeviceSlotOffset(csz int) int { return 0 }

// DeviceEndpointOffset returns the offset of endpoint context dci within a
// device context.
func DeviceEndpointOffset(csz int, dci uint8) int { return int(dci) * csz }

// InputSlotOffset returns the slot context offset within an input context.
func InputSlotOffset(csz int) int { return csz }

// InputEndpointOffset returns the offset of endpoint context dci within an
// input context.
func InputEndpointOffset(csz int, dci uint8) int { return (int(dci) + 1) * csz }

// inputContext is a transient input context owned by one command.
type inputContext struct {
	buf *dma.Buffer
	csz int
}

func (c *Controller) newInputContext() (*inputContext, error) {
	buf, err := c.alloc.Alloc(inputContextEntries*c.csz, 64)
	if err != nil {
		return nil, fmt.Errorf("input context: %w", err)
	}
	return &inputContext{buf: buf, csz: c.csz}, nil
}

func (c *Controller) freeInputContext(in *inputContext) {
	if err := c.alloc.Free(in.buf); err != nil {
		pkg.LogWarn(pkg.ComponentSlot, "free input context", "error", err)
	}
}

func (in *inputContext) setControl(drop, add uint32) {
	ctl := InputControlContext{Drop: drop, Add: add}
	ctl.Encode(in.buf, 0)
}

func (in *inputContext) setSlot(s *SlotContext) {
	s.Encode(in.buf, InputSlotOffset(in.csz))
}

func (in *inputContext) setEndpoint(dci uint8, e *EndpointContext) {
	e.Encode(in.buf, InputEndpointOffset(in.csz, dci))
}

// deviceContext is the output context the controller maintains for a slot.
type deviceContext struct {
	buf *dma.Buffer
	csz int
}

func (d *deviceContext) slot() SlotContext {
	return DecodeSlotContext(d.buf, DeviceSlotOffset(d.csz))
}

func (d *deviceContext) endpoint(dci uint8) EndpointContext {
	return DecodeEndpointContext(d.buf, DeviceEndpointOffset(d.csz, dci))
}

// dcbaa is the device context base address array. Entry 0 points at the
// scratchpad buffer array; entry n at the device context of slot n.
type dcbaa struct {
	buf *dma.Buffer
}

func (a *dcbaa) set(slot uint8, addr uint64) { a.buf.Store64(int(slot)*8, addr) }

func (a *dcbaa) get(slot uint8) uint64 { return a.buf.Load64(int(slot) * 8) }
