package xhci

import (
	"fmt"

	"github.com/ardnew/softxhci/host/hal/xhci/dma"
)

// TRBSize is the size of a Transfer Request Block in bytes.
const TRBSize = 16

// trbMaxLength is the largest buffer one TRB can describe. Buffers must
// also not cross a 64 KiB boundary.
const trbMaxLength = 64 * 1024

// TRB is a Transfer Request Block, the 16-byte record exchanged with the
// controller on every ring.
type TRB struct {
	Parameter uint64 // dwords 0-1
	Status    uint32 // dword 2
	Control   uint32 // dword 3, carries the cycle bit
}

// TRBType is the type field of a TRB.
type TRBType uint8

// TRB types.
const (
	TRBNormal            TRBType = 1
	TRBSetupStage        TRBType = 2
	TRBDataStage         TRBType = 3
	TRBStatusStage       TRBType = 4
	TRBIsoch             TRBType = 5
	TRBLink              TRBType = 6
	TRBEventData         TRBType = 7
	TRBNoOp              TRBType = 8
	TRBEnableSlot        TRBType = 9
	TRBDisableSlot       TRBType = 10
	TRBAddressDevice     TRBType = 11
	TRBConfigureEndpoint TRBType = 12
	TRBEvaluateContext   TRBType = 13
	TRBResetEndpoint     TRBType = 14
	TRBStopEndpoint      TRBType = 15
	TRBSetTRDequeue      TRBType = 16
	TRBResetDevice       TRBType = 17
	TRBNoOpCommand       TRBType = 23
	TRBTransferEvent     TRBType = 32
	TRBCommandCompletion TRBType = 33
	TRBPortStatusChange  TRBType = 34
	TRBHostController    TRBType = 37
)

var trbTypeNames = map[TRBType]string{
	TRBNormal:            "Normal",
	TRBSetupStage:        "Setup Stage",
	TRBDataStage:         "Data Stage",
	TRBStatusStage:       "Status Stage",
	TRBIsoch:             "Isoch",
	TRBLink:              "Link",
	TRBEventData:         "Event Data",
	TRBNoOp:              "No Op",
	TRBEnableSlot:        "Enable Slot",
	TRBDisableSlot:       "Disable Slot",
	TRBAddressDevice:     "Address Device",
	TRBConfigureEndpoint: "Configure Endpoint",
	TRBEvaluateContext:   "Evaluate Context",
	TRBResetEndpoint:     "Reset Endpoint",
	TRBStopEndpoint:      "Stop Endpoint",
	TRBSetTRDequeue:      "Set TR Dequeue Pointer",
	TRBResetDevice:       "Reset Device",
	TRBNoOpCommand:       "No Op Command",
	TRBTransferEvent:     "Transfer Event",
	TRBCommandCompletion: "Command Completion Event",
	TRBPortStatusChange:  "Port Status Change Event",
	TRBHostController:    "Host Controller Event",
}

func (t TRBType) String() string {
	if s, ok := trbTypeNames[t]; ok {
		return s
	}
	return fmt.Sprintf("TRB type %d", uint8(t))
}

// Control dword fields.
const (
	TRBCycle        = 1 << 0  // C: ownership
	TRBToggleCycle  = 1 << 1  // TC: Link TRB toggles the consumer cycle
	TRBEvalNext     = 1 << 1  // ENT
	TRBISP          = 1 << 2  // interrupt on short packet
	TRBNoSnoop      = 1 << 3  // NS
	TRBChain        = 1 << 4  // CH
	TRBIOC          = 1 << 5  // interrupt on completion
	TRBIDT          = 1 << 6  // immediate data
	TRBBSR          = 1 << 9  // block SET_ADDRESS request (Address Device)
	TRBDeconfigure  = 1 << 9  // DC (Configure Endpoint)
	TRBDirIn        = 1 << 16 // DIR for Data and Status stages
	TRBSIA          = 1 << 31 // start isoch ASAP
	TRBEventDataBit = 1 << 2  // ED in Transfer Events

	trbTypeShift     = 10
	trbTypeMask      = 0x3F << trbTypeShift
	trbTRTShift      = 16
	trbEPIDShift     = 16
	trbEPIDMask      = 0x1F
	trbSlotTypeShift = 16
	trbSlotIDShift   = 24
	trbTSPBit        = 1 << 9 // transfer state preserve (Reset Endpoint)
)

// Transfer type (TRT) values for the Setup Stage TRB.
const (
	trtNoData = 0
	trtOut    = 2
	trtIn     = 3
)

// Status dword fields.
const (
	trbLengthMask     = 0x1FFFF
	trbTDSizeShift    = 17
	trbTDSizeMax      = 31
	trbIntrShift      = 22
	trbResidualMask   = 0xFFFFFF
	trbCodeShift      = 24
	trbPortIDShift    = 24
	trbSetupStatusLen = 8
)

// Type returns the TRB type.
func (t TRB) Type() TRBType { return TRBType((t.Control & trbTypeMask) >> trbTypeShift) }

// Cycle returns the cycle bit.
func (t TRB) Cycle() bool { return t.Control&TRBCycle != 0 }

// Chain reports whether the TD continues in the next TRB.
func (t TRB) Chain() bool { return t.Control&TRBChain != 0 }

// IOC reports whether the TRB asks for a completion event.
func (t TRB) IOC() bool { return t.Control&TRBIOC != 0 }

// ISP reports whether a short packet on this TRB raises an event.
func (t TRB) ISP() bool { return t.Control&TRBISP != 0 }

// IDT reports whether Parameter holds data rather than a pointer.
func (t TRB) IDT() bool { return t.Control&TRBIDT != 0 }

// ToggleCycle reports the TC flag of a Link TRB.
func (t TRB) ToggleCycle() bool { return t.Control&TRBToggleCycle != 0 }

// DirIn reports the DIR flag of a Data or Status stage TRB.
func (t TRB) DirIn() bool { return t.Control&TRBDirIn != 0 }

// TRT returns the transfer type of a Setup Stage TRB.
func (t TRB) TRT() uint8 { return uint8(t.Control>>trbTRTShift) & 0x3 }

// SlotID returns the slot ID field.
func (t TRB) SlotID() uint8 { return uint8(t.Control >> trbSlotIDShift) }

// EndpointID returns the endpoint ID (DCI) field.
func (t TRB) EndpointID() uint8 { return uint8(t.Control>>trbEPIDShift) & trbEPIDMask }

// SlotType returns the slot type of an Enable Slot command.
func (t TRB) SlotType() uint8 { return uint8(t.Control>>trbSlotTypeShift) & 0x1F }

// Length returns the transfer length of a transfer TRB.
func (t TRB) Length() int { return int(t.Status & trbLengthMask) }

// CompletionCode returns the completion code of an event TRB.
func (t TRB) CompletionCode() CompletionCode { return CompletionCode(t.Status >> trbCodeShift) }

// Residual returns the untransferred byte count of a Transfer Event.
func (t TRB) Residual() int { return int(t.Status & trbResidualMask) }

// PortID returns the port number of a Port Status Change Event.
func (t TRB) PortID() int { return int(uint32(t.Parameter) >> trbPortIDShift) }

func (t TRB) String() string {
	return fmt.Sprintf("%s{param=%#x status=%#x control=%#x}", t.Type(), t.Parameter, t.Status, t.Control)
}

// LoadTRB reads the TRB at byte offset off of b. The control dword is read
// first so that a record observed as owned is never older than its cycle
// bit.
func LoadTRB(b *dma.Buffer, off int) TRB {
	ctrl := b.Load32(off + 12)
	return TRB{
		Parameter: uint64(b.Load32(off)) | uint64(b.Load32(off+4))<<32,
		Status:    b.Load32(off + 8),
		Control:   ctrl,
	}
}

// Store writes the TRB at byte offset off of b. The control dword, which
// carries the cycle bit, is stored last.
func (t TRB) Store(b *dma.Buffer, off int) {
	b.Store32(off, uint32(t.Parameter))
	b.Store32(off+4, uint32(t.Parameter>>32))
	b.Store32(off+8, t.Status)
	b.Store32(off+12, t.Control)
}

func trbControl(typ TRBType, flags uint32) uint32 {
	return uint32(typ)<<trbTypeShift | flags
}

// Transfer TRBs.

func normalTRB(addr uint64, length, tdSize int, flags uint32) TRB {
	return TRB{
		Parameter: addr,
		Status:    uint32(length)&trbLengthMask | uint32(min(tdSize, trbTDSizeMax))<<trbTDSizeShift,
		Control:   trbControl(TRBNormal, flags),
	}
}

func isochTRB(addr uint64, length, tdSize int, flags uint32) TRB {
	t := normalTRB(addr, length, tdSize, flags|TRBSIA)
	t.Control = t.Control&^trbTypeMask | uint32(TRBIsoch)<<trbTypeShift
	return t
}

func setupTRB(setup uint64, trt uint8) TRB {
	return TRB{
		Parameter: setup,
		Status:    trbSetupStatusLen,
		Control:   trbControl(TRBSetupStage, TRBIDT|uint32(trt)<<trbTRTShift),
	}
}

func dataTRB(addr uint64, length, tdSize int, flags uint32) TRB {
	t := normalTRB(addr, length, tdSize, flags)
	t.Control = t.Control&^trbTypeMask | uint32(TRBDataStage)<<trbTypeShift
	return t
}

func statusTRB(in bool) TRB {
	flags := uint32(TRBIOC)
	if in {
		flags |= TRBDirIn
	}
	return TRB{Control: trbControl(TRBStatusStage, flags)}
}

func linkTRB(target uint64, flags uint32) TRB {
	return TRB{Parameter: target, Control: trbControl(TRBLink, flags)}
}

// Command TRBs.

func noOpCommandTRB() TRB {
	return TRB{Control: trbControl(TRBNoOpCommand, 0)}
}

func enableSlotTRB(slotType uint8) TRB {
	return TRB{Control: trbControl(TRBEnableSlot, uint32(slotType&0x1F)<<trbSlotTypeShift)}
}

func disableSlotTRB(slot uint8) TRB {
	return TRB{Control: trbControl(TRBDisableSlot, uint32(slot)<<trbSlotIDShift)}
}

func addressDeviceTRB(input uint64, slot uint8, bsr bool) TRB {
	flags := uint32(slot) << trbSlotIDShift
	if bsr {
		flags |= TRBBSR
	}
	return TRB{Parameter: input, Control: trbControl(TRBAddressDevice, flags)}
}

func configureEndpointTRB(input uint64, slot uint8, deconfigure bool) TRB {
	flags := uint32(slot) << trbSlotIDShift
	if deconfigure {
		flags |= TRBDeconfigure
	}
	return TRB{Parameter: input, Control: trbControl(TRBConfigureEndpoint, flags)}
}

func evaluateContextTRB(input uint64, slot uint8) TRB {
	return TRB{Parameter: input, Control: trbControl(TRBEvaluateContext, uint32(slot)<<trbSlotIDShift)}
}

func resetEndpointTRB(slot, dci uint8, preserve bool) TRB {
	flags := uint32(slot)<<trbSlotIDShift | uint32(dci)<<trbEPIDShift
	if preserve {
		flags |= trbTSPBit
	}
	return TRB{Control: trbControl(TRBResetEndpoint, flags)}
}

func stopEndpointTRB(slot, dci uint8) TRB {
	return TRB{Control: trbControl(TRBStopEndpoint, uint32(slot)<<trbSlotIDShift|uint32(dci)<<trbEPIDShift)}
}

func setTRDequeueTRB(slot, dci uint8, ptr uint64, cycle bool) TRB {
	if cycle {
		ptr |= 1
	}
	return TRB{Parameter: ptr, Control: trbControl(TRBSetTRDequeue, uint32(slot)<<trbSlotIDShift|uint32(dci)<<trbEPIDShift)}
}

func resetDeviceTRB(slot uint8) TRB {
	return TRB{Control: trbControl(TRBResetDevice, uint32(slot)<<trbSlotIDShift)}
}

// Event TRBs, produced by the controller. Exported for device models.

// NewTransferEvent builds a Transfer Event for the TRB at ptr.
func NewTransferEvent(ptr uint64, residual int, code CompletionCode, slot, dci uint8) TRB {
	return TRB{
		Parameter: ptr,
		Status:    uint32(code)<<trbCodeShift | uint32(residual)&trbResidualMask,
		Control:   trbControl(TRBTransferEvent, uint32(slot)<<trbSlotIDShift|uint32(dci)<<trbEPIDShift),
	}
}

// NewCommandCompletionEvent builds a Command Completion Event for the
// command TRB at ptr.
func NewCommandCompletionEvent(ptr uint64, code CompletionCode, slot uint8) TRB {
	return TRB{
		Parameter: ptr,
		Status:    uint32(code) << trbCodeShift,
		Control:   trbControl(TRBCommandCompletion, uint32(slot)<<trbSlotIDShift),
	}
}

// NewPortStatusChangeEvent builds a Port Status Change Event for port
// (1-based).
func NewPortStatusChangeEvent(port int) TRB {
	return TRB{
		Parameter: uint64(uint32(port) << trbPortIDShift),
		Status:    uint32(CodeSuccess) << trbCodeShift,
		Control:   trbControl(TRBPortStatusChange, 0),
	}
}

// NewHostControllerEvent builds a Host Controller Event.
func NewHostControllerEvent(code CompletionCode) TRB {
	return TRB{
		Status:  uint32(code) << trbCodeShift,
		Control: trbControl(TRBHostController, 0),
	}
}

// CompletionCode is the completion status reported in event TRBs.
type CompletionCode uint8

// Completion codes.
const (
	CodeInvalid              CompletionCode = 0
	CodeSuccess              CompletionCode = 1
	CodeDataBuffer           CompletionCode = 2
	CodeBabble               CompletionCode = 3
	CodeUSBTransaction       CompletionCode = 4
	CodeTRB                  CompletionCode = 5
	CodeStall                CompletionCode = 6
	CodeResource             CompletionCode = 7
	CodeBandwidth            CompletionCode = 8
	CodeNoSlots              CompletionCode = 9
	CodeInvalidStreamType    CompletionCode = 10
	CodeSlotNotEnabled       CompletionCode = 11
	CodeEndpointNotEnabled   CompletionCode = 12
	CodeShortPacket          CompletionCode = 13
	CodeRingUnderrun         CompletionCode = 14
	CodeRingOverrun          CompletionCode = 15
	CodeVFEventRingFull      CompletionCode = 16
	CodeParameter            CompletionCode = 17
	CodeBandwidthOverrun     CompletionCode = 18
	CodeContextState         CompletionCode = 19
	CodeNoPingResponse       CompletionCode = 20
	CodeEventRingFull        CompletionCode = 21
	CodeIncompatibleDevice   CompletionCode = 22
	CodeMissedService        CompletionCode = 23
	CodeCommandRingStopped   CompletionCode = 24
	CodeCommandAborted       CompletionCode = 25
	CodeStopped              CompletionCode = 26
	CodeStoppedLengthInvalid CompletionCode = 27
	CodeStoppedShortPacket   CompletionCode = 28
	CodeMaxExitLatency       CompletionCode = 29
	CodeIsochBufferOverrun   CompletionCode = 31
	CodeEventLost            CompletionCode = 32
	CodeUndefined            CompletionCode = 33
	CodeInvalidStreamID      CompletionCode = 34
	CodeSecondaryBandwidth   CompletionCode = 35
	CodeSplitTransaction     CompletionCode = 36
)

var completionCodeNames = [...]string{
	CodeInvalid:              "Invalid",
	CodeSuccess:              "Success",
	CodeDataBuffer:           "Data Buffer Error",
	CodeBabble:               "Babble Detected",
	CodeUSBTransaction:       "USB Transaction Error",
	CodeTRB:                  "TRB Error",
	CodeStall:                "Stall Error",
	CodeResource:             "Resource Error",
	CodeBandwidth:            "Bandwidth Error",
	CodeNoSlots:              "No Slots Available",
	CodeInvalidStreamType:    "Invalid Stream Type",
	CodeSlotNotEnabled:       "Slot Not Enabled",
	CodeEndpointNotEnabled:   "Endpoint Not Enabled",
	CodeShortPacket:          "Short Packet",
	CodeRingUnderrun:         "Ring Underrun",
	CodeRingOverrun:          "Ring Overrun",
	CodeVFEventRingFull:      "VF Event Ring Full",
	CodeParameter:            "Parameter Error",
	CodeBandwidthOverrun:     "Bandwidth Overrun",
	CodeContextState:         "Context State Error",
	CodeNoPingResponse:       "No Ping Response",
	CodeEventRingFull:        "Event Ring Full",
	CodeIncompatibleDevice:   "Incompatible Device",
	CodeMissedService:        "Missed Service",
	CodeCommandRingStopped:   "Command Ring Stopped",
	CodeCommandAborted:       "Command Aborted",
	CodeStopped:              "Stopped",
	CodeStoppedLengthInvalid: "Stopped - Length Invalid",
	CodeStoppedShortPacket:   "Stopped - Short Packet",
	CodeMaxExitLatency:       "Max Exit Latency Too Large",
	CodeIsochBufferOverrun:   "Isoch Buffer Overrun",
	CodeEventLost:            "Event Lost",
	CodeUndefined:            "Undefined Error",
	CodeInvalidStreamID:      "Invalid Stream ID",
	CodeSecondaryBandwidth:   "Secondary Bandwidth Error",
	CodeSplitTransaction:     "Split Transaction Error",
}

func (c CompletionCode) String() string {
	if int(c) < len(completionCodeNames) && completionCodeNames[c] != "" {
		return completionCodeNames[c]
	}
	return fmt.Sprintf("completion code %d", uint8(c))
}

// ok reports whether the code means the TRB completed without error. A
// short packet is a successful, partial completion.
func (c CompletionCode) ok() bool {
	return c == CodeSuccess || c == CodeShortPacket
}
