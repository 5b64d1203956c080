package xhci

// Capability registers, relative to the MMIO base.
const (
	capLength     = 0x00 // (R) CAPLENGTH, byte 0
	capHCIVersion = 0x02 // (R) HCIVERSION, upper half of dword 0
	capHCSParams1 = 0x04 // (R) structural parameters 1
	capHCSParams2 = 0x08 // (R) structural parameters 2
	capHCSParams3 = 0x0C // (R) structural parameters 3
	capHCCParams1 = 0x10 // (R) capability parameters 1
	capDBOff      = 0x14 // (R) doorbell array offset
	capRTSOff     = 0x18 // (R) runtime register space offset
	capHCCParams2 = 0x1C // (R) capability parameters 2
)

// HCSPARAMS1 / HCSPARAMS2 / HCCPARAMS1 fields.
const (
	hcsMaxSlotsMask  = 0xFF
	hcsMaxIntrsShift = 8
	hcsMaxIntrsMask  = 0x7FF
	hcsMaxPortsShift = 24

	hcs2ERSTMaxShift = 4
	hcs2ERSTMaxMask  = 0xF
	hcs2SPBHiShift   = 21
	hcs2SPBHiMask    = 0x1F
	hcs2SPR          = 1 << 26
	hcs2SPBLoShift   = 27
	hcs2SPBLoMask    = 0x1F

	hccAC64      = 1 << 0
	hccCSZ       = 1 << 2
	hccPPC       = 1 << 3
	hccXECPShift = 16

	dbOffMask  = ^uint32(0x3)
	rtsOffMask = ^uint32(0x1F)
)

// Operational registers, relative to CAPLENGTH.
const (
	opUSBCmd   = 0x00 // (RW) USB command
	opUSBSts   = 0x04 // (RW1C) USB status
	opPageSize = 0x08 // (R) page size
	opDNCtrl   = 0x14 // (RW) device notification control
	opCRCR     = 0x18 // (RW) command ring control, 64-bit
	opDCBAAP   = 0x30 // (RW) device context base address array pointer, 64-bit
	opConfig   = 0x38 // (RW) configure
	opPortBase = 0x400
	opPortSize = 0x10
)

// USBCMD bits.
const (
	cmdRun   = 1 << 0 // R/S
	cmdReset = 1 << 1 // HCRST
	cmdINTE  = 1 << 2 // interrupter enable
	cmdHSEE  = 1 << 3 // host system error enable
)

// USBSTS bits.
const (
	stsHalted   = 1 << 0  // HCH
	stsHSE      = 1 << 2  // host system error (RW1C)
	stsEINT     = 1 << 3  // event interrupt (RW1C)
	stsPCD      = 1 << 4  // port change detect (RW1C)
	stsNotReady = 1 << 11 // CNR
	stsHCE      = 1 << 12 // host controller error

	pageSize4K   = 1 << 0
	configSlotEn = 0xFF
)

// CRCR bits.
const (
	crcrRCS     = 1 << 0 // ring cycle state
	crcrCS      = 1 << 1 // command stop
	crcrCA      = 1 << 2 // command abort
	crcrCRR     = 1 << 3 // command ring running
	crcrPtrMask = ^uint64(0x3F)
)

// PORTSC bits.
const (
	portCCS        = 1 << 0 // current connect status (RO)
	portPED        = 1 << 1 // port enabled/disabled (RW1CS)
	portOCA        = 1 << 3 // over-current active (RO)
	portPR         = 1 << 4 // port reset (RW1S)
	portPLSShift   = 5      // port link state (RWS)
	portPLSMask    = 0xF << portPLSShift
	portPP         = 1 << 9 // port power (RWS)
	portSpeedShift = 10     // port speed (RO)
	portSpeedMask  = 0xF << portSpeedShift
	portPICMask    = 0x3 << 14 // port indicator (RWS)
	portLWS        = 1 << 16   // link state write strobe (RW)
	portCSC        = 1 << 17   // connect status change (RW1CS)
	portPEC        = 1 << 18   // port enabled/disabled change (RW1CS)
	portWRC        = 1 << 19   // warm port reset change (RW1CS)
	portOCC        = 1 << 20   // over-current change (RW1CS)
	portPRC        = 1 << 21   // port reset change (RW1CS)
	portPLC        = 1 << 22   // port link state change (RW1CS)
	portCEC        = 1 << 23   // port config error change (RW1CS)
	portCAS        = 1 << 24   // cold attach status (RO)
	portWCE        = 1 << 25   // wake on connect enable (RWS)
	portWDE        = 1 << 26   // wake on disconnect enable (RWS)
	portWOE        = 1 << 27   // wake on over-current enable (RWS)
	portDR         = 1 << 30   // device removable (RO)
	portWPR        = 1 << 31   // warm port reset (RW1S)

	portChangeMask = portCSC | portPEC | portWRC | portOCC | portPRC | portPLC | portCEC

	// portPreserve selects the bits that are written back unchanged. The
	// RW1C change bits, PED, PR, LWS and WPR must never be echoed.
	portPreserve = portCCS | portOCA | portPLSMask | portPP | portSpeedMask |
		portPICMask | portCAS | portWCE | portWDE | portWOE | portDR
)

// Port link states (PORTSC.PLS).
const (
	linkU0         = 0
	linkU1         = 1
	linkU2         = 2
	linkU3         = 3
	linkDisabled   = 4
	linkRxDetect   = 5
	linkInactive   = 6
	linkPolling    = 7
	linkRecovery   = 8
	linkHotReset   = 9
	linkCompliance = 0xA
	linkTestMode   = 0xB
	linkResume     = 0xF
)

// Runtime registers, relative to RTSOFF.
const (
	rtMFIndex  = 0x00
	rtIntrBase = 0x20
	rtIntrSize = 0x20

	intrIMAN   = 0x00 // interrupter management
	intrIMOD   = 0x04 // interrupter moderation
	intrERSTSZ = 0x08 // event ring segment table size
	intrERSTBA = 0x10 // event ring segment table base, 64-bit
	intrERDP   = 0x18 // event ring dequeue pointer, 64-bit

	imanIP        = 1 << 0 // interrupt pending (RW1C)
	imanIE        = 1 << 1 // interrupt enable
	erdpEHB       = 1 << 3 // event handler busy (RW1C)
	erdpPtrMask   = ^uint64(0xF)
	erstEntrySize = 16
)

// Extended capability IDs and fields.
const (
	xcapLegacy   = 1
	xcapProtocol = 2

	legacyBIOSOwned = 1 << 16
	legacyOSOwned   = 1 << 24
	legacyCtlSts    = 0x04

	// Writing CTLSTS clears the SMI enables while keeping reserved bits and
	// acknowledging any pending SMI events.
	legacyDisableSMI = (0x7 << 1) | (0xFF << 5) | (0x7 << 17)
	legacySMIEvents  = 0x7 << 29
)

func linkStateName(pls uint32) string {
	switch pls {
	case linkU0:
		return "U0"
	case linkU1:
		return "U1"
	case linkU2:
		return "U2"
	case linkU3:
		return "U3"
	case linkDisabled:
		return "Disabled"
	case linkRxDetect:
		return "RxDetect"
	case linkInactive:
		return "Inactive"
	case linkPolling:
		return "Polling"
	case linkRecovery:
		return "Recovery"
	case linkHotReset:
		return "HotReset"
	case linkCompliance:
		return "Compliance"
	case linkTestMode:
		return "TestMode"
	case linkResume:
		return "Resume"
	default:
		return "Reserved"
	}
}
