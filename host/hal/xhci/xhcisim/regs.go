package xhcisim

// MMIO layout of the simulated controller. The offsets follow the xHCI
// register map; the regions are placed at fixed, generously spaced offsets.
const (
	capLen    = 0x40
	rtsOff    = 0x2000
	dbOff     = 0x3000
	xecpOff   = 0x4000
	windowLen = 0x5000

	hciVersion = 0x0110
)

// Capability register offsets.
const (
	regCapLength  = 0x00
	regHCSParams1 = 0x04
	regHCSParams2 = 0x08
	regHCSParams3 = 0x0C
	regHCCParams1 = 0x10
	regDBOff      = 0x14
	regRTSOff     = 0x18
	regHCCParams2 = 0x1C
)

// Operational register offsets, relative to capLen.
const (
	regUSBCmd   = 0x00
	regUSBSts   = 0x04
	regPageSize = 0x08
	regDNCtrl   = 0x14
	regCRCR     = 0x18
	regCRCRHi   = 0x1C
	regDCBAAP   = 0x30
	regDCBAAPHi = 0x34
	regConfig   = 0x38
	regPortBase = 0x400
	regPortSize = 0x10
)

// Interrupter 0 register offsets, relative to rtsOff.
const (
	regMFIndex  = 0x00
	regIMAN     = 0x20
	regIMOD     = 0x24
	regERSTSZ   = 0x28
	regERSTBA   = 0x30
	regERSTBAHi = 0x34
	regERDP     = 0x38
	regERDPHi   = 0x3C
)

const (
	cmdRun   = 1 << 0
	cmdReset = 1 << 1
	cmdINTE  = 1 << 2

	stsHalted = 1 << 0
	stsEINT   = 1 << 3
	stsPCD    = 1 << 4
	stsRW1C   = 1<<2 | stsEINT | stsPCD | 1<<10

	crcrRCS = 1 << 0
	crcrCS  = 1 << 1
	crcrCA  = 1 << 2
	crcrCRR = 1 << 3

	imanIP = 1 << 0
	imanIE = 1 << 1

	erdpEHB = 1 << 3

	hccAC64 = 1 << 0
	hccCSZ  = 1 << 2
	hccPPC  = 1 << 3
)

const (
	portCCS        = 1 << 0
	portPED        = 1 << 1
	portPR         = 1 << 4
	portPLSShift   = 5
	portPLSMask    = 0xF << portPLSShift
	portPP         = 1 << 9
	portSpeedShift = 10
	portSpeedMask  = 0xF << portSpeedShift
	portLWS        = 1 << 16
	portCSC        = 1 << 17
	portPEC        = 1 << 18
	portWRC        = 1 << 19
	portOCC        = 1 << 20
	portPRC        = 1 << 21
	portPLC        = 1 << 22
	portCEC        = 1 << 23
	portChange     = portCSC | portPEC | portWRC | portOCC | portPRC | portPLC | portCEC

	// Bits software may set freely.
	portRWS = 0x3<<14 | 1<<25 | 1<<26 | 1<<27
)

const (
	linkU0       = 0
	linkDisabled = 4
	linkRxDetect = 5
	linkPolling  = 7
)

const (
	legacyBIOSOwned = 1 << 16
	legacyOSOwned   = 1 << 24
)

// Protocol speed IDs reported in PORTSC.
const (
	psivFull      = 1
	psivLow       = 2
	psivHigh      = 3
	psivSuper     = 4
	psivSuperPlus = 5
)
