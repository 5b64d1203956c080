package xhci

import (
	"errors"
	"fmt"

	"github.com/ardnew/softxhci/pkg"
)

// Driver errors.
var (
	// ErrHardwareTimeout indicates the controller did not reach an expected
	// state (halt, reset, controller ready, port reset) in time.
	ErrHardwareTimeout = errors.New("xhci: hardware timeout")

	// ErrCommandTimeout indicates a command did not complete in time. The
	// command ring has been aborted and resynchronized.
	ErrCommandTimeout = errors.New("xhci: command timeout")

	// ErrDisconnected indicates the device went away during an operation.
	ErrDisconnected = fmt.Errorf("xhci: disconnected: %w", pkg.ErrNoDevice)

	// ErrUnsupported indicates the controller lacks a required capability.
	ErrUnsupported = fmt.Errorf("xhci: %w", pkg.ErrNotSupported)

	// ErrPortState indicates a port is in a link state the operation cannot
	// proceed from.
	ErrPortState = errors.New("xhci: unexpected port link state")
)

// CommandError reports a command that completed with a code other than
// Success.
type CommandError struct {
	Command TRBType
	Code    CompletionCode
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("xhci: %s command failed: %s", e.Command, e.Code)
}

// Unwrap returns the pkg sentinel matching the completion code, if any.
func (e *CommandError) Unwrap() error {
	return e.Code.sentinel()
}

// TransferError reports a transfer that completed with an error code.
type TransferError struct {
	Code CompletionCode
}

func (e *TransferError) Error() string {
	return fmt.Sprintf("xhci: transfer failed: %s", e.Code)
}

// Unwrap returns the pkg sentinel matching the completion code, if any.
func (e *TransferError) Unwrap() error {
	return e.Code.sentinel()
}

func (c CompletionCode) sentinel() error {
	switch c {
	case CodeStall:
		return pkg.ErrStall
	case CodeBabble:
		return pkg.ErrOverrun
	case CodeUSBTransaction, CodeSplitTransaction:
		return pkg.ErrTransaction
	case CodeDataBuffer:
		return pkg.ErrUnderrun
	case CodeBandwidth, CodeSecondaryBandwidth:
		return pkg.ErrBandwidth
	case CodeNoSlots, CodeResource:
		return pkg.ErrNoResources
	case CodeMissedService, CodeRingUnderrun, CodeRingOverrun, CodeIsochBufferOverrun:
		return pkg.ErrFrameOverrun
	case CodeStopped, CodeStoppedLengthInvalid, CodeStoppedShortPacket, CodeCommandAborted:
		return pkg.ErrCancelled
	case CodeSlotNotEnabled, CodeContextState, CodeEndpointNotEnabled:
		return pkg.ErrInvalidState
	case CodeParameter, CodeTRB:
		return pkg.ErrInvalidParameter
	default:
		return nil
	}
}
