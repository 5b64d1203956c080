package xhci

import (
	"errors"
	"fmt"
	"time"

	"github.com/ardnew/softxhci/pkg"
)

// Config holds driver tunables. The zero value is not usable; start from
// DefaultConfig.
//
// Field tags let the same struct be embedded in a kong command line and
// loaded from YAML.
type Config struct {
	CommandRingSize  int `yaml:"command_ring_size" help:"Command ring size in TRBs." default:"256"`
	EventRingSize    int `yaml:"event_ring_size" help:"Event ring segment size in TRBs." default:"256"`
	TransferRingSize int `yaml:"transfer_ring_size" help:"Per-endpoint transfer ring size in TRBs." default:"256"`

	// MaxSlots caps the device slots enabled in CONFIG. Zero uses every
	// slot the controller reports.
	MaxSlots int `yaml:"max_slots" help:"Maximum device slots to enable (0 for all)." default:"0"`

	// MaxTransferSize is the size of each pipe's bounce buffer and the
	// largest single request a pipe accepts.
	MaxTransferSize int `yaml:"max_transfer_size" help:"Largest single transfer in bytes." default:"65536"`

	CommandTimeout   time.Duration `yaml:"command_timeout" help:"Time to wait for a command completion." default:"5s"`
	AbortTimeout     time.Duration `yaml:"abort_timeout" help:"Time to wait for the command ring to stop after an abort." default:"1s"`
	TransferTimeout  time.Duration `yaml:"transfer_timeout" help:"Default transfer timeout when the caller sets no deadline." default:"5s"`
	PortResetTimeout time.Duration `yaml:"port_reset_timeout" help:"Time to wait for a port reset to finish." default:"1s"`
	HaltTimeout      time.Duration `yaml:"halt_timeout" help:"Time to wait for the controller to halt or run." default:"100ms"`
	ResetTimeout     time.Duration `yaml:"reset_timeout" help:"Time to wait for controller reset and ready." default:"1s"`
	HandoffTimeout   time.Duration `yaml:"handoff_timeout" help:"Time to wait for firmware to release the controller." default:"1s"`

	// InterruptModeration is the IMOD interval in 250 ns units.
	InterruptModeration uint16 `yaml:"interrupt_moderation" help:"Interrupt moderation interval in 250ns units." default:"160"`
}

// DefaultConfig returns the default driver configuration.
func DefaultConfig() Config {
	return Config{
		CommandRingSize:     256,
		EventRingSize:       256,
		TransferRingSize:    256,
		MaxTransferSize:     64 * 1024,
		CommandTimeout:      5 * time.Second,
		AbortTimeout:        time.Second,
		TransferTimeout:     5 * time.Second,
		PortResetTimeout:    time.Second,
		HaltTimeout:         100 * time.Millisecond,
		ResetTimeout:        time.Second,
		HandoffTimeout:      time.Second,
		InterruptModeration: 160,
	}
}

const (
	minRingSize        = 16
	maxRingSize        = 4096
	maxTransferSizeCap = 16 << 20
)

// trbsPerTransfer is the worst case number of TRBs one request occupies:
// a Setup and a Status stage plus one TRB per 64 KiB chunk, where an
// unaligned buffer adds one more chunk.
func trbsPerTransfer(maxTransfer int) int {
	return 2 + maxTransfer/trbMaxLength + 1
}

// Validate reports every invalid field.
func (c Config) Validate() error {
	var errs []error
	ring := func(name string, n int) {
		if n < minRingSize || n > maxRingSize || n&(n-1) != 0 {
			errs = append(errs, fmt.Errorf("%s %d: must be a power of two in [%d, %d]", name, n, minRingSize, maxRingSize))
		}
	}
	ring("command ring size", c.CommandRingSize)
	ring("event ring size", c.EventRingSize)
	ring("transfer ring size", c.TransferRingSize)

	if c.MaxSlots < 0 || c.MaxSlots > 255 {
		errs = append(errs, fmt.Errorf("max slots %d: must be in [0, 255]", c.MaxSlots))
	}
	if c.MaxTransferSize <= 0 || c.MaxTransferSize > maxTransferSizeCap {
		errs = append(errs, fmt.Errorf("max transfer size %d: must be in (0, %d]", c.MaxTransferSize, maxTransferSizeCap))
	} else if n := trbsPerTransfer(c.MaxTransferSize); n > c.TransferRingSize-1 {
		errs = append(errs, fmt.Errorf("max transfer size %d needs %d TRBs, transfer ring holds %d", c.MaxTransferSize, n, c.TransferRingSize-1))
	}

	for _, d := range []struct {
		name string
		v    time.Duration
	}{
		{"command timeout", c.CommandTimeout},
		{"abort timeout", c.AbortTimeout},
		{"transfer timeout", c.TransferTimeout},
		{"port reset timeout", c.PortResetTimeout},
		{"halt timeout", c.HaltTimeout},
		{"reset timeout", c.ResetTimeout},
		{"handoff timeout", c.HandoffTimeout},
	} {
		if d.v <= 0 {
			errs = append(errs, fmt.Errorf("%s %v: must be positive", d.name, d.v))
		}
	}

	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("xhci: invalid config: %w: %w", pkg.ErrInvalidParameter, err)
	}
	return nil
}
