package xhcisim

import (
	"encoding/binary"
	"fmt"
	"sync"
	"unicode/utf16"

	"github.com/ardnew/softxhci/host/hal"
	"github.com/ardnew/softxhci/pkg"
)

// Device is a USB device model attached to a simulated root hub port.
//
// Methods run on the simulator's worker goroutine. Returning pkg.ErrNAK
// leaves the transfer pending so it is retried on a later tick; pkg.ErrStall
// halts the endpoint. Any other error is reported as a USB transaction
// error.
type Device interface {
	// Speed is the speed the device connects at.
	Speed() hal.Speed

	// Control handles a control transfer. For an IN request data has room
	// for the whole data stage; Control returns the number of bytes
	// written. For an OUT request data holds the data stage.
	Control(setup hal.SetupPacket, data []byte) (int, error)

	// In fills buf from IN endpoint ep (address with the direction bit).
	In(ep uint8, buf []byte) (int, error)

	// Out consumes data sent to OUT endpoint ep.
	Out(ep uint8, data []byte) error
}

// Standard request codes understood by Gadget.
const (
	reqGetStatus        = 0x00
	reqClearFeature     = 0x01
	reqSetFeature       = 0x03
	reqSetAddress       = 0x05
	reqGetDescriptor    = 0x06
	reqGetConfiguration = 0x08
	reqSetConfiguration = 0x09
	reqSetInterface     = 0x0B

	// VendorEcho stores the data stage of an OUT vendor request and returns
	// it to a later IN vendor request.
	VendorEcho = 0x01

	descDevice    = 0x01
	descConfig    = 0x02
	descString    = 0x03
	descInterface = 0x04
	descEndpoint  = 0x05
	descSSCompan  = 0x30

	featureEndpointHalt = 0
)

// GadgetMode selects how a Gadget's data endpoints behave.
type GadgetMode string

const (
	// ModeLoopback returns data written to any OUT endpoint from the IN
	// endpoints, NAKing while nothing is queued.
	ModeLoopback GadgetMode = "loopback"

	// ModeSource answers every IN transfer with a full buffer of a counting
	// pattern and discards OUT data.
	ModeSource GadgetMode = "source"
)

// Endpoint describes one data endpoint of a Gadget.
type Endpoint struct {
	Address       uint8            `yaml:"address"`
	Type          hal.TransferType `yaml:"type"`
	MaxPacketSize uint16           `yaml:"max_packet_size"`
	Interval      uint8            `yaml:"interval"`
	MaxBurst      uint8            `yaml:"max_burst"`
}

// GadgetConfig describes a Gadget.
type GadgetConfig struct {
	Speed        hal.Speed
	VendorID     uint16
	ProductID    uint16
	Manufacturer string
	Product      string
	Serial       string
	Class        uint8 // interface class
	Mode         GadgetMode
	Endpoints    []Endpoint
}

// Gadget is a single-configuration, single-interface device. It answers
// the standard requests enumeration needs and moves data on its endpoints
// according to its mode.
type Gadget struct {
	cfg GadgetConfig

	mu         sync.Mutex
	address    uint8
	configured uint8
	halted     map[uint8]bool
	queue      [][]byte
	echo       []byte
	received   int
	pattern    byte
}

// NewGadget returns a gadget for cfg.
func NewGadget(cfg GadgetConfig) *Gadget {
	if cfg.Mode == "" {
		cfg.Mode = ModeLoopback
	}
	if cfg.Speed == hal.SpeedUnknown {
		cfg.Speed = hal.SpeedHigh
	}
	return &Gadget{cfg: cfg, halted: make(map[uint8]bool)}
}

// NewLoopback returns a vendor-class gadget with one bulk IN and one bulk
// OUT endpoint sized for speed.
func NewLoopback(speed hal.Speed) *Gadget {
	mps := uint16(64)
	switch speed {
	case hal.SpeedHigh:
		mps = 512
	case hal.SpeedSuper:
		mps = 1024
	}
	return NewGadget(GadgetConfig{
		Speed:        speed,
		VendorID:     0x1209,
		ProductID:    0x0001,
		Manufacturer: "softxhci",
		Product:      "Loopback",
		Serial:       "0001",
		Class:        0xFF,
		Mode:         ModeLoopback,
		Endpoints: []Endpoint{
			{Address: 0x81, Type: hal.TransferBulk, MaxPacketSize: mps},
			{Address: 0x02, Type: hal.TransferBulk, MaxPacketSize: mps},
		},
	})
}

// Speed implements Device.
func (g *Gadget) Speed() hal.Speed { return g.cfg.Speed }

// Mode reports how the gadget's data endpoints behave.
func (g *Gadget) Mode() GadgetMode { return g.cfg.Mode }

// Address returns the address the device was given with SET_ADDRESS.
func (g *Gadget) Address() uint8 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.address
}

// Configuration returns the active configuration value.
func (g *Gadget) Configuration() uint8 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.configured
}

// Stall halts endpoint ep until the host clears the halt feature.
func (g *Gadget) Stall(ep uint8) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.halted[ep] = true
}

// Halted reports whether endpoint ep is halted.
func (g *Gadget) Halted(ep uint8) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.halted[ep]
}

// Queue makes data available to the next IN transfer in loopback mode.
func (g *Gadget) Queue(data []byte) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.queue = append(g.queue, append([]byte(nil), data...))
}

// Received returns the number of bytes accepted on OUT endpoints.
func (g *Gadget) Received() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.received
}

func (g *Gadget) maxPacketSize0() uint8 {
	switch g.cfg.Speed {
	case hal.SpeedLow:
		return 8
	case hal.SpeedSuper:
		return 9 // 512 bytes, as an exponent
	default:
		return 64
	}
}

// DeviceDescriptor returns the 18-byte device descriptor.
func (g *Gadget) DeviceDescriptor() []byte {
	d := make([]byte, 18)
	d[0] = 18
	d[1] = descDevice
	bcd := uint16(0x0200)
	if g.cfg.Speed == hal.SpeedSuper {
		bcd = 0x0320
	}
	binary.LittleEndian.PutUint16(d[2:], bcd)
	d[7] = g.maxPacketSize0()
	binary.LittleEndian.PutUint16(d[8:], g.cfg.VendorID)
	binary.LittleEndian.PutUint16(d[10:], g.cfg.ProductID)
	binary.LittleEndian.PutUint16(d[12:], 0x0100)
	if g.cfg.Manufacturer != "" {
		d[14] = 1
	}
	if g.cfg.Product != "" {
		d[15] = 2
	}
	if g.cfg.Serial != "" {
		d[16] = 3
	}
	d[17] = 1
	return d
}

// ConfigDescriptor returns configuration 1 with its interface and
// endpoint descriptors.
func (g *Gadget) ConfigDescriptor() []byte {
	ss := g.cfg.Speed == hal.SpeedSuper
	d := []byte{9, descConfig, 0, 0, 1, 1, 0, 0x80, 50}
	d = append(d, 9, descInterface, 0, 0, byte(len(g.cfg.Endpoints)), g.cfg.Class, 0, 0, 0)
	for _, ep := range g.cfg.Endpoints {
		d = append(d, 7, descEndpoint, ep.Address, byte(ep.Type),
			byte(ep.MaxPacketSize), byte(ep.MaxPacketSize>>8), ep.Interval)
		if ss {
			d = append(d, 6, descSSCompan, ep.MaxBurst, 0, 0, 0)
		}
	}
	binary.LittleEndian.PutUint16(d[2:], uint16(len(d)))
	return d
}

func (g *Gadget) stringDescriptor(index uint8) ([]byte, bool) {
	var s string
	switch index {
	case 0:
		return []byte{4, descString, 0x09, 0x04}, true
	case 1:
		s = g.cfg.Manufacturer
	case 2:
		s = g.cfg.Product
	case 3:
		s = g.cfg.Serial
	}
	if s == "" {
		return nil, false
	}
	u := utf16.Encode([]rune(s))
	d := make([]byte, 2+2*len(u))
	d[0] = byte(len(d))
	d[1] = descString
	for i, r := range u {
		binary.LittleEndian.PutUint16(d[2+2*i:], r)
	}
	return d, true
}

func (g *Gadget) hasEndpoint(ep uint8) bool {
	for _, e := range g.cfg.Endpoints {
		if e.Address == ep {
			return true
		}
	}
	return false
}

// Control implements Device.
func (g *Gadget) Control(setup hal.SetupPacket, data []byte) (int, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	switch {
	case setup.RequestType == 0x80 && setup.Request == reqGetDescriptor:
		var d []byte
		switch uint8(setup.Value >> 8) {
		case descDevice:
			d = g.DeviceDescriptor()
		case descConfig:
			d = g.ConfigDescriptor()
		case descString:
			s, ok := g.stringDescriptor(uint8(setup.Value))
			if !ok {
				return 0, pkg.ErrStall
			}
			d = s
		default:
			return 0, pkg.ErrStall
		}
		return copy(data, d), nil

	case setup.RequestType == 0x00 && setup.Request == reqSetAddress:
		if setup.Value == 0 || setup.Value > 127 {
			return 0, pkg.ErrStall
		}
		g.address = uint8(setup.Value)
		return 0, nil

	case setup.RequestType == 0x00 && setup.Request == reqSetConfiguration:
		if setup.Value > 1 {
			return 0, pkg.ErrStall
		}
		g.configured = uint8(setup.Value)
		clear(g.halted)
		return 0, nil

	case setup.RequestType == 0x80 && setup.Request == reqGetConfiguration:
		if len(data) < 1 {
			return 0, nil
		}
		data[0] = g.configured
		return 1, nil

	case setup.RequestType&0xE0 == 0x80 && setup.Request == reqGetStatus:
		if len(data) < 2 {
			return 0, pkg.ErrStall
		}
		var st uint16
		if setup.RequestType&0x1F == 0x02 && g.halted[uint8(setup.Index)] {
			st = 1
		}
		binary.LittleEndian.PutUint16(data, st)
		return 2, nil

	case setup.RequestType == 0x02 && (setup.Request == reqClearFeature || setup.Request == reqSetFeature):
		ep := uint8(setup.Index)
		if setup.Value != featureEndpointHalt || !g.hasEndpoint(ep) {
			return 0, pkg.ErrStall
		}
		g.halted[ep] = setup.Request == reqSetFeature
		return 0, nil

	case setup.RequestType == 0x01 && setup.Request == reqSetInterface:
		if setup.Index != 0 || setup.Value != 0 {
			return 0, pkg.ErrStall
		}
		return 0, nil

	case setup.RequestType == 0x40 && setup.Request == VendorEcho:
		g.echo = append(g.echo[:0], data...)
		return len(data), nil

	case setup.RequestType == 0xC0 && setup.Request == VendorEcho:
		return copy(data, g.echo), nil
	}
	return 0, pkg.ErrStall
}

// In implements Device.
func (g *Gadget) In(ep uint8, buf []byte) (int, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.check(ep); err != nil {
		return 0, err
	}
	if g.cfg.Mode == ModeSource {
		for i := range buf {
			buf[i] = g.pattern
			g.pattern++
		}
		return len(buf), nil
	}
	if len(g.queue) == 0 {
		return 0, pkg.ErrNAK
	}
	n := copy(buf, g.queue[0])
	if n == len(g.queue[0]) {
		g.queue = g.queue[1:]
	} else {
		g.queue[0] = g.queue[0][n:]
	}
	return n, nil
}

// Out implements Device.
func (g *Gadget) Out(ep uint8, data []byte) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.check(ep); err != nil {
		return err
	}
	g.received += len(data)
	if g.cfg.Mode == ModeLoopback && len(data) > 0 {
		g.queue = append(g.queue, append([]byte(nil), data...))
	}
	return nil
}

func (g *Gadget) check(ep uint8) error {
	switch {
	case !g.hasEndpoint(ep):
		return fmt.Errorf("endpoint 0x%02x: %w", ep, pkg.ErrInvalidEndpoint)
	case g.configured == 0:
		return fmt.Errorf("endpoint 0x%02x: %w", ep, pkg.ErrNotConfigured)
	case g.halted[ep]:
		return pkg.ErrStall
	}
	return nil
}
