package host

import (
	"encoding/binary"
	"fmt"

	"github.com/ardnew/softxhci/host/hal"
	"github.com/ardnew/softxhci/pkg"
)

// DeviceState tracks how far a device has come through enumeration.
type DeviceState uint8

const (
	DeviceStateDetached DeviceState = iota
	DeviceStateDefault
	DeviceStateAddress
	DeviceStateConfigured
)

func (s DeviceState) String() string {
	switch s {
	case DeviceStateDetached:
		return "detached"
	case DeviceStateDefault:
		return "default"
	case DeviceStateAddress:
		return "address"
	case DeviceStateConfigured:
		return "configured"
	}
	return fmt.Sprintf("DeviceState(%d)", uint8(s))
}

const (
	// MaxDevices bounds the USB addresses the host hands out.
	MaxDevices = 16

	// MaxInterfacesPerConfiguration bounds the interfaces whose
	// class-specific descriptors are kept.
	MaxInterfacesPerConfiguration = 8

	// MaxStringsPerDevice bounds the string descriptor cache.
	MaxStringsPerDevice = 16

	maxDescriptorSize = 512
	maxEndpoints      = 16
)

// Descriptor types read during enumeration.
const (
	DescriptorTypeDevice              = 0x01
	DescriptorTypeConfiguration       = 0x02
	DescriptorTypeString              = 0x03
	DescriptorTypeInterface           = 0x04
	DescriptorTypeEndpoint            = 0x05
	DescriptorTypeSSEndpointCompanion = 0x30
)

// Standard requests issued by the host.
const (
	RequestGetStatus        = 0x00
	RequestClearFeature     = 0x01
	RequestSetFeature       = 0x03
	RequestGetDescriptor    = 0x06
	RequestSetConfiguration = 0x09
)

// bmRequestType fields.
const (
	RequestTypeOut      = 0x00
	RequestTypeIn       = 0x80
	RequestTypeStandard = 0x00
	RequestTypeDevice   = 0x00
	RequestTypeEndpoint = 0x02
)

// LangIDUSEnglish is the language ID used for string descriptors.
const LangIDUSEnglish = 0x0409

// Descriptor lengths.
const (
	DeviceDescriptorSize        = 18
	ConfigurationDescriptorSize = 9
	interfaceDescriptorSize     = 9
	endpointDescriptorSize      = 7
)

var le = binary.LittleEndian

func shortDescriptor(kind string, n int) error {
	return fmt.Errorf("%s descriptor: %d bytes: %w", kind, n, pkg.ErrInvalidParameter)
}

// DeviceDescriptor is the standard device descriptor.
type DeviceDescriptor struct {
	Length            uint8
	DescriptorType    uint8
	USBVersion        uint16
	DeviceClass       uint8
	DeviceSubClass    uint8
	DeviceProtocol    uint8
	MaxPacketSize0    uint8
	VendorID          uint16
	ProductID         uint16
	DeviceVersion     uint16
	ManufacturerIndex uint8
	ProductIndex      uint8
	SerialNumberIndex uint8
	NumConfigurations uint8
}

// ParseDeviceDescriptor decodes the first DeviceDescriptorSize bytes of b.
func ParseDeviceDescriptor(b []byte) (DeviceDescriptor, error) {
	if len(b) < DeviceDescriptorSize {
		return DeviceDescriptor{}, shortDescriptor("device", len(b))
	}
	return DeviceDescriptor{
		Length:            b[0],
		DescriptorType:    b[1],
		USBVersion:        le.Uint16(b[2:]),
		DeviceClass:       b[4],
		DeviceSubClass:    b[5],
		DeviceProtocol:    b[6],
		MaxPacketSize0:    b[7],
		VendorID:          le.Uint16(b[8:]),
		ProductID:         le.Uint16(b[10:]),
		DeviceVersion:     le.Uint16(b[12:]),
		ManufacturerIndex: b[14],
		ProductIndex:      b[15],
		SerialNumberIndex: b[16],
		NumConfigurations: b[17],
	}, nil
}

// ConfigurationDescriptor is the header of a configuration descriptor set.
type ConfigurationDescriptor struct {
	Length             uint8
	DescriptorType     uint8
	TotalLength        uint16
	NumInterfaces      uint8
	ConfigurationValue uint8
	ConfigurationIndex uint8
	Attributes         uint8
	MaxPower           uint8
}

// ParseConfigurationDescriptor decodes a configuration descriptor header.
func ParseConfigurationDescriptor(b []byte) (ConfigurationDescriptor, error) {
	if len(b) < ConfigurationDescriptorSize {
		return ConfigurationDescriptor{}, shortDescriptor("configuration", len(b))
	}
	return ConfigurationDescriptor{
		Length:             b[0],
		DescriptorType:     b[1],
		TotalLength:        le.Uint16(b[2:]),
		NumInterfaces:      b[4],
		ConfigurationValue: b[5],
		ConfigurationIndex: b[6],
		Attributes:         b[7],
		MaxPower:           b[8],
	}, nil
}

// InterfaceDescriptor is a standard interface descriptor.
type InterfaceDescriptor struct {
	Length            uint8
	DescriptorType    uint8
	InterfaceNumber   uint8
	AlternateSetting  uint8
	NumEndpoints      uint8
	InterfaceClass    uint8
	InterfaceSubClass uint8
	InterfaceProtocol uint8
	InterfaceIndex    uint8
}

// ParseInterfaceDescriptor decodes an interface descriptor.
func ParseInterfaceDescriptor(b []byte) (InterfaceDescriptor, error) {
	if len(b) < interfaceDescriptorSize {
		return InterfaceDescriptor{}, shortDescriptor("interface", len(b))
	}
	var d InterfaceDescriptor
	d.Length, d.DescriptorType = b[0], b[1]
	d.InterfaceNumber, d.AlternateSetting, d.NumEndpoints = b[2], b[3], b[4]
	d.InterfaceClass, d.InterfaceSubClass, d.InterfaceProtocol = b[5], b[6], b[7]
	d.InterfaceIndex = b[8]
	return d, nil
}

// EndpointDescriptor is a standard endpoint descriptor.
type EndpointDescriptor struct {
	Length          uint8
	DescriptorType  uint8
	EndpointAddress uint8
	Attributes      uint8
	MaxPacketSize   uint16
	Interval        uint8
}

// ParseEndpointDescriptor decodes an endpoint descriptor.
func ParseEndpointDescriptor(b []byte) (EndpointDescriptor, error) {
	if len(b) < endpointDescriptorSize {
		return EndpointDescriptor{}, shortDescriptor("endpoint", len(b))
	}
	return EndpointDescriptor{
		Length:          b[0],
		DescriptorType:  b[1],
		EndpointAddress: b[2],
		Attributes:      b[3],
		MaxPacketSize:   le.Uint16(b[4:]),
		Interval:        b[6],
	}, nil
}

// IsIn reports a device-to-host endpoint.
func (e *EndpointDescriptor) IsIn() bool { return e.EndpointAddress&0x80 != 0 }

// IsOut reports a host-to-device endpoint.
func (e *EndpointDescriptor) IsOut() bool { return !e.IsIn() }

// TransferType decodes bmAttributes.
func (e *EndpointDescriptor) TransferType() hal.TransferType {
	return hal.TransferType(e.Attributes & 0x03)
}

// IsBulk reports a bulk endpoint.
func (e *EndpointDescriptor) IsBulk() bool { return e.TransferType() == hal.TransferBulk }
