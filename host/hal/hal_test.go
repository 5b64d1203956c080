package hal

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// Speed Tests
// =============================================================================

func TestSpeed_String(t *testing.T) {
	tests := []struct {
		speed    Speed
		expected string
	}{
		{SpeedUnknown, "Unknown"},
		{SpeedLow, "Low Speed"},
		{SpeedFull, "Full Speed"},
		{SpeedHigh, "High Speed"},
		{SpeedSuper, "SuperSpeed"},
		{Speed(255), "Unknown"},
	}

	for _, tt := range tests {
		t.Run(tt.expected, func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.speed.String())
		})
	}
}

func TestSpeed_DefaultMaxPacketSize0(t *testing.T) {
	assert.EqualValues(t, 8, SpeedLow.DefaultMaxPacketSize0())
	assert.EqualValues(t, 8, SpeedFull.DefaultMaxPacketSize0())
	assert.EqualValues(t, 64, SpeedHigh.DefaultMaxPacketSize0())
	assert.EqualValues(t, 512, SpeedSuper.DefaultMaxPacketSize0())
	assert.EqualValues(t, 8, SpeedUnknown.DefaultMaxPacketSize0())
}

// =============================================================================
// SetupPacket Tests
// =============================================================================

func TestParseSetupPacket(t *testing.T) {
	data := []byte{
		0x80,       // RequestType (Device-to-Host, Standard, Device)
		0x06,       // Request (GET_DESCRIPTOR)
		0x00, 0x01, // Value (Device Descriptor)
		0x00, 0x00, // Index
		0x12, 0x00, // Length (18)
	}

	var setup SetupPacket
	require.True(t, ParseSetupPacket(data, &setup))

	assert.Equal(t, SetupPacket{
		RequestType: 0x80,
		Request:     0x06,
		Value:       0x0100,
		Index:       0x0000,
		Length:      0x0012,
	}, setup)
	assert.True(t, setup.IsIn())
}

func TestParseSetupPacket_TooShort(t *testing.T) {
	data := make([]byte, SetupPacketSize-1)
	var setup SetupPacket
	assert.False(t, ParseSetupPacket(data, &setup))
}

func TestSetupPacket_MarshalTo(t *testing.T) {
	setup := SetupPacket{
		RequestType: 0x80,
		Request:     0x06,
		Value:       0x0100,
		Index:       0x0409,
		Length:      0x00FF,
	}

	buf := make([]byte, SetupPacketSize)
	require.Equal(t, SetupPacketSize, setup.MarshalTo(buf))
	assert.Equal(t, []byte{0x80, 0x06, 0x00, 0x01, 0x09, 0x04, 0xFF, 0x00}, buf)

	assert.Zero(t, setup.MarshalTo(make([]byte, SetupPacketSize-1)))
}

func TestSetupPacket_Uint64(t *testing.T) {
	setup := SetupPacket{
		RequestType: 0x00,
		Request:     0x05,
		Value:       0x0003,
		Index:       0x0000,
		Length:      0x0000,
	}
	assert.Equal(t, uint64(0x0000_0000_0003_0500), setup.Uint64())
	assert.False(t, setup.IsIn())

	// Packed form matches the wire bytes read as a little-endian quadword.
	get := SetupPacket{RequestType: 0x80, Request: 0x06, Value: 0x0100, Length: 0x12}
	buf := make([]byte, SetupPacketSize)
	get.MarshalTo(buf)
	var want uint64
	for i := SetupPacketSize - 1; i >= 0; i-- {
		want = want<<8 | uint64(buf[i])
	}
	assert.Equal(t, want, get.Uint64())
}

func TestSetupPacket_RoundTrip(t *testing.T) {
	original := SetupPacket{
		RequestType: 0x21,
		Request:     0x09,
		Value:       0x0200,
		Index:       0x0001,
		Length:      0x0008,
	}

	buf := make([]byte, SetupPacketSize)
	original.MarshalTo(buf)

	var parsed SetupPacket
	require.True(t, ParseSetupPacket(buf, &parsed))
	assert.Equal(t, original, parsed)
}

// =============================================================================
// TransferType Tests
// =============================================================================

func TestTransferType_String(t *testing.T) {
	assert.Equal(t, "control", TransferControl.String())
	assert.Equal(t, "isochronous", TransferIsochronous.String())
	assert.Equal(t, "bulk", TransferBulk.String())
	assert.Equal(t, "interrupt", TransferInterrupt.String())
	assert.Equal(t, "unknown", TransferType(9).String())
}

// =============================================================================
// EndpointDescriptor Tests
// =============================================================================

func TestEndpointDescriptor_Number(t *testing.T) {
	tests := []struct {
		address  uint8
		expected uint8
	}{
		{0x00, 0},
		{0x01, 1},
		{0x0F, 15},
		{0x81, 1},
		{0x8F, 15},
	}

	for _, tt := range tests {
		ep := EndpointDescriptor{Address: tt.address}
		assert.Equal(t, tt.expected, ep.Number(), "address 0x%02X", tt.address)
	}
}

func TestEndpointDescriptor_IsIn(t *testing.T) {
	for _, addr := range []uint8{0x00, 0x01, 0x0F} {
		ep := EndpointDescriptor{Address: addr}
		assert.False(t, ep.IsIn(), "address 0x%02X", addr)
	}
	for _, addr := range []uint8{0x80, 0x81, 0x8F} {
		ep := EndpointDescriptor{Address: addr}
		assert.True(t, ep.IsIn(), "address 0x%02X", addr)
	}
}

func TestEndpointDescriptor_TransferType(t *testing.T) {
	tests := []struct {
		attributes uint8
		expected   TransferType
	}{
		{0x00, TransferControl},
		{0x01, TransferIsochronous},
		{0x02, TransferBulk},
		{0x03, TransferInterrupt},
		{0x80, TransferControl},   // Other bits should be masked
		{0xFF, TransferInterrupt}, // All bits set
	}

	for _, tt := range tests {
		ep := EndpointDescriptor{Attributes: tt.attributes}
		assert.Equal(t, tt.expected, ep.TransferType(), "attributes 0x%02X", tt.attributes)
	}
}

func TestEndpointDescriptor_PacketSize(t *testing.T) {
	// High-bandwidth isochronous: 3 transactions of 1024 bytes.
	ep := EndpointDescriptor{MaxPacketSize: 0x1400}
	assert.EqualValues(t, 1024, ep.PacketSize())

	ep.MaxPacketSize = 512
	assert.EqualValues(t, 512, ep.PacketSize())
}

// =============================================================================
// Benchmarks
// =============================================================================

func BenchmarkParseSetupPacket(b *testing.B) {
	data := []byte{0x80, 0x06, 0x00, 0x01, 0x00, 0x00, 0x12, 0x00}
	var setup SetupPacket

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		ParseSetupPacket(data, &setup)
	}
}

func BenchmarkSetupPacket_Uint64(b *testing.B) {
	setup := SetupPacket{
		RequestType: 0x80,
		Request:     0x06,
		Value:       0x0100,
		Index:       0x0000,
		Length:      0x0012,
	}

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = setup.Uint64()
	}
}
