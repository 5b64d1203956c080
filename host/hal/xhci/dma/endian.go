package dma

import (
	"encoding/binary"
	"math/bits"
)

// Device structures are little-endian. On a big-endian CPU the native word
// loaded by the atomic accessors has to be byte swapped.
var bigEndian = binary.NativeEndian.Uint16([]byte{0x12, 0x34}) == 0x1234

func toLE32(v uint32) uint32 {
	if bigEndian {
		return bits.ReverseBytes32(v)
	}
	return v
}

func fromLE32(v uint32) uint32 { return toLE32(v) }

func toLE64(v uint64) uint64 {
	if bigEndian {
		return bits.ReverseBytes64(v)
	}
	return v
}

func fromLE64(v uint64) uint64 { return toLE64(v) }
