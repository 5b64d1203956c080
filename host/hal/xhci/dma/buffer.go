package dma

import (
	"fmt"
	"sync/atomic"
	"unsafe"
)

// Buffer is a span of memory visible to a bus-mastering device.
//
// Addr is the address the device uses to reach the first byte of Bytes.
// Dword and qword accessors are atomic so that a device (or a goroutine
// emulating one) never observes a torn value. Offsets passed to the
// accessors must be naturally aligned.
type Buffer struct {
	addr uint64
	mem  []byte
}

// NewBuffer wraps mem, which the device reaches at bus address addr.
// The first byte of mem must be 8-byte aligned.
func NewBuffer(addr uint64, mem []byte) *Buffer {
	if len(mem) > 0 && uintptr(unsafe.Pointer(&mem[0]))&7 != 0 {
		panic("dma: buffer memory is not 8-byte aligned")
	}
	return &Buffer{addr: addr, mem: mem}
}

// Addr returns the bus address of the first byte.
func (b *Buffer) Addr() uint64 { return b.addr }

// Len returns the buffer size in bytes.
func (b *Buffer) Len() int { return len(b.mem) }

// Bytes returns the CPU view of the buffer.
func (b *Buffer) Bytes() []byte { return b.mem }

// Contains reports whether the bus address range [addr, addr+n) lies
// within the buffer.
func (b *Buffer) Contains(addr uint64, n int) bool {
	return addr >= b.addr && addr+uint64(n) <= b.addr+uint64(len(b.mem))
}

// Slice returns a sub-buffer covering n bytes starting at off.
func (b *Buffer) Slice(off, n int) *Buffer {
	if off < 0 || n < 0 || off+n > len(b.mem) {
		panic(fmt.Sprintf("dma: slice [%d:%d] out of range (len %d)", off, off+n, len(b.mem)))
	}
	return &Buffer{addr: b.addr + uint64(off), mem: b.mem[off : off+n : off+n]}
}

// Zero clears the whole buffer.
func (b *Buffer) Zero() {
	clear(b.mem)
}

func (b *Buffer) word32(off int) *uint32 {
	if off&3 != 0 || off+4 > len(b.mem) {
		panic(fmt.Sprintf("dma: misaligned or out of range dword access at %#x", off))
	}
	return (*uint32)(unsafe.Pointer(&b.mem[off]))
}

func (b *Buffer) word64(off int) *uint64 {
	if off&7 != 0 || off+8 > len(b.mem) {
		panic(fmt.Sprintf("dma: misaligned or out of range qword access at %#x", off))
	}
	return (*uint64)(unsafe.Pointer(&b.mem[off]))
}

// Load32 atomically reads the little-endian dword at off.
func (b *Buffer) Load32(off int) uint32 {
	return fromLE32(atomic.LoadUint32(b.word32(off)))
}

// Store32 atomically writes v as a little-endian dword at off.
func (b *Buffer) Store32(off int, v uint32) {
	atomic.StoreUint32(b.word32(off), toLE32(v))
}

// Load64 atomically reads the little-endian qword at off.
func (b *Buffer) Load64(off int) uint64 {
	return fromLE64(atomic.LoadUint64(b.word64(off)))
}

// Store64 atomically writes v as a little-endian qword at off.
func (b *Buffer) Store64(off int, v uint64) {
	atomic.StoreUint64(b.word64(off), toLE64(v))
}
