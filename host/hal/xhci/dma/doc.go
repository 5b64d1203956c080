// Package dma provides device-visible memory for host controller drivers.
//
// A [Buffer] pairs a CPU view of memory with the bus address a controller
// uses to reach it. An [Allocator] hands out buffers; [Region] is a simple
// allocator over one contiguous block, used both for hugepage-backed memory
// on Linux and for the heap memory of simulated controllers.
package dma
