// Package uio runs the xHCI driver against real hardware from user space
// on Linux.
//
// The controller's PCI function must be bound to the uio_pci_generic
// driver:
//
//	echo 8086 a36d > /sys/bus/pci/drivers/uio_pci_generic/new_id
//
// [Open] maps BAR0 through the function's sysfs resource0 file, enables
// bus mastering, reserves hugepages for DMA memory and translates their
// addresses through /proc/self/pagemap. Interrupts arrive as reads on
// /dev/uioN and are re-armed by writing to it. The result is an
// xhci.Platform.
//
// Address translation needs CAP_SYS_ADMIN and the hugepages must be
// reserved beforehand (vm.nr_hugepages).
//
// [Scan] and [LookupFunction] only read sysfs and work on any system.
package uio
