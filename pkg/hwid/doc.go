// Package hwid looks up vendor and product names in the usb.ids and
// pci.ids databases shipped with most Linux distributions.
//
// Both files share one format: a vendor line holds a four digit hex ID
// and a name, and the product lines that follow are indented by one tab.
// Deeper indentation (interfaces, subsystems) and class sections are
// ignored.
//
//	usb := hwid.New(hwid.USBPaths...)
//	if err := usb.Load(); err != nil {
//	    // names are simply unavailable
//	}
//	usb.Vendor(0x1d6b)          // "Linux Foundation"
//	usb.Product(0x1d6b, 0x0003) // "3.0 root hub"
//
// A Database that failed to load answers every lookup with an empty
// string, and all methods are safe for concurrent use.
package hwid
