package hwid

import (
	"bufio"
	"fmt"
	"io"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"sync"
)

// USBPaths lists the standard locations of the USB ID database.
var USBPaths = []string{
	"/usr/share/hwdata/usb.ids",
	"/var/lib/usbutils/usb.ids",
	"/usr/share/misc/usb.ids",
}

// PCIPaths lists the standard locations of the PCI ID database.
var PCIPaths = []string{
	"/usr/share/hwdata/pci.ids",
	"/usr/share/misc/pci.ids",
	"/usr/share/pci.ids",
}

// Database caches vendor and product names from an ID database.
type Database struct {
	paths []string

	mu       sync.RWMutex
	once     sync.Once
	loadErr  error
	vendors  map[uint16]string // VID -> vendor name
	products map[uint32]string // (VID<<16)|PID -> product name
}

// New returns a database that loads from the first readable path.
func New(paths ...string) *Database {
	return &Database{
		paths:    paths,
		vendors:  make(map[uint16]string),
		products: make(map[uint32]string),
	}
}

// Load reads the first database file found. Only the first call does any
// work; later calls return its result.
func (db *Database) Load() error {
	db.once.Do(func() {
		for _, path := range db.paths {
			f, err := os.Open(path)
			if err != nil {
				continue
			}
			db.loadErr = db.Parse(f)
			f.Close()
			if db.loadErr != nil {
				db.loadErr = fmt.Errorf("%s: %w", path, db.loadErr)
			}
			return
		}
		db.loadErr = fmt.Errorf("no ID database in %v: %w", db.paths, fs.ErrNotExist)
	})
	return db.loadErr
}

// Parse adds the entries read from r.
func (db *Database) Parse(r io.Reader) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	scanner := bufio.NewScanner(r)
	var vendor uint16
	inVendor := false

	for scanner.Scan() {
		line := scanner.Text()
		if line == "" || line[0] == '#' {
			continue
		}

		if line[0] != '\t' {
			id, name, ok := splitEntry(line)
			inVendor = ok
			if ok {
				vendor = id
				db.vendors[id] = name
			}
			continue
		}

		// Product lines carry exactly one tab.
		if !inVendor || strings.HasPrefix(line, "\t\t") {
			continue
		}
		if id, name, ok := splitEntry(line[1:]); ok {
			db.products[key(vendor, id)] = name
		}
	}
	return scanner.Err()
}

// splitEntry parses "xxxx  Name".
func splitEntry(line string) (uint16, string, bool) {
	if len(line) < 6 || line[4] != ' ' {
		return 0, "", false
	}
	id, err := strconv.ParseUint(line[:4], 16, 16)
	if err != nil {
		return 0, "", false
	}
	return uint16(id), strings.TrimSpace(line[5:]), true
}

func key(vid, pid uint16) uint32 { return uint32(vid)<<16 | uint32(pid) }

// Vendor returns the name of vid, or "" if unknown.
func (db *Database) Vendor(vid uint16) string {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return db.vendors[vid]
}

// Product returns the name of pid under vid, or "" if unknown.
func (db *Database) Product(vid, pid uint16) string {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return db.products[key(vid, pid)]
}

// Describe returns "Vendor Product" using whatever names are known, or
// fallback when neither is.
func (db *Database) Describe(vid, pid uint16, fallback string) string {
	v, p := db.Vendor(vid), db.Product(vid, pid)
	switch {
	case v != "" && p != "":
		return v + " " + p
	case v != "":
		return v
	case p != "":
		return p
	}
	return fallback
}

// Len returns the number of vendors and products loaded.
func (db *Database) Len() (vendors, products int) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return len(db.vendors), len(db.products)
}
