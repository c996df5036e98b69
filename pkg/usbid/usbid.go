// Package usbid names USB vendors and products from the usb.ids database
// shipped with usbutils and hwdata.
package usbid

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/ardnew/tildabridge/pkg"
)

// DefaultPaths are the usual locations of usb.ids.
var DefaultPaths = []string{
	"/usr/share/hwdata/usb.ids",
	"/var/lib/usbutils/usb.ids",
	"/usr/share/misc/usb.ids",
}

// Database maps vendor and product IDs to names. The zero value is an
// empty database.
type Database struct {
	vendors  map[uint16]string
	products map[uint32]string // vid<<16 | pid
}

func productKey(vid, pid uint16) uint32 { return uint32(vid)<<16 | uint32(pid) }

// Parse reads the usb.ids format. Only the vendor section is kept; the
// class, language and HID tables that follow it are skipped.
func Parse(r io.Reader) (*Database, error) {
	db := &Database{
		vendors:  make(map[uint16]string),
		products: make(map[uint32]string),
	}
	scanner := bufio.NewScanner(r)
	vendor, inVendor := uint16(0), false
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" || line[0] == '#' {
			continue
		}
		if line[0] == '\t' {
			if !inVendor || strings.HasPrefix(line, "\t\t") {
				continue
			}
			if id, name, ok := entry(line[1:]); ok {
				db.products[productKey(vendor, id)] = name
			}
			continue
		}
		id, name, ok := entry(line)
		inVendor = ok
		if ok {
			vendor = id
			db.vendors[id] = name
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("usb.ids: %w", err)
	}
	return db, nil
}

// entry splits "xxxx  Name".
func entry(line string) (uint16, string, bool) {
	hexID, name, ok := strings.Cut(line, "  ")
	if !ok || len(hexID) != 4 {
		return 0, "", false
	}
	id, err := strconv.ParseUint(hexID, 16, 16)
	if err != nil {
		return 0, "", false
	}
	return uint16(id), strings.TrimSpace(name), true
}

// Open parses the first database found in paths, or DefaultPaths when
// none are given. It returns os.ErrNotExist when no file exists.
func Open(paths ...string) (*Database, error) {
	if len(paths) == 0 {
		paths = DefaultPaths
	}
	for _, path := range paths {
		f, err := os.Open(path)
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, err
		}
		defer f.Close()
		db, err := Parse(f)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		pkg.LogDebug(pkg.ComponentCLI, "usb id database loaded",
			"path", path,
			"vendors", len(db.vendors),
			"products", len(db.products))
		return db, nil
	}
	return nil, fmt.Errorf("usb.ids: %w", os.ErrNotExist)
}

// Vendor returns the vendor name, empty when unknown.
func (db *Database) Vendor(vid uint16) string {
	if db == nil {
		return ""
	}
	return db.vendors[vid]
}

// Product returns the product name, empty when unknown.
func (db *Database) Product(vid, pid uint16) string {
	if db == nil {
		return ""
	}
	return db.products[productKey(vid, pid)]
}

// Len returns the number of vendors and products.
func (db *Database) Len() (vendors, products int) {
	if db == nil {
		return 0, 0
	}
	return len(db.vendors), len(db.products)
}
