package usbid

import (
	"bufio"
	"fmt"
	"io"
	"io/fs"
	"os"
	"strconv"
	"strings"
)

// DefaultPaths lists the usual locations of the usb.ids file.
var DefaultPaths = []string{
	"/usr/share/hwdata/usb.ids",
	"/var/lib/usbutils/usb.ids",
	"/usr/share/misc/usb.ids",
}

// Database maps vendor and product IDs to names. It is read-only once
// built.
type Database struct {
	vendors  map[uint16]string
	products map[uint32]string // VID<<16 | PID
}

// Open parses the first file in paths that exists, or DefaultPaths when
// none are given. The error wraps fs.ErrNotExist when no file is found.
func Open(paths ...string) (*Database, error) {
	if len(paths) == 0 {
		paths = DefaultPaths
	}
	for _, path := range paths {
		f, err := os.Open(path)
		if err != nil {
			continue
		}
		defer f.Close()
		db, err := Parse(f)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		return db, nil
	}
	return nil, fmt.Errorf("usb.ids not found in %s: %w", strings.Join(paths, ", "), fs.ErrNotExist)
}

// Parse reads the usb.ids format: a vendor line "vvvv  Name" followed by
// tab-indented "pppp  Name" product lines. Class, language and other
// sections are skipped.
func Parse(r io.Reader) (*Database, error) {
	db := &Database{
		vendors:  make(map[uint16]string),
		products: make(map[uint32]string),
	}

	var vid uint16
	inVendor := false
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := sc.Text()
		if line == "" || line[0] == '#' {
			continue
		}

		if line[0] == '\t' {
			if !inVendor || strings.HasPrefix(line, "\t\t") {
				continue
			}
			if id, name, ok := entry(line[1:]); ok {
				db.products[uint32(vid)<<16|uint32(id)] = name
			}
			continue
		}

		id, name, ok := entry(line)
		inVendor = ok
		if ok {
			vid = id
			db.vendors[vid] = name
		}
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return db, nil
}

// entry splits "xxxx  Name". Lines whose first field is not four hex
// digits (such as "C 09  Hub") are rejected.
func entry(line string) (uint16, string, bool) {
	if len(line) < 6 || line[4] != ' ' {
		return 0, "", false
	}
	id, err := strconv.ParseUint(line[:4], 16, 16)
	if err != nil {
		return 0, "", false
	}
	return uint16(id), strings.TrimLeft(line[5:], " "), true
}

// Vendor returns the vendor name, or "" when unknown.
func (db *Database) Vendor(vid uint16) string { return db.vendors[vid] }

// Product returns the product name, or "" when unknown.
func (db *Database) Product(vid, pid uint16) string {
	return db.products[uint32(vid)<<16|uint32(pid)]
}

// Describe formats vid:pid followed by whatever names are known.
func (db *Database) Describe(vid, pid uint16) string {
	s := fmt.Sprintf("%04x:%04x", vid, pid)
	if v := db.Vendor(vid); v != "" {
		s += " " + v
	}
	if p := db.Product(vid, pid); p != "" {
		s += " " + p
	}
	return s
}

// Len returns the number of vendors and products known.
func (db *Database) Len() (vendors, products int) {
	return len(db.vendors), len(db.products)
}
