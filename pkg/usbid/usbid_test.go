package usbid

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const testIDs = `# USB ID Database
# Comment line

1234  Test Vendor One
	5678  Test Product One
	9abc  Test Product Two
		00  Interface line
abcd  Test Vendor Two
	def0  Test Product Three

# Another comment
1f3a  Allwinner Technology
	efe8  sunxi SoC OTG connector in FEL/flashing mode

C 09  Hub
	00  Unused
`

func TestParse(t *testing.T) {
	db, err := Parse(strings.NewReader(testIDs))
	if err != nil {
		t.Fatalf("Parse() error = %v, want nil", err)
	}

	tests := []struct {
		name        string
		vid, pid    uint16
		wantVendor  string
		wantProduct string
	}{
		{"first product", 0x1234, 0x5678, "Test Vendor One", "Test Product One"},
		{"second product", 0x1234, 0x9abc, "Test Vendor One", "Test Product Two"},
		{"second vendor", 0xabcd, 0xdef0, "Test Vendor Two", "Test Product Three"},
		{"loopback ids", 0x1f3a, 0xefe8, "Allwinner Technology", "sunxi SoC OTG connector in FEL/flashing mode"},
		{"unknown vendor", 0xffff, 0x0000, "", ""},
		{"unknown product", 0x1234, 0xffff, "Test Vendor One", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := db.Vendor(tt.vid); got != tt.wantVendor {
				t.Errorf("Vendor(0x%04x) = %q, want %q", tt.vid, got, tt.wantVendor)
			}
			if got := db.Product(tt.vid, tt.pid); got != tt.wantProduct {
				t.Errorf("Product(0x%04x, 0x%04x) = %q, want %q", tt.vid, tt.pid, got, tt.wantProduct)
			}
		})
	}

	vendors, products := db.Len()
	if vendors != 3 || products != 4 {
		t.Errorf("Len() = %d, %d, want 3, 4", vendors, products)
	}
}

func TestDescribe(t *testing.T) {
	db, err := Parse(strings.NewReader(testIDs))
	if err != nil {
		t.Fatalf("Parse() error = %v, want nil", err)
	}

	tests := []struct {
		vid, pid uint16
		want     string
	}{
		{0x1234, 0x5678, "1234:5678 Test Vendor One Test Product One"},
		{0x1234, 0x0001, "1234:0001 Test Vendor One"},
		{0x0bad, 0xf00d, "0bad:f00d"},
	}
	for _, tt := range tests {
		if got := db.Describe(tt.vid, tt.pid); got != tt.want {
			t.Errorf("Describe(0x%04x, 0x%04x) = %q, want %q", tt.vid, tt.pid, got, tt.want)
		}
	}
}

func TestOpen(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "usb.ids")
	if err := os.WriteFile(path, []byte(testIDs), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	db, err := Open(filepath.Join(dir, "missing.ids"), path)
	if err != nil {
		t.Fatalf("Open() error = %v, want nil", err)
	}
	if got := db.Vendor(0xabcd); got != "Test Vendor Two" {
		t.Errorf("Vendor(0xabcd) = %q, want %q", got, "Test Vendor Two")
	}

	_, err = Open(filepath.Join(dir, "missing.ids"))
	if !errors.Is(err, fs.ErrNotExist) {
		t.Errorf("Open() error = %v, want %v", err, fs.ErrNotExist)
	}
}
