package usbid

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sample = `#
# List of USB ID's
#
16c0  Van Ooijen Technische Informatica
	05dc  shared ID for use with libusb
	27dd  CDC-ACM class devices (modems)
		00  interface line that is ignored
1d50  OpenMoko, Inc.
	6018  Black Magic Debug Probe (Application)

# List of known device classes, subclasses and protocols
C 02  Communications
	02  Abstract (modem)
`

func TestParse(t *testing.T) {
	db, err := Parse(strings.NewReader(sample))
	require.NoError(t, err)

	assert.Equal(t, "Van Ooijen Technische Informatica", db.Vendor(0x16c0))
	assert.Equal(t, "CDC-ACM class devices (modems)", db.Product(0x16c0, 0x27dd))
	assert.Equal(t, "Black Magic Debug Probe (Application)", db.Product(0x1d50, 0x6018))
	assert.Empty(t, db.Product(0x16c0, 0x6018))
	assert.Empty(t, db.Vendor(0x1234))

	vendors, products := db.Len()
	assert.Equal(t, 2, vendors)
	assert.Equal(t, 3, products, "class entries are not products")
}

func TestNilDatabase(t *testing.T) {
	var db *Database
	assert.Empty(t, db.Vendor(0x16c0))
	assert.Empty(t, db.Product(0x16c0, 0x27dd))
}

func TestOpen(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "usb.ids")
	require.NoError(t, os.WriteFile(path, []byte(sample), 0o644))

	db, err := Open(filepath.Join(dir, "missing.ids"), path)
	require.NoError(t, err)
	assert.Equal(t, "OpenMoko, Inc.", db.Vendor(0x1d50))

	_, err = Open(filepath.Join(dir, "missing.ids"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}
