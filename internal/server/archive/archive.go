// Package archive encodes and decodes opsvault snapshot archives.
//
// A snapshot is a zip container holding at most one structured-storage file
// under DatabaseEntry and any number of attachment files under
// AttachmentsPrefix. Other entries are ignored on decode.
package archive

import (
	"bytes"
	"io"
)

const (
	DatabaseEntry     = "database.sqlite"
	AttachmentsPrefix = "uploads/"
)

var sqliteHeader = []byte("SQLite format 3\x00")

// IsSQLite reports whether r starts with the SQLite file header.
func IsSQLite(r io.Reader) bool {
	buf := make([]byte, len(sqliteHeader))
	if _, err := io.ReadFull(r, buf); err != nil {
		return false
	}
	return bytes.Equal(buf, sqliteHeader)
}
