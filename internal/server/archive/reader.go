package archive

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/dmitrijs2005/opsvault/internal/common"
	"github.com/klauspost/compress/zip"
)

// Entry is one file inside an archive.
type Entry struct {
	// Path is DatabaseEntry for the storage file and the slash-separated
	// path relative to the attachments root otherwise.
	Path string
	Size uint64

	file *zip.File
}

// Open returns a reader over the decompressed entry content.
func (e *Entry) Open() (io.ReadCloser, error) {
	return e.file.Open()
}

// Reader is a validated, decoded snapshot archive.
type Reader struct {
	database    *Entry
	attachments []*Entry
}

// Open decodes the archive in r. Malformed containers and unsafe entry names
// are reported as common.ErrInvalidArchive.
func Open(r io.ReaderAt, size int64) (*Reader, error) {
	zr, err := zip.NewReader(r, size)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", common.ErrInvalidArchive, err)
	}
	return decode(zr.File)
}

// OpenFile opens and decodes the archive at path. The returned closer must
// be closed once the entries are no longer needed.
func OpenFile(path string) (*Reader, io.Closer, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, err
	}
	st, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, nil, err
	}
	rd, err := Open(f, st.Size())
	if err != nil {
		_ = f.Close()
		return nil, nil, err
	}
	return rd, f, nil
}

func decode(files []*zip.File) (*Reader, error) {
	rd := &Reader{}
	seen := make(map[string]struct{}, len(files))

	for _, f := range files {
		name := f.Name
		if strings.Contains(name, "\\") {
			return nil, fmt.Errorf("%w: entry %q uses backslashes", common.ErrInvalidArchive, name)
		}

		switch {
		case name == DatabaseEntry:
			if rd.database != nil {
				return nil, fmt.Errorf("%w: duplicate %s entry", common.ErrInvalidArchive, DatabaseEntry)
			}
			rd.database = &Entry{Path: DatabaseEntry, Size: f.UncompressedSize64, file: f}

		case strings.HasPrefix(name, AttachmentsPrefix):
			if f.FileInfo().IsDir() {
				continue
			}
			rel, err := cleanRel(strings.TrimPrefix(name, AttachmentsPrefix))
			if err != nil || rel != strings.TrimPrefix(name, AttachmentsPrefix) {
				return nil, fmt.Errorf("%w: unsafe entry %q", common.ErrInvalidArchive, name)
			}
			if _, dup := seen[rel]; dup {
				return nil, fmt.Errorf("%w: duplicate entry %q", common.ErrInvalidArchive, name)
			}
			seen[rel] = struct{}{}
			rd.attachments = append(rd.attachments, &Entry{Path: rel, Size: f.UncompressedSize64, file: f})
		}
	}
	return rd, nil
}

// Database returns the structured-storage entry, if the archive has one.
func (r *Reader) Database() (*Entry, bool) {
	return r.database, r.database != nil
}

// Attachments returns attachment entries in archive order.
func (r *Reader) Attachments() []*Entry {
	return r.attachments
}
