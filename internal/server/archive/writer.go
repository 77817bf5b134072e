package archive

import (
	"fmt"
	"io"
	"path"
	"time"

	"github.com/klauspost/compress/zip"
)

// Writer streams entries into a snapshot archive.
type Writer struct {
	zw          *zip.Writer
	hasDatabase bool
}

func NewWriter(w io.Writer) *Writer {
	return &Writer{zw: zip.NewWriter(w)}
}

// AddDatabase writes the structured-storage file entry. It may be called once.
func (w *Writer) AddDatabase(r io.Reader, modTime time.Time) (int64, error) {
	if w.hasDatabase {
		return 0, fmt.Errorf("database entry already written")
	}
	w.hasDatabase = true
	return w.add(DatabaseEntry, r, modTime)
}

// AddAttachment writes an attachment under its slash-separated relative path.
func (w *Writer) AddAttachment(rel string, r io.Reader, modTime time.Time) (int64, error) {
	clean, err := cleanRel(rel)
	if err != nil {
		return 0, err
	}
	return w.add(AttachmentsPrefix+clean, r, modTime)
}

func (w *Writer) add(name string, r io.Reader, modTime time.Time) (int64, error) {
	hdr := &zip.FileHeader{
		Name:     name,
		Method:   zip.Deflate,
		Modified: modTime,
	}
	dst, err := w.zw.CreateHeader(hdr)
	if err != nil {
		return 0, fmt.Errorf("create entry %s: %w", name, err)
	}
	n, err := io.Copy(dst, r)
	if err != nil {
		return n, fmt.Errorf("write entry %s: %w", name, err)
	}
	return n, nil
}

// Close finishes the central directory. It does not close the underlying writer.
func (w *Writer) Close() error {
	return w.zw.Close()
}

func cleanRel(rel string) (string, error) {
	if rel == "" || path.IsAbs(rel) {
		return "", fmt.Errorf("invalid attachment path %q", rel)
	}
	clean := path.Clean(rel)
	if clean == "." || clean == ".." || len(clean) >= 3 && clean[:3] == "../" {
		return "", fmt.Errorf("invalid attachment path %q", rel)
	}
	return clean, nil
}
