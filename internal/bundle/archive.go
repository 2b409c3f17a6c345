package bundle

import (
	"bytes"
	"errors"
	"time"

	"github.com/klauspost/compress/zip"
)

// ErrFinalized is returned when an archive is written after Finalize.
var ErrFinalized = errors.New("archive already finalized")

// ArchiveWriter accumulates named entries and produces the final archive.
type ArchiveWriter interface {
	AddEntry(name string, data []byte) error
	Finalize() ([]byte, error)
}

// ArchiveFactory creates the writer for one bundling run.
type ArchiveFactory func() ArchiveWriter

// ZipWriter builds a zip archive in memory.
type ZipWriter struct {
	buf       bytes.Buffer
	zw        *zip.Writer
	modified  time.Time
	finalized bool
}

// NewZipWriter creates an empty in-memory zip archive.
func NewZipWriter() *ZipWriter {
	w := &ZipWriter{modified: time.Now()}
	w.zw = zip.NewWriter(&w.buf)
	return w
}

// AddEntry writes one deflated file entry.
func (w *ZipWriter) AddEntry(name string, data []byte) error {
	if w.finalized {
		return ErrFinalized
	}

	f, err := w.zw.CreateHeader(&zip.FileHeader{
		Name:     name,
		Method:   zip.Deflate,
		Modified: w.modified,
	})
	if err != nil {
		return err
	}
	_, err = f.Write(data)
	return err
}

// Finalize writes the central directory and returns the archive bytes.
func (w *ZipWriter) Finalize() ([]byte, error) {
	if w.finalized {
		return nil, ErrFinalized
	}
	w.finalized = true

	if err := w.zw.Close(); err != nil {
		return nil, err
	}
	return w.buf.Bytes(), nil
}
