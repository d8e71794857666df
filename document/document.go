// Package document models the file attached to a workflow run and knows how
// to inspect and extract text from the formats the analysis service accepts.
package document

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

var (
	// ErrEmpty is returned when an attachment has no content.
	ErrEmpty = errors.New("document: empty file")

	// ErrUnsupportedFormat is returned for extensions no extractor handles.
	ErrUnsupportedFormat = errors.New("document: unsupported format")

	// ErrTooLarge is returned when an attachment exceeds MaxSize.
	ErrTooLarge = errors.New("document: file too large")
)

// MaxSize bounds attachments accepted by Read and Open.
const MaxSize = 100 << 20

// Document is an attached file held in memory until the run uploads it.
type Document struct {
	Name   string
	Format string // lower-cased extension without the dot
	Data   []byte
}

// Info summarises a document for display before a run.
type Info struct {
	Name     string `json:"name"`
	Format   string `json:"format"`
	Size     int64  `json:"size"`
	SHA256   string `json:"sha256"`
	Pages    int    `json:"pages,omitempty"`
	Sheets   int    `json:"sheets,omitempty"`
	Readable bool   `json:"readable"`
}

// New builds a Document from a file name and its content.
func New(name string, data []byte) (*Document, error) {
	if len(data) == 0 {
		return nil, ErrEmpty
	}
	if len(data) > MaxSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrTooLarge, len(data))
	}
	name = filepath.Base(name)
	return &Document{
		Name:   name,
		Format: FormatOf(name),
		Data:   data,
	}, nil
}

// Read consumes r up to MaxSize and builds a Document.
func Read(name string, r io.Reader) (*Document, error) {
	data, err := io.ReadAll(io.LimitReader(r, MaxSize+1))
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", name, err)
	}
	return New(name, data)
}

// Open reads a document from disk.
func Open(path string) (*Document, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return Read(filepath.Base(path), f)
}

// FormatOf returns the lower-cased extension of name without the dot.
func FormatOf(name string) string {
	return strings.ToLower(strings.TrimPrefix(filepath.Ext(name), "."))
}

// Size returns the content length in bytes.
func (d *Document) Size() int64 {
	return int64(len(d.Data))
}

// Reader returns a fresh reader over the content.
func (d *Document) Reader() *bytes.Reader {
	return bytes.NewReader(d.Data)
}

// Supported reports whether an extractor exists for the document's format.
func (d *Document) Supported() bool {
	_, ok := extractors[d.Format]
	return ok
}

// Inspect returns display metadata. Unsupported or corrupt files are not an
// error; they are reported with Readable=false.
func (d *Document) Inspect(ctx context.Context) Info {
	sum := sha256.Sum256(d.Data)
	info := Info{
		Name:   d.Name,
		Format: d.Format,
		Size:   d.Size(),
		SHA256: hex.EncodeToString(sum[:]),
	}

	switch d.Format {
	case "pdf":
		if n, err := pdfPageCount(d); err == nil {
			info.Pages = n
			info.Readable = true
		}
	case "xlsx":
		if n, err := xlsxSheetCount(d); err == nil {
			info.Sheets = n
			info.Readable = true
		}
	default:
		if d.Supported() {
			text, err := d.Text(ctx)
			info.Readable = err == nil && strings.TrimSpace(text) != ""
		}
	}
	return info
}
