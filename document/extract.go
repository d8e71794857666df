package document

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"strings"
	"unicode/utf8"

	"github.com/ledongthuc/pdf"
	"github.com/xuri/excelize/v2"
)

// Extractor turns a document of a specific format into plain text.
type Extractor interface {
	Extract(ctx context.Context, d *Document) (string, error)
	SupportedFormats() []string
}

var extractors = map[string]Extractor{}

func init() {
	for _, e := range []Extractor{&TextExtractor{}, &PDFExtractor{}, &DOCXExtractor{}, &XLSXExtractor{}} {
		for _, f := range e.SupportedFormats() {
			extractors[f] = e
		}
	}
}

// ExtractorFor returns the extractor registered for format.
func ExtractorFor(format string) (Extractor, error) {
	e, ok := extractors[format]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedFormat, format)
	}
	return e, nil
}

// Text extracts the plain text of the document.
func (d *Document) Text(ctx context.Context) (string, error) {
	e, err := ExtractorFor(d.Format)
	if err != nil {
		return "", err
	}
	return e.Extract(ctx, d)
}

// TextExtractor handles plain text files. Invalid UTF-8 is dropped.
type TextExtractor struct{}

func (e *TextExtractor) SupportedFormats() []string { return []string{"txt", "md"} }

func (e *TextExtractor) Extract(ctx context.Context, d *Document) (string, error) {
	if utf8.Valid(d.Data) {
		return string(d.Data), nil
	}
	return strings.ToValidUTF8(string(d.Data), ""), nil
}

// PDFExtractor concatenates the plain text of every page.
type PDFExtractor struct{}

func (e *PDFExtractor) SupportedFormats() []string { return []string{"pdf"} }

func (e *PDFExtractor) Extract(ctx context.Context, d *Document) (string, error) {
	reader, err := pdf.NewReader(d.Reader(), d.Size())
	if err != nil {
		return "", fmt.Errorf("opening PDF: %w", err)
	}

	var b strings.Builder
	for i := 1; i <= reader.NumPage(); i++ {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		page := reader.Page(i)
		if page.V.IsNull() {
			continue
		}
		text, err := page.GetPlainText(nil)
		if err != nil {
			// Skip pages that fail to extract
			continue
		}
		b.WriteString(text)
		b.WriteString("\n")
	}
	return b.String(), nil
}

func pdfPageCount(d *Document) (int, error) {
	reader, err := pdf.NewReader(d.Reader(), d.Size())
	if err != nil {
		return 0, err
	}
	return reader.NumPage(), nil
}

// DOCXExtractor reads paragraph text out of word/document.xml.
type DOCXExtractor struct{}

func (e *DOCXExtractor) SupportedFormats() []string { return []string{"docx"} }

func (e *DOCXExtractor) Extract(ctx context.Context, d *Document) (string, error) {
	r, err := zip.NewReader(d.Reader(), d.Size())
	if err != nil {
		return "", fmt.Errorf("opening DOCX: %w", err)
	}

	var docFile *zip.File
	for _, f := range r.File {
		if f.Name == "word/document.xml" {
			docFile = f
			break
		}
	}
	if docFile == nil {
		return "", fmt.Errorf("word/document.xml not found in DOCX")
	}

	rc, err := docFile.Open()
	if err != nil {
		return "", fmt.Errorf("opening document.xml: %w", err)
	}
	defer rc.Close()

	data, err := io.ReadAll(rc)
	if err != nil {
		return "", err
	}

	paras, err := docxParagraphs(data)
	if err != nil {
		return "", fmt.Errorf("parsing DOCX XML: %w", err)
	}
	return strings.Join(paras, "\n"), nil
}

// docxParagraphs walks the token stream collecting <w:t> runs per <w:p>.
func docxParagraphs(data []byte) ([]string, error) {
	decoder := xml.NewDecoder(bytes.NewReader(data))

	var paras []string
	var cur strings.Builder
	inText := false

	for {
		tok, err := decoder.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}

		switch t := tok.(type) {
		case xml.StartElement:
			switch t.Name.Local {
			case "t":
				inText = true
			case "tab":
				cur.WriteString("\t")
			case "br":
				cur.WriteString("\n")
			}
		case xml.EndElement:
			switch t.Name.Local {
			case "t":
				inText = false
			case "p":
				paras = append(paras, cur.String())
				cur.Reset()
			}
		case xml.CharData:
			if inText {
				cur.Write(t)
			}
		}
	}
	if cur.Len() > 0 {
		paras = append(paras, cur.String())
	}
	return paras, nil
}

// XLSXExtractor renders every sheet as pipe-delimited rows.
type XLSXExtractor struct{}

func (e *XLSXExtractor) SupportedFormats() []string { return []string{"xlsx"} }

func (e *XLSXExtractor) Extract(ctx context.Context, d *Document) (string, error) {
	f, err := excelize.OpenReader(d.Reader())
	if err != nil {
		return "", fmt.Errorf("opening XLSX: %w", err)
	}
	defer f.Close()

	var b strings.Builder
	for _, sheet := range f.GetSheetList() {
		rows, err := f.GetRows(sheet)
		if err != nil {
			continue
		}
		for _, row := range rows {
			b.WriteString("| " + strings.Join(row, " | ") + " |\n")
		}
	}
	return b.String(), nil
}

func xlsxSheetCount(d *Document) (int, error) {
	f, err := excelize.OpenReader(d.Reader())
	if err != nil {
		return 0, err
	}
	defer f.Close()
	return len(f.GetSheetList()), nil
}
