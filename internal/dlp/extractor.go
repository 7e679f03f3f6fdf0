package dlp

import (
	"archive/zip"
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/ledongthuc/pdf"
)

// Format is the document format chosen from a filename extension.
type Format string

const (
	FormatText    Format = "text"
	FormatPDF     Format = "pdf"
	FormatWord    Format = "word"
	FormatUnknown Format = "unknown"
)

// wordNamespace is the WordprocessingML main namespace.
const wordNamespace = "http://schemas.openxmlformats.org/wordprocessingml/2006/main"

// maxDocumentXMLSize bounds the decompressed size of word/document.xml.
const maxDocumentXMLSize = 64 << 20

// ErrNoDocumentBody is returned when a word archive has no main document part.
var ErrNoDocumentBody = errors.New("word/document.xml not found")

// ExtractionError reports a document that could not be parsed.
// Callers treat it as "no text extracted".
type ExtractionError struct {
	Err      error
	Format   Format
	Filename string
}

func (e *ExtractionError) Error() string {
	return fmt.Sprintf("extract %s text from %q: %v", e.Format, e.Filename, e.Err)
}

func (e *ExtractionError) Unwrap() error {
	return e.Err
}

// FormatOf returns the format for a filename, matching the extension
// case-insensitively.
func FormatOf(filename string) Format {
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".txt":
		return FormatText
	case ".pdf":
		return FormatPDF
	case ".doc", ".docx":
		return FormatWord
	default:
		return FormatUnknown
	}
}

// Extract converts raw document bytes into plain text. Unknown formats yield
// empty text and no error.
func Extract(data []byte, filename string) (string, error) {
	format := FormatOf(filename)

	var (
		text string
		err  error
	)

	switch format {
	case FormatText:
		return strings.ToValidUTF8(string(data), ""), nil
	case FormatPDF:
		text, err = extractPDF(data)
	case FormatWord:
		text, err = extractWord(data)
	default:
		return "", nil
	}

	if err != nil {
		return "", &ExtractionError{Format: format, Filename: filename, Err: err}
	}

	return text, nil
}

// extractPDF concatenates page text in page order. The pdf reader panics on
// some malformed inputs, so panics are converted to errors.
func extractPDF(data []byte) (text string, err error) {
	defer func() {
		if r := recover(); r != nil {
			text = ""
			err = fmt.Errorf("malformed pdf: %v", r)
		}
	}()

	reader, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", err
	}

	var b strings.Builder

	for i := 1; i <= reader.NumPage(); i++ {
		page := reader.Page(i)
		if page.V.IsNull() {
			continue
		}

		content, err := page.GetPlainText(nil)
		if err != nil {
			continue
		}

		b.WriteString(content)
	}

	return b.String(), nil
}

// extractWord reads paragraph text from an OOXML word archive. Each
// paragraph is followed by a newline.
func extractWord(data []byte) (string, error) {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", err
	}

	for _, f := range zr.File {
		if f.Name != "word/document.xml" {
			continue
		}

		rc, err := f.Open()
		if err != nil {
			return "", err
		}
		defer rc.Close()

		return paragraphText(io.LimitReader(rc, maxDocumentXMLSize))
	}

	return "", ErrNoDocumentBody
}

func paragraphText(r io.Reader) (string, error) {
	dec := xml.NewDecoder(r)

	var (
		b      strings.Builder
		inRun  bool
		inText bool
	)

	for {
		tok, err := dec.Token()
		if errors.Is(err, io.EOF) {
			return b.String(), nil
		}

		if err != nil {
			return "", err
		}

		switch t := tok.(type) {
		case xml.StartElement:
			if t.Name.Space != wordNamespace {
				continue
			}

			switch t.Name.Local {
			case "r":
				inRun = true
			case "t":
				inText = inRun
			case "tab":
				if inRun {
					b.WriteByte('\t')
				}
			case "br", "cr":
				if inRun {
					b.WriteByte('\n')
				}
			}
		case xml.EndElement:
			if t.Name.Space != wordNamespace {
				continue
			}

			switch t.Name.Local {
			case "r":
				inRun = false
			case "t":
				inText = false
			case "p":
				b.WriteByte('\n')
			}
		case xml.CharData:
			if inText {
				b.Write(t)
			}
		}
	}
}
