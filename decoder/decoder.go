// Package decoder normalizes heterogeneous source documents (PDF, DOCX,
// PPTX, XLSX, TXT) into either plain text or serialized tabular rows.
// Decoding is pure: the only input is the byte buffer and the extension.
package decoder

import (
	"fmt"
	"strings"

	harvest "github.com/fieldlabs/harvest"
)

// Kind discriminates the two normalized document shapes.
type Kind string

const (
	KindText    Kind = "text"
	KindTabular Kind = "tabular"
)

// Document is the normalized form of a decoded source document.
type Document struct {
	Kind    Kind     `json:"kind"`
	Content string   `json:"content,omitempty"` // text documents
	Rows    []string `json:"rows,omitempty"`    // tabular documents, one serialized row each
}

// Empty reports whether the document carries no usable content.
func (d *Document) Empty() bool {
	if d == nil {
		return true
	}
	if d.Kind == KindTabular {
		return len(d.Rows) == 0
	}
	return strings.TrimSpace(d.Content) == ""
}

type decodeFunc func(data []byte) (*Document, error)

var decoders = map[string]decodeFunc{
	"pdf":  decodePDF,
	"docx": decodeDOCX,
	"pptx": decodePPTX,
	"txt":  decodeText,
	"xlsx": decodeXLSX,
	"xls":  decodeXLSX,
}

// Decode converts raw bytes into a normalized document based on the file
// extension. The extension may carry a leading dot and any casing.
func Decode(data []byte, ext string) (*Document, error) {
	ext = strings.ToLower(strings.TrimPrefix(ext, "."))
	fn, ok := decoders[ext]
	if !ok {
		return nil, fmt.Errorf("%w: %s", harvest.ErrUnsupportedFormat, ext)
	}
	doc, err := fn(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", harvest.ErrDecodingFailed, ext, err)
	}
	return doc, nil
}

// Supported reports whether the extension has a registered decoder.
func Supported(ext string) bool {
	_, ok := decoders[strings.ToLower(strings.TrimPrefix(ext, "."))]
	return ok
}
