// Package textextract turns uploaded files into plain text.
package textextract

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/ledongthuc/pdf"
)

var (
	ErrUnsupportedType = errors.New("unsupported file type")
	ErrNoText          = errors.New("no extractable text")
)

// Kind is the detected document format.
type Kind string

const (
	KindPDF  Kind = "pdf"
	KindText Kind = "text"
)

// Detect picks the format from the file name, falling back to the content
// type and finally to the leading bytes.
func Detect(filename, contentType string, head []byte) (Kind, error) {
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".pdf":
		return KindPDF, nil
	case ".txt", ".md", ".markdown", ".text":
		return KindText, nil
	}
	ct := strings.ToLower(contentType)
	switch {
	case strings.HasPrefix(ct, "application/pdf"):
		return KindPDF, nil
	case strings.HasPrefix(ct, "text/"):
		return KindText, nil
	}
	if bytes.HasPrefix(head, []byte("%PDF-")) {
		return KindPDF, nil
	}
	return "", fmt.Errorf("%w: %s", ErrUnsupportedType, filename)
}

// Extract reads r fully and returns its plain text.
func Extract(filename, contentType string, r io.Reader) (string, error) {
	b, err := io.ReadAll(r)
	if err != nil {
		return "", fmt.Errorf("read upload failed: %w", err)
	}
	if len(b) == 0 {
		return "", ErrNoText
	}
	kind, err := Detect(filename, contentType, b)
	if err != nil {
		return "", err
	}

	var text string
	switch kind {
	case KindPDF:
		text, err = extractPDF(b)
		if err != nil {
			return "", err
		}
	case KindText:
		if !utf8.Valid(b) {
			return "", fmt.Errorf("%w: text file is not valid UTF-8", ErrUnsupportedType)
		}
		text = string(b)
	}
	if strings.TrimSpace(text) == "" {
		return "", ErrNoText
	}
	return text, nil
}

func extractPDF(b []byte) (string, error) {
	pdfReader, err := pdf.NewReader(bytes.NewReader(b), int64(len(b)))
	if err != nil {
		return "", fmt.Errorf("open pdf failed: %w", err)
	}
	plainReader, err := pdfReader.GetPlainText()
	if err != nil {
		return "", fmt.Errorf("extract pdf text failed: %w", err)
	}
	out, err := io.ReadAll(plainReader)
	if err != nil {
		return "", fmt.Errorf("read pdf text failed: %w", err)
	}
	return string(out), nil
}
