// Package media is the boundary to document and voice extraction. The
// pipeline treats extracted text as ordinary input.
package media

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"mime"
	"strings"
	"unicode/utf8"
)

var (
	// ErrUnsupportedMedia is returned for a media kind no extractor handles.
	ErrUnsupportedMedia = errors.New("unsupported media kind")

	// ErrEmptyExtraction is returned when extraction produced no text.
	ErrEmptyExtraction = errors.New("no text extracted")

	// ErrTooLarge is returned when the payload exceeds the size limit.
	ErrTooLarge = errors.New("media payload too large")
)

// ExtractionError is the typed failure of an extraction.
type ExtractionError struct {
	Kind   string
	Reason string
	Err    error
}

func (e *ExtractionError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("extract %s: %s: %v", e.Kind, e.Reason, e.Err)
	}
	return fmt.Sprintf("extract %s: %v", e.Kind, e.Err)
}

func (e *ExtractionError) Unwrap() error {
	return e.Err
}

// Extractor turns raw bytes of a declared media kind into text.
type Extractor interface {
	Extract(ctx context.Context, kind string, data []byte) (string, error)
	Supports(kind string) bool
}

// DefaultMaxBytes bounds text payloads.
const DefaultMaxBytes = 1 << 20

// TextExtractor handles text-based documents.
type TextExtractor struct {
	MaxBytes int
}

var _ Extractor = (*TextExtractor)(nil)

var textKinds = map[string]bool{
	"text/plain":       true,
	"text/markdown":    true,
	"text/csv":         true,
	"application/json": true,
}

// NormalizeKind strips parameters and case from a MIME type.
func NormalizeKind(kind string) string {
	mt, _, err := mime.ParseMediaType(kind)
	if err != nil {
		return strings.ToLower(strings.TrimSpace(kind))
	}
	return mt
}

func (x *TextExtractor) Supports(kind string) bool {
	return textKinds[NormalizeKind(kind)]
}

// Extract decodes data as UTF-8 text. JSON is re-indented so the model sees
// its structure.
func (x *TextExtractor) Extract(ctx context.Context, kind string, data []byte) (string, error) {
	kind = NormalizeKind(kind)
	if !textKinds[kind] {
		return "", &ExtractionError{Kind: kind, Err: ErrUnsupportedMedia}
	}
	if err := ctx.Err(); err != nil {
		return "", &ExtractionError{Kind: kind, Err: err}
	}

	max := x.MaxBytes
	if max <= 0 {
		max = DefaultMaxBytes
	}
	if len(data) > max {
		return "", &ExtractionError{Kind: kind, Reason: fmt.Sprintf("%d bytes exceeds %d", len(data), max), Err: ErrTooLarge}
	}

	data = bytes.TrimPrefix(data, []byte("\xef\xbb\xbf"))
	if !utf8.Valid(data) {
		return "", &ExtractionError{Kind: kind, Reason: "not valid UTF-8", Err: ErrUnsupportedMedia}
	}

	text := string(data)
	if kind == "application/json" {
		var buf bytes.Buffer
		if err := json.Indent(&buf, data, "", "  "); err != nil {
			return "", &ExtractionError{Kind: kind, Reason: "invalid JSON", Err: err}
		}
		text = buf.String()
	}

	text = strings.TrimSpace(text)
	if text == "" {
		return "", &ExtractionError{Kind: kind, Err: ErrEmptyExtraction}
	}
	return text, nil
}

// Registry dispatches to the first extractor supporting a kind.
type Registry struct {
	extractors []Extractor
}

var _ Extractor = (*Registry)(nil)

// NewRegistry creates a registry over extractors, tried in order.
func NewRegistry(extractors ...Extractor) *Registry {
	return &Registry{extractors: extractors}
}

func (r *Registry) Supports(kind string) bool {
	for _, x := range r.extractors {
		if x.Supports(kind) {
			return true
		}
	}
	return false
}

func (r *Registry) Extract(ctx context.Context, kind string, data []byte) (string, error) {
	for _, x := range r.extractors {
		if x.Supports(kind) {
			return x.Extract(ctx, kind, data)
		}
	}
	return "", &ExtractionError{Kind: NormalizeKind(kind), Err: ErrUnsupportedMedia}
}
