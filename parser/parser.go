package parser

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

var (
	// ErrUnsupportedFormat is returned when no parser is registered for the
	// declared document format.
	ErrUnsupportedFormat = errors.New("parser: unsupported document format")

	// ErrCorruptDocument is returned when a document cannot be parsed.
	ErrCorruptDocument = errors.New("parser: corrupt document")
)

// Result is what a parser produces from a document.
type Result struct {
	Format   string
	Blocks   []Block // Ordered, one per page/paragraph/sheet
	Metadata map[string]string
}

// Block is one ordered unit of extracted text.
type Block struct {
	Ordinal   int
	Text      string
	Page      int    // 1-based PDF page, 0 when not paginated
	Paragraph int    // 1-based Word paragraph index, 0 otherwise
	Section   string // Nearest heading, article or sheet name
	// HardBreak marks a page or section break before this block.
	HardBreak bool
}

// Label renders the block's location the way it is shown next to a citation,
// e.g. "Article 12", "page 2" or "Termination, paragraph 7".
func (b Block) Label() string {
	var parts []string
	if b.Section != "" {
		parts = append(parts, b.Section)
	}
	switch {
	case b.Page > 0:
		parts = append(parts, "page "+strconv.Itoa(b.Page))
	case b.Paragraph > 0:
		parts = append(parts, "paragraph "+strconv.Itoa(b.Paragraph))
	}
	return strings.Join(parts, ", ")
}

// Parser extracts ordered text blocks from raw document bytes.
type Parser interface {
	Parse(ctx context.Context, data []byte) (*Result, error)
	SupportedFormats() []string
}

// FormatFromFilename derives the declared format from a file extension.
func FormatFromFilename(name string) string {
	i := strings.LastIndexByte(name, '.')
	if i < 0 || i == len(name)-1 {
		return ""
	}
	f := strings.ToLower(name[i+1:])
	if f == "markdown" {
		return "md"
	}
	return f
}

// corrupt wraps a low-level parse failure so callers can match
// ErrCorruptDocument.
func corrupt(format string, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrCorruptDocument, format, err)
}

// numberBlocks assigns ordinals in order and forces a hard break on the
// first block.
func numberBlocks(blocks []Block) []Block {
	for i := range blocks {
		blocks[i].Ordinal = i
	}
	if len(blocks) > 0 {
		blocks[0].HardBreak = true
	}
	return blocks
}
