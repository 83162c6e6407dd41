package parser

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/ledongthuc/pdf"
)

// PDFParser emits at least one block per page, split further at headings
// so citations can name the article or section. Pages without extractable
// text become empty blocks so page numbering is never lost.
type PDFParser struct{}

func (p *PDFParser) SupportedFormats() []string { return []string{"pdf"} }

func (p *PDFParser) Parse(ctx context.Context, data []byte) (res *Result, err error) {
	// The PDF reader panics on some malformed cross-reference tables.
	defer func() {
		if r := recover(); r != nil {
			res, err = nil, corrupt("pdf", fmt.Errorf("reader panic: %v", r))
		}
	}()

	reader, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, corrupt("pdf", err)
	}

	totalPages := reader.NumPage()
	if totalPages == 0 {
		return nil, corrupt("pdf", errors.New("document has no pages"))
	}

	var (
		blocks  = make([]Block, 0, totalPages)
		section string
	)
	for i := 1; i <= totalPages; i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		var text string
		page := reader.Page(i)
		if !page.V.IsNull() {
			raw, err := page.GetPlainText(nil)
			if err != nil {
				slog.Warn("parser: pdf page text extraction failed", "page", i, "error", err)
			} else {
				text = cleanPageText(raw)
			}
		}
		var pageBlocks []Block
		pageBlocks, section = splitPageSections(i, text, section)
		blocks = append(blocks, pageBlocks...)
	}

	return &Result{
		Blocks: blocks,
		Metadata: map[string]string{
			"pages": fmt.Sprintf("%d", totalPages),
		},
	}, nil
}

// cleanPageText normalises line endings and trims trailing blanks from
// each line and from the page as a whole.
func cleanPageText(text string) string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	lines := strings.Split(text, "\n")
	for i, l := range lines {
		lines[i] = strings.TrimRight(l, " \t\r")
	}
	return strings.TrimSpace(strings.Join(lines, "\n"))
}

// splitPageSections cuts one page at heading lines. Every block starts a
// hard break; the first keeps the section carried over from the previous
// page unless the page opens with a heading. It returns the section in
// force at the end of the page.
func splitPageSections(page int, text, section string) ([]Block, string) {
	var (
		blocks []Block
		lines  []string
	)
	flush := func() {
		blocks = append(blocks, Block{
			Text:      strings.TrimRight(strings.Join(lines, "\n"), "\n"),
			Page:      page,
			Section:   section,
			HardBreak: true,
		})
		lines = lines[:0]
	}

	for _, line := range strings.Split(text, "\n") {
		trimmed := strings.TrimSpace(line)
		if isLikelyHeading(trimmed) {
			if len(lines) > 0 {
				flush()
			}
			section = headingLabel(trimmed)
		}
		if len(lines) == 0 && trimmed == "" {
			continue
		}
		lines = append(lines, line)
	}
	if len(lines) > 0 || len(blocks) == 0 {
		flush()
	}
	return blocks, section
}
