package parser

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	"github.com/xuri/excelize/v2"
)

// XLSXParser handles spreadsheet exhibits (damages schedules, payroll
// extracts). Each sheet becomes one block rendered as pipe-delimited rows.
type XLSXParser struct{}

func (p *XLSXParser) SupportedFormats() []string { return []string{"xlsx"} }

func (p *XLSXParser) Parse(ctx context.Context, data []byte) (*Result, error) {
	f, err := excelize.OpenReader(bytes.NewReader(data))
	if err != nil {
		return nil, corrupt("xlsx", err)
	}
	defer f.Close()

	sheets := f.GetSheetList()
	blocks := make([]Block, 0, len(sheets))
	for _, sheet := range sheets {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		rows, err := f.GetRows(sheet)
		if err != nil {
			return nil, corrupt("xlsx", fmt.Errorf("sheet %q: %w", sheet, err))
		}

		var content strings.Builder
		for _, row := range rows {
			if len(row) == 0 {
				continue
			}
			if content.Len() > 0 {
				content.WriteString("\n")
			}
			content.WriteString("| " + strings.Join(row, " | ") + " |")
		}

		blocks = append(blocks, Block{
			Text:      content.String(),
			Section:   sheet,
			HardBreak: true,
		})
	}

	return &Result{
		Blocks: blocks,
		Metadata: map[string]string{
			"sheets": fmt.Sprintf("%d", len(sheets)),
		},
	}, nil
}
