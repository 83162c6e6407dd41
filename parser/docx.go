package parser

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"strings"
)

// DOCXParser emits one block per non-empty paragraph and one per table.
// Paragraph indices count every body paragraph, empty ones included, so
// they line up with the numbering a reader sees in Word.
type DOCXParser struct{}

func (p *DOCXParser) SupportedFormats() []string { return []string{"docx"} }

func (p *DOCXParser) Parse(ctx context.Context, data []byte) (*Result, error) {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, corrupt("docx", err)
	}

	var docFile *zip.File
	for _, f := range zr.File {
		if f.Name == "word/document.xml" {
			docFile = f
			break
		}
	}
	if docFile == nil {
		return nil, corrupt("docx", errors.New("word/document.xml not found"))
	}

	rc, err := docFile.Open()
	if err != nil {
		return nil, corrupt("docx", err)
	}
	defer rc.Close()

	blocks, err := parseDocxBody(ctx, rc)
	if err != nil {
		return nil, err
	}
	return &Result{Blocks: blocks}, nil
}

// parseDocxBody walks the children of w:body in document order so tables
// stay where they appear between paragraphs.
func parseDocxBody(ctx context.Context, r io.Reader) ([]Block, error) {
	dec := xml.NewDecoder(r)

	var (
		blocks  []Block
		section string
		paraIdx int
		inBody  bool
	)
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, corrupt("docx", err)
		}

		switch el := tok.(type) {
		case xml.StartElement:
			switch {
			case el.Name.Local == "body":
				inBody = true
			case inBody && el.Name.Local == "p":
				if err := ctx.Err(); err != nil {
					return nil, err
				}
				var para docxPara
				if err := dec.DecodeElement(&para, &el); err != nil {
					return nil, corrupt("docx", err)
				}
				paraIdx++
				text := strings.TrimSpace(extractParaText(para))
				if text == "" {
					continue
				}
				heading := isHeadingStyle(para)
				if heading {
					section = text
				}
				blocks = append(blocks, Block{
					Text:      text,
					Paragraph: paraIdx,
					Section:   section,
					HardBreak: heading,
				})
			case inBody && el.Name.Local == "tbl":
				var tbl docxTable
				if err := dec.DecodeElement(&tbl, &el); err != nil {
					return nil, corrupt("docx", err)
				}
				if text := renderDocxTable(tbl); text != "" {
					blocks = append(blocks, Block{Text: text, Section: section})
				}
			}
		case xml.EndElement:
			if el.Name.Local == "body" {
				inBody = false
			}
		}
	}

	if blocks == nil && paraIdx == 0 {
		return nil, corrupt("docx", fmt.Errorf("no document body"))
	}
	return blocks, nil
}

type docxPara struct {
	PPr  *docxParaPr `xml:"pPr"`
	Runs []docxRun   `xml:"r"`
}

type docxParaPr struct {
	PStyle *docxPStyle `xml:"pStyle"`
}

type docxPStyle struct {
	Val string `xml:"val,attr"`
}

type docxRun struct {
	Text []docxText `xml:"t"`
	Tabs []struct{} `xml:"tab"`
}

type docxText struct {
	Content string `xml:",chardata"`
}

type docxTable struct {
	Rows []docxRow `xml:"tr"`
}

type docxRow struct {
	Cells []docxCell `xml:"tc"`
}

type docxCell struct {
	Paras []docxPara `xml:"p"`
}

func extractParaText(para docxPara) string {
	var b strings.Builder
	for _, run := range para.Runs {
		for range run.Tabs {
			b.WriteString("\t")
		}
		for _, t := range run.Text {
			b.WriteString(t.Content)
		}
	}
	return b.String()
}

func isHeadingStyle(para docxPara) bool {
	if para.PPr == nil || para.PPr.PStyle == nil {
		return false
	}
	s := strings.ToLower(para.PPr.PStyle.Val)
	return strings.HasPrefix(s, "heading") || strings.HasPrefix(s, "title")
}

func renderDocxTable(tbl docxTable) string {
	var b strings.Builder
	for _, row := range tbl.Rows {
		cells := make([]string, 0, len(row.Cells))
		for _, cell := range row.Cells {
			parts := make([]string, 0, len(cell.Paras))
			for _, p := range cell.Paras {
				if t := strings.TrimSpace(extractParaText(p)); t != "" {
					parts = append(parts, t)
				}
			}
			cells = append(cells, strings.Join(parts, " "))
		}
		if b.Len() > 0 {
			b.WriteString("\n")
		}
		b.WriteString("| " + strings.Join(cells, " | ") + " |")
	}
	return b.String()
}
