package parser

import (
	"bytes"
	"context"
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"

	"golang.org/x/text/encoding/simplifiedchinese"
	xunicode "golang.org/x/text/encoding/unicode"
)

// TextParser handles plain text and markdown, the formats statute files
// are kept in. Paragraphs are separated by blank lines; a paragraph that
// opens with a heading (article, section, chapter, markdown #) starts a new
// section and a hard break.
type TextParser struct{}

func (p *TextParser) SupportedFormats() []string { return []string{"txt", "md"} }

func (p *TextParser) Parse(ctx context.Context, data []byte) (*Result, error) {
	text, enc, err := decodeText(data)
	if err != nil {
		return nil, corrupt("txt", err)
	}

	text = strings.ReplaceAll(text, "\r\n", "\n")
	text = strings.ReplaceAll(text, "\r", "\n")

	var (
		blocks  []Block
		section string
		para    []string
	)
	flush := func() {
		if len(para) == 0 {
			return
		}
		first := strings.TrimSpace(para[0])
		heading := isLikelyHeading(first)
		if heading {
			section = headingLabel(first)
		}
		blocks = append(blocks, Block{
			Text:      strings.Join(para, "\n"),
			Paragraph: len(blocks) + 1,
			Section:   section,
			HardBreak: heading,
		})
		para = para[:0]
	}

	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimRight(line, " \t")
		if strings.TrimSpace(line) == "" {
			flush()
			continue
		}
		para = append(para, line)
	}
	flush()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &Result{
		Blocks:   blocks,
		Metadata: map[string]string{"encoding": enc},
	}, nil
}

// decodeText reads UTF-8, then BOM-marked UTF-16, then falls back to GBK,
// which covers the statute files typically exported from Chinese sources.
func decodeText(data []byte) (string, string, error) {
	switch {
	case bytes.HasPrefix(data, []byte{0xEF, 0xBB, 0xBF}):
		return string(data[3:]), "utf-8", nil
	case bytes.HasPrefix(data, []byte{0xFF, 0xFE}), bytes.HasPrefix(data, []byte{0xFE, 0xFF}):
		out, err := xunicode.UTF16(xunicode.LittleEndian, xunicode.ExpectBOM).NewDecoder().Bytes(data)
		if err != nil {
			return "", "", err
		}
		return string(out), "utf-16", nil
	case utf8.Valid(data):
		return string(data), "utf-8", nil
	}

	out, err := simplifiedchinese.GBK.NewDecoder().Bytes(data)
	if err != nil {
		return "", "", err
	}
	return string(out), "gbk", nil
}

var (
	cjkArticle = regexp.MustCompile(`^第[零〇一二三四五六七八九十百千0-9]+[条章节编款]`)
	numbered   = regexp.MustCompile(`(?i)^(article|section|chapter|part|schedule)\s+([0-9]+[a-z]?|[ivxlc]+)\b`)
	paragraphs = regexp.MustCompile(`^§+\s*[0-9]+[a-z]?`)
)

func isLikelyHeading(line string) bool {
	if line == "" {
		return false
	}
	if strings.HasPrefix(line, "#") {
		return true
	}
	if cjkArticle.MatchString(line) || numbered.MatchString(line) || paragraphs.MatchString(line) {
		return true
	}
	return isAllCapsTitle(line)
}

// isAllCapsTitle reports short lines written entirely in upper case, such
// as "EMPLOYMENT STANDARDS ACT". Lines without letters do not qualify.
func isAllCapsTitle(line string) bool {
	if len(line) < 4 || len(line) > 100 {
		return false
	}
	letters := 0
	for _, r := range line {
		if unicode.IsLetter(r) {
			if !unicode.IsUpper(r) {
				return false
			}
			letters++
		}
	}
	return letters >= 3
}

// headingLabel trims markdown markers and keeps the heading short enough
// to display beside a citation.
func headingLabel(line string) string {
	line = strings.TrimSpace(strings.TrimLeft(line, "#"))
	for _, re := range []*regexp.Regexp{cjkArticle, numbered, paragraphs} {
		if m := re.FindString(line); m != "" {
			return m
		}
	}
	const maxRunes = 60
	if utf8.RuneCountInString(line) > maxRunes {
		r := []rune(line)
		line = strings.TrimSpace(string(r[:maxRunes])) + "…"
	}
	return line
}
