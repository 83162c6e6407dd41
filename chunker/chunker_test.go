package chunker

import (
	"math/rand"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/brunobiangulo/caselaw/parser"
)

func pages(texts ...string) []parser.Block {
	blocks := make([]parser.Block, len(texts))
	for i, t := range texts {
		blocks[i] = parser.Block{Ordinal: i, Text: t, Page: i + 1, HardBreak: true}
	}
	return blocks
}

func TestNewDefaults(t *testing.T) {
	c := New(DefaultConfig())
	if c.cfg.Size != 800 {
		t.Errorf("Size = %d, want 800", c.cfg.Size)
	}
	if c.cfg.Overlap != 0.15 {
		t.Errorf("Overlap = %v, want 0.15", c.cfg.Overlap)
	}
	if got := New(Config{}).cfg.Size; got != 800 {
		t.Errorf("zero Size = %d, want 800", got)
	}
	if got := New(Config{Size: 100, Overlap: 0.9}).cfg.Overlap; got != 0.5 {
		t.Errorf("Overlap clamp = %v, want 0.5", got)
	}
	if got := New(Config{Size: 100, Overlap: 0.15}).overlapRunes(); got != 15 {
		t.Errorf("overlapRunes = %d, want 15", got)
	}
}

func TestZeroOverlapIsKept(t *testing.T) {
	c := New(Config{Size: 100, Overlap: 0})
	if got := c.Config().Overlap; got != 0 {
		t.Fatalf("Overlap = %v, want 0", got)
	}

	text := strings.Repeat("The tribunal heard the claim in full. ", 12)
	chunks := c.Chunk(pages(text))
	if len(chunks) < 2 {
		t.Fatalf("got %d chunks, want several", len(chunks))
	}
	for i, ch := range chunks {
		if ch.Overlap != 0 {
			t.Errorf("chunk %d overlap = %d, want 0", i, ch.Overlap)
		}
		if i > 0 && ch.Start != chunks[i-1].End {
			t.Errorf("chunk %d starts at %d, previous ends at %d", i, ch.Start, chunks[i-1].End)
		}
	}
	if got := Reassemble(chunks); got != text {
		t.Errorf("reassembled text differs from input")
	}
}

func TestShortBlockYieldsOneChunk(t *testing.T) {
	c := New(Config{Size: 100, Overlap: 0.15})
	chunks := c.Chunk(pages("The claimant was dismissed on 3 March."))

	if len(chunks) != 1 {
		t.Fatalf("got %d chunks, want 1", len(chunks))
	}
	ch := chunks[0]
	if ch.Overlap != 0 || ch.Start != 0 || ch.Page != 1 || ch.Label != "page 1" {
		t.Errorf("unexpected chunk %+v", ch)
	}
	if ch.ContentHash == "" || ch.TokenCount <= 0 {
		t.Errorf("hash/token count not populated: %+v", ch)
	}
}

func TestEmptyPageKeepsAChunk(t *testing.T) {
	c := New(Config{Size: 50})
	blocks := pages("first page", "", "third page")
	chunks := c.Chunk(blocks)

	if len(chunks) != 3 {
		t.Fatalf("got %d chunks, want 3", len(chunks))
	}
	if chunks[1].Text != "" || chunks[1].Page != 2 {
		t.Errorf("empty page chunk = %+v", chunks[1])
	}
	if got, want := Reassemble(chunks), JoinBlocks(blocks); got != want {
		t.Errorf("Reassemble = %q, want %q", got, want)
	}
}

func TestOverlapWithinSegment(t *testing.T) {
	text := strings.Repeat("notice ", 60) // 420 runes
	c := New(Config{Size: 100, Overlap: 0.2})
	chunks := c.Chunk(pages(text))

	if len(chunks) < 4 {
		t.Fatalf("got %d chunks, want at least 4", len(chunks))
	}
	for i := 1; i < len(chunks); i++ {
		prev, cur := chunks[i-1], chunks[i]
		if cur.Overlap != 20 {
			t.Errorf("chunk %d: Overlap = %d, want 20", i, cur.Overlap)
		}
		prevRunes := []rune(prev.Text)
		curRunes := []rune(cur.Text)
		if string(prevRunes[len(prevRunes)-cur.Overlap:]) != string(curRunes[:cur.Overlap]) {
			t.Errorf("chunk %d does not start with the tail of chunk %d", i, i-1)
		}
	}
}

func TestOverlapResetsAtHardBreak(t *testing.T) {
	c := New(Config{Size: 40, Overlap: 0.25})
	chunks := c.Chunk(pages(strings.Repeat("a", 90), strings.Repeat("b", 90)))

	seen := map[int]bool{}
	for _, ch := range chunks {
		if !seen[ch.Segment] {
			seen[ch.Segment] = true
			if ch.Overlap != 0 {
				t.Errorf("first chunk of segment %d has overlap %d", ch.Segment, ch.Overlap)
			}
		}
		if strings.Contains(ch.Text, "a") && strings.Contains(ch.Text, "b") {
			t.Errorf("chunk %d mixes content across a page break: %q", ch.Ordinal, ch.Text)
		}
	}
	if len(seen) != 2 {
		t.Errorf("got %d segments, want 2", len(seen))
	}
}

func TestSoftBlocksShareSegment(t *testing.T) {
	blocks := []parser.Block{
		{Ordinal: 0, Text: "Facts", Section: "Facts", HardBreak: true},
		{Ordinal: 1, Text: "The claimant worked six years.", Section: "Facts", Paragraph: 2},
		{Ordinal: 2, Text: "Held", Section: "Held", HardBreak: true},
	}
	chunks := New(Config{Size: 200}).Chunk(blocks)

	if len(chunks) != 2 {
		t.Fatalf("got %d chunks, want 2", len(chunks))
	}
	if chunks[0].Text != "Facts\nThe claimant worked six years." {
		t.Errorf("first chunk = %q", chunks[0].Text)
	}
	if chunks[1].Label != "Held" {
		t.Errorf("second chunk label = %q, want Held", chunks[1].Label)
	}
}

func TestSnapToWhitespace(t *testing.T) {
	c := New(Config{Size: 22, Overlap: 0.1})
	chunks := c.Chunk(pages("aaaa bbbb cccc dddd eeee ffff"))

	// The first window [0,22) ends inside "eeee"; the last space in its
	// final fifth is at offset 19 so the cut lands right after it.
	if chunks[0].Text != "aaaa bbbb cccc dddd " {
		t.Errorf("first chunk = %q", chunks[0].Text)
	}
}

func TestCJKPunctuationBreaks(t *testing.T) {
	text := strings.Repeat("用人单位应当提前通知。", 10)
	chunks := New(Config{Size: 25, Overlap: 0.2}).Chunk(pages(text))
	for _, ch := range chunks[:len(chunks)-1] {
		if !strings.HasSuffix(ch.Text, "。") && !strings.HasSuffix(ch.Text, "，") {
			r := []rune(ch.Text)
			if len(r) != 25 {
				t.Errorf("chunk %d neither snapped nor full: %q", ch.Ordinal, ch.Text)
			}
		}
	}
}

// TestLossless checks reconstruction and the size bound over random
// documents with a mix of soft and hard breaks.
func TestLossless(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	words := []string{"notice", "period", "employer", "第四十条", "claimant", "thirty", "days", "。", "\t", "Smith"}

	for iter := 0; iter < 200; iter++ {
		nBlocks := rng.Intn(6)
		blocks := make([]parser.Block, nBlocks)
		for i := range blocks {
			var b strings.Builder
			for w := rng.Intn(80); w > 0; w-- {
				b.WriteString(words[rng.Intn(len(words))])
				if rng.Intn(3) > 0 {
					b.WriteString(" ")
				}
			}
			blocks[i] = parser.Block{Ordinal: i, Text: b.String(), HardBreak: rng.Intn(2) == 0}
		}

		cfg := Config{Size: 5 + rng.Intn(120), Overlap: rng.Float64() * 0.5}
		c := New(cfg)
		chunks := c.Chunk(blocks)
		joined := JoinBlocks(blocks)
		runes := []rune(joined)

		if got := Reassemble(chunks); got != joined {
			t.Fatalf("iter %d (size=%d overlap=%.2f): Reassemble mismatch\n got %q\nwant %q",
				iter, cfg.Size, cfg.Overlap, got, joined)
		}
		for _, ch := range chunks {
			if n := utf8.RuneCountInString(ch.Text); n > c.cfg.Size {
				t.Fatalf("iter %d: chunk %d has %d runes, limit %d", iter, ch.Ordinal, n, c.cfg.Size)
			}
			if string(runes[ch.Start:ch.End]) != ch.Text {
				t.Fatalf("iter %d: chunk %d offsets do not match text", iter, ch.Ordinal)
			}
		}
	}
}

func TestNoBlocks(t *testing.T) {
	if chunks := New(Config{}).Chunk(nil); chunks != nil {
		t.Errorf("got %d chunks for no blocks, want nil", len(chunks))
	}
	if Reassemble(nil) != "" {
		t.Error("Reassemble(nil) should be empty")
	}
}
