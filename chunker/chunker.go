package chunker

import (
	"crypto/sha256"
	"encoding/hex"
	"math"
	"sort"
	"strings"
	"unicode"

	"github.com/brunobiangulo/caselaw/parser"
	"github.com/brunobiangulo/caselaw/tokenizer"
)

const (
	// SegmentSeparator joins blocks across a hard (page/section) break.
	SegmentSeparator = "\n\n"
	// blockSeparator joins blocks inside one segment.
	blockSeparator = "\n"
)

// Config controls the chunking behaviour.
type Config struct {
	Size    int     // Maximum runes per chunk.
	Overlap float64 // Fraction of Size repeated at the start of the next chunk.
}

// Chunk is a bounded contiguous span of a document's extracted text.
type Chunk struct {
	Ordinal int
	Text    string
	// Start and End are rune offsets into JoinBlocks(blocks).
	Start, End int
	// Overlap is the number of leading runes repeated from the previous
	// chunk. Always 0 for the first chunk of a segment.
	Overlap     int
	Segment     int
	Block       int // Ordinal of the block the chunk starts in
	Page        int
	Label       string
	TokenCount  int
	ContentHash string
}

// Chunker splits extracted blocks into overlapping chunks.
type Chunker struct {
	cfg Config
}

// DefaultConfig returns 800-rune chunks with 15% overlap.
func DefaultConfig() Config {
	return Config{Size: 800, Overlap: 0.15}
}

// New returns a Chunker with the given configuration. A non-positive Size
// takes the default; Overlap is used as given (0 disables it), clamped to
// [0, 0.5].
func New(cfg Config) *Chunker {
	if cfg.Size <= 0 {
		cfg.Size = DefaultConfig().Size
	}
	if cfg.Overlap < 0 {
		cfg.Overlap = 0
	}
	if cfg.Overlap > 0.5 {
		cfg.Overlap = 0.5
	}
	return &Chunker{cfg: cfg}
}

// Config returns the effective configuration.
func (c *Chunker) Config() Config { return c.cfg }

func (c *Chunker) overlapRunes() int {
	return int(math.Round(c.cfg.Overlap * float64(c.cfg.Size)))
}

// JoinBlocks returns the document text the chunk offsets refer to: blocks
// joined by a newline, or by SegmentSeparator before a hard break.
func JoinBlocks(blocks []parser.Block) string {
	var b strings.Builder
	for i, blk := range blocks {
		if i > 0 {
			b.WriteString(separatorBefore(blk))
		}
		b.WriteString(blk.Text)
	}
	return b.String()
}

func separatorBefore(blk parser.Block) string {
	if blk.HardBreak {
		return SegmentSeparator
	}
	return blockSeparator
}

type segment struct {
	start, end int // rune offsets
}

// Chunk splits blocks into chunks. Every segment (a run of blocks between
// hard breaks) produces at least one chunk, even when empty, so
// Reassemble can restore the separators.
func (c *Chunker) Chunk(blocks []parser.Block) []Chunk {
	if len(blocks) == 0 {
		return nil
	}

	var (
		runes       []rune
		segments    []segment
		blockStarts = make([]int, len(blocks))
	)
	for i, blk := range blocks {
		if i > 0 {
			if blk.HardBreak {
				segments[len(segments)-1].end = len(runes)
			}
			runes = append(runes, []rune(separatorBefore(blk))...)
		}
		if i == 0 || blk.HardBreak {
			segments = append(segments, segment{start: len(runes)})
		}
		blockStarts[i] = len(runes)
		runes = append(runes, []rune(blk.Text)...)
	}
	segments[len(segments)-1].end = len(runes)

	var chunks []Chunk
	for si, seg := range segments {
		for _, w := range c.windows(runes, seg) {
			text := string(runes[w.start:w.end])
			bi := blockAt(blockStarts, w.start)
			chunks = append(chunks, Chunk{
				Ordinal:     len(chunks),
				Text:        text,
				Start:       w.start,
				End:         w.end,
				Overlap:     w.overlap,
				Segment:     si,
				Block:       blocks[bi].Ordinal,
				Page:        blocks[bi].Page,
				Label:       blocks[bi].Label(),
				TokenCount:  tokenizer.Estimate(text),
				ContentHash: contentHash(text),
			})
		}
	}
	return chunks
}

type window struct {
	start, end, overlap int
}

// windows cuts one segment into spans of at most Size runes. A span end
// snaps back to the last break opportunity in its final fifth; the next
// span starts overlapRunes before the previous end.
func (c *Chunker) windows(runes []rune, seg segment) []window {
	size := c.cfg.Size
	ov := c.overlapRunes()

	var out []window
	start, overlap := seg.start, 0
	for {
		end := start + size
		if end >= seg.end {
			return append(out, window{start: start, end: seg.end, overlap: overlap})
		}
		end = snapEnd(runes, start+size*4/5, end)
		out = append(out, window{start: start, end: end, overlap: overlap})

		overlap = ov
		if overlap >= end-start {
			overlap = end - start - 1
		}
		start = end - overlap
	}
}

// snapEnd returns the position just after the last whitespace or
// sentence-final CJK punctuation in [min, end), or end if there is none.
func snapEnd(runes []rune, min, end int) int {
	for i := end - 1; i >= min; i-- {
		r := runes[i]
		if unicode.IsSpace(r) || strings.ContainsRune("。！？；，、", r) {
			return i + 1
		}
	}
	return end
}

// blockAt returns the index of the block containing offset.
func blockAt(starts []int, offset int) int {
	i := sort.Search(len(starts), func(i int) bool { return starts[i] > offset })
	if i == 0 {
		return 0
	}
	return i - 1
}

// Reassemble strips each chunk's overlap and rejoins the chunks. For the
// chunks of one document, in order, it returns JoinBlocks of the original
// blocks.
func Reassemble(chunks []Chunk) string {
	var b strings.Builder
	for i, ch := range chunks {
		if i > 0 && ch.Segment != chunks[i-1].Segment {
			b.WriteString(SegmentSeparator)
		}
		r := []rune(ch.Text)
		if ch.Overlap <= len(r) {
			b.WriteString(string(r[ch.Overlap:]))
		}
	}
	return b.String()
}

// contentHash returns the SHA-256 hex digest of text.
func contentHash(text string) string {
	h := sha256.Sum256([]byte(text))
	return hex.EncodeToString(h[:])
}
