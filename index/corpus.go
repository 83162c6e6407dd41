package index

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/brunobiangulo/caselaw/chunker"
	"github.com/brunobiangulo/caselaw/parser"
)

// DocumentIDPrefix marks statute documents in chunk and citation ids.
const DocumentIDPrefix = "statute:"

// LoadCorpus extracts and chunks every supported file in dir, in filename
// order. Hidden files, subdirectories and unsupported formats are skipped.
// A missing directory is an empty corpus.
func LoadCorpus(ctx context.Context, dir string, reg *parser.Registry, ch *chunker.Chunker) ([]Chunk, error) {
	des, err := os.ReadDir(dir)
	if errors.Is(err, os.ErrNotExist) {
		slog.Warn("index: statute corpus directory missing", "dir", dir)
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: reading corpus: %w", ErrIndexBuild, err)
	}

	var names []string
	for _, de := range des {
		name := de.Name()
		if de.IsDir() || strings.HasPrefix(name, ".") {
			continue
		}
		if _, err := reg.Get(parser.FormatFromFilename(name)); err != nil {
			slog.Debug("index: skipping unsupported corpus file", "file", name)
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)

	var out []Chunk
	for docOrd, name := range names {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %w", ErrIndexBuild, name, err)
		}
		res, err := reg.Extract(ctx, data, parser.FormatFromFilename(name))
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %w", ErrIndexBuild, name, err)
		}

		docID := DocumentIDPrefix + name
		for _, c := range ch.Chunk(res.Blocks) {
			out = append(out, Chunk{
				ChunkID:    docID + "#" + strconv.Itoa(c.Ordinal),
				DocumentID: docID,
				Source:     name,
				Label:      statuteLabel(name, res.Blocks[c.Block], c.Label),
				Text:       c.Text,
				DocOrdinal: docOrd,
				Ordinal:    c.Ordinal,
				Start:      c.Start,
				End:        c.End,
				Hash:       c.ContentHash,
			})
		}
	}

	slog.Info("index: statute corpus loaded", "dir", dir, "files", len(names), "chunks", len(out))
	return out, nil
}

// statuteLabel cites statutes by article or section rather than by
// paragraph number.
func statuteLabel(file string, blk parser.Block, fallback string) string {
	switch {
	case blk.Section != "":
		return file + ", " + blk.Section
	case fallback != "":
		return file + ", " + fallback
	}
	return file
}
