package parser

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"
)

// Registry maps declared formats to parsers.
type Registry struct {
	parsers map[string]Parser
}

func NewRegistry() *Registry {
	r := &Registry{parsers: make(map[string]Parser)}
	for _, p := range []Parser{&PDFParser{}, &DOCXParser{}, &XLSXParser{}, &TextParser{}} {
		for _, f := range p.SupportedFormats() {
			r.parsers[f] = p
		}
	}
	return r
}

func (r *Registry) Get(format string) (Parser, error) {
	p, ok := r.parsers[format]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedFormat, format)
	}
	return p, nil
}

func (r *Registry) Register(format string, p Parser) {
	r.parsers[format] = p
}

// Formats lists every registered format, sorted.
func (r *Registry) Formats() []string {
	out := make([]string, 0, len(r.parsers))
	for f := range r.parsers {
		out = append(out, f)
	}
	sort.Strings(out)
	return out
}

// Extract parses data in the declared format. Failures other than an
// unsupported format are reported as ErrCorruptDocument.
func (r *Registry) Extract(ctx context.Context, data []byte, format string) (*Result, error) {
	p, err := r.Get(format)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	start := time.Now()
	res, err := p.Parse(ctx, data)
	if err != nil {
		if errors.Is(err, ErrCorruptDocument) || errors.Is(err, ErrUnsupportedFormat) ||
			errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}
		return nil, corrupt(format, err)
	}
	res.Format = format
	res.Blocks = numberBlocks(res.Blocks)

	slog.Debug("parser: extracted document",
		"format", format,
		"bytes", len(data),
		"blocks", len(res.Blocks),
		"elapsed", time.Since(start).Round(time.Millisecond))
	return res, nil
}
