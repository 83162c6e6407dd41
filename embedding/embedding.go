// Package embedding maps chunk text to fixed-dimension unit vectors.
package embedding

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/brunobiangulo/caselaw/llm"
)

// ErrBackend matches every *BackendError.
var ErrBackend = errors.New("embedding: backend error")

// BackendError reports a failed or malformed embedding call. Transient
// failures (unreachable, overloaded, slow backend) may be retried by the
// caller; the rest are fatal.
type BackendError struct {
	Op        string
	Transient bool
	Err       error
}

func (e *BackendError) Error() string {
	kind := "fatal"
	if e.Transient {
		kind = "transient"
	}
	return fmt.Sprintf("embedding %s (%s): %v", e.Op, kind, e.Err)
}

func (e *BackendError) Unwrap() []error { return []error{ErrBackend, e.Err} }

// IsTransient reports whether err is a retryable embedding failure.
func IsTransient(err error) bool {
	var be *BackendError
	return errors.As(err, &be) && be.Transient
}

// Embedder produces one vector per input text. Implementations must be
// deterministic for a fixed model.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	Dimension() int
	Model() string
}

// Service wraps an Embedder with batching, bounded concurrency, dimension
// validation and L2 normalisation. It either returns one vector per input
// or an error; never a partial result.
type Service struct {
	backend     Embedder
	batchSize   int
	concurrency int
}

var _ Embedder = (*Service)(nil)

// Option configures a Service.
type Option func(*Service)

// WithBatchSize sets the number of texts per backend call (default 32).
func WithBatchSize(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.batchSize = n
		}
	}
}

// WithConcurrency sets the number of backend calls in flight (default 2).
func WithConcurrency(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.concurrency = n
		}
	}
}

func NewService(backend Embedder, opts ...Option) *Service {
	s := &Service{backend: backend, batchSize: 32, concurrency: 2}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Service) Dimension() int { return s.backend.Dimension() }
func (s *Service) Model() string  { return s.backend.Model() }

func (s *Service) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	start := time.Now()
	dim := s.backend.Dimension()
	out := make([][]float32, len(texts))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)
	for off := 0; off < len(texts); off += s.batchSize {
		end := min(off+s.batchSize, len(texts))
		g.Go(func() error {
			vecs, err := s.backend.Embed(gctx, texts[off:end])
			if err != nil {
				var be *BackendError
				if errors.As(err, &be) {
					return err
				}
				if ctxErr := ctx.Err(); ctxErr != nil {
					return ctxErr
				}
				return &BackendError{Op: "embed", Transient: llm.IsTransient(err), Err: err}
			}
			if len(vecs) != end-off {
				return &BackendError{Op: "embed", Err: fmt.Errorf("backend returned %d vectors for %d texts", len(vecs), end-off)}
			}
			for i, v := range vecs {
				if len(v) != dim {
					return &BackendError{Op: "embed", Err: fmt.Errorf("dimension mismatch: got %d, want %d", len(v), dim)}
				}
				out[off+i] = Normalize(v)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	slog.Debug("embedding: batch embedded",
		"model", s.backend.Model(),
		"texts", len(texts),
		"elapsed", time.Since(start).Round(time.Millisecond))
	return out, nil
}

// EmbedQuery embeds a single text.
func (s *Service) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	vecs, err := s.Embed(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

// Normalize returns v scaled to unit length. The zero vector is returned
// unchanged.
func Normalize(v []float32) []float32 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	out := make([]float32, len(v))
	if sum == 0 {
		copy(out, v)
		return out
	}
	inv := 1 / math.Sqrt(sum)
	for i, x := range v {
		out[i] = float32(float64(x) * inv)
	}
	return out
}

// Dot returns the inner product of two equal-length vectors; on unit
// vectors this is the cosine similarity.
func Dot(a, b []float32) float64 {
	var s float64
	for i := range a {
		s += float64(a[i]) * float64(b[i])
	}
	return s
}

// Norm returns the L2 norm of v.
func Norm(v []float32) float64 {
	return math.Sqrt(Dot(v, v))
}
