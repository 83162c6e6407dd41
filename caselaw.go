// Package caselaw is a grounded question-answering engine for legal case
// files. Each case keeps its own documents and conversation; questions are
// answered from the case's documents and a shared statute corpus through a
// single language-model call.
package caselaw

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/brunobiangulo/caselaw/chunker"
	"github.com/brunobiangulo/caselaw/embedding"
	"github.com/brunobiangulo/caselaw/index"
	"github.com/brunobiangulo/caselaw/llm"
	"github.com/brunobiangulo/caselaw/parser"
	"github.com/brunobiangulo/caselaw/prompt"
	"github.com/brunobiangulo/caselaw/retrieval"
	"github.com/brunobiangulo/caselaw/store"
	"github.com/brunobiangulo/caselaw/tokenizer"
)

type (
	Case      = store.Case
	Document  = store.Document
	Turn      = store.Turn
	Citation  = store.Citation
	IndexInfo = index.Status
)

// Engine is the main entry point: case management, document upload and
// question answering.
type Engine interface {
	// CreateCase creates an empty case.
	CreateCase(ctx context.Context, title string) (*Case, error)

	// ListCases returns every case, newest first.
	ListCases(ctx context.Context) ([]Case, error)

	// GetCase returns a case with its documents.
	GetCase(ctx context.Context, caseID string) (*CaseDetail, error)

	// UploadDocument extracts, chunks and embeds a file into a case. An
	// empty format is derived from the filename. On failure the case is
	// unchanged.
	UploadDocument(ctx context.Context, caseID, filename string, raw []byte, format string) (*Document, error)

	// ListDocuments returns a case's documents in upload order.
	ListDocuments(ctx context.Context, caseID string) ([]Document, error)

	// DocumentText returns the extracted text of one document.
	DocumentText(ctx context.Context, caseID, docID string) (string, error)

	// DeleteDocument removes a document with its chunks and stored file.
	DeleteDocument(ctx context.Context, caseID, docID string) error

	// Ask answers a question from the case and the statute corpus and
	// records the exchange. Nothing is recorded when answering fails.
	Ask(ctx context.Context, caseID, question string) (*Answer, error)

	// History returns the case's conversation, oldest first.
	History(ctx context.Context, caseID string) ([]Turn, error)

	// RebuildStatuteIndex re-reads the statute corpus and swaps in a new
	// index. On failure the previous index keeps serving.
	RebuildStatuteIndex(ctx context.Context) (IndexInfo, error)

	// IndexStatus describes the statute index being served.
	IndexStatus() IndexInfo

	// DeleteCase removes a case and everything stored for it.
	DeleteCase(ctx context.Context, caseID string) error

	// Close cleanly shuts down the engine.
	Close() error
}

// CaseDetail is a case with its documents.
type CaseDetail struct {
	Case      Case       `json:"case"`
	Documents []Document `json:"documents"`
}

// Answer is the result of Ask.
type Answer struct {
	TurnID    string     `json:"turn_id"`
	Seq       int        `json:"seq"`
	Text      string     `json:"text"`
	Citations []Citation `json:"citations"`
	// Grounded is false when no case or statute passage was retrieved.
	Grounded bool `json:"grounded"`
	// StatuteAvailable is false when only the case could be searched.
	StatuteAvailable bool             `json:"statute_available"`
	ModelUsed        string           `json:"model_used"`
	PromptTokens     int              `json:"prompt_tokens"`
	CompletionTokens int              `json:"completion_tokens"`
	TotalTokens      int              `json:"total_tokens"`
	PromptOverflow   bool             `json:"prompt_overflow,omitempty"`
	RetrievalTrace   *retrieval.Trace `json:"retrieval_trace,omitempty"`
	ElapsedMs        int64            `json:"elapsed_ms"`
}

// Option overrides a component New would otherwise build from Config.
type Option func(*options)

type options struct {
	embedder embedding.Embedder
	chat     llm.Provider
	counter  tokenizer.Counter
}

// WithEmbedder uses e instead of the configured embedding backend.
func WithEmbedder(e embedding.Embedder) Option {
	return func(o *options) { o.embedder = e }
}

// WithChatProvider uses p instead of the configured chat endpoint.
func WithChatProvider(p llm.Provider) Option {
	return func(o *options) { o.chat = p }
}

// WithTokenCounter uses c for prompt budgeting.
func WithTokenCounter(c tokenizer.Counter) Option {
	return func(o *options) { o.counter = c }
}

// engine is the concrete implementation of Engine.
type engine struct {
	cfg       Config
	store     *store.Store
	statutes  *index.Index
	registry  *parser.Registry
	chunkr    *chunker.Chunker
	embedder  *embedding.Service
	retriever *retrieval.Orchestrator
	prompts   *prompt.Assembler
	chatLLM   llm.Provider
	closed    atomic.Bool
}

// New wires every component from cfg. The statute index is loaded from
// disk; when none exists it is built, and when it is corrupt it is rebuilt.
// A failed build leaves the engine answering from case documents only.
func New(cfg Config, opts ...Option) (Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	o := &options{}
	for _, opt := range opts {
		opt(o)
	}

	chatLLM := o.chat
	if chatLLM == nil {
		p, err := llm.NewProvider(cfg.llmConfig(cfg.Chat))
		if err != nil {
			return nil, fmt.Errorf("creating chat provider: %w", err)
		}
		chatLLM = p
	}

	backend := o.embedder
	if backend == nil {
		b, err := cfg.embeddingBackend()
		if err != nil {
			return nil, fmt.Errorf("creating embedding provider: %w", err)
		}
		backend = b
	}
	embedder := embedding.NewService(backend,
		embedding.WithBatchSize(cfg.Embedding.BatchSize),
		embedding.WithConcurrency(cfg.Embedding.Concurrency))

	counter := o.counter
	if counter == nil {
		counter = tokenizer.New(cfg.Tokenizer)
	}

	reg := parser.NewRegistry()
	chunkr := chunker.New(chunker.Config{Size: cfg.ChunkSize, Overlap: cfg.ChunkOverlap})

	s, err := store.Open(store.Config{
		Root:            cfg.casesDir(),
		LinearScanLimit: cfg.LinearScanLimit,
		Registry:        reg,
		Chunker:         chunkr,
		Embedder:        embedder,
	})
	if err != nil {
		return nil, fmt.Errorf("opening case store: %w", err)
	}

	statutes := index.New(cfg.indexDir(), embedder)

	retriever := retrieval.New(embedder, retrieval.StatuteSearcher{Index: statutes}, counter, retrieval.Config{
		StatuteK:         cfg.StatuteK,
		CaseK:            cfg.CaseK,
		MinScore:         cfg.MinScore,
		DedupOverlap:     cfg.DedupOverlap,
		MaxPassages:      cfg.MaxPassages,
		MaxPassageTokens: cfg.MaxPassageTokens,
	})

	history := cfg.HistoryTurns
	if history == 0 {
		history = -1 // no history
	}
	prompts := prompt.New(counter, prompt.Config{
		MaxPromptTokens: cfg.MaxPromptTokens,
		HistoryTurns:    history,
	})

	e := &engine{
		cfg:       cfg,
		store:     s,
		statutes:  statutes,
		registry:  reg,
		chunkr:    chunkr,
		embedder:  embedder,
		retriever: retriever,
		prompts:   prompts,
		chatLLM:   chatLLM,
	}
	e.loadStatutes(context.Background())
	return e, nil
}

func (c Config) llmConfig(l LLMConfig) llm.Config {
	return llm.Config{
		Provider:          l.Provider,
		Model:             l.Model,
		BaseURL:           l.BaseURL,
		APIKey:            l.APIKey,
		Timeout:           time.Duration(c.LLMTimeoutSeconds) * time.Second,
		MaxAttempts:       c.LLMMaxAttempts,
		RequestsPerSecond: c.LLMRequestsPerSecond,
	}
}

func (c Config) embeddingBackend() (embedding.Embedder, error) {
	if c.Embedding.Provider == "hash" {
		return embedding.NewHashEmbedder(c.Embedding.Dimension), nil
	}
	p, err := llm.NewProvider(c.llmConfig(LLMConfig{
		Provider: c.Embedding.Provider,
		Model:    c.Embedding.Model,
		BaseURL:  c.Embedding.BaseURL,
		APIKey:   c.Embedding.APIKey,
	}))
	if err != nil {
		return nil, err
	}
	return embedding.NewProviderEmbedder(p, c.Embedding.Model, c.Embedding.Dimension), nil
}

// loadStatutes serves the persisted statute index, building it when absent
// and rebuilding it when corrupt.
func (e *engine) loadStatutes(ctx context.Context) {
	err := e.statutes.Load()
	switch {
	case err == nil:
		return
	case index.IsAbsent(err):
		slog.Info("caselaw: no statute index on disk, building", "corpus", e.cfg.statuteDir())
	case errors.Is(err, index.ErrCorruptIndex):
		slog.Warn("caselaw: statute index corrupt, rebuilding", "error", err)
	default:
		slog.Warn("caselaw: statute index unreadable, rebuilding", "error", err)
	}
	if _, err := e.RebuildStatuteIndex(ctx); err != nil {
		slog.Error("caselaw: statute index unavailable, answering from case documents only", "error", err)
	}
}

func (e *engine) CreateCase(ctx context.Context, title string) (*Case, error) {
	if e.closed.Load() {
		return nil, ErrClosed
	}
	return e.store.CreateCase(ctx, title)
}

func (e *engine) ListCases(ctx context.Context) ([]Case, error) {
	if e.closed.Load() {
		return nil, ErrClosed
	}
	return e.store.ListCases(ctx)
}

func (e *engine) GetCase(ctx context.Context, caseID string) (*CaseDetail, error) {
	if e.closed.Load() {
		return nil, ErrClosed
	}
	c, err := e.store.GetCase(ctx, caseID)
	if err != nil {
		return nil, err
	}
	docs, err := e.store.Documents(ctx, caseID)
	if err != nil {
		return nil, err
	}
	return &CaseDetail{Case: *c, Documents: docs}, nil
}

func (e *engine) UploadDocument(ctx context.Context, caseID, filename string, raw []byte, format string) (*Document, error) {
	if e.closed.Load() {
		return nil, ErrClosed
	}
	doc, err := e.store.AddDocument(ctx, caseID, filename, raw, format)
	if err != nil {
		slog.Warn("caselaw: upload rejected", "case", caseID, "file", filename, "error", err)
		return nil, err
	}
	return doc, nil
}

func (e *engine) ListDocuments(ctx context.Context, caseID string) ([]Document, error) {
	if e.closed.Load() {
		return nil, ErrClosed
	}
	return e.store.Documents(ctx, caseID)
}

func (e *engine) DocumentText(ctx context.Context, caseID, docID string) (string, error) {
	if e.closed.Load() {
		return "", ErrClosed
	}
	return e.store.DocumentText(ctx, caseID, docID)
}

func (e *engine) DeleteDocument(ctx context.Context, caseID, docID string) error {
	if e.closed.Load() {
		return ErrClosed
	}
	return e.store.DeleteDocument(ctx, caseID, docID)
}

// Ask runs retrieval, prompt assembly and one chat call, then appends the
// exchange to the case's conversation.
func (e *engine) Ask(ctx context.Context, caseID, question string) (*Answer, error) {
	if e.closed.Load() {
		return nil, ErrClosed
	}
	question = strings.TrimSpace(question)
	if question == "" {
		return nil, ErrEmptyQuestion
	}
	start := time.Now()

	if _, err := e.store.GetCase(ctx, caseID); err != nil {
		return nil, err
	}

	res, err := e.retriever.Retrieve(ctx, question, retrieval.CaseSearcher{Store: e.store, CaseID: caseID})
	if err != nil {
		return nil, fmt.Errorf("retrieving passages: %w", err)
	}

	var history []prompt.Exchange
	if e.cfg.HistoryTurns > 0 {
		recent, err := e.store.RecentTurns(ctx, caseID, e.cfg.HistoryTurns)
		if err != nil {
			return nil, fmt.Errorf("reading conversation: %w", err)
		}
		for _, t := range recent {
			history = append(history, prompt.Exchange{Question: t.Question, Answer: t.Answer})
		}
	}

	p := e.prompts.Assemble(question, res.Passages, history)
	if p.Overflow {
		slog.Warn("caselaw: question alone exceeds the prompt ceiling",
			"case", caseID, "tokens", p.Tokens, "ceiling", e.prompts.Config().MaxPromptTokens)
	}
	slog.Info("ask: prompt assembled",
		"case", caseID,
		"passages", len(p.Included),
		"turns", p.Turns,
		"dropped_turns", p.DroppedTurns,
		"dropped_passages", p.DroppedPassages,
		"tokens", p.Tokens,
		"statute_available", res.StatuteAvailable)

	resp, err := e.chatLLM.Chat(ctx, llm.ChatRequest{
		Model:       e.cfg.Chat.Model,
		Messages:    p.Messages,
		Temperature: e.cfg.Temperature,
		MaxTokens:   e.cfg.MaxAnswerTokens,
	})
	if err != nil {
		return nil, fmt.Errorf("answering question: %w", err)
	}

	text := strings.TrimSpace(resp.Content)
	cites := prompt.Cite(text, p.Included)
	model := resp.Model
	if model == "" {
		model = e.cfg.Chat.Model
	}

	turn, err := e.store.AppendTurn(ctx, caseID, store.Turn{
		Question:  question,
		Answer:    text,
		Citations: storeCitations(cites),
		Grounded:  res.Grounded && len(p.Included) > 0,
		Model:     model,
	})
	if err != nil {
		return nil, fmt.Errorf("recording turn: %w", err)
	}

	elapsed := time.Since(start)
	slog.Info("ask: answered",
		"case", caseID,
		"turn", turn.Seq,
		"citations", len(turn.Citations),
		"grounded", turn.Grounded,
		"attempts", resp.Attempts,
		"elapsed", elapsed.Round(time.Millisecond))

	return &Answer{
		TurnID:           turn.ID,
		Seq:              turn.Seq,
		Text:             turn.Answer,
		Citations:        turn.Citations,
		Grounded:         turn.Grounded,
		StatuteAvailable: res.StatuteAvailable,
		ModelUsed:        model,
		PromptTokens:     resp.PromptTokens,
		CompletionTokens: resp.CompletionTokens,
		TotalTokens:      resp.TotalTokens,
		PromptOverflow:   p.Overflow,
		RetrievalTrace:   res.Trace,
		ElapsedMs:        elapsed.Milliseconds(),
	}, nil
}

func storeCitations(cs []prompt.Citation) []Citation {
	out := make([]Citation, len(cs))
	for i, c := range cs {
		out[i] = Citation{
			Kind:       string(c.Source),
			Tag:        c.Tag,
			DocumentID: c.DocumentID,
			ChunkID:    c.ChunkID,
			Label:      c.Label,
			Excerpt:    c.Excerpt,
		}
	}
	return out
}

func (e *engine) History(ctx context.Context, caseID string) ([]Turn, error) {
	if e.closed.Load() {
		return nil, ErrClosed
	}
	return e.store.Turns(ctx, caseID)
}

func (e *engine) RebuildStatuteIndex(ctx context.Context) (IndexInfo, error) {
	if e.closed.Load() {
		return IndexInfo{}, ErrClosed
	}
	chunks, err := index.LoadCorpus(ctx, e.cfg.statuteDir(), e.registry, e.chunkr)
	if err != nil {
		return e.statutes.Status(), err
	}
	if _, err := e.statutes.Build(ctx, chunks); err != nil {
		return e.statutes.Status(), err
	}
	return e.statutes.Status(), nil
}

func (e *engine) IndexStatus() IndexInfo {
	return e.statutes.Status()
}

func (e *engine) DeleteCase(ctx context.Context, caseID string) error {
	if e.closed.Load() {
		return ErrClosed
	}
	return e.store.DeleteCase(ctx, caseID)
}

func (e *engine) Close() error {
	if !e.closed.CompareAndSwap(false, true) {
		return nil
	}
	return e.store.Close()
}
