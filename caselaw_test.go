//go:build cgo

package caselaw

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brunobiangulo/caselaw/llm"
	"github.com/brunobiangulo/caselaw/store"
)

const laborLaw = `LABOR LAW

Article 11 Wages
Wages are paid monthly in legal currency.

Article 12 Notice
The applicable notice period for termination of an employment contract is thirty days written notice.

Article 13 Overtime
Overtime work is paid at one and a half times the hourly rate.
`

const judgment = `# Smith v. Jones

Judgment of the Employment Tribunal. The claimant Smith was employed by Jones Ltd as a warehouse supervisor.

# Facts

Smith was dismissed on 3 March 2023 without any written warning.

# Notice

The applicable notice period under the employment contract was four weeks. No notice period was observed by the respondent.
`

// chatServer is an OpenAI-compatible endpoint that fails with 503 a set
// number of times before answering.
type chatServer struct {
	*httptest.Server
	failures atomic.Int32
	calls    atomic.Int32

	mu       sync.Mutex
	requests [][]llm.Message
	answer   string
}

func newChatServer(t *testing.T, answer string, failures int) *chatServer {
	t.Helper()
	cs := &chatServer{answer: answer}
	cs.failures.Store(int32(failures))
	cs.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cs.calls.Add(1)
		if r.URL.Path != "/v1/chat/completions" {
			http.NotFound(w, r)
			return
		}
		if cs.failures.Add(-1) >= 0 {
			http.Error(w, `{"error":"overloaded"}`, http.StatusServiceUnavailable)
			return
		}
		var req struct {
			Messages []llm.Message `json:"messages"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		cs.mu.Lock()
		cs.requests = append(cs.requests, req.Messages)
		cs.mu.Unlock()

		json.NewEncoder(w).Encode(map[string]any{
			"model": "test-model",
			"choices": []map[string]any{{
				"message":       map[string]string{"role": "assistant", "content": cs.answer},
				"finish_reason": "stop",
			}},
			"usage": map[string]int{"prompt_tokens": 120, "completion_tokens": 30, "total_tokens": 150},
		})
	}))
	t.Cleanup(cs.Close)
	return cs
}

func (cs *chatServer) lastRequest() []llm.Message {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	if len(cs.requests) == 0 {
		return nil
	}
	return cs.requests[len(cs.requests)-1]
}

func testConfig(t *testing.T) Config {
	t.Helper()
	cfg := DefaultConfig()
	cfg.DataDir = t.TempDir()
	cfg.Embedding = EmbeddingConfig{Provider: "hash", Dimension: 256}
	cfg.Chat = LLMConfig{Provider: "custom", Model: "test-model"}
	cfg.Tokenizer = "heuristic"
	return cfg
}

func writeStatutes(t *testing.T, cfg Config, files map[string]string) {
	t.Helper()
	dir := cfg.statuteDir()
	require.NoError(t, os.MkdirAll(dir, 0o755))
	for name, body := range files {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(body), 0o644))
	}
}

func newTestEngine(t *testing.T, cfg Config, cs *chatServer) Engine {
	t.Helper()
	chat, err := llm.NewProvider(llm.Config{
		Provider:       "custom",
		BaseURL:        cs.URL,
		Model:          "test-model",
		Timeout:        5 * time.Second,
		MaxAttempts:    3,
		RetryBaseDelay: time.Millisecond,
		RetryMaxDelay:  5 * time.Millisecond,
	})
	require.NoError(t, err)

	e, err := New(cfg, WithChatProvider(chat))
	require.NoError(t, err)
	t.Cleanup(func() { e.Close() })
	return e
}

func TestSmithVJones(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)
	writeStatutes(t, cfg, map[string]string{"labor_law.txt": laborLaw})

	cs := newChatServer(t, "The contract set a notice period of four weeks [C1], while the statute requires thirty days written notice [S1].\nCitations: [C1], [S1]", 2)
	e := newTestEngine(t, cfg, cs)

	status := e.IndexStatus()
	require.True(t, status.Loaded)
	assert.Positive(t, status.Entries)

	c, err := e.CreateCase(ctx, "Smith v. Jones")
	require.NoError(t, err)

	doc, err := e.UploadDocument(ctx, c.ID, "judgment.md", []byte(judgment), "")
	require.NoError(t, err)
	assert.Equal(t, "md", doc.Format)
	assert.Positive(t, doc.Chunks)

	ans, err := e.Ask(ctx, c.ID, "What is the applicable notice period?")
	require.NoError(t, err)

	assert.Equal(t, int32(3), cs.calls.Load(), "two 503s then success")
	assert.Contains(t, ans.Text, "four weeks")
	assert.True(t, ans.Grounded)
	assert.True(t, ans.StatuteAvailable)
	assert.Equal(t, "test-model", ans.ModelUsed)
	assert.Equal(t, 150, ans.TotalTokens)

	var caseCite, statuteCite *Citation
	for i := range ans.Citations {
		switch ans.Citations[i].Kind {
		case "case":
			caseCite = &ans.Citations[i]
		case "statute":
			statuteCite = &ans.Citations[i]
		}
	}
	require.NotNil(t, caseCite, "judgment cited")
	require.NotNil(t, statuteCite, "statute cited")
	assert.Equal(t, doc.ID, caseCite.DocumentID)
	assert.True(t, strings.HasPrefix(caseCite.Label, "judgment.md"), caseCite.Label)
	assert.Contains(t, caseCite.Excerpt, "notice period")
	assert.Equal(t, "labor_law.txt, Article 12", statuteCite.Label)
	assert.Equal(t, "statute:labor_law.txt", statuteCite.DocumentID)

	turns, err := e.History(ctx, c.ID)
	require.NoError(t, err)
	require.Len(t, turns, 1)
	assert.Equal(t, "What is the applicable notice period?", turns[0].Question)
	assert.Equal(t, ans.TurnID, turns[0].ID)
	assert.Len(t, turns[0].Citations, len(ans.Citations))

	// The next question carries the previous exchange.
	_, err = e.Ask(ctx, c.ID, "Was the notice observed?")
	require.NoError(t, err)
	msgs := cs.lastRequest()
	require.GreaterOrEqual(t, len(msgs), 5)
	assert.Equal(t, llm.RoleSystem, msgs[0].Role)
	assert.Equal(t, "What is the applicable notice period?", msgs[2].Content)
	assert.Equal(t, llm.RoleAssistant, msgs[3].Role)
	assert.Contains(t, msgs[len(msgs)-1].Content, "Was the notice observed?")

	turns, err = e.History(ctx, c.ID)
	require.NoError(t, err)
	require.Len(t, turns, 2)
	assert.Equal(t, 1, turns[0].Seq)
	assert.Equal(t, 2, turns[1].Seq)
}

func TestAskFailureRecordsNothing(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)
	cs := newChatServer(t, "unused", 100)
	e := newTestEngine(t, cfg, cs)

	c, err := e.CreateCase(ctx, "Doe v. Roe")
	require.NoError(t, err)

	_, err = e.Ask(ctx, c.ID, "Who is the claimant?")
	require.ErrorIs(t, err, ErrLLMUnavailable)
	assert.Equal(t, KindBackend, KindOf(err))
	assert.Equal(t, ActionRetry, ActionOf(err))
	assert.Equal(t, int32(3), cs.calls.Load())

	turns, err := e.History(ctx, c.ID)
	require.NoError(t, err)
	assert.Empty(t, turns)
}

func TestAskUngrounded(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)
	cs := newChatServer(t, "No basis was found in the provided material.", 0)
	e := newTestEngine(t, cfg, cs)

	// No statute corpus on disk: an empty, valid index is served.
	status := e.IndexStatus()
	assert.True(t, status.Loaded)
	assert.Zero(t, status.Entries)

	c, err := e.CreateCase(ctx, "Empty")
	require.NoError(t, err)

	ans, err := e.Ask(ctx, c.ID, "What is the applicable notice period?")
	require.NoError(t, err)
	assert.False(t, ans.Grounded)
	assert.Empty(t, ans.Citations)
	assert.True(t, ans.StatuteAvailable)
	assert.Equal(t, int32(1), cs.calls.Load(), "an ungrounded question is still answered")

	msgs := cs.lastRequest()
	require.Len(t, msgs, 3)
	assert.Contains(t, msgs[1].Content, "No case documents or statutes matched")
}

func TestAskInputErrors(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, testConfig(t), newChatServer(t, "unused", 0))

	c, err := e.CreateCase(ctx, "Input")
	require.NoError(t, err)

	_, err = e.Ask(ctx, c.ID, "   ")
	assert.ErrorIs(t, err, ErrEmptyQuestion)
	assert.Equal(t, KindInput, KindOf(err))

	_, err = e.Ask(ctx, "00000000-0000-0000-0000-000000000000", "anything?")
	assert.ErrorIs(t, err, ErrCaseNotFound)

	_, err = e.UploadDocument(ctx, c.ID, "scan.tiff", []byte("II*\x00"), "")
	assert.ErrorIs(t, err, ErrUnsupportedFormat)
	assert.Equal(t, ActionFixInput, ActionOf(err))
}

func TestRebuildStatuteIndex(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)
	writeStatutes(t, cfg, map[string]string{})
	e := newTestEngine(t, cfg, newChatServer(t, "unused", 0))

	status, err := e.RebuildStatuteIndex(ctx)
	require.NoError(t, err)
	assert.True(t, status.Loaded)
	assert.Zero(t, status.Entries, "zero files build an empty valid index")
	first := status.Version

	writeStatutes(t, cfg, map[string]string{"labor_law.txt": laborLaw})
	status, err = e.RebuildStatuteIndex(ctx)
	require.NoError(t, err)
	assert.Positive(t, status.Entries)
	assert.NotEqual(t, first, status.Version)
}

func TestStartupRebuildsCorruptIndex(t *testing.T) {
	cfg := testConfig(t)
	writeStatutes(t, cfg, map[string]string{"labor_law.txt": laborLaw})
	cs := newChatServer(t, "unused", 0)

	e := newTestEngine(t, cfg, cs)
	version := e.IndexStatus().Version
	require.NoError(t, e.Close())

	require.NoError(t, os.Remove(filepath.Join(cfg.indexDir(), version, "vectors.bin")))

	e = newTestEngine(t, cfg, cs)
	status := e.IndexStatus()
	assert.True(t, status.Loaded)
	assert.Positive(t, status.Entries)
	assert.NotEqual(t, version, status.Version)
}

func TestCaseLifecycle(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, testConfig(t), newChatServer(t, "unused", 0))

	c, err := e.CreateCase(ctx, "Smith v. Jones")
	require.NoError(t, err)

	doc, err := e.UploadDocument(ctx, c.ID, "judgment.md", []byte(judgment), "")
	require.NoError(t, err)

	detail, err := e.GetCase(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, "Smith v. Jones", detail.Case.Title)
	require.Len(t, detail.Documents, 1)
	assert.Equal(t, doc.ID, detail.Documents[0].ID)

	text, err := e.DocumentText(ctx, c.ID, doc.ID)
	require.NoError(t, err)
	assert.Contains(t, text, "four weeks")

	require.NoError(t, e.DeleteDocument(ctx, c.ID, doc.ID))
	docs, err := e.ListDocuments(ctx, c.ID)
	require.NoError(t, err)
	assert.Empty(t, docs)

	require.NoError(t, e.DeleteCase(ctx, c.ID))
	_, err = e.GetCase(ctx, c.ID)
	assert.ErrorIs(t, err, store.ErrCaseNotFound)

	cases, err := e.ListCases(ctx)
	require.NoError(t, err)
	assert.Empty(t, cases)

	require.NoError(t, e.Close())
	_, err = e.ListCases(ctx)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestZeroTuningValuesReachComponents(t *testing.T) {
	cfg := testConfig(t)
	cfg.ChunkOverlap = 0
	cfg.MinScore = 0

	e := newTestEngine(t, cfg, newChatServer(t, "unused", 0)).(*engine)
	assert.Zero(t, e.chunkr.Config().Overlap)
	assert.Zero(t, e.retriever.Config().MinScore)
}
