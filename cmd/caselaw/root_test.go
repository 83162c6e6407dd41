//go:build cgo

package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const answer = "Smith was dismissed on 3 March 2023 [C1]."

func newChatServer(t *testing.T) string {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"model": "test-model",
			"choices": []map[string]any{{
				"message":       map[string]string{"role": "assistant", "content": answer},
				"finish_reason": "stop",
			}},
			"usage": map[string]int{"prompt_tokens": 80, "completion_tokens": 12, "total_tokens": 92},
		})
	}))
	t.Cleanup(srv.Close)
	return srv.URL
}

type harness struct {
	t      *testing.T
	config string
	dir    string
}

func newHarness(t *testing.T) *harness {
	dir := t.TempDir()
	cfg := fmt.Sprintf(`data_dir: %s
tokenizer: heuristic
embedding:
  provider: hash
  dimension: 256
chat:
  provider: custom
  model: test-model
  base_url: %s
`, filepath.Join(dir, "data"), newChatServer(t))
	path := filepath.Join(dir, "caselaw.yaml")
	require.NoError(t, os.WriteFile(path, []byte(cfg), 0o644))
	return &harness{t: t, config: path, dir: dir}
}

func (h *harness) run(args ...string) (string, error) {
	h.t.Helper()
	var out, errOut bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetArgs(append([]string{"--config", h.config, "--env-file", filepath.Join(h.dir, "missing.env")}, args...))
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestRootCommands(t *testing.T) {
	cmd := newRootCmd()
	for _, name := range []string{"case", "doc", "ask", "history", "index", "eval"} {
		found, _, err := cmd.Find([]string{name})
		require.NoError(t, err, name)
		assert.Equal(t, name, found.Name())
	}
	for _, flag := range []string{"config", "env-file", "data-dir", "json", "verbose"} {
		assert.NotNil(t, cmd.PersistentFlags().Lookup(flag), flag)
	}
}

func TestCaseWorkflow(t *testing.T) {
	h := newHarness(t)

	out, err := h.run("--json", "case", "create", "Smith", "v.", "Jones")
	require.NoError(t, err)
	var created struct {
		ID    string `json:"id"`
		Title string `json:"title"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &created), out)
	assert.Equal(t, "Smith v. Jones", created.Title)

	judgment := filepath.Join(h.dir, "judgment.md")
	require.NoError(t, os.WriteFile(judgment, []byte("# Facts\n\nSmith was dismissed on 3 March 2023 without any written warning.\n"), 0o644))

	out, err = h.run("doc", "upload", created.ID, judgment)
	require.NoError(t, err)
	assert.Contains(t, out, "Uploaded")

	out, err = h.run("doc", "list", created.ID)
	require.NoError(t, err)
	assert.Contains(t, out, "judgment.md")

	out, err = h.run("ask", created.ID, "When", "was", "Smith", "dismissed?")
	require.NoError(t, err)
	assert.Contains(t, out, answer)
	assert.Contains(t, out, "[C1] judgment.md")

	out, err = h.run("history", created.ID)
	require.NoError(t, err)
	assert.Contains(t, out, "Q: When was Smith dismissed?")

	out, err = h.run("case", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "Smith v. Jones")

	_, err = h.run("case", "delete", created.ID)
	require.Error(t, err, "deletion needs --yes")

	_, err = h.run("case", "delete", "--yes", created.ID)
	require.NoError(t, err)

	_, err = h.run("case", "show", created.ID)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
}

func TestIndexStatus(t *testing.T) {
	h := newHarness(t)

	out, err := h.run("index", "rebuild")
	require.NoError(t, err)
	assert.Contains(t, out, "Statute index")

	out, err = h.run("--json", "index", "status")
	require.NoError(t, err)
	var status map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &status), out)
	assert.Contains(t, status, "entries")
}

func TestUploadUnsupportedFormat(t *testing.T) {
	h := newHarness(t)

	out, err := h.run("--json", "case", "create", "Doe")
	require.NoError(t, err)
	var created struct {
		ID string `json:"id"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &created))

	scan := filepath.Join(h.dir, "scan.tiff")
	require.NoError(t, os.WriteFile(scan, []byte{0x49, 0x49, 0x2a, 0x00}, 0o644))

	_, err = h.run("doc", "upload", created.ID, scan)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "scan.tiff")
}

func TestEvalCommand(t *testing.T) {
	h := newHarness(t)
	report := filepath.Join(h.dir, "report.json")

	out, err := h.run("eval", "testdata/dismissal.yaml", "--output", report)
	require.NoError(t, err)
	assert.Contains(t, out, "=== Evaluation Report: dismissal ===")
	assert.Contains(t, out, "Passed: 1")

	data, err := os.ReadFile(report)
	require.NoError(t, err)
	var parsed struct {
		Passed  int `json:"passed"`
		Results []struct {
			CitationRecall float64 `json:"citation_recall"`
		} `json:"results"`
	}
	require.NoError(t, json.Unmarshal(data, &parsed))
	assert.Equal(t, 1, parsed.Passed)
	require.Len(t, parsed.Results, 1)
	assert.Equal(t, 1.0, parsed.Results[0].CitationRecall)

	out, err = h.run("case", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "No cases", "fixture cases are removed")
}
