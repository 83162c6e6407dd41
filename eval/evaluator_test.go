package eval

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brunobiangulo/caselaw"
)

// scriptedEngine answers from a fixed table keyed by question.
type scriptedEngine struct {
	caselaw.Engine // unused methods panic

	answers map[string]*caselaw.Answer
	texts   map[string]string // docID -> text
	cases   map[string]bool
	deleted []string
	nextID  int
}

func newScriptedEngine(answers map[string]*caselaw.Answer) *scriptedEngine {
	return &scriptedEngine{answers: answers, texts: map[string]string{}, cases: map[string]bool{}}
}

func (s *scriptedEngine) CreateCase(_ context.Context, title string) (*caselaw.Case, error) {
	s.nextID++
	id := fmt.Sprintf("case-%d", s.nextID)
	s.cases[id] = true
	return &caselaw.Case{ID: id, Title: title}, nil
}

func (s *scriptedEngine) UploadDocument(_ context.Context, caseID, filename string, raw []byte, _ string) (*caselaw.Document, error) {
	if strings.HasSuffix(filename, ".tiff") {
		return nil, caselaw.ErrUnsupportedFormat
	}
	id := caseID + "/" + filename
	s.texts[id] = string(raw)
	return &caselaw.Document{ID: id, CaseID: caseID, Filename: filename}, nil
}

func (s *scriptedEngine) DocumentText(_ context.Context, _, docID string) (string, error) {
	return s.texts[docID], nil
}

func (s *scriptedEngine) Ask(_ context.Context, caseID, question string) (*caselaw.Answer, error) {
	if !s.cases[caseID] {
		return nil, caselaw.ErrCaseNotFound
	}
	a, ok := s.answers[question]
	if !ok {
		return nil, fmt.Errorf("answering question: %w", caselaw.ErrLLMUnavailable)
	}
	return a, nil
}

func (s *scriptedEngine) DeleteCase(_ context.Context, caseID string) error {
	delete(s.cases, caseID)
	s.deleted = append(s.deleted, caseID)
	return nil
}

func writeFixture(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "docs"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "docs", "judgment.md"),
		[]byte("Smith was dismissed on 3 March 2023 without any written warning."), 0o644))
	ds := `name: dismissal
cases:
  - title: Smith v. Jones
    documents: [docs/judgment.md]
    tests:
      - question: When was Smith dismissed?
        expected_facts: ["3 March 2023"]
        expected_citations: [judgment.md]
        category: facts
      - question: What is the notice period?
        expected_facts: ["thirty days|30 days"]
        expected_citations: ["labor_law.txt, Article 12"]
        category: statute
      - question: What is the weather today?
        expect_ungrounded: true
      - question: Is the claim time-barred?
        category: facts
`
	path := filepath.Join(dir, "dataset.yaml")
	require.NoError(t, os.WriteFile(path, []byte(ds), 0o644))
	return path
}

func TestLoadDataset(t *testing.T) {
	path := writeFixture(t)
	ds, err := LoadDataset(path)
	require.NoError(t, err)

	assert.Equal(t, "dismissal", ds.Name)
	require.Len(t, ds.Cases, 1)
	assert.Equal(t, filepath.Join(filepath.Dir(path), "docs", "judgment.md"), ds.Cases[0].Documents[0])
	assert.Equal(t, 4, ds.TotalTests())
	assert.True(t, ds.Cases[0].Tests[2].ExpectUngrounded)
}

func TestLoadDatasetErrors(t *testing.T) {
	dir := t.TempDir()

	bad := filepath.Join(dir, "bad.json")
	require.NoError(t, os.WriteFile(bad, []byte(`{"cases": [{"title": "", "tests": [{"question": " "}]}]}`), 0o644))
	_, err := LoadDataset(bad)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "empty title")
	assert.Contains(t, err.Error(), "empty question")

	unknown := filepath.Join(dir, "typo.json")
	require.NoError(t, os.WriteFile(unknown, []byte(`{"casez": []}`), 0o644))
	_, err = LoadDataset(unknown)
	assert.Error(t, err)

	_, err = LoadDataset(filepath.Join(dir, "dataset.csv"))
	assert.Error(t, err)
}

func TestRun(t *testing.T) {
	ds, err := LoadDataset(writeFixture(t))
	require.NoError(t, err)

	engine := newScriptedEngine(map[string]*caselaw.Answer{
		"When was Smith dismissed?": {
			Text:         "Smith was dismissed on 3 March 2023 [C1].",
			Grounded:     true,
			Citations:    []caselaw.Citation{{Tag: "C1", Label: "judgment.md, paragraph 1", Excerpt: "Smith was dismissed on 3 March 2023"}},
			PromptTokens: 100, CompletionTokens: 20, TotalTokens: 120,
		},
		"What is the notice period?": {
			Text:         "The notice period is four weeks [C1].",
			Grounded:     true,
			Citations:    []caselaw.Citation{{Tag: "C1", Label: "judgment.md, paragraph 1"}},
			PromptTokens: 90, CompletionTokens: 10, TotalTokens: 100,
		},
		"What is the weather today?": {
			Text:     "No basis was found in the provided material.",
			Grounded: false,
		},
	})

	report, err := NewEvaluator(engine).Run(context.Background(), ds)
	require.NoError(t, err)

	assert.Equal(t, 4, report.TotalTests)
	require.Len(t, report.Results, 4)

	first := report.Results[0]
	assert.True(t, first.Passed, "%+v", first)
	assert.Equal(t, 1.0, first.Accuracy)
	assert.Equal(t, 1.0, first.CitationRecall)
	assert.Equal(t, []string{"C1 judgment.md, paragraph 1"}, first.Citations)

	second := report.Results[1]
	assert.False(t, second.Passed, "wrong fact and missing statute citation")
	assert.Equal(t, 0.0, second.CitationRecall)

	assert.True(t, report.Results[2].Passed, "ungrounded question answered without citations")

	fourth := report.Results[3]
	assert.False(t, fourth.Passed)
	assert.Contains(t, fourth.Error, "unavailable")

	assert.Equal(t, 2, report.Passed)
	assert.Equal(t, 2, report.Failed)
	assert.Equal(t, 220, report.TokenUsage.TotalTokens)
	assert.InDelta(t, 2.0/3, report.Metrics.GroundedRate, 1e-9, "errors are left out of the averages")
	assert.Contains(t, report.CategoryMetrics, "statute")
	assert.Equal(t, []string{"case-1"}, engine.deleted)

	out := FormatReport(report)
	assert.Contains(t, out, "=== Evaluation Report: dismissal ===")
	assert.Contains(t, out, "[PASS] 1. (Smith v. Jones) When was Smith dismissed?")
	assert.Contains(t, out, "Error: ")
}

func TestRunKeepsCasesAndAbortsOnSetupFailure(t *testing.T) {
	dir := t.TempDir()
	scan := filepath.Join(dir, "scan.tiff")
	require.NoError(t, os.WriteFile(scan, []byte{0x49, 0x49}, 0o644))
	ds := Dataset{Name: "broken", Cases: []CaseFixture{{
		Title:     "Doe",
		Documents: []string{scan},
		Tests:     []TestCase{{Question: "q"}},
	}}}

	engine := newScriptedEngine(nil)
	_, err := NewEvaluator(engine).Run(context.Background(), ds)
	require.Error(t, err)
	assert.True(t, errors.Is(err, caselaw.ErrUnsupportedFormat))
	assert.Equal(t, []string{"case-1"}, engine.deleted, "a half-built case is removed")

	ds.Cases[0].Documents = nil
	engine = newScriptedEngine(map[string]*caselaw.Answer{"q": {Text: "a", Grounded: true}})
	ev := NewEvaluator(engine)
	ev.KeepCases(true)
	report, err := ev.Run(context.Background(), ds)
	require.NoError(t, err)
	assert.Empty(t, engine.deleted)
	assert.True(t, report.Results[0].Passed, "no expectations beyond a grounded answer")
}
