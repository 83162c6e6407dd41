// Package eval measures answer quality on a dataset of case fixtures: each
// fixture is uploaded into a fresh case and its questions are asked in
// order.
package eval

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/brunobiangulo/caselaw"
	"github.com/brunobiangulo/caselaw/llm"
	"github.com/brunobiangulo/caselaw/retrieval"
)

// Evaluator runs datasets against a caselaw engine.
type Evaluator struct {
	engine     caselaw.Engine
	judgeLLM   llm.Provider
	judgeModel string
	keepCases  bool
}

// NewEvaluator creates a new evaluator.
func NewEvaluator(engine caselaw.Engine) *Evaluator {
	return &Evaluator{engine: engine}
}

// SetJudge configures an LLM judge for semantic accuracy evaluation.
// When set, accuracy is computed via LLM instead of verbatim substring matching.
func (e *Evaluator) SetJudge(provider llm.Provider, model string) {
	e.judgeLLM = provider
	e.judgeModel = model
}

// KeepCases leaves the fixture cases in place after the run for inspection.
func (e *Evaluator) KeepCases(keep bool) {
	e.keepCases = keep
}

// Report holds the results of an evaluation run.
type Report struct {
	Dataset         string                      `json:"dataset"`
	TotalTests      int                         `json:"total_tests"`
	Passed          int                         `json:"passed"`
	Failed          int                         `json:"failed"`
	Metrics         AggregateMetrics            `json:"metrics"`
	CategoryMetrics map[string]AggregateMetrics `json:"category_metrics,omitempty"`
	Results         []TestResult                `json:"results"`
	RunTime         time.Duration               `json:"run_time"`
	TokenUsage      TokenUsage                  `json:"token_usage"`
}

// TokenUsage aggregates LLM token consumption across an evaluation run.
type TokenUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// AggregateMetrics holds averaged metrics across tests that ran without
// error.
type AggregateMetrics struct {
	AvgAccuracy           float64 `json:"avg_accuracy"`
	AvgStrictAccuracy     float64 `json:"avg_strict_accuracy"`
	AvgCitationRecall     float64 `json:"avg_citation_recall"`
	AvgCitationPrecision  float64 `json:"avg_citation_precision"`
	AvgClaimGrounding     float64 `json:"avg_claim_grounding"`
	AvgHallucinationScore float64 `json:"avg_hallucination_score"`
	GroundedRate          float64 `json:"grounded_rate"`
}

func (m *AggregateMetrics) add(r TestResult) {
	m.AvgAccuracy += r.Accuracy
	m.AvgStrictAccuracy += r.StrictAccuracy
	m.AvgCitationRecall += r.CitationRecall
	m.AvgCitationPrecision += r.CitationPrecision
	m.AvgClaimGrounding += r.ClaimGrounding
	m.AvgHallucinationScore += r.HallucinationScore
	if r.Grounded {
		m.GroundedRate++
	}
}

func (m AggregateMetrics) div(n int) AggregateMetrics {
	if n == 0 {
		return m
	}
	d := float64(n)
	return AggregateMetrics{
		AvgAccuracy:           m.AvgAccuracy / d,
		AvgStrictAccuracy:     m.AvgStrictAccuracy / d,
		AvgCitationRecall:     m.AvgCitationRecall / d,
		AvgCitationPrecision:  m.AvgCitationPrecision / d,
		AvgClaimGrounding:     m.AvgClaimGrounding / d,
		AvgHallucinationScore: m.AvgHallucinationScore / d,
		GroundedRate:          m.GroundedRate / d,
	}
}

// TestResult holds the result of a single question.
type TestResult struct {
	Case               string           `json:"case"`
	Question           string           `json:"question"`
	ExpectedFacts      []string         `json:"expected_facts,omitempty"`
	ExpectedCitations  []string         `json:"expected_citations,omitempty"`
	Category           string           `json:"category,omitempty"`
	Answer             string           `json:"answer"`
	Grounded           bool             `json:"grounded"`
	Citations          []string         `json:"citations,omitempty"` // "C1 judgment.pdf, page 2"
	Accuracy           float64          `json:"accuracy"`
	StrictAccuracy     float64          `json:"strict_accuracy"`
	CitationRecall     float64          `json:"citation_recall"`
	CitationPrecision  float64          `json:"citation_precision"`
	ClaimGrounding     float64          `json:"claim_grounding"`
	HallucinationScore float64          `json:"hallucination_score"`
	Passed             bool             `json:"passed"`
	Error              string           `json:"error,omitempty"`
	PromptTokens       int              `json:"prompt_tokens"`
	CompletionTokens   int              `json:"completion_tokens"`
	TotalTokens        int              `json:"total_tokens"`
	ElapsedMs          int64            `json:"elapsed_ms"`
	Retrieval          *retrieval.Trace `json:"retrieval,omitempty"`
}

// Run builds each fixture case, asks its questions and scores the answers.
// A fixture that cannot be set up aborts the run; a failed question is
// recorded as an error result and the run continues.
func (e *Evaluator) Run(ctx context.Context, dataset Dataset) (*Report, error) {
	start := time.Now()
	report := &Report{
		Dataset:         dataset.Name,
		TotalTests:      dataset.TotalTests(),
		CategoryMetrics: make(map[string]AggregateMetrics),
	}

	catCounts := make(map[string]int)
	catSums := make(map[string]AggregateMetrics)
	var sums AggregateMetrics
	metricsCount := 0

	for _, fixture := range dataset.Cases {
		caseID, material, err := e.setup(ctx, fixture)
		if err != nil {
			if caseID != "" && !e.keepCases {
				e.engine.DeleteCase(ctx, caseID)
			}
			return nil, fmt.Errorf("setting up case %q: %w", fixture.Title, err)
		}

		for _, test := range fixture.Tests {
			result := e.runTest(ctx, caseID, fixture.Title, material, test)
			report.Results = append(report.Results, result)

			status := "PASS"
			if !result.Passed {
				status = "FAIL"
			}
			if result.Error != "" {
				status = "ERROR"
			}
			slog.Info("eval: test complete",
				"progress", fmt.Sprintf("%d/%d", len(report.Results), report.TotalTests),
				"status", status,
				"accuracy", fmt.Sprintf("%.2f", result.Accuracy),
				"citation_recall", fmt.Sprintf("%.2f", result.CitationRecall),
				"tokens", result.TotalTokens,
				"elapsed_ms", result.ElapsedMs,
				"question", truncate(test.Question, 80))

			report.TokenUsage.PromptTokens += result.PromptTokens
			report.TokenUsage.CompletionTokens += result.CompletionTokens
			report.TokenUsage.TotalTokens += result.TotalTokens

			if result.Passed {
				report.Passed++
			} else {
				report.Failed++
			}

			// Errors would contribute all zeros and depress the averages.
			if result.Error != "" {
				continue
			}
			metricsCount++
			sums.add(result)
			if test.Category != "" {
				catCounts[test.Category]++
				s := catSums[test.Category]
				s.add(result)
				catSums[test.Category] = s
			}
		}

		if !e.keepCases {
			if err := e.engine.DeleteCase(ctx, caseID); err != nil {
				slog.Warn("eval: removing fixture case", "case", caseID, "error", err)
			}
		}
	}

	report.Metrics = sums.div(metricsCount)
	for cat, n := range catCounts {
		report.CategoryMetrics[cat] = catSums[cat].div(n)
	}
	report.RunTime = time.Since(start)
	return report, nil
}

// setup creates the fixture's case, uploads its documents and returns the
// extracted text of all of them.
func (e *Evaluator) setup(ctx context.Context, fixture CaseFixture) (string, string, error) {
	c, err := e.engine.CreateCase(ctx, fixture.Title)
	if err != nil {
		return "", "", err
	}

	var material strings.Builder
	for _, path := range fixture.Documents {
		raw, err := os.ReadFile(path)
		if err != nil {
			return c.ID, "", fmt.Errorf("reading %s: %w", path, err)
		}
		doc, err := e.engine.UploadDocument(ctx, c.ID, filepath.Base(path), raw, "")
		if err != nil {
			return c.ID, "", fmt.Errorf("uploading %s: %w", path, err)
		}
		text, err := e.engine.DocumentText(ctx, c.ID, doc.ID)
		if err != nil {
			return c.ID, "", err
		}
		material.WriteString(text)
		material.WriteByte('\n')
	}
	return c.ID, material.String(), nil
}

func (e *Evaluator) runTest(ctx context.Context, caseID, title, material string, test TestCase) TestResult {
	testStart := time.Now()
	result := TestResult{
		Case:              title,
		Question:          test.Question,
		ExpectedFacts:     test.ExpectedFacts,
		ExpectedCitations: test.ExpectedCitations,
		Category:          test.Category,
	}

	answer, err := e.engine.Ask(ctx, caseID, test.Question)
	if err != nil {
		result.Error = err.Error()
		result.ElapsedMs = time.Since(testStart).Milliseconds()
		return result
	}

	result.Answer = answer.Text
	result.Grounded = answer.Grounded
	result.PromptTokens = answer.PromptTokens
	result.CompletionTokens = answer.CompletionTokens
	result.TotalTokens = answer.TotalTokens
	result.Retrieval = answer.RetrievalTrace
	for _, c := range answer.Citations {
		result.Citations = append(result.Citations, c.Tag+" "+c.Label)
	}

	// Statute passages reach the model only through their excerpts here.
	var seen strings.Builder
	seen.WriteString(material)
	for _, c := range answer.Citations {
		seen.WriteString(c.Excerpt)
		seen.WriteByte('\n')
	}

	result.StrictAccuracy = computeAccuracy(answer.Text, test.ExpectedFacts)
	result.Accuracy = result.StrictAccuracy
	if e.judgeLLM != nil && len(test.ExpectedFacts) > 0 {
		acc, err := computeAccuracyLLM(ctx, e.judgeLLM, e.judgeModel, answer.Text, test.ExpectedFacts)
		if err != nil {
			slog.Warn("eval: judge failed, falling back to strict accuracy",
				"error", err,
				"question", truncate(test.Question, 60))
		} else {
			result.Accuracy = acc
		}
	}
	result.CitationRecall = computeCitationRecall(answer.Citations, test.ExpectedCitations)
	result.CitationPrecision = computeCitationPrecision(answer.Citations, test.ExpectedCitations)
	result.ClaimGrounding = computeClaimGrounding(answer.Text, seen.String())
	result.HallucinationScore = computeHallucinationScore(answer.Text, seen.String())

	result.Passed = passed(test, answer, result)
	result.ElapsedMs = time.Since(testStart).Milliseconds()
	return result
}

// passed applies the pass rule: an ungrounded question must come back
// ungrounded with no citations; any other question needs half its facts
// and half its expected citations.
func passed(test TestCase, answer *caselaw.Answer, r TestResult) bool {
	if test.ExpectUngrounded {
		return !answer.Grounded && len(answer.Citations) == 0
	}
	if len(test.ExpectedFacts) > 0 && r.Accuracy < 0.5 {
		return false
	}
	if len(test.ExpectedCitations) > 0 && r.CitationRecall < 0.5 {
		return false
	}
	return answer.Grounded
}

// FormatReport produces a human-readable report string.
func FormatReport(r *Report) string {
	var b strings.Builder
	fmt.Fprintf(&b, "=== Evaluation Report: %s ===\n", r.Dataset)
	fmt.Fprintf(&b, "Total: %d | Passed: %d (%.1f%%) | Failed: %d\n",
		r.TotalTests, r.Passed, passRate(r.Passed, r.TotalTests), r.Failed)
	fmt.Fprintf(&b, "Run time: %s\n\n", r.RunTime.Round(time.Millisecond))

	fmt.Fprintf(&b, "Aggregate Metrics:\n")
	fmt.Fprintf(&b, "  Accuracy:             %.2f\n", r.Metrics.AvgAccuracy)
	if r.Metrics.AvgStrictAccuracy != r.Metrics.AvgAccuracy {
		fmt.Fprintf(&b, "  Strict Accuracy:      %.2f\n", r.Metrics.AvgStrictAccuracy)
	}
	fmt.Fprintf(&b, "  Citation Recall:      %.2f\n", r.Metrics.AvgCitationRecall)
	fmt.Fprintf(&b, "  Citation Precision:   %.2f\n", r.Metrics.AvgCitationPrecision)
	fmt.Fprintf(&b, "  Claim Grounding:      %.2f\n", r.Metrics.AvgClaimGrounding)
	fmt.Fprintf(&b, "  Hallucination Score:  %.2f\n", r.Metrics.AvgHallucinationScore)
	fmt.Fprintf(&b, "  Grounded Rate:        %.2f\n\n", r.Metrics.GroundedRate)

	fmt.Fprintf(&b, "Token Usage:\n")
	fmt.Fprintf(&b, "  Prompt:     %d\n", r.TokenUsage.PromptTokens)
	fmt.Fprintf(&b, "  Completion: %d\n", r.TokenUsage.CompletionTokens)
	fmt.Fprintf(&b, "  Total:      %d\n\n", r.TokenUsage.TotalTokens)

	if len(r.CategoryMetrics) > 0 {
		cats := make([]string, 0, len(r.CategoryMetrics))
		for cat := range r.CategoryMetrics {
			cats = append(cats, cat)
		}
		sort.Strings(cats)

		fmt.Fprintf(&b, "Per-Category Metrics:\n")
		for _, cat := range cats {
			m := r.CategoryMetrics[cat]
			fmt.Fprintf(&b, "  [%s]\n", cat)
			fmt.Fprintf(&b, "    Acc=%.2f CiteR=%.2f CiteP=%.2f Grnd=%.2f Hall=%.2f\n",
				m.AvgAccuracy, m.AvgCitationRecall, m.AvgCitationPrecision,
				m.AvgClaimGrounding, m.AvgHallucinationScore)
		}
		fmt.Fprintln(&b)
	}

	for i, res := range r.Results {
		status := "PASS"
		if !res.Passed {
			status = "FAIL"
		}
		fmt.Fprintf(&b, "[%s] %d. (%s) %s\n", status, i+1, res.Case, res.Question)
		if res.Error != "" {
			fmt.Fprintf(&b, "  Error: %s\n", res.Error)
			continue
		}
		fmt.Fprintf(&b, "  Acc=%.2f CiteR=%.2f CiteP=%.2f Grnd=%.2f Hall=%.2f  (%dms)\n",
			res.Accuracy, res.CitationRecall, res.CitationPrecision,
			res.ClaimGrounding, res.HallucinationScore, res.ElapsedMs)
		if res.StrictAccuracy != res.Accuracy {
			fmt.Fprintf(&b, "  StrictAcc=%.2f\n", res.StrictAccuracy)
		}
	}

	return b.String()
}

func passRate(passed, total int) float64 {
	if total == 0 {
		return 0
	}
	return float64(passed) / float64(total) * 100
}
