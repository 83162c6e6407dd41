package eval

import (
	"context"
	"math"
	"testing"

	"github.com/brunobiangulo/caselaw"
	"github.com/brunobiangulo/caselaw/llm"
)

func approx(a, b float64) bool { return math.Abs(a-b) < 1e-9 }

func TestComputeAccuracy(t *testing.T) {
	answer := "The notice period was thirty days under Article 12; the fill-level rule is irrelevant."
	tests := []struct {
		name  string
		facts []string
		want  float64
	}{
		{"all found", []string{"thirty days", "Article 12"}, 1},
		{"alternatives", []string{"30 days|thirty days"}, 1},
		{"hyphen tolerant", []string{"fill level"}, 1},
		{"half", []string{"thirty days", "four weeks"}, 0.5},
		{"none", []string{"overtime"}, 0},
		{"no facts", nil, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := computeAccuracy(answer, tt.facts); !approx(got, tt.want) {
				t.Errorf("computeAccuracy = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestCitationMetrics(t *testing.T) {
	citations := []caselaw.Citation{
		{Tag: "C1", Label: "judgment.md, Facts"},
		{Tag: "S1", Label: "labor_law.txt, Article 12"},
		{Tag: "S2", Label: "labor_law.txt, Article 13"},
	}
	expected := []string{"judgment.md", "Labor_Law.txt, Article 12", "contract.pdf"}

	if got := computeCitationRecall(citations, expected); !approx(got, 2.0/3) {
		t.Errorf("recall = %v, want 2/3", got)
	}
	if got := computeCitationPrecision(citations, expected); !approx(got, 2.0/3) {
		t.Errorf("precision = %v, want 2/3", got)
	}
	if got := computeCitationRecall(nil, expected); got != 0 {
		t.Errorf("recall without citations = %v", got)
	}
	if got := computeCitationPrecision(citations, nil); got != 0 {
		t.Errorf("precision without expectations = %v", got)
	}
}

func TestClaimGroundingIgnoresTags(t *testing.T) {
	material := "Smith was dismissed on 3 March 2023 without any written warning."
	if got := computeClaimGrounding("Smith was dismissed in March 2023 [C1].", material); !approx(got, 1) {
		t.Errorf("grounded answer scored %v", got)
	}
	got := computeClaimGrounding("Smith received severance of 5000 euros [C1, S2].", material)
	if got >= 0.5 {
		t.Errorf("ungrounded answer scored %v", got)
	}
}

func TestHallucinationScore(t *testing.T) {
	material := "The notice period is thirty days. Article 12 applies."
	if got := computeHallucinationScore("The notice period is thirty days [S1].", material); !approx(got, 1) {
		t.Errorf("clean answer scored %v", got)
	}
	// One fabricated number (weight 1) against two grounded terms (0.5 each).
	if got := computeHallucinationScore("The notice period is 45 days.", material); !approx(got, 0.5) {
		t.Errorf("fabricated number scored %v, want 0.5", got)
	}
	if got := computeHallucinationScore("anything", ""); got != 0.5 {
		t.Errorf("no material scored %v, want 0.5", got)
	}
}

type judge struct{ content string }

func (j judge) Chat(context.Context, llm.ChatRequest) (*llm.ChatResponse, error) {
	return &llm.ChatResponse{Content: j.content}, nil
}

func (j judge) Embed(context.Context, []string) ([][]float32, error) { return nil, nil }

func TestComputeAccuracyLLM(t *testing.T) {
	facts := []string{"thirty days", "Article 12", "written notice"}

	got, err := computeAccuracyLLM(context.Background(), judge{"```json\n{\"covered\": [true, false, true]}\n```"}, "m", "answer", facts)
	if err != nil {
		t.Fatal(err)
	}
	if !approx(got, 2.0/3) {
		t.Errorf("accuracy = %v, want 2/3", got)
	}

	if _, err := computeAccuracyLLM(context.Background(), judge{"no idea"}, "m", "answer", facts); err == nil {
		t.Error("expected a parse error")
	}
}
