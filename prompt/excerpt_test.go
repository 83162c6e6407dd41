package prompt

import (
	"strings"
	"testing"
	"unicode/utf8"
)

func TestExcerptBestSentence(t *testing.T) {
	text := "Smith was hired in 2019. The employer shall give thirty days written notice of termination. Wages are paid monthly."
	got := excerpt(text, significantWords("The statute requires thirty days written notice."))
	if !strings.Contains(got, "thirty days written notice") {
		t.Errorf("expected the notice sentence, got %q", got)
	}
	if strings.HasPrefix(got, "Smith") {
		t.Errorf("unrelated first sentence should not lead the excerpt: %q", got)
	}
}

func TestExcerptFallsBackToPrefix(t *testing.T) {
	text := strings.Repeat("lorem ipsum ", 40)
	got := excerpt(text, significantWords("quantum superconducting qubits"))
	if !strings.HasSuffix(got, "...") {
		t.Errorf("expected truncated prefix, got %q", got)
	}
	if n := utf8.RuneCountInString(strings.TrimSuffix(got, "...")); n != excerptRunes {
		t.Errorf("prefix length = %d, want %d", n, excerptRunes)
	}

	short := "Short passage."
	if got := excerpt(short, nil); got != short {
		t.Errorf("short passage: got %q", got)
	}
}

func TestExcerptAdjacentSentence(t *testing.T) {
	text := "Setup is easy. The notice period was four weeks. Notice was never given."
	got := excerpt(text, significantWords("notice period four weeks never given"))
	if got != "The notice period was four weeks. Notice was never given." {
		t.Errorf("got %q", got)
	}
}

func TestSignificantWords(t *testing.T) {
	words := significantWords("The employer shall give notice. This is very important. 劳动合同")

	for _, w := range []string{"employer", "give", "notice", "important", "劳动", "动合", "合同"} {
		if !words[w] {
			t.Errorf("expected %q in significant words", w)
		}
	}
	for _, w := range []string{"the", "shall", "this", "very", "is"} {
		if words[w] {
			t.Errorf("%q should be excluded", w)
		}
	}
}

func TestSplitSentences(t *testing.T) {
	got := splitSentences("First sentence. Second? Third! 第一句。第二句！v1.2 stays whole")
	want := []string{"First sentence.", "Second?", "Third!", "第一句。", "第二句！", "v1.2 stays whole"}
	if len(got) != len(want) {
		t.Fatalf("got %d sentences %q, want %d", len(got), got, len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("sentence %d: got %q, want %q", i, got[i], want[i])
		}
	}
}
